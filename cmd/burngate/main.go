package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/infodancer/burngate/internal/admission"
	"github.com/infodancer/burngate/internal/config"
	"github.com/infodancer/burngate/internal/logging"
	"github.com/infodancer/burngate/internal/mailbox"
	"github.com/infodancer/burngate/internal/metrics"
	"github.com/infodancer/burngate/internal/ratelimit"
	"github.com/infodancer/burngate/internal/relay"
	"github.com/infodancer/burngate/internal/smtp"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel)

	var tlsConfig *tls.Config
	if cfg.STARTTLSAvailable() {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertPath, cfg.TLSKeyPath)
		if err != nil {
			logger.Warn("TLS certificate load failed, STARTTLS disabled", slog.String("error", err.Error()))
		} else {
			tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
			logger.Info("TLS configured", slog.String("cert", cfg.TLSCertPath))
		}
	}

	store, err := mailbox.NewRedisStore(cfg.RedisURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error building redis client: %v\n", err)
		os.Exit(1)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := store.Ping(pingCtx); err != nil {
		pingCancel()
		fmt.Fprintf(os.Stderr, "error connecting to redis: %v\n", err)
		os.Exit(1)
	}
	pingCancel()
	defer store.Close()

	lookup := mailbox.New(store, cfg)
	relayClient := relay.New(cfg.BackendSMTP, cfg.ServerName)

	var collector metrics.Collector = &metrics.NoopCollector{}
	var metricsServer metrics.Server = &metrics.NoopServer{}
	if cfg.MetricsEnabled() {
		collector = metrics.NewPrometheusCollector(prometheus.DefaultRegisterer)
		metricsServer = metrics.NewPrometheusServer(cfg.MetricsAddr, cfg.MetricsPath)
	}

	engine := smtp.New(smtp.Config{
		ServerName:      cfg.ServerName,
		AcceptedDomains: cfg.AcceptedDomains,
		MaxLineLength:   cfg.MaxLineLength,
		MaxMessageSize:  cfg.MaxMessageSize,
		MaxRecipients:   cfg.MaxRecipients,
		TLSConfig:       tlsConfig,
	}, lookup, relayClient, collector)

	var limiter admission.Limiter
	if cfg.MaxConnectionsPerIP > 0 {
		limiter = ratelimit.New(cfg.MaxConnectionsPerIP)
	}

	listenerLogger := logging.WithListener(logger, cfg.ListenAddr, "smtp")

	controller := admission.New(admission.Config{
		MaxConnections:    cfg.MaxConnections,
		ConnectionTimeout: cfg.ConnectionTimeout,
		LogTransaction:    strings.EqualFold(cfg.LogLevel, "debug"),
	}, limiter, engine, collector, listenerLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
		cancel()
	}()

	if cfg.MetricsEnabled() {
		go func() {
			if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("metrics server error", slog.String("error", err.Error()))
			}
		}()
		defer metricsServer.Shutdown(context.Background())
	}

	if cfg.MetricsInterval > 0 {
		go reportMetricsPeriodically(ctx, logger, cfg.MetricsInterval)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error listening on %s: %v\n", cfg.ListenAddr, err)
		os.Exit(1)
	}

	logger.Info("starting burngate",
		slog.String("listen_addr", cfg.ListenAddr),
		slog.String("backend", cfg.BackendSMTP),
		slog.Bool("starttls", tlsConfig != nil),
	)

	if err := controller.Serve(ctx, ln); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}

	logger.Info("burngate stopped")
}

// reportMetricsPeriodically logs a heartbeat line at the configured
// interval, independent of whether the Prometheus HTTP endpoint is
// enabled, so operators without a scraper still see liveness in the log.
func reportMetricsPeriodically(ctx context.Context, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("heartbeat")
		}
	}
}
