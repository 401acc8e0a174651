// Package admission implements the connection-admission boundary around
// the SMTP session engine: the per-IP limiter, the global concurrency
// semaphore, and the per-session wall-clock timeout.
package admission

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/infodancer/burngate/internal/logging"
	"github.com/infodancer/burngate/internal/metrics"
	"github.com/infodancer/burngate/internal/ratelimit"
	"github.com/infodancer/burngate/internal/smtp"
)

// Limiter is satisfied by *ratelimit.Limiter. A nil Controller.limiter
// disables the per-IP check entirely, mirroring max_connections_per_ip=0.
type Limiter interface {
	CheckAndIncrement(ip string) bool
}

var _ Limiter = (*ratelimit.Limiter)(nil)

// Engine runs one admitted session to completion.
type Engine interface {
	Run(ctx context.Context, c *smtp.Conn)
}

// Controller is the single point through which every accepted TCP
// connection passes before it reaches the session engine.
type Controller struct {
	engine            Engine
	metrics           metrics.Collector
	limiter           Limiter
	sem               chan struct{}
	connectionTimeout time.Duration
	logTransaction    bool
	logger            *slog.Logger

	wg sync.WaitGroup
}

// Config carries the admission-layer settings out of the gateway config.
type Config struct {
	MaxConnections    int
	ConnectionTimeout time.Duration
	// LogTransaction enables byte-level wire logging (recv/send) of every
	// session at debug level, gated by the operator's LOG_LEVEL rather
	// than a separate knob.
	LogTransaction bool
}

// New builds a Controller. limiter may be nil to disable the per-IP check.
// A MaxConnections of 0 makes the global semaphore effectively unbounded.
func New(cfg Config, limiter Limiter, engine Engine, collector metrics.Collector, logger *slog.Logger) *Controller {
	var sem chan struct{}
	if cfg.MaxConnections > 0 {
		sem = make(chan struct{}, cfg.MaxConnections)
	}
	return &Controller{
		engine:            engine,
		metrics:           collector,
		limiter:           limiter,
		sem:               sem,
		connectionTimeout: cfg.ConnectionTimeout,
		logTransaction:    cfg.LogTransaction,
		logger:            logger,
	}
}

// Serve runs the accept loop against ln until ctx is cancelled or Accept
// returns a permanent error. It blocks until every in-flight session has
// ended.
func (c *Controller) Serve(ctx context.Context, ln net.Listener) error {
	defer c.wg.Wait()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				c.logger.Warn("temporary accept error", slog.String("error", err.Error()))
				time.Sleep(5 * time.Millisecond)
				continue
			}
			return err
		}

		if !c.admit(ctx, conn) {
			continue
		}

		c.wg.Add(1)
		go c.handle(ctx, conn)
	}
}

// admit applies the per-IP limiter and the global semaphore. It returns
// false when the connection was rejected or the controller is shutting
// down, in which case the caller must not dispatch it to handle.
func (c *Controller) admit(ctx context.Context, conn net.Conn) bool {
	if c.limiter != nil {
		ip := hostOf(conn.RemoteAddr())
		if !c.limiter.CheckAndIncrement(ip) {
			_, _ = conn.Write([]byte("421 4.7.0 Too many connections from your IP\r\n"))
			_ = conn.Close()
			return false
		}
	}

	if c.sem != nil {
		select {
		case c.sem <- struct{}{}:
		case <-ctx.Done():
			_ = conn.Close()
			return false
		}
	}

	c.metrics.ConnectionAccepted()
	return true
}

// handle runs one session under the configured wall-clock timeout and
// releases its semaphore permit when the session ends for any reason.
//
// context.WithTimeout alone only unblocks the session engine's ctx.Done()
// poll between commands (spec §5); it has no effect on a read already
// blocked inside the socket. The deadline set on conn below is what
// actually fires when the session stalls mid-read, converting the
// blocked ReadByte into an I/O error the engine treats like any other
// connection failure — the same mechanism the relay client uses against
// its backend leg.
func (c *Controller) handle(ctx context.Context, conn net.Conn) {
	defer c.wg.Done()
	defer func() {
		if c.sem != nil {
			<-c.sem
		}
	}()
	defer conn.Close()

	sessionCtx := ctx
	var cancel context.CancelFunc
	if c.connectionTimeout > 0 {
		sessionCtx, cancel = context.WithTimeout(ctx, c.connectionTimeout)
		defer cancel()
		if deadline, ok := sessionCtx.Deadline(); ok {
			_ = conn.SetDeadline(deadline)
		}
	}

	logger := logging.WithConnection(c.logger, conn.RemoteAddr().String())
	sessionCtx = logging.NewContext(sessionCtx, logger)

	var sconn *smtp.Conn
	if c.logTransaction {
		sconn = smtp.NewConnWithLogger(conn, logger)
	} else {
		sconn = smtp.NewConn(conn)
	}

	logger.Info("connection accepted")
	c.engine.Run(sessionCtx, sconn)
	logger.Info("connection closed")
}

func hostOf(addr net.Addr) string {
	s := addr.String()
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return s
}
