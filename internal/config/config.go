// Package config provides environment-driven configuration for the
// admission gateway.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// CheckMode selects which Redis primitives the mailbox lookup consults.
type CheckMode string

const (
	// CheckBoth probes the key first and falls back to the set.
	CheckBoth CheckMode = "both"
	// CheckKeyOnly probes only the liveness key.
	CheckKeyOnly CheckMode = "key"
	// CheckSetOnly probes only the known-address set.
	CheckSetOnly CheckMode = "set"
)

// Config holds the complete gateway configuration, loaded once at startup
// from the environment and shared read-only by every session.
type Config struct {
	ListenAddr    string
	BackendSMTP   string
	RedisURL      string
	AcceptedDomains map[string]struct{}

	MaxMessageSize     int64
	MaxLineLength      int
	MaxRecipients      int
	MaxConnections     int
	MaxConnectionsPerIP int
	ConnectionTimeout  time.Duration

	TLSCertPath string
	TLSKeyPath  string

	ServerName string

	RedisKeyPattern string
	RedisSetName    string
	RedisCheckMode  CheckMode

	MetricsInterval time.Duration

	LogLevel string

	MetricsAddr string
	MetricsPath string
}

// Default returns the configuration that results from an empty environment:
// every field at the value spec §6 documents as its default.
func Default() *Config {
	return &Config{
		ListenAddr:          "0.0.0.0:25",
		BackendSMTP:         "127.0.0.1:2525",
		RedisURL:            "redis://127.0.0.1:6379",
		AcceptedDomains:     map[string]struct{}{},
		MaxMessageSize:      10 * 1024 * 1024,
		MaxLineLength:       1024,
		MaxRecipients:       100,
		MaxConnections:      1000,
		MaxConnectionsPerIP: 0,
		ConnectionTimeout:   300 * time.Second,
		ServerName:          "burngate",
		RedisKeyPattern:     "mb:{address}",
		RedisSetName:        "addresses",
		RedisCheckMode:      CheckBoth,
		MetricsInterval:     60 * time.Second,
		LogLevel:            "info",
		MetricsAddr:         "",
		MetricsPath:         "/metrics",
	}
}

// Load builds a Config by reading the environment variables documented in
// the external interfaces section. ACCEPTED_DOMAINS is required; every
// other variable falls back to Default().
func Load() (*Config, error) {
	cfg := Default()

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("BACKEND_SMTP"); v != "" {
		cfg.BackendSMTP = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	} else {
		host := getenvDefault("REDIS_HOST", "127.0.0.1")
		port := getenvDefault("REDIS_PORT", "6379")
		user := os.Getenv("REDIS_USERNAME")
		pass := os.Getenv("REDIS_PASSWORD")
		switch {
		case user != "" && pass != "":
			cfg.RedisURL = fmt.Sprintf("redis://%s:%s@%s:%s", user, pass, host, port)
		case pass != "":
			cfg.RedisURL = fmt.Sprintf("redis://:%s@%s:%s", pass, host, port)
		default:
			cfg.RedisURL = fmt.Sprintf("redis://%s:%s", host, port)
		}
	}

	domains, ok := os.LookupEnv("ACCEPTED_DOMAINS")
	if !ok {
		return nil, errors.New("ACCEPTED_DOMAINS is required (comma-separated list of domains)")
	}
	cfg.AcceptedDomains = parseDomainSet(domains)

	if v, err := getenvInt64("MAX_MESSAGE_SIZE"); err != nil {
		return nil, err
	} else if v != nil {
		cfg.MaxMessageSize = *v
	}
	if v, err := getenvInt("MAX_LINE_LENGTH"); err != nil {
		return nil, err
	} else if v != nil {
		cfg.MaxLineLength = *v
	}
	if v, err := getenvInt("MAX_RECIPIENTS"); err != nil {
		return nil, err
	} else if v != nil {
		cfg.MaxRecipients = *v
	}
	if v, err := getenvInt("MAX_CONNECTIONS"); err != nil {
		return nil, err
	} else if v != nil {
		cfg.MaxConnections = *v
	}
	if v, err := getenvInt("MAX_CONNECTIONS_PER_IP"); err != nil {
		return nil, err
	} else if v != nil {
		cfg.MaxConnectionsPerIP = *v
	}
	if v, err := getenvInt("CONNECTION_TIMEOUT"); err != nil {
		return nil, err
	} else if v != nil {
		cfg.ConnectionTimeout = time.Duration(*v) * time.Second
	}
	if v, err := getenvInt("METRICS_INTERVAL"); err != nil {
		return nil, err
	} else if v != nil {
		cfg.MetricsInterval = time.Duration(*v) * time.Second
	}

	cfg.TLSCertPath = os.Getenv("TLS_CERT_PATH")
	cfg.TLSKeyPath = os.Getenv("TLS_KEY_PATH")

	if v := os.Getenv("SERVER_NAME"); v != "" {
		cfg.ServerName = v
	}
	if v := os.Getenv("REDIS_KEY_PATTERN"); v != "" {
		cfg.RedisKeyPattern = v
	}
	if v, ok := os.LookupEnv("REDIS_SET_NAME"); ok {
		cfg.RedisSetName = v
	}
	if v := os.Getenv("REDIS_CHECK_MODE"); v != "" {
		switch strings.ToLower(v) {
		case "key", "key_only":
			cfg.RedisCheckMode = CheckKeyOnly
		case "set", "set_only":
			cfg.RedisCheckMode = CheckSetOnly
		default:
			cfg.RedisCheckMode = CheckBoth
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("METRICS_PATH"); v != "" {
		cfg.MetricsPath = v
	}

	return cfg, nil
}

// Validate checks invariants that Load cannot enforce field-by-field.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen address must not be empty")
	}
	if c.BackendSMTP == "" {
		return errors.New("backend SMTP address must not be empty")
	}
	if len(c.AcceptedDomains) == 0 {
		return errors.New("at least one accepted domain is required")
	}
	if !strings.Contains(c.RedisKeyPattern, "{address}") {
		return errors.New("redis key pattern must contain the literal token {address}")
	}
	if c.MaxMessageSize <= 0 {
		return errors.New("max message size must be positive")
	}
	if c.MaxLineLength <= 0 {
		return errors.New("max line length must be positive")
	}
	if (c.TLSCertPath == "") != (c.TLSKeyPath == "") {
		return errors.New("TLS_CERT_PATH and TLS_KEY_PATH must both be set or both be unset")
	}
	return nil
}

// STARTTLSAvailable reports whether both halves of the TLS material are
// configured, mirroring the original implementation's tls_available.
func (c *Config) STARTTLSAvailable() bool {
	return c.TLSCertPath != "" && c.TLSKeyPath != ""
}

// MetricsEnabled reports whether the Prometheus HTTP endpoint should run.
func (c *Config) MetricsEnabled() bool {
	return c.MetricsAddr != ""
}

// MailboxKeyFor builds the Redis key for address using the configured
// pattern, substituting the literal {address} placeholder.
func (c *Config) MailboxKeyFor(address string) string {
	return strings.ReplaceAll(c.RedisKeyPattern, "{address}", strings.ToLower(address))
}

func parseDomainSet(val string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, d := range strings.Split(val, ",") {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			out[d] = struct{}{}
		}
	}
	return out
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string) (*int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid integer %q: %w", key, v, err)
	}
	return &n, nil
}

func getenvInt64(key string) (*int64, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid integer %q: %w", key, v, err)
	}
	return &n, nil
}
