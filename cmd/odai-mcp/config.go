package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"
)

const (
	transportStdIO = "stdio"
	transportSSE   = "sse"
)

// Config holds the odai-mcp command configuration. Environment variables provide the
// defaults and command-line flags override them.
type Config struct {
	Transport       string        `env:"ODAI_TRANSPORT"         envDefault:"stdio"`
	Host            string        `env:"ODAI_HOST"              envDefault:"localhost"`
	Port            int           `env:"ODAI_PORT"              envDefault:"3000"`
	RateLimitWindow time.Duration `env:"ODAI_RATE_LIMIT_WINDOW" envDefault:"1m"`
	RateLimitMax    int           `env:"ODAI_RATE_LIMIT_MAX"    envDefault:"100"`
	RateLimitExempt []string      `env:"ODAI_RATE_LIMIT_EXEMPT" envDefault:"/health" envSeparator:","`
	LogLevel        string        `env:"ODAI_LOG_LEVEL"         envDefault:"info"`
	PingInterval    time.Duration `env:"ODAI_PING_INTERVAL"     envDefault:"30s"`

	// DataPath is the dataset JSON file, taken from the positional argument.
	DataPath string `env:"-"`
}

// parseEnv loads a Config from environ, a map of environment variable names to values.
func parseEnv(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func (c *Config) bindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Transport, "transport", c.Transport, "transport type: stdio or sse")
	fs.StringVar(&c.Host, "host", c.Host, "host to listen on (sse transport)")
	fs.IntVar(&c.Port, "port", c.Port, "port to listen on (sse transport)")
	fs.DurationVar(&c.RateLimitWindow, "rate-limit-window", c.RateLimitWindow, "rate limit window (sse transport)")
	fs.IntVar(&c.RateLimitMax, "rate-limit-max", c.RateLimitMax, "requests admitted per client per window (sse transport)")
	fs.StringSliceVar(&c.RateLimitExempt, "rate-limit-exempt", c.RateLimitExempt, "paths exempt from rate limiting")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug, info, warn or error")
	fs.DurationVar(&c.PingInterval, "ping-interval", c.PingInterval, "interval between server pings, negative disables them")
}

func (c Config) validate() error {
	var errs []error

	switch c.Transport {
	case transportStdIO, transportSSE:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q, expected %s or %s", c.Transport, transportStdIO, transportSSE))
	}

	if c.DataPath == "" {
		errs = append(errs, errors.New("dataset path is required"))
	} else if _, err := os.Stat(c.DataPath); err != nil {
		errs = append(errs, fmt.Errorf("dataset path does not exist: %w", err))
	}

	if _, err := c.slogLevel(); err != nil {
		errs = append(errs, err)
	}

	if c.Transport == transportSSE {
		if c.Port < 0 || c.Port > 65535 {
			errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
		}
		if c.RateLimitMax <= 0 {
			errs = append(errs, fmt.Errorf("rate limit max must be positive, got %d", c.RateLimitMax))
		}
		if c.RateLimitWindow <= 0 {
			errs = append(errs, fmt.Errorf("rate limit window must be positive, got %s", c.RateLimitWindow))
		}
	}

	return errors.Join(errs...)
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) slogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}
