package main

import (
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

var testDatasetPath = filepath.Join("..", "..", "servers", "odai", "testdata", "data.json")

func TestParseEnvDefaults(t *testing.T) {
	cfg, err := parseEnv(map[string]string{})
	if err != nil {
		t.Fatalf("failed to parse env: %v", err)
	}

	if cfg.Transport != "stdio" {
		t.Errorf("expected transport stdio, got %s", cfg.Transport)
	}
	if cfg.addr() != "localhost:3000" {
		t.Errorf("expected addr localhost:3000, got %s", cfg.addr())
	}
	if cfg.RateLimitWindow != time.Minute {
		t.Errorf("expected window 1m, got %s", cfg.RateLimitWindow)
	}
	if cfg.RateLimitMax != 100 {
		t.Errorf("expected max 100, got %d", cfg.RateLimitMax)
	}
	if !slices.Equal(cfg.RateLimitExempt, []string{"/health"}) {
		t.Errorf("expected /health exempt, got %v", cfg.RateLimitExempt)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected log level info, got %s", cfg.LogLevel)
	}
	if cfg.PingInterval != 30*time.Second {
		t.Errorf("expected ping interval 30s, got %s", cfg.PingInterval)
	}
}

func TestParseEnvOverrides(t *testing.T) {
	cfg, err := parseEnv(map[string]string{
		"ODAI_TRANSPORT":         "sse",
		"ODAI_HOST":              "0.0.0.0",
		"ODAI_PORT":              "8080",
		"ODAI_RATE_LIMIT_WINDOW": "10s",
		"ODAI_RATE_LIMIT_MAX":    "5",
		"ODAI_RATE_LIMIT_EXEMPT": "/health,/metrics",
		"ODAI_LOG_LEVEL":         "debug",
		"ODAI_PING_INTERVAL":     "-1s",
	})
	if err != nil {
		t.Fatalf("failed to parse env: %v", err)
	}

	if cfg.Transport != "sse" || cfg.addr() != "0.0.0.0:8080" {
		t.Errorf("unexpected transport/addr: %s %s", cfg.Transport, cfg.addr())
	}
	if cfg.RateLimitWindow != 10*time.Second || cfg.RateLimitMax != 5 {
		t.Errorf("unexpected rate limit: %d per %s", cfg.RateLimitMax, cfg.RateLimitWindow)
	}
	if !slices.Equal(cfg.RateLimitExempt, []string{"/health", "/metrics"}) {
		t.Errorf("unexpected exempt paths: %v", cfg.RateLimitExempt)
	}
	if cfg.LogLevel != "debug" || cfg.PingInterval != -time.Second {
		t.Errorf("unexpected log level/ping interval: %s %s", cfg.LogLevel, cfg.PingInterval)
	}
}

func TestParseEnvInvalid(t *testing.T) {
	_, err := parseEnv(map[string]string{"ODAI_PORT": "not-a-port"})
	if err == nil {
		t.Fatal("expected error for invalid port")
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	cmd, err := newRootCommand(map[string]string{
		"ODAI_TRANSPORT":      "sse",
		"ODAI_RATE_LIMIT_MAX": "5",
	})
	if err != nil {
		t.Fatalf("failed to create command: %v", err)
	}

	if err := cmd.ParseFlags([]string{"--rate-limit-max", "7", "--port", "4000", "--rate-limit-exempt", ""}); err != nil {
		t.Fatalf("failed to parse flags: %v", err)
	}

	transport, _ := cmd.Flags().GetString("transport")
	if transport != "sse" {
		t.Errorf("expected env transport sse to survive, got %s", transport)
	}
	limit, _ := cmd.Flags().GetInt("rate-limit-max")
	if limit != 7 {
		t.Errorf("expected flag to override rate limit max, got %d", limit)
	}
	port, _ := cmd.Flags().GetInt("port")
	if port != 4000 {
		t.Errorf("expected port 4000, got %d", port)
	}
	exempt, _ := cmd.Flags().GetStringSlice("rate-limit-exempt")
	if len(exempt) != 0 {
		t.Errorf("expected no exempt paths, got %v", exempt)
	}
}

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Transport:       "sse",
		Host:            "localhost",
		Port:            3000,
		RateLimitWindow: time.Minute,
		RateLimitMax:    100,
		LogLevel:        "info",
		DataPath:        testDatasetPath,
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "valid", modify: func(*Config) {}},
		{name: "stdio", modify: func(c *Config) { c.Transport = "stdio" }},
		{name: "unknown transport", modify: func(c *Config) { c.Transport = "ws" }, wantErr: "unknown transport"},
		{name: "missing path", modify: func(c *Config) { c.DataPath = "" }, wantErr: "dataset path is required"},
		{
			name:    "nonexistent path",
			modify:  func(c *Config) { c.DataPath = filepath.Join(t.TempDir(), "missing.json") },
			wantErr: "dataset path does not exist",
		},
		{name: "invalid log level", modify: func(c *Config) { c.LogLevel = "loud" }, wantErr: "invalid log level"},
		{name: "invalid port", modify: func(c *Config) { c.Port = 70000 }, wantErr: "invalid port"},
		{name: "zero rate limit", modify: func(c *Config) { c.RateLimitMax = 0 }, wantErr: "rate limit max"},
		{name: "zero window", modify: func(c *Config) { c.RateLimitWindow = 0 }, wantErr: "rate limit window"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.modify(&cfg)

			err := cfg.validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
