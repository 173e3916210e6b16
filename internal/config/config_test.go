package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name   string
		check  func(*Config) bool
		expect string
	}{
		{
			name:   "default mode is all",
			check:  func(c *Config) bool { return c.Mode == "all" },
			expect: "all",
		},
		{
			name:   "default host is 0.0.0.0",
			check:  func(c *Config) bool { return c.Host == "0.0.0.0" },
			expect: "0.0.0.0",
		},
		{
			name:   "default port is 8080",
			check:  func(c *Config) bool { return c.Port == 8080 },
			expect: "8080",
		},
		{
			name:   "default log level is info",
			check:  func(c *Config) bool { return c.LogLevel == "info" },
			expect: "info",
		},
		{
			name:   "default log format is json",
			check:  func(c *Config) bool { return c.LogFormat == "json" },
			expect: "json",
		},
		{
			name:   "default metrics path",
			check:  func(c *Config) bool { return c.MetricsPath == "/metrics" },
			expect: "/metrics",
		},
		{
			name:   "default migrations dir",
			check:  func(c *Config) bool { return c.MigrationsDir == "migrations" },
			expect: "migrations",
		},
		{
			name:   "default loop interval",
			check:  func(c *Config) bool { return c.LoopIntervalSec == 5 },
			expect: "5",
		},
		{
			name:   "default gc interval",
			check:  func(c *Config) bool { return c.GCIntervalSec == 5 },
			expect: "5",
		},
		{
			name:   "default label max inflight",
			check:  func(c *Config) bool { return c.LabelMaxInflight == 5 },
			expect: "5",
		},
		{
			name:   "default label burst",
			check:  func(c *Config) bool { return c.LabelBurst == 3 },
			expect: "3",
		},
		{
			name:   "default connect deadline",
			check:  func(c *Config) bool { return c.ConnectDeadlineSec == 240 },
			expect: "240",
		},
		{
			name:   "default disconnected grace",
			check:  func(c *Config) bool { return c.DisconnectedGraceSec == 60 },
			expect: "60",
		},
		{
			name:   "default retry budget",
			check:  func(c *Config) bool { return c.RetryBudget == 20 },
			expect: "20",
		},
		{
			name:   "default rpc timeout",
			check:  func(c *Config) bool { return c.RPCTimeoutSec == 10 },
			expect: "10",
		},
		{
			name:   "default node agent concurrency",
			check:  func(c *Config) bool { return c.NodeAgentConcurrency == 4 },
			expect: "4",
		},
		{
			name:   "background loops enabled by default",
			check:  func(c *Config) bool { return !c.DisableBackgroundLoops },
			expect: "false",
		},
		{
			name:   "unknown host registration disallowed by default",
			check:  func(c *Config) bool { return !c.AllowUnknownHostRegistration },
			expect: "false",
		},
		{
			name:   "listen addr format",
			check:  func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" },
			expect: "0.0.0.0:8080",
		},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("expected %s", tt.expect)
			}
		})
	}
}
