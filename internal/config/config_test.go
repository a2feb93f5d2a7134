package config

import "testing"

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestFromYAMLOverrides(t *testing.T) {
	cfg, err := FromYAML([]byte("server:\n  addr: 0.0.0.0:9000\nstats:\n  days_range: 30\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != "0.0.0.0:9000" {
		t.Fatalf("addr not overridden: %s", cfg.Server.Addr)
	}
	if cfg.Stats.DaysRange != 30 {
		t.Fatalf("days_range not overridden: %d", cfg.Stats.DaysRange)
	}
	if cfg.Stats.Limit != 50 {
		t.Fatalf("limit default lost: %d", cfg.Stats.Limit)
	}
}

func TestFromYAMLRejectsBadPriority(t *testing.T) {
	if _, err := FromYAML([]byte("defaults:\n  priority: urgent\n")); err == nil {
		t.Fatal("expected validation error for unknown priority")
	}
}
