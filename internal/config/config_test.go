package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dealflow/internal/config"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	if cfg.Validation.AutoSend != "comparator" {
		t.Fatalf("auto_send = %q", cfg.Validation.AutoSend)
	}
	if cfg.Threshold() != 0.8 {
		t.Fatalf("threshold = %v", cfg.Threshold())
	}
	if cfg.SLA.OffsetDays != 2 || cfg.SLA.CheckHour != 9 {
		t.Fatalf("sla = %+v", cfg.SLA)
	}
	if cfg.SweepInterval() != 30*time.Second {
		t.Fatalf("sweep interval = %v", cfg.SweepInterval())
	}
	if cfg.Notify.Company != "OneCorp" {
		t.Fatalf("company = %q", cfg.Notify.Company)
	}
	if cfg.Server.Addr != ":8080" || cfg.Server.Auth.Enabled {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestGenerateDefaultParses(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault()))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Pipeline.Timezone != "Australia/Melbourne" {
		t.Fatalf("timezone = %q", cfg.Pipeline.Timezone)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	raw := strings.Join([]string{
		"pipeline:",
		"  timezone: Australia/Sydney",
		"classify:",
		"  confidence_threshold: 0.9",
		"sla:",
		"  offset_days: 3",
		"  check_hour: 10",
	}, "\n")
	if err := os.WriteFile(filepath.Join(dir, "dealflow.yml"), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Threshold() != 0.9 {
		t.Fatalf("threshold = %v", cfg.Threshold())
	}
	if cfg.SLA.OffsetDays != 3 {
		t.Fatalf("offset = %d", cfg.SLA.OffsetDays)
	}
	if got := cfg.Timezone().String(); got != "Australia/Sydney" {
		t.Fatalf("timezone = %q", got)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := config.Load(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "run dfl init first") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadOptionalMissing(t *testing.T) {
	cfg, err := config.LoadOptional(t.TempDir())
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if cfg != nil {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"timezone", func(c *config.Config) { c.Pipeline.Timezone = "Mars/Olympus" }, "not a known zone"},
		{"auto_send", func(c *config.Config) { c.Validation.AutoSend = "sometimes" }, "auto_send"},
		{"threshold", func(c *config.Config) { c.Classify.ConfidenceThreshold = 1.5 }, "confidence_threshold"},
		{"offset", func(c *config.Config) { c.SLA.OffsetDays = -1 }, "offset_days"},
		{"check_hour", func(c *config.Config) { c.SLA.CheckHour = 24 }, "check_hour"},
		{"sweep", func(c *config.Config) { c.SLA.SweepIntervalSeconds = -5 }, "sweep_interval_seconds"},
		{"auth", func(c *config.Config) { c.Server.Auth.Enabled = true; c.Server.Auth.JWTSecret = "" }, "jwt_secret"},
		{"webhook", func(c *config.Config) { c.Webhooks = []config.WebhookConfig{{Secret: "x"}} }, "webhooks[0].url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want substring %q", err, tc.want)
			}
		})
	}
}

func TestTimezoneFallsBackToUTC(t *testing.T) {
	var cfg config.Config
	cfg.Pipeline.Timezone = "Nope/Nowhere"
	if got := cfg.Timezone(); got != time.UTC {
		t.Fatalf("timezone = %v", got)
	}
}

func TestPath(t *testing.T) {
	if got := config.Path(""); got != "dealflow.yml" {
		t.Fatalf("Path(\"\") = %q", got)
	}
	if got := config.Path("/srv/deals"); got != filepath.Join("/srv/deals", "dealflow.yml") {
		t.Fatalf("Path = %q", got)
	}
}
