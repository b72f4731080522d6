package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/device"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name: "empty output dir",
			mutate: func(cfg *Config) {
				cfg.OutputDir = ""
			},
			wantErr: "output dir",
		},
		{
			name: "unknown format",
			mutate: func(cfg *Config) {
				cfg.OutputFormat = "parquet"
			},
			wantErr: "output format",
		},
		{
			name: "unknown locale",
			mutate: func(cfg *Config) {
				cfg.Locale = "fr"
			},
			wantErr: "locale",
		},
		{
			name: "candidate wait not shorter than timeout",
			mutate: func(cfg *Config) {
				cfg.Timeouts.Candidate = cfg.Timeouts.Default
			},
			wantErr: "candidate timeout",
		},
		{
			name: "negative timeout",
			mutate: func(cfg *Config) {
				cfg.Timeouts.Short = -1 * time.Second
			},
			wantErr: "timeouts",
		},
		{
			name: "negative retries",
			mutate: func(cfg *Config) {
				cfg.Retry.MaxRetries = -1
			},
			wantErr: "max retries",
		},
		{
			name: "zero scroll times",
			mutate: func(cfg *Config) {
				cfg.Scroll.MaxScrollTimes = 0
			},
			wantErr: "max scroll times",
		},
		{
			name: "zero threshold",
			mutate: func(cfg *Config) {
				cfg.Scroll.NoNewDataThreshold = 0
			},
			wantErr: "no new data threshold",
		},
		{
			name: "missing required step",
			mutate: func(cfg *Config) {
				delete(cfg.Selectors, StepItemPrice)
			},
			wantErr: StepItemPrice,
		},
		{
			name: "entry step without candidates",
			mutate: func(cfg *Config) {
				cfg.EntrySteps = append(cfg.EntrySteps, "open_nowhere")
			},
			wantErr: "open_nowhere",
		},
		{
			name: "invalid descriptor",
			mutate: func(cfg *Config) {
				cfg.Selectors[StepItemName] = []device.Descriptor{device.TextMatches("(")}
			},
			wantErr: "selector item_name[0]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harvester.yaml")
	content := `
output_dir: /tmp/harvest
locale: en
retry:
  max_retries: 1
  delay: 1500ms
scroll:
  no_new_data_threshold: 3
selectors:
  all_products_tab:
    - text: All items
    - textContains: All
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OutputDir != "/tmp/harvest" || cfg.Locale != "en" {
		t.Fatalf("top-level fields not applied: %+v", cfg)
	}
	if cfg.Retry.MaxRetries != 1 || cfg.Retry.Delay != 1500*time.Millisecond {
		t.Fatalf("retry = %+v", cfg.Retry)
	}
	if cfg.Scroll.NoNewDataThreshold != 3 || cfg.Scroll.MaxScrollTimes != 30 {
		t.Fatalf("scroll = %+v", cfg.Scroll)
	}
	if got := cfg.Selectors[StepAllProductsTab]; len(got) != 2 || got[0] != device.Text("All items") {
		t.Fatalf("all_products_tab = %v", got)
	}
	if len(cfg.Selectors[StepItemName]) == 0 {
		t.Fatalf("steps absent from the file should keep their defaults")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("loaded config invalid: %v", err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harvester.yaml")
	if err := os.WriteFile(path, []byte("max_pages: 3\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unknown key error")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("HARVESTER_OUTPUT_DIR", "/data/out")
	t.Setenv("HARVESTER_MAX_RETRIES", "7")
	t.Setenv("HARVESTER_RETRY_DELAY", "250ms")

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.OutputDir != "/data/out" || cfg.Retry.MaxRetries != 7 || cfg.Retry.Delay != 250*time.Millisecond {
		t.Fatalf("env not applied: dir=%q retries=%d delay=%s", cfg.OutputDir, cfg.Retry.MaxRetries, cfg.Retry.Delay)
	}

	t.Setenv("HARVESTER_MAX_RETRIES", "many")
	if err := DefaultConfig().ApplyEnv(); err == nil || !strings.Contains(err.Error(), "HARVESTER_MAX_RETRIES") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestPathsLayout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OutputDir = t.TempDir()
	p := cfg.PathsFor("SER1")

	if err := p.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	for _, dir := range []string{p.Results(), p.State(), p.Logs(), p.Screenshots()} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("%s not created: %v", dir, err)
		}
	}
	if want := filepath.Join(cfg.OutputDir, "SER1", "logs", "SER1.log"); p.LogFile() != want {
		t.Fatalf("LogFile() = %q, want %q", p.LogFile(), want)
	}
}
