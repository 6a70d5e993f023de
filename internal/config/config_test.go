package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gatesim.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.HopLatency.Duration() != DefaultHopLatency || cfg.Engine.ProcessTimeout.Duration() != DefaultProcessTimeout {
		t.Fatalf("engine defaults = %+v", cfg.Engine)
	}
	if cfg.Tracing.Enabled || cfg.Metrics.Listen != "" {
		t.Fatalf("tracing and metrics must be off by default: %+v", cfg)
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	path := writeFile(t, `
engine:
  parallelize_partner_gates: true
  hop_latency: 250us
  best_effort_sharing: true
logging:
  level: debug
  format: json
tracing:
  enabled: true
  exporter: otlp
  endpoint: collector:4317
metrics:
  listen: ":9100"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Engine.ParallelizePartnerGates || !cfg.Engine.BestEffortSharing {
		t.Fatalf("engine flags = %+v", cfg.Engine)
	}
	if cfg.Engine.HopLatency.Duration() != 250*time.Microsecond {
		t.Fatalf("hop latency = %v", cfg.Engine.HopLatency.Duration())
	}
	if cfg.Engine.ProcessTimeout.Duration() != DefaultProcessTimeout {
		t.Fatalf("process timeout lost its default: %v", cfg.Engine.ProcessTimeout.Duration())
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Exporter != "otlp" || cfg.Tracing.ServiceName != "gatesim" || cfg.Tracing.SampleRatio != 1 {
		t.Fatalf("tracing = %+v", cfg.Tracing)
	}
	if cfg.Metrics.Listen != ":9100" {
		t.Fatalf("metrics listen = %q", cfg.Metrics.Listen)
	}
}

func TestLoadRejectsInvalidFiles(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad duration", "engine:\n  hop_latency: soon\n", "parse config"},
		{"negative latency", "engine:\n  hop_latency: -1ms\n", "hop_latency"},
		{"ratio", "tracing:\n  sample_ratio: 2\n", "sample_ratio"},
		{"format", "logging:\n  format: xml\n", "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("missing file accepted")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("GATESIM_PARALLELIZE", "true")
	t.Setenv("GATESIM_HOP_LATENCY", "2ms")
	t.Setenv("GATESIM_PROCESS_TIMEOUT", "not-a-duration")
	t.Setenv("GATESIM_METRICS_LISTEN", ":9200")
	t.Setenv("GATESIM_LOG_LEVEL", "warn")
	t.Setenv("GATESIM_TRACING_ENABLED", "true")

	cfg := FromEnv()
	if !cfg.Engine.ParallelizePartnerGates || cfg.Engine.HopLatency.Duration() != 2*time.Millisecond {
		t.Fatalf("engine = %+v", cfg.Engine)
	}
	if cfg.Engine.ProcessTimeout.Duration() != DefaultProcessTimeout {
		t.Fatalf("unparseable timeout applied: %v", cfg.Engine.ProcessTimeout.Duration())
	}
	if cfg.Metrics.Listen != ":9200" || cfg.Logging.Level != "warn" || !cfg.Tracing.Enabled {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestDurationMarshalsAsString(t *testing.T) {
	v, err := Duration(1500 * time.Millisecond).MarshalYAML()
	if err != nil || v != "1.5s" {
		t.Fatalf("MarshalYAML = %v, %v", v, err)
	}
}

func TestLoadEnvFileKeepsExistingVariables(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	body := "GATESIM_HOP_LATENCY=7ms\nGATESIM_METRICS_LISTEN=:9300\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("GATESIM_METRICS_LISTEN", ":9400")
	// Registers the variable for cleanup; LoadEnvFile only sets unset keys.
	t.Setenv("GATESIM_HOP_LATENCY", "")
	os.Unsetenv("GATESIM_HOP_LATENCY")

	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	cfg := FromEnv()
	if cfg.Engine.HopLatency.Duration() != 7*time.Millisecond {
		t.Fatalf("hop latency = %v, want value from env file", cfg.Engine.HopLatency.Duration())
	}
	if cfg.Metrics.Listen != ":9400" {
		t.Fatalf("listen = %q, want the existing variable", cfg.Metrics.Listen)
	}
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "absent.env")); err == nil {
		t.Fatalf("missing env file accepted")
	}
}
