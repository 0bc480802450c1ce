package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Scheduler.Mode != "continuous" || cfg.VAD.Strictness != "flexible" {
		t.Fatalf("unexpected pipeline defaults: %+v %+v", cfg.Scheduler, cfg.VAD)
	}
	if cfg.Recorder.Format != "f32" {
		t.Fatalf("expected float recordings by default, got %q", cfg.Recorder.Format)
	}
	if cfg.Session.SessionTimeout() != time.Hour {
		t.Fatalf("expected one hour session timeout, got %v", cfg.Session.SessionTimeout())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_NODE_ID", "test-node")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_SCHEDULER_MODE", "buffered")
	t.Setenv("LOQA_SCHEDULER_BUFFER", "long")
	t.Setenv("LOQA_VAD_STRICTNESS", "strict")
	t.Setenv("LOQA_CAPTURE_GAIN_DB", "6.5")
	t.Setenv("LOQA_INFERENCE_PREFERRED_BACKEND", "metal")
	t.Setenv("LOQA_INFERENCE_FALLBACK_BACKEND", "coreml")
	t.Setenv("LOQA_RECORDER_KEEP_RECORDINGS", "2")
	t.Setenv("LOQA_RECORDER_FORMAT", "i16")
	t.Setenv("LOQA_SESSION_TIMEOUT_MINUTES", "0")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.EventStore.Path != "./tmp.db" || cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
	if cfg.Scheduler.Mode != "buffered" || cfg.Scheduler.Buffer != "long" {
		t.Fatalf("expected scheduler overrides, got %+v", cfg.Scheduler)
	}
	if cfg.VAD.Strictness != "strict" {
		t.Fatalf("expected strict vad")
	}
	if cfg.Capture.GainDB != 6.5 {
		t.Fatalf("expected gain override, got %f", cfg.Capture.GainDB)
	}
	if cfg.Inference.PreferredBackend != "metal" || cfg.Inference.FallbackBackend != "coreml" {
		t.Fatalf("expected backend overrides, got %+v", cfg.Inference)
	}
	if cfg.Recorder.KeepRecordings != 2 || cfg.Recorder.Format != "i16" {
		t.Fatalf("expected recorder overrides, got %+v", cfg.Recorder)
	}
	if cfg.Session.SessionTimeout() != 0 {
		t.Fatalf("expected unlimited session")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scribe.yaml")
	data := []byte(`
capture:
  source: file
  file: ./meeting.wav
  realtime: false
scheduler:
  mode: buffered
  silence_flush_ms: 5000
inference:
  runtime: exec
  command: "whisper-runner --json"
  model_path: ./models/base.bin
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Capture.Source != "file" || cfg.Capture.Realtime {
		t.Fatalf("unexpected capture config: %+v", cfg.Capture)
	}
	if cfg.Scheduler.SilenceFlushMS != 5000 {
		t.Fatalf("expected silence flush override")
	}
	if cfg.Scheduler.MinSpeechMS != 1000 {
		t.Fatalf("expected untouched defaults to survive, got %d", cfg.Scheduler.MinSpeechMS)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"file source without path": func(c *Config) { c.Capture.Source = "file" },
		"unknown strictness":       func(c *Config) { c.VAD.Strictness = "medium" },
		"model vad without command": func(c *Config) {
			c.VAD.Detector = "model"
		},
		"exec runtime without command": func(c *Config) { c.Inference.Runtime = "exec" },
		"bad scheduler mode":           func(c *Config) { c.Scheduler.Mode = "eager" },
		"max window below overlap":     func(c *Config) { c.Scheduler.MaxWindowMS = 500 },
		"unknown recording format":     func(c *Config) { c.Recorder.Format = "mp3" },
		"match above tail": func(c *Config) {
			c.Stabilizer.MinMatchWords = 40
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
