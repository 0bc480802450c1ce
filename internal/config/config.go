package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Capture     CaptureConfig    `yaml:"capture"`
	VAD         VADConfig        `yaml:"vad"`
	Scheduler   SchedulerConfig  `yaml:"scheduler"`
	Inference   InferenceConfig  `yaml:"inference"`
	Recorder    RecorderConfig   `yaml:"recorder"`
	Stabilizer  StabilizerConfig `yaml:"stabilizer"`
	Session     SessionConfig    `yaml:"session"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// CaptureConfig selects where frames come from and how they are conditioned
// before gating. The recorder always receives the unconditioned signal.
type CaptureConfig struct {
	Source          string  `yaml:"source"` // microphone, file, bus
	File            string  `yaml:"file"`
	Stream          string  `yaml:"stream"`
	Device          string  `yaml:"device"`
	DeviceRate      int     `yaml:"device_sample_rate"`
	FrameDurationMS int     `yaml:"frame_duration_ms"`
	Realtime        bool    `yaml:"realtime"`
	GainDB          float64 `yaml:"gain_db"`
	DCBlock         bool    `yaml:"dc_block"`
	QueueFrames     int     `yaml:"queue_frames"`
}

type VADConfig struct {
	Detector        string  `yaml:"detector"`   // energy, model
	Strictness      string  `yaml:"strictness"` // flexible, strict
	WindowMS        int     `yaml:"window_ms"`
	Command         string  `yaml:"command"`
	EnergyFloorDB   float64 `yaml:"energy_floor_db"`
	EnergyCeilingDB float64 `yaml:"energy_ceiling_db"`
	UseOffline      bool    `yaml:"use_offline"`
}

type SchedulerConfig struct {
	Mode                string `yaml:"mode"`   // continuous, buffered
	Buffer              string `yaml:"buffer"` // short, long
	MinSpeechMS         int    `yaml:"min_speech_ms"`
	ContinuousOverlapMS int    `yaml:"continuous_overlap_ms"`
	BufferedOverlapMS   int    `yaml:"buffered_overlap_ms"`
	SilenceFlushMS      int    `yaml:"silence_flush_ms"`
	MaxWindowMS         int    `yaml:"max_window_ms"`
}

type InferenceConfig struct {
	Runtime          string `yaml:"runtime"` // mock, exec, whisper
	Command          string `yaml:"command"`
	ModelPath        string `yaml:"model_path"`
	ModelSHA256      string `yaml:"model_sha256"`
	Language         string `yaml:"language"`
	PreferredBackend string `yaml:"preferred_backend"`
	FallbackBackend  string `yaml:"fallback_backend"`
	Threads          int    `yaml:"threads"`
}

type RecorderConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Directory       string `yaml:"directory"`
	Format          string `yaml:"format"`
	FlushIntervalMS int    `yaml:"flush_interval_ms"`
	KeepRecordings  int    `yaml:"keep_recordings"`
}

type StabilizerConfig struct {
	MaxTailWords  int `yaml:"max_tail_words"`
	MinMatchWords int `yaml:"min_match_words"`
}

type SessionConfig struct {
	TimeoutMinutes int `yaml:"timeout_minutes"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-scribe-1",
			Role:              "transcriber",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-scribe.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Capture: CaptureConfig{
			Source:          "microphone",
			DeviceRate:      16000,
			FrameDurationMS: 20,
			Realtime:        true,
			DCBlock:         true,
			QueueFrames:     64,
		},
		VAD: VADConfig{
			Detector:        "energy",
			Strictness:      "flexible",
			WindowMS:        300,
			EnergyFloorDB:   -60,
			EnergyCeilingDB: -25,
			UseOffline:      true,
		},
		Scheduler: SchedulerConfig{
			Mode:                "continuous",
			Buffer:              "short",
			MinSpeechMS:         1000,
			ContinuousOverlapMS: 1000,
			BufferedOverlapMS:   500,
			SilenceFlushMS:      3000,
			MaxWindowMS:         30000,
		},
		Inference: InferenceConfig{
			Runtime:          "mock",
			Language:         "en",
			PreferredBackend: "cuda",
			FallbackBackend:  "vulkan",
			Threads:          4,
		},
		Recorder: RecorderConfig{
			Enabled:         true,
			Directory:       "./data/recordings",
			Format:          "f32",
			FlushIntervalMS: 1000,
			KeepRecordings:  5,
		},
		Stabilizer: StabilizerConfig{
			MaxTailWords:  32,
			MinMatchWords: 2,
		},
		Session: SessionConfig{
			TimeoutMinutes: 60,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Source, "LOQA_CAPTURE_SOURCE")
	overrideString(&cfg.Capture.File, "LOQA_CAPTURE_FILE")
	overrideString(&cfg.Capture.Stream, "LOQA_CAPTURE_STREAM")
	overrideString(&cfg.Capture.Device, "LOQA_CAPTURE_DEVICE")
	overrideInt(&cfg.Capture.DeviceRate, "LOQA_CAPTURE_DEVICE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.FrameDurationMS, "LOQA_CAPTURE_FRAME_DURATION_MS")
	overrideBool(&cfg.Capture.Realtime, "LOQA_CAPTURE_REALTIME")
	overrideFloat(&cfg.Capture.GainDB, "LOQA_CAPTURE_GAIN_DB")
	overrideBool(&cfg.Capture.DCBlock, "LOQA_CAPTURE_DC_BLOCK")
	overrideInt(&cfg.Capture.QueueFrames, "LOQA_CAPTURE_QUEUE_FRAMES")
	overrideString(&cfg.VAD.Detector, "LOQA_VAD_DETECTOR")
	overrideString(&cfg.VAD.Strictness, "LOQA_VAD_STRICTNESS")
	overrideInt(&cfg.VAD.WindowMS, "LOQA_VAD_WINDOW_MS")
	overrideString(&cfg.VAD.Command, "LOQA_VAD_COMMAND")
	overrideFloat(&cfg.VAD.EnergyFloorDB, "LOQA_VAD_ENERGY_FLOOR_DB")
	overrideFloat(&cfg.VAD.EnergyCeilingDB, "LOQA_VAD_ENERGY_CEILING_DB")
	overrideBool(&cfg.VAD.UseOffline, "LOQA_VAD_USE_OFFLINE")
	overrideString(&cfg.Scheduler.Mode, "LOQA_SCHEDULER_MODE")
	overrideString(&cfg.Scheduler.Buffer, "LOQA_SCHEDULER_BUFFER")
	overrideInt(&cfg.Scheduler.MinSpeechMS, "LOQA_SCHEDULER_MIN_SPEECH_MS")
	overrideInt(&cfg.Scheduler.ContinuousOverlapMS, "LOQA_SCHEDULER_CONTINUOUS_OVERLAP_MS")
	overrideInt(&cfg.Scheduler.BufferedOverlapMS, "LOQA_SCHEDULER_BUFFERED_OVERLAP_MS")
	overrideInt(&cfg.Scheduler.SilenceFlushMS, "LOQA_SCHEDULER_SILENCE_FLUSH_MS")
	overrideInt(&cfg.Scheduler.MaxWindowMS, "LOQA_SCHEDULER_MAX_WINDOW_MS")
	overrideString(&cfg.Inference.Runtime, "LOQA_INFERENCE_RUNTIME")
	overrideString(&cfg.Inference.Command, "LOQA_INFERENCE_COMMAND")
	overrideString(&cfg.Inference.ModelPath, "LOQA_INFERENCE_MODEL_PATH")
	overrideString(&cfg.Inference.ModelSHA256, "LOQA_INFERENCE_MODEL_SHA256")
	overrideString(&cfg.Inference.Language, "LOQA_INFERENCE_LANGUAGE")
	overrideString(&cfg.Inference.PreferredBackend, "LOQA_INFERENCE_PREFERRED_BACKEND")
	overrideString(&cfg.Inference.FallbackBackend, "LOQA_INFERENCE_FALLBACK_BACKEND")
	overrideInt(&cfg.Inference.Threads, "LOQA_INFERENCE_THREADS")
	overrideBool(&cfg.Recorder.Enabled, "LOQA_RECORDER_ENABLED")
	overrideString(&cfg.Recorder.Directory, "LOQA_RECORDER_DIRECTORY")
	overrideString(&cfg.Recorder.Format, "LOQA_RECORDER_FORMAT")
	overrideInt(&cfg.Recorder.FlushIntervalMS, "LOQA_RECORDER_FLUSH_INTERVAL_MS")
	overrideInt(&cfg.Recorder.KeepRecordings, "LOQA_RECORDER_KEEP_RECORDINGS")
	overrideInt(&cfg.Stabilizer.MaxTailWords, "LOQA_STABILIZER_MAX_TAIL_WORDS")
	overrideInt(&cfg.Stabilizer.MinMatchWords, "LOQA_STABILIZER_MIN_MATCH_WORDS")
	overrideInt(&cfg.Session.TimeoutMinutes, "LOQA_SESSION_TIMEOUT_MINUTES")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if err := validateCapture(cfg.Capture); err != nil {
		return err
	}
	if cfg.Capture.Source == "bus" && !cfg.Bus.Enabled {
		return errors.New("capture.source=bus requires bus.enabled")
	}
	if err := validateVAD(cfg.VAD); err != nil {
		return err
	}
	if err := validateScheduler(cfg.Scheduler); err != nil {
		return err
	}
	if err := validateInference(cfg.Inference); err != nil {
		return err
	}
	if cfg.Recorder.Enabled {
		if cfg.Recorder.Directory == "" {
			return errors.New("recorder.directory must not be empty when recording is enabled")
		}
		switch strings.ToLower(cfg.Recorder.Format) {
		case "f32", "i16":
		default:
			return fmt.Errorf("recorder.format must be f32 or i16, got %q", cfg.Recorder.Format)
		}
		if cfg.Recorder.FlushIntervalMS <= 0 {
			return errors.New("recorder.flush_interval_ms must be positive")
		}
		if cfg.Recorder.KeepRecordings < 0 {
			return errors.New("recorder.keep_recordings must be >= 0")
		}
	}
	if cfg.Stabilizer.MaxTailWords <= 0 {
		return errors.New("stabilizer.max_tail_words must be positive")
	}
	if cfg.Stabilizer.MinMatchWords <= 0 || cfg.Stabilizer.MinMatchWords > cfg.Stabilizer.MaxTailWords {
		return errors.New("stabilizer.min_match_words must be between 1 and max_tail_words")
	}
	if cfg.Session.TimeoutMinutes < 0 {
		return errors.New("session.timeout_minutes must be >= 0")
	}
	return nil
}

func validateCapture(c CaptureConfig) error {
	switch c.Source {
	case "microphone":
	case "file":
		if c.File == "" {
			return errors.New("capture.file must be set when source=file")
		}
	case "bus":
		if c.Stream == "" {
			return errors.New("capture.stream must be set when source=bus")
		}
	default:
		return errors.New("capture.source must be one of microphone|file|bus")
	}
	if c.DeviceRate <= 0 {
		return errors.New("capture.device_sample_rate must be positive")
	}
	if c.FrameDurationMS <= 0 || c.FrameDurationMS > 100 {
		return errors.New("capture.frame_duration_ms must be between 1 and 100")
	}
	if c.GainDB < 0 {
		return errors.New("capture.gain_db must be >= 0")
	}
	if c.QueueFrames <= 0 {
		return errors.New("capture.queue_frames must be positive")
	}
	return nil
}

func validateVAD(v VADConfig) error {
	switch v.Detector {
	case "energy":
		if v.EnergyCeilingDB <= v.EnergyFloorDB {
			return errors.New("vad.energy_ceiling_db must be greater than energy_floor_db")
		}
	case "model":
		if v.Command == "" {
			return errors.New("vad.command must be set when detector=model")
		}
	default:
		return errors.New("vad.detector must be one of energy|model")
	}
	switch v.Strictness {
	case "flexible", "strict":
	default:
		return errors.New("vad.strictness must be one of flexible|strict")
	}
	if v.WindowMS <= 0 {
		return errors.New("vad.window_ms must be positive")
	}
	return nil
}

func validateScheduler(s SchedulerConfig) error {
	switch s.Mode {
	case "continuous", "buffered":
	default:
		return errors.New("scheduler.mode must be one of continuous|buffered")
	}
	switch s.Buffer {
	case "short", "long":
	default:
		return errors.New("scheduler.buffer must be one of short|long")
	}
	if s.MinSpeechMS <= 0 {
		return errors.New("scheduler.min_speech_ms must be positive")
	}
	if s.ContinuousOverlapMS < 0 || s.BufferedOverlapMS < 0 {
		return errors.New("scheduler overlap must be >= 0")
	}
	if s.SilenceFlushMS <= 0 {
		return errors.New("scheduler.silence_flush_ms must be positive")
	}
	if s.MaxWindowMS <= s.ContinuousOverlapMS || s.MaxWindowMS <= s.BufferedOverlapMS {
		return errors.New("scheduler.max_window_ms must exceed the overlap")
	}
	return nil
}

func validateInference(i InferenceConfig) error {
	switch i.Runtime {
	case "mock":
	case "exec":
		if i.Command == "" {
			return errors.New("inference.command must be set when runtime=exec")
		}
		if i.ModelPath == "" {
			return errors.New("inference.model_path must be set when runtime=exec")
		}
	case "whisper":
		if i.ModelPath == "" {
			return errors.New("inference.model_path must be set when runtime=whisper")
		}
	default:
		return errors.New("inference.runtime must be one of mock|exec|whisper")
	}
	if i.Threads < 0 {
		return errors.New("inference.threads must be >= 0")
	}
	return nil
}

// SessionTimeout returns the configured limit, zero meaning unlimited.
func (c SessionConfig) SessionTimeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// Millis converts a millisecond config value into a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
