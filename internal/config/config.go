package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
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
	Model       ModelConfig      `yaml:"model"`
	Audio       AudioConfig      `yaml:"audio"`
	Training    TrainingConfig   `yaml:"training"`
	Listener    ListenerConfig   `yaml:"listener"`
	Examples    ExamplesConfig   `yaml:"examples"`
	Storage     StorageConfig    `yaml:"storage"`
	Control     ControlConfig    `yaml:"control"`
}

type BusConfig struct {
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
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"`
}

type NodeCapability struct {
	Name       string            `yaml:"name"`
	Tier       string            `yaml:"tier"`
	Attributes map[string]string `yaml:"attributes"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxEvents     int    `yaml:"max_events"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// ModelConfig selects the base feature extractor.
type ModelConfig struct {
	Name       string  `yaml:"name"`
	Extractor  string  `yaml:"extractor"` // logmel, exec
	Command    string  `yaml:"command"`
	SampleRate int     `yaml:"sample_rate"`
	WindowMS   int     `yaml:"window_ms"`
	FFTSize    int     `yaml:"fft_size"`
	HopSize    int     `yaml:"hop_size"`
	NumMels    int     `yaml:"num_mels"`
	LowFreq    float64 `yaml:"low_freq"`
	HighFreq   float64 `yaml:"high_freq"`
}

type AudioConfig struct {
	Source          string   `yaml:"source"` // device, bus, file
	Stream          string   `yaml:"stream"`
	Files           []string `yaml:"files"`
	SampleRate      int      `yaml:"sample_rate"`
	Channels        int      `yaml:"channels"`
	FrameDurationMS int      `yaml:"frame_duration_ms"`
}

type TrainingConfig struct {
	Epochs          int     `yaml:"epochs"`
	BatchSize       int     `yaml:"batch_size"`
	LearningRate    float64 `yaml:"learning_rate"`
	ValidationSplit float64 `yaml:"validation_split"`
	Seed            uint64  `yaml:"seed"`
}

type ListenerConfig struct {
	ProbabilityThreshold float64 `yaml:"probability_threshold"`
	OverlapFactor        float64 `yaml:"overlap_factor"`
	InvokeOnUnknown      bool    `yaml:"invoke_on_unknown"`
	IncludeEmbedding     bool    `yaml:"include_embedding"`
}

type ExamplesConfig struct {
	Backend string `yaml:"backend"` // memory, badger
	Dir     string `yaml:"dir"`
}

type StorageConfig struct {
	Backend         string `yaml:"backend"` // local, s3
	Dir             string `yaml:"dir"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

type ControlConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SubjectPrefix string `yaml:"subject_prefix"`
	ModelPath     string `yaml:"model_path"`
	AutoLoad      bool   `yaml:"auto_load"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-sound",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8081,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9092",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-sound-1",
			Role:              "classifier",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities: []NodeCapability{
				{Name: "audio.classify", Tier: "balanced"},
			},
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-sound.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxEvents:     100000,
		},
		Model: ModelConfig{
			Name:       "loqa-logmel",
			Extractor:  "logmel",
			SampleRate: 16000,
			WindowMS:   1000,
			FFTSize:    512,
			HopSize:    160,
			NumMels:    40,
			LowFreq:    20,
			HighFreq:   7600,
		},
		Audio: AudioConfig{
			Source:          "bus",
			Stream:          "default",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 20,
		},
		Training: TrainingConfig{
			Epochs:          25,
			BatchSize:       16,
			LearningRate:    0.05,
			ValidationSplit: 0,
			Seed:            1,
		},
		Listener: ListenerConfig{
			ProbabilityThreshold: 0,
			OverlapFactor:        0.5,
			InvokeOnUnknown:      true,
		},
		Examples: ExamplesConfig{
			Backend: "memory",
			Dir:     "./data/examples",
		},
		Storage: StorageConfig{
			Backend: "local",
			Dir:     "./data/models",
			Region:  "us-east-1",
		},
		Control: ControlConfig{
			Enabled:       true,
			SubjectPrefix: "sound",
			ModelPath:     "default",
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
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
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
	overrideInt(&cfg.EventStore.MaxEvents, "LOQA_EVENT_STORE_MAX_EVENTS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Model.Name, "LOQA_MODEL_NAME")
	overrideString(&cfg.Model.Extractor, "LOQA_MODEL_EXTRACTOR")
	overrideString(&cfg.Model.Command, "LOQA_MODEL_COMMAND")
	overrideInt(&cfg.Model.SampleRate, "LOQA_MODEL_SAMPLE_RATE")
	overrideInt(&cfg.Model.WindowMS, "LOQA_MODEL_WINDOW_MS")
	overrideInt(&cfg.Model.FFTSize, "LOQA_MODEL_FFT_SIZE")
	overrideInt(&cfg.Model.HopSize, "LOQA_MODEL_HOP_SIZE")
	overrideInt(&cfg.Model.NumMels, "LOQA_MODEL_NUM_MELS")
	overrideFloat(&cfg.Model.LowFreq, "LOQA_MODEL_LOW_FREQ")
	overrideFloat(&cfg.Model.HighFreq, "LOQA_MODEL_HIGH_FREQ")
	overrideString(&cfg.Audio.Source, "LOQA_AUDIO_SOURCE")
	overrideString(&cfg.Audio.Stream, "LOQA_AUDIO_STREAM")
	overrideStringSlice(&cfg.Audio.Files, "LOQA_AUDIO_FILES")
	overrideInt(&cfg.Audio.SampleRate, "LOQA_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "LOQA_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.FrameDurationMS, "LOQA_AUDIO_FRAME_DURATION_MS")
	overrideInt(&cfg.Training.Epochs, "LOQA_TRAINING_EPOCHS")
	overrideInt(&cfg.Training.BatchSize, "LOQA_TRAINING_BATCH_SIZE")
	overrideFloat(&cfg.Training.LearningRate, "LOQA_TRAINING_LEARNING_RATE")
	overrideFloat(&cfg.Training.ValidationSplit, "LOQA_TRAINING_VALIDATION_SPLIT")
	overrideFloat(&cfg.Listener.ProbabilityThreshold, "LOQA_LISTENER_PROBABILITY_THRESHOLD")
	overrideFloat(&cfg.Listener.OverlapFactor, "LOQA_LISTENER_OVERLAP_FACTOR")
	overrideBool(&cfg.Listener.InvokeOnUnknown, "LOQA_LISTENER_INVOKE_ON_UNKNOWN")
	overrideBool(&cfg.Listener.IncludeEmbedding, "LOQA_LISTENER_INCLUDE_EMBEDDING")
	overrideString(&cfg.Examples.Backend, "LOQA_EXAMPLES_BACKEND")
	overrideString(&cfg.Examples.Dir, "LOQA_EXAMPLES_DIR")
	overrideString(&cfg.Storage.Backend, "LOQA_STORAGE_BACKEND")
	overrideString(&cfg.Storage.Dir, "LOQA_STORAGE_DIR")
	overrideString(&cfg.Storage.Bucket, "LOQA_STORAGE_BUCKET")
	overrideString(&cfg.Storage.Prefix, "LOQA_STORAGE_PREFIX")
	overrideString(&cfg.Storage.Region, "LOQA_STORAGE_REGION")
	overrideString(&cfg.Storage.Endpoint, "LOQA_STORAGE_ENDPOINT")
	overrideString(&cfg.Storage.AccessKeyID, "LOQA_STORAGE_ACCESS_KEY_ID")
	overrideString(&cfg.Storage.SecretAccessKey, "LOQA_STORAGE_SECRET_ACCESS_KEY")
	overrideBool(&cfg.Storage.UsePathStyle, "LOQA_STORAGE_USE_PATH_STYLE")
	overrideBool(&cfg.Control.Enabled, "LOQA_CONTROL_ENABLED")
	overrideString(&cfg.Control.SubjectPrefix, "LOQA_CONTROL_SUBJECT_PREFIX")
	overrideString(&cfg.Control.ModelPath, "LOQA_CONTROL_MODEL_PATH")
	overrideBool(&cfg.Control.AutoLoad, "LOQA_CONTROL_AUTO_LOAD")
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
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
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Model.Extractor {
	case "logmel":
		if cfg.Model.FFTSize <= 0 || cfg.Model.FFTSize&(cfg.Model.FFTSize-1) != 0 {
			return errors.New("model.fft_size must be a positive power of two")
		}
		if cfg.Model.HopSize <= 0 {
			return errors.New("model.hop_size must be positive")
		}
		if cfg.Model.NumMels <= 0 {
			return errors.New("model.num_mels must be positive")
		}
		if cfg.Model.HighFreq <= cfg.Model.LowFreq {
			return errors.New("model.high_freq must be greater than model.low_freq")
		}
	case "exec":
		if cfg.Model.Command == "" {
			return errors.New("model.command must be set when extractor=exec")
		}
	default:
		return errors.New("model.extractor must be one of logmel|exec")
	}
	if cfg.Model.SampleRate <= 0 {
		return errors.New("model.sample_rate must be positive")
	}
	if cfg.Model.WindowMS <= 0 {
		return errors.New("model.window_ms must be positive")
	}
	switch cfg.Audio.Source {
	case "device", "bus", "file":
	default:
		return errors.New("audio.source must be one of device|bus|file")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.Source == "bus" && cfg.Audio.Stream == "" {
		return errors.New("audio.stream must be set when source=bus")
	}
	if cfg.Audio.Source == "file" && len(cfg.Audio.Files) == 0 {
		return errors.New("audio.files must be set when source=file")
	}
	if cfg.Training.Epochs <= 0 {
		return errors.New("training.epochs must be positive")
	}
	if cfg.Training.BatchSize <= 0 {
		return errors.New("training.batch_size must be positive")
	}
	if cfg.Training.LearningRate <= 0 {
		return errors.New("training.learning_rate must be positive")
	}
	if cfg.Training.ValidationSplit < 0 || cfg.Training.ValidationSplit >= 1 {
		return errors.New("training.validation_split must be in [0, 1)")
	}
	if cfg.Listener.OverlapFactor < 0 || cfg.Listener.OverlapFactor >= 1 {
		return errors.New("listener.overlap_factor must be in [0, 1)")
	}
	if cfg.Listener.ProbabilityThreshold < 0 || cfg.Listener.ProbabilityThreshold > 1 {
		return errors.New("listener.probability_threshold must be in [0, 1]")
	}
	switch cfg.Examples.Backend {
	case "memory":
	case "badger":
		if cfg.Examples.Dir == "" {
			return errors.New("examples.dir must be set when backend=badger")
		}
	default:
		return errors.New("examples.backend must be one of memory|badger")
	}
	switch cfg.Storage.Backend {
	case "local":
		if cfg.Storage.Dir == "" {
			return errors.New("storage.dir must be set when backend=local")
		}
	case "s3":
		if cfg.Storage.Bucket == "" {
			return errors.New("storage.bucket must be set when backend=s3")
		}
	default:
		return errors.New("storage.backend must be one of local|s3")
	}
	if cfg.Control.Enabled && cfg.Control.SubjectPrefix == "" {
		return errors.New("control.subject_prefix must not be empty when control is enabled")
	}
	return nil
}
