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
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Node        NodeConfig      `yaml:"node"`
	JobStore    JobStoreConfig  `yaml:"job_store"`
	Text        TextConfig      `yaml:"text"`
	Phoneme     PhonemeConfig   `yaml:"phoneme"`
	Voices      VoicesConfig    `yaml:"voices"`
	Synthesis   SynthesisConfig `yaml:"synthesis"`
	Local       LocalConfig     `yaml:"local"`
	Stream      StreamConfig    `yaml:"stream"`
	Rest        RestConfig      `yaml:"rest"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
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

type JobStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type TextConfig struct {
	// ScriptPolicy is one of reject|drop|keep for runes outside the
	// Vietnamese alphabet.
	ScriptPolicy    string `yaml:"script_policy"`
	SentencePauseMS int    `yaml:"sentence_pause_ms"`
	ClausePauseMS   int    `yaml:"clause_pause_ms"`
}

type PhonemeConfig struct {
	DictionaryPath string `yaml:"dictionary_path"`
	CacheSize      int    `yaml:"cache_size"`
}

type VoicesConfig struct {
	CatalogPath string `yaml:"catalog_path"`
}

type SynthesisConfig struct {
	// Workers bounds concurrent backend calls for network backends. The
	// local backend is always serialized regardless of this value.
	Workers          int    `yaml:"workers"`
	DefaultBackend   string `yaml:"default_backend"`
	AllowFailover    bool   `yaml:"allow_failover"`
	MaxAttempts      int    `yaml:"max_attempts"`
	RetryInitialMS   int    `yaml:"retry_initial_ms"`
	RetryMaxMS       int    `yaml:"retry_max_ms"`
	TargetSampleRate int    `yaml:"target_sample_rate"`
	OutputDir        string `yaml:"output_dir"`
	// Container is raw|wav for the assembled track written to OutputDir.
	Container string `yaml:"container"`
}

type LocalConfig struct {
	Enabled       bool   `yaml:"enabled"`
	GeneratorPath string `yaml:"generator_path"`
	CodecPath     string `yaml:"codec_path"`
	VocabPath     string `yaml:"vocab_path"`
	LibraryPath   string `yaml:"onnxruntime_library"`
	SampleRate    int    `yaml:"sample_rate"`
	MaxChunkLen   int    `yaml:"max_chunk_len"`
}

type StreamConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Endpoint       string `yaml:"endpoint"`
	Token          string `yaml:"token"`
	OutputFormat   string `yaml:"output_format"`
	SampleRate     int    `yaml:"sample_rate"`
	MaxChunkLen    int    `yaml:"max_chunk_len"`
	CallTimeout    int    `yaml:"call_timeout_ms"`
	HandshakeDelay int    `yaml:"handshake_timeout_ms"`
}

type RestConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	APIKey      string `yaml:"api_key"`
	SampleRate  int    `yaml:"sample_rate"`
	MaxChunkLen int    `yaml:"max_chunk_len"`
	CallTimeout int    `yaml:"call_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "vntts-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "vntts-node-1",
			Role:              "synthesis",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		JobStore: JobStoreConfig{
			Path:          "./data/vntts-jobs.db",
			RetentionDays: 30,
			MaxJobs:       10000,
		},
		Text: TextConfig{
			ScriptPolicy:    "drop",
			SentencePauseMS: 150,
			ClausePauseMS:   80,
		},
		Phoneme: PhonemeConfig{
			DictionaryPath: "./data/vi-dict.tsv",
			CacheSize:      4096,
		},
		Voices: VoicesConfig{
			CatalogPath: "./data/voices.yaml",
		},
		Synthesis: SynthesisConfig{
			Workers:          4,
			DefaultBackend:   "local",
			AllowFailover:    false,
			MaxAttempts:      3,
			RetryInitialMS:   200,
			RetryMaxMS:       5000,
			TargetSampleRate: 24000,
			OutputDir:        "./data/out",
			Container:        "wav",
		},
		Local: LocalConfig{
			Enabled:       true,
			GeneratorPath: "./models/generator.onnx",
			CodecPath:     "./models/codec.onnx",
			VocabPath:     "./models/vocab.txt",
			SampleRate:    24000,
			MaxChunkLen:   256,
		},
		Stream: StreamConfig{
			Enabled:        false,
			OutputFormat:   "raw-24khz-16bit-mono-pcm",
			SampleRate:     24000,
			MaxChunkLen:    1000,
			CallTimeout:    30000,
			HandshakeDelay: 5000,
		},
		Rest: RestConfig{
			Enabled:     false,
			SampleRate:  24000,
			MaxChunkLen: 500,
			CallTimeout: 15000,
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
	overrideString(&cfg.RuntimeName, "VNTTS_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VNTTS_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VNTTS_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VNTTS_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VNTTS_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VNTTS_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VNTTS_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VNTTS_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "VNTTS_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VNTTS_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "VNTTS_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VNTTS_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VNTTS_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VNTTS_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VNTTS_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VNTTS_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "VNTTS_NODE_ID")
	overrideString(&cfg.Node.Role, "VNTTS_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "VNTTS_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "VNTTS_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.JobStore.Path, "VNTTS_JOB_STORE_PATH")
	overrideInt(&cfg.JobStore.RetentionDays, "VNTTS_JOB_STORE_RETENTION_DAYS")
	overrideInt(&cfg.JobStore.MaxJobs, "VNTTS_JOB_STORE_MAX_JOBS")
	overrideBool(&cfg.JobStore.VacuumOnStart, "VNTTS_JOB_STORE_VACUUM_ON_START")
	overrideString(&cfg.Text.ScriptPolicy, "VNTTS_TEXT_SCRIPT_POLICY")
	overrideInt(&cfg.Text.SentencePauseMS, "VNTTS_TEXT_SENTENCE_PAUSE_MS")
	overrideInt(&cfg.Text.ClausePauseMS, "VNTTS_TEXT_CLAUSE_PAUSE_MS")
	overrideString(&cfg.Phoneme.DictionaryPath, "VNTTS_PHONEME_DICTIONARY_PATH")
	overrideInt(&cfg.Phoneme.CacheSize, "VNTTS_PHONEME_CACHE_SIZE")
	overrideString(&cfg.Voices.CatalogPath, "VNTTS_VOICES_CATALOG_PATH")
	overrideInt(&cfg.Synthesis.Workers, "VNTTS_SYNTHESIS_WORKERS")
	overrideString(&cfg.Synthesis.DefaultBackend, "VNTTS_SYNTHESIS_DEFAULT_BACKEND")
	overrideBool(&cfg.Synthesis.AllowFailover, "VNTTS_SYNTHESIS_ALLOW_FAILOVER")
	overrideInt(&cfg.Synthesis.MaxAttempts, "VNTTS_SYNTHESIS_MAX_ATTEMPTS")
	overrideInt(&cfg.Synthesis.RetryInitialMS, "VNTTS_SYNTHESIS_RETRY_INITIAL_MS")
	overrideInt(&cfg.Synthesis.RetryMaxMS, "VNTTS_SYNTHESIS_RETRY_MAX_MS")
	overrideInt(&cfg.Synthesis.TargetSampleRate, "VNTTS_SYNTHESIS_TARGET_SAMPLE_RATE")
	overrideString(&cfg.Synthesis.OutputDir, "VNTTS_SYNTHESIS_OUTPUT_DIR")
	overrideString(&cfg.Synthesis.Container, "VNTTS_SYNTHESIS_CONTAINER")
	overrideBool(&cfg.Local.Enabled, "VNTTS_LOCAL_ENABLED")
	overrideString(&cfg.Local.GeneratorPath, "VNTTS_LOCAL_GENERATOR_PATH")
	overrideString(&cfg.Local.CodecPath, "VNTTS_LOCAL_CODEC_PATH")
	overrideString(&cfg.Local.VocabPath, "VNTTS_LOCAL_VOCAB_PATH")
	overrideString(&cfg.Local.LibraryPath, "VNTTS_LOCAL_ONNXRUNTIME_LIBRARY")
	overrideInt(&cfg.Local.SampleRate, "VNTTS_LOCAL_SAMPLE_RATE")
	overrideInt(&cfg.Local.MaxChunkLen, "VNTTS_LOCAL_MAX_CHUNK_LEN")
	overrideBool(&cfg.Stream.Enabled, "VNTTS_STREAM_ENABLED")
	overrideString(&cfg.Stream.Endpoint, "VNTTS_STREAM_ENDPOINT")
	overrideString(&cfg.Stream.Token, "VNTTS_STREAM_TOKEN")
	overrideString(&cfg.Stream.OutputFormat, "VNTTS_STREAM_OUTPUT_FORMAT")
	overrideInt(&cfg.Stream.SampleRate, "VNTTS_STREAM_SAMPLE_RATE")
	overrideInt(&cfg.Stream.MaxChunkLen, "VNTTS_STREAM_MAX_CHUNK_LEN")
	overrideInt(&cfg.Stream.CallTimeout, "VNTTS_STREAM_CALL_TIMEOUT_MS")
	overrideInt(&cfg.Stream.HandshakeDelay, "VNTTS_STREAM_HANDSHAKE_TIMEOUT_MS")
	overrideBool(&cfg.Rest.Enabled, "VNTTS_REST_ENABLED")
	overrideString(&cfg.Rest.Endpoint, "VNTTS_REST_ENDPOINT")
	overrideString(&cfg.Rest.APIKey, "VNTTS_REST_API_KEY")
	overrideInt(&cfg.Rest.SampleRate, "VNTTS_REST_SAMPLE_RATE")
	overrideInt(&cfg.Rest.MaxChunkLen, "VNTTS_REST_MAX_CHUNK_LEN")
	overrideInt(&cfg.Rest.CallTimeout, "VNTTS_REST_CALL_TIMEOUT_MS")
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
	if cfg.JobStore.Path == "" {
		return errors.New("job_store.path must not be empty")
	}
	if cfg.JobStore.RetentionDays < 0 {
		return errors.New("job_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Text.ScriptPolicy {
	case "reject", "drop", "keep":
	default:
		return errors.New("text.script_policy must be one of reject|drop|keep")
	}
	if cfg.Text.SentencePauseMS < 0 || cfg.Text.ClausePauseMS < 0 {
		return errors.New("text pause durations must be >= 0")
	}
	if cfg.Synthesis.Workers <= 0 {
		return errors.New("synthesis.workers must be >= 1")
	}
	if cfg.Synthesis.MaxAttempts <= 0 {
		return errors.New("synthesis.max_attempts must be >= 1")
	}
	if cfg.Synthesis.RetryInitialMS <= 0 || cfg.Synthesis.RetryMaxMS < cfg.Synthesis.RetryInitialMS {
		return errors.New("synthesis retry delays must satisfy 0 < retry_initial_ms <= retry_max_ms")
	}
	if cfg.Synthesis.TargetSampleRate <= 0 {
		return errors.New("synthesis.target_sample_rate must be positive")
	}
	switch cfg.Synthesis.Container {
	case "raw", "wav":
	default:
		return errors.New("synthesis.container must be one of raw|wav")
	}
	if !cfg.Local.Enabled && !cfg.Stream.Enabled && !cfg.Rest.Enabled {
		return errors.New("at least one synthesis backend must be enabled")
	}
	if cfg.Local.Enabled {
		if cfg.Local.GeneratorPath == "" || cfg.Local.CodecPath == "" {
			return errors.New("local.generator_path and local.codec_path must be set when local backend is enabled")
		}
		if cfg.Local.SampleRate <= 0 {
			return errors.New("local.sample_rate must be positive")
		}
		if cfg.Local.MaxChunkLen <= 0 {
			return errors.New("local.max_chunk_len must be positive")
		}
	}
	if cfg.Stream.Enabled {
		if cfg.Stream.Endpoint == "" {
			return errors.New("stream.endpoint must be set when stream backend is enabled")
		}
		if cfg.Stream.SampleRate <= 0 {
			return errors.New("stream.sample_rate must be positive")
		}
		if cfg.Stream.MaxChunkLen <= 0 {
			return errors.New("stream.max_chunk_len must be positive")
		}
	}
	if cfg.Rest.Enabled {
		if cfg.Rest.Endpoint == "" {
			return errors.New("rest.endpoint must be set when rest backend is enabled")
		}
		if cfg.Rest.SampleRate <= 0 {
			return errors.New("rest.sample_rate must be positive")
		}
		if cfg.Rest.MaxChunkLen <= 0 {
			return errors.New("rest.max_chunk_len must be positive")
		}
	}
	return nil
}
