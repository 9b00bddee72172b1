package config

import (
	"fmt"
	"image/color"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration. It is loaded once and passed
// by value afterwards.
type Config struct {
	Server     ServerConfig              `yaml:"server"`
	Logging    LoggingConfig             `yaml:"logging"`
	Google     GoogleConfig              `yaml:"google"`
	Normalizer NormalizerConfig          `yaml:"normalizer"`
	Pipeline   PipelineConfig            `yaml:"pipeline"`
	Models     map[string]ModelConfig    `yaml:"models"`
	Scheduler  map[string]SchedulerClass `yaml:"scheduler"`
	Cache      CacheConfig               `yaml:"cache"`
	Redis      RedisConfig               `yaml:"redis"`
	MQTT       MQTTConfig                `yaml:"mqtt"`
	Sentry     SentryConfig              `yaml:"sentry"`
	Requests   RequestsConfig            `yaml:"requests"`
	Watcher    WatcherConfig             `yaml:"watcher"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	MaxUploadMB     int           `yaml:"max_upload_mb"`
	WaitTimeout     time.Duration `yaml:"wait_timeout"`     // bound for ?wait=true
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // drain window for running requests
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

type GoogleConfig struct {
	ProjectID    string        `yaml:"project_id"`
	Location     string        `yaml:"location"`
	VTOModel     string        `yaml:"vto_model"`
	UseSDK       bool          `yaml:"use_sdk"`
	GeminiAPIKey string        `yaml:"gemini_api_key"`
	GeminiModel  string        `yaml:"gemini_model"`
	GeminiPrice  GeminiPricing `yaml:"gemini_pricing"`
}

// GeminiPricing is USD per million tokens.
type GeminiPricing struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

type NormalizerConfig struct {
	Width      int    `yaml:"width"`
	Height     int    `yaml:"height"`
	Fit        string `yaml:"fit"`        // pad, crop
	Background string `yaml:"background"` // #rrggbb
	MaxBytes   int    `yaml:"max_bytes"`
	MaxPixels  int    `yaml:"max_pixels"`
	MemoSize   int    `yaml:"memo_size"`
}

type PipelineConfig struct {
	PersonThreshold float64 `yaml:"person_threshold"`
	SamePersonIoU   float64 `yaml:"same_person_iou"`
	PoseMemoSize    int     `yaml:"pose_memo_size"`
}

// ModelConfig configures one model stage: pose, warp or blend.
type ModelConfig struct {
	Backend             string        `yaml:"backend"` // remote, vertex, gemini
	Endpoint            string        `yaml:"endpoint"`
	Codec               string        `yaml:"codec"` // json, msgpack
	// Version fixes the stage's model version and turns off polling for it.
	// Empty asks the backend at startup and follows its rollovers.
	Version             string        `yaml:"version"`
	Class               string        `yaml:"class"`
	Timeout             time.Duration `yaml:"timeout"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	MaxAttempts         int           `yaml:"max_attempts"`
	InitialBackoff      time.Duration `yaml:"initial_backoff"`
	MaxBackoff          time.Duration `yaml:"max_backoff"`
	Fallback            bool          `yaml:"fallback"` // blend only
}

type SchedulerClass struct {
	MaxConcurrent int64         `yaml:"max_concurrent"`
	QueueTimeout  time.Duration `yaml:"queue_timeout"`
	MaxQueueDepth int64         `yaml:"max_queue_depth"`
}

type CacheConfig struct {
	Size int `yaml:"size"`
}

// RedisConfig enables the persistent cache tier when Address is set.
type RedisConfig struct {
	Address        string        `yaml:"address"`
	MaxConnections int           `yaml:"max_connections"`
	TTL            time.Duration `yaml:"ttl"`
	Prefix         string        `yaml:"prefix"`
}

// MQTTConfig enables result notifications when Broker is set.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

type SentryConfig struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
	Release     string `yaml:"release"`
}

type RequestsConfig struct {
	Retention       time.Duration `yaml:"retention"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
}

type WatcherConfig struct {
	Interval time.Duration `yaml:"interval"` // zero disables version polling
}

// Default returns a configuration that runs every stage against local
// remote-model servers.
func Default() Config {
	stage := func(endpoint, class string) ModelConfig {
		return ModelConfig{
			Backend:             "remote",
			Endpoint:            endpoint,
			Codec:               "json",
			Class:               class,
			Timeout:             30 * time.Second,
			ConfidenceThreshold: 0.5,
			MaxAttempts:         3,
			InitialBackoff:      200 * time.Millisecond,
			MaxBackoff:          5 * time.Second,
		}
	}
	return Config{
		Server: ServerConfig{
			Port:            "8080",
			MaxUploadMB:     21,
			WaitTimeout:     2 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Google: GoogleConfig{
			Location:    "us-central1",
			VTOModel:    "virtual-try-on-preview-08-04",
			GeminiModel: "gemini-2.5-flash-image",
			GeminiPrice: GeminiPricing{InputPerMillion: 0.30, OutputPerMillion: 30.0},
		},
		Normalizer: NormalizerConfig{
			Width:      768,
			Height:     1024,
			Fit:        "pad",
			Background: "#ffffff",
			MaxBytes:   10 * 1024 * 1024,
			MaxPixels:  40_000_000,
			MemoSize:   256,
		},
		Pipeline: PipelineConfig{PersonThreshold: 0.5, SamePersonIoU: 0.6, PoseMemoSize: 256},
		Models: map[string]ModelConfig{
			"pose":  stage("http://localhost:9001", "gpu"),
			"warp":  stage("http://localhost:9002", "gpu"),
			"blend": stage("http://localhost:9003", "gpu"),
		},
		Scheduler: map[string]SchedulerClass{
			"gpu": {MaxConcurrent: 4, QueueTimeout: 30 * time.Second, MaxQueueDepth: 64},
			"cpu": {MaxConcurrent: 8, QueueTimeout: 10 * time.Second},
		},
		Cache:    CacheConfig{Size: 1024},
		Redis:    RedisConfig{MaxConnections: 16, TTL: 24 * time.Hour, Prefix: "tryon"},
		MQTT:     MQTTConfig{ClientID: "tryon-server", TopicPrefix: "tryon/results", QoS: 1},
		Sentry:   SentryConfig{Environment: "production"},
		Requests: RequestsConfig{Retention: time.Hour, JanitorInterval: time.Minute},
		Watcher:  WatcherConfig{Interval: time.Minute},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path uses defaults and
// environment only. Entries under models and scheduler replace the default
// entry of the same name as a whole.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}

	if err := Validate(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	if v := get("PROJECT_ID"); v != "" {
		cfg.Google.ProjectID = v
	} else if v := get("GOOGLE_CLOUD_PROJECT"); v != "" {
		cfg.Google.ProjectID = v
	}
	if v := get("LOCATION"); v != "" {
		cfg.Google.Location = v
	}
	if v := get("VTO_MODEL"); v != "" {
		cfg.Google.VTOModel = v
	}
	if v := get("USE_SDK"); v != "" {
		useSDK, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("USE_SDK: %w", err)
		}
		cfg.Google.UseSDK = useSDK
	}
	if v := get("GEMINI_API_KEY"); v != "" {
		cfg.Google.GeminiAPIKey = v
	}
	if v := get("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := get("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := get("REDIS_ADDRESS"); v != "" {
		cfg.Redis.Address = v
	}
	if v := get("MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := get("SENTRY_DSN"); v != "" {
		cfg.Sentry.DSN = v
	}
	return nil
}

// BackgroundColor parses the normalizer's #rrggbb fill color.
func (n NormalizerConfig) BackgroundColor() (color.NRGBA, error) {
	hex := strings.TrimPrefix(n.Background, "#")
	if len(hex) != 6 {
		return color.NRGBA{}, fmt.Errorf("background %q is not #rrggbb", n.Background)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("background %q is not #rrggbb", n.Background)
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}

// Backends names the backend serving each model stage.
func (c Config) Backends() map[string]string {
	out := make(map[string]string, len(c.Models))
	for name, m := range c.Models {
		out[name] = m.Backend
	}
	return out
}
