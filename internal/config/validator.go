package config

import (
	"errors"
	"fmt"
	"strings"
)

var validBackends = map[string]map[string]bool{
	"pose":  {"remote": true},
	"warp":  {"remote": true},
	"blend": {"remote": true, "vertex": true, "gemini": true},
}

// Validate checks the configuration and reports every problem at once.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if cfg.Server.MaxUploadMB <= 0 {
		errs = append(errs, errors.New("server.max_upload_mb must be positive"))
	}

	switch strings.ToLower(cfg.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", cfg.Logging.Format))
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is unknown", cfg.Logging.Level))
	}

	errs = append(errs, validateNormalizer(cfg.Normalizer)...)

	if cfg.Pipeline.PersonThreshold < 0 || cfg.Pipeline.PersonThreshold > 1 {
		errs = append(errs, errors.New("pipeline.person_threshold must be within [0, 1]"))
	}
	if cfg.Pipeline.SamePersonIoU <= 0 || cfg.Pipeline.SamePersonIoU > 1 {
		errs = append(errs, errors.New("pipeline.same_person_iou must be within (0, 1]"))
	}

	for class, sc := range cfg.Scheduler {
		if sc.MaxConcurrent <= 0 {
			errs = append(errs, fmt.Errorf("scheduler.%s.max_concurrent must be positive", class))
		}
		if sc.QueueTimeout < 0 || sc.MaxQueueDepth < 0 {
			errs = append(errs, fmt.Errorf("scheduler.%s: queue limits must not be negative", class))
		}
	}
	if _, ok := cfg.Scheduler["cpu"]; !ok {
		errs = append(errs, errors.New("scheduler.cpu is required for post-processing"))
	}

	for name := range validBackends {
		m, ok := cfg.Models[name]
		if !ok {
			errs = append(errs, fmt.Errorf("models.%s is required", name))
			continue
		}
		errs = append(errs, validateModel(cfg, name, m)...)
	}
	for name := range cfg.Models {
		if _, ok := validBackends[name]; !ok {
			errs = append(errs, fmt.Errorf("models.%s is not a pipeline stage", name))
		}
	}

	if cfg.Cache.Size <= 0 {
		errs = append(errs, errors.New("cache.size must be positive"))
	}
	if cfg.Redis.Address != "" && cfg.Redis.TTL < 0 {
		errs = append(errs, errors.New("redis.ttl must not be negative"))
	}
	if cfg.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS))
	}
	if cfg.Requests.Retention <= 0 {
		errs = append(errs, errors.New("requests.retention must be positive"))
	}

	return errors.Join(errs...)
}

func validateNormalizer(n NormalizerConfig) []error {
	var errs []error
	if n.Width <= 0 || n.Height <= 0 {
		errs = append(errs, fmt.Errorf("normalizer size must be positive, got %dx%d", n.Width, n.Height))
	}
	if n.Fit != "pad" && n.Fit != "crop" {
		errs = append(errs, fmt.Errorf("normalizer.fit must be pad or crop, got %q", n.Fit))
	}
	if _, err := n.BackgroundColor(); err != nil {
		errs = append(errs, fmt.Errorf("normalizer.%w", err))
	}
	if n.MaxBytes <= 0 || n.MaxPixels <= 0 {
		errs = append(errs, errors.New("normalizer limits must be positive"))
	}
	return errs
}

func validateModel(cfg *Config, name string, m ModelConfig) []error {
	var errs []error
	if !validBackends[name][m.Backend] {
		errs = append(errs, fmt.Errorf("models.%s.backend %q is not supported", name, m.Backend))
	}
	if _, ok := cfg.Scheduler[m.Class]; !ok {
		errs = append(errs, fmt.Errorf("models.%s.class %q has no scheduler entry", name, m.Class))
	}
	if m.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("models.%s.max_attempts must be at least 1", name))
	}
	if m.ConfidenceThreshold < 0 || m.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("models.%s.confidence_threshold must be within [0, 1]", name))
	}
	if m.Fallback && name != "blend" {
		errs = append(errs, fmt.Errorf("models.%s.fallback is only supported for blend", name))
	}

	switch m.Backend {
	case "remote":
		if m.Endpoint == "" {
			errs = append(errs, fmt.Errorf("models.%s.endpoint is required for the remote backend", name))
		}
		if m.Codec != "json" && m.Codec != "msgpack" {
			errs = append(errs, fmt.Errorf("models.%s.codec must be json or msgpack, got %q", name, m.Codec))
		}
	case "vertex":
		if cfg.Google.ProjectID == "" {
			errs = append(errs, errors.New("PROJECT_ID is required for the vertex blend backend"))
		}
	case "gemini":
		if cfg.Google.GeminiAPIKey == "" && cfg.Google.ProjectID == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY or PROJECT_ID is required for the gemini blend backend"))
		}
	}
	if m.Version == "" && m.Backend == "remote" && cfg.Watcher.Interval <= 0 {
		errs = append(errs, fmt.Errorf("models.%s.version is required when the watcher is disabled", name))
	}
	return errs
}
