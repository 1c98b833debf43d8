package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "VOXSERVE_"

type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Engine    EngineConfig    `yaml:"engine"`
	FFmpeg    FFmpegConfig    `yaml:"ffmpeg"`
	Models    ModelsConfig    `yaml:"models"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Staging   StagingConfig   `yaml:"staging"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type HTTPConfig struct {
	Bind            string        `yaml:"bind"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type EngineConfig struct {
	// Path to whisper-cli; empty means resolve from env, PATH or the
	// bundled libexec layout.
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
}

type FFmpegConfig struct {
	Path string `yaml:"path"`
}

type ModelsConfig struct {
	Dir          string    `yaml:"dir"`
	Base         TierModel `yaml:"base"`
	Tiny         TierModel `yaml:"tiny"`
	MinSizeBytes int64     `yaml:"min_size_bytes"`
}

type TierModel struct {
	Path string `yaml:"path"`
}

type SchedulerConfig struct {
	Slots      int `yaml:"slots"`
	QueueDepth int `yaml:"queue_depth"`
}

type StagingConfig struct {
	MaxUploadBytes       int64         `yaml:"max_upload_bytes"`
	MinDuration          time.Duration `yaml:"min_duration"`
	SilenceGate          bool          `yaml:"silence_gate"`
	SilenceThresholdDBFS float64       `yaml:"silence_threshold_dbfs"`
	ScratchDir           string        `yaml:"scratch_dir"`
}

type LogConfig struct {
	Verbose bool `yaml:"verbose"`
	JSON    bool `yaml:"json"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Bind:            "0.0.0.0",
			Port:            8000,
			ShutdownTimeout: 15 * time.Second,
		},
		Engine: EngineConfig{
			Timeout: 120 * time.Second,
		},
		FFmpeg: FFmpegConfig{
			Path: "ffmpeg",
		},
		Scheduler: SchedulerConfig{
			Slots:      2,
			QueueDepth: 16,
		},
		Staging: StagingConfig{
			MaxUploadBytes:       25 << 20,
			MinDuration:          250 * time.Millisecond,
			SilenceGate:          true,
			SilenceThresholdDBFS: -65,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (optional), then a .env file in the working directory (optional),
// then VOXSERVE_* environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	if err := applyEnvOverrides(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Bind, c.HTTP.Port)
}

func (c Config) Validate() error {
	var errs []error
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port must be in 1..65535, got %d", c.HTTP.Port))
	}
	if c.Engine.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("engine.timeout must be positive, got %s", c.Engine.Timeout))
	}
	if strings.TrimSpace(c.FFmpeg.Path) == "" {
		errs = append(errs, errors.New("ffmpeg.path must not be empty"))
	}
	if c.Scheduler.Slots <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.slots must be positive, got %d", c.Scheduler.Slots))
	}
	if c.Scheduler.QueueDepth < 0 {
		errs = append(errs, fmt.Errorf("scheduler.queue_depth must not be negative, got %d", c.Scheduler.QueueDepth))
	}
	if c.Staging.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("staging.max_upload_bytes must be positive, got %d", c.Staging.MaxUploadBytes))
	}
	if c.Staging.MinDuration < 0 {
		errs = append(errs, fmt.Errorf("staging.min_duration must not be negative, got %s", c.Staging.MinDuration))
	}
	if c.Models.MinSizeBytes < 0 {
		errs = append(errs, fmt.Errorf("models.min_size_bytes must not be negative, got %d", c.Models.MinSizeBytes))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func applyEnvOverrides(cfg *Config, lookup lookupFunc) error {
	o := overrider{lookup: lookup}

	o.setString(&cfg.HTTP.Bind, "HTTP_BIND")
	o.setInt(&cfg.HTTP.Port, "HTTP_PORT")
	o.setDuration(&cfg.HTTP.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT")
	o.setString(&cfg.Engine.Path, "WHISPER_PATH")
	o.setDuration(&cfg.Engine.Timeout, "ENGINE_TIMEOUT")
	o.setString(&cfg.FFmpeg.Path, "FFMPEG_PATH")
	o.setString(&cfg.Models.Dir, "MODEL_DIR")
	o.setString(&cfg.Models.Base.Path, "MODEL_BASE_PATH")
	o.setString(&cfg.Models.Tiny.Path, "MODEL_TINY_PATH")
	o.setInt64(&cfg.Models.MinSizeBytes, "MODEL_MIN_SIZE_BYTES")
	o.setInt(&cfg.Scheduler.Slots, "SLOTS")
	o.setInt(&cfg.Scheduler.QueueDepth, "QUEUE_DEPTH")
	o.setInt64(&cfg.Staging.MaxUploadBytes, "MAX_UPLOAD_BYTES")
	o.setDuration(&cfg.Staging.MinDuration, "MIN_DURATION")
	o.setBool(&cfg.Staging.SilenceGate, "SILENCE_GATE")
	o.setFloat(&cfg.Staging.SilenceThresholdDBFS, "SILENCE_THRESHOLD_DBFS")
	o.setString(&cfg.Staging.ScratchDir, "SCRATCH_DIR")
	o.setBool(&cfg.Log.Verbose, "LOG_VERBOSE")
	o.setBool(&cfg.Log.JSON, "LOG_JSON")
	o.setBool(&cfg.Metrics.Enabled, "METRICS_ENABLED")

	if len(o.errs) > 0 {
		return fmt.Errorf("environment overrides: %w", errors.Join(o.errs...))
	}
	return nil
}

type overrider struct {
	lookup lookupFunc
	errs   []error
}

func (o *overrider) value(key string) (string, bool) {
	v, ok := o.lookup(envPrefix + key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (o *overrider) fail(key string, err error) {
	o.errs = append(o.errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
}

func (o *overrider) setString(target *string, key string) {
	if v, ok := o.value(key); ok {
		*target = v
	}
}

func (o *overrider) setInt(target *int, key string) {
	if v, ok := o.value(key); ok {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			o.fail(key, err)
			return
		}
		*target = parsed
	}
}

func (o *overrider) setInt64(target *int64, key string) {
	if v, ok := o.value(key); ok {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			o.fail(key, err)
			return
		}
		*target = parsed
	}
}

func (o *overrider) setFloat(target *float64, key string) {
	if v, ok := o.value(key); ok {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			o.fail(key, err)
			return
		}
		*target = parsed
	}
}

func (o *overrider) setBool(target *bool, key string) {
	if v, ok := o.value(key); ok {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			o.fail(key, err)
			return
		}
		*target = parsed
	}
}

func (o *overrider) setDuration(target *time.Duration, key string) {
	if v, ok := o.value(key); ok {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			o.fail(key, err)
			return
		}
		*target = parsed
	}
}
