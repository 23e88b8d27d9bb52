// Package config loads photosearch settings from a YAML file, the
// environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/perbu/photosearch/pkg/checkpoint"
	"github.com/perbu/photosearch/pkg/embedder"
	"github.com/perbu/photosearch/pkg/merge"
	"github.com/perbu/photosearch/pkg/observability"
)

// EnvPrefix is prepended to every environment override, e.g.
// PHOTOSEARCH_BATCH_SIZE or PHOTOSEARCH_STORE_TYPE.
const EnvPrefix = "PHOTOSEARCH"

// Config holds all application configuration.
type Config struct {
	PhotosPath   string   `mapstructure:"photos_path"`
	FeaturesPath string   `mapstructure:"features_path"`
	BatchSize    int      `mapstructure:"batch_size"`
	ExtList      []string `mapstructure:"ext_list"`
	DisplayNum   int      `mapstructure:"display_num"`
	Model        string   `mapstructure:"model"`
	Dimension    int      `mapstructure:"dimension"`
	Device       string   `mapstructure:"device"`
	Workers      int      `mapstructure:"workers"`
	MergePolicy  string   `mapstructure:"merge_policy"`
	Threshold    float64  `mapstructure:"threshold"`

	Store   StoreConfig   `mapstructure:"store"`
	Encoder EncoderConfig `mapstructure:"encoder"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Log     LogConfig     `mapstructure:"log"`
}

// StoreConfig selects the checkpoint medium.
type StoreConfig struct {
	Type       string `mapstructure:"type"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// EncoderConfig selects and reaches the embedding model.
type EncoderConfig struct {
	Type      string        `mapstructure:"type"`
	BaseURL   string        `mapstructure:"base_url"`
	APIKeyEnv string        `mapstructure:"api_key_env"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// TracingConfig holds the OpenTelemetry export settings.
type TracingConfig struct {
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

// LogConfig holds the slog level and handler format.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("photos_path", "./photos")
	v.SetDefault("features_path", "./features")
	v.SetDefault("batch_size", 32)
	v.SetDefault("ext_list", []string{"*.jpg", "*.jpeg", "*.png"})
	v.SetDefault("display_num", 5)
	v.SetDefault("model", "clip-vit-base-patch32")
	v.SetDefault("dimension", 512)
	v.SetDefault("device", "cpu")
	v.SetDefault("workers", 1)
	v.SetDefault("merge_policy", string(merge.Strict))
	v.SetDefault("threshold", -1.0)

	v.SetDefault("store.type", checkpoint.KindFiles)
	v.SetDefault("store.sqlite_path", "")

	v.SetDefault("encoder.type", embedder.TypeOpenAI)
	v.SetDefault("encoder.base_url", "")
	v.SetDefault("encoder.api_key_env", "OPENAI_API_KEY")
	v.SetDefault("encoder.timeout", 2*time.Minute)

	v.SetDefault("tracing.otlp_endpoint", "")
	v.SetDefault("tracing.sample_rate", 1.0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration from path and the environment. A missing file
// is not an error: defaults and environment overrides apply.
func Load(path string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no run could succeed with.
func (c *Config) Validate() error {
	var errs []error
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch_size must be positive, got %d", c.BatchSize))
	}
	if c.DisplayNum <= 0 {
		errs = append(errs, fmt.Errorf("display_num must be positive, got %d", c.DisplayNum))
	}
	if c.Dimension <= 0 {
		errs = append(errs, fmt.Errorf("dimension must be positive, got %d", c.Dimension))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.Threshold < -1 || c.Threshold > 1 {
		errs = append(errs, fmt.Errorf("threshold %.2f is outside [-1, 1]", c.Threshold))
	}
	if _, err := merge.ParsePolicy(c.MergePolicy); err != nil {
		errs = append(errs, err)
	}
	switch c.Store.Type {
	case checkpoint.KindFiles, checkpoint.KindSQLite:
	default:
		errs = append(errs, fmt.Errorf("unknown store.type: %s", c.Store.Type))
	}
	switch c.Encoder.Type {
	case embedder.TypeOpenAI, embedder.TypeHash:
	default:
		errs = append(errs, fmt.Errorf("unknown encoder.type: %s", c.Encoder.Type))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format: %s", c.Log.Format))
	}
	return errors.Join(errs...)
}

// StoreOptions returns the checkpoint store settings. The SQLite database
// defaults to checkpoints.db inside features_path.
func (c *Config) StoreOptions() checkpoint.Options {
	dsn := c.Store.SQLitePath
	if dsn == "" {
		dsn = filepath.Join(c.FeaturesPath, "checkpoints.db")
	}
	return checkpoint.Options{Kind: c.Store.Type, Dir: c.FeaturesPath, DSN: dsn}
}

// EmbedderOptions returns the encoder settings, with the API key read from
// the configured environment variable.
func (c *Config) EmbedderOptions() embedder.Options {
	return embedder.Options{
		Type:      c.Encoder.Type,
		Model:     c.Model,
		BaseURL:   c.Encoder.BaseURL,
		APIKey:    os.Getenv(c.Encoder.APIKeyEnv),
		Dimension: c.Dimension,
		Device:    c.Device,
		Timeout:   c.Encoder.Timeout,
	}
}

// TracingOptions returns the OpenTelemetry settings for serviceName.
func (c *Config) TracingOptions(serviceName, version string) observability.TracingConfig {
	return observability.TracingConfig{
		ServiceName:    serviceName,
		ServiceVersion: version,
		OTLPEndpoint:   c.Tracing.OTLPEndpoint,
		SampleRate:     c.Tracing.SampleRate,
	}
}

// Policy returns the parsed merge policy.
func (c *Config) Policy() merge.Policy {
	p, err := merge.ParsePolicy(c.MergePolicy)
	if err != nil {
		return merge.Strict
	}
	return p
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log.level: %s", s)
	}
	return level, nil
}

// NewLogger builds the slog logger described by the log section.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
