// Package config loads contentloop settings from an optional config file,
// CONTENTLOOP_* environment variables and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/headline-goat/contentloop/internal/scoring"
)

type Config struct {
	Database struct {
		Path string
	}
	Redis struct {
		URL string
	}
	Evaluation struct {
		MinSampleSize   int
		PValueThreshold float64
		WindowDays      int
	}
	Scoring struct {
		Profile scoring.Profile
	}
	Policy struct {
		MinNewHigh         int
		MinUnappliedMedium int
		MaxOptionalLow     int
	}
	Analysis struct {
		Backend           string
		Model             string
		APIKey            string
		BaseURL           string
		CLIPath           string
		Timeout           time.Duration
		TopicTimeout      time.Duration
		RequestsPerMinute int
	}
	Run struct {
		Concurrency     int
		TopicBatchLimit int
		ABBatchLimit    int
	}
	Server struct {
		Port  int
		Token string
	}
	Log struct {
		Level  string
		Format string
	}
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "./contentloop.db")
	v.SetDefault("redis.url", "")

	v.SetDefault("evaluation.min_sample_size", 50)
	v.SetDefault("evaluation.p_value_threshold", 0.15)
	v.SetDefault("evaluation.window_days", 7)

	v.SetDefault("scoring.profile", string(scoring.Full))

	v.SetDefault("policy.min_new_high", 1)
	v.SetDefault("policy.min_unapplied_medium", 3)
	v.SetDefault("policy.max_optional_low", 3)

	v.SetDefault("analysis.backend", "openai")
	v.SetDefault("analysis.model", "")
	v.SetDefault("analysis.api_key", "")
	v.SetDefault("analysis.base_url", "")
	v.SetDefault("analysis.cli_path", "claude")
	v.SetDefault("analysis.timeout", 120*time.Second)
	v.SetDefault("analysis.topic_timeout", 180*time.Second)
	v.SetDefault("analysis.requests_per_minute", 30)

	v.SetDefault("run.concurrency", 4)
	v.SetDefault("run.topic_batch_limit", 5)
	v.SetDefault("run.ab_batch_limit", 10)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.token", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads path (if set) or ./contentloop.{yaml,toml,json} (if present).
func Load(path string) (*Config, error) {
	return LoadFrom(viper.New(), path)
}

// LoadFrom is Load on a caller-owned viper instance, so command-line
// flags bound to v take precedence.
func LoadFrom(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix("CONTENTLOOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("contentloop")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	c.Database.Path = v.GetString("database.path")
	c.Redis.URL = v.GetString("redis.url")

	c.Evaluation.MinSampleSize = v.GetInt("evaluation.min_sample_size")
	c.Evaluation.PValueThreshold = v.GetFloat64("evaluation.p_value_threshold")
	c.Evaluation.WindowDays = v.GetInt("evaluation.window_days")

	profile, err := scoring.ParseProfile(v.GetString("scoring.profile"))
	if err != nil {
		return nil, fmt.Errorf("scoring.profile: %w", err)
	}
	c.Scoring.Profile = profile

	c.Policy.MinNewHigh = v.GetInt("policy.min_new_high")
	c.Policy.MinUnappliedMedium = v.GetInt("policy.min_unapplied_medium")
	c.Policy.MaxOptionalLow = v.GetInt("policy.max_optional_low")

	c.Analysis.Backend = strings.ToLower(v.GetString("analysis.backend"))
	c.Analysis.Model = v.GetString("analysis.model")
	c.Analysis.APIKey = v.GetString("analysis.api_key")
	c.Analysis.BaseURL = v.GetString("analysis.base_url")
	c.Analysis.CLIPath = v.GetString("analysis.cli_path")
	c.Analysis.Timeout = v.GetDuration("analysis.timeout")
	c.Analysis.TopicTimeout = v.GetDuration("analysis.topic_timeout")
	c.Analysis.RequestsPerMinute = v.GetInt("analysis.requests_per_minute")

	c.Run.Concurrency = v.GetInt("run.concurrency")
	c.Run.TopicBatchLimit = v.GetInt("run.topic_batch_limit")
	c.Run.ABBatchLimit = v.GetInt("run.ab_batch_limit")

	c.Server.Port = v.GetInt("server.port")
	c.Server.Token = v.GetString("server.token")

	c.Log.Level = v.GetString("log.level")
	c.Log.Format = v.GetString("log.format")

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch c.Analysis.Backend {
	case "openai", "cli", "none":
	default:
		return fmt.Errorf("analysis.backend must be openai, cli or none, got %q", c.Analysis.Backend)
	}
	if c.Evaluation.MinSampleSize < 1 {
		return fmt.Errorf("evaluation.min_sample_size must be positive")
	}
	if c.Evaluation.PValueThreshold <= 0 || c.Evaluation.PValueThreshold >= 1 {
		return fmt.Errorf("evaluation.p_value_threshold must be in (0,1)")
	}
	if c.Evaluation.WindowDays < 1 {
		return fmt.Errorf("evaluation.window_days must be positive")
	}
	if c.Run.Concurrency < 1 {
		return fmt.Errorf("run.concurrency must be positive")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}

// ValidateAnalysis checks the credentials the selected backend needs.
func (c *Config) ValidateAnalysis() error {
	switch c.Analysis.Backend {
	case "openai":
		if c.Analysis.APIKey == "" {
			return fmt.Errorf("CONTENTLOOP_ANALYSIS_API_KEY is required for the openai backend")
		}
	case "cli":
		if c.Analysis.CLIPath == "" {
			return fmt.Errorf("analysis.cli_path is required for the cli backend")
		}
	}
	return nil
}
