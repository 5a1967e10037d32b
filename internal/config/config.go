package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/irfndi/coin-rag/internal/utils"
)

type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	Server      ServerConfig    `mapstructure:"server"`
	RAG         RAGConfig       `mapstructure:"rag"`
	Model       ModelConfig     `mapstructure:"model"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Telemetry   TelemetryConfig `mapstructure:"telemetry"`
}

type ServerConfig struct {
	Port            int    `mapstructure:"port"`
	ReadTimeout     string `mapstructure:"read_timeout"`
	WriteTimeout    string `mapstructure:"write_timeout"`
	ShutdownTimeout string `mapstructure:"shutdown_timeout"`
	RebuildOnStart  bool   `mapstructure:"rebuild_on_start"`
}

// RAGConfig locates the pipeline artifacts and tunes the scoring run.
type RAGConfig struct {
	DataDir           string        `mapstructure:"data_dir"`
	ArtifactsDir      string        `mapstructure:"artifacts_dir"`
	SnapshotPath      string        `mapstructure:"snapshot_path"`
	AliasFile         string        `mapstructure:"alias_file"`
	WinsorP           float64       `mapstructure:"winsor_p"`
	RecentSequenceLen int           `mapstructure:"recent_sequence_len"`
	Weights           WeightsConfig `mapstructure:"weights"`
	Files             FilesConfig   `mapstructure:"files"`
}

type WeightsConfig struct {
	NewsSent    float64 `mapstructure:"news_sent"`
	GeneralSent float64 `mapstructure:"general_sent"`
	FocusSent   float64 `mapstructure:"focus_sent"`
	Flow        float64 `mapstructure:"flow"`
	Mentions    float64 `mapstructure:"mentions"`
	TwitterSent float64 `mapstructure:"twitter_sent"`
}

// FilesConfig names the input artifacts inside DataDir.
type FilesConfig struct {
	NewsSentiment    string `mapstructure:"news_sentiment"`
	GeneralSentiment string `mapstructure:"general_sentiment"`
	FocusSentiment   string `mapstructure:"focus_sentiment"`
	CoinFlow         string `mapstructure:"coin_flow"`
	CoinFinder       string `mapstructure:"coin_finder"`
	TwitterCache     string `mapstructure:"twitter_cache"`
}

type ModelConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Path        string        `mapstructure:"path"`
	LibraryPath string        `mapstructure:"library_path"`
	InputName   string        `mapstructure:"input_name"`
	OutputName  string        `mapstructure:"output_name"`
	Breaker     BreakerConfig `mapstructure:"breaker"`
}

type BreakerConfig struct {
	ConsecutiveFailures uint32 `mapstructure:"consecutive_failures"`
	OpenTimeout         string `mapstructure:"open_timeout"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	TTL      string `mapstructure:"ttl"`
}

type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password" json:"-" yaml:"-"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type TelemetryConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	SentryDSN      string  `mapstructure:"sentry_dsn" json:"-" yaml:"-"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	SampleRate     float64 `mapstructure:"sample_rate"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	// Set default values
	setDefaults()

	// Enable environment variable support
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.BindEnv("telemetry.sentry_dsn", "SENTRY_DSN"); err != nil {
		return nil, fmt.Errorf("failed to bind SENTRY_DSN environment variable: %w", err)
	}

	// Read config file
	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, use defaults and environment variables
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Environment = strings.ToLower(config.Environment)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks the values viper cannot type-check on its own.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return utils.NewValidationErrorf("unknown log level %q", c.LogLevel)
	}

	if c.RAG.DataDir == "" {
		return utils.NewValidationError("rag.data_dir is required")
	}
	if c.RAG.WinsorP < 0 || c.RAG.WinsorP >= 0.5 || math.IsNaN(c.RAG.WinsorP) {
		return utils.NewValidationErrorf("rag.winsor_p must be in [0, 0.5), got %v", c.RAG.WinsorP)
	}
	if c.RAG.RecentSequenceLen < 0 {
		return utils.NewValidationErrorf("rag.recent_sequence_len must not be negative, got %d", c.RAG.RecentSequenceLen)
	}
	for name, w := range c.RAG.Weights.AsMap() {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return utils.NewValidationErrorf("rag.weights.%s must be finite", name)
		}
	}

	for key, value := range map[string]string{
		"server.read_timeout":        c.Server.ReadTimeout,
		"server.write_timeout":       c.Server.WriteTimeout,
		"server.shutdown_timeout":    c.Server.ShutdownTimeout,
		"redis.ttl":                  c.Redis.TTL,
		"model.breaker.open_timeout": c.Model.Breaker.OpenTimeout,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s duration: %w", key, err)
		}
	}

	if c.Model.Enabled && c.Model.Path == "" {
		return utils.NewValidationError("model.path is required when model.enabled is true")
	}

	return nil
}

// AsMap returns the weights keyed by their config names.
func (w WeightsConfig) AsMap() map[string]float64 {
	return map[string]float64{
		"news_sent":    w.NewsSent,
		"general_sent": w.GeneralSent,
		"focus_sent":   w.FocusSent,
		"flow":         w.Flow,
		"mentions":     w.Mentions,
		"twitter_sent": w.TwitterSent,
	}
}

// DefaultWeights returns the static scoring weights.
func DefaultWeights() WeightsConfig {
	return WeightsConfig{
		NewsSent:    0.25,
		GeneralSent: 0.15,
		FocusSent:   0.20,
		Flow:        0.25,
		Mentions:    0.10,
		TwitterSent: 0.05,
	}
}

// DefaultFiles returns the artifact file names the upstream pipelines write.
func DefaultFiles() FilesConfig {
	return FilesConfig{
		NewsSentiment:    "sentiment_output_for_news.json",
		GeneralSentiment: "sentiment_output_general.json",
		FocusSentiment:   "sentiment_output_for_coin_finder.json",
		CoinFlow:         "Analysis_output_for_coin_flow.json",
		CoinFinder:       "coin_keywords_extracted.json",
		TwitterCache:     "twitter_sentiment_cache.json",
	}
}

// Duration parses a validated duration string, falling back when empty.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func setDefaults() {
	// Environment
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")

	// Server
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "10s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.shutdown_timeout", "30s")
	viper.SetDefault("server.rebuild_on_start", true)

	// RAG
	viper.SetDefault("rag.data_dir", "test data")
	viper.SetDefault("rag.artifacts_dir", "visualizations")
	viper.SetDefault("rag.snapshot_path", "test data/rag_snapshots.jsonl")
	viper.SetDefault("rag.alias_file", "")
	viper.SetDefault("rag.winsor_p", 0.02)
	viper.SetDefault("rag.recent_sequence_len", 7)
	weights := DefaultWeights()
	viper.SetDefault("rag.weights.news_sent", weights.NewsSent)
	viper.SetDefault("rag.weights.general_sent", weights.GeneralSent)
	viper.SetDefault("rag.weights.focus_sent", weights.FocusSent)
	viper.SetDefault("rag.weights.flow", weights.Flow)
	viper.SetDefault("rag.weights.mentions", weights.Mentions)
	viper.SetDefault("rag.weights.twitter_sent", weights.TwitterSent)
	files := DefaultFiles()
	viper.SetDefault("rag.files.news_sentiment", files.NewsSentiment)
	viper.SetDefault("rag.files.general_sentiment", files.GeneralSentiment)
	viper.SetDefault("rag.files.focus_sentiment", files.FocusSentiment)
	viper.SetDefault("rag.files.coin_flow", files.CoinFlow)
	viper.SetDefault("rag.files.coin_finder", files.CoinFinder)
	viper.SetDefault("rag.files.twitter_cache", files.TwitterCache)

	// Model
	viper.SetDefault("model.enabled", false)
	viper.SetDefault("model.path", "ml_models/rag_scorer.onnx")
	viper.SetDefault("model.library_path", "")
	viper.SetDefault("model.input_name", "input")
	viper.SetDefault("model.output_name", "score")
	viper.SetDefault("model.breaker.consecutive_failures", 3)
	viper.SetDefault("model.breaker.open_timeout", "60s")

	// Redis
	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.ttl", "24h")

	// Database
	viper.SetDefault("database.enabled", false)
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "coin_rag")
	viper.SetDefault("database.sslmode", "disable")

	// Telemetry
	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.sentry_dsn", "")
	viper.SetDefault("telemetry.otlp_endpoint", "")
	viper.SetDefault("telemetry.service_name", "coin-rag")
	viper.SetDefault("telemetry.service_version", "1.0.0")
	viper.SetDefault("telemetry.sample_rate", 0.2)
}
