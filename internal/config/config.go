package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/shawkridge/athena/internal/domain"
)

// Config is the immutable bootstrap configuration. It is loaded once at
// startup; components receive it by value and never mutate it.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
	DB     DBConfig     `mapstructure:"db"`
	Embed  EmbedConfig  `mapstructure:"embed"`
	LLM    LLMConfig    `mapstructure:"llm"`
	Recall RecallConfig `mapstructure:"recall"`
	Consol ConsolConfig `mapstructure:"consol"`
	Ingest IngestConfig `mapstructure:"ingest"`
	Verify VerifyConfig `mapstructure:"verify"`
	Work   WorkConfig   `mapstructure:"working"`
}

type ServerConfig struct {
	Port           int     `mapstructure:"port" validate:"min=1,max=65535"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps" validate:"gt=0"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst" validate:"gt=0"`
}

func (s ServerConfig) Addr() string { return fmt.Sprintf(":%d", s.Port) }

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

type DBConfig struct {
	Host      string `mapstructure:"host" validate:"required"`
	Port      int    `mapstructure:"port" validate:"min=1,max=65535"`
	Name      string `mapstructure:"name" validate:"required"`
	User      string `mapstructure:"user" validate:"required"`
	Password  string `mapstructure:"password"`
	PoolMin   int    `mapstructure:"pool_min" validate:"min=0"`
	PoolMax   int    `mapstructure:"pool_max" validate:"min=0"`
	TimeoutMS int    `mapstructure:"timeout_ms" validate:"gt=0"`
}

// URL renders the pgx connection string.
func (d DBConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", d.User, d.Password, d.Host, d.Port, d.Name)
}

type EmbedConfig struct {
	Provider  string `mapstructure:"provider" validate:"oneof=local remote mock"`
	Endpoint  string `mapstructure:"endpoint"`
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	Dimension int    `mapstructure:"dimension" validate:"gt=0"`
	BatchMax  int    `mapstructure:"batch_max" validate:"gt=0"`
	TimeoutMS int    `mapstructure:"timeout_ms" validate:"gt=0"`
}

type LLMConfig struct {
	Provider  string `mapstructure:"provider" validate:"oneof=openai anthropic mock"`
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	TimeoutMS int    `mapstructure:"timeout_ms" validate:"gt=0"`
	MaxTokens int    `mapstructure:"max_tokens" validate:"gt=0"`
}

type RecallConfig struct {
	KDefault       int     `mapstructure:"k_default" validate:"gt=0"`
	MinSimilarity  float32 `mapstructure:"min_similarity" validate:"gte=0,lte=1"`
	TierTimeoutsMS []int   `mapstructure:"tier_timeouts_ms" validate:"len=3,dive,gt=0"`
	ExpandQueries  bool    `mapstructure:"expand_queries"`
	CacheTTLS      int     `mapstructure:"cache_ttl_s" validate:"gt=0"`
	CacheSize      int     `mapstructure:"cache_size" validate:"gt=0"`
	VectorWeight   float32 `mapstructure:"vector_weight" validate:"gte=0,lte=1"`
	LexicalWeight  float32 `mapstructure:"lexical_weight" validate:"gte=0,lte=1"`
	BoostWeight    float32 `mapstructure:"boost_weight" validate:"gte=0,lte=1"`
}

type ConsolConfig struct {
	WindowS            int     `mapstructure:"window_s" validate:"gt=0"`
	IntervalS          int     `mapstructure:"interval_s" validate:"gt=0"`
	MaxEvents          int     `mapstructure:"max_events" validate:"gt=0"`
	Strategy           string  `mapstructure:"strategy" validate:"oneof=speed balanced quality"`
	Sys2Threshold      float32 `mapstructure:"sys2_threshold" validate:"gte=0,lte=1"`
	CompressionTarget  float32 `mapstructure:"compression_target" validate:"gt=0,lte=1"`
	SemanticPreserve   float32 `mapstructure:"semantic_preserve_min" validate:"gte=0,lte=1"`
	RunCapS            int     `mapstructure:"run_cap_s" validate:"gt=0"`
	ClusterSimilarity  float32 `mapstructure:"cluster_similarity" validate:"gte=0,lte=1"`
	ClusterGapS        int     `mapstructure:"cluster_gap_s" validate:"gt=0"`
}

type IngestConfig struct {
	BatchSize      int `mapstructure:"batch_size" validate:"gt=0"`
	FlushMS        int `mapstructure:"flush_ms" validate:"gt=0"`
	RetriesMax     int `mapstructure:"retries_max" validate:"gte=0"`
	DedupCacheSize int `mapstructure:"dedup_cache_size" validate:"gte=5000"`
	HighWater      int `mapstructure:"high_water" validate:"gt=0"`
	LowWater       int `mapstructure:"low_water" validate:"gt=0"`
	RatePerSec     int `mapstructure:"rate_per_sec" validate:"gt=0"`
}

type VerifyConfig struct {
	ConfidenceFloor float32  `mapstructure:"confidence_floor" validate:"gte=0,lte=1"`
	EnabledGates    []string `mapstructure:"enabled_gates" validate:"min=1,dive,oneof=grounding consistency dimension confidence_floor freshness quota cardinality"`
	FreshnessTTLS   int      `mapstructure:"freshness_ttl_s" validate:"gt=0"`
	QuotaMax        int      `mapstructure:"quota_max" validate:"gt=0"`
}

type WorkConfig struct {
	DecayRate      float32 `mapstructure:"decay_rate" validate:"gt=0"`
	PruneIntervalS int     `mapstructure:"prune_interval_s" validate:"gt=0"`
	MinActivation  float32 `mapstructure:"min_activation" validate:"gte=0,lte=1"`
}

// Load reads the .env file named by ATHENA_ENV (default .env) plus its
// .secret sidecar, then merges an optional athena.yaml config file and
// ATHENA_* environment overrides on top of the defaults. The result is
// validated; any violation is a fatal ConfigError.
func Load() (*Config, error) {
	envFile := os.Getenv("ATHENA_ENV")
	if envFile == "" {
		envFile = ".env"
	}
	_ = godotenv.Load(envFile)
	_ = godotenv.Load(envFile + ".secret")

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("athena")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if path := os.Getenv("ATHENA_CONFIG"); path != "" {
		v.SetConfigFile(path)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: reading config file: %v", domain.ErrConfig, err)
		}
	}

	v.SetEnvPrefix("ATHENA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfig, err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfig, err)
	}
	if cfg.Ingest.LowWater >= cfg.Ingest.HighWater {
		return nil, fmt.Errorf("%w: ingest.low_water must be below ingest.high_water", domain.ErrConfig)
	}
	if cfg.DB.PoolMin > 0 && cfg.DB.PoolMax > 0 && cfg.DB.PoolMin > cfg.DB.PoolMax {
		return nil, fmt.Errorf("%w: db.pool_min exceeds db.pool_max", domain.ErrConfig)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit_rps", 100.0)
	v.SetDefault("server.rate_limit_burst", 20)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.name", "athena")
	v.SetDefault("db.user", "athena")
	v.SetDefault("db.password", "")
	v.SetDefault("db.pool_min", 0) // 0 = derive from worker count
	v.SetDefault("db.pool_max", 0)
	v.SetDefault("db.timeout_ms", 30000)

	v.SetDefault("embed.provider", "mock")
	v.SetDefault("embed.endpoint", "")
	v.SetDefault("embed.api_key", "")
	v.SetDefault("embed.model", "nomic-embed-text")
	v.SetDefault("embed.dimension", 768)
	v.SetDefault("embed.batch_max", 64)
	v.SetDefault("embed.timeout_ms", 10000)

	v.SetDefault("llm.provider", "mock")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.timeout_ms", 30000)
	v.SetDefault("llm.max_tokens", 1024)

	v.SetDefault("recall.k_default", 5)
	v.SetDefault("recall.min_similarity", 0.3)
	v.SetDefault("recall.tier_timeouts_ms", []int{100, 300, 2000})
	v.SetDefault("recall.expand_queries", true)
	v.SetDefault("recall.cache_ttl_s", 300)
	v.SetDefault("recall.cache_size", 50000)
	v.SetDefault("recall.vector_weight", 0.6)
	v.SetDefault("recall.lexical_weight", 0.3)
	v.SetDefault("recall.boost_weight", 0.1)

	v.SetDefault("consol.window_s", 3600)
	v.SetDefault("consol.interval_s", 900)
	v.SetDefault("consol.max_events", 2000)
	v.SetDefault("consol.strategy", "balanced")
	v.SetDefault("consol.sys2_threshold", 0.7)
	v.SetDefault("consol.compression_target", 0.35)
	v.SetDefault("consol.semantic_preserve_min", 0.95)
	v.SetDefault("consol.run_cap_s", 120)
	v.SetDefault("consol.cluster_similarity", 0.78)
	v.SetDefault("consol.cluster_gap_s", 300)

	v.SetDefault("ingest.batch_size", 64)
	v.SetDefault("ingest.flush_ms", 200)
	v.SetDefault("ingest.retries_max", 3)
	v.SetDefault("ingest.dedup_cache_size", 5000)
	v.SetDefault("ingest.high_water", 4096)
	v.SetDefault("ingest.low_water", 1024)
	v.SetDefault("ingest.rate_per_sec", 2000)

	v.SetDefault("verify.confidence_floor", 0.3)
	v.SetDefault("verify.enabled_gates", []string{
		"grounding", "consistency", "dimension", "confidence_floor",
		"freshness", "quota", "cardinality",
	})
	v.SetDefault("verify.freshness_ttl_s", 86400)
	v.SetDefault("verify.quota_max", 100)

	v.SetDefault("working.decay_rate", 0.05)
	v.SetDefault("working.prune_interval_s", 60)
	v.SetDefault("working.min_activation", 0.05)
}
