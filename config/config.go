package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the query engine
type Config struct {
	General      GeneralConfig   `mapstructure:"general"`
	Server       ServerConfig    `mapstructure:"server"`
	LLM          LLMConfig       `mapstructure:"llm"`
	Query        QueryConfig     `mapstructure:"query"`
	Backends     []BackendConfig `mapstructure:"backends"`
	Tools        []ToolConfig    `mapstructure:"tools"`
	Types        TypesConfig     `mapstructure:"types"`
	Conversation RedisConfig     `mapstructure:"conversation"`
	Ingest       IngestConfig    `mapstructure:"ingest"`
	Telemetry    TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
	AuthRequired bool `mapstructure:"auth_required"`
}

// LLMConfig contains evaluation provider settings
type LLMConfig struct {
	Provider    string        `mapstructure:"provider"` // openai
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

func (l LLMConfig) Validate() error {
	if strings.TrimSpace(l.Model) == "" {
		return fmt.Errorf("llm.model is required")
	}
	return nil
}

// QueryConfig tunes the per-query orchestration pipeline
type QueryConfig struct {
	Deadline         time.Duration `mapstructure:"deadline"`           // absolute budget per query
	GracePeriod      time.Duration `mapstructure:"grace_period"`       // fast-track hold while analysis runs
	AggregationLimit int           `mapstructure:"aggregation_limit"`  // max merged results kept before ranking
	RankTopN         int           `mapstructure:"rank_top_n"`         // results returned to the caller
	RankThreshold    int           `mapstructure:"rank_threshold"`     // 0-100, results below are dropped
	RankMaxInFlight  int           `mapstructure:"rank_max_in_flight"` // bounded concurrency for scoring calls
	ToolThreshold    int           `mapstructure:"tool_threshold"`     // 0-100, minimum score to select a tool
	WorkerPoolSize   int           `mapstructure:"worker_pool_size"`   // shared across queries
}

// Normalize applies defaults for unset query tunables.
func (q QueryConfig) Normalize() QueryConfig {
	if q.Deadline <= 0 {
		q.Deadline = 30 * time.Second
	}
	if q.GracePeriod <= 0 {
		q.GracePeriod = 2 * time.Second
	}
	if q.AggregationLimit <= 0 {
		q.AggregationLimit = 50
	}
	if q.RankTopN <= 0 {
		q.RankTopN = 10
	}
	if q.RankThreshold <= 0 {
		q.RankThreshold = 51
	}
	if q.RankMaxInFlight <= 0 {
		q.RankMaxInFlight = 8
	}
	if q.ToolThreshold <= 0 {
		q.ToolThreshold = 75
	}
	if q.WorkerPoolSize <= 0 {
		q.WorkerPoolSize = 32
	}
	return q
}

// BackendConfig declares one retrieval backend instance
type BackendConfig struct {
	ID       string        `mapstructure:"id"`
	Type     string        `mapstructure:"type"` // bleve, postgres, elasticsearch
	Enabled  bool          `mapstructure:"enabled"`
	Write    bool          `mapstructure:"write"`    // exactly one backend must be the write target
	Priority int           `mapstructure:"priority"` // higher wins on merge conflicts
	Timeout  time.Duration `mapstructure:"timeout"`  // per-backend call budget
	Path     string        `mapstructure:"path"`     // bleve index path
	URL      string        `mapstructure:"url"`      // postgres DSN
	Addresses []string     `mapstructure:"addresses"` // elasticsearch nodes
	Index    string        `mapstructure:"index"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	APIKey   string        `mapstructure:"api_key"`
}

func (b BackendConfig) Validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return fmt.Errorf("backend id is required")
	}
	switch b.Type {
	case "bleve":
		if strings.TrimSpace(b.Path) == "" {
			return fmt.Errorf("backend %s: path required for bleve", b.ID)
		}
	case "postgres":
		if strings.TrimSpace(b.URL) == "" {
			return fmt.Errorf("backend %s: url required for postgres", b.ID)
		}
	case "elasticsearch":
		if len(b.Addresses) == 0 {
			return fmt.Errorf("backend %s: addresses required for elasticsearch", b.ID)
		}
	default:
		return fmt.Errorf("backend %s: unknown type %q", b.ID, b.Type)
	}
	return nil
}

// ToolConfig declares one specialized query handler
type ToolConfig struct {
	Name       string            `mapstructure:"name"`
	Types      []string          `mapstructure:"types"` // applicable schema types, inherited by subtypes
	Prompt     string            `mapstructure:"prompt"`
	Parameters map[string]string `mapstructure:"parameters"` // name -> description, extracted per query
	Enabled    bool              `mapstructure:"enabled"`
}

// TypesConfig declares the schema-type hierarchy as child -> parents edges.
// Merged over the built-in schema.org subset at load time.
type TypesConfig struct {
	Parents map[string][]string `mapstructure:"parents"`
}

// RedisConfig contains the conversation store connection settings
type RedisConfig struct {
	Host    string        `mapstructure:"host"`
	Port    string        `mapstructure:"port"`
	Password string       `mapstructure:"password"`
	DB      int           `mapstructure:"db"`
	Timeout time.Duration `mapstructure:"timeout"`
	TTL     time.Duration `mapstructure:"ttl"` // conversation retention
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("conversation.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("conversation.port required")
	}
	return nil
}

// IngestConfig controls the URL fetch/index pipeline feeding the write backend
type IngestConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	MaxChars     int           `mapstructure:"max_chars"`
	ChunkSize    int           `mapstructure:"chunk_size"`
	ChunkOverlap int           `mapstructure:"chunk_overlap"`
	RefreshCron  string        `mapstructure:"refresh_cron"` // cron spec for site refresh, empty disables
}

// Normalize applies ingest defaults.
func (i IngestConfig) Normalize() IngestConfig {
	if i.FetchTimeout <= 0 {
		i.FetchTimeout = 20 * time.Second
	}
	if i.MaxChars <= 0 {
		i.MaxChars = 40000
	}
	if i.ChunkSize <= 0 {
		i.ChunkSize = 1000
	}
	if i.ChunkOverlap <= 0 {
		i.ChunkOverlap = 200
	}
	return i
}

// TelemetryConfig contains monitoring settings
type TelemetryConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MetricsPort int  `mapstructure:"metrics_port"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("server.address", ":10010")
	viper.SetDefault("query.deadline", "30s")
	viper.SetDefault("query.grace_period", "2s")
	viper.SetDefault("query.aggregation_limit", 50)
	viper.SetDefault("query.rank_top_n", 10)
	viper.SetDefault("query.rank_threshold", 51)
	viper.SetDefault("query.rank_max_in_flight", 8)
	viper.SetDefault("query.tool_threshold", 75)
	viper.SetDefault("query.worker_pool_size", 32)
	viper.SetDefault("llm.provider", "openai")
	viper.SetDefault("llm.temperature", 0.0)
	viper.SetDefault("llm.timeout", "20s")
	viper.SetDefault("conversation.ttl", "48h")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("SITEQUERY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config.Query = config.Query.Normalize()
	config.Ingest = config.Ingest.Normalize()

	if err := config.LLM.Validate(); err != nil {
		panic(err)
	}
	if err := config.Telemetry.Validate(); err != nil {
		panic(err)
	}
	for _, b := range config.Backends {
		if err := b.Validate(); err != nil {
			panic(err)
		}
	}
	return &config
}
