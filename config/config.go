package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mohammad-safakhou/taskgraph/internal/backoff"
	"github.com/mohammad-safakhou/taskgraph/internal/llm"
)

const (
	QueueInline = "inline"
	QueueRedis  = "redis"
)

// Config holds all configuration for the coordinator, workers and agents.
type Config struct {
	General    GeneralConfig    `mapstructure:"general"`
	Server     ServerConfig     `mapstructure:"server"`
	Graph      GraphConfig      `mapstructure:"graph"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Agent      AgentConfig      `mapstructure:"agent"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug       bool   `mapstructure:"debug"`
	LogLevel    string `mapstructure:"log_level"`
	ServiceName string `mapstructure:"service_name"`
}

// ServerConfig contains the coordinator HTTP API settings
type ServerConfig struct {
	Address                string        `mapstructure:"address"`
	JWTSecret              string        `mapstructure:"jwt_secret"` // empty disables API auth
	QueueMode              string        `mapstructure:"queue_mode"` // inline or redis
	MaxConcurrentPipelines int           `mapstructure:"max_concurrent_pipelines"`
	ClaimTTL               time.Duration `mapstructure:"claim_ttl"`
	ShutdownTimeout        time.Duration `mapstructure:"shutdown_timeout"`
	RunMigrations          bool          `mapstructure:"run_migrations"`
	MigrationsDir          string        `mapstructure:"migrations_dir"`
}

func (s ServerConfig) Normalize() ServerConfig {
	if s.Address == "" {
		s.Address = ":8000"
	}
	if s.QueueMode == "" {
		s.QueueMode = QueueInline
	}
	if s.MaxConcurrentPipelines <= 0 {
		s.MaxConcurrentPipelines = 8
	}
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = 30 * time.Second
	}
	if s.MigrationsDir == "" {
		s.MigrationsDir = "file://migrations"
	}
	return s
}

func (s ServerConfig) Validate() error {
	switch s.QueueMode {
	case QueueInline, QueueRedis:
	default:
		return fmt.Errorf("server.queue_mode must be %q or %q, got %q", QueueInline, QueueRedis, s.QueueMode)
	}
	if s.ClaimTTL < 0 {
		return fmt.Errorf("server.claim_ttl cannot be negative")
	}
	return nil
}

// RetryConfig is an exponential connect retry policy.
type RetryConfig struct {
	Initial     time.Duration `mapstructure:"initial"`
	Multiplier  float64       `mapstructure:"multiplier"`
	Max         time.Duration `mapstructure:"max"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// Policy converts the config; unset fields take the given defaults.
func (r RetryConfig) Policy(def backoff.Exponential) backoff.Exponential {
	if r.Initial > 0 {
		def.Initial = r.Initial
	}
	if r.Multiplier > 0 {
		def.Multiplier = r.Multiplier
	}
	if r.Max > 0 {
		def.Max = r.Max
	}
	if r.MaxAttempts > 0 {
		def.MaxAttempts = r.MaxAttempts
	}
	return def
}

// GraphConfig selects the graph store backend
type GraphConfig struct {
	Driver   string         `mapstructure:"driver"` // postgres or sqlite
	Path     string         `mapstructure:"path"`   // sqlite file, empty for memory
	Postgres PostgresConfig `mapstructure:"postgres"`
	Retry    RetryConfig    `mapstructure:"retry"`
}

func (g GraphConfig) Normalize() GraphConfig {
	g.Driver = strings.ToLower(strings.TrimSpace(g.Driver))
	if g.Driver == "" {
		g.Driver = "sqlite"
	}
	return g
}

func (g GraphConfig) Validate() error {
	switch g.Driver {
	case "sqlite":
		return nil
	case "postgres":
		return g.Postgres.Validate()
	}
	return fmt.Errorf("graph.driver must be postgres or sqlite, got %q", g.Driver)
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("graph.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("graph.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN returns the url, or one built from the parts.
func (p PostgresConfig) DSN() (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	if p.URL != "" {
		return p.URL, nil
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host          string        `mapstructure:"host"`
	Port          string        `mapstructure:"port"`
	Password      string        `mapstructure:"password"`
	DB            int           `mapstructure:"db"`
	Timeout       time.Duration `mapstructure:"timeout"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"` // agent status cache, 0 disables
	StreamMaxLen  int64         `mapstructure:"stream_max_len"`
	ConsumerGroup string        `mapstructure:"consumer_group"`
}

// Enabled reports whether a Redis server is configured.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Host) != "" }

func (r RedisConfig) Addr() string { return fmt.Sprintf("%s:%s", r.Host, r.Port) }

func (r RedisConfig) Normalize() RedisConfig {
	if r.Enabled() && r.Port == "" {
		r.Port = "6379"
	}
	if r.Timeout <= 0 {
		r.Timeout = 5 * time.Second
	}
	if r.StreamMaxLen <= 0 {
		r.StreamMaxLen = 10000
	}
	if r.ConsumerGroup == "" {
		r.ConsumerGroup = "taskgraph-workers"
	}
	return r
}

func (r RedisConfig) Validate() error {
	if r.CacheTTL < 0 {
		return fmt.Errorf("redis.cache_ttl cannot be negative")
	}
	return nil
}

// DispatcherConfig controls how the coordinator reaches agents
type DispatcherConfig struct {
	Template  string            `mapstructure:"template"`  // e.g. http://marketing_analysis_%s_agent:8000
	Endpoints map[string]string `mapstructure:"endpoints"` // agent type -> base url
	Timeout   time.Duration     `mapstructure:"timeout"`
}

func (d DispatcherConfig) Normalize() DispatcherConfig {
	if d.Template == "" {
		d.Template = "http://marketing_analysis_%s_agent:8000"
	}
	if d.Timeout <= 0 {
		d.Timeout = 120 * time.Second
	}
	return d
}

// AgentConfig configures an agent process
type AgentConfig struct {
	Type         string        `mapstructure:"type"`
	Address      string        `mapstructure:"address"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	MaxTextChars int           `mapstructure:"max_text_chars"`
	Retry        RetryConfig   `mapstructure:"retry"`
}

func (a AgentConfig) Normalize() AgentConfig {
	a.Type = strings.ToLower(strings.TrimSpace(a.Type))
	if a.Address == "" {
		a.Address = ":8000"
	}
	if a.FetchTimeout <= 0 {
		a.FetchTimeout = 30 * time.Second
	}
	if a.MaxTextChars <= 0 {
		a.MaxTextChars = 20000
	}
	return a
}

// LLMConfig lists providers in fallback order; empty disables narratives.
type LLMConfig struct {
	Providers []llm.ProviderConfig `mapstructure:"providers"`
}

func (l LLMConfig) Validate() error {
	for i, p := range l.Providers {
		if strings.TrimSpace(p.Model) == "" {
			return fmt.Errorf("llm.providers[%d].model required", i)
		}
	}
	return nil
}

// ArchiveConfig controls the Result search index
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"` // empty keeps the index in memory
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.MetricsPort < 0 {
		return fmt.Errorf("telemetry.metrics_port cannot be negative")
	}
	return nil
}

// Normalize fills defaults in every section.
func (c *Config) Normalize() {
	if c.General.ServiceName == "" {
		c.General.ServiceName = "taskgraph"
	}
	c.Server = c.Server.Normalize()
	c.Graph = c.Graph.Normalize()
	c.Redis = c.Redis.Normalize()
	c.Dispatcher = c.Dispatcher.Normalize()
	c.Agent = c.Agent.Normalize()
}

// Validate rejects unusable values.
func (c *Config) Validate() error {
	var errs []error
	for _, v := range []interface{ Validate() error }{c.Server, c.Graph, c.Redis, c.LLM, c.Telemetry} {
		if err := v.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Server.QueueMode == QueueRedis && !c.Redis.Enabled() {
		errs = append(errs, fmt.Errorf("server.queue_mode redis requires redis.host"))
	}
	return errors.Join(errs...)
}

// LoadConfig reads config.json from the usual locations, or path when given,
// and applies TASKGRAPH_* environment overrides. A missing file is fine when
// no explicit path was given.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("TASKGRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every key so environment overrides apply even when
// the file omits the key.
func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.service_name", "taskgraph")
	v.SetDefault("server.address", ":8000")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.queue_mode", QueueInline)
	v.SetDefault("server.max_concurrent_pipelines", 8)
	v.SetDefault("server.claim_ttl", 0)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.run_migrations", false)
	v.SetDefault("server.migrations_dir", "file://migrations")
	v.SetDefault("graph.driver", "sqlite")
	v.SetDefault("graph.path", "taskgraph.db")
	for _, k := range []string{"url", "host", "port", "user", "password", "dbname", "sslmode"} {
		v.SetDefault("graph.postgres."+k, "")
	}
	v.SetDefault("redis.host", "")
	v.SetDefault("redis.port", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cache_ttl", "5s")
	v.SetDefault("dispatcher.template", "http://marketing_analysis_%s_agent:8000")
	v.SetDefault("dispatcher.timeout", "120s")
	v.SetDefault("agent.type", "")
	v.SetDefault("agent.address", ":8000")
	v.SetDefault("agent.fetch_timeout", "30s")
	v.SetDefault("archive.enabled", true)
	v.SetDefault("archive.path", "")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.metrics_port", 0)
	v.SetDefault("telemetry.otlp_endpoint", "")
}
