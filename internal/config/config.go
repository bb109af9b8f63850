// Package config loads the server configuration from YAML with environment
// shadowing. Secrets and connection strings come from the environment (a
// local .env is honored); the YAML carries policy.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Storage   StorageConfig   `yaml:"storage"`
	Auth      AuthConfig      `yaml:"auth"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Memory    MemoryConfig    `yaml:"memory"`
	Inference InferenceConfig `yaml:"inference"`
	Rag       RagConfig       `yaml:"rag"`
	Export    ExportConfig    `yaml:"export"`
	LogLevel  string          `yaml:"log_level"`
}

type ListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (l ListenConfig) Addr() string { return fmt.Sprintf("%s:%d", l.Host, l.Port) }

type StorageConfig struct {
	// PostgresDSN empty selects the in-memory store.
	PostgresDSN string `yaml:"postgres_dsn"`
	// RedisAddr empty selects the in-process event bus.
	RedisAddr string `yaml:"redis_addr"`
	DataDir   string `yaml:"data_dir"`
}

type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret"`
	TokenTTLMinutes  int    `yaml:"token_ttl_minutes"`
	RateLimitPerUser int    `yaml:"rate_limit_per_user"`
}

type PipelineConfig struct {
	AMLCashThreshold string `yaml:"aml_cash_threshold"`
	HomeCurrency     string `yaml:"home_currency"`
	// ApprovalRequiredForMonetary cannot be disabled. The key exists so an
	// attempt to turn it off fails loudly instead of being ignored.
	ApprovalRequiredForMonetary *bool `yaml:"approval_required_for_monetary"`
}

type MemoryConfig struct {
	// L1RetentionDays bounds the episodic journal. Rule decay half-lives
	// are fixed policy per rule kind, not configuration.
	L1RetentionDays int `yaml:"l1_retention_days"`
}

type InferenceConfig struct {
	Endpoint          string  `yaml:"endpoint"`
	Model             string  `yaml:"model"`
	VisionEndpoint    string  `yaml:"vision_endpoint"`
	VisionModel       string  `yaml:"vision_model"`
	EmbeddingEndpoint string  `yaml:"embedding_endpoint"`
	EmbeddingModel    string  `yaml:"embedding_model"`
	MaxSessions       int     `yaml:"max_sessions"`
	UserRate          float64 `yaml:"user_rate"`
}

type RagConfig struct {
	ConfidenceFloor float64 `yaml:"confidence_floor"`
	QuarantineDir   string  `yaml:"quarantine_dir"`
}

type ExportTarget struct {
	Kind string `yaml:"kind"` // xml_file, csv_file, http
	Dest string `yaml:"dest"`
}

type ExportConfig struct {
	Targets map[string]ExportTarget `yaml:"targets"`
}

// Load reads the YAML file, applies environment shadowing and validates.
// A missing file yields the defaults, still subject to the environment.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		f, err := os.Open(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err == nil {
			defer f.Close()
			dec := yaml.NewDecoder(f)
			dec.SetStrict(true)
			if err := dec.Decode(&cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	cfg.shadowEnv()
	cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// shadowEnv lets deployment-specific values override the file.
func (c *Config) shadowEnv() {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Storage.PostgresDSN, "KONTOMAT_POSTGRES_DSN")
	set(&c.Storage.RedisAddr, "KONTOMAT_REDIS_ADDR")
	set(&c.Storage.DataDir, "KONTOMAT_DATA_DIR")
	set(&c.Auth.JWTSecret, "KONTOMAT_JWT_SECRET")
	set(&c.Inference.Endpoint, "KONTOMAT_INFERENCE_ENDPOINT")
	set(&c.Inference.VisionEndpoint, "KONTOMAT_VISION_ENDPOINT")
	set(&c.Inference.EmbeddingEndpoint, "KONTOMAT_EMBEDDING_ENDPOINT")
	set(&c.LogLevel, "KONTOMAT_LOG_LEVEL")
	set(&c.Listen.Host, "KONTOMAT_LISTEN_HOST")
}

func (c *Config) withDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8090
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "./data"
	}
	if c.Auth.TokenTTLMinutes <= 0 {
		c.Auth.TokenTTLMinutes = 480
	}
	if c.Auth.RateLimitPerUser <= 0 {
		c.Auth.RateLimitPerUser = 60
	}
	if c.Pipeline.AMLCashThreshold == "" {
		c.Pipeline.AMLCashThreshold = "10000.00"
	}
	if c.Pipeline.HomeCurrency == "" {
		c.Pipeline.HomeCurrency = "EUR"
	}
	if c.Memory.L1RetentionDays <= 0 {
		c.Memory.L1RetentionDays = 30
	}
	if c.Inference.Endpoint == "" {
		c.Inference.Endpoint = "http://127.0.0.1:8080"
	}
	if c.Inference.MaxSessions <= 0 {
		c.Inference.MaxSessions = 15
	}
	if c.Rag.ConfidenceFloor <= 0 {
		c.Rag.ConfidenceFloor = 0.25
	}
	if c.Export.Targets == nil {
		c.Export.Targets = map[string]ExportTarget{
			"cpp": {Kind: "xml_file", Dest: c.Storage.DataDir + "/export"},
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var validTargetKinds = map[string]bool{"xml_file": true, "csv_file": true, "http": true}

func (c *Config) validate() error {
	if c.Pipeline.ApprovalRequiredForMonetary != nil && !*c.Pipeline.ApprovalRequiredForMonetary {
		return fmt.Errorf("config: approval_required_for_monetary cannot be disabled")
	}
	if _, err := decimal.NewFromString(c.Pipeline.AMLCashThreshold); err != nil {
		return fmt.Errorf("config: aml_cash_threshold %q is not a decimal", c.Pipeline.AMLCashThreshold)
	}
	cur := c.Pipeline.HomeCurrency
	if len(cur) != 3 || strings.ToUpper(cur) != cur {
		return fmt.Errorf("config: home_currency %q must be a 3-letter ISO code", cur)
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	for name, t := range c.Export.Targets {
		if !validTargetKinds[t.Kind] {
			return fmt.Errorf("config: export target %q has unknown kind %q", name, t.Kind)
		}
		if t.Dest == "" {
			return fmt.Errorf("config: export target %q has no destination", name)
		}
	}
	if c.Rag.ConfidenceFloor >= 1 {
		return fmt.Errorf("config: rag confidence_floor must be below 1")
	}
	return nil
}

// AMLThreshold returns the parsed cash threshold. Valid after Load.
func (c *Config) AMLThreshold() decimal.Decimal {
	d, _ := decimal.NewFromString(c.Pipeline.AMLCashThreshold)
	return d
}
