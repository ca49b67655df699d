package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces environment overrides, e.g. TIPLY_SERVER_PORT or
// TIPLY_RAIL_API_KEY.
const EnvPrefix = "TIPLY"

// MinJWTSecretLength is the shortest HS256 secret Validate accepts.
const MinJWTSecretLength = 32

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server" split_words:"true"`
	Postgres  PostgresConfig  `yaml:"postgres" split_words:"true"`
	Redis     RedisConfig     `yaml:"redis" split_words:"true"`
	Kafka     KafkaConfig     `yaml:"kafka" split_words:"true"`
	RateLimit RateLimitConfig `yaml:"ratelimit" split_words:"true"`
	Log       LogConfig       `yaml:"log" split_words:"true"`
	Auth      AuthConfig      `yaml:"auth" split_words:"true"`
	Fee       FeeConfig       `yaml:"fee" split_words:"true"`
	Limits    LimitsConfig    `yaml:"limits" split_words:"true"`
	Rail      RailConfig      `yaml:"rail" split_words:"true"`
	Chain     ChainConfig     `yaml:"chain" split_words:"true"`
	Worker    WorkerConfig    `yaml:"worker" split_words:"true"`
	Neo4j     Neo4jConfig     `yaml:"neo4j" split_words:"true"`
}

type ServerConfig struct {
	Port            int           `yaml:"port" split_words:"true"`
	ReadTimeout     time.Duration `yaml:"read_timeout" split_words:"true"`
	WriteTimeout    time.Duration `yaml:"write_timeout" split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn" split_words:"true"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" split_words:"true"`
	Password string `yaml:"password" split_words:"true"`
	DB       int    `yaml:"db" split_words:"true"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers" split_words:"true"`
	Topic   string   `yaml:"topic" split_words:"true"`
	GroupID string   `yaml:"group_id" split_words:"true"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps" split_words:"true"`
	Burst int `yaml:"burst" split_words:"true"`
}

type LogConfig struct {
	Level  string `yaml:"level" split_words:"true"`
	Format string `yaml:"format" split_words:"true"` // json|console
	Output string `yaml:"output" split_words:"true"` // stdout, stderr or a file path
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" split_words:"true"`
	AdminRole string `yaml:"admin_role" split_words:"true"`
}

// FeeConfig feeds the single platform fee policy.
type FeeConfig struct {
	PercentBps int64  `yaml:"percent_bps" split_words:"true"`
	Flat       string `yaml:"flat" split_words:"true"`
}

type LimitsConfig struct {
	MinTipAmount        string `yaml:"min_tip_amount" split_words:"true"`
	MinWithdrawalAmount string `yaml:"min_withdrawal_amount" split_words:"true"`
	MaxMessageLength    int    `yaml:"max_message_length" split_words:"true"`
}

type RailConfig struct {
	Driver       string        `yaml:"driver" split_words:"true"`        // circle|sandbox
	BaseURL      string        `yaml:"base_url" split_words:"true"`
	APIKey       string        `yaml:"api_key" split_words:"true"`
	EntitySecret string        `yaml:"entity_secret" split_words:"true"`
	Blockchain   string        `yaml:"blockchain" split_words:"true"`
	TokenAddress string        `yaml:"token_address" split_words:"true"`
	Timeout      time.Duration `yaml:"timeout" split_words:"true"`
	SandboxDelay time.Duration `yaml:"sandbox_delay" split_words:"true"`
}

type ChainConfig struct {
	RPCEndpoint string `yaml:"rpc_endpoint" split_words:"true"`
	USDCMint    string `yaml:"usdc_mint" split_words:"true"`
	Commitment  string `yaml:"commitment" split_words:"true"`
}

type WorkerConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval" split_words:"true"`
	OutboxBatch   int           `yaml:"outbox_batch" split_words:"true"`
	SweepInterval time.Duration `yaml:"sweep_interval" split_words:"true"`
	StaleAfter    time.Duration `yaml:"stale_after" split_words:"true"`
	SweepBatch    int           `yaml:"sweep_batch" split_words:"true"`
	Workers       int           `yaml:"workers" split_words:"true"`
}

type Neo4jConfig struct {
	URI            string `yaml:"uri" split_words:"true"`
	Database       string `yaml:"database" split_words:"true"`
	Username       string `yaml:"username" split_words:"true"`
	Password       string `yaml:"password" split_words:"true"`
	MaxConnections int    `yaml:"max_connections" split_words:"true"`
}

// Default returns a config usable for local development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Postgres:  PostgresConfig{DSN: "host=localhost user=tiply dbname=tiply sslmode=disable"},
		Redis:     RedisConfig{Addr: "localhost:6379"},
		Kafka:     KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "ledger.events", GroupID: "tiply-projector"},
		RateLimit: RateLimitConfig{RPS: 20, Burst: 40},
		Log:       LogConfig{Level: "info", Format: "json", Output: "stdout"},
		Auth:      AuthConfig{AdminRole: "admin"},
		Fee:       FeeConfig{PercentBps: 0, Flat: "0"},
		Limits: LimitsConfig{
			MinTipAmount:        "1",
			MinWithdrawalAmount: "1",
			MaxMessageLength:    280,
		},
		Rail: RailConfig{
			Driver:       "sandbox",
			BaseURL:      "https://api.circle.com",
			Blockchain:   "SOL",
			TokenAddress: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
			Timeout:      15 * time.Second,
			SandboxDelay: 2 * time.Second,
		},
		Chain: ChainConfig{
			RPCEndpoint: "https://api.mainnet-beta.solana.com",
			USDCMint:    "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
			Commitment:  "confirmed",
		},
		Worker: WorkerConfig{
			PollInterval:  time.Second,
			OutboxBatch:   100,
			SweepInterval: 30 * time.Second,
			StaleAfter:    time.Minute,
			SweepBatch:    50,
			Workers:       4,
		},
		Neo4j: Neo4jConfig{MaxConnections: 10},
	}
}

// Load reads the yaml file on top of the defaults, then applies .env and
// TIPLY_* environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, err
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late at request time.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Fee.PercentBps < 0 || c.Fee.PercentBps > 10000 {
		return fmt.Errorf("fee.percent_bps %d must be within [0, 10000]", c.Fee.PercentBps)
	}
	for name, v := range map[string]string{
		"fee.flat":                     c.Fee.Flat,
		"limits.min_tip_amount":        c.Limits.MinTipAmount,
		"limits.min_withdrawal_amount": c.Limits.MinWithdrawalAmount,
	} {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d.IsNegative() {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("log.format %q is not one of json, console", c.Log.Format)
	}
	switch c.Rail.Driver {
	case "circle", "sandbox":
	default:
		return fmt.Errorf("rail.driver %q is not one of circle, sandbox", c.Rail.Driver)
	}
	if c.Rail.Timeout <= 0 {
		return errors.New("rail.timeout must be positive")
	}
	if len(c.Auth.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes (set %s_AUTH_JWT_SECRET)", MinJWTSecretLength, EnvPrefix)
	}
	return nil
}
