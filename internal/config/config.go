package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config represents the application configuration
type Config struct {
	Server        ServerConfig        `json:"server" envPrefix:"SERVER_"`
	Database      DatabaseConfig      `json:"database" envPrefix:"DATABASE_"`
	Ledger        LedgerConfig        `json:"ledger" envPrefix:"LEDGER_"`
	Issuance      IssuanceConfig      `json:"issuance" envPrefix:"ISSUANCE_"`
	Marketplace   MarketplaceConfig   `json:"marketplace" envPrefix:"MARKETPLACE_"`
	Security      SecurityConfig      `json:"security" envPrefix:"SECURITY_"`
	Notifications NotificationsConfig `json:"notifications" envPrefix:"NOTIFICATIONS_"`
	Logging       LoggingConfig       `json:"logging" envPrefix:"LOGGING_"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host         string        `json:"host" env:"HOST"`
	Port         int           `json:"port" env:"PORT"`
	ReadTimeout  time.Duration `json:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `json:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `json:"idle_timeout" env:"IDLE_TIMEOUT"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Driver         string        `json:"driver" env:"DRIVER"`
	DSN            string        `json:"dsn" env:"DSN"`
	Host           string        `json:"host" env:"HOST"`
	Port           int           `json:"port" env:"PORT"`
	User           string        `json:"user" env:"USER"`
	Password       string        `json:"password" env:"PASSWORD"`
	DBName         string        `json:"db_name" env:"DBNAME"`
	SSLMode        string        `json:"ssl_mode" env:"SSL_MODE"`
	MaxConnections int           `json:"max_connections" env:"MAX_CONNECTIONS"`
	MaxIdleConns   int           `json:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	MaxLifetime    time.Duration `json:"max_lifetime" env:"MAX_LIFETIME"`
}

// LedgerConfig points at the JSON-RPC gateway of the certificate contract
type LedgerConfig struct {
	RPCURL              string        `json:"rpc_url" env:"RPC_URL"`
	ContractAddress     string        `json:"contract_address" env:"CONTRACT_ADDRESS"`
	APIKey              string        `json:"api_key" env:"API_KEY"`
	RequestTimeout      time.Duration `json:"request_timeout" env:"REQUEST_TIMEOUT"`
	ConfirmationTimeout time.Duration `json:"confirmation_timeout" env:"CONFIRMATION_TIMEOUT"`
	PollInterval        time.Duration `json:"poll_interval" env:"POLL_INTERVAL"`
}

// IssuanceConfig
type IssuanceConfig struct {
	// CallTimeout bounds a single issuance call including receipt polling.
	CallTimeout       time.Duration `json:"call_timeout" env:"CALL_TIMEOUT"`
	ReconcileGrace    time.Duration `json:"reconcile_grace" env:"RECONCILE_GRACE"`
	ReconcileSchedule string        `json:"reconcile_schedule" env:"RECONCILE_SCHEDULE"`
	SweepBatchSize    int           `json:"sweep_batch_size" env:"SWEEP_BATCH_SIZE"`
	AlertTimeout      time.Duration `json:"alert_timeout" env:"ALERT_TIMEOUT"`
}

// MarketplaceConfig
type MarketplaceConfig struct {
	VerifyConcurrency int           `json:"verify_concurrency" env:"VERIFY_CONCURRENCY"`
	ConflictRetryWait time.Duration `json:"conflict_retry_wait" env:"CONFLICT_RETRY_WAIT"`
	ConflictRetryMax  time.Duration `json:"conflict_retry_max" env:"CONFLICT_RETRY_MAX"`
}

// SecurityConfig
type SecurityConfig struct {
	JWTSecret string `json:"jwt_secret" env:"JWT_SECRET"`
	Issuer    string `json:"issuer" env:"ISSUER"`
}

// NotificationsConfig
type NotificationsConfig struct {
	AWSRegion   string `json:"aws_region" env:"AWS_REGION"`
	SNSTopicARN string `json:"sns_topic_arn" env:"SNS_TOPIC_ARN"`
}

// LoggingConfig
type LoggingConfig struct {
	Level       string `json:"level" env:"LEVEL"`
	Environment string `json:"environment" env:"ENVIRONMENT"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := defaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 3 * time.Minute,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:         "postgres",
			Host:           "localhost",
			Port:           5432,
			User:           os.Getenv("USER"),
			DBName:         "carbonscribe_registry",
			SSLMode:        "disable",
			MaxConnections: 25,
			MaxIdleConns:   5,
			MaxLifetime:    30 * time.Minute,
		},
		Ledger: LedgerConfig{
			RequestTimeout:      15 * time.Second,
			ConfirmationTimeout: 2 * time.Minute,
			PollInterval:        2 * time.Second,
		},
		Issuance: IssuanceConfig{
			CallTimeout:       150 * time.Second,
			ReconcileGrace:    5 * time.Minute,
			ReconcileSchedule: "@every 1m",
			SweepBatchSize:    50,
			AlertTimeout:      5 * time.Second,
		},
		Marketplace: MarketplaceConfig{
			VerifyConcurrency: 8,
			ConflictRetryWait: 20 * time.Millisecond,
			ConflictRetryMax:  5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:       "info",
			Environment: "development",
		},
	}
}

// Validate checks settings that have no usable default
func (c *Config) Validate() error {
	if c.Database.Driver != "postgres" && c.Database.Driver != "sqlite3" {
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Issuance.CallTimeout <= 0 {
		return fmt.Errorf("issuance call timeout must be positive")
	}
	// a record must not be reconciled while its call may still complete
	if c.Issuance.ReconcileGrace <= c.Issuance.CallTimeout {
		return fmt.Errorf("issuance reconcile grace (%s) must exceed call timeout (%s)",
			c.Issuance.ReconcileGrace, c.Issuance.CallTimeout)
	}
	if c.Marketplace.VerifyConcurrency <= 0 {
		return fmt.Errorf("marketplace verify concurrency must be positive")
	}
	return nil
}

// GetDatabaseURL returns the database connection string
func (c *DatabaseConfig) GetDatabaseURL() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// GetServerAddr returns the server address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
