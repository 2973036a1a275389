package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the opsprobe service configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Worker    WorkerConfig    `yaml:"worker"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Session   SessionConfig   `yaml:"session"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the gateway HTTP server configuration
type ServerConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// DatabaseConfig holds the durable store connection configuration
type DatabaseConfig struct {
	// Driver is "postgres" in production; tests use "sqlite".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	DSNEnv string `yaml:"dsn_env,omitempty"`
}

// WorkerConfig holds the investigation worker pool configuration
type WorkerConfig struct {
	PoolSize     int           `yaml:"pool_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
	LeaseTimeout time.Duration `yaml:"lease_timeout"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// WorkflowConfig holds the state machine tunables. The branch threshold and
// per-phase confidence values are heuristics, kept overridable on purpose.
type WorkflowConfig struct {
	KnowledgeMatchThreshold int           `yaml:"knowledge_match_threshold"`
	SimpleConfidence        int           `yaml:"simple_confidence"`
	SynthesisConfidence     int           `yaml:"synthesis_confidence"`
	KnowledgeConfidence     int           `yaml:"knowledge_confidence"`
	FinalConfidence         int           `yaml:"final_confidence"`
	ConfirmationTimeout     time.Duration `yaml:"confirmation_timeout"`
	GateFinalDecision       bool          `yaml:"gate_final_decision"`
	SnapshotEvery           int           `yaml:"snapshot_every"`
}

// ExecutorConfig holds per-step execution bounds
type ExecutorConfig struct {
	StepTimeout time.Duration `yaml:"step_timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
}

// SessionConfig holds the fast session cache configuration
type SessionConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Resolve the database DSN from the environment when configured
	if config.Database.DSNEnv != "" {
		if v := os.Getenv(config.Database.DSNEnv); v != "" {
			config.Database.DSN = v
		}
	}

	config.SetDefaults()

	return &config, nil
}

// SetDefaults sets default values for configuration
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.HeartbeatInterval == 0 {
		c.Server.HeartbeatInterval = 30 * time.Second
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}

	if c.Worker.PoolSize == 0 {
		c.Worker.PoolSize = 4
	}
	if c.Worker.PollInterval == 0 {
		c.Worker.PollInterval = time.Second
	}
	if c.Worker.LeaseTimeout == 0 {
		c.Worker.LeaseTimeout = 5 * time.Minute
	}
	if c.Worker.MaxAttempts == 0 {
		c.Worker.MaxAttempts = 3
	}

	if c.Workflow.KnowledgeMatchThreshold == 0 {
		c.Workflow.KnowledgeMatchThreshold = 80
	}
	if c.Workflow.SimpleConfidence == 0 {
		c.Workflow.SimpleConfidence = 50
	}
	if c.Workflow.SynthesisConfidence == 0 {
		c.Workflow.SynthesisConfidence = 70
	}
	if c.Workflow.KnowledgeConfidence == 0 {
		c.Workflow.KnowledgeConfidence = 85
	}
	if c.Workflow.FinalConfidence == 0 {
		c.Workflow.FinalConfidence = 95
	}
	if c.Workflow.ConfirmationTimeout == 0 {
		c.Workflow.ConfirmationTimeout = 5 * time.Minute
	}
	if c.Workflow.SnapshotEvery == 0 {
		c.Workflow.SnapshotEvery = 50
	}

	if c.Executor.StepTimeout == 0 {
		c.Executor.StepTimeout = 60 * time.Second
	}
	if c.Executor.MaxAttempts == 0 {
		c.Executor.MaxAttempts = 3
	}
	if c.Executor.BackoffBase == 0 {
		c.Executor.BackoffBase = time.Second
	}

	if c.Session.TTL == 0 {
		c.Session.TTL = time.Hour
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if c.Database.DSN == "" && c.Database.DSNEnv == "" {
		return fmt.Errorf("database.dsn or database.dsn_env is required")
	}

	if c.Workflow.KnowledgeMatchThreshold < 0 || c.Workflow.KnowledgeMatchThreshold > 100 {
		return fmt.Errorf("workflow.knowledge_match_threshold must be within 0..100")
	}

	if c.Worker.PoolSize < 1 {
		return fmt.Errorf("worker.pool_size must be at least 1")
	}

	return nil
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	config := &Config{
		Database: DatabaseConfig{
			Driver: "postgres",
			DSNEnv: "OPSPROBE_DATABASE_DSN",
		},
	}
	config.SetDefaults()
	return config
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(config *Config, filePath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
