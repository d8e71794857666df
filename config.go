package veritas

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/brunobiangulo/veritas/analysis"
	"github.com/brunobiangulo/veritas/session"
	"github.com/brunobiangulo/veritas/workflow"
)

// Session storage backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds all configuration for a Workspace.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.veritas/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	// Defaults to "veritas".
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath
	// is not explicitly set. Options: "home" (default) uses ~/.veritas/,
	// "local" uses the current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// Analysis service reached by the workflow's gdpr stage.
	Analysis analysis.Config `json:"analysis" yaml:"analysis"`

	// Workflow timing
	Workflow WorkflowConfig `json:"workflow" yaml:"workflow"`

	// Session persistence and the credential table
	Session SessionConfig `json:"session" yaml:"session"`
}

// WorkflowConfig configures the state machine built at login.
type WorkflowConfig struct {
	ExtractDelay time.Duration `json:"extract_delay" yaml:"extract_delay"` // 0 skips the wait
	ScoreDelay   time.Duration `json:"score_delay" yaml:"score_delay"`
}

// Delays converts the configured durations for workflow.WithDelays.
func (w WorkflowConfig) Delays() workflow.Delays {
	return workflow.Delays{Extract: w.ExtractDelay, Score: w.ScoreDelay}
}

// SessionConfig selects where the session record lives.
type SessionConfig struct {
	Backend    string               `json:"backend" yaml:"backend"` // sqlite, redis, memory
	StorageKey string               `json:"storage_key" yaml:"storage_key"`
	Redis      session.RedisConfig  `json:"redis" yaml:"redis"`
	Users      []session.Credential `json:"users" yaml:"users"`
}

// DefaultConfig returns a Config for a local single-user workspace.
// Database is stored in ~/.veritas/veritas.db by default.
func DefaultConfig() Config {
	d := workflow.DefaultDelays()
	return Config{
		DBName:     "veritas",
		StorageDir: "home",
		Analysis: analysis.Config{
			BaseURL: "http://localhost:8000",
		},
		Workflow: WorkflowConfig{
			ExtractDelay: d.Extract,
			ScoreDelay:   d.Score,
		},
		Session: SessionConfig{
			Backend:    BackendSQLite,
			StorageKey: session.DefaultStorageKey,
			Users:      session.DefaultCredentials(),
		},
	}
}

// LoadConfig reads a YAML file over DefaultConfig and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting, wrapped in ErrInvalidConfig.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Analysis.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: analysis base_url %q is not an absolute URL", ErrInvalidConfig, c.Analysis.BaseURL)
	}
	if c.Analysis.Timeout < 0 {
		return fmt.Errorf("%w: negative analysis timeout", ErrInvalidConfig)
	}
	if c.Workflow.ExtractDelay < 0 || c.Workflow.ScoreDelay < 0 {
		return fmt.Errorf("%w: negative workflow delay", ErrInvalidConfig)
	}

	switch c.Session.Backend {
	case "", BackendSQLite, BackendMemory:
	case BackendRedis:
		if c.Session.Redis.Addr == "" {
			return fmt.Errorf("%w: redis backend needs session.redis.addr", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown session backend %q", ErrInvalidConfig, c.Session.Backend)
	}

	if len(c.Session.Users) == 0 {
		return fmt.Errorf("%w: no users configured", ErrInvalidConfig)
	}
	for i, u := range c.Session.Users {
		if u.Email == "" {
			return fmt.Errorf("%w: user %d has no email", ErrInvalidConfig, i)
		}
		if !u.Role.IsValid() {
			return fmt.Errorf("%w: user %s has unknown role %q", ErrInvalidConfig, u.Email, u.Role)
		}
	}
	return nil
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "veritas"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db" // fallback to cwd
		}
		return filepath.Join(home, ".veritas", name+".db")
	}
}
