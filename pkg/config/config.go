package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultRunCount is the default number of runs per input case.
	DefaultRunCount = 1

	// DefaultParallelWorkers is the default worker pool size per repository.
	DefaultParallelWorkers = 3

	// DefaultIndexTimeout bounds a single index build invocation.
	DefaultIndexTimeout = 60 * time.Second

	// DefaultToolTimeout bounds a single analysis tool invocation.
	DefaultToolTimeout = 5 * time.Minute

	// DefaultLogRetention is the per-session log buffer cap.
	DefaultLogRetention = 10000

	// DefaultLogKeepalive is the idle interval before a heartbeat is
	// emitted on open log subscriptions.
	DefaultLogKeepalive = 15 * time.Second

	// DefaultIndexEnv is the environment variable the analysis tool reads
	// the pre-built index path from. Leaving it unset would drop the index
	// handoff entirely, so an empty value always falls back to this name.
	DefaultIndexEnv = "BWM_CODE_CONTEXT_INDEX"

	// DefaultResultsDir is the default directory for suite reports.
	DefaultResultsDir = "./results"
)

// Duration wraps time.Duration so YAML values like "60s" parse directly.
type Duration time.Duration

// UnmarshalYAML parses a duration from a YAML string or integer (seconds).
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parsing duration %q: %w", v, err)
		}

		*d = Duration(parsed)
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}

	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root configuration for zapsuite.
type Config struct {
	Global  GlobalConfig    `yaml:"global"`
	Indexer IndexerConfig   `yaml:"indexer"`
	Tool    ToolConfig      `yaml:"tool"`
	Suite   SuiteConfig     `yaml:"suite"`
	Repos   []RepoConfig    `yaml:"repos"`
	Results ResultsConfig   `yaml:"results"`
	API     *APIConfig      `yaml:"api,omitempty"`
	Upload  *S3UploadConfig `yaml:"upload,omitempty"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel         string `yaml:"log_level"`
	ToolLogsToStdout bool   `yaml:"tool_logs_to_stdout"`
}

// IndexerConfig configures the external index-construction command.
type IndexerConfig struct {
	BinaryPath string   `yaml:"binary_path"`
	Timeout    Duration `yaml:"timeout,omitempty"`
}

// ToolConfig configures the external analysis tool.
type ToolConfig struct {
	BinaryPath string   `yaml:"binary_path"`
	ConfigPath string   `yaml:"config_path"`
	Timeout    Duration `yaml:"timeout,omitempty"`
	ExtraArgs  []string `yaml:"extra_args,omitempty"`
	// IndexEnv is the environment variable name used to hand the
	// pre-built index path to the tool.
	IndexEnv    string            `yaml:"index_env"`
	Environment map[string]string `yaml:"environment,omitempty"`
}

// SuiteConfig contains suite-wide execution settings.
type SuiteConfig struct {
	RunCount        int      `yaml:"run_count"`
	ParallelWorkers int      `yaml:"parallel_workers"`
	LogRetention    int      `yaml:"log_retention,omitempty"`
	LogKeepalive    Duration `yaml:"log_keepalive,omitempty"`
}

// RepoConfig defines a single repository to test.
type RepoConfig struct {
	ID          string `yaml:"id,omitempty"`
	Path        string `yaml:"path"`
	Branch      string `yaml:"branch,omitempty"`
	InputsPath  string `yaml:"inputs_path"`
	OutputsPath string `yaml:"outputs_path,omitempty"`
}

// ResultsConfig controls where suite reports end up.
type ResultsConfig struct {
	Dir      string          `yaml:"dir"`
	Database *DatabaseConfig `yaml:"database,omitempty"`
}

// DatabaseConfig contains connection settings for the optional result sink.
type DatabaseConfig struct {
	Driver   string                 `yaml:"driver"`
	SQLite   SQLiteDatabaseConfig   `yaml:"sqlite,omitempty"`
	Postgres PostgresDatabaseConfig `yaml:"postgres,omitempty"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path"`
}

// PostgresDatabaseConfig contains PostgreSQL-specific settings.
type PostgresDatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Listen      string          `yaml:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty"`
	Auth        AuthConfig      `yaml:"auth,omitempty"`
}

// RateLimitConfig contains per-IP rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
}

// AuthConfig contains basic auth settings for the API.
type AuthConfig struct {
	Enabled bool            `yaml:"enabled"`
	Users   []BasicAuthUser `yaml:"users,omitempty"`
}

// BasicAuthUser is a username with a bcrypt password hash.
type BasicAuthUser struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

// S3UploadConfig contains S3 settings for report uploads.
type S3UploadConfig struct {
	Enabled         bool   `yaml:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty"`
	Region          string `yaml:"region,omitempty"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

// Load reads and parses a configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Indexer.Timeout == 0 {
		c.Indexer.Timeout = Duration(DefaultIndexTimeout)
	}

	if c.Tool.Timeout == 0 {
		c.Tool.Timeout = Duration(DefaultToolTimeout)
	}

	if c.Tool.IndexEnv == "" {
		c.Tool.IndexEnv = DefaultIndexEnv
	}

	if c.Suite.RunCount == 0 {
		c.Suite.RunCount = DefaultRunCount
	}

	if c.Suite.ParallelWorkers == 0 {
		c.Suite.ParallelWorkers = DefaultParallelWorkers
	}

	if c.Suite.LogRetention == 0 {
		c.Suite.LogRetention = DefaultLogRetention
	}

	if c.Suite.LogKeepalive == 0 {
		c.Suite.LogKeepalive = Duration(DefaultLogKeepalive)
	}

	if c.Results.Dir == "" {
		c.Results.Dir = DefaultResultsDir
	}

	for i := range c.Repos {
		if c.Repos[i].ID == "" {
			c.Repos[i].ID = filepath.Base(c.Repos[i].Path)
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Tool.BinaryPath == "" {
		return fmt.Errorf("tool.binary_path is required")
	}

	if c.Indexer.BinaryPath == "" {
		return fmt.Errorf("indexer.binary_path is required")
	}

	if len(c.Repos) == 0 {
		return fmt.Errorf("at least one repository must be configured")
	}

	seenIDs := make(map[string]struct{}, len(c.Repos))

	for i, repo := range c.Repos {
		if repo.Path == "" {
			return fmt.Errorf("repo %d: path is required", i)
		}

		if repo.InputsPath == "" {
			return fmt.Errorf("repo %q: inputs_path is required", repo.ID)
		}

		if _, exists := seenIDs[repo.ID]; exists {
			return fmt.Errorf("repo %d: duplicate id %q", i, repo.ID)
		}

		seenIDs[repo.ID] = struct{}{}
	}

	if c.Suite.RunCount < 1 {
		return fmt.Errorf("suite.run_count must be at least 1")
	}

	if c.Suite.ParallelWorkers < 1 {
		return fmt.Errorf("suite.parallel_workers must be at least 1")
	}

	if db := c.Results.Database; db != nil {
		switch db.Driver {
		case "sqlite":
			if db.SQLite.Path == "" {
				return fmt.Errorf("results.database.sqlite.path is required")
			}
		case "postgres":
			if db.Postgres.DSN == "" {
				return fmt.Errorf("results.database.postgres.dsn is required")
			}
		default:
			return fmt.Errorf("unknown database driver %q", db.Driver)
		}
	}

	if c.API != nil && c.API.Listen == "" {
		return fmt.Errorf("api.listen is required when api is configured")
	}

	if c.Upload != nil && c.Upload.Enabled && c.Upload.Bucket == "" {
		return fmt.Errorf("upload.bucket is required when upload is enabled")
	}

	return nil
}
