package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// expandTilde expands ~ or ~/ at the start of a path to the user's home directory
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// Config holds all configuration for a stack.
type Config struct {
	Stack   StackConfig   `yaml:"stack"`
	Source  StoreConfig   `yaml:"source"`
	Target  StoreConfig   `yaml:"target"`
	State   StateConfig   `yaml:"state"`
	Blob    BlobConfig    `yaml:"blob"`
	Workers WorkersConfig `yaml:"workers"`
	Jobs    JobsConfig    `yaml:"jobs"`
	Delta   DeltaConfig   `yaml:"delta"`
	Backup  BackupConfig  `yaml:"backup"`
	Poll    PollConfig    `yaml:"poll"`
	Auth    AuthConfig    `yaml:"auth"`
	Slack   SlackConfig   `yaml:"slack"`
}

// StackConfig names this stack. The name prefixes backup artifacts.
type StackConfig struct {
	Name string `yaml:"name"`
}

// StoreConfig holds record store connection settings for one stack.
type StoreConfig struct {
	Type            string `yaml:"type"` // "postgres", "mssql", "sqlite" or "memory"
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Database        string `yaml:"database"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	Schema          string `yaml:"schema"`
	Path            string `yaml:"path"`              // sqlite: database file
	SSLMode         string `yaml:"ssl_mode"`          // PostgreSQL: disable, require, verify-ca, verify-full (default: require)
	TrustServerCert bool   `yaml:"trust_server_cert"` // MSSQL: trust server certificate (default: false)
	Encrypt         string `yaml:"encrypt"`           // MSSQL: disable, false, true (default: true)
	MaxConns        int    `yaml:"max_conns"`
}

// Configured reports whether the store section was filled in.
func (s StoreConfig) Configured() bool {
	return s.Host != "" || s.Path != "" || s.Type == "memory"
}

// StateConfig selects the job/status backend.
type StateConfig struct {
	DataDir string `yaml:"data_dir"`
	File    string `yaml:"file"` // when set, use the YAML file backend instead of SQLite
}

// BlobConfig selects where backup artifacts live.
type BlobConfig struct {
	Type      string `yaml:"type"` // "s3" or "dir" (default: dir)
	Dir       string `yaml:"dir"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// WorkersConfig sizes the shared worker pool.
type WorkersConfig struct {
	Size int `yaml:"size"`
}

// JobsConfig controls async job housekeeping.
type JobsConfig struct {
	StaleAfter time.Duration `yaml:"stale_after"` // PROCESSING jobs older than this are failed at startup
}

// DeltaConfig controls delta partitioning.
type DeltaConfig struct {
	PartitionWidth int64  `yaml:"partition_width"`
	Salt           string `yaml:"salt"`
}

// BackupConfig controls backup and restore execution.
type BackupConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	Passphrase    string        `yaml:"passphrase"` // encrypts artifacts when set
}

// PollConfig is the caller-side polling budget.
type PollConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// AuthConfig lists the administrator user ids.
type AuthConfig struct {
	Admins []int64 `yaml:"admins"`
}

// SlackConfig holds Slack notification settings
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	Enabled    bool   `yaml:"enabled"`
}

// LoadOptions controls configuration loading behavior.
type LoadOptions struct {
	SuppressWarnings bool
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	return LoadWithOptions(path, LoadOptions{})
}

// LoadWithOptions reads configuration from a YAML file with options.
func LoadWithOptions(path string, opts LoadOptions) (*Config, error) {
	// Check file permissions before reading (warns if insecure)
	if warning := checkFilePermissions(path); warning != "" && !opts.SuppressWarnings {
		fmt.Fprint(os.Stderr, warning)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return LoadBytes(data)
}

// LoadBytes reads configuration from YAML bytes.
func LoadBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.expandTemplates(); err != nil {
		return nil, fmt.Errorf("expanding config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// DefaultDataDir returns the default data directory for state storage.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".stack-migrate")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	if err := os.Chmod(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

var (
	fileTemplate   = regexp.MustCompile(`^\$\{file:([^}]+)\}$`)
	envTemplate    = regexp.MustCompile(`\$\{env:([A-Za-z_][A-Za-z0-9_]*)\}`)
	legacyTemplate = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
)

// expandTemplateValue resolves ${file:path}, ${env:NAME} and ${NAME}.
// A file template must be the whole value; its contents are trimmed.
// Anything that does not match a template is returned unchanged.
func expandTemplateValue(v string) (string, error) {
	if m := fileTemplate.FindStringSubmatch(v); m != nil {
		path := expandTilde(strings.TrimSpace(m[1]))
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading secret file %s: %w", path, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	v = envTemplate.ReplaceAllStringFunc(v, func(s string) string {
		return os.Getenv(envTemplate.FindStringSubmatch(s)[1])
	})
	v = legacyTemplate.ReplaceAllStringFunc(v, func(s string) string {
		return os.Getenv(legacyTemplate.FindStringSubmatch(s)[1])
	})
	return v, nil
}

func (c *Config) expandTemplates() error {
	fields := []*string{
		&c.Stack.Name,
		&c.Source.Host, &c.Source.Database, &c.Source.User, &c.Source.Password, &c.Source.Path,
		&c.Target.Host, &c.Target.Database, &c.Target.User, &c.Target.Password, &c.Target.Path,
		&c.State.DataDir, &c.State.File,
		&c.Blob.Dir, &c.Blob.Bucket, &c.Blob.Endpoint, &c.Blob.AccessKey, &c.Blob.SecretKey,
		&c.Delta.Salt,
		&c.Backup.Passphrase,
		&c.Slack.WebhookURL,
	}
	for _, f := range fields {
		v, err := expandTemplateValue(*f)
		if err != nil {
			return err
		}
		*f = v
	}
	return nil
}

func (s *StoreConfig) applyDefaults() {
	if s.Type == "" {
		if s.Path != "" {
			s.Type = "sqlite"
		} else {
			s.Type = "postgres"
		}
	}
	if s.Port == 0 {
		switch s.Type {
		case "postgres":
			s.Port = 5432
		case "mssql":
			s.Port = 1433
		}
	}
	if s.Schema == "" {
		switch s.Type {
		case "postgres":
			s.Schema = "public"
		case "mssql":
			s.Schema = "dbo"
		}
	}
	if s.SSLMode == "" {
		s.SSLMode = "require"
	}
	if s.Encrypt == "" {
		s.Encrypt = "true"
	}
	if s.MaxConns == 0 {
		s.MaxConns = 8
	}
	s.Path = expandTilde(s.Path)
}

func (c *Config) applyDefaults() {
	if c.Stack.Name == "" {
		c.Stack.Name = "default"
	}
	c.Source.applyDefaults()
	if c.Target.Configured() {
		c.Target.applyDefaults()
	}

	if c.State.DataDir == "" {
		home, _ := os.UserHomeDir()
		c.State.DataDir = filepath.Join(home, ".stack-migrate")
	} else {
		c.State.DataDir = expandTilde(c.State.DataDir)
	}
	c.State.File = expandTilde(c.State.File)

	if c.Blob.Type == "" {
		c.Blob.Type = "dir"
	}
	if c.Blob.Type == "dir" && c.Blob.Dir == "" {
		c.Blob.Dir = filepath.Join(c.State.DataDir, "artifacts")
	}
	c.Blob.Dir = expandTilde(c.Blob.Dir)
	if c.Blob.Type == "s3" && c.Blob.Region == "" {
		c.Blob.Region = "us-east-1"
	}

	// Leave 2 cores for the record stores
	if c.Workers.Size == 0 {
		c.Workers.Size = runtime.NumCPU() - 2
		if c.Workers.Size < 2 {
			c.Workers.Size = 2
		}
		if c.Workers.Size > 16 {
			c.Workers.Size = 16
		}
	}

	if c.Jobs.StaleAfter == 0 {
		c.Jobs.StaleAfter = 24 * time.Hour
	}
	if c.Delta.PartitionWidth == 0 {
		c.Delta.PartitionWidth = 10000
	}
	if c.Backup.BatchSize == 0 {
		c.Backup.BatchSize = 500
	}
	if c.Backup.RetryAttempts == 0 {
		c.Backup.RetryAttempts = 3
	}
	if c.Backup.RetryBackoff == 0 {
		c.Backup.RetryBackoff = time.Second
	}
	if c.Poll.Interval == 0 {
		c.Poll.Interval = 2 * time.Second
	}
	if c.Poll.Timeout == 0 {
		c.Poll.Timeout = 10 * time.Minute
	}
}

// maxStoreConns bounds max_conns for every driver.
const maxStoreConns = 10000

func (s StoreConfig) validate(name string) error {
	if s.MaxConns < 1 || s.MaxConns > maxStoreConns {
		return fmt.Errorf("%s.max_conns must be between 1 and %d, got %d", name, maxStoreConns, s.MaxConns)
	}
	switch s.Type {
	case "postgres", "mssql":
		if s.Host == "" {
			return fmt.Errorf("%s.host is required", name)
		}
		if s.Database == "" {
			return fmt.Errorf("%s.database is required", name)
		}
	case "sqlite":
		if s.Path == "" {
			return fmt.Errorf("%s.path is required for sqlite", name)
		}
	case "memory":
	default:
		return fmt.Errorf("%s.type must be 'postgres', 'mssql', 'sqlite' or 'memory', got '%s'", name, s.Type)
	}
	return nil
}

func (c *Config) validate() error {
	if err := c.Source.validate("source"); err != nil {
		return err
	}
	if c.Target.Configured() {
		if err := c.Target.validate("target"); err != nil {
			return err
		}
	}

	switch c.Blob.Type {
	case "dir":
	case "s3":
		if c.Blob.Bucket == "" {
			return fmt.Errorf("blob.bucket is required for s3")
		}
	default:
		return fmt.Errorf("blob.type must be 's3' or 'dir', got '%s'", c.Blob.Type)
	}

	if c.Delta.PartitionWidth < 1 {
		return fmt.Errorf("delta.partition_width must be positive")
	}
	if c.Backup.BatchSize < 1 {
		return fmt.Errorf("backup.batch_size must be positive")
	}
	if c.Workers.Size < 1 {
		return fmt.Errorf("workers.size must be positive")
	}
	if c.Poll.Interval <= 0 || c.Poll.Timeout < c.Poll.Interval {
		return fmt.Errorf("poll.timeout must be at least poll.interval")
	}
	return nil
}

// DSN returns the connection string for the store.
func (s StoreConfig) DSN() string {
	switch s.Type {
	case "mssql":
		return buildMSSQLDSN(s.Host, s.Port, s.Database, s.User, s.Password, s.Encrypt, s.TrustServerCert)
	case "sqlite":
		return s.Path
	default:
		return buildPostgresDSN(s.Host, s.Port, s.Database, s.User, s.Password, s.SSLMode)
	}
}

func buildMSSQLDSN(host string, port int, database, user, password, encrypt string, trustServerCert bool) string {
	trustCert := "false"
	if trustServerCert {
		trustCert = "true"
	}
	return fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s&encrypt=%s&TrustServerCertificate=%s",
		url.QueryEscape(user), url.QueryEscape(password), host, port,
		url.QueryEscape(database), encrypt, trustCert)
}

func buildPostgresDSN(host string, port int, database, user, password, sslMode string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(user), url.QueryEscape(password), host, port,
		url.PathEscape(database), sslMode)
}

// IsAdmin reports whether userID is listed in auth.admins.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.Auth.Admins {
		if id == userID {
			return true
		}
	}
	return false
}

// Sanitized returns a copy of the config with sensitive fields redacted
func (c *Config) Sanitized() *Config {
	sanitized := *c // shallow copy

	sanitized.Source.Password = "[REDACTED]"
	if sanitized.Target.Password != "" {
		sanitized.Target.Password = "[REDACTED]"
	}
	if sanitized.Blob.SecretKey != "" {
		sanitized.Blob.SecretKey = "[REDACTED]"
	}
	if sanitized.Backup.Passphrase != "" {
		sanitized.Backup.Passphrase = "[REDACTED]"
	}
	if sanitized.Delta.Salt != "" {
		sanitized.Delta.Salt = "[REDACTED]"
	}
	if sanitized.Slack.WebhookURL != "" {
		sanitized.Slack.WebhookURL = "[REDACTED]"
	}

	return &sanitized
}
