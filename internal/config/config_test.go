package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
source:
  type: postgres
  host: pg-a
  database: repo
  user: admin
  password: secret
`

func TestLoadBytesDefaults(t *testing.T) {
	cfg, err := LoadBytes([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}

	if cfg.Source.Port != 5432 {
		t.Errorf("source port = %d, want 5432", cfg.Source.Port)
	}
	if cfg.Source.Schema != "public" {
		t.Errorf("source schema = %q", cfg.Source.Schema)
	}
	if cfg.Target.Configured() {
		t.Error("target should be unconfigured")
	}
	if cfg.Blob.Type != "dir" || cfg.Blob.Dir == "" {
		t.Errorf("blob defaults = %+v", cfg.Blob)
	}
	if cfg.Delta.PartitionWidth != 10000 {
		t.Errorf("partition width = %d", cfg.Delta.PartitionWidth)
	}
	if cfg.Backup.BatchSize != 500 || cfg.Backup.RetryAttempts != 3 {
		t.Errorf("backup defaults = %+v", cfg.Backup)
	}
	if cfg.Poll.Interval != 2*time.Second || cfg.Poll.Timeout != 10*time.Minute {
		t.Errorf("poll defaults = %+v", cfg.Poll)
	}
	if cfg.Jobs.StaleAfter != 24*time.Hour {
		t.Errorf("stale after = %v", cfg.Jobs.StaleAfter)
	}
	if cfg.Workers.Size < 2 || cfg.Workers.Size > 16 {
		t.Errorf("workers = %d", cfg.Workers.Size)
	}
}

func TestLoadBytesDurations(t *testing.T) {
	cfg, err := LoadBytes([]byte(minimalYAML + `
poll:
  interval: 250ms
  timeout: 30s
  max_attempts: 12
jobs:
  stale_after: 2h
`))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	if cfg.Poll.Interval != 250*time.Millisecond || cfg.Poll.Timeout != 30*time.Second || cfg.Poll.MaxAttempts != 12 {
		t.Errorf("poll = %+v", cfg.Poll)
	}
	if cfg.Jobs.StaleAfter != 2*time.Hour {
		t.Errorf("stale after = %v", cfg.Jobs.StaleAfter)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing host",
			yaml:    "source:\n  type: postgres\n  database: repo\n",
			wantErr: "source.host is required",
		},
		{
			name:    "unknown store type",
			yaml:    "source:\n  type: oracle\n  host: h\n  database: d\n",
			wantErr: "source.type must be",
		},
		{
			name:    "sqlite needs path",
			yaml:    "source:\n  type: sqlite\n",
			wantErr: "source.path is required",
		},
		{
			name:    "s3 needs bucket",
			yaml:    minimalYAML + "blob:\n  type: s3\n",
			wantErr: "blob.bucket is required",
		},
		{
			name:    "bad target",
			yaml:    minimalYAML + "target:\n  type: mssql\n  host: sql-b\n",
			wantErr: "target.database is required",
		},
		{
			name:    "max_conns too large",
			yaml:    "source:\n  type: postgres\n  host: h\n  database: d\n  max_conns: 4294967297\n",
			wantErr: "source.max_conns must be between 1 and 10000",
		},
		{
			name:    "negative max_conns",
			yaml:    minimalYAML + "target:\n  type: memory\n  max_conns: -2\n",
			wantErr: "target.max_conns must be between",
		},
		{
			name:    "poll timeout shorter than interval",
			yaml:    minimalYAML + "poll:\n  interval: 10s\n  timeout: 1s\n",
			wantErr: "poll.timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBytes([]byte(tt.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestSQLiteInferredFromPath(t *testing.T) {
	cfg, err := LoadBytes([]byte("source:\n  path: /tmp/stack-a.db\n"))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	if cfg.Source.Type != "sqlite" {
		t.Errorf("type = %q, want sqlite", cfg.Source.Type)
	}
	if cfg.Source.DSN() != "/tmp/stack-a.db" {
		t.Errorf("DSN = %q", cfg.Source.DSN())
	}
}

func TestDSNURLEncoding(t *testing.T) {
	tests := []struct {
		name     string
		store    StoreConfig
		contains []string
	}{
		{
			name:     "postgres password with @",
			store:    StoreConfig{Type: "postgres", Host: "h", Port: 5432, Database: "repo", User: "admin", Password: "pass@word", SSLMode: "disable"},
			contains: []string{"postgres://admin:pass%40word@h:5432/repo", "sslmode=disable"},
		},
		{
			name:     "postgres database with spaces",
			store:    StoreConfig{Type: "postgres", Host: "h", Port: 5432, Database: "my repo", User: "u", Password: "p", SSLMode: "require"},
			contains: []string{"/my%20repo?"},
		},
		{
			name:     "mssql complex password",
			store:    StoreConfig{Type: "mssql", Host: "h", Port: 1433, Database: "repo", User: "sa", Password: "P@ss:w/rd?123", Encrypt: "true"},
			contains: []string{"sa:P%40ss%3Aw%2Frd%3F123@h:1433", "database=repo", "TrustServerCertificate=false"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dsn := tt.store.DSN()
			for _, want := range tt.contains {
				if !strings.Contains(dsn, want) {
					t.Errorf("DSN %q missing %q", dsn, want)
				}
			}
		})
	}
}

func TestExpandTemplateValue(t *testing.T) {
	tmpDir := t.TempDir()
	secretFile := filepath.Join(tmpDir, "secret.txt")
	if err := os.WriteFile(secretFile, []byte("  my-secret-password  \n"), 0600); err != nil {
		t.Fatalf("failed to create secret file: %v", err)
	}

	t.Setenv("TEST_SECRET_VAR", "env-secret-value")

	tests := []struct {
		name      string
		input     string
		expected  string
		expectErr bool
	}{
		{name: "cleartext", input: "plain", expected: "plain"},
		{name: "empty string", input: "", expected: ""},
		{name: "file template", input: "${file:" + secretFile + "}", expected: "my-secret-password"},
		{name: "env template", input: "${env:TEST_SECRET_VAR}", expected: "env-secret-value"},
		{name: "env template missing var", input: "${env:NONEXISTENT_VAR_12345}", expected: ""},
		{name: "file template missing file", input: "${file:/nonexistent/path/to/secret}", expectErr: true},
		{name: "dollar without braces", input: "$file:/path", expected: "$file:/path"},
		{name: "empty file path", input: "${file:}", expected: "${file:}"},
		{name: "legacy env syntax", input: "${TEST_SECRET_VAR}", expected: "env-secret-value"},
		{name: "env var starting with number", input: "${env:1INVALID}", expected: "${env:1INVALID}"},
		{name: "env var with hyphen", input: "${env:INVALID-VAR}", expected: "${env:INVALID-VAR}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := expandTemplateValue(tt.input)
			if tt.expectErr {
				if err == nil {
					t.Errorf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestLoadBytesWithSecretTemplates(t *testing.T) {
	tmpDir := t.TempDir()
	passFile := filepath.Join(tmpDir, "passphrase")
	if err := os.WriteFile(passFile, []byte(`p@ss"word'#!`+"\n"), 0600); err != nil {
		t.Fatalf("failed to create passphrase file: %v", err)
	}
	t.Setenv("TEST_PG_PASSWORD", "env-pg-password")

	cfg, err := LoadBytes([]byte(`
source:
  type: postgres
  host: pg-a
  database: repo
  password: ${env:TEST_PG_PASSWORD}
backup:
  passphrase: ${file:` + passFile + `}
`))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	if cfg.Source.Password != "env-pg-password" {
		t.Errorf("source password = %q", cfg.Source.Password)
	}
	if cfg.Backup.Passphrase != `p@ss"word'#!` {
		t.Errorf("passphrase = %q", cfg.Backup.Passphrase)
	}

	_, err = LoadBytes([]byte(minimalYAML + "backup:\n  passphrase: ${file:/nonexistent/secret}\n"))
	if err == nil {
		t.Error("expected error for missing secret file")
	}
}

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot get home directory")
	}
	if got := expandTilde("~/some/path"); got != filepath.Join(home, "some/path") {
		t.Errorf("expandTilde = %q", got)
	}
	if got := expandTilde("/abs"); got != "/abs" {
		t.Errorf("expandTilde = %q", got)
	}
}

func TestIsAdmin(t *testing.T) {
	cfg, err := LoadBytes([]byte(minimalYAML + "auth:\n  admins: [1, 42]\n"))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	if !cfg.IsAdmin(42) {
		t.Error("42 should be admin")
	}
	if cfg.IsAdmin(7) {
		t.Error("7 should not be admin")
	}
}

func TestSanitized(t *testing.T) {
	cfg, err := LoadBytes([]byte(minimalYAML + `
backup:
  passphrase: hunter2
slack:
  webhook_url: https://hooks.slack.com/services/x
`))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	s := cfg.Sanitized()
	if s.Source.Password != "[REDACTED]" || s.Backup.Passphrase != "[REDACTED]" || s.Slack.WebhookURL != "[REDACTED]" {
		t.Errorf("secrets not redacted: %+v", s)
	}
	if cfg.Source.Password != "secret" {
		t.Error("Sanitized modified the original")
	}
}
