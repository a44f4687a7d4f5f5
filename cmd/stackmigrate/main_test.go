package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/johndauphine/stack-migrate/internal/exitcodes"
	"github.com/johndauphine/stack-migrate/internal/migration"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`
stack:
  name: cli-test
source:
  type: memory
target:
  type: memory
state:
  data_dir: %s
blob:
  dir: %s
auth:
  admins: [1]
`, filepath.Join(dir, "state"), filepath.Join(dir, "artifacts"))
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func run(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	app := newApp()
	var out bytes.Buffer
	app.Writer = &out
	full := append([]string{"stackmigrate", "--config", configPath, "--verbosity", "error"}, args...)
	err := app.Run(full)
	return out.String(), err
}

func TestListTypesJSON(t *testing.T) {
	path := writeConfig(t)
	out, err := run(t, path, "--user", "1", "--output-json", "types")
	if err != nil {
		t.Fatalf("types: %v", err)
	}
	var types []migration.Type
	if err := json.Unmarshal([]byte(out), &types); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if len(types) != len(migration.Types()) || types[0] != migration.Principal {
		t.Errorf("types = %v", types)
	}
}

func TestNonAdminExitCode(t *testing.T) {
	path := writeConfig(t)
	_, err := run(t, path, "--user", "42", "types")
	if code := exitcodes.FromError(err); code != exitcodes.Unauthorized {
		t.Errorf("exit code = %d (%v), want %d", code, err, exitcodes.Unauthorized)
	}
}

func TestUnknownTypeExitCode(t *testing.T) {
	path := writeConfig(t)
	for _, args := range [][]string{
		{"checksum", "--type", "BOGUS"},
		{"counts", "--type", "NODE", "--type", "BOGUS"},
	} {
		_, err := run(t, path, append([]string{"--user", "1"}, args...)...)
		if code := exitcodes.FromError(err); code != exitcodes.NotFound {
			t.Errorf("%v: exit code = %d (%v), want %d", args, code, err, exitcodes.NotFound)
		}
	}
}

func TestMissingConfig(t *testing.T) {
	_, err := run(t, filepath.Join(t.TempDir(), "nope.yaml"), "--user", "1", "types")
	if code := exitcodes.FromError(err); code != exitcodes.ConfigError {
		t.Errorf("exit code = %d (%v), want %d", code, err, exitcodes.ConfigError)
	}
}

func TestFeedCommandsShareState(t *testing.T) {
	path := writeConfig(t)

	out, err := run(t, path, "--user", "1", "--output-json", "feed", "append",
		"--object-id", "5", "--object-type", "node", "--change-type", "create")
	if err != nil {
		t.Fatalf("feed append: %v", err)
	}
	var msg migration.ChangeMessage
	if err := json.Unmarshal([]byte(out), &msg); err != nil {
		t.Fatalf("append output: %v\n%s", err, out)
	}

	out, err = run(t, path, "--user", "1", "--output-json", "feed", "unprocessed", "--queue", "search")
	if err != nil {
		t.Fatalf("feed unprocessed: %v", err)
	}
	var pending []migration.ChangeMessage
	if err := json.Unmarshal([]byte(out), &pending); err != nil {
		t.Fatalf("unprocessed output: %v\n%s", err, out)
	}
	if len(pending) != 1 || pending[0].ChangeNumber != msg.ChangeNumber {
		t.Fatalf("pending = %+v", pending)
	}

	if _, err := run(t, path, "--user", "1", "feed", "register",
		"--change", fmt.Sprint(msg.ChangeNumber), "--queue", "search"); err != nil {
		t.Fatalf("feed register: %v", err)
	}
	out, err = run(t, path, "--user", "1", "--output-json", "feed", "unprocessed", "--queue", "search")
	if err != nil {
		t.Fatalf("feed unprocessed: %v", err)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Errorf("unprocessed after register = %s", out)
	}
}

func TestDeltaYAMLOutput(t *testing.T) {
	path := writeConfig(t)
	out, err := run(t, path, "--user", "1", "delta", "--type", "NODE", "--fail-on-diff")
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	if !strings.Contains(out, "type: NODE") {
		t.Errorf("YAML output missing type:\n%s", out)
	}
}

func TestJobKinds(t *testing.T) {
	app := newApp()
	var out bytes.Buffer
	app.Writer = &out
	if err := app.Run([]string{"stackmigrate", "--output-json", "job", "kinds"}); err != nil {
		t.Fatalf("job kinds: %v", err)
	}
	if !strings.Contains(out.String(), "TYPE_COUNTS") {
		t.Errorf("kinds output = %s", out.String())
	}
}
