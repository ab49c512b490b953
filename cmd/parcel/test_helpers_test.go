package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type cliTestEnv struct {
	baseDir    string
	outputDir  string
	logDir     string
	treeRoot   string
	configPath string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	base := t.TempDir()
	t.Setenv("HOME", filepath.Join(base, "home"))
	t.Setenv("PARCEL_SMTP_PASSWORD", "")
	env := &cliTestEnv{
		baseDir:    base,
		outputDir:  filepath.Join(base, "output"),
		logDir:     filepath.Join(base, "logs"),
		treeRoot:   filepath.Join(base, "reports"),
		configPath: filepath.Join(base, "config.toml"),
	}
	if err := os.MkdirAll(filepath.Join(env.treeRoot, "daily"), 0o755); err != nil {
		t.Fatalf("mkdir tree: %v", err)
	}
	writeTestConfig(t, env)
	return env
}

func writeTestConfig(t *testing.T, env *cliTestEnv) {
	t.Helper()
	content := fmt.Sprintf(`[paths]
output_dir = %q
log_dir = %q

[archive]
max_part_bytes = 1024

[delivery]
base_offset_minutes = 0
jitter_low = 0
jitter_high = 0
dry_run = true

[logging]
format = "json"
level = "warn"

[[sources]]
name = "inbox"
kind = "inbox"
period = "day"
schedule = "30 21 * * *"

[[sources]]
name = "reports"
kind = "tree"
root = %q
categories = ["daily"]
period = "day"
schedule = "0 0 * * *"
subject = "{source} {category} {label}"
reclaim_source = true
`, env.outputDir, env.logDir, env.treeRoot)
	if err := os.WriteFile(env.configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
