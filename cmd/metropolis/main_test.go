package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fluxorio/metropolis/pkg/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	cfg := config.Default()
	cfg.Model.Mean = []float64{5}
	cfg.Sampler.Iterations = 1000
	cfg.Sampler.BurnIn = 200
	cfg.Log.Level = "error"
	cfg.Output.Database = config.DatabaseConfig{Driver: "sqlite3", DSN: filepath.Join(dir, "runs.db")}
	if err := config.Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	out, err := execute(t, "run", "--config", path, "--chains", "2", "--seed", "9", "--trace-dir", filepath.Join(dir, "traces"))
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	for _, want := range []string{"model=gaussian", "chains=2", "samples=2000", "θ[0]", "R-hat"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	entries, err := os.ReadDir(filepath.Join(dir, "traces"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("trace dir entries = %v, err = %v", entries, err)
	}

	out, err = execute(t, "trace", filepath.Join(dir, "traces", entries[0].Name()), "--from", "1990", "--limit", "5")
	if err != nil {
		t.Fatalf("trace: %v\n%s", err, out)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 6 || !strings.HasPrefix(lines[0], "offset") || !strings.HasPrefix(lines[1], "1990") {
		t.Errorf("trace output:\n%s", out)
	}
	if _, err := execute(t, "trace", filepath.Join(dir, "missing")); err == nil {
		t.Error("trace of a missing directory should fail")
	}
}

func TestRunCommand_InvalidOverride(t *testing.T) {
	if _, err := execute(t, "run", "--chains", "0"); err == nil {
		t.Error("chains=0 should fail validation")
	}
}

func TestConfigCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")

	out, err := execute(t, "config", "init", path)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(out, "wrote") {
		t.Errorf("config init output = %q", out)
	}
	if _, err := execute(t, "config", "init", path); err == nil {
		t.Error("config init should refuse to overwrite")
	}

	out, err = execute(t, "config", "validate", path)
	if err != nil || !strings.Contains(out, "ok") {
		t.Errorf("config validate = %q, %v", out, err)
	}
}

func TestModelsCommand(t *testing.T) {
	out, err := execute(t, "models")
	if err != nil {
		t.Fatalf("models: %v", err)
	}
	if got := strings.Fields(out); strings.Join(got, ",") != "gaussian,line,line-scatter" {
		t.Errorf("models = %v", got)
	}
}
