package cli

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func TestEnvLoaderLoadsRequestedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("OPPFORGE_CLI_TEST=loaded\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("OPPFORGE_CLI_TEST", "")
	t.Setenv("OPPFORGE_ENV_FILE", "")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	loader := AddEnvFlag(fs, ".env", "")
	if err := fs.Parse([]string{"--env", path}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	got, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got != path {
		t.Fatalf("Load() = %q, want %q", got, path)
	}
	if v := os.Getenv("OPPFORGE_CLI_TEST"); v != "loaded" {
		t.Fatalf("OPPFORGE_CLI_TEST = %q, want loaded", v)
	}
}

func TestEnvLoaderMissingFile(t *testing.T) {
	t.Setenv("OPPFORGE_ENV_FILE", "")
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	loader := AddEnvFlag(fs, filepath.Join(t.TempDir(), "missing.env"), "")
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if _, err := loader.Load(); err == nil {
		t.Fatal("expected error for missing env file")
	}
}
