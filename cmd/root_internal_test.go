package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func TestStoreAndGetAppContext(t *testing.T) {
	original := globalAppContext
	defer func() {
		globalAppContext = original
	}()

	cmd := &cobra.Command{Use: "root"}
	appCtx := &AppContext{Config: &AppConfig{}}

	storeAppContext(cmd, appCtx)

	if got := getAppContext(cmd); got != appCtx {
		t.Fatalf("expected stored app context to be returned")
	}
	if got := getAppContext(&cobra.Command{Use: "other"}); got != appCtx {
		t.Fatalf("expected global app context as fallback")
	}
}

func TestLoadEnvFile(t *testing.T) {
	if err := loadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing env file should be ignored, got %v", err)
	}

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("SECURISCAN_TEST_DOTENV=loaded\n"), 0o600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("SECURISCAN_TEST_DOTENV") })

	if err := loadEnvFile(path); err != nil {
		t.Fatalf("loadEnvFile: %v", err)
	}
	if got := os.Getenv("SECURISCAN_TEST_DOTENV"); got != "loaded" {
		t.Fatalf("expected variable from env file, got %q", got)
	}
}

func TestInitViper_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "queue:\n  backend: memory\nworker:\n  concurrency: 4\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("SECURISCAN_WORKER_CONCURRENCY", "6")

	v := viper.New()
	if err := initViper(v, path); err != nil {
		t.Fatalf("initViper: %v", err)
	}
	if got := v.GetString("queue.backend"); got != "memory" {
		t.Fatalf("expected queue backend from file, got %q", got)
	}
	if got := v.GetInt("worker.concurrency"); got != 6 {
		t.Fatalf("expected env to override file, got %d", got)
	}
	if got := v.GetString("server.addr"); got != defaultServerAddr {
		t.Fatalf("expected default server addr, got %q", got)
	}
}

func TestInitViper_ExplicitMissingFile(t *testing.T) {
	v := viper.New()
	if err := initViper(v, filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for explicit missing config file")
	}
}
