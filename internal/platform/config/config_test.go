package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("RECORDER_TEST_STR", "value")
	if got := GetEnv("RECORDER_TEST_STR", "fallback"); got != "value" {
		t.Errorf("GetEnv = %q", got)
	}
	if got := GetEnv("RECORDER_TEST_UNSET", "fallback"); got != "fallback" {
		t.Errorf("GetEnv unset = %q", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("RECORDER_TEST_INT", "12")
	t.Setenv("RECORDER_TEST_BAD", "twelve")
	if got := GetEnvInt("RECORDER_TEST_INT", 1); got != 12 {
		t.Errorf("GetEnvInt = %d", got)
	}
	if got := GetEnvInt("RECORDER_TEST_BAD", 1); got != 1 {
		t.Errorf("GetEnvInt bad = %d", got)
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("RECORDER_TEST_MS", "250")
	t.Setenv("RECORDER_TEST_DUR", "1m30s")
	t.Setenv("RECORDER_TEST_BAD", "soon")
	if got := GetEnvDuration("RECORDER_TEST_MS", time.Millisecond, time.Second); got != 250*time.Millisecond {
		t.Errorf("ms = %v", got)
	}
	if got := GetEnvDuration("RECORDER_TEST_DUR", time.Millisecond, time.Second); got != 90*time.Second {
		t.Errorf("duration string = %v", got)
	}
	if got := GetEnvDuration("RECORDER_TEST_BAD", time.Millisecond, time.Second); got != time.Second {
		t.Errorf("bad = %v", got)
	}
	if got := GetEnvDuration("RECORDER_TEST_UNSET", time.Minute, 30*time.Minute); got != 30*time.Minute {
		t.Errorf("unset = %v", got)
	}
}

func TestLoad_dotenv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("RECORDER_TEST_DOTENV=from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RECORDER_TEST_DOTENV", "")
	os.Unsetenv("RECORDER_TEST_DOTENV")
	if err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := os.Getenv("RECORDER_TEST_DOTENV"); got != "from-file" {
		t.Errorf("env = %q", got)
	}
	if err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Error("expected error for missing file")
	}
}
