package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnv_fallback(t *testing.T) {
	t.Setenv("FO_TEST_STR", "")
	if got := GetEnv("FO_TEST_STR", "x"); got != "x" {
		t.Errorf("expected fallback x, got %q", got)
	}
	t.Setenv("FO_TEST_STR", "y")
	if got := GetEnv("FO_TEST_STR", "x"); got != "y" {
		t.Errorf("expected y, got %q", got)
	}
}

func TestGetEnvInt_invalid(t *testing.T) {
	t.Setenv("FO_TEST_INT", "abc")
	if got := GetEnvInt("FO_TEST_INT", 7); got != 7 {
		t.Errorf("expected fallback 7, got %d", got)
	}
	t.Setenv("FO_TEST_INT", "12")
	if got := GetEnvInt("FO_TEST_INT", 7); got != 12 {
		t.Errorf("expected 12, got %d", got)
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("FO_TEST_DUR", "250ms")
	if got := GetEnvDuration("FO_TEST_DUR", time.Second); got != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %v", got)
	}
	t.Setenv("FO_TEST_DUR", "soon")
	if got := GetEnvDuration("FO_TEST_DUR", time.Second); got != time.Second {
		t.Errorf("expected fallback 1s, got %v", got)
	}
}

func TestGetEnvFloat(t *testing.T) {
	t.Setenv("FO_TEST_FLOAT", "12.5")
	if got := GetEnvFloat("FO_TEST_FLOAT", 1); got != 12.5 {
		t.Errorf("expected 12.5, got %v", got)
	}
}

func TestFromEnv_defaults(t *testing.T) {
	t.Setenv("FRAME_LOG_CAPACITY", "")
	t.Setenv("FAILURE_THRESHOLD", "")
	t.Setenv("TARGET_FPS", "")
	s := FromEnv()
	if s.FrameLogCapacity != 10 {
		t.Errorf("expected capacity 10, got %d", s.FrameLogCapacity)
	}
	if s.FailureThreshold != 5 {
		t.Errorf("expected threshold 5, got %d", s.FailureThreshold)
	}
	if s.TargetFPS != 30 {
		t.Errorf("expected 30 fps, got %v", s.TargetFPS)
	}
}

func TestLoad_dotenv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("FO_TEST_DOTENV=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FO_TEST_DOTENV", "")
	os.Unsetenv("FO_TEST_DOTENV")

	if err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := GetEnv("FO_TEST_DOTENV", ""); got != "from-file" {
		t.Errorf("expected value from .env, got %q", got)
	}
}
