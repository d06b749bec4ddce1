package main

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestValidateTargets(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		var out bytes.Buffer
		yaml := "streamers:\n  - platform: twitcasting\n    channel: a\n  - platform: twitcasting\n    channel: a\n    name: again\n"
		if err := validateTargets(&out, []byte(yaml)); err != nil {
			t.Fatalf("validateTargets: %v\n%s", err, out.String())
		}
		if !strings.Contains(out.String(), "1 targets, 1 duplicates") {
			t.Errorf("unexpected output %q", out.String())
		}
	})
	t.Run("unknown_platform", func(t *testing.T) {
		var out bytes.Buffer
		err := validateTargets(&out, []byte("streamers:\n  - platform: myspace\n    channel: a\n"))
		if err == nil || !strings.Contains(out.String(), `unknown platform "myspace"`) {
			t.Errorf("err=%v output=%q", err, out.String())
		}
	})
}

func TestLoadSettings_env(t *testing.T) {
	t.Setenv("PROBE_LAUNCH_DELAY_MS", "50")
	t.Setenv("SHUTDOWN_TIMEOUT_MIN", "5")
	t.Setenv("MAX_CONCURRENT_PROBES", "3")
	t.Setenv("DB_PATH", "")

	s := loadSettings()
	if s.LaunchDelay != 50*time.Millisecond {
		t.Errorf("launch delay = %v", s.LaunchDelay)
	}
	if s.ShutdownTimeout != 5*time.Minute {
		t.Errorf("shutdown timeout = %v", s.ShutdownTimeout)
	}
	if s.MaxConcurrentProbes != 3 {
		t.Errorf("max probes = %d", s.MaxConcurrentProbes)
	}
	if s.DBPath != "data/recorder.sqlite" {
		t.Errorf("db path default = %q", s.DBPath)
	}
}

func TestWaitTimeout(t *testing.T) {
	if !waitTimeout(func() {}, time.Second) {
		t.Error("instant wait should succeed")
	}
	block := make(chan struct{})
	defer close(block)
	if waitTimeout(func() { <-block }, 10*time.Millisecond) {
		t.Error("blocked wait should time out")
	}
}
