package main

import (
	"testing"
	"time"
)

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("LOCALSYNC_TEST_VALUE", "from-env")
	if got := envOrDefault("LOCALSYNC_TEST_VALUE", "fallback"); got != "from-env" {
		t.Fatalf("expected from-env, got %q", got)
	}
	t.Setenv("LOCALSYNC_TEST_VALUE", "  ")
	if got := envOrDefault("LOCALSYNC_TEST_VALUE", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback for blank value, got %q", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("LOCALSYNC_TEST_DURATION", "45s")
	got := durationEnv("LOCALSYNC_TEST_DURATION", time.Minute)
	if got != 45*time.Second {
		t.Fatalf("expected 45s, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalid(t *testing.T) {
	t.Setenv("LOCALSYNC_TEST_DURATION_BAD", "oops")
	got := durationEnv("LOCALSYNC_TEST_DURATION_BAD", 30*time.Second)
	if got != 30*time.Second {
		t.Fatalf("expected fallback 30s, got %s", got)
	}
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0.5); got != 10*time.Second {
		t.Fatalf("expected midpoint jitter interval 10s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
	if got := jitteredIntervalWithSample(0, 0.2, 0.5); got != 0 {
		t.Fatalf("expected zero base to stay zero, got %s", got)
	}
}
