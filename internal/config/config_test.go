package config

import (
	"os"
	"testing"
	"time"
)

func TestGetBool_FallsBackOnUnsetOrInvalid(t *testing.T) {
	os.Unsetenv("TEST_BOOL")
	if got := getBool("TEST_BOOL", true); got != true {
		t.Errorf("expected fallback true when unset, got %v", got)
	}
	os.Setenv("TEST_BOOL", "not-a-bool")
	defer os.Unsetenv("TEST_BOOL")
	if got := getBool("TEST_BOOL", true); got != true {
		t.Errorf("expected fallback true on unparseable value, got %v", got)
	}
	os.Setenv("TEST_BOOL", "false")
	if got := getBool("TEST_BOOL", true); got != false {
		t.Errorf("expected parsed false, got %v", got)
	}
}

func TestGetDuration_AcceptsBareMillisecondsOrGoDuration(t *testing.T) {
	os.Setenv("TEST_DUR", "500")
	defer os.Unsetenv("TEST_DUR")
	if got := getDuration("TEST_DUR", time.Second); got != 500*time.Millisecond {
		t.Errorf("expected bare integer to parse as milliseconds, got %v", got)
	}
	os.Setenv("TEST_DUR", "2m")
	if got := getDuration("TEST_DUR", time.Second); got != 2*time.Minute {
		t.Errorf("expected a Go duration string to parse directly, got %v", got)
	}
}

func TestGetDuration_FallsBackOnUnsetOrInvalid(t *testing.T) {
	os.Unsetenv("TEST_DUR_2")
	if got := getDuration("TEST_DUR_2", 3*time.Second); got != 3*time.Second {
		t.Errorf("expected fallback when unset, got %v", got)
	}
	os.Setenv("TEST_DUR_2", "not-a-duration")
	defer os.Unsetenv("TEST_DUR_2")
	if got := getDuration("TEST_DUR_2", 3*time.Second); got != 3*time.Second {
		t.Errorf("expected fallback on unparseable value, got %v", got)
	}
}

func TestLoad_FailsWithoutRequiredFields(t *testing.T) {
	for _, k := range []string{"DATABASE_URL", "WEBHOOK_SECRET", "CONSUMER_KEY", "PRIVATE_KEY_PEM", "PORT"} {
		os.Unsetenv(k)
	}
	if _, err := Load(); err == nil {
		t.Fatalf("expected Load to fail validation when required fields are unset")
	}
}

func TestLoad_SucceedsWithRequiredFieldsSet(t *testing.T) {
	os.Setenv("DATABASE_URL", "postgres://localhost/test")
	os.Setenv("WEBHOOK_SECRET", "shh")
	os.Setenv("CONSUMER_KEY", "key")
	os.Setenv("PRIVATE_KEY_PEM", "pem")
	defer func() {
		os.Unsetenv("DATABASE_URL")
		os.Unsetenv("WEBHOOK_SECRET")
		os.Unsetenv("CONSUMER_KEY")
		os.Unsetenv("PRIVATE_KEY_PEM")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MerchantEnv != EnvSandbox {
		t.Errorf("expected default merchant env to be sandbox, got %q", cfg.MerchantEnv)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %q", cfg.Port)
	}
}
