package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range []string{
		"PORT", "SERVER_PORT", "STORE_DRIVER", "REDIS_RATE_LIMIT_PREFIX", "RELEASE_RATE_LIMIT_PER_MINUTE",
		"EVENT_EXCHANGE", "AUTO_RELEASE_SCHEDULE", "AUTO_RELEASE_BATCH_SIZE",
		"CONFLICT_RETRY_MAX_ATTEMPTS", "DEPOSIT_IDEMPOTENCY_TTL_MINUTES",
	} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.ServerPort)
	}
	if cfg.StoreDriver != StoreDriverPostgres {
		t.Fatalf("expected postgres store driver, got %q", cfg.StoreDriver)
	}
	if cfg.EventExchange != "escrow_events" {
		t.Fatalf("expected default exchange, got %q", cfg.EventExchange)
	}
	if cfg.AutoReleaseSchedule != "@every 1h" {
		t.Fatalf("expected default schedule, got %q", cfg.AutoReleaseSchedule)
	}
	if cfg.ConflictRetryMaxAttempts != 5 || cfg.ReleaseRateLimitPerMinute != 20 || cfg.DepositIdempotencyTTLMin != 1440 {
		t.Fatalf("unexpected numeric defaults: %+v", cfg)
	}
}

func TestLoadConfig_PortEnvOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "9000")
	setEnvWithCleanup(t, "PORT", "7000")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "7000" {
		t.Fatalf("expected PORT to win, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_UnknownStoreDriverFallsBackToPostgres(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "STORE_DRIVER", "sqlite")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.StoreDriver != StoreDriverPostgres {
		t.Fatalf("expected fallback to postgres, got %q", cfg.StoreDriver)
	}
}

func TestLoadConfig_NonPositiveValuesAreCoerced(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "CONFLICT_RETRY_MAX_ATTEMPTS", "0")
	setEnvWithCleanup(t, "AUTO_RELEASE_BATCH_SIZE", "-3")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ConflictRetryMaxAttempts != 5 {
		t.Fatalf("expected retry attempts coerced to 5, got %d", cfg.ConflictRetryMaxAttempts)
	}
	if cfg.AutoReleaseBatchSize != 100 {
		t.Fatalf("expected batch size coerced to 100, got %d", cfg.AutoReleaseBatchSize)
	}
}

func TestLoadConfig_InternalAPIKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "INTERNAL_API_KEY")
	setEnvWithCleanup(t, "ESCROW_SERVICE_INTERNAL_API_KEY", " alias-key ")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "alias-key" {
		t.Fatalf("expected InternalAPIKey from alias env var, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_ReadsDotEnvFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "STORE_DRIVER")
	unsetEnvWithCleanup(t, "GATEWAY_API_BASE_URL")

	dir := t.TempDir()
	content := "STORE_DRIVER=memory\nGATEWAY_API_BASE_URL=https://gateway.test\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write .env: %v", err)
	}

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.StoreDriver != StoreDriverMemory {
		t.Fatalf("expected memory driver from .env, got %q", cfg.StoreDriver)
	}
	if cfg.GatewayAPIBaseURL != "https://gateway.test" {
		t.Fatalf("expected gateway url from .env, got %q", cfg.GatewayAPIBaseURL)
	}
}

func TestAllowedOrigins(t *testing.T) {
	if got := (Config{}).AllowedOrigins(); !reflect.DeepEqual(got, []string{"*"}) {
		t.Fatalf("expected wildcard default, got %v", got)
	}
	cfg := Config{CORSAllowedOrigins: "https://a.test, ,https://b.test"}
	if got := cfg.AllowedOrigins(); !reflect.DeepEqual(got, []string{"https://a.test", "https://b.test"}) {
		t.Fatalf("unexpected origins %v", got)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
		}
	})
}
