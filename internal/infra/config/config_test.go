package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"energy-harvester/internal/infra/throttle"
)

func writeEnv(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	return path
}

// clearEnv снимает ключи с окружения и возвращает их после теста. godotenv
// не перезаписывает уже выставленные переменные, даже пустые.
func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		if old, ok := os.LookupEnv(k); ok {
			t.Cleanup(func() { _ = os.Setenv(k, old) })
		} else {
			t.Cleanup(func() { _ = os.Unsetenv(k) })
		}
		_ = os.Unsetenv(k)
	}
}

var allKeys = []string{
	"API_BASE_URL", "SELF_ID", "LOG_LEVEL", "APP_TIMEZONE", "STATE_FILE",
	"QUERY_INTERVAL", "COLLECT_INTERVAL", "RANKING_INTERVAL", "FILL_INTERVAL", "RECHAIN_INTERVAL", "RETRY_INTERVAL_MS", "MAX_TRIES", "GLOBAL_RPS",
	"ADVANCE_LEAD_MS", "CHECK_INTERVAL_SEC", "RUN_WAIT_TIMEOUT_MIN", "BREAKER_COOLDOWN_MIN",
	"POOL_SIZE", "RUN_TIMES", "GRANT_THRESHOLDS", "THROTTLE_CODE", "ALREADY_CLAIMED_CODE",
	"LOG_FILE", "LOG_FILE_LEVEL",
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t, allKeys...)
	t.Setenv("API_BASE_URL", "http://platform.local")
	t.Setenv("SELF_ID", "me")

	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	env := cfg.Env
	if env.MaxTries != defaultMaxTries || env.PoolSize != defaultPoolSize {
		t.Fatalf("unexpected defaults: %+v", env)
	}
	intervals := []struct {
		name string
		got  throttle.Policy
		want string
	}{
		{name: "query", got: env.QueryInterval, want: "1000-1500"},
		{name: "collect", got: env.CollectInterval, want: "200"},
		{name: "ranking", got: env.RankingInterval, want: "200"},
		{name: "fill", got: env.FillInterval, want: "500"},
		{name: "rechain", got: env.RechainInterval, want: "1000"},
	}
	for _, iv := range intervals {
		if iv.got.String() != iv.want {
			t.Fatalf("%s interval = %s, want %s", iv.name, iv.got, iv.want)
		}
	}
	if env.RunWaitTimeout != 30*time.Minute || env.BreakerCooldown != 30*time.Minute {
		t.Fatalf("unexpected timeouts: %s / %s", env.RunWaitTimeout, env.BreakerCooldown)
	}
	if len(env.GrantThresholds) != 0 {
		t.Fatalf("grants must be disabled by default: %v", env.GrantThresholds)
	}
	if len(cfg.warnings) == 0 {
		t.Fatalf("defaults must produce warnings")
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	clearEnv(t, allKeys...)
	path := writeEnv(t,
		"API_BASE_URL=http://platform.local/api",
		"SELF_ID=me",
		"COLLECT_INTERVAL=50-20000",
		"QUERY_INTERVAL=700",
		"RECHAIN_INTERVAL=1500-9000",
		"MAX_TRIES=0",
		"RUN_TIMES=0700, 07:30,bad,0700",
		"GRANT_THRESHOLDS=33:300,18:150,oops",
		"APP_TIMEZONE=+03:00",
	)

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	env := cfg.Env
	if env.CollectInterval.Min != MinInterval || env.CollectInterval.Max != MaxInterval {
		t.Fatalf("interval must be clamped: %s", env.CollectInterval)
	}
	if env.QueryInterval != throttle.Fixed(700*time.Millisecond) {
		t.Fatalf("query = %s, want 700", env.QueryInterval)
	}
	if env.RechainInterval != throttle.Range(1500*time.Millisecond, MaxRechainInterval) {
		t.Fatalf("rechain = %s, want clamped 1500-5000", env.RechainInterval)
	}
	if env.MaxTries != defaultMaxTries {
		t.Fatalf("invalid MAX_TRIES must fall back to default, got %d", env.MaxTries)
	}
	if got := strings.Join(env.RunTimes, ","); got != "0700,07:30" {
		t.Fatalf("run times = %q", got)
	}
	if env.GrantThresholds[33] != 300 || env.GrantThresholds[18] != 150 || len(env.GrantThresholds) != 2 {
		t.Fatalf("grants = %v", env.GrantThresholds)
	}
}

func TestLoadConfigRequiresBaseURLAndSelf(t *testing.T) {
	clearEnv(t, allKeys...)
	if _, err := loadConfig(""); err == nil {
		t.Fatalf("expected error without API_BASE_URL")
	}
	t.Setenv("API_BASE_URL", "http://x")
	if _, err := loadConfig(""); err == nil {
		t.Fatalf("expected error without SELF_ID")
	}
}
