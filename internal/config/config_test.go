package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func emptyLookup(string) (string, bool) { return "", false }

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(emptyLookup, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("logLevel=%v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.StoreDriver != StoreDriverMemory {
		t.Fatalf("StoreDriver=%q, want %q", cfg.StoreDriver, StoreDriverMemory)
	}
	if cfg.StoreTimeout != DefaultStoreTimeout {
		t.Fatalf("StoreTimeout=%v, want %v", cfg.StoreTimeout, DefaultStoreTimeout)
	}
	if cfg.RedisEnabled() {
		t.Fatalf("RedisEnabled=true, want false")
	}
	if cfg.PresenceTTL != DefaultPresenceTTL {
		t.Fatalf("PresenceTTL=%v, want %v", cfg.PresenceTTL, DefaultPresenceTTL)
	}
	if cfg.SignalingWSIdleTimeout != DefaultSignalingWSIdleTimeout {
		t.Fatalf("SignalingWSIdleTimeout=%v, want %v", cfg.SignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	}
	if cfg.SignalingWSPingInterval != DefaultSignalingWSPingInterval {
		t.Fatalf("SignalingWSPingInterval=%v, want %v", cfg.SignalingWSPingInterval, DefaultSignalingWSPingInterval)
	}
	if cfg.MaxSignalingMessageBytes != DefaultMaxSignalingMessageBytes {
		t.Fatalf("MaxSignalingMessageBytes=%d, want %d", cfg.MaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	}
	if cfg.MaxSignalingMessagesPerSecond != DefaultMaxSignalingMessagesPerSecond {
		t.Fatalf("MaxSignalingMessagesPerSecond=%d, want %d", cfg.MaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	}
	if len(cfg.AllowedOrigins) != 0 {
		t.Fatalf("AllowedOrigins=%v, want empty", cfg.AllowedOrigins)
	}
	if len(cfg.ICEServers) != 0 {
		t.Fatalf("ICEServers=%v, want empty", cfg.ICEServers)
	}
}

func TestDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := load(emptyLookup, []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatJSON)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("logLevel=%v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
}

func TestLogFormatExplicitOverride(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarMode:      "production",
		envVarLogFormat: "text",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeProd)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarListenAddr:   "0.0.0.0:9000",
		envVarStoreTimeout: "5s",
	}), []string{"--listen-addr", "127.0.0.1:9100", "--store-timeout", "750ms"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9100" {
		t.Fatalf("ListenAddr=%q, want %q", cfg.ListenAddr, "127.0.0.1:9100")
	}
	if cfg.StoreTimeout != 750*time.Millisecond {
		t.Fatalf("StoreTimeout=%v, want 750ms", cfg.StoreTimeout)
	}
}

func TestStoreDriver_RequiresDatabaseURL(t *testing.T) {
	_, err := load(lookupMap(map[string]string{envVarStoreDriver: "postgres"}), nil)
	if err == nil || !strings.Contains(err.Error(), envVarDatabaseURL) {
		t.Fatalf("err=%v, want mention of %s", err, envVarDatabaseURL)
	}

	cfg, err := load(lookupMap(map[string]string{
		envVarStoreDriver: "sqlite3",
		envVarDatabaseURL: "file:relay.db",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreDriver != StoreDriverSQLite {
		t.Fatalf("StoreDriver=%q, want %q", cfg.StoreDriver, StoreDriverSQLite)
	}
	if cfg.DatabaseURL != "file:relay.db" {
		t.Fatalf("DatabaseURL=%q, want %q", cfg.DatabaseURL, "file:relay.db")
	}
}

func TestStoreDriver_Invalid(t *testing.T) {
	if _, err := load(lookupMap(map[string]string{envVarStoreDriver: "mongo"}), nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRedisSettings(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarRedisAddr:   " 127.0.0.1:6379 ",
		envVarRedisDB:     "2",
		envVarPresenceTTL: "45s",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.RedisEnabled() || cfg.RedisAddr != "127.0.0.1:6379" {
		t.Fatalf("RedisAddr=%q, want 127.0.0.1:6379", cfg.RedisAddr)
	}
	if cfg.RedisDB != 2 {
		t.Fatalf("RedisDB=%d, want 2", cfg.RedisDB)
	}
	if cfg.PresenceTTL != 45*time.Second {
		t.Fatalf("PresenceTTL=%v, want 45s", cfg.PresenceTTL)
	}
}

func TestPresenceTTL_MustExceedPingInterval(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarRedisAddr:   "127.0.0.1:6379",
		envVarPresenceTTL: "10s",
	}), nil)
	if err == nil {
		t.Fatalf("expected error for ttl below ping interval")
	}

	// Without a mirror the ttl is unused.
	if _, err := load(lookupMap(map[string]string{envVarPresenceTTL: "10s"}), nil); err != nil {
		t.Fatalf("load: %v", err)
	}
}

func TestSignalingKeepalive_Validation(t *testing.T) {
	cases := []map[string]string{
		{envVarSignalingWSPingInterval: "60s"},
		{envVarSignalingWSIdleTimeout: "0s"},
		{envVarSignalingWSPingInterval: "bogus"},
		{envVarMaxSignalingMessageBytes: "0"},
		{envVarMaxSignalingMessagesPerSecond: "-1"},
		{envVarRedisDB: "-1"},
		{envVarShutdownTimeout: "nope"},
	}
	for _, env := range cases {
		if _, err := load(lookupMap(env), nil); err == nil {
			t.Fatalf("expected error for %v", env)
		}
	}
}

func TestICEServersFromEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envStunURLs:       "stun:stun.example.com:3478",
		envTurnURLs:       "turn:turn.example.com:3478",
		envTurnUsername:   "user",
		envTurnCredential: "pass",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.ICEServers) != 2 {
		t.Fatalf("ICEServers=%v, want 2 entries", cfg.ICEServers)
	}

	if _, err := load(lookupMap(map[string]string{envTurnURLs: "turn:turn.example.com"}), nil); err == nil {
		t.Fatalf("expected error for TURN without credentials")
	}
}

func TestNewLogger(t *testing.T) {
	for _, format := range []LogFormat{LogFormatText, LogFormatJSON} {
		logger, err := NewLogger(Config{LogFormat: format, LogLevel: slog.LevelInfo})
		if err != nil || logger == nil {
			t.Fatalf("NewLogger(%q): logger=%v err=%v", format, logger, err)
		}
	}
	if _, err := NewLogger(Config{LogFormat: "xml"}); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}

func TestParseAllowedOrigins_NormalizesAndValidates(t *testing.T) {
	got, err := parseAllowedOrigins("HTTPS://Example.COM:443, http://localhost:5173/")
	if err != nil {
		t.Fatalf("parseAllowedOrigins: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len=%d, want 2 (%v)", len(got), got)
	}
	if got[0] != "https://example.com" {
		t.Fatalf("got[0]=%q, want %q", got[0], "https://example.com")
	}
	if got[1] != "http://localhost:5173" {
		t.Fatalf("got[1]=%q, want %q", got[1], "http://localhost:5173")
	}
}

func TestParseAllowedOrigins_AllowsStarAndNull(t *testing.T) {
	got, err := parseAllowedOrigins("*,null")
	if err != nil {
		t.Fatalf("parseAllowedOrigins: %v", err)
	}
	if len(got) != 2 || got[0] != "*" || got[1] != "null" {
		t.Fatalf("got=%v, want [* null]", got)
	}
}

func TestParseAllowedOrigins_RejectsPathQueryAndCredentials(t *testing.T) {
	cases := []string{
		"ftp://example.com",
		"https://example.com/path",
		"https://example.com/?q=1",
		"https://user@example.com",
		"https://example.com/#frag",
	}
	for _, raw := range cases {
		if _, err := parseAllowedOrigins(raw); err == nil {
			t.Fatalf("expected error for %q, got nil", raw)
		}
	}
}
