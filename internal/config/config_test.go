package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
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

func noEnv(string) (string, bool) { return "", false }

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(noEnv, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
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
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if len(cfg.AllowedOrigins) != 0 {
		t.Fatalf("AllowedOrigins=%v, want empty", cfg.AllowedOrigins)
	}
	if cfg.ShutdownTimeout != DefaultShutdown {
		t.Fatalf("ShutdownTimeout=%v, want %v", cfg.ShutdownTimeout, DefaultShutdown)
	}
	if cfg.WSIdleTimeout != DefaultWSIdleTimeout || cfg.WSPingInterval != DefaultWSPingInterval {
		t.Fatalf("idle=%v ping=%v", cfg.WSIdleTimeout, cfg.WSPingInterval)
	}
	if cfg.MaxMessageBytes != DefaultMaxMessageBytes {
		t.Fatalf("MaxMessageBytes=%d, want %d", cfg.MaxMessageBytes, DefaultMaxMessageBytes)
	}
	if cfg.MaxMessagesPerSecond != DefaultMaxMessagesPerSecond {
		t.Fatalf("MaxMessagesPerSecond=%d, want %d", cfg.MaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	}
	if cfg.SendQueueSize != DefaultSendQueueSize {
		t.Fatalf("SendQueueSize=%d, want %d", cfg.SendQueueSize, DefaultSendQueueSize)
	}
	if cfg.MaxParticipants != 0 {
		t.Fatalf("MaxParticipants=%d, want 0", cfg.MaxParticipants)
	}
	if cfg.ICEConfigError() != nil {
		t.Fatalf("ICEConfigError=%v", cfg.ICEConfigError())
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].URLs[0] != DefaultSTUNURL {
		t.Fatalf("ICEServers=%#v, want default STUN", cfg.ICEServers)
	}
}

func TestDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := load(noEnv, []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeProd)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatJSON)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("logLevel=%v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
}

func TestLogFormatExplicitOverride(t *testing.T) {
	cfg, err := load(noEnv, []string{"--mode", "prod", "--log-format", "text"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
}

func TestLogLevelFromEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarMode:     "prod",
		envVarLogLevel: "warn",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != slog.LevelWarn {
		t.Fatalf("logLevel=%v, want %v", cfg.LogLevel, slog.LevelWarn)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatJSON)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarListenAddr:      "0.0.0.0:9000",
		envVarMaxParticipants: "4",
	}), []string{"--listen-addr", "127.0.0.1:9001", "--max-participants", "2"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9001" {
		t.Fatalf("ListenAddr=%q, want %q", cfg.ListenAddr, "127.0.0.1:9001")
	}
	if cfg.MaxParticipants != 2 {
		t.Fatalf("MaxParticipants=%d, want 2", cfg.MaxParticipants)
	}
}

func TestEnvOverrides(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarShutdownTimeout:      "3s",
		envVarWSIdleTimeout:        "30s",
		envVarWSPingInterval:       "5s",
		envVarMaxMessageBytes:      "1024",
		envVarMaxMessagesPerSecond: "10",
		envVarSendQueueSize:        "8",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ShutdownTimeout != 3*time.Second {
		t.Fatalf("ShutdownTimeout=%v", cfg.ShutdownTimeout)
	}
	if cfg.WSIdleTimeout != 30*time.Second || cfg.WSPingInterval != 5*time.Second {
		t.Fatalf("idle=%v ping=%v", cfg.WSIdleTimeout, cfg.WSPingInterval)
	}
	if cfg.MaxMessageBytes != 1024 || cfg.MaxMessagesPerSecond != 10 || cfg.SendQueueSize != 8 {
		t.Fatalf("limits=%d/%d/%d", cfg.MaxMessageBytes, cfg.MaxMessagesPerSecond, cfg.SendQueueSize)
	}
}

func TestValidation(t *testing.T) {
	cases := map[string]struct {
		env  map[string]string
		args []string
	}{
		"ping not below idle": {env: map[string]string{envVarWSIdleTimeout: "10s", envVarWSPingInterval: "10s"}},
		"zero message bytes":  {args: []string{"--max-message-bytes", "0"}},
		"zero rate":           {args: []string{"--max-messages-per-second", "0"}},
		"zero queue":          {args: []string{"--send-queue-size", "0"}},
		"bad duration":        {env: map[string]string{envVarWSIdleTimeout: "soon"}},
		"bad int":             {env: map[string]string{envVarMaxParticipants: "many"}},
		"bad mode":            {args: []string{"--mode", "staging"}},
		"bad log format":      {args: []string{"--log-format", "xml"}},
		"bad log level":       {args: []string{"--log-level", "loud"}},
		"bad origin":          {env: map[string]string{envVarAllowedOrigins: "https://example.com/app"}},
	}
	for name, tc := range cases {
		if _, err := load(lookupMap(tc.env), tc.args); err == nil {
			t.Fatalf("%s: expected error, got nil", name)
		}
	}
}

func TestAllowedOrigins_Normalized(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarAllowedOrigins: "HTTPS://Example.COM:443, http://localhost:5173/",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []string{"https://example.com", "http://localhost:5173"}
	if !reflect.DeepEqual(cfg.AllowedOrigins, want) {
		t.Fatalf("AllowedOrigins=%v, want %v", cfg.AllowedOrigins, want)
	}
	if !cfg.OriginPolicy().Allowed("http://localhost:5173", "127.0.0.1:3000") {
		t.Fatalf("policy rejected a listed origin")
	}
}

func TestInvalidICEConfigDoesNotFailLoad(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envICEServersJSON: `[{"urls": ["turn:turn.example.com"]}]`,
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICEConfigError")
	}
	if cfg.ICEServers != nil {
		t.Fatalf("ICEServers=%#v, want nil", cfg.ICEServers)
	}
}

func TestEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.env")
	content := strings.Join([]string{
		envVarListenAddr + "=0.0.0.0:4000",
		envVarMaxParticipants + "=3",
		envStunURLs + "=stun:file.example:3478",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, err := load(lookupMap(map[string]string{
		EnvFile: path,
		// The real environment wins over the file.
		envVarMaxParticipants: "5",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:4000" {
		t.Fatalf("ListenAddr=%q, want value from env file", cfg.ListenAddr)
	}
	if cfg.MaxParticipants != 5 {
		t.Fatalf("MaxParticipants=%d, want 5", cfg.MaxParticipants)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].URLs[0] != "stun:file.example:3478" {
		t.Fatalf("ICEServers=%#v", cfg.ICEServers)
	}
}

func TestEnvFile_Missing(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		EnvFile: filepath.Join(t.TempDir(), "absent.env"),
	}), nil)
	if err == nil {
		t.Fatalf("expected error for missing env file")
	}
}

func TestNewLogger(t *testing.T) {
	for _, format := range []LogFormat{LogFormatText, LogFormatJSON} {
		if _, err := NewLogger(Config{LogFormat: format}); err != nil {
			t.Fatalf("NewLogger(%s): %v", format, err)
		}
	}
	if _, err := NewLogger(Config{LogFormat: "yaml"}); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}

func TestTURNREST(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envTURNRESTSharedSecret: "s3cret",
		envTurnURLs:             "turn:turn.example.com:3478?transport=udp",
	}), []string{"--turn-rest-ttl", "10m"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TURNREST == nil {
		t.Fatalf("TURNREST=nil, want configured")
	}
	if cfg.TURNREST.TTL != 10*time.Minute || cfg.TURNREST.UsernamePrefix != DefaultTURNRESTUsernamePrefix {
		t.Fatalf("TURNREST=%+v", *cfg.TURNREST)
	}
	// Static TURN credentials are optional when they are minted per request.
	if err := cfg.ICEConfigError(); err != nil {
		t.Fatalf("ICEConfigError=%v", err)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].Username != "" {
		t.Fatalf("ICEServers=%#v", cfg.ICEServers)
	}
}

func TestTURNREST_Disabled(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envTurnURLs: "turn:turn.example.com:3478",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TURNREST != nil {
		t.Fatalf("TURNREST=%+v, want nil", *cfg.TURNREST)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICEConfigError for TURN without credentials")
	}
}

func TestTURNREST_InvalidPrefix(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envTURNRESTSharedSecret:   "s3cret",
		envTURNRESTUsernamePrefix: "bad:prefix",
	}), nil)
	if err == nil {
		t.Fatalf("expected error for ':' in username prefix")
	}
}
