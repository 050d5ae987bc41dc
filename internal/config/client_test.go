package config

import (
	"log/slog"
	"strings"
	"testing"
)

func TestClientDefaults(t *testing.T) {
	cfg, err := loadClient(noEnv, nil)
	if err != nil {
		t.Fatalf("loadClient: %v", err)
	}
	if cfg.HubURL != DefaultHubURL {
		t.Fatalf("HubURL=%q, want %q", cfg.HubURL, DefaultHubURL)
	}
	if cfg.Name != "" {
		t.Fatalf("Name=%q, want empty", cfg.Name)
	}
	if cfg.ICEServers != nil {
		t.Fatalf("ICEServers=%#v, want nil", cfg.ICEServers)
	}
	if !cfg.Audio || !cfg.Video {
		t.Fatalf("audio=%v video=%v, want both", cfg.Audio, cfg.Video)
	}
	if cfg.WebRTCUDPPortRange != nil {
		t.Fatalf("WebRTCUDPPortRange=%+v, want nil", *cfg.WebRTCUDPPortRange)
	}
	if cfg.LogLevel != slog.LevelWarn {
		t.Fatalf("LogLevel=%v, want %v", cfg.LogLevel, slog.LevelWarn)
	}
	if got, want := cfg.ICEEndpoint(), "http://127.0.0.1:3000/webrtc/ice"; got != want {
		t.Fatalf("ICEEndpoint=%q, want %q", got, want)
	}
}

func TestClientFlags(t *testing.T) {
	cfg, err := loadClient(lookupMap(map[string]string{
		envVarName: "from-env",
	}), []string{
		"--hub-url", "wss://calls.example.com/signal",
		"--name", "  Ada ",
		"--no-video",
		"--ice-servers-json", `[{"urls":"stun:stun.example.com"}]`,
		"--webrtc-udp-port-min", "40000",
		"--webrtc-udp-port-max", "40199",
	})
	if err != nil {
		t.Fatalf("loadClient: %v", err)
	}
	if cfg.Name != "Ada" {
		t.Fatalf("Name=%q, want %q", cfg.Name, "Ada")
	}
	if !cfg.Audio || cfg.Video {
		t.Fatalf("audio=%v video=%v, want audio only", cfg.Audio, cfg.Video)
	}
	if len(cfg.ICEServers) != 1 {
		t.Fatalf("ICEServers=%#v", cfg.ICEServers)
	}
	if r := cfg.WebRTCUDPPortRange; r == nil || r.Min != 40000 || r.Max != 40199 {
		t.Fatalf("WebRTCUDPPortRange=%+v", r)
	}
	if got, want := cfg.ICEEndpoint(), "https://calls.example.com/webrtc/ice"; got != want {
		t.Fatalf("ICEEndpoint=%q, want %q", got, want)
	}
}

func TestClientValidation(t *testing.T) {
	cases := map[string]struct {
		env  map[string]string
		args []string
		want string
	}{
		"http hub url":      {args: []string{"--hub-url", "http://example.com/signal"}, want: "expected ws://"},
		"missing host":      {args: []string{"--hub-url", "ws:///signal"}, want: "missing host"},
		"credentials":       {args: []string{"--hub-url", "ws://u:p@example.com/signal"}, want: "credentials"},
		"port min only":     {env: map[string]string{envVarWebRTCPortMin: "40000"}, want: "set together"},
		"port range small":  {args: []string{"--webrtc-udp-port-min", "40000", "--webrtc-udp-port-max", "40010"}, want: "too small"},
		"port range invert": {args: []string{"--webrtc-udp-port-min", "41000", "--webrtc-udp-port-max", "40000"}, want: "must be <="},
		"bad port":          {env: map[string]string{envVarWebRTCPortMax: "http"}, want: "invalid port"},
		"bad ice":           {args: []string{"--ice-servers-json", "{"}, want: envICEServersJSON},
	}
	for name, tc := range cases {
		_, err := loadClient(lookupMap(tc.env), tc.args)
		if err == nil {
			t.Fatalf("%s: expected error, got nil", name)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: err=%v, want mention of %q", name, err, tc.want)
		}
	}
}
