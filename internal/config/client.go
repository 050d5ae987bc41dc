package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarHubURL         = "AERO_CALL_HUB_URL"
	envVarName           = "AERO_CALL_NAME"
	envVarWebRTCPortMin  = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCPortMax  = "WEBRTC_UDP_PORT_MAX"
	envVarClientLogLevel = "AERO_CALL_CLIENT_LOG_LEVEL"

	DefaultHubURL      = "ws://127.0.0.1:3000/signal"
	DefaultDialTimeout = 10 * time.Second
)

// recommendedWebRTCUDPPortRangeSize is a conservative minimum. Running out of
// ports shows up as ICE failures that are hard to trace back.
const recommendedWebRTCUDPPortRangeSize = 100

type UDPPortRange struct {
	Min uint16
	Max uint16
}

// ClientConfig is the terminal participant's configuration.
type ClientConfig struct {
	HubURL string
	// Name is empty when the user should be prompted.
	Name string

	// ICEServers is nil when the hub's /webrtc/ice should be consulted.
	ICEServers []webrtc.ICEServer

	Audio bool
	Video bool

	// WebRTCUDPPortRange restricts local ICE ports. nil means any.
	WebRTCUDPPortRange *UDPPortRange

	DialTimeout time.Duration
	LogFormat   LogFormat
	LogLevel    slog.Level
}

// ICEEndpoint is the hub's ICE server endpoint, derived from HubURL.
func (c ClientConfig) ICEEndpoint() string {
	u, err := url.Parse(c.HubURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = "/webrtc/ice"
	u.RawQuery = ""
	return u.String()
}

func LoadClient(args []string) (ClientConfig, error) {
	return loadClient(os.LookupEnv, args)
}

func loadClient(lookup func(string) (string, bool), args []string) (ClientConfig, error) {
	lookup, err := withEnvFile(lookup)
	if err != nil {
		return ClientConfig{}, err
	}

	hubURL := envOrDefault(lookup, envVarHubURL, DefaultHubURL)
	name := envOrDefault(lookup, envVarName, "")
	iceJSON := envOrDefault(lookup, envICEServersJSON, "")
	logFormatStr := envOrDefault(lookup, envVarLogFormat, string(LogFormatText))
	logLevelStr := envOrDefault(lookup, envVarClientLogLevel, "warn")

	var portMin, portMax uint
	if raw, ok := lookup(envVarWebRTCPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return ClientConfig{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCPortMin, raw, err)
		}
		portMin = uint(p)
	}
	if raw, ok := lookup(envVarWebRTCPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return ClientConfig{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCPortMax, raw, err)
		}
		portMax = uint(p)
	}

	fs := flag.NewFlagSet("aero-call-client", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		noAudio     bool
		noVideo     bool
		dialTimeout = DefaultDialTimeout
	)
	fs.StringVar(&hubURL, "hub-url", hubURL, "Signaling hub WebSocket URL (env "+envVarHubURL+")")
	fs.StringVar(&name, "name", name, "Display name; prompted for when empty (env "+envVarName+")")
	fs.StringVar(&iceJSON, "ice-servers-json", iceJSON, "ICE server JSON config; fetched from the hub when empty ("+envICEServersJSON+")")
	fs.BoolVar(&noAudio, "no-audio", false, "Do not send audio")
	fs.BoolVar(&noVideo, "no-video", false, "Do not send video")
	fs.UintVar(&portMin, "webrtc-udp-port-min", portMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCPortMin+")")
	fs.UintVar(&portMax, "webrtc-udp-port-max", portMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCPortMax+")")
	fs.DurationVar(&dialTimeout, "dial-timeout", dialTimeout, "Hub WebSocket handshake timeout")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Diagnostic log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Diagnostic log level: debug, info, warn, error (env "+envVarClientLogLevel+")")

	if err := fs.Parse(args); err != nil {
		return ClientConfig{}, err
	}

	u, err := url.Parse(strings.TrimSpace(hubURL))
	if err != nil {
		return ClientConfig{}, fmt.Errorf("invalid %s/--hub-url %q: %w", envVarHubURL, hubURL, err)
	}
	if scheme := strings.ToLower(u.Scheme); scheme != "ws" && scheme != "wss" {
		return ClientConfig{}, fmt.Errorf("invalid %s/--hub-url %q (expected ws:// or wss://)", envVarHubURL, hubURL)
	}
	if u.Host == "" {
		return ClientConfig{}, fmt.Errorf("invalid %s/--hub-url %q (missing host)", envVarHubURL, hubURL)
	}
	if u.User != nil {
		return ClientConfig{}, fmt.Errorf("invalid %s/--hub-url %q (must not include credentials)", envVarHubURL, hubURL)
	}

	var iceServers []webrtc.ICEServer
	if strings.TrimSpace(iceJSON) != "" {
		iceServers, err = ParseICEServersJSON(iceJSON)
		if err != nil {
			return ClientConfig{}, fmt.Errorf("%s/--ice-servers-json: %w", envICEServersJSON, err)
		}
	}

	portRange, err := parsePortRange(portMin, portMax)
	if err != nil {
		return ClientConfig{}, err
	}

	if dialTimeout <= 0 {
		return ClientConfig{}, fmt.Errorf("--dial-timeout must be > 0")
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return ClientConfig{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return ClientConfig{}, err
	}

	return ClientConfig{
		HubURL:             strings.TrimSpace(hubURL),
		Name:               strings.TrimSpace(name),
		ICEServers:         iceServers,
		Audio:              !noAudio,
		Video:              !noVideo,
		WebRTCUDPPortRange: portRange,
		DialTimeout:        dialTimeout,
		LogFormat:          logFormat,
		LogLevel:           level,
	}, nil
}

// NewClientLogger writes diagnostics to stderr; stdout belongs to the
// interactive UI.
func NewClientLogger(cfg ClientConfig) (*slog.Logger, error) {
	return newLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)
}

func parsePortRange(minPort, maxPort uint) (*UDPPortRange, error) {
	if minPort == 0 && maxPort == 0 {
		return nil, nil
	}
	if minPort == 0 || maxPort == 0 {
		return nil, fmt.Errorf("%s/--webrtc-udp-port-min and %s/--webrtc-udp-port-max must be set together (or both unset)", envVarWebRTCPortMin, envVarWebRTCPortMax)
	}
	lo, err := parsePortUint(minPort)
	if err != nil {
		return nil, fmt.Errorf("%s/--webrtc-udp-port-min: %w", envVarWebRTCPortMin, err)
	}
	hi, err := parsePortUint(maxPort)
	if err != nil {
		return nil, fmt.Errorf("%s/--webrtc-udp-port-max: %w", envVarWebRTCPortMax, err)
	}
	if lo > hi {
		return nil, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", lo, hi)
	}
	if size := int(hi) - int(lo) + 1; size < recommendedWebRTCUDPPortRangeSize {
		return nil, fmt.Errorf("WebRTC UDP port range is too small: %d ports (min %d recommended)", size, recommendedWebRTCUDPPortRangeSize)
	}
	return &UDPPortRange{Min: lo, Max: hi}, nil
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}
