// Package webrtcpeer backs the call engine with pion: peer connections built
// from a shared webrtc.API, and synthetic local media tracks.
package webrtcpeer

import (
	"fmt"
	"log/slog"

	"github.com/pion/interceptor"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"
)

type Options struct {
	// Logger receives pion's internal logs. Defaults to slog.Default().
	Logger *slog.Logger

	// PortMin/PortMax restrict the UDP ports used for ICE. Both zero means
	// any port.
	PortMin uint16
	PortMax uint16

	// Net replaces the OS network stack, typically with a vnet.Net in tests.
	Net transport.Net
}

func NewAPI(opts Options) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}

	se := webrtc.SettingEngine{
		LoggerFactory: NewLoggerFactory(opts.Logger),
	}
	if err := ApplyNetworkSettings(&se, opts); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, opts Options) error {
	if opts.PortMin != 0 || opts.PortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(opts.PortMin, opts.PortMax); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}
	return nil
}
