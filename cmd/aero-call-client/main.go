// Command aero-call-client is a terminal participant: it joins a hub, places
// or answers the call with synthetic Opus/VP8 media, and relays stdin as
// chat.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/engine"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/webrtcpeer"
)

const iceFetchTimeout = 5 * time.Second

func main() {
	cfg, err := config.LoadClient(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewClientLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ClientConfig, logger *slog.Logger) error {
	name := cfg.Name
	for name == "" {
		raw, err := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Your name").
			Show()
		if err != nil {
			return err
		}
		name = strings.TrimSpace(raw)
		pterm.Println()
	}

	iceServers := cfg.ICEServers
	if iceServers == nil {
		fetchCtx, cancel := context.WithTimeout(ctx, iceFetchTimeout)
		servers, err := fetchICEServers(fetchCtx, nil, cfg.ICEEndpoint())
		cancel()
		if err != nil {
			logger.Warn("could not fetch ICE servers from hub; using defaults", "endpoint", cfg.ICEEndpoint(), "err", err)
			servers = config.DefaultICEServers()
		}
		iceServers = servers
	}

	opts := webrtcpeer.Options{Logger: logger}
	if r := cfg.WebRTCUDPPortRange; r != nil {
		opts.PortMin, opts.PortMax = r.Min, r.Max
	}
	api, err := webrtcpeer.NewAPI(opts)
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}

	e := engine.New(engine.Config{
		Dialer: signaling.Dialer{
			URL:     cfg.HubURL,
			Options: signaling.DialOptions{HandshakeTimeout: cfg.DialTimeout},
		},
		Media:  webrtcpeer.SyntheticMedia{Audio: cfg.Audio, Video: cfg.Video},
		Peers:  &webrtcpeer.PeerFactory{API: api, ICEServers: iceServers},
		Logger: logger,
	})

	ui := &renderer{}
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		for ev := range e.Events() {
			ui.render(ev)
		}
	}()
	// Close ends the call and closes Events; wait for the last lines to print.
	defer func() {
		e.Close()
		<-rendered
	}()

	pterm.Info.Printfln("joining %s as %s", cfg.HubURL, name)
	if err := e.StartCall(ctx, name); err != nil {
		return describeStartError(err)
	}
	pterm.Info.Println("type /help for commands")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			e.EndCall()
			return nil
		case line, ok := <-lines:
			if !ok || handleLine(ctx, e, ui, line) {
				e.EndCall()
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, e *engine.Engine, ui *renderer, line string) (quit bool) {
	cmd := parseCommand(line)
	switch cmd.kind {
	case cmdEmpty:
	case cmdChat:
		if err := e.SendChat(ctx, cmd.arg); err != nil {
			pterm.Warning.Println(describeError(err))
		}
	case cmdToggleAudio:
		pterm.Info.Printfln("audio %s", onOff(e.ToggleAudio()))
	case cmdToggleVideo:
		pterm.Info.Printfln("video %s", onOff(e.ToggleVideo()))
	case cmdUsers:
		pterm.Info.Println(ui.roster())
	case cmdHelp:
		pterm.Println(helpText)
	case cmdQuit:
		return true
	case cmdUnknown:
		pterm.Warning.Printfln("unknown command /%s (try /help)", cmd.arg)
	}
	return false
}

func describeStartError(err error) error {
	switch {
	case errors.Is(err, engine.ErrMediaAccess):
		return fmt.Errorf("could not open local media (try --no-video or --no-audio): %w", err)
	case errors.Is(err, engine.ErrTransport):
		return fmt.Errorf("could not reach the hub: %w", err)
	case errors.Is(err, engine.ErrValidation):
		return fmt.Errorf("invalid input: %w", err)
	default:
		return err
	}
}
