package main

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pterm/pterm"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/engine"
)

type commandKind int

const (
	cmdChat commandKind = iota
	cmdToggleAudio
	cmdToggleVideo
	cmdUsers
	cmdHelp
	cmdQuit
	cmdEmpty
	cmdUnknown
)

type command struct {
	kind commandKind
	arg  string
}

// parseCommand reads one stdin line. Lines starting with "/" are commands;
// anything else is chat.
func parseCommand(line string) command {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{kind: cmdEmpty}
	}
	if !strings.HasPrefix(line, "/") {
		return command{kind: cmdChat, arg: line}
	}
	name, _, _ := strings.Cut(line[1:], " ")
	switch strings.ToLower(name) {
	case "audio", "mute":
		return command{kind: cmdToggleAudio}
	case "video", "camera":
		return command{kind: cmdToggleVideo}
	case "users", "who":
		return command{kind: cmdUsers}
	case "help", "?":
		return command{kind: cmdHelp}
	case "quit", "exit", "hangup":
		return command{kind: cmdQuit}
	default:
		return command{kind: cmdUnknown, arg: name}
	}
}

const helpText = `/audio   toggle microphone
/video   toggle camera
/users   list participants
/quit    hang up and exit
anything else is sent as chat`

// renderer turns engine events into terminal lines and remembers the last
// roster for /users.
type renderer struct {
	mu    sync.Mutex
	users []string
}

func (r *renderer) render(ev engine.Event) {
	switch ev := ev.(type) {
	case engine.StateChanged:
		switch ev.To {
		case engine.StateConnected:
			pterm.Success.Println("call connected")
		case engine.StateNegotiating:
			pterm.Info.Println("in the call, negotiating media...")
		}
	case engine.MembershipChanged:
		r.mu.Lock()
		r.users = append([]string(nil), ev.Users...)
		r.mu.Unlock()
	case engine.ParticipantJoined:
		pterm.Info.Printfln("%s joined", ev.Name)
	case engine.ParticipantLeft:
		pterm.Info.Printfln("%s left", ev.Name)
	case engine.ChatReceived:
		pterm.Println(pterm.FgCyan.Sprint(ev.Name) + ": " + ev.Text)
	case engine.RemoteTrackReceived:
		pterm.Success.Printfln("receiving remote %s (%s)", ev.Track.Kind(), ev.Track.Codec().MimeType)
	case engine.ErrorOccurred:
		pterm.Warning.Println(describeError(ev.Err))
	case engine.CallEnded:
		pterm.Info.Printfln("call ended: %s", ev.Reason)
	}
}

func (r *renderer) roster() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.users) == 0 {
		return "nobody has joined yet"
	}
	return strings.Join(r.users, ", ")
}

func describeError(err error) string {
	var hubErr *engine.HubError
	switch {
	case errors.As(err, &hubErr):
		return fmt.Sprintf("hub rejected a message: %s", hubErr.Message)
	case errors.Is(err, engine.ErrTransport):
		return fmt.Sprintf("lost connection to hub: %v", err)
	case errors.Is(err, engine.ErrMediaAccess):
		return fmt.Sprintf("could not open media: %v", err)
	default:
		return err.Error()
	}
}

func onOff(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}
