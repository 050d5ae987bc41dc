package engine

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/protocol"
)

type State int

const (
	StateIdle State = iota
	StateAwaitingLocalMedia
	StateNegotiating
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingLocalMedia:
		return "awaiting_local_media"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Role records which side of the offer/answer exchange this participant took
// for the current call.
type Role int

const (
	RoleNone Role = iota
	RoleOfferer
	RoleAnswerer
)

func (r Role) String() string {
	switch r {
	case RoleOfferer:
		return "offerer"
	case RoleAnswerer:
		return "answerer"
	default:
		return "none"
	}
}

type MediaKind int

const (
	MediaAudio MediaKind = iota
	MediaVideo
)

func (k MediaKind) String() string {
	if k == MediaVideo {
		return "video"
	}
	return "audio"
}

// Transport is one connection to the hub.
type Transport interface {
	Send(ctx context.Context, msg protocol.Message) error
	// Recv blocks for the next hub message. It returns an error once the
	// connection is gone.
	Recv() (protocol.Message, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// LocalMedia is the capability object for acquired local tracks.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	// SetEnabled mutes or unmutes every track of kind and returns the
	// resulting state. It returns false when no track of kind is held.
	SetEnabled(kind MediaKind, enabled bool) bool
	Enabled(kind MediaKind) bool
	// Release stops all tracks. Calls after the first are no-ops.
	Release()
}

type MediaSource interface {
	Acquire(ctx context.Context) (LocalMedia, error)
}

// PeerHandlers are invoked from the peer's own goroutines.
type PeerHandlers struct {
	OnICECandidate          func(webrtc.ICECandidateInit)
	OnTrack                 func(*webrtc.TrackRemote)
	OnConnectionStateChange func(webrtc.PeerConnectionState)
}

// Peer is the subset of a WebRTC peer connection the engine drives.
type Peer interface {
	AddTrack(track webrtc.TrackLocal) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	Close() error
}

type PeerFactory interface {
	NewPeer(handlers PeerHandlers) (Peer, error)
}

// Event is delivered on Engine.Events.
type Event interface {
	event()
}

type StateChanged struct {
	From, To State
}

// MembershipChanged carries the full roster after any join or leave.
type MembershipChanged struct {
	Users []string
}

type ParticipantJoined struct {
	Name string
}

type ParticipantLeft struct {
	Name string
}

type ChatReceived struct {
	Name string
	Text string
}

type RemoteTrackReceived struct {
	Track *webrtc.TrackRemote
}

// ErrorOccurred reports a failure that did not come back from an API call:
// absorbed negotiation errors, transport loss and hub error frames.
type ErrorOccurred struct {
	Err error
}

type CallEnded struct {
	Reason string
}

func (StateChanged) event()        {}
func (MembershipChanged) event()   {}
func (ParticipantJoined) event()   {}
func (ParticipantLeft) event()     {}
func (ChatReceived) event()        {}
func (RemoteTrackReceived) event() {}
func (ErrorOccurred) event()       {}
func (CallEnded) event()           {}
