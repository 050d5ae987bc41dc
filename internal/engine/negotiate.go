package engine

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/protocol"
)

type pendingCandidate struct {
	from string
	init webrtc.ICECandidateInit
}

func (e *Engine) onMessage(l *link, msg protocol.Message) {
	if l != e.link {
		return
	}
	switch msg.Type {
	case protocol.TypeWelcome:
		e.selfID = msg.ID
	case protocol.TypeUserList:
		e.emit(MembershipChanged{Users: msg.Users})
	case protocol.TypeUserJoined:
		e.emit(ParticipantJoined{Name: msg.Name})
		e.onUserJoined(msg.Name)
	case protocol.TypeUserLeft:
		// The remote leaving the hub does not end an established call.
		e.emit(ParticipantLeft{Name: msg.Name})
	case protocol.TypeOffer:
		e.onOffer(msg)
	case protocol.TypeAnswer:
		e.onAnswer(msg)
	case protocol.TypeICECandidate:
		e.onRemoteCandidate(msg)
	case protocol.TypeChatMessage:
		e.emit(ChatReceived{Name: msg.Name, Text: msg.Text})
	case protocol.TypeError:
		e.log.Warn("hub reported error", "code", msg.Code, "message", msg.Message)
		e.emit(ErrorOccurred{Err: &HubError{Code: msg.Code, Message: msg.Message}})
	}
}

func (e *Engine) onUserJoined(name string) {
	if e.peer != nil {
		return
	}
	if e.media == nil {
		e.offerWhenReady = true
		return
	}
	e.log.Debug("participant joined, offering", "name", name)
	e.makeOffer()
}

// negotiationFailed reports an absorbed negotiation error. With teardown set,
// the half-built peer connection is discarded so the next offer starts clean.
func (e *Engine) negotiationFailed(op string, err error, teardown bool) {
	e.log.Debug("negotiation error", "op", op, "err", err)
	e.emit(ErrorOccurred{Err: newError(KindNegotiation, op, err)})
	if teardown {
		e.dropPeer()
	}
}

func (e *Engine) ensurePeer() (created bool, err error) {
	if e.peer != nil {
		return false, nil
	}
	e.peerSeq++
	seq := e.peerSeq
	p, err := e.cfg.Peers.NewPeer(PeerHandlers{
		OnICECandidate: func(c webrtc.ICECandidateInit) {
			e.post(func() { e.onLocalCandidate(seq, c) })
		},
		OnTrack: func(t *webrtc.TrackRemote) {
			e.post(func() {
				if e.currentPeer(seq) {
					e.emit(RemoteTrackReceived{Track: t})
				}
			})
		},
		OnConnectionStateChange: func(s webrtc.PeerConnectionState) {
			e.post(func() { e.onPeerState(seq, s) })
		},
	})
	if err != nil {
		return false, err
	}
	for _, track := range e.media.Tracks() {
		if err := p.AddTrack(track); err != nil {
			_ = p.Close()
			return false, fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
	}
	e.peer = p
	e.remoteDescSet = false
	return true, nil
}

func (e *Engine) currentPeer(seq uint64) bool {
	return e.peer != nil && seq == e.peerSeq
}

func (e *Engine) dropPeer() {
	if e.peer != nil {
		_ = e.peer.Close()
		e.peer = nil
	}
	e.role = RoleNone
	e.remote = ""
	e.remoteDescSet = false
	e.offerOutstanding = false
}

func (e *Engine) makeOffer() {
	if e.link == nil {
		return
	}
	if _, err := e.ensurePeer(); err != nil {
		e.negotiationFailed("create peer", err, false)
		return
	}
	offer, err := e.peer.CreateOffer()
	if err != nil {
		e.negotiationFailed("create offer", err, true)
		return
	}
	if err := e.peer.SetLocalDescription(offer); err != nil {
		e.negotiationFailed("set local offer", err, true)
		return
	}
	raw, err := protocol.EncodeSessionDescription(offer)
	if err != nil {
		e.negotiationFailed("encode offer", err, true)
		return
	}
	e.link.send(e.callCtx, protocol.Message{Type: protocol.TypeOffer, SDP: raw})
	e.role = RoleOfferer
	e.offerOutstanding = true
	e.log.Debug("sent offer")
}

func (e *Engine) onOffer(msg protocol.Message) {
	if e.offerCollides(msg.From) {
		if e.selfID >= msg.From {
			e.log.Debug("offer collision, keeping own offer", "from", msg.From, "self", e.selfID)
			return
		}
		e.log.Debug("offer collision, yielding", "from", msg.From, "self", e.selfID)
		e.dropPeer()
	}
	if e.peer != nil && e.remote != msg.From {
		// Either a call with someone else is up, or our own offer is
		// outstanding. At most one call per engine.
		e.log.Debug("ignoring offer", "from", msg.From, "remote", e.remote, "role", e.role)
		return
	}
	desc, err := protocol.DecodeSessionDescription(msg.SDP)
	if err == nil && desc.Type != webrtc.SDPTypeOffer {
		err = fmt.Errorf("sdp type %q in offer", desc.Type)
	}
	if err != nil {
		e.negotiationFailed("remote offer", err, false)
		return
	}

	if e.media == nil {
		parked := msg
		e.parkedOffer = &parked
		if !e.acquiring {
			e.acquire()
		}
		e.log.Debug("offer parked until local media is ready", "from", msg.From)
		return
	}

	created, err := e.ensurePeer()
	if err != nil {
		e.negotiationFailed("create peer", err, false)
		return
	}
	if err := e.peer.SetRemoteDescription(desc); err != nil {
		e.negotiationFailed("set remote offer", err, created)
		return
	}
	e.remoteDescSet = true

	answer, err := e.peer.CreateAnswer()
	if err != nil {
		e.negotiationFailed("create answer", err, created)
		return
	}
	if err := e.peer.SetLocalDescription(answer); err != nil {
		e.negotiationFailed("set local answer", err, created)
		return
	}
	raw, err := protocol.EncodeSessionDescription(answer)
	if err != nil {
		e.negotiationFailed("encode answer", err, created)
		return
	}
	if e.link != nil {
		e.link.send(e.callCtx, protocol.Message{Type: protocol.TypeAnswer, SDP: raw, Target: msg.From})
	}
	e.remote = msg.From
	e.role = RoleAnswerer
	e.offerWhenReady = false
	e.log.Debug("sent answer", "target", msg.From)
	e.drainCandidates()
}

// offerCollides reports whether an offer from the given handle crossed our own
// unanswered offer. The lower handle yields.
func (e *Engine) offerCollides(from string) bool {
	return e.peer != nil && e.role == RoleOfferer && e.offerOutstanding && e.remote == "" && from != ""
}

func (e *Engine) onAnswer(msg protocol.Message) {
	if e.peer == nil || e.role != RoleOfferer || !e.offerOutstanding || e.state == StateConnected {
		// Late delivery after a teardown or a racing second answerer.
		e.log.Debug("discarding answer", "from", msg.From, "state", e.state, "role", e.role)
		return
	}
	desc, err := protocol.DecodeSessionDescription(msg.SDP)
	if err == nil && desc.Type != webrtc.SDPTypeAnswer {
		err = fmt.Errorf("sdp type %q in answer", desc.Type)
	}
	if err != nil {
		e.negotiationFailed("remote answer", err, false)
		return
	}
	if err := e.peer.SetRemoteDescription(desc); err != nil {
		e.negotiationFailed("set remote answer", err, false)
		return
	}
	e.remoteDescSet = true
	e.offerOutstanding = false
	e.remote = msg.From
	e.setState(StateConnected)
	e.drainCandidates()
}

func (e *Engine) onRemoteCandidate(msg protocol.Message) {
	init, err := protocol.DecodeICECandidate(msg.Candidate)
	if err != nil {
		e.negotiationFailed("remote candidate", err, false)
		return
	}
	if init.Candidate == "" {
		return
	}
	if e.remote != "" && msg.From != e.remote {
		e.log.Debug("ignoring candidate from non-remote", "from", msg.From, "remote", e.remote)
		return
	}
	if e.peer != nil && e.remoteDescSet {
		e.applyCandidate(init)
		return
	}
	if len(e.pending) >= e.cfg.MaxPendingCandidates {
		e.negotiationFailed("remote candidate", errBufferFull, false)
		return
	}
	e.pending = append(e.pending, pendingCandidate{from: msg.From, init: init})
}

// drainCandidates applies buffered candidates from the remote in arrival
// order and forgets the rest.
func (e *Engine) drainCandidates() {
	pending := e.pending
	e.pending = nil
	for _, c := range pending {
		if c.from != e.remote {
			continue
		}
		e.applyCandidate(c.init)
	}
}

func (e *Engine) applyCandidate(init webrtc.ICECandidateInit) {
	if err := e.peer.AddICECandidate(init); err != nil {
		e.negotiationFailed("add remote candidate", err, false)
	}
}

func (e *Engine) onLocalCandidate(seq uint64, c webrtc.ICECandidateInit) {
	if !e.currentPeer(seq) || e.link == nil {
		return
	}
	raw, err := protocol.EncodeICECandidate(c)
	if err != nil {
		e.log.Debug("encode local candidate", "err", err)
		return
	}
	e.link.send(e.callCtx, protocol.Message{Type: protocol.TypeICECandidate, Candidate: raw})
}

func (e *Engine) onPeerState(seq uint64, s webrtc.PeerConnectionState) {
	if !e.currentPeer(seq) {
		return
	}
	e.log.Debug("peer connection state", "state", s.String())
	switch s {
	case webrtc.PeerConnectionStateConnected:
		if e.state == StateNegotiating {
			e.setState(StateConnected)
		}
	case webrtc.PeerConnectionStateFailed:
		e.endCall("peer connection failed")
	}
}
