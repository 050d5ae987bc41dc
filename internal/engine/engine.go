// Package engine is the participant-side call state machine.
//
// An Engine owns one hub connection, at most one peer connection and the
// local media feeding it. All of that state lives on a single loop goroutine;
// API calls, hub messages, media results and peer callbacks are serialized
// through one FIFO queue, so handlers never need locks.
//
// The participant already in the room offers when someone joins. A newcomer
// waits to be offered to. Remote candidates that arrive before a remote
// description are buffered per sender and applied once the matching
// description is set.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/protocol"
)

const DefaultMaxPendingCandidates = 256

var (
	errEngineClosed = errors.New("engine closed")
	errCallEnded    = errors.New("call ended")
	errNoHub        = errors.New("not connected to hub")
	errBufferFull   = errors.New("pending candidate buffer full")
)

type Config struct {
	Dialer Dialer
	Media  MediaSource
	Peers  PeerFactory

	// MaxPendingCandidates bounds remote candidates buffered before a remote
	// description is set. Defaults to DefaultMaxPendingCandidates.
	MaxPendingCandidates int

	Logger *slog.Logger
}

type Engine struct {
	cfg Config
	log *slog.Logger

	inbox    *queue[func()]
	events   *queue[Event]
	out      chan Event
	loopDone chan struct{}

	closeOnce sync.Once

	viewMu sync.Mutex
	view   view

	// Everything below is owned by the loop goroutine.

	state  State
	role   Role
	selfID string
	name   string

	// gen is bumped by every new call and every teardown. Async results
	// tagged with an older generation are discarded.
	gen        uint64
	callCtx    context.Context
	cancelCall context.CancelFunc
	startReply chan error

	link    *link
	dialing bool

	media     LocalMedia
	acquiring bool

	peer             Peer
	peerSeq          uint64
	remote           string
	remoteDescSet    bool
	offerOutstanding bool
	offerWhenReady   bool
	parkedOffer      *protocol.Message
	pending          []pendingCandidate
}

type view struct {
	state  State
	role   Role
	selfID string
}

func New(cfg Config) *Engine {
	if cfg.MaxPendingCandidates <= 0 {
		cfg.MaxPendingCandidates = DefaultMaxPendingCandidates
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:      cfg,
		log:      logger,
		inbox:    newQueue[func()](),
		events:   newQueue[Event](),
		out:      make(chan Event),
		loopDone: make(chan struct{}),
	}
	go e.loop()
	go e.pump()
	return e
}

func (e *Engine) loop() {
	defer close(e.loopDone)
	e.inbox.consume(func(fn func()) {
		fn()
		e.publish()
	})
}

func (e *Engine) pump() {
	defer close(e.out)
	e.events.consume(func(ev Event) {
		e.out <- ev
	})
}

// post schedules fn on the loop. It reports false once the engine is closed.
func (e *Engine) post(fn func()) bool {
	return e.inbox.push(fn)
}

// do runs fn on the loop and waits for it. Never call it from the loop.
func (e *Engine) do(fn func()) bool {
	done := make(chan struct{})
	if !e.post(func() {
		fn()
		e.publish()
		close(done)
	}) {
		return false
	}
	<-done
	return true
}

func (e *Engine) publish() {
	e.viewMu.Lock()
	e.view = view{state: e.state, role: e.role, selfID: e.selfID}
	e.viewMu.Unlock()
}

func (e *Engine) emit(ev Event) {
	e.events.push(ev)
}

func (e *Engine) setState(s State) {
	if s == e.state {
		return
	}
	from := e.state
	e.state = s
	e.publish()
	e.log.Debug("call state changed", "from", from, "to", s)
	e.emit(StateChanged{From: from, To: s})
}

// Events delivers engine events in order. The channel is closed by Close once
// every queued event has been received, so callers must keep draining it.
func (e *Engine) Events() <-chan Event { return e.out }

func (e *Engine) State() State {
	e.viewMu.Lock()
	defer e.viewMu.Unlock()
	return e.view.state
}

func (e *Engine) Role() Role {
	e.viewMu.Lock()
	defer e.viewMu.Unlock()
	return e.view.role
}

// SelfID is the handle the hub assigned to this participant, or "" before the
// welcome arrives.
func (e *Engine) SelfID() string {
	e.viewMu.Lock()
	defer e.viewMu.Unlock()
	return e.view.selfID
}

// StartCall connects to the hub, joins under name and acquires local media.
// It returns once media is held and the engine has either sent an offer or
// is waiting to receive one.
//
// After a MediaAccess failure the engine stays in StateAwaitingLocalMedia and
// StartCall may be called again to retry the acquisition.
func (e *Engine) StartCall(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return newError(KindValidation, "startCall", errors.New("display name must not be empty"))
	}

	reply := make(chan error, 1)
	if !e.do(func() { e.startCall(ctx, name, reply) }) {
		return newError(KindInvalidState, "startCall", errEngineClosed)
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return newError(KindInvalidState, "startCall", ctx.Err())
	}
}

func (e *Engine) startCall(ctx context.Context, name string, reply chan error) {
	switch {
	case e.startReply != nil:
		reply <- newError(KindInvalidState, "startCall", errors.New("call already starting"))
	case e.state == StateIdle || e.state == StateClosed:
		e.beginCall(ctx, name, reply)
	case e.state == StateAwaitingLocalMedia && e.media == nil && !e.acquiring:
		e.startReply = reply
		e.acquire()
	default:
		reply <- newError(KindInvalidState, "startCall", fmt.Errorf("cannot start a call while %s", e.state))
	}
}

func (e *Engine) beginCall(ctx context.Context, name string, reply chan error) {
	e.gen++
	gen := e.gen
	e.callCtx, e.cancelCall = context.WithCancel(context.Background())
	e.startReply = reply
	e.name = name
	e.dialing = true

	callCtx := e.callCtx
	go func() {
		dctx, cancel := context.WithCancel(ctx)
		stop := context.AfterFunc(callCtx, cancel)
		tr, err := e.cfg.Dialer.Dial(dctx)
		stop()
		cancel()
		if !e.post(func() { e.onDialed(gen, tr, err) }) && err == nil {
			_ = tr.Close()
		}
	}()
}

func (e *Engine) onDialed(gen uint64, tr Transport, err error) {
	if gen != e.gen {
		if err == nil {
			_ = tr.Close()
		}
		return
	}
	e.dialing = false
	if err != nil {
		e.cancelCall()
		e.setState(StateIdle)
		e.completeStart(newError(KindTransport, "startCall", err))
		return
	}

	e.link = e.newLink(tr)
	e.link.send(e.callCtx, protocol.Message{Type: protocol.TypeJoin, Name: e.name})
	e.setState(StateAwaitingLocalMedia)
	e.acquire()
}

func (e *Engine) acquire() {
	e.acquiring = true
	gen, ctx := e.gen, e.callCtx
	go func() {
		m, err := e.cfg.Media.Acquire(ctx)
		if !e.post(func() { e.onMedia(gen, m, err) }) && err == nil {
			m.Release()
		}
	}()
}

func (e *Engine) onMedia(gen uint64, m LocalMedia, err error) {
	if gen != e.gen {
		if err == nil {
			m.Release()
		}
		return
	}
	e.acquiring = false
	if err != nil {
		merr := newError(KindMediaAccess, "acquire media", err)
		e.log.Warn("local media unavailable", "err", err)
		if !e.completeStart(merr) {
			e.emit(ErrorOccurred{Err: merr})
		}
		return
	}

	e.media = m
	e.setState(StateNegotiating)
	switch {
	case e.parkedOffer != nil:
		offer := *e.parkedOffer
		e.parkedOffer = nil
		e.onOffer(offer)
	case e.offerWhenReady:
		e.offerWhenReady = false
		e.makeOffer()
	}
	e.completeStart(nil)
}

// completeStart answers a pending StartCall. It reports whether one was
// pending.
func (e *Engine) completeStart(err error) bool {
	if e.startReply == nil {
		return false
	}
	e.publish()
	e.startReply <- err
	e.startReply = nil
	return true
}

// ToggleAudio flips the local audio tracks and returns the new state. It
// returns false when no media is held.
func (e *Engine) ToggleAudio() bool { return e.toggle(MediaAudio) }

// ToggleVideo is ToggleAudio for video tracks.
func (e *Engine) ToggleVideo() bool { return e.toggle(MediaVideo) }

func (e *Engine) toggle(kind MediaKind) bool {
	var enabled bool
	e.do(func() {
		if e.media == nil {
			return
		}
		enabled = e.media.SetEnabled(kind, !e.media.Enabled(kind))
		e.log.Debug("toggled local media", "kind", kind, "enabled", enabled)
	})
	return enabled
}

// SendChat queues text for the hub. Delivery failures surface as
// ErrorOccurred events.
func (e *Engine) SendChat(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return newError(KindValidation, "sendChat", errors.New("message must not be empty"))
	}

	var err error
	if !e.do(func() {
		if e.link == nil {
			err = newError(KindInvalidState, "sendChat", errNoHub)
			return
		}
		e.link.send(ctx, protocol.Message{Type: protocol.TypeChatMessage, Text: text})
	}) {
		return newError(KindInvalidState, "sendChat", errEngineClosed)
	}
	return err
}

// EndCall tears the call down from any state. Calling it again is a no-op.
func (e *Engine) EndCall() {
	e.do(func() { e.endCall("hung up") })
}

func (e *Engine) endCall(reason string) {
	if e.state == StateClosed {
		return
	}
	e.gen++
	if e.cancelCall != nil {
		e.cancelCall()
		e.cancelCall = nil
	}

	if e.media != nil {
		e.media.Release()
		e.media = nil
	}
	e.dropPeer()
	if e.link != nil {
		e.link.close()
		e.link = nil
	}

	e.dialing = false
	e.acquiring = false
	e.offerWhenReady = false
	e.parkedOffer = nil
	e.pending = nil
	e.selfID = ""

	e.completeStart(newError(KindInvalidState, "startCall", errCallEnded))
	e.setState(StateClosed)
	e.log.Info("call ended", "reason", reason)
	e.emit(CallEnded{Reason: reason})
}

// Close ends the call, stops the loop and closes Events after the remaining
// events are delivered.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.do(func() { e.endCall("engine closed") })
		e.inbox.close()
		<-e.loopDone
		e.events.close()
	})
}
