package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/protocol"
)

const waitTimeout = 2 * time.Second

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport is a Transport whose hub side is driven by the test.
type fakeTransport struct {
	sent chan protocol.Message
	in   chan protocol.Message

	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sent:   make(chan protocol.Message, 256),
		in:     make(chan protocol.Message, 256),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) Send(ctx context.Context, msg protocol.Message) error {
	select {
	case <-t.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case t.sent <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *fakeTransport) Recv() (protocol.Message, error) {
	select {
	case msg := <-t.in:
		return msg, nil
	case <-t.closed:
		return protocol.Message{}, io.EOF
	}
}

func (t *fakeTransport) Close() error {
	t.closes.Add(1)
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) deliver(msg protocol.Message) { t.in <- msg }

// fakeDialer hands out transports in order, then fails.
type fakeDialer struct {
	mu    sync.Mutex
	next  []*fakeTransport
	err   error
	dials int
}

func (d *fakeDialer) Dial(ctx context.Context) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	if len(d.next) == 0 {
		return nil, errors.New("no transport")
	}
	tr := d.next[0]
	d.next = d.next[1:]
	return tr, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeMedia struct {
	mu       sync.Mutex
	enabled  map[MediaKind]bool
	releases atomic.Int32
}

func newFakeMedia(kinds ...MediaKind) *fakeMedia {
	m := &fakeMedia{enabled: make(map[MediaKind]bool)}
	for _, k := range kinds {
		m.enabled[k] = true
	}
	return m
}

func (m *fakeMedia) Tracks() []webrtc.TrackLocal { return nil }

func (m *fakeMedia) SetEnabled(kind MediaKind, enabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.enabled[kind]; !ok {
		return false
	}
	m.enabled[kind] = enabled
	return enabled
}

func (m *fakeMedia) Enabled(kind MediaKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled[kind]
}

func (m *fakeMedia) Release() { m.releases.Add(1) }

// fakeSource returns one result per Acquire: errs[i] if set, otherwise a new
// fakeMedia. With gate set, each Acquire waits for a value on it.
type fakeSource struct {
	mu       sync.Mutex
	errs     []error
	gate     chan struct{}
	acquired []*fakeMedia
	calls    int
}

func (s *fakeSource) Acquire(ctx context.Context) (LocalMedia, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			// Ignore cancellation so tests can observe late results.
			<-s.gate
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	m := newFakeMedia(MediaAudio, MediaVideo)
	s.acquired = append(s.acquired, m)
	return m, nil
}

func (s *fakeSource) media(i int) *fakeMedia {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.acquired) {
		return nil
	}
	return s.acquired[i]
}

type fakePeer struct {
	handlers PeerHandlers
	// localCandidate, if set, is emitted once a local description is set.
	localCandidate string

	mu         sync.Mutex
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	applied    []string
	violations int
	closes     int
}

func (p *fakePeer) AddTrack(webrtc.TrackLocal) error { return nil }

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 fake offer"}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return webrtc.SessionDescription{}, errors.New("answer without remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 fake answer"}, nil
}

func (p *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	p.local = &desc
	connect := p.remote != nil
	p.mu.Unlock()

	if p.localCandidate != "" {
		go p.handlers.OnICECandidate(webrtc.ICECandidateInit{Candidate: p.localCandidate})
	}
	if connect {
		go p.handlers.OnConnectionStateChange(webrtc.PeerConnectionStateConnected)
	}
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = &desc
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		p.violations++
		return errors.New("candidate before remote description")
	}
	if c.Candidate == "bad" {
		return errors.New("unparseable candidate")
	}
	p.applied = append(p.applied, c.Candidate)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

func (p *fakePeer) snapshot() (applied []string, violations int, hasRemote bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.applied...), p.violations, p.remote != nil
}

type fakeFactory struct {
	localCandidate string

	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakeFactory) NewPeer(h PeerHandlers) (Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{handlers: h, localCandidate: f.localCandidate}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *fakeFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

// recorder drains an engine's events so the pump never blocks.
type recorder struct {
	ch   chan Event
	done chan struct{}
	mu   sync.Mutex
	seen []Event
}

func record(e *Engine) *recorder {
	r := &recorder{ch: make(chan Event, 1024), done: make(chan struct{})}
	go func() {
		defer close(r.done)
		for ev := range e.Events() {
			r.mu.Lock()
			r.seen = append(r.seen, ev)
			r.mu.Unlock()
			r.ch <- ev
		}
		close(r.ch)
	}()
	return r
}

// waitClosed blocks until the engine has closed its event channel.
func (r *recorder) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(waitTimeout):
		t.Fatalf("timeout waiting for event channel to close")
	}
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.seen...)
}

func waitEvent[T Event](t *testing.T, r *recorder, match func(T) bool) T {
	t.Helper()
	timer := time.NewTimer(waitTimeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-r.ch:
			if !ok {
				var zero T
				t.Fatalf("event stream closed while waiting for %T", zero)
			}
			if typed, ok := ev.(T); ok && (match == nil || match(typed)) {
				return typed
			}
		case <-timer.C:
			var zero T
			t.Fatalf("timeout waiting for %T", zero)
		}
	}
}

func waitSent(t *testing.T, tr *fakeTransport, typ protocol.MessageType) protocol.Message {
	t.Helper()
	timer := time.NewTimer(waitTimeout)
	defer timer.Stop()
	for {
		select {
		case msg := <-tr.sent:
			if msg.Type == typ {
				return msg
			}
		case <-timer.C:
			t.Fatalf("timeout waiting for %s to be sent", typ)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitState(t *testing.T, e *Engine, want State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return e.State() == want })
}

var flushSeq atomic.Int64

// flush delivers a marker chat message and waits for it to surface, so every
// message delivered before it has been handled by the loop.
func flush(t *testing.T, tr *fakeTransport, r *recorder) {
	t.Helper()
	marker := fmt.Sprintf("flush-%d", flushSeq.Add(1))
	tr.deliver(protocol.Message{Type: protocol.TypeChatMessage, Name: "test", Text: marker})
	waitEvent(t, r, func(ev ChatReceived) bool { return ev.Text == marker })
}
