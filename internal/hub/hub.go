// Package hub implements the signaling hub: the membership registry of
// connected participants and the per-kind addressing used to relay
// negotiation and chat messages between them.
//
// The hub never interprets negotiation payloads. It attaches sender handles,
// resolves targets, and broadcasts full roster snapshots after every
// membership change.
package hub

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/protocol"
)

// ConnID is the opaque handle the hub assigns to a transport connection. It is
// unique for the connection's lifetime and never reused.
type ConnID string

// Conn is the hub's view of one transport connection.
type Conn interface {
	// Send enqueues msg for delivery and must not block. A false return means
	// the connection cannot accept more messages; the transport is expected to
	// tear itself down and call Disconnect.
	Send(msg protocol.Message) bool
}

var (
	ErrEmptyName   = errors.New("hub: display name must not be empty")
	ErrUnknownConn = errors.New("hub: unknown connection")
	ErrRoomFull    = errors.New("hub: room is full")
)

// UnknownSender is the chat sender name used when the relaying connection is
// not (or no longer) in the registry.
const UnknownSender = "unknown"

type Config struct {
	// MaxParticipants caps registry size. <= 0 means unlimited.
	MaxParticipants int

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// NewID overrides handle generation (tests). Defaults to random UUIDs.
	NewID func() ConnID
}

type member struct {
	conn   Conn
	name   string
	joined bool
}

// Hub owns the membership registry. All registry reads and writes happen under
// mu; a join or leave holds the write lock across both the mutation and the
// enqueueing of the resulting snapshot, so no two membership changes can
// interleave with each other's broadcast.
type Hub struct {
	log             *slog.Logger
	metrics         *metrics.Metrics
	maxParticipants int
	newID           func() ConnID

	mu       sync.RWMutex
	members  map[ConnID]*member
	attached []ConnID // attach order
	roster   []ConnID // join order
}

func New(cfg Config) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newID := cfg.NewID
	if newID == nil {
		newID = func() ConnID { return ConnID(uuid.NewString()) }
	}
	return &Hub{
		log:             logger,
		metrics:         cfg.Metrics,
		maxParticipants: cfg.MaxParticipants,
		newID:           newID,
		members:         make(map[ConnID]*member),
	}
}

// Attach registers a freshly connected transport and sends it its handle. The
// connection receives broadcasts from now on but is not part of the roster
// until it joins.
func (h *Hub) Attach(conn Conn) ConnID {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.newID()
	h.members[id] = &member{conn: conn}
	h.attached = append(h.attached, id)
	conn.Send(protocol.Message{Type: protocol.TypeWelcome, ID: string(id)})

	h.updateGaugesLocked()
	h.log.Debug("hub attach", "conn_id", id, "connections", len(h.attached))
	return id
}

// Join records id's display name. Joining again under the same handle renames
// the participant in place.
func (h *Hub) Join(id ConnID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.members[id]
	if !ok {
		return ErrUnknownConn
	}
	if !m.joined {
		if h.maxParticipants > 0 && len(h.roster) >= h.maxParticipants {
			h.metrics.Inc(metrics.RoomFull)
			return ErrRoomFull
		}
		m.joined = true
		h.roster = append(h.roster, id)
	}
	m.name = name

	h.broadcastRosterLocked()
	notice := protocol.Message{Type: protocol.TypeUserJoined, Name: name}
	for _, c := range h.connsExceptLocked(id) {
		c.Send(notice)
	}

	h.metrics.Inc(metrics.Join)
	h.updateGaugesLocked()
	h.log.Debug("hub join", "conn_id", id, "name", name, "participants", len(h.roster))
	return nil
}

// Disconnect removes id from the hub. Remaining connections receive the new
// roster followed by a userLeft notice if id had joined. Unknown or already
// removed handles are ignored.
func (h *Hub) Disconnect(id ConnID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.members[id]
	if !ok {
		return
	}
	delete(h.members, id)
	h.attached = lo.Without(h.attached, id)

	if m.joined {
		h.roster = lo.Without(h.roster, id)
		h.broadcastRosterLocked()
		notice := protocol.Message{Type: protocol.TypeUserLeft, Name: m.name}
		for _, c := range h.connsExceptLocked("") {
			c.Send(notice)
		}
	}

	h.metrics.Inc(metrics.Disconnect)
	h.updateGaugesLocked()
	h.log.Debug("hub disconnect", "conn_id", id, "name", m.name, "joined", m.joined, "participants", len(h.roster))
}

// RelayOffer forwards an offer to every connection except the sender.
func (h *Hub) RelayOffer(from ConnID, sdp json.RawMessage) error {
	recipients, err := h.othersOf(from)
	if err != nil {
		return err
	}
	msg := protocol.Message{Type: protocol.TypeOffer, SDP: sdp, From: string(from)}
	for _, c := range recipients {
		c.Send(msg)
	}
	h.metrics.Inc(metrics.OfferRelayed)
	h.log.Debug("hub relay offer", "from", from, "recipients", len(recipients))
	return nil
}

// RelayAnswer forwards an answer to exactly one connection. An answer to a
// handle that is gone is stale and dropped without error.
func (h *Hub) RelayAnswer(from, target ConnID, sdp json.RawMessage) error {
	h.mu.RLock()
	_, senderOK := h.members[from]
	dst, targetOK := h.members[target]
	h.mu.RUnlock()

	if !senderOK {
		return ErrUnknownConn
	}
	if !targetOK {
		h.metrics.Inc(metrics.AnswerDroppedStale)
		h.log.Debug("hub drop stale answer", "from", from, "target", target)
		return nil
	}
	dst.conn.Send(protocol.Message{Type: protocol.TypeAnswer, SDP: sdp, From: string(from)})
	h.metrics.Inc(metrics.AnswerRelayed)
	return nil
}

// RelayICECandidate forwards a candidate to every connection except the
// sender.
func (h *Hub) RelayICECandidate(from ConnID, candidate json.RawMessage) error {
	recipients, err := h.othersOf(from)
	if err != nil {
		return err
	}
	msg := protocol.Message{Type: protocol.TypeICECandidate, Candidate: candidate, From: string(from)}
	for _, c := range recipients {
		c.Send(msg)
	}
	h.metrics.Inc(metrics.CandidateRelayed)
	return nil
}

// RelayChat broadcasts text to every connection, the sender included, under
// the sender's registered name.
func (h *Hub) RelayChat(from ConnID, text string) {
	h.mu.RLock()
	name := UnknownSender
	if m, ok := h.members[from]; ok && m.joined {
		name = m.name
	}
	recipients := h.connsExceptLocked("")
	h.mu.RUnlock()

	msg := protocol.Message{Type: protocol.TypeChatMessage, Name: name, Text: text}
	for _, c := range recipients {
		c.Send(msg)
	}
	h.metrics.Inc(metrics.ChatRelayed)
}

// Users returns the current roster in join order.
func (h *Hub) Users() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rosterNamesLocked()
}

type Stats struct {
	Connections  int
	Participants int
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{Connections: len(h.attached), Participants: len(h.roster)}
}

func (h *Hub) othersOf(from ConnID) ([]Conn, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.members[from]; !ok {
		return nil, ErrUnknownConn
	}
	return h.connsExceptLocked(from), nil
}

func (h *Hub) connsExceptLocked(except ConnID) []Conn {
	return lo.FilterMap(h.attached, func(id ConnID, _ int) (Conn, bool) {
		return h.members[id].conn, id != except
	})
}

func (h *Hub) rosterNamesLocked() []string {
	return lo.Map(h.roster, func(id ConnID, _ int) string {
		return h.members[id].name
	})
}

func (h *Hub) broadcastRosterLocked() {
	users := h.rosterNamesLocked()
	for _, id := range h.attached {
		// Each recipient gets its own slice so transports may retain it.
		h.members[id].conn.Send(protocol.Message{
			Type:  protocol.TypeUserList,
			Users: append([]string(nil), users...),
		})
	}
}

func (h *Hub) updateGaugesLocked() {
	h.metrics.SetMembership(len(h.attached), len(h.roster))
}
