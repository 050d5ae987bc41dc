package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

var (
	ErrInvalidSDPType = errors.New("protocol: invalid session description type")
	ErrMissingSDP     = errors.New("protocol: missing session description sdp")
)

// SDP is the JSON form of a session description, matching the browser
// RTCSessionDescriptionInit shape.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %q", ErrInvalidSDPType, s.Type)
	}
	if s.SDP == "" {
		return webrtc.SessionDescription{}, ErrMissingSDP
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate is the JSON form of an ICE candidate, matching the browser
// RTCIceCandidateInit shape.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// EncodeSessionDescription marshals a pion description into a message payload.
func EncodeSessionDescription(desc webrtc.SessionDescription) (json.RawMessage, error) {
	return json.Marshal(SDPFromPion(desc))
}

// DecodeSessionDescription parses an sdp payload and checks it is usable as
// an offer or answer.
func DecodeSessionDescription(raw json.RawMessage) (webrtc.SessionDescription, error) {
	var s SDP
	if err := decodeStrict(raw, &s); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("decode sdp: %w", err)
	}
	return s.ToPion()
}

// EncodeICECandidate marshals a pion candidate into a message payload.
func EncodeICECandidate(init webrtc.ICECandidateInit) (json.RawMessage, error) {
	return json.Marshal(CandidateFromPion(init))
}

// DecodeICECandidate parses a candidate payload. An empty candidate string is
// valid and signals end-of-candidates.
func DecodeICECandidate(raw json.RawMessage) (webrtc.ICECandidateInit, error) {
	var c Candidate
	if err := decodeStrict(raw, &c); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("decode candidate: %w", err)
	}
	return c.ToPion(), nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return ErrTrailingData
	}
	return nil
}
