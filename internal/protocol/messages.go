package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

type MessageType string

const (
	// Hub -> client.
	TypeWelcome    MessageType = "welcome"
	TypeUserList   MessageType = "userList"
	TypeUserJoined MessageType = "userJoined"
	TypeUserLeft   MessageType = "userLeft"
	TypeError      MessageType = "error"

	// Client -> hub. Offer, answer, candidate and chat are also relayed back
	// out by the hub with addressing metadata attached.
	TypeJoin         MessageType = "join"
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "iceCandidate"
	TypeChatMessage  MessageType = "chatMessage"
)

// Error codes carried by TypeError messages.
const (
	CodeBadMessage  = "bad_message"
	CodeRateLimited = "rate_limited"
	CodeRoomFull    = "room_full"
	CodeNotJoined   = "not_joined"
	CodeInternal    = "internal_error"
)

// Message is the envelope for every frame in either direction.
//
// Which fields may be set depends on Type and on the direction of travel; see
// Validate.
type Message struct {
	Type MessageType `json:"type"`

	ID    string   `json:"id,omitempty"`
	Name  string   `json:"name,omitempty"`
	Users []string `json:"users,omitempty"`

	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	From   string `json:"from,omitempty"`
	Target string `json:"target,omitempty"`

	Text string `json:"text,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

var (
	ErrTrailingData     = errors.New("protocol: unexpected trailing data")
	ErrUnsupportedType  = errors.New("protocol: unsupported message type")
	ErrMissingField     = errors.New("protocol: missing required field")
	ErrUnexpectedField  = errors.New("protocol: unexpected field")
	ErrPayloadNotObject = errors.New("protocol: payload must be a JSON object")
)

// Direction selects which side of the connection a message is being validated
// for. The same type can carry different fields on the way in and out.
type Direction int

const (
	// ClientToHub validates frames a participant sends.
	ClientToHub Direction = iota
	// HubToClient validates frames the hub emits.
	HubToClient
)

// ParseMessage strictly decodes a single frame and validates it for dir.
//
// Unknown fields and trailing data are rejected.
func ParseMessage(data []byte, dir Direction) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, ErrTrailingData
	}
	if err := msg.Validate(dir); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Validate checks that m carries exactly the fields its type allows when
// travelling in dir.
func (m Message) Validate(dir Direction) error {
	allowed, required, ok := fieldRules(m.Type, dir)
	if !ok {
		return fmt.Errorf("%w %q", ErrUnsupportedType, m.Type)
	}

	for _, f := range required {
		if !m.has(f) {
			return fmt.Errorf("%w: %s message missing %s", ErrMissingField, m.Type, f)
		}
	}
	for _, f := range allFields {
		if m.has(f) && !containsField(allowed, f) {
			return fmt.Errorf("%w: %s message has %s", ErrUnexpectedField, m.Type, f)
		}
	}

	if m.has(fieldSDP) && !isJSONObject(m.SDP) {
		return fmt.Errorf("%w: sdp", ErrPayloadNotObject)
	}
	if m.has(fieldCandidate) && !isJSONObject(m.Candidate) {
		return fmt.Errorf("%w: candidate", ErrPayloadNotObject)
	}
	return nil
}

type field string

const (
	fieldID        field = "id"
	fieldName      field = "name"
	fieldUsers     field = "users"
	fieldSDP       field = "sdp"
	fieldCandidate field = "candidate"
	fieldFrom      field = "from"
	fieldTarget    field = "target"
	fieldText      field = "text"
	fieldCode      field = "code"
	fieldMessage   field = "message"
)

var allFields = []field{
	fieldID, fieldName, fieldUsers, fieldSDP, fieldCandidate,
	fieldFrom, fieldTarget, fieldText, fieldCode, fieldMessage,
}

func (m Message) has(f field) bool {
	switch f {
	case fieldID:
		return m.ID != ""
	case fieldName:
		return m.Name != ""
	case fieldUsers:
		return m.Users != nil
	case fieldSDP:
		return len(m.SDP) > 0
	case fieldCandidate:
		return len(m.Candidate) > 0
	case fieldFrom:
		return m.From != ""
	case fieldTarget:
		return m.Target != ""
	case fieldText:
		return m.Text != ""
	case fieldCode:
		return m.Code != ""
	case fieldMessage:
		return m.Message != ""
	default:
		return false
	}
}

// fieldRules returns the allowed and required fields for a type in a given
// direction. ok is false when the type may not travel in that direction.
func fieldRules(t MessageType, dir Direction) (allowed, required []field, ok bool) {
	if dir == ClientToHub {
		switch t {
		case TypeJoin:
			return []field{fieldName}, []field{fieldName}, true
		case TypeOffer:
			return []field{fieldSDP}, []field{fieldSDP}, true
		case TypeAnswer:
			return []field{fieldSDP, fieldTarget}, []field{fieldSDP, fieldTarget}, true
		case TypeICECandidate:
			return []field{fieldCandidate}, []field{fieldCandidate}, true
		case TypeChatMessage:
			return []field{fieldText}, []field{fieldText}, true
		}
		return nil, nil, false
	}

	switch t {
	case TypeWelcome:
		return []field{fieldID}, []field{fieldID}, true
	case TypeUserList:
		// An empty roster is legal, so users is allowed but not required.
		return []field{fieldUsers}, nil, true
	case TypeUserJoined, TypeUserLeft:
		return []field{fieldName}, []field{fieldName}, true
	case TypeOffer:
		return []field{fieldSDP, fieldFrom}, []field{fieldSDP, fieldFrom}, true
	case TypeAnswer:
		return []field{fieldSDP, fieldFrom}, []field{fieldSDP, fieldFrom}, true
	case TypeICECandidate:
		return []field{fieldCandidate, fieldFrom}, []field{fieldCandidate, fieldFrom}, true
	case TypeChatMessage:
		return []field{fieldName, fieldText}, []field{fieldName, fieldText}, true
	case TypeError:
		return []field{fieldCode, fieldMessage}, []field{fieldCode, fieldMessage}, true
	}
	return nil, nil, false
}

func containsField(fields []field, f field) bool {
	for _, x := range fields {
		if x == f {
			return true
		}
	}
	return false
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) >= 2 && trimmed[0] == '{' && json.Valid(trimmed)
}
