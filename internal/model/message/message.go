package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Message is one row of the durable messages table. The id and created_at
// are store-assigned; read is the only field that changes after insert and
// it only ever goes unread→read.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Content    string    `json:"content"`
	ListingID  string    `json:"listing_id,omitempty"`
	Read       bool      `json:"read"`
	CreatedAt  time.Time `json:"created_at"`
}

// ConversationKey returns the canonical key of the thread this message
// belongs to.
func (m Message) ConversationKey() string {
	return Key(m.SenderID, m.ReceiverID)
}

// InConversation reports whether the message belongs to the two-party
// thread between a and b, in either direction.
func (m Message) InConversation(a, b string) bool {
	return (m.SenderID == a && m.ReceiverID == b) ||
		(m.SenderID == b && m.ReceiverID == a)
}

// Key derives the conversation key for two participants. The pair is
// unordered, so both sides compute the same key without a lookup.
func Key(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// Op is the change-feed operation kind.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
)

// ReadUpdate carries the mutable part of an UPDATE event. The participant
// ids are included so subscribers can scope the event to a conversation
// without a store round trip.
type ReadUpdate struct {
	ID         string `json:"id"`
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	Read       bool   `json:"read"`
}

// InConversation reports whether the update belongs to the thread between
// a and b.
func (u ReadUpdate) InConversation(a, b string) bool {
	return (u.SenderID == a && u.ReceiverID == b) ||
		(u.SenderID == b && u.ReceiverID == a)
}

// Event is the closed union of change-feed payloads. Exactly one of
// Insert/Update is set, matching Op.
type Event struct {
	Op     Op
	Insert *Message
	Update *ReadUpdate
}

// eventWire is the raw feed payload shape shared by NOTIFY and the
// websocket frames.
type eventWire struct {
	Op  Op              `json:"op"`
	Row json.RawMessage `json:"row"`
}

// DecodeEvent validates a raw feed payload and returns the typed event.
// Unknown operations and malformed rows are rejected here so nothing
// downstream has to trust the payload structurally.
func DecodeEvent(data []byte) (Event, error) {
	var wire eventWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return Event{}, fmt.Errorf("decode feed event: %w", err)
	}

	switch wire.Op {
	case OpInsert:
		var row Message
		if err := json.Unmarshal(wire.Row, &row); err != nil {
			return Event{}, fmt.Errorf("decode insert row: %w", err)
		}
		if row.ID == "" || row.SenderID == "" || row.ReceiverID == "" {
			return Event{}, fmt.Errorf("insert row missing identity fields")
		}
		return Event{Op: OpInsert, Insert: &row}, nil
	case OpUpdate:
		var row ReadUpdate
		if err := json.Unmarshal(wire.Row, &row); err != nil {
			return Event{}, fmt.Errorf("decode update row: %w", err)
		}
		if row.ID == "" {
			return Event{}, fmt.Errorf("update row missing id")
		}
		return Event{Op: OpUpdate, Update: &row}, nil
	default:
		return Event{}, fmt.Errorf("unknown feed operation %q", wire.Op)
	}
}

// EncodeEvent serializes an event into the shared wire shape.
func EncodeEvent(ev Event) ([]byte, error) {
	var row any
	switch ev.Op {
	case OpInsert:
		if ev.Insert == nil {
			return nil, fmt.Errorf("insert event without row")
		}
		row = ev.Insert
	case OpUpdate:
		if ev.Update == nil {
			return nil, fmt.Errorf("update event without row")
		}
		row = ev.Update
	default:
		return nil, fmt.Errorf("unknown feed operation %q", ev.Op)
	}

	raw, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventWire{Op: ev.Op, Row: raw})
}

// NormalizeUserID trims surrounding whitespace from a user id so mixed
// input from headers and payloads compares equal.
func NormalizeUserID(id string) string {
	return strings.TrimSpace(id)
}
