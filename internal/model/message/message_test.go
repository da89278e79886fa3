package message

import (
	"testing"
	"time"
)

func TestKeyIsOrderIndependent(t *testing.T) {
	if Key("u1", "u2") != Key("u2", "u1") {
		t.Fatalf("key should not depend on argument order")
	}
	if Key("u1", "u2") != "u1:u2" {
		t.Fatalf("unexpected key: %s", Key("u1", "u2"))
	}
}

func TestInConversation(t *testing.T) {
	msg := Message{SenderID: "a", ReceiverID: "b"}

	if !msg.InConversation("a", "b") || !msg.InConversation("b", "a") {
		t.Fatal("message should match its pair in either direction")
	}
	if msg.InConversation("a", "c") {
		t.Fatal("message should not match a different pair")
	}
}

func TestDecodeEventInsert(t *testing.T) {
	payload := []byte(`{"op":"INSERT","row":{"id":"m1","sender_id":"a","receiver_id":"b","content":"hej","read":false,"created_at":"2026-08-30T10:00:00Z"}}`)

	ev, err := DecodeEvent(payload)
	if err != nil {
		t.Fatalf("DecodeEvent err: %v", err)
	}
	if ev.Op != OpInsert || ev.Insert == nil || ev.Update != nil {
		t.Fatalf("expected insert variant, got %+v", ev)
	}
	if ev.Insert.ID != "m1" || ev.Insert.Content != "hej" {
		t.Fatalf("unexpected row: %+v", ev.Insert)
	}
}

func TestDecodeEventUpdate(t *testing.T) {
	payload := []byte(`{"op":"UPDATE","row":{"id":"m1","sender_id":"a","receiver_id":"b","read":true}}`)

	ev, err := DecodeEvent(payload)
	if err != nil {
		t.Fatalf("DecodeEvent err: %v", err)
	}
	if ev.Op != OpUpdate || ev.Update == nil || ev.Insert != nil {
		t.Fatalf("expected update variant, got %+v", ev)
	}
	if !ev.Update.Read {
		t.Fatal("expected read=true")
	}
}

func TestDecodeEventRejectsUnknownOp(t *testing.T) {
	if _, err := DecodeEvent([]byte(`{"op":"DELETE","row":{"id":"m1"}}`)); err == nil {
		t.Fatal("expected error for unknown op")
	}
}

func TestDecodeEventRejectsMissingIdentity(t *testing.T) {
	if _, err := DecodeEvent([]byte(`{"op":"INSERT","row":{"content":"x"}}`)); err == nil {
		t.Fatal("expected error for row without identity")
	}
	if _, err := DecodeEvent([]byte(`{"op":"UPDATE","row":{"read":true}}`)); err == nil {
		t.Fatal("expected error for update without id")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := Event{Op: OpInsert, Insert: &Message{
		ID:         "m7",
		SenderID:   "a",
		ReceiverID: "b",
		Content:    "Cześć",
		CreatedAt:  time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	}}

	raw, err := EncodeEvent(in)
	if err != nil {
		t.Fatalf("EncodeEvent err: %v", err)
	}
	out, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("DecodeEvent err: %v", err)
	}
	if out.Insert.ID != "m7" || out.Insert.Content != "Cześć" {
		t.Fatalf("round trip mismatch: %+v", out.Insert)
	}
}
