// Package guard enforces the outbound-message policy: length bounds,
// self-messaging, a per-sender rate window and a per-conversation spam
// window. Verdicts are typed so callers can match on the code instead of
// parsing error text.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/lokalnie/messaging/internal/config"
	"github.com/lokalnie/messaging/internal/model/message"
)

// Code identifies a policy denial. The set is closed; clients map each
// code to a user-facing message and never retry automatically.
type Code string

const (
	CodeRateLimit   Code = "rate-limit-exceeded"
	CodeSpam        Code = "per-conversation-spam"
	CodeTooShort    Code = "too-short"
	CodeTooLong     Code = "too-long"
	CodeSelfMessage Code = "self-message"
)

// Rejection is a policy denial. It implements error so it can flow through
// ordinary error returns, but it is a verdict, not a failure.
type Rejection struct {
	Code Code
	// UserMessage is the Polish end-user text for this denial.
	UserMessage string
}

func (r *Rejection) Error() string {
	return "send rejected: " + string(r.Code)
}

// AsRejection unwraps a guard verdict from an error chain, if present.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// CounterStore tracks how many messages were stored inside a sliding
// window. Implementations must make Count cheap; Increment is called once
// per accepted message.
type CounterStore interface {
	Count(ctx context.Context, key string) (int64, error)
	Increment(ctx context.Context, key string, ttl time.Duration) error
}

// Guard evaluates the send policy. Counters live server-side; clients only
// ever see the verdicts.
type Guard struct {
	counters CounterStore
	cfg      config.GuardConfig
}

// New returns a Guard using the given counter store and policy.
func New(counters CounterStore, cfg config.GuardConfig) *Guard {
	return &Guard{counters: counters, cfg: cfg}
}

// Check evaluates every policy rule for an outbound message. A nil return
// means the message may be stored. A *Rejection return is a denial; any
// other error is an infrastructure failure and not a verdict.
func (g *Guard) Check(ctx context.Context, sender, receiver, content string) error {
	if sender == receiver {
		return g.reject(CodeSelfMessage)
	}

	length := utf8.RuneCountInString(content)
	if length < g.cfg.MinLength {
		return g.reject(CodeTooShort)
	}
	if length > g.cfg.MaxLength {
		return g.reject(CodeTooLong)
	}

	sent, err := g.counters.Count(ctx, rateKey(sender))
	if err != nil {
		return fmt.Errorf("read rate counter: %w", err)
	}
	if sent >= int64(g.cfg.RateLimit) {
		return g.reject(CodeRateLimit)
	}

	inConversation, err := g.counters.Count(ctx, spamKey(sender, receiver))
	if err != nil {
		return fmt.Errorf("read spam counter: %w", err)
	}
	if inConversation >= int64(g.cfg.SpamLimit) {
		return g.reject(CodeSpam)
	}

	return nil
}

// Record counts a stored message against both windows. Only accepted and
// persisted messages count, matching the store-side policy the windows
// describe.
func (g *Guard) Record(ctx context.Context, sender, receiver string) error {
	if err := g.counters.Increment(ctx, rateKey(sender), g.cfg.RateWindow); err != nil {
		return fmt.Errorf("increment rate counter: %w", err)
	}
	if err := g.counters.Increment(ctx, spamKey(sender, receiver), g.cfg.SpamWindow); err != nil {
		return fmt.Errorf("increment spam counter: %w", err)
	}
	return nil
}

func (g *Guard) reject(code Code) *Rejection {
	return &Rejection{Code: code, UserMessage: g.userMessage(code)}
}

func (g *Guard) userMessage(code Code) string {
	switch code {
	case CodeRateLimit:
		return fmt.Sprintf("Wysłałeś zbyt wiele wiadomości. Maksymalnie %d wiadomości na godzinę. Poczekaj chwilę.", g.cfg.RateLimit)
	case CodeSpam:
		return fmt.Sprintf("Wysyłasz zbyt wiele wiadomości do tej osoby. Maksymalnie %d wiadomości w ciągu %d minut.", g.cfg.SpamLimit, int(g.cfg.SpamWindow.Minutes()))
	case CodeTooShort:
		return fmt.Sprintf("Wiadomość jest zbyt krótka (minimum %d znaków).", g.cfg.MinLength)
	case CodeTooLong:
		return fmt.Sprintf("Wiadomość jest zbyt długa (maksimum %d znaków).", g.cfg.MaxLength)
	case CodeSelfMessage:
		return "Nie możesz wysłać wiadomości do siebie."
	default:
		return "Nie udało się wysłać wiadomości."
	}
}

func rateKey(sender string) string {
	return "guard:rate:" + sender
}

func spamKey(sender, receiver string) string {
	return "guard:spam:" + sender + ":" + message.Key(sender, receiver)
}
