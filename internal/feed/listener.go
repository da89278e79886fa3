// Package feed subscribes to the Postgres change feed for the messages
// table and dispatches typed events. Delivery is at-least-once while the
// connection is up; anything sent while the connection is down is gone,
// which is why clients resync with a cursor after a reconnect.
package feed

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/lokalnie/messaging/internal/model/message"
	"github.com/lokalnie/messaging/internal/store"
)

// Handler receives every decoded feed event. It runs on the listener
// goroutine and must not block.
type Handler func(message.Event)

// Listener owns one dedicated database connection in LISTEN mode and
// redials it with backoff when it drops.
type Listener struct {
	databaseURL string
	logger      zerolog.Logger
	handler     Handler
}

// NewListener returns a Listener that dispatches feed events to handler.
func NewListener(databaseURL string, logger zerolog.Logger, handler Handler) *Listener {
	return &Listener{
		databaseURL: databaseURL,
		logger:      logger.With().Str("component", "feed").Logger(),
		handler:     handler,
	}
}

// Run blocks until ctx is cancelled, listening and dispatching. Connection
// failures are retried with capped exponential backoff and are never
// surfaced to callers as errors.
func (l *Listener) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		connected, err := l.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			// The session got as far as LISTEN, so the accumulated delay
			// belongs to a resolved outage; start the schedule over.
			backoff = time.Second
		}

		l.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("feed connection lost, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff = nextBackoff(backoff)
	}
}

func nextBackoff(backoff time.Duration) time.Duration {
	backoff *= 2
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	return backoff
}

// listen reports whether the session reached LISTEN state before failing.
func (l *Listener) listen(ctx context.Context) (bool, error) {
	conn, err := pgx.Connect(ctx, l.databaseURL)
	if err != nil {
		return false, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+store.FeedChannel); err != nil {
		return false, err
	}

	l.logger.Info().Str("channel", store.FeedChannel).Msg("feed listening")

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return true, err
		}

		ev, err := message.DecodeEvent([]byte(notification.Payload))
		if err != nil {
			// Malformed payloads are dropped, not fatal; the table trigger
			// is the only writer so this indicates schema drift.
			l.logger.Error().Err(err).Msg("dropping undecodable feed payload")
			continue
		}

		l.handler(ev)
	}
}
