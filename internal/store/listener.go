package store

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
)

// RetryPolicy is a bounded backoff state machine: the delay doubles from Base
// until Cap, and the attempt counter lets callers escalate (log, resync)
// after MaxAttempts consecutive failures. Reset on success.
type RetryPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int

	attempts int
}

func (p *RetryPolicy) Next() time.Duration {
	delay := p.Base << p.attempts
	if delay > p.Cap || delay <= 0 {
		delay = p.Cap
	}
	if p.attempts < p.MaxAttempts {
		p.attempts++
	}
	return delay
}

func (p *RetryPolicy) Exhausted() bool {
	return p.attempts >= p.MaxAttempts
}

func (p *RetryPolicy) Reset() {
	p.attempts = 0
}

// Listener holds one dedicated connection in LISTEN mode and dispatches
// decoded change events. It shares nothing with the query pool so a slow
// query can never stall the feed.
type Listener struct {
	url      string
	channels []string
	handler  func(ChangeEvent)
	onResync func()
	retry    RetryPolicy
}

func NewListener(databaseURL string, channels ...string) *Listener {
	return &Listener{
		url:      databaseURL,
		channels: channels,
		retry:    RetryPolicy{Base: 250 * time.Millisecond, Cap: 30 * time.Second, MaxAttempts: 8},
	}
}

// OnEvent registers the event handler. The handler runs on the listener
// goroutine; it must not block.
func (l *Listener) OnEvent(fn func(ChangeEvent)) {
	l.handler = fn
}

// OnResync registers a callback invoked after every reconnect. Consumers use
// it to reload state that may have changed while the feed was down.
func (l *Listener) OnResync(fn func()) {
	l.onResync = fn
}

// Run blocks until ctx is cancelled. Connection loss never propagates as an
// error; the listener reconnects under the retry policy and signals resync.
func (l *Listener) Run(ctx context.Context) {
	connected := false
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := l.listen(ctx)
		if err != nil {
			delay := l.retry.Next()
			if l.retry.Exhausted() {
				log.Printf("change feed: still unreachable after repeated attempts, retrying in %s: %v", delay, err)
			} else {
				log.Printf("change feed: connect failed, retrying in %s: %v", delay, err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		l.retry.Reset()
		if connected && l.onResync != nil {
			// The feed was down; anything may have changed in the gap.
			l.onResync()
		}
		connected = true

		l.consume(ctx, conn)
		_ = conn.Close(context.Background())
	}
}

func (l *Listener) listen(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, l.url)
	if err != nil {
		return nil, err
	}
	for _, channel := range l.channels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
			_ = conn.Close(context.Background())
			return nil, err
		}
	}
	return conn, nil
}

func (l *Listener) consume(ctx context.Context, conn *pgx.Conn) {
	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("change feed: connection lost: %v", err)
			}
			return
		}

		var event ChangeEvent
		if err := json.Unmarshal([]byte(notification.Payload), &event); err != nil {
			log.Printf("change feed: dropping malformed payload on %s: %v", notification.Channel, err)
			continue
		}
		event.Channel = notification.Channel
		if l.handler != nil {
			l.handler(event)
		}
	}
}
