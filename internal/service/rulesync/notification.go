// Package rulesync propagates rule override changes between independent
// assistant contexts. A notification carries the whole override document;
// receivers swap their rule set in one step or ignore the notification.
package rulesync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrClosed is returned when publishing on a closed channel.
	ErrClosed = errors.New("sync channel closed")
	// ErrEcho is returned by an Applier for a notification that reports the
	// receiver's own write.
	ErrEcho = errors.New("notification echoes own write")
)

// Notification announces that the value under Key changed. An empty Payload
// means the key was removed.
type Notification struct {
	Key     string          `json:"key"`
	Origin  string          `json:"origin,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// Removed reports whether the notification announces a deletion.
func (n Notification) Removed() bool {
	trimmed := bytes.TrimSpace(n.Payload)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Handler receives notifications. Handlers run on the delivering goroutine
// and must not block.
type Handler func(ctx context.Context, n Notification)

// Publisher sends notifications to other contexts. Delivery is fire and
// forget.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// Subscriber delivers notifications produced elsewhere.
type Subscriber interface {
	Subscribe(h Handler) (cancel func())
}

// Channel is both ends of a transport.
type Channel interface {
	Publisher
	Subscriber
}

type fanout []Publisher

// Fanout publishes to every non-nil publisher and joins their errors.
func Fanout(publishers ...Publisher) Publisher {
	out := make(fanout, 0, len(publishers))
	for _, p := range publishers {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

func (f fanout) Publish(ctx context.Context, n Notification) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
