package rulesync

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// NoticeRulesUpdated is emitted after a remote change was applied.
const NoticeRulesUpdated = "rules_updated"

// Notice is a non-blocking, informational message for a user-facing surface.
type Notice struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Applier swaps in the rule set carried by a notification. It returns an
// error, and keeps its previous rules, when the payload is malformed.
type Applier interface {
	Apply(ctx context.Context, n Notification) error
}

// Listener connects a subscriber to a rule store.
type Listener struct {
	key     string
	origin  string
	target  Applier
	notices *Notices
	logger  *zap.Logger
}

// NewListener applies notifications for key that did not originate from
// origin. notices may be nil.
func NewListener(key, origin string, target Applier, notices *Notices, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		key:     key,
		origin:  origin,
		target:  target,
		notices: notices,
		logger:  logger,
	}
}

// Attach subscribes the listener and returns the unsubscribe function.
func (l *Listener) Attach(sub Subscriber) func() {
	return sub.Subscribe(l.Handle)
}

// Handle processes one notification.
func (l *Listener) Handle(ctx context.Context, n Notification) {
	if n.Key != l.key {
		return
	}
	if n.Origin != "" && n.Origin == l.origin {
		return
	}
	if err := l.target.Apply(ctx, n); err != nil {
		if errors.Is(err, ErrEcho) {
			l.logger.Debug("skipping own rule notification", zap.String("origin", n.Origin))
			return
		}
		l.logger.Warn("ignoring rule notification", zap.String("origin", n.Origin), zap.Error(err))
		return
	}
	l.logger.Info("rules updated from another context", zap.String("origin", n.Origin), zap.Bool("removed", n.Removed()))
	if l.notices != nil {
		l.notices.Emit(Notice{
			Kind:    NoticeRulesUpdated,
			Message: "Response rules were updated.",
			At:      time.Now().UTC(),
		})
	}
}

// Notices fans notices out to surfaces. Slow receivers miss notices instead
// of blocking the sender.
type Notices struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Notice
}

// NewNotices returns an empty broker.
func NewNotices() *Notices {
	return &Notices{subs: make(map[int]chan Notice)}
}

// Subscribe returns a buffered receive channel and its cancel function.
func (n *Notices) Subscribe() (<-chan Notice, func()) {
	ch := make(chan Notice, 8)
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = ch
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
			close(ch)
		})
	}
}

// Emit delivers notice to every subscriber with room in its buffer.
func (n *Notices) Emit(notice Notice) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, ch := range n.subs {
		select {
		case ch <- notice:
		default:
		}
	}
}
