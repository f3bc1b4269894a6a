// Package rules owns the active response rule set of one assistant context.
package rules

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/zhouzirui/canned-assistant/backend/internal/model/rule"
	"github.com/zhouzirui/canned-assistant/backend/internal/service/rulesync"
	"github.com/zhouzirui/canned-assistant/backend/internal/storage"
)

// OverrideKey is the storage key of the administrator override document.
const OverrideKey = "assistant.rules.override"

// ErrNotReady is returned by Current before the first Load.
var ErrNotReady = errors.New("rules not loaded")

// Options configures a Store. Every field is optional.
type Options struct {
	Storage   storage.Store
	Defaults  Fetcher
	Publisher rulesync.Publisher
	// Origin identifies this context in published notifications.
	Origin string
	Logger *zap.Logger
	Now    func() time.Time
}

// Store holds the sorted rule set and keeps it in step with storage and
// other contexts.
type Store struct {
	storage   storage.Store
	defaults  Fetcher
	publisher rulesync.Publisher
	origin    string
	logger    *zap.Logger
	now       func() time.Time

	group singleflight.Group

	// mut serializes mutations so a slow resolution cannot clobber a newer
	// Replace. pub is taken before mut is released so notifications leave in
	// swap order.
	mut sync.Mutex
	pub sync.Mutex
	// written is the override state this store last put in storage.
	written *writeRecord

	mu        sync.RWMutex
	rules     rule.Set
	source    rule.Source
	ready     bool
	observers []func(rule.Set, rule.Source)
}

type writeRecord struct {
	payload []byte
	removed bool
}

// NewStore builds a store. Nothing is read until Load.
func NewStore(opts Options) *Store {
	if opts.Storage == nil {
		opts.Storage = storage.NewMemory()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		storage:   opts.Storage,
		defaults:  opts.Defaults,
		publisher: opts.Publisher,
		origin:    opts.Origin,
		logger:    opts.Logger,
		now:       opts.Now,
	}
}

// Load returns the active rule set, resolving it on first use from the
// override, then the default source, then the embedded seed. It never fails;
// concurrent first calls share one resolution.
func (s *Store) Load(ctx context.Context) rule.Set {
	s.mu.RLock()
	if s.ready {
		out := s.rules.Clone()
		s.mu.RUnlock()
		return out
	}
	s.mu.RUnlock()
	return s.resolveShared(ctx, "load")
}

// Reload re-runs the resolution chain regardless of the current state.
func (s *Store) Reload(ctx context.Context) rule.Set {
	return s.resolveShared(ctx, "reload")
}

func (s *Store) resolveShared(ctx context.Context, key string) rule.Set {
	v, _, _ := s.group.Do(key, func() (any, error) {
		s.mut.Lock()
		defer s.mut.Unlock()
		set, source := s.resolve(ctx, true)
		s.swap(set, source)
		return set, nil
	})
	return v.(rule.Set).Clone()
}

func (s *Store) resolve(ctx context.Context, withOverride bool) (rule.Set, rule.Source) {
	if withOverride {
		doc, ok, err := s.Override(ctx)
		switch {
		case err != nil:
			s.logger.Warn("ignoring rule override", zap.Error(err))
		case ok:
			return doc.Rules.Sorted(), rule.SourceOverride
		}
	}

	if s.defaults != nil {
		set, err := s.fetchDefaults(ctx)
		if err == nil {
			return set, rule.SourceDefault
		}
		s.logger.Warn("default rules unavailable, using embedded rules", zap.Error(err))
	}

	return rule.Seed().Sorted(), rule.SourceEmbedded
}

func (s *Store) fetchDefaults(ctx context.Context) (rule.Set, error) {
	data, format, err := s.defaults.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := rule.ParseDocument(data, format)
	if err != nil {
		return nil, err
	}
	return doc.Rules.Sorted(), nil
}

// Override reads the persisted override document, if any.
func (s *Store) Override(ctx context.Context) (rule.OverrideDocument, bool, error) {
	data, ok, err := s.storage.Get(ctx, OverrideKey)
	if err != nil || !ok {
		return rule.OverrideDocument{}, false, err
	}
	doc, err := rule.ParseOverride(data)
	if err != nil {
		return rule.OverrideDocument{}, false, err
	}
	return doc, true, nil
}

// Current returns the active rule set.
func (s *Store) Current() (rule.Set, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return nil, ErrNotReady
	}
	return s.rules.Clone(), nil
}

// Source reports where the active rule set came from.
func (s *Store) Source() rule.Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.source
}

// Ready reports whether a rule set is active.
func (s *Store) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// Replace installs set as the administrator override. The override is
// persisted and announced to other contexts. Only an invalid set is an error.
func (s *Store) Replace(ctx context.Context, set rule.Set) error {
	if err := set.Validate(); err != nil {
		return err
	}
	sorted := set.Sorted()

	data, err := rule.NewOverride(sorted, s.now()).Encode()
	if err != nil {
		return fmt.Errorf("encode override: %w", err)
	}

	s.mut.Lock()
	if err := s.storage.Set(ctx, OverrideKey, data); err != nil {
		s.logger.Warn("override not persisted", zap.Error(err))
	}
	s.written = &writeRecord{payload: data}
	s.swap(sorted, rule.SourceOverride)
	s.pub.Lock()
	s.mut.Unlock()
	defer s.pub.Unlock()

	s.logger.Info("rules replaced", zap.Int("count", len(sorted)))
	s.publish(ctx, data)
	return nil
}

// ResetOverride drops the override and falls back to the default chain.
func (s *Store) ResetOverride(ctx context.Context) rule.Set {
	s.mut.Lock()
	if err := s.storage.Delete(ctx, OverrideKey); err != nil {
		s.logger.Warn("override not removed from storage", zap.Error(err))
	}
	s.written = &writeRecord{removed: true}
	set, source := s.resolve(ctx, false)
	s.swap(set, source)
	s.pub.Lock()
	s.mut.Unlock()
	defer s.pub.Unlock()

	s.logger.Info("rule override reset", zap.String("source", string(source)))
	s.publish(ctx, nil)
	return set.Clone()
}

// Apply swaps in the rules carried by a notification from another context.
// A malformed payload is rejected and the active rules stay untouched. A
// notification that only echoes this store's own last write returns
// rulesync.ErrEcho and changes nothing.
func (s *Store) Apply(ctx context.Context, n rulesync.Notification) error {
	if n.Key != OverrideKey {
		return nil
	}

	s.mut.Lock()
	defer s.mut.Unlock()
	if s.echoes(n) {
		return rulesync.ErrEcho
	}

	if n.Removed() {
		set, source := s.resolve(ctx, false)
		s.written = nil
		s.swap(set, source)
		return nil
	}

	doc, err := rule.ParseOverride(n.Payload)
	if err != nil {
		return err
	}
	s.written = nil
	s.swap(doc.Rules.Sorted(), rule.SourceSync)
	return nil
}

func (s *Store) echoes(n rulesync.Notification) bool {
	if s.written == nil {
		return false
	}
	if n.Removed() {
		return s.written.removed
	}
	return !s.written.removed && bytes.Equal(bytes.TrimSpace(n.Payload), bytes.TrimSpace(s.written.payload))
}

// OnChange registers fn to run after every swap of the active rule set. fn
// runs while the store serializes mutations and must not mutate the store.
func (s *Store) OnChange(fn func(rule.Set, rule.Source)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *Store) swap(set rule.Set, source rule.Source) {
	s.mu.Lock()
	s.rules = set
	s.source = source
	s.ready = true
	observers := slices.Clone(s.observers)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(set.Clone(), source)
	}
}

func (s *Store) publish(ctx context.Context, payload []byte) {
	if s.publisher == nil {
		return
	}
	err := s.publisher.Publish(ctx, rulesync.Notification{
		Key:     OverrideKey,
		Origin:  s.origin,
		Payload: payload,
		At:      s.now().UTC(),
	})
	if err != nil {
		s.logger.Warn("rule notification not delivered", zap.Error(err))
	}
}
