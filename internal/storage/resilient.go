package storage

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Resilient wraps a primary store. The first medium failure is logged once and
// the store continues in memory for the rest of the process: writes land in
// memory, reads prefer memory and fall back to whatever the primary can still
// return. Callers never see ErrUnavailable from it.
type Resilient struct {
	primary Store
	memory  *Memory
	logger  *zap.Logger

	mu       sync.RWMutex
	degraded bool
	deleted  map[string]struct{}
	once     sync.Once
}

// NewResilient wraps primary. A nil logger disables logging.
func NewResilient(primary Store, logger *zap.Logger) *Resilient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resilient{
		primary: primary,
		memory:  NewMemory(),
		logger:  logger,
		deleted: make(map[string]struct{}),
	}
}

// Degraded reports whether the store has fallen back to memory.
func (r *Resilient) Degraded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.degraded
}

func (r *Resilient) degrade(op, key string, err error) {
	r.mu.Lock()
	r.degraded = true
	r.mu.Unlock()
	r.once.Do(func() {
		r.logger.Warn("storage unavailable, continuing in memory only",
			zap.String("op", op), zap.String("key", key), zap.Error(err))
	})
}

func (r *Resilient) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	if r.Degraded() {
		if value, ok, _ := r.memory.Get(ctx, key); ok {
			return value, true, nil
		}
		r.mu.RLock()
		_, gone := r.deleted[key]
		r.mu.RUnlock()
		if gone {
			return nil, false, nil
		}
	}
	value, ok, err := r.primary.Get(ctx, key)
	if err != nil {
		r.degrade("get", key, err)
		return nil, false, nil
	}
	return value, ok, nil
}

func (r *Resilient) Set(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if !r.Degraded() {
		err := r.primary.Set(ctx, key, value)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrInvalidKey) {
			return err
		}
		r.degrade("set", key, err)
	}
	r.mu.Lock()
	delete(r.deleted, key)
	r.mu.Unlock()
	return r.memory.Set(ctx, key, value)
}

func (r *Resilient) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if !r.Degraded() {
		err := r.primary.Delete(ctx, key)
		if err == nil {
			return nil
		}
		r.degrade("delete", key, err)
	}
	r.mu.Lock()
	r.deleted[key] = struct{}{}
	r.mu.Unlock()
	return r.memory.Delete(ctx, key)
}

func (r *Resilient) Close() error {
	return r.primary.Close()
}
