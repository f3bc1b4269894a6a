package rulesync

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zhouzirui/canned-assistant/backend/internal/storage"
)

const testKey = "assistant.rules.override"

type recorder struct {
	mu  sync.Mutex
	got []Notification
	err error
}

func (r *recorder) Apply(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.got = append(r.got, n)
	return nil
}

func (r *recorder) Handle(_ context.Context, n Notification) {
	_ = r.Apply(context.Background(), n)
}

func (r *recorder) received() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}

func TestBusDeliversUntilCancelled(t *testing.T) {
	bus := NewBus()
	rec := &recorder{}
	cancel := bus.Subscribe(rec.Handle)

	require.NoError(t, bus.Publish(context.Background(), Notification{Key: testKey, Payload: []byte(`{}`)}))
	cancel()
	cancel()
	require.NoError(t, bus.Publish(context.Background(), Notification{Key: testKey}))

	assert.Len(t, rec.received(), 1)
}

func TestNilBusDropsNotifications(t *testing.T) {
	var bus *Bus
	assert.NoError(t, bus.Publish(context.Background(), Notification{Key: testKey}))
}

func TestListenerSkipsEcho(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	notices := NewNotices()
	events, stop := notices.Subscribe()
	defer stop()

	l := NewListener(testKey, "ctx-b", &recorder{err: ErrEcho}, notices, zap.New(core))
	l.Handle(context.Background(), Notification{Key: testKey, Payload: []byte(`{"rules":[]}`)})

	assert.Zero(t, logs.Len())
	assert.Empty(t, events)
}

func TestNotificationRemoved(t *testing.T) {
	assert.True(t, Notification{}.Removed())
	assert.True(t, Notification{Payload: []byte(" null ")}.Removed())
	assert.False(t, Notification{Payload: []byte(`{"rules":[]}`)}.Removed())
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, Notification) error { return f.err }

func TestFanoutJoinsErrors(t *testing.T) {
	first := errors.New("first")
	second := errors.New("second")
	bus := NewBus()
	rec := &recorder{}
	bus.Subscribe(rec.Handle)

	err := Fanout(failingPublisher{first}, nil, bus, failingPublisher{second}).
		Publish(context.Background(), Notification{Key: testKey})
	assert.ErrorIs(t, err, first)
	assert.ErrorIs(t, err, second)
	assert.Len(t, rec.received(), 1)
}

func TestListenerFiltersKeyAndOrigin(t *testing.T) {
	bus := NewBus()
	target := &recorder{}
	notices := NewNotices()
	events, stop := notices.Subscribe()
	defer stop()

	l := NewListener(testKey, "ctx-b", target, notices, nil)
	defer l.Attach(bus)()

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, Notification{Key: "assistant.chats", Origin: "ctx-a"}))
	require.NoError(t, bus.Publish(ctx, Notification{Key: testKey, Origin: "ctx-b"}))
	require.NoError(t, bus.Publish(ctx, Notification{Key: testKey, Origin: "ctx-a", Payload: []byte(`{"rules":[]}`)}))

	got := target.received()
	require.Len(t, got, 1)
	assert.Equal(t, "ctx-a", got[0].Origin)

	select {
	case n := <-events:
		assert.Equal(t, NoticeRulesUpdated, n.Kind)
		assert.NotEmpty(t, n.Message)
	default:
		t.Fatal("expected a notice")
	}
}

func TestListenerIgnoresRejectedPayload(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	target := &recorder{err: errors.New("malformed")}
	notices := NewNotices()
	events, stop := notices.Subscribe()
	defer stop()

	l := NewListener(testKey, "ctx-b", target, notices, zap.New(core))
	l.Handle(context.Background(), Notification{Key: testKey, Origin: "ctx-a", Payload: []byte(`{`)})

	assert.Equal(t, 1, logs.FilterMessage("ignoring rule notification").Len())
	select {
	case <-events:
		t.Fatal("no notice expected for a rejected payload")
	default:
	}
}

func TestNoticesDropWhenSubscriberIsSlow(t *testing.T) {
	notices := NewNotices()
	events, stop := notices.Subscribe()

	for i := 0; i < 20; i++ {
		notices.Emit(Notice{Kind: NoticeRulesUpdated})
	}
	assert.Len(t, events, cap(events))

	stop()
	stop()
	notices.Emit(Notice{Kind: NoticeRulesUpdated})
}

func TestWatcherReportsWritesAndRemovals(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(dir, nil, testKey)
	require.NoError(t, err)

	var mu sync.Mutex
	var got []Notification
	w.Subscribe(func(_ context.Context, n Notification) {
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
	})
	snapshot := func() []Notification {
		mu.Lock()
		defer mu.Unlock()
		return append([]Notification(nil), got...)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	path := filepath.Join(dir, storage.FileName(testKey))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte(`{"rules":[]}`), 0o644))

	require.Eventually(t, func() bool {
		n := snapshot()
		return len(n) > 0 && !n[len(n)-1].Removed()
	}, 2*time.Second, 10*time.Millisecond)
	for _, n := range snapshot() {
		assert.Equal(t, testKey, n.Key)
	}

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		n := snapshot()
		return n[len(n)-1].Removed()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHubRelaysBetweenClients(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx := context.Background()

	a, err := Dial(ctx, url, nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := Dial(ctx, url, nil)
	require.NoError(t, err)
	defer b.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)

	fromA, fromB, atHub := &recorder{}, &recorder{}, &recorder{}
	a.Subscribe(fromA.Handle)
	b.Subscribe(fromB.Handle)
	hub.Subscribe(atHub.Handle)

	require.NoError(t, a.Publish(ctx, Notification{Key: testKey, Origin: "ctx-a", Payload: []byte(`{"rules":[]}`)}))

	require.Eventually(t, func() bool { return len(fromB.received()) == 1 && len(atHub.received()) == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "ctx-a", fromB.received()[0].Origin)
	assert.JSONEq(t, `{"rules":[]}`, string(fromB.received()[0].Payload))
	assert.Empty(t, fromA.received(), "the sender does not receive its own notification")

	require.NoError(t, hub.Publish(ctx, Notification{Key: testKey, Origin: "server"}))
	require.Eventually(t, func() bool { return len(fromA.received()) == 1 && len(fromB.received()) == 2 },
		2*time.Second, 10*time.Millisecond)
	assert.True(t, fromA.received()[0].Removed())
}

func TestHubPublishAfterClose(t *testing.T) {
	hub := NewHub(nil)
	require.NoError(t, hub.Close())
	require.NoError(t, hub.Close())
	assert.ErrorIs(t, hub.Publish(context.Background(), Notification{Key: testKey}), ErrClosed)
}
