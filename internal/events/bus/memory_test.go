package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendrel/tendrel/internal/common/logger"
)

func collectEvents(t *testing.T, b *MemoryEventBus, subject string) (*sync.WaitGroup, func() []*Event) {
	t.Helper()
	var (
		mu       sync.Mutex
		received []*Event
		wg       sync.WaitGroup
	)
	_, err := b.Subscribe(subject, func(ctx context.Context, e *Event) error {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
		wg.Done()
		return nil
	})
	require.NoError(t, err)
	return &wg, func() []*Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]*Event(nil), received...)
	}
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event delivery")
	}
}

func TestPublishExactSubject(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	wg, events := collectEvents(t, b, "message.received.tenant-1")
	wg.Add(1)

	err := b.Publish(context.Background(), "message.received.tenant-1",
		NewEvent("message.received", "test", map[string]interface{}{"user": "alice"}))
	require.NoError(t, err)

	waitOrFail(t, wg)
	got := events()
	require.Len(t, got, 1)
	assert.Equal(t, "message.received", got[0].Type)
	assert.Equal(t, "alice", got[0].Data["user"])
}

func TestWildcardSubscription(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	wg, events := collectEvents(t, b, "trigger.fired.*")
	wg.Add(2)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "trigger.fired.tenant-1", NewEvent("trigger.fired", "test", nil)))
	require.NoError(t, b.Publish(ctx, "trigger.fired.tenant-2", NewEvent("trigger.fired", "test", nil)))
	// Does not match: * is a single token.
	require.NoError(t, b.Publish(ctx, "trigger.fired.tenant-1.extra", NewEvent("trigger.fired", "test", nil)))

	waitOrFail(t, wg)
	assert.Len(t, events(), 2)
}

func TestGreaterWildcardMatchesRemainingTokens(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	wg, events := collectEvents(t, b, "task.>")
	wg.Add(2)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "task.executed.tenant-1", NewEvent("task.executed", "test", nil)))
	require.NoError(t, b.Publish(ctx, "task.failed.tenant-1.user-2", NewEvent("task.failed", "test", nil)))

	waitOrFail(t, wg)
	assert.Len(t, events(), 2)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	sub, err := b.Subscribe("session.ended.tenant-1", func(ctx context.Context, e *Event) error {
		t.Error("handler called after unsubscribe")
		return nil
	})
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "session.ended.tenant-1",
		NewEvent("session.ended", "test", nil)))
	time.Sleep(50 * time.Millisecond)
}

func TestPublishAfterClose(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	b.Close()

	assert.False(t, b.IsConnected())
	err := b.Publish(context.Background(), "x", NewEvent("x", "test", nil))
	assert.Error(t, err)
}
