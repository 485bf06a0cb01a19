package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaystack/toolgate/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func collect(t *testing.T, b *MemoryEventBus, subject string) (*sync.WaitGroup, *[]*Event) {
	t.Helper()
	var mu sync.Mutex
	var got []*Event
	var wg sync.WaitGroup
	_, err := b.Subscribe(subject, func(ctx context.Context, e *Event) error {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		wg.Done()
		return nil
	})
	require.NoError(t, err)
	return &wg, &got
}

func TestMemoryBusExactSubject(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	wg, got := collect(t, b, "toolgate.server.a.connected")
	wg.Add(1)

	ev := NewEvent("server.connected", "toolgate", map[string]any{"server_id": "a"})
	require.NoError(t, b.Publish(context.Background(), "toolgate.server.a.connected", ev))
	require.NoError(t, b.Publish(context.Background(), "toolgate.server.b.connected", NewEvent("server.connected", "toolgate", nil)))

	waitTimeout(t, wg)
	assert.Len(t, *got, 1)
	assert.Equal(t, ev.ID, (*got)[0].ID)
}

func TestMemoryBusWildcards(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	t.Run("star matches one token", func(t *testing.T) {
		wg, got := collect(t, b, "toolgate.server.*.error")
		wg.Add(2)
		require.NoError(t, b.Publish(context.Background(), "toolgate.server.a.error", NewEvent("server.error", "toolgate", nil)))
		require.NoError(t, b.Publish(context.Background(), "toolgate.server.b.error", NewEvent("server.error", "toolgate", nil)))
		require.NoError(t, b.Publish(context.Background(), "toolgate.server.a.connected", NewEvent("server.connected", "toolgate", nil)))
		waitTimeout(t, wg)
		assert.Len(t, *got, 2)
	})

	t.Run("gt matches remaining tokens", func(t *testing.T) {
		wg, got := collect(t, b, "toolgate.>")
		wg.Add(2)
		require.NoError(t, b.Publish(context.Background(), "toolgate.server.a.connected", NewEvent("server.connected", "toolgate", nil)))
		require.NoError(t, b.Publish(context.Background(), "toolgate.capabilities.a.synced", NewEvent("capabilities.synced", "toolgate", nil)))
		waitTimeout(t, wg)
		assert.Len(t, *got, 2)
	})
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	sub, err := b.Subscribe("toolgate.server.a.connected", func(ctx context.Context, e *Event) error {
		t.Error("handler called after unsubscribe")
		return nil
	})
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "toolgate.server.a.connected", NewEvent("server.connected", "toolgate", nil)))
	time.Sleep(50 * time.Millisecond)
}

func TestMemoryBusClose(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	require.True(t, b.IsConnected())

	b.Close()
	assert.False(t, b.IsConnected())

	err := b.Publish(context.Background(), "toolgate.server.a.connected", NewEvent("x", "toolgate", nil))
	assert.Error(t, err)

	_, err = b.Subscribe("toolgate.>", func(ctx context.Context, e *Event) error { return nil })
	assert.Error(t, err)
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events")
	}
}
