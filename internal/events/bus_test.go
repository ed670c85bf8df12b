package events

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	bus := NewBus(10, nil)
	defer bus.Close()
	ctx := context.Background()

	all, cleanupAll := bus.Subscribe(ctx, Filter{}, 0)
	defer cleanupAll()
	onlyAgent, cleanupAgent := bus.Subscribe(ctx, Filter{Kinds: []Kind{KindAgentStarted}}, 0)
	defer cleanupAgent()

	n, err := bus.Publish(ctx, New(KindMemoryStored, map[string]any{"memory_id": "m1"}))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ev := <-all.Events()
	assert.Equal(t, KindMemoryStored, ev.Kind)
	assert.Equal(t, "m1", ev.Payload["memory_id"])

	select {
	case <-onlyAgent.Events():
		t.Fatal("filtered subscriber should not receive memory event")
	default:
	}
}

func TestSlowSubscriberIsMarkedLaggedOthersUnaffected(t *testing.T) {
	bus := NewBus(1000, nil)
	defer bus.Close()
	ctx := context.Background()

	slow, cleanupSlow := bus.Subscribe(ctx, Filter{}, 1)
	defer cleanupSlow()
	fast, cleanupFast := bus.Subscribe(ctx, Filter{}, 100)
	defer cleanupFast()

	for i := 0; i < 5; i++ {
		_, err := bus.Publish(ctx, New(KindHeartbeat, nil))
		require.NoError(t, err)
	}

	assert.True(t, slow.Lagged())
	assert.Greater(t, slow.Dropped(), int64(0))
	assert.False(t, fast.Lagged())

	// Fast subscriber saw every event in FIFO order.
	count := 0
	for len(fast.Events()) > 0 {
		<-fast.Events()
		count++
	}
	assert.Equal(t, 5, count)

	slow.ResyncDone()
	assert.False(t, slow.Lagged())
}

func TestPerKindFIFOOrdering(t *testing.T) {
	bus := NewBus(100, nil)
	defer bus.Close()
	ctx := context.Background()

	sub, cleanup := bus.Subscribe(ctx, Filter{Kinds: []Kind{KindPhaseChanged}}, 0)
	defer cleanup()

	for i := 0; i < 10; i++ {
		_, err := bus.Publish(ctx, New(KindPhaseChanged, map[string]any{"seq": i}))
		require.NoError(t, err)
	}

	var last time.Time
	for i := 0; i < 10; i++ {
		ev := <-sub.Events()
		assert.Equal(t, i, ev.Payload["seq"])
		assert.False(t, ev.Timestamp.Before(last))
		last = ev.Timestamp
	}
}

func TestClosedBusRejectsPublish(t *testing.T) {
	bus := NewBus(10, nil)
	require.NoError(t, bus.Close())
	_, err := bus.Publish(context.Background(), New(KindHeartbeat, nil))
	assert.Error(t, err)
	// Idempotent close.
	assert.NoError(t, bus.Close())
}

func TestSubscriberCount(t *testing.T) {
	bus := NewBus(10, nil)
	defer bus.Close()

	_, cleanup1 := bus.Subscribe(context.Background(), Filter{}, 0)
	_, cleanup2 := bus.Subscribe(context.Background(), Filter{}, 0)
	assert.Equal(t, 2, bus.SubscriberCount())
	cleanup1()
	assert.Equal(t, 1, bus.SubscriberCount())
	cleanup2()
	assert.Equal(t, 0, bus.SubscriberCount())
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLogAppendIsIdempotentByID(t *testing.T) {
	log, err := NewLog(openTestDB(t))
	require.NoError(t, err)
	ctx := context.Background()

	ev := New(KindMemoryStored, map[string]any{"memory_id": "m1"})
	require.NoError(t, log.Append(ctx, ev))
	require.NoError(t, log.Append(ctx, ev))

	n, err := log.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLogSinceFiltersByKind(t *testing.T) {
	log, err := NewLog(openTestDB(t))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, log.Append(ctx, New(KindAgentStarted, nil)))
	require.NoError(t, log.Append(ctx, New(KindAgentCompleted, nil)))
	require.NoError(t, log.Append(ctx, New(KindAgentStarted, nil)))

	evs, err := log.Since(ctx, time.Time{}, KindAgentStarted, 0)
	require.NoError(t, err)
	assert.Len(t, evs, 2)
	for _, ev := range evs {
		assert.Equal(t, KindAgentStarted, ev.Kind)
	}
}

func TestPersistenceSinkAppendsPublishedEvents(t *testing.T) {
	bus := NewBus(100, nil)
	defer bus.Close()
	log, err := NewLog(openTestDB(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	sink := NewPersistence(log, nil)
	go sink.Run(ctx, bus)

	// Give the sink a moment to subscribe before publishing.
	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	ev := New(KindSearchPerformed, map[string]any{"query": "database"})
	_, err = bus.Publish(ctx, ev)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, _ := log.Count(context.Background())
		return n == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-sink.Done()
}

func TestEnvelopeWireFormat(t *testing.T) {
	ev := New(KindPhaseChanged, map[string]any{"from": "prompt_to_spec", "to": "spec_to_full_spec"})
	data, err := ev.Envelope()
	require.NoError(t, err)
	s := string(data)
	assert.Contains(t, s, `"type":"phase_changed"`)
	assert.Contains(t, s, `"from":"prompt_to_spec"`)
	assert.Contains(t, s, `"id":"`+ev.ID.String()+`"`)
}
