package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	hub := NewHub(10)
	ch, cancel := hub.Subscribe()
	defer cancel()

	hub.Publish(BuildStarted, BuildEvent{BuildID: "b1", Repository: "acme/widgets", Num: 3, Status: "running"})

	select {
	case ev := <-ch:
		assert.Equal(t, BuildStarted, ev.Type)
		assert.Equal(t, int64(1), ev.ID)
		var got BuildEvent
		require.NoError(t, json.Unmarshal(ev.Data, &got))
		assert.Equal(t, "acme/widgets", got.Repository)
		assert.Equal(t, int64(3), got.Num)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestEventDataMarshalsAsJSON(t *testing.T) {
	hub := NewHub(1)
	hub.Publish(BuildFinished, map[string]string{"status": "success"})

	snap := hub.SnapshotSince(0)
	require.Len(t, snap, 1)
	raw, err := json.Marshal(snap[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"data":{"status":"success"}`)
}

func TestNilDataBecomesEmptyObject(t *testing.T) {
	hub := NewHub(1)
	hub.Publish(BuildEnqueued, nil)
	snap := hub.SnapshotSince(0)
	require.Len(t, snap, 1)
	assert.JSONEq(t, `{}`, string(snap[0].Data))
}

func TestRingBufferKeepsNewest(t *testing.T) {
	hub := NewHub(3)
	for i := 0; i < 5; i++ {
		hub.Publish(BuildEnqueued, nil)
	}

	snap := hub.SnapshotSince(0)
	require.Len(t, snap, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{snap[0].ID, snap[1].ID, snap[2].ID})

	since := hub.SnapshotSince(4)
	require.Len(t, since, 1)
	assert.Equal(t, int64(5), since[0].ID)
}

func TestCancelClosesSubscription(t *testing.T) {
	hub := NewHub(1)
	ch, cancel := hub.Subscribe()
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()
	assert.Equal(t, 0, hub.Subscribers())

	_, ok := <-ch
	assert.False(t, ok)

	// Publishing after all subscribers left must not block or panic.
	hub.Publish(BuildFinished, nil)
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	hub := NewHub(1)
	_, cancel := hub.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			hub.Publish(BuildEnqueued, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
}
