package xmppubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatcherQueueToRemoveCancelsUnflushedAdd(t *testing.T) {
	backend := &fakeBackend{}
	b := NewPersistenceBatcher(backend, nil, 0, 0)

	item := &PublishedItem{NodeID: "n1", ItemID: "1"}
	b.QueueItemToAdd(item)
	require.Equal(t, 1, b.PendingAddCount())

	b.QueueItemToRemove(item)
	assert.Equal(t, 0, b.PendingAddCount())
	assert.Equal(t, 0, b.PendingDeleteCount())
}

func TestBatcherQueueToRemoveAfterFlushQueuesDelete(t *testing.T) {
	backend := &fakeBackend{}
	b := NewPersistenceBatcher(backend, nil, 0, 0)

	item := &PublishedItem{NodeID: "n1", ItemID: "1"}
	// Simulate the add having already reached the backend.
	b.QueueItemToRemove(item)
	assert.Equal(t, 1, b.PendingDeleteCount())
}

func TestBatcherCancelQueuedItems(t *testing.T) {
	backend := &fakeBackend{}
	b := NewPersistenceBatcher(backend, nil, 0, 0)

	item1 := &PublishedItem{NodeID: "n1", ItemID: "1"}
	item2 := &PublishedItem{NodeID: "n1", ItemID: "2"}
	b.QueueItemToAdd(item1)
	b.QueueItemToAdd(item2)

	b.CancelQueuedItems([]*PublishedItem{item1})
	assert.Equal(t, 1, b.PendingAddCount())
}

func TestBatcherStopDrainsQueuesSynchronously(t *testing.T) {
	backend := &fakeBackend{}
	b := NewPersistenceBatcher(backend, nil, 0, 0)
	b.Start(context.Background())

	item := &PublishedItem{NodeID: "n1", ItemID: "1"}
	b.QueueItemToAdd(item)

	require.NoError(t, b.Stop(context.Background()))
	assert.Equal(t, 0, b.PendingAddCount())

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Len(t, backend.added, 1)
	assert.Equal(t, "1", backend.added[0].ItemID)
}
