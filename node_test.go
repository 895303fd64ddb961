package xmppubsub

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeOwnerInvariant(t *testing.T) {
	creator := ParseJID("alice@example.org")
	n := NewLeaf("n1", nil, creator, NodeConfig{})

	assert.True(t, n.IsOwner(creator))
	assert.Equal(t, 1, n.OwnerCount())

	// Sole owner cannot be removed.
	assert.False(t, n.RemoveOwner(creator))
	assert.Equal(t, 1, n.OwnerCount())

	second := ParseJID("bob@example.org")
	n.AddOwner(second)
	assert.Equal(t, 2, n.OwnerCount())

	assert.True(t, n.RemoveOwner(creator))
	assert.False(t, n.IsOwner(creator))
	assert.True(t, n.IsOwner(second))
}

func TestNodeStoreTryInsertIsSingleWinner(t *testing.T) {
	store := NewNodeStore()
	creator := ParseJID("alice@example.org")
	n1 := NewLeaf("dup", nil, creator, NodeConfig{})
	n2 := NewLeaf("dup", nil, creator, NodeConfig{})

	assert.True(t, store.TryInsert(n1))
	assert.False(t, store.TryInsert(n2))
	assert.Same(t, n1, store.Get("dup"))
}

func TestNodeStoreTryInsertConcurrentSameIDExactlyOneWinner(t *testing.T) {
	store := NewNodeStore()
	creator := ParseJID("alice@example.org")

	const racers = 64
	var wins int32
	var ready, start, done sync.WaitGroup
	ready.Add(racers)
	start.Add(1)
	done.Add(racers)

	for i := 0; i < racers; i++ {
		go func() {
			defer done.Done()
			n := NewLeaf("contested", nil, creator, NodeConfig{})
			ready.Done()
			start.Wait()
			if store.TryInsert(n) {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}

	ready.Wait()
	start.Done()
	done.Wait()

	assert.Equal(t, int32(1), wins)
	assert.NotNil(t, store.Get("contested"))
}

func TestNodeChildBookkeeping(t *testing.T) {
	creator := ParseJID("alice@example.org")
	coll := NewCollection("parent", nil, creator, NodeConfig{})
	assert.Equal(t, 0, coll.ChildCount())

	coll.AddChild("parent/leaf1")
	coll.AddChild("parent/leaf2")
	assert.Equal(t, 2, coll.ChildCount())
	assert.ElementsMatch(t, []string{"parent/leaf1", "parent/leaf2"}, coll.ChildIDsSnapshot())

	coll.RemoveChild("parent/leaf1")
	assert.Equal(t, 1, coll.ChildCount())
}

func TestQualifyChildID(t *testing.T) {
	creator := ParseJID("alice@example.org")
	root := NewCollection(rootNodeID, nil, creator, NodeConfig{})
	assert.Equal(t, "leaf", QualifyChildID(root, "leaf"))

	parent := NewCollection("parent", root, creator, NodeConfig{})
	assert.Equal(t, "parent/leaf", QualifyChildID(parent, "leaf"))
	assert.Equal(t, "parent/leaf", QualifyChildID(parent, "parent/leaf"))
}

func TestNodeConfigToFormRoundTrip(t *testing.T) {
	cfg := NodeConfig{
		Title:               "My Blog",
		AccessModel:         string(AccessWhitelist),
		PublisherModel:      string(PublisherPublishers),
		DeliverPayloads:     true,
		PersistItems:        true,
		MaxItems:            10,
		SubscriptionEnabled: true,
		RosterGroupsAllowed: []string{"friends", "family"},
	}
	form := cfg.ToForm()
	require.Equal(t, FormTypeNodeConfig, form.FormType())

	var decoded NodeConfig
	require.NoError(t, form.DecodeInto(&decoded))
	assert.Equal(t, cfg.Title, decoded.Title)
	assert.Equal(t, cfg.AccessModel, decoded.AccessModel)
	assert.True(t, decoded.DeliverPayloads)
	assert.True(t, decoded.PersistItems)
	assert.Equal(t, 10, decoded.MaxItems)
	assert.ElementsMatch(t, cfg.RosterGroupsAllowed, decoded.RosterGroupsAllowed)
}
