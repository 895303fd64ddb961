package xmppubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertItemTrimsToMaxItems(t *testing.T) {
	creator := ParseJID("alice@example.org")
	n := NewLeaf("n1", nil, creator, NodeConfig{MaxItems: 2})

	n.UpsertItem(&PublishedItem{NodeID: n.ID, ItemID: "1"})
	n.UpsertItem(&PublishedItem{NodeID: n.ID, ItemID: "2"})
	n.UpsertItem(&PublishedItem{NodeID: n.ID, ItemID: "3"})

	items := n.ItemsSnapshot()
	require.Len(t, items, 2)
	assert.Equal(t, "2", items[0].ItemID)
	assert.Equal(t, "3", items[1].ItemID)
}

func TestPublishRequiresItemWhenConfigured(t *testing.T) {
	svc, _ := newTestService("alice@example.org")
	alice := ParseJID("alice@example.org")
	node := NewLeaf("blog", nil, alice, NodeConfig{
		PublisherModel: string(PublisherPublishers),
		ItemRequired:   true,
	})
	svc.Nodes.TryInsert(node)

	publishEl := NewElement("", "publish")
	_, serr := svc.Publish(context.Background(), node, alice, publishEl)
	require.NotNil(t, serr)
	assert.Equal(t, ErrItemRequired, serr)
}

func TestPublishForbidsNonPublisher(t *testing.T) {
	svc, _ := newTestService("alice@example.org", "mallory@example.org")
	alice := ParseJID("alice@example.org")
	mallory := ParseJID("mallory@example.org")
	node := NewLeaf("blog", nil, alice, NodeConfig{
		PublisherModel: string(PublisherPublishers),
	})
	svc.Nodes.TryInsert(node)

	publishEl := NewElement("", "publish")
	itemEl := publishEl.AddChild(NewElement("", "item"))
	itemEl.AddChild(NewElement("", "entry"))

	_, serr := svc.Publish(context.Background(), node, mallory, publishEl)
	require.NotNil(t, serr)
	assert.Equal(t, ErrForbidden, serr)
}

func TestPublishAndNotifyDeliversToSubscriber(t *testing.T) {
	svc, router := newTestService("alice@example.org", "bob@example.org")
	alice := ParseJID("alice@example.org")
	bob := ParseJID("bob@example.org/home")
	node := NewLeaf("blog", nil, alice, NodeConfig{
		PublisherModel: string(PublisherPublishers),
		ItemRequired:   true,
		MaxItems:       50,
	})
	svc.Nodes.TryInsert(node)
	node.AddSubscription(&NodeSubscription{
		NodeID:     node.ID,
		OwnerBare:  bob.Bare().String(),
		Subscriber: bob,
		State:      SubSubscribed,
		Options:    DefaultSubscriptionOptions(),
	})

	publishEl := NewElement("", "publish")
	itemEl := publishEl.AddChild(NewElement("", "item"))
	entry := itemEl.AddChild(NewElement("", "entry"))
	entry.CharData = "hello"

	items, serr := svc.Publish(context.Background(), node, alice, publishEl)
	require.Nil(t, serr)
	require.Len(t, items, 1)

	svc.NotifyPublish(node, items)
	sent := router.Sent()
	require.Len(t, sent, 1)
	msg, ok := sent[0].(*Message)
	require.True(t, ok)
	assert.Equal(t, bob, msg.To())
	assert.Equal(t, "headline", msg.Type())
}

func TestRetractRequiresPersistentItems(t *testing.T) {
	svc, _ := newTestService("alice@example.org")
	alice := ParseJID("alice@example.org")
	node := NewLeaf("blog", nil, alice, NodeConfig{})
	svc.Nodes.TryInsert(node)

	retractEl := NewElement("", "retract")
	itemEl := retractEl.AddChild(NewElement("", "item"))
	itemEl.SetAttribute("id", "1")

	_, serr := svc.Retract(context.Background(), node, alice, retractEl)
	require.NotNil(t, serr)
	assert.Equal(t, ErrUnsupportedPersistent, serr)
}

func TestRetractForbidsNonOwnerNonPublisher(t *testing.T) {
	svc, _ := newTestService("alice@example.org", "mallory@example.org")
	alice := ParseJID("alice@example.org")
	mallory := ParseJID("mallory@example.org")
	node := NewLeaf("blog", nil, alice, NodeConfig{PersistItems: true})
	svc.Nodes.TryInsert(node)
	node.UpsertItem(&PublishedItem{NodeID: node.ID, ItemID: "1", Publisher: alice})

	retractEl := NewElement("", "retract")
	itemEl := retractEl.AddChild(NewElement("", "item"))
	itemEl.SetAttribute("id", "1")

	_, serr := svc.Retract(context.Background(), node, mallory, retractEl)
	require.NotNil(t, serr)
	assert.Equal(t, ErrForbidden, serr)
}

func TestPurgeOwnerOnly(t *testing.T) {
	svc, _ := newTestService("alice@example.org", "bob@example.org")
	alice := ParseJID("alice@example.org")
	bob := ParseJID("bob@example.org")
	node := NewLeaf("blog", nil, alice, NodeConfig{PersistItems: true})
	svc.Nodes.TryInsert(node)
	node.UpsertItem(&PublishedItem{NodeID: node.ID, ItemID: "1", Publisher: alice})

	serr := svc.Purge(context.Background(), node, bob)
	require.NotNil(t, serr)
	assert.Equal(t, ErrForbidden, serr)

	serr = svc.Purge(context.Background(), node, alice)
	require.Nil(t, serr)
	assert.Empty(t, node.ItemsSnapshot())
}
