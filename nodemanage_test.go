package xmppubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateNodeAssignsOwnerAndParentsUnderRoot(t *testing.T) {
	svc, _ := newTestService("alice@example.org")
	alice := ParseJID("alice@example.org")

	node, serr := svc.CreateNode(context.Background(), CreateNodeRequest{Sender: alice, NodeID: "blog"})
	require.Nil(t, serr)
	require.NotNil(t, node)
	assert.Equal(t, "blog", node.ID)
	assert.True(t, node.IsOwner(alice))
	assert.Same(t, svc.root, node.Parent)
	assert.Contains(t, svc.root.ChildIDsSnapshot(), "blog")
}

func TestCreateNodeRejectsUnregisteredSender(t *testing.T) {
	svc, _ := newTestService()
	stranger := ParseJID("ghost@example.org")

	_, serr := svc.CreateNode(context.Background(), CreateNodeRequest{Sender: stranger, NodeID: "blog"})
	require.NotNil(t, serr)
	assert.Equal(t, ErrForbidden, serr)
}

func TestCreateNodeConflictOnDuplicateID(t *testing.T) {
	svc, _ := newTestService("alice@example.org")
	alice := ParseJID("alice@example.org")

	_, serr := svc.CreateNode(context.Background(), CreateNodeRequest{Sender: alice, NodeID: "blog"})
	require.Nil(t, serr)

	_, serr = svc.CreateNode(context.Background(), CreateNodeRequest{Sender: alice, NodeID: "blog"})
	require.NotNil(t, serr)
	assert.Equal(t, ErrConflict, serr)
}

func TestCreateNodeInstantWhenNodeIDOmitted(t *testing.T) {
	svc, _ := newTestService("alice@example.org")
	alice := ParseJID("alice@example.org")

	node, serr := svc.CreateNode(context.Background(), CreateNodeRequest{Sender: alice})
	require.Nil(t, serr)
	assert.NotEmpty(t, node.ID)
}

func TestCreateNodeRejectsCollectionsWhenUnsupported(t *testing.T) {
	svc, _ := newTestService("alice@example.org")
	svc.Config.CollectionNodesSupported = false
	alice := ParseJID("alice@example.org")

	_, serr := svc.CreateNode(context.Background(), CreateNodeRequest{Sender: alice, NodeID: "archive", Collection: true})
	require.NotNil(t, serr)
	assert.Equal(t, ErrUnsupportedCollections, serr)
}

func TestCreateNodeUnderNonRootCollectionRespectsMaxChildren(t *testing.T) {
	svc, _ := newTestService("alice@example.org")
	alice := ParseJID("alice@example.org")

	parent, serr := svc.CreateNode(context.Background(), CreateNodeRequest{
		Sender: alice, NodeID: "archive", Collection: true,
	})
	require.Nil(t, serr)
	parent.Config.MaxChildren = 1
	parent.ApplyConfig(parent.Config)

	cfg := NewDataForm(FormTypeNodeConfig)
	cfg.Set("pubsub#collection", "archive")
	_, serr = svc.CreateNode(context.Background(), CreateNodeRequest{
		Sender: alice, NodeID: "first", ConfigForm: cfg,
	})
	require.Nil(t, serr)

	_, serr = svc.CreateNode(context.Background(), CreateNodeRequest{
		Sender: alice, NodeID: "second", ConfigForm: cfg,
	})
	require.NotNil(t, serr)
	assert.Equal(t, ErrMaxNodesExceeded, serr)
}

func TestGetSetNodeConfigOwnerOnly(t *testing.T) {
	svc, _ := newTestService("alice@example.org", "bob@example.org")
	alice := ParseJID("alice@example.org")
	bob := ParseJID("bob@example.org")

	node, serr := svc.CreateNode(context.Background(), CreateNodeRequest{Sender: alice, NodeID: "blog"})
	require.Nil(t, serr)

	_, serr = svc.GetNodeConfig(node, bob)
	require.NotNil(t, serr)
	assert.Equal(t, ErrForbidden, serr)

	form, serr := svc.GetNodeConfig(node, alice)
	require.Nil(t, serr)
	require.NotNil(t, form)

	form.Set("pubsub#title", "Updated Title")
	serr = svc.SetNodeConfig(context.Background(), node, alice, form)
	require.Nil(t, serr)
	assert.Equal(t, "Updated Title", node.Config.Title)
}

func TestDeleteNodeRefusesRoot(t *testing.T) {
	svc, _ := newTestService("alice@example.org")
	alice := ParseJID("alice@example.org")

	serr := svc.DeleteNode(context.Background(), svc.Root(), alice)
	require.NotNil(t, serr)
	assert.Equal(t, ErrNotAllowed, serr)
}

func TestDeleteNodeRemovesFromParentAndStore(t *testing.T) {
	svc, router := newTestService("alice@example.org", "bob@example.org")
	alice := ParseJID("alice@example.org")
	bob := ParseJID("bob@example.org")

	node, serr := svc.CreateNode(context.Background(), CreateNodeRequest{
		Sender: alice, NodeID: "blog",
		ConfigForm: func() *DataForm {
			f := NewDataForm(FormTypeNodeConfig)
			f.SetBool("pubsub#subscribe", true)
			return f
		}(),
	})
	require.Nil(t, serr)

	_, serr = svc.Subscribe(node, SubscribeRequest{Sender: bob, Subscriber: bob})
	require.Nil(t, serr)

	serr = svc.DeleteNode(context.Background(), node, alice)
	require.Nil(t, serr)
	assert.Nil(t, svc.Nodes.Get("blog"))
	assert.NotContains(t, svc.root.ChildIDsSnapshot(), "blog")

	sent := router.Sent()
	require.Len(t, sent, 1)
	_, ok := sent[0].(*Message)
	assert.True(t, ok)
}

func TestModifyAffiliatedEntitiesRejectsRemovingSoleOwner(t *testing.T) {
	svc, _ := newTestService("alice@example.org")
	alice := ParseJID("alice@example.org")

	node, serr := svc.CreateNode(context.Background(), CreateNodeRequest{Sender: alice, NodeID: "blog"})
	require.Nil(t, serr)

	failures, serr := svc.ModifyAffiliatedEntities(context.Background(), node, alice, []EntityModification{
		{JID: alice, Affiliation: AffiliationMember},
	})
	require.NotNil(t, serr)
	require.Len(t, failures, 1)
	assert.Equal(t, AffiliationOwner, node.Affiliation(alice))
}

func TestModifyAffiliatedEntitiesGrantThenDemoteOwnerStaysConsistent(t *testing.T) {
	svc, _ := newTestService("alice@example.org", "bob@example.org")
	alice := ParseJID("alice@example.org")
	bob := ParseJID("bob@example.org")

	node, serr := svc.CreateNode(context.Background(), CreateNodeRequest{Sender: alice, NodeID: "blog"})
	require.Nil(t, serr)

	// Grant bob owner: bob must gain full owner privileges, not just the
	// affiliation label.
	failures, serr := svc.ModifyAffiliatedEntities(context.Background(), node, alice, []EntityModification{
		{JID: bob, Affiliation: AffiliationOwner},
	})
	require.Nil(t, serr)
	require.Empty(t, failures)
	assert.Equal(t, AffiliationOwner, node.Affiliation(bob))
	assert.True(t, node.IsOwner(bob))
	assert.Equal(t, 2, node.OwnerCount())

	// With two owners, demoting alice must be allowed and must strip her
	// owner privileges, leaving bob as sole owner.
	failures, serr = svc.ModifyAffiliatedEntities(context.Background(), node, bob, []EntityModification{
		{JID: alice, Affiliation: AffiliationMember},
	})
	require.Nil(t, serr)
	require.Empty(t, failures)
	assert.Equal(t, AffiliationMember, node.Affiliation(alice))
	assert.False(t, node.IsOwner(alice))
	assert.True(t, node.IsOwner(bob))
	assert.Equal(t, 1, node.OwnerCount())
}

func TestModifyAffiliatedEntitiesAppliesOtherChangesDespiteFailure(t *testing.T) {
	svc, _ := newTestService("alice@example.org", "bob@example.org")
	alice := ParseJID("alice@example.org")
	bob := ParseJID("bob@example.org")

	node, serr := svc.CreateNode(context.Background(), CreateNodeRequest{Sender: alice, NodeID: "blog"})
	require.Nil(t, serr)

	failures, serr := svc.ModifyAffiliatedEntities(context.Background(), node, alice, []EntityModification{
		{JID: alice, Affiliation: AffiliationMember}, // rejected: sole owner
		{JID: bob, Affiliation: AffiliationPublisher}, // applied
	})
	require.NotNil(t, serr)
	require.Len(t, failures, 1)
	assert.Equal(t, AffiliationOwner, node.Affiliation(alice))
	assert.Equal(t, AffiliationPublisher, node.Affiliation(bob))
}
