package xmppubsub

import (
	"context"
	"sync"
)

// fakeRouter records every routed stanza for assertions, standing in for
// a real connection manager in tests.
type fakeRouter struct {
	mu    sync.Mutex
	sent  []Stanza
}

func (r *fakeRouter) Route(s Stanza) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, s)
}

func (r *fakeRouter) Sent() []Stanza {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Stanza, len(r.sent))
	copy(out, r.sent)
	return out
}

// fakeUsers treats a fixed set of bare JIDs as registered.
type fakeUsers struct {
	registered map[string]bool
}

func newFakeUsers(bares ...string) *fakeUsers {
	m := make(map[string]bool, len(bares))
	for _, b := range bares {
		m[b] = true
	}
	return &fakeUsers{registered: m}
}

func (u *fakeUsers) IsRegistered(jid JID) bool { return u.registered[jid.Bare().String()] }

// fakeBackend is an in-memory, always-succeeding PersistenceBackend.
type fakeBackend struct {
	mu    sync.Mutex
	added []*PublishedItem
}

func (b *fakeBackend) LoadNodes(context.Context) ([]*Node, error) { return nil, nil }
func (b *fakeBackend) SaveNode(context.Context, *Node) error      { return nil }
func (b *fakeBackend) DeleteNode(context.Context, *Node) error    { return nil }
func (b *fakeBackend) CreatePublishedItem(ctx context.Context, item *PublishedItem) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.added = append(b.added, item)
	return true, nil
}
func (b *fakeBackend) RemovePublishedItem(context.Context, *PublishedItem) (bool, error) {
	return true, nil
}
func (b *fakeBackend) SaveSubscription(context.Context, *NodeSubscription) error  { return nil }
func (b *fakeBackend) DeleteSubscription(context.Context, *NodeSubscription) error { return nil }
func (b *fakeBackend) SaveAffiliation(context.Context, *NodeAffiliate) error       { return nil }
func (b *fakeBackend) DeleteAffiliation(context.Context, *NodeAffiliate) error     { return nil }

func newTestService(bares ...string) (*Service, *fakeRouter) {
	router := &fakeRouter{}
	cfg := DefaultServiceConfig(ParseJID("pubsub.test"))
	svc := NewService(cfg, router, newFakeUsers(bares...), &fakeBackend{}, nil, nil)
	return svc, router
}
