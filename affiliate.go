package xmppubsub

// Affiliation is a long-lived entity-to-node relationship (§3).
type Affiliation string

const (
	AffiliationOwner     Affiliation = "owner"
	AffiliationPublisher Affiliation = "publisher"
	AffiliationMember    Affiliation = "member"
	AffiliationNone      Affiliation = "none"
	AffiliationOutcast   Affiliation = "outcast"
)

// SubState is a subscription's lifecycle state (§3).
type SubState string

const (
	SubNone         SubState = "none"
	SubPending      SubState = "pending"
	SubUnconfigured SubState = "unconfigured"
	SubSubscribed   SubState = "subscribed"
)

// SubType distinguishes item notifications from node-creation
// notifications on a Collection subscription.
type SubType string

const (
	SubTypeItems SubType = "items"
	SubTypeNodes SubType = "nodes"
)

// SubscriptionOptions is the per-subscription configuration form
// (FORM_TYPE pubsub#subscribe_options), decoded via DataForm.DecodeInto.
type SubscriptionOptions struct {
	Deliver               bool     `mapstructure:"pubsub#deliver"`
	Digest                bool     `mapstructure:"pubsub#digest"`
	Keyword               string   `mapstructure:"pubsub#keyword"`
	SubscriptionDepth     string   `mapstructure:"pubsub#subscription_depth"`
	SubscriptionType      string   `mapstructure:"pubsub#subscription_type"`
	IncludeBody           bool     `mapstructure:"pubsub#include_body"`
	PresenceBasedDelivery bool     `mapstructure:"pubsub#presence_based_delivery"`
	AllowedShows          []string `mapstructure:"pubsub#show-values"`
}

// DefaultSubscriptionOptions returns the options a new subscription is
// created with absent an explicit options form.
func DefaultSubscriptionOptions() SubscriptionOptions {
	return SubscriptionOptions{Deliver: true}
}

// ToForm renders options back into a data form, for "get options" round
// trips (§4.4c and the round-trip testable property in §8).
func (o SubscriptionOptions) ToForm() *DataForm {
	f := NewDataForm(FormTypeSubscribeOpts)
	f.SetBool("pubsub#deliver", o.Deliver)
	f.SetBool("pubsub#digest", o.Digest)
	f.Set("pubsub#keyword", o.Keyword)
	f.Set("pubsub#subscription_depth", o.SubscriptionDepth)
	f.Set("pubsub#subscription_type", o.SubscriptionType)
	f.SetBool("pubsub#include_body", o.IncludeBody)
	f.SetBool("pubsub#presence_based_delivery", o.PresenceBasedDelivery)
	if len(o.AllowedShows) > 0 {
		f.SetMulti("pubsub#show-values", o.AllowedShows)
	}
	return f
}

// NodeAffiliate is the (node, bareJID) relationship record (§3).
type NodeAffiliate struct {
	NodeID      string
	BareJID     string
	Affiliation Affiliation
}

// NodeSubscription is the (node, subID) or (node, subscriberJID) record
// (§3).
type NodeSubscription struct {
	NodeID     string
	SubID      string
	OwnerBare  string
	Subscriber JID
	State      SubState
	Type       SubType
	Options    SubscriptionOptions
}

// subKey is the map key a subscription is stored under: its SubID when
// one was assigned (multi-subscription nodes), else the subscriber's
// JID string (single-subscription nodes), matching the identity rule in
// §3.
func (s *NodeSubscription) subKey() string {
	if s.SubID != "" {
		return s.SubID
	}
	return s.Subscriber.String()
}

// Affiliation returns jid's current affiliation with n. An owner with no
// affiliate record (such as the creator of a freshly constructed node)
// reports AffiliationOwner; anyone else without a record reports
// AffiliationNone.
func (n *Node) Affiliation(jid JID) Affiliation {
	n.mu.Lock()
	defer n.mu.Unlock()
	bare := jid.Bare().String()
	if a, ok := n.affiliates[bare]; ok {
		return a.Affiliation
	}
	if n.Owners[bare] {
		return AffiliationOwner
	}
	return AffiliationNone
}

// SetAffiliation assigns jid's affiliation with n, creating the
// affiliate record if necessary. AffiliationNone removes the record
// entirely once it carries no subscriptions. n.Owners is kept in
// lockstep here: it is the only other place a node's owner set can
// change, so owner grants/revocations made through this method (the
// only one §4.3g's entity modification goes through) are the source of
// truth IsOwner/OwnerCount read from.
func (n *Node) SetAffiliation(jid JID, aff Affiliation) {
	n.mu.Lock()
	defer n.mu.Unlock()
	bare := jid.Bare().String()

	if aff == AffiliationOwner {
		n.Owners[bare] = true
	} else if n.Owners[bare] && len(n.Owners) > 1 {
		delete(n.Owners, bare)
	}

	if aff == AffiliationNone {
		if !n.hasSubscriptionsForLocked(bare) {
			delete(n.affiliates, bare)
			return
		}
	}
	a, ok := n.affiliates[bare]
	if !ok {
		a = &NodeAffiliate{NodeID: n.ID, BareJID: bare}
		n.affiliates[bare] = a
	}
	a.Affiliation = aff
}

func (n *Node) hasSubscriptionsForLocked(bare string) bool {
	for _, sub := range n.subscriptions {
		if sub.OwnerBare == bare {
			return true
		}
	}
	return false
}

// AffiliatesSnapshot returns a copy of every affiliate record on n.
func (n *Node) AffiliatesSnapshot() []*NodeAffiliate {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*NodeAffiliate, 0, len(n.affiliates))
	for _, a := range n.affiliates {
		cp := *a
		out = append(out, &cp)
	}
	return out
}

// AddSubscription registers sub under n, keyed per subKey.
func (n *Node) AddSubscription(sub *NodeSubscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subscriptions[sub.subKey()] = sub
}

// RemoveSubscription deletes the subscription stored under key.
func (n *Node) RemoveSubscription(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.subscriptions, key)
}

// FindSubscriptionBySubID returns the subscription with the given subID,
// or nil.
func (n *Node) FindSubscriptionBySubID(subID string) *NodeSubscription {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.subscriptions[subID]
}

// FindSubscriptionByJID returns the (single-subscription-mode)
// subscription keyed by jid's string form, or nil.
func (n *Node) FindSubscriptionByJID(jid JID) *NodeSubscription {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.subscriptions[jid.String()]
}

// SubscriptionsForBareJID returns every subscription whose owner is
// bare.
func (n *Node) SubscriptionsForBareJID(bare string) []*NodeSubscription {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*NodeSubscription
	for _, sub := range n.subscriptions {
		if sub.OwnerBare == bare {
			out = append(out, sub)
		}
	}
	return out
}

// SubscriptionsSnapshot returns every subscription on n.
func (n *Node) SubscriptionsSnapshot() []*NodeSubscription {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*NodeSubscription, 0, len(n.subscriptions))
	for _, sub := range n.subscriptions {
		out = append(out, sub)
	}
	return out
}

// SubscribedSnapshot returns every subscription currently in state
// SubSubscribed, used by the item fan-out path (§4.5e).
func (n *Node) SubscribedSnapshot() []*NodeSubscription {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*NodeSubscription
	for _, sub := range n.subscriptions {
		if sub.State == SubSubscribed {
			out = append(out, sub)
		}
	}
	return out
}
