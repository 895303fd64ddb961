package xmppubsub

import (
	"context"
)

// --- Node-local item storage (§3 PublishedItem lifecycle) ---------------

// UpsertItem stores item, replacing any prior item with the same id on
// n, and trims the bounded history to Config.MaxItems (keeping the most
// recently published) when MaxItems > 0.
func (n *Node) UpsertItem(item *PublishedItem) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.items[item.ItemID]; !exists {
		n.itemOrder = append(n.itemOrder, item.ItemID)
	}
	n.items[item.ItemID] = item

	if n.Config.MaxItems > 0 {
		for len(n.itemOrder) > n.Config.MaxItems {
			oldest := n.itemOrder[0]
			n.itemOrder = n.itemOrder[1:]
			delete(n.items, oldest)
		}
	}
}

// RemoveItem deletes the named item, reporting whether it was present.
func (n *Node) RemoveItem(itemID string) (*PublishedItem, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	item, ok := n.items[itemID]
	if !ok {
		return nil, false
	}
	delete(n.items, itemID)
	for i, id := range n.itemOrder {
		if id == itemID {
			n.itemOrder = append(n.itemOrder[:i], n.itemOrder[i+1:]...)
			break
		}
	}
	return item, true
}

// PurgeItems clears every item on n and returns what was removed.
func (n *Node) PurgeItems() []*PublishedItem {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*PublishedItem, 0, len(n.itemOrder))
	for _, id := range n.itemOrder {
		out = append(out, n.items[id])
	}
	n.items = make(map[string]*PublishedItem)
	n.itemOrder = nil
	return out
}

// ItemsSnapshot returns every item on n, oldest first.
func (n *Node) ItemsSnapshot() []*PublishedItem {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*PublishedItem, 0, len(n.itemOrder))
	for _, id := range n.itemOrder {
		out = append(out, n.items[id])
	}
	return out
}

// MostRecentItems returns the count most recently published items.
func (n *Node) MostRecentItems(count int) []*PublishedItem {
	all := n.ItemsSnapshot()
	if count >= len(all) || count <= 0 {
		return all
	}
	return all[len(all)-count:]
}

// ItemsByIDs returns the items matching ids, in the order given,
// omitting any id that is absent (§4.5c mode 2).
func (n *Node) ItemsByIDs(ids []string) []*PublishedItem {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*PublishedItem, 0, len(ids))
	for _, id := range ids {
		if item, ok := n.items[id]; ok {
			out = append(out, item)
		}
	}
	return out
}

// GetItem returns the named item, or nil.
func (n *Node) GetItem(itemID string) *PublishedItem {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.items[itemID]
}

// --- publish/retract/retrieve/purge workflow (§4.5) ---------------------

// ItemSubmission is one <item id="..."><payload/></item> child of a
// publish or retract request, after the router has parsed it into an
// Element tree.
type ItemSubmission struct {
	ID      string
	Payload *Element // nil when the item carries none
}

// parseItemSubmissions reads <item/> children off a <publish/> or
// <retract/> element, enforcing "at most one child payload" (§4.5a).
func parseItemSubmissions(parent *Element) ([]ItemSubmission, *StanzaError) {
	var subs []ItemSubmission
	for _, itemEl := range parent.ChildrenByName("item") {
		sub := ItemSubmission{ID: itemEl.Attribute("id")}
		payloads := itemEl.Children
		if len(payloads) > 1 {
			return nil, ErrInvalidPayload
		}
		if len(payloads) == 1 {
			sub.Payload = payloads[0]
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// CanPublish applies the node's publisherModel to determine whether jid
// may publish, per §4.5a.
func CanPublish(n *Node, jid JID, isAdmin bool) bool {
	if isAdmin {
		return true
	}
	aff := n.Affiliation(jid)
	switch PublisherModel(n.Config.PublisherModel) {
	case PublisherOpen:
		return aff != AffiliationOutcast
	case PublisherSubscribers:
		return aff == AffiliationOwner || aff == AffiliationPublisher || aff == AffiliationMember
	default: // PublisherPublishers, or unset
		return aff == AffiliationOwner || aff == AffiliationPublisher
	}
}

// Publish implements §4.5a. On success it returns the accepted items;
// the caller is responsible for the synchronous IQ reply, after which it
// should call Service.NotifyPublish to fan the items out.
func (s *Service) Publish(ctx context.Context, node *Node, publisher JID, publishEl *Element) ([]*PublishedItem, *StanzaError) {
	if node.Kind != KindLeaf {
		return nil, ErrUnsupportedPublish
	}
	if !CanPublish(node, publisher, s.IsAdmin(publisher)) {
		return nil, ErrForbidden
	}

	subs, perr := parseItemSubmissions(publishEl)
	if perr != nil {
		return nil, perr
	}

	if node.Config.ItemRequired && len(subs) == 0 {
		return nil, ErrItemRequired
	}
	if !node.Config.ItemRequired && len(subs) > 0 {
		return nil, ErrItemForbidden
	}

	accepted := make([]*PublishedItem, 0, len(subs))
	now := s.Clock.Now()
	for _, sub := range subs {
		if node.Config.DeliverPayloads && sub.Payload == nil {
			return nil, ErrPayloadRequired
		}
		id := sub.ID
		if id == "" {
			id = node.nextItemID()
		}
		item := &PublishedItem{
			NodeID:    node.ID,
			ItemID:    id,
			Publisher: publisher,
			Payload:   sub.Payload,
			Timestamp: now,
		}
		node.UpsertItem(item)
		accepted = append(accepted, item)

		if node.Config.PersistItems {
			s.Batcher.QueueItemToAdd(item)
		}
	}
	return accepted, nil
}

// Retract implements §4.5b: every submitted item must carry an id;
// partial success is not permitted, so a failed check on any item aborts
// the whole request.
func (s *Service) Retract(ctx context.Context, node *Node, requester JID, retractEl *Element) ([]*PublishedItem, *StanzaError) {
	if node.Kind != KindLeaf || !node.Config.PersistItems {
		return nil, ErrUnsupportedPersistent
	}

	subs, perr := parseItemSubmissions(retractEl)
	if perr != nil {
		return nil, perr
	}

	isAdmin := s.IsAdmin(requester)
	isOwner := node.IsOwner(requester)

	var targets []*PublishedItem
	for _, sub := range subs {
		if sub.ID == "" {
			return nil, ErrItemRequired
		}
		item := node.GetItem(sub.ID)
		if item == nil {
			return nil, ErrItemNotFound
		}
		if !item.CanDelete(requester, isOwner || isAdmin) {
			return nil, ErrForbidden
		}
		targets = append(targets, item)
	}

	var removed []*PublishedItem
	for _, item := range targets {
		if got, ok := node.RemoveItem(item.ItemID); ok {
			removed = append(removed, got)
			s.Batcher.QueueItemToRemove(got)
		}
	}
	return removed, nil
}

// RetrieveOptions captures the three retrieval modes of §4.5c.
type RetrieveOptions struct {
	MaxItems int
	ItemIDs  []string
}

// Retrieve implements §4.5c. Access-model gating is the same
// checkAccessAdmission check Subscribe uses. When the node enables
// multiple subscriptions, subID must be supplied and resolve to a
// subscribed subscription, whose keyword filter is then applied to the
// result; when it does not, no subscription is looked up and no keyword
// filter is applied.
func (s *Service) Retrieve(ctx context.Context, node *Node, requester JID, subID string, opts RetrieveOptions) ([]*PublishedItem, *StanzaError) {
	if node.Kind == KindCollection {
		return nil, ErrUnsupportedRetrieveItems
	}

	if node.Affiliation(requester) == AffiliationOutcast {
		return nil, ErrForbidden
	}
	if serr := s.checkAccessAdmission(node, requester); serr != nil {
		return nil, serr
	}

	if node.Config.MultipleSubscriptionsEnabled {
		if subID == "" {
			return nil, ErrSubIDRequired
		}
		sub := node.FindSubscriptionBySubID(subID)
		if sub == nil || sub.State != SubSubscribed {
			return nil, ErrInvalidSubID
		}
	}

	var items []*PublishedItem
	switch {
	case len(opts.ItemIDs) > 0:
		items = node.ItemsByIDs(opts.ItemIDs)
	case opts.MaxItems > 0:
		items = node.MostRecentItems(opts.MaxItems)
	default:
		items = node.ItemsSnapshot()
	}

	if !node.Config.MultipleSubscriptionsEnabled {
		return items, nil
	}
	sub := node.FindSubscriptionBySubID(subID)
	if sub.Options.Keyword == "" {
		return items, nil
	}
	filtered := items[:0:0]
	for _, it := range items {
		if MatchesKeyword(it.Payload, sub.Options.Keyword) {
			filtered = append(filtered, it)
		}
	}
	return filtered, nil
}

// Purge implements §4.5d: owner-only, persistent-item leaf nodes only.
func (s *Service) Purge(ctx context.Context, node *Node, requester JID) (*StanzaError) {
	if !node.IsOwner(requester) {
		return ErrForbidden
	}
	if node.Kind != KindLeaf || !node.Config.PersistItems {
		return ErrUnsupportedPersistent
	}
	removed := node.PurgeItems()
	s.Batcher.CancelQueuedItems(removed)
	return nil
}

// --- fan-out (§4.5e, performed "by the Leaf" but implemented here as a
// Service method so it can reach the router and presence tracker) -------

// NotifyPublish fans a just-published batch of items out to every
// eligible subscriber, preserving document order within the batch and
// publication order across batches per subscriber (§4.5e, §8).
func (s *Service) NotifyPublish(node *Node, items []*PublishedItem) {
	for _, sub := range node.SubscribedSnapshot() {
		s.deliverItemsTo(node, sub, items)
	}
}

func (s *Service) deliverItemsTo(node *Node, sub *NodeSubscription, items []*PublishedItem) {
	if !sub.Options.Deliver {
		return
	}
	if sub.Options.Keyword != "" {
		filtered := items[:0:0]
		for _, it := range items {
			if MatchesKeyword(it.Payload, sub.Options.Keyword) {
				filtered = append(filtered, it)
			}
		}
		items = filtered
	}
	if len(items) == 0 {
		return
	}
	if node.Config.AccessModelIsPresenceGated() || sub.Options.PresenceBasedDelivery {
		if !s.presenceAdmits(sub) {
			return
		}
	}

	if sub.Options.Digest {
		s.Router.Route(s.buildEventMessage(node, sub, items))
		return
	}
	for _, it := range items {
		s.Router.Route(s.buildEventMessage(node, sub, []*PublishedItem{it}))
	}
}

// presenceAdmits reports whether at least one of the subscriber's known
// resources carries a show value admitted by the subscription's allowed
// shows (§4.5e). An empty AllowedShows list means "any known presence
// admits delivery".
func (s *Service) presenceAdmits(sub *NodeSubscription) bool {
	shows := s.Presence.ShowsFor(sub.Subscriber)
	if len(shows) == 0 {
		return false
	}
	if len(sub.Options.AllowedShows) == 0 {
		return true
	}
	allowed := make(map[string]bool, len(sub.Options.AllowedShows))
	for _, s := range sub.Options.AllowedShows {
		allowed[s] = true
	}
	for _, show := range shows {
		if allowed[show] {
			return true
		}
	}
	return false
}

func (s *Service) buildEventMessage(node *Node, sub *NodeSubscription, items []*PublishedItem) *Message {
	event := NewElement("http://jabber.org/protocol/pubsub#event", "event")
	itemsEl := event.AddChild(NewElement("", "items"))
	itemsEl.SetAttribute("node", node.ID)
	for _, it := range items {
		itemEl := NewElement("", "item")
		itemEl.SetAttribute("id", it.ItemID)
		if it.Payload != nil {
			itemEl.AddChild(it.Payload)
		}
		itemsEl.AddChild(itemEl)
	}

	msg := &Message{
		XMLFrom:  s.Config.JID,
		XMLTo:    sub.Subscriber,
		XMLType:  "headline",
		Children: []*Element{event},
	}
	if sub.Options.IncludeBody && len(items) > 0 && items[len(items)-1].Payload != nil {
		body := NewElement("", "body")
		body.CharData = payloadText(items[len(items)-1].Payload)
		msg.Children = append(msg.Children, body)
	}
	return msg
}
