package xmppubsub

import "go.uber.org/zap"

// RosterChecker is an optional external collaborator consulted for the
// "roster" access model. Roster/contact management is itself out of
// scope (spec Non-goals); when nil, roster-gated nodes simply refuse
// every subscription, since there is nothing to check membership
// against.
type RosterChecker interface {
	InRosterGroup(owner, subscriber JID, allowedGroups []string) bool
}

// checkAccessAdmission applies node's access model to requester, shared
// verbatim between Subscribe (§4.4a) and Retrieve (§4.5c), which the spec
// calls out as identical gating.
//
// For the "presence" model this follows the source behavior flagged in
// §9 Design Note (i): admission is decided from the presence tracker
// (C2) rather than from a roster-based presence subscription, which the
// spec preserves as specified while noting it looks like a bug upstream.
func (s *Service) checkAccessAdmission(node *Node, requester JID) *StanzaError {
	switch AccessModel(node.Config.AccessModel) {
	case AccessWhitelist:
		aff := node.Affiliation(requester)
		if aff == AffiliationOwner || aff == AffiliationPublisher || aff == AffiliationMember {
			return nil
		}
		return ErrForbidden
	case AccessPresence:
		if len(s.Presence.ShowsFor(requester.Bare())) == 0 {
			return ErrPresenceSubscriptionReq
		}
		return nil
	case AccessRoster:
		if s.Roster == nil {
			return ErrNotInRosterGroup
		}
		if s.Roster.InRosterGroup(node.Creator, requester, node.Config.RosterGroupsAllowed) {
			return nil
		}
		return ErrNotInRosterGroup
	case AccessAuthorize:
		return nil // admission never rejects outright; pending state is used instead
	default: // AccessOpen, or unset
		return nil
	}
}

// needsAuthorization reports whether a new subscription to node must
// start in SubPending awaiting owner approval (§4.4a).
func needsAuthorization(node *Node) bool {
	return AccessModel(node.Config.AccessModel) == AccessAuthorize
}

// SubscribeRequest bundles the inputs to Subscribe.
type SubscribeRequest struct {
	Sender     JID
	Subscriber JID
	Options    *SubscriptionOptions // nil when no options form was submitted
}

// Subscribe implements §4.4a.
func (s *Service) Subscribe(node *Node, req SubscribeRequest) (*NodeSubscription, *StanzaError) {
	isAdmin := s.IsAdmin(req.Sender)
	if !req.Sender.EqualBare(req.Subscriber) && !isAdmin {
		return nil, ErrInvalidJID
	}
	if !s.Users.IsRegistered(req.Subscriber.Bare()) {
		return nil, ErrForbidden
	}
	if node.Affiliation(req.Subscriber) == AffiliationOutcast {
		return nil, ErrForbidden
	}
	if !node.Config.SubscriptionEnabled && !isAdmin {
		return nil, ErrNotAllowed
	}
	if serr := s.checkAccessAdmission(node, req.Subscriber); serr != nil {
		return nil, serr
	}

	opts := DefaultSubscriptionOptions()
	if req.Options != nil {
		opts = *req.Options
	}
	subType := SubTypeItems
	if node.Kind == KindCollection && opts.SubscriptionType == string(SubTypeNodes) {
		subType = SubTypeNodes
	}

	bare := req.Subscriber.Bare().String()
	existing := node.SubscriptionsForBareJID(bare)

	if !node.Config.MultipleSubscriptionsEnabled {
		for _, sub := range existing {
			if node.Kind != KindCollection || sub.Type == subType {
				return sub, nil // echo existing subscription state, per §4.4a
			}
		}
	} else if node.Kind == KindCollection {
		for _, sub := range existing {
			if sub.Type == subType {
				return nil, ErrConflict
			}
		}
	}

	state := SubSubscribed
	if needsAuthorization(node) {
		state = SubPending
	}

	sub := &NodeSubscription{
		NodeID:     node.ID,
		OwnerBare:  bare,
		Subscriber: req.Subscriber,
		State:      state,
		Type:       subType,
		Options:    opts,
	}
	if node.Config.MultipleSubscriptionsEnabled {
		sub.SubID = randomNodeID()
	}
	node.AddSubscription(sub)

	if node.Affiliation(req.Subscriber) == AffiliationNone {
		node.SetAffiliation(req.Subscriber, AffiliationMember)
	}

	if state == SubPending {
		s.sendAuthorizationRequests(node, sub)
	}

	return sub, nil
}

// sendAuthorizationRequests messages every owner of node with a
// pubsub#subscribe_authorization data form for the pending subscription.
func (s *Service) sendAuthorizationRequests(node *Node, sub *NodeSubscription) {
	form := NewDataForm(FormTypeSubscribeAuth)
	form.Kind = "form"
	form.Set("pubsub#node", node.ID)
	form.Set("pubsub#subid", sub.SubID)
	form.Set("pubsub#subscriber_jid", sub.Subscriber.String())
	form.Set("pubsub#allow", "false")

	x := form.Element()
	for _, ownerBare := range node.OwnerList() {
		msg := &Message{
			XMLFrom:  s.Config.JID,
			XMLTo:    ParseJID(ownerBare),
			XMLType:  "normal",
			Children: []*Element{x},
		}
		s.Router.Route(msg)
	}
}

// ApproveSubscription finalizes an owner's allow/deny decision on a
// pending subscription (§4.4g).
func (s *Service) ApproveSubscription(node *Node, sub *NodeSubscription, approved bool) {
	if !approved {
		s.removeSubscription(node, sub)
		return
	}
	sub.State = SubSubscribed
	node.AddSubscription(sub)
}

// HandleAuthorizationAnswer locates the pending subscription named by a
// submitted pubsub#subscribe_authorization form and applies the owner's
// decision (§4.4g). Per §9 Design Note (iii), the sender's ownership of
// the node is not re-verified here, preserving the source behavior.
func (s *Service) HandleAuthorizationAnswer(node *Node, form *DataForm) {
	subID := form.Value("pubsub#subid")
	allowVal := form.Value("pubsub#allow")

	var sub *NodeSubscription
	if subID != "" {
		sub = node.FindSubscriptionBySubID(subID)
	}
	if sub == nil {
		for _, candidate := range node.SubscriptionsSnapshot() {
			if candidate.State == SubPending {
				sub = candidate
				break
			}
		}
	}
	if sub == nil {
		return
	}

	switch allowVal {
	case "true", "1":
		s.ApproveSubscription(node, sub, true)
	case "false", "0":
		s.ApproveSubscription(node, sub, false)
	default:
		s.Log.Warn("ignoring subscribe_authorization answer with unrecognized pubsub#allow value",
			zap.String("allow", allowVal))
	}
}

// UnsubscribeRequest bundles the inputs to Unsubscribe.
type UnsubscribeRequest struct {
	Sender JID
	SubID  string
	JID    JID // set when identifying by jid attribute instead of subID
}

// Unsubscribe implements §4.4b.
func (s *Service) Unsubscribe(node *Node, req UnsubscribeRequest) *StanzaError {
	var sub *NodeSubscription
	switch {
	case node.Config.MultipleSubscriptionsEnabled:
		if req.SubID == "" {
			return ErrSubIDRequired
		}
		sub = node.FindSubscriptionBySubID(req.SubID)
		if sub == nil {
			return ErrInvalidSubID
		}
	case req.JID.IsZero():
		return ErrJIDRequired
	default:
		sub = node.FindSubscriptionByJID(req.JID)
		if sub == nil {
			return ErrNotSubscribed
		}
	}

	isAdmin := s.IsAdmin(req.Sender)
	if !isAdmin && !req.Sender.EqualBare(sub.Subscriber) {
		return ErrForbidden
	}

	s.removeSubscription(node, sub)
	return nil
}

// removeSubscription deletes sub from node, retaining the affiliate
// record unless the entity now has no subscriptions and no affiliation
// beyond member (§4.4b).
func (s *Service) removeSubscription(node *Node, sub *NodeSubscription) {
	node.RemoveSubscription(sub.subKey())
	remaining := node.SubscriptionsForBareJID(sub.OwnerBare)
	if len(remaining) == 0 && node.Affiliation(sub.Subscriber) == AffiliationMember {
		node.SetAffiliation(sub.Subscriber, AffiliationNone)
	}
}

// GetSubscriptionOptions implements the get half of §4.4c/d.
func (s *Service) GetSubscriptionOptions(node *Node, requester JID, subID string, jid JID) (*DataForm, *StanzaError) {
	sub, serr := s.resolveSubscriptionForOptions(node, subID, jid)
	if serr != nil {
		return nil, serr
	}
	if !requester.EqualBare(sub.Subscriber) && !s.IsAdmin(requester) {
		return nil, ErrForbidden
	}
	return sub.Options.ToForm(), nil
}

// SetSubscriptionOptions implements the set half of §4.4c/d.
func (s *Service) SetSubscriptionOptions(node *Node, requester JID, subID string, jid JID, form *DataForm) *StanzaError {
	sub, serr := s.resolveSubscriptionForOptions(node, subID, jid)
	if serr != nil {
		return serr
	}
	if !requester.EqualBare(sub.Subscriber) && !s.IsAdmin(requester) {
		return ErrForbidden
	}
	var opts SubscriptionOptions
	if err := form.DecodeInto(&opts); err != nil {
		return ErrBadRequest
	}
	sub.Options = opts
	return nil
}

func (s *Service) resolveSubscriptionForOptions(node *Node, subID string, jid JID) (*NodeSubscription, *StanzaError) {
	if node.Config.MultipleSubscriptionsEnabled {
		if subID == "" {
			return nil, ErrSubIDRequired
		}
		sub := node.FindSubscriptionBySubID(subID)
		if sub == nil {
			return nil, ErrInvalidSubID
		}
		return sub, nil
	}
	if jid.IsZero() {
		return nil, ErrJIDRequired
	}
	sub := node.FindSubscriptionByJID(jid)
	if sub == nil {
		return nil, ErrNotSubscribed
	}
	return sub, nil
}

// SubscriptionListEntry is one row of a §4.4e aggregate listing.
type SubscriptionListEntry struct {
	Node        string
	JID         JID
	Affiliation Affiliation
	State       SubState
	SubID       string
}

// ListSubscriptions aggregates every subscription held by bare across all
// nodes (§4.4e). The root collection's nodeID is omitted, per spec.
func (s *Service) ListSubscriptions(bare JID) ([]SubscriptionListEntry, *StanzaError) {
	var out []SubscriptionListEntry
	for _, n := range s.Nodes.All() {
		for _, sub := range n.SubscriptionsForBareJID(bare.Bare().String()) {
			entry := SubscriptionListEntry{
				Node:        displayNodeID(n),
				JID:         sub.Subscriber,
				Affiliation: n.Affiliation(sub.Subscriber),
				State:       sub.State,
			}
			if n.Config.MultipleSubscriptionsEnabled {
				entry.SubID = sub.SubID
			}
			out = append(out, entry)
		}
	}
	if len(out) == 0 {
		return nil, ErrItemNotFound
	}
	return out, nil
}

// AffiliationListEntry is one row of a §4.4f aggregate listing.
type AffiliationListEntry struct {
	Node        string
	Affiliation Affiliation
}

// ListAffiliations aggregates every affiliation held by bare across all
// nodes (§4.4f).
func (s *Service) ListAffiliations(bare JID) ([]AffiliationListEntry, *StanzaError) {
	var out []AffiliationListEntry
	for _, n := range s.Nodes.All() {
		aff := n.Affiliation(bare)
		if aff == AffiliationNone {
			continue
		}
		out = append(out, AffiliationListEntry{Node: displayNodeID(n), Affiliation: aff})
	}
	if len(out) == 0 {
		return nil, ErrItemNotFound
	}
	return out, nil
}

func displayNodeID(n *Node) string {
	if n.IsRoot() {
		return ""
	}
	return n.ID
}

// CancelAllSubscriptions implements the cancelAllSubscriptions(sender)
// call triggered by any error/cancel message (§4.1, §9 Design Note ii):
// a loop of independent per-node locks, each acquired and released on
// its own, so no cross-node ordering can deadlock (§5).
func (s *Service) CancelAllSubscriptions(bare JID) {
	for _, n := range s.Nodes.All() {
		for _, sub := range n.SubscriptionsForBareJID(bare.Bare().String()) {
			s.removeSubscription(n, sub)
		}
	}
}
