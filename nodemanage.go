package xmppubsub

import (
	"context"

	"go.uber.org/zap"
)

// CreateNodeRequest bundles the inputs to CreateNode (§4.3a).
type CreateNodeRequest struct {
	Sender     JID
	NodeID     string // "" when the requester asks for an instant node
	Collection bool   // type="collection" was requested
	ConfigForm *DataForm
}

// CreateNode implements §4.3a.
func (s *Service) CreateNode(ctx context.Context, req CreateNodeRequest) (*Node, *StanzaError) {
	if !s.Users.IsRegistered(req.Sender.Bare()) {
		return nil, ErrForbidden
	}
	if s.Config.CanCreateNode != nil && !s.Config.CanCreateNode(req.Sender) {
		return nil, ErrForbidden
	}
	if req.Collection && !s.Config.CollectionNodesSupported {
		return nil, ErrUnsupportedCollections
	}
	if req.NodeID == "" && !s.Config.InstantNodesSupported {
		return nil, ErrNodeIDRequired
	}

	var cfg NodeConfig
	if req.Collection {
		cfg = s.Config.DefaultCollectionConfig
	} else {
		cfg = s.Config.DefaultLeafConfig
	}
	if req.ConfigForm != nil {
		if err := req.ConfigForm.DecodeInto(&cfg); err != nil {
			return nil, ErrBadRequest
		}
	}

	var parent *Node
	switch {
	case cfg.Collection != "":
		parent = s.Nodes.Get(cfg.Collection)
		if parent == nil {
			return nil, ErrItemNotFound
		}
		if parent.Kind != KindCollection {
			return nil, NewStanzaError(CondNotAcceptable)
		}
	case s.Config.CollectionNodesSupported:
		parent = s.root
	}

	if !req.Collection && parent != nil && !parent.IsRoot() {
		if !childAssociationAllowed(parent, req.Sender) {
			return nil, ErrForbidden
		}
		if parent.Config.MaxChildren > 0 && parent.ChildCount() >= parent.Config.MaxChildren {
			return nil, ErrMaxNodesExceeded
		}
	}

	var node *Node
	for {
		id := req.NodeID
		if id == "" {
			id = randomNodeID()
		}
		id = QualifyChildID(parent, id)

		if req.Collection {
			node = NewCollection(id, parent, req.Sender, cfg)
		} else {
			node = NewLeaf(id, parent, req.Sender, cfg)
		}
		if s.Nodes.TryInsert(node) {
			break
		}
		if req.NodeID != "" {
			return nil, ErrConflict
		}
		// generated id collided; retry with a new random id
	}

	node.SetAffiliation(req.Sender, AffiliationOwner)
	if parent != nil && parent.Kind == KindCollection {
		parent.AddChild(node.ID)
	}

	if err := s.Backend.SaveNode(ctx, node); err != nil {
		s.Nodes.Delete(node.ID)
		if parent != nil {
			parent.RemoveChild(node.ID)
		}
		s.Log.Error("create node backend failure", zap.String("node", node.ID), zap.Error(err))
		return nil, ErrInternalServerError
	}

	return node, nil
}

// childAssociationAllowed applies parent's child-association policy to a
// prospective leaf creator (§4.3a).
func childAssociationAllowed(parent *Node, creator JID) bool {
	switch ChildAssociationPolicy(parent.Config.ChildAssociationPolicy) {
	case AssociateOwners:
		return parent.IsOwner(creator)
	case AssociateWhitelist:
		aff := parent.Affiliation(creator)
		return aff == AffiliationOwner || aff == AffiliationPublisher || aff == AffiliationMember
	default: // AssociateAll, or unset
		return true
	}
}

// GetNodeConfig implements the get half of §4.3b/c.
func (s *Service) GetNodeConfig(node *Node, requester JID) (*DataForm, *StanzaError) {
	if !node.IsOwner(requester) {
		return nil, ErrForbidden
	}
	return node.Config.ToForm(), nil
}

// SetNodeConfig implements the set half of §4.3b/c. form is expected to
// already be in its full (non-short) shape; the dispatcher is responsible
// for running a short-form submission through ExpandShortNodeConfig
// first.
func (s *Service) SetNodeConfig(ctx context.Context, node *Node, requester JID, form *DataForm) *StanzaError {
	if !node.IsOwner(requester) {
		return ErrForbidden
	}
	cfg := node.Config
	if err := form.DecodeInto(&cfg); err != nil {
		return ErrBadRequest
	}
	node.ApplyConfig(cfg)
	if node.OwnerCount() == 0 {
		return NewStanzaError(CondNotAcceptable)
	}
	if err := s.Backend.SaveNode(ctx, node); err != nil {
		s.Log.Error("save node config backend failure", zap.String("node", node.ID), zap.Error(err))
	}
	return nil
}

// DefaultNodeConfig implements §4.3d.
func (s *Service) DefaultNodeConfig(collection bool) (*DataForm, *StanzaError) {
	if collection {
		if !s.Config.CollectionNodesSupported {
			return nil, ErrUnsupportedCollections
		}
		return s.Config.DefaultCollectionConfig.ToForm(), nil
	}
	return s.Config.DefaultLeafConfig.ToForm(), nil
}

// DeleteNode implements §4.3e.
func (s *Service) DeleteNode(ctx context.Context, node *Node, requester JID) *StanzaError {
	if node.IsRoot() {
		return ErrNotAllowed
	}
	if !node.IsOwner(requester) {
		return ErrForbidden
	}

	s.Batcher.CancelQueuedItems(node.ItemsSnapshot())

	for _, sub := range node.SubscribedSnapshot() {
		s.Router.Route(s.buildDeleteNotification(node, sub))
	}

	if node.Parent != nil {
		node.Parent.RemoveChild(node.ID)
	}
	s.Nodes.Delete(node.ID)

	if err := s.Backend.DeleteNode(ctx, node); err != nil {
		s.Log.Error("delete node backend failure", zap.String("node", node.ID), zap.Error(err))
		return ErrInternalServerError
	}
	return nil
}

func (s *Service) buildDeleteNotification(node *Node, sub *NodeSubscription) *Message {
	event := NewElement("http://jabber.org/protocol/pubsub#event", "event")
	del := event.AddChild(NewElement("", "delete"))
	del.SetAttribute("node", node.ID)
	return &Message{
		XMLFrom:  s.Config.JID,
		XMLTo:    sub.Subscriber,
		XMLType:  "headline",
		Children: []*Element{event},
	}
}

// AffiliatedEntity is one row of a §4.3f listing: an affiliate, or one of
// its subscriptions when any exist.
type AffiliatedEntity struct {
	JID         JID
	Affiliation Affiliation
	SubID       string // only set when multi-subs enabled and a subscription exists
	SubState    SubState
}

// GetAffiliatedEntities implements §4.3f.
func (s *Service) GetAffiliatedEntities(node *Node, requester JID) ([]AffiliatedEntity, *StanzaError) {
	if !node.IsOwner(requester) {
		return nil, ErrForbidden
	}
	var out []AffiliatedEntity
	for _, aff := range node.AffiliatesSnapshot() {
		subs := node.SubscriptionsForBareJID(aff.BareJID)
		if len(subs) == 0 {
			out = append(out, AffiliatedEntity{JID: ParseJID(aff.BareJID), Affiliation: aff.Affiliation})
			continue
		}
		for _, sub := range subs {
			entry := AffiliatedEntity{JID: sub.Subscriber, Affiliation: aff.Affiliation, SubState: sub.State}
			if node.Config.MultipleSubscriptionsEnabled {
				entry.SubID = sub.SubID
			}
			out = append(out, entry)
		}
	}
	return out, nil
}

// EntityModification is one <entity/> child of a §4.3g modify request.
type EntityModification struct {
	JID         JID
	SubID       string
	Affiliation Affiliation // "" leaves the affiliation unchanged
	SubState    SubState    // "" leaves the subscription state unchanged
}

// EntityModifyFailure reports an entity whose change was rejected,
// carrying its pre-modification state for the reply body (§4.3g).
type EntityModifyFailure struct {
	Entity           EntityModification
	PriorAffiliation Affiliation
}

// ModifyAffiliatedEntities implements §4.3g: failures (only the
// owner-invariant violation) are collected and reported, but successfully
// applied changes to other entities still take effect.
func (s *Service) ModifyAffiliatedEntities(ctx context.Context, node *Node, requester JID, mods []EntityModification) ([]EntityModifyFailure, *StanzaError) {
	if !node.IsOwner(requester) {
		return nil, ErrForbidden
	}

	var failures []EntityModifyFailure
	for _, mod := range mods {
		priorAff := node.Affiliation(mod.JID)

		if mod.Affiliation != "" && mod.Affiliation != AffiliationOwner &&
			priorAff == AffiliationOwner && node.OwnerCount() <= 1 {
			failures = append(failures, EntityModifyFailure{Entity: mod, PriorAffiliation: priorAff})
			continue
		}

		if mod.Affiliation != "" {
			node.SetAffiliation(mod.JID, mod.Affiliation)
			bare := mod.JID.Bare().String()
			rec := &NodeAffiliate{NodeID: node.ID, BareJID: bare, Affiliation: mod.Affiliation}
			if err := s.Backend.SaveAffiliation(ctx, rec); err != nil {
				s.Log.Warn("save affiliation failed", zap.String("node", node.ID), zap.Error(err))
			}
		}

		if mod.SubState != "" {
			var sub *NodeSubscription
			if mod.SubID != "" {
				sub = node.FindSubscriptionBySubID(mod.SubID)
			} else {
				sub = node.FindSubscriptionByJID(mod.JID)
			}
			if sub != nil {
				sub.State = mod.SubState
				node.AddSubscription(sub)
			}
		}
	}

	if len(failures) > 0 {
		return failures, NewStanzaError(CondNotAcceptable)
	}
	return nil, nil
}
