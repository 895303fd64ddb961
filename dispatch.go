package xmppubsub

import (
	"context"

	"go.uber.org/zap"
)

// XEP-0060/XEP-0050 namespaces recognized by the dispatcher (§4.1).
const (
	NSPubSub      = "http://jabber.org/protocol/pubsub"
	NSPubSubOwner = "http://jabber.org/protocol/pubsub#owner"
	NSCommands    = "http://jabber.org/protocol/commands"
)

// ProcessIQ implements §4.1's IQ dispatch rules. It returns false when the
// first child element's namespace is not one the engine recognizes, so
// the caller can try other handlers; true once the engine has routed a
// reply (success or typed error).
func (s *Service) ProcessIQ(ctx context.Context, iq *IQ) bool {
	if iq.Type() == "result" || iq.Type() == "error" {
		return true
	}

	payload := iq.Payload
	if payload == nil {
		return false
	}

	switch payload.Namespace() {
	case NSPubSub:
		s.dispatchPubSub(ctx, iq, payload)
		return true
	case NSPubSubOwner:
		s.dispatchPubSubOwner(ctx, iq, payload)
		return true
	case NSCommands:
		if s.AdHoc == nil {
			return false
		}
		return s.AdHoc.Process(iq)
	default:
		return false
	}
}

func (s *Service) reply(iq *IQ, payload *Element) {
	s.Router.Route(iq.Reply(payload))
}

func (s *Service) replyError(iq *IQ, serr *StanzaError) {
	errIQ := &IQ{
		XMLFrom: iq.XMLTo,
		XMLTo:   iq.XMLFrom,
		XMLID:   iq.XMLID,
		XMLType: "error",
		Payload: serr.Element(),
	}
	s.Router.Route(errIQ)
}

// resolveNode looks up the `node` attribute of el against the store,
// defaulting to the root collection when absent and supported, per the
// repeated "no node specified" rule across §4.3/§4.4/§4.5.
func (s *Service) resolveNode(el *Element) (*Node, *StanzaError) {
	id := el.Attribute("node")
	if id == "" {
		if !s.Config.CollectionNodesSupported {
			return nil, ErrNodeIDRequiredBad
		}
		return s.root, nil
	}
	node := s.Nodes.Get(id)
	if node == nil {
		return nil, ErrItemNotFound
	}
	return node, nil
}

func (s *Service) dispatchPubSub(ctx context.Context, iq *IQ, pubsub *Element) {
	switch {
	case pubsub.Child("publish") != nil:
		s.handlePublish(ctx, iq, pubsub.Child("publish"))
	case pubsub.Child("subscribe") != nil:
		s.handleSubscribe(iq, pubsub.Child("subscribe"))
	case pubsub.Child("unsubscribe") != nil:
		s.handleUnsubscribe(iq, pubsub.Child("unsubscribe"))
	case pubsub.Child("options") != nil:
		s.handleOptions(iq, pubsub.Child("options"))
	case pubsub.Child("create") != nil:
		s.handleCreate(ctx, iq, pubsub.Child("create"), pubsub)
	case pubsub.Child("subscriptions") != nil:
		s.handleListSubscriptions(iq)
	case pubsub.Child("affiliations") != nil:
		s.handleListAffiliations(iq)
	case pubsub.Child("items") != nil:
		s.handleRetrieve(ctx, iq, pubsub.Child("items"))
	case pubsub.Child("retract") != nil:
		s.handleRetract(ctx, iq, pubsub.Child("retract"))
	default:
		s.replyError(iq, ErrBadRequest)
	}
}

func (s *Service) dispatchPubSubOwner(ctx context.Context, iq *IQ, owner *Element) {
	switch {
	case owner.Child("configure") != nil:
		s.handleConfigure(ctx, iq, owner.Child("configure"))
	case owner.Child("default") != nil:
		s.handleDefault(iq, owner.Child("default"))
	case owner.Child("delete") != nil:
		s.handleDeleteNode(ctx, iq, owner.Child("delete"))
	case owner.Child("entities") != nil:
		s.handleEntities(ctx, iq, owner.Child("entities"))
	case owner.Child("purge") != nil:
		s.handlePurge(ctx, iq, owner.Child("purge"))
	default:
		s.replyError(iq, ErrBadRequest)
	}
}

func (s *Service) handlePublish(ctx context.Context, iq *IQ, publishEl *Element) {
	node, serr := s.resolveNode(publishEl)
	if serr != nil {
		s.replyError(iq, serr)
		return
	}
	items, serr := s.Publish(ctx, node, iq.From(), publishEl)
	if serr != nil {
		s.replyError(iq, serr)
		return
	}
	s.reply(iq, nil)
	if len(items) > 0 {
		s.NotifyPublish(node, items)
	}
}

func (s *Service) handleRetract(ctx context.Context, iq *IQ, retractEl *Element) {
	node, serr := s.resolveNode(retractEl)
	if serr != nil {
		s.replyError(iq, serr)
		return
	}
	if _, serr := s.Retract(ctx, node, iq.From(), retractEl); serr != nil {
		s.replyError(iq, serr)
		return
	}
	s.reply(iq, nil)
}

func (s *Service) handleSubscribe(iq *IQ, subEl *Element) {
	node, serr := s.resolveNode(subEl)
	if serr != nil {
		s.replyError(iq, serr)
		return
	}

	req := SubscribeRequest{
		Sender:     iq.From(),
		Subscriber: ParseJID(subEl.Attribute("jid")),
	}
	if x := subEl.ChildInNS("jabber:x:data", "x"); x != nil {
		form := ParseDataForm(x)
		var opts SubscriptionOptions
		if err := form.DecodeInto(&opts); err == nil {
			req.Options = &opts
		}
	}

	sub, serr := s.Subscribe(node, req)
	if serr != nil {
		s.replyError(iq, serr)
		return
	}

	reply := NewElement(NSPubSub, "pubsub")
	subEcho := reply.AddChild(NewElement("", "subscription"))
	subEcho.SetAttribute("node", displayNodeID(node))
	subEcho.SetAttribute("jid", sub.Subscriber.String())
	subEcho.SetAttribute("subscription", string(sub.State))
	if sub.SubID != "" {
		subEcho.SetAttribute("subid", sub.SubID)
	}
	s.reply(iq, reply)
}

func (s *Service) handleUnsubscribe(iq *IQ, unsubEl *Element) {
	node, serr := s.resolveNode(unsubEl)
	if serr != nil {
		s.replyError(iq, serr)
		return
	}
	req := UnsubscribeRequest{
		Sender: iq.From(),
		SubID:  unsubEl.Attribute("subid"),
	}
	if jidAttr := unsubEl.Attribute("jid"); jidAttr != "" {
		req.JID = ParseJID(jidAttr)
	}
	if serr := s.Unsubscribe(node, req); serr != nil {
		s.replyError(iq, serr)
		return
	}
	s.reply(iq, nil)
}

func (s *Service) handleOptions(iq *IQ, optsEl *Element) {
	node, serr := s.resolveNode(optsEl)
	if serr != nil {
		s.replyError(iq, serr)
		return
	}
	subID := optsEl.Attribute("subid")
	var jid JID
	if jidAttr := optsEl.Attribute("jid"); jidAttr != "" {
		jid = ParseJID(jidAttr)
	}

	if iq.Type() == "set" {
		x := optsEl.ChildInNS("jabber:x:data", "x")
		form := ParseDataForm(x)
		if serr := s.SetSubscriptionOptions(node, iq.From(), subID, jid, form); serr != nil {
			s.replyError(iq, serr)
			return
		}
		s.reply(iq, nil)
		return
	}

	form, serr := s.GetSubscriptionOptions(node, iq.From(), subID, jid)
	if serr != nil {
		s.replyError(iq, serr)
		return
	}
	reply := NewElement(NSPubSub, "pubsub")
	reply.AddChild(form.Element())
	s.reply(iq, reply)
}

func (s *Service) handleCreate(ctx context.Context, iq *IQ, createEl *Element, pubsub *Element) {
	req := CreateNodeRequest{
		Sender:     iq.From(),
		NodeID:     createEl.Attribute("node"),
		Collection: createEl.Attribute("type") == "collection",
	}
	if x := pubsub.ChildInNS("jabber:x:data", "x"); x != nil {
		req.ConfigForm = ParseDataForm(x)
	} else if configureEl := pubsub.Child("configure"); configureEl != nil {
		if x := configureEl.ChildInNS("jabber:x:data", "x"); x != nil {
			req.ConfigForm = ParseDataForm(x)
		}
	}

	node, serr := s.CreateNode(ctx, req)
	if serr != nil {
		s.replyError(iq, serr)
		return
	}

	reply := NewElement(NSPubSub, "pubsub")
	createEcho := reply.AddChild(NewElement("", "create"))
	createEcho.SetAttribute("node", node.ID)
	s.reply(iq, reply)
}

func (s *Service) handleListSubscriptions(iq *IQ) {
	entries, serr := s.ListSubscriptions(iq.From())
	if serr != nil {
		s.replyError(iq, serr)
		return
	}
	reply := NewElement(NSPubSub, "pubsub")
	subsEl := reply.AddChild(NewElement("", "subscriptions"))
	for _, e := range entries {
		el := subsEl.AddChild(NewElement("", "subscription"))
		el.SetAttribute("node", e.Node)
		el.SetAttribute("jid", e.JID.String())
		el.SetAttribute("subscription", string(e.State))
		if e.SubID != "" {
			el.SetAttribute("subid", e.SubID)
		}
	}
	s.reply(iq, reply)
}

func (s *Service) handleListAffiliations(iq *IQ) {
	entries, serr := s.ListAffiliations(iq.From())
	if serr != nil {
		s.replyError(iq, serr)
		return
	}
	reply := NewElement(NSPubSub, "pubsub")
	affsEl := reply.AddChild(NewElement("", "affiliations"))
	for _, e := range entries {
		el := affsEl.AddChild(NewElement("", "affiliation"))
		el.SetAttribute("node", e.Node)
		el.SetAttribute("affiliation", string(e.Affiliation))
	}
	s.reply(iq, reply)
}

func (s *Service) handleRetrieve(ctx context.Context, iq *IQ, itemsEl *Element) {
	node, serr := s.resolveNode(itemsEl)
	if serr != nil {
		s.replyError(iq, serr)
		return
	}

	var opts RetrieveOptions
	if v := itemsEl.Attribute("max_items"); v != "" {
		opts.MaxItems = parsePositiveInt(v)
	}
	for _, itemEl := range itemsEl.ChildrenByName("item") {
		opts.ItemIDs = append(opts.ItemIDs, itemEl.Attribute("id"))
	}

	items, serr := s.Retrieve(ctx, node, iq.From(), itemsEl.Attribute("subid"), opts)
	if serr != nil {
		s.replyError(iq, serr)
		return
	}

	reply := NewElement(NSPubSub, "pubsub")
	itemsReply := reply.AddChild(NewElement("", "items"))
	itemsReply.SetAttribute("node", node.ID)
	for _, it := range items {
		itemEl := itemsReply.AddChild(NewElement("", "item"))
		itemEl.SetAttribute("id", it.ItemID)
		if it.Payload != nil {
			itemEl.AddChild(it.Payload)
		}
	}
	s.reply(iq, reply)
}

func parsePositiveInt(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func (s *Service) handleConfigure(ctx context.Context, iq *IQ, configureEl *Element) {
	node, serr := s.resolveNode(configureEl)
	if serr != nil {
		s.replyError(iq, serr)
		return
	}

	if iq.Type() == "set" {
		var form *DataForm
		if x := configureEl.ChildInNS("jabber:x:data", "x"); x != nil {
			form = ParseDataForm(x)
		} else {
			form = ExpandShortNodeConfig(configureEl)
		}
		if serr := s.SetNodeConfig(ctx, node, iq.From(), form); serr != nil {
			s.replyError(iq, serr)
			return
		}
		s.reply(iq, nil)
		return
	}

	form, serr := s.GetNodeConfig(node, iq.From())
	if serr != nil {
		s.replyError(iq, serr)
		return
	}
	reply := NewElement(NSPubSubOwner, "pubsub")
	configureReply := reply.AddChild(NewElement("", "configure"))
	configureReply.SetAttribute("node", node.ID)
	configureReply.AddChild(form.Element())
	s.reply(iq, reply)
}

func (s *Service) handleDefault(iq *IQ, defaultEl *Element) {
	form, serr := s.DefaultNodeConfig(defaultEl.Attribute("type") == "collection")
	if serr != nil {
		s.replyError(iq, serr)
		return
	}
	reply := NewElement(NSPubSubOwner, "pubsub")
	defaultReply := reply.AddChild(NewElement("", "default"))
	defaultReply.AddChild(form.Element())
	s.reply(iq, reply)
}

func (s *Service) handleDeleteNode(ctx context.Context, iq *IQ, deleteEl *Element) {
	node, serr := s.resolveNode(deleteEl)
	if serr != nil {
		s.replyError(iq, serr)
		return
	}
	if serr := s.DeleteNode(ctx, node, iq.From()); serr != nil {
		s.replyError(iq, serr)
		return
	}
	s.reply(iq, nil)
}

func (s *Service) handlePurge(ctx context.Context, iq *IQ, purgeEl *Element) {
	node, serr := s.resolveNode(purgeEl)
	if serr != nil {
		s.replyError(iq, serr)
		return
	}
	if serr := s.Purge(ctx, node, iq.From()); serr != nil {
		s.replyError(iq, serr)
		return
	}
	s.reply(iq, nil)
}

func (s *Service) handleEntities(ctx context.Context, iq *IQ, entitiesEl *Element) {
	node, serr := s.resolveNode(entitiesEl)
	if serr != nil {
		s.replyError(iq, serr)
		return
	}

	if iq.Type() == "set" {
		mods := parseEntityModifications(entitiesEl)
		failures, serr := s.ModifyAffiliatedEntities(ctx, node, iq.From(), mods)
		if serr != nil {
			reply := NewElement(NSPubSubOwner, "pubsub")
			entitiesReply := reply.AddChild(NewElement("", "entities"))
			for _, f := range failures {
				el := entitiesReply.AddChild(NewElement("", "entity"))
				el.SetAttribute("jid", f.Entity.JID.String())
				el.SetAttribute("affiliation", string(f.PriorAffiliation))
			}
			errIQ := &IQ{XMLFrom: iq.XMLTo, XMLTo: iq.XMLFrom, XMLID: iq.XMLID, XMLType: "error", Payload: serr.Element()}
			errIQ.Payload.AddChild(reply)
			s.Router.Route(errIQ)
			return
		}
		s.reply(iq, nil)
		return
	}

	entries, serr := s.GetAffiliatedEntities(node, iq.From())
	if serr != nil {
		s.replyError(iq, serr)
		return
	}
	reply := NewElement(NSPubSubOwner, "pubsub")
	entitiesReply := reply.AddChild(NewElement("", "entities"))
	for _, e := range entries {
		el := entitiesReply.AddChild(NewElement("", "entity"))
		el.SetAttribute("jid", e.JID.String())
		el.SetAttribute("affiliation", string(e.Affiliation))
		if e.SubID != "" {
			el.SetAttribute("subid", e.SubID)
		}
		if e.SubState != "" {
			el.SetAttribute("subscription", string(e.SubState))
		}
	}
	s.reply(iq, reply)
}

func parseEntityModifications(entitiesEl *Element) []EntityModification {
	var mods []EntityModification
	for _, el := range entitiesEl.ChildrenByName("entity") {
		mod := EntityModification{
			JID:   ParseJID(el.Attribute("jid")),
			SubID: el.Attribute("subid"),
		}
		if aff := el.Attribute("affiliation"); aff != "" {
			mod.Affiliation = Affiliation(aff)
		}
		if state := el.Attribute("subscription"); state != "" {
			mod.SubState = SubState(state)
		}
		mods = append(mods, mod)
	}
	return mods
}

// ProcessPresence implements §4.1's presence dispatch: available updates
// the tracker, unavailable removes, other types are ignored (the server
// handles subscription negotiation).
func (s *Service) ProcessPresence(p *Presence) {
	switch p.Type() {
	case "":
		s.Presence.OnAvailable(p.From(), p.Show)
	case "unavailable":
		s.Presence.OnUnavailable(p.From())
	}
}

// ProcessMessage implements §4.1's message dispatch: error/cancel triggers
// cancelAllSubscriptions; a normal message carrying a
// pubsub#subscribe_authorization form is routed to the authorization
// answer handler.
func (s *Service) ProcessMessage(m *Message) {
	if m.Type() == "error" && m.ErrorType == "cancel" {
		s.CancelAllSubscriptions(m.From())
		return
	}
	if m.Type() != "normal" {
		return
	}
	for _, el := range m.Elements() {
		x := el.ChildInNS("jabber:x:data", "x")
		if x == nil && el.Namespace() == "jabber:x:data" && el.Name() == "x" {
			x = el
		}
		if x == nil {
			continue
		}
		form := ParseDataForm(x)
		if form.FormType() != FormTypeSubscribeAuth {
			continue
		}
		node := s.Nodes.Get(form.Value("pubsub#node"))
		if node == nil {
			s.Log.Warn("subscribe_authorization answer for unknown node", zap.String("node", form.Value("pubsub#node")))
			return
		}
		s.HandleAuthorizationAnswer(node, form)
		return
	}
}
