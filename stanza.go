package xmppubsub

import "encoding/xml"

// Element is a minimal, already-parsed XML element tree. The wire-level
// XML parser is an external collaborator (spec Non-goals); this type is
// the shape the engine expects the stanza router to have decoded stanza
// children into before handing them to the dispatcher. It exists because
// the dispatch rules in §4.1 need to inspect "the first child element's
// namespace" and "the first recognized child element name" generically,
// which a fixed-schema struct cannot express.
//
// The split between a typed header (From/To/ID/Type) and a raw Children
// slice mirrors the header/innerxml split used by the rfc6120 IQ/Message/
// Presence types in honnef.co/go/xmpp.
type Element struct {
	XMLName  xml.Name
	Attr     []xml.Attr `xml:",any,attr"`
	Children []*Element `xml:",any"`
	CharData string     `xml:",chardata"`
}

// NewElement builds a leaf-less element with a namespace and local name.
func NewElement(space, local string) *Element {
	return &Element{XMLName: xml.Name{Space: space, Local: local}}
}

// Attribute returns the named attribute's value, or "" if absent.
func (e *Element) Attribute(name string) string {
	if e == nil {
		return ""
	}
	for _, a := range e.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// SetAttribute sets (or overwrites) an attribute on e.
func (e *Element) SetAttribute(name, value string) {
	for i, a := range e.Attr {
		if a.Name.Local == name {
			e.Attr[i].Value = value
			return
		}
	}
	e.Attr = append(e.Attr, xml.Attr{Name: xml.Name{Local: name}, Value: value})
}

// AddChild appends a child element and returns it.
func (e *Element) AddChild(child *Element) *Element {
	e.Children = append(e.Children, child)
	return child
}

// Child returns the first child with the given local name, searching any
// namespace, or nil.
func (e *Element) Child(local string) *Element {
	if e == nil {
		return nil
	}
	for _, c := range e.Children {
		if c.XMLName.Local == local {
			return c
		}
	}
	return nil
}

// ChildInNS returns the first child with the given namespace and local
// name, or nil.
func (e *Element) ChildInNS(space, local string) *Element {
	if e == nil {
		return nil
	}
	for _, c := range e.Children {
		if c.XMLName.Space == space && c.XMLName.Local == local {
			return c
		}
	}
	return nil
}

// ChildrenByName returns every child with the given local name.
func (e *Element) ChildrenByName(local string) []*Element {
	if e == nil {
		return nil
	}
	var out []*Element
	for _, c := range e.Children {
		if c.XMLName.Local == local {
			out = append(out, c)
		}
	}
	return out
}

// Namespace is a convenience accessor for e.XMLName.Space.
func (e *Element) Namespace() string {
	if e == nil {
		return ""
	}
	return e.XMLName.Space
}

// Name is a convenience accessor for e.XMLName.Local.
func (e *Element) Name() string {
	if e == nil {
		return ""
	}
	return e.XMLName.Local
}

// StanzaKind distinguishes the three stanza kinds the engine consumes.
type StanzaKind int

const (
	KindIQ StanzaKind = iota
	KindPresence
	KindMessage
)

// Stanza is the common surface the dispatcher needs from any inbound
// stanza: its kind, envelope attributes, and its (already parsed)
// children.
type Stanza interface {
	Kind() StanzaKind
	From() JID
	To() JID
	ID() string
	Type() string
	Elements() []*Element
}

// IQ is an info/query stanza: exactly one child carries the request or
// reply payload.
type IQ struct {
	XMLFrom, XMLTo JID
	XMLID          string
	XMLType        string // get | set | result | error
	Payload        *Element
}

func (iq *IQ) Kind() StanzaKind { return KindIQ }
func (iq *IQ) From() JID        { return iq.XMLFrom }
func (iq *IQ) To() JID          { return iq.XMLTo }
func (iq *IQ) ID() string       { return iq.XMLID }
func (iq *IQ) Type() string     { return iq.XMLType }
func (iq *IQ) Elements() []*Element {
	if iq.Payload == nil {
		return nil
	}
	return []*Element{iq.Payload}
}

// Reply builds a result IQ addressed back to the sender, echoing the
// request id.
func (iq *IQ) Reply(payload *Element) *IQ {
	return &IQ{
		XMLFrom: iq.XMLTo,
		XMLTo:   iq.XMLFrom,
		XMLID:   iq.XMLID,
		XMLType: "result",
		Payload: payload,
	}
}

// Presence is an availability stanza.
type Presence struct {
	XMLFrom, XMLTo JID
	XMLID          string
	XMLType        string // "" (available) | unavailable | subscribe | ...
	Show           string
	Children       []*Element
}

func (p *Presence) Kind() StanzaKind     { return KindPresence }
func (p *Presence) From() JID            { return p.XMLFrom }
func (p *Presence) To() JID              { return p.XMLTo }
func (p *Presence) ID() string           { return p.XMLID }
func (p *Presence) Type() string         { return p.XMLType }
func (p *Presence) Elements() []*Element { return p.Children }

// Message is a push stanza; PubSub event notifications are sent as
// Messages of type "headline" (or unset).
type Message struct {
	XMLFrom, XMLTo JID
	XMLID          string
	XMLType        string // normal | chat | headline | error | auth
	ErrorType      string // only meaningful when XMLType == "error"
	Children       []*Element
}

func (m *Message) Kind() StanzaKind     { return KindMessage }
func (m *Message) From() JID            { return m.XMLFrom }
func (m *Message) To() JID              { return m.XMLTo }
func (m *Message) ID() string           { return m.XMLID }
func (m *Message) Type() string         { return m.XMLType }
func (m *Message) Elements() []*Element { return m.Children }

// Router is the external collaborator that delivers outbound stanzas.
// route is assumed non-blocking and best-effort; the router surfaces
// delivery failures via inbound error stanzas, never via a return value
// here.
type Router interface {
	Route(s Stanza)
}
