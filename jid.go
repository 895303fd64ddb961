package xmppubsub

import "strings"

// JID is an XMPP address of the form local@domain/resource. Local and
// Resource are optional; Domain is not.
//
// This is a minimal value type, not a wire-format parser: the stanza
// router is responsible for handing the engine already-split addresses
// (or pre-parsed JID values carried on Element attributes). It is
// modeled after the header-attribute JIDs used by honnef.co/go/xmpp's
// rfc6120 client and the *jid.JID fields on mellium.im/xmpp's Presence
// stanza, without taking on either as a dependency.
type JID struct {
	Local    string
	Domain   string
	Resource string
}

// ParseJID splits a JID string into its constituent parts. It does not
// validate node/resource profiles (that belongs to the wire parser); it
// only recognizes the local@domain/resource grammar.
func ParseJID(s string) JID {
	var j JID
	if slash := strings.IndexByte(s, '/'); slash >= 0 {
		j.Resource = s[slash+1:]
		s = s[:slash]
	}
	if at := strings.IndexByte(s, '@'); at >= 0 {
		j.Local = s[:at]
		s = s[at+1:]
	}
	j.Domain = s
	return j
}

// Bare returns the JID with any resource removed.
func (j JID) Bare() JID {
	j.Resource = ""
	return j
}

// IsBare reports whether j carries no resource.
func (j JID) IsBare() bool {
	return j.Resource == ""
}

// IsFull reports whether j carries a resource.
func (j JID) IsFull() bool {
	return j.Resource != ""
}

// String renders the JID back to local@domain/resource form, omitting
// empty parts.
func (j JID) String() string {
	var b strings.Builder
	if j.Local != "" {
		b.WriteString(j.Local)
		b.WriteByte('@')
	}
	b.WriteString(j.Domain)
	if j.Resource != "" {
		b.WriteByte('/')
		b.WriteString(j.Resource)
	}
	return b.String()
}

// Equal compares two JIDs by their normalized string form.
func (j JID) Equal(other JID) bool {
	return j.String() == other.String()
}

// EqualBare compares the bare forms of two JIDs.
func (j JID) EqualBare(other JID) bool {
	return j.Bare().String() == other.Bare().String()
}

// IsZero reports whether j is the empty JID.
func (j JID) IsZero() bool {
	return j.Local == "" && j.Domain == "" && j.Resource == ""
}
