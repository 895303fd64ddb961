// Package xmppubsub implements a Publish-Subscribe engine for an XMPP
// server, as specified by XEP-0060. It accepts already-parsed IQ,
// Presence, and Message stanzas addressed to a PubSub service, dispatches
// them against a forest of topic nodes, and fans published items out to
// subscribers.
//
// The wire-level XML parser, the stanza router, the persistence backend,
// the user registry, and the ad-hoc command framework are treated as
// external collaborators supplied to a Service at construction time; this
// package only implements the engine that sits between them.
package xmppubsub
