package xmppubsub

import "testing"

import "github.com/stretchr/testify/assert"

func TestParseJID(t *testing.T) {
	cases := []struct {
		in   string
		want JID
	}{
		{"alice@example.org", JID{Local: "alice", Domain: "example.org"}},
		{"alice@example.org/home", JID{Local: "alice", Domain: "example.org", Resource: "home"}},
		{"example.org", JID{Domain: "example.org"}},
		{"example.org/res", JID{Domain: "example.org", Resource: "res"}},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ParseJID(c.in), c.in)
	}
}

func TestJIDBareAndString(t *testing.T) {
	full := ParseJID("alice@example.org/home")
	assert.True(t, full.IsFull())
	assert.False(t, full.IsBare())

	bare := full.Bare()
	assert.True(t, bare.IsBare())
	assert.Equal(t, "alice@example.org", bare.String())
	assert.Equal(t, "alice@example.org/home", full.String())
}

func TestJIDEquality(t *testing.T) {
	a := ParseJID("alice@example.org/r1")
	b := ParseJID("alice@example.org/r2")
	assert.False(t, a.Equal(b))
	assert.True(t, a.EqualBare(b))
	assert.False(t, JID{}.Equal(a))
	assert.True(t, JID{}.IsZero())
	assert.False(t, a.IsZero())
}
