package xmppubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPresenceTrackerAvailableDefaultsToOnlineShow(t *testing.T) {
	tr := NewPresenceTracker()
	bob := ParseJID("bob@example.org/home")

	tr.OnAvailable(bob, "")
	assert.Equal(t, []string{onlineShow}, tr.ShowsFor(bob))
}

func TestPresenceTrackerMultiResourceBareLookup(t *testing.T) {
	tr := NewPresenceTracker()
	home := ParseJID("bob@example.org/home")
	work := ParseJID("bob@example.org/work")

	tr.OnAvailable(home, "away")
	tr.OnAvailable(work, "chat")

	shows := tr.ShowsFor(ParseJID("bob@example.org"))
	assert.ElementsMatch(t, []string{"away", "chat"}, shows)
}

func TestPresenceTrackerUnavailablePrunesEmptyBare(t *testing.T) {
	tr := NewPresenceTracker()
	bob := ParseJID("bob@example.org/home")

	tr.OnAvailable(bob, "chat")
	tr.OnUnavailable(bob)

	assert.Empty(t, tr.ShowsFor(bob))
	assert.Empty(t, tr.ShowsFor(ParseJID("bob@example.org")))
}

func TestPresenceTrackerUnknownJIDReturnsNil(t *testing.T) {
	tr := NewPresenceTracker()
	assert.Nil(t, tr.ShowsFor(ParseJID("nobody@example.org")))
}
