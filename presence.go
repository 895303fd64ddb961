package xmppubsub

import (
	"hash/fnv"
	"sync"
)

// presenceStripes is the number of outer-map lock stripes. Keyed by a
// stable hash of the bare JID, the same striping idea used for the node
// table's create-serialization (see node.go) and grounded in the fnv
// sharding used by other_examples' natspubsub partition-key hashing.
const presenceStripes = 32

// onlineShow is substituted for the show value when an available
// presence carries none, per §4.2.
const onlineShow = "online"

type presenceStripe struct {
	mu      sync.Mutex
	byBare  map[string]*sync.Map // bareJID -> (fullJID -> show string)
}

// PresenceTracker maintains a per-bare-JID map of resource -> show value,
// updated from Presence stanzas on the dispatch path and read from the
// item notification path (§4.2). The outer map's per-bare-JID upsert is
// serialized by a lock stripe; the inner per-resource map is a
// *sync.Map so concurrent reads from fan-out never contend with each
// other.
type PresenceTracker struct {
	stripes [presenceStripes]*presenceStripe
}

// NewPresenceTracker builds an empty tracker.
func NewPresenceTracker() *PresenceTracker {
	t := &PresenceTracker{}
	for i := range t.stripes {
		t.stripes[i] = &presenceStripe{byBare: make(map[string]*sync.Map)}
	}
	return t
}

func (t *PresenceTracker) stripeFor(bare string) *presenceStripe {
	h := fnv.New32a()
	_, _ = h.Write([]byte(bare))
	return t.stripes[h.Sum32()%presenceStripes]
}

// OnAvailable records that fullJID is available with the given show
// value (substituting "online" when show is empty).
func (t *PresenceTracker) OnAvailable(fullJID JID, show string) {
	if show == "" {
		show = onlineShow
	}
	bare := fullJID.Bare().String()
	stripe := t.stripeFor(bare)

	stripe.mu.Lock()
	inner, ok := stripe.byBare[bare]
	if !ok {
		inner = &sync.Map{}
		stripe.byBare[bare] = inner
	}
	stripe.mu.Unlock()

	inner.Store(fullJID.String(), show)
}

// OnUnavailable removes fullJID's entry. Empty inner maps are pruned.
func (t *PresenceTracker) OnUnavailable(fullJID JID) {
	bare := fullJID.Bare().String()
	stripe := t.stripeFor(bare)

	stripe.mu.Lock()
	defer stripe.mu.Unlock()

	inner, ok := stripe.byBare[bare]
	if !ok {
		return
	}
	inner.Delete(fullJID.String())

	empty := true
	inner.Range(func(_, _ interface{}) bool {
		empty = false
		return false
	})
	if empty {
		delete(stripe.byBare, bare)
	}
}

// ShowsFor returns every known show value for jid. If jid is bare, every
// known resource's show value is returned; if full, a one-element slice
// is returned when that resource is known, else none.
func (t *PresenceTracker) ShowsFor(jid JID) []string {
	bare := jid.Bare().String()
	stripe := t.stripeFor(bare)

	stripe.mu.Lock()
	inner, ok := stripe.byBare[bare]
	stripe.mu.Unlock()
	if !ok {
		return nil
	}

	if jid.IsFull() {
		if v, ok := inner.Load(jid.String()); ok {
			return []string{v.(string)}
		}
		return nil
	}

	var shows []string
	inner.Range(func(_, v interface{}) bool {
		shows = append(shows, v.(string))
		return true
	})
	return shows
}
