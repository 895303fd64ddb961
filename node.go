package xmppubsub

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AccessModel is the node policy controlling who may subscribe/retrieve.
type AccessModel string

const (
	AccessOpen      AccessModel = "open"
	AccessPresence  AccessModel = "presence"
	AccessRoster    AccessModel = "roster"
	AccessAuthorize AccessModel = "authorize"
	AccessWhitelist AccessModel = "whitelist"
)

// PublisherModel controls who may publish items to a leaf node.
type PublisherModel string

const (
	PublisherOpen        PublisherModel = "open"
	PublisherPublishers  PublisherModel = "publishers"
	PublisherSubscribers PublisherModel = "subscribers"
)

// NodeKind distinguishes the two node variants from §3.
type NodeKind int

const (
	KindLeaf NodeKind = iota
	KindCollection
)

// ChildAssociationPolicy controls which entities may associate a leaf
// with a non-root collection.
type ChildAssociationPolicy string

const (
	AssociateAll     ChildAssociationPolicy = "all"
	AssociateOwners  ChildAssociationPolicy = "owners"
	AssociateWhitelist ChildAssociationPolicy = "whitelist"
)

// NodeConfig is the subset of node attributes that are configurable via
// a submitted XEP-0004 data form (FORM_TYPE pubsub#node_config). Field
// tags are decoded with mapstructure via DataForm.DecodeInto.
type NodeConfig struct {
	Title                        string   `mapstructure:"pubsub#title"`
	AccessModel                  string   `mapstructure:"pubsub#access_model"`
	PublisherModel               string   `mapstructure:"pubsub#publish_model"`
	DeliverPayloads              bool     `mapstructure:"pubsub#deliver_payloads"`
	PersistItems                 bool     `mapstructure:"pubsub#persist_items"`
	ItemRequired                 bool     `mapstructure:"pubsub#item_required"`
	MaxItems                     int      `mapstructure:"pubsub#max_items"`
	SubscriptionEnabled          bool     `mapstructure:"pubsub#subscribe"`
	MultipleSubscriptionsEnabled bool     `mapstructure:"pubsub#multi_subscribe"`
	RosterGroupsAllowed          []string `mapstructure:"pubsub#roster_groups_allowed"`
	Collection                   string   `mapstructure:"pubsub#collection"`
	ChildAssociationPolicy       string   `mapstructure:"pubsub#children_association_policy"`
	MaxChildren                  int      `mapstructure:"pubsub#children_max"`
}

// PublishedItem is an immutable snapshot held by a leaf node (§3).
type PublishedItem struct {
	NodeID    string
	ItemID    string
	Publisher JID
	Payload   *Element
	Timestamp time.Time
}

// CanDelete reports whether requester may retract this item: the node
// owners, the original publisher, or a service admin (checked by the
// caller) may delete it.
func (it *PublishedItem) CanDelete(requester JID, isOwner bool) bool {
	return isOwner || it.Publisher.EqualBare(requester)
}

// Node is a PubSub topic: either a Leaf (holds items) or a Collection
// (holds child nodes). Node fields are guarded by mu for the duration of
// any mutation plus the notification decision that follows it;
// notification send itself happens outside the lock (§5).
type Node struct {
	mu sync.Mutex

	ID       string
	Kind     NodeKind
	Parent   *Node
	Creator  JID
	Owners   map[string]bool // bare JID string -> true
	Config   NodeConfig

	// Leaf-only state.
	items      map[string]*PublishedItem
	itemOrder  []string // insertion order, bounded by Config.MaxItems when >0
	itemSeq    uint64

	// Collection-only state.
	childIDs map[string]bool

	affiliates    map[string]*NodeAffiliate    // bare JID -> affiliate
	subscriptions map[string]*NodeSubscription // subID (or bare/full JID when single-sub) -> subscription
}

// NewLeaf constructs a Leaf node with creator as its sole owner.
func NewLeaf(id string, parent *Node, creator JID, cfg NodeConfig) *Node {
	n := newNode(id, KindLeaf, parent, creator, cfg)
	n.items = make(map[string]*PublishedItem)
	return n
}

// NewCollection constructs a Collection node with creator as its sole
// owner.
func NewCollection(id string, parent *Node, creator JID, cfg NodeConfig) *Node {
	n := newNode(id, KindCollection, parent, creator, cfg)
	n.childIDs = make(map[string]bool)
	return n
}

func newNode(id string, kind NodeKind, parent *Node, creator JID, cfg NodeConfig) *Node {
	return &Node{
		ID:            id,
		Kind:          kind,
		Parent:        parent,
		Creator:       creator,
		Owners:        map[string]bool{creator.Bare().String(): true},
		Config:        cfg,
		affiliates:    make(map[string]*NodeAffiliate),
		subscriptions: make(map[string]*NodeSubscription),
	}
}

// IsRoot reports whether n is the service's distinguished root
// collection.
func (n *Node) IsRoot() bool {
	return n.Parent == nil && n.Kind == KindCollection
}

// IsOwner reports whether jid (compared bare) owns n.
func (n *Node) IsOwner(jid JID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.Owners[jid.Bare().String()]
}

// AddOwner adds jid as an owner of n.
func (n *Node) AddOwner(jid JID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Owners[jid.Bare().String()] = true
}

// RemoveOwner removes jid from n's owners. It refuses (returning false)
// when jid is the node's only remaining owner, preserving the "every
// node has at least one owner" invariant.
func (n *Node) RemoveOwner(jid JID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	bare := jid.Bare().String()
	if !n.Owners[bare] {
		return true
	}
	if len(n.Owners) <= 1 {
		return false
	}
	delete(n.Owners, bare)
	return true
}

// OwnerCount returns the number of current owners.
func (n *Node) OwnerCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.Owners)
}

// OwnerList returns a snapshot of the node's owner JIDs (bare, as
// strings).
func (n *Node) OwnerList() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.Owners))
	for o := range n.Owners {
		out = append(out, o)
	}
	return out
}

// ApplyConfig replaces n's configuration. It performs no validation and
// never rejects a change; the owner invariant is enforced at the
// affiliation layer, not here.
func (n *Node) ApplyConfig(cfg NodeConfig) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Config = cfg
}

// nextItemID returns a generated item id unique within n, used when a
// publish omits one.
func (n *Node) nextItemID() string {
	n.mu.Lock()
	n.itemSeq++
	seq := n.itemSeq
	n.mu.Unlock()
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(n.ID)).String() + "-" + itoa(seq)
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// AddChild registers childID as a member of n, a Collection.
func (n *Node) AddChild(childID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.childIDs[childID] = true
}

// RemoveChild deregisters childID from n.
func (n *Node) RemoveChild(childID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.childIDs, childID)
}

// ChildCount returns the number of children currently registered under n.
func (n *Node) ChildCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.childIDs)
}

// ChildIDsSnapshot returns a copy of n's child node ids.
func (n *Node) ChildIDsSnapshot() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.childIDs))
	for id := range n.childIDs {
		out = append(out, id)
	}
	return out
}

// ToForm renders cfg into its XEP-0004 data-form representation, the
// inverse of DataForm.DecodeInto(&cfg) (§4.3b/d round trip).
func (cfg NodeConfig) ToForm() *DataForm {
	f := NewDataForm(FormTypeNodeConfig)
	f.Set("pubsub#title", cfg.Title)
	f.Set("pubsub#access_model", cfg.AccessModel)
	f.Set("pubsub#publish_model", cfg.PublisherModel)
	f.SetBool("pubsub#deliver_payloads", cfg.DeliverPayloads)
	f.SetBool("pubsub#persist_items", cfg.PersistItems)
	f.SetBool("pubsub#item_required", cfg.ItemRequired)
	f.Set("pubsub#max_items", itoa(uint64(cfg.MaxItems)))
	f.SetBool("pubsub#subscribe", cfg.SubscriptionEnabled)
	f.SetBool("pubsub#multi_subscribe", cfg.MultipleSubscriptionsEnabled)
	if len(cfg.RosterGroupsAllowed) > 0 {
		f.SetMulti("pubsub#roster_groups_allowed", cfg.RosterGroupsAllowed)
	}
	f.Set("pubsub#collection", cfg.Collection)
	f.Set("pubsub#children_association_policy", cfg.ChildAssociationPolicy)
	f.Set("pubsub#children_max", itoa(uint64(cfg.MaxChildren)))
	return f
}

// NodeStore is the service-wide forest of nodes: a concurrent map keyed
// by nodeID. Insertion is serialized per nodeID via a lock stripe so
// that racing "create" requests produce exactly one winner (§5); general
// lookups take the map's RWMutex.
type NodeStore struct {
	mu    sync.RWMutex
	nodes map[string]*Node

	createStripes [nodeCreateStripes]sync.Mutex
}

const nodeCreateStripes = 64

// NewNodeStore builds an empty store.
func NewNodeStore() *NodeStore {
	return &NodeStore{nodes: make(map[string]*Node)}
}

func (s *NodeStore) stripeFor(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.createStripes[h.Sum32()%nodeCreateStripes]
}

// Get returns the node with the given id, or nil.
func (s *NodeStore) Get(id string) *Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodes[id]
}

// All returns a snapshot of every node in the store.
func (s *NodeStore) All() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	return out
}

// TryInsert attempts to register n under n.ID. It returns false if a
// node with that id already exists; exactly one concurrent caller for
// the same id observes true.
func (s *NodeStore) TryInsert(n *Node) bool {
	stripe := s.stripeFor(n.ID)
	stripe.Lock()
	defer stripe.Unlock()

	s.mu.RLock()
	_, exists := s.nodes[n.ID]
	s.mu.RUnlock()
	if exists {
		return false
	}

	s.mu.Lock()
	s.nodes[n.ID] = n
	s.mu.Unlock()
	return true
}

// Delete removes a node from the store.
func (s *NodeStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, id)
}

// randomNodeID generates a 15-character random node id, per §4.3a.
func randomNodeID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return id[:15]
}

// QualifyChildID prefixes a requested nodeID with the parent's id and a
// "/" when it isn't already so prefixed. A node with no parent, or whose
// parent is the root collection, keeps the requested id unprefixed.
func QualifyChildID(parent *Node, requested string) string {
	if parent == nil || parent.IsRoot() {
		return requested
	}
	prefix := parent.ID + "/"
	if strings.HasPrefix(requested, prefix) {
		return requested
	}
	return prefix + requested
}
