package xmppubsub

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// UserRegistry is the external collaborator that knows which bare JIDs
// are registered local users (§4.4a "anonymous subscribers -> forbidden"
// uses this).
type UserRegistry interface {
	IsRegistered(bare JID) bool
}

// PersistenceBackend is the external collaborator consumed (not defined)
// by the engine, per §6: CRUD primitives for nodes, affiliations,
// subscriptions, and items. createPublishedItem must be idempotent on
// (node, itemID). A concrete gorm-backed implementation lives in
// ./store.
type PersistenceBackend interface {
	LoadNodes(ctx context.Context) ([]*Node, error)
	SaveNode(ctx context.Context, n *Node) error
	DeleteNode(ctx context.Context, n *Node) error

	CreatePublishedItem(ctx context.Context, item *PublishedItem) (bool, error)
	RemovePublishedItem(ctx context.Context, item *PublishedItem) (bool, error)

	SaveSubscription(ctx context.Context, sub *NodeSubscription) error
	DeleteSubscription(ctx context.Context, sub *NodeSubscription) error

	SaveAffiliation(ctx context.Context, aff *NodeAffiliate) error
	DeleteAffiliation(ctx context.Context, aff *NodeAffiliate) error
}

// AdHocManager is the external ad-hoc command framework (XEP-0050) the
// engine forwards `commands` namespace IQs to (§1, §4.8/C8).
type AdHocManager interface {
	Process(iq *IQ) bool
	Stop()
}

// Clock abstracts time so item timestamps and the batcher's ticker are
// testable without a wall-clock dependency.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// ServiceConfig carries the service-wide policy flags named in §3.
type ServiceConfig struct {
	JID                          JID
	CollectionNodesSupported     bool
	InstantNodesSupported        bool
	DefaultLeafConfig            NodeConfig
	DefaultCollectionConfig      NodeConfig
	IsServiceAdmin               func(bare JID) bool
	CanCreateNode                func(sender JID) bool // nil means unconditionally allowed
	BatcherPeriod                time.Duration
	BatcherBatchSize             int
}

// DefaultServiceConfig returns sane defaults matching §3/§4.6.
func DefaultServiceConfig(serviceJID JID) ServiceConfig {
	return ServiceConfig{
		JID:                      serviceJID,
		CollectionNodesSupported: true,
		InstantNodesSupported:    true,
		DefaultLeafConfig: NodeConfig{
			AccessModel:    string(AccessOpen),
			PublisherModel: string(PublisherPublishers),
			MaxItems:       50,
		},
		DefaultCollectionConfig: NodeConfig{
			AccessModel:  string(AccessOpen),
			MaxChildren:  0, // unbounded
		},
		IsServiceAdmin:   func(JID) bool { return false },
		BatcherPeriod:    120 * time.Second,
		BatcherBatchSize: 50,
	}
}

// Service is the process-wide PubSub engine singleton (§3). It is
// constructed with an explicit context of external collaborators rather
// than reaching for process globals, replacing the JiveGlobals/
// UserManager.getInstance() singletons called out in §9.
type Service struct {
	Config   ServiceConfig
	Router   Router
	Users    UserRegistry
	Backend  PersistenceBackend
	AdHoc    AdHocManager
	Roster   RosterChecker // optional; nil means roster-gated nodes always refuse
	Clock    Clock
	Log      *zap.Logger
	Presence *PresenceTracker
	Nodes    *NodeStore
	Batcher  *PersistenceBatcher

	root *Node
}

// NewService wires the engine's components together. Router, Users,
// Backend and AdHoc are external collaborators; a nil AdHoc disables the
// ad-hoc command bridge (C8).
func NewService(cfg ServiceConfig, router Router, users UserRegistry, backend PersistenceBackend, adhoc AdHocManager, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	svc := &Service{
		Config:   cfg,
		Router:   router,
		Users:    users,
		Backend:  backend,
		AdHoc:    adhoc,
		Clock:    systemClock{},
		Log:      log,
		Presence: NewPresenceTracker(),
		Nodes:    NewNodeStore(),
	}
	svc.Batcher = NewPersistenceBatcher(backend, log, cfg.BatcherPeriod, cfg.BatcherBatchSize)
	svc.root = NewCollection(rootNodeID, nil, cfg.JID, cfg.DefaultCollectionConfig)
	svc.Nodes.TryInsert(svc.root)
	return svc
}

// rootNodeID names the service's distinguished root collection. It is
// never exposed on the wire (§4.4e/f omit it from `node` attributes).
const rootNodeID = ""

// Root returns the service's distinguished root collection node.
func (s *Service) Root() *Node {
	return s.root
}

// IsAdmin reports whether jid is a service admin, per the injected
// predicate.
func (s *Service) IsAdmin(jid JID) bool {
	if s.Config.IsServiceAdmin == nil {
		return false
	}
	return s.Config.IsServiceAdmin(jid)
}

// Start performs the §4.7 start-up sequence: for every node, the set of
// presence-based subscribers is collected and a presence probe is routed
// from the service JID to each distinct bare JID. It also starts the
// persistence batcher's periodic worker.
func (s *Service) Start(ctx context.Context) error {
	probed := make(map[string]bool)
	for _, n := range s.Nodes.All() {
		for _, sub := range n.SubscribedSnapshot() {
			if !n.Config.AccessModelIsPresenceGated() && !sub.Options.PresenceBasedDelivery {
				continue
			}
			bare := sub.Subscriber.Bare()
			key := bare.String()
			if probed[key] {
				continue
			}
			probed[key] = true
			s.Router.Route(&Presence{
				XMLFrom: s.Config.JID,
				XMLTo:   bare,
				XMLType: "probe",
			})
		}
	}
	s.Batcher.Start(ctx)
	return nil
}

// Shutdown cancels the batcher's periodic task, drains both of its
// queues synchronously (best-effort, no retry), and stops the ad-hoc
// command bridge.
func (s *Service) Shutdown(ctx context.Context) error {
	err := s.Batcher.Stop(ctx)
	if s.AdHoc != nil {
		s.AdHoc.Stop()
	}
	return err
}

// AccessModelIsPresenceGated reports whether cfg's access model requires
// presence-based delivery gating by itself (§4.5e).
func (cfg NodeConfig) AccessModelIsPresenceGated() bool {
	return cfg.AccessModel == string(AccessPresence)
}
