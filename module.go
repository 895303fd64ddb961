package xmppubsub

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params collects the external collaborators an embedding application
// supplies; see Service for what each is used for. This is the fx.In
// counterpart of the teacher's SchemaBuilderParams pattern, retargeted
// from GraphQL query/mutation field groups onto the engine's own
// collaborator set.
type Params struct {
	fx.In

	Config  ServiceConfig
	Router  Router
	Users   UserRegistry
	Backend PersistenceBackend
	AdHoc   AdHocManager   `optional:"true"`
	Roster  RosterChecker  `optional:"true"`
	Log     *zap.Logger    `optional:"true"`
}

// provideService constructs the Service. Durably-stored nodes are not
// loaded here but by the first OnStart hook registerLifecycle appends.
func provideService(p Params) (*Service, error) {
	svc := NewService(p.Config, p.Router, p.Users, p.Backend, p.AdHoc, p.Log)
	svc.Roster = p.Roster
	return svc, nil
}

// registerLifecycle wires Service.Start/Shutdown into fx's
// OnStart/OnStop hooks, replacing the teacher's server-managed
// start/stop calls with the module-scoped pattern the rest of the
// dependency graph already uses.
func registerLifecycle(lc fx.Lifecycle, svc *Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return svc.loadPersistedNodes(ctx)
		},
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return svc.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return svc.Shutdown(ctx)
		},
	})
}

// loadPersistedNodes replaces the service's in-memory root and any
// durably-stored nodes from the backend, run once at start-up before the
// presence-probe sweep in Start.
func (s *Service) loadPersistedNodes(ctx context.Context) error {
	nodes, err := s.Backend.LoadNodes(ctx)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if n.IsRoot() {
			s.Nodes.Delete(n.ID)
			s.root = n
		}
		s.Nodes.TryInsert(n)
	}
	return nil
}

// Module is the fx composition root for the engine, analogous to the
// teacher's GraphQLModule: it provides the Service and registers its
// lifecycle hooks, leaving Router/Users/Backend/AdHoc/Roster/Log to be
// supplied by the embedding application's own fx.Provide calls.
var Module = fx.Options(
	fx.Provide(provideService),
	fx.Invoke(registerLifecycle),
)
