package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nodepassproject/npctl/internal/appconfig"
	"github.com/nodepassproject/npctl/internal/command"
	"github.com/nodepassproject/npctl/internal/events"
	"github.com/nodepassproject/npctl/internal/model"
	"github.com/nodepassproject/npctl/internal/nodepass"
	"github.com/nodepassproject/npctl/internal/util"
	"github.com/rs/zerolog"
)

// Directory is the NodePass master API as used by the manager.
type Directory interface {
	InstanceLister
	CreateInstance(ctx context.Context, srv model.Server, rawURL string) (model.RemoteInstance, error)
	UpdateInstance(ctx context.Context, srv model.Server, id, rawURL string) (model.RemoteInstance, error)
	DeleteInstance(ctx context.Context, srv model.Server, id string) error
	UpdatePeerMetadata(ctx context.Context, srv model.Server, id string, peer model.Peer) error
	ControlInstance(ctx context.Context, srv model.Server, id string, action nodepass.Action) error
}

// Store persists services locally.
type Store interface {
	KnownPeerIDs(ctx context.Context) (map[string]struct{}, error)
	Insert(ctx context.Context, svc model.Service) error
	List(ctx context.Context) ([]model.Service, error)
	Get(ctx context.Context, id uuid.UUID) (model.Service, error)
	UpdateImplementation(ctx context.Context, impl model.Implementation) error
	Rename(ctx context.Context, id uuid.UUID, name string) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// ServerSource resolves configured masters.
type ServerSource interface {
	List() ([]model.Server, error)
	Get(ref string) (model.Server, error)
}

// Journal records lifecycle events.
type Journal interface {
	Append(evt events.Event) error
}

// Manager creates, edits and removes services across masters and keeps the
// local store in step with them.
type Manager struct {
	dir        Directory
	store      Store
	servers    ServerSource
	journal    Journal
	reconciler *Reconciler
	defaults   appconfig.DefaultsConfig
	logger     zerolog.Logger
	now        func() time.Time
}

// NewManager wires a manager. journal may be nil.
func NewManager(dir Directory, store Store, servers ServerSource, journal Journal, cfg appconfig.Config, logger zerolog.Logger) *Manager {
	return &Manager{
		dir:        dir,
		store:      store,
		servers:    servers,
		journal:    journal,
		reconciler: NewReconciler(dir, logger),
		defaults:   cfg.Defaults,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CreateRequest describes a new service.
//
// Servers lists master names or ids by position: one for direct forwarding,
// the public/relay master then the private/destination master otherwise.
// ListenPort is the forwarder's listen port for direct services and the
// public entry port for the others.
type CreateRequest struct {
	Name       string
	Type       model.ServiceType
	Servers    []string
	ListenHost string
	ListenPort string
	TunnelPort string
	// RelayHost is the address the second instance dials. It defaults to the
	// first master's API host and is required for external tunnels.
	RelayHost string
	Targets   []command.Address
	Options   command.Options
}

type plannedInstance struct {
	role   model.ImplementationType
	server model.Server
	cmd    string
}

type createdInstance struct {
	plannedInstance
	inst model.RemoteInstance
}

// Create builds the commands for req, creates the instances (position 0
// first), tags them with peer metadata and stores the service. Instances
// created before a failure are removed again.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (model.Service, error) {
	plan, err := m.plan(req)
	if err != nil {
		return model.Service{}, err
	}

	id := uuid.New()
	name := util.DefaultString(strings.TrimSpace(req.Name), util.UntitledService)
	peer := model.Peer{
		Alias:       name,
		ServiceID:   id.String(),
		ServiceType: PeerTypeCode(req.Type, len(req.Targets) > 1),
	}

	var created []createdInstance
	for _, p := range plan {
		inst, err := m.dir.CreateInstance(ctx, p.server, p.cmd)
		if err != nil {
			m.rollback(created)
			return model.Service{}, fmt.Errorf("create %s on %s: %w", p.role.DisplayName(), p.server.Name, err)
		}
		created = append(created, createdInstance{plannedInstance: p, inst: inst})
	}
	for _, c := range created {
		if err := m.dir.UpdatePeerMetadata(ctx, c.server, c.inst.ID, peer); err != nil {
			m.rollback(created)
			return model.Service{}, fmt.Errorf("tag %s on %s: %w", c.role.DisplayName(), c.server.Name, err)
		}
	}

	svc := model.Service{
		ID:        id,
		PeerID:    id.String(),
		Name:      name,
		Type:      req.Type,
		CreatedAt: m.now(),
	}
	for pos, c := range created {
		svc.Implementations = append(svc.Implementations, model.Implementation{
			ID:          uuid.New(),
			Name:        c.role.DisplayName(),
			Type:        c.role,
			Position:    pos,
			ServerID:    c.server.ID,
			InstanceID:  c.inst.ID,
			Command:     c.cmd,
			FullCommand: util.DefaultString(c.inst.Config, c.cmd),
			PeerType:    peer.ServiceType,
		})
	}
	if err := m.store.Insert(ctx, svc); err != nil {
		m.rollback(created)
		return model.Service{}, fmt.Errorf("save service: %w", err)
	}
	m.record(events.Event{EventType: events.ServiceCreated, ServiceID: id.String(), Message: string(req.Type)})
	return svc, nil
}

// plan resolves servers and encodes one command per position.
func (m *Manager) plan(req CreateRequest) ([]plannedInstance, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("unknown service type %q", req.Type)
	}
	want := req.Type.ImplementationCount()
	if len(req.Servers) != want {
		return nil, fmt.Errorf("%s needs %d server(s), got %d", req.Type, want, len(req.Servers))
	}
	if len(req.Targets) == 0 {
		return nil, errors.New("at least one target is required")
	}
	servers := make([]model.Server, 0, want)
	for _, ref := range req.Servers {
		srv, err := m.servers.Get(ref)
		if err != nil {
			return nil, err
		}
		servers = append(servers, srv)
	}

	opts := req.Options
	if opts.Log == "" {
		opts.Log = command.LogLevel(m.defaults.Log)
	}
	if opts.TLS == "" {
		opts.TLS = command.TLSMode(m.defaults.TLS)
	}

	if req.Type == model.DirectForward {
		opts.Mode = command.ModeListen
		cmd, err := command.Build(model.DirectForwardClient,
			command.Address{Host: req.ListenHost, Port: req.ListenPort}, req.Targets, opts)
		if err != nil {
			return nil, err
		}
		return []plannedInstance{{role: model.DirectForwardClient, server: servers[0], cmd: cmd}}, nil
	}

	roles := [2]model.ImplementationType{model.TunnelForwardRelay, model.TunnelForwardDestination}
	if req.Type == model.NATPassthrough {
		roles = [2]model.ImplementationType{model.NATPassthroughServer, model.NATPassthroughClient}
	}
	if req.Type == model.TunnelForwardExternal && strings.TrimSpace(req.RelayHost) == "" {
		return nil, errors.New("external tunnels need an explicit relay host")
	}
	relayHost := util.NormalizeAddr(req.RelayHost, util.HostOf(servers[0].URL))
	if relayHost == "" {
		return nil, fmt.Errorf("cannot derive relay host from %s", servers[0].URL)
	}

	// The first instance only carries the tunnel side; its target is the
	// public entry port, served on all interfaces.
	upOpts := opts
	upOpts.Mode = command.ModeListen
	upOpts.Params = nil
	up, err := command.Build(roles[0],
		command.Address{Port: req.TunnelPort},
		[]command.Address{{Port: req.ListenPort}}, upOpts)
	if err != nil {
		return nil, err
	}
	downOpts := opts
	downOpts.Mode = command.ModeConnect
	down, err := command.Build(roles[1],
		command.Address{Host: relayHost, Port: req.TunnelPort}, req.Targets, downOpts)
	if err != nil {
		return nil, err
	}
	return []plannedInstance{
		{role: roles[0], server: servers[0], cmd: up},
		{role: roles[1], server: servers[1], cmd: down},
	}, nil
}

func (m *Manager) rollback(created []createdInstance) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultRequestTimeout)
	defer cancel()
	for _, c := range created {
		if err := m.dir.DeleteInstance(ctx, c.server, c.inst.ID); err != nil && !nodepass.IsNotFound(err) {
			m.logger.Warn().Str("server", c.server.Name).Str("instance", c.inst.ID).Err(err).Msg("rollback delete failed")
		}
	}
}

// List returns the stored services.
func (m *Manager) List(ctx context.Context) ([]model.Service, error) {
	return m.store.List(ctx)
}

// Resolve finds a service by full id or unique id prefix.
func (m *Manager) Resolve(ctx context.Context, ref string) (model.Service, error) {
	ref = strings.ToLower(strings.TrimSpace(ref))
	if id, err := uuid.Parse(ref); err == nil {
		return m.store.Get(ctx, id)
	}
	if ref == "" {
		return model.Service{}, errors.New("service id cannot be empty")
	}
	all, err := m.store.List(ctx)
	if err != nil {
		return model.Service{}, err
	}
	var match []model.Service
	for _, svc := range all {
		if strings.HasPrefix(svc.ID.String(), ref) {
			match = append(match, svc)
		}
	}
	switch len(match) {
	case 0:
		return model.Service{}, fmt.Errorf("service not found: %s", ref)
	case 1:
		return match[0], nil
	default:
		return model.Service{}, fmt.Errorf("service id %q is ambiguous (%d matches)", ref, len(match))
	}
}

// Update replaces the command of the implementation at position. The master
// is only called when the normalised command differs from the stored one.
func (m *Manager) Update(ctx context.Context, id uuid.UUID, position int, rawURL string) (model.Implementation, error) {
	svc, err := m.store.Get(ctx, id)
	if err != nil {
		return model.Implementation{}, err
	}
	impl, ok := svc.Implementation(position)
	if !ok {
		return model.Implementation{}, fmt.Errorf("service %s has no implementation at position %d", svc.ID, position)
	}
	next, err := normalize(rawURL)
	if err != nil {
		return model.Implementation{}, err
	}
	if inst, _ := command.Decode(next); inst.Scheme != command.SchemeFor(impl.Type) {
		return model.Implementation{}, fmt.Errorf("%s must use the %s scheme", impl.Type.DisplayName(), command.SchemeFor(impl.Type))
	}
	if cur, err := normalize(impl.Command); err == nil && cur == next {
		return impl, nil
	}

	srv, err := m.servers.Get(impl.ServerID)
	if err != nil {
		return model.Implementation{}, err
	}
	inst, err := m.dir.UpdateInstance(ctx, srv, impl.InstanceID, next)
	if err != nil {
		return model.Implementation{}, fmt.Errorf("update %s on %s: %w", impl.Name, srv.Name, err)
	}
	impl.Command = next
	impl.FullCommand = util.DefaultString(inst.Config, next)
	if err := m.store.UpdateImplementation(ctx, impl); err != nil {
		return model.Implementation{}, err
	}
	m.record(events.Event{EventType: events.ServiceUpdated, ServiceID: svc.ID.String(), ServerID: srv.ID, Message: fmt.Sprintf("position %d", position)})
	return impl, nil
}

func normalize(raw string) (string, error) {
	inst, err := command.Decode(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	return command.Encode(inst)
}

// Rename changes the service name locally and the peer alias on every
// instance. Each instance keeps the type code it was tagged with.
func (m *Manager) Rename(ctx context.Context, id uuid.UUID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("service name cannot be empty")
	}
	svc, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	fallback := PeerTypeCode(svc.Type, balanced(svc))
	for _, impl := range svc.Implementations {
		srv, err := m.servers.Get(impl.ServerID)
		if err != nil {
			return err
		}
		peer := model.Peer{Alias: name, ServiceID: svc.PeerID, ServiceType: util.DefaultString(impl.PeerType, fallback)}
		if err := m.dir.UpdatePeerMetadata(ctx, srv, impl.InstanceID, peer); err != nil {
			return fmt.Errorf("tag %s on %s: %w", impl.Name, srv.Name, err)
		}
	}
	if err := m.store.Rename(ctx, id, name); err != nil {
		return err
	}
	m.record(events.Event{EventType: events.ServiceUpdated, ServiceID: id.String(), Message: "renamed to " + name})
	return nil
}

// balanced reports whether the service forwards to more than one target.
func balanced(svc model.Service) bool {
	pos := svc.Type.ImplementationCount() - 1
	impl, ok := svc.Implementation(pos)
	if !ok {
		return false
	}
	inst, err := command.Decode(impl.Command)
	return err == nil && len(inst.Targets) > 1
}

// Delete removes every instance of the service and then the local record.
// Instances already gone count as deleted; force ignores all remote errors.
func (m *Manager) Delete(ctx context.Context, id uuid.UUID, force bool) error {
	svc, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	var errs []error
	for _, impl := range svc.Implementations {
		if err := m.deleteInstance(ctx, impl); err != nil {
			if force {
				m.logger.Warn().Str("instance", impl.InstanceID).Err(err).Msg("ignoring delete failure")
				continue
			}
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	m.record(events.Event{EventType: events.ServiceDeleted, ServiceID: id.String(), Message: svc.Name})
	return nil
}

func (m *Manager) deleteInstance(ctx context.Context, impl model.Implementation) error {
	srv, err := m.servers.Get(impl.ServerID)
	if err != nil {
		return err
	}
	if err := m.dir.DeleteInstance(ctx, srv, impl.InstanceID); err != nil && !nodepass.IsNotFound(err) {
		return fmt.Errorf("delete %s on %s: %w", impl.Name, srv.Name, err)
	}
	return nil
}

// Control applies a start, stop or restart to every instance of the service.
func (m *Manager) Control(ctx context.Context, id uuid.UUID, action nodepass.Action) error {
	if !action.Valid() {
		return fmt.Errorf("unknown action %q", action)
	}
	svc, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	var errs []error
	for _, impl := range svc.Implementations {
		srv, err := m.servers.Get(impl.ServerID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := m.dir.ControlInstance(ctx, srv, impl.InstanceID, action); err != nil {
			errs = append(errs, fmt.Errorf("%s %s on %s: %w", action, impl.Name, srv.Name, err))
		}
	}
	m.record(events.Event{EventType: events.ServiceControl, ServiceID: id.String(), Message: string(action)})
	return errors.Join(errs...)
}

// Sync reconciles every configured master and stores the services not seen
// before. Masters that fail are reported in the result.
func (m *Manager) Sync(ctx context.Context) (Result, error) {
	servers, err := m.servers.List()
	if err != nil {
		return Result{}, err
	}
	known, err := m.store.KnownPeerIDs(ctx)
	if err != nil {
		return Result{}, err
	}
	res := m.reconciler.Reconcile(ctx, known, servers)
	for i := range res.Services {
		res.Services[i].CreatedAt = m.now()
		if err := m.store.Insert(ctx, res.Services[i]); err != nil {
			return res, fmt.Errorf("save service %s: %w", res.Services[i].PeerID, err)
		}
	}
	for serverID, msg := range res.Errors {
		m.record(events.Event{EventType: events.SyncServerFailed, ServerID: serverID, Message: msg})
	}
	m.record(events.Event{EventType: events.SyncCompleted, Count: len(res.Services)})
	return res, nil
}

func (m *Manager) record(evt events.Event) {
	if m.journal == nil {
		return
	}
	if err := m.journal.Append(evt); err != nil {
		m.logger.Warn().Str("event", evt.EventType).Err(err).Msg("failed to journal event")
	}
}
