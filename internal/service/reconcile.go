// Package service groups NodePass instances spread over several masters into
// composite services, and creates, edits and removes those services.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nodepassproject/npctl/internal/command"
	"github.com/nodepassproject/npctl/internal/model"
	"github.com/nodepassproject/npctl/internal/util"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAmbiguousPairing  = errors.New("ambiguous pairing")
	ErrIncompletePairing = errors.New("incomplete pairing")
	ErrUnsupportedType   = errors.New("unsupported service type")
)

// InstanceLister is the read side of the NodePass directory.
type InstanceLister interface {
	ListInstances(ctx context.Context, srv model.Server) ([]model.RemoteInstance, error)
}

// Snapshot is every master's instance list keyed by server ID.
type Snapshot map[string][]model.RemoteInstance

// Skip records a service ID that could not be turned into a Service.
type Skip struct {
	ServiceID string `json:"service_id"`
	Reason    string `json:"reason"`
	Err       error  `json:"-"`
}

// Result is the outcome of one reconciliation run.
type Result struct {
	Services []model.Service   `json:"services"`
	Errors   map[string]string `json:"errors,omitempty"`
	Skipped  []Skip            `json:"skipped,omitempty"`
}

// Reconciler rebuilds services from the peer metadata of remote instances.
type Reconciler struct {
	lister InstanceLister
	logger zerolog.Logger
}

func NewReconciler(lister InstanceLister, logger zerolog.Logger) *Reconciler {
	return &Reconciler{lister: lister, logger: logger}
}

type fetchResult struct {
	serverID  string
	instances []model.RemoteInstance
	err       error
}

// Fetch lists instances on every server concurrently and waits for all of
// them. Failed servers are reported by ID and left out of the snapshot.
func (r *Reconciler) Fetch(ctx context.Context, servers []model.Server) (Snapshot, map[string]string) {
	results := make(chan fetchResult, len(servers))
	var g errgroup.Group
	for _, srv := range servers {
		g.Go(func() error {
			list, err := r.lister.ListInstances(ctx, srv)
			results <- fetchResult{serverID: srv.ID, instances: list, err: err}
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	snap := make(Snapshot, len(servers))
	failures := map[string]string{}
	for res := range results {
		if res.err != nil {
			r.logger.Warn().Str("server", res.serverID).Err(res.err).Msg("list instances failed")
			failures[res.serverID] = res.err.Error()
			continue
		}
		snap[res.serverID] = res.instances
	}
	return snap, failures
}

// Reconcile fetches every server and returns the services whose service ID is
// not in known. Per-server failures never abort the run.
func (r *Reconciler) Reconcile(ctx context.Context, known map[string]struct{}, servers []model.Server) Result {
	snap, failures := r.Fetch(ctx, servers)
	order := make([]string, 0, len(servers))
	for _, srv := range servers {
		order = append(order, srv.ID)
	}
	services, skipped := Group(snap, order, known)
	for _, s := range skipped {
		r.logger.Debug().Str("sid", s.ServiceID).Str("reason", s.Reason).Msg("skipped service grouping")
	}
	res := Result{Services: services, Skipped: skipped}
	if len(failures) > 0 {
		res.Errors = failures
	}
	return res
}

type member struct {
	serverID string
	inst     model.RemoteInstance
}

// Group pairs instances by service ID. Servers are visited in order, so the
// output order is stable for a given snapshot.
func Group(snap Snapshot, order []string, known map[string]struct{}) ([]model.Service, []Skip) {
	groups := map[string][]member{}
	var sids []string
	for _, serverID := range order {
		for _, inst := range snap[serverID] {
			sid := strings.TrimSpace(inst.Peer().ServiceID)
			if sid == "" {
				continue
			}
			if _, ok := groups[sid]; !ok {
				sids = append(sids, sid)
			}
			groups[sid] = append(groups[sid], member{serverID: serverID, inst: inst})
		}
	}

	var (
		services []model.Service
		skipped  []Skip
	)
	for _, sid := range sids {
		if _, ok := known[sid]; ok {
			continue
		}
		svc, err := classify(sid, groups[sid])
		if err != nil {
			skipped = append(skipped, Skip{ServiceID: sid, Reason: err.Error(), Err: err})
			continue
		}
		services = append(services, svc)
	}
	return services, skipped
}

func classify(sid string, members []member) (model.Service, error) {
	for _, m := range members {
		if isDirectCode(m.inst.Peer().ServiceType) {
			impl := implementationFrom(m, model.DirectForwardClient, 0)
			return newService(sid, model.DirectForward, []model.Implementation{impl}, m.inst.Peer().Alias), nil
		}
	}

	if len(members) != 2 {
		return model.Service{}, fmt.Errorf("%w: %d instance(s) share service id", ErrIncompletePairing, len(members))
	}
	a, b := members[0], members[1]
	typ, err := pairType(a.inst.Peer().ServiceType, b.inst.Peer().ServiceType)
	if err != nil {
		return model.Service{}, err
	}

	var first, second member
	var roles [2]model.ImplementationType
	switch typ {
	case model.NATPassthrough:
		first, second, err = resolveNAT(a, b)
		roles = [2]model.ImplementationType{model.NATPassthroughServer, model.NATPassthroughClient}
	default:
		first, second, err = resolveTunnel(a, b)
		roles = [2]model.ImplementationType{model.TunnelForwardRelay, model.TunnelForwardDestination}
	}
	if err != nil {
		return model.Service{}, err
	}

	impls := []model.Implementation{
		implementationFrom(first, roles[0], 0),
		implementationFrom(second, roles[1], 1),
	}
	alias := first.inst.Peer().Alias
	if strings.TrimSpace(alias) == "" {
		alias = second.inst.Peer().Alias
	}
	return newService(sid, typ, impls, alias), nil
}

// pairType maps the two peer type codes of a pair onto one topology.
func pairType(codeA, codeB string) (model.ServiceType, error) {
	ta, okA := pairFamily(codeA)
	tb, okB := pairFamily(codeB)
	switch {
	case !okA && !okB:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, codeA)
	case !okA || !okB:
		return "", fmt.Errorf("%w: peer types %q and %q disagree", ErrAmbiguousPairing, codeA, codeB)
	case ta == tb:
		return ta, nil
	case isTunnel(ta) && isTunnel(tb):
		return model.TunnelForwardExternal, nil
	default:
		return "", fmt.Errorf("%w: peer types %q and %q disagree", ErrAmbiguousPairing, codeA, codeB)
	}
}

func isTunnel(t model.ServiceType) bool {
	return t == model.TunnelForward || t == model.TunnelForwardExternal
}

// resolveNAT puts the server-scheme instance at position 0.
func resolveNAT(a, b member) (member, member, error) {
	sa, _, errA := roleOf(a.inst)
	sb, _, errB := roleOf(b.inst)
	if err := errors.Join(errA, errB); err != nil {
		return member{}, member{}, fmt.Errorf("%w: %v", ErrAmbiguousPairing, err)
	}
	switch {
	case sa == command.SchemeServer && sb == command.SchemeClient:
		return a, b, nil
	case sa == command.SchemeClient && sb == command.SchemeServer:
		return b, a, nil
	default:
		return member{}, member{}, fmt.Errorf("%w: schemes %q and %q", ErrAmbiguousPairing, sa, sb)
	}
}

// resolveTunnel puts the relay at position 0. An instance is the relay when it
// is a listening server (mode 1) or its peer is a connecting client (mode 2).
func resolveTunnel(a, b member) (member, member, error) {
	sa, ma, errA := roleOf(a.inst)
	sb, mb, errB := roleOf(b.inst)
	if err := errors.Join(errA, errB); err != nil {
		return member{}, member{}, fmt.Errorf("%w: %v", ErrAmbiguousPairing, err)
	}
	relay := func(s command.Scheme, m command.Mode, peerS command.Scheme, peerM command.Mode) bool {
		return (s == command.SchemeServer && m == command.ModeListen) ||
			(peerS == command.SchemeClient && peerM == command.ModeConnect)
	}
	aRelay := relay(sa, ma, sb, mb)
	bRelay := relay(sb, mb, sa, ma)
	switch {
	case aRelay && !bRelay:
		return a, b, nil
	case bRelay && !aRelay:
		return b, a, nil
	default:
		return member{}, member{}, fmt.Errorf("%w: %s(mode %q) and %s(mode %q)", ErrAmbiguousPairing, sa, ma, sb, mb)
	}
}

// roleOf decodes scheme and mode from the instance command, falling back to
// the master-filled config for the mode.
func roleOf(inst model.RemoteInstance) (command.Scheme, command.Mode, error) {
	raw := inst.URL
	if raw == "" {
		raw = inst.Config
	}
	scheme, mode, err := command.RoleOf(raw)
	if err != nil {
		return "", "", fmt.Errorf("instance %s: %w", inst.ID, err)
	}
	if mode == "" && inst.Config != "" && inst.Config != raw {
		if _, m, err := command.RoleOf(inst.Config); err == nil {
			mode = m
		}
	}
	return scheme, mode, nil
}

func implementationFrom(m member, role model.ImplementationType, position int) model.Implementation {
	return model.Implementation{
		ID:          uuid.New(),
		Name:        util.DefaultString(m.inst.Alias, role.DisplayName()),
		Type:        role,
		Position:    position,
		ServerID:    m.serverID,
		InstanceID:  m.inst.ID,
		Command:     m.inst.URL,
		FullCommand: m.inst.FullCommand(),
		PeerType:    m.inst.Peer().ServiceType,
	}
}

// newService derives the local id from sid when it is a UUID. Other service
// ids get a fresh UUID on every run; PeerID keeps the grouping key.
func newService(sid string, typ model.ServiceType, impls []model.Implementation, alias string) model.Service {
	id, err := uuid.Parse(sid)
	if err != nil {
		id = uuid.New()
	}
	return model.Service{
		ID:              id,
		PeerID:          sid,
		Name:            util.DefaultString(strings.TrimSpace(alias), util.UntitledService),
		Type:            typ,
		Implementations: impls,
	}
}
