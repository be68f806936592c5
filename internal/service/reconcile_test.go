package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nodepassproject/npctl/internal/model"
	"github.com/nodepassproject/npctl/internal/util"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLister serves canned instance lists per server ID and optionally
// delays or fails individual servers.
type fakeLister struct {
	mu        sync.Mutex
	instances map[string][]model.RemoteInstance
	failures  map[string]error
	delay     map[string]time.Duration
	calls     int
}

func (f *fakeLister) ListInstances(ctx context.Context, srv model.Server) ([]model.RemoteInstance, error) {
	f.mu.Lock()
	f.calls++
	d := f.delay[srv.ID]
	f.mu.Unlock()
	if d > 0 {
		time.Sleep(d)
	}
	if err := f.failures[srv.ID]; err != nil {
		return nil, err
	}
	return f.instances[srv.ID], nil
}

func peered(id, rawURL, sid, code, alias string) model.RemoteInstance {
	return model.RemoteInstance{
		ID:   id,
		URL:  rawURL,
		Meta: &model.Metadata{Peer: model.Peer{Alias: alias, ServiceID: sid, ServiceType: code}},
	}
}

func servers(ids ...string) []model.Server {
	out := make([]model.Server, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.Server{ID: id, Name: id})
	}
	return out
}

func TestReconcileNATPassthrough(t *testing.T) {
	sid := "8f14e45f-ceea-467f-a3b4-3c1e2c5b9d10"
	lister := &fakeLister{instances: map[string][]model.RemoteInstance{
		"a": {peered("c1", "client://203.0.113.1:10101/127.0.0.1:22", sid, "1", "")},
		"b": {peered("s1", "server://:10101/:2222?mode=1", sid, "1", "ssh")},
	}}
	r := NewReconciler(lister, zerolog.Nop())

	res := r.Reconcile(context.Background(), nil, servers("a", "b"))
	require.Empty(t, res.Errors)
	require.Len(t, res.Services, 1)

	svc := res.Services[0]
	assert.Equal(t, model.NATPassthrough, svc.Type)
	assert.Equal(t, uuid.MustParse(sid), svc.ID)
	assert.Equal(t, sid, svc.PeerID)
	assert.Equal(t, "ssh", svc.Name)
	require.NoError(t, svc.Validate())

	pos0, _ := svc.Implementation(0)
	pos1, _ := svc.Implementation(1)
	assert.Equal(t, model.NATPassthroughServer, pos0.Type)
	assert.Equal(t, "b", pos0.ServerID)
	assert.Equal(t, "s1", pos0.InstanceID)
	assert.Equal(t, model.NATPassthroughClient, pos1.Type)
	assert.Equal(t, "a", pos1.ServerID)
}

func TestReconcileDirectForwardNonUUID(t *testing.T) {
	inst := peered("d1", "client://:8080/10.0.0.5:80?mode=1", "xyz", "0", "web")
	inst.Config = "client://:8080/10.0.0.5:80?log=info&mode=1"
	lister := &fakeLister{instances: map[string][]model.RemoteInstance{"a": {inst}}}
	r := NewReconciler(lister, zerolog.Nop())

	first := r.Reconcile(context.Background(), nil, servers("a"))
	require.Len(t, first.Services, 1)
	svc := first.Services[0]
	assert.Equal(t, model.DirectForward, svc.Type)
	assert.Equal(t, "xyz", svc.PeerID)
	assert.NotEqual(t, uuid.Nil, svc.ID)
	require.Len(t, svc.Implementations, 1)
	impl := svc.Implementations[0]
	assert.Equal(t, model.DirectForwardClient, impl.Type)
	assert.Equal(t, 0, impl.Position)
	assert.Equal(t, inst.URL, impl.Command)
	assert.Equal(t, inst.Config, impl.FullCommand)

	second := r.Reconcile(context.Background(), nil, servers("a"))
	require.Len(t, second.Services, 1)
	assert.NotEqual(t, svc.ID, second.Services[0].ID, "non-UUID service ids mint a new local id per run")
}

func TestReconcileIdempotentWithKnownIDs(t *testing.T) {
	sid := uuid.NewString()
	lister := &fakeLister{instances: map[string][]model.RemoteInstance{
		"a": {peered("r1", "server://:10101/:8080?mode=1", sid, "2", "web")},
		"b": {peered("d1", "client://relay:10101/127.0.0.1:80?mode=2", sid, "2", "")},
	}}
	r := NewReconciler(lister, zerolog.Nop())

	first := r.Reconcile(context.Background(), map[string]struct{}{}, servers("a", "b"))
	require.Len(t, first.Services, 1)

	known := map[string]struct{}{}
	for _, s := range first.Services {
		known[s.PeerID] = struct{}{}
	}
	second := r.Reconcile(context.Background(), known, servers("a", "b"))
	assert.Empty(t, second.Services)
	assert.Empty(t, second.Skipped)
}

func TestReconcileAmbiguousNATSkipped(t *testing.T) {
	sid := uuid.NewString()
	lister := &fakeLister{instances: map[string][]model.RemoteInstance{
		"a": {peered("s1", "server://:10101/:2222", sid, "1", "x")},
		"b": {peered("s2", "server://:10102/:2223", sid, "1", "x")},
	}}
	res := NewReconciler(lister, zerolog.Nop()).Reconcile(context.Background(), nil, servers("a", "b"))
	assert.Empty(t, res.Services)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, sid, res.Skipped[0].ServiceID)
	assert.True(t, errors.Is(res.Skipped[0].Err, ErrAmbiguousPairing))
}

func TestReconcilePartialFailure(t *testing.T) {
	sid := uuid.NewString()
	lister := &fakeLister{
		instances: map[string][]model.RemoteInstance{
			"b": {peered("d1", "client://:9000/10.0.0.1:80?mode=1", sid, "5", "lb")},
		},
		failures: map[string]error{"a": errors.New("dial tcp: connection refused")},
		delay:    map[string]time.Duration{"a": 20 * time.Millisecond},
	}
	res := NewReconciler(lister, zerolog.Nop()).Reconcile(context.Background(), nil, servers("a", "b"))
	require.Len(t, res.Services, 1)
	assert.Equal(t, model.DirectForward, res.Services[0].Type)
	assert.Equal(t, map[string]string{"a": "dial tcp: connection refused"}, res.Errors)
	assert.Equal(t, 2, lister.calls)
}

func TestGroupTunnelForwardRoles(t *testing.T) {
	cases := []struct {
		name      string
		a, b      string
		wantRelay string
		ambiguous bool
	}{
		{name: "server listens", a: "client://relay:1/127.0.0.1:80", b: "server://:1/:8080?mode=1", wantRelay: "b"},
		{name: "peer connects", a: "server://:1/:8080", b: "client://relay:1/127.0.0.1:80?mode=2", wantRelay: "a"},
		{name: "both", a: "server://:1/:8080?mode=1", b: "client://relay:1/127.0.0.1:80?mode=2", wantRelay: "a"},
		{name: "neither", a: "server://:1/:8080?mode=2", b: "client://relay:1/127.0.0.1:80?mode=1", ambiguous: true},
		{name: "two listeners", a: "server://:1/:8080?mode=1", b: "server://:2/:8081?mode=1", ambiguous: true},
		{name: "bad url", a: "::bad", b: "server://:2/:8081?mode=1", ambiguous: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sid := uuid.NewString()
			snap := Snapshot{
				"a": {peered("ia", tc.a, sid, "2", "")},
				"b": {peered("ib", tc.b, sid, "2", "")},
			}
			svcs, skipped := Group(snap, []string{"a", "b"}, nil)
			if tc.ambiguous {
				assert.Empty(t, svcs)
				require.Len(t, skipped, 1)
				assert.True(t, errors.Is(skipped[0].Err, ErrAmbiguousPairing))
				return
			}
			require.Len(t, svcs, 1)
			relay, _ := svcs[0].Implementation(0)
			assert.Equal(t, model.TunnelForwardRelay, relay.Type)
			assert.Equal(t, tc.wantRelay, relay.ServerID)
			assert.Equal(t, util.UntitledService, svcs[0].Name)
		})
	}
}

func TestGroupModeFromConfig(t *testing.T) {
	sid := uuid.NewString()
	relay := peered("ia", "server://:1/:8080", sid, "2", "")
	relay.Config = "server://:1/:8080?log=info&mode=1"
	dest := peered("ib", "client://relay:1/127.0.0.1:80", sid, "2", "")
	svcs, _ := Group(Snapshot{"a": {dest}, "b": {relay}}, []string{"a", "b"}, nil)
	require.Len(t, svcs, 1)
	pos0, _ := svcs[0].Implementation(0)
	assert.Equal(t, "ia", pos0.InstanceID)
}

func TestGroupTypeCodes(t *testing.T) {
	sid := uuid.NewString()
	srv := "server://:1/:8080?mode=1"
	cli := "client://relay:1/127.0.0.1:80?mode=2"

	svcs, _ := Group(Snapshot{"a": {peered("1", srv, sid, "4", "")}, "b": {peered("2", cli, sid, "4", "")}}, []string{"a", "b"}, nil)
	require.Len(t, svcs, 1)
	assert.Equal(t, model.TunnelForwardExternal, svcs[0].Type)

	svcs, _ = Group(Snapshot{"a": {peered("1", srv, sid, "6", "")}, "b": {peered("2", cli, sid, "3", "")}}, []string{"a", "b"}, nil)
	require.Len(t, svcs, 1)
	assert.Equal(t, model.NATPassthrough, svcs[0].Type)

	_, skipped := Group(Snapshot{"a": {peered("1", srv, sid, "9", "")}, "b": {peered("2", cli, sid, "9", "")}}, []string{"a", "b"}, nil)
	require.Len(t, skipped, 1)
	assert.True(t, errors.Is(skipped[0].Err, ErrUnsupportedType))

	_, skipped = Group(Snapshot{"a": {peered("1", srv, sid, "1", "")}, "b": {peered("2", cli, sid, "2", "")}}, []string{"a", "b"}, nil)
	require.Len(t, skipped, 1)
	assert.True(t, errors.Is(skipped[0].Err, ErrAmbiguousPairing))
}

func TestGroupIncompleteAndUntagged(t *testing.T) {
	sid := uuid.NewString()
	snap := Snapshot{
		"a": {
			peered("1", "server://:1/:8080?mode=1", sid, "2", ""),
			{ID: "plain", URL: "server://:5/:6"},
			peered("blank", "server://:7/:8", "  ", "2", ""),
		},
	}
	svcs, skipped := Group(snap, []string{"a"}, nil)
	assert.Empty(t, svcs)
	require.Len(t, skipped, 1)
	assert.True(t, errors.Is(skipped[0].Err, ErrIncompletePairing))
}

func TestGroupDirectWinsOverExtraInstances(t *testing.T) {
	sid := uuid.NewString()
	snap := Snapshot{
		"a": {peered("x", "server://:1/:2", sid, "2", "")},
		"b": {peered("d", "client://:8080/10.0.0.1:80?mode=1", sid, "0", "fwd")},
	}
	svcs, _ := Group(snap, []string{"a", "b"}, nil)
	require.Len(t, svcs, 1)
	assert.Equal(t, model.DirectForward, svcs[0].Type)
	assert.Equal(t, "d", svcs[0].Implementations[0].InstanceID)
	assert.Equal(t, "fwd", svcs[0].Name)
}
