package core

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/signalsfoundry/gatesim/internal/logging"
	"github.com/signalsfoundry/gatesim/model"
)

type testHost struct {
	host *Host
	app  *ForwardingNode
	port *ForwardingNode
}

func newTestHost(t *testing.T, name string) testHost {
	t.Helper()
	h := NewHost(name)
	app, err := h.AddEndpoint("app")
	if err != nil {
		t.Fatalf("AddEndpoint(app): %v", err)
	}
	port, err := h.AddEndpoint("port:M")
	if err != nil {
		t.Fatalf("AddEndpoint(port): %v", err)
	}
	return testHost{host: h, app: app, port: port}
}

func gateOf(t *testing.T, h *Host, id GateID) (*Gate, bool) {
	t.Helper()
	var g *Gate
	var ok bool
	_ = h.WithLock(func() error {
		g, ok = h.GateLocked(id)
		return nil
	})
	return g, ok
}

// failingFactory delegates to DefaultFactory but fails on call failAt.
type failingFactory struct {
	inner  GateFactory
	calls  int
	failAt int
	panics bool
}

func (f *failingFactory) CreateGate(origin *ForwardingNode, role Role, target *ForwardingNode, cfg Config, owner model.Identity) (*Gate, error) {
	f.calls++
	if f.calls == f.failAt {
		if f.panics {
			panic("factory exploded")
		}
		return nil, errors.New("injected factory failure")
	}
	return f.inner.CreateGate(origin, role, target, cfg, owner)
}

func TestCreatePathScenarioTwoNewGates(t *testing.T) {
	th := newTestHost(t, "A")
	creator := NewPathCreator(NewDefaultFactory())
	ctx := context.Background()

	segs := []*SocketPathParam{
		{Role: RoleRateLimit, Config: Config{ConfigRate: "100"}},
		{Role: RoleDelayMonitor, Target: th.port},
	}
	res, err := creator.CreatePath(ctx, th.app, "A", nil, segs)
	if err != nil {
		t.Fatalf("CreatePath: %v", err)
	}
	if res.Created != 2 || len(res.Gates) != 2 {
		t.Fatalf("result = %s, want two new gates", res)
	}
	for _, id := range res.Gates {
		if got := res.Ledger[id]; got != (Occurrence{Old: 0, New: 1, Removed: 0}) {
			t.Fatalf("ledger[%d] = %+v, want 0/1/0", id, got)
		}
	}
	if res.End != th.port {
		t.Fatalf("chain ends at %s, want %s", res.End, th.port)
	}
	if segs[0].Target == nil || segs[0].Target.Kind() != Multiplexer {
		t.Fatalf("first segment should lead to a fresh multiplexer, got %s", segs[0].Target)
	}
	if s := th.host.Stats(); s.Gates != 2 || s.Multiplexers != 1 {
		t.Fatalf("stats after create = %+v", s)
	}

	rel, err := creator.ReleasePath(ctx, th.app, "A", res.Gates)
	if err != nil {
		t.Fatalf("ReleasePath: %v", err)
	}
	if rel.Retired != 2 {
		t.Fatalf("retired = %d, want 2", rel.Retired)
	}
	if s := th.host.Stats(); s.Gates != 0 || s.Multiplexers != 0 {
		t.Fatalf("stats after teardown = %+v, want empty gate set", s)
	}
	_ = th.host.WithLock(func() error {
		if th.app.NumGatesLocked() != 0 {
			t.Fatalf("app still has gates")
		}
		return nil
	})
}

func TestReuseLedgerCountsRepeatedOccurrences(t *testing.T) {
	th := newTestHost(t, "A")
	creator := NewPathCreator(NewDefaultFactory())
	ctx := context.Background()

	// A loop gate lets one chain pass the same gate several times.
	first, err := creator.CreatePath(ctx, th.app, "A", nil, []*SocketPathParam{{Target: th.app}})
	if err != nil {
		t.Fatalf("CreatePath loop gate: %v", err)
	}
	g := first.Gates[0]

	segs := []*SocketPathParam{
		{GateID: g},
		{GateID: g, Remove: true},
		{GateID: g},
		{Role: RoleDelayMonitor, Target: th.port},
	}
	res, err := creator.CreatePath(ctx, th.app, "A", first.Gates, segs)
	if err != nil {
		t.Fatalf("CreatePath reuse: %v", err)
	}
	prior, reused, removed := 1, 2, 1
	if got := res.Ledger[g].Ref(); got != prior+reused-removed {
		t.Fatalf("ledger ref = %d, want %d", got, prior+reused-removed)
	}
	if res.Reused != reused || res.Created != 1 {
		t.Fatalf("result = %s", res)
	}
	gate, ok := gateOf(t, th.host, g)
	if !ok || gate.RefCount() != 1 {
		t.Fatalf("gate refcount changed for a gate the chain already held: %v", gate)
	}

	if _, err := creator.ReleasePath(ctx, th.app, "A", res.Gates); err != nil {
		t.Fatalf("ReleasePath: %v", err)
	}
	if _, ok := gateOf(t, th.host, g); ok {
		t.Fatalf("zero-count gate %d still registered", g)
	}
	if s := th.host.Stats(); s.Gates != 0 {
		t.Fatalf("gates left after flush: %+v", s)
	}
}

func TestSharedGateOutlivesOneUser(t *testing.T) {
	th := newTestHost(t, "M")
	creator := NewPathCreator(NewDefaultFactory())
	ctx := context.Background()

	a, err := creator.CreatePath(ctx, th.app, "alice", nil, []*SocketPathParam{{Target: th.port}})
	if err != nil {
		t.Fatalf("alice: %v", err)
	}
	b, err := creator.CreatePath(ctx, th.app, "bob", nil, []*SocketPathParam{{GateID: a.Gates[0], Target: th.port}})
	if err != nil {
		t.Fatalf("bob: %v", err)
	}
	gate, _ := gateOf(t, th.host, a.Gates[0])
	if gate.RefCount() != 2 || b.Reused != 1 {
		t.Fatalf("shared gate refcount = %d, reused = %d", gate.RefCount(), b.Reused)
	}
	if gate.SetConfig(Config{"k": "v"}) {
		t.Fatalf("configuration of a shared gate must be frozen")
	}

	if _, err := creator.ReleasePath(ctx, th.app, "alice", a.Gates); err != nil {
		t.Fatalf("release alice: %v", err)
	}
	if _, ok := gateOf(t, th.host, a.Gates[0]); !ok || gate.RefCount() != 1 {
		t.Fatalf("gate must survive while bob uses it")
	}
	if _, err := creator.ReleasePath(ctx, th.app, "bob", b.Gates); err != nil {
		t.Fatalf("release bob: %v", err)
	}
	if _, ok := gateOf(t, th.host, a.Gates[0]); ok {
		t.Fatalf("gate must be retired after the last user")
	}
}

func TestCreationErrorCleansUpAndKeepsFirstError(t *testing.T) {
	for _, panics := range []bool{false, true} {
		th := newTestHost(t, "A")
		ctx := context.Background()

		shared, err := NewPathCreator(nil).CreatePath(ctx, th.app, "other", nil, []*SocketPathParam{{Target: th.app}})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
		before := th.host.Stats()

		factory := &failingFactory{inner: NewDefaultFactory(), failAt: 3, panics: panics}
		rec := logging.NewRecorder()
		creator := NewPathCreator(factory, WithPathLogger(rec))
		segs := []*SocketPathParam{
			{GateID: shared.Gates[0]},
			{Role: RoleOrderCheck},
			{Role: RoleRateLimit},
			{Role: RoleDelayMonitor},
			{Role: RoleTransparent, Target: th.port},
		}
		res, err := creator.CreatePath(ctx, th.app, "A", nil, segs)
		if err == nil || res != nil {
			t.Fatalf("expected failure, got %v", res)
		}
		if model.KindOf(err) != model.KindCreation {
			t.Fatalf("error kind = %s, want creation", model.KindOf(err))
		}
		want := "injected factory failure"
		if panics {
			want = "factory exploded"
		}
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("surfaced error %q does not carry the original cause %q", err, want)
		}
		if after := th.host.Stats(); after != before {
			t.Fatalf("stats after failed construction = %+v, want %+v", after, before)
		}
		if gate, _ := gateOf(t, th.host, shared.Gates[0]); gate.RefCount() != 1 {
			t.Fatalf("shared gate refcount = %d, want 1 after cleanup", gate.RefCount())
		}
		if _, ok := rec.Find("path construction failed"); !ok {
			t.Fatalf("failure was not logged")
		}
	}
}

func TestCreatePathRejectsBrokenChain(t *testing.T) {
	th := newTestHost(t, "A")
	creator := NewPathCreator(nil)
	ctx := context.Background()

	other, _ := th.host.AddEndpoint("port:N")
	_, err := creator.CreatePath(ctx, th.app, "A", nil, []*SocketPathParam{
		{Target: th.port},
		{Origin: other, Target: th.app},
	})
	if model.KindOf(err) != model.KindCreation {
		t.Fatalf("origin mismatch err = %v, want creation error", err)
	}
	if s := th.host.Stats(); s.Gates != 0 {
		t.Fatalf("gates left after rejected chain: %+v", s)
	}

	base, err := creator.CreatePath(ctx, th.app, "A", nil, []*SocketPathParam{{Role: RoleOrderCheck, Target: th.port}})
	if err != nil {
		t.Fatalf("CreatePath: %v", err)
	}
	_, err = creator.CreatePath(ctx, th.app, "B", nil, []*SocketPathParam{{GateID: base.Gates[0], Role: RoleRateLimit}})
	if model.KindOf(err) != model.KindCreation {
		t.Fatalf("role mismatch err = %v, want creation error", err)
	}
	_, err = creator.CreatePath(ctx, th.app, "B", nil, []*SocketPathParam{{GateID: 999}})
	if model.KindOf(err) != model.KindCreation {
		t.Fatalf("unknown gate err = %v, want creation error", err)
	}
	if gate, ok := gateOf(t, th.host, base.Gates[0]); !ok || gate.RefCount() != 1 {
		t.Fatalf("failed reuse must not leak a reference")
	}
}

func TestRemovalOfForeignGateFails(t *testing.T) {
	th := newTestHost(t, "A")
	creator := NewPathCreator(nil)
	ctx := context.Background()

	res, err := creator.CreatePath(ctx, th.app, "A", nil, []*SocketPathParam{{Target: th.port}})
	if err != nil {
		t.Fatalf("CreatePath: %v", err)
	}
	// The gate is not part of the old chain passed in.
	_, err = creator.CreatePath(ctx, th.app, "B", nil, RemovalSegments(res.Gates))
	if model.KindOf(err) != model.KindCreation {
		t.Fatalf("err = %v, want creation error", err)
	}
	if _, ok := gateOf(t, th.host, res.Gates[0]); !ok {
		t.Fatalf("gate of another chain must survive")
	}
}

func TestRemovalOfGateReusedInSameCallFails(t *testing.T) {
	th := newTestHost(t, "A")
	creator := NewPathCreator(NewDefaultFactory())
	ctx := context.Background()

	first, err := creator.CreatePath(ctx, th.app, "A", nil, []*SocketPathParam{{Target: th.app}})
	if err != nil {
		t.Fatalf("CreatePath loop gate: %v", err)
	}
	g := first.Gates[0]

	// Reused here but absent from the old chain, so it cannot be removed.
	_, err = creator.CreatePath(ctx, th.app, "A", nil, []*SocketPathParam{
		{GateID: g},
		{GateID: g, Remove: true},
	})
	if model.KindOf(err) != model.KindCreation || !strings.Contains(err.Error(), "old chain") {
		t.Fatalf("err = %v, want creation error about the old chain", err)
	}
	gate, ok := gateOf(t, th.host, g)
	if !ok || gate.RefCount() != 1 {
		t.Fatalf("gate after failed removal = %v, want the original single reference", gate)
	}
}

func TestReuseChecksPartnerPairing(t *testing.T) {
	th := newTestHost(t, "A")
	creator := NewPathCreator(NewDefaultFactory())
	ctx := context.Background()

	a, err := creator.CreatePath(ctx, th.app, "A", nil, []*SocketPathParam{{Target: th.port}})
	if err != nil {
		t.Fatalf("CreatePath forward: %v", err)
	}
	b, err := creator.CreatePath(ctx, th.port, "A", nil, []*SocketPathParam{{Target: th.app}})
	if err != nil {
		t.Fatalf("CreatePath reverse: %v", err)
	}
	fwd, rev := a.Gates[0], b.Gates[0]

	reuse := func() error {
		seg := &SocketPathParam{GateID: fwd}
		seg.Partner = &SocketPathParam{GateID: rev}
		_, err := creator.CreatePath(ctx, th.app, "B", nil, []*SocketPathParam{seg})
		return err
	}
	if err := reuse(); model.KindOf(err) != model.KindCreation || !strings.Contains(err.Error(), "unpaired") {
		t.Fatalf("unpaired gate err = %v, want creation error", err)
	}
	if gate, _ := gateOf(t, th.host, fwd); gate.RefCount() != 1 {
		t.Fatalf("rejected reuse took a reference: %v", gate)
	}

	_ = th.host.WithLock(func() error {
		g, _ := th.host.GateLocked(fwd)
		g.SetReverseGateID(rev)
		return nil
	})
	if err := reuse(); err != nil {
		t.Fatalf("paired reuse: %v", err)
	}
	if gate, _ := gateOf(t, th.host, fwd); gate.RefCount() != 2 {
		t.Fatalf("paired reuse refcount = %d, want 2", gate.RefCount())
	}
}

func TestRateAdmissionDeniesOverbooking(t *testing.T) {
	th := newTestHost(t, "A")
	creator := NewPathCreator(NewDefaultFactory())
	ctx := context.Background()

	res, err := creator.CreatePath(ctx, th.app, "A", nil, []*SocketPathParam{{
		Role:   RoleRateLimit,
		Target: th.port,
		Config: Config{ConfigRate: "600", ConfigCapacity: "1000"},
	}})
	if err != nil {
		t.Fatalf("CreatePath: %v", err)
	}
	_, err = creator.CreatePath(ctx, th.app, "B", nil, []*SocketPathParam{{
		GateID: res.Gates[0],
		Config: Config{ConfigRate: "600"},
	}})
	if model.KindOf(err) != model.KindCreation || !strings.Contains(err.Error(), "denied") {
		t.Fatalf("err = %v, want denied resource", err)
	}
	_, err = creator.CreatePath(ctx, th.app, "C", nil, []*SocketPathParam{{
		GateID: res.Gates[0],
		Config: Config{ConfigRate: "300"},
	}})
	if err != nil {
		t.Fatalf("small reservation should fit: %v", err)
	}
}

func TestParallelizedPartnerSegmentsShareMultiplexer(t *testing.T) {
	th := newTestHost(t, "M")
	creator := NewPathCreator(nil, WithParallelize(true))
	ctx := context.Background()

	forward := []*SocketPathParam{
		{Role: RoleRateLimit},
		{Role: RoleTransparent, Target: th.port},
	}
	reverse := []*SocketPathParam{
		{Role: RoleTransparent},
		{Role: RoleRateLimit, Target: th.app},
	}
	PairSegments(forward, reverse)

	if _, err := creator.CreatePath(ctx, th.app, "A", nil, forward); err != nil {
		t.Fatalf("forward: %v", err)
	}
	rev, err := creator.CreatePath(ctx, th.port, "A", nil, reverse)
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if reverse[0].Target != forward[1].Origin {
		t.Fatalf("reverse chain should reuse multiplexer %s, got %s", forward[1].Origin, reverse[0].Target)
	}
	if s := th.host.Stats(); s.Multiplexers != 1 || s.Gates != 4 {
		t.Fatalf("stats = %+v, want one shared multiplexer and four gates", s)
	}
	for i, f := range forward {
		r := reverse[len(reverse)-1-i]
		fg, _ := gateOf(t, th.host, f.GateID)
		rg, _ := gateOf(t, th.host, r.GateID)
		if fg.ReverseGateID() != rg.ID() || rg.ReverseGateID() != fg.ID() {
			t.Fatalf("gates %d and %d are not cross-linked", fg.ID(), rg.ID())
		}
	}

	// Tearing the forward chain down keeps the multiplexer the reverse
	// chain still leaves from.
	fwdIDs := []GateID{forward[0].GateID, forward[1].GateID}
	if _, err := creator.ReleasePath(ctx, th.app, "A", fwdIDs); err != nil {
		t.Fatalf("release forward: %v", err)
	}
	if s := th.host.Stats(); s.Multiplexers != 1 {
		t.Fatalf("shared multiplexer retired too early: %+v", s)
	}
	if _, err := creator.ReleasePath(ctx, th.port, "A", rev.Gates); err != nil {
		t.Fatalf("release reverse: %v", err)
	}
	if s := th.host.Stats(); s.Multiplexers != 0 || s.Gates != 0 {
		t.Fatalf("stats after full teardown = %+v", s)
	}
}

func TestOccurrenceRef(t *testing.T) {
	cases := []struct {
		o    Occurrence
		want int
	}{
		{Occurrence{}, 0},
		{Occurrence{Old: 1}, 1},
		{Occurrence{Old: 1, New: 2, Removed: 1}, 2},
		{Occurrence{New: 1, Removed: 1}, 0},
	}
	for _, tc := range cases {
		if got := tc.o.Ref(); got != tc.want {
			t.Fatalf("%+v.Ref() = %d, want %d", tc.o, got, tc.want)
		}
	}
}
