package process

import (
	"context"
	"errors"
	"testing"

	"github.com/signalsfoundry/gatesim/internal/logging"
	"github.com/signalsfoundry/gatesim/model"
)

type recordingHandler struct {
	terminated []error
	notified   []error
}

func (h *recordingHandler) Terminated(_ context.Context, _ *Process, cause error) {
	h.terminated = append(h.terminated, cause)
}

type interceptingHandler struct{ recordingHandler }

func (h *interceptingHandler) ErrorNotified(_ context.Context, _ *Process, err error) {
	h.notified = append(h.notified, err)
}

type fakeMetrics struct {
	active   int
	finished map[string]int
}

func (m *fakeMetrics) SetActiveProcesses(_ string, n int) { m.active = n }
func (m *fakeMetrics) ProcessFinished(kind, cause string) {
	if m.finished == nil {
		m.finished = make(map[string]int)
	}
	m.finished[kind+"/"+cause]++
}

func TestLifecycleTransitions(t *testing.T) {
	p := New(Key{Node: "app:1", Owner: "A", Number: 1}, "connection", nil)
	var seen []State
	p.OnStateChange(func(_ *Process, _, to State) { seen = append(seen, to) })

	if err := p.Operate(); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("Operate from init err = %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("second Start err = %v", err)
	}
	if err := p.Operate(); err != nil {
		t.Fatalf("Operate: %v", err)
	}
	if p.Expire(context.Background()) {
		t.Fatalf("an operating process must not expire")
	}
	if !p.Terminate(context.Background(), nil) {
		t.Fatalf("Terminate returned false on a live process")
	}
	want := []State{StateStarting, StateOperating, StateClosing}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", seen, want)
		}
	}
	if !errors.Is(p.TerminationCause(), ErrClosed) {
		t.Fatalf("cause = %v, want ErrClosed", p.TerminationCause())
	}
}

func TestSecondTerminateIsNoop(t *testing.T) {
	h := &recordingHandler{}
	reg := NewRegistry("A")
	p := New(Key{Node: "sig", Owner: "A", Number: 3}, "gate-construction", h)
	if err := reg.Register(context.Background(), p); err != nil {
		t.Fatalf("Register: %v", err)
	}

	first := errors.New("link down")
	if !p.Terminate(context.Background(), first) {
		t.Fatalf("first Terminate should act")
	}
	if p.Terminate(context.Background(), errors.New("again")) {
		t.Fatalf("second Terminate should be a no-op")
	}
	p.ErrorNotification(context.Background(), errors.New("late"))

	if len(h.terminated) != 1 || h.terminated[0] != first {
		t.Fatalf("handler calls = %v", h.terminated)
	}
	if p.TerminationCause() != first || !p.IsFinished() {
		t.Fatalf("state %s cause %v", p.State(), p.TerminationCause())
	}
	if reg.Len() != 0 {
		t.Fatalf("terminated process still registered")
	}
}

func TestErrorNotification(t *testing.T) {
	plain := &recordingHandler{}
	p := New(Key{Node: "sig", Owner: "A", Number: 1}, "connection", plain)
	p.ErrorNotification(context.Background(), errors.New("gate broke"))
	if !p.IsFinished() || len(plain.terminated) != 1 {
		t.Fatalf("plain handler: process should terminate")
	}

	ih := &interceptingHandler{}
	q := New(Key{Node: "sig", Owner: "A", Number: 2}, "connection", ih)
	q.ErrorNotification(context.Background(), errors.New("gate broke"))
	if q.IsFinished() || len(ih.notified) != 1 {
		t.Fatalf("intercepting handler: process should stay alive")
	}
}

func TestExpireOnlyWhileStarting(t *testing.T) {
	h := &recordingHandler{}
	p := New(Key{Node: "app:1", Owner: "A", Number: 1}, "connection", h)
	if p.Expire(context.Background()) {
		t.Fatalf("init process must not expire")
	}
	_ = p.Start()
	if !p.Expire(context.Background()) {
		t.Fatalf("starting process should expire")
	}
	if len(h.terminated) != 1 || !errors.Is(h.terminated[0], ErrStartTimeout) {
		t.Fatalf("cause = %v, want ErrStartTimeout", h.terminated)
	}
}

func TestRegistryDuplicateIsInternalConsistencyError(t *testing.T) {
	rec := logging.NewRecorder()
	reg := NewRegistry("A", WithLogger(rec))
	key := Key{Node: "sig", Owner: "A", Number: 7}
	if err := reg.Register(context.Background(), New(key, "connection", nil)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := reg.Register(context.Background(), New(key, "connection", nil))
	if model.KindOf(err) != model.KindInternalConsistency {
		t.Fatalf("duplicate err = %v", err)
	}
	if e, ok := rec.Find("duplicate process registration"); !ok || e.Level != "error" {
		t.Fatalf("duplicate registration not logged at error level: %+v", e)
	}
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry("M")
	p := New(Key{Node: "sig", Owner: "A", Number: 4}, "gate-construction", nil)
	p.AddPeer("B")
	if err := reg.Register(context.Background(), p); err != nil {
		t.Fatalf("Register: %v", err)
	}

	cases := []struct {
		node   string
		sender model.Identity
		number int
		found  bool
	}{
		{"sig", "A", 4, true},
		{"sig", "B", 4, true},
		{"sig", "C", 4, false},
		{"sig", "A", 5, false},
		{"app", "A", 4, false},
	}
	for _, tc := range cases {
		got, ok := reg.Lookup(tc.node, tc.sender, tc.number)
		if ok != tc.found || (ok && got != p) {
			t.Fatalf("Lookup(%s, %s, %d) = %v, %v", tc.node, tc.sender, tc.number, got, ok)
		}
	}

	p.Terminate(context.Background(), nil)
	if _, ok := reg.Lookup("sig", "A", 4); ok {
		t.Fatalf("finished process must not be found")
	}
}

func TestRegistryProcessesAndMetrics(t *testing.T) {
	m := &fakeMetrics{}
	reg := NewRegistry("A", WithMetrics(m))
	ctx := context.Background()
	for _, n := range []int{5, 2, 9} {
		if err := reg.Register(ctx, New(Key{Node: "sig", Owner: "A", Number: n}, "connection", nil)); err != nil {
			t.Fatalf("Register %d: %v", n, err)
		}
	}
	other := New(Key{Node: "app:x", Owner: "A", Number: 1}, "connection", nil)
	_ = reg.Register(ctx, other)

	procs := reg.Processes("sig")
	if len(procs) != 3 || procs[0].Number() != 2 || procs[2].Number() != 9 {
		t.Fatalf("Processes(sig) = %v", procs)
	}
	if m.active != 4 {
		t.Fatalf("active = %d, want 4", m.active)
	}

	if !reg.Unregister(ctx, other) || reg.Unregister(ctx, other) {
		t.Fatalf("Unregister should succeed exactly once")
	}
	if n := reg.TerminateAll(ctx, ErrStartTimeout); n != 3 {
		t.Fatalf("TerminateAll = %d, want 3", n)
	}
	if m.active != 0 || m.finished["connection/timeout"] != 3 {
		t.Fatalf("metrics = %+v", m)
	}
}
