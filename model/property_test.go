package model

import (
	"errors"
	"testing"
)

func mustMinMax(t *testing.T, kind Kind, min, max int) MinMax {
	t.Helper()
	p, err := NewMinMax(kind, min, max, 0)
	if err != nil {
		t.Fatalf("NewMinMax(%s, %d, %d): %v", kind, min, max, err)
	}
	return p
}

func TestNewMinMaxRejectsInvertedRange(t *testing.T) {
	_, err := NewMinMax(KindDelay, 20, 10, 0)
	if !errors.Is(err, ErrRequirementConflict) {
		t.Fatalf("expected requirement conflict, got %v", err)
	}
	var ce *ConflictError
	if !errors.As(err, &ce) || ce.Kind != KindDelay {
		t.Fatalf("expected *ConflictError for delay, got %#v", err)
	}
}

func TestNewMinMaxNormalizesNegativeBounds(t *testing.T) {
	p := mustMinMax(t, KindDatarate, -5, -1)
	if p.HasMin() || p.HasMax() {
		t.Fatalf("expected both bounds unconstrained, got %s", p)
	}
	if !p.IsBE() {
		t.Fatalf("expected %s to be best effort", p)
	}
}

func TestFuseIntersectsRanges(t *testing.T) {
	a := mustMinMax(t, KindDatarate, 100, 1000)
	b := mustMinMax(t, KindDatarate, 200, Unconstrained)

	got, err := a.Fuse(b)
	if err != nil {
		t.Fatalf("Fuse: %v", err)
	}
	mm := got.(MinMax)
	if mm.Min() != 200 || mm.Max() != 1000 {
		t.Fatalf("Fuse = %s, want datarate[200,1000]", mm)
	}
}

func TestFuseDisjointRangesConflict(t *testing.T) {
	cases := []struct {
		name string
		a, b MinMax
	}{
		{"delay", mustMinMax(t, KindDelay, 0, 10), mustMinMax(t, KindDelay, 20, 30)},
		{"datarate", mustMinMax(t, KindDatarate, 500, Unconstrained), mustMinMax(t, KindDatarate, Unconstrained, 100)},
		{"loss", mustMinMax(t, KindLossRate, 5, 5), mustMinMax(t, KindLossRate, 6, 9)},
	}
	for _, tc := range cases {
		if _, err := tc.a.Fuse(tc.b); !errors.Is(err, ErrRequirementConflict) {
			t.Fatalf("%s: Fuse(%s, %s) err = %v, want conflict", tc.name, tc.a, tc.b, err)
		}
		if _, err := tc.b.Fuse(tc.a); !errors.Is(err, ErrRequirementConflict) {
			t.Fatalf("%s: reversed Fuse err = %v, want conflict", tc.name, err)
		}
	}
}

func TestFuseKindMismatch(t *testing.T) {
	if _, err := AtMost(KindDelay, 10).Fuse(AtLeast(KindDatarate, 5)); !errors.Is(err, ErrRequirementConflict) {
		t.Fatalf("expected conflict for mismatched kinds, got %v", err)
	}
}

func TestDeriveRequirementsBottleneck(t *testing.T) {
	offer := AtMost(KindDatarate, 1000)
	req := AtLeast(KindDatarate, 100)

	got, err := offer.DeriveRequirements(req)
	if err != nil {
		t.Fatalf("DeriveRequirements: %v", err)
	}
	mm := got.(MinMax)
	if mm.Min() != 100 || mm.Max() != 100 {
		t.Fatalf("derived %s, want datarate[100,100]", mm)
	}

	if _, err := AtMost(KindDatarate, 50).DeriveRequirements(req); !errors.Is(err, ErrRequirementConflict) {
		t.Fatalf("expected conflict when offer max is below required min, got %v", err)
	}
}

func TestDeriveRequirementsAdditive(t *testing.T) {
	offer := mustMinMax(t, KindDelay, 10, 10)

	got, err := offer.DeriveRequirements(AtMost(KindDelay, 50))
	if err != nil {
		t.Fatalf("DeriveRequirements: %v", err)
	}
	if mm := got.(MinMax); mm.Min() != 10 || mm.Max() != 10 {
		t.Fatalf("derived %s, want delay[10,10]", mm)
	}

	if _, err := offer.DeriveRequirements(AtMost(KindDelay, 5)); !errors.Is(err, ErrRequirementConflict) {
		t.Fatalf("expected conflict when offer min exceeds required max, got %v", err)
	}

	// An offer without a lower bound contributes nothing.
	got, err = AtMost(KindDelay, 30).DeriveRequirements(AtMost(KindDelay, 50))
	if err != nil {
		t.Fatalf("DeriveRequirements: %v", err)
	}
	if mm := got.(MinMax); mm.Min() != 0 || mm.Max() != 0 {
		t.Fatalf("derived %s, want delay[0,0]", mm)
	}
}

func TestRemoveCapabilitiesDelayAccumulates(t *testing.T) {
	req := AtMost(KindDelay, 50)
	got, err := req.RemoveCapabilities(mustMinMax(t, KindDelay, 10, 10))
	if err != nil {
		t.Fatalf("RemoveCapabilities: %v", err)
	}
	if mm := got.(MinMax); mm.Max() != 40 || mm.HasMin() {
		t.Fatalf("remaining %s, want delay[*,40]", mm)
	}

	if _, err := req.RemoveCapabilities(AtMost(KindDelay, 60)); !errors.Is(err, ErrRequirementConflict) {
		t.Fatalf("expected conflict when capability exceeds budget, got %v", err)
	}
	if _, err := req.RemoveCapabilities(AtLeast(KindDelay, 5)); !errors.Is(err, ErrRequirementConflict) {
		t.Fatalf("expected conflict for unbounded contribution, got %v", err)
	}
}

func TestRemoveCapabilitiesDatarateBottleneck(t *testing.T) {
	req := AtLeast(KindDatarate, 100)
	for _, capability := range []MinMax{
		AtMost(KindDatarate, 1000),
		AtLeast(KindDatarate, 100),
		mustMinMax(t, KindDatarate, 150, 200),
	} {
		got, err := req.RemoveCapabilities(capability)
		if err != nil {
			t.Fatalf("RemoveCapabilities(%s): %v", capability, err)
		}
		if got.(MinMax) != req {
			t.Fatalf("RemoveCapabilities(%s) = %s, want unchanged %s", capability, got, req)
		}
	}
	for _, capability := range []MinMax{AtMost(KindDatarate, 50), AtLeast(KindDatarate, 20)} {
		if _, err := req.RemoveCapabilities(capability); !errors.Is(err, ErrRequirementConflict) {
			t.Fatalf("RemoveCapabilities(%s) err = %v, want conflict", capability, err)
		}
	}
}

func TestRemoveThenAddRestoresBound(t *testing.T) {
	cases := []struct {
		req MinMax
		cap MinMax
	}{
		{AtMost(KindDelay, 50), mustMinMax(t, KindDelay, 10, 10)},
		{AtMost(KindDelay, 50), mustMinMax(t, KindDelay, 0, 50)},
		{AtMost(KindLossRate, 20), AtMost(KindLossRate, 3)},
		{AtLeast(KindDatarate, 100), AtMost(KindDatarate, 1000)},
		{AtLeast(KindDatarate, 100), AtLeast(KindDatarate, 400)},
		{AtLeast(KindPriority, 2), mustMinMax(t, KindPriority, 2, 7)},
	}
	for _, tc := range cases {
		rest, err := tc.req.RemoveCapabilities(tc.cap)
		if err != nil {
			t.Fatalf("RemoveCapabilities(%s, %s): %v", tc.req, tc.cap, err)
		}
		back, err := rest.(MinMax).AddCapabilities(tc.cap)
		if err != nil {
			t.Fatalf("AddCapabilities: %v", err)
		}
		mm := back.(MinMax)
		if tc.req.Kind().Rule() == Additive && mm.Max() != tc.req.Max() {
			t.Fatalf("%s: round trip max = %d, want %d", tc.req, mm.Max(), tc.req.Max())
		}
		if tc.req.Kind().Rule() == Bottleneck && mm.Min() != tc.req.Min() {
			t.Fatalf("%s: round trip min = %d, want %d", tc.req, mm.Min(), tc.req.Min())
		}
	}
}

func TestIsBE(t *testing.T) {
	cases := []struct {
		p    Property
		want bool
	}{
		{AtMost(KindDelay, 10), false},
		{AtLeast(KindDelay, 10), true},
		{AtLeast(KindDatarate, 10), false},
		{AtMost(KindDatarate, 10), true},
		{Stream, false},
		{Datagram, true},
		{Ordered(true), false},
		{Ordered(false), true},
	}
	for _, tc := range cases {
		if got := tc.p.IsBE(); got != tc.want {
			t.Fatalf("%s.IsBE() = %v, want %v", tc.p, got, tc.want)
		}
	}
}

func TestRangeHelpersPanicOnFunctionalKinds(t *testing.T) {
	for _, build := range []func(){
		func() { AtLeast(KindOrdered, 1) },
		func() { AtMost(KindCommunicationType, 1) },
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Fatalf("range helper accepted a functional kind")
				}
			}()
			build()
		}()
	}
}

func TestCommunicationType(t *testing.T) {
	if got := Stream.CommonType(Stream); got != Stream {
		t.Fatalf("CommonType(stream, stream) = %s", got)
	}
	if got := Stream.CommonType(Datagram); got != DatagramStream {
		t.Fatalf("CommonType(stream, datagram) = %s, want datagram_stream", got)
	}
	if Datagram.RequiresSignaling() || !DatagramStream.RequiresSignaling() {
		t.Fatalf("only datagram traffic may skip signaling")
	}
	if _, err := Stream.Fuse(Datagram); !errors.Is(err, ErrRequirementConflict) {
		t.Fatalf("expected conflict fusing different types, got %v", err)
	}
	if got, err := Ordered(false).Fuse(Ordered(true)); err != nil || got != Ordered(true) {
		t.Fatalf("Ordered fuse = %v, %v", got, err)
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{nil, KindNone},
		{errors.New("x"), KindOther},
		{errorsJoin(ErrCreation), KindCreation},
		{errorsJoin(ErrAuthentication), KindAuthentication},
		{errorsJoin(ErrInternalConsistency), KindInternalConsistency},
		{&ConflictError{Kind: KindDelay}, KindRequirementConflict},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Fatalf("KindOf(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func errorsJoin(sentinel error) error {
	return errors.Join(errors.New("context"), sentinel)
}
