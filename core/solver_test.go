package core

import (
	"errors"
	"math"
	"testing"

	"github.com/signalsfoundry/mesosim/internal/checkpoint"
	"github.com/signalsfoundry/mesosim/statedef"
)

func TestCountSetCountByGlobalIndex(t *testing.T) {
	sd := compileModel(t, reversibleModel())
	mesh := chainMesh(t, sd, 2, 1e-18)
	e := readyEngine(t, sd, mesh, 1, nil)

	gB, _ := sd.SpecIdx("B")
	if err := e.SetCount(1, gB, 17); err != nil {
		t.Fatalf("SetCount: %v", err)
	}
	n, err := e.Count(1, gB)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 17 {
		t.Errorf("Count = %d, want 17", n)
	}

	// Setting a count must refresh dependent propensities immediately.
	p, _ := e.Propensity(1, 1) // rev: B -> A
	if want := 10.0 * 17.0; math.Abs(p-want) > 1e-9*want {
		t.Errorf("rev propensity after SetCount = %g, want %g", p, want)
	}

	if _, err := e.Count(99, gB); !errors.Is(err, ErrUnknownElement) {
		t.Errorf("Count on unowned element = %v, want ErrUnknownElement", err)
	}
	if _, err := e.Count(0, 42); !errors.Is(err, statedef.ErrIndexOutOfRange) {
		t.Errorf("Count with bad species index = %v, want ErrIndexOutOfRange", err)
	}
}

func TestSetRuleRateRefreshesEveryElement(t *testing.T) {
	sd := compileModel(t, reversibleModel())
	mesh := chainMesh(t, sd, 3, 1e-18)
	e := readyEngine(t, sd, mesh, 1, map[int]map[string]uint64{
		0: {"A": 10},
		2: {"A": 20},
	})

	before0, _ := e.Propensity(0, 0)
	before2, _ := e.Propensity(2, 0)

	// Global rule 0 is fwd.
	if err := e.SetRuleRate(0, 20); err != nil {
		t.Fatalf("SetRuleRate: %v", err)
	}
	after0, _ := e.Propensity(0, 0)
	after2, _ := e.Propensity(2, 0)
	if math.Abs(after0-2*before0) > 1e-9*after0 || math.Abs(after2-2*before2) > 1e-9*after2 {
		t.Errorf("doubling kcst scaled propensities %g->%g and %g->%g, want x2",
			before0, after0, before2, after2)
	}

	if err := e.SetRuleRate(0, -1); !errors.Is(err, statedef.ErrNegativeRate) {
		t.Errorf("SetRuleRate(-1) = %v, want ErrNegativeRate", err)
	}
	rate, err := e.RuleRate(0)
	if err != nil {
		t.Fatalf("RuleRate: %v", err)
	}
	if rate != 20 {
		t.Errorf("rate after rejected set = %g, want 20", rate)
	}
}

func TestSnapshotRestoreResumesIdentically(t *testing.T) {
	build := func() *Engine {
		sd := compileModel(t, reversibleModel())
		mesh := chainMesh(t, sd, 3, 1e-18)
		return readyEngine(t, sd, mesh, 13, map[int]map[string]uint64{
			0: {"A": 30},
			1: {"B": 20},
		})
	}

	e1 := build()
	for i := 0; i < 40; i++ {
		if _, err := e1.Step(); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}
	snap, err := e1.Snapshot(0, nil)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	// Continue the original and record the next events.
	type ev struct {
		elem, rule int
		time       float64
	}
	var want []ev
	for i := 0; i < 30; i++ {
		res, err := e1.Step()
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		want = append(want, ev{res.Elem, res.Rule, res.Time})
	}

	// A fresh engine restored from the snapshot must replay them exactly.
	e2 := build()
	if err := e2.RestoreSnapshot(snap); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}
	if e2.Time() != snap.Clock {
		t.Fatalf("restored clock = %g, want %g", e2.Time(), snap.Clock)
	}
	for i, w := range want {
		res, err := e2.Step()
		if err != nil {
			t.Fatalf("Step after restore: %v", err)
		}
		if res.Elem != w.elem || res.Rule != w.rule || res.Time != w.time {
			t.Fatalf("event %d after restore = (%d,%d,%g), want (%d,%d,%g)",
				i, res.Elem, res.Rule, res.Time, w.elem, w.rule, w.time)
		}
	}
}

func TestRestoreRejectsMismatchedShape(t *testing.T) {
	sd := compileModel(t, reversibleModel())
	e := readyEngine(t, sd, chainMesh(t, sd, 2, 1e-18), 1, nil)

	snap, err := e.Snapshot(0, nil)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	bad := *snap
	bad.Pools = snap.Pools[:1]
	if err := e.RestoreSnapshot(&bad); !errors.Is(err, checkpoint.ErrCorrupt) {
		t.Errorf("restore with missing element = %v, want ErrCorrupt", err)
	}

	bad = *snap
	bad.Pools = [][]uint64{{1}, {1}}
	if err := e.RestoreSnapshot(&bad); !errors.Is(err, checkpoint.ErrCorrupt) {
		t.Errorf("restore with wrong species width = %v, want ErrCorrupt", err)
	}
}

func TestSnapshotCarriesInFlightAndRates(t *testing.T) {
	sd := compileModel(t, reversibleModel())
	e := readyEngine(t, sd, chainMesh(t, sd, 2, 1e-18), 1, nil)

	if err := e.SetRuleRate(2, 5e-9); err != nil {
		t.Fatalf("SetRuleRate: %v", err)
	}
	inflight := []checkpoint.BoundaryMessage{
		{Sender: 0, Receiver: 1, TargetElem: 4, Species: 0, Delta: 1, Timestamp: 0.25, Seq: 9},
	}
	snap, err := e.Snapshot(0, inflight)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.InFlight) != 1 || snap.InFlight[0].Seq != 9 {
		t.Errorf("snapshot in-flight = %+v, want the queued credit", snap.InFlight)
	}
	if snap.Rates[2] != 5e-9 {
		t.Errorf("snapshot rate[2] = %g, want 5e-9", snap.Rates[2])
	}
}
