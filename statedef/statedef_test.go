package statedef

import (
	"errors"
	"testing"

	"github.com/signalsfoundry/mesosim/model"
)

func testModel() *model.Model {
	return &model.Model{
		Species: []model.Species{
			{ID: "A"}, {ID: "B"}, {ID: "C"},
		},
		Compartments: []model.Compartment{
			{
				ID: "cyt",
				Reactions: []model.Reaction{
					{ID: "fwd", LHS: []string{"A", "B"}, RHS: []string{"C"}, Kcst: 1e6},
					{ID: "rev", LHS: []string{"C"}, RHS: []string{"A", "B"}, Kcst: 0.5},
				},
				Diffusions: []model.Diffusion{
					{ID: "diffA", Species: "A", Dcst: 1e-9},
				},
			},
			{
				ID: "ext",
				Diffusions: []model.Diffusion{
					{ID: "diffAext", Species: "A", Dcst: 2e-9},
				},
			},
		},
	}
}

func compiled(t *testing.T) *Statedef {
	t.Helper()
	sd, err := Compile(testModel())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if err := sd.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	return sd
}

func TestCompileAssignsGlobalIndices(t *testing.T) {
	sd := compiled(t)

	if got := sd.CountSpecs(); got != 3 {
		t.Fatalf("CountSpecs = %d, want 3", got)
	}
	if got := sd.CountComps(); got != 2 {
		t.Fatalf("CountComps = %d, want 2", got)
	}
	// Two reactions and one diffusion in cyt, one diffusion in ext.
	if got := sd.CountRules(); got != 4 {
		t.Fatalf("CountRules = %d, want 4", got)
	}

	for i, id := range []string{"A", "B", "C"} {
		gidx, err := sd.SpecIdx(id)
		if err != nil {
			t.Fatalf("SpecIdx(%q): %v", id, err)
		}
		if gidx != i {
			t.Errorf("SpecIdx(%q) = %d, want %d (declaration order)", id, gidx, i)
		}
	}
}

func TestCompileUnknownSpecies(t *testing.T) {
	m := testModel()
	m.Compartments[0].Reactions[0].LHS = []string{"A", "nope"}
	if _, err := Compile(m); !errors.Is(err, ErrUnknownSpecies) {
		t.Fatalf("Compile with unknown reactant = %v, want ErrUnknownSpecies", err)
	}

	m = testModel()
	m.Compartments[0].Diffusions[0].Species = "nope"
	if _, err := Compile(m); !errors.Is(err, ErrUnknownSpecies) {
		t.Fatalf("Compile with unknown ligand = %v, want ErrUnknownSpecies", err)
	}
}

func TestCompileDuplicateIDs(t *testing.T) {
	m := testModel()
	m.Species = append(m.Species, model.Species{ID: "A"})
	if _, err := Compile(m); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("Compile with duplicate species = %v, want ErrDuplicateID", err)
	}

	m = testModel()
	m.Compartments = append(m.Compartments, model.Compartment{ID: "cyt"})
	if _, err := Compile(m); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("Compile with duplicate compartment = %v, want ErrDuplicateID", err)
	}
}

func TestCompileNegativeRate(t *testing.T) {
	m := testModel()
	m.Compartments[0].Reactions[0].Kcst = -1
	if _, err := Compile(m); !errors.Is(err, ErrNegativeRate) {
		t.Fatalf("Compile with negative kcst = %v, want ErrNegativeRate", err)
	}

	m = testModel()
	m.Compartments[0].Diffusions[0].Dcst = -1
	if _, err := Compile(m); !errors.Is(err, ErrNegativeRate) {
		t.Fatalf("Compile with negative dcst = %v, want ErrNegativeRate", err)
	}
}

func TestSetupExactlyOnce(t *testing.T) {
	sd, err := Compile(testModel())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if sd.SetupDone() {
		t.Fatal("SetupDone before Setup")
	}
	if err := sd.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := sd.Setup(); !errors.Is(err, ErrDoubleSetup) {
		t.Fatalf("second Setup = %v, want ErrDoubleSetup", err)
	}
}

func TestQueriesBeforeSetupFail(t *testing.T) {
	sd, err := Compile(testModel())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	cd, err := sd.Comp(0)
	if err != nil {
		t.Fatalf("Comp: %v", err)
	}

	if _, err := cd.SpecG2L(0); !errors.Is(err, ErrNotSetup) {
		t.Errorf("SpecG2L before setup = %v, want ErrNotSetup", err)
	}
	if _, err := cd.DependentRules(0); !errors.Is(err, ErrNotSetup) {
		t.Errorf("DependentRules before setup = %v, want ErrNotSetup", err)
	}
	rd, _ := cd.Reac(0)
	if _, err := rd.Kcst(); !errors.Is(err, ErrNotSetup) {
		t.Errorf("Kcst before setup = %v, want ErrNotSetup", err)
	}
	if _, err := rd.Dep(0); !errors.Is(err, ErrNotSetup) {
		t.Errorf("Dep before setup = %v, want ErrNotSetup", err)
	}
	dd, _ := cd.Diff(0)
	if _, err := dd.Dcst(); !errors.Is(err, ErrNotSetup) {
		t.Errorf("Dcst before setup = %v, want ErrNotSetup", err)
	}
}

func TestRuleRatesByGlobalIndex(t *testing.T) {
	sd := compiled(t)

	// Global order: fwd, rev, diffA, diffAext.
	want := []float64{1e6, 0.5, 1e-9, 2e-9}
	rates, err := sd.RuleRates()
	if err != nil {
		t.Fatalf("RuleRates: %v", err)
	}
	if len(rates) != len(want) {
		t.Fatalf("RuleRates length = %d, want %d", len(rates), len(want))
	}
	for i, w := range want {
		if rates[i] != w {
			t.Errorf("rate[%d] = %g, want %g", i, rates[i], w)
		}
	}

	if err := sd.SetRuleRate(1, 2.5); err != nil {
		t.Fatalf("SetRuleRate: %v", err)
	}
	got, err := sd.RuleRate(1)
	if err != nil {
		t.Fatalf("RuleRate: %v", err)
	}
	if got != 2.5 {
		t.Errorf("RuleRate(1) = %g after set, want 2.5", got)
	}

	if err := sd.SetRuleRate(0, -3); !errors.Is(err, ErrNegativeRate) {
		t.Errorf("SetRuleRate negative = %v, want ErrNegativeRate", err)
	}
	if _, err := sd.RuleRate(99); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("RuleRate(99) = %v, want ErrIndexOutOfRange", err)
	}

	// Restore path must reject a wrong-length vector.
	if err := sd.SetRuleRates([]float64{1}); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("SetRuleRates short vector = %v, want ErrIndexOutOfRange", err)
	}
}
