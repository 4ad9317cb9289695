package statedef

import "fmt"

// RuleEntry locates a rule by its global index: the owning compartment, the
// local rule index there, and exactly one of Reac or Diff.
type RuleEntry struct {
	Comp  *Compdef
	Local int
	Reac  *Reacdef
	Diff  *Diffdef
}

// Rule returns the entry for the rule at global index gidx.
func (sd *Statedef) Rule(gidx int) (RuleEntry, error) {
	if gidx < 0 || gidx >= len(sd.rules) {
		return RuleEntry{}, fmt.Errorf("rule index %d: %w", gidx, ErrIndexOutOfRange)
	}
	return sd.rules[gidx], nil
}

// RuleRate returns the mutable rate field (reaction rate constant or
// diffusion coefficient) of the rule at global index gidx.
func (sd *Statedef) RuleRate(gidx int) (float64, error) {
	re, err := sd.Rule(gidx)
	if err != nil {
		return 0, err
	}
	if re.Reac != nil {
		return re.Reac.Kcst()
	}
	return re.Diff.Dcst()
}

// SetRuleRate sets the mutable rate field of the rule at global index gidx.
// Callers must force a propensity recomputation for every element using the
// rule afterwards.
func (sd *Statedef) SetRuleRate(gidx int, x float64) error {
	re, err := sd.Rule(gidx)
	if err != nil {
		return err
	}
	if re.Reac != nil {
		return re.Reac.SetKcst(x)
	}
	return re.Diff.SetDcst(x)
}

// RuleRates returns all mutable rate fields in global rule order, for
// checkpointing.
func (sd *Statedef) RuleRates() ([]float64, error) {
	rates := make([]float64, len(sd.rules))
	for i := range sd.rules {
		r, err := sd.RuleRate(i)
		if err != nil {
			return nil, err
		}
		rates[i] = r
	}
	return rates, nil
}

// SetRuleRates restores all mutable rate fields from a checkpoint vector.
func (sd *Statedef) SetRuleRates(rates []float64) error {
	if len(rates) != len(sd.rules) {
		return fmt.Errorf("rate vector length %d, want %d: %w", len(rates), len(sd.rules), ErrIndexOutOfRange)
	}
	for i, r := range rates {
		if err := sd.SetRuleRate(i, r); err != nil {
			return err
		}
	}
	return nil
}
