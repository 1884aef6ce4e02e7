package region

import (
	"strings"

	"github.com/btagflow/btagflow/internal/model"
)

// Step is a preprocessing collaborator that fills or refines derived
// event quantities in place.
type Step func(ev *model.Event)

// Steps holds the collaborators invoked by the selector, in stage order.
type Steps struct {
	LeptonSelection  Step
	METCorrection    Step
	LeadingLepton    Step
	LepLep           Step
	WeightCorrection Step
}

// FlagOracle evaluates a boolean requirement on the current event.
type FlagOracle interface {
	Pass(ev *model.Event) bool
}

// LumiOracle is the certification lookup used for collision data.
type LumiOracle interface {
	IsCertified(dataset string, run, lumiBlock uint32) bool
}

// DatasetFilter is the optional dataset-specific step.
type DatasetFilter interface {
	Accept(ds model.Dataset, ev *model.Event) bool
}

// AllFlags passes when every named flag is set. Missing flags fail.
type AllFlags []string

// Pass implements FlagOracle.
func (f AllFlags) Pass(ev *model.Event) bool {
	for _, name := range f {
		if !ev.Flag(name) {
			return false
		}
	}
	return true
}

// AnyFlag passes when at least one named flag is set. An empty list passes.
type AnyFlag []string

// Pass implements FlagOracle.
func (f AnyFlag) Pass(ev *model.Event) bool {
	if len(f) == 0 {
		return true
	}
	for _, name := range f {
		if ev.Flag(name) {
			return true
		}
	}
	return false
}

// PassThrough is a DatasetFilter that accepts everything.
type PassThrough struct{}

// Accept implements DatasetFilter.
func (PassThrough) Accept(model.Dataset, *model.Event) bool { return true }

// Stitching removes the high boson-pt tail of an inclusive sample that is
// covered by dedicated pt-binned samples.
type Stitching struct {
	Prefix    string
	MaxLHEVpt float64
}

// Accept implements DatasetFilter.
func (s Stitching) Accept(ds model.Dataset, ev *model.Event) bool {
	if !strings.HasPrefix(ds.Name, s.Prefix) {
		return true
	}
	return ev.LHEVpt < s.MaxLHEVpt
}

// NoCorrection is the identity step.
func NoCorrection(*model.Event) {}

// ScaleFactorCorrector returns a step multiplying the named per-event scale
// factors into the weight. Data is never corrected; absent factors count as one.
func ScaleFactorCorrector(ds model.Dataset, names []string) Step {
	if ds.IsData() || len(names) == 0 {
		return NoCorrection
	}
	return func(ev *model.Event) {
		for _, name := range names {
			if sf, ok := ev.ScaleFactors[name]; ok {
				ev.Weight *= sf
			}
		}
	}
}
