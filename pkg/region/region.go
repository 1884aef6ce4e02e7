// Package region implements the control-region selector: an ordered chain
// of event-level cuts that advances a weighted cutflow and stops at the
// first failing cut.
package region

import (
	"github.com/btagflow/btagflow/internal/model"
	"github.com/btagflow/btagflow/pkg/cutflow"
	"github.com/btagflow/btagflow/pkg/kinematics"
	"github.com/btagflow/btagflow/pkg/lumi"
)

// Selector evaluates the control region on one event at a time.
// It is not safe for concurrent use.
type Selector struct {
	cfg     Config
	dataset model.Dataset
	cutflow *cutflow.Accumulator

	steps         Steps
	lumi          LumiOracle
	datasetFilter DatasetFilter
	metFilters    FlagOracle
	trigger       FlagOracle
}

// Option customizes a Selector.
type Option func(*Selector)

// WithSteps replaces the preprocessing collaborators. Nil fields keep
// their defaults.
func WithSteps(steps Steps) Option {
	return func(s *Selector) {
		if steps.LeptonSelection != nil {
			s.steps.LeptonSelection = steps.LeptonSelection
		}
		if steps.METCorrection != nil {
			s.steps.METCorrection = steps.METCorrection
		}
		if steps.LeadingLepton != nil {
			s.steps.LeadingLepton = steps.LeadingLepton
		}
		if steps.LepLep != nil {
			s.steps.LepLep = steps.LepLep
		}
		if steps.WeightCorrection != nil {
			s.steps.WeightCorrection = steps.WeightCorrection
		}
	}
}

// WithLumi sets the certification oracle.
func WithLumi(o LumiOracle) Option {
	return func(s *Selector) { s.lumi = o }
}

// WithDatasetFilter overrides the dataset-specific step.
func WithDatasetFilter(f DatasetFilter) Option {
	return func(s *Selector) { s.datasetFilter = f }
}

// WithMETFilters overrides the MET filter oracle.
func WithMETFilters(o FlagOracle) Option {
	return func(s *Selector) { s.metFilters = o }
}

// WithTrigger overrides the trigger oracle.
func WithTrigger(o FlagOracle) Option {
	return func(s *Selector) { s.trigger = o }
}

// New creates a selector for one dataset. The cutflow must have the
// region labels registered; NewCutflow creates a matching one.
func New(cfg Config, ds model.Dataset, cf *cutflow.Accumulator, opts ...Option) *Selector {
	s := &Selector{
		cfg:     cfg,
		dataset: ds,
		cutflow: cf,
		steps: Steps{
			LeptonSelection:  kinematics.LeptonSelection,
			METCorrection:    NoCorrection,
			LeadingLepton:    kinematics.LeadingAndTrailing,
			LepLep:           kinematics.LepLep,
			WeightCorrection: ScaleFactorCorrector(ds, cfg.ScaleFactors),
		},
		lumi:          lumi.AllowAll{},
		datasetFilter: PassThrough{},
		metFilters:    AllFlags(cfg.METFilters),
		trigger:       AnyFlag(cfg.Triggers),
	}
	if cfg.DatasetFilter != nil {
		s.datasetFilter = Stitching{
			Prefix:    cfg.DatasetFilter.Prefix,
			MaxLHEVpt: cfg.DatasetFilter.MaxLHEVpt,
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewCutflow returns an accumulator with the region stages registered.
func NewCutflow() *cutflow.Accumulator {
	return cutflow.New(cutflow.RegionLabels()...)
}

// Dataset returns the dataset the selector was built for.
func (s *Selector) Dataset() model.Dataset {
	return s.dataset
}

// Cutflow returns the accumulator advanced by Evaluate.
func (s *Selector) Cutflow() *cutflow.Accumulator {
	return s.cutflow
}

// Evaluate runs the cut chain and reports whether the event is in the
// region. Counters are advanced with the weight as it stands when each cut
// passes; the weight correction runs only after the last cut.
func (s *Selector) Evaluate(ev *model.Event) bool {
	s.steps.LeptonSelection(ev)
	if !(ev.Derived.RecoLepID > 0) {
		return false
	}
	s.cutflow.Add(cutflow.TwoLepOS, ev.Weight)

	s.steps.METCorrection(ev)
	if !(ev.METPt > s.cfg.METCut) {
		return false
	}
	s.cutflow.Add(cutflow.MET, ev.Weight)

	s.steps.LeadingLepton(ev)
	if !(ev.Derived.LeadingLepPt > s.cfg.LeadingLepPtCut) {
		return false
	}
	s.cutflow.Add(cutflow.LeadingLepPt, ev.Weight)

	if !s.datasetFilter.Accept(s.dataset, ev) {
		return false
	}

	s.steps.LepLep(ev)
	if !(ev.Derived.LepLepDeltaM < s.cfg.LepLepDMCut) {
		return false
	}
	s.cutflow.Add(cutflow.LepLepDM, ev.Weight)

	if !(ev.Derived.LepLepPt > s.cfg.LepLepPtCut) {
		return false
	}
	s.cutflow.Add(cutflow.LepLepPt, ev.Weight)

	if !(ev.Derived.LepLepDeltaR < s.cfg.LepLepDRCut) {
		return false
	}
	s.cutflow.Add(cutflow.LepLepDR, ev.Weight)

	if s.dataset.IsData() && !guard(func() bool {
		return s.lumi.IsCertified(s.dataset.Name, ev.Run, ev.LuminosityBlock)
	}) {
		return false
	}

	if !guard(func() bool { return s.metFilters.Pass(ev) }) {
		return false
	}

	if !guard(func() bool { return s.trigger.Pass(ev) }) {
		return false
	}
	s.cutflow.Add(cutflow.Selected, ev.Weight)

	s.steps.WeightCorrection(ev)
	return true
}

// guard evaluates an external oracle; a panicking oracle counts as a
// negative answer.
func guard(oracle func() bool) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return oracle()
}
