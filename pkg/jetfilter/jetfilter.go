// Package jetfilter selects the jets of an accepted event and projects
// them onto output records.
package jetfilter

import (
	"math"

	"github.com/btagflow/btagflow/internal/model"
	"github.com/btagflow/btagflow/pkg/errors"
	"github.com/btagflow/btagflow/pkg/sink"
)

// Config holds the per-jet thresholds.
type Config struct {
	// JetPtCut is the exclusive lower bound on jet pt.
	JetPtCut float32 `yaml:"JET_PT_CUT"`
	// JetIDWP is the minimum jet identification code.
	JetIDWP int32 `yaml:"JET_ID_WP"`
	// JetEtaCut is the exclusive upper bound on |eta|.
	JetEtaCut float32 `yaml:"JET_ETA_CUT"`
}

// DefaultConfig returns the standard jet thresholds.
func DefaultConfig() Config {
	return Config{
		JetPtCut:  20,
		JetIDWP:   6,
		JetEtaCut: 2.4,
	}
}

// Validate checks the thresholds.
func (c Config) Validate() error {
	if c.JetEtaCut <= 0 {
		return errors.InvalidConfig("JET_ETA_CUT", c.JetEtaCut, "must be positive")
	}
	if c.JetPtCut < 0 {
		return errors.InvalidConfig("JET_PT_CUT", c.JetPtCut, "must not be negative")
	}
	return nil
}

// Filter applies the jet thresholds.
type Filter struct {
	cfg Config
}

// New creates a filter.
func New(cfg Config) *Filter {
	return &Filter{cfg: cfg}
}

// Config returns the filter thresholds.
func (f *Filter) Config() Config {
	return f.cfg
}

// Accept reports whether a jet passes all three thresholds.
func (f *Filter) Accept(j model.Jet) bool {
	return j.Pt > f.cfg.JetPtCut &&
		j.JetID >= f.cfg.JetIDWP &&
		math.Abs(float64(j.Eta)) < float64(f.cfg.JetEtaCut)
}

// Project fills one record per accepted jet of ev, in jet order, and
// returns the number of records filled.
func (f *Filter) Project(ev *model.Event, s sink.Sink) (int, error) {
	n := 0
	for _, j := range ev.Jets {
		if !f.Accept(j) {
			continue
		}
		rec := sink.Record{
			EventPosition: ev.Position,
			JetID:         j.JetID,
			HadronFlavour: j.HadronFlavour,
			Pt:            j.Pt,
			Eta:           j.Eta,
			BTagDeepB:     j.BTagDeepB,
			BTagDeepFlavB: j.BTagDeepFlavB,
		}
		if err := s.Fill(rec); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
