// Package model defines core data structures for btagflow.
package model

import "strings"

// Event represents a single collision event.
// Per-jet quantities are stored as a slice of Jet values in the
// order the event source supplied them.
type Event struct {
	// Position is the ordinal of the event in the input stream.
	Position int64

	Run             uint32
	LuminosityBlock uint32

	// Weight is the event weight. Negative values occur for some
	// NLO simulated samples.
	Weight float64

	METPt  float64
	METPhi float64

	// LHEVpt is the generator-level vector boson pt. Zero for data.
	LHEVpt float64

	Jets    []Jet
	Leptons []Lepton

	// Derived holds quantities filled by the lepton reconstruction
	// collaborators, or supplied precomputed by the source.
	Derived Derived

	// Flags holds trigger (HLT_*) and MET filter (Flag_*) bits.
	Flags map[string]bool

	// ScaleFactors holds per-event correction factors keyed by column
	// name (SF_*).
	ScaleFactors map[string]float64
}

// Derived holds event-level lepton quantities.
type Derived struct {
	// RecoLepID is positive when a reconstructed opposite-sign lepton
	// pair exists: 11 (ee), 13 (mumu) or 1113 (emu).
	RecoLepID int

	LeadingLepPt  float64
	TrailingLepPt float64

	LepLepDeltaM float64
	LepLepPt     float64
	LepLepDeltaR float64
}

// Jet is a reconstructed jet candidate.
type Jet struct {
	Pt            float32
	Eta           float32
	JetID         int32
	HadronFlavour int32
	BTagDeepB     float32
	BTagDeepFlavB float32
}

// Lepton is a reconstructed electron or muon.
type Lepton struct {
	Pt     float64
	Eta    float64
	Phi    float64
	Mass   float64
	Charge int
	PdgID  int
}

// Flag returns the named flag; missing flags read as false.
func (e *Event) Flag(name string) bool {
	if e.Flags == nil {
		return false
	}
	return e.Flags[name]
}

// DataPrefix marks collision-data dataset names.
const DataPrefix = "Data_"

// Dataset identifies the sample an event stream belongs to.
type Dataset struct {
	Name string
	Year string
	APV  bool
}

// IsData reports whether the dataset is recorded collision data.
func (d Dataset) IsData() bool {
	return strings.HasPrefix(d.Name, DataPrefix)
}
