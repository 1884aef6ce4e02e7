// Package cutflow records the cumulative event weight surviving each
// selection stage.
package cutflow

import (
	"encoding/json"
	"fmt"
	"os"
)

// Stage labels for the efficiency-map control region, in declared order.
const (
	TwoLepOS     = "00_TwoLepOS"
	MET          = "01_MET"
	LeadingLepPt = "02_LeadingLep_Pt"
	LepLepDM     = "03_LepLep_DM"
	LepLepPt     = "04_LepLep_Pt"
	LepLepDR     = "05_LepLep_DR"
	Selected     = "06_Selected"
)

// RegionLabels returns the stage labels of the control region.
func RegionLabels() []string {
	return []string{TwoLepOS, MET, LeadingLepPt, LepLepDM, LepLepPt, LepLepDR, Selected}
}

// Entry is one stage of the cutflow.
type Entry struct {
	Label  string  `json:"label"`
	Weight float64 `json:"weight"`
}

// Accumulator is an ordered mapping from stage label to cumulative weight.
// All labels are registered at construction; it is never reset.
// It is not safe for concurrent use.
type Accumulator struct {
	labels []string
	index  map[string]int
	values []float64
}

// New creates an accumulator with every label registered at zero.
func New(labels ...string) *Accumulator {
	a := &Accumulator{
		labels: make([]string, 0, len(labels)),
		index:  make(map[string]int, len(labels)),
	}
	for _, l := range labels {
		if _, ok := a.index[l]; ok {
			panic(fmt.Sprintf("cutflow: duplicate stage %q", l))
		}
		a.index[l] = len(a.labels)
		a.labels = append(a.labels, l)
	}
	a.values = make([]float64, len(a.labels))
	return a
}

// Add increments the named stage by w. Unknown labels panic: only the
// selector mutates the cutflow and its labels are fixed at setup.
func (a *Accumulator) Add(label string, w float64) {
	i, ok := a.index[label]
	if !ok {
		panic(fmt.Sprintf("cutflow: unknown stage %q", label))
	}
	a.values[i] += w
}

// Value returns the cumulative weight of a stage and whether it exists.
func (a *Accumulator) Value(label string) (float64, bool) {
	i, ok := a.index[label]
	if !ok {
		return 0, false
	}
	return a.values[i], true
}

// Labels returns the stage labels in declared order.
func (a *Accumulator) Labels() []string {
	out := make([]string, len(a.labels))
	copy(out, a.labels)
	return out
}

// Len returns the number of stages.
func (a *Accumulator) Len() int {
	return len(a.labels)
}

// Entries returns a copy of all stages in declared order.
func (a *Accumulator) Entries() []Entry {
	out := make([]Entry, len(a.labels))
	for i, l := range a.labels {
		out[i] = Entry{Label: l, Weight: a.values[i]}
	}
	return out
}

// Snapshot is a read-only copy of the cutflow at a point in time.
type Snapshot []Entry

// Snapshot copies the current state.
func (a *Accumulator) Snapshot() Snapshot {
	return Snapshot(a.Entries())
}

// Fraction returns each stage relative to the first one.
func (s Snapshot) Fraction(i int) float64 {
	if len(s) == 0 || s[0].Weight == 0 {
		return 0
	}
	return s[i].Weight / s[0].Weight
}

// Save writes the snapshot as JSON.
func (s Snapshot) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Load reads a snapshot written by Save.
func Load(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse cutflow %s: %w", path, err)
	}
	return s, nil
}
