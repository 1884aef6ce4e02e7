// Package source reads events from NanoAOD-like flat files.
//
// Column names follow the NanoAOD convention: scalar event fields (run,
// luminosityBlock, evtWeight, MET_pt), per-jet arrays (Jet_pt, Jet_eta,
// Jet_jetId, Jet_hadronFlavour, Jet_btagDeepB, Jet_btagDeepFlavB), HLT_*
// and Flag_* bits, and SF_* per-event scale factors.
package source

import (
	"context"
	"io"
	"path/filepath"
	"strings"

	"github.com/btagflow/btagflow/internal/model"
	"github.com/btagflow/btagflow/pkg/errors"
)

// Source yields events in input order. Next returns io.EOF after the last
// event. Every returned event is a fresh value owned by the caller.
type Source interface {
	Name() string
	Next(ctx context.Context) (*model.Event, error)
	Close() error
}

// Column name prefixes collected into event maps.
const (
	TriggerPrefix     = "HLT_"
	FilterPrefix      = "Flag_"
	ScaleFactorPrefix = "SF_"
)

// Open creates a source from a path, choosing the format by extension.
// "-" reads JSON lines from stdin.
func Open(path string, opts Options) (Source, error) {
	format := opts.Format
	if format == "" {
		format = FormatFor(path)
	}
	switch format {
	case "jsonl":
		return OpenJSONL(path)
	case "parquet":
		return OpenParquet(path, opts)
	default:
		return nil, errors.New(errors.CodeSourceOpen, "unsupported input format").
			WithContext("path", path).
			WithContext("format", format)
	}
}

// Options configures source construction.
type Options struct {
	// Format overrides extension-based detection: "jsonl" or "parquet".
	Format string
	// BatchSize is the number of rows decoded at a time by columnar sources.
	BatchSize int
}

// FormatFor infers the input format from a path.
func FormatFor(path string) string {
	if path == "-" {
		return "jsonl"
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson", ".json":
		return "jsonl"
	case ".parquet", ".pq":
		return "parquet"
	default:
		return ""
	}
}

// columns holds the raw per-event arrays before they are assembled into
// an event. Both file formats decode into it.
type columns struct {
	nJet    int
	hasNJet bool

	jetPt, jetEta, jetDeepB, jetDeepFlavB []float32
	jetID, jetFlavour                     []int32

	lepPt, lepEta, lepPhi, lepMass []float64
	lepCharge, lepPdgID            []int
}

func (c *columns) reset() {
	c.nJet, c.hasNJet = 0, false
	c.jetPt, c.jetEta, c.jetDeepB, c.jetDeepFlavB = c.jetPt[:0], c.jetEta[:0], c.jetDeepB[:0], c.jetDeepFlavB[:0]
	c.jetID, c.jetFlavour = c.jetID[:0], c.jetFlavour[:0]
	c.lepPt, c.lepEta, c.lepPhi, c.lepMass = c.lepPt[:0], c.lepEta[:0], c.lepPhi[:0], c.lepMass[:0]
	c.lepCharge, c.lepPdgID = c.lepCharge[:0], c.lepPdgID[:0]
}

// assemble validates the array lengths and fills the jets and leptons of ev.
func (c *columns) assemble(ev *model.Event) error {
	n := len(c.jetPt)
	if c.hasNJet {
		n = c.nJet
	}

	jetCols := []struct {
		name string
		len  int
	}{
		{"Jet_pt", len(c.jetPt)},
		{"Jet_eta", len(c.jetEta)},
		{"Jet_jetId", len(c.jetID)},
		{"Jet_hadronFlavour", len(c.jetFlavour)},
		{"Jet_btagDeepB", len(c.jetDeepB)},
		{"Jet_btagDeepFlavB", len(c.jetDeepFlavB)},
	}
	for _, col := range jetCols {
		if col.len != n {
			return errors.InconsistentJets(ev.Position, col.name, col.len, n)
		}
	}

	ev.Jets = make([]model.Jet, n)
	for i := 0; i < n; i++ {
		ev.Jets[i] = model.Jet{
			Pt:            c.jetPt[i],
			Eta:           c.jetEta[i],
			JetID:         c.jetID[i],
			HadronFlavour: c.jetFlavour[i],
			BTagDeepB:     c.jetDeepB[i],
			BTagDeepFlavB: c.jetDeepFlavB[i],
		}
	}

	nLep := len(c.lepPt)
	for _, l := range []int{len(c.lepEta), len(c.lepPhi), len(c.lepMass), len(c.lepCharge), len(c.lepPdgID)} {
		if l != nLep {
			return errors.New(errors.CodeSourceDecode, "per-lepton column lengths differ").
				WithContext("event", ev.Position)
		}
	}
	if nLep > 0 {
		ev.Leptons = make([]model.Lepton, nLep)
		for i := 0; i < nLep; i++ {
			ev.Leptons[i] = model.Lepton{
				Pt:     c.lepPt[i],
				Eta:    c.lepEta[i],
				Phi:    c.lepPhi[i],
				Mass:   c.lepMass[i],
				Charge: c.lepCharge[i],
				PdgID:  c.lepPdgID[i],
			}
		}
	}
	return nil
}

// newEvent returns an event with its maps allocated.
func newEvent(position int64) *model.Event {
	return &model.Event{
		Position:     position,
		Weight:       1,
		Flags:        make(map[string]bool),
		ScaleFactors: make(map[string]float64),
	}
}

// Slice is a source over events already in memory.
type Slice struct {
	events []*model.Event
	next   int
}

// NewSlice creates a source over events. Positions are left as given.
func NewSlice(events []*model.Event) *Slice {
	return &Slice{events: events}
}

func (s *Slice) Name() string { return "slice" }

func (s *Slice) Next(ctx context.Context) (*model.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.events) {
		return nil, io.EOF
	}
	ev := s.events[s.next]
	s.next++
	return ev, nil
}

func (s *Slice) Close() error { return nil }
