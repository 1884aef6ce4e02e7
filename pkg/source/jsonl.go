package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/btagflow/btagflow/internal/model"
	"github.com/btagflow/btagflow/pkg/errors"
)

const maxLineSize = 16 * 1024 * 1024

// jsonEvent is the JSON shape of one event line.
type jsonEvent struct {
	Run             uint32   `json:"run"`
	LuminosityBlock uint32   `json:"luminosityBlock"`
	Weight          *float64 `json:"evtWeight"`
	METPt           float64  `json:"MET_pt"`
	METPhi          float64  `json:"MET_phi"`
	LHEVpt          float64  `json:"LHE_Vpt"`

	NJet             *int      `json:"nJet"`
	JetPt            []float32 `json:"Jet_pt"`
	JetEta           []float32 `json:"Jet_eta"`
	JetID            []int32   `json:"Jet_jetId"`
	JetHadronFlavour []int32   `json:"Jet_hadronFlavour"`
	JetBTagDeepB     []float32 `json:"Jet_btagDeepB"`
	JetBTagDeepFlavB []float32 `json:"Jet_btagDeepFlavB"`

	LepPt     []float64 `json:"Lepton_pt"`
	LepEta    []float64 `json:"Lepton_eta"`
	LepPhi    []float64 `json:"Lepton_phi"`
	LepMass   []float64 `json:"Lepton_mass"`
	LepCharge []int     `json:"Lepton_charge"`
	LepPdgID  []int     `json:"Lepton_pdgId"`

	RecoLepID     int     `json:"RecoLepID"`
	LeadingLepPt  float64 `json:"LeadingLep_pt"`
	TrailingLepPt float64 `json:"TrailingLep_pt"`
	LepLepDeltaM  float64 `json:"LepLep_deltaM"`
	LepLepPt      float64 `json:"LepLep_pt"`
	LepLepDeltaR  float64 `json:"LepLep_deltaR"`
}

// JSONLSource reads one JSON event per line.
type JSONLSource struct {
	scanner *bufio.Scanner
	closer  io.Closer
	path    string

	position int64
	line     int64
	cols     columns
}

// OpenJSONL opens a JSON lines file; "-" reads stdin.
func OpenJSONL(path string) (*JSONLSource, error) {
	if path == "-" {
		return NewJSONL(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeSourceOpen, "failed to open input").
			WithContext("path", path)
	}
	s := NewJSONL(f)
	s.closer = f
	s.path = path
	return s, nil
}

// NewJSONL creates a source reading from r.
func NewJSONL(r io.Reader) *JSONLSource {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &JSONLSource{scanner: scanner}
}

// Name returns the source name.
func (s *JSONLSource) Name() string {
	return "jsonl"
}

// Next decodes the next non-empty line.
func (s *JSONLSource) Next(ctx context.Context) (*model.Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, errors.Wrap(err, errors.CodeSourceRead, "failed to read input").
					WithContext("path", s.path).
					WithContext("line", s.line+1)
			}
			return nil, io.EOF
		}
		s.line++

		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		// A malformed event still consumes its position.
		ev, err := s.decode(line)
		s.position++
		if err != nil {
			return nil, err
		}
		return ev, nil
	}
}

func (s *JSONLSource) decode(line []byte) (*model.Event, error) {
	var je jsonEvent
	if err := json.Unmarshal(line, &je); err != nil {
		return nil, errors.Wrap(err, errors.CodeSourceDecode, "invalid event").
			WithContext("path", s.path).
			WithContext("line", s.line)
	}

	ev := newEvent(s.position)
	ev.Run = je.Run
	ev.LuminosityBlock = je.LuminosityBlock
	if je.Weight != nil {
		ev.Weight = *je.Weight
	}
	ev.METPt = je.METPt
	ev.METPhi = je.METPhi
	ev.LHEVpt = je.LHEVpt
	ev.Derived = model.Derived{
		RecoLepID:     je.RecoLepID,
		LeadingLepPt:  je.LeadingLepPt,
		TrailingLepPt: je.TrailingLepPt,
		LepLepDeltaM:  je.LepLepDeltaM,
		LepLepPt:      je.LepLepPt,
		LepLepDeltaR:  je.LepLepDeltaR,
	}

	c := &s.cols
	c.reset()
	if je.NJet != nil {
		c.nJet, c.hasNJet = *je.NJet, true
	}
	c.jetPt, c.jetEta, c.jetDeepB, c.jetDeepFlavB = je.JetPt, je.JetEta, je.JetBTagDeepB, je.JetBTagDeepFlavB
	c.jetID, c.jetFlavour = je.JetID, je.JetHadronFlavour
	c.lepPt, c.lepEta, c.lepPhi, c.lepMass = je.LepPt, je.LepEta, je.LepPhi, je.LepMass
	c.lepCharge, c.lepPdgID = je.LepCharge, je.LepPdgID
	if err := c.assemble(ev); err != nil {
		return nil, err
	}

	// Flags and scale factors are open-ended, so pick them out by prefix.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, errors.Wrap(err, errors.CodeSourceDecode, "invalid event").
			WithContext("line", s.line)
	}
	for key, value := range raw {
		switch {
		case strings.HasPrefix(key, TriggerPrefix), strings.HasPrefix(key, FilterPrefix):
			var b bool
			if err := json.Unmarshal(value, &b); err != nil {
				return nil, errors.Wrap(err, errors.CodeSourceDecode, "flag is not a boolean").
					WithContext("line", s.line).
					WithContext("column", key)
			}
			ev.Flags[key] = b
		case strings.HasPrefix(key, ScaleFactorPrefix):
			var f float64
			if err := json.Unmarshal(value, &f); err != nil {
				return nil, errors.Wrap(err, errors.CodeSourceDecode, "scale factor is not a number").
					WithContext("line", s.line).
					WithContext("column", key)
			}
			ev.ScaleFactors[key] = f
		}
	}
	return ev, nil
}

// Close closes the underlying file.
func (s *JSONLSource) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
