package source

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	"github.com/btagflow/btagflow/internal/model"
	"github.com/btagflow/btagflow/pkg/errors"
)

const jsonlInput = `{"run": 315257, "luminosityBlock": 10, "evtWeight": -0.5, "MET_pt": 55.5, "nJet": 2, "Jet_pt": [25, 15], "Jet_eta": [1.0, -2.0], "Jet_jetId": [6, 2], "Jet_hadronFlavour": [5, 0], "Jet_btagDeepB": [0.9, 0.1], "Jet_btagDeepFlavB": [0.8, 0.05], "RecoLepID": 13, "LeadingLep_pt": 60, "LepLep_deltaM": 2.5, "LepLep_pt": 70, "LepLep_deltaR": 1.2, "HLT_IsoMu24": true, "Flag_goodVertices": false, "SF_pileup": 1.1}

{"run": 315258, "Jet_pt": [], "Jet_eta": [], "Jet_jetId": [], "Jet_hadronFlavour": [], "Jet_btagDeepB": [], "Jet_btagDeepFlavB": [], "Lepton_pt": [40, 30], "Lepton_eta": [0.1, 0.2], "Lepton_phi": [0, 3], "Lepton_mass": [0.105, 0.105], "Lepton_charge": [1, -1], "Lepton_pdgId": [13, -13]}
`

func readAll(t *testing.T, s Source) []*model.Event {
	t.Helper()
	var out []*model.Event
	for {
		ev, err := s.Next(context.Background())
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		out = append(out, ev)
	}
}

func TestJSONLSource(t *testing.T) {
	events := readAll(t, NewJSONL(strings.NewReader(jsonlInput)))
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}

	ev := events[0]
	if ev.Position != 0 || ev.Run != 315257 || ev.LuminosityBlock != 10 {
		t.Errorf("unexpected identifiers %+v", ev)
	}
	if ev.Weight != -0.5 {
		t.Errorf("Weight = %v, want -0.5", ev.Weight)
	}
	if len(ev.Jets) != 2 || ev.Jets[0].Pt != 25 || ev.Jets[1].JetID != 2 || ev.Jets[0].HadronFlavour != 5 {
		t.Errorf("unexpected jets %+v", ev.Jets)
	}
	if ev.Derived.RecoLepID != 13 || ev.Derived.LepLepDeltaM != 2.5 {
		t.Errorf("unexpected derived %+v", ev.Derived)
	}
	if !ev.Flag("HLT_IsoMu24") || ev.Flag("Flag_goodVertices") {
		t.Errorf("unexpected flags %v", ev.Flags)
	}
	if ev.ScaleFactors["SF_pileup"] != 1.1 {
		t.Errorf("unexpected scale factors %v", ev.ScaleFactors)
	}

	// Blank lines are skipped without consuming a position. Missing
	// weights default to one.
	second := events[1]
	if second.Position != 1 || second.Weight != 1 {
		t.Errorf("second event position %d weight %v", second.Position, second.Weight)
	}
	if len(second.Leptons) != 2 || second.Leptons[1].Charge != -1 || second.Leptons[0].PdgID != 13 {
		t.Errorf("unexpected leptons %+v", second.Leptons)
	}
}

func TestJSONLInconsistentJets(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"short eta", `{"Jet_pt": [25, 15], "Jet_eta": [1.0], "Jet_jetId": [6, 6], "Jet_hadronFlavour": [0, 0], "Jet_btagDeepB": [0, 0], "Jet_btagDeepFlavB": [0, 0]}`},
		{"nJet mismatch", `{"nJet": 3, "Jet_pt": [25, 15], "Jet_eta": [1.0, 1.0], "Jet_jetId": [6, 6], "Jet_hadronFlavour": [0, 0], "Jet_btagDeepB": [0, 0], "Jet_btagDeepFlavB": [0, 0]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewJSONL(strings.NewReader(tt.line)).Next(context.Background())
			if !errors.IsCode(err, errors.CodeInconsistentJet) {
				t.Errorf("Next() error = %v, want %s", err, errors.CodeInconsistentJet)
			}
		})
	}
}

func TestJSONLMalformed(t *testing.T) {
	_, err := NewJSONL(strings.NewReader("{not json}\n")).Next(context.Background())
	if !errors.IsCode(err, errors.CodeSourceDecode) {
		t.Errorf("Next() error = %v, want decode error", err)
	}

	_, err = NewJSONL(strings.NewReader(`{"HLT_IsoMu24": 3}`)).Next(context.Background())
	if !errors.IsCode(err, errors.CodeSourceDecode) {
		t.Errorf("Next() error = %v, want decode error for non-boolean flag", err)
	}
}

func TestJSONLCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewJSONL(strings.NewReader(jsonlInput)).Next(ctx); err != context.Canceled {
		t.Errorf("Next() error = %v, want context.Canceled", err)
	}
}

func TestFormatFor(t *testing.T) {
	tests := map[string]string{
		"-":                 "jsonl",
		"events.jsonl":      "jsonl",
		"events.json":       "jsonl",
		"nano.parquet":      "parquet",
		"nano.root":         "",
		"DATA/EVENTS.JSONL": "jsonl",
	}
	for path, want := range tests {
		if got := FormatFor(path); got != want {
			t.Errorf("FormatFor(%q) = %q, want %q", path, got, want)
		}
	}
	if _, err := Open("nano.root", Options{}); !errors.IsCode(err, errors.CodeSourceOpen) {
		t.Errorf("Open() error = %v, want open error", err)
	}
}

type parquetRow struct {
	run      uint32
	weight   float64
	met      float32
	jetPt    []float32
	jetEta   []float32
	jetID    []int32
	flavour  []int32
	trigger  bool
	pileupSF float64
}

func writeParquet(t *testing.T, path string, rows []parquetRow) {
	t.Helper()

	floats := arrow.ListOf(arrow.PrimitiveTypes.Float32)
	ints := arrow.ListOf(arrow.PrimitiveTypes.Int32)
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "run", Type: arrow.PrimitiveTypes.Uint32},
		{Name: "evtWeight", Type: arrow.PrimitiveTypes.Float64},
		{Name: "MET_pt", Type: arrow.PrimitiveTypes.Float32},
		{Name: "Jet_pt", Type: floats},
		{Name: "Jet_eta", Type: floats},
		{Name: "Jet_jetId", Type: ints},
		{Name: "Jet_hadronFlavour", Type: ints},
		{Name: "Jet_btagDeepB", Type: floats},
		{Name: "Jet_btagDeepFlavB", Type: floats},
		{Name: "HLT_IsoMu24", Type: arrow.FixedWidthTypes.Boolean},
		{Name: "SF_pileup", Type: arrow.PrimitiveTypes.Float64},
	}, nil)

	b := array.NewRecordBuilder(memory.NewGoAllocator(), schema)
	defer b.Release()

	appendFloats := func(i int, vals []float32) {
		lb := b.Field(i).(*array.ListBuilder)
		lb.Append(true)
		lb.ValueBuilder().(*array.Float32Builder).AppendValues(vals, nil)
	}
	appendInts := func(i int, vals []int32) {
		lb := b.Field(i).(*array.ListBuilder)
		lb.Append(true)
		lb.ValueBuilder().(*array.Int32Builder).AppendValues(vals, nil)
	}

	for _, r := range rows {
		b.Field(0).(*array.Uint32Builder).Append(r.run)
		b.Field(1).(*array.Float64Builder).Append(r.weight)
		b.Field(2).(*array.Float32Builder).Append(r.met)
		appendFloats(3, r.jetPt)
		appendFloats(4, r.jetEta)
		appendInts(5, r.jetID)
		appendInts(6, r.flavour)
		appendFloats(7, make([]float32, len(r.jetPt)))
		appendFloats(8, make([]float32, len(r.jetPt)))
		b.Field(9).(*array.BooleanBuilder).Append(r.trigger)
		b.Field(10).(*array.Float64Builder).Append(r.pileupSF)
	}

	rec := b.NewRecord()
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w, err := pqarrow.NewFileWriter(schema, f, nil, pqarrow.DefaultWriterProps())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Write(rec); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestParquetSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nano.parquet")
	writeParquet(t, path, []parquetRow{
		{run: 1, weight: 0.5, met: 42, jetPt: []float32{25, 15}, jetEta: []float32{1, -1}, jetID: []int32{6, 6}, flavour: []int32{5, 4}, trigger: true, pileupSF: 0.9},
		{run: 2, weight: -1, met: 10},
		{run: 3, weight: 2, met: 80, jetPt: []float32{100}, jetEta: []float32{0.5}, jetID: []int32{2}, flavour: []int32{0}},
	})

	// A batch size of 2 spans two record batches.
	src, err := Open(path, Options{BatchSize: 2})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer src.Close()

	events := readAll(t, src)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}

	for i, ev := range events {
		if ev.Position != int64(i) || ev.Run != uint32(i+1) {
			t.Errorf("event %d: position %d run %d", i, ev.Position, ev.Run)
		}
	}

	first := events[0]
	if first.Weight != 0.5 || first.METPt != 42 {
		t.Errorf("first event weight %v met %v", first.Weight, first.METPt)
	}
	if len(first.Jets) != 2 || first.Jets[1].Pt != 15 || first.Jets[1].HadronFlavour != 4 || first.Jets[0].Eta != 1 {
		t.Errorf("first event jets %+v", first.Jets)
	}
	if !first.Flag("HLT_IsoMu24") || first.ScaleFactors["SF_pileup"] != 0.9 {
		t.Errorf("first event flags %v sf %v", first.Flags, first.ScaleFactors)
	}

	if len(events[1].Jets) != 0 || events[1].Weight != -1 {
		t.Errorf("second event %+v", events[1])
	}
	if events[2].Jets[0].JetID != 2 || events[2].Flag("HLT_IsoMu24") {
		t.Errorf("third event %+v", events[2])
	}
}

func TestParquetMissingColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.parquet")
	schema := arrow.NewSchema([]arrow.Field{{Name: "run", Type: arrow.PrimitiveTypes.Int64}}, nil)
	b := array.NewRecordBuilder(memory.NewGoAllocator(), schema)
	defer b.Release()
	b.Field(0).(*array.Int64Builder).Append(1)
	rec := b.NewRecord()
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w, err := pqarrow.NewFileWriter(schema, f, nil, pqarrow.DefaultWriterProps())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Write(rec); err != nil {
		t.Fatal(err)
	}
	w.Close()

	if _, err := OpenParquet(path, Options{}); !errors.IsCode(err, errors.CodeSourceDecode) {
		t.Errorf("OpenParquet() error = %v, want missing column error", err)
	}
}

func TestSlice(t *testing.T) {
	s := NewSlice([]*model.Event{{Position: 7}, {Position: 9}})
	events := readAll(t, s)
	if len(events) != 2 || events[1].Position != 9 {
		t.Errorf("Slice events %+v", events)
	}
}
