package source

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet/file"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	"github.com/btagflow/btagflow/internal/model"
	"github.com/btagflow/btagflow/pkg/errors"
)

// requiredColumns must be present in every Parquet input.
var requiredColumns = []string{
	"Jet_pt", "Jet_eta", "Jet_jetId", "Jet_hadronFlavour", "Jet_btagDeepB", "Jet_btagDeepFlavB",
}

type namedColumn struct {
	name  string
	index int
}

// layout maps event fields to column indices; -1 marks an absent column.
type layout struct {
	run, lumi, weight, metPt, metPhi, lheVpt, nJet int

	jetPt, jetEta, jetID, jetFlavour, jetDeepB, jetDeepFlavB int

	lepPt, lepEta, lepPhi, lepMass, lepCharge, lepPdgID int

	recoLepID, leadingPt, trailingPt, deltaM, leplepPt, deltaR int

	flags        []namedColumn
	scaleFactors []namedColumn
}

func newLayout(schema *arrow.Schema, path string) (layout, error) {
	index := func(name string) int {
		if idx := schema.FieldIndices(name); len(idx) > 0 {
			return idx[0]
		}
		return -1
	}

	for _, name := range requiredColumns {
		if index(name) < 0 {
			return layout{}, errors.New(errors.CodeSourceDecode, "missing required column").
				WithContext("column", name).
				WithContext("path", path)
		}
	}

	l := layout{
		run:          index("run"),
		lumi:         index("luminosityBlock"),
		weight:       index("evtWeight"),
		metPt:        index("MET_pt"),
		metPhi:       index("MET_phi"),
		lheVpt:       index("LHE_Vpt"),
		nJet:         index("nJet"),
		jetPt:        index("Jet_pt"),
		jetEta:       index("Jet_eta"),
		jetID:        index("Jet_jetId"),
		jetFlavour:   index("Jet_hadronFlavour"),
		jetDeepB:     index("Jet_btagDeepB"),
		jetDeepFlavB: index("Jet_btagDeepFlavB"),
		lepPt:        index("Lepton_pt"),
		lepEta:       index("Lepton_eta"),
		lepPhi:       index("Lepton_phi"),
		lepMass:      index("Lepton_mass"),
		lepCharge:    index("Lepton_charge"),
		lepPdgID:     index("Lepton_pdgId"),
		recoLepID:    index("RecoLepID"),
		leadingPt:    index("LeadingLep_pt"),
		trailingPt:   index("TrailingLep_pt"),
		deltaM:       index("LepLep_deltaM"),
		leplepPt:     index("LepLep_pt"),
		deltaR:       index("LepLep_deltaR"),
	}

	for i, f := range schema.Fields() {
		switch {
		case strings.HasPrefix(f.Name, TriggerPrefix), strings.HasPrefix(f.Name, FilterPrefix):
			l.flags = append(l.flags, namedColumn{f.Name, i})
		case strings.HasPrefix(f.Name, ScaleFactorPrefix):
			l.scaleFactors = append(l.scaleFactors, namedColumn{f.Name, i})
		}
	}
	return l, nil
}

// ParquetSource reads events from a flat NanoAOD-like Parquet file.
type ParquetSource struct {
	path    string
	file    *os.File
	reader  *file.Reader
	records pqarrow.RecordReader
	layout  layout

	rec      arrow.Record
	row      int
	position int64
	cols     columns
}

// OpenParquet opens a Parquet input file.
func OpenParquet(path string, opts Options) (*ParquetSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeSourceOpen, "failed to open input").
			WithContext("path", path)
	}

	reader, err := file.NewParquetReader(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, errors.CodeSourceOpen, "failed to create parquet reader").
			WithContext("path", path)
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 8192
	}

	arrowReader, err := pqarrow.NewFileReader(reader, pqarrow.ArrowReadProperties{
		BatchSize: int64(batchSize),
	}, memory.DefaultAllocator)
	if err != nil {
		reader.Close()
		f.Close()
		return nil, errors.Wrap(err, errors.CodeSourceOpen, "failed to create arrow reader").
			WithContext("path", path)
	}

	schema, err := arrowReader.Schema()
	if err != nil {
		reader.Close()
		f.Close()
		return nil, errors.Wrap(err, errors.CodeSourceOpen, "failed to read schema")
	}
	l, err := newLayout(schema, path)
	if err != nil {
		reader.Close()
		f.Close()
		return nil, err
	}

	records, err := arrowReader.GetRecordReader(context.Background(), nil, nil)
	if err != nil {
		reader.Close()
		f.Close()
		return nil, errors.Wrap(err, errors.CodeSourceOpen, "failed to create record reader")
	}

	return &ParquetSource{
		path:    path,
		file:    f,
		reader:  reader,
		records: records,
		layout:  l,
	}, nil
}

// Name returns the source name.
func (s *ParquetSource) Name() string {
	return "parquet"
}

// Next returns the next row as an event.
func (s *ParquetSource) Next(ctx context.Context) (*model.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for s.rec == nil || s.row >= int(s.rec.NumRows()) {
		s.rec, s.row = nil, 0
		if !s.records.Next() {
			if err := s.records.Err(); err != nil && err != io.EOF {
				return nil, errors.Wrap(err, errors.CodeSourceRead, "failed to read record batch").
					WithContext("path", s.path)
			}
			return nil, io.EOF
		}
		s.rec = s.records.Record()
	}

	ev, err := s.decodeRow(s.rec, s.row)
	s.row++
	s.position++
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (s *ParquetSource) decodeRow(rec arrow.Record, row int) (*model.Event, error) {
	l := &s.layout
	ev := newEvent(s.position)

	scalar := func(idx int) float64 {
		if idx < 0 {
			return 0
		}
		return floatAt(rec.Column(idx), row)
	}

	ev.Run = uint32(scalar(l.run))
	ev.LuminosityBlock = uint32(scalar(l.lumi))
	if l.weight >= 0 {
		ev.Weight = scalar(l.weight)
	}
	ev.METPt = scalar(l.metPt)
	ev.METPhi = scalar(l.metPhi)
	ev.LHEVpt = scalar(l.lheVpt)
	ev.Derived = model.Derived{
		RecoLepID:     int(scalar(l.recoLepID)),
		LeadingLepPt:  scalar(l.leadingPt),
		TrailingLepPt: scalar(l.trailingPt),
		LepLepDeltaM:  scalar(l.deltaM),
		LepLepPt:      scalar(l.leplepPt),
		LepLepDeltaR:  scalar(l.deltaR),
	}

	c := &s.cols
	c.reset()
	if l.nJet >= 0 {
		c.nJet, c.hasNJet = int(scalar(l.nJet)), true
	}

	var err error
	if c.jetPt, err = appendFloat32(c.jetPt, rec, l.jetPt, row); err != nil {
		return nil, err
	}
	if c.jetEta, err = appendFloat32(c.jetEta, rec, l.jetEta, row); err != nil {
		return nil, err
	}
	if c.jetDeepB, err = appendFloat32(c.jetDeepB, rec, l.jetDeepB, row); err != nil {
		return nil, err
	}
	if c.jetDeepFlavB, err = appendFloat32(c.jetDeepFlavB, rec, l.jetDeepFlavB, row); err != nil {
		return nil, err
	}
	if c.jetID, err = appendInt32(c.jetID, rec, l.jetID, row); err != nil {
		return nil, err
	}
	if c.jetFlavour, err = appendInt32(c.jetFlavour, rec, l.jetFlavour, row); err != nil {
		return nil, err
	}

	if l.lepPt >= 0 {
		for _, col := range []struct {
			dst *[]float64
			idx int
		}{
			{&c.lepPt, l.lepPt}, {&c.lepEta, l.lepEta}, {&c.lepPhi, l.lepPhi}, {&c.lepMass, l.lepMass},
		} {
			if *col.dst, err = appendFloat64(*col.dst, rec, col.idx, row); err != nil {
				return nil, err
			}
		}
		if c.lepCharge, err = appendInt(c.lepCharge, rec, l.lepCharge, row); err != nil {
			return nil, err
		}
		if c.lepPdgID, err = appendInt(c.lepPdgID, rec, l.lepPdgID, row); err != nil {
			return nil, err
		}
	}

	if err := c.assemble(ev); err != nil {
		return nil, err
	}

	for _, f := range l.flags {
		ev.Flags[f.name] = floatAt(rec.Column(f.index), row) != 0
	}
	for _, f := range l.scaleFactors {
		ev.ScaleFactors[f.name] = floatAt(rec.Column(f.index), row)
	}
	return ev, nil
}

// Close releases the reader and closes the file.
func (s *ParquetSource) Close() error {
	s.records.Release()
	s.reader.Close()
	return s.file.Close()
}

// listAt returns the child values and the [start, end) range of row.
func listAt(rec arrow.Record, idx, row int) (arrow.Array, int, int, error) {
	if idx < 0 {
		return nil, 0, 0, nil
	}
	list, ok := rec.Column(idx).(*array.List)
	if !ok {
		return nil, 0, 0, errors.New(errors.CodeSourceDecode, "column is not a list").
			WithContext("column", rec.ColumnName(idx))
	}
	if list.IsNull(row) {
		return list.ListValues(), 0, 0, nil
	}
	start, end := list.ValueOffsets(row)
	return list.ListValues(), int(start), int(end), nil
}

func appendFloat32(dst []float32, rec arrow.Record, idx, row int) ([]float32, error) {
	values, start, end, err := listAt(rec, idx, row)
	if err != nil {
		return dst, err
	}
	for k := start; k < end; k++ {
		dst = append(dst, float32(floatAt(values, k)))
	}
	return dst, nil
}

func appendFloat64(dst []float64, rec arrow.Record, idx, row int) ([]float64, error) {
	values, start, end, err := listAt(rec, idx, row)
	if err != nil {
		return dst, err
	}
	for k := start; k < end; k++ {
		dst = append(dst, floatAt(values, k))
	}
	return dst, nil
}

func appendInt32(dst []int32, rec arrow.Record, idx, row int) ([]int32, error) {
	values, start, end, err := listAt(rec, idx, row)
	if err != nil {
		return dst, err
	}
	for k := start; k < end; k++ {
		dst = append(dst, int32(intAt(values, k)))
	}
	return dst, nil
}

func appendInt(dst []int, rec arrow.Record, idx, row int) ([]int, error) {
	values, start, end, err := listAt(rec, idx, row)
	if err != nil {
		return dst, err
	}
	for k := start; k < end; k++ {
		dst = append(dst, int(intAt(values, k)))
	}
	return dst, nil
}

// floatAt reads a numeric or boolean value as float64. Nulls read as zero.
func floatAt(arr arrow.Array, i int) float64 {
	if arr.IsNull(i) {
		return 0
	}
	switch a := arr.(type) {
	case *array.Float32:
		return float64(a.Value(i))
	case *array.Float64:
		return a.Value(i)
	case *array.Boolean:
		if a.Value(i) {
			return 1
		}
		return 0
	default:
		return float64(intAt(arr, i))
	}
}

// intAt reads an integer value as int64. Nulls read as zero.
func intAt(arr arrow.Array, i int) int64 {
	if arr.IsNull(i) {
		return 0
	}
	switch a := arr.(type) {
	case *array.Int8:
		return int64(a.Value(i))
	case *array.Int16:
		return int64(a.Value(i))
	case *array.Int32:
		return int64(a.Value(i))
	case *array.Int64:
		return a.Value(i)
	case *array.Uint8:
		return int64(a.Value(i))
	case *array.Uint16:
		return int64(a.Value(i))
	case *array.Uint32:
		return int64(a.Value(i))
	case *array.Uint64:
		return int64(a.Value(i))
	case *array.Boolean:
		if a.Value(i) {
			return 1
		}
		return 0
	case *array.Float32:
		return int64(a.Value(i))
	case *array.Float64:
		return int64(a.Value(i))
	default:
		return 0
	}
}
