package sink

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/parquet/file"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
)

func sampleEvents() [][]Record {
	return [][]Record{
		{
			{EventPosition: 0, JetID: 6, HadronFlavour: 5, Pt: 45.5, Eta: 0.3, BTagDeepB: 0.9, BTagDeepFlavB: 0.8},
			{EventPosition: 0, JetID: 2, HadronFlavour: 0, Pt: 22.1, Eta: -1.7, BTagDeepB: 0.1, BTagDeepFlavB: 0.05},
		},
		{
			{EventPosition: 3, JetID: 6, HadronFlavour: 4, Pt: 80.2, Eta: 2.1, BTagDeepB: 0.4, BTagDeepFlavB: 0.3},
		},
		{
			{EventPosition: 7, JetID: 4, HadronFlavour: 0, Pt: 31.0, Eta: 1.1, BTagDeepB: 0.2, BTagDeepFlavB: 0.15},
			{EventPosition: 7, JetID: 6, HadronFlavour: 5, Pt: 120.0, Eta: -0.4, BTagDeepB: 0.95, BTagDeepFlavB: 0.97},
			{EventPosition: 7, JetID: 6, HadronFlavour: 4, Pt: 25.0, Eta: 0.0, BTagDeepB: 0.5, BTagDeepFlavB: 0.6},
		},
	}
}

func writeAll(t *testing.T, s Sink) {
	t.Helper()
	for _, recs := range sampleEvents() {
		for _, r := range recs {
			if err := s.Fill(r); err != nil {
				t.Fatalf("Fill() error = %v", err)
			}
		}
		info := EventInfo{Position: recs[0].EventPosition, Weight: 1.5, Records: len(recs)}
		if err := s.EndEvent(info); err != nil {
			t.Fatalf("EndEvent() error = %v", err)
		}
	}
}

func TestColumns(t *testing.T) {
	want := []string{
		"EventPosition", "Jet_jetId", "Jet_hadronFlavour", "Jet_pt",
		"Jet_eta", "Jet_btagDeepB", "Jet_btagDeepFlavB",
	}
	got := ColumnNames()
	if len(got) != len(want) {
		t.Fatalf("ColumnNames() len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("column %d = %q, want %q", i, got[i], want[i])
		}
	}

	schema := ArrowSchema(map[string]string{"dataset": "TTTo2L2Nu"})
	if schema.NumFields() != len(want) {
		t.Errorf("schema fields = %d, want %d", schema.NumFields(), len(want))
	}
	if v, ok := schema.Metadata().GetValue("dataset"); !ok || v != "TTTo2L2Nu" {
		t.Errorf("schema metadata dataset = %q, %v", v, ok)
	}
}

func TestFormatFor(t *testing.T) {
	tests := map[string]string{
		"out.parquet":  "parquet",
		"out.csv":      "csv",
		"out.duckdb":   "duckdb",
		"out.DB":       "duckdb",
		"out.txt":      "",
		"no-extension": "",
	}
	for path, want := range tests {
		if got := FormatFor(path); got != want {
			t.Errorf("FormatFor(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestOpenUnsupported(t *testing.T) {
	if _, err := Open(Options{Path: filepath.Join(t.TempDir(), "out.txt")}); err == nil {
		t.Fatal("Open() expected error for unknown format")
	}
}

func TestParquetSinkRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jets.parquet")

	// A batch size of 2 forces flushes between events.
	s, err := NewParquetSink(Options{Path: path, BatchSize: 2, Compression: "snappy",
		Metadata: map[string]string{"run_id": "test"}})
	if err != nil {
		t.Fatalf("NewParquetSink() error = %v", err)
	}
	writeAll(t, s)
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if s.RowsWritten() != 6 {
		t.Errorf("RowsWritten() = %d, want 6", s.RowsWritten())
	}
	// Event 0 (2 rows) flushes, event 3 (1 row) stays, event 7 flushes 4 rows.
	if s.Batches() != 2 {
		t.Errorf("Batches() = %d, want 2", s.Batches())
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	reader, err := file.NewParquetReader(f)
	if err != nil {
		t.Fatalf("NewParquetReader() error = %v", err)
	}
	defer reader.Close()

	arrowReader, err := pqarrow.NewFileReader(reader, pqarrow.ArrowReadProperties{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	table, err := arrowReader.ReadTable(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer table.Release()

	if table.NumRows() != 6 {
		t.Fatalf("table rows = %d, want 6", table.NumRows())
	}
	if table.NumCols() != int64(len(Columns)) {
		t.Fatalf("table cols = %d, want %d", table.NumCols(), len(Columns))
	}

	tr := array.NewTableReader(table, 100)
	defer tr.Release()
	var positions []int64
	var pts []float32
	for tr.Next() {
		rec := tr.Record()
		positions = append(positions, rec.Column(0).(*array.Int64).Int64Values()...)
		pts = append(pts, rec.Column(3).(*array.Float32).Float32Values()...)
	}
	wantPos := []int64{0, 0, 3, 7, 7, 7}
	wantPt := []float32{45.5, 22.1, 80.2, 31.0, 120.0, 25.0}
	for i := range wantPos {
		if positions[i] != wantPos[i] {
			t.Errorf("row %d position = %d, want %d", i, positions[i], wantPos[i])
		}
		if pts[i] != wantPt[i] {
			t.Errorf("row %d pt = %v, want %v", i, pts[i], wantPt[i])
		}
	}
}

func TestParquetSinkFillAfterClose(t *testing.T) {
	s, err := NewParquetSink(Options{Path: filepath.Join(t.TempDir(), "jets.parquet")})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Fill(Record{}); err == nil {
		t.Error("Fill() after Close expected error")
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestTableSinkDuckDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jets.duckdb")
	s, err := NewTableSink(Options{Path: path})
	if err != nil {
		t.Fatalf("NewTableSink() error = %v", err)
	}
	writeAll(t, s)

	// An event left open at Close is dropped.
	if err := s.Fill(Record{EventPosition: 9}); err != nil {
		t.Fatal(err)
	}
	if s.RowsWritten() != 6 {
		t.Errorf("RowsWritten() = %d, want 6", s.RowsWritten())
	}
	if s.Events() != 3 {
		t.Errorf("Events() = %d, want 3", s.Events())
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	var jets, flavB int
	if err := db.QueryRow("SELECT COUNT(*) FROM jets").Scan(&jets); err != nil {
		t.Fatal(err)
	}
	if jets != 6 {
		t.Errorf("jets rows = %d, want 6", jets)
	}
	if err := db.QueryRow("SELECT COUNT(*) FROM jets WHERE Jet_hadronFlavour = 5").Scan(&flavB); err != nil {
		t.Fatal(err)
	}
	if flavB != 2 {
		t.Errorf("b jets = %d, want 2", flavB)
	}

	var events int
	var weight float64
	if err := db.QueryRow("SELECT COUNT(*), SUM(evtWeight) FROM events").Scan(&events, &weight); err != nil {
		t.Fatal(err)
	}
	if events != 3 || weight != 4.5 {
		t.Errorf("events = %d weight = %v, want 3 and 4.5", events, weight)
	}
}

func TestTableSinkCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jets.csv")
	s, err := Open(Options{Path: path})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if s.Name() != "csv" {
		t.Errorf("Name() = %q, want csv", s.Name())
	}
	writeAll(t, s)
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	for _, p := range []string{path, EventsPath(path)} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("expected export %s: %v", p, err)
		}
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM read_csv_auto('" + path + "')").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 6 {
		t.Errorf("csv rows = %d, want 6", n)
	}
}

func TestEventsPath(t *testing.T) {
	if got := EventsPath("/tmp/out.csv"); got != "/tmp/out_events.csv" {
		t.Errorf("EventsPath() = %q", got)
	}
	if got := EventsPath("out.parquet"); got != "out_events.parquet" {
		t.Errorf("EventsPath() = %q", got)
	}
}

type failingSink struct {
	Memory
	fail bool
}

func (f *failingSink) Fill(rec Record) error {
	if f.fail {
		return os.ErrClosed
	}
	return f.Memory.Fill(rec)
}

func TestMulti(t *testing.T) {
	a, b := NewMemory(), NewMemory()
	m := Multi{a, b}
	writeAll(t, m)
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if len(a.Records()) != 6 || len(b.Records()) != 6 {
		t.Errorf("records = %d/%d, want 6/6", len(a.Records()), len(b.Records()))
	}
	if len(b.Events()) != 3 || !b.Closed() {
		t.Errorf("events = %d closed = %v", len(b.Events()), b.Closed())
	}
	if m.RowsWritten() != 6 {
		t.Errorf("RowsWritten() = %d", m.RowsWritten())
	}

	bad := Multi{NewMemory(), &failingSink{fail: true}}
	if err := bad.Fill(Record{}); err == nil {
		t.Error("Multi.Fill() expected error from failing sink")
	}
}

func parquetRows(t *testing.T, path string) int64 {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	reader, err := file.NewParquetReader(f)
	if err != nil {
		t.Fatalf("NewParquetReader() error = %v", err)
	}
	defer reader.Close()
	return reader.NumRows()
}

func TestParquetSinkDropsOpenEvent(t *testing.T) {
	tests := []struct {
		name      string
		batchSize int
	}{
		{"open event shares the buffer", 10},
		{"committed rows already flushed", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "jets.parquet")
			s, err := NewParquetSink(Options{Path: path, BatchSize: tt.batchSize})
			if err != nil {
				t.Fatal(err)
			}
			if err := s.Fill(Record{EventPosition: 0, Pt: 30}); err != nil {
				t.Fatal(err)
			}
			if err := s.EndEvent(EventInfo{Position: 0, Weight: 1, Records: 1}); err != nil {
				t.Fatal(err)
			}
			for i := 0; i < 2; i++ {
				if err := s.Fill(Record{EventPosition: 1, Pt: 40}); err != nil {
					t.Fatal(err)
				}
			}
			if err := s.Close(); err != nil {
				t.Fatalf("Close() error = %v", err)
			}
			if n := parquetRows(t, path); n != 1 {
				t.Errorf("file rows = %d, want 1", n)
			}
			if s.RowsWritten() != 1 {
				t.Errorf("RowsWritten() = %d, want 1", s.RowsWritten())
			}
		})
	}
}

func TestMultiFailedFillDropsOpenEvent(t *testing.T) {
	good := NewMemory()
	bad := &failingSink{}
	m := Multi{good, bad}

	writeAll(t, Multi{good})
	bad.fail = true
	if err := m.Fill(Record{EventPosition: 9}); err == nil {
		t.Fatal("Multi.Fill() expected error from failing sink")
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if n := len(good.Records()); n != 6 {
		t.Errorf("records after close = %d, want 6", n)
	}
	if good.RowsWritten() != 6 {
		t.Errorf("RowsWritten() = %d, want 6", good.RowsWritten())
	}
}

func TestQuoteSQL(t *testing.T) {
	tests := map[string]string{
		"out/jets.csv":     "out/jets.csv",
		"o'brien/jets.csv": "o''brien/jets.csv",
		"''":               "''''",
	}
	for in, want := range tests {
		if got := QuoteSQL(in); got != want {
			t.Errorf("QuoteSQL(%q) = %q, want %q", in, got, want)
		}
	}
}
