package effmap

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/btagflow/btagflow/pkg/sink"
)

func writeRows(t *testing.T, path string, weight float64) {
	t.Helper()
	s, err := sink.Open(sink.Options{Path: path})
	if err != nil {
		t.Fatalf("Open(%s): %v", path, err)
	}
	for pos := int64(0); pos < 2; pos++ {
		recs := []sink.Record{
			{EventPosition: pos, JetID: 6, HadronFlavour: 5, Pt: 45, Eta: 0.5, BTagDeepB: 0.8, BTagDeepFlavB: 0.9},
			{EventPosition: pos, JetID: 6, HadronFlavour: 0, Pt: 30, Eta: -1.2, BTagDeepB: 0.05, BTagDeepFlavB: 0.01},
		}
		for _, r := range recs {
			if err := s.Fill(r); err != nil {
				t.Fatal(err)
			}
		}
		if err := s.EndEvent(sink.EventInfo{Position: pos, Weight: weight, Records: len(recs)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestDiscoverPrefersDatabase(t *testing.T) {
	dir := t.TempDir()
	writeRows(t, filepath.Join(dir, "TTTo2L2Nu.parquet"), 1)
	writeRows(t, filepath.Join(dir, "TTTo2L2Nu.duckdb"), 2)
	writeRows(t, filepath.Join(dir, "WZ.csv"), 3)

	inputs, err := Discover(dir)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(inputs) != 2 {
		t.Fatalf("inputs = %+v", inputs)
	}
	if inputs[0].Dataset != "TTTo2L2Nu" || inputs[0].Format != "duckdb" {
		t.Errorf("inputs[0] = %+v", inputs[0])
	}
	if inputs[1].Dataset != "WZ" || inputs[1].Format != "csv" {
		t.Errorf("inputs[1] = %+v", inputs[1])
	}
}

func TestLoaderWeights(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		file   string
		format string
		weight float64
		want   float64
	}{
		{"a.duckdb", "duckdb", 2, 2},
		{"b.csv", "csv", 3, 3},
		// the columnar sink writes no events table
		{"c.parquet", "parquet", 4, 1},
	}

	l, err := NewLoader()
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	defer l.Close()

	for _, tt := range tests {
		path := filepath.Join(dir, tt.file)
		writeRows(t, path, tt.weight)
		jets, err := l.Load(context.Background(), Input{Dataset: tt.file, Path: path, Format: tt.format})
		if err != nil {
			t.Fatalf("Load(%s): %v", tt.file, err)
		}
		if len(jets) != 4 {
			t.Fatalf("%s: got %d jets, want 4", tt.file, len(jets))
		}
		b := 0
		for _, j := range jets {
			if j.Weight != tt.want {
				t.Errorf("%s: weight = %g, want %g", tt.file, j.Weight, tt.want)
			}
			if FlavourOf(j.HadronFlavour) == FlavourB {
				b++
				if j.Pt != 45 || j.Eta != 0.5 || j.DeepFlavB < 0.89 {
					t.Errorf("%s: b jet = %+v", tt.file, j)
				}
			}
		}
		if b != 2 {
			t.Errorf("%s: %d b jets, want 2", tt.file, b)
		}
	}
}

func TestGeneratorRunNoInputs(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.InputDir = t.TempDir()
	if _, err := NewGenerator(cfg, nil).Run(context.Background()); err == nil {
		t.Error("expected error for empty input directory")
	}
}

func TestLoaderAttachesSimilarNames(t *testing.T) {
	dir := t.TempDir()
	var inputs []Input
	for i, name := range []string{"ZZ-4L", "ZZ_4L"} {
		path := filepath.Join(dir, name+".duckdb")
		writeRows(t, path, float64(i+2))
		inputs = append(inputs, Input{Dataset: name, Path: path, Format: "duckdb"})
	}

	l, err := NewLoader()
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	defer l.Close()

	got, err := l.LoadAll(context.Background(), inputs)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	for i, in := range inputs {
		jets := got[in.Dataset]
		if len(jets) != 4 || jets[0].Weight != float64(i+2) {
			t.Errorf("%s: %d jets, first %+v", in.Dataset, len(jets), jets)
		}
	}
}
