package lumi

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const golden = `{
  "315257": [[1, 88], [91, 92]],
  "315259": [[1, 172]]
}`

func TestParseAndLookup(t *testing.T) {
	c, err := Parse(strings.NewReader(golden))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	tests := []struct {
		run, lumi uint32
		want      bool
	}{
		{315257, 1, true},
		{315257, 88, true},
		{315257, 89, false},
		{315257, 92, true},
		{315257, 93, false},
		{315259, 172, true},
		{315260, 1, false},
	}
	for _, tt := range tests {
		if got := c.IsCertified("Data_DoubleMuon_A", tt.run, tt.lumi); got != tt.want {
			t.Errorf("IsCertified(%d, %d) = %v, want %v", tt.run, tt.lumi, got, tt.want)
		}
	}

	if got := c.LumiBlocks(); got != 88+2+172 {
		t.Errorf("LumiBlocks = %d", got)
	}
	if runs := c.Runs(); len(runs) != 2 || runs[0] != 315257 {
		t.Errorf("Runs = %v", runs)
	}
}

func TestSimulationAlwaysCertified(t *testing.T) {
	c := New()
	if !c.IsCertified("DYJetsToLL_Pt-Inclusive", 1, 1) {
		t.Error("simulation should bypass certification")
	}
	if c.IsCertified("Data_SingleMuon", 1, 1) {
		t.Error("data with no certified runs should fail")
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	for _, in := range []string{
		`{"abc": [[1, 2]]}`,
		`{"1": [[5, 2]]}`,
		`{"1": [[5]]}`,
		`not json`,
	} {
		if _, err := Parse(strings.NewReader(in)); err == nil {
			t.Errorf("expected error for %s", in)
		}
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "golden.json")
	if err := os.WriteFile(path, []byte(golden), 0644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !c.IsCertified("Data_X", 315259, 10) {
		t.Error("expected certified lumi block")
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}
