package tui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/btagflow/btagflow/pkg/cutflow"
	"github.com/btagflow/btagflow/pkg/effmap"
	"github.com/btagflow/btagflow/pkg/hooks"
)

func TestCutflowTable(t *testing.T) {
	s := cutflow.Snapshot{
		{Label: cutflow.TwoLepOS, Weight: 200},
		{Label: cutflow.MET, Weight: 50},
	}
	out := Cutflow("WZ", s)
	for _, want := range []string{"CUTFLOW WZ", cutflow.TwoLepOS, "100.00%", cutflow.MET, "25.00%"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, cutflow.TwoLepOS) > strings.Index(out, cutflow.MET) {
		t.Error("stages out of order")
	}
}

func TestSummary(t *testing.T) {
	out := Summary(RunSummary{
		RunID:      "r1",
		Dataset:    "WZ",
		EventsRead: 3000,
		Accepted:   10,
		Duration:   2 * time.Second,
		Outputs:    []string{"output/WZ.parquet"},
	})
	for _, want := range []string{"r1", "3.0K", "1.5K events/sec", "output/WZ.parquet"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Skipped") {
		t.Error("skipped line shown without skipped events")
	}
}

func TestEffMapsSummary(t *testing.T) {
	rep := &effmap.Report{
		Datasets: []string{"TTTo2L2Nu"},
		PtMax:    1000,
		Calib:    effmap.Calib{Algo: effmap.DeepJet, WorkingPoint: effmap.Medium},
		Maps:     effmap.EffMaps{"TTTo2L2Nu": {effmap.FlavourB: make([]effmap.Bin, 3)}},
		Uncs:     effmap.UncMaps{"TTTo2L2Nu": {effmap.FlavourB: 0.002}},
		EffPath:  "effmaps/btageffmap.json",
	}
	out := EffMaps(rep)
	for _, want := range []string{"DeepJet-medium", "TTTo2L2Nu", "b 3 bins", "effmaps/btageffmap.json"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestProgressHookAdvances(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf, 100, "selecting")
	hook := p.Hook()
	hook(hooks.Progress{EventsRead: 10})
	hook(hooks.Progress{EventsRead: 40})
	hook(hooks.Progress{EventsRead: 40})
	if p.Read() != 40 {
		t.Errorf("Read = %d, want 40", p.Read())
	}
	if err := p.Finish(); err != nil {
		t.Errorf("Finish: %v", err)
	}
}

func TestFormatting(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{999, "999"},
		{1500, "1.5K"},
		{2500000, "2.5M"},
	}
	for _, tt := range tests {
		if got := formatNumber(tt.n); got != tt.want {
			t.Errorf("formatNumber(%d) = %s", tt.n, got)
		}
	}
	if got := formatDuration(90 * time.Second); got != "1m30s" {
		t.Errorf("formatDuration = %s", got)
	}
}
