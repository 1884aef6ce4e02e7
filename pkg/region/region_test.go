package region

import (
	"math/rand"
	"testing"

	"github.com/btagflow/btagflow/internal/model"
	"github.com/btagflow/btagflow/pkg/cutflow"
)

const trigger = "HLT_Mu17_TrkIsoVVL_Mu8_TrkIsoVVL_DZ_Mass3p8"

func testConfig(t *testing.T, preset string) Config {
	t.Helper()
	cfg, err := Preset(preset)
	if err != nil {
		t.Fatalf("Preset(%s): %v", preset, err)
	}
	cfg.Triggers = []string{trigger}
	return cfg
}

// goodEvent returns an event that passes every cut of the current preset.
func goodEvent() *model.Event {
	flags := map[string]bool{trigger: true}
	for _, f := range DefaultMETFilters {
		flags[f] = true
	}
	return &model.Event{
		Run:             315257,
		LuminosityBlock: 10,
		Weight:          1.5,
		METPt:           55,
		Derived: model.Derived{
			RecoLepID:    13,
			LeadingLepPt: 60,
			LepLepDeltaM: 2,
			LepLepPt:     70,
			LepLepDeltaR: 1.2,
		},
		Flags: flags,
	}
}

type denyLumi struct{ calls int }

func (d *denyLumi) IsCertified(string, uint32, uint32) bool {
	d.calls++
	return false
}

type panicOracle struct{}

func (panicOracle) Pass(*model.Event) bool { panic("oracle unavailable") }

func counters(cf *cutflow.Accumulator) []float64 {
	var out []float64
	for _, e := range cf.Entries() {
		out = append(out, e.Weight)
	}
	return out
}

func TestEvaluateAcceptsGoodEvent(t *testing.T) {
	cf := NewCutflow()
	s := New(testConfig(t, Current), model.Dataset{Name: "TTTo2L2Nu"}, cf)

	if !s.Evaluate(goodEvent()) {
		t.Fatal("expected event to be selected")
	}
	for _, e := range cf.Entries() {
		if e.Weight != 1.5 {
			t.Errorf("%s = %v, want 1.5", e.Label, e.Weight)
		}
	}
}

func TestEvaluateRejectionStage(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.Event)
		// passed is the number of leading counters incremented.
		passed int
	}{
		{"no opposite-sign pair", func(e *model.Event) { e.Derived.RecoLepID = 0 }, 0},
		{"low MET", func(e *model.Event) { e.METPt = 40 }, 1},
		{"soft leading lepton", func(e *model.Event) { e.Derived.LeadingLepPt = 39 }, 2},
		{"off Z peak", func(e *model.Event) { e.Derived.LepLepDeltaM = 15 }, 3},
		{"soft pair", func(e *model.Event) { e.Derived.LepLepPt = 40 }, 4},
		{"wide pair", func(e *model.Event) { e.Derived.LepLepDeltaR = 3.2 }, 5},
		{"MET filter failed", func(e *model.Event) { e.Flags["Flag_goodVertices"] = false }, 6},
		{"MET filter missing", func(e *model.Event) { delete(e.Flags, "Flag_eeBadScFilter") }, 6},
		{"trigger not fired", func(e *model.Event) { e.Flags[trigger] = false }, 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cf := NewCutflow()
			s := New(testConfig(t, Current), model.Dataset{Name: "TTTo2L2Nu"}, cf)
			ev := goodEvent()
			tt.mutate(ev)

			if s.Evaluate(ev) {
				t.Fatal("expected rejection")
			}
			for i, v := range counters(cf) {
				want := 0.0
				if i < tt.passed {
					want = 1.5
				}
				if v != want {
					t.Errorf("counter %d = %v, want %v", i, v, want)
				}
			}
		})
	}
}

func TestUncertifiedDataStopsBeforeSelected(t *testing.T) {
	cf := NewCutflow()
	deny := &denyLumi{}
	s := New(testConfig(t, Current), model.Dataset{Name: "Data_DoubleMuon_A"}, cf, WithLumi(deny))

	if s.Evaluate(goodEvent()) {
		t.Fatal("uncertified data event must be rejected")
	}
	for _, label := range cutflow.RegionLabels()[:6] {
		if v, _ := cf.Value(label); v != 1.5 {
			t.Errorf("%s = %v, want 1.5", label, v)
		}
	}
	if v, _ := cf.Value(cutflow.Selected); v != 0 {
		t.Errorf("Selected = %v, want 0", v)
	}
	if deny.calls != 1 {
		t.Errorf("lumi oracle called %d times", deny.calls)
	}
}

func TestSimulationBypassesCertification(t *testing.T) {
	deny := &denyLumi{}
	s := New(testConfig(t, Current), model.Dataset{Name: "DYJetsToLL_Pt-50To100"}, NewCutflow(), WithLumi(deny))

	if !s.Evaluate(goodEvent()) {
		t.Fatal("simulation should not consult certification")
	}
	if deny.calls != 0 {
		t.Errorf("lumi oracle called %d times for simulation", deny.calls)
	}
}

func TestLegacyStitchingStep(t *testing.T) {
	cfg := testConfig(t, Legacy)

	tests := []struct {
		dataset string
		vpt     float64
		want    bool
	}{
		{"DYJetsToLL_Pt-Inclusive", 20, true},
		{"DYJetsToLL_Pt-Inclusive", 80, false},
		{"DYJetsToLL_Pt-50To100", 80, true},
	}
	for _, tt := range tests {
		cf := NewCutflow()
		s := New(cfg, model.Dataset{Name: tt.dataset}, cf)
		ev := goodEvent()
		ev.LHEVpt = tt.vpt

		if got := s.Evaluate(ev); got != tt.want {
			t.Errorf("%s vpt=%v: got %v, want %v", tt.dataset, tt.vpt, got, tt.want)
		}
		if !tt.want {
			if v, _ := cf.Value(cutflow.LeadingLepPt); v != 1.5 {
				t.Errorf("LeadingLep_Pt = %v, want 1.5", v)
			}
			if v, _ := cf.Value(cutflow.LepLepDM); v != 0 {
				t.Errorf("LepLep_DM = %v, want 0", v)
			}
		}
	}
}

func TestWeightCorrectionAfterLastCut(t *testing.T) {
	cfg := testConfig(t, Current)
	cfg.ScaleFactors = []string{"SF_pileup", "SF_muon"}

	cf := NewCutflow()
	s := New(cfg, model.Dataset{Name: "TTTo2L2Nu"}, cf)
	ev := goodEvent()
	ev.ScaleFactors = map[string]float64{"SF_pileup": 2, "SF_muon": 0.25, "SF_other": 10}
	ev.Weight = 3

	if !s.Evaluate(ev) {
		t.Fatal("expected selection")
	}
	if v, _ := cf.Value(cutflow.Selected); v != 3 {
		t.Errorf("Selected = %v, want pre-correction weight 3", v)
	}
	if ev.Weight != 1.5 {
		t.Errorf("corrected weight = %v, want 3*2*0.25", ev.Weight)
	}

	data := goodEvent()
	data.ScaleFactors = map[string]float64{"SF_pileup": 2}
	New(cfg, model.Dataset{Name: "Data_DoubleMuon_A"}, NewCutflow()).Evaluate(data)
	if data.Weight != 1.5 {
		t.Errorf("data weight corrected to %v", data.Weight)
	}
}

func TestShortCircuitSkipsLaterSteps(t *testing.T) {
	var calls []string
	record := func(name string) Step {
		return func(*model.Event) { calls = append(calls, name) }
	}

	s := New(testConfig(t, Current), model.Dataset{Name: "TTTo2L2Nu"}, NewCutflow(), WithSteps(Steps{
		METCorrection:    record("met"),
		LeadingLepton:    record("leading"),
		LepLep:           record("leplep"),
		WeightCorrection: record("weights"),
	}))

	ev := goodEvent()
	ev.METPt = 0
	s.Evaluate(ev)

	if len(calls) != 1 || calls[0] != "met" {
		t.Errorf("steps invoked = %v, want [met]", calls)
	}
}

func TestPanickingOracleRejects(t *testing.T) {
	cf := NewCutflow()
	s := New(testConfig(t, Current), model.Dataset{Name: "TTTo2L2Nu"}, cf, WithTrigger(panicOracle{}))

	if s.Evaluate(goodEvent()) {
		t.Fatal("panicking oracle should reject")
	}
	if v, _ := cf.Value(cutflow.Selected); v != 0 {
		t.Errorf("Selected = %v", v)
	}
}

func TestCutflowMonotoneOverStream(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	cf := NewCutflow()
	s := New(testConfig(t, Current), model.Dataset{Name: "TTTo2L2Nu"}, cf)

	for i := 0; i < 2000; i++ {
		ev := goodEvent()
		ev.Weight = rng.Float64() * 2
		ev.METPt = rng.Float64() * 100
		ev.Derived.LeadingLepPt = rng.Float64() * 100
		ev.Derived.LepLepDeltaM = rng.Float64() * 30
		ev.Derived.LepLepPt = rng.Float64() * 100
		ev.Derived.LepLepDeltaR = rng.Float64() * 5
		if rng.Intn(4) == 0 {
			ev.Derived.RecoLepID = 0
		}
		s.Evaluate(ev)

		c := counters(cf)
		for j := 1; j < len(c); j++ {
			if c[j] > c[j-1] {
				t.Fatalf("event %d: stage %d (%v) exceeds stage %d (%v)", i, j, c[j], j-1, c[j-1])
			}
		}
	}
}

func TestPresetAndValidate(t *testing.T) {
	if _, err := Preset("nope"); err == nil {
		t.Error("expected error for unknown preset")
	}

	legacy, _ := Preset(Legacy)
	if legacy.DatasetFilter == nil {
		t.Error("legacy preset should enable the dataset filter")
	}
	current, _ := Preset(Current)
	if current.DatasetFilter != nil {
		t.Error("current preset should not enable the dataset filter")
	}
	if err := current.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	bad := current
	bad.LepLepDRCut = 0
	if bad.Validate() == nil {
		t.Error("expected validation error")
	}
}
