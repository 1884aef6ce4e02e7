// Package effmap builds b-tagging efficiency maps from the jet rows
// emitted by a selection run.
//
// For each dataset and hadron flavour the jets are binned in pt and eta.
// Pt bins are chosen adaptively and shared by all eta bins: a bin is
// closed as soon as the weighted binomial uncertainty of the tagging
// efficiency in every eta slice drops below the accepted uncertainty.
package effmap

import (
	"math"
	"sort"

	"github.com/aclements/go-moremath/stats"

	"github.com/btagflow/btagflow/pkg/errors"
)

// Flavour names.
const (
	FlavourB    = "b"
	FlavourC    = "c"
	FlavourUDSG = "udsg"
)

// Flavours lists the flavours in output order.
var Flavours = []string{FlavourB, FlavourC, FlavourUDSG}

// FlavourOf maps a hadron flavour code onto a flavour name.
func FlavourOf(hadronFlavour int) string {
	switch hadronFlavour {
	case 5:
		return FlavourB
	case 4:
		return FlavourC
	default:
		return FlavourUDSG
	}
}

// Jet is one emitted row with its event weight.
type Jet struct {
	Pt            float64
	Eta           float64
	HadronFlavour int
	DeepB         float64
	DeepFlavB     float64
	Weight        float64
}

// EmptyUnc is stored for cells without positive weight.
const EmptyUnc = 1.0

// Bin is one cell of an efficiency map.
type Bin struct {
	EtaMin float64 `json:"eta_min"`
	EtaMax float64 `json:"eta_max"`
	PtMin  float64 `json:"pt_min"`
	PtMax  float64 `json:"pt_max"`
	Eff    float64 `json:"eff"`
	Unc    float64 `json:"unc"`
}

// FlavourMap holds the bins of each flavour, pt-major then eta.
type FlavourMap map[string][]Bin

// Uncertainty holds the accepted uncertainty of each flavour.
type Uncertainty map[string]float64

// Params controls the binning.
type Params struct {
	EtaBins  []float64
	PtMin    float64
	PtMax    float64
	StepSize float64

	// FindBestUnc raises the accepted uncertainty by UncIncrease until
	// every bin meets it or UncStop is reached.
	FindBestUnc bool
	UncStop     float64
	UncIncrease float64
}

func (p Params) validate() error {
	if len(p.EtaBins) < 2 {
		return errors.InvalidConfig("eta_bins", p.EtaBins, "need at least two edges")
	}
	if !sort.Float64sAreSorted(p.EtaBins) {
		return errors.InvalidConfig("eta_bins", p.EtaBins, "must be increasing")
	}
	if p.PtMax <= p.PtMin {
		return errors.InvalidConfig("pt_max", p.PtMax, "must exceed pt_min")
	}
	if p.StepSize <= 0 {
		return errors.InvalidConfig("step_size", p.StepSize, "must be positive")
	}
	if p.FindBestUnc && p.UncIncrease <= 0 {
		return errors.InvalidConfig("unc_increase", p.UncIncrease, "must be positive")
	}
	return nil
}

// Efficiency returns the weighted tagging efficiency of jets, its
// binomial uncertainty and the summed weight. With no positive weight the
// uncertainty is infinite.
func Efficiency(jets []Jet, cal Calib) (eff, unc, sumW float64) {
	if len(jets) == 0 {
		return 0, math.Inf(1), 0
	}
	s := stats.Sample{Xs: make([]float64, len(jets)), Weights: make([]float64, len(jets))}
	for i, j := range jets {
		if cal.Tagged(j) {
			s.Xs[i] = 1
		}
		s.Weights[i] = j.Weight
	}
	sumW = s.Weight()
	if sumW <= 0 {
		return 0, math.Inf(1), sumW
	}
	eff = math.Min(math.Max(s.Mean(), 0), 1)

	var v float64
	for i, x := range s.Xs {
		d := x - eff
		v += s.Weights[i] * s.Weights[i] * d * d
	}
	return eff, math.Sqrt(v) / sumW, sumW
}

// binner holds the jets of one flavour sorted by pt.
type binner struct {
	jets []Jet
	cal  Calib
	p    Params
}

func newBinner(jets []Jet, cal Calib, p Params) *binner {
	sorted := make([]Jet, len(jets))
	copy(sorted, jets)
	sort.SliceStable(sorted, func(i, k int) bool { return sorted[i].Pt < sorted[k].Pt })
	return &binner{jets: sorted, cal: cal, p: p}
}

// ptSlice returns jets with lo <= pt < hi.
func (b *binner) ptSlice(lo, hi float64) []Jet {
	i := sort.Search(len(b.jets), func(i int) bool { return b.jets[i].Pt >= lo })
	k := sort.Search(len(b.jets), func(i int) bool { return b.jets[i].Pt >= hi })
	return b.jets[i:k]
}

// etaSlices splits jets by |eta| into the configured eta bins. Jets
// outside the last edge are dropped.
func (b *binner) etaSlices(jets []Jet) [][]Jet {
	edges := b.p.EtaBins
	out := make([][]Jet, len(edges)-1)
	for _, j := range jets {
		a := math.Abs(j.Eta)
		for e := 0; e < len(edges)-1; e++ {
			if a >= edges[e] && a < edges[e+1] {
				out[e] = append(out[e], j)
				break
			}
		}
	}
	return out
}

func (b *binner) meets(lo, hi, unc float64) bool {
	for _, slice := range b.etaSlices(b.ptSlice(lo, hi)) {
		if _, u, _ := Efficiency(slice, b.cal); u > unc {
			return false
		}
	}
	return true
}

// edges returns the pt edges for an accepted uncertainty. A trailing bin
// that misses the target is merged into its predecessor.
func (b *binner) edges(unc float64) []float64 {
	edges := []float64{b.p.PtMin}
	lo := b.p.PtMin
	for hi := lo + b.p.StepSize; hi < b.p.PtMax; hi += b.p.StepSize {
		if b.meets(lo, hi, unc) {
			edges = append(edges, hi)
			lo = hi
		}
	}
	if len(edges) > 1 && !b.meets(lo, b.p.PtMax, unc) {
		edges[len(edges)-1] = b.p.PtMax
	} else {
		edges = append(edges, b.p.PtMax)
	}
	return edges
}

func (b *binner) bins(edges []float64) []Bin {
	eta := b.p.EtaBins
	out := make([]Bin, 0, (len(edges)-1)*(len(eta)-1))
	for i := 0; i < len(edges)-1; i++ {
		for e, slice := range b.etaSlices(b.ptSlice(edges[i], edges[i+1])) {
			eff, unc, _ := Efficiency(slice, b.cal)
			if math.IsInf(unc, 1) {
				unc = EmptyUnc
			}
			out = append(out, Bin{
				EtaMin: eta[e],
				EtaMax: eta[e+1],
				PtMin:  edges[i],
				PtMax:  edges[i+1],
				Eff:    eff,
				Unc:    unc,
			})
		}
	}
	return out
}

// Worst returns the largest uncertainty among bins.
func Worst(bins []Bin) float64 {
	w := 0.0
	for _, b := range bins {
		w = math.Max(w, b.Unc)
	}
	return w
}

// Make builds the efficiency map of one dataset. accepted gives the
// starting uncertainty per flavour; the uncertainty actually used is
// returned alongside the map.
func Make(jets []Jet, cal Calib, p Params, accepted Uncertainty) (FlavourMap, Uncertainty, error) {
	if err := p.validate(); err != nil {
		return nil, nil, err
	}

	byFlavour := make(map[string][]Jet, len(Flavours))
	for _, j := range jets {
		f := FlavourOf(j.HadronFlavour)
		byFlavour[f] = append(byFlavour[f], j)
	}

	fm := make(FlavourMap, len(Flavours))
	used := make(Uncertainty, len(Flavours))
	for _, f := range Flavours {
		unc, ok := accepted[f]
		if !ok || unc <= 0 {
			return nil, nil, errors.InvalidConfig("accepted_unc."+f, unc, "must be positive")
		}
		b := newBinner(byFlavour[f], cal, p)
		bins := b.bins(b.edges(unc))
		if p.FindBestUnc {
			for Worst(bins) > unc && unc+p.UncIncrease <= p.UncStop+1e-12 {
				unc += p.UncIncrease
				bins = b.bins(b.edges(unc))
			}
		}
		fm[f] = bins
		used[f] = unc
	}
	return fm, used, nil
}

// FindMaxPt raises ptMax in steps of 10 until, in every dataset, the
// weighted fraction of jets above it is at most threshold.
func FindMaxPt(datasets map[string][]Jet, ptMax, threshold float64) float64 {
	highest := 0.0
	for _, jets := range datasets {
		for _, j := range jets {
			highest = math.Max(highest, j.Pt)
		}
	}
	for ptMax < highest {
		above := false
		for _, jets := range datasets {
			var tot, over float64
			for _, j := range jets {
				tot += j.Weight
				if j.Pt > ptMax {
					over += j.Weight
				}
			}
			if tot > 0 && over/tot > threshold {
				above = true
				break
			}
		}
		if !above {
			break
		}
		ptMax += 10
	}
	return ptMax
}
