// Package kinematics reconstructs lepton and di-lepton quantities used by
// the region selector.
//
// Every function works on raw leptons when the event carries them and
// leaves the precomputed Derived fields untouched otherwise, so sources
// that only ship the derived quantities are supported as well.
package kinematics

import (
	"math"
	"sort"

	"github.com/btagflow/btagflow/internal/model"
)

// ZMass is the reference Z boson mass in GeV.
const ZMass = 91.1876

// Lepton flavour codes written to Derived.RecoLepID.
const (
	ElectronPair = 11
	MuonPair     = 13
	MixedPair    = 1113
)

// FourVector is a Lorentz vector in cartesian components.
type FourVector struct {
	Px, Py, Pz, E float64
}

// PtEtaPhiM builds a four-vector from collider coordinates.
func PtEtaPhiM(pt, eta, phi, m float64) FourVector {
	px := pt * math.Cos(phi)
	py := pt * math.Sin(phi)
	pz := pt * math.Sinh(eta)
	return FourVector{
		Px: px,
		Py: py,
		Pz: pz,
		E:  math.Sqrt(px*px + py*py + pz*pz + m*m),
	}
}

// Add returns the sum of two four-vectors.
func (v FourVector) Add(o FourVector) FourVector {
	return FourVector{v.Px + o.Px, v.Py + o.Py, v.Pz + o.Pz, v.E + o.E}
}

// Pt returns the transverse momentum.
func (v FourVector) Pt() float64 {
	return math.Hypot(v.Px, v.Py)
}

// M returns the invariant mass. Slightly negative m² from rounding is
// clamped to zero.
func (v FourVector) M() float64 {
	m2 := v.E*v.E - v.Px*v.Px - v.Py*v.Py - v.Pz*v.Pz
	if m2 < 0 {
		return 0
	}
	return math.Sqrt(m2)
}

// DeltaPhi returns phi1-phi2 wrapped into [-pi, pi].
func DeltaPhi(phi1, phi2 float64) float64 {
	d := math.Mod(phi1-phi2, 2*math.Pi)
	if d > math.Pi {
		d -= 2 * math.Pi
	} else if d < -math.Pi {
		d += 2 * math.Pi
	}
	return d
}

// DeltaR returns the angular distance between two directions.
func DeltaR(eta1, phi1, eta2, phi2 float64) float64 {
	return math.Hypot(eta1-eta2, DeltaPhi(phi1, phi2))
}

// leadingPair returns the two highest-pt leptons.
func leadingPair(leps []model.Lepton) (model.Lepton, model.Lepton, bool) {
	if len(leps) < 2 {
		return model.Lepton{}, model.Lepton{}, false
	}
	sorted := make([]model.Lepton, len(leps))
	copy(sorted, leps)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Pt > sorted[j].Pt })
	return sorted[0], sorted[1], true
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// LeptonSelection sets RecoLepID from the two leading raw leptons: the pair
// must have opposite charge; the code records its flavour content.
func LeptonSelection(ev *model.Event) {
	if len(ev.Leptons) == 0 {
		return
	}
	l1, l2, ok := leadingPair(ev.Leptons)
	if !ok || l1.Charge*l2.Charge >= 0 {
		ev.Derived.RecoLepID = 0
		return
	}
	f1, f2 := abs(l1.PdgID), abs(l2.PdgID)
	switch {
	case f1 == 11 && f2 == 11:
		ev.Derived.RecoLepID = ElectronPair
	case f1 == 13 && f2 == 13:
		ev.Derived.RecoLepID = MuonPair
	default:
		ev.Derived.RecoLepID = MixedPair
	}
}

// LeadingAndTrailing fills the leading and trailing lepton pt.
func LeadingAndTrailing(ev *model.Event) {
	l1, l2, ok := leadingPair(ev.Leptons)
	if !ok {
		return
	}
	ev.Derived.LeadingLepPt = l1.Pt
	ev.Derived.TrailingLepPt = l2.Pt
}

// LepLep fills the di-lepton mass deviation from the Z mass, the system pt
// and the angular separation of the leading pair.
func LepLep(ev *model.Event) {
	l1, l2, ok := leadingPair(ev.Leptons)
	if !ok {
		return
	}
	sum := PtEtaPhiM(l1.Pt, l1.Eta, l1.Phi, l1.Mass).Add(PtEtaPhiM(l2.Pt, l2.Eta, l2.Phi, l2.Mass))
	ev.Derived.LepLepDeltaM = math.Abs(sum.M() - ZMass)
	ev.Derived.LepLepPt = sum.Pt()
	ev.Derived.LepLepDeltaR = DeltaR(l1.Eta, l1.Phi, l2.Eta, l2.Phi)
}
