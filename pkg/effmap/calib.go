package effmap

import (
	"strings"

	"github.com/btagflow/btagflow/pkg/errors"
)

// Tagging algorithms.
const (
	DeepCSV = "DeepCSV"
	DeepJet = "DeepJet"
)

// Working points.
const (
	Loose  = "loose"
	Medium = "medium"
	Tight  = "tight"
)

// Calib is a tagging working point: a jet is tagged when its
// discriminant exceeds Threshold.
type Calib struct {
	Algo         string
	WorkingPoint string
	Column       string
	Threshold    float64
}

// Tagged reports whether j passes the working point.
func (c Calib) Tagged(j Jet) bool {
	return c.discriminant(j) > c.Threshold
}

func (c Calib) discriminant(j Jet) float64 {
	if c.Algo == DeepCSV {
		return j.DeepB
	}
	return j.DeepFlavB
}

type wpKey struct {
	year string
	apv  bool
	algo string
}

// thresholds holds loose, medium and tight cuts.
var thresholds = map[wpKey][3]float64{
	{"2018", false, DeepJet}: {0.0490, 0.2783, 0.7100},
	{"2018", false, DeepCSV}: {0.1208, 0.4168, 0.7665},
	{"2017", false, DeepJet}: {0.0532, 0.3040, 0.7476},
	{"2017", false, DeepCSV}: {0.1355, 0.4506, 0.7738},
	{"2016", true, DeepJet}:  {0.0508, 0.2598, 0.6502},
	{"2016", true, DeepCSV}:  {0.2027, 0.6001, 0.8819},
	{"2016", false, DeepJet}: {0.0480, 0.2489, 0.6377},
	{"2016", false, DeepCSV}: {0.1918, 0.5847, 0.8767},
}

// NormalizeAlgo maps common spellings onto DeepCSV or DeepJet.
func NormalizeAlgo(algo string) string {
	switch strings.ToLower(algo) {
	case "deepcsv", "deepb", "csv":
		return DeepCSV
	case "deepjet", "deepflavb", "deepflavour", "deepflavor":
		return DeepJet
	default:
		return algo
	}
}

// NormalizeWorkingPoint maps L/M/T and full names onto the constants.
func NormalizeWorkingPoint(wp string) string {
	switch strings.ToLower(wp) {
	case "l", "loose":
		return Loose
	case "m", "medium":
		return Medium
	case "t", "tight":
		return Tight
	default:
		return wp
	}
}

// CalibFor returns the working point of algo for a data-taking year.
// Years may be given as "2018" or "18".
func CalibFor(year string, apv bool, algo, wp string) (Calib, error) {
	if len(year) == 2 {
		year = "20" + year
	}
	algo = NormalizeAlgo(algo)
	wp = NormalizeWorkingPoint(wp)

	ts, ok := thresholds[wpKey{year, apv && year == "2016", algo}]
	if !ok {
		return Calib{}, errors.New(errors.CodeUnknownAlgo, "no working points for algorithm and year").
			WithContext("algo", algo).
			WithContext("year", year).
			WithContext("apv", apv)
	}

	c := Calib{Algo: algo, WorkingPoint: wp, Column: "Jet_btagDeepFlavB"}
	if algo == DeepCSV {
		c.Column = "Jet_btagDeepB"
	}
	switch wp {
	case Loose:
		c.Threshold = ts[0]
	case Medium:
		c.Threshold = ts[1]
	case Tight:
		c.Threshold = ts[2]
	default:
		return Calib{}, errors.New(errors.CodeUnknownAlgo, "unknown working point").
			WithContext("working_point", wp)
	}
	return c, nil
}
