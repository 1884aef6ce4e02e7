package effmap

import (
	"github.com/btagflow/btagflow/pkg/errors"
)

// Config controls map generation.
type Config struct {
	InputDir  string `yaml:"input_dir"`
	OutputDir string `yaml:"output_dir"`

	Year         string `yaml:"year"`
	APV          bool   `yaml:"apv"`
	Algo         string `yaml:"algo"`
	WorkingPoint string `yaml:"working_point"`

	EtaBins  []float64 `yaml:"eta_bins"`
	PtMin    float64   `yaml:"pt_min"`
	PtMax    float64   `yaml:"pt_max"`
	StepSize float64   `yaml:"step_size"`

	// PtMaxThreshold is the weighted fraction of jets allowed above PtMax.
	PtMaxThreshold float64 `yaml:"pt_max_threshold"`

	DefaultUnc  Uncertainty `yaml:"default_unc"`
	FindBestUnc bool        `yaml:"find_best_unc"`
	UncStop     float64     `yaml:"unc_stop"`
	UncIncrease float64     `yaml:"unc_increase"`

	Groups  []Group `yaml:"groups"`
	Plots   bool    `yaml:"plots"`
	Workers int     `yaml:"workers"`
}

// DefaultConfig returns the standard map settings.
func DefaultConfig() Config {
	return Config{
		InputDir:       "output",
		OutputDir:      "effmaps",
		Year:           "2018",
		Algo:           DeepJet,
		WorkingPoint:   Medium,
		EtaBins:        []float64{0, 0.8, 1.6, 2.5},
		PtMin:          20,
		PtMax:          1000,
		StepSize:       10,
		PtMaxThreshold: 0.001,
		DefaultUnc:     Uncertainty{FlavourB: 0.001, FlavourC: 0.001, FlavourUDSG: 0.001},
		FindBestUnc:    true,
		UncStop:        0.05,
		UncIncrease:    0.001,
		Groups:         DefaultGroups(),
		Plots:          true,
		Workers:        4,
	}
}

// Params returns the binning parameters.
func (c Config) Params() Params {
	return Params{
		EtaBins:     c.EtaBins,
		PtMin:       c.PtMin,
		PtMax:       c.PtMax,
		StepSize:    c.StepSize,
		FindBestUnc: c.FindBestUnc,
		UncStop:     c.UncStop,
		UncIncrease: c.UncIncrease,
	}
}

// Validate checks the settings.
func (c Config) Validate() error {
	if err := c.Params().validate(); err != nil {
		return err
	}
	if _, err := CalibFor(c.Year, c.APV, c.Algo, c.WorkingPoint); err != nil {
		return err
	}
	if c.PtMaxThreshold < 0 || c.PtMaxThreshold > 1 {
		return errors.InvalidConfig("pt_max_threshold", c.PtMaxThreshold, "must be within [0, 1]")
	}
	for _, f := range Flavours {
		if c.DefaultUnc[f] <= 0 {
			return errors.InvalidConfig("default_unc."+f, c.DefaultUnc[f], "must be positive")
		}
	}
	return nil
}
