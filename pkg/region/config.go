package region

import (
	"github.com/btagflow/btagflow/pkg/errors"
)

// Region preset names.
const (
	// Legacy is the original region, with the DY stitching step.
	Legacy = "btaggingEffMaps"
	// Current is the revised region without a dataset-specific step.
	Current = "effMapsV9"
)

// Config holds the selection thresholds of the control region.
type Config struct {
	METCut          float64 `yaml:"MET_CUT"`
	LeadingLepPtCut float64 `yaml:"LEADING_LEP_PT_CUT"`
	LepLepDMCut     float64 `yaml:"LEPLEP_DM_CUT"`
	LepLepPtCut     float64 `yaml:"LEPLEP_PT_CUT"`
	LepLepDRCut     float64 `yaml:"LEPLEP_DR_CUT"`

	// DatasetFilter enables the dataset-specific step. Nil disables it.
	DatasetFilter *DatasetFilterConfig `yaml:"dataset_filter,omitempty"`

	// METFilters must all be set for an event to pass.
	METFilters []string `yaml:"met_filters"`

	// Triggers are OR-ed; an empty list disables the trigger requirement.
	Triggers []string `yaml:"triggers"`

	// ScaleFactors are multiplied into the weight of accepted simulated events.
	ScaleFactors []string `yaml:"scale_factors"`
}

// DatasetFilterConfig configures the inclusive-sample stitching step.
type DatasetFilterConfig struct {
	// Prefix selects the datasets the filter applies to.
	Prefix string `yaml:"prefix"`
	// MaxLHEVpt is the exclusive upper bound on the generator boson pt.
	MaxLHEVpt float64 `yaml:"max_lhe_vpt"`
}

// DefaultMETFilters are the recommended MET filter flags.
var DefaultMETFilters = []string{
	"Flag_goodVertices",
	"Flag_globalSuperTightHalo2016Filter",
	"Flag_HBHENoiseFilter",
	"Flag_HBHENoiseIsoFilter",
	"Flag_EcalDeadCellTriggerPrimitiveFilter",
	"Flag_BadPFMuonFilter",
	"Flag_eeBadScFilter",
}

// Preset returns the thresholds of a named region variant.
func Preset(name string) (Config, error) {
	base := Config{
		METCut:          40,
		LeadingLepPtCut: 40,
		LepLepDMCut:     15,
		LepLepPtCut:     40,
		LepLepDRCut:     3.2,
		METFilters:      append([]string(nil), DefaultMETFilters...),
	}

	switch name {
	case Current:
		return base, nil
	case Legacy:
		base.DatasetFilter = &DatasetFilterConfig{
			Prefix:    "DYJetsToLL_Pt-Inclusive",
			MaxLHEVpt: 50,
		}
		return base, nil
	default:
		return Config{}, errors.New(errors.CodeUnknownRegion, "unknown region").
			WithContext("region", name)
	}
}

// Validate checks the thresholds for obviously broken values.
func (c Config) Validate() error {
	if c.LepLepDMCut <= 0 {
		return errors.InvalidConfig("LEPLEP_DM_CUT", c.LepLepDMCut, "must be positive")
	}
	if c.LepLepDRCut <= 0 {
		return errors.InvalidConfig("LEPLEP_DR_CUT", c.LepLepDRCut, "must be positive")
	}
	if c.DatasetFilter != nil && c.DatasetFilter.Prefix == "" {
		return errors.InvalidConfig("dataset_filter.prefix", "", "must not be empty")
	}
	return nil
}
