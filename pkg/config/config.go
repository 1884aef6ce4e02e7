// Package config provides hierarchical configuration management.
// Priority: defaults < system < user < project < explicit file < env < flags
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/btagflow/btagflow/internal/model"
	"github.com/btagflow/btagflow/pkg/effmap"
	"github.com/btagflow/btagflow/pkg/errors"
	"github.com/btagflow/btagflow/pkg/hooks"
	"github.com/btagflow/btagflow/pkg/jetfilter"
	"github.com/btagflow/btagflow/pkg/pipeline"
	"github.com/btagflow/btagflow/pkg/region"
	"github.com/btagflow/btagflow/pkg/sink"
	"github.com/btagflow/btagflow/pkg/storage/s3"
	"github.com/btagflow/btagflow/pkg/telemetry"
)

// DatasetPlaceholder is replaced by the dataset name in output paths.
const DatasetPlaceholder = "{dataset}"

// Config holds all btagflow configuration.
type Config struct {
	Version int `yaml:"version"`

	// Region selects the threshold preset applied before file overrides.
	Region string `yaml:"region"`

	Dataset  DatasetConfig    `yaml:"dataset"`
	Input    InputConfig      `yaml:"input"`
	Cuts     region.Config    `yaml:"cuts"`
	Jets     jetfilter.Config `yaml:"jets"`
	LumiFile string           `yaml:"lumi_file"`

	Output    OutputConfig     `yaml:"output"`
	Pipeline  PipelineConfig   `yaml:"pipeline"`
	EffMap    effmap.Config    `yaml:"effmap"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Storage   s3.Config        `yaml:"storage"`
}

// DatasetConfig identifies the processed sample.
type DatasetConfig struct {
	Name string `yaml:"name"`
	Year string `yaml:"year"`
	APV  bool   `yaml:"apv"`
}

// InputConfig controls the event source.
type InputConfig struct {
	Path      string `yaml:"path"`
	Format    string `yaml:"format"` // jsonl | parquet, empty infers from extension
	BatchSize int    `yaml:"batch_size"`
}

// SinkConfig is one output of the selected rows.
type SinkConfig struct {
	Path        string `yaml:"path"`
	Format      string `yaml:"format"` // parquet | duckdb | csv
	BatchSize   int    `yaml:"batch_size"`
	Compression string `yaml:"compression"` // snappy | zstd | gzip | lz4 | none
}

// OutputConfig controls where run artifacts go. Relative paths are
// resolved against Dir.
type OutputConfig struct {
	Dir     string       `yaml:"dir"`
	Sinks   []SinkConfig `yaml:"sinks"`
	Cutflow string       `yaml:"cutflow"`
	Report  string       `yaml:"report"`
}

// PipelineConfig controls the driver.
type PipelineConfig struct {
	ReadAhead        int                  `yaml:"read_ahead"`
	ProgressInterval int64                `yaml:"progress_interval"`
	ErrorPolicy      pipeline.ErrorPolicy `yaml:"error_policy"`
	MaxErrors        int64                `yaml:"max_errors"`
	QuarantinePath   string               `yaml:"quarantine_path"`
	Variations       []hooks.Variation    `yaml:"variations"`
}

// Default returns the default configuration.
func Default() *Config {
	cuts, _ := region.Preset(region.Current)
	drv := pipeline.DefaultConfig()

	return &Config{
		Version: 1,
		Region:  region.Current,
		Dataset: DatasetConfig{
			Year: "2018",
		},
		Input: InputConfig{
			BatchSize: 8192,
		},
		Cuts: cuts,
		Jets: jetfilter.DefaultConfig(),
		Output: OutputConfig{
			Dir: "output",
			Sinks: []SinkConfig{
				{Path: DatasetPlaceholder + ".parquet", Compression: "snappy", BatchSize: 8192},
				{Path: DatasetPlaceholder + ".duckdb"},
			},
			Cutflow: DatasetPlaceholder + "_cutflow.json",
			Report:  DatasetPlaceholder + "_report.xlsx",
		},
		Pipeline: PipelineConfig{
			ReadAhead:        drv.ReadAhead,
			ProgressInterval: drv.ProgressInterval,
			ErrorPolicy:      drv.ErrorPolicy,
		},
		EffMap:    effmap.DefaultConfig(),
		Telemetry: telemetry.DefaultConfig(),
		Storage:   s3.DefaultConfig(),
	}
}

// Validate checks the configuration for obviously broken values.
func (c *Config) Validate() error {
	if err := c.Cuts.Validate(); err != nil {
		return err
	}
	if err := c.Jets.Validate(); err != nil {
		return err
	}
	for i, s := range c.Output.Sinks {
		format := s.Format
		if format == "" {
			format = sink.FormatFor(s.Path)
		}
		switch format {
		case "parquet", "duckdb", "csv":
		default:
			return errors.InvalidConfig(fmt.Sprintf("output.sinks[%d]", i), s.Path, "unknown sink format")
		}
	}
	if c.Pipeline.ReadAhead < 0 {
		return errors.InvalidConfig("pipeline.read_ahead", c.Pipeline.ReadAhead, "must not be negative")
	}
	if c.Storage.Enabled() {
		if _, _, err := s3.ParseURL(c.Storage.URL); err != nil {
			return err
		}
	}
	return nil
}

// DatasetInfo returns the dataset the run processes.
func (c *Config) DatasetInfo() model.Dataset {
	return model.Dataset{Name: c.Dataset.Name, Year: c.Dataset.Year, APV: c.Dataset.APV}
}

// Resolve expands the dataset placeholder and joins relative paths
// with the output directory.
func (c *Config) Resolve(tmpl string) string {
	if tmpl == "" || tmpl == "-" {
		return tmpl
	}
	p := strings.ReplaceAll(tmpl, DatasetPlaceholder, c.Dataset.Name)
	if filepath.IsAbs(p) || c.Output.Dir == "" {
		return p
	}
	return filepath.Join(c.Output.Dir, p)
}

// SinkOptions returns the resolved sink options of the run.
func (c *Config) SinkOptions(metadata map[string]string) []sink.Options {
	out := make([]sink.Options, 0, len(c.Output.Sinks))
	for _, s := range c.Output.Sinks {
		out = append(out, sink.Options{
			Format:      s.Format,
			Path:        c.Resolve(s.Path),
			BatchSize:   s.BatchSize,
			Compression: s.Compression,
			Metadata:    metadata,
		})
	}
	return out
}

// DriverConfig returns the pipeline driver settings.
func (c *Config) DriverConfig() pipeline.Config {
	return pipeline.Config{
		Region:           c.Region,
		Variations:       c.Pipeline.Variations,
		ReadAhead:        c.Pipeline.ReadAhead,
		ProgressInterval: c.Pipeline.ProgressInterval,
		ErrorPolicy:      c.Pipeline.ErrorPolicy,
		MaxErrors:        c.Pipeline.MaxErrors,
	}
}

// Manager handles configuration loading and merging.
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	paths    []string // Paths that were loaded
	search   []string
	explicit string
}

// NewManager creates a new configuration manager.
func NewManager() *Manager {
	return &Manager{
		config: Default(),
	}
}

// SetFile adds an explicit config file, loaded after the search paths.
// Unlike search paths it must exist.
func (m *Manager) SetFile(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.explicit = path
}

// SetSearchPaths replaces the system, user and project paths.
func (m *Manager) SetSearchPaths(paths []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.search = paths
}

// Load loads configuration from all sources in priority order.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.config = Default()
	m.paths = nil

	for _, path := range m.getConfigPaths() {
		if err := m.loadFile(path); err != nil {
			// Ignore missing files, but fail on broken ones
			if !os.IsNotExist(err) {
				return err
			}
		} else {
			m.paths = append(m.paths, path)
		}
	}

	if m.explicit != "" {
		if err := m.loadFile(m.explicit); err != nil {
			if os.IsNotExist(err) {
				return errors.Wrap(err, errors.CodeConfigNotFound, "config file not found").
					WithContext("path", m.explicit)
			}
			return err
		}
		m.paths = append(m.paths, m.explicit)
	}

	if err := m.loadEnv(); err != nil {
		return err
	}

	return m.config.Validate()
}

// getConfigPaths returns config file paths in priority order.
func (m *Manager) getConfigPaths() []string {
	if m.search != nil {
		return m.search
	}

	var paths []string

	// System config
	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/btagflow/config.yaml")
	}

	// User config
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".btagflow", "config.yaml"))
	}

	// Project config (current directory)
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".btagflow.yaml"))
	}

	return paths
}

// loadFile loads a single config file over the current values. A region
// switch resets the cuts to that preset before the file's own cuts apply.
func (m *Manager) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return err
	}
	if err != nil {
		return errors.Wrap(err, errors.CodeConfigNotFound, "failed to read config").
			WithContext("path", path)
	}

	var head struct {
		Region string `yaml:"region"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return errors.Wrap(err, errors.CodeConfigInvalid, "failed to parse config").
			WithContext("path", path)
	}
	if head.Region != "" && head.Region != m.config.Region {
		if err := m.applyRegion(head.Region); err != nil {
			return err
		}
	}

	if err := yaml.Unmarshal(data, m.config); err != nil {
		return errors.Wrap(err, errors.CodeConfigInvalid, "failed to parse config").
			WithContext("path", path)
	}
	return nil
}

func (m *Manager) applyRegion(name string) error {
	cuts, err := region.Preset(name)
	if err != nil {
		return err
	}
	m.config.Region = name
	m.config.Cuts = cuts
	return nil
}

// loadEnv loads configuration from environment variables.
func (m *Manager) loadEnv() error {
	c := m.config

	if v := os.Getenv("BTAGFLOW_REGION"); v != "" && v != c.Region {
		if err := m.applyRegion(v); err != nil {
			return err
		}
	}
	if v := os.Getenv("BTAGFLOW_DATASET"); v != "" {
		c.Dataset.Name = v
	}
	if v := os.Getenv("BTAGFLOW_YEAR"); v != "" {
		c.Dataset.Year = v
		c.EffMap.Year = v
	}
	if v := os.Getenv("BTAGFLOW_APV"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.InvalidConfig("BTAGFLOW_APV", v, "must be a boolean")
		}
		c.Dataset.APV = b
		c.EffMap.APV = b
	}
	if v := os.Getenv("BTAGFLOW_INPUT"); v != "" {
		c.Input.Path = v
	}
	if v := os.Getenv("BTAGFLOW_OUTPUT_DIR"); v != "" {
		c.Output.Dir = v
	}
	if v := os.Getenv("BTAGFLOW_LUMI_FILE"); v != "" {
		c.LumiFile = v
	}
	if v := os.Getenv("BTAGFLOW_ERROR_POLICY"); v != "" {
		c.Pipeline.ErrorPolicy = pipeline.ParseErrorPolicy(v)
	}
	if v := os.Getenv("BTAGFLOW_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("BTAGFLOW_S3_URL"); v != "" {
		c.Storage.URL = v
	}

	floats := []struct {
		env string
		dst *float64
	}{
		{"BTAGFLOW_MET_CUT", &c.Cuts.METCut},
		{"BTAGFLOW_LEADING_LEP_PT_CUT", &c.Cuts.LeadingLepPtCut},
		{"BTAGFLOW_LEPLEP_DM_CUT", &c.Cuts.LepLepDMCut},
		{"BTAGFLOW_LEPLEP_PT_CUT", &c.Cuts.LepLepPtCut},
		{"BTAGFLOW_LEPLEP_DR_CUT", &c.Cuts.LepLepDRCut},
	}
	for _, f := range floats {
		if v := os.Getenv(f.env); v != "" {
			x, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return errors.InvalidConfig(f.env, v, "must be a number")
			}
			*f.dst = x
		}
	}

	if v := os.Getenv("BTAGFLOW_JET_PT_CUT"); v != "" {
		var x float32
		if _, err := fmt.Sscanf(v, "%g", &x); err != nil {
			return errors.InvalidConfig("BTAGFLOW_JET_PT_CUT", v, "must be a number")
		}
		c.Jets.JetPtCut = x
	}
	if v := os.Getenv("BTAGFLOW_JET_ETA_CUT"); v != "" {
		var x float32
		if _, err := fmt.Sscanf(v, "%g", &x); err != nil {
			return errors.InvalidConfig("BTAGFLOW_JET_ETA_CUT", v, "must be a number")
		}
		c.Jets.JetEtaCut = x
	}
	if v := os.Getenv("BTAGFLOW_JET_ID_WP"); v != "" {
		var x int32
		if _, err := fmt.Sscanf(v, "%d", &x); err != nil {
			return errors.InvalidConfig("BTAGFLOW_JET_ID_WP", v, "must be an integer")
		}
		c.Jets.JetIDWP = x
	}
	return nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetPaths returns the paths that were loaded.
func (m *Manager) GetPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paths
}

// Marshal renders the current configuration as YAML.
func (m *Manager) Marshal() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return yaml.Marshal(m.config)
}

// Save writes the current config to path.
func (m *Manager) Save(path string) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
