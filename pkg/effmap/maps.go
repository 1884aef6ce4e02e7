package effmap

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btagflow/btagflow/pkg/errors"
)

// EffMaps holds the efficiency map of each dataset.
type EffMaps map[string]FlavourMap

// UncMaps holds the uncertainty used for each dataset.
type UncMaps map[string]Uncertainty

// pyBool renders booleans the way existing map consumers name files.
func pyBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

// EffMapName returns the efficiency map file name.
func EffMapName(algo, wp, year string, apv bool) string {
	return fmt.Sprintf("btageffmap-%s-%s-%s-%s.json", algo, wp, year, pyBool(apv))
}

// UncMapName returns the uncertainty map file name.
func UncMapName(algo, wp, year string, apv bool) string {
	return fmt.Sprintf("btaguncmap-%s-%s-%s-%s.json", algo, wp, year, pyBool(apv))
}

// PlotDir returns the directory holding the plots of a year.
func PlotDir(out, year string, apv bool) string {
	if apv {
		return filepath.Join(out, "APV_"+year)
	}
	return filepath.Join(out, year)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Save writes the map as indented JSON.
func (m EffMaps) Save(path string) error {
	if err := writeJSON(path, m); err != nil {
		return errors.Wrap(err, errors.CodeReport, "failed to write efficiency map").
			WithContext("path", path)
	}
	return nil
}

// Save writes the map as indented JSON.
func (m UncMaps) Save(path string) error {
	if err := writeJSON(path, m); err != nil {
		return errors.Wrap(err, errors.CodeReport, "failed to write uncertainty map").
			WithContext("path", path)
	}
	return nil
}

// LoadEffMaps reads an efficiency map file.
func LoadEffMaps(path string) (EffMaps, error) {
	var m EffMaps
	if err := readJSON(path, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadUncMaps reads an uncertainty map file. A missing file yields nil
// without error.
func LoadUncMaps(path string) (UncMaps, error) {
	if !fileExists(path) {
		return nil, nil
	}
	var m UncMaps
	if err := readJSON(path, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, errors.CodeConfigNotFound, "failed to read map").
			WithContext("path", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, errors.CodeConfigInvalid, "failed to parse map").
			WithContext("path", path)
	}
	return nil
}
