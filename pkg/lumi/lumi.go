// Package lumi implements the luminosity-section certification oracle.
//
// Certified run/luminosity-block ranges are read from the usual "golden
// JSON" layout and stored as one roaring bitmap of lumi blocks per run.
package lumi

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/RoaringBitmap/roaring"

	"github.com/btagflow/btagflow/internal/model"
)

// Oracle decides whether a run/lumi-block pair is certified for a dataset.
type Oracle interface {
	IsCertified(dataset string, run, lumiBlock uint32) bool
}

// AllowAll certifies every lumi section.
type AllowAll struct{}

// IsCertified implements Oracle.
func (AllowAll) IsCertified(string, uint32, uint32) bool { return true }

// Certification holds the certified lumi sections of each run.
type Certification struct {
	runs map[uint32]*roaring.Bitmap
}

// New creates an empty certification.
func New() *Certification {
	return &Certification{runs: make(map[uint32]*roaring.Bitmap)}
}

// Load reads a golden JSON file.
func Load(path string) (*Certification, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open certification %s: %w", path, err)
	}
	defer f.Close()

	c, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse reads golden JSON: {"<run>": [[first, last], ...], ...}.
// Ranges are inclusive on both ends.
func Parse(r io.Reader) (*Certification, error) {
	var raw map[string][][]uint32
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode certification: %w", err)
	}

	c := New()
	for key, ranges := range raw {
		run, err := strconv.ParseUint(key, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid run number %q: %w", key, err)
		}
		for _, rg := range ranges {
			if len(rg) != 2 || rg[0] > rg[1] {
				return nil, fmt.Errorf("run %s: invalid lumi range %v", key, rg)
			}
			c.AddRange(uint32(run), rg[0], rg[1])
		}
	}
	return c, nil
}

// AddRange certifies lumi blocks first..last of a run.
func (c *Certification) AddRange(run, first, last uint32) {
	bm, ok := c.runs[run]
	if !ok {
		bm = roaring.New()
		c.runs[run] = bm
	}
	bm.AddRange(uint64(first), uint64(last)+1)
}

// IsCertified implements Oracle. Simulated datasets are always certified.
func (c *Certification) IsCertified(dataset string, run, lumiBlock uint32) bool {
	if !(model.Dataset{Name: dataset}).IsData() {
		return true
	}
	bm, ok := c.runs[run]
	if !ok {
		return false
	}
	return bm.Contains(lumiBlock)
}

// Runs returns the certified run numbers in ascending order.
func (c *Certification) Runs() []uint32 {
	out := make([]uint32, 0, len(c.runs))
	for r := range c.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// LumiBlocks returns the number of certified lumi blocks.
func (c *Certification) LumiBlocks() uint64 {
	var n uint64
	for _, bm := range c.runs {
		n += bm.GetCardinality()
	}
	return n
}
