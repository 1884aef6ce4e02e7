package effmap

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/btagflow/btagflow/pkg/errors"
)

// BuildAll makes the map of every dataset concurrently. accepted holds
// per-dataset starting uncertainties; datasets missing from it start at
// fallback.
func BuildAll(ctx context.Context, datasets map[string][]Jet, cal Calib, p Params,
	accepted UncMaps, fallback Uncertainty, workers int) (EffMaps, UncMaps, error) {

	if workers <= 0 {
		workers = 1
	}

	var mu sync.Mutex
	effs := make(EffMaps, len(datasets))
	uncs := make(UncMaps, len(datasets))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, name := range sortedNames(datasets) {
		name := name
		jets := datasets[name]
		start := fallback
		if u, ok := accepted[name]; ok {
			start = merged(fallback, u)
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return errors.ContextCanceled("effmap", err)
			}
			fm, used, err := Make(jets, cal, p, start)
			if err != nil {
				return errors.Wrap(err, errors.CodeNoData, "failed to build map").
					WithContext("dataset", name)
			}
			mu.Lock()
			effs[name] = fm
			uncs[name] = used
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return effs, uncs, nil
}

func merged(base, over Uncertainty) Uncertainty {
	out := make(Uncertainty, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}

// Report summarizes one generation run.
type Report struct {
	Datasets []string
	PtMax    float64
	Calib    Calib
	EffPath  string
	UncPath  string
	Plots    []string
	Maps     EffMaps
	Uncs     UncMaps
}

// Generator runs the map-making chain: load, group, pt_max search, map
// building, JSON output and plots.
type Generator struct {
	cfg    Config
	logger *log.Logger
}

// NewGenerator creates a generator. A nil logger discards output.
func NewGenerator(cfg Config, logger *log.Logger) *Generator {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Generator{cfg: cfg, logger: logger}
}

// Run reads emitted rows from the input directory.
func (g *Generator) Run(ctx context.Context) (*Report, error) {
	inputs, err := Discover(g.cfg.InputDir)
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, errors.New(errors.CodeNoData, "no emitted rows found").
			WithContext("dir", g.cfg.InputDir)
	}

	loader, err := NewLoader()
	if err != nil {
		return nil, err
	}
	defer loader.Close()

	g.logger.Printf("reading %d inputs from %s", len(inputs), g.cfg.InputDir)
	datasets, err := loader.LoadAll(ctx, inputs)
	if err != nil {
		return nil, err
	}
	return g.Build(ctx, datasets)
}

// Build makes and writes the maps of already loaded datasets.
func (g *Generator) Build(ctx context.Context, datasets map[string][]Jet) (*Report, error) {
	cfg := g.cfg
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cal, err := CalibFor(cfg.Year, cfg.APV, cfg.Algo, cfg.WorkingPoint)
	if err != nil {
		return nil, err
	}

	ApplyGroups(datasets, cfg.Groups)
	if len(datasets) == 0 {
		return nil, errors.New(errors.CodeNoData, "no datasets left after grouping")
	}

	p := cfg.Params()
	p.PtMax = FindMaxPt(datasets, cfg.PtMax, cfg.PtMaxThreshold)
	g.logger.Printf("chosen pt_max = %g", p.PtMax)

	rep := &Report{
		Datasets: sortedNames(datasets),
		PtMax:    p.PtMax,
		Calib:    cal,
		EffPath:  filepath.Join(cfg.OutputDir, EffMapName(cal.Algo, cal.WorkingPoint, cfg.Year, cfg.APV)),
		UncPath:  filepath.Join(cfg.OutputDir, UncMapName(cal.Algo, cal.WorkingPoint, cfg.Year, cfg.APV)),
	}

	accepted, err := LoadUncMaps(rep.UncPath)
	if err != nil {
		return nil, err
	}
	if accepted != nil {
		g.logger.Printf("reusing uncertainty map %s", rep.UncPath)
	}

	g.logger.Printf("making efficiency maps (%d datasets)", len(datasets))
	effs, uncs, err := BuildAll(ctx, datasets, cal, p, accepted, cfg.DefaultUnc, cfg.Workers)
	if err != nil {
		return nil, err
	}
	rep.Maps, rep.Uncs = effs, uncs

	if err := effs.Save(rep.EffPath); err != nil {
		return nil, err
	}
	if err := uncs.Save(rep.UncPath); err != nil {
		return nil, err
	}

	if cfg.Plots {
		dir := PlotDir(cfg.OutputDir, cfg.Year, cfg.APV)
		for _, name := range rep.Datasets {
			path := filepath.Join(dir, PlotName(name, cal))
			if err := PlotEtaBins(path, name, effs[name]); err != nil {
				return nil, err
			}
			rep.Plots = append(rep.Plots, path)
		}
		sort.Strings(rep.Plots)
	}
	return rep, nil
}
