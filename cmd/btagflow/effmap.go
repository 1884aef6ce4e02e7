package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/btagflow/btagflow/pkg/effmap"
	"github.com/btagflow/btagflow/pkg/export"
	"github.com/btagflow/btagflow/pkg/tui"
)

var (
	effInputDir  string
	effAlgo      string
	effWP        string
	effEtaBins   []float64
	effPtMin     float64
	effPtMax     float64
	effPtMaxThr  float64
	effStepSize  float64
	effUncStop   float64
	effUncInc    float64
	effNoBestUnc bool
	effNoPlots   bool
	effWorkers   int
	effReport    string
)

var effmapCmd = &cobra.Command{
	Use:   "effmap",
	Short: "Build b-tagging efficiency maps from selected jets",
	Long: `Build per-flavour b-tagging efficiency maps with adaptive pt binning.

Jets written by 'btagflow run' are read from the input directory, one
dataset per file. Maps and per-dataset accepted uncertainties are written
as JSON, with one plot per dataset.

Examples:
  btagflow effmap --input-dir output --year 2018 --algo deepJet --wp M
  btagflow effmap --input-dir output --year 2016 --apv --wp T --no-plots
  btagflow effmap --input-dir output --not-find-best-unc --report maps.xlsx`,
	RunE: runEffMap,
}

func init() {
	f := effmapCmd.Flags()
	f.StringVar(&effInputDir, "input-dir", "", "Directory with selected jets")
	f.StringVarP(&outputDir, "output-dir", "o", "", "Directory for maps and plots")
	f.StringVar(&effAlgo, "algo", "", "Tagger (deepCSV, deepJet)")
	f.StringVar(&effWP, "wp", "", "Working point (L, M, T)")
	f.Float64SliceVar(&effEtaBins, "eta-bins", nil, "|eta| bin edges")
	f.Float64Var(&effPtMin, "pt-min", 0, "Lowest pt edge")
	f.Float64Var(&effPtMax, "pt-max", 0, "Starting pt_max before the tail search")
	f.Float64Var(&effPtMaxThr, "pt-max-thr", 0, "Weighted jet fraction allowed above pt_max")
	f.Float64Var(&effStepSize, "step-size", 0, "pt bin growth step")
	f.Float64Var(&effUncStop, "unc-stop", 0, "Largest accepted uncertainty in the search")
	f.Float64Var(&effUncInc, "unc-increase", 0, "Accepted uncertainty step in the search")
	f.BoolVar(&effNoBestUnc, "not-find-best-unc", false, "Use the accepted uncertainty as given")
	f.BoolVar(&effNoPlots, "no-plots", false, "Skip the eta-bin plots")
	f.IntVar(&effWorkers, "workers", 0, "Datasets built in parallel")
	f.StringVar(&effReport, "report", "", "Also write the maps to an XLSX workbook")
	f.StringVar(&uploadURL, "upload", "", "Upload maps and plots to s3://bucket/prefix")
}

func applyEffMapFlags(cmd *cobra.Command, c *effmap.Config) error {
	flags := cmd.Flags()
	if effInputDir != "" {
		c.InputDir = effInputDir
	}
	if outputDir != "" {
		c.OutputDir = outputDir
	}
	if effAlgo != "" {
		c.Algo = effAlgo
	}
	if effWP != "" {
		c.WorkingPoint = effWP
	}
	if flags.Changed("eta-bins") {
		c.EtaBins = effEtaBins
	}
	if flags.Changed("pt-min") {
		c.PtMin = effPtMin
	}
	if flags.Changed("pt-max") {
		c.PtMax = effPtMax
	}
	if flags.Changed("pt-max-thr") {
		c.PtMaxThreshold = effPtMaxThr
	}
	if flags.Changed("step-size") {
		c.StepSize = effStepSize
	}
	if flags.Changed("unc-stop") {
		c.UncStop = effUncStop
	}
	if flags.Changed("unc-increase") {
		c.UncIncrease = effUncInc
	}
	if effNoBestUnc {
		c.FindBestUnc = false
	}
	if effNoPlots {
		c.Plots = false
	}
	if effWorkers > 0 {
		c.Workers = effWorkers
	}
	return c.Validate()
}

func runEffMap(cmd *cobra.Command, args []string) error {
	m, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	c := m.Get()
	if err := applyEffMapFlags(cmd, &c.EffMap); err != nil {
		return err
	}
	if uploadURL != "" {
		c.Storage.URL = uploadURL
	}

	ctx, cancel := signalContext()
	defer cancel()

	rep, err := effmap.NewGenerator(c.EffMap, newLogger("effmap")).Run(ctx)
	if err != nil {
		return err
	}

	fmt.Print(tui.EffMaps(rep))

	outputs := append([]string{rep.EffPath, rep.UncPath}, rep.Plots...)
	if effReport != "" {
		path := effReport
		if !filepath.IsAbs(path) && filepath.Dir(path) == "." {
			path = filepath.Join(c.EffMap.OutputDir, path)
		}
		err := export.WriteXLSX(path, export.Report{
			Title: fmt.Sprintf("%s %s %s", rep.Calib.Algo, rep.Calib.WorkingPoint, c.EffMap.Year),
			Summary: [][2]string{
				{"algo", rep.Calib.Algo},
				{"working_point", rep.Calib.WorkingPoint},
				{"threshold", fmt.Sprint(rep.Calib.Threshold)},
				{"year", c.EffMap.Year},
				{"apv", fmt.Sprint(c.EffMap.APV)},
				{"pt_max", fmt.Sprint(rep.PtMax)},
				{"datasets", fmt.Sprint(len(rep.Datasets))},
			},
			Maps: rep.Maps,
		})
		if err != nil {
			return err
		}
		outputs = append(outputs, path)
		fmt.Printf("  report: %s\n", path)
	}

	if c.Storage.Enabled() {
		return upload(ctx, c.Storage, outputs)
	}
	return nil
}
