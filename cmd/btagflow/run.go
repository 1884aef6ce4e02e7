package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/btagflow/btagflow/pkg/config"
	"github.com/btagflow/btagflow/pkg/errors"
	"github.com/btagflow/btagflow/pkg/export"
	"github.com/btagflow/btagflow/pkg/hooks"
	"github.com/btagflow/btagflow/pkg/jetfilter"
	"github.com/btagflow/btagflow/pkg/lumi"
	"github.com/btagflow/btagflow/pkg/pipeline"
	"github.com/btagflow/btagflow/pkg/region"
	"github.com/btagflow/btagflow/pkg/sink"
	"github.com/btagflow/btagflow/pkg/source"
	"github.com/btagflow/btagflow/pkg/storage/s3"
	"github.com/btagflow/btagflow/pkg/telemetry"
	"github.com/btagflow/btagflow/pkg/tui"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Select control-region events and write the selected jets",
	Long: `Run the control-region selection over one dataset.

Every accepted event has its jets filtered and written to the configured
sinks. The cutflow is printed and saved as JSON, and an XLSX report is
written next to it.

Examples:
  btagflow run -d TTTo2L2Nu -i events.parquet
  btagflow run -d DYJetsToLL_Pt-Inclusive -i events.jsonl --region btaggingEffMaps
  btagflow run -d Data_DoubleMuon_A -i data.parquet --lumi golden.json --year 2018
  cat events.jsonl | btagflow run -d WZ -i - --sink out/WZ.csv`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&datasetFlag, "dataset", "d", "", "Dataset name (Data_* marks collision data)")
	runCmd.Flags().StringVar(&regionFlag, "region", "", "Region preset (effMapsV9, btaggingEffMaps)")
	runCmd.Flags().StringVarP(&inputFile, "input", "i", "", "Input events (use '-' for JSONL on stdin)")
	runCmd.Flags().StringVarP(&formatFlag, "format", "f", "", "Input format (jsonl, parquet) - auto-detected if not specified")
	runCmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "Output directory")
	runCmd.Flags().StringArrayVar(&sinkFlags, "sink", nil, "Output path, repeatable; replaces configured sinks ({dataset} is expanded)")
	runCmd.Flags().StringVar(&lumiFile, "lumi", "", "Golden JSON with certified lumi sections")
	runCmd.Flags().StringVar(&policyFlag, "on-error", "", "Bad input events: strict, skip or quarantine")
	runCmd.Flags().StringArrayVar(&variationFlag, "variation", nil, "Systematic variation name, repeatable")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Select without writing rows")
	runCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Hide the progress bar")
	runCmd.Flags().BoolVar(&noReport, "no-report", false, "Skip the XLSX report")
	runCmd.Flags().StringVar(&uploadURL, "upload", "", "Upload artifacts to s3://bucket/prefix")
	runCmd.Flags().StringVar(&otlpEndpoint, "otlp-endpoint", "", "Export traces to an OTLP gRPC endpoint")
}

// applyRunFlags overrides configuration with run flags.
func applyRunFlags(cmd *cobra.Command, c *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("region") && regionFlag != c.Region {
		cuts, err := region.Preset(regionFlag)
		if err != nil {
			return err
		}
		c.Region = regionFlag
		c.Cuts = cuts
	}
	if datasetFlag != "" {
		c.Dataset.Name = datasetFlag
	}
	if inputFile != "" {
		c.Input.Path = inputFile
	}
	if formatFlag != "" {
		c.Input.Format = formatFlag
	}
	if outputDir != "" {
		c.Output.Dir = outputDir
	}
	if len(sinkFlags) > 0 {
		c.Output.Sinks = nil
		for _, p := range sinkFlags {
			c.Output.Sinks = append(c.Output.Sinks, config.SinkConfig{Path: p})
		}
	}
	if lumiFile != "" {
		c.LumiFile = lumiFile
	}
	if policyFlag != "" {
		p := pipeline.ParseErrorPolicy(policyFlag)
		if p.String() != policyFlag {
			return errors.InvalidConfig("pipeline.error_policy", policyFlag, "must be strict, skip or quarantine")
		}
		c.Pipeline.ErrorPolicy = p
	}
	for _, v := range variationFlag {
		c.Pipeline.Variations = append(c.Pipeline.Variations, hooks.Variation{Name: v})
	}
	if uploadURL != "" {
		c.Storage.URL = uploadURL
	}
	if otlpEndpoint != "" {
		c.Telemetry.Endpoint = otlpEndpoint
	}

	if c.Dataset.Name == "" {
		return errors.InvalidConfig("dataset.name", "", "a dataset name is required (--dataset)")
	}
	if c.Input.Path == "" {
		return errors.InvalidConfig("input.path", "", "an input is required (--input)")
	}
	return c.Validate()
}

func runRun(cmd *cobra.Command, args []string) error {
	m, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	c := m.Get()
	if err := applyRunFlags(cmd, c); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	logger := newLogger("btagflow")
	for _, w := range selectionWarnings(c) {
		fmt.Fprintln(os.Stderr, "warning: "+w)
	}

	shutdown, err := telemetry.NewExporter(c.Telemetry).Init(ctx)
	if err != nil {
		return err
	}
	defer shutdown(context.Background())

	var opts []region.Option
	if c.LumiFile != "" {
		cert, err := lumi.Load(c.LumiFile)
		if err != nil {
			return errors.Wrap(err, errors.CodeCertification, "failed to load certification").
				WithContext("path", c.LumiFile)
		}
		logger.Printf("certification: %d runs, %d lumi sections", len(cert.Runs()), cert.LumiBlocks())
		opts = append(opts, region.WithLumi(cert))
	}

	ds := c.DatasetInfo()
	sel := region.New(c.Cuts, ds, region.NewCutflow(), opts...)
	filter := jetfilter.New(c.Jets)

	src, err := source.Open(c.Input.Path, source.Options{Format: c.Input.Format, BatchSize: c.Input.BatchSize})
	if err != nil {
		return err
	}
	defer src.Close()

	runID := uuid.NewString()
	metadata := map[string]string{
		"btagflow.run_id":  runID,
		"btagflow.dataset": ds.Name,
		"btagflow.region":  c.Region,
		"btagflow.year":    ds.Year,
		"btagflow.version": version,
	}

	out, outputs, err := openSinks(c, metadata)
	if err != nil {
		return err
	}

	handler, closeQuarantine, err := errorHandler(c, logger)
	if err != nil {
		out.Close()
		return err
	}
	defer closeQuarantine()

	hm := hooks.NewHookManager()
	hm.RegisterFinish(hooks.LoggingFinish(logger.Printf))
	hm.RegisterError(func(ctx context.Context, err error, phase string) error {
		telemetry.SetAttributes(ctx, map[string]interface{}{"run.failed_phase": phase})
		logger.Printf("%s failed (%s): %v", phase, errors.GetCode(err), err)
		return nil
	})
	totals := hooks.NewWeightTotals()
	hm.RegisterSystematic(totals.Hook())

	driverOpts := []pipeline.Option{
		pipeline.WithHooks(hm),
		pipeline.WithLogger(logger),
		pipeline.WithErrorHandler(handler),
		pipeline.WithRunID(runID),
	}
	var bar *tui.Progress
	if !noProgress {
		bar = tui.NewProgress(os.Stderr, -1, "selecting "+ds.Name)
		driverOpts = append(driverOpts, pipeline.WithProgress(bar.Hook()))
	}

	drv := pipeline.NewDriver(c.DriverConfig(), sel, filter, out, driverOpts...)
	res, err := drv.Run(ctx, src)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}

	cutflowPath := c.Resolve(c.Output.Cutflow)
	if cutflowPath != "" {
		if err := os.MkdirAll(filepath.Dir(cutflowPath), 0755); err != nil {
			return err
		}
		if err := res.Cutflow.Save(cutflowPath); err != nil {
			return errors.Wrap(err, errors.CodeReport, "failed to save cutflow").WithContext("path", cutflowPath)
		}
		outputs = append(outputs, cutflowPath)
	}

	if !noReport && c.Output.Report != "" {
		reportPath := c.Resolve(c.Output.Report)
		summary := [][2]string{
			{"run_id", res.RunID},
			{"dataset", ds.Name},
			{"region", c.Region},
			{"year", ds.Year},
			{"events_read", fmt.Sprint(res.EventsRead)},
			{"events_accepted", fmt.Sprint(res.Accepted)},
			{"jets_written", fmt.Sprint(res.Records)},
			{"events_skipped", fmt.Sprint(res.Skipped)},
			{"duration", res.Duration.String()},
		}
		for _, v := range totals.Variations() {
			summary = append(summary, [2]string{"weight_" + v, fmt.Sprint(totals.Weight(v))})
		}
		if err := export.WriteXLSX(reportPath, export.Report{Title: ds.Name, Summary: summary, Cutflow: res.Cutflow}); err != nil {
			return err
		}
		outputs = append(outputs, reportPath)
	}

	fmt.Println()
	fmt.Print(tui.Cutflow(ds.Name, res.Cutflow))
	fmt.Println()
	fmt.Print(tui.Summary(tui.RunSummary{
		RunID:      res.RunID,
		Dataset:    ds.Name,
		Region:     c.Region,
		EventsRead: res.EventsRead,
		Accepted:   res.Accepted,
		Records:    res.Records,
		Skipped:    res.Skipped,
		Duration:   res.Duration,
		Outputs:    outputs,
	}))

	if c.Storage.Enabled() {
		return upload(ctx, c.Storage, outputs)
	}
	return nil
}

// selectionWarnings lists configured stages that accept every event.
func selectionWarnings(c *config.Config) []string {
	var warnings []string
	if len(c.Cuts.Triggers) == 0 {
		warnings = append(warnings, "no trigger paths configured, the trigger stage accepts every event")
	}
	if c.DatasetInfo().IsData() && c.LumiFile == "" {
		warnings = append(warnings, "no certification file (--lumi), every lumi section of "+c.Dataset.Name+" is accepted")
	}
	return warnings
}

// openSinks opens the configured sinks and returns the files they will
// write. A dry run keeps rows in memory.
func openSinks(c *config.Config, metadata map[string]string) (sink.Sink, []string, error) {
	if dryRun {
		return sink.NewMemory(), nil, nil
	}

	var (
		sinks sink.Multi
		files []string
	)
	for _, opts := range c.SinkOptions(metadata) {
		if opts.Path != "-" {
			if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
				sinks.Close()
				return nil, nil, errors.Wrap(err, errors.CodeSinkOpen, "failed to create output directory")
			}
		}
		s, err := sink.Open(opts)
		if err != nil {
			sinks.Close()
			return nil, nil, err
		}
		sinks = append(sinks, s)
		if opts.Path == "-" {
			continue
		}
		files = append(files, opts.Path)
		format := opts.Format
		if format == "" {
			format = sink.FormatFor(opts.Path)
		}
		if _, ok := s.(*sink.TableSink); ok && format != "duckdb" {
			files = append(files, sink.EventsPath(opts.Path))
		}
	}
	if len(sinks) == 1 {
		return sinks[0], files, nil
	}
	return sinks, files, nil
}

func errorHandler(c *config.Config, logger *log.Logger) (*pipeline.ErrorHandler, func(), error) {
	h := pipeline.NewErrorHandler(c.Pipeline.ErrorPolicy).
		WithMaxErrors(c.Pipeline.MaxErrors).
		WithOnSkip(func(rec pipeline.ErrorRecord) {
			logger.Printf("skipped event %d: %s", rec.Sequence, rec.Message)
		})

	if c.Pipeline.ErrorPolicy != pipeline.ErrorPolicyQuarantine {
		return h, func() {}, nil
	}
	path := c.Pipeline.QuarantinePath
	if path == "" {
		path = config.DatasetPlaceholder + "_quarantine.jsonl"
	}
	path = c.Resolve(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.CodeSinkOpen, "failed to create quarantine file").
			WithContext("path", path)
	}
	return h.WithQuarantine(f), func() { f.Close() }, nil
}

func upload(ctx context.Context, cfg s3.Config, files []string) error {
	client, err := s3.NewClient(ctx, cfg)
	if err != nil {
		return err
	}
	urls, err := client.UploadAll(ctx, files)
	for _, u := range urls {
		fmt.Printf("  ↑ %s\n", u)
	}
	if err != nil {
		return err
	}
	return nil
}
