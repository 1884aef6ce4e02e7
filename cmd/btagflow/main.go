// btagflow - b-tagging efficiency-map event selection
// Selects Z->ll control-region events, writes the selected jets and
// builds tagging-efficiency maps from them.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/btagflow/btagflow/pkg/config"
	"github.com/btagflow/btagflow/pkg/errors"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// CLI flags
var (
	configFile string
	verbose    bool

	datasetFlag   string
	yearFlag      string
	apvFlag       bool
	regionFlag    string
	inputFile     string
	formatFlag    string
	outputDir     string
	lumiFile      string
	policyFlag    string
	dryRun        bool
	noProgress    bool
	noReport      bool
	uploadURL     string
	otlpEndpoint  string
	sinkFlags     []string
	variationFlag []string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		reportError(os.Stderr, err)
		os.Exit(1)
	}
}

// reportError prints err, with the stack of the outermost coded error
// when verbose.
func reportError(w io.Writer, err error) {
	fmt.Fprintln(w, err)
	var e *errors.Error
	if verbose && stderrors.As(err, &e) && len(e.StackTrace) > 0 {
		fmt.Fprint(w, e.FormatStack())
	}
}

var rootCmd = &cobra.Command{
	Use:   "btagflow",
	Short: "btagflow - control-region selection and b-tagging efficiency maps",
	Long: `btagflow selects Z->ll control-region events, writes one row per
selected jet and builds per-flavour tagging-efficiency maps.

Configuration is read from /etc/btagflow/config.yaml, ~/.btagflow/config.yaml,
./.btagflow.yaml and --config, then BTAGFLOW_* environment variables, then flags.`,
	Version:       fmt.Sprintf("%s (%s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE:  runConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (loaded after the standard locations)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&yearFlag, "year", "", "Data-taking year (e.g., 2018)")
	rootCmd.PersistentFlags().BoolVar(&apvFlag, "apv", false, "2016 pre-VFP (APV) period")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(effmapCmd)
	rootCmd.AddCommand(cutflowCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig loads the layered configuration and applies flags.
func loadConfig(cmd *cobra.Command) (*config.Manager, error) {
	m := config.NewManager()
	if configFile != "" {
		m.SetFile(configFile)
	}
	if err := m.Load(); err != nil {
		return nil, err
	}

	c := m.Get()
	flags := cmd.Flags()
	if flags.Changed("year") {
		c.Dataset.Year = yearFlag
		c.EffMap.Year = yearFlag
	}
	if flags.Changed("apv") {
		c.Dataset.APV = apvFlag
		c.EffMap.APV = apvFlag
	}
	return m, nil
}

func newLogger(prefix string) *log.Logger {
	if !verbose {
		return log.New(io.Discard, "", 0)
	}
	return log.New(os.Stderr, "["+prefix+"] ", log.LstdFlags)
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			fmt.Fprintln(os.Stderr, "\nInterrupted, cleaning up...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func runConfig(cmd *cobra.Command, args []string) error {
	m, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	for _, p := range m.GetPaths() {
		fmt.Fprintf(cmd.ErrOrStderr(), "# loaded %s\n", p)
	}
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
