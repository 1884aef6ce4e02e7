package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/btagflow/btagflow/pkg/cutflow"
	"github.com/btagflow/btagflow/pkg/export"
	"github.com/btagflow/btagflow/pkg/tui"
)

var cutflowXLSX string

var cutflowCmd = &cobra.Command{
	Use:   "cutflow <file.json>...",
	Short: "Print saved cutflows",
	Long: `Print cutflows saved by 'btagflow run'.

Examples:
  btagflow cutflow output/TTTo2L2Nu_cutflow.json
  btagflow cutflow output/*_cutflow.json --xlsx cutflows.xlsx`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCutflow,
}

func init() {
	cutflowCmd.Flags().StringVar(&cutflowXLSX, "xlsx", "", "Write the first cutflow to an XLSX workbook")
}

func runCutflow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	var first *cutflow.Snapshot
	for _, path := range args {
		s, err := cutflow.Load(path)
		if err != nil {
			return err
		}
		if first == nil {
			first = &s
		}
		fmt.Fprint(out, tui.Cutflow(cutflowTitle(path), s))
		fmt.Fprintln(out)
	}

	if cutflowXLSX == "" {
		return nil
	}
	return export.WriteXLSX(cutflowXLSX, export.Report{
		Title:   cutflowTitle(args[0]),
		Summary: [][2]string{{"source", args[0]}},
		Cutflow: *first,
	})
}

// cutflowTitle derives the dataset name from a cutflow file name.
func cutflowTitle(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return strings.TrimSuffix(name, "_cutflow")
}
