// Package export writes run reports as XLSX workbooks.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/btagflow/btagflow/pkg/cutflow"
	"github.com/btagflow/btagflow/pkg/effmap"
	"github.com/btagflow/btagflow/pkg/errors"
)

// Sheet names.
const (
	SummarySheet = "Summary"
	CutflowSheet = "Cutflow"
)

// maxSheetName is the Excel limit on sheet name length.
const maxSheetName = 31

// Report is the content of one workbook. Empty parts are skipped.
type Report struct {
	Title   string
	Summary [][2]string
	Cutflow cutflow.Snapshot
	Maps    effmap.EffMaps
}

// WriteXLSX writes the report to path.
func WriteXLSX(path string, r Report) error {
	f := excelize.NewFile()
	defer f.Close()

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return errors.Wrap(err, errors.CodeReport, "failed to create style")
	}

	first := true
	sheet := func(name string) error {
		if first {
			first = false
			return f.SetSheetName(f.GetSheetName(0), name)
		}
		_, err := f.NewSheet(name)
		return err
	}

	if err := sheet(SummarySheet); err != nil {
		return errors.Wrap(err, errors.CodeReport, "failed to create sheet")
	}
	if err := writeSummary(f, bold, r); err != nil {
		return err
	}

	if len(r.Cutflow) > 0 {
		if err := sheet(CutflowSheet); err != nil {
			return errors.Wrap(err, errors.CodeReport, "failed to create sheet")
		}
		if err := writeCutflow(f, bold, r.Cutflow); err != nil {
			return err
		}
	}

	names := make([]string, 0, len(r.Maps))
	for name := range r.Maps {
		names = append(names, name)
	}
	sort.Strings(names)
	used := map[string]bool{SummarySheet: true, CutflowSheet: true}
	for _, name := range names {
		sn := SheetName(name, used)
		if err := sheet(sn); err != nil {
			return errors.Wrap(err, errors.CodeReport, "failed to create sheet").WithContext("dataset", name)
		}
		if err := writeMap(f, bold, sn, r.Maps[name]); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, errors.CodeReport, "failed to create report directory")
	}
	if err := f.SaveAs(path); err != nil {
		return errors.Wrap(err, errors.CodeReport, "failed to save report").WithContext("path", path)
	}
	return nil
}

func writeSummary(f *excelize.File, bold int, r Report) error {
	row := 1
	if r.Title != "" {
		if err := f.SetCellValue(SummarySheet, "A1", r.Title); err != nil {
			return errors.Wrap(err, errors.CodeReport, "failed to write summary")
		}
		f.SetCellStyle(SummarySheet, "A1", "A1", bold)
		row = 3
	}
	for _, kv := range r.Summary {
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(SummarySheet, cell, &[]interface{}{kv[0], kv[1]}); err != nil {
			return errors.Wrap(err, errors.CodeReport, "failed to write summary")
		}
		row++
	}
	f.SetColWidth(SummarySheet, "A", "A", 24)
	f.SetColWidth(SummarySheet, "B", "B", 48)
	return nil
}

func writeCutflow(f *excelize.File, bold int, s cutflow.Snapshot) error {
	if err := f.SetSheetRow(CutflowSheet, "A1", &[]interface{}{"stage", "weight", "fraction"}); err != nil {
		return errors.Wrap(err, errors.CodeReport, "failed to write cutflow")
	}
	f.SetCellStyle(CutflowSheet, "A1", "C1", bold)
	for i, e := range s {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(CutflowSheet, cell, &[]interface{}{e.Label, e.Weight, s.Fraction(i)}); err != nil {
			return errors.Wrap(err, errors.CodeReport, "failed to write cutflow")
		}
	}
	f.SetColWidth(CutflowSheet, "A", "A", 20)
	f.SetColWidth(CutflowSheet, "B", "C", 14)
	return nil
}

func writeMap(f *excelize.File, bold int, sheet string, fm effmap.FlavourMap) error {
	header := []interface{}{"flavour", "eta_min", "eta_max", "pt_min", "pt_max", "eff", "unc"}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return errors.Wrap(err, errors.CodeReport, "failed to write map")
	}
	f.SetCellStyle(sheet, "A1", "G1", bold)
	row := 2
	for _, flv := range effmap.Flavours {
		for _, b := range fm[flv] {
			cell, _ := excelize.CoordinatesToCellName(1, row)
			vals := []interface{}{flv, b.EtaMin, b.EtaMax, b.PtMin, b.PtMax, b.Eff, b.Unc}
			if err := f.SetSheetRow(sheet, cell, &vals); err != nil {
				return errors.Wrap(err, errors.CodeReport, "failed to write map")
			}
			row++
		}
	}
	return nil
}

// SheetName returns a valid, unused sheet name for a dataset and marks it
// used.
func SheetName(dataset string, used map[string]bool) string {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ':', '\\', '/', '?', '*', '[', ']':
			return '_'
		}
		return r
	}, dataset)
	if clean == "" {
		clean = "dataset"
	}
	if len(clean) > maxSheetName {
		clean = clean[:maxSheetName]
	}
	name := clean
	for i := 2; used[name]; i++ {
		suffix := fmt.Sprintf("~%d", i)
		base := clean
		if len(base)+len(suffix) > maxSheetName {
			base = base[:maxSheetName-len(suffix)]
		}
		name = base + suffix
	}
	used[name] = true
	return name
}
