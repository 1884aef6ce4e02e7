package effmap

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/btagflow/btagflow/pkg/errors"
)

const plotDPI = 200

// PlotName returns the file name of a dataset's eta-bin plot.
func PlotName(dataset string, cal Calib) string {
	return fmt.Sprintf("%s_effetabin_%s-%s.png", dataset, cal.Algo, cal.WorkingPoint)
}

// etaCurves returns one efficiency-vs-pt_min curve per eta bin.
func etaCurves(bins []Bin) ([]float64, map[float64]plotter.XYs) {
	curves := make(map[float64]plotter.XYs)
	for _, b := range bins {
		curves[b.EtaMin] = append(curves[b.EtaMin], plotter.XY{X: b.PtMin, Y: b.Eff})
	}
	etas := make([]float64, 0, len(curves))
	for eta := range curves {
		etas = append(etas, eta)
	}
	sort.Float64s(etas)
	return etas, curves
}

func flavourPlot(dataset, flavour string, bins []Bin) (*plot.Plot, error) {
	pl := plot.New()
	pl.Title.Text = fmt.Sprintf("%s: %s-jets", dataset, flavour)
	pl.X.Label.Text = "pt"
	pl.Y.Label.Text = "efficiency"
	pl.Legend.Top = true
	pl.Add(plotter.NewGrid())

	etas, curves := etaCurves(bins)
	for i, eta := range etas {
		line, err := plotter.NewLine(curves[eta])
		if err != nil {
			return nil, err
		}
		line.LineStyle.Color = plotutil.Color(i)
		line.LineStyle.Width = vg.Points(1.5)
		pl.Add(line)
		pl.Legend.Add(fmt.Sprintf("eta bin %g", eta), line)
	}
	return pl, nil
}

// PlotEtaBins draws one panel per flavour with the efficiency against
// pt for every eta bin, and writes it as PNG.
func PlotEtaBins(path, dataset string, fm FlavourMap) error {
	row := make([]*plot.Plot, 0, len(Flavours))
	for _, f := range Flavours {
		pl, err := flavourPlot(dataset, f, fm[f])
		if err != nil {
			return errors.Wrap(err, errors.CodeReport, "failed to build plot").
				WithContext("dataset", dataset).
				WithContext("flavour", f)
		}
		row = append(row, pl)
	}

	can := vgimg.PngCanvas{Canvas: vgimg.NewWith(
		vgimg.UseWH(24*vg.Inch, 8*vg.Inch),
		vgimg.UseDPI(plotDPI),
		vgimg.UseBackgroundColor(color.White))}
	dc := draw.New(can)
	tiles := draw.Tiles{Rows: 1, Cols: len(row), PadX: vg.Inch / 4, PadY: vg.Inch / 4}
	canvases := plot.Align([][]*plot.Plot{row}, tiles, dc)
	for i, pl := range row {
		pl.Draw(canvases[0][i])
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, errors.CodeReport, "failed to create plot directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, errors.CodeReport, "failed to create plot").WithContext("path", path)
	}
	if _, err := can.WriteTo(f); err != nil {
		f.Close()
		return errors.Wrap(err, errors.CodeReport, "failed to write plot").WithContext("path", path)
	}
	return f.Close()
}
