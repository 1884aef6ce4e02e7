// Package tui renders run results for the terminal.
package tui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/schollz/progressbar/v3"

	"github.com/btagflow/btagflow/pkg/cutflow"
	"github.com/btagflow/btagflow/pkg/effmap"
	"github.com/btagflow/btagflow/pkg/hooks"
)

// Colors (Swiss minimal)
var (
	accent  = lipgloss.Color("#FF0000")
	muted   = lipgloss.Color("#666666")
	success = lipgloss.Color("#00CC66")
	white   = lipgloss.Color("#FFFFFF")
)

// Styles
var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(white)
	accentStyle  = lipgloss.NewStyle().Foreground(accent).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	successStyle = lipgloss.NewStyle().Foreground(success).Bold(true)
	labelStyle   = lipgloss.NewStyle().Width(20)
	numberStyle  = lipgloss.NewStyle().Width(16).Align(lipgloss.Right)
)

const rule = "─────────────────────────────────────────────────────"

// Cutflow renders the cutflow as a table of stage, weight and fraction of
// the first stage.
func Cutflow(title string, s cutflow.Snapshot) string {
	var b strings.Builder
	b.WriteString(accentStyle.Render("▸ CUTFLOW " + title))
	b.WriteString("\n")
	b.WriteString(mutedStyle.Render("  " + rule))
	b.WriteString("\n")
	b.WriteString("  " + labelStyle.Render(mutedStyle.Render("stage")) +
		numberStyle.Render(mutedStyle.Render("weight")) +
		numberStyle.Render(mutedStyle.Render("fraction")))
	b.WriteString("\n")
	for i, e := range s {
		b.WriteString("  " + labelStyle.Render(e.Label) +
			numberStyle.Render(fmt.Sprintf("%.4g", e.Weight)) +
			numberStyle.Render(fmt.Sprintf("%.2f%%", 100*s.Fraction(i))))
		b.WriteString("\n")
	}
	b.WriteString(mutedStyle.Render("  " + rule))
	b.WriteString("\n")
	return b.String()
}

// RunSummary holds the figures printed after a selection run.
type RunSummary struct {
	RunID      string
	Dataset    string
	Region     string
	EventsRead int64
	Accepted   int64
	Records    int64
	Skipped    int64
	Duration   time.Duration
	Outputs    []string
}

// Summary renders the run summary.
func Summary(r RunSummary) string {
	var b strings.Builder
	b.WriteString(successStyle.Render("  ✓ RUN COMPLETE"))
	b.WriteString("\n\n")
	line := func(k, v string) {
		fmt.Fprintf(&b, "  %s %s\n", mutedStyle.Render(k+":"), titleStyle.Render(v))
	}
	line("Run", r.RunID)
	line("Dataset", r.Dataset)
	line("Region", r.Region)
	line("Events", formatNumber(r.EventsRead))
	line("Accepted", formatNumber(r.Accepted))
	line("Jets", formatNumber(r.Records))
	if r.Skipped > 0 {
		line("Skipped", formatNumber(r.Skipped))
	}
	if r.Duration > 0 {
		rate := float64(r.EventsRead) / r.Duration.Seconds()
		fmt.Fprintf(&b, "  %s %s %s\n",
			mutedStyle.Render("Time:"),
			titleStyle.Render(formatDuration(r.Duration)),
			mutedStyle.Render(fmt.Sprintf("(%s events/sec)", formatNumber(int64(rate)))))
	}
	for _, o := range r.Outputs {
		fmt.Fprintf(&b, "  %s %s\n", mutedStyle.Render("→"), o)
	}
	return b.String()
}

// EffMaps renders per-dataset bin counts and worst uncertainty.
func EffMaps(rep *effmap.Report) string {
	var b strings.Builder
	b.WriteString(accentStyle.Render(fmt.Sprintf("▸ EFFICIENCY MAPS %s-%s (pt_max %g)",
		rep.Calib.Algo, rep.Calib.WorkingPoint, rep.PtMax)))
	b.WriteString("\n")
	for _, name := range rep.Datasets {
		fm := rep.Maps[name]
		parts := make([]string, 0, len(effmap.Flavours))
		for _, f := range effmap.Flavours {
			parts = append(parts, fmt.Sprintf("%s %d bins ≤%.3g", f, len(fm[f]), rep.Uncs[name][f]))
		}
		fmt.Fprintf(&b, "  %s %s\n", titleStyle.Render(name), mutedStyle.Render(strings.Join(parts, " · ")))
	}
	fmt.Fprintf(&b, "  %s %s\n", mutedStyle.Render("→"), rep.EffPath)
	fmt.Fprintf(&b, "  %s %s\n", mutedStyle.Render("→"), rep.UncPath)
	return b.String()
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%.1fM", float64(n)/1000000)
}

// Progress drives a progress bar from driver progress updates.
type Progress struct {
	bar  *progressbar.ProgressBar
	last int64
}

// NewProgress creates a bar writing to w. A total of -1 shows a spinner.
func NewProgress(w io.Writer, total int64, description string) *Progress {
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("events"),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "",
			BarEnd:        "",
		}),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	return &Progress{bar: bar}
}

// Hook returns the driver progress callback.
func (p *Progress) Hook() hooks.ProgressHook {
	return func(pr hooks.Progress) {
		if d := pr.EventsRead - p.last; d > 0 {
			p.bar.Add64(d)
			p.last = pr.EventsRead
		}
	}
}

// Read returns the events counted so far.
func (p *Progress) Read() int64 {
	return p.last
}

// Finish completes the bar.
func (p *Progress) Finish() error {
	return p.bar.Finish()
}
