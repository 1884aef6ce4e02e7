// Package hooks provides the per-event systematic and end-of-run extension
// points of a region. Both are empty unless something registers a hook.
package hooks

import (
	"context"
	"sort"
	"sync"

	"github.com/btagflow/btagflow/internal/model"
	"github.com/btagflow/btagflow/pkg/cutflow"
)

// HookManager manages all registered hooks.
type HookManager struct {
	mu sync.RWMutex

	systematicHooks []SystematicHook
	finishHooks     []FinishHook
	errorHooks      []ErrorHook
}

// NewHookManager creates a new hook manager.
func NewHookManager() *HookManager {
	return &HookManager{}
}

// Variation names a systematic variation and the regions it applies to.
type Variation struct {
	Name string `yaml:"name"`
	// Regions restricts the variation. Empty means every region.
	Regions []string `yaml:"regions,omitempty"`
}

// Applies reports whether the variation covers region.
func (v Variation) Applies(region string) bool {
	if len(v.Regions) == 0 {
		return true
	}
	for _, r := range v.Regions {
		if r == region {
			return true
		}
	}
	return false
}

// SystematicHook is called once per accepted event and variation.
// Use cases: filling variation-dependent histograms.
type SystematicHook func(ctx context.Context, info *SystematicInfo) error

// SystematicInfo describes one accepted event under one variation.
type SystematicInfo struct {
	Variation Variation
	Region    string
	Event     *model.Event
	Weight    float64
	Records   int
}

// FinishHook is called once at the end of a run.
// Use cases: summary plots, reporting.
type FinishHook func(ctx context.Context, info *FinishInfo) error

// FinishInfo contains the outcome of a run.
type FinishInfo struct {
	RunID      string
	Region     string
	Dataset    model.Dataset
	Cutflow    cutflow.Snapshot
	EventsRead int64
	Accepted   int64
	Records    int64
	Duration   int64 // nanoseconds
}

// ErrorHook is called when a run fails.
type ErrorHook func(ctx context.Context, err error, phase string) error

// RegisterSystematic adds a systematic hook.
func (m *HookManager) RegisterSystematic(hook SystematicHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.systematicHooks = append(m.systematicHooks, hook)
}

// RegisterFinish adds a finish hook.
func (m *HookManager) RegisterFinish(hook FinishHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finishHooks = append(m.finishHooks, hook)
}

// RegisterError adds an error hook.
func (m *HookManager) RegisterError(hook ErrorHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorHooks = append(m.errorHooks, hook)
}

// HasSystematic reports whether any systematic hook is registered.
func (m *HookManager) HasSystematic() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.systematicHooks) > 0
}

// RunSystematic executes all systematic hooks.
func (m *HookManager) RunSystematic(ctx context.Context, info *SystematicInfo) error {
	m.mu.RLock()
	hooks := m.systematicHooks
	m.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, info); err != nil {
			return err
		}
	}
	return nil
}

// RunFinish executes all finish hooks.
func (m *HookManager) RunFinish(ctx context.Context, info *FinishInfo) error {
	m.mu.RLock()
	hooks := m.finishHooks
	m.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, info); err != nil {
			return err
		}
	}
	return nil
}

// RunError executes all error hooks.
func (m *HookManager) RunError(ctx context.Context, err error, phase string) error {
	m.mu.RLock()
	hooks := m.errorHooks
	m.mu.RUnlock()

	for _, hook := range hooks {
		if hookErr := hook(ctx, err, phase); hookErr != nil {
			return hookErr
		}
	}
	return err
}

// Clear removes all registered hooks.
func (m *HookManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.systematicHooks = nil
	m.finishHooks = nil
	m.errorHooks = nil
}

// --- Built-in hooks ---

// LoggingFinish creates a hook that logs the cutflow of a run.
func LoggingFinish(logger func(format string, args ...interface{})) FinishHook {
	return func(ctx context.Context, info *FinishInfo) error {
		logger("run %s: region %s dataset %s: %d/%d events accepted, %d records",
			info.RunID, info.Region, info.Dataset.Name, info.Accepted, info.EventsRead, info.Records)
		for i, e := range info.Cutflow {
			logger("  %-18s %14.3f %7.2f%%", e.Label, e.Weight, 100*info.Cutflow.Fraction(i))
		}
		return nil
	}
}

// WeightTotals sums accepted-event weights and record counts per
// variation.
type WeightTotals struct {
	mu      sync.Mutex
	weights map[string]float64
	records map[string]int64
}

// NewWeightTotals creates an empty accumulator.
func NewWeightTotals() *WeightTotals {
	return &WeightTotals{
		weights: make(map[string]float64),
		records: make(map[string]int64),
	}
}

// Hook returns the systematic hook that feeds the totals.
func (w *WeightTotals) Hook() SystematicHook {
	return func(ctx context.Context, info *SystematicInfo) error {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.weights[info.Variation.Name] += info.Weight
		w.records[info.Variation.Name] += int64(info.Records)
		return nil
	}
}

// Weight returns the accumulated weight of a variation.
func (w *WeightTotals) Weight(variation string) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.weights[variation]
}

// Records returns the accumulated record count of a variation.
func (w *WeightTotals) Records(variation string) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.records[variation]
}

// Variations returns the variation names seen so far, sorted.
func (w *WeightTotals) Variations() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	names := make([]string, 0, len(w.weights))
	for k := range w.weights {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// --- Progress tracking ---

// Progress contains progress information.
type Progress struct {
	EventsRead     int64
	EventsAccepted int64
	RecordsWritten int64
	StartTime      int64 // Unix nano
}

// ProgressHook is called periodically with progress updates.
type ProgressHook func(progress Progress)

// ProgressTracker tracks and reports progress.
type ProgressTracker struct {
	mu       sync.Mutex
	progress Progress
	hook     ProgressHook
	interval int64 // Report every N events
	counter  int64
}

// NewProgressTracker creates a new progress tracker.
func NewProgressTracker(interval int64, hook ProgressHook) *ProgressTracker {
	if interval <= 0 {
		interval = 1
	}
	return &ProgressTracker{
		interval: interval,
		hook:     hook,
	}
}

// Start records the start time.
func (t *ProgressTracker) Start(unixNano int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress.StartTime = unixNano
}

// AddEvent counts one event and optionally reports progress.
func (t *ProgressTracker) AddEvent(accepted bool, records int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.progress.EventsRead++
	if accepted {
		t.progress.EventsAccepted++
		t.progress.RecordsWritten += int64(records)
	}
	t.counter++

	if t.counter >= t.interval && t.hook != nil {
		t.hook(t.progress)
		t.counter = 0
	}
}

// Flush reports the current progress if anything is unreported.
func (t *ProgressTracker) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.counter > 0 && t.hook != nil {
		t.hook(t.progress)
		t.counter = 0
	}
}
