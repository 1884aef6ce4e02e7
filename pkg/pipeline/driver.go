// Package pipeline drives events from a source through the region
// selector and the jet filter into a sink.
package pipeline

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/btagflow/btagflow/internal/model"
	"github.com/btagflow/btagflow/pkg/cutflow"
	"github.com/btagflow/btagflow/pkg/errors"
	"github.com/btagflow/btagflow/pkg/hooks"
	"github.com/btagflow/btagflow/pkg/jetfilter"
	"github.com/btagflow/btagflow/pkg/region"
	"github.com/btagflow/btagflow/pkg/sink"
	"github.com/btagflow/btagflow/pkg/source"
	"github.com/btagflow/btagflow/pkg/telemetry"
)

// Nominal is the variation passed to systematic hooks when none are
// configured.
var Nominal = hooks.Variation{Name: "nominal"}

// Config holds driver configuration.
type Config struct {
	// Region names the selector for hooks and reports.
	Region string

	// Variations are the systematic variations handed to systematic hooks.
	Variations []hooks.Variation

	// ReadAhead is the number of decoded events buffered ahead of processing.
	ReadAhead int

	// ProgressInterval reports progress every N events.
	ProgressInterval int64

	ErrorPolicy ErrorPolicy
	MaxErrors   int64
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Region:           region.Current,
		ReadAhead:        256,
		ProgressInterval: 10000,
		ErrorPolicy:      ErrorPolicyStrict,
	}
}

// Result summarizes a run.
type Result struct {
	RunID      string
	EventsRead int64
	Accepted   int64
	Records    int64
	Skipped    int64
	Cutflow    cutflow.Snapshot
	Duration   time.Duration
}

// Throughput returns events per second.
func (r Result) Throughput() float64 {
	if r.Duration == 0 {
		return 0
	}
	return float64(r.EventsRead) / r.Duration.Seconds()
}

// Driver runs one region over one event stream.
type Driver struct {
	cfg      Config
	selector *region.Selector
	filter   *jetfilter.Filter
	sink     sink.Sink
	hooks    *hooks.HookManager
	errors   *ErrorHandler
	progress hooks.ProgressHook
	logger   *log.Logger
	tracer   trace.Tracer
	runID    string
}

// Option configures a Driver.
type Option func(*Driver)

// WithHooks sets the hook manager.
func WithHooks(m *hooks.HookManager) Option {
	return func(d *Driver) { d.hooks = m }
}

// WithProgress sets the progress callback.
func WithProgress(fn hooks.ProgressHook) Option {
	return func(d *Driver) { d.progress = fn }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

// WithTracer sets the tracer. The default is the global btagflow tracer.
func WithTracer(t trace.Tracer) Option {
	return func(d *Driver) { d.tracer = t }
}

// WithErrorHandler replaces the handler built from the config policy.
func WithErrorHandler(h *ErrorHandler) Option {
	return func(d *Driver) { d.errors = h }
}

// WithRunID fixes the run identifier instead of generating one.
func WithRunID(id string) Option {
	return func(d *Driver) { d.runID = id }
}

// NewDriver creates a driver. The sink is closed at the end of Run.
func NewDriver(cfg Config, sel *region.Selector, f *jetfilter.Filter, s sink.Sink, opts ...Option) *Driver {
	if cfg.ReadAhead < 0 {
		cfg.ReadAhead = 0
	}
	d := &Driver{
		cfg:      cfg,
		selector: sel,
		filter:   f,
		sink:     s,
		hooks:    hooks.NewHookManager(),
		logger:   log.New(io.Discard, "", 0),
		tracer:   telemetry.Tracer(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.errors == nil {
		d.errors = NewErrorHandler(cfg.ErrorPolicy).WithMaxErrors(cfg.MaxErrors)
	}
	if d.runID == "" {
		d.runID = uuid.NewString()
	}
	return d
}

// RunID returns the run identifier.
func (d *Driver) RunID() string {
	return d.runID
}

// Run reads src to the end. A reader goroutine decodes events ahead while
// a single processing goroutine evaluates them strictly in input order.
func (d *Driver) Run(ctx context.Context, src source.Source) (*Result, error) {
	ds := d.selector.Dataset()
	ctx, span := d.tracer.Start(ctx, "btagflow.run", trace.WithAttributes(
		attribute.String("run.id", d.runID),
		attribute.String("region", d.cfg.Region),
		attribute.String("dataset", ds.Name),
		attribute.String("source", src.Name()),
		attribute.String("sink", d.sink.Name()),
	))
	defer span.End()

	start := time.Now()
	res := &Result{RunID: d.runID}
	tracker := hooks.NewProgressTracker(d.cfg.ProgressInterval, d.progress)
	tracker.Start(start.UnixNano())

	d.logger.Printf("run %s: region %s, dataset %s, source %s, sink %s",
		d.runID, d.cfg.Region, ds.Name, src.Name(), d.sink.Name())

	events := make(chan *model.Event, d.cfg.ReadAhead)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(events)
		var reads int64
		for {
			ev, err := src.Next(gctx)
			reads++
			if err == io.EOF {
				return nil
			}
			if err != nil {
				if gctx.Err() != nil {
					return errors.ContextCanceled("read", gctx.Err())
				}
				rec := ErrorRecord{Sequence: reads, Source: src.Name()}
				if herr := d.errors.Handle(rec, err); herr != nil {
					return herr
				}
				continue
			}
			select {
			case events <- ev:
			case <-gctx.Done():
				return errors.ContextCanceled("read", gctx.Err())
			}
		}
	})

	g.Go(func() error {
		for ev := range events {
			if err := gctx.Err(); err != nil {
				return errors.ContextCanceled("process", err)
			}
			if err := d.process(gctx, ev, res, tracker); err != nil {
				return err
			}
		}
		return nil
	})

	err := g.Wait()
	tracker.Flush()

	res.Duration = time.Since(start)
	res.Cutflow = d.selector.Cutflow().Snapshot()
	res.Skipped = d.errors.Stats().SkippedCount

	if err == nil {
		err = d.hooks.RunFinish(ctx, &hooks.FinishInfo{
			RunID:      d.runID,
			Region:     d.cfg.Region,
			Dataset:    ds,
			Cutflow:    res.Cutflow,
			EventsRead: res.EventsRead,
			Accepted:   res.Accepted,
			Records:    res.Records,
			Duration:   res.Duration.Nanoseconds(),
		})
		if err != nil {
			err = errors.Wrap(err, errors.CodeHook, "finish hook failed")
		}
	}

	if closeErr := d.sink.Close(); closeErr != nil && err == nil {
		err = errors.Wrap(closeErr, errors.CodeSinkClose, "failed to close sink").
			WithContext("sink", d.sink.Name())
	}

	span.SetAttributes(
		attribute.Int64("events.read", res.EventsRead),
		attribute.Int64("events.accepted", res.Accepted),
		attribute.Int64("records.written", res.Records),
		attribute.Int64("events.skipped", res.Skipped),
	)

	if err != nil {
		telemetry.RecordError(ctx, err)
		err = d.hooks.RunError(ctx, err, "run")
		d.logger.Printf("run %s failed after %d events: %v", d.runID, res.EventsRead, err)
		return res, err
	}

	d.logger.Printf("run %s: %d/%d events accepted, %d records in %s",
		d.runID, res.Accepted, res.EventsRead, res.Records, res.Duration.Round(time.Millisecond))
	return res, nil
}

// process handles one event: selection, projection, event commit and
// systematic hooks, in that order.
func (d *Driver) process(ctx context.Context, ev *model.Event, res *Result, tracker *hooks.ProgressTracker) error {
	res.EventsRead++

	if !d.selector.Evaluate(ev) {
		tracker.AddEvent(false, 0)
		return nil
	}

	n, err := d.filter.Project(ev, d.sink)
	if err != nil {
		return errors.Wrap(err, errors.CodeSinkWrite, "projection failed").
			WithContext("event", ev.Position)
	}
	if err := d.sink.EndEvent(sink.EventInfo{Position: ev.Position, Weight: ev.Weight, Records: n}); err != nil {
		return errors.Wrap(err, errors.CodeSinkWrite, "event commit failed").
			WithContext("event", ev.Position)
	}

	res.Accepted++
	res.Records += int64(n)
	tracker.AddEvent(true, n)

	if !d.hooks.HasSystematic() {
		return nil
	}
	variations := d.cfg.Variations
	if len(variations) == 0 {
		variations = []hooks.Variation{Nominal}
	}
	for _, v := range variations {
		if !v.Applies(d.cfg.Region) {
			continue
		}
		info := &hooks.SystematicInfo{
			Variation: v,
			Region:    d.cfg.Region,
			Event:     ev,
			Weight:    ev.Weight,
			Records:   n,
		}
		if err := d.hooks.RunSystematic(ctx, info); err != nil {
			return errors.Wrap(err, errors.CodeHook, "systematic hook failed").
				WithContext("variation", v.Name).
				WithContext("event", ev.Position)
		}
	}
	return nil
}
