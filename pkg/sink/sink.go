// Package sink defines the output destinations for projected jet records.
//
// Every sink writes the same fixed column set. The schema is declared once
// at construction, before the first record, and every record carries a
// value for every column.
package sink

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/apache/arrow/go/v14/arrow"

	"github.com/btagflow/btagflow/pkg/errors"
)

// Record is one accepted jet together with its event position.
// Fields map one-to-one, in order, onto Columns.
type Record struct {
	EventPosition int64
	JetID         int32
	HadronFlavour int32
	Pt            float32
	Eta           float32
	BTagDeepB     float32
	BTagDeepFlavB float32
}

// Column describes one output column.
type Column struct {
	Name    string
	Arrow   arrow.DataType
	SQLType string
}

// Columns is the output schema, in order.
var Columns = []Column{
	{Name: "EventPosition", Arrow: arrow.PrimitiveTypes.Int64, SQLType: "BIGINT"},
	{Name: "Jet_jetId", Arrow: arrow.PrimitiveTypes.Int32, SQLType: "INTEGER"},
	{Name: "Jet_hadronFlavour", Arrow: arrow.PrimitiveTypes.Int32, SQLType: "INTEGER"},
	{Name: "Jet_pt", Arrow: arrow.PrimitiveTypes.Float32, SQLType: "FLOAT"},
	{Name: "Jet_eta", Arrow: arrow.PrimitiveTypes.Float32, SQLType: "FLOAT"},
	{Name: "Jet_btagDeepB", Arrow: arrow.PrimitiveTypes.Float32, SQLType: "FLOAT"},
	{Name: "Jet_btagDeepFlavB", Arrow: arrow.PrimitiveTypes.Float32, SQLType: "FLOAT"},
}

// ColumnNames returns the output column names in order.
func ColumnNames() []string {
	names := make([]string, len(Columns))
	for i, c := range Columns {
		names[i] = c.Name
	}
	return names
}

// ArrowSchema returns the Arrow schema of the output, with optional
// key-value metadata.
func ArrowSchema(metadata map[string]string) *arrow.Schema {
	fields := make([]arrow.Field, len(Columns))
	for i, c := range Columns {
		fields[i] = arrow.Field{Name: c.Name, Type: c.Arrow, Nullable: false}
	}
	if len(metadata) == 0 {
		return arrow.NewSchema(fields, nil)
	}
	md := arrow.MetadataFrom(metadata)
	return arrow.NewSchema(fields, &md)
}

// EventInfo describes an accepted event once all its records are filled.
type EventInfo struct {
	Position int64
	Weight   float64
	Records  int
}

// Sink receives projected records.
type Sink interface {
	// Name returns the sink identifier (e.g., "duckdb", "parquet").
	Name() string

	// Fill writes one record.
	Fill(rec Record) error

	// EndEvent marks the end of the records of one accepted event.
	EndEvent(info EventInfo) error

	// Close flushes and closes the sink.
	Close() error

	// RowsWritten returns the number of records accepted so far.
	RowsWritten() int64
}

// Options configures sink construction.
type Options struct {
	// Format selects the backend: "duckdb", "csv", "parquet".
	// Empty infers it from the path extension.
	Format string
	Path   string

	BatchSize   int
	Compression string

	// Metadata is stored alongside the output where the format allows it.
	Metadata map[string]string
}

// FormatFor infers the sink format from a path extension.
func FormatFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet", ".pq":
		return "parquet"
	case ".csv":
		return "csv"
	case ".duckdb", ".db":
		return "duckdb"
	default:
		return ""
	}
}

// Open creates a sink from options.
func Open(opts Options) (Sink, error) {
	format := opts.Format
	if format == "" {
		format = FormatFor(opts.Path)
	}

	switch format {
	case "parquet":
		return NewParquetSink(opts)
	case "duckdb", "csv":
		return NewTableSink(opts)
	default:
		return nil, errors.New(errors.CodeSinkOpen, "unsupported sink format").
			WithContext("format", format).
			WithContext("path", opts.Path)
	}
}

// Multi fans records out to several sinks in order.
type Multi []Sink

// Name implements Sink.
func (m Multi) Name() string {
	names := make([]string, len(m))
	for i, s := range m {
		names[i] = s.Name()
	}
	return fmt.Sprintf("multi(%s)", strings.Join(names, ","))
}

// Fill implements Sink. A failing sink stops the fan-out; the run then
// aborts and every sink drops the open event at Close.
func (m Multi) Fill(rec Record) error {
	for _, s := range m {
		if err := s.Fill(rec); err != nil {
			return errors.SinkWrite(s.Name(), err)
		}
	}
	return nil
}

// EndEvent implements Sink.
func (m Multi) EndEvent(info EventInfo) error {
	for _, s := range m {
		if err := s.EndEvent(info); err != nil {
			return errors.SinkWrite(s.Name(), err)
		}
	}
	return nil
}

// Close closes every sink and reports all failures.
func (m Multi) Close() error {
	var errs errors.MultiError
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs.Add(errors.Wrap(err, errors.CodeSinkClose, "close failed").WithContext("sink", s.Name()))
		}
	}
	return errs.Combined()
}

// RowsWritten returns the count of the first sink.
func (m Multi) RowsWritten() int64 {
	if len(m) == 0 {
		return 0
	}
	return m[0].RowsWritten()
}
