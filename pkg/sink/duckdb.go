package sink

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/btagflow/btagflow/pkg/errors"
)

// Table names used by the tabular sink.
const (
	JetsTable   = "jets"
	EventsTable = "events"
)

// TableSink writes records into a DuckDB table.
//
// For the "duckdb" format the database file is the output. For "csv" and
// "parquet" an in-memory database is exported with COPY at Close. Records
// of one event share a transaction that commits in EndEvent, so an event
// is stored completely or not at all.
type TableSink struct {
	opts   Options
	format string
	db     *sql.DB

	insertJet   *sql.Stmt
	insertEvent *sql.Stmt
	tx          *sql.Tx
	txJet       *sql.Stmt

	mu               sync.Mutex
	pending          int64
	totalRowsWritten int64
	events           int64
	closed           bool
}

// NewTableSink creates the tables and prepares the insert statements.
func NewTableSink(opts Options) (*TableSink, error) {
	format := opts.Format
	if format == "" {
		format = FormatFor(opts.Path)
	}
	if format == "" {
		format = "duckdb"
	}

	dsn := ""
	if format == "duckdb" {
		dsn = opts.Path
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeSinkOpen, "failed to open duckdb").
			WithContext("path", opts.Path)
	}

	if _, err := db.Exec(jetsDDL()); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.CodeSinkOpen, "failed to create jets table")
	}
	if _, err := db.Exec(eventsDDL); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.CodeSinkOpen, "failed to create events table")
	}

	insertJet, err := db.Prepare(jetsInsert())
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.CodeSinkOpen, "failed to prepare jet insert")
	}
	insertEvent, err := db.Prepare(fmt.Sprintf(
		"INSERT INTO %s (EventPosition, evtWeight, nJets) VALUES (?, ?, ?)", EventsTable))
	if err != nil {
		insertJet.Close()
		db.Close()
		return nil, errors.Wrap(err, errors.CodeSinkOpen, "failed to prepare event insert")
	}

	return &TableSink{
		opts:        opts,
		format:      format,
		db:          db,
		insertJet:   insertJet,
		insertEvent: insertEvent,
	}, nil
}

func jetsDDL() string {
	defs := make([]string, len(Columns))
	for i, c := range Columns {
		defs[i] = fmt.Sprintf("%s %s NOT NULL", c.Name, c.SQLType)
	}
	return fmt.Sprintf("CREATE OR REPLACE TABLE %s (%s)", JetsTable, strings.Join(defs, ", "))
}

func jetsInsert() string {
	marks := make([]string, len(Columns))
	for i := range marks {
		marks[i] = "?"
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		JetsTable, strings.Join(ColumnNames(), ", "), strings.Join(marks, ", "))
}

var eventsDDL = fmt.Sprintf(`
	CREATE OR REPLACE TABLE %s (
		EventPosition BIGINT NOT NULL,
		evtWeight DOUBLE NOT NULL,
		nJets INTEGER NOT NULL
	)
`, EventsTable)

// Name returns the sink name.
func (s *TableSink) Name() string {
	return s.format
}

func (s *TableSink) begin() error {
	if s.tx != nil {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return errors.SinkWrite(s.Name(), fmt.Errorf("failed to begin transaction: %w", err))
	}
	s.tx = tx
	s.txJet = tx.Stmt(s.insertJet)
	return nil
}

// Fill inserts one record inside the current event's transaction.
func (s *TableSink) Fill(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New(errors.CodeSinkWrite, "sink is closed").WithContext("sink", s.Name())
	}
	if err := s.begin(); err != nil {
		return err
	}

	_, err := s.txJet.Exec(
		rec.EventPosition,
		rec.JetID,
		rec.HadronFlavour,
		rec.Pt,
		rec.Eta,
		rec.BTagDeepB,
		rec.BTagDeepFlavB,
	)
	if err != nil {
		s.rollback()
		return errors.SinkWrite(s.Name(), fmt.Errorf("failed to insert jet: %w", err))
	}
	s.pending++
	return nil
}

// EndEvent records the event row and commits the event's transaction.
func (s *TableSink) EndEvent(info EventInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New(errors.CodeSinkWrite, "sink is closed").WithContext("sink", s.Name())
	}
	if err := s.begin(); err != nil {
		return err
	}

	if _, err := s.tx.Stmt(s.insertEvent).Exec(info.Position, info.Weight, info.Records); err != nil {
		s.rollback()
		return errors.SinkWrite(s.Name(), fmt.Errorf("failed to insert event: %w", err))
	}
	if err := s.tx.Commit(); err != nil {
		s.tx, s.txJet = nil, nil
		s.pending = 0
		return errors.SinkWrite(s.Name(), fmt.Errorf("failed to commit transaction: %w", err))
	}

	s.tx, s.txJet = nil, nil
	s.totalRowsWritten += s.pending
	s.pending = 0
	s.events++
	return nil
}

func (s *TableSink) rollback() {
	if s.tx != nil {
		s.tx.Rollback()
	}
	s.tx, s.txJet = nil, nil
	s.pending = 0
}

// Close drops any incomplete event, exports file formats and closes the
// database.
func (s *TableSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.rollback()

	var exportErr error
	switch s.format {
	case "csv":
		exportErr = s.export("FORMAT CSV, HEADER")
	case "parquet":
		exportErr = s.export(fmt.Sprintf("FORMAT PARQUET, COMPRESSION '%s'", duckCompression(s.opts.Compression)))
	}

	s.insertJet.Close()
	s.insertEvent.Close()
	if err := s.db.Close(); err != nil && exportErr == nil {
		exportErr = errors.Wrap(err, errors.CodeSinkClose, "failed to close duckdb")
	}
	return exportErr
}

func (s *TableSink) export(options string) error {
	targets := []struct{ table, path string }{
		{JetsTable, s.opts.Path},
		{EventsTable, EventsPath(s.opts.Path)},
	}
	for _, t := range targets {
		query := fmt.Sprintf("COPY %s TO '%s' (%s)", t.table, QuoteSQL(t.path), options)
		if _, err := s.db.Exec(query); err != nil {
			return errors.Wrap(err, errors.CodeSinkClose, "failed to export table").
				WithContext("table", t.table).
				WithContext("path", t.path)
		}
	}
	return nil
}

// RowsWritten returns the number of committed records.
func (s *TableSink) RowsWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalRowsWritten
}

// Events returns the number of committed events.
func (s *TableSink) Events() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events
}

// EventsPath returns the sidecar path holding the per-event table of an
// exported jets file: "out.csv" becomes "out_events.csv".
func EventsPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "_events" + ext
}

func duckCompression(name string) string {
	switch name {
	case "gzip", "zstd", "snappy":
		return name
	case "none", "":
		return "uncompressed"
	default:
		return "snappy"
	}
}

// QuoteSQL escapes s for use inside a single-quoted SQL literal.
func QuoteSQL(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
