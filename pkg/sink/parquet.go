package sink

import (
	"fmt"
	"io"
	"os"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	"github.com/btagflow/btagflow/pkg/errors"
)

// ParquetSink buffers records in typed Arrow columns and writes them as
// Parquet record batches. Batches are cut only at event boundaries, so
// the records of one event always land in the same batch.
type ParquetSink struct {
	opts   Options
	output io.Writer
	file   *os.File // Only set if we opened the file

	allocator memory.Allocator
	schema    *arrow.Schema
	writer    *pqarrow.FileWriter

	positionBuilder  *array.Int64Builder
	jetIDBuilder     *array.Int32Builder
	flavourBuilder   *array.Int32Builder
	ptBuilder        *array.Float32Builder
	etaBuilder       *array.Float32Builder
	deepBBuilder     *array.Float32Builder
	deepFlavBBuilder *array.Float32Builder

	batchSize int
	rowCount  int
	// committed is rowCount at the last EndEvent.
	committed        int
	totalRowsWritten int64
	batches          int
	closed           bool
}

// NewParquetSink creates a Parquet sink writing to opts.Path ("-" for stdout).
func NewParquetSink(opts Options) (*ParquetSink, error) {
	var output io.Writer
	var file *os.File
	var err error

	if opts.Path == "-" {
		output = os.Stdout
	} else {
		file, err = os.Create(opts.Path)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeSinkOpen, "failed to create output file").
				WithContext("path", opts.Path)
		}
		output = file
	}

	return newParquetSink(opts, output, file)
}

// NewParquetSinkWithWriter creates a Parquet sink on a caller-owned writer.
func NewParquetSinkWithWriter(opts Options, w io.Writer) (*ParquetSink, error) {
	return newParquetSink(opts, w, nil)
}

func newParquetSink(opts Options, output io.Writer, file *os.File) (*ParquetSink, error) {
	allocator := memory.NewGoAllocator()
	schema := ArrowSchema(opts.Metadata)

	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(mapCompression(opts.Compression)),
		parquet.WithDictionaryDefault(false),
		parquet.WithDataPageSize(1024*1024),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(
		pqarrow.WithStoreSchema(),
	)

	writer, err := pqarrow.NewFileWriter(schema, output, writerProps, arrowProps)
	if err != nil {
		if file != nil {
			file.Close()
		}
		return nil, errors.Wrap(err, errors.CodeSinkOpen, "failed to create parquet writer")
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 8192
	}

	s := &ParquetSink{
		opts:             opts,
		output:           output,
		file:             file,
		allocator:        allocator,
		schema:           schema,
		writer:           writer,
		positionBuilder:  array.NewInt64Builder(allocator),
		jetIDBuilder:     array.NewInt32Builder(allocator),
		flavourBuilder:   array.NewInt32Builder(allocator),
		ptBuilder:        array.NewFloat32Builder(allocator),
		etaBuilder:       array.NewFloat32Builder(allocator),
		deepBBuilder:     array.NewFloat32Builder(allocator),
		deepFlavBBuilder: array.NewFloat32Builder(allocator),
		batchSize:        batchSize,
	}
	s.reserve()
	return s, nil
}

func (s *ParquetSink) reserve() {
	s.positionBuilder.Reserve(s.batchSize)
	s.jetIDBuilder.Reserve(s.batchSize)
	s.flavourBuilder.Reserve(s.batchSize)
	s.ptBuilder.Reserve(s.batchSize)
	s.etaBuilder.Reserve(s.batchSize)
	s.deepBBuilder.Reserve(s.batchSize)
	s.deepFlavBBuilder.Reserve(s.batchSize)
}

// Name returns the sink name.
func (s *ParquetSink) Name() string {
	return "parquet"
}

// Fill appends one record to every column builder.
func (s *ParquetSink) Fill(rec Record) error {
	if s.closed {
		return errors.New(errors.CodeSinkWrite, "sink is closed").WithContext("sink", s.Name())
	}
	s.positionBuilder.Append(rec.EventPosition)
	s.jetIDBuilder.Append(rec.JetID)
	s.flavourBuilder.Append(rec.HadronFlavour)
	s.ptBuilder.Append(rec.Pt)
	s.etaBuilder.Append(rec.Eta)
	s.deepBBuilder.Append(rec.BTagDeepB)
	s.deepFlavBBuilder.Append(rec.BTagDeepFlavB)
	s.rowCount++
	return nil
}

// EndEvent flushes a record batch once enough rows are buffered.
func (s *ParquetSink) EndEvent(EventInfo) error {
	s.committed = s.rowCount
	if s.rowCount >= s.batchSize {
		return s.flushBatch()
	}
	return nil
}

// flushBatch writes the rows of ended events as one record batch and
// discards the rest.
func (s *ParquetSink) flushBatch() error {
	if s.rowCount == 0 {
		return nil
	}
	rows := s.committed

	cols := []arrow.Array{
		s.positionBuilder.NewArray(),
		s.jetIDBuilder.NewArray(),
		s.flavourBuilder.NewArray(),
		s.ptBuilder.NewArray(),
		s.etaBuilder.NewArray(),
		s.deepBBuilder.NewArray(),
		s.deepFlavBBuilder.NewArray(),
	}
	if rows < s.rowCount {
		for i, c := range cols {
			cols[i] = array.NewSlice(c, 0, int64(rows))
			c.Release()
		}
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	s.rowCount, s.committed = 0, 0
	if rows == 0 {
		s.reserve()
		return nil
	}

	batch := array.NewRecord(s.schema, cols, int64(rows))
	defer batch.Release()

	if err := s.writer.Write(batch); err != nil {
		return errors.SinkWrite(s.Name(), fmt.Errorf("failed to write batch: %w", err))
	}

	s.totalRowsWritten += int64(rows)
	s.batches++
	s.reserve()
	return nil
}

// Close flushes the rows of ended events and closes the file. Rows of an
// event that was never ended are dropped.
func (s *ParquetSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	flushErr := s.flushBatch()

	if err := s.writer.Close(); err != nil && flushErr == nil {
		flushErr = errors.Wrap(err, errors.CodeSinkClose, "failed to close parquet writer")
	}

	s.positionBuilder.Release()
	s.jetIDBuilder.Release()
	s.flavourBuilder.Release()
	s.ptBuilder.Release()
	s.etaBuilder.Release()
	s.deepBBuilder.Release()
	s.deepFlavBBuilder.Release()

	// pqarrow closes the underlying file; the second close is harmless.
	if s.file != nil {
		s.file.Close()
	}
	return flushErr
}

// RowsWritten returns the number of records filled, flushed or not. After
// Close it counts the records in the file.
func (s *ParquetSink) RowsWritten() int64 {
	return s.totalRowsWritten + int64(s.rowCount)
}

// Batches returns the number of record batches written.
func (s *ParquetSink) Batches() int {
	return s.batches
}

// mapCompression maps a compression name to a parquet codec.
func mapCompression(name string) compress.Compression {
	switch name {
	case "snappy":
		return compress.Codecs.Snappy
	case "gzip":
		return compress.Codecs.Gzip
	case "zstd":
		return compress.Codecs.Zstd
	case "lz4":
		return compress.Codecs.Lz4
	default:
		return compress.Codecs.Uncompressed
	}
}
