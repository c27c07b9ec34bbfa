// Package export writes stored brw_stats rows to Parquet files.
package export

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/brwmon/internal/histogram"
	"github.com/xtxerr/brwmon/internal/logging"
	"github.com/xtxerr/brwmon/internal/store"
)

var log = logging.Component("export")

// Options configures the Parquet writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// PageSize is the target page size in bytes
	PageSize int
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression: CompressionZstd,
		PageSize:    1024 * 1024,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

func codec(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// Row is one stored histogram bin in Parquet form.
type Row struct {
	TSID      int64  `parquet:"ts_id"`
	Timestamp int64  `parquet:"ts_seconds"`
	Host      string `parquet:"host,dict"`
	Device    string `parquet:"device,dict"`
	Kind      string `parquet:"kind,dict"`
	Bin       int64  `parquet:"bin"`
	Read      int64  `parquet:"read_count"`
	Write     int64  `parquet:"write_count"`
}

// RecordToRow converts a stored record.
func RecordToRow(r *store.BrwRecord) Row {
	return Row{
		TSID:      int64(r.TSID),
		Timestamp: r.Time.Unix(),
		Host:      r.Host,
		Device:    r.Device,
		Kind:      r.Kind.String(),
		Bin:       int64(r.Bin),
		Read:      int64(r.Read),
		Write:     int64(r.Write),
	}
}

// RowToRecord converts a Parquet row back. An unknown kind name is an error.
func RowToRecord(r *Row) (store.BrwRecord, error) {
	kind, err := histogram.ParseKind(r.Kind)
	if err != nil {
		return store.BrwRecord{}, err
	}
	return store.BrwRecord{
		TSID:   uint64(r.TSID),
		Time:   time.Unix(r.Timestamp, 0).UTC(),
		Host:   r.Host,
		Device: r.Device,
		Kind:   kind,
		Bin:    uint64(r.Bin),
		Read:   uint64(r.Read),
		Write:  uint64(r.Write),
	}, nil
}

// =============================================================================
// Writer
// =============================================================================

// Writer writes records to a Parquet file.
type Writer struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[Row]
	rowCount int64
	closed   bool
}

// NewWriter creates the file at path, creating parent directories.
func NewWriter(path string, opts Options) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writerOpts := []parquet.WriterOption{
		parquet.Compression(codec(opts.Compression)),
	}
	if opts.PageSize > 0 {
		writerOpts = append(writerOpts, parquet.PageBufferSize(opts.PageSize))
	}

	return &Writer{
		path:   path,
		file:   f,
		writer: parquet.NewGenericWriter[Row](f, writerOpts...),
	}, nil
}

// Write appends records.
func (w *Writer) Write(records []store.BrwRecord) error {
	if len(records) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	rows := make([]Row, len(records))
	for i := range records {
		rows[i] = RecordToRow(&records[i])
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	w.rowCount += int64(n)
	return nil
}

// Close flushes the footer and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *Writer) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *Writer) Path() string {
	return w.path
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = fmt.Errorf("parquet writer is closed")

// =============================================================================
// Convenience
// =============================================================================

// WriteParquet writes records to a new file at path.
func WriteParquet(ctx context.Context, records []store.BrwRecord, path string, opts Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w, err := NewWriter(path, opts)
	if err != nil {
		return err
	}
	if err := w.Write(records); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	log.Info("exported rows", "path", path, "rows", len(records))
	return nil
}

// ExportStore queries st with f and writes the result to path. It returns
// the number of rows written.
func ExportStore(ctx context.Context, st *store.Store, f store.RowFilter, path string, opts Options) (int, error) {
	records, err := st.QueryBrwRows(ctx, f)
	if err != nil {
		return 0, err
	}
	if err := WriteParquet(ctx, records, path, opts); err != nil {
		return 0, err
	}
	return len(records), nil
}

// ReadParquet reads every record of a file written by WriteParquet.
func ReadParquet(path string) ([]store.BrwRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[Row](f)
	defer reader.Close()

	rows := make([]Row, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read rows: %w", err)
	}

	out := make([]store.BrwRecord, 0, n)
	for i := 0; i < n; i++ {
		rec, err := RowToRecord(&rows[i])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
