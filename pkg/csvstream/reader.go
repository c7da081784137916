// Package csvstream provides bounded-memory batch iteration over CSV files.
// A Reader holds at most one batch of rows in memory at a time; malformed
// rows are surfaced as skip-with-reason entries instead of errors so callers
// can tally defects and keep streaming.
package csvstream

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
)

// DefaultBatchSize caps rows per batch when Options.BatchSize is unset.
const DefaultBatchSize = 10000

// Row is one parsed CSV record with its 1-based line position
// (the header is line 1, the first data row line 2).
type Row struct {
	Line   int
	Fields []string
}

// SkippedRow records a row that was dropped and why.
type SkippedRow struct {
	Line   int
	Reason string
}

// Batch is one bounded chunk of rows plus the rows skipped while filling it.
type Batch struct {
	Rows    []Row
	Skipped []SkippedRow
}

// Options configures a Reader.
type Options struct {
	// BatchSize is the maximum rows per batch. Correctness never depends
	// on its value; it only bounds memory.
	BatchSize int
	// ExpectedHeader, when set, is verified against the file header at Open.
	ExpectedHeader []string
	// Required lists header column indices that must be non-empty for a
	// row to be emitted. Rows failing this are skipped, not fatal.
	Required []int
}

// Reader streams batches from a single CSV file. Re-open the file to restart.
type Reader struct {
	f      *os.File
	cr     *csv.Reader
	header []string
	opts   Options
	line   int
	done   bool
}

// Open opens path and reads its header row.
func Open(path string, opts Options) (*Reader, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("csvstream: %w", err)
	}
	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1 // field-count defects are per-row skips, not fatal
	cr.ReuseRecord = false

	header, err := cr.Read()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("csvstream: read header of %s: %w", path, err)
	}
	if len(opts.ExpectedHeader) > 0 {
		if err := matchHeader(header, opts.ExpectedHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("csvstream: %s: %w", path, err)
		}
	}
	return &Reader{f: f, cr: cr, header: header, opts: opts, line: 1}, nil
}

// Header returns the file's header row.
func (r *Reader) Header() []string { return r.header }

// Next returns the next batch. It returns io.EOF after the final batch has
// been consumed; a batch and io.EOF are never returned together.
func (r *Reader) Next() (Batch, error) {
	if r.done {
		return Batch{}, io.EOF
	}
	batch := Batch{Rows: make([]Row, 0, r.opts.BatchSize)}
	for len(batch.Rows) < r.opts.BatchSize {
		rec, err := r.cr.Read()
		if errors.Is(err, io.EOF) {
			r.done = true
			break
		}
		r.line++
		if err != nil {
			batch.Skipped = append(batch.Skipped, SkippedRow{Line: r.line, Reason: err.Error()})
			continue
		}
		if reason := r.check(rec); reason != "" {
			batch.Skipped = append(batch.Skipped, SkippedRow{Line: r.line, Reason: reason})
			continue
		}
		batch.Rows = append(batch.Rows, Row{Line: r.line, Fields: rec})
	}
	if r.done && len(batch.Rows) == 0 && len(batch.Skipped) == 0 {
		return Batch{}, io.EOF
	}
	return batch, nil
}

// check validates one record against the header shape and required columns.
func (r *Reader) check(rec []string) string {
	if len(rec) != len(r.header) {
		return fmt.Sprintf("field count %d, header has %d", len(rec), len(r.header))
	}
	for _, idx := range r.opts.Required {
		if idx >= 0 && idx < len(rec) && rec[idx] == "" {
			return fmt.Sprintf("missing required field %q", r.header[idx])
		}
	}
	return ""
}

// Close releases the underlying file.
func (r *Reader) Close() error { return r.f.Close() }

func matchHeader(got, want []string) error {
	if len(got) != len(want) {
		return fmt.Errorf("header has %d columns, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			return fmt.Errorf("header column %d is %q, want %q", i, got[i], want[i])
		}
	}
	return nil
}
