// Package transform turns extracted OMOP vocabulary CSVs into graph-load
// artifacts. It has two emitters sharing one resolver and one chunked
// reader: the online emitter writes load-ready CSVs with precomputed label
// and type columns, and the offline emitter writes label/type-partitioned
// files plus a manifest for the neo4j-admin bulk import tool.
package transform

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/vocagraph/omop2neo4j/engine/labels"
	"github.com/vocagraph/omop2neo4j/engine/omop"
	"github.com/vocagraph/omop2neo4j/pkg/csvstream"
	"github.com/vocagraph/omop2neo4j/pkg/metrics"
)

// Column names added by the online emitter.
const (
	ColLabels  = "labels"
	ColRelType = "rel_type"
)

// Deps holds the optional collaborators of an Engine.
type Deps struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Engine is the vocabulary-to-graph transformation engine. One Engine
// serves one run; it owns its resolver cache and is not safe for
// concurrent use.
type Engine struct {
	resolver  *labels.Resolver
	chunkSize int
	log       *slog.Logger
	met       *metrics.Registry
}

// New creates an Engine with the given chunk size.
func New(chunkSize int, deps Deps) *Engine {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	met := deps.Metrics
	if met == nil {
		met = metrics.New()
	}
	return &Engine{
		resolver:  labels.NewResolver(),
		chunkSize: chunkSize,
		log:       log,
		met:       met,
	}
}

// TableStats tallies one table's transformation outcome. ByDestination
// breaks the emitted rows down by label-set signature or relationship
// type, which is what the validator reconciles graph counts against.
type TableStats struct {
	Table         string
	Rows          int64
	Skipped       []csvstream.SkippedRow
	ByDestination map[string]int64
}

func (s *TableStats) count(dest string, n int64) {
	if s.ByDestination == nil {
		s.ByDestination = make(map[string]int64)
	}
	s.ByDestination[dest] += n
}

// SkipErrors converts the itemized skips into typed row errors, each
// matching omop.ErrMalformedRow.
func (s *TableStats) SkipErrors() []error {
	errs := make([]error, 0, len(s.Skipped))
	for _, sk := range s.Skipped {
		errs = append(errs, omop.NewRowError(s.Table, sk.Line, sk.Reason))
	}
	return errs
}

// Report accumulates per-table tallies for a whole run. The Validator
// consumes it to reconcile graph counts against source counts.
type Report struct {
	Tables map[string]*TableStats
}

func newReport() *Report {
	return &Report{Tables: make(map[string]*TableStats)}
}

func (r *Report) add(s *TableStats) { r.Tables[s.Table] = s }

// Expected returns the loadable row count for a table: emitted rows only,
// malformed skips already excluded.
func (r *Report) Expected(table string) int64 {
	if s, ok := r.Tables[table]; ok {
		return s.Rows
	}
	return 0
}

// Destinations merges the per-destination tallies of every table.
func (r *Report) Destinations() map[string]int64 {
	out := make(map[string]int64)
	for _, s := range r.Tables {
		for dest, n := range s.ByDestination {
			out[dest] += n
		}
	}
	return out
}

// SkippedTotal returns the total number of rows skipped across all tables.
func (r *Report) SkippedTotal() int64 {
	var n int64
	for _, s := range r.Tables {
		n += int64(len(s.Skipped))
	}
	return n
}

// openTable opens the chunked reader for a table under srcDir.
func (e *Engine) openTable(srcDir string, tbl omop.Table) (*csvstream.Reader, error) {
	required := make([]int, 0, len(tbl.Required))
	for _, col := range tbl.Required {
		required = append(required, tbl.ColumnIndex(col))
	}
	r, err := csvstream.Open(filepath.Join(srcDir, tbl.Filename()), csvstream.Options{
		BatchSize:      e.chunkSize,
		ExpectedHeader: tbl.Columns,
		Required:       required,
	})
	if err != nil {
		return nil, fmt.Errorf("transform: open %s: %w", tbl.Name, err)
	}
	return r, nil
}

func (e *Engine) countRows(table string, n int) {
	e.met.Counter(metrics.WithLabels("omop2neo4j_transform_rows_total", "table", table),
		"Rows transformed").Add(int64(n))
}

func (e *Engine) countSkips(table string, n int) {
	if n == 0 {
		return
	}
	e.met.Counter(metrics.WithLabels("omop2neo4j_transform_rows_skipped_total", "table", table),
		"Rows skipped as malformed").Add(int64(n))
}
