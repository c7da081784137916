package transform

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/vocagraph/omop2neo4j/engine/labels"
	"github.com/vocagraph/omop2neo4j/engine/omop"
	"github.com/vocagraph/omop2neo4j/pkg/fn"
)

// EmitOnline writes one load-ready CSV per source table into outDir. The
// output keeps every source column and appends a precomputed labels column
// for node tables and a rel_type column for relationship tables, so the
// online load stays a flat bulk insert with no conditional logic in Cypher.
func (e *Engine) EmitOnline(ctx context.Context, srcDir, outDir string) (*Report, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("transform: %w", err)
	}
	report := newReport()
	for _, tbl := range omop.Tables {
		stage := fn.TracedStage("transform.online."+tbl.Name,
			func(ctx context.Context, t omop.Table) fn.Result[*TableStats] {
				return fn.FromPair(e.emitOnlineTable(ctx, srcDir, outDir, t))
			})
		stats, err := stage(ctx, tbl).Unwrap()
		if err != nil {
			return nil, err
		}
		report.add(stats)
		for _, serr := range stats.SkipErrors() {
			e.log.Warn("row skipped", "err", serr)
		}
		e.log.Info("online table done", "table", tbl.Name,
			"rows", stats.Rows, "skipped", len(stats.Skipped))
	}
	return report, nil
}

func (e *Engine) emitOnlineTable(ctx context.Context, srcDir, outDir string, tbl omop.Table) (*TableStats, error) {
	start := time.Now()
	r, err := e.openTable(srcDir, tbl)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	out, err := os.Create(filepath.Join(outDir, tbl.Filename()))
	if err != nil {
		return nil, fmt.Errorf("transform: %w", err)
	}
	defer out.Close()
	w := csv.NewWriter(out)

	extraCol := ColLabels
	if omop.IsRelationshipTable(tbl.Name) {
		extraCol = ColRelType
	}
	if err := w.Write(append(append([]string{}, tbl.Columns...), extraCol)); err != nil {
		return nil, fmt.Errorf("transform: write header: %w", err)
	}

	annotate := e.annotator(tbl)
	stats := &TableStats{Table: tbl.Name}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		batch, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("transform: read %s: %w", tbl.Name, err)
		}
		for _, row := range batch.Rows {
			dest := annotate(row.Fields)
			if err := w.Write(append(append([]string{}, row.Fields...), dest)); err != nil {
				return nil, fmt.Errorf("transform: write %s: %w", tbl.Name, err)
			}
			stats.count(dest, 1)
		}
		stats.Rows += int64(len(batch.Rows))
		stats.Skipped = append(stats.Skipped, batch.Skipped...)
		e.countRows(tbl.Name, len(batch.Rows))
		e.countSkips(tbl.Name, len(batch.Skipped))
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("transform: flush %s: %w", tbl.Name, err)
	}
	e.met.Histogram("omop2neo4j_transform_table_duration_seconds",
		"Per-table transform time", nil).Since(start)
	return stats, nil
}

// annotator returns the function computing the extra column value for one
// row of the given table.
func (e *Engine) annotator(tbl omop.Table) func([]string) string {
	switch tbl.Name {
	case omop.TableConcept:
		domainIdx := tbl.ColumnIndex("domain_id")
		stdIdx := tbl.ColumnIndex("standard_concept")
		return func(fields []string) string {
			return labels.Signature(e.resolver.LabelSet(fields[domainIdx], fields[stdIdx]))
		}
	case omop.TableDomain:
		return func([]string) string { return labels.LabelDomain }
	case omop.TableVocabulary:
		return func([]string) string { return labels.LabelVocabulary }
	case omop.TableConceptRelationship:
		relIdx := tbl.ColumnIndex("relationship_id")
		return func(fields []string) string { return e.resolver.RelType(fields[relIdx]) }
	case omop.TableConceptAncestor:
		return func([]string) string { return labels.RelTypeHasAncestor }
	}
	return func([]string) string { return labels.Unknown }
}
