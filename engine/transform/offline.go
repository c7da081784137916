package transform

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vocagraph/omop2neo4j/engine/labels"
	"github.com/vocagraph/omop2neo4j/engine/omop"
	"github.com/vocagraph/omop2neo4j/pkg/csvstream"
	"github.com/vocagraph/omop2neo4j/pkg/fn"
)

// Bulk-import headers per destination family. The neo4j-admin tool requires
// each input file to hold a single homogeneous label set or relationship
// type, which is why the offline emitter partitions by destination key.
var (
	headerDomainNodes = []string{":ID(Domain-ID)", ":LABEL", "domain_name", "domain_concept_id"}
	headerVocabNodes  = []string{":ID(Vocabulary-ID)", ":LABEL", "vocabulary_name",
		"vocabulary_reference", "vocabulary_version", "vocabulary_concept_id"}
	headerConceptNodes = []string{":ID(Concept-ID)", ":LABEL", "name", "domain_id",
		"vocabulary_id", "concept_class_id", "standard_concept", "concept_code",
		"valid_start_date:date", "valid_end_date:date", "invalid_reason", "synonyms:string[]"}
	headerSemanticRels = []string{":START_ID(Concept-ID)", ":END_ID(Concept-ID)", ":TYPE",
		"valid_start_date:date", "valid_end_date:date", "invalid_reason"}
	headerAncestorRels = []string{":START_ID(Concept-ID)", ":END_ID(Concept-ID)", ":TYPE",
		"min_levels:int", "max_levels:int"}
	headerDomainRels = []string{":START_ID(Concept-ID)", ":END_ID(Domain-ID)", ":TYPE"}
	headerVocabRels  = []string{":START_ID(Concept-ID)", ":END_ID(Vocabulary-ID)", ":TYPE"}
)

// EmitOffline partitions the extracted tables into per-destination bulk
// import files under outDir and writes a manifest describing them. The set
// of destinations is data-driven: output files are created lazily on first
// encounter of a new label-set signature or relationship type, and every
// open handle is closed before returning on all paths.
func (e *Engine) EmitOffline(ctx context.Context, srcDir, outDir string) (*Manifest, *Report, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("transform: %w", err)
	}
	em := newOfflineEmitter(outDir)
	report := newReport()

	var runErr error
	for _, tbl := range omop.Tables {
		stage := fn.TracedStage("transform.offline."+tbl.Name,
			func(ctx context.Context, t omop.Table) fn.Result[*TableStats] {
				return fn.FromPair(e.emitOfflineTable(ctx, srcDir, em, t))
			})
		stats, err := stage(ctx, tbl).Unwrap()
		if err != nil {
			runErr = err
			break
		}
		report.add(stats)
		for _, serr := range stats.SkipErrors() {
			e.log.Warn("row skipped", "err", serr)
		}
		e.log.Info("offline table done", "table", tbl.Name,
			"rows", stats.Rows, "skipped", len(stats.Skipped), "destinations", len(em.order))
	}

	closeErr := em.closeAll()
	if runErr != nil {
		return nil, nil, runErr
	}
	if closeErr != nil {
		return nil, nil, closeErr
	}

	m := em.manifest(srcDir)
	if err := m.Write(); err != nil {
		return nil, nil, err
	}
	return m, report, nil
}

func (e *Engine) emitOfflineTable(ctx context.Context, srcDir string, em *offlineEmitter, tbl omop.Table) (*TableStats, error) {
	start := time.Now()
	r, err := e.openTable(srcDir, tbl)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	write := e.offlineRowWriter(em, tbl)
	stats := &TableStats{Table: tbl.Name}
	before := em.rowCounts()
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
		if err := write(batch.Rows); err != nil {
			return nil, err
		}
		stats.Rows += int64(len(batch.Rows))
		stats.Skipped = append(stats.Skipped, batch.Skipped...)
		e.countRows(tbl.Name, len(batch.Rows))
		e.countSkips(tbl.Name, len(batch.Skipped))
	}
	for key, n := range em.rowCounts() {
		if d := n - before[key]; d > 0 {
			stats.count(key, d)
		}
	}
	e.met.Histogram("omop2neo4j_transform_table_duration_seconds",
		"Per-table transform time", nil).Since(start)
	return stats, nil
}

// offlineRowWriter returns the batch-writing function for one table.
func (e *Engine) offlineRowWriter(em *offlineEmitter, tbl omop.Table) func([]csvstream.Row) error {
	col := tbl.ColumnIndex
	switch tbl.Name {
	case omop.TableDomain:
		id, name, cid := col("domain_id"), col("domain_name"), col("domain_concept_id")
		return func(rows []csvstream.Row) error {
			for _, row := range rows {
				f := row.Fields
				rec := []string{f[id], labels.LabelDomain, f[name], f[cid]}
				if err := em.writeRow(labels.LabelDomain, KindNode, headerDomainNodes, rec); err != nil {
					return err
				}
			}
			return nil
		}
	case omop.TableVocabulary:
		id, name, ref, ver, cid := col("vocabulary_id"), col("vocabulary_name"),
			col("vocabulary_reference"), col("vocabulary_version"), col("vocabulary_concept_id")
		return func(rows []csvstream.Row) error {
			for _, row := range rows {
				f := row.Fields
				rec := []string{f[id], labels.LabelVocabulary, f[name], f[ref], f[ver], f[cid]}
				if err := em.writeRow(labels.LabelVocabulary, KindNode, headerVocabNodes, rec); err != nil {
					return err
				}
			}
			return nil
		}
	case omop.TableConcept:
		return e.offlineConceptWriter(em, tbl)
	case omop.TableConceptRelationship:
		c1, c2, rel := col("concept_id_1"), col("concept_id_2"), col("relationship_id")
		vs, ve, inv := col("valid_start_date"), col("valid_end_date"), col("invalid_reason")
		return func(rows []csvstream.Row) error {
			groups := fn.GroupBy(rows, func(row csvstream.Row) string {
				return e.resolver.RelType(row.Fields[rel])
			})
			for relType, group := range groups {
				for _, row := range group {
					f := row.Fields
					rec := []string{f[c1], f[c2], relType, f[vs], f[ve], f[inv]}
					if err := em.writeRow(relType, KindRelationship, headerSemanticRels, rec); err != nil {
						return err
					}
				}
			}
			return nil
		}
	case omop.TableConceptAncestor:
		desc, anc := col("descendant_concept_id"), col("ancestor_concept_id")
		minL, maxL := col("min_levels_of_separation"), col("max_levels_of_separation")
		return func(rows []csvstream.Row) error {
			for _, row := range rows {
				f := row.Fields
				rec := []string{f[desc], f[anc], labels.RelTypeHasAncestor, f[minL], f[maxL]}
				if err := em.writeRow(labels.RelTypeHasAncestor, KindRelationship, headerAncestorRels, rec); err != nil {
					return err
				}
			}
			return nil
		}
	}
	return func([]csvstream.Row) error {
		return fmt.Errorf("transform: %w: %s", omop.ErrUnknownTable, tbl.Name)
	}
}

// offlineConceptWriter routes concept rows to their label-set destination
// and emits the contextual IN_DOMAIN / FROM_VOCABULARY relationships.
func (e *Engine) offlineConceptWriter(em *offlineEmitter, tbl omop.Table) func([]csvstream.Row) error {
	col := tbl.ColumnIndex
	id, name, domain, vocab := col("concept_id"), col("concept_name"), col("domain_id"), col("vocabulary_id")
	class, std, code := col("concept_class_id"), col("standard_concept"), col("concept_code")
	vs, ve, inv, syn := col("valid_start_date"), col("valid_end_date"), col("invalid_reason"), col("synonyms")

	return func(rows []csvstream.Row) error {
		groups := fn.GroupBy(rows, func(row csvstream.Row) string {
			return labels.Signature(e.resolver.LabelSet(row.Fields[domain], row.Fields[std]))
		})
		for sig, group := range groups {
			for _, row := range group {
				f := row.Fields
				rec := []string{f[id], sig, f[name], f[domain], f[vocab], f[class],
					f[std], f[code], f[vs], f[ve], f[inv], f[syn]}
				if err := em.writeRow(sig, KindNode, headerConceptNodes, rec); err != nil {
					return err
				}
			}
		}
		// Contextual edges keep source order regardless of label grouping.
		for _, row := range rows {
			f := row.Fields
			if err := em.writeRow(labels.RelTypeInDomain, KindRelationship, headerDomainRels,
				[]string{f[id], f[domain], labels.RelTypeInDomain}); err != nil {
				return err
			}
			if err := em.writeRow(labels.RelTypeFromVocabulary, KindRelationship, headerVocabRels,
				[]string{f[id], f[vocab], labels.RelTypeFromVocabulary}); err != nil {
				return err
			}
		}
		return nil
	}
}

// destWriter owns one lazily created per-destination output file.
type destWriter struct {
	entry ManifestEntry
	f     *os.File
	w     *csv.Writer
}

// offlineEmitter tracks the data-driven set of open destination files.
// Handle count is bounded by distinct destinations observed, never by
// total row count.
type offlineEmitter struct {
	outDir string
	dests  map[string]*destWriter
	order  []string // first-encounter order, nodes and rels interleaved
}

func newOfflineEmitter(outDir string) *offlineEmitter {
	return &offlineEmitter{outDir: outDir, dests: make(map[string]*destWriter)}
}

// destFilename derives the output filename for a destination key.
func destFilename(kind, key string) string {
	slug := strings.ToLower(strings.ReplaceAll(key, labels.SignatureSep, "_"))
	if kind == KindNode {
		return "nodes_" + slug + ".csv"
	}
	return "rels_" + slug + ".csv"
}

func (em *offlineEmitter) writeRow(key, kind string, header, record []string) error {
	dw, ok := em.dests[key]
	if !ok {
		path := filepath.Join(em.outDir, destFilename(kind, key))
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("transform: create destination %s: %w", key, err)
		}
		w := csv.NewWriter(f)
		if err := w.Write(header); err != nil {
			f.Close()
			return fmt.Errorf("transform: header for %s: %w", key, err)
		}
		dw = &destWriter{
			entry: ManifestEntry{Key: key, Kind: kind, Path: path, Header: header},
			f:     f,
			w:     w,
		}
		em.dests[key] = dw
		em.order = append(em.order, key)
	}
	if len(record) != len(dw.entry.Header) {
		return fmt.Errorf("transform: destination %s: record has %d fields, header %d",
			key, len(record), len(dw.entry.Header))
	}
	if err := dw.w.Write(record); err != nil {
		return fmt.Errorf("transform: write destination %s: %w", key, err)
	}
	dw.entry.Rows++
	return nil
}

// rowCounts snapshots the rows written per destination so far.
func (em *offlineEmitter) rowCounts() map[string]int64 {
	out := make(map[string]int64, len(em.dests))
	for key, dw := range em.dests {
		out[key] = dw.entry.Rows
	}
	return out
}

// closeAll flushes and closes every destination handle, returning the
// first error seen. Safe to call after a partial failure.
func (em *offlineEmitter) closeAll() error {
	var first error
	for _, key := range em.order {
		dw := em.dests[key]
		dw.w.Flush()
		if err := dw.w.Error(); err != nil && first == nil {
			first = fmt.Errorf("transform: flush destination %s: %w", key, err)
		}
		if err := dw.f.Close(); err != nil && first == nil {
			first = fmt.Errorf("transform: close destination %s: %w", key, err)
		}
	}
	return first
}

// manifest builds the manifest with node entries before relationship
// entries, preserving first-encounter order within each kind.
func (em *offlineEmitter) manifest(srcDir string) *Manifest {
	m := &Manifest{GeneratedAt: time.Now().UTC(), SourceDir: srcDir, OutputDir: em.outDir}
	for _, key := range em.order {
		if dw := em.dests[key]; dw.entry.Kind == KindNode {
			m.Entries = append(m.Entries, dw.entry)
		}
	}
	for _, key := range em.order {
		if dw := em.dests[key]; dw.entry.Kind == KindRelationship {
			m.Entries = append(m.Entries, dw.entry)
		}
	}
	return m
}
