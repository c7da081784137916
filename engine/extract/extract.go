// Package extract streams OMOP vocabulary tables out of Postgres into the
// CSV layout the transformation engine reads. It uses COPY TO STDOUT so
// the database does the serialization and no table is ever held in memory.
package extract

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vocagraph/omop2neo4j/engine/omop"
	"github.com/vocagraph/omop2neo4j/pkg/config"
	"github.com/vocagraph/omop2neo4j/pkg/fn"
	"github.com/vocagraph/omop2neo4j/pkg/metrics"
)

// CopySource streams the output of a COPY TO STDOUT statement into w and
// reports rows copied. *pgx.Conn satisfies it through pgxSource; tests
// substitute a fake.
type CopySource interface {
	CopyTo(ctx context.Context, w io.Writer, sql string) (int64, error)
	Close(ctx context.Context) error
}

type pgxSource struct{ conn *pgx.Conn }

func (s pgxSource) CopyTo(ctx context.Context, w io.Writer, sql string) (int64, error) {
	tag, err := s.conn.PgConn().CopyTo(ctx, w, sql)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s pgxSource) Close(ctx context.Context) error { return s.conn.Close(ctx) }

// Connect opens a Postgres connection for extraction.
func Connect(ctx context.Context, cfg config.Postgres) (CopySource, error) {
	conn, err := pgx.Connect(ctx, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("extract: %w: %v", omop.ErrConnectivity, err)
	}
	return pgxSource{conn: conn}, nil
}

// Deps holds the optional collaborators of an Extractor.
type Deps struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Extractor exports the vocabulary tables of one CDM schema.
type Extractor struct {
	src    CopySource
	schema string
	log    *slog.Logger
	met    *metrics.Registry
}

// New creates an Extractor reading from the given schema.
func New(src CopySource, schema string, deps Deps) *Extractor {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	met := deps.Metrics
	if met == nil {
		met = metrics.New()
	}
	return &Extractor{src: src, schema: schema, log: log, met: met}
}

// Run extracts every vocabulary table into outDir, one CSV per table with
// a header row. A failed table leaves no partial file behind.
func (e *Extractor) Run(ctx context.Context, outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	for _, tbl := range omop.Tables {
		stage := fn.TracedStage("extract."+tbl.Name,
			func(ctx context.Context, t omop.Table) fn.Result[int64] {
				return fn.FromPair(e.extractTable(ctx, outDir, t))
			})
		rows, err := stage(ctx, tbl).Unwrap()
		if err != nil {
			return err
		}
		e.log.Info("table extracted", "table", tbl.Name, "rows", rows)
	}
	return nil
}

func (e *Extractor) extractTable(ctx context.Context, outDir string, tbl omop.Table) (int64, error) {
	start := time.Now()
	query, err := tableQuery(e.schema, tbl.Name)
	if err != nil {
		return 0, err
	}
	path := filepath.Join(outDir, tbl.Filename())
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("extract: %w", err)
	}
	if _, err := io.WriteString(f, strings.Join(tbl.Columns, ",")+"\n"); err != nil {
		f.Close()
		os.Remove(path)
		return 0, fmt.Errorf("extract: %w", err)
	}
	rows, err := e.src.CopyTo(ctx, f, query)
	if err != nil {
		f.Close()
		os.Remove(path)
		return 0, fmt.Errorf("extract %s: %w: %v", tbl.Name, omop.ErrConnectivity, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return 0, fmt.Errorf("extract: %w", err)
	}
	e.met.Counter(metrics.WithLabels("omop2neo4j_extract_rows_total", "table", tbl.Name),
		"Rows extracted").Add(rows)
	e.met.Histogram("omop2neo4j_extract_table_duration_seconds",
		"Per-table extraction time", nil).Since(start)
	return rows, nil
}

// tableQuery builds the COPY statement for one table. Dates are formatted
// ISO so Neo4j can parse them as date values, nullable text columns
// collapse to empty strings, and concept synonyms aggregate into one
// pipe-delimited column.
func tableQuery(schema, table string) (string, error) {
	var sel string
	switch table {
	case omop.TableConcept:
		sel = fmt.Sprintf(`SELECT c.concept_id, c.concept_name, c.domain_id, c.vocabulary_id,
  c.concept_class_id, COALESCE(c.standard_concept, ''), c.concept_code,
  to_char(c.valid_start_date, 'YYYY-MM-DD'), to_char(c.valid_end_date, 'YYYY-MM-DD'),
  COALESCE(c.invalid_reason, ''),
  COALESCE(string_agg(s.concept_synonym_name, '|'), '')
FROM %s.concept c
LEFT JOIN %s.concept_synonym s ON s.concept_id = c.concept_id
GROUP BY c.concept_id, c.concept_name, c.domain_id, c.vocabulary_id,
  c.concept_class_id, c.standard_concept, c.concept_code,
  c.valid_start_date, c.valid_end_date, c.invalid_reason`, schema, schema)
	case omop.TableConceptRelationship:
		sel = fmt.Sprintf(`SELECT concept_id_1, concept_id_2, relationship_id,
  to_char(valid_start_date, 'YYYY-MM-DD'), to_char(valid_end_date, 'YYYY-MM-DD'),
  COALESCE(invalid_reason, '')
FROM %s.concept_relationship`, schema)
	case omop.TableConceptAncestor:
		sel = fmt.Sprintf(`SELECT descendant_concept_id, ancestor_concept_id,
  min_levels_of_separation, max_levels_of_separation
FROM %s.concept_ancestor`, schema)
	case omop.TableDomain:
		sel = fmt.Sprintf(`SELECT domain_id, domain_name, domain_concept_id FROM %s.domain`, schema)
	case omop.TableVocabulary:
		sel = fmt.Sprintf(`SELECT vocabulary_id, vocabulary_name,
  COALESCE(vocabulary_reference, ''), COALESCE(vocabulary_version, ''), vocabulary_concept_id
FROM %s.vocabulary`, schema)
	default:
		return "", fmt.Errorf("extract: %w: %s", omop.ErrUnknownTable, table)
	}
	return fmt.Sprintf("COPY (%s) TO STDOUT WITH (FORMAT csv)", sel), nil
}
