// Package load drives the replace-style migration of transformed
// vocabulary artifacts into Neo4j. A run is a finite state machine: the
// graph is wiped only after explicit confirmation, schema is applied
// idempotently, nodes are loaded before relationships in bounded batches,
// and validation gates the terminal state.
package load

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/vocagraph/omop2neo4j/engine/labels"
	"github.com/vocagraph/omop2neo4j/engine/omop"
	"github.com/vocagraph/omop2neo4j/engine/transform"
	"github.com/vocagraph/omop2neo4j/pkg/csvstream"
	"github.com/vocagraph/omop2neo4j/pkg/fn"
	"github.com/vocagraph/omop2neo4j/pkg/metrics"
	"github.com/vocagraph/omop2neo4j/pkg/resilience"
)

// State is a position in the run state machine.
type State string

const (
	StateIdle        State = "IDLE"
	StateConfirmWipe State = "CONFIRM_WIPE"
	StateWipe        State = "WIPE"
	StateSchemaApply State = "SCHEMA_APPLY"
	StateLoad        State = "LOAD"
	StateValidate    State = "VALIDATE"
	StateDone        State = "DONE"
	StateFailed      State = "FAILED"
)

// Checkpoint records the last fully committed batch before a failure.
// Batches are counted per destination, starting at 1.
type Checkpoint struct {
	Destination string `json:"destination"`
	Batch       int    `json:"batch"`
}

// Outcome summarizes a run: rows actually created per destination key and,
// on failure, the progress point reached. The validator reconciles Created
// against the transform tallies.
type Outcome struct {
	RunID      string           `json:"run_id"`
	Final      State            `json:"final"`
	Created    map[string]int64 `json:"created"`
	Batches    map[string]int   `json:"batches"`
	Checkpoint *Checkpoint      `json:"checkpoint,omitempty"`
}

// RunOptions parameterizes one full state-machine run.
type RunOptions struct {
	ArtifactDir string
	// Confirmed skips the interactive confirmation (the --yes path).
	Confirmed bool
	// Validate is invoked in the VALIDATE state; a returned error moves
	// the machine to FAILED even though loading completed.
	Validate func(ctx context.Context, out *Outcome) error
}

// Deps holds the optional collaborators of a Loader.
type Deps struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry
	Events  EventSink
	Limiter *resilience.Limiter
	// Confirm is asked before destructive transitions when Confirmed is
	// not set. Nil means confirmation can only come from the flag.
	Confirm func(prompt string) bool
	Retry   fn.RetryOpts
}

// Loader owns the target graph for the duration of one run.
type Loader struct {
	open      sessionOpener
	batchSize int
	state     State
	log       *slog.Logger
	met       *metrics.Registry
	events    EventSink
	limiter   *resilience.Limiter
	confirm   func(prompt string) bool
	retry     fn.RetryOpts
}

// New creates a Loader committing at most batchSize rows per transaction.
func New(g *Graph, batchSize int, deps Deps) *Loader {
	return newLoader(g.Opener(), batchSize, deps)
}

func newLoader(open sessionOpener, batchSize int, deps Deps) *Loader {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	met := deps.Metrics
	if met == nil {
		met = metrics.New()
	}
	events := deps.Events
	if events == nil {
		events = nopSink{}
	}
	retry := deps.Retry
	if retry.MaxAttempts == 0 {
		retry = fn.RetryOpts{MaxAttempts: 3, InitialWait: 500 * time.Millisecond, MaxWait: 5 * time.Second, Jitter: true}
	}
	return &Loader{
		open:      open,
		batchSize: batchSize,
		state:     StateIdle,
		log:       log,
		met:       met,
		events:    events,
		limiter:   deps.Limiter,
		confirm:   deps.Confirm,
		retry:     retry,
	}
}

// State reports the machine's current position.
func (l *Loader) State() State { return l.state }

func (l *Loader) transition(ctx context.Context, runID string, st State, detail string) {
	l.state = st
	l.log.Info("state transition", "run_id", runID, "state", st, "detail", detail)
	if err := l.events.Publish(ctx, Event{RunID: runID, State: st, Detail: detail, Time: time.Now().UTC()}); err != nil {
		l.log.Warn("event publish failed", "run_id", runID, "state", st, "error", err)
	}
}

func (l *Loader) fail(ctx context.Context, runID string, out *Outcome, err error) error {
	l.transition(ctx, runID, StateFailed, err.Error())
	out.Final = StateFailed
	return err
}

// Run executes the full state machine over the online artifact set.
// The returned Outcome is populated even on failure so callers can report
// partial progress.
func (l *Loader) Run(ctx context.Context, opts RunOptions) (*Outcome, error) {
	out := &Outcome{
		RunID:   uuid.NewString(),
		Created: make(map[string]int64),
		Batches: make(map[string]int),
	}

	l.transition(ctx, out.RunID, StateConfirmWipe, "")
	if !opts.Confirmed && (l.confirm == nil || !l.confirm("This wipes the target graph. Continue?")) {
		return out, l.fail(ctx, out.RunID, out, fmt.Errorf("load: %w", omop.ErrConfirmationMissing))
	}

	l.transition(ctx, out.RunID, StateWipe, "")
	if err := l.Wipe(ctx); err != nil {
		return out, l.fail(ctx, out.RunID, out, err)
	}

	l.transition(ctx, out.RunID, StateSchemaApply, "")
	if err := l.ApplySchema(ctx); err != nil {
		return out, l.fail(ctx, out.RunID, out, err)
	}

	l.transition(ctx, out.RunID, StateLoad, opts.ArtifactDir)
	if err := l.LoadOnline(ctx, opts.ArtifactDir, out); err != nil {
		return out, l.fail(ctx, out.RunID, out, err)
	}

	l.transition(ctx, out.RunID, StateValidate, "")
	if opts.Validate != nil {
		if err := opts.Validate(ctx, out); err != nil {
			return out, l.fail(ctx, out.RunID, out, err)
		}
	}

	l.transition(ctx, out.RunID, StateDone, "")
	out.Final = StateDone
	return out, nil
}

// Wipe drops every constraint and index, then deletes all nodes in
// bounded batches. The graph is treated as exclusively owned while this
// runs.
func (l *Loader) Wipe(ctx context.Context) error {
	sess := l.open(ctx)
	defer sess.Close(ctx)

	constraints, err := readRows(ctx, sess, "SHOW CONSTRAINTS", "name")
	if err != nil {
		return fmt.Errorf("load: show constraints: %w", err)
	}
	for _, row := range constraints {
		name, _ := row["name"].(string)
		if name == "" {
			continue
		}
		if _, err := sess.Run(ctx, "DROP CONSTRAINT "+name, nil); err != nil {
			return fmt.Errorf("load: drop constraint %s: %w", name, err)
		}
	}

	indexes, err := readRows(ctx, sess, "SHOW INDEXES", "name", "type")
	if err != nil {
		return fmt.Errorf("load: show indexes: %w", err)
	}
	for _, row := range indexes {
		// Constraint-backed indexes vanish with their constraint.
		if typ, _ := row["type"].(string); typ == "CONSTRAINT_BACKED" {
			continue
		}
		name, _ := row["name"].(string)
		if name == "" {
			continue
		}
		if _, err := sess.Run(ctx, "DROP INDEX "+name, nil); err != nil {
			return fmt.Errorf("load: drop index %s: %w", name, err)
		}
	}

	for {
		deleted, err := readCount(ctx, sess, clearBatchQuery, map[string]any{"limit": l.batchSize})
		if err != nil {
			return fmt.Errorf("load: clear: %w", err)
		}
		l.met.Counter("omop2neo4j_wipe_deleted_nodes_total", "Nodes deleted during wipe").Add(deleted)
		if deleted == 0 {
			return nil
		}
	}
}

// ApplySchema creates the constraint and index set. Safe to run any
// number of times.
func (l *Loader) ApplySchema(ctx context.Context) error {
	sess := l.open(ctx)
	defer sess.Close(ctx)
	for _, stmt := range schemaStatements {
		if _, err := sess.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("load: schema: %w", err)
		}
	}
	return nil
}

// LoadOnline executes the online artifact set: all node tables, then the
// contextual edges, then the semantic relationships and the hierarchy.
// Relationship endpoints therefore always exist before any edge batch
// runs.
func (l *Loader) LoadOnline(ctx context.Context, dir string, out *Outcome) error {
	sess := l.open(ctx)
	defer sess.Close(ctx)

	for _, tbl := range []omop.Table{omop.DomainTable, omop.VocabularyTable, omop.ConceptTable} {
		if err := l.loadNodeTable(ctx, sess, dir, tbl, out); err != nil {
			return err
		}
	}
	if err := l.loadContextual(ctx, sess, dir, out); err != nil {
		return err
	}
	if err := l.loadGrouped(ctx, sess, dir, omop.ConceptRelationshipTable, out, semanticRelQuery); err != nil {
		return err
	}
	return l.loadGrouped(ctx, sess, dir, omop.ConceptAncestorTable, out,
		func(string) string { return ancestorInsertQuery })
}

// openArtifact opens an online artifact with its annotated header.
func (l *Loader) openArtifact(dir string, tbl omop.Table) (*csvstream.Reader, []string, error) {
	extra := transform.ColLabels
	if omop.IsRelationshipTable(tbl.Name) {
		extra = transform.ColRelType
	}
	header := append(append([]string{}, tbl.Columns...), extra)
	r, err := csvstream.Open(filepath.Join(dir, tbl.Filename()), csvstream.Options{
		BatchSize:      l.batchSize,
		ExpectedHeader: header,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("load: open artifact %s: %w", tbl.Name, err)
	}
	return r, header, nil
}

func (l *Loader) loadNodeTable(ctx context.Context, sess runner, dir string, tbl omop.Table, out *Outcome) error {
	return l.forEachGroup(ctx, dir, tbl, func(sig string, header []string, rows []csvstream.Row) error {
		query, err := nodeInsertQuery(tbl.Name, sig)
		if err != nil {
			return err
		}
		return l.commitBatch(ctx, sess, sig, query, header, rows, out)
	})
}

// loadContextual re-reads the concept artifact to create the IN_DOMAIN
// and FROM_VOCABULARY edges once every node exists.
func (l *Loader) loadContextual(ctx context.Context, sess runner, dir string, out *Outcome) error {
	r, header, err := l.openArtifact(dir, omop.ConceptTable)
	if err != nil {
		return err
	}
	defer r.Close()
	for {
		batch, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("load: read %s: %w", omop.TableConcept, err)
		}
		if len(batch.Rows) == 0 {
			continue
		}
		if err := l.commitBatch(ctx, sess, labels.RelTypeInDomain, inDomainQuery, header, batch.Rows, out); err != nil {
			return err
		}
		if err := l.commitBatch(ctx, sess, labels.RelTypeFromVocabulary, fromVocabularyQuery, header, batch.Rows, out); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) loadGrouped(ctx context.Context, sess runner, dir string, tbl omop.Table, out *Outcome, query func(relType string) string) error {
	return l.forEachGroup(ctx, dir, tbl, func(relType string, header []string, rows []csvstream.Row) error {
		return l.commitBatch(ctx, sess, relType, query(relType), header, rows, out)
	})
}

// forEachGroup streams an artifact and hands each destination group of
// each chunk to commit. Group size is bounded by the reader batch size.
func (l *Loader) forEachGroup(ctx context.Context, dir string, tbl omop.Table, commit func(dest string, header []string, rows []csvstream.Row) error) error {
	r, header, err := l.openArtifact(dir, tbl)
	if err != nil {
		return err
	}
	defer r.Close()

	destCol := len(header) - 1
	for {
		batch, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("load: read %s: %w", tbl.Name, err)
		}
		groups := fn.GroupBy(batch.Rows, func(row csvstream.Row) string {
			return row.Fields[destCol]
		})
		for dest, rows := range groups {
			if err := commit(dest, header, rows); err != nil {
				return err
			}
		}
	}
	return nil
}

// commitBatch commits one bounded batch with retry and pacing. A batch
// that still fails after the retry budget is a fatal LoadBatchError
// carrying the last committed checkpoint.
func (l *Loader) commitBatch(ctx context.Context, sess runner, dest, query string, header []string, rows []csvstream.Row, out *Outcome) error {
	start := time.Now()
	params := map[string]any{"rows": rowParams(header, rows)}

	res := fn.Retry(ctx, l.retry, func(ctx context.Context) fn.Result[int64] {
		if err := l.limiter.Wait(ctx); err != nil {
			return fn.Err[int64](err)
		}
		return fn.FromPair(readCount(ctx, sess, query, params))
	})
	created, err := res.Unwrap()
	if err != nil {
		out.Checkpoint = &Checkpoint{Destination: dest, Batch: out.Batches[dest]}
		l.met.Counter(metrics.WithLabels("omop2neo4j_load_batch_failures_total", "destination", dest),
			"Batches exhausting their retry budget").Inc()
		return fmt.Errorf("load %s batch %d: %w: %v", dest, out.Batches[dest]+1, omop.ErrLoadBatch, err)
	}

	out.Batches[dest]++
	out.Created[dest] += created
	l.met.Counter(metrics.WithLabels("omop2neo4j_load_batches_total", "destination", dest),
		"Batches committed").Inc()
	l.met.Counter(metrics.WithLabels("omop2neo4j_load_created_total", "destination", dest),
		"Nodes or relationships created").Add(created)
	l.met.Histogram("omop2neo4j_load_batch_duration_seconds", "Per-batch commit time", nil).Since(start)
	l.log.Debug("batch committed", "destination", dest, "rows", len(rows), "created", created)
	return nil
}

// PrepareBulk renders the neo4j-admin command for an offline artifact
// directory. No import is executed; running the command is an operator
// action.
func PrepareBulk(artifactDir, database string) (string, error) {
	m, err := transform.LoadManifest(artifactDir)
	if err != nil {
		return "", err
	}
	return transform.ImportCommand(m, database), nil
}
