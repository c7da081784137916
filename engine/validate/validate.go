// Package validate reconciles the loaded graph against the transformation
// tallies. Checks are read-only, independent, and never abort early: one
// run surfaces every defect.
package validate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/vocagraph/omop2neo4j/engine/labels"
	"github.com/vocagraph/omop2neo4j/engine/omop"
	"github.com/vocagraph/omop2neo4j/engine/transform"
	"github.com/vocagraph/omop2neo4j/pkg/config"
	"github.com/vocagraph/omop2neo4j/pkg/csvstream"
	"github.com/vocagraph/omop2neo4j/pkg/metrics"
)

// Check names.
const (
	CheckNodeCount   = "node_count"
	CheckRelCount    = "relationship_count"
	CheckReferential = "referential_integrity"
)

// Check is one individually reportable validation result.
type Check struct {
	Name     string `json:"name"`
	Target   string `json:"target"` // label-set signature or relationship type
	Expected int64  `json:"expected"`
	Actual   int64  `json:"actual"`
	Passed   bool   `json:"passed"`
	Detail   string `json:"detail,omitempty"`
}

// Report collects every check plus report-only aggregates.
type Report struct {
	Checks     []Check                           `json:"checks"`
	Skipped    map[string][]csvstream.SkippedRow `json:"skipped,omitempty"`
	Aggregates map[string]float64                `json:"aggregates,omitempty"`
	Sample     []string                          `json:"sample,omitempty"`
}

// Passed reports whether every gating check passed. Aggregates and the
// sample inspection never gate.
func (r *Report) Passed() bool {
	for _, c := range r.Checks {
		if !c.Passed {
			return false
		}
	}
	return true
}

// Failures returns the failing checks.
func (r *Report) Failures() []Check {
	var out []Check
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

// Err converts a failing report into an error for the orchestrator's
// VALIDATE gate; a passing report yields nil.
func (r *Report) Err() error {
	fails := r.Failures()
	if len(fails) == 0 {
		return nil
	}
	referential := false
	parts := make([]string, 0, len(fails))
	for _, c := range fails {
		if c.Name == CheckReferential {
			referential = true
		}
		parts = append(parts, fmt.Sprintf("%s[%s] expected %d got %d", c.Name, c.Target, c.Expected, c.Actual))
	}
	if referential {
		return fmt.Errorf("validate: %d failing checks: %s: %w",
			len(fails), strings.Join(parts, "; "), omop.ErrUnresolvedReference)
	}
	return fmt.Errorf("validate: %d failing checks: %s", len(fails), strings.Join(parts, "; "))
}

// Inputs carries the expected-state side of the reconciliation.
type Inputs struct {
	// Expected rows per destination key, from the transform report or the
	// offline manifest.
	Expected map[string]int64
	// Skipped rows per table, itemized in the report.
	Skipped map[string][]csvstream.SkippedRow
	// Created rows per destination from the load outcome. When present,
	// the referential check reconciles the shortfall between expected and
	// created relationships; rows whose endpoints matched nothing never error in
	// Cypher, so counting is the only way to see them.
	Created map[string]int64
	// SampleConceptID, when non-zero, adds a report-only inspection of
	// that concept's labels and relationships.
	SampleConceptID int64
}

// ExpectedFromReport derives per-destination expectations from a
// transform report, adding the contextual edges implied by the concept
// rows when the emitter did not tally them itself.
func ExpectedFromReport(r *transform.Report) map[string]int64 {
	out := r.Destinations()
	if _, ok := out[labels.RelTypeInDomain]; !ok {
		concepts := r.Expected(omop.TableConcept)
		out[labels.RelTypeInDomain] = concepts
		out[labels.RelTypeFromVocabulary] = concepts
	}
	return out
}

// ExpectedFromManifest derives per-destination expectations from an
// offline manifest.
func ExpectedFromManifest(m *transform.Manifest) map[string]int64 {
	out := make(map[string]int64, len(m.Entries))
	for _, e := range m.Entries {
		out[e.Key] += e.Rows
	}
	return out
}

// Deps holds the optional collaborators of a Validator.
type Deps struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Validator runs the check suite against one graph.
type Validator struct {
	open  sessionOpener
	close func(context.Context) error
	log   *slog.Logger
	met   *metrics.Registry
}

// New connects a Validator to the target graph.
func New(ctx context.Context, cfg config.Neo4j, deps Deps) (*Validator, error) {
	open, closer, err := connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	v := newValidator(open, deps)
	v.close = closer
	return v, nil
}

func newValidator(open sessionOpener, deps Deps) *Validator {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	met := deps.Metrics
	if met == nil {
		met = metrics.New()
	}
	return &Validator{open: open, log: log, met: met}
}

// Close releases the underlying connection.
func (v *Validator) Close(ctx context.Context) error {
	if v.close == nil {
		return nil
	}
	return v.close(ctx)
}

// isNodeDestination classifies a destination key by its leading token.
func isNodeDestination(key string) bool {
	head := strings.SplitN(key, labels.SignatureSep, 2)[0]
	return head == labels.LabelConcept || key == labels.LabelDomain || key == labels.LabelVocabulary
}

// exactNodeCountQuery counts nodes whose label set equals the signature
// exactly; matching on labels alone would also catch supersets.
func exactNodeCountQuery(signature string) string {
	toks := strings.Split(signature, labels.SignatureSep)
	var b strings.Builder
	b.WriteString("MATCH (n")
	for _, tok := range toks {
		b.WriteString(":")
		b.WriteString(labels.Sanitize(tok))
	}
	fmt.Fprintf(&b, ") WHERE size(labels(n)) = %d RETURN count(n) AS count", len(toks))
	return b.String()
}

func relCountQuery(relType string) string {
	return "MATCH ()-[r:" + labels.Sanitize(relType) + "]->() RETURN count(r) AS count"
}

// Run executes every check and returns the full report. Query errors mark
// the affected check failed rather than aborting the suite.
func (v *Validator) Run(ctx context.Context, in Inputs) (*Report, error) {
	sess := v.open(ctx)
	defer sess.Close(ctx)

	report := &Report{Skipped: in.Skipped, Aggregates: make(map[string]float64)}

	for _, dest := range sortedKeys(in.Expected) {
		expected := in.Expected[dest]
		var (
			name  string
			query string
		)
		if isNodeDestination(dest) {
			name, query = CheckNodeCount, exactNodeCountQuery(dest)
		} else {
			name, query = CheckRelCount, relCountQuery(dest)
		}
		actual, err := readInt(ctx, sess, query, nil)
		check := Check{Name: name, Target: dest, Expected: expected, Actual: actual}
		if err != nil {
			check.Detail = err.Error()
		} else {
			check.Passed = actual == expected
		}
		report.Checks = append(report.Checks, check)

		if !isNodeDestination(dest) && in.Created != nil {
			// Shortfall between extracted and created rows means some
			// relationship referenced a concept_id absent from the node set.
			missing := expected - in.Created[dest]
			report.Checks = append(report.Checks, Check{
				Name:     CheckReferential,
				Target:   dest,
				Expected: 0,
				Actual:   missing,
				Passed:   missing == 0,
			})
		}
	}

	v.aggregates(ctx, sess, report)
	if in.SampleConceptID != 0 {
		v.sampleConcept(ctx, sess, report, in.SampleConceptID)
	}

	for _, c := range report.Checks {
		if !c.Passed {
			v.met.Counter(metrics.WithLabels("omop2neo4j_validate_failures_total", "check", c.Name),
				"Failing validation checks").Inc()
			v.log.Warn("check failed", "check", c.Name, "target", c.Target,
				"expected", c.Expected, "actual", c.Actual, "detail", c.Detail)
		}
	}
	return report, nil
}

// aggregates computes the report-only sanity numbers.
func (v *Validator) aggregates(ctx context.Context, sess runner, report *Report) {
	nodes, err := readInt(ctx, sess, "MATCH (n) RETURN count(n) AS count", nil)
	if err != nil {
		v.log.Warn("aggregate query failed", "error", err)
		return
	}
	rels, err := readInt(ctx, sess, "MATCH ()-[r]->() RETURN count(r) AS count", nil)
	if err != nil {
		v.log.Warn("aggregate query failed", "error", err)
		return
	}
	report.Aggregates["total_nodes"] = float64(nodes)
	report.Aggregates["total_relationships"] = float64(rels)
	if nodes > 0 {
		report.Aggregates["avg_node_degree"] = 2 * float64(rels) / float64(nodes)
	}
}

// sampleConcept inspects one concept for operator review.
func (v *Validator) sampleConcept(ctx context.Context, sess runner, report *Report, conceptID int64) {
	res, err := sess.Run(ctx,
		"MATCH (c:CONCEPT {concept_id: $id}) RETURN c.name AS name, labels(c) AS labels",
		map[string]any{"id": conceptID})
	if err != nil {
		report.Sample = append(report.Sample, fmt.Sprintf("sample query failed: %v", err))
		return
	}
	if !res.Next(ctx) {
		report.Sample = append(report.Sample, fmt.Sprintf("concept %d not found", conceptID))
		return
	}
	name, _ := res.Record().Get("name")
	labelSet, _ := res.Record().Get("labels")
	report.Sample = append(report.Sample, fmt.Sprintf("concept %d %q labels=%v", conceptID, name, labelSet))

	rels, err := sess.Run(ctx,
		`MATCH (c:CONCEPT {concept_id: $id})-[r]-(n)
RETURN type(r) AS rel_type, n.name AS other, n.concept_id AS other_id
LIMIT 25`,
		map[string]any{"id": conceptID})
	if err != nil {
		report.Sample = append(report.Sample, fmt.Sprintf("sample relationship query failed: %v", err))
		return
	}
	for rels.Next(ctx) {
		relType, _ := rels.Record().Get("rel_type")
		other, _ := rels.Record().Get("other")
		otherID, _ := rels.Record().Get("other_id")
		report.Sample = append(report.Sample, fmt.Sprintf("  -[:%v]-(%v, id=%v)", relType, other, otherID))
	}
}

func sortedKeys(m map[string]int64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
