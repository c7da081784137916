package validate

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/vocagraph/omop2neo4j/engine/omop"
	"github.com/vocagraph/omop2neo4j/engine/transform"
)

type mockResult struct {
	records []*neo4j.Record
	idx     int
}

func (m *mockResult) Next(ctx context.Context) bool {
	if m.idx < len(m.records) {
		m.idx++
		return true
	}
	return false
}

func (m *mockResult) Record() *neo4j.Record { return m.records[m.idx-1] }

func (m *mockResult) Err() error { return nil }

// mockSession answers count queries by cypher substring.
type mockSession struct {
	counts  map[string]int64
	failOn  string
	cyphers []string
}

func (m *mockSession) Run(_ context.Context, cypher string, params map[string]any) (result, error) {
	m.cyphers = append(m.cyphers, cypher)
	if m.failOn != "" && strings.Contains(cypher, m.failOn) {
		return nil, errors.New("boom")
	}
	for key, n := range m.counts {
		if strings.Contains(cypher, key) {
			return &mockResult{records: []*neo4j.Record{
				{Keys: []string{"count"}, Values: []any{n}},
			}}, nil
		}
	}
	return &mockResult{records: []*neo4j.Record{
		{Keys: []string{"count"}, Values: []any{int64(0)}},
	}}, nil
}

func (m *mockSession) Close(ctx context.Context) error { return nil }

func testValidator(sess *mockSession) *Validator {
	return newValidator(func(ctx context.Context) runner { return sess },
		Deps{Logger: slog.New(slog.DiscardHandler)})
}

func TestRunAllChecksPass(t *testing.T) {
	sess := &mockSession{counts: map[string]int64{
		"(n:CONCEPT:DRUG:STANDARD)":   2,
		"(n:DOMAIN)":                  1,
		"[r:MAPS_TO]":                 2,
		"MATCH (n) RETURN count":      3,
		"MATCH ()-[r]->() RETURN":     2,
	}}
	v := testValidator(sess)

	report, err := v.Run(context.Background(), Inputs{
		Expected: map[string]int64{
			"CONCEPT|DRUG|STANDARD": 2,
			"DOMAIN":                1,
			"MAPS_TO":               2,
		},
		Created: map[string]int64{"MAPS_TO": 2},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.Passed() {
		t.Fatalf("report failed: %+v", report.Failures())
	}
	if report.Err() != nil {
		t.Errorf("Err() = %v, want nil", report.Err())
	}
	if report.Aggregates["total_nodes"] != 3 {
		t.Errorf("total_nodes = %v, want 3", report.Aggregates["total_nodes"])
	}
	if got := report.Aggregates["avg_node_degree"]; got < 1.3 || got > 1.4 {
		t.Errorf("avg_node_degree = %v, want 2*2/3", got)
	}
}

func TestRunReferentialShortfall(t *testing.T) {
	// Two MAPS_TO rows extracted, one silently dropped at load time
	// because its endpoint concept was missing.
	sess := &mockSession{counts: map[string]int64{"[r:MAPS_TO]": 1}}
	v := testValidator(sess)

	report, err := v.Run(context.Background(), Inputs{
		Expected: map[string]int64{"MAPS_TO": 2},
		Created:  map[string]int64{"MAPS_TO": 1},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Passed() {
		t.Fatal("report passed despite missing relationship")
	}

	var integrity []Check
	for _, c := range report.Failures() {
		if c.Name == CheckReferential {
			integrity = append(integrity, c)
		}
	}
	if len(integrity) != 1 {
		t.Fatalf("got %d integrity failures, want exactly 1: %+v", len(integrity), integrity)
	}
	if integrity[0].Target != "MAPS_TO" || integrity[0].Actual != 1 {
		t.Errorf("integrity failure = %+v, want MAPS_TO with 1 missing", integrity[0])
	}
	if !errors.Is(report.Err(), omop.ErrUnresolvedReference) {
		t.Errorf("Err() = %v, want ErrUnresolvedReference", report.Err())
	}
}

func TestRunNeverAbortsEarly(t *testing.T) {
	sess := &mockSession{
		failOn: "(n:CONCEPT)",
		counts: map[string]int64{"(n:DOMAIN)": 1},
	}
	v := testValidator(sess)

	report, err := v.Run(context.Background(), Inputs{
		Expected: map[string]int64{"CONCEPT": 5, "DOMAIN": 1, "MAPS_TO": 0},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Checks) != 3 {
		t.Fatalf("got %d checks, want 3 (no early abort): %+v", len(report.Checks), report.Checks)
	}
	var failed, passed int
	for _, c := range report.Checks {
		if c.Passed {
			passed++
		} else {
			failed++
			if c.Target == "CONCEPT" && c.Detail == "" {
				t.Error("query error not recorded in check detail")
			}
		}
	}
	if failed != 1 || passed != 2 {
		t.Errorf("failed/passed = %d/%d, want 1/2", failed, passed)
	}
}

func TestExactNodeCountQuery(t *testing.T) {
	q := exactNodeCountQuery("CONCEPT|DRUG|STANDARD")
	for _, want := range []string{"(n:CONCEPT:DRUG:STANDARD)", "size(labels(n)) = 3"} {
		if !strings.Contains(q, want) {
			t.Errorf("query missing %q: %s", want, q)
		}
	}
}

func TestIsNodeDestination(t *testing.T) {
	cases := map[string]bool{
		"CONCEPT|DRUG|STANDARD": true,
		"CONCEPT":               true,
		"DOMAIN":                true,
		"VOCABULARY":            true,
		"MAPS_TO":               false,
		"HAS_ANCESTOR":          false,
		"IN_DOMAIN":             false,
	}
	for key, want := range cases {
		if got := isNodeDestination(key); got != want {
			t.Errorf("isNodeDestination(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestExpectedFromReport(t *testing.T) {
	r := &transform.Report{Tables: map[string]*transform.TableStats{
		omop.TableConcept: {
			Table: omop.TableConcept,
			Rows:  3,
			ByDestination: map[string]int64{
				"CONCEPT|DRUG|STANDARD": 2,
				"CONCEPT|CONDITION":     1,
			},
		},
		omop.TableConceptRelationship: {
			Table:         omop.TableConceptRelationship,
			Rows:          2,
			ByDestination: map[string]int64{"MAPS_TO": 2},
		},
	}}
	exp := ExpectedFromReport(r)
	if exp["CONCEPT|DRUG|STANDARD"] != 2 || exp["MAPS_TO"] != 2 {
		t.Errorf("expected map = %v", exp)
	}
	// Contextual edges implied by concept rows.
	if exp["IN_DOMAIN"] != 3 || exp["FROM_VOCABULARY"] != 3 {
		t.Errorf("contextual expectations = %d/%d, want 3/3", exp["IN_DOMAIN"], exp["FROM_VOCABULARY"])
	}
}

func TestExpectedFromManifest(t *testing.T) {
	m := &transform.Manifest{Entries: []transform.ManifestEntry{
		{Key: "CONCEPT|DRUG", Kind: transform.KindNode, Rows: 4},
		{Key: "MAPS_TO", Kind: transform.KindRelationship, Rows: 7},
	}}
	exp := ExpectedFromManifest(m)
	if exp["CONCEPT|DRUG"] != 4 || exp["MAPS_TO"] != 7 {
		t.Errorf("expected map = %v", exp)
	}
}
