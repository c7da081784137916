package load

import (
	"errors"
	"strings"
	"testing"

	"github.com/vocagraph/omop2neo4j/engine/omop"
	"github.com/vocagraph/omop2neo4j/pkg/csvstream"
)

func TestLabelPath(t *testing.T) {
	cases := []struct{ sig, want string }{
		{"CONCEPT|DRUG|STANDARD", ":CONCEPT:DRUG:STANDARD"},
		{"DOMAIN", ":DOMAIN"},
		{"weird label", ":WEIRD_LABEL"},
	}
	for _, c := range cases {
		if got := labelPath(c.sig); got != c.want {
			t.Errorf("labelPath(%q) = %q, want %q", c.sig, got, c.want)
		}
	}
}

func TestNodeInsertQuery(t *testing.T) {
	q, err := nodeInsertQuery(omop.TableConcept, "CONCEPT|DRUG|STANDARD")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"UNWIND $rows AS row",
		"CREATE (c:CONCEPT:DRUG:STANDARD",
		"concept_id: toInteger(row.concept_id)",
		"valid_start_date: date(row.valid_start_date)",
		"split(row.synonyms, '|')",
		"RETURN count(c) AS created",
	} {
		if !strings.Contains(q, want) {
			t.Errorf("concept insert missing %q", want)
		}
	}

	if _, err := nodeInsertQuery(omop.TableConceptAncestor, "X"); !errors.Is(err, omop.ErrUnknownTable) {
		t.Errorf("relationship table accepted as node table: %v", err)
	}
}

func TestSemanticRelQuery(t *testing.T) {
	q := semanticRelQuery("MAPS_TO")
	for _, want := range []string{
		"[r:MAPS_TO",
		"toInteger(row.concept_id_1)",
		"toInteger(row.concept_id_2)",
		"RETURN count(r) AS created",
	} {
		if !strings.Contains(q, want) {
			t.Errorf("query missing %q:\n%s", want, q)
		}
	}
	// Type tokens are re-sanitized before interpolation.
	if q := semanticRelQuery("maps to"); !strings.Contains(q, "[r:MAPS_TO") {
		t.Errorf("unsanitized type leaked into query:\n%s", q)
	}
}

func TestRowParams(t *testing.T) {
	header := []string{"concept_id", "concept_name", "labels"}
	rows := []csvstream.Row{
		{Line: 2, Fields: []string{"1", "Aspirin", "CONCEPT|DRUG"}},
	}
	params := rowParams(header, rows)
	if len(params) != 1 {
		t.Fatalf("got %d rows, want 1", len(params))
	}
	m := params[0].(map[string]any)
	if m["concept_id"] != "1" || m["concept_name"] != "Aspirin" {
		t.Errorf("row params = %v", m)
	}
}
