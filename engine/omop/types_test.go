package omop

import (
	"errors"
	"testing"
)

func TestTableByName(t *testing.T) {
	for _, tbl := range Tables {
		got, ok := TableByName(tbl.Name)
		if !ok {
			t.Fatalf("TableByName(%q) not found", tbl.Name)
		}
		if got.Name != tbl.Name {
			t.Errorf("TableByName(%q) = %q", tbl.Name, got.Name)
		}
	}
	if _, ok := TableByName("person"); ok {
		t.Error("expected person to be unknown")
	}
}

func TestColumnIndex(t *testing.T) {
	if i := ConceptTable.ColumnIndex("domain_id"); i != 2 {
		t.Errorf("domain_id index = %d, want 2", i)
	}
	if i := ConceptTable.ColumnIndex("nope"); i != -1 {
		t.Errorf("missing column index = %d, want -1", i)
	}
}

func TestRequiredColumnsExist(t *testing.T) {
	for _, tbl := range Tables {
		for _, req := range tbl.Required {
			if tbl.ColumnIndex(req) < 0 {
				t.Errorf("table %s: required column %q not in header", tbl.Name, req)
			}
		}
	}
}

func TestIsRelationshipTable(t *testing.T) {
	if !IsRelationshipTable(TableConceptRelationship) || !IsRelationshipTable(TableConceptAncestor) {
		t.Error("relationship tables not detected")
	}
	if IsRelationshipTable(TableConcept) || IsRelationshipTable(TableDomain) {
		t.Error("node table misclassified as relationship table")
	}
}

func TestRowErrorUnwrap(t *testing.T) {
	err := NewRowError(TableConcept, 42, "missing concept_id")
	if !errors.Is(err, ErrMalformedRow) {
		t.Error("RowError should unwrap to ErrMalformedRow")
	}
	if err.Error() == "" {
		t.Error("empty error string")
	}
}
