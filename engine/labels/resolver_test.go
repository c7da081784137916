package labels

import (
	"reflect"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"treats", "TREATS"},
		{"Maps to", "MAPS_TO"},
		{"Subsumes", "SUBSUMES"},
		{"Concept replaced by", "CONCEPT_REPLACED_BY"},
		{"Condition/Era", "CONDITION_ERA"},
		{"Spec Anatomic Site", "SPEC_ANATOMIC_SITE"},
		{"  Drug  ", "DRUG"},
		{"a--b", "A_B"},
		{"has __ many___seps", "HAS_MANY_SEPS"},
		{"(something)", "SOMETHING"},
		{"ALREADY_UPPER", "ALREADY_UPPER"},
		{"", "UNKNOWN"},
		{"///", "UNKNOWN"},
		{"   ", "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := Sanitize(tt.input); got != tt.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestLabelSet(t *testing.T) {
	r := NewResolver()

	tests := []struct {
		domain, flag string
		want         []string
	}{
		{"Drug", "S", []string{"CONCEPT", "DRUG", "STANDARD"}},
		{"Condition", "", []string{"CONCEPT", "CONDITION"}},
		{"Condition", "C", []string{"CONCEPT", "CONDITION"}},
		{"Spec Anatomic Site", "S", []string{"CONCEPT", "SPEC_ANATOMIC_SITE", "STANDARD"}},
		{"", "", []string{"CONCEPT", "UNKNOWN"}},
	}
	for _, tt := range tests {
		got := r.LabelSet(tt.domain, tt.flag)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("LabelSet(%q, %q) = %v, want %v", tt.domain, tt.flag, got, tt.want)
		}
	}
}

func TestLabelSetMemoized(t *testing.T) {
	r := NewResolver()
	a := r.LabelSet("Drug", "S")
	b := r.LabelSet("Drug", "S")
	if &a[0] != &b[0] {
		t.Error("expected memoized LabelSet to return the cached slice")
	}
	// Distinct flags must not alias.
	c := r.LabelSet("Drug", "")
	if len(c) != 2 {
		t.Errorf("LabelSet(Drug, \"\") = %v, want 2 labels", c)
	}
}

func TestRelTypeMemoized(t *testing.T) {
	r := NewResolver()
	if got := r.RelType("Maps to"); got != "MAPS_TO" {
		t.Fatalf("RelType = %q", got)
	}
	if len(r.relTypes) != 1 {
		t.Fatalf("cache size = %d, want 1", len(r.relTypes))
	}
	r.RelType("Maps to")
	if len(r.relTypes) != 1 {
		t.Error("repeat input grew the cache")
	}
	if got := r.RelType(""); got != Unknown {
		t.Errorf("RelType(\"\") = %q, want UNKNOWN", got)
	}
}

func TestSignature(t *testing.T) {
	r := NewResolver()
	if got := Signature(r.LabelSet("Drug", "S")); got != "CONCEPT|DRUG|STANDARD" {
		t.Errorf("Signature = %q", got)
	}
	if got := Signature(r.LabelSet("Condition", "")); got != "CONCEPT|CONDITION" {
		t.Errorf("Signature = %q", got)
	}
}
