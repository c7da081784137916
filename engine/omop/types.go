// Package omop defines the source-side row types and table schemas for the
// OMOP CDM vocabulary tables handled by the migration pipeline. It acts as
// the schema gate at pipeline entry points: every extracted CSV is expected
// to match one of the Table descriptors declared here.
package omop

// Table names as used for extracted CSV files.
const (
	TableConcept             = "concepts_optimized"
	TableConceptRelationship = "concept_relationship"
	TableConceptAncestor     = "concept_ancestor"
	TableDomain              = "domain"
	TableVocabulary          = "vocabulary"
)

// Table describes an extracted CSV file: its expected header and which
// columns must be non-empty for a row to be loadable.
type Table struct {
	Name     string
	Columns  []string
	Required []string
}

// Filename returns the extracted CSV filename for the table.
func (t Table) Filename() string { return t.Name + ".csv" }

// ColumnIndex returns the position of a column in the table header, or -1.
func (t Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// ConceptTable is the concept export joined with concept_synonym.
var ConceptTable = Table{
	Name: TableConcept,
	Columns: []string{
		"concept_id", "concept_name", "domain_id", "vocabulary_id",
		"concept_class_id", "standard_concept", "concept_code",
		"valid_start_date", "valid_end_date", "invalid_reason", "synonyms",
	},
	Required: []string{"concept_id", "concept_name", "domain_id", "vocabulary_id"},
}

// ConceptRelationshipTable is the concept_relationship export.
var ConceptRelationshipTable = Table{
	Name: TableConceptRelationship,
	Columns: []string{
		"concept_id_1", "concept_id_2", "relationship_id",
		"valid_start_date", "valid_end_date", "invalid_reason",
	},
	Required: []string{"concept_id_1", "concept_id_2", "relationship_id"},
}

// ConceptAncestorTable is the concept_ancestor export.
var ConceptAncestorTable = Table{
	Name: TableConceptAncestor,
	Columns: []string{
		"descendant_concept_id", "ancestor_concept_id",
		"min_levels_of_separation", "max_levels_of_separation",
	},
	Required: []string{"descendant_concept_id", "ancestor_concept_id"},
}

// DomainTable is the domain reference export.
var DomainTable = Table{
	Name:     TableDomain,
	Columns:  []string{"domain_id", "domain_name", "domain_concept_id"},
	Required: []string{"domain_id"},
}

// VocabularyTable is the vocabulary reference export.
var VocabularyTable = Table{
	Name: TableVocabulary,
	Columns: []string{
		"vocabulary_id", "vocabulary_name", "vocabulary_reference",
		"vocabulary_version", "vocabulary_concept_id",
	},
	Required: []string{"vocabulary_id"},
}

// Tables lists every table in extraction order. Node sources come before
// relationship sources, matching the order the loader needs them in.
var Tables = []Table{
	DomainTable,
	VocabularyTable,
	ConceptTable,
	ConceptRelationshipTable,
	ConceptAncestorTable,
}

// TableByName returns the table descriptor for a name.
func TableByName(name string) (Table, bool) {
	for _, t := range Tables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// IsRelationshipTable reports whether rows of the table become graph
// relationships rather than nodes.
func IsRelationshipTable(name string) bool {
	return name == TableConceptRelationship || name == TableConceptAncestor
}
