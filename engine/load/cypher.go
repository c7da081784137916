package load

import (
	"fmt"
	"strings"

	"github.com/vocagraph/omop2neo4j/engine/labels"
	"github.com/vocagraph/omop2neo4j/engine/omop"
	"github.com/vocagraph/omop2neo4j/pkg/csvstream"
)

// schemaStatements create the constraint and index set for the vocabulary
// graph. Every statement is IF NOT EXISTS so re-running is a no-op.
var schemaStatements = []string{
	"CREATE CONSTRAINT constraint_concept_id IF NOT EXISTS FOR (c:CONCEPT) REQUIRE c.concept_id IS UNIQUE",
	"CREATE CONSTRAINT constraint_domain_id IF NOT EXISTS FOR (d:DOMAIN) REQUIRE d.domain_id IS UNIQUE",
	"CREATE CONSTRAINT constraint_vocabulary_id IF NOT EXISTS FOR (v:VOCABULARY) REQUIRE v.vocabulary_id IS UNIQUE",
	"CREATE INDEX index_concept_code IF NOT EXISTS FOR (c:CONCEPT) ON (c.concept_code)",
	"CREATE INDEX index_standard_concept_id IF NOT EXISTS FOR (c:STANDARD) ON (c.concept_id)",
}

// clearBatchQuery deletes nodes in bounded batches; the caller loops until
// the returned count reaches zero.
const clearBatchQuery = "MATCH (n) WITH n LIMIT $limit DETACH DELETE n RETURN count(n) AS deleted"

// labelPath renders a label-set signature as a Cypher label expression.
// Tokens are re-sanitized before interpolation since labels cannot be
// query parameters.
func labelPath(signature string) string {
	var b strings.Builder
	for _, tok := range strings.Split(signature, labels.SignatureSep) {
		b.WriteString(":")
		b.WriteString(labels.Sanitize(tok))
	}
	return b.String()
}

// nodeInsertQuery builds the batched UNWIND insert for one node table and
// one label-set signature.
func nodeInsertQuery(table, signature string) (string, error) {
	switch table {
	case omop.TableDomain:
		return `UNWIND $rows AS row
CREATE (d` + labelPath(signature) + ` {
  domain_id: row.domain_id,
  domain_name: row.domain_name,
  domain_concept_id: toInteger(row.domain_concept_id)
})
RETURN count(d) AS created`, nil
	case omop.TableVocabulary:
		return `UNWIND $rows AS row
CREATE (v` + labelPath(signature) + ` {
  vocabulary_id: row.vocabulary_id,
  vocabulary_name: row.vocabulary_name,
  vocabulary_reference: row.vocabulary_reference,
  vocabulary_version: row.vocabulary_version,
  vocabulary_concept_id: toInteger(row.vocabulary_concept_id)
})
RETURN count(v) AS created`, nil
	case omop.TableConcept:
		return `UNWIND $rows AS row
CREATE (c` + labelPath(signature) + ` {
  concept_id: toInteger(row.concept_id),
  name: row.concept_name,
  domain_id: row.domain_id,
  vocabulary_id: row.vocabulary_id,
  concept_class_id: row.concept_class_id,
  standard_concept: row.standard_concept,
  concept_code: row.concept_code,
  valid_start_date: date(row.valid_start_date),
  valid_end_date: date(row.valid_end_date),
  invalid_reason: row.invalid_reason,
  synonyms: CASE WHEN row.synonyms <> '' THEN split(row.synonyms, '|') ELSE [] END
})
RETURN count(c) AS created`, nil
	}
	return "", fmt.Errorf("load: %w: %s is not a node table", omop.ErrUnknownTable, table)
}

// Contextual edge inserts reuse the concept rows loaded just before them.
const (
	inDomainQuery = `UNWIND $rows AS row
MATCH (c:CONCEPT {concept_id: toInteger(row.concept_id)})
MATCH (d:DOMAIN {domain_id: row.domain_id})
CREATE (c)-[:IN_DOMAIN]->(d)
RETURN count(*) AS created`

	fromVocabularyQuery = `UNWIND $rows AS row
MATCH (c:CONCEPT {concept_id: toInteger(row.concept_id)})
MATCH (v:VOCABULARY {vocabulary_id: row.vocabulary_id})
CREATE (c)-[:FROM_VOCABULARY]->(v)
RETURN count(*) AS created`

	ancestorInsertQuery = `UNWIND $rows AS row
MATCH (d:CONCEPT {concept_id: toInteger(row.descendant_concept_id)})
MATCH (a:CONCEPT {concept_id: toInteger(row.ancestor_concept_id)})
CREATE (d)-[r:HAS_ANCESTOR]->(a)
SET r.min_levels = toInteger(row.min_levels_of_separation),
    r.max_levels = toInteger(row.max_levels_of_separation)
RETURN count(r) AS created`
)

// semanticRelQuery builds the batched insert for one relationship type. A
// row whose endpoints are missing matches nothing and creates nothing; the
// validator reconciles the shortfall afterwards.
func semanticRelQuery(relType string) string {
	return `UNWIND $rows AS row
MATCH (c1:CONCEPT {concept_id: toInteger(row.concept_id_1)})
MATCH (c2:CONCEPT {concept_id: toInteger(row.concept_id_2)})
CREATE (c1)-[r:` + labels.Sanitize(relType) + ` {
  valid_start_date: date(row.valid_start_date),
  valid_end_date: date(row.valid_end_date),
  invalid_reason: row.invalid_reason
}]->(c2)
RETURN count(r) AS created`
}

// rowParams converts a chunk of CSV rows into UNWIND parameters keyed by
// the artifact header.
func rowParams(header []string, rows []csvstream.Row) []any {
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		m := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(row.Fields) {
				m[col] = row.Fields[i]
			}
		}
		out = append(out, m)
	}
	return out
}
