// Package labels derives graph labels and relationship types from OMOP
// source attributes. Derivation is pure and memoized: the same handful of
// distinct domain_ids and relationship_ids recurs across millions of rows,
// so each distinct input is sanitized once and cached.
package labels

import "strings"

// Core label and type tokens.
const (
	LabelConcept    = "CONCEPT"
	LabelStandard   = "STANDARD"
	LabelDomain     = "DOMAIN"
	LabelVocabulary = "VOCABULARY"

	// Unknown is the reserved fallback for empty or unsanitizable inputs.
	// Every row stays classifiable; no row is dropped for a bad token.
	Unknown = "UNKNOWN"

	// StandardFlag marks a concept as the canonical representative of its domain.
	StandardFlag = "S"
)

// Fixed relationship types not derived from source data.
const (
	RelTypeInDomain       = "IN_DOMAIN"
	RelTypeFromVocabulary = "FROM_VOCABULARY"
	RelTypeHasAncestor    = "HAS_ANCESTOR"
)

// SignatureSep joins label tokens into a label-set signature.
const SignatureSep = "|"

// Resolver memoizes label and relationship-type derivation. It owns plain
// maps and is meant for single-run, single-goroutine use, matching the
// chunk-at-a-time streaming model of the transformation engine.
type Resolver struct {
	labelSets map[string][]string
	relTypes  map[string]string
	domains   map[string]string
}

// NewResolver creates an empty Resolver.
func NewResolver() *Resolver {
	return &Resolver{
		labelSets: make(map[string][]string),
		relTypes:  make(map[string]string),
		domains:   make(map[string]string),
	}
}

// DomainLabel returns the sanitized label token for a domain_id.
func (r *Resolver) DomainLabel(domainID string) string {
	if tok, ok := r.domains[domainID]; ok {
		return tok
	}
	tok := Sanitize(domainID)
	r.domains[domainID] = tok
	return tok
}

// LabelSet returns the ordered label set for a concept row: the identity
// label, the domain label, and STANDARD when the flag is "S". Callers must
// not mutate the returned slice.
func (r *Resolver) LabelSet(domainID, standardFlag string) []string {
	key := domainID + "\x00" + standardFlag
	if set, ok := r.labelSets[key]; ok {
		return set
	}
	set := []string{LabelConcept, r.DomainLabel(domainID)}
	if strings.TrimSpace(standardFlag) == StandardFlag {
		set = append(set, LabelStandard)
	}
	r.labelSets[key] = set
	return set
}

// RelType returns the sanitized relationship type for a relationship_id.
func (r *Resolver) RelType(relationshipID string) string {
	if tok, ok := r.relTypes[relationshipID]; ok {
		return tok
	}
	tok := Sanitize(relationshipID)
	r.relTypes[relationshipID] = tok
	return tok
}

// Signature joins a label set into its pipe-delimited signature, the
// partition key for offline node files.
func Signature(set []string) string {
	return strings.Join(set, SignatureSep)
}

// Sanitize turns an arbitrary source token into a graph-safe identifier:
// whitespace trimmed, characters outside [A-Za-z0-9_] replaced with '_',
// runs of '_' collapsed, edges trimmed, result upper-cased. Inputs that
// sanitize to nothing yield Unknown.
func Sanitize(s string) string {
	s = strings.TrimSpace(s)
	safe := make([]byte, 0, len(s))
	lastSep := true // swallow leading separators
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
			c -= 'a' - 'A'
			fallthrough
		case (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9'):
			safe = append(safe, c)
			lastSep = false
		default:
			if !lastSep {
				safe = append(safe, '_')
				lastSep = true
			}
		}
	}
	for len(safe) > 0 && safe[len(safe)-1] == '_' {
		safe = safe[:len(safe)-1]
	}
	if len(safe) == 0 {
		return Unknown
	}
	return string(safe)
}
