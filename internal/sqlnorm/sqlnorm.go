// Package sqlnorm canonicalizes SQL text for observability: it implements
// the SQL normalizer collaborator consulted by InFlightRegistry.Evict
// (spec.md §4.3, §6) to render a human-readable, comment-free, whitespace-
// collapsed form of a duplicated query for logging.
//
// This stays on the standard library: the pack's only SQL-aware dependency
// is pg_query (out of scope per spec.md §1's "query parsing" exclusion, and
// not present in any example repo's go.mod), so there is no third-party
// normalizer to wire here — see DESIGN.md.
package sqlnorm

import (
	"regexp"
	"strings"
)

var (
	lineComment  = regexp.MustCompile(`--[^\n]*`)
	blockComment = regexp.MustCompile(`/\*[\s\S]*?\*/`)
	whitespace   = regexp.MustCompile(`\s+`)
)

// Normalizer implements pool.Normalizer: strip comments, collapse
// whitespace, and trim.
type Normalizer struct{}

// Normalize strips line and block comments, collapses runs of whitespace to
// a single space, and trims the result.
func (Normalizer) Normalize(query string) (string, error) {
	out := blockComment.ReplaceAllString(query, " ")
	out = lineComment.ReplaceAllString(out, " ")
	out = whitespace.ReplaceAllString(out, " ")
	return strings.TrimSpace(out), nil
}
