package pool

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"
)

// selectFromPattern matches statements eligible for in-flight dedup
// tracking. Compiled once at package init with MustCompile; the literal
// pattern here is static and always compiles.
var selectFromPattern = regexp.MustCompile(`(?is)SELECT\s+[\s\S]*\s+FROM\s+[\s\S]*`)

var lineCommentPattern = regexp.MustCompile(`--[^\n]*`)
var blockCommentPattern = regexp.MustCompile(`/\*[\s\S]*?\*/`)

// Normalizer canonicalizes a query for logging. It is consulted only on
// evict, for observability; InFlightRegistry's own keying uses its own
// lighter-weight comment-stripping logic independent of this interface.
type Normalizer interface {
	Normalize(query string) (string, error)
}

type inflightEntry struct {
	count int
}

// InFlightRegistry deduplicates concurrently in-flight SELECT...FROM queries
// per pool, so callers can detect and measure duplicate expensive reads.
// Disabled by default; construction is cheap either way since the regexes
// are package-level singletons.
type InFlightRegistry struct {
	mu                   sync.Mutex
	entries              map[string]*inflightEntry
	maxEntries           int
	logNormalizedQueries bool
	normalizer           Normalizer
	warnedFull           bool
}

// NewInFlightRegistry builds a registry bounded at maxEntries concurrent
// keys. normalizer may be nil, in which case evict logs the key itself (the
// comment-stripped query text, trimmed).
func NewInFlightRegistry(maxEntries int, logNormalizedQueries bool, normalizer Normalizer) *InFlightRegistry {
	return &InFlightRegistry{
		entries:              make(map[string]*inflightEntry),
		maxEntries:           maxEntries,
		logNormalizedQueries: logNormalizedQueries,
		normalizer:           normalizer,
	}
}

// stripComments removes line (--) and block (/* */) comments before keying,
// so two textually-different-but-equivalent statements still dedup.
func stripComments(query string) string {
	query = blockCommentPattern.ReplaceAllString(query, "")
	query = lineCommentPattern.ReplaceAllString(query, "")
	return query
}

// Insert registers a query as in-flight. queryData may be a plain statement
// string or, for the extended protocol, the decoded parse+bind text; either
// way it is treated as opaque text here.
//
// Returns (key, owned): owned is true only when this call created the entry
// (the caller becomes responsible for eventually calling Evict(key)); when
// owned is false the caller observed an existing in-flight duplicate and
// does not own any key.
func (r *InFlightRegistry) Insert(queryData string) (key string, owned bool) {
	if !selectFromPattern.MatchString(queryData) {
		return "", false
	}

	normalized := stripComments(queryData)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[normalized]; ok {
		existing.count++
		return "", false
	}

	if len(r.entries) >= r.maxEntries {
		if !r.warnedFull {
			slog.Warn("in-flight query registry full, rejecting new entries", "max_entries", r.maxEntries)
			r.warnedFull = true
		}
		return "", false
	}

	r.entries[normalized] = &inflightEntry{count: 0}
	return normalized, true
}

// Evict removes key from the registry. If the key's final hit counter was
// greater than zero and log_normalized_queries is enabled, a log line is
// emitted naming the canonicalized query text.
func (r *InFlightRegistry) Evict(key string) {
	r.mu.Lock()
	entry, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	r.mu.Unlock()

	if !ok || entry.count == 0 || !r.logNormalizedQueries {
		return
	}

	canonical := key
	if r.normalizer != nil {
		if n, err := r.normalizer.Normalize(key); err == nil {
			canonical = n
		}
	}
	slog.Info("duplicate in-flight query evicted", "query", strings.TrimSpace(canonical), "hits", entry.count)
}
