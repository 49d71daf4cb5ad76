package knowledge

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agext/levenshtein"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Entry is one canonical vocabulary row.
type Entry struct {
	Code          string
	CanonicalName string
}

// ScoredEntry pairs an entry with a similarity score in [0,1].
type ScoredEntry struct {
	Entry
	Score float64
}

// Vocabulary abstracts the external drug vocabulary store.
type Vocabulary interface {
	// LookupExact finds the entry whose canonical name equals the given
	// normalized name. Returns nil with no error when nothing matches.
	LookupExact(ctx context.Context, name string) (*Entry, error)
	// LookupFuzzy returns at most limit entries with similarity >= floor,
	// ordered by descending similarity.
	LookupFuzzy(ctx context.Context, name string, floor float64, limit int) ([]ScoredEntry, error)
}

// Querier abstracts pgx query execution so tests can substitute pgxmock.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGVocabulary queries a Postgres vocabulary table using pg_trgm similarity
// for the fuzzy tier.
type PGVocabulary struct {
	db      Querier
	timeout time.Duration
}

// NewPGVocabulary wraps a pgx pool or mock.
func NewPGVocabulary(db Querier, timeout time.Duration) *PGVocabulary {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PGVocabulary{db: db, timeout: timeout}
}

func (v *PGVocabulary) LookupExact(ctx context.Context, name string) (*Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	const q = `
		SELECT code, canonical_name
		FROM drug_vocabulary
		WHERE lower(canonical_name) = $1
		LIMIT 1`

	var e Entry
	err := v.db.QueryRow(ctx, q, NormalizeLight(name)).Scan(&e.Code, &e.CanonicalName)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "knowledge: exact lookup")
	}
	return &e, nil
}

func (v *PGVocabulary) LookupFuzzy(ctx context.Context, name string, floor float64, limit int) ([]ScoredEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	const q = `
		SELECT code, canonical_name, similarity(lower(canonical_name), $1) AS sim
		FROM drug_vocabulary
		WHERE similarity(lower(canonical_name), $1) >= $2
		ORDER BY sim DESC, code
		LIMIT $3`

	rows, err := v.db.Query(ctx, q, NormalizeLight(name), floor, limit)
	if err != nil {
		return nil, eris.Wrap(err, "knowledge: fuzzy lookup")
	}
	defer rows.Close()

	var out []ScoredEntry
	for rows.Next() {
		var se ScoredEntry
		if err := rows.Scan(&se.Code, &se.CanonicalName, &se.Score); err != nil {
			return nil, eris.Wrap(err, "knowledge: scan fuzzy row")
		}
		out = append(out, se)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "knowledge: fuzzy rows")
	}
	return out, nil
}

// MemVocabulary is an in-memory vocabulary for tests and offline operation.
// Fuzzy matching uses Levenshtein similarity instead of pg_trgm.
type MemVocabulary struct {
	mu      sync.RWMutex
	entries map[string]Entry // keyed by normalized canonical name
}

// NewMemVocabulary builds an in-memory vocabulary from entries.
func NewMemVocabulary(entries []Entry) *MemVocabulary {
	m := &MemVocabulary{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		m.entries[NormalizeLight(e.CanonicalName)] = e
	}
	return m
}

// Add inserts or replaces an entry.
func (m *MemVocabulary) Add(e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[NormalizeLight(e.CanonicalName)] = e
}

func (m *MemVocabulary) LookupExact(_ context.Context, name string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entries[NormalizeLight(name)]; ok {
		out := e
		return &out, nil
	}
	return nil, nil
}

func (m *MemVocabulary) LookupFuzzy(_ context.Context, name string, floor float64, limit int) ([]ScoredEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	target := NormalizeLight(name)
	var out []ScoredEntry
	for key, e := range m.entries {
		score := levenshtein.Similarity(target, key, nil)
		if score >= floor {
			out = append(out, ScoredEntry{Entry: e, Score: score})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Code < out[j].Code
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
