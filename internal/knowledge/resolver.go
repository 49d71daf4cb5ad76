// Package knowledge resolves free-text drug mentions against the canonical
// vocabulary through exact, normalized, brand-alias, and fuzzy tiers.
package knowledge

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/clearscript-health/rxscan/internal/model"
)

// ResolverConfig holds the resolution policy knobs.
type ResolverConfig struct {
	// FuzzyFloor discards fuzzy candidates below this similarity.
	FuzzyFloor float64
	// FuzzyTopK caps the fuzzy candidate list.
	FuzzyTopK int
}

// Result is a resolution outcome. Degraded means the remote vocabulary was
// unreachable and only the offline-safe tiers ran.
type Result struct {
	Matches  []model.KnowledgeMatch
	Degraded bool
}

// Resolver applies the tiered matching algorithm. It never hard-fails:
// a vocabulary outage degrades resolution rather than erroring.
type Resolver struct {
	vocab   Vocabulary
	aliases *AliasTable
	cfg     ResolverConfig
}

// NewResolver builds a resolver. A nil alias table disables the alias tier.
func NewResolver(vocab Vocabulary, aliases *AliasTable, cfg ResolverConfig) *Resolver {
	if cfg.FuzzyFloor <= 0 {
		cfg.FuzzyFloor = 0.63
	}
	if cfg.FuzzyTopK <= 0 {
		cfg.FuzzyTopK = 5
	}
	if aliases == nil {
		aliases = NewAliasTable()
	}
	return &Resolver{vocab: vocab, aliases: aliases, cfg: cfg}
}

// Resolve returns candidate matches for a raw drug mention, best first.
// Tiers run in order and short-circuit after an exact or normalized hit.
// Candidates from the remaining tiers are merged, deduplicated by code
// keeping the best score, and sorted by score then match-kind priority.
func (r *Resolver) Resolve(ctx context.Context, name string) Result {
	var res Result

	// Tier 1: exact.
	entry, err := r.vocab.LookupExact(ctx, NormalizeLight(name))
	if err != nil {
		res.Degraded = true
		zap.L().Warn("vocabulary unreachable, degrading resolution",
			zap.String("name", name), zap.Error(err))
	} else if entry != nil {
		res.Matches = []model.KnowledgeMatch{{
			Code:          entry.Code,
			CanonicalName: entry.CanonicalName,
			MatchKind:     model.MatchExact,
			MatchScore:    1.0,
		}}
		return res
	}

	// Tier 2: normalized (suffix and strength stripping).
	if !res.Degraded {
		normalized := Normalize(name)
		if normalized != "" && normalized != NormalizeLight(name) {
			entry, err = r.vocab.LookupExact(ctx, normalized)
			if err != nil {
				res.Degraded = true
				zap.L().Warn("vocabulary unreachable, degrading resolution",
					zap.String("name", name), zap.Error(err))
			} else if entry != nil {
				res.Matches = []model.KnowledgeMatch{{
					Code:          entry.Code,
					CanonicalName: entry.CanonicalName,
					MatchKind:     model.MatchNormalized,
					MatchScore:    0.95,
				}}
				return res
			}
		}
	}

	var candidates []model.KnowledgeMatch

	// Tier 3: brand/generic alias. Works offline; the vocabulary is only
	// consulted to fill in the counterpart's code when reachable.
	for _, key := range []string{name, Normalize(name)} {
		counterpart, score, ok := r.aliases.Lookup(key)
		if !ok {
			continue
		}
		m := model.KnowledgeMatch{
			Code:          NormalizeLight(counterpart),
			CanonicalName: counterpart,
			MatchKind:     model.MatchBrandAlias,
			MatchScore:    score,
		}
		if !res.Degraded {
			entry, err = r.vocab.LookupExact(ctx, counterpart)
			if err != nil {
				res.Degraded = true
			} else if entry != nil {
				m.Code = entry.Code
				m.CanonicalName = entry.CanonicalName
			}
		}
		candidates = append(candidates, m)
		break
	}

	// Tier 4: fuzzy, skipped when degraded.
	if !res.Degraded {
		fuzzy, err := r.vocab.LookupFuzzy(ctx, Normalize(name), r.cfg.FuzzyFloor, r.cfg.FuzzyTopK)
		if err != nil {
			res.Degraded = true
			zap.L().Warn("vocabulary unreachable during fuzzy tier",
				zap.String("name", name), zap.Error(err))
		} else {
			for _, se := range fuzzy {
				candidates = append(candidates, model.KnowledgeMatch{
					Code:          se.Code,
					CanonicalName: se.CanonicalName,
					MatchKind:     model.MatchFuzzy,
					MatchScore:    se.Score,
				})
			}
		}
	}

	res.Matches = mergeCandidates(candidates)
	return res
}

// mergeCandidates deduplicates by code keeping the best match per code, then
// sorts by score descending, tie-broken by match-kind priority.
func mergeCandidates(in []model.KnowledgeMatch) []model.KnowledgeMatch {
	byCode := make(map[string]model.KnowledgeMatch, len(in))
	for _, m := range in {
		best, ok := byCode[m.Code]
		if !ok || m.BetterThan(best) {
			byCode[m.Code] = m
		}
	}

	out := make([]model.KnowledgeMatch, 0, len(byCode))
	for _, m := range byCode {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MatchScore != out[j].MatchScore || out[i].MatchKind != out[j].MatchKind {
			return out[i].BetterThan(out[j])
		}
		return out[i].Code < out[j].Code
	})
	if len(out) == 0 {
		return nil
	}
	return out
}
