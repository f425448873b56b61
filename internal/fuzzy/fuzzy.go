// Package fuzzy is the Fuzzy Matcher (FM): it scores a cleaned payee
// name against a slate of Supplier Cache candidates and picks the
// best one. Score() combines several string-distance signals the way
// the teacher's CalibratePrivacyScore in internal/heuristics/privacy_score.go
// combines forensic signals — a base score adjusted by weighted terms,
// clamped to a valid range — except here the terms are edit-distance
// ratios instead of blockchain heuristics and the range is [0,1]
// instead of [0,100].
package fuzzy

import (
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
	"github.com/xrash/smetrics"
	"golang.org/x/text/cases"

	"github.com/finexio/enrichment-engine/pkg/models"
)

// caseFolder does Unicode-aware casefolding (Ünlü -> ünlü, İstanbul's
// dotted/dotless I distinction, German ß, ...) instead of the
// byte-oriented strings.ToLower, since payee names in this network are
// not limited to ASCII.
var caseFolder = cases.Fold()

// Signal weights for the combiner. Levenshtein ratio captures overall
// edit distance; Jaro-Winkler rewards shared prefixes (common for
// "Acme Corp" vs "Acme Corporation"); phonetic equality is a coarse
// boost for names that read the same but are spelled differently.
const (
	weightLevenshtein = 0.45
	weightJaroWinkler  = 0.45
	weightPhonetic     = 0.10

	// exitEarlyThreshold: a candidate scoring at or above this short-circuits
	// the remaining candidate slate (spec.md: early-exit at 0.95).
	exitEarlyThreshold = 0.95

	// aiAdjudicateLow/High bound the confidence band handed to the
	// Classifier Gateway for adjudication instead of an automatic decision.
	aiAdjudicateLow  = 0.90
	aiAdjudicateHigh = 0.95

	maxCandidates = 10
)

// Normalize lowercases, strips punctuation, and collapses whitespace —
// the shared normalization both SC's normalized_name column and FM's
// scoring apply, so the two never drift out of sync.
func Normalize(name string) string {
	var b strings.Builder
	lastSpace := false
	for _, r := range caseFolder.String(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		default:
			// punctuation dropped entirely, no replacement space
		}
	}
	return strings.TrimSpace(b.String())
}

// levenshteinRatio converts an edit-distance count into a [0,1]
// similarity ratio normalized by the longer string's length.
func levenshteinRatio(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(maxLen)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Score returns a combined [0,1] similarity between two already
// Normalize()-d names, using the weighted Levenshtein / Jaro-Winkler /
// Soundex combiner.
func Score(a, b string) float64 {
	lev := levenshteinRatio(a, b)
	jw := smetrics.JaroWinkler(a, b, 0.7, 4)
	phonetic := 0.0
	if smetrics.Soundex(a) == smetrics.Soundex(b) {
		phonetic = 1.0
	}

	combined := lev*weightLevenshtein + jw*weightJaroWinkler + phonetic*weightPhonetic
	return clamp01(combined)
}

// Decision is FM's verdict on one Record against a candidate slate.
type Decision struct {
	Match          *models.SupplierMatch
	NeedsAdjudication bool // hand to CG rather than decide automatically
}

// penalize applies domain-specific tie-break adjustments: a candidate
// that carries a clear business indicator (Inc/LLC/Corp) but the
// input name does not (or vice versa) is penalized slightly, since a
// bare-word collision ("Smith" vs "Smith Logistics LLC") is weaker
// evidence than the raw string score suggests. A bare single-token
// query with no business indicator ("Johnson") is weaker evidence
// still — it's indistinguishable from thousands of common surnames —
// so it takes an additional, larger penalty scaled by how common the
// candidate's name is. A gross length mismatch between query and
// candidate is penalized too, since edit-distance ratios understate
// how different a 4-letter query and a 20-letter candidate really are.
func penalize(score float64, normalizedInput string, inputHasBusinessWord bool, candidate models.Supplier) float64 {
	if candidate.HasBusinessIndicator != inputHasBusinessWord {
		score -= 0.05
	}
	// Long common supplier names (e.g. "The Home Depot") inflate naive
	// edit-distance scores against many unrelated inputs; discount by
	// the candidate's precomputed commonality.
	score -= candidate.CommonNameScore * 0.1

	if isSingleToken(normalizedInput) && !inputHasBusinessWord {
		score -= singleTokenPenalty(candidate.CommonNameScore)
	}

	if lengthDisparity(normalizedInput, candidate.NormalizedName) {
		score -= 0.10
	}

	return clamp01(score)
}

var businessWords = []string{"inc", "llc", "corp", "corporation", "co", "ltd", "company", "llp", "lp"}

func hasBusinessWord(normalized string) bool {
	for _, tok := range strings.Fields(normalized) {
		for _, w := range businessWords {
			if tok == w {
				return true
			}
		}
	}
	return false
}

func isSingleToken(normalized string) bool {
	return len(strings.Fields(normalized)) == 1
}

// singleTokenPenalty scales from 0.20 (an uncommon name) to 0.30 (a
// very common one) as the spec requires.
func singleTokenPenalty(commonNameScore float64) float64 {
	return 0.20 + 0.10*clamp01(commonNameScore)
}

// lengthDisparity reports whether one name is more than 3x the length
// of the other — a query and candidate that differ this much in size
// are unlikely to be the same payee no matter how the characters align.
func lengthDisparity(a, b string) bool {
	la, lb := len(a), len(b)
	if la == 0 || lb == 0 {
		return false
	}
	longer, shorter := la, lb
	if shorter > longer {
		longer, shorter = shorter, longer
	}
	return float64(longer) > float64(shorter)*3
}

// Best scores every candidate against normalizedInput (already
// Normalize()-d; only the first maxCandidates entries are scored),
// applies the business-word/common-name penalty,
// and returns the single best match. Ties are broken in favor of the
// candidate with the shorter name (the more specific match).
func Best(normalizedInput string, candidates []models.Supplier) Decision {
	if len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}
	inputHasBiz := hasBusinessWord(normalizedInput)

	var best *models.Supplier
	bestScore := -1.0
	for i := range candidates {
		cand := candidates[i]
		raw := Score(normalizedInput, cand.NormalizedName)
		adjusted := penalize(raw, normalizedInput, inputHasBiz, cand)

		switch {
		case adjusted > bestScore:
			bestScore = adjusted
			best = &candidates[i]
		case adjusted == bestScore && best != nil && cand.NameLength < best.NameLength:
			best = &candidates[i]
		}

		if adjusted >= exitEarlyThreshold {
			break
		}
	}

	if best == nil {
		return Decision{Match: &models.SupplierMatch{MatchType: models.MatchNone}}
	}

	matchType := models.MatchToken
	switch {
	case bestScore >= exitEarlyThreshold:
		matchType = models.MatchExact
	case strings.HasPrefix(best.NormalizedName, normalizedInput) || strings.HasPrefix(normalizedInput, best.NormalizedName):
		matchType = models.MatchPrefix
	case smetrics.Soundex(normalizedInput) == smetrics.Soundex(best.NormalizedName):
		matchType = models.MatchPhonetic
	}

	match := &models.SupplierMatch{
		SupplierID:  best.SupplierID,
		MatchedName: best.PayeeName,
		Score:       int(bestScore * 100),
		MatchType:   matchType,
	}

	return Decision{
		Match:             match,
		NeedsAdjudication: bestScore >= aiAdjudicateLow && bestScore < aiAdjudicateHigh,
	}
}
