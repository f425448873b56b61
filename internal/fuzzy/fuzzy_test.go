package fuzzy

import (
	"testing"

	"github.com/finexio/enrichment-engine/pkg/models"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Acme, Inc.", "acme inc"},
		{"  Multiple   Spaces  ", "multiple spaces"},
		{"Already-lower", "alreadylower"},
		{"", ""},
	}
	for _, c := range cases {
		if got := Normalize(c.in); got != c.want {
			t.Errorf("Normalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestScore_IdenticalIsOne(t *testing.T) {
	if got := Score("acme corp", "acme corp"); got != 1 {
		t.Fatalf("expected identical strings to score 1, got %f", got)
	}
}

func TestScore_ClampedToUnitRange(t *testing.T) {
	got := Score("completely different name", "nothing alike whatsoever")
	if got < 0 || got > 1 {
		t.Fatalf("score %f out of [0,1] range", got)
	}
}

func TestBest_NoCandidatesReturnsNoneMatch(t *testing.T) {
	d := Best("acme corp", nil)
	if d.Match.MatchType != models.MatchNone {
		t.Fatalf("expected MatchNone for empty candidate slate, got %v", d.Match.MatchType)
	}
}

func TestBest_PicksExactMatch(t *testing.T) {
	candidates := []models.Supplier{
		{SupplierID: "s1", PayeeName: "Acme Corp", NormalizedName: "acme corp"},
		{SupplierID: "s2", PayeeName: "Acme Corporation Holdings", NormalizedName: "acme corporation holdings"},
	}
	d := Best("acme corp", candidates)
	if d.Match.SupplierID != "s1" {
		t.Fatalf("expected exact match s1, got %s (score %d)", d.Match.SupplierID, d.Match.Score)
	}
	if d.Match.MatchType != models.MatchExact {
		t.Fatalf("expected MatchExact, got %v", d.Match.MatchType)
	}
	if d.NeedsAdjudication {
		t.Fatalf("an exact match should not need adjudication")
	}
}

func TestBest_BusinessIndicatorMismatchLowersScore(t *testing.T) {
	candidates := []models.Supplier{
		{SupplierID: "s1", PayeeName: "Smith", NormalizedName: "smith", HasBusinessIndicator: false},
	}
	mismatched := Best("smith llc", candidates)
	matched := Best("smith", candidates)
	if mismatched.Match.Score >= matched.Match.Score {
		t.Fatalf("expected business-indicator mismatch to score lower: mismatched=%d matched=%d",
			mismatched.Match.Score, matched.Match.Score)
	}
}

func TestBest_SingleTokenCommonNameNeverReachesAdjudicationThreshold(t *testing.T) {
	candidates := []models.Supplier{
		{SupplierID: "s1", PayeeName: "Johnson", NormalizedName: "johnson", CommonNameScore: 0.8},
	}
	d := Best("johnson", candidates)
	if d.Match.Score >= 90 {
		t.Fatalf("expected a common single-token name to score below 90, got %d", d.Match.Score)
	}
}

func TestBest_SingleTokenPenaltyScalesWithCommonNameScore(t *testing.T) {
	common := []models.Supplier{{SupplierID: "s1", PayeeName: "Johnson", NormalizedName: "johnson", CommonNameScore: 0.9}}
	rare := []models.Supplier{{SupplierID: "s1", PayeeName: "Zabrowski", NormalizedName: "zabrowski", CommonNameScore: 0.0}}

	commonScore := Best("johnson", common).Match.Score
	rareScore := Best("zabrowski", rare).Match.Score
	if commonScore >= rareScore {
		t.Fatalf("expected a common single-token name to score lower than an uncommon one: common=%d rare=%d", commonScore, rareScore)
	}
}

func TestBest_MultiTokenQueryIsExemptFromSingleTokenPenalty(t *testing.T) {
	candidates := []models.Supplier{
		{SupplierID: "s1", PayeeName: "Johnson Plumbing", NormalizedName: "johnson plumbing", CommonNameScore: 0.8},
	}
	d := Best("johnson plumbing", candidates)
	if d.Match.Score < 90 {
		t.Fatalf("expected a multi-token exact match to not take the single-token penalty, got %d", d.Match.Score)
	}
}

func TestBest_LengthDisparityLowersScore(t *testing.T) {
	short := []models.Supplier{{SupplierID: "s1", PayeeName: "Ace", NormalizedName: "ace plumbing co"}}
	similar := []models.Supplier{{SupplierID: "s1", PayeeName: "Ace Plumbing Co", NormalizedName: "ace plumbing company"}}

	disparate := Best("ace", short).Match.Score
	close := Best("ace plumbing co", similar).Match.Score
	if disparate >= close {
		t.Fatalf("expected a grossly length-mismatched query to score lower than a close one: disparate=%d close=%d", disparate, close)
	}
}

func TestBest_ScoreNeverExceeds100(t *testing.T) {
	candidates := []models.Supplier{
		{SupplierID: "s1", PayeeName: "Acme", NormalizedName: "acme"},
	}
	d := Best("acme", candidates)
	if d.Match.Score > 100 || d.Match.Score < 0 {
		t.Fatalf("score %d out of [0,100] range", d.Match.Score)
	}
}
