package bulksearch

import "testing"

func TestContentHash_OrderIndependent(t *testing.T) {
	a := ContentHash([]string{"rec1", "rec2", "rec3"})
	b := ContentHash([]string{"rec3", "rec1", "rec2"})
	if a != b {
		t.Fatalf("ContentHash should be independent of input order: %q != %q", a, b)
	}
}

func TestContentHash_DifferentSetsDiffer(t *testing.T) {
	a := ContentHash([]string{"rec1", "rec2"})
	b := ContentHash([]string{"rec1", "rec3"})
	if a == b {
		t.Fatalf("different record sets should not collide")
	}
}

func TestBandRank_Orders(t *testing.T) {
	if !(bandRank("HIGH") > bandRank("MEDIUM") && bandRank("MEDIUM") > bandRank("LOW") && bandRank("LOW") > bandRank("")) {
		t.Fatalf("expected HIGH > MEDIUM > LOW > unknown")
	}
}

func TestTokenOverlap_CountsSharedWords(t *testing.T) {
	if got := tokenOverlap("Acme Plumbing Supply", "acme supply co"); got != 2 {
		t.Fatalf("expected 2 shared tokens, got %d", got)
	}
	if got := tokenOverlap("Acme", "Unrelated Business"); got != 0 {
		t.Fatalf("expected 0 shared tokens, got %d", got)
	}
}

func TestIsBetterMatch_HigherBandWins(t *testing.T) {
	candidate := MatchResult{ConfidenceBand: "HIGH", Confidence: 0.5}
	current := MatchResult{ConfidenceBand: "LOW", Confidence: 0.99}
	if !isBetterMatch(candidate, current, "acme corp") {
		t.Fatalf("expected higher confidence band to win regardless of numeric confidence")
	}
}

func TestIsBetterMatch_TieBreaksOnNumericConfidence(t *testing.T) {
	candidate := MatchResult{ConfidenceBand: "HIGH", Confidence: 0.91}
	current := MatchResult{ConfidenceBand: "HIGH", Confidence: 0.85}
	if !isBetterMatch(candidate, current, "acme corp") {
		t.Fatalf("expected higher numeric confidence to win within the same band")
	}
}

func TestIsBetterMatch_TieBreaksOnTokenOverlap(t *testing.T) {
	candidate := MatchResult{ConfidenceBand: "HIGH", Confidence: 0.9, BusinessName: "Acme Plumbing"}
	current := MatchResult{ConfidenceBand: "HIGH", Confidence: 0.9, BusinessName: "Unrelated Co"}
	if !isBetterMatch(candidate, current, "acme plumbing supply") {
		t.Fatalf("expected higher token overlap with input name to win the tie")
	}
}

func TestIsBetterMatch_TieBreaksOnTaxIDPresence(t *testing.T) {
	candidate := MatchResult{ConfidenceBand: "HIGH", Confidence: 0.9, TaxID: "12-3456789"}
	current := MatchResult{ConfidenceBand: "HIGH", Confidence: 0.9}
	if !isBetterMatch(candidate, current, "acme corp") {
		t.Fatalf("expected presence of a tax ID to win when band, confidence and token overlap tie")
	}
}

func TestIsBetterMatch_StableOnFullTie(t *testing.T) {
	candidate := MatchResult{ConfidenceBand: "HIGH", Confidence: 0.9, MerchantID: "m2"}
	current := MatchResult{ConfidenceBand: "HIGH", Confidence: 0.9, MerchantID: "m1"}
	if isBetterMatch(candidate, current, "acme corp") {
		t.Fatalf("expected the lexicographically smaller merchant_id to be the stable winner")
	}
}
