package models

import "testing"

func TestCanTransition_LegalEdges(t *testing.T) {
	cases := []struct {
		from, to SearchState
		want     bool
	}{
		{SearchSubmitted, SearchPolling, true},
		{SearchSubmitted, SearchWebhookReceived, true},
		{SearchPolling, SearchFetchingResults, true},
		{SearchWebhookReceived, SearchFetchingResults, true},
		{SearchFetchingResults, SearchCompleted, true},
		{SearchFetchingResults, SearchNoResults, true},
		{SearchCompleted, SearchCompleted, true}, // self-transition always allowed
		{SearchCompleted, SearchPolling, false},  // terminal, no outgoing edges
		{SearchNoResults, SearchCompleted, false},
		{SearchPolling, SearchSubmitted, false}, // DAG never goes backward
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []SearchState{SearchCompleted, SearchNoResults, SearchFailed, SearchTimeout, SearchCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	nonTerminal := []SearchState{SearchSubmitted, SearchPolling, SearchWebhookReceived, SearchFetchingResults}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("expected %s to not be terminal", s)
		}
	}
}
