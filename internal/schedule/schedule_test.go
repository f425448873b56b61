package schedule

import (
	"testing"

	"github.com/finexio/enrichment-engine/internal/logging"
)

func TestNew_RegistersBothJobs(t *testing.T) {
	s, err := New(Deps{}, logging.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entries := s.cron.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 registered cron jobs, got %d", len(entries))
	}
}

func TestStdLogAdapter_PrintfDoesNotPanic(t *testing.T) {
	adapter := stdLogAdapter{log: logging.New().With("schedule")}
	adapter.Printf("job %s ran %d times", "sweep", 3)
}
