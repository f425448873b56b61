package orchestrator

import (
	"testing"

	"github.com/finexio/enrichment-engine/pkg/models"
)

func TestStagesDone_AllEnabledAndCompleted(t *testing.T) {
	rec := models.Record{PerStageStatus: models.PerStageStatus{
		Classify: models.StageCompleted,
		Finexio:  models.StageCompleted,
		Address:  models.StageCompleted,
		Merchant: models.StageCompleted,
	}}
	opts := models.BatchOptions{EnableClassify: true, EnableFinexio: true, EnableAddress: true, EnableMerchant: true}
	if !stagesDone(rec, opts) {
		t.Fatalf("expected all-completed record to be done")
	}
}

func TestStagesDone_DisabledStageIgnored(t *testing.T) {
	rec := models.Record{PerStageStatus: models.PerStageStatus{
		Classify: models.StageCompleted,
		Finexio:  models.StagePending, // disabled, so its pending status shouldn't block completion
		Address:  models.StageCompleted,
		Merchant: models.StageCompleted,
	}}
	opts := models.BatchOptions{EnableClassify: true, EnableFinexio: false, EnableAddress: true, EnableMerchant: true}
	if !stagesDone(rec, opts) {
		t.Fatalf("expected a disabled stage's status to be ignored")
	}
}

func TestStagesDone_PendingEnabledStageBlocks(t *testing.T) {
	rec := models.Record{PerStageStatus: models.PerStageStatus{
		Classify: models.StagePending,
	}}
	opts := models.BatchOptions{EnableClassify: true}
	if stagesDone(rec, opts) {
		t.Fatalf("expected a pending enabled stage to block completion")
	}
}

func TestStagesDone_FailedCountsAsTerminal(t *testing.T) {
	rec := models.Record{PerStageStatus: models.PerStageStatus{
		Classify: models.StageFailed,
	}}
	opts := models.BatchOptions{EnableClassify: true}
	if !stagesDone(rec, opts) {
		t.Fatalf("a failed stage is still terminal, not blocking")
	}
}

func TestClampScore(t *testing.T) {
	cases := []struct{ in, want int }{
		{-10, 0},
		{0, 0},
		{50, 50},
		{100, 100},
		{150, 100},
	}
	for _, c := range cases {
		if got := clampScore(c.in); got != c.want {
			t.Errorf("clampScore(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}
