package api

import (
	"testing"

	"github.com/finexio/enrichment-engine/pkg/models"
)

func TestClassifyProgressStatus_CompletedWhenAllEnabledStagesTerminal(t *testing.T) {
	opts := models.BatchOptions{EnableClassify: true, EnableFinexio: true, EnableAddress: true, EnableMerchant: true}
	rec := models.Record{PerStageStatus: models.PerStageStatus{
		Classify: models.StageCompleted,
		Finexio:  models.StageSkipped,
		Address:  models.StageFailed,
		Merchant: models.StageCompleted,
	}}
	if got := classifyProgressStatus(rec, opts); got != "completed" {
		t.Fatalf("expected completed, got %q", got)
	}
}

func TestClassifyProgressStatus_ProcessingWhileAnyEnabledStagePending(t *testing.T) {
	opts := models.BatchOptions{EnableClassify: true, EnableFinexio: true, EnableAddress: true, EnableMerchant: true}
	rec := models.Record{PerStageStatus: models.PerStageStatus{
		Classify: models.StageCompleted,
		Finexio:  models.StageInProgress,
		Address:  models.StagePending,
		Merchant: models.StagePending,
	}}
	if got := classifyProgressStatus(rec, opts); got != "processing" {
		t.Fatalf("expected processing, got %q", got)
	}
}

func TestClassifyProgressStatus_DisabledStagesAreIgnored(t *testing.T) {
	opts := models.BatchOptions{EnableClassify: true, EnableFinexio: false, EnableAddress: false, EnableMerchant: false}
	rec := models.Record{PerStageStatus: models.PerStageStatus{
		Classify: models.StageCompleted,
		Finexio:  models.StagePending,
		Address:  models.StagePending,
		Merchant: models.StagePending,
	}}
	if got := classifyProgressStatus(rec, opts); got != "completed" {
		t.Fatalf("expected disabled stages to be treated as terminal, got %q", got)
	}
}

func TestReadyStatus(t *testing.T) {
	if got := readyStatus(true); got != "ready" {
		t.Fatalf("expected ready, got %q", got)
	}
	if got := readyStatus(false); got != "not_ready" {
		t.Fatalf("expected not_ready, got %q", got)
	}
}
