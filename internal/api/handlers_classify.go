package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/finexio/enrichment-engine/internal/db"
	"github.com/finexio/enrichment-engine/pkg/models"
)

// newBackgroundContext detaches a long-running pipeline run from the
// HTTP request's context (which is cancelled the moment the handler
// returns) while still bounding it, mirroring the teacher's
// context.Background() use in handleStartScan for a scan that
// outlives the request.
func newBackgroundContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Hour)
}

type classifySingleRequest struct {
	Name    string        `json:"name" binding:"required"`
	Address models.Address `json:"address"`
}

// handleClassifySingle is the ad-hoc single-submission path: it
// creates a one-Record Batch, runs EO on it, and waits up to
// PROGRESSIVE_BUDGET_MS for a result before returning whatever is
// known so far plus a job_id for GET /classify-status to poll the
// rest — spec.md §6/§8's progressive-result contract.
func (h *APIHandler) handleClassifySingle(c *gin.Context) {
	var req classifySingleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if h.orch.AtHighWaterMark() {
		c.JSON(http.StatusAccepted, gin.H{
			"status": "queued",
			"hint":   "orchestrator at capacity, retry shortly",
		})
		return
	}

	batchID := uuid.NewString()
	recordID := newRecordID()
	now := time.Now()

	opts := models.BatchOptions{
		EnableClassify: h.cfg.EnableClassify,
		EnableFinexio:  h.cfg.EnableFinexio,
		EnableAddress:  h.cfg.EnableAddress && req.Address.Line1 != "",
		EnableMerchant: h.cfg.EnableMerchant,
	}

	batch := &models.Batch{ID: batchID, CreatedAt: now, TotalRecords: 1, Options: opts}
	if err := h.store.CreateBatch(c.Request.Context(), batch); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	record := &models.Record{
		ID: recordID, BatchID: batchID, OriginalName: req.Name, CleanedName: req.Name,
		InputAddress: req.Address, PayeeType: models.PayeeUnknown, CreatedAt: now,
	}
	if err := h.store.InsertRecords(c.Request.Context(), []*models.Record{record}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := newBackgroundContext()
		defer cancel()
		if err := h.orch.ProcessBatch(ctx, batchID, opts); err != nil {
			h.log.Errorf("processing single-record batch %s: %v", batchID, err)
		}
	}()

	budget := h.cfg.ProgressiveBudget
	if budget <= 0 {
		budget = 2 * time.Second
	}
	select {
	case <-done:
	case <-time.After(budget):
	}

	rec, err := h.store.GetRecord(c.Request.Context(), recordID)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"jobId": batchID, "status": "processing"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"jobId":  batchID,
		"status": classifyProgressStatus(*rec, opts),
		"record": rec,
	})
}

// handleClassifyStatus polls a single-submission job's record, keyed
// by the batch/job id returned from /classify-single.
func (h *APIHandler) handleClassifyStatus(c *gin.Context) {
	jobID := c.Param("job_id")
	batch, err := h.store.GetBatch(c.Request.Context(), jobID)
	if err == db.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	records, err := h.store.ListRecordsByBatch(c.Request.Context(), jobID, 1, 0)
	if err != nil || len(records) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "job has no record"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"jobId":  jobID,
		"status": classifyProgressStatus(records[0], batch.Options),
		"record": records[0],
	})
}

// classifyProgressStatus reports "completed" once every enabled
// per-stage status for rec has reached a terminal value, "processing"
// otherwise — the same terminal-state check EO's own stagesDone makes
// for Batch completion, applied here to a single Record for client
// polling convenience.
func classifyProgressStatus(rec models.Record, opts models.BatchOptions) string {
	terminal := func(enabled bool, s models.StageStatus) bool {
		if !enabled {
			return true
		}
		return s == models.StageCompleted || s == models.StageSkipped || s == models.StageFailed
	}
	if terminal(opts.EnableClassify, rec.PerStageStatus.Classify) &&
		terminal(opts.EnableFinexio, rec.PerStageStatus.Finexio) &&
		terminal(opts.EnableAddress, rec.PerStageStatus.Address) &&
		terminal(opts.EnableMerchant, rec.PerStageStatus.Merchant) {
		return "completed"
	}
	return "processing"
}
