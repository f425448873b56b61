package api

import (
	"context"
	"encoding/csv"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/finexio/enrichment-engine/internal/bulksearch"
	"github.com/finexio/enrichment-engine/internal/config"
	"github.com/finexio/enrichment-engine/internal/db"
	"github.com/finexio/enrichment-engine/internal/logging"
	"github.com/finexio/enrichment-engine/internal/orchestrator"
	"github.com/finexio/enrichment-engine/internal/ratelimit"
	"github.com/finexio/enrichment-engine/internal/suppliercache"
	"github.com/finexio/enrichment-engine/internal/webhook"
	"github.com/finexio/enrichment-engine/pkg/models"
)

// maxUploadRows caps a single /upload/process request to prevent
// unbounded memory growth from a runaway CSV, mirroring the teacher's
// maxScanBlocks cap on a single historical scan request.
const maxUploadRows = 200_000

// APIHandler bundles every collaborator the HTTP surface fans out to.
type APIHandler struct {
	store        *db.Store
	orch         *orchestrator.Orchestrator
	webhookH     *webhook.Handler
	bulkSearch   *bulksearch.Coordinator
	supplierCache *suppliercache.Cache
	rlPool       *ratelimit.Pool
	wsHub        *Hub
	cfg          *config.Config
	log          *logging.Logger

	previews *previewStore
}

// NewAPIHandler builds an APIHandler.
func NewAPIHandler(store *db.Store, orch *orchestrator.Orchestrator, webhookH *webhook.Handler,
	bulkSearch *bulksearch.Coordinator, supplierCache *suppliercache.Cache, rlPool *ratelimit.Pool,
	wsHub *Hub, cfg *config.Config, log *logging.Logger) *APIHandler {
	return &APIHandler{
		store:         store,
		orch:          orch,
		webhookH:      webhookH,
		bulkSearch:    bulkSearch,
		supplierCache: supplierCache,
		rlPool:        rlPool,
		wsHub:         wsHub,
		cfg:           cfg,
		log:           log.With("api"),
		previews:      newPreviewStore(),
	}
}

// SetupRouter wires the full HTTP surface named in spec.md §6,
// matching the teacher's SetupRouter(dbStore, ...) shape: manual
// CORS middleware reading an allow-list env var, a public group and a
// bearer-token-protected group, one APIHandler holding every
// collaborator.
func SetupRouter(h *APIHandler, allowedOrigins string, ipLimiter *ratelimit.IPLimiter) *gin.Engine {
	r := gin.Default()

	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	pub := r.Group("/api/v1")
	{
		pub.GET("/health", h.handleHealth)
		pub.GET("/health/live", h.handleHealthLive)
		pub.GET("/health/ready", h.handleHealthReady)
		pub.GET("/stream", h.wsHub.Subscribe)
		pub.POST("/webhooks/mastercard", h.handleWebhook)
	}

	protected := r.Group("/api/v1")
	protected.Use(AuthMiddleware(h.cfg.APIAuthToken, h.log))
	if ipLimiter != nil {
		protected.Use(ipLimiter.Middleware())
	}
	{
		protected.POST("/classify-single", h.handleClassifySingle)
		protected.GET("/classify-status/:job_id", h.handleClassifyStatus)

		protected.POST("/upload/preview", h.handleUploadPreview)
		protected.POST("/upload/process", h.handleUploadProcess)
		protected.GET("/upload/batches", h.handleListBatches)
		protected.GET("/upload/batches/:id", h.handleGetBatch)
		protected.POST("/upload/batches/:id/cancel", h.handleCancelBatch)

		protected.GET("/classifications/:batch_id", h.handleListClassifications)
		protected.GET("/download/:batch_id", h.handleDownload)
	}

	return r
}

// handleHealth reports process status and capability flags, matching
// the teacher's handleHealth shape (single flat JSON blob, no auth).
func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "operational",
		"engine": "payee enrichment engine",
		"capabilities": gin.H{
			"classify": h.cfg.EnableClassify,
			"finexio":  h.cfg.EnableFinexio,
			"address":  h.cfg.EnableAddress,
			"merchant": h.cfg.EnableMerchant,
		},
	})
}

// handleHealthLive reports process liveness only — no dependency checks.
func (h *APIHandler) handleHealthLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "live"})
}

// handleHealthReady additionally pings BJS and reports each
// registered provider's circuit state, generalizing the teacher's
// dbConnected flag to N providers.
func (h *APIHandler) handleHealthReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	dbOK := true
	if err := h.store.Pool().Ping(ctx); err != nil {
		dbOK = false
	}

	providers := gin.H{}
	for _, name := range h.rlPool.Names() {
		if p := h.rlPool.Get(name); p != nil {
			providers[name] = p.State()
		}
	}

	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":    readyStatus(dbOK),
		"db":        dbOK,
		"providers": providers,
	})
}

func readyStatus(dbOK bool) string {
	if dbOK {
		return "ready"
	}
	return "not_ready"
}

// handleWebhook accepts an inbound delivery from the external
// bulk-search service. It MUST return 2xx after a durable dedup
// insert of event_id even if downstream reconciliation is deferred —
// handler.Handle's own dedup-then-reconcile shape already satisfies
// this; a reconciliation error still yields 200 here since the event
// was durably recorded.
func (h *APIHandler) handleWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	sig := c.GetHeader("X-Signature")
	if err := h.webhookH.Handle(c.Request.Context(), body, sig); err != nil {
		h.log.Errorf("webhook handling error: %v", err)
		// The event itself may already be durably recorded; still ack
		// with 200 per spec.md §6 unless the signature itself failed.
		if strings.Contains(err.Error(), "signature") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// handleListBatches returns a page of batches, most recent first.
func (h *APIHandler) handleListBatches(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	batches, err := h.store.ListBatches(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": batches, "limit": limit, "offset": offset})
}

// handleGetBatch returns one batch's current progress.
func (h *APIHandler) handleGetBatch(c *gin.Context) {
	id := c.Param("id")
	batch, err := h.store.GetBatch(c.Request.Context(), id)
	if err == db.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, batch)
}

// handleCancelBatch marks a batch cancelled. Per spec.md §3's
// invariant, cancellation is terminal and forbids further record
// writes; BSC is told to stop polling its open searches too.
func (h *APIHandler) handleCancelBatch(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.CancelBatch(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if h.bulkSearch != nil {
		_ = h.bulkSearch.CancelForBatch(c.Request.Context(), id)
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// handleListClassifications returns a page of per-record results for
// a batch.
func (h *APIHandler) handleListClassifications(c *gin.Context) {
	batchID := c.Param("batch_id")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	records, err := h.store.ListRecordsByBatch(c.Request.Context(), batchID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": records, "limit": limit, "offset": offset})
}

// handleDownload streams every record of a batch as CSV: the payee's
// original name (original_name) plus the enrichment columns. The
// upload's other original columns are not kept on Records and are not
// included.
func (h *APIHandler) handleDownload(c *gin.Context) {
	batchID := c.Param("batch_id")

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment; filename=\"batch-"+batchID+".csv\"")

	w := csv.NewWriter(c.Writer)
	defer w.Flush()

	_ = w.Write([]string{
		"original_name", "payee_type", "confidence", "sic_code",
		"finexio_matched_name", "finexio_score", "finexio_match_type",
		"address_formatted", "address_verdict",
		"merchant_business_name", "merchant_tax_id", "merchant_mcc", "merchant_status",
	})

	const pageSize = 500
	offset := 0
	for {
		records, err := h.store.ListRecordsByBatch(c.Request.Context(), batchID, pageSize, offset)
		if err != nil {
			h.log.Errorf("download batch %s: %v", batchID, err)
			return
		}
		if len(records) == 0 {
			break
		}
		for _, r := range records {
			addrFormatted, addrVerdict := "", ""
			if r.ValidatedAddr != nil {
				addrFormatted, addrVerdict = r.ValidatedAddr.Formatted, r.ValidatedAddr.Verdict
			}
			_ = w.Write([]string{
				r.OriginalName, string(r.PayeeType), strconv.FormatFloat(r.Confidence, 'f', 2, 64), r.SICCode,
				r.SupplierMatch.MatchedName, strconv.Itoa(r.SupplierMatch.Score), string(r.SupplierMatch.MatchType),
				addrFormatted, addrVerdict,
				r.Merchant.BusinessName, r.Merchant.TaxID, r.Merchant.MCC, string(r.Merchant.Status),
			})
		}
		offset += len(records)
		if len(records) < pageSize {
			break
		}
	}
}

// newRecordID generates an id for a freshly-ingested Record.
func newRecordID() string { return uuid.NewString() }
