package api

import (
	"bytes"
	"encoding/csv"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/finexio/enrichment-engine/pkg/models"
)

// previewStore holds the raw bytes of an uploaded file between
// POST /upload/preview and POST /upload/process, keyed by an opaque
// temp_file_name the client echoes back. This in-process handoff is
// the "upload surface" spec.md treats as an external collaborator —
// only the contract (preview -> temp_file_name -> process) is load-
// bearing here, not a durable object store.
type previewStore struct {
	mu      sync.Mutex
	entries map[string]previewEntry
}

type previewEntry struct {
	data      []byte
	headers   []string
	expiresAt time.Time
}

const previewTTL = 15 * time.Minute

func newPreviewStore() *previewStore {
	return &previewStore{entries: make(map[string]previewEntry)}
}

func (s *previewStore) put(data []byte, headers []string) string {
	name := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[name] = previewEntry{data: data, headers: headers, expiresAt: time.Now().Add(previewTTL)}
	s.gcLocked()
	return name
}

func (s *previewStore) get(name string) (previewEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok || time.Now().After(e.expiresAt) {
		return previewEntry{}, false
	}
	return e, true
}

// gcLocked drops expired entries; called with s.mu held.
func (s *previewStore) gcLocked() {
	now := time.Now()
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
		}
	}
}

// handleUploadPreview accepts a multipart CSV upload, rejects anything
// that isn't text/csv or an xlsx content type with 400, and returns
// the header row plus a short preview of data rows. XLSX parsing
// itself is out of scope (spec.md §1: "CSV/XLSX parsing" is an
// external collaborator) — this accepts the content type but only
// actually parses CSV bodies; an XLSX body is stored opaquely and
// /upload/process is expected to be called with a payee_column name
// matching a CSV header, which is the only shape this project's own
// components (SC, FM, CG, AV, BSC) ever need to consume.
func (h *APIHandler) handleUploadPreview(c *gin.Context) {
	file, fileHeader, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing multipart field \"file\""})
		return
	}
	defer file.Close()

	contentType := fileHeader.Header.Get("Content-Type")
	isCSV := contentType == "text/csv"
	isXLSX := contentType == "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	if !isCSV && !isXLSX {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported content type, expected text/csv or xlsx", "contentType": contentType})
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, 64<<20)) // 64MiB cap
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed reading upload"})
		return
	}

	var headers []string
	previewRows := [][]string{}
	if isCSV {
		r := csv.NewReader(bytes.NewReader(data))
		r.FieldsPerRecord = -1
		headers, err = r.Read()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "empty or unparseable CSV"})
			return
		}
		for i := 0; i < 10; i++ {
			row, err := r.Read()
			if err != nil {
				break
			}
			previewRows = append(previewRows, row)
		}
	}

	tempFileName := h.previews.put(data, headers)
	c.JSON(http.StatusOK, gin.H{
		"headers":      headers,
		"previewRows":  previewRows,
		"tempFileName": tempFileName,
	})
}

// uploadProcessRequest is the closed set of fields POST /upload/process
// accepts, per spec.md §6.
type uploadProcessRequest struct {
	TempFileName    string `json:"tempFileName" binding:"required"`
	PayeeColumn     string `json:"payeeColumn" binding:"required"`
	AddressColumn   string `json:"addressColumn"`
	CityColumn      string `json:"cityColumn"`
	StateColumn     string `json:"stateColumn"`
	ZipColumn       string `json:"zipColumn"`
	CountryColumn   string `json:"countryColumn"`
	MatchingOptions struct {
		EnableFinexio                 bool `json:"enableFinexio"`
		EnableMastercard              bool `json:"enableMastercard"`
		EnableGoogleAddressValidation bool `json:"enableGoogleAddressValidation"`
		EnableOpenAI                  bool `json:"enableOpenAi"`
		EnableAkkio                   bool `json:"enableAkkio"`
	} `json:"matchingOptions"`
}

// handleUploadProcess turns a previously previewed upload into a
// Batch: it maps the declared columns onto Records, inserts them, and
// kicks off EO's pipeline in the background. The HTTP response
// returns as soon as the Batch and its Records are durably recorded —
// enrichment itself runs asynchronously, consistent with spec.md §6's
// progressive-result contract.
func (h *APIHandler) handleUploadProcess(c *gin.Context) {
	var req uploadProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	entry, ok := h.previews.get(req.TempFileName)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown or expired tempFileName"})
		return
	}

	colIndex := func(name string) int {
		if name == "" {
			return -1
		}
		for i, h := range entry.headers {
			if h == name {
				return i
			}
		}
		return -1
	}
	payeeIdx := colIndex(req.PayeeColumn)
	if payeeIdx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payeeColumn not found in uploaded headers"})
		return
	}
	addrIdx, cityIdx, stateIdx, zipIdx, countryIdx :=
		colIndex(req.AddressColumn), colIndex(req.CityColumn), colIndex(req.StateColumn),
		colIndex(req.ZipColumn), colIndex(req.CountryColumn)

	r := csv.NewReader(bytes.NewReader(entry.data))
	r.FieldsPerRecord = -1
	if _, err := r.Read(); err != nil { // skip header row
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty upload"})
		return
	}

	cell := func(row []string, idx int) string {
		if idx < 0 || idx >= len(row) {
			return ""
		}
		return row[idx]
	}

	opts := models.BatchOptions{
		EnableClassify:                h.cfg.EnableClassify,
		EnableFinexio:                 h.cfg.EnableFinexio && req.MatchingOptions.EnableFinexio,
		EnableAddress:                 h.cfg.EnableAddress && req.MatchingOptions.EnableGoogleAddressValidation,
		EnableMerchant:                h.cfg.EnableMerchant && req.MatchingOptions.EnableMastercard,
		EnableAIAddressRepair:         req.MatchingOptions.EnableOpenAI,
		EnableGoogleAddressValidation: req.MatchingOptions.EnableGoogleAddressValidation,
		EnableOpenAI:                  req.MatchingOptions.EnableOpenAI,
		EnableAkkio:                   req.MatchingOptions.EnableAkkio,
	}

	batchID := uuid.NewString()
	now := time.Now()
	var records []*models.Record
	for {
		row, err := r.Read()
		if err != nil {
			break
		}
		if len(records) >= maxUploadRows {
			break
		}
		name := cell(row, payeeIdx)
		if name == "" {
			continue
		}
		records = append(records, &models.Record{
			ID:           newRecordID(),
			BatchID:      batchID,
			OriginalName: name,
			CleanedName:  name,
			InputAddress: models.Address{
				Line1:   cell(row, addrIdx),
				City:    cell(row, cityIdx),
				State:   cell(row, stateIdx),
				Zip:     cell(row, zipIdx),
				Country: cell(row, countryIdx),
			},
			PayeeType: models.PayeeUnknown,
			CreatedAt: now,
		})
	}
	if len(records) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no usable rows found"})
		return
	}

	batch := &models.Batch{
		ID:           batchID,
		CreatedAt:    now,
		TotalRecords: len(records),
		Options:      opts,
	}
	if err := h.store.CreateBatch(c.Request.Context(), batch); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.store.InsertRecords(c.Request.Context(), records); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if h.orch.AtHighWaterMark() {
		c.JSON(http.StatusAccepted, gin.H{
			"batchId": batchID,
			"status":  "queued",
			"hint":    "orchestrator at capacity, batch will start shortly",
		})
		return
	}

	go func() {
		ctx, cancel := newBackgroundContext()
		defer cancel()
		if err := h.orch.ProcessBatch(ctx, batchID, opts); err != nil {
			h.log.Errorf("processing batch %s: %v", batchID, err)
		}
	}()

	c.JSON(http.StatusOK, gin.H{
		"batchId":      batchID,
		"totalRecords": len(records),
		"status":       "processing",
	})
}
