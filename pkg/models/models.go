// Package models holds the shared domain types for the enrichment engine:
// Batch, Record (PayeeClassification), Supplier, MerchantSearch and
// WebhookEvent, plus the small value types each one composes.
package models

import "time"

// StageStatus is the terminal/non-terminal state of one pipeline stage
// for a single Record, or of one stage aggregated across a Batch.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageInProgress StageStatus = "in_progress"
	StageCompleted  StageStatus = "completed"
	StageSkipped    StageStatus = "skipped"
	StageFailed     StageStatus = "failed"
)

// BatchOverallStatus is the Batch-level lifecycle state.
type BatchOverallStatus string

const (
	BatchReceived   BatchOverallStatus = "received"
	BatchProcessing BatchOverallStatus = "processing"
	BatchCompleted  BatchOverallStatus = "completed"
	BatchCancelled  BatchOverallStatus = "cancelled"
	BatchFailed     BatchOverallStatus = "failed"
)

// PayeeType is the classifier's output label.
type PayeeType string

const (
	PayeeIndividual       PayeeType = "Individual"
	PayeeBusiness         PayeeType = "Business"
	PayeeGovernment       PayeeType = "Government"
	PayeeInsurance        PayeeType = "Insurance"
	PayeeBanking          PayeeType = "Banking"
	PayeeInternalTransfer PayeeType = "InternalTransfer"
	PayeeUnknown          PayeeType = "Unknown"
)

// MatchType records which rule produced a supplier match.
type MatchType string

const (
	MatchExact      MatchType = "exact"
	MatchPrefix     MatchType = "prefix"
	MatchToken      MatchType = "token"
	MatchPhonetic   MatchType = "phonetic"
	MatchAIEnhanced MatchType = "ai_enhanced"
	MatchNone       MatchType = "none"
)

// MerchantEnrichmentStatus is the per-Record outcome of BSC enrichment.
type MerchantEnrichmentStatus string

const (
	MerchantNone    MerchantEnrichmentStatus = "none"
	MerchantPending MerchantEnrichmentStatus = "pending"
	MerchantMatched MerchantEnrichmentStatus = "matched"
	MerchantNoMatch MerchantEnrichmentStatus = "no_match"
	MerchantSkipped MerchantEnrichmentStatus = "skipped"
	MerchantError   MerchantEnrichmentStatus = "error"
)

// ConfidenceBand is the coarse qualitative confidence returned by the
// external bulk-search service.
type ConfidenceBand string

const (
	BandHigh   ConfidenceBand = "HIGH"
	BandMedium ConfidenceBand = "MEDIUM"
	BandLow    ConfidenceBand = "LOW"
)

// SearchState is a MerchantSearch's position in the §4.5.3 DAG.
type SearchState string

const (
	SearchSubmitted       SearchState = "submitted"
	SearchPolling         SearchState = "polling"
	SearchWebhookReceived SearchState = "webhook_received"
	SearchFetchingResults SearchState = "fetching_results"
	SearchCompleted       SearchState = "completed"
	SearchNoResults       SearchState = "no_results"
	SearchFailed          SearchState = "failed"
	SearchTimeout         SearchState = "timeout"
	SearchCancelled       SearchState = "cancelled"
)

// searchTransitions enumerates every edge of the monotonic DAG in
// spec.md §4.5.3. A transition not listed here is rejected by
// db.Store.TransitionSearchState.
var searchTransitions = map[SearchState][]SearchState{
	SearchSubmitted:       {SearchPolling, SearchWebhookReceived, SearchFetchingResults, SearchTimeout, SearchFailed, SearchCancelled},
	SearchPolling:         {SearchWebhookReceived, SearchFetchingResults, SearchTimeout, SearchFailed, SearchCancelled},
	SearchWebhookReceived: {SearchFetchingResults, SearchTimeout, SearchFailed, SearchCancelled},
	SearchFetchingResults: {SearchCompleted, SearchNoResults, SearchFailed, SearchTimeout, SearchCancelled},
}

// terminalSearchStates are states with no further outgoing edges.
var terminalSearchStates = map[SearchState]bool{
	SearchCompleted: true,
	SearchNoResults: true,
	SearchFailed:    true,
	SearchTimeout:   true,
	SearchCancelled: true,
}

// IsTerminal reports whether s has no further legal transitions.
func (s SearchState) IsTerminal() bool {
	return terminalSearchStates[s]
}

// CanTransition reports whether from->to is a legal edge of the DAG.
// Self-transitions are always allowed (idempotent re-application).
func CanTransition(from, to SearchState) bool {
	if from == to {
		return true
	}
	for _, next := range searchTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Address is the common postal-address shape used for both raw input
// and validated output.
type Address struct {
	Line1   string `json:"line1"`
	City    string `json:"city"`
	State   string `json:"state"`
	Zip     string `json:"zip"`
	Country string `json:"country"`
}

// SupplierMatch is the Finexio supplier-network match attached to a Record.
type SupplierMatch struct {
	SupplierID string    `json:"supplierId,omitempty"`
	MatchedName string   `json:"matchedName,omitempty"`
	Score      int       `json:"score"` // 0-100, never >100
	MatchType  MatchType `json:"matchType"`
	Reasoning  string    `json:"reasoning,omitempty"`
}

// AddressValidation is AV's output attached to a Record.
type AddressValidation struct {
	Formatted   string                `json:"formatted,omitempty"`
	Components  Address               `json:"components"`
	Confidence  float64               `json:"confidence"`
	Verdict     string                `json:"verdict,omitempty"`
	Status      string                `json:"status,omitempty"` // "", "skipped"
	Enhancement *AddressEnhancement   `json:"enhancement,omitempty"`
}

// AddressEnhancement records whether/why the optional CG "repair" pass ran.
type AddressEnhancement struct {
	Used        bool     `json:"used"`
	Strategy    string   `json:"strategy,omitempty"`
	Reasoning   string   `json:"reasoning,omitempty"`
	Corrections []string `json:"corrections,omitempty"`
}

// MerchantEnrichment is BSC's result attached to a Record.
type MerchantEnrichment struct {
	Status         MerchantEnrichmentStatus `json:"status"`
	BusinessName   string                   `json:"businessName,omitempty"`
	TaxID          string                   `json:"taxId,omitempty"`
	MCC            string                   `json:"mcc,omitempty"`
	MCCGroup       string                   `json:"mccGroup,omitempty"`
	Address        *Address                 `json:"address,omitempty"`
	Phone          string                   `json:"phone,omitempty"`
	ConfidenceBand ConfidenceBand           `json:"confidenceBand,omitempty"`
	Reason         string                   `json:"reason,omitempty"`
	SearchID       string                   `json:"searchId,omitempty"`
}

// PerStageStatus tracks the four stage statuses of one Record.
type PerStageStatus struct {
	Classify StageStatus `json:"classify"`
	Finexio  StageStatus `json:"finexio"`
	Address  StageStatus `json:"address"`
	Merchant StageStatus `json:"merchant"`
}

// Record is a single payee row with its classification and enrichment.
type Record struct {
	ID             string             `json:"id"`
	BatchID        string             `json:"batchId"`
	OriginalName   string             `json:"originalName"`
	CleanedName    string             `json:"cleanedName"`
	InputAddress   Address            `json:"inputAddress"`
	PayeeType      PayeeType          `json:"payeeType"`
	Confidence     float64            `json:"confidence"`
	SICCode        string             `json:"sicCode,omitempty"`
	ReviewNeeded   bool               `json:"reviewNeeded"`
	SupplierMatch  SupplierMatch      `json:"supplierMatch"`
	ValidatedAddr  *AddressValidation `json:"validatedAddress,omitempty"`
	Merchant       MerchantEnrichment `json:"merchantEnrichment"`
	PerStageStatus PerStageStatus     `json:"perStageStatus"`
	ErrorReason    string             `json:"errorReason,omitempty"`
	Version        int                `json:"version"` // optimistic-concurrency token
	CreatedAt      time.Time          `json:"createdAt"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

// BatchOptions is the closed set of per-batch feature flags (§9: no
// dynamic option bags — every field is enumerated here and nowhere else).
type BatchOptions struct {
	EnableClassify               bool `json:"enableClassify"`
	EnableFinexio                bool `json:"enableFinexio"`
	EnableAddress                bool `json:"enableAddress"`
	EnableMerchant                bool `json:"enableMerchant"`
	EnableAIAddressRepair        bool `json:"enableAiAddressRepair"`
	EnableGoogleAddressValidation bool `json:"enableGoogleAddressValidation"`
	EnableOpenAI                  bool `json:"enableOpenAi"`
	EnableAkkio                   bool `json:"enableAkkio"`
}

// BatchStageStatus aggregates per-stage status across every Record in a Batch.
type BatchStageStatus struct {
	Classify StageStatus `json:"classify"`
	Finexio  StageStatus `json:"finexio"`
	Address  StageStatus `json:"address"`
	Merchant StageStatus `json:"merchant"`
}

// Batch is a user-submitted group of payee records processed together.
type Batch struct {
	ID               string             `json:"id"`
	CreatedAt        time.Time          `json:"createdAt"`
	TotalRecords     int                `json:"totalRecords"`
	ProcessedRecords int                `json:"processedRecords"`
	StageStatus      BatchStageStatus   `json:"stageStatus"`
	OverallStatus    BatchOverallStatus `json:"overallStatus"`
	Options          BatchOptions       `json:"options"`
	ProgressMessage  string             `json:"progressMessage,omitempty"`
	CurrentStep      string             `json:"currentStep,omitempty"`
	Version          int                `json:"version"`
}

// FinexioMatchedCount and MerchantEnrichmentPercent are derived, not
// stored; BatchProgress is the read-model returned by batch status
// endpoints, combining the stored Batch with derived counters.
type BatchProgress struct {
	Batch
	FinexioMatchedCount       int `json:"finexioMatchedCount"`
	MerchantEnrichmentPercent int `json:"merchantEnrichmentProgress"`
}

// Supplier is one cached row mirrored from the Finexio supplier network.
type Supplier struct {
	SupplierID         string  `json:"supplierId"`
	PayeeName          string  `json:"payeeName"`
	NormalizedName     string  `json:"normalizedName"`
	BusinessName       string  `json:"businessName,omitempty"`
	DBA                string  `json:"dba,omitempty"`
	LegalName          string  `json:"legalName,omitempty"`
	EIN                string  `json:"ein,omitempty"`
	City               string  `json:"city,omitempty"`
	State              string  `json:"state,omitempty"`
	MCC                string  `json:"mcc,omitempty"`
	Industry           string  `json:"industry,omitempty"`
	PaymentType        string  `json:"paymentType,omitempty"`
	HasBusinessIndicator bool  `json:"hasBusinessIndicator"`
	CommonNameScore    float64 `json:"commonNameScore"`
	NameLength         int     `json:"nameLength"`
}

// RateLimiterConfig is the (non-persisted) configuration for one
// provider's token bucket + worker pool.
type RateLimiterConfig struct {
	Provider     string  `json:"provider"`
	TokensPerSec float64 `json:"tokensPerSec"`
	Burst        int     `json:"burst"`
	InflightCap  int     `json:"inflightCap"`
}

// MerchantSearch is the durable record of one BSC bulk submission.
type MerchantSearch struct {
	SearchID          string            `json:"searchId"`
	BatchID           string            `json:"batchId,omitempty"`
	ContentHash       string            `json:"contentHash"`
	RecordIDMapping   map[string]string `json:"recordIdMapping"` // record_id -> client_reference_id
	State             SearchState       `json:"state"`
	PollAttempts      int               `json:"pollAttempts"`
	MaxPollAttempts   int               `json:"maxPollAttempts"`
	SubmittedAt       time.Time         `json:"submittedAt"`
	LastPolledAt      *time.Time        `json:"lastPolledAt,omitempty"`
	CompletedAt       *time.Time        `json:"completedAt,omitempty"`
	RequestPayload    []byte            `json:"-"`
	ResponsePayload   []byte            `json:"-"`
	Error             string            `json:"error,omitempty"`
	Version           int               `json:"version"`
}

// WebhookEvent is one inbound delivery from the external bulk-search service.
type WebhookEvent struct {
	EventID   string    `json:"eventId"`
	EventType string    `json:"eventType"`
	SearchID  string    `json:"searchId"`
	Payload   []byte    `json:"-"`
	Timestamp time.Time `json:"timestamp"`
	ReceivedAt time.Time `json:"receivedAt"`
	Processed bool      `json:"processed"`
	Error     string    `json:"error,omitempty"`
}
