package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/finexio/enrichment-engine/internal/address"
	"github.com/finexio/enrichment-engine/internal/api"
	"github.com/finexio/enrichment-engine/internal/bulksearch"
	"github.com/finexio/enrichment-engine/internal/classifier"
	"github.com/finexio/enrichment-engine/internal/config"
	"github.com/finexio/enrichment-engine/internal/db"
	"github.com/finexio/enrichment-engine/internal/logging"
	"github.com/finexio/enrichment-engine/internal/orchestrator"
	"github.com/finexio/enrichment-engine/internal/ratelimit"
	"github.com/finexio/enrichment-engine/internal/reconcile"
	"github.com/finexio/enrichment-engine/internal/schedule"
	"github.com/finexio/enrichment-engine/internal/suppliercache"
	"github.com/finexio/enrichment-engine/internal/webhook"
	"github.com/finexio/enrichment-engine/pkg/models"
)

const hotSetSize = 50_000

func main() {
	log := logging.New()
	log.Println("Starting Payee Enrichment Engine...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := db.Connect(ctx, cfg.DatabaseURL)
	cancelBoot()
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer store.Close()

	if err := store.InitSchema(context.Background()); err != nil {
		log.Fatalf("db schema init: %v", err)
	}

	supplierCache, err := suppliercache.New(store.Pool(), hotSetSize)
	if err != nil {
		log.Fatalf("supplier cache init: %v", err)
	}

	rlPool := ratelimit.NewPool()
	classifierProvider := rlPool.Register(models.RateLimiterConfig{
		Provider: "classifier", TokensPerSec: cfg.ClassifierRate, Burst: int(cfg.ClassifierRate * 2),
		InflightCap: cfg.ClassifierConcurrency,
	})
	addressProvider := rlPool.Register(models.RateLimiterConfig{
		Provider: "address", TokensPerSec: cfg.AddressRate, Burst: int(cfg.AddressRate * 2),
		InflightCap: cfg.AddressConcurrency,
	})
	merchantProvider := rlPool.Register(models.RateLimiterConfig{
		Provider: "merchant", TokensPerSec: cfg.MerchantRate, Burst: int(cfg.MerchantRate * 2),
		InflightCap: cfg.MerchantConcurrency,
	})
	rlPool.Register(models.RateLimiterConfig{
		Provider: "supplier", TokensPerSec: 50, Burst: 100, InflightCap: cfg.SupplierConcurrency,
	})

	classifierGW := classifier.New(cfg.AnthropicAPIKey, classifierProvider, log)

	var addressValidator *address.AV
	if cfg.EnableAddress {
		vendor := address.NewGoogleValidator(os.Getenv("GOOGLE_ADDRESS_VALIDATION_API_KEY"), "")
		addressValidator = address.New(vendor, addressProvider, classifierGW, cfg.AddressSoftDeadline, log)
	}

	signer, err := bulksearch.NewSigner(cfg.ConsumerKey, cfg.PrivateKeyPEM)
	if err != nil {
		log.Fatalf("bulksearch signer: %v", err)
	}
	bulkClient := bulksearch.NewClient(bulkSearchBaseURL(cfg.MerchantEnv), signer)
	ledger := reconcile.New(store.Pool())
	bulkCoord := bulksearch.New(store, bulkClient, ledger, merchantProvider, cfg.MerchantMaxAttempts, cfg.MerchantHardDeadline, log)

	verifier := webhook.NewVerifier(cfg.WebhookSecret, cfg.WebhookReplayWindow)
	webhookHandler := webhook.NewHandler(verifier, store, bulkCoord, log)

	log = log.With("engine")

	hub := api.NewHub(log)
	go hub.Run()

	broadcastStage := func(recordID, stage, status string) {
		hub.Broadcast(api.ProgressEvent{Type: "record_stage", RecordID: recordID, Stage: stage, Status: status})
	}
	bulkCoord.Notify = func(recordID, status string) {
		hub.Broadcast(api.ProgressEvent{Type: "merchant_result", RecordID: recordID, Stage: "merchant", Status: status})
	}

	orch := orchestrator.New(orchestrator.Deps{
		Store:            store,
		SupplierCache:    supplierCache,
		ClassifierGW:     classifierGW,
		AddressValidator: addressValidator,
		BulkSearch:       bulkCoord,
		Notify:           broadcastStage,
	}, orchestrator.Config{
		RecordConcurrency:         cfg.ClassifierConcurrency,
		MerchantEligibilityConf:   cfg.MerchantEligibilityConfidence,
		BackpressureHighWaterMark: cfg.BackpressureHighWaterMark,
		MerchantBatchSize:         3000,
	}, log)

	poller := bulksearch.NewPoller(bulkCoord, store, cfg.MerchantPollInitial, cfg.MerchantPollMax, log)
	pollerCtx, cancelPoller := context.WithCancel(context.Background())
	defer cancelPoller()
	go poller.Run(pollerCtx)

	sched, err := schedule.New(schedule.Deps{Store: store, SupplierCache: supplierCache, BulkSearch: bulkCoord}, log)
	if err != nil {
		log.Fatalf("schedule init: %v", err)
	}
	sched.Start()
	defer sched.Stop()

	go runCompletionSweep(pollerCtx, orch, store, log)

	ipLimiter := ratelimit.NewIPLimiter(120, 30)
	handler := api.NewAPIHandler(store, orch, webhookHandler, bulkCoord, supplierCache, rlPool, hub, cfg, log)
	router := api.SetupRouter(handler, os.Getenv("ALLOWED_ORIGINS"), ipLimiter)

	srvDone := make(chan error, 1)
	go func() {
		log.Printf("listening on :%s", cfg.Port)
		srvDone <- router.Run(":" + cfg.Port)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-srvDone:
		if err != nil {
			log.Fatalf("http server: %v", err)
		}
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
	}
}

// runCompletionSweep periodically gives every still-processing batch a
// completion check, since BSC's webhook/poller reconciliation finishes
// well after ProcessBatch itself returns.
func runCompletionSweep(ctx context.Context, orch *orchestrator.Orchestrator, store *db.Store, log *logging.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			orch.SweepCompletions(ctx, func(ctx context.Context) ([]string, error) {
				return store.ListProcessingBatchIDs(ctx)
			})
		}
	}
}

func bulkSearchBaseURL(env config.MerchantEnv) string {
	if env == config.EnvProduction {
		return "https://api.mastercard.com/track/bulksearch"
	}
	return "https://sandbox.api.mastercard.com/track/bulksearch"
}
