package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lumiscan/lumiscan-api/internal/domain/analysis"
	"github.com/lumiscan/lumiscan-api/internal/domain/billing"
	"github.com/lumiscan/lumiscan-api/internal/domain/ledger"
	"github.com/lumiscan/lumiscan-api/internal/domain/purchase"
	"github.com/lumiscan/lumiscan-api/internal/domain/subscription"
	"github.com/lumiscan/lumiscan-api/internal/domain/usage"
	"github.com/lumiscan/lumiscan-api/internal/llm"
	"github.com/lumiscan/lumiscan-api/pkg/config"
	"github.com/lumiscan/lumiscan-api/pkg/db"
)

// Dependencies holds all application dependencies
type Dependencies struct {
	Config *config.Config
	DB     *db.DB
	Logger *slog.Logger

	// Repositories
	PurchaseRepo     purchase.Repository
	SubscriptionRepo subscription.Repository
	UsageRepo        usage.Repository

	// Services
	VisionClient    llm.VisionClient
	LedgerSvc       ledger.Service
	SubscriptionSvc subscription.Service
	UsageSvc        usage.Service
	AnalysisSvc     analysis.Service

	// Handlers
	AnalysisHandler *analysis.Handler
	BillingHandler  *billing.Handler
	WebhookHandler  *billing.WebhookHandler
}

// InitDependencies initializes all application dependencies
func InitDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to init database: %w", err)
	}
	if err := deps.initRepositories(); err != nil {
		return nil, fmt.Errorf("failed to init repositories: %w", err)
	}
	if err := deps.initServices(ctx); err != nil {
		return nil, fmt.Errorf("failed to init services: %w", err)
	}
	if err := deps.initHandlers(); err != nil {
		return nil, fmt.Errorf("failed to init handlers: %w", err)
	}

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initDatabase initializes the database connection and runs migrations
func (d *Dependencies) initDatabase() error {
	database, err := db.New(db.Config{
		DSN:             d.Config.Database.DSN(),
		MaxConns:        25,
		MinConns:        5,
		MaxConnLifetime: 5 * time.Minute,
		MaxConnIdleTime: 10 * time.Minute,
	}, d.Logger)
	if err != nil {
		return err
	}

	d.DB = database

	if err := d.DB.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	d.Logger.Info("database connected and migrations completed successfully")
	return nil
}

// initRepositories initializes all repository layer dependencies
func (d *Dependencies) initRepositories() error {
	d.PurchaseRepo = purchase.NewRepositoryImpl(d.DB.Pool, d.Logger)
	d.SubscriptionRepo = subscription.NewRepositoryImpl(d.DB.Pool, d.Logger)
	d.UsageRepo = usage.NewRepositoryImpl(d.DB.Pool, d.Logger)

	d.Logger.Info("repositories initialized")
	return nil
}

// initServices initializes all service layer dependencies
func (d *Dependencies) initServices(ctx context.Context) error {
	if d.Config.LLM.GeminiAPIKey == "" {
		return fmt.Errorf("gemini api key is required")
	}

	vision, err := llm.NewGeminiVisionClient(ctx, d.Config.LLM.GeminiAPIKey, d.Config.LLM.Model)
	if err != nil {
		return fmt.Errorf("failed to create vision client: %w", err)
	}
	d.VisionClient = vision

	d.LedgerSvc = ledger.NewService(d.PurchaseRepo, d.Logger)
	d.SubscriptionSvc = subscription.NewService(d.SubscriptionRepo, d.PurchaseRepo, d.Logger)
	d.UsageSvc = usage.NewService(d.UsageRepo, d.Logger)
	d.AnalysisSvc = analysis.NewService(
		d.VisionClient,
		d.LedgerSvc,
		d.UsageSvc,
		d.Config.Billing.CreditsPerImage,
		d.Logger,
	)

	d.Logger.Info("services initialized")
	return nil
}

// initHandlers initializes all handler dependencies
func (d *Dependencies) initHandlers() error {
	d.AnalysisHandler = analysis.NewHandler(d.AnalysisSvc, d.LedgerSvc, d.Logger)
	d.BillingHandler = billing.NewHandler(d.LedgerSvc, d.PurchaseRepo, d.SubscriptionSvc, d.UsageSvc, d.Logger)
	d.WebhookHandler = billing.NewWebhookHandler(d.SubscriptionSvc, d.Config.Billing.WebhookSecret, d.Logger)
	d.Logger.Info("handlers initialized")
	return nil
}

// Cleanup closes all resources
func (d *Dependencies) Cleanup() {
	if d.DB != nil {
		d.DB.Close()
	}
	d.Logger.Info("cleanup completed")
}
