package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/lumiscan/lumiscan-api/internal/domain/ledger"
	"github.com/lumiscan/lumiscan-api/internal/domain/usage"
	"github.com/lumiscan/lumiscan-api/internal/llm"
	"github.com/lumiscan/lumiscan-api/internal/types"
	"github.com/lumiscan/lumiscan-api/pkg/observability"
)

// Ensure implementation satisfies the interface
var _ Service = (*ServiceImpl)(nil)

// maxBatchSize caps one batch request; larger batches should be split by the
// client anyway to keep a single aggregate deduction reasonable.
const maxBatchSize = 10

// Service orchestrates the billable path: compute first, deduct after, audit
// last. A failed compute call never touches the ledger. A compute success
// followed by a failed deduction fails the request and is logged for manual
// reconciliation; there is no cross-system rollback.
type Service interface {
	AnalyzeImage(ctx context.Context, userID string, req types.AnalyzeImageRequest) (*types.AnalyzeImageResponse, error)
	AnalyzeBatch(ctx context.Context, userID string, req types.AnalyzeBatchRequest) (*types.AnalyzeBatchResponse, error)
}

type ServiceImpl struct {
	logger          *slog.Logger
	vision          llm.VisionClient
	ledger          ledger.Service
	usage           usage.Service
	creditsPerImage int
}

func NewService(vision llm.VisionClient, ledgerSvc ledger.Service, usageSvc usage.Service, creditsPerImage int, logger *slog.Logger) *ServiceImpl {
	return &ServiceImpl{
		logger:          logger,
		vision:          vision,
		ledger:          ledgerSvc,
		usage:           usageSvc,
		creditsPerImage: creditsPerImage,
	}
}

func (s *ServiceImpl) AnalyzeImage(ctx context.Context, userID string, req types.AnalyzeImageRequest) (*types.AnalyzeImageResponse, error) {
	ctx, span := otel.Tracer("AnalysisService").Start(ctx, "AnalyzeImage", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.Bool("analysis.own_key", req.UserAPIKey != ""),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "AnalyzeImage"), slog.String("userID", userID))

	if len(req.ImageData) == 0 || req.MimeType == "" {
		span.SetStatus(codes.Error, "Missing image payload")
		return nil, fmt.Errorf("image data and mime type are required: %w", types.ErrBadRequest)
	}

	start := time.Now()
	defer func() {
		observability.AnalysisDuration.Observe(time.Since(start).Seconds())
	}()

	// Compute first. No credits move until this succeeds.
	var result *types.VisionResult
	var err error
	if req.UserAPIKey != "" {
		result, err = s.vision.AnalyzeImageWithKey(ctx, req.UserAPIKey, req.ImageData, req.MimeType, req.Prompt)
	} else {
		result, err = s.vision.AnalyzeImage(ctx, req.ImageData, req.MimeType, req.Prompt)
	}
	if err != nil {
		l.ErrorContext(ctx, "Vision analysis failed", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Vision analysis failed")
		return nil, fmt.Errorf("error analyzing image: %w", err)
	}

	resp := &types.AnalyzeImageResponse{
		Description: result.Description,
		Labels:      result.Labels,
		ModelUsed:   result.Model,
		LatencyMs:   int(result.Latency.Milliseconds()),
	}

	usageParams := types.CreateUsageRecordParams{
		UserID:          userID,
		PromptExcerpt:   req.Prompt,
		ResponseExcerpt: result.Description,
		ModelUsed:       result.Model,
		LatencyMs:       int(result.Latency.Milliseconds()),
	}

	if req.UserAPIKey != "" {
		// Billed to the caller's own provider account; no ledger movement,
		// audit row keeps a nil purchase reference.
		s.usage.RecordUsage(ctx, usageParams)
		span.SetStatus(codes.Ok, "Analysis served on caller key")
		return resp, nil
	}

	consume, err := s.ledger.Consume(ctx, userID, s.creditsPerImage)
	if err != nil {
		// The provider was already charged for this result. Log loudly so
		// the mismatch can be reconciled by hand.
		l.ErrorContext(ctx, "Deduction failed after successful compute",
			slog.Int("credits", s.creditsPerImage), slog.Any("error", err))
		observability.BillingDesync.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "Deduction failed after compute")
		return nil, fmt.Errorf("error billing analysis: %w", err)
	}

	resp.CreditsUsed = consume.CreditsUsed
	resp.RemainingBalance = consume.Remaining

	usageParams.PurchaseID = &consume.PurchaseID
	usageParams.SubscriptionID = consume.SubscriptionID
	usageParams.CreditsUsed = consume.CreditsUsed
	s.usage.RecordUsage(ctx, usageParams)

	l.InfoContext(ctx, "Image analyzed and billed",
		slog.Int("credits", consume.CreditsUsed), slog.Int("remaining", consume.Remaining))
	span.SetStatus(codes.Ok, "Analysis billed")
	return resp, nil
}

// AnalyzeBatch fans the compute calls out concurrently, then bills the whole
// batch with one aggregate Consume so the FIFO/atomicity contract applies to
// N as a unit instead of N separate races.
func (s *ServiceImpl) AnalyzeBatch(ctx context.Context, userID string, req types.AnalyzeBatchRequest) (*types.AnalyzeBatchResponse, error) {
	ctx, span := otel.Tracer("AnalysisService").Start(ctx, "AnalyzeBatch", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.Int("analysis.batch_size", len(req.Images)),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "AnalyzeBatch"), slog.String("userID", userID))

	if len(req.Images) == 0 {
		span.SetStatus(codes.Error, "Empty batch")
		return nil, fmt.Errorf("batch must contain at least one image: %w", types.ErrBadRequest)
	}
	if len(req.Images) > maxBatchSize {
		span.SetStatus(codes.Error, "Batch too large")
		return nil, fmt.Errorf("batch size %d exceeds limit %d: %w", len(req.Images), maxBatchSize, types.ErrBadRequest)
	}

	results := make([]*types.VisionResult, len(req.Images))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, img := range req.Images {
		g.Go(func() error {
			if len(img.ImageData) == 0 || img.MimeType == "" {
				return fmt.Errorf("image %d missing payload: %w", i, types.ErrBadRequest)
			}
			var res *types.VisionResult
			var err error
			if req.UserAPIKey != "" {
				res, err = s.vision.AnalyzeImageWithKey(gCtx, req.UserAPIKey, img.ImageData, img.MimeType, img.Prompt)
			} else {
				res, err = s.vision.AnalyzeImage(gCtx, img.ImageData, img.MimeType, img.Prompt)
			}
			if err != nil {
				return fmt.Errorf("image %d analysis failed: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// All-or-nothing: a partial batch is not billed and not returned.
		l.ErrorContext(ctx, "Batch analysis failed", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Batch analysis failed")
		return nil, err
	}

	resp := &types.AnalyzeBatchResponse{
		Results: make([]types.AnalyzeImageResponse, len(results)),
	}
	for i, res := range results {
		resp.Results[i] = types.AnalyzeImageResponse{
			Description: res.Description,
			Labels:      res.Labels,
			ModelUsed:   res.Model,
			LatencyMs:   int(res.Latency.Milliseconds()),
		}
	}

	if req.UserAPIKey != "" {
		for i, res := range results {
			s.usage.RecordUsage(ctx, types.CreateUsageRecordParams{
				UserID:          userID,
				PromptExcerpt:   req.Images[i].Prompt,
				ResponseExcerpt: res.Description,
				ModelUsed:       res.Model,
				LatencyMs:       int(res.Latency.Milliseconds()),
			})
		}
		span.SetStatus(codes.Ok, "Batch served on caller key")
		return resp, nil
	}

	totalCredits := len(req.Images) * s.creditsPerImage
	consume, err := s.ledger.Consume(ctx, userID, totalCredits)
	if err != nil {
		l.ErrorContext(ctx, "Batch deduction failed after successful compute",
			slog.Int("credits", totalCredits), slog.Any("error", err))
		observability.BillingDesync.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "Batch deduction failed")
		return nil, fmt.Errorf("error billing batch: %w", err)
	}

	resp.CreditsUsed = consume.CreditsUsed
	resp.RemainingBalance = consume.Remaining
	perImage := consume.CreditsUsed / len(results)
	for i, res := range results {
		resp.Results[i].CreditsUsed = perImage
		resp.Results[i].RemainingBalance = consume.Remaining
		s.usage.RecordUsage(ctx, types.CreateUsageRecordParams{
			UserID:          userID,
			PurchaseID:      &consume.PurchaseID,
			SubscriptionID:  consume.SubscriptionID,
			PromptExcerpt:   req.Images[i].Prompt,
			ResponseExcerpt: res.Description,
			CreditsUsed:     perImage,
			ModelUsed:       res.Model,
			LatencyMs:       int(res.Latency.Milliseconds()),
		})
	}

	l.InfoContext(ctx, "Batch analyzed and billed",
		slog.Int("images", len(results)), slog.Int("credits", consume.CreditsUsed))
	span.SetStatus(codes.Ok, "Batch billed")
	return resp, nil
}
