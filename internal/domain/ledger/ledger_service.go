package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lumiscan/lumiscan-api/internal/domain/purchase"
	"github.com/lumiscan/lumiscan-api/internal/types"
	"github.com/lumiscan/lumiscan-api/pkg/observability"
)

// Ensure implementation satisfies the interface
var _ Service = (*ServiceImpl)(nil)

const (
	// maxRetries bounds the CAS retry loop per Consume call.
	maxRetries = 3
	// retryBackoff is multiplied by the attempt number between retries.
	retryBackoff = 25 * time.Millisecond
)

// Service is the ledger engine. Consume is the single canonical deduction
// path: there is deliberately no separate balance pre-check before it, and no
// release operation, because credits are only deducted after the billable
// compute call has already succeeded.
type Service interface {
	// GetBalance sums the owner's eligible credits. Pure read.
	GetBalance(ctx context.Context, userID string) (int, error)
	// Consume deducts exactly credits from the owner's eligible purchases,
	// oldest first, crossing purchase boundaries as needed. Concurrent calls
	// for the same owner serialize through per-purchase compare-and-swap:
	// the net effect always matches some serial ordering, never an
	// over-spend. Returns ErrInsufficientCredits when the balance cannot
	// cover the request and ErrConflict when retries are exhausted.
	Consume(ctx context.Context, userID string, credits int) (*types.ConsumeResult, error)
}

type ServiceImpl struct {
	logger  *slog.Logger
	repo    purchase.Repository
	backoff func(attempt int)
}

func NewService(repo purchase.Repository, logger *slog.Logger) *ServiceImpl {
	return &ServiceImpl{
		logger: logger,
		repo:   repo,
		backoff: func(attempt int) {
			time.Sleep(time.Duration(attempt) * retryBackoff)
		},
	}
}

func (s *ServiceImpl) GetBalance(ctx context.Context, userID string) (int, error) {
	ctx, span := otel.Tracer("LedgerService").Start(ctx, "GetBalance", trace.WithAttributes(
		attribute.String("user.id", userID),
	))
	defer span.End()

	balance, err := s.repo.SumRemaining(ctx, userID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to read balance",
			slog.String("method", "GetBalance"), slog.String("userID", userID), slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to read balance")
		return 0, fmt.Errorf("error reading balance: %w", err)
	}

	span.SetAttributes(attribute.Int("ledger.balance", balance))
	span.SetStatus(codes.Ok, "Balance read")
	return balance, nil
}

// Consume walks a FIFO snapshot of eligible purchases and CAS-decrements each
// one. A missed CAS re-snapshots and retries up to maxRetries times with a
// short backoff. When retries run out after some purchases were already
// decremented, the consumed amount stays consumed (per-purchase atomicity, no
// cross-row transaction) and the shortfall is logged for reconciliation.
func (s *ServiceImpl) Consume(ctx context.Context, userID string, credits int) (*types.ConsumeResult, error) {
	ctx, span := otel.Tracer("LedgerService").Start(ctx, "Consume", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.Int("ledger.credits_requested", credits),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "Consume"), slog.String("userID", userID), slog.Int("credits", credits))

	if credits <= 0 {
		span.SetStatus(codes.Error, "Non-positive credit amount")
		return nil, fmt.Errorf("credits must be positive, got %d: %w", credits, types.ErrBadRequest)
	}

	result := &types.ConsumeResult{}
	needed := credits

	for attempt := 1; attempt <= maxRetries; attempt++ {
		snapshot, err := s.repo.GetEligiblePurchases(ctx, userID)
		if err != nil {
			l.ErrorContext(ctx, "Failed to snapshot eligible purchases", slog.Any("error", err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "Snapshot failed")
			observability.ConsumeFailures.WithLabelValues("store").Inc()
			return nil, fmt.Errorf("error reading eligible purchases: %w: %w", types.ErrStoreUnavailable, err)
		}

		total := 0
		for _, p := range snapshot {
			total += p.CreditsRemaining
		}
		if total < needed {
			if result.CreditsUsed > 0 {
				// Balance evaporated under us after a partial deduction.
				// Nothing is rolled back; surface a conflict and leave a
				// loud trail for reconciliation.
				l.ErrorContext(ctx, "Balance exhausted mid-consumption, partial deduction kept",
					slog.Int("consumed", result.CreditsUsed), slog.Int("shortfall", needed))
				span.SetStatus(codes.Error, "Partial consumption conflict")
				observability.ConsumeFailures.WithLabelValues("conflict").Inc()
				return nil, fmt.Errorf("consumed %d of %d credits before balance ran out: %w",
					result.CreditsUsed, credits, types.ErrConflict)
			}
			l.InfoContext(ctx, "Insufficient credits", slog.Int("balance", total))
			span.SetAttributes(attribute.Int("ledger.balance", total))
			span.SetStatus(codes.Ok, "Insufficient credits")
			observability.ConsumeFailures.WithLabelValues("insufficient").Inc()
			return nil, fmt.Errorf("balance %d cannot cover %d credits: %w", total, needed, types.ErrInsufficientCredits)
		}

		conflicted := false
		for _, p := range snapshot {
			if needed == 0 {
				break
			}
			take := needed
			if take > p.CreditsRemaining {
				take = p.CreditsRemaining
			}

			ok, err := s.repo.ConsumeFromPurchase(ctx, p.ID, p.CreditsRemaining, take)
			if err != nil {
				l.ErrorContext(ctx, "CAS decrement errored", slog.String("purchaseID", p.ID.String()), slog.Any("error", err))
				span.RecordError(err)
				span.SetStatus(codes.Error, "CAS decrement errored")
				observability.ConsumeFailures.WithLabelValues("store").Inc()
				return nil, fmt.Errorf("error consuming from purchase %s: %w", p.ID, err)
			}
			if !ok {
				// Concurrent writer touched this purchase between snapshot
				// and CAS. Re-snapshot and try again.
				observability.ConsumeConflicts.Inc()
				conflicted = true
				break
			}

			needed -= take
			result.CreditsUsed += take
			result.PurchaseID = p.ID
			if p.SubscriptionID != nil {
				result.SubscriptionID = p.SubscriptionID
			}
		}

		if needed == 0 {
			remaining, err := s.repo.SumRemaining(ctx, userID)
			if err != nil {
				// Deduction is committed; a failed balance read only costs
				// the convenience field.
				l.WarnContext(ctx, "Failed to read balance after consume", slog.Any("error", err))
			}
			result.Remaining = remaining
			observability.CreditsConsumed.Add(float64(result.CreditsUsed))
			l.InfoContext(ctx, "Credits consumed",
				slog.String("purchaseID", result.PurchaseID.String()),
				slog.Int("remaining", remaining),
				slog.Int("attempts", attempt))
			span.SetAttributes(attribute.Int("ledger.attempts", attempt))
			span.SetStatus(codes.Ok, "Credits consumed")
			return result, nil
		}

		if conflicted && attempt < maxRetries {
			s.backoff(attempt)
		}
	}

	l.WarnContext(ctx, "Consume retries exhausted",
		slog.Int("consumed", result.CreditsUsed), slog.Int("shortfall", needed))
	span.SetStatus(codes.Error, "Consume retries exhausted")
	observability.ConsumeFailures.WithLabelValues("conflict").Inc()
	if result.CreditsUsed > 0 {
		return nil, fmt.Errorf("consumed %d of %d credits before retries ran out: %w",
			result.CreditsUsed, credits, types.ErrConflict)
	}
	return nil, fmt.Errorf("could not win a deduction after %d attempts: %w", maxRetries, types.ErrConflict)
}
