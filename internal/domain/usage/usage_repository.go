package usage

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/lumiscan/lumiscan-api/internal/types"
	"github.com/lumiscan/lumiscan-api/pkg/db"
)

var _ Repository = (*RepositoryImpl)(nil)

// Repository persists the append-only audit trail. Rows are never updated or
// deleted.
type Repository interface {
	CreateUsageRecord(ctx context.Context, params types.CreateUsageRecordParams) (*types.UsageRecord, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*types.UsageRecord, error)
}

type RepositoryImpl struct {
	logger *slog.Logger
	pgpool db.Querier
}

func NewRepositoryImpl(pool db.Querier, logger *slog.Logger) *RepositoryImpl {
	return &RepositoryImpl{
		logger: logger,
		pgpool: pool,
	}
}

func (r *RepositoryImpl) CreateUsageRecord(ctx context.Context, params types.CreateUsageRecordParams) (*types.UsageRecord, error) {
	ctx, span := otel.Tracer("UsageRepo").Start(ctx, "CreateUsageRecord", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "usage_records"),
		attribute.String("usage.user_id", params.UserID),
		attribute.Int("usage.credits", params.CreditsUsed),
	))
	defer span.End()

	l := r.logger.With(slog.String("method", "CreateUsageRecord"), slog.String("userID", params.UserID))

	query := `
        INSERT INTO usage_records (user_id, purchase_id, subscription_id, prompt_excerpt,
                                   response_excerpt, credits_used, model_used, latency_ms, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
        RETURNING id, user_id, purchase_id, subscription_id, prompt_excerpt,
                  response_excerpt, credits_used, model_used, latency_ms, created_at`

	var rec types.UsageRecord
	err := r.pgpool.QueryRow(ctx, query,
		params.UserID,
		params.PurchaseID,
		params.SubscriptionID,
		params.PromptExcerpt,
		params.ResponseExcerpt,
		params.CreditsUsed,
		params.ModelUsed,
		params.LatencyMs,
	).Scan(
		&rec.ID,
		&rec.UserID,
		&rec.PurchaseID,
		&rec.SubscriptionID,
		&rec.PromptExcerpt,
		&rec.ResponseExcerpt,
		&rec.CreditsUsed,
		&rec.ModelUsed,
		&rec.LatencyMs,
		&rec.CreatedAt,
	)
	if err != nil {
		l.ErrorContext(ctx, "Failed to insert usage record", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB INSERT failed")
		return nil, fmt.Errorf("database error creating usage record: %w", err)
	}

	span.SetAttributes(attribute.String("db.usage.id", rec.ID.String()))
	span.SetStatus(codes.Ok, "Usage record created")
	return &rec, nil
}

func (r *RepositoryImpl) ListByUser(ctx context.Context, userID string, limit int) ([]*types.UsageRecord, error) {
	ctx, span := otel.Tracer("UsageRepo").Start(ctx, "ListByUser", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "usage_records"),
		attribute.String("db.user.id", userID),
	))
	defer span.End()

	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `
        SELECT id, user_id, purchase_id, subscription_id, prompt_excerpt,
               response_excerpt, credits_used, model_used, latency_ms, created_at
        FROM usage_records
        WHERE user_id = $1
        ORDER BY created_at DESC
        LIMIT $2`

	rows, err := r.pgpool.Query(ctx, query, userID, limit)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to query usage records",
			slog.String("method", "ListByUser"), slog.String("userID", userID), slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("database error fetching usage records: %w", err)
	}
	defer rows.Close()

	var records []*types.UsageRecord
	for rows.Next() {
		var rec types.UsageRecord
		err := rows.Scan(
			&rec.ID,
			&rec.UserID,
			&rec.PurchaseID,
			&rec.SubscriptionID,
			&rec.PromptExcerpt,
			&rec.ResponseExcerpt,
			&rec.CreditsUsed,
			&rec.ModelUsed,
			&rec.LatencyMs,
			&rec.CreatedAt,
		)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("database error scanning usage record: %w", err)
		}
		records = append(records, &rec)
	}
	if err = rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("database error reading usage records: %w", err)
	}

	span.SetAttributes(attribute.Int("usage.count", len(records)))
	span.SetStatus(codes.Ok, "Usage records fetched")
	return records, nil
}
