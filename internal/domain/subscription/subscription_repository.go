package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/lumiscan/lumiscan-api/internal/types"
	"github.com/lumiscan/lumiscan-api/pkg/db"
)

var _ Repository = (*RepositoryImpl)(nil)

// Repository persists subscriptions, their event log, and the per-owner tier
// the state machine maintains.
type Repository interface {
	CreateSubscription(ctx context.Context, params types.CreateSubscriptionParams) (*types.Subscription, error)
	GetByExternalRef(ctx context.Context, externalRef string) (*types.Subscription, error)
	GetActiveByUserID(ctx context.Context, userID string) (*types.Subscription, error)
	UpdateStatus(ctx context.Context, externalRef string, status types.SubscriptionStatus) error
	// UpdatePeriod moves the billing period bounds and, optionally, the status.
	UpdatePeriod(ctx context.Context, externalRef string, periodStart, periodEnd time.Time, status types.SubscriptionStatus) error
	// RecordEvent appends to the dedupe log. A replayed external event id
	// violates the unique index and returns ErrDuplicateEvent.
	RecordEvent(ctx context.Context, externalEventID, eventType, externalRef, userID string, outcome types.EventOutcome, detail string) error
	// UpdateEventOutcome rewrites the logged outcome once dispatch has
	// resolved how the event actually landed.
	UpdateEventOutcome(ctx context.Context, externalEventID string, outcome types.EventOutcome, detail string) error
	// DeleteEvent releases the dedupe slot for an event whose state change
	// failed, so the provider's redelivery gets a fresh attempt.
	DeleteEvent(ctx context.Context, externalEventID string) error
	SetUserTier(ctx context.Context, userID string, tier types.UserTier) error
	GetUserTier(ctx context.Context, userID string) (types.UserTier, error)
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

const subscriptionColumns = `id, user_id, external_ref, plan_id, status,
       current_period_start, current_period_end, credits_per_period, created_at, updated_at`

func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var s types.Subscription
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.ExternalRef,
		&s.PlanID,
		&s.Status,
		&s.CurrentPeriodStart,
		&s.CurrentPeriodEnd,
		&s.CreditsPerPeriod,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *RepositoryImpl) CreateSubscription(ctx context.Context, params types.CreateSubscriptionParams) (*types.Subscription, error) {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "CreateSubscription", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "subscriptions"),
		attribute.String("subscription.user_id", params.UserID),
		attribute.String("subscription.external_ref", params.ExternalRef),
	))
	defer span.End()

	l := r.logger.With(slog.String("method", "CreateSubscription"),
		slog.String("userID", params.UserID), slog.String("externalRef", params.ExternalRef))
	l.DebugContext(ctx, "Creating subscription")

	query := `
        INSERT INTO subscriptions (user_id, external_ref, plan_id, status,
                                   current_period_start, current_period_end, credits_per_period,
                                   created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
        RETURNING ` + subscriptionColumns

	s, err := scanSubscription(r.pgpool.QueryRow(ctx, query,
		params.UserID,
		params.ExternalRef,
		params.PlanID,
		params.Status,
		params.CurrentPeriodStart,
		params.CurrentPeriodEnd,
		params.CreditsPerPeriod,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // Unique violation
			l.WarnContext(ctx, "Subscription with duplicate external ref", slog.Any("error", err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "Duplicate external ref")
			return nil, fmt.Errorf("subscription %s already exists: %w", params.ExternalRef, types.ErrConflict)
		}
		l.ErrorContext(ctx, "Failed to insert subscription", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB INSERT failed")
		return nil, fmt.Errorf("database error creating subscription: %w", err)
	}

	l.InfoContext(ctx, "Subscription created", slog.String("subscriptionID", s.ID.String()))
	span.SetAttributes(attribute.String("db.subscription.id", s.ID.String()))
	span.SetStatus(codes.Ok, "Subscription created")
	return s, nil
}

func (r *RepositoryImpl) GetByExternalRef(ctx context.Context, externalRef string) (*types.Subscription, error) {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "GetByExternalRef", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "subscriptions"),
		attribute.String("subscription.external_ref", externalRef),
	))
	defer span.End()

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE external_ref = $1`
	s, err := scanSubscription(r.pgpool.QueryRow(ctx, query, externalRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Ok, "Unknown external ref")
			return nil, fmt.Errorf("subscription %s: %w", externalRef, types.ErrUnknownSubscriptionRef)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("database error fetching subscription: %w", err)
	}
	return s, nil
}

func (r *RepositoryImpl) GetActiveByUserID(ctx context.Context, userID string) (*types.Subscription, error) {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "GetActiveByUserID", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "subscriptions"),
		attribute.String("db.user.id", userID),
	))
	defer span.End()

	query := `SELECT ` + subscriptionColumns + `
        FROM subscriptions
        WHERE user_id = $1 AND status = 'active'
        ORDER BY created_at DESC
        LIMIT 1`

	s, err := scanSubscription(r.pgpool.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Ok, "No active subscription")
			return nil, fmt.Errorf("no active subscription for user %s: %w", userID, types.ErrNotFound)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("database error fetching active subscription: %w", err)
	}
	return s, nil
}

func (r *RepositoryImpl) UpdateStatus(ctx context.Context, externalRef string, status types.SubscriptionStatus) error {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "UpdateStatus", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "subscriptions"),
		attribute.String("subscription.external_ref", externalRef),
		attribute.String("subscription.status", string(status)),
	))
	defer span.End()

	l := r.logger.With(slog.String("method", "UpdateStatus"),
		slog.String("externalRef", externalRef), slog.String("status", string(status)))

	query := `UPDATE subscriptions SET status = $2, updated_at = now() WHERE external_ref = $1`
	tag, err := r.pgpool.Exec(ctx, query, externalRef, status)
	if err != nil {
		l.ErrorContext(ctx, "Failed to update subscription status", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB UPDATE failed")
		return fmt.Errorf("database error updating subscription status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		span.SetStatus(codes.Ok, "Unknown external ref")
		return fmt.Errorf("subscription %s: %w", externalRef, types.ErrUnknownSubscriptionRef)
	}

	l.InfoContext(ctx, "Subscription status updated")
	span.SetStatus(codes.Ok, "Status updated")
	return nil
}

func (r *RepositoryImpl) UpdatePeriod(ctx context.Context, externalRef string, periodStart, periodEnd time.Time, status types.SubscriptionStatus) error {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "UpdatePeriod", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "subscriptions"),
		attribute.String("subscription.external_ref", externalRef),
	))
	defer span.End()

	l := r.logger.With(slog.String("method", "UpdatePeriod"), slog.String("externalRef", externalRef))

	query := `
        UPDATE subscriptions
        SET current_period_start = $2, current_period_end = $3, status = $4, updated_at = now()
        WHERE external_ref = $1`

	tag, err := r.pgpool.Exec(ctx, query, externalRef, periodStart, periodEnd, status)
	if err != nil {
		l.ErrorContext(ctx, "Failed to update subscription period", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB UPDATE failed")
		return fmt.Errorf("database error updating subscription period: %w", err)
	}
	if tag.RowsAffected() == 0 {
		span.SetStatus(codes.Ok, "Unknown external ref")
		return fmt.Errorf("subscription %s: %w", externalRef, types.ErrUnknownSubscriptionRef)
	}

	l.InfoContext(ctx, "Subscription period updated")
	span.SetStatus(codes.Ok, "Period updated")
	return nil
}

// RecordEvent appends a state-machine transition keyed by the provider's
// event id. The unique index on external_event_id is what makes at-least-once
// webhook delivery safe.
func (r *RepositoryImpl) RecordEvent(ctx context.Context, externalEventID, eventType, externalRef, userID string, outcome types.EventOutcome, detail string) error {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "RecordEvent", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "subscription_events"),
		attribute.String("event.external_id", externalEventID),
		attribute.String("event.type", eventType),
	))
	defer span.End()

	l := r.logger.With(slog.String("method", "RecordEvent"),
		slog.String("eventID", externalEventID), slog.String("eventType", eventType))

	query := `
        INSERT INTO subscription_events (external_event_id, event_type, external_ref, user_id, outcome, detail, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, now())`

	_, err := r.pgpool.Exec(ctx, query, externalEventID, eventType, externalRef, userID, outcome, detail)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // Unique violation
			l.InfoContext(ctx, "Duplicate webhook event ignored")
			span.SetStatus(codes.Ok, "Duplicate event")
			return fmt.Errorf("event %s already applied: %w", externalEventID, types.ErrDuplicateEvent)
		}
		l.ErrorContext(ctx, "Failed to record subscription event", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB INSERT failed")
		return fmt.Errorf("database error recording event: %w", err)
	}

	span.SetStatus(codes.Ok, "Event recorded")
	return nil
}

func (r *RepositoryImpl) UpdateEventOutcome(ctx context.Context, externalEventID string, outcome types.EventOutcome, detail string) error {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "UpdateEventOutcome", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "subscription_events"),
		attribute.String("event.external_id", externalEventID),
		attribute.String("event.outcome", string(outcome)),
	))
	defer span.End()

	query := `UPDATE subscription_events SET outcome = $2, detail = $3 WHERE external_event_id = $1`
	if _, err := r.pgpool.Exec(ctx, query, externalEventID, outcome, detail); err != nil {
		r.logger.ErrorContext(ctx, "Failed to update event outcome",
			slog.String("method", "UpdateEventOutcome"), slog.String("eventID", externalEventID), slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB UPDATE failed")
		return fmt.Errorf("database error updating event outcome: %w", err)
	}

	span.SetStatus(codes.Ok, "Event outcome updated")
	return nil
}

func (r *RepositoryImpl) DeleteEvent(ctx context.Context, externalEventID string) error {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "DeleteEvent", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "DELETE"),
		attribute.String("db.sql.table", "subscription_events"),
		attribute.String("event.external_id", externalEventID),
	))
	defer span.End()

	if _, err := r.pgpool.Exec(ctx, `DELETE FROM subscription_events WHERE external_event_id = $1`, externalEventID); err != nil {
		r.logger.ErrorContext(ctx, "Failed to delete subscription event",
			slog.String("method", "DeleteEvent"), slog.String("eventID", externalEventID), slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB DELETE failed")
		return fmt.Errorf("database error deleting event: %w", err)
	}

	span.SetStatus(codes.Ok, "Event deleted")
	return nil
}

func (r *RepositoryImpl) SetUserTier(ctx context.Context, userID string, tier types.UserTier) error {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "SetUserTier", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "user_tiers"),
		attribute.String("db.user.id", userID),
		attribute.String("user.tier", string(tier)),
	))
	defer span.End()

	query := `
        INSERT INTO user_tiers (user_id, tier, updated_at)
        VALUES ($1, $2, now())
        ON CONFLICT (user_id) DO UPDATE SET tier = EXCLUDED.tier, updated_at = now()`

	if _, err := r.pgpool.Exec(ctx, query, userID, tier); err != nil {
		r.logger.ErrorContext(ctx, "Failed to set user tier",
			slog.String("method", "SetUserTier"), slog.String("userID", userID), slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB UPSERT failed")
		return fmt.Errorf("database error setting user tier: %w", err)
	}

	span.SetStatus(codes.Ok, "Tier set")
	return nil
}

func (r *RepositoryImpl) GetUserTier(ctx context.Context, userID string) (types.UserTier, error) {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "GetUserTier", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "user_tiers"),
		attribute.String("db.user.id", userID),
	))
	defer span.End()

	var tier types.UserTier
	err := r.pgpool.QueryRow(ctx, `SELECT tier FROM user_tiers WHERE user_id = $1`, userID).Scan(&tier)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Ok, "Defaulting to free tier")
			return types.UserTierFree, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return "", fmt.Errorf("database error fetching user tier: %w", err)
	}

	span.SetStatus(codes.Ok, "Tier fetched")
	return tier, nil
}
