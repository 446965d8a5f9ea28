package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
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

// Repository is the persistence contract the ledger engine depends on. The
// only mutation of credits_remaining goes through ConsumeFromPurchase, a
// compare-and-swap conditioned on the value the caller last read.
type Repository interface {
	CreatePurchase(ctx context.Context, params types.CreatePurchaseParams) (*types.Purchase, error)
	CompletePurchase(ctx context.Context, purchaseID uuid.UUID) (*types.Purchase, error)
	GetPurchase(ctx context.Context, purchaseID uuid.UUID) (*types.Purchase, error)
	// GetEligiblePurchases returns completed, unexpired purchases with
	// credits left, oldest first (FIFO consumption order).
	GetEligiblePurchases(ctx context.Context, userID string) ([]*types.Purchase, error)
	// SumRemaining aggregates the eligible balance server-side.
	SumRemaining(ctx context.Context, userID string) (int, error)
	// ConsumeFromPurchase atomically decrements delta credits, guarded by the
	// remaining value observed by the caller. Returns false when the guard
	// failed (concurrent writer got there first, or the row stopped being
	// eligible); the caller re-reads and retries.
	ConsumeFromPurchase(ctx context.Context, purchaseID uuid.UUID, expectedRemaining, delta int) (bool, error)
	ListPurchasesByUser(ctx context.Context, userID string, limit int) ([]*types.Purchase, error)
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

const purchaseColumns = `id, user_id, credits_granted, credits_remaining, amount_cents, currency,
       source, subscription_id, external_ref, status, expires_at, created_at`

func scanPurchase(row pgx.Row) (*types.Purchase, error) {
	var p types.Purchase
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.CreditsGranted,
		&p.CreditsRemaining,
		&p.AmountCents,
		&p.Currency,
		&p.Source,
		&p.SubscriptionID,
		&p.ExternalRef,
		&p.Status,
		&p.ExpiresAt,
		&p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePurchase inserts a new credit grant. The provider's checkout session
// id is unique, so a replayed payment-succeeded event surfaces as ErrConflict
// instead of a second grant.
func (r *RepositoryImpl) CreatePurchase(ctx context.Context, params types.CreatePurchaseParams) (*types.Purchase, error) {
	ctx, span := otel.Tracer("PurchaseRepo").Start(ctx, "CreatePurchase", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "purchases"),
		attribute.String("purchase.user_id", params.UserID),
		attribute.Int("purchase.credits", params.CreditsGranted),
		attribute.String("purchase.source", string(params.Source)),
	))
	defer span.End()

	l := r.logger.With(slog.String("method", "CreatePurchase"), slog.String("userID", params.UserID))
	l.DebugContext(ctx, "Creating purchase", slog.Int("credits", params.CreditsGranted))

	if params.CreditsGranted < 0 {
		span.SetStatus(codes.Error, "Negative credit grant")
		return nil, fmt.Errorf("credits granted cannot be negative: %w", types.ErrBadRequest)
	}
	status := params.Status
	if status == "" {
		status = types.PurchaseStatusPending
	}

	query := `
        INSERT INTO purchases (user_id, credits_granted, credits_remaining, amount_cents, currency,
                               source, subscription_id, external_ref, status, expires_at, created_at)
        VALUES ($1, $2, $2, $3, $4, $5, $6, $7, $8, $9, now())
        RETURNING ` + purchaseColumns

	p, err := scanPurchase(r.pgpool.QueryRow(ctx, query,
		params.UserID,
		params.CreditsGranted,
		params.AmountCents,
		params.Currency,
		params.Source,
		params.SubscriptionID,
		params.ExternalRef,
		status,
		params.ExpiresAt,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // Unique violation
			l.WarnContext(ctx, "Purchase with duplicate external ref", slog.Any("error", err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "Duplicate external ref")
			return nil, fmt.Errorf("purchase already recorded for this payment: %w", types.ErrConflict)
		}
		l.ErrorContext(ctx, "Failed to insert purchase", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB INSERT failed")
		return nil, fmt.Errorf("database error creating purchase: %w", err)
	}

	l.InfoContext(ctx, "Purchase created", slog.String("purchaseID", p.ID.String()), slog.String("status", string(p.Status)))
	span.SetAttributes(attribute.String("db.purchase.id", p.ID.String()))
	span.SetStatus(codes.Ok, "Purchase created")
	return p, nil
}

// CompletePurchase flips a pending purchase to completed, making it eligible
// for consumption. Completed purchases are left untouched.
func (r *RepositoryImpl) CompletePurchase(ctx context.Context, purchaseID uuid.UUID) (*types.Purchase, error) {
	ctx, span := otel.Tracer("PurchaseRepo").Start(ctx, "CompletePurchase", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "purchases"),
		attribute.String("db.purchase.id", purchaseID.String()),
	))
	defer span.End()

	l := r.logger.With(slog.String("method", "CompletePurchase"), slog.String("purchaseID", purchaseID.String()))

	query := `
        UPDATE purchases
        SET status = 'completed'
        WHERE id = $1 AND status = 'pending'
        RETURNING ` + purchaseColumns

	p, err := scanPurchase(r.pgpool.QueryRow(ctx, query, purchaseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			l.WarnContext(ctx, "Purchase not pending or not found")
			span.SetStatus(codes.Error, "Purchase not pending")
			return nil, fmt.Errorf("pending purchase %s not found: %w", purchaseID, types.ErrNotFound)
		}
		l.ErrorContext(ctx, "Failed to complete purchase", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB UPDATE failed")
		return nil, fmt.Errorf("database error completing purchase: %w", err)
	}

	l.InfoContext(ctx, "Purchase completed")
	span.SetStatus(codes.Ok, "Purchase completed")
	return p, nil
}

func (r *RepositoryImpl) GetPurchase(ctx context.Context, purchaseID uuid.UUID) (*types.Purchase, error) {
	ctx, span := otel.Tracer("PurchaseRepo").Start(ctx, "GetPurchase", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "purchases"),
		attribute.String("db.purchase.id", purchaseID.String()),
	))
	defer span.End()

	query := `SELECT ` + purchaseColumns + ` FROM purchases WHERE id = $1`
	p, err := scanPurchase(r.pgpool.QueryRow(ctx, query, purchaseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("purchase %s not found: %w", purchaseID, types.ErrNotFound)
		}
		span.RecordError(err)
		return nil, fmt.Errorf("database error fetching purchase: %w", err)
	}
	return p, nil
}

// GetEligiblePurchases snapshots the owner's consumable purchases in FIFO
// order. The snapshot can be stale by the time the caller issues its CAS;
// that is exactly what the CAS guard protects against.
func (r *RepositoryImpl) GetEligiblePurchases(ctx context.Context, userID string) ([]*types.Purchase, error) {
	ctx, span := otel.Tracer("PurchaseRepo").Start(ctx, "GetEligiblePurchases", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "purchases"),
		attribute.String("db.user.id", userID),
	))
	defer span.End()

	l := r.logger.With(slog.String("method", "GetEligiblePurchases"), slog.String("userID", userID))

	query, args, err := squirrel.Select(purchaseColumns).
		From("purchases").
		Where(squirrel.Eq{"user_id": userID, "status": types.PurchaseStatusCompleted}).
		Where(squirrel.Gt{"credits_remaining": 0}).
		Where(squirrel.Or{
			squirrel.Eq{"expires_at": nil},
			squirrel.Expr("expires_at > now()"),
		}).
		OrderBy("created_at ASC").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to build eligible purchases query: %w", err)
	}

	rows, err := r.pgpool.Query(ctx, query, args...)
	if err != nil {
		l.ErrorContext(ctx, "Failed to query eligible purchases", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("database error fetching eligible purchases: %w", err)
	}
	defer rows.Close()

	var purchases []*types.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			l.ErrorContext(ctx, "Failed to scan purchase row", slog.Any("error", err))
			span.RecordError(err)
			return nil, fmt.Errorf("database error scanning purchase: %w", err)
		}
		purchases = append(purchases, p)
	}
	if err = rows.Err(); err != nil {
		l.ErrorContext(ctx, "Error iterating purchase rows", slog.Any("error", err))
		span.RecordError(err)
		return nil, fmt.Errorf("database error reading purchases: %w", err)
	}

	span.SetAttributes(attribute.Int("purchase.eligible_count", len(purchases)))
	span.SetStatus(codes.Ok, "Eligible purchases fetched")
	return purchases, nil
}

// SumRemaining aggregates the eligible balance in the database so balance
// reads stay a single round trip.
func (r *RepositoryImpl) SumRemaining(ctx context.Context, userID string) (int, error) {
	ctx, span := otel.Tracer("PurchaseRepo").Start(ctx, "SumRemaining", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "purchases"),
		attribute.String("db.user.id", userID),
	))
	defer span.End()

	query := `
        SELECT COALESCE(SUM(credits_remaining), 0)
        FROM purchases
        WHERE user_id = $1
          AND status = 'completed'
          AND credits_remaining > 0
          AND (expires_at IS NULL OR expires_at > now())`

	var total int
	if err := r.pgpool.QueryRow(ctx, query, userID).Scan(&total); err != nil {
		r.logger.ErrorContext(ctx, "Failed to sum remaining credits",
			slog.String("method", "SumRemaining"), slog.String("userID", userID), slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB aggregate failed")
		return 0, fmt.Errorf("database error summing credits: %w", err)
	}

	span.SetAttributes(attribute.Int("purchase.balance", total))
	span.SetStatus(codes.Ok, "Balance summed")
	return total, nil
}

// ConsumeFromPurchase is the CAS primitive. The guard repeats the eligibility
// predicate so a purchase that expired or was emptied between the caller's
// read and this write can never go negative or be resurrected.
func (r *RepositoryImpl) ConsumeFromPurchase(ctx context.Context, purchaseID uuid.UUID, expectedRemaining, delta int) (bool, error) {
	ctx, span := otel.Tracer("PurchaseRepo").Start(ctx, "ConsumeFromPurchase", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "purchases"),
		attribute.String("db.purchase.id", purchaseID.String()),
		attribute.Int("purchase.expected_remaining", expectedRemaining),
		attribute.Int("purchase.delta", delta),
	))
	defer span.End()

	l := r.logger.With(slog.String("method", "ConsumeFromPurchase"), slog.String("purchaseID", purchaseID.String()))

	if delta <= 0 || delta > expectedRemaining {
		span.SetStatus(codes.Error, "Invalid delta")
		return false, fmt.Errorf("invalid consume delta %d for remaining %d: %w", delta, expectedRemaining, types.ErrBadRequest)
	}

	query := `
        UPDATE purchases
        SET credits_remaining = credits_remaining - $3
        WHERE id = $1
          AND credits_remaining = $2
          AND status = 'completed'
          AND (expires_at IS NULL OR expires_at > now())`

	tag, err := r.pgpool.Exec(ctx, query, purchaseID, expectedRemaining, delta)
	if err != nil {
		l.ErrorContext(ctx, "Failed to execute CAS decrement", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB UPDATE failed")
		return false, fmt.Errorf("database error consuming credits: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// Lost the race; caller re-reads and retries.
		l.DebugContext(ctx, "CAS decrement missed", slog.Int("expected", expectedRemaining))
		span.SetStatus(codes.Ok, "CAS missed")
		return false, nil
	}

	span.SetStatus(codes.Ok, "Credits consumed")
	return true, nil
}

func (r *RepositoryImpl) ListPurchasesByUser(ctx context.Context, userID string, limit int) ([]*types.Purchase, error) {
	ctx, span := otel.Tracer("PurchaseRepo").Start(ctx, "ListPurchasesByUser", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "purchases"),
		attribute.String("db.user.id", userID),
	))
	defer span.End()

	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `SELECT ` + purchaseColumns + `
        FROM purchases
        WHERE user_id = $1
        ORDER BY created_at DESC
        LIMIT $2`

	rows, err := r.pgpool.Query(ctx, query, userID, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("database error listing purchases: %w", err)
	}
	defer rows.Close()

	var purchases []*types.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("database error scanning purchase: %w", err)
		}
		purchases = append(purchases, p)
	}
	if err = rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("database error reading purchases: %w", err)
	}

	span.SetStatus(codes.Ok, "Purchases listed")
	return purchases, nil
}
