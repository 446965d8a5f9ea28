package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"
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

// Provider lifecycle event types, matching the payment provider's naming.
const (
	EventCheckoutCompleted       = "checkout.session.completed"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    = "invoice.payment_failed"

	// billingReasonCycle marks a renewal invoice as opposed to the first one.
	billingReasonCycle = "subscription_cycle"
)

// Service is the subscription state machine. ApplyEvent is idempotent under
// at-least-once webhook delivery: the event log insert happens before any
// state change, so a replayed event id is a no-op.
type Service interface {
	ApplyEvent(ctx context.Context, eventID, eventType string, payload types.SubscriptionEventPayload) (types.EventOutcome, error)
	GetActiveSubscription(ctx context.Context, userID string) (*types.Subscription, error)
	GetUserTier(ctx context.Context, userID string) (types.UserTier, error)
}

type ServiceImpl struct {
	logger       *slog.Logger
	repo         Repository
	purchaseRepo purchase.Repository
	cache        *cache.Cache
}

func NewService(repo Repository, purchaseRepo purchase.Repository, logger *slog.Logger) *ServiceImpl {
	return &ServiceImpl{
		logger:       logger,
		repo:         repo,
		purchaseRepo: purchaseRepo,
		cache:        cache.New(5*time.Minute, 10*time.Minute),
	}
}

// ApplyEvent records the event id first, then dispatches on the event type.
// Unknown refs and malformed-but-signed events are rejected without error:
// the provider only needs to know the delivery was handled.
func (s *ServiceImpl) ApplyEvent(ctx context.Context, eventID, eventType string, payload types.SubscriptionEventPayload) (types.EventOutcome, error) {
	ctx, span := otel.Tracer("SubscriptionService").Start(ctx, "ApplyEvent", trace.WithAttributes(
		attribute.String("event.id", eventID),
		attribute.String("event.type", eventType),
		attribute.String("subscription.external_ref", payload.ExternalRef),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "ApplyEvent"),
		slog.String("eventID", eventID), slog.String("eventType", eventType))

	if eventID == "" {
		span.SetStatus(codes.Error, "Missing event id")
		return types.EventOutcomeRejected, fmt.Errorf("event id is required: %w", types.ErrBadRequest)
	}

	// Dedupe before any mutation. The unique insert is the idempotency gate.
	err := s.repo.RecordEvent(ctx, eventID, eventType, payload.ExternalRef, payload.UserID, types.EventOutcomeApplied, "")
	if err != nil {
		if errors.Is(err, types.ErrDuplicateEvent) {
			l.InfoContext(ctx, "Duplicate event delivery ignored")
			span.SetStatus(codes.Ok, "Duplicate event")
			observability.WebhookEvents.WithLabelValues(eventType, string(types.EventOutcomeDuplicate)).Inc()
			return types.EventOutcomeDuplicate, nil
		}
		l.ErrorContext(ctx, "Failed to record event", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Event log insert failed")
		return types.EventOutcomeRejected, fmt.Errorf("error recording event: %w", err)
	}

	outcome, detail, err := s.dispatch(ctx, l, eventType, payload)
	if err != nil {
		// The state change did not land, so the dedupe row must not survive:
		// the provider will redeliver on our 5xx, and that replay has to get
		// a fresh attempt instead of being swallowed as a duplicate.
		if delErr := s.repo.DeleteEvent(ctx, eventID); delErr != nil {
			l.ErrorContext(ctx, "Failed to release event after dispatch failure, replay will be dropped",
				slog.Any("error", delErr))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "Event application failed")
		observability.WebhookEvents.WithLabelValues(eventType, "error").Inc()
		return outcome, err
	}

	if outcome != types.EventOutcomeApplied || detail != "" {
		// Audit metadata only; the transition itself already resolved.
		if updErr := s.repo.UpdateEventOutcome(ctx, eventID, outcome, detail); updErr != nil {
			l.WarnContext(ctx, "Failed to record event outcome", slog.Any("error", updErr))
		}
	}

	if outcome == types.EventOutcomeApplied {
		s.invalidateOwner(payload.UserID)
	}

	span.SetAttributes(attribute.String("event.outcome", string(outcome)))
	span.SetStatus(codes.Ok, "Event applied")
	observability.WebhookEvents.WithLabelValues(eventType, string(outcome)).Inc()
	return outcome, nil
}

// dispatch resolves one event to its final outcome plus a short detail for
// the event log. A non-nil error means the state change must be retried.
func (s *ServiceImpl) dispatch(ctx context.Context, l *slog.Logger, eventType string, payload types.SubscriptionEventPayload) (types.EventOutcome, string, error) {
	switch eventType {
	case EventCheckoutCompleted:
		if payload.Mode == types.CheckoutModeTopup {
			return s.applyTopupCheckout(ctx, l, payload)
		}
		return s.applySubscriptionCheckout(ctx, l, payload)
	case EventSubscriptionUpdated:
		return s.applySubscriptionUpdated(ctx, l, payload)
	case EventSubscriptionDeleted:
		return s.applySubscriptionDeleted(ctx, l, payload)
	case EventInvoicePaymentSucceeded:
		return s.applyInvoicePaymentSucceeded(ctx, l, payload)
	case EventInvoicePaymentFailed:
		return s.applyInvoicePaymentFailed(ctx, l, payload)
	default:
		l.InfoContext(ctx, "Unhandled event type ignored")
		return types.EventOutcomeRejected, "unhandled event type", nil
	}
}

// applySubscriptionCheckout creates the subscription, its first credit grant,
// and flips the owner's tier.
func (s *ServiceImpl) applySubscriptionCheckout(ctx context.Context, l *slog.Logger, payload types.SubscriptionEventPayload) (types.EventOutcome, string, error) {
	sub, err := s.repo.CreateSubscription(ctx, types.CreateSubscriptionParams{
		UserID:             payload.UserID,
		ExternalRef:        payload.ExternalRef,
		PlanID:             payload.PlanID,
		Status:             types.SubscriptionStatusActive,
		CurrentPeriodStart: payload.PeriodStart,
		CurrentPeriodEnd:   payload.PeriodEnd,
		CreditsPerPeriod:   payload.Credits,
	})
	if err != nil {
		if errors.Is(err, types.ErrConflict) {
			// Same subscription delivered under a second event id. The
			// entitlement already exists, nothing more to do.
			l.WarnContext(ctx, "Subscription already exists for external ref")
			return types.EventOutcomeDuplicate, "subscription already exists", nil
		}
		return types.EventOutcomeRejected, "", fmt.Errorf("error creating subscription: %w", err)
	}

	periodEnd := sub.CurrentPeriodEnd
	externalRef := payload.CheckoutSession
	var refPtr *string
	if externalRef != "" {
		refPtr = &externalRef
	}
	if _, err := s.purchaseRepo.CreatePurchase(ctx, types.CreatePurchaseParams{
		UserID:         payload.UserID,
		CreditsGranted: payload.Credits,
		AmountCents:    payload.AmountCents,
		Currency:       payload.Currency,
		Source:         types.PurchaseSourceSubscription,
		SubscriptionID: &sub.ID,
		ExternalRef:    refPtr,
		Status:         types.PurchaseStatusCompleted,
		ExpiresAt:      &periodEnd,
	}); err != nil && !errors.Is(err, types.ErrConflict) {
		return types.EventOutcomeRejected, "", fmt.Errorf("error granting initial purchase: %w", err)
	}

	if err := s.repo.SetUserTier(ctx, payload.UserID, types.UserTierPremium); err != nil {
		return types.EventOutcomeRejected, "", fmt.Errorf("error setting user tier: %w", err)
	}

	l.InfoContext(ctx, "Subscription checkout applied",
		slog.String("subscriptionID", sub.ID.String()), slog.Int("credits", payload.Credits))
	return types.EventOutcomeApplied, "", nil
}

// applyTopupCheckout grants extra credits on top of an existing active
// subscription; the grant expires with the subscription's current period.
func (s *ServiceImpl) applyTopupCheckout(ctx context.Context, l *slog.Logger, payload types.SubscriptionEventPayload) (types.EventOutcome, string, error) {
	sub, err := s.repo.GetActiveByUserID(ctx, payload.UserID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			// Topups require an active subscription; reject quietly.
			l.WarnContext(ctx, "Topup without active subscription rejected",
				slog.String("userID", payload.UserID))
			return types.EventOutcomeRejected, "topup without active subscription", nil
		}
		return types.EventOutcomeRejected, "", fmt.Errorf("error resolving active subscription: %w", err)
	}

	periodEnd := sub.CurrentPeriodEnd
	externalRef := payload.CheckoutSession
	var refPtr *string
	if externalRef != "" {
		refPtr = &externalRef
	}
	if _, err := s.purchaseRepo.CreatePurchase(ctx, types.CreatePurchaseParams{
		UserID:         payload.UserID,
		CreditsGranted: payload.Credits,
		AmountCents:    payload.AmountCents,
		Currency:       payload.Currency,
		Source:         types.PurchaseSourceTopup,
		SubscriptionID: &sub.ID,
		ExternalRef:    refPtr,
		Status:         types.PurchaseStatusCompleted,
		ExpiresAt:      &periodEnd,
	}); err != nil {
		if errors.Is(err, types.ErrConflict) {
			l.WarnContext(ctx, "Topup purchase already recorded")
			return types.EventOutcomeDuplicate, "topup already recorded", nil
		}
		return types.EventOutcomeRejected, "", fmt.Errorf("error granting topup purchase: %w", err)
	}

	l.InfoContext(ctx, "Topup applied", slog.Int("credits", payload.Credits))
	return types.EventOutcomeApplied, "", nil
}

func (s *ServiceImpl) applySubscriptionUpdated(ctx context.Context, l *slog.Logger, payload types.SubscriptionEventPayload) (types.EventOutcome, string, error) {
	status := types.SubscriptionStatus(payload.Status)
	if status == "" {
		status = types.SubscriptionStatusActive
	}

	var err error
	if payload.PeriodStart.IsZero() && payload.PeriodEnd.IsZero() {
		err = s.repo.UpdateStatus(ctx, payload.ExternalRef, status)
	} else {
		err = s.repo.UpdatePeriod(ctx, payload.ExternalRef, payload.PeriodStart, payload.PeriodEnd, status)
	}
	if err != nil {
		if errors.Is(err, types.ErrUnknownSubscriptionRef) {
			l.InfoContext(ctx, "Update for unknown subscription ref ignored",
				slog.String("externalRef", payload.ExternalRef))
			return types.EventOutcomeRejected, "unknown subscription ref", nil
		}
		return types.EventOutcomeRejected, "", fmt.Errorf("error updating subscription: %w", err)
	}

	l.InfoContext(ctx, "Subscription updated", slog.String("status", string(status)))
	return types.EventOutcomeApplied, "", nil
}

// applySubscriptionDeleted cancels the subscription and drops the owner back
// to the free tier. Previously granted purchases keep their own balances and
// expiries untouched.
func (s *ServiceImpl) applySubscriptionDeleted(ctx context.Context, l *slog.Logger, payload types.SubscriptionEventPayload) (types.EventOutcome, string, error) {
	sub, err := s.repo.GetByExternalRef(ctx, payload.ExternalRef)
	if err != nil {
		if errors.Is(err, types.ErrUnknownSubscriptionRef) {
			l.InfoContext(ctx, "Delete for unknown subscription ref ignored",
				slog.String("externalRef", payload.ExternalRef))
			return types.EventOutcomeRejected, "unknown subscription ref", nil
		}
		return types.EventOutcomeRejected, "", fmt.Errorf("error resolving subscription: %w", err)
	}

	if err := s.repo.UpdateStatus(ctx, payload.ExternalRef, types.SubscriptionStatusCancelled); err != nil {
		return types.EventOutcomeRejected, "", fmt.Errorf("error cancelling subscription: %w", err)
	}
	if err := s.repo.SetUserTier(ctx, sub.UserID, types.UserTierFree); err != nil {
		return types.EventOutcomeRejected, "", fmt.Errorf("error resetting user tier: %w", err)
	}

	s.invalidateOwner(sub.UserID)
	l.InfoContext(ctx, "Subscription cancelled", slog.String("userID", sub.UserID))
	return types.EventOutcomeApplied, "", nil
}

// applyInvoicePaymentSucceeded handles renewals: a fresh grant for the new
// period and updated period bounds. A first-invoice event (non-cycle reason)
// carries no grant here because checkout.session.completed already did it.
func (s *ServiceImpl) applyInvoicePaymentSucceeded(ctx context.Context, l *slog.Logger, payload types.SubscriptionEventPayload) (types.EventOutcome, string, error) {
	if payload.BillingReason != billingReasonCycle {
		l.DebugContext(ctx, "Non-cycle invoice ignored", slog.String("reason", payload.BillingReason))
		return types.EventOutcomeRejected, "non-cycle invoice", nil
	}

	sub, err := s.repo.GetByExternalRef(ctx, payload.ExternalRef)
	if err != nil {
		if errors.Is(err, types.ErrUnknownSubscriptionRef) {
			l.InfoContext(ctx, "Renewal for unknown subscription ref ignored",
				slog.String("externalRef", payload.ExternalRef))
			return types.EventOutcomeRejected, "unknown subscription ref", nil
		}
		return types.EventOutcomeRejected, "", fmt.Errorf("error resolving subscription: %w", err)
	}

	if err := s.repo.UpdatePeriod(ctx, payload.ExternalRef, payload.PeriodStart, payload.PeriodEnd, types.SubscriptionStatusActive); err != nil {
		return types.EventOutcomeRejected, "", fmt.Errorf("error moving subscription period: %w", err)
	}

	credits := payload.Credits
	if credits == 0 {
		credits = sub.CreditsPerPeriod
	}
	periodEnd := payload.PeriodEnd
	if _, err := s.purchaseRepo.CreatePurchase(ctx, types.CreatePurchaseParams{
		UserID:         sub.UserID,
		CreditsGranted: credits,
		AmountCents:    payload.AmountCents,
		Currency:       payload.Currency,
		Source:         types.PurchaseSourceSubscription,
		SubscriptionID: &sub.ID,
		Status:         types.PurchaseStatusCompleted,
		ExpiresAt:      &periodEnd,
	}); err != nil && !errors.Is(err, types.ErrConflict) {
		return types.EventOutcomeRejected, "", fmt.Errorf("error granting renewal purchase: %w", err)
	}

	s.invalidateOwner(sub.UserID)
	l.InfoContext(ctx, "Renewal applied", slog.String("userID", sub.UserID), slog.Int("credits", credits))
	return types.EventOutcomeApplied, "", nil
}

func (s *ServiceImpl) applyInvoicePaymentFailed(ctx context.Context, l *slog.Logger, payload types.SubscriptionEventPayload) (types.EventOutcome, string, error) {
	if err := s.repo.UpdateStatus(ctx, payload.ExternalRef, types.SubscriptionStatusPastDue); err != nil {
		if errors.Is(err, types.ErrUnknownSubscriptionRef) {
			l.InfoContext(ctx, "Payment failure for unknown subscription ref ignored",
				slog.String("externalRef", payload.ExternalRef))
			return types.EventOutcomeRejected, "unknown subscription ref", nil
		}
		return types.EventOutcomeRejected, "", fmt.Errorf("error marking subscription past due: %w", err)
	}

	l.WarnContext(ctx, "Subscription marked past due", slog.String("externalRef", payload.ExternalRef))
	return types.EventOutcomeApplied, "", nil
}

// GetActiveSubscription serves the owner's active subscription with a short
// TTL cache; ApplyEvent invalidates on every applied transition.
func (s *ServiceImpl) GetActiveSubscription(ctx context.Context, userID string) (*types.Subscription, error) {
	ctx, span := otel.Tracer("SubscriptionService").Start(ctx, "GetActiveSubscription", trace.WithAttributes(
		attribute.String("user.id", userID),
	))
	defer span.End()

	cacheKey := "sub:" + userID
	if cached, found := s.cache.Get(cacheKey); found {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		span.SetStatus(codes.Ok, "Subscription served from cache")
		return deriveExpiry(cached.(*types.Subscription)), nil
	}

	sub, err := s.repo.GetActiveByUserID(ctx, userID)
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Failed to fetch active subscription")
		}
		return nil, err
	}

	s.cache.Set(cacheKey, sub, cache.DefaultExpiration)
	span.SetStatus(codes.Ok, "Subscription fetched")
	return deriveExpiry(sub), nil
}

// deriveExpiry reports a subscription whose period lapsed without a renewal
// event as expired. Derived at read time; no row is mutated, and a late
// renewal webhook moves the period forward and reactivates it.
func deriveExpiry(sub *types.Subscription) *types.Subscription {
	if sub.Status != types.SubscriptionStatusActive || sub.CurrentPeriodEnd.IsZero() {
		return sub
	}
	if sub.CurrentPeriodEnd.After(time.Now()) {
		return sub
	}
	lapsed := *sub
	lapsed.Status = types.SubscriptionStatusExpired
	return &lapsed
}

func (s *ServiceImpl) GetUserTier(ctx context.Context, userID string) (types.UserTier, error) {
	ctx, span := otel.Tracer("SubscriptionService").Start(ctx, "GetUserTier", trace.WithAttributes(
		attribute.String("user.id", userID),
	))
	defer span.End()

	cacheKey := "tier:" + userID
	if cached, found := s.cache.Get(cacheKey); found {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return cached.(types.UserTier), nil
	}

	tier, err := s.repo.GetUserTier(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to fetch user tier")
		return "", fmt.Errorf("error fetching user tier: %w", err)
	}

	s.cache.Set(cacheKey, tier, cache.DefaultExpiration)
	span.SetStatus(codes.Ok, "Tier fetched")
	return tier, nil
}

func (s *ServiceImpl) invalidateOwner(userID string) {
	if userID == "" {
		return
	}
	s.cache.Delete("sub:" + userID)
	s.cache.Delete("tier:" + userID)
}
