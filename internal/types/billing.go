package types

import (
	"time"

	"github.com/google/uuid"
)

// PurchaseSource distinguishes how a credit grant was paid for.
type PurchaseSource string

const (
	PurchaseSourceSubscription PurchaseSource = "subscription"
	PurchaseSourceTopup        PurchaseSource = "topup"
)

// PurchaseStatus follows the payment provider's settlement lifecycle.
type PurchaseStatus string

const (
	PurchaseStatusPending   PurchaseStatus = "pending"
	PurchaseStatusCompleted PurchaseStatus = "completed"
	PurchaseStatusFailed    PurchaseStatus = "failed"
)

// Purchase is a single grant of credits with its own remaining balance and
// expiry. Rows are never deleted; a purchase simply stops being eligible once
// it expires or its remaining balance reaches zero.
type Purchase struct {
	ID               uuid.UUID      `json:"id"`
	UserID           string         `json:"user_id"`
	CreditsGranted   int            `json:"credits_granted"`
	CreditsRemaining int            `json:"credits_remaining"`
	AmountCents      int64          `json:"amount_cents"`
	Currency         string         `json:"currency"`
	Source           PurchaseSource `json:"source"`
	SubscriptionID   *uuid.UUID     `json:"subscription_id,omitempty"`
	ExternalRef      *string        `json:"external_ref,omitempty"` // checkout session / payment intent id
	Status           PurchaseStatus `json:"status"`
	ExpiresAt        *time.Time     `json:"expires_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Eligible reports whether the purchase can contribute to a balance at t.
func (p *Purchase) Eligible(t time.Time) bool {
	if p.Status != PurchaseStatusCompleted || p.CreditsRemaining <= 0 {
		return false
	}
	if p.ExpiresAt != nil && !p.ExpiresAt.After(t) {
		return false
	}
	return true
}

// CreatePurchaseParams carries everything needed to insert a purchase row.
type CreatePurchaseParams struct {
	UserID         string
	CreditsGranted int
	AmountCents    int64
	Currency       string
	Source         PurchaseSource
	SubscriptionID *uuid.UUID
	ExternalRef    *string
	Status         PurchaseStatus
	ExpiresAt      *time.Time
}

// SubscriptionStatus is the recurring-entitlement lifecycle state.
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusPastDue   SubscriptionStatus = "past_due"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	SubscriptionStatusExpired   SubscriptionStatus = "expired"
)

// Subscription is a recurring entitlement that grants a purchase per billing
// period. ExternalRef is the payment provider's subscription id and doubles
// as the idempotency key for webhook replay.
type Subscription struct {
	ID                 uuid.UUID          `json:"id"`
	UserID             string             `json:"user_id"`
	ExternalRef        string             `json:"external_ref"`
	PlanID             string             `json:"plan_id"`
	Status             SubscriptionStatus `json:"status"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
	CreditsPerPeriod   int                `json:"credits_per_period"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// CreateSubscriptionParams carries the fields for a new subscription row.
type CreateSubscriptionParams struct {
	UserID             string
	ExternalRef        string
	PlanID             string
	Status             SubscriptionStatus
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CreditsPerPeriod   int
}

// UsageRecord is an immutable audit row describing one billable consumption.
// PurchaseID is nil when the caller paid with an own API key.
type UsageRecord struct {
	ID              uuid.UUID  `json:"id"`
	UserID          string     `json:"user_id"`
	PurchaseID      *uuid.UUID `json:"purchase_id,omitempty"`
	SubscriptionID  *uuid.UUID `json:"subscription_id,omitempty"`
	PromptExcerpt   string     `json:"prompt_excerpt"`
	ResponseExcerpt string     `json:"response_excerpt"`
	CreditsUsed     int        `json:"credits_used"`
	ModelUsed       string     `json:"model_used"`
	LatencyMs       int        `json:"latency_ms"`
	CreatedAt       time.Time  `json:"created_at"`
}

// CreateUsageRecordParams carries the fields for a usage audit row.
type CreateUsageRecordParams struct {
	UserID          string
	PurchaseID      *uuid.UUID
	SubscriptionID  *uuid.UUID
	PromptExcerpt   string
	ResponseExcerpt string
	CreditsUsed     int
	ModelUsed       string
	LatencyMs       int
}

// EventOutcome classifies what applying a webhook event did.
type EventOutcome string

const (
	EventOutcomeApplied   EventOutcome = "applied"
	EventOutcomeDuplicate EventOutcome = "duplicate"
	EventOutcomeRejected  EventOutcome = "rejected"
)

// SubscriptionEvent is the append-only log of state-machine transitions,
// keyed by the provider's event id so replayed deliveries are detected.
type SubscriptionEvent struct {
	ID              uuid.UUID    `json:"id"`
	ExternalEventID string       `json:"external_event_id"`
	EventType       string       `json:"event_type"`
	ExternalRef     string       `json:"external_ref"`
	UserID          string       `json:"user_id"`
	Outcome         EventOutcome `json:"outcome"`
	Detail          string       `json:"detail,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// CheckoutMode distinguishes the two checkout.session.completed shapes.
type CheckoutMode string

const (
	CheckoutModeSubscription CheckoutMode = "subscription"
	CheckoutModeTopup        CheckoutMode = "topup"
)

// SubscriptionEventPayload is the normalized body of a provider lifecycle
// event after the webhook handler has verified and decoded it.
type SubscriptionEventPayload struct {
	UserID          string       `json:"user_id"`
	ExternalRef     string       `json:"external_subscription_ref"`
	Mode            CheckoutMode `json:"mode,omitempty"`
	PlanID          string       `json:"plan_id,omitempty"`
	Status          string       `json:"status,omitempty"`
	PeriodStart     time.Time    `json:"period_start,omitempty"`
	PeriodEnd       time.Time    `json:"period_end,omitempty"`
	Credits         int          `json:"credits,omitempty"`
	AmountCents     int64        `json:"amount_cents,omitempty"`
	Currency        string       `json:"currency,omitempty"`
	BillingReason   string       `json:"billing_reason,omitempty"`
	CheckoutSession string       `json:"checkout_session,omitempty"`
}

// ConsumeResult reports a successful ledger deduction. PurchaseID is the last
// purchase drawn from when the deduction crossed purchase boundaries.
type ConsumeResult struct {
	PurchaseID     uuid.UUID  `json:"purchase_id"`
	SubscriptionID *uuid.UUID `json:"subscription_id,omitempty"`
	CreditsUsed    int        `json:"credits_used"`
	Remaining      int        `json:"remaining_balance"`
}

// UserTier is the entitlement tier the state machine maintains per owner.
type UserTier string

const (
	UserTierFree    UserTier = "free"
	UserTierPremium UserTier = "premium"
)
