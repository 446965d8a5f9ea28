package usage

import (
	"context"
	"log/slog"
	"strings"

	a "github.com/petar-dambovaliev/aho-corasick"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lumiscan/lumiscan-api/internal/types"
)

// Ensure implementation satisfies the interface
var _ Service = (*ServiceImpl)(nil)

// maxExcerptRunes bounds what ends up in the audit trail; full payloads never
// touch the database.
const maxExcerptRunes = 500

// Aho-Corasick matcher for terms that must never be persisted verbatim in
// audit excerpts.
var (
	sensitiveBuilder = a.NewAhoCorasickBuilder(a.Opts{
		AsciiCaseInsensitive: true,
		MatchOnlyWholeWords:  false,
	})

	sensitiveMatcher = sensitiveBuilder.Build([]string{
		"api_key", "api-key", "apikey",
		"authorization:", "bearer ",
		"password", "secret",
		"sk-", "sk_live", "sk_test",
	})
)

// Service is the usage recorder. RecordUsage is fire-and-forget from the
// ledger's point of view: the committed deduction is the financial source of
// truth, so a failed audit insert is logged and swallowed, never propagated.
type Service interface {
	RecordUsage(ctx context.Context, params types.CreateUsageRecordParams)
	ListUsage(ctx context.Context, userID string, limit int) ([]*types.UsageRecord, error)
}

type ServiceImpl struct {
	logger *slog.Logger
	repo   Repository
}

func NewService(repo Repository, logger *slog.Logger) *ServiceImpl {
	return &ServiceImpl{
		logger: logger,
		repo:   repo,
	}
}

func (s *ServiceImpl) RecordUsage(ctx context.Context, params types.CreateUsageRecordParams) {
	ctx, span := otel.Tracer("UsageService").Start(ctx, "RecordUsage", trace.WithAttributes(
		attribute.String("user.id", params.UserID),
		attribute.Int("usage.credits", params.CreditsUsed),
	))
	defer span.End()

	params.PromptExcerpt = sanitizeExcerpt(params.PromptExcerpt)
	params.ResponseExcerpt = sanitizeExcerpt(params.ResponseExcerpt)

	if _, err := s.repo.CreateUsageRecord(ctx, params); err != nil {
		// Audit-only data: the deduction already happened and must stand.
		s.logger.ErrorContext(ctx, "Failed to append usage record, deduction stands",
			slog.String("method", "RecordUsage"),
			slog.String("userID", params.UserID),
			slog.Int("credits", params.CreditsUsed),
			slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Usage record dropped")
		return
	}

	span.SetStatus(codes.Ok, "Usage recorded")
}

func (s *ServiceImpl) ListUsage(ctx context.Context, userID string, limit int) ([]*types.UsageRecord, error) {
	ctx, span := otel.Tracer("UsageService").Start(ctx, "ListUsage", trace.WithAttributes(
		attribute.String("user.id", userID),
	))
	defer span.End()

	records, err := s.repo.ListByUser(ctx, userID, limit)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to list usage records",
			slog.String("method", "ListUsage"), slog.String("userID", userID), slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to list usage records")
		return nil, err
	}

	span.SetStatus(codes.Ok, "Usage records listed")
	return records, nil
}

// sanitizeExcerpt truncates to maxExcerptRunes and masks sensitive terms.
func sanitizeExcerpt(text string) string {
	if text == "" {
		return ""
	}

	runes := []rune(text)
	if len(runes) > maxExcerptRunes {
		text = string(runes[:maxExcerptRunes]) + "…"
	}

	matches := sensitiveMatcher.FindAll(text)
	if len(matches) == 0 {
		return text
	}

	var b strings.Builder
	last := 0
	for _, match := range matches {
		if match.Start() < last {
			continue
		}
		b.WriteString(text[last:match.Start()])
		b.WriteString(strings.Repeat("*", match.End()-match.Start()))
		last = match.End()
	}
	b.WriteString(text[last:])
	return b.String()
}
