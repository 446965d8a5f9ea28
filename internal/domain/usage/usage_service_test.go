package usage

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lumiscan/lumiscan-api/internal/types"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) CreateUsageRecord(ctx context.Context, params types.CreateUsageRecordParams) (*types.UsageRecord, error) {
	args := m.Called(ctx, params)
	rec, _ := args.Get(0).(*types.UsageRecord)
	return rec, args.Error(1)
}

func (m *MockRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*types.UsageRecord, error) {
	args := m.Called(ctx, userID, limit)
	recs, _ := args.Get(0).([]*types.UsageRecord)
	return recs, args.Error(1)
}

func TestRecordUsage_SwallowsStoreError(t *testing.T) {
	repo := new(MockRepository)
	svc := NewService(repo, slog.Default())

	repo.On("CreateUsageRecord", mock.Anything, mock.Anything).
		Return(nil, errors.New("connection reset"))

	// No panic, no error surface: the deduction already stands.
	svc.RecordUsage(context.Background(), types.CreateUsageRecordParams{
		UserID:      "user1",
		CreditsUsed: 1,
	})
	repo.AssertExpectations(t)
}

func TestRecordUsage_SanitizesExcerpts(t *testing.T) {
	repo := new(MockRepository)
	svc := NewService(repo, slog.Default())

	var stored types.CreateUsageRecordParams
	repo.On("CreateUsageRecord", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			stored = args.Get(1).(types.CreateUsageRecordParams)
		}).
		Return(&types.UsageRecord{}, nil)

	svc.RecordUsage(context.Background(), types.CreateUsageRecordParams{
		UserID:          "user1",
		CreditsUsed:     1,
		PromptExcerpt:   "describe this image, my api_key is sk-12345",
		ResponseExcerpt: "a cat on a roof",
	})

	assert.NotContains(t, stored.PromptExcerpt, "api_key")
	assert.NotContains(t, stored.PromptExcerpt, "sk-")
	assert.Contains(t, stored.PromptExcerpt, "describe this image")
	assert.Equal(t, "a cat on a roof", stored.ResponseExcerpt)
}

func TestSanitizeExcerpt(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want func(t *testing.T, out string)
	}{
		{
			name: "empty passes through",
			in:   "",
			want: func(t *testing.T, out string) { assert.Empty(t, out) },
		},
		{
			name: "clean text untouched",
			in:   "what is in this picture",
			want: func(t *testing.T, out string) { assert.Equal(t, "what is in this picture", out) },
		},
		{
			name: "masks case-insensitively",
			in:   "my PASSWORD is hunter2",
			want: func(t *testing.T, out string) {
				assert.NotContains(t, strings.ToLower(out), "password")
				assert.Contains(t, out, "hunter2")
			},
		},
		{
			name: "masks bearer tokens",
			in:   "Authorization: Bearer abc123",
			want: func(t *testing.T, out string) {
				assert.NotContains(t, strings.ToLower(out), "authorization:")
				assert.NotContains(t, strings.ToLower(out), "bearer ")
			},
		},
		{
			name: "truncates long input",
			in:   strings.Repeat("x", 2000),
			want: func(t *testing.T, out string) {
				require.LessOrEqual(t, len([]rune(out)), maxExcerptRunes+1)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.want(t, sanitizeExcerpt(tc.in))
		})
	}
}
