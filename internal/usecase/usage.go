package usecase

import (
	"context"
	"log/slog"
	"time"
)

// UsageStore persists daily exchange counters via an atomic upsert.
type UsageStore interface {
	RecordExchange(ctx context.Context, userID, characterID int64, usageDate string, tokens int) error
}

// UsageRecorder accumulates per-(user, character, day) exchange and token
// counts. Recording failures are logged and leave usage under-counted; they
// never fail the exchange that produced them.
type UsageRecorder struct {
	store  UsageStore
	logger *slog.Logger
}

func NewUsageRecorder(store UsageStore, logger *slog.Logger) *UsageRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageRecorder{store: store, logger: logger}
}

// RecordExchange adds one exchange and its token usage to today's counter.
func (r *UsageRecorder) RecordExchange(ctx context.Context, userID, characterID int64, tokens int) {
	usageDate := time.Now().UTC().Format("2006-01-02")
	if err := r.store.RecordExchange(ctx, userID, characterID, usageDate, tokens); err != nil {
		r.logger.Error("failed to record usage",
			"user_id", userID, "character_id", characterID, "usage_date", usageDate, "err", err)
	}
}
