package usecase

import (
	"context"
	"errors"

	"persona-chat/internal/domain"
	"persona-chat/internal/repository"
)

// ContextStore is the read surface needed to assemble prompt context.
type ContextStore interface {
	RecentTurns(ctx context.Context, userID, characterID int64, limit int) ([]domain.Turn, error)
	LatestSummary(ctx context.Context, userID, characterID int64) (*domain.ConversationSummary, error)
}

// ContextProvider assembles the bounded prompt context for one exchange:
// the most recent turns in chronological order plus the latest rolling
// summary. Pure read, no side effects.
type ContextProvider struct {
	store ContextStore
}

func NewContextProvider(store ContextStore) *ContextProvider {
	return &ContextProvider{store: store}
}

// BuildContext returns up to maxRecentTurns turns, oldest first, and the
// latest summary text ("" when none exists).
func (p *ContextProvider) BuildContext(ctx context.Context, userID, characterID int64, maxRecentTurns int) ([]domain.Turn, string, error) {
	turns, err := p.store.RecentTurns(ctx, userID, characterID, maxRecentTurns)
	if err != nil {
		return nil, "", err
	}

	summary, err := p.store.LatestSummary(ctx, userID, characterID)
	if errors.Is(err, repository.ErrNotFound) {
		return turns, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	return turns, summary.Summary, nil
}
