package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"persona-chat/internal/domain"
	"persona-chat/internal/repository"
)

const (
	// defaultSummaryWindow is the exchange window that triggers a new
	// rolling summary: every time the pair's turn count reaches an exact
	// multiple of it.
	defaultSummaryWindow = 20
	// defaultMinTurns is the minimum history size before unforced
	// summarization is considered at all.
	defaultMinTurns = 10
)

// SummaryStore is the storage surface for rolling summaries and the turn
// counts that trigger them.
type SummaryStore interface {
	CountTurns(ctx context.Context, userID, characterID int64) (int, error)
	RecentTurns(ctx context.Context, userID, characterID int64, limit int) ([]domain.Turn, error)
	LatestSummary(ctx context.Context, userID, characterID int64) (*domain.ConversationSummary, error)
	InsertSummary(ctx context.Context, sum *domain.ConversationSummary) error
}

type pairKey struct {
	userID      int64
	characterID int64
}

// Summarizer decides when a conversation needs a new rolling summary and
// produces it through the provider. Provider failures are logged and
// skipped; summarization is best-effort and never fails the exchange that
// triggered it.
type Summarizer struct {
	store  SummaryStore
	llm    Generator
	logger *slog.Logger

	windowSize int
	minTurns   int

	// The modulo trigger below is racy if two exchanges for the same pair
	// complete concurrently, so the check-and-run step is serialized per
	// pair.
	mu    sync.Mutex
	locks map[pairKey]*sync.Mutex
}

func NewSummarizer(store SummaryStore, llm Generator, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{
		store:      store,
		llm:        llm,
		logger:     logger,
		windowSize: defaultSummaryWindow,
		minTurns:   defaultMinTurns,
		locks:      make(map[pairKey]*sync.Mutex),
	}
}

func (s *Summarizer) pairLock(userID, characterID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey{userID, characterID}
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// MaybeSummarize creates a new summary when due and reports whether one was
// created. window bounds how many recent turns the summary consumes. With
// force=false the trigger is a turn count that is an exact multiple of the
// summary window, and never below the minimum history size; force=true
// summarizes whatever exists (still false when there are no turns at all).
func (s *Summarizer) MaybeSummarize(ctx context.Context, userID, characterID int64, window int, force bool) (bool, error) {
	if window <= 0 {
		window = s.windowSize
	}

	l := s.pairLock(userID, characterID)
	l.Lock()
	defer l.Unlock()

	if !force {
		count, err := s.store.CountTurns(ctx, userID, characterID)
		if err != nil {
			return false, err
		}
		if count < s.minTurns || count%s.windowSize != 0 {
			return false, nil
		}
	}

	turns, err := s.store.RecentTurns(ctx, userID, characterID, window)
	if err != nil {
		return false, err
	}
	if len(turns) == 0 {
		return false, nil
	}

	priorSummary := ""
	prior, err := s.store.LatestSummary(ctx, userID, characterID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return false, err
	}
	if prior != nil {
		priorSummary = prior.Summary
	}

	reply, err := s.llm.Generate(ctx, summarySystemPrompt, nil, buildSummaryPrompt(turns, priorSummary))
	if err != nil {
		s.logger.Error("failed to generate conversation summary",
			"user_id", userID, "character_id", characterID, "err", err)
		return false, nil
	}

	sum := &domain.ConversationSummary{
		UserID:      userID,
		CharacterID: characterID,
		Summary:     reply.Text,
		TurnCount:   len(turns),
	}
	if err := s.store.InsertSummary(ctx, sum); err != nil {
		return false, err
	}
	return true, nil
}
