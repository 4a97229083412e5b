package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"persona-chat/internal/domain"
	"persona-chat/internal/integrations/claude"
	"persona-chat/internal/realtime"
	"persona-chat/internal/repository"
)

// fakeStore is an in-memory stand-in for the repository, shared by the
// orchestrator and summarizer tests.
type fakeStore struct {
	mu            sync.Mutex
	characters    map[int64]*domain.Character
	turns         []domain.Turn
	nextTurnID    int64
	summaries     []domain.ConversationSummary
	nextSummaryID int64
	usage         map[string]*domain.UsageRecord

	insertTurnErr    error
	finalizeErr      error
	recentErr        error
	recordErr        error
	insertSummaryErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		characters: make(map[int64]*domain.Character),
		usage:      make(map[string]*domain.UsageRecord),
	}
}

func (f *fakeStore) addCharacter(id int64, name, prompt string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.characters[id] = &domain.Character{ID: id, Name: name, SystemPrompt: prompt}
}

func (f *fakeStore) GetCharacter(_ context.Context, id int64) (*domain.Character, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.characters[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) InsertTurn(_ context.Context, t *domain.Turn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertTurnErr != nil {
		return f.insertTurnErr
	}
	f.nextTurnID++
	t.ID = f.nextTurnID
	f.turns = append(f.turns, *t)
	return nil
}

func (f *fakeStore) FinalizeTurn(_ context.Context, id int64, content string, tokenCost int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finalizeErr != nil {
		return f.finalizeErr
	}
	for i := range f.turns {
		if f.turns[i].ID == id && f.turns[i].Content == "" {
			f.turns[i].Content = content
			f.turns[i].TokenCost = &tokenCost
			return nil
		}
	}
	return repository.ErrNotFound
}

func (f *fakeStore) pairTurns(userID, characterID int64) []domain.Turn {
	var out []domain.Turn
	for _, t := range f.turns {
		if t.UserID == userID && t.CharacterID == characterID {
			out = append(out, t)
		}
	}
	return out
}

func (f *fakeStore) RecentTurns(_ context.Context, userID, characterID int64, limit int) ([]domain.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	turns := f.pairTurns(userID, characterID)
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

func (f *fakeStore) ListTurns(_ context.Context, userID, characterID int64, skip, limit int) ([]domain.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	turns := f.pairTurns(userID, characterID)
	if skip >= len(turns) {
		return nil, nil
	}
	turns = turns[:len(turns)-skip]
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

func (f *fakeStore) CountTurns(_ context.Context, userID, characterID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pairTurns(userID, characterID)), nil
}

func (f *fakeStore) LatestSummary(_ context.Context, userID, characterID int64) (*domain.ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.summaries) - 1; i >= 0; i-- {
		s := f.summaries[i]
		if s.UserID == userID && s.CharacterID == characterID {
			return &s, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) InsertSummary(_ context.Context, sum *domain.ConversationSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertSummaryErr != nil {
		return f.insertSummaryErr
	}
	f.nextSummaryID++
	sum.ID = f.nextSummaryID
	f.summaries = append(f.summaries, *sum)
	return nil
}

func (f *fakeStore) RecordExchange(_ context.Context, userID, characterID int64, usageDate string, tokens int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return f.recordErr
	}
	key := fmt.Sprintf("%d/%d/%s", userID, characterID, usageDate)
	rec, ok := f.usage[key]
	if !ok {
		rec = &domain.UsageRecord{UserID: userID, CharacterID: characterID, UsageDate: usageDate}
		f.usage[key] = rec
	}
	rec.ChatCount++
	rec.TokenCount += tokens
	return nil
}

func (f *fakeStore) usageTotal(userID, characterID int64) (chats, tokens int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.usage {
		if rec.UserID == userID && rec.CharacterID == characterID {
			chats += rec.ChatCount
			tokens += rec.TokenCount
		}
	}
	return chats, tokens
}

func (f *fakeStore) turnByID(id int64) (domain.Turn, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.turns {
		if t.ID == id {
			return t, true
		}
	}
	return domain.Turn{}, false
}

type generateCall struct {
	system   string
	prior    []domain.ChatMessage
	userText string
}

// fakeLLM captures Generate calls and returns a configured reply or error.
type fakeLLM struct {
	mu    sync.Mutex
	reply claude.Reply
	err   error
	calls []generateCall
}

func (f *fakeLLM) Generate(_ context.Context, systemPrompt string, prior []domain.ChatMessage, userText string) (claude.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, generateCall{system: systemPrompt, prior: prior, userText: userText})
	if f.err != nil {
		return claude.Reply{}, f.err
	}
	return f.reply, nil
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeLLM) lastCall(t *testing.T) generateCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls)
	return f.calls[len(f.calls)-1]
}

// eventRecorder collects published events; the generation task publishes
// from its own goroutine.
type eventRecorder struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (r *eventRecorder) Publish(_ int64, evt realtime.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Type)
	}
	return out
}

func (r *eventRecorder) byType(typ string) []realtime.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []realtime.Event
	for _, evt := range r.events {
		if evt.Type == typ {
			out = append(out, evt)
		}
	}
	return out
}

func newTestChatService(t *testing.T, store *fakeStore, llm *fakeLLM) (*ChatService, *eventRecorder) {
	t.Helper()
	events := &eventRecorder{}
	logger := slog.Default()
	svc, err := NewChatService(
		store,
		llm,
		events,
		NewContextProvider(store),
		NewUsageRecorder(store, logger),
		NewSummarizer(store, llm, logger),
		logger,
	)
	require.NoError(t, err)
	return svc, events
}
