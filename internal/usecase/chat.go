package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"persona-chat/internal/domain"
	"persona-chat/internal/integrations/claude"
	"persona-chat/internal/realtime"
	"persona-chat/internal/repository"
)

const (
	defaultMaxContextTurns = 20
	defaultMaxContentLen   = 4000
	defaultEndWindow       = 50
	defaultGenerateTimeout = 60 * time.Second
)

// Generator is the LLM call consumed by the orchestrator and summarizer.
type Generator interface {
	Generate(ctx context.Context, systemPrompt string, prior []domain.ChatMessage, userText string) (claude.Reply, error)
}

// ChatStore is the turn and character storage consumed by ChatService.
type ChatStore interface {
	GetCharacter(ctx context.Context, id int64) (*domain.Character, error)
	InsertTurn(ctx context.Context, t *domain.Turn) error
	FinalizeTurn(ctx context.Context, id int64, content string, tokenCost int) error
	ListTurns(ctx context.Context, userID, characterID int64, skip, limit int) ([]domain.Turn, error)
}

// Publisher delivers lifecycle events to a user's live subscriptions.
type Publisher interface {
	Publish(userID int64, evt realtime.Event)
}

// ChatService drives one exchange through its lifecycle:
// received -> generating -> completed or fallback. SubmitTurn persists the
// user turn and returns before any model call; a detached task produces the
// reply and publishes exactly one terminal event per submitted turn.
type ChatService struct {
	store      ChatStore
	llm        Generator
	events     Publisher
	contexts   *ContextProvider
	usage      *UsageRecorder
	summarizer *Summarizer
	logger     *slog.Logger

	maxContextTurns int
	maxContentLen   int
	endWindow       int
	generateTimeout time.Duration

	wg sync.WaitGroup
}

func NewChatService(
	store ChatStore,
	llm Generator,
	events Publisher,
	contexts *ContextProvider,
	usage *UsageRecorder,
	summarizer *Summarizer,
	logger *slog.Logger,
) (*ChatService, error) {
	if store == nil {
		return nil, errors.New("usecase: chat store must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: generator must not be nil")
	}
	if events == nil {
		return nil, errors.New("usecase: publisher must not be nil")
	}
	if contexts == nil {
		return nil, errors.New("usecase: context provider must not be nil")
	}
	if usage == nil {
		return nil, errors.New("usecase: usage recorder must not be nil")
	}
	if summarizer == nil {
		return nil, errors.New("usecase: summarizer must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatService{
		store:           store,
		llm:             llm,
		events:          events,
		contexts:        contexts,
		usage:           usage,
		summarizer:      summarizer,
		logger:          logger,
		maxContextTurns: defaultMaxContextTurns,
		maxContentLen:   defaultMaxContentLen,
		endWindow:       defaultEndWindow,
		generateTimeout: defaultGenerateTimeout,
	}, nil
}

// SubmitTurn validates and persists the user's turn, publishes a `message`
// event, launches background generation, and returns the persisted turn.
// Callers never block on model latency.
func (s *ChatService) SubmitTurn(ctx context.Context, userID, characterID int64, content string) (*domain.Turn, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, newError(ErrorValidation, "empty_content", nil)
	}
	if utf8.RuneCountInString(content) > s.maxContentLen {
		return nil, newError(ErrorValidation, "content_too_long", nil)
	}

	character, err := s.store.GetCharacter(ctx, characterID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, newError(ErrorNotFound, "character_not_found", err)
	}
	if err != nil {
		return nil, newError(ErrorInternal, "character_load_error", err)
	}

	userTurn := &domain.Turn{
		UserID:      userID,
		CharacterID: characterID,
		Role:        domain.RoleUser,
		Content:     content,
	}
	if err := s.store.InsertTurn(ctx, userTurn); err != nil {
		return nil, newError(ErrorInternal, "turn_write_error", err)
	}

	s.events.Publish(userID, realtime.Event{
		Type:        realtime.EventMessage,
		CharacterID: characterID,
		Turn:        userTurn,
	})

	s.wg.Add(1)
	go s.generateReply(character, userTurn)

	return userTurn, nil
}

// EndConversation force-summarizes the pair's recent history. With no turns
// at all it reports false without error.
func (s *ChatService) EndConversation(ctx context.Context, userID, characterID int64) (bool, error) {
	if _, err := s.store.GetCharacter(ctx, characterID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, newError(ErrorNotFound, "character_not_found", err)
		}
		return false, newError(ErrorInternal, "character_load_error", err)
	}

	created, err := s.summarizer.MaybeSummarize(ctx, userID, characterID, s.endWindow, true)
	if err != nil {
		return false, newError(ErrorInternal, "summary_error", err)
	}
	return created, nil
}

// History returns the pair's turns in chronological order with pagination
// over the newest end of the log.
func (s *ChatService) History(ctx context.Context, userID, characterID int64, skip, limit int) ([]domain.Turn, error) {
	if _, err := s.store.GetCharacter(ctx, characterID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newError(ErrorNotFound, "character_not_found", err)
		}
		return nil, newError(ErrorInternal, "character_load_error", err)
	}
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	turns, err := s.store.ListTurns(ctx, userID, characterID, skip, limit)
	if err != nil {
		return nil, newError(ErrorInternal, "turn_read_error", err)
	}
	return turns, nil
}

// Wait blocks until all in-flight generation tasks finish. Used by graceful
// shutdown and tests.
func (s *ChatService) Wait() {
	s.wg.Wait()
}

// generateReply is the detached generation task. Every exit path publishes
// exactly one terminal event: `chat_complete` once an assistant turn exists
// (real reply or fallback), bare `error` only when failure strikes before
// the placeholder was created.
func (s *ChatService) generateReply(character *domain.Character, userTurn *domain.Turn) {
	defer s.wg.Done()

	// Detached from the request context: a subscriber disconnecting does
	// not cancel in-flight generation. The reply is persisted whether or
	// not anyone is listening.
	ctx, cancel := context.WithTimeout(context.Background(), s.generateTimeout)
	defer cancel()

	userID, characterID := userTurn.UserID, userTurn.CharacterID
	terminal := false
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("generation task panicked",
				"user_id", userID, "character_id", characterID, "panic", r)
			if !terminal {
				s.publishError(userID, characterID)
			}
		}
	}()

	prior, summary, err := s.contexts.BuildContext(ctx, userID, characterID, s.maxContextTurns)
	if err != nil {
		s.logger.Error("failed to build context",
			"user_id", userID, "character_id", characterID, "err", err)
		s.publishError(userID, characterID)
		terminal = true
		return
	}
	// The just-persisted user turn is part of the recent window; the
	// provider receives it separately as the new user text.
	prior = excludeTurn(prior, userTurn.ID)

	placeholder := &domain.Turn{
		UserID:      userID,
		CharacterID: characterID,
		Role:        domain.RoleAssistant,
		Content:     "",
	}
	if err := s.store.InsertTurn(ctx, placeholder); err != nil {
		s.logger.Error("failed to create assistant turn",
			"user_id", userID, "character_id", characterID, "err", err)
		s.publishError(userID, characterID)
		terminal = true
		return
	}

	s.events.Publish(userID, realtime.Event{
		Type:        realtime.EventChatStart,
		CharacterID: characterID,
		Turn:        placeholder,
	})

	reply, err := s.llm.Generate(ctx, buildSystemPrompt(character.SystemPrompt, summary), turnsToMessages(prior), userTurn.Content)
	if err != nil {
		s.logger.Error("provider call failed",
			"user_id", userID, "character_id", characterID,
			"classification", providerClass(err), "err", err)
		s.finalizeFallback(ctx, placeholder)
		terminal = true
		return
	}

	if err := s.store.FinalizeTurn(ctx, placeholder.ID, reply.Text, reply.Tokens); err != nil {
		s.logger.Error("failed to finalize assistant turn",
			"user_id", userID, "character_id", characterID, "turn_id", placeholder.ID, "err", err)
		s.publishError(userID, characterID)
		terminal = true
		return
	}
	placeholder.Content = reply.Text
	tokens := reply.Tokens
	placeholder.TokenCost = &tokens

	// Usage and summarization fire once, after the completed state is
	// reached; both are non-fatal to the exchange.
	s.usage.RecordExchange(ctx, userID, characterID, reply.Tokens)
	if _, err := s.summarizer.MaybeSummarize(ctx, userID, characterID, 0, false); err != nil {
		s.logger.Error("failed to summarize conversation",
			"user_id", userID, "character_id", characterID, "err", err)
	}

	s.events.Publish(userID, realtime.Event{
		Type:        realtime.EventChatComplete,
		CharacterID: characterID,
		Turn:        placeholder,
	})
	terminal = true
}

// finalizeFallback writes the fixed apology into the placeholder and
// publishes the terminal `chat_complete` so the client still reaches a
// terminal state. Usage is not recorded for fallback exchanges.
func (s *ChatService) finalizeFallback(ctx context.Context, placeholder *domain.Turn) {
	if err := s.store.FinalizeTurn(ctx, placeholder.ID, fallbackContent, 0); err != nil {
		s.logger.Error("failed to write fallback turn", "turn_id", placeholder.ID, "err", err)
	}
	placeholder.Content = fallbackContent
	zero := 0
	placeholder.TokenCost = &zero

	s.events.Publish(placeholder.UserID, realtime.Event{
		Type:        realtime.EventChatComplete,
		CharacterID: placeholder.CharacterID,
		Turn:        placeholder,
		IsFallback:  true,
	})
}

func (s *ChatService) publishError(userID, characterID int64) {
	s.events.Publish(userID, realtime.Event{
		Type:        realtime.EventError,
		CharacterID: characterID,
		Error:       "응답 생성에 실패했습니다. 잠시 후 다시 시도해주세요.",
	})
}

func excludeTurn(turns []domain.Turn, id int64) []domain.Turn {
	out := turns[:0]
	for _, t := range turns {
		if t.ID != id {
			out = append(out, t)
		}
	}
	return out
}

func providerClass(err error) string {
	switch {
	case errors.Is(err, claude.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, claude.ErrUnavailable):
		return "unavailable"
	default:
		return "provider_error"
	}
}
