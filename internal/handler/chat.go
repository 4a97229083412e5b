// Package handler exposes the conversational pipeline over HTTP: turn
// submission, history, forced summarization, and the SSE event stream.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"persona-chat/internal/domain"
	"persona-chat/internal/realtime"
	"persona-chat/internal/usecase"
)

const defaultPingInterval = 30 * time.Second

// ChatService is the orchestration surface consumed by the HTTP layer.
type ChatService interface {
	SubmitTurn(ctx context.Context, userID, characterID int64, content string) (*domain.Turn, error)
	EndConversation(ctx context.Context, userID, characterID int64) (bool, error)
	History(ctx context.Context, userID, characterID int64, skip, limit int) ([]domain.Turn, error)
}

// Subscriber hands out live event channels per user.
type Subscriber interface {
	Subscribe(userID int64) *realtime.Subscription
	Unsubscribe(sub *realtime.Subscription)
}

type ChatHandler struct {
	chats        ChatService
	broker       Subscriber
	logger       *slog.Logger
	pingInterval time.Duration
}

func NewChatHandler(chats ChatService, broker Subscriber, logger *slog.Logger) (*ChatHandler, error) {
	if chats == nil {
		return nil, errors.New("handler: chat service must not be nil")
	}
	if broker == nil {
		return nil, errors.New("handler: broker must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatHandler{
		chats:        chats,
		broker:       broker,
		logger:       logger,
		pingInterval: defaultPingInterval,
	}, nil
}

// Register mounts the chat routes on r. All routes require an authenticated
// user.
func (h *ChatHandler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(RequireUser)
		r.Post("/chats", h.submitTurn)
		r.Get("/chats", h.listTurns)
		r.Post("/chats/end-conversation/{characterID}", h.endConversation)
		r.Get("/chats/stream/{characterID}", h.stream)
	})
}

type submitTurnRequest struct {
	CharacterID int64  `json:"character_id"`
	Content     string `json:"content"`
}

func (h *ChatHandler) submitTurn(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing_user_identity")
		return
	}

	var req submitTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid_request_body")
		return
	}

	turn, err := h.chats.SubmitTurn(r.Context(), userID, req.CharacterID, req.Content)
	if err != nil {
		h.writeUsecaseError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, turn)
}

func (h *ChatHandler) listTurns(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing_user_identity")
		return
	}

	characterID, err := strconv.ParseInt(r.URL.Query().Get("character_id"), 10, 64)
	if err != nil || characterID <= 0 {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid_character_id")
		return
	}
	skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	turns, err := h.chats.History(r.Context(), userID, characterID, skip, limit)
	if err != nil {
		h.writeUsecaseError(w, err)
		return
	}
	if turns == nil {
		turns = []domain.Turn{}
	}
	writeJSON(w, http.StatusOK, turns)
}

type endConversationResponse struct {
	SummaryCreated bool `json:"summary_created"`
}

func (h *ChatHandler) endConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing_user_identity")
		return
	}
	characterID, err := strconv.ParseInt(chi.URLParam(r, "characterID"), 10, 64)
	if err != nil || characterID <= 0 {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid_character_id")
		return
	}

	created, err := h.chats.EndConversation(r.Context(), userID, characterID)
	if err != nil {
		h.writeUsecaseError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, endConversationResponse{SummaryCreated: created})
}

// stream is the long-lived SSE endpoint. It emits `connected` once, then
// forwards the user's events filtered to the requested character, with a
// `ping` whenever the keep-alive window passes without traffic. Events
// published before the stream opened are not replayed.
func (h *ChatHandler) stream(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing_user_identity")
		return
	}
	characterID, err := strconv.ParseInt(chi.URLParam(r, "characterID"), 10, 64)
	if err != nil || characterID <= 0 {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid_character_id")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming_unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := h.broker.Subscribe(userID)
	defer h.broker.Unsubscribe(sub)

	writeSSE(w, realtime.EventConnected, realtime.Event{
		Type:        realtime.EventConnected,
		CharacterID: characterID,
	})
	flusher.Flush()

	ping := time.NewTimer(h.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			// Client gone. Generation in flight keeps running; only the
			// delivery channel is torn down.
			return
		case evt, open := <-sub.C:
			if !open {
				return
			}
			if evt.CharacterID != characterID {
				continue
			}
			writeSSE(w, evt.Type, evt)
			flusher.Flush()
			resetTimer(ping, h.pingInterval)
		case <-ping.C:
			writeSSE(w, realtime.EventPing, realtime.PingEvent())
			flusher.Flush()
			ping.Reset(h.pingInterval)
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func writeSSE(w http.ResponseWriter, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func (h *ChatHandler) writeUsecaseError(w http.ResponseWriter, err error) {
	var ucErr *usecase.Error
	if errors.As(err, &ucErr) {
		writeError(w, statusForCode(ucErr.Code), string(ucErr.Code), ucErr.Reason)
		return
	}
	h.logger.Error("unexpected handler error", "err", err)
	writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "unexpected_error")
}

func statusForCode(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorValidation:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, reason string) {
	writeJSON(w, status, errorResponse{Error: code, Reason: reason})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
