package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"persona-chat/internal/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("repository: not found")

// Store wraps the SQLite database holding characters, turns, summaries, and
// usage counters.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store over an already-migrated database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetCharacter loads a character by id. Returns ErrNotFound if it does not
// exist.
func (s *Store) GetCharacter(ctx context.Context, id int64) (*domain.Character, error) {
	var (
		c           domain.Character
		description sql.NullString
		createdAt   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, system_prompt, description, created_at FROM characters WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.SystemPrompt, &description, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repository: GetCharacter: %w", err)
	}
	c.Description = description.String
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &c, nil
}

// CreateCharacter inserts a character and fills in its id and timestamp.
// Character management proper lives outside this service; this exists for
// seeding and tests.
func (s *Store) CreateCharacter(ctx context.Context, c *domain.Character) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO characters (name, system_prompt, description, created_at) VALUES (?, ?, ?, ?)`,
		c.Name, c.SystemPrompt, c.Description, now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("repository: CreateCharacter: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("repository: CreateCharacter id: %w", err)
	}
	c.ID = id
	c.CreatedAt = now.Truncate(time.Second)
	return nil
}

// InsertTurn appends a turn and fills in its id and timestamp.
func (s *Store) InsertTurn(ctx context.Context, t *domain.Turn) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (user_id, character_id, role, content, token_cost, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.UserID, t.CharacterID, t.Role, t.Content, nullableInt(t.TokenCost), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("repository: InsertTurn: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("repository: InsertTurn id: %w", err)
	}
	t.ID = id
	t.CreatedAt = now.Truncate(time.Second)
	return nil
}

// FinalizeTurn writes content and token cost into a placeholder turn exactly
// once. A turn whose content was already written is left untouched and
// ErrNotFound is returned.
func (s *Store) FinalizeTurn(ctx context.Context, id int64, content string, tokenCost int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE turns SET content = ?, token_cost = ? WHERE id = ? AND content = ''`,
		content, tokenCost, id,
	)
	if err != nil {
		return fmt.Errorf("repository: FinalizeTurn: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("repository: FinalizeTurn rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTurn loads a single turn by id.
func (s *Store) GetTurn(ctx context.Context, id int64) (*domain.Turn, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, character_id, role, content, token_cost, created_at FROM turns WHERE id = ?`, id)
	t, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repository: GetTurn: %w", err)
	}
	return t, nil
}

// RecentTurns returns up to limit most recent turns for the pair in
// chronological (oldest-first) order.
func (s *Store) RecentTurns(ctx context.Context, userID, characterID int64, limit int) ([]domain.Turn, error) {
	// Read newest first so LIMIT favors the most recent context.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, character_id, role, content, token_cost, created_at
		 FROM turns
		 WHERE user_id = ? AND character_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		userID, characterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("repository: RecentTurns query: %w", err)
	}
	defer rows.Close()

	turns, err := collectTurns(rows)
	if err != nil {
		return nil, fmt.Errorf("repository: RecentTurns: %w", err)
	}
	// Reverse to chronological order before returning to prompt assembly.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// ListTurns returns turns for the pair in chronological order with
// skip/limit pagination over the newest end of the log.
func (s *Store) ListTurns(ctx context.Context, userID, characterID int64, skip, limit int) ([]domain.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, character_id, role, content, token_cost, created_at
		 FROM turns
		 WHERE user_id = ? AND character_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ? OFFSET ?`,
		userID, characterID, limit, skip,
	)
	if err != nil {
		return nil, fmt.Errorf("repository: ListTurns query: %w", err)
	}
	defer rows.Close()

	turns, err := collectTurns(rows)
	if err != nil {
		return nil, fmt.Errorf("repository: ListTurns: %w", err)
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// CountTurns returns the total number of turns for the pair.
func (s *Store) CountTurns(ctx context.Context, userID, characterID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM turns WHERE user_id = ? AND character_id = ?`,
		userID, characterID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("repository: CountTurns: %w", err)
	}
	return n, nil
}

// LatestSummary returns the most recently created summary for the pair, or
// ErrNotFound when none exists.
func (s *Store) LatestSummary(ctx context.Context, userID, characterID int64) (*domain.ConversationSummary, error) {
	var (
		sum       domain.ConversationSummary
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, character_id, summary, turn_count, created_at
		 FROM conversation_summaries
		 WHERE user_id = ? AND character_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		userID, characterID,
	).Scan(&sum.ID, &sum.UserID, &sum.CharacterID, &sum.Summary, &sum.TurnCount, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repository: LatestSummary: %w", err)
	}
	sum.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &sum, nil
}

// InsertSummary appends a new conversation summary. Older summaries are kept
// for audit.
func (s *Store) InsertSummary(ctx context.Context, sum *domain.ConversationSummary) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_summaries (user_id, character_id, summary, turn_count, created_at) VALUES (?, ?, ?, ?, ?)`,
		sum.UserID, sum.CharacterID, sum.Summary, sum.TurnCount, now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("repository: InsertSummary: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("repository: InsertSummary id: %w", err)
	}
	sum.ID = id
	sum.CreatedAt = now.Truncate(time.Second)
	return nil
}

// RecordExchange upserts the daily usage row for the pair, adding one
// exchange and tokens used. The single conditional upsert keeps concurrent
// increments for the same key from losing updates.
func (s *Store) RecordExchange(ctx context.Context, userID, characterID int64, usageDate string, tokens int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_stats (user_id, character_id, usage_date, chat_count, token_count, updated_at)
		 VALUES (?, ?, ?, 1, ?, ?)
		 ON CONFLICT(user_id, character_id, usage_date) DO UPDATE SET
		   chat_count  = chat_count + 1,
		   token_count = token_count + excluded.token_count,
		   updated_at  = excluded.updated_at`,
		userID, characterID, usageDate, tokens, time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("repository: RecordExchange: %w", err)
	}
	return nil
}

// GetUsage reads the usage row for the pair and date. Returns ErrNotFound
// when no exchange happened that day.
func (s *Store) GetUsage(ctx context.Context, userID, characterID int64, usageDate string) (*domain.UsageRecord, error) {
	var (
		u         domain.UsageRecord
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, character_id, usage_date, chat_count, token_count, updated_at
		 FROM usage_stats
		 WHERE user_id = ? AND character_id = ? AND usage_date = ?`,
		userID, characterID, usageDate,
	).Scan(&u.UserID, &u.CharacterID, &u.UsageDate, &u.ChatCount, &u.TokenCount, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repository: GetUsage: %w", err)
	}
	u.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &u, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(row rowScanner) (*domain.Turn, error) {
	var (
		t         domain.Turn
		tokenCost sql.NullInt64
		createdAt int64
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.CharacterID, &t.Role, &t.Content, &tokenCost, &createdAt); err != nil {
		return nil, err
	}
	if tokenCost.Valid {
		v := int(tokenCost.Int64)
		t.TokenCost = &v
	}
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &t, nil
}

func collectTurns(rows *sql.Rows) ([]domain.Turn, error) {
	var turns []domain.Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, *t)
	}
	return turns, rows.Err()
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
