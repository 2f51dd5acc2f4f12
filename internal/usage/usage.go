// ABOUTME: Fire-and-forget billing collaborator backed by a local SQLite ledger.
// ABOUTME: Records model/usage metadata from responses; failures never fail delivery.

package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Record is one observed usage event.
type Record struct {
	ID               string
	ConversationID   string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	TotalPrice       string
	Currency         string
	CapturedAt       time.Time
}

// Collector consumes usage records. Implementations must be fire-and-forget:
// a failure to record usage must not fail message delivery.
type Collector interface {
	ProcessUsage(rec *Record)
}

// Ledger is a SQLite-backed Collector.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewLedger opens (or creates) the usage ledger at the given path.
func NewLedger(path string) (*Ledger, error) {
	logger := slog.Default().With("component", "usage")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening usage ledger: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS usage_records (
			id                TEXT PRIMARY KEY,
			conversation_id   TEXT NOT NULL,
			model             TEXT,
			prompt_tokens     INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens      INTEGER NOT NULL DEFAULT 0,
			total_price       TEXT,
			currency          TEXT,
			captured_at       TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_usage_conversation
			ON usage_records(conversation_id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating usage schema: %w", err)
	}

	return &Ledger{db: db, logger: logger}, nil
}

// ProcessUsage persists a record with a detached timeout context so a
// cancelled request cannot abort the write. Errors are logged and swallowed.
func (l *Ledger) ProcessUsage(rec *Record) {
	if rec == nil {
		return
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CapturedAt.IsZero() {
		rec.CapturedAt = time.Now()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO usage_records (
			id, conversation_id, model,
			prompt_tokens, completion_tokens, total_tokens,
			total_price, currency, captured_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.ConversationID,
		rec.Model,
		rec.PromptTokens,
		rec.CompletionTokens,
		rec.TotalTokens,
		rec.TotalPrice,
		rec.Currency,
		rec.CapturedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		l.logger.Error("failed to record usage",
			"error", err,
			"conversation_id", rec.ConversationID)
		return
	}

	l.logger.Debug("usage recorded",
		"conversation_id", rec.ConversationID,
		"model", rec.Model,
		"total_tokens", rec.TotalTokens)
}

// ConversationTotal returns the summed token count recorded for a conversation.
func (l *Ledger) ConversationTotal(ctx context.Context, conversationID string) (int, error) {
	var total sql.NullInt64
	err := l.db.QueryRowContext(ctx, `
		SELECT SUM(total_tokens) FROM usage_records WHERE conversation_id = ?
	`, conversationID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing usage: %w", err)
	}
	return int(total.Int64), nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
