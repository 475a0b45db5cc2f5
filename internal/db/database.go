package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/RichardoC/persona-chat/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

var (
	// ErrNoData is returned when an insert reports no row back.
	ErrNoData = errors.New("insert returned no data")
	// ErrNotFound is returned when no conversation exists for a lookup.
	ErrNotFound = errors.New("conversation not found")
)

type Database struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Database)

// WithClock overrides the time source used for row timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Database) { d.now = now }
}

// New opens the database for driver and applies pending migrations.
func New(ctx context.Context, driver, dsn string, logger *zap.Logger, opts ...Option) (*Database, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// sqlite serialises writers; one connection avoids "database is locked".
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	applied, err := Migrate(ctx, sqlDB, driver)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	logger.Debug("database ready", zap.String("driver", driver), zap.Int("migrations_applied", applied))

	d := &Database{
		db:     sqlDB,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// GetConversation looks a conversation up by session id.
func (d *Database) GetConversation(ctx context.Context, sessionID string) (*models.Conversation, error) {
	query := `
        SELECT id, session_id, created_at, updated_at, message_count
        FROM conversations
        WHERE session_id = $1
        LIMIT 1`

	conv := &models.Conversation{}
	err := d.db.QueryRowContext(ctx, query, sessionID).
		Scan(&conv.ID, &conv.SessionID, &conv.CreatedAt, &conv.UpdatedAt, &conv.MessageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

// GetOrCreateConversation returns the conversation for sessionID, creating it
// when absent. A concurrent creator losing the unique constraint race falls
// back to a second lookup.
func (d *Database) GetOrCreateConversation(ctx context.Context, sessionID string) (*models.Conversation, error) {
	conv, err := d.GetConversation(ctx, sessionID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	conv, err = d.createConversation(ctx, sessionID)
	if err == nil {
		return conv, nil
	}
	if isUniqueViolation(err) {
		d.logger.Debug("conversation created concurrently, reloading", zap.String("session_id", sessionID))
		return d.GetConversation(ctx, sessionID)
	}
	return nil, err
}

func (d *Database) createConversation(ctx context.Context, sessionID string) (*models.Conversation, error) {
	query := `
        INSERT INTO conversations (id, session_id, created_at, updated_at, message_count)
        VALUES ($1, $2, $3, $4, 0)
        RETURNING id`

	now := d.now().UTC()
	conv := &models.Conversation{
		ID:        newID(),
		SessionID: sessionID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	var id string
	err := d.db.QueryRowContext(ctx, query, conv.ID, sessionID, now, now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to create conversation: %w", ErrNoData)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	conv.ID = id
	return conv, nil
}

// SaveMessage appends an immutable message to a conversation.
func (d *Database) SaveMessage(ctx context.Context, conversationID, content, role string) (*models.Message, error) {
	query := `
        INSERT INTO messages (id, conversation_id, content, role, sent_at)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING id`

	msg := &models.Message{
		ID:        newID(),
		ConvID:    conversationID,
		Role:      role,
		Content:   content,
		Timestamp: d.now().UTC(),
	}
	err := d.db.QueryRowContext(ctx, query, msg.ID, conversationID, content, role, msg.Timestamp).Scan(&msg.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to save message: %w", ErrNoData)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}
	return msg, nil
}

// ListMessages returns every message of a conversation, oldest first.
func (d *Database) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	query := `
        SELECT id, conversation_id, role, content, sent_at
        FROM messages
        WHERE conversation_id = $1
        ORDER BY sent_at ASC, id ASC`

	rows, err := d.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.ConvID, &msg.Role, &msg.Content, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, nil
}

// GetConversationHistory returns the conversation shaped for replay to the
// completion provider: role and content only, oldest first.
func (d *Database) GetConversationHistory(ctx context.Context, conversationID string) ([]models.HistoryEntry, error) {
	messages, err := d.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	history := make([]models.HistoryEntry, 0, len(messages))
	for _, msg := range messages {
		history = append(history, models.HistoryEntry{Role: msg.Role, Content: msg.Content})
	}
	return history, nil
}

// UpdateMessageCount stores the derived message count. It is best effort:
// failures are logged and never returned.
func (d *Database) UpdateMessageCount(ctx context.Context, conversationID string, count int) {
	query := `UPDATE conversations SET message_count = $1, updated_at = $2 WHERE id = $3`
	if _, err := d.db.ExecContext(ctx, query, count, d.now().UTC(), conversationID); err != nil {
		d.logger.Warn("failed to update message count",
			zap.Error(err),
			zap.String("conversation_id", conversationID),
			zap.Int("count", count))
	}
}

// DeleteConversation removes the messages first and then the conversation, so
// an interrupted delete never leaves messages pointing at a missing row.
func (d *Database) DeleteConversation(ctx context.Context, conversationID string) error {
	if _, err := d.db.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = $1", conversationID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := d.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = $1", conversationID); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

// newID returns a time ordered UUID so ids break timestamp ties in insert order.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
