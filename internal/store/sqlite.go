package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver "sqlite3" (cgo)
	_ "modernc.org/sqlite"          // SQLite driver "sqlite" (pure Go)
)

// DefaultDriver is the database/sql driver used when none is configured.
const DefaultDriver = "sqlite3"

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens dataSourceName with driverName ("sqlite3" for
// mattn/go-sqlite3, "sqlite" for modernc.org/sqlite) and creates the schema.
func NewSQLiteStore(driverName, dataSourceName string) (*SQLiteStore, error) {
	if driverName == "" {
		driverName = DefaultDriver
	}
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; a single connection avoids "database is locked".
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Timestamps are stored as unix nanoseconds so ordering does not depend on
// how a driver formats time.Time.
func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS accounts (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        username TEXT UNIQUE NOT NULL,
        password_hash TEXT NOT NULL,
        plan TEXT NOT NULL DEFAULT 'free',
        created_at INTEGER NOT NULL
    );

    CREATE TABLE IF NOT EXISTS conversations (
        id TEXT PRIMARY KEY, -- UUID
        owner_id INTEGER NOT NULL,
        name TEXT NOT NULL,
        mode TEXT NOT NULL,
        created_at INTEGER NOT NULL,
        updated_at INTEGER NOT NULL,
        FOREIGN KEY (owner_id) REFERENCES accounts (id)
    );
    CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations (owner_id, updated_at);

    CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY, -- UUID
        conversation_id TEXT NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
        content TEXT NOT NULL,
        failed BOOLEAN NOT NULL DEFAULT FALSE,
        created_at INTEGER NOT NULL,
        FOREIGN KEY (conversation_id) REFERENCES conversations (id)
    );
    CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id);
    `
	_, err := s.db.Exec(schema)
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n)
}

// Account methods
func (s *SQLiteStore) CreateAccount(ctx context.Context, username, passwordHash string) (*Account, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO accounts (username, password_hash, plan, created_at) VALUES (?, ?, ?, ?)",
		username, passwordHash, TierFree, now.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateUsername
		}
		return nil, fmt.Errorf("failed to insert account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read account id: %w", err)
	}
	return &Account{ID: id, Username: username, PasswordHash: passwordHash, Tier: TierFree, CreatedAt: fromNanos(now.UnixNano())}, nil
}

const accountColumns = "id, username, password_hash, plan, created_at"

func scanAccount(row *sql.Row) (*Account, error) {
	var acc Account
	var created int64
	if err := row.Scan(&acc.ID, &acc.Username, &acc.PasswordHash, &acc.Tier, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query account: %w", err)
	}
	acc.CreatedAt = fromNanos(created)
	return &acc, nil
}

func (s *SQLiteStore) GetAccountByUsername(ctx context.Context, username string) (*Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM accounts WHERE username = ?", username))
}

func (s *SQLiteStore) GetAccountByID(ctx context.Context, id int64) (*Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = ?", id))
}

func (s *SQLiteStore) SetAccountTier(ctx context.Context, id int64, tier string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE accounts SET plan = ? WHERE id = ?", tier, id)
	if err != nil {
		return fmt.Errorf("failed to update account tier: %w", err)
	}
	return requireAffected(res)
}

// Conversation methods
func (s *SQLiteStore) CreateConversation(ctx context.Context, ownerID int64, name, mode string) (*Conversation, error) {
	conv := &Conversation{
		ID:      uuid.NewString(),
		OwnerID: ownerID,
		Name:    name,
		Mode:    mode,
	}
	now := time.Now().UnixNano()
	stmt, err := s.db.PrepareContext(ctx, "INSERT INTO conversations (id, owner_id, name, mode, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare conversation insert: %w", err)
	}
	defer stmt.Close()

	if _, err = stmt.ExecContext(ctx, conv.ID, ownerID, name, mode, now, now); err != nil {
		return nil, fmt.Errorf("failed to execute conversation insert: %w", err)
	}
	conv.CreatedAt = fromNanos(now)
	conv.UpdatedAt = conv.CreatedAt
	return conv, nil
}

const conversationColumns = "id, owner_id, name, mode, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var created, updated int64
	if err := row.Scan(&conv.ID, &conv.OwnerID, &conv.Name, &conv.Mode, &created, &updated); err != nil {
		return nil, err
	}
	conv.CreatedAt = fromNanos(created)
	conv.UpdatedAt = fromNanos(updated)
	return &conv, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	conv, err := scanConversation(s.db.QueryRowContext(ctx, "SELECT "+conversationColumns+" FROM conversations WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, ownerID int64) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE owner_id = ? ORDER BY updated_at DESC, rowid DESC", ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		convs = append(convs, *conv)
	}
	return convs, rows.Err()
}

func (s *SQLiteStore) SetConversationMode(ctx context.Context, id, mode string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE conversations SET mode = ?, updated_at = ? WHERE id = ?", mode, time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to update conversation mode: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLiteStore) RenameConversation(ctx context.Context, id, name string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE conversations SET name = ? WHERE id = ?", name, id)
	if err != nil {
		return fmt.Errorf("failed to rename conversation: %w", err)
	}
	return requireAffected(res)
}

// DeleteConversation removes the conversation and its messages in one transaction.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", id); err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("failed to delete conversation: %w", err)
		}
		return requireAffected(res)
	})
}

// Message methods
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	if !ValidRole(msg.Role) {
		return fmt.Errorf("invalid message role %q", msg.Role)
	}
	msg.ID = uuid.NewString()
	now := time.Now().UnixNano()
	msg.CreatedAt = fromNanos(now)

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "UPDATE conversations SET updated_at = ? WHERE id = ?", now, msg.ConversationID)
		if err != nil {
			return fmt.Errorf("failed to bump conversation: %w", err)
		}
		if err := requireAffected(res); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO messages (id, conversation_id, role, content, failed, created_at) VALUES (?, ?, ?, ?, ?, ?)",
			msg.ID, msg.ConversationID, msg.Role, msg.Text, msg.Failed, now)
		if err != nil {
			return fmt.Errorf("failed to execute message insert: %w", err)
		}
		return nil
	})
}

const messageColumns = "id, conversation_id, role, content, failed, created_at"

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var created int64
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Text, &msg.Failed, &created); err != nil {
		return nil, err
	}
	msg.CreatedAt = fromNanos(created)
	return &msg, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE conversation_id = ? ORDER BY rowid ASC", conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) ClearMessages(ctx context.Context, conversationID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "UPDATE conversations SET updated_at = ? WHERE id = ?", time.Now().UnixNano(), conversationID)
		if err != nil {
			return fmt.Errorf("failed to bump conversation: %w", err)
		}
		if err := requireAffected(res); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", conversationID); err != nil {
			return fmt.Errorf("failed to clear messages: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
