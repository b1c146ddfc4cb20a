// Package store persists accounts, conversations and their messages.
//
// Two interchangeable backends implement Store: SQLiteStore (three relational
// tables) and JSONStore (a users document plus one file per conversation).
package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateUsername = errors.New("username already exists")
)

// Store is the persistence contract shared by every backend.
// Writes are last-writer-wins; nothing spans more than one conversation.
type Store interface {
	CreateAccount(ctx context.Context, username, passwordHash string) (*Account, error)
	GetAccountByUsername(ctx context.Context, username string) (*Account, error)
	GetAccountByID(ctx context.Context, id int64) (*Account, error)
	SetAccountTier(ctx context.Context, id int64, tier string) error

	CreateConversation(ctx context.Context, ownerID int64, name, mode string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	// ListConversations returns the owner's conversations, most recently updated first.
	ListConversations(ctx context.Context, ownerID int64) ([]Conversation, error)
	SetConversationMode(ctx context.Context, id, mode string) error
	RenameConversation(ctx context.Context, id, name string) error
	DeleteConversation(ctx context.Context, id string) error

	// AppendMessage assigns ID and CreatedAt, stores msg and bumps the
	// conversation's updated_at.
	AppendMessage(ctx context.Context, msg *Message) error
	// ListMessages returns messages oldest first, in the order they were appended.
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	ClearMessages(ctx context.Context, conversationID string) error

	Close() error
}

// Open builds the backend named by backend ("sqlite" or "json").
func Open(backend, driver, dsn, dataDir string) (Store, error) {
	switch backend {
	case "", "sqlite":
		return NewSQLiteStore(driver, dsn)
	case "json":
		return NewJSONStore(dataDir)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
