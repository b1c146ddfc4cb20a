package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JSONStore keeps accounts in <dir>/users.json and every conversation, with
// its messages, in <dir>/conversations/<account id>/<conversation id>.json.
//
// All operations hold one mutex; conversation ids and message ids are indexed
// in memory at open so lookups by id do not walk the tree.
type JSONStore struct {
	dir string

	mu        sync.Mutex
	users     usersFile
	convOwner map[string]int64  // conversation id -> owner id
	msgConv   map[string]string // message id -> conversation id
}

type usersFile struct {
	Users  map[string]userRecord `json:"users"`
	NextID int64                 `json:"next_id"`
}

type userRecord struct {
	ID        int64     `json:"id"`
	Password  string    `json:"password"`
	Plan      string    `json:"plan"`
	CreatedAt time.Time `json:"created_at"`
}

type conversationFile struct {
	Conversation
	Messages []Message `json:"messages"`
}

// NewJSONStore opens (creating if needed) a file-backed store rooted at dir.
func NewJSONStore(dir string) (*JSONStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "conversations"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	s := &JSONStore{
		dir:       dir,
		users:     usersFile{Users: map[string]userRecord{}, NextID: 1},
		convOwner: map[string]int64{},
		msgConv:   map[string]string{},
	}

	data, err := os.ReadFile(s.usersPath())
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &s.users); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", s.usersPath(), err)
		}
		if s.users.Users == nil {
			s.users.Users = map[string]userRecord{}
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}

	if err := s.buildIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JSONStore) Close() error { return nil }

func (s *JSONStore) usersPath() string {
	return filepath.Join(s.dir, "users.json")
}

func (s *JSONStore) ownerDir(ownerID int64) string {
	return filepath.Join(s.dir, "conversations", strconv.FormatInt(ownerID, 10))
}

func (s *JSONStore) conversationPath(ownerID int64, id string) string {
	return filepath.Join(s.ownerDir(ownerID), id+".json")
}

func (s *JSONStore) buildIndex() error {
	root := filepath.Join(s.dir, "conversations")
	owners, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("failed to read conversations directory: %w", err)
	}
	for _, owner := range owners {
		if !owner.IsDir() {
			continue
		}
		ownerID, err := strconv.ParseInt(owner.Name(), 10, 64)
		if err != nil {
			continue
		}
		files, err := os.ReadDir(filepath.Join(root, owner.Name()))
		if err != nil {
			return fmt.Errorf("failed to read conversations of account %d: %w", ownerID, err)
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
				continue
			}
			id := strings.TrimSuffix(f.Name(), ".json")
			cf, err := s.readConversation(ownerID, id)
			if err != nil {
				return err
			}
			s.convOwner[id] = ownerID
			for _, m := range cf.Messages {
				s.msgConv[m.ID] = id
			}
		}
	}
	return nil
}

func (s *JSONStore) saveUsers() error {
	data, err := json.MarshalIndent(s.users, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.usersPath(), data)
}

func (s *JSONStore) readConversation(ownerID int64, id string) (*conversationFile, error) {
	data, err := os.ReadFile(s.conversationPath(ownerID, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read conversation %s: %w", id, err)
	}
	var cf conversationFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse conversation %s: %w", id, err)
	}
	return &cf, nil
}

func (s *JSONStore) writeConversation(cf *conversationFile) error {
	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.conversationPath(cf.OwnerID, cf.ID), data)
}

// loadConversation must be called with mu held.
func (s *JSONStore) loadConversation(id string) (*conversationFile, error) {
	ownerID, ok := s.convOwner[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.readConversation(ownerID, id)
}

func (s *JSONStore) accountFromRecord(username string, rec userRecord) *Account {
	return &Account{ID: rec.ID, Username: username, PasswordHash: rec.Password, Tier: rec.Plan, CreatedAt: rec.CreatedAt}
}

func (s *JSONStore) CreateAccount(_ context.Context, username, passwordHash string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users.Users[username]; exists {
		return nil, ErrDuplicateUsername
	}
	rec := userRecord{ID: s.users.NextID, Password: passwordHash, Plan: TierFree, CreatedAt: time.Now()}
	s.users.Users[username] = rec
	s.users.NextID++
	if err := s.saveUsers(); err != nil {
		delete(s.users.Users, username)
		s.users.NextID--
		return nil, fmt.Errorf("failed to save users: %w", err)
	}
	return s.accountFromRecord(username, rec), nil
}

func (s *JSONStore) GetAccountByUsername(_ context.Context, username string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.users.Users[username]
	if !ok {
		return nil, ErrNotFound
	}
	return s.accountFromRecord(username, rec), nil
}

func (s *JSONStore) GetAccountByID(_ context.Context, id int64) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, rec := range s.users.Users {
		if rec.ID == id {
			return s.accountFromRecord(name, rec), nil
		}
	}
	return nil, ErrNotFound
}

func (s *JSONStore) SetAccountTier(_ context.Context, id int64, tier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, rec := range s.users.Users {
		if rec.ID == id {
			prev := rec.Plan
			rec.Plan = tier
			s.users.Users[name] = rec
			if err := s.saveUsers(); err != nil {
				rec.Plan = prev
				s.users.Users[name] = rec
				return fmt.Errorf("failed to save users: %w", err)
			}
			return nil
		}
	}
	return ErrNotFound
}

func (s *JSONStore) CreateConversation(_ context.Context, ownerID int64, name, mode string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cf := &conversationFile{
		Conversation: Conversation{
			ID:        uuid.NewString(),
			OwnerID:   ownerID,
			Name:      name,
			Mode:      mode,
			CreatedAt: now,
			UpdatedAt: now,
		},
		Messages: []Message{},
	}
	if err := s.writeConversation(cf); err != nil {
		return nil, fmt.Errorf("failed to write conversation: %w", err)
	}
	s.convOwner[cf.ID] = ownerID
	conv := cf.Conversation
	return &conv, nil
}

func (s *JSONStore) GetConversation(_ context.Context, id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cf, err := s.loadConversation(id)
	if err != nil {
		return nil, err
	}
	conv := cf.Conversation
	return &conv, nil
}

func (s *JSONStore) ListConversations(_ context.Context, ownerID int64) ([]Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var convs []Conversation
	for id, owner := range s.convOwner {
		if owner != ownerID {
			continue
		}
		cf, err := s.readConversation(owner, id)
		if err != nil {
			return nil, err
		}
		convs = append(convs, cf.Conversation)
	}
	sort.SliceStable(convs, func(i, j int) bool {
		if convs[i].UpdatedAt.Equal(convs[j].UpdatedAt) {
			return convs[i].CreatedAt.After(convs[j].CreatedAt)
		}
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	return convs, nil
}

// update loads a conversation, applies fn and writes it back.
func (s *JSONStore) update(id string, fn func(cf *conversationFile) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cf, err := s.loadConversation(id)
	if err != nil {
		return err
	}
	if err := fn(cf); err != nil {
		return err
	}
	return s.writeConversation(cf)
}

func (s *JSONStore) SetConversationMode(_ context.Context, id, mode string) error {
	return s.update(id, func(cf *conversationFile) error {
		cf.Mode = mode
		cf.UpdatedAt = time.Now()
		return nil
	})
}

func (s *JSONStore) RenameConversation(_ context.Context, id, name string) error {
	return s.update(id, func(cf *conversationFile) error {
		cf.Name = name
		return nil
	})
}

func (s *JSONStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cf, err := s.loadConversation(id)
	if err != nil {
		return err
	}
	if err := os.Remove(s.conversationPath(cf.OwnerID, id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	delete(s.convOwner, id)
	for _, m := range cf.Messages {
		delete(s.msgConv, m.ID)
	}
	return nil
}

func (s *JSONStore) AppendMessage(_ context.Context, msg *Message) error {
	if !ValidRole(msg.Role) {
		return fmt.Errorf("invalid message role %q", msg.Role)
	}
	err := s.update(msg.ConversationID, func(cf *conversationFile) error {
		msg.ID = uuid.NewString()
		msg.CreatedAt = time.Now()
		cf.Messages = append(cf.Messages, *msg)
		cf.UpdatedAt = msg.CreatedAt
		return nil
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.msgConv[msg.ID] = msg.ConversationID
	s.mu.Unlock()
	return nil
}

func (s *JSONStore) ListMessages(_ context.Context, conversationID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cf, err := s.loadConversation(conversationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return cf.Messages, nil
}

func (s *JSONStore) GetMessage(_ context.Context, id string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	convID, ok := s.msgConv[id]
	if !ok {
		return nil, ErrNotFound
	}
	cf, err := s.loadConversation(convID)
	if err != nil {
		return nil, err
	}
	for i := range cf.Messages {
		if cf.Messages[i].ID == id {
			msg := cf.Messages[i]
			return &msg, nil
		}
	}
	return nil, ErrNotFound
}

func (s *JSONStore) ClearMessages(_ context.Context, conversationID string) error {
	var removed []Message
	err := s.update(conversationID, func(cf *conversationFile) error {
		removed = cf.Messages
		cf.Messages = []Message{}
		cf.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, m := range removed {
		delete(s.msgConv, m.ID)
	}
	s.mu.Unlock()
	return nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over path, so readers never see a partial document.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	f, err := os.CreateTemp(dir, ".tmp-")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
