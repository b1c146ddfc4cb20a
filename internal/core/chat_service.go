package core

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"primebud.com/primebud-chat/internal/auth"
	"primebud.com/primebud-chat/internal/dispatch"
	"primebud.com/primebud-chat/internal/llm"
	"primebud.com/primebud-chat/internal/modes"
	"primebud.com/primebud-chat/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidInput       = errors.New("invalid input")
)

const (
	MinPasswordLength     = 6
	DefaultRequestTimeout = 120 * time.Second
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,32}$`)

// Responder produces the assistant side of a turn.
type Responder interface {
	Generate(ctx context.Context, turn dispatch.Turn) dispatch.Reply
	Stream(ctx context.Context, turn dispatch.Turn, fn llm.FragmentFunc) dispatch.Reply
}

type ChatService struct {
	store          store.Store
	hasher         auth.PasswordHasher
	responder      Responder
	registry       *modes.Registry
	images         ImageGenerator
	logger         *zap.Logger
	requestTimeout time.Duration
}

func NewChatService(st store.Store, hasher auth.PasswordHasher, responder Responder, registry *modes.Registry, logger *zap.Logger) *ChatService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatService{
		store:          st,
		hasher:         hasher,
		responder:      responder,
		registry:       registry,
		logger:         logger,
		requestTimeout: DefaultRequestTimeout,
	}
}

// SetRequestTimeout bounds a single turn, pipelines included. Zero disables the bound.
func (s *ChatService) SetRequestTimeout(d time.Duration) {
	s.requestTimeout = d
}

func (s *ChatService) Registry() *modes.Registry { return s.registry }

// Register creates a free-tier account. An existing username is never overwritten.
func (s *ChatService) Register(ctx context.Context, username, password string) (*store.Account, error) {
	username = strings.TrimSpace(username)
	if !usernamePattern.MatchString(username) {
		return nil, fmt.Errorf("%w: username must be 3-32 letters, digits, '.', '_' or '-'", ErrInvalidInput)
	}
	if len(password) < MinPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, MinPasswordLength)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, err
	}
	acc, err := s.store.CreateAccount(ctx, username, hash)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Account registered", zap.String("username", username), zap.Int64("account_id", acc.ID))
	return acc, nil
}

// Authenticate returns the account when password matches its stored digest.
func (s *ChatService) Authenticate(ctx context.Context, username, password string) (*store.Account, error) {
	acc, err := s.store.GetAccountByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !s.hasher.Verify(password, acc.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	return acc, nil
}

func (s *ChatService) AccountByUsername(ctx context.Context, username string) (*store.Account, error) {
	return s.store.GetAccountByUsername(ctx, username)
}

func (s *ChatService) SetTier(ctx context.Context, sess *Session, tier string) (*store.Account, error) {
	if !store.ValidTier(tier) {
		return nil, fmt.Errorf("%w: unknown tier %q", ErrInvalidInput, tier)
	}
	if err := s.store.SetAccountTier(ctx, sess.Account.ID, tier); err != nil {
		return nil, err
	}
	return s.store.GetAccountByID(ctx, sess.Account.ID)
}

// CreateChat starts an empty conversation. An empty name becomes "Chat N" and
// an empty mode becomes the registry default.
func (s *ChatService) CreateChat(ctx context.Context, sess *Session, name, mode string) (*store.Conversation, error) {
	if mode == "" {
		mode = s.registry.DefaultKey()
	} else if !s.registry.Has(mode) {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, mode)
	}

	name = strings.TrimSpace(name)
	if name == "" {
		existing, err := s.store.ListConversations(ctx, sess.Account.ID)
		if err != nil {
			return nil, err
		}
		name = fmt.Sprintf("Chat %d", len(existing)+1)
	}
	return s.store.CreateConversation(ctx, sess.Account.ID, name, mode)
}

func (s *ChatService) ListChats(ctx context.Context, sess *Session) ([]store.Conversation, error) {
	return s.store.ListConversations(ctx, sess.Account.ID)
}

// ownedConversation hides conversations of other accounts behind ErrNotFound.
func (s *ChatService) ownedConversation(ctx context.Context, sess *Session, chatID string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if conv.OwnerID != sess.Account.ID {
		return nil, store.ErrNotFound
	}
	return conv, nil
}

func (s *ChatService) GetChat(ctx context.Context, sess *Session, chatID string) (*store.Conversation, []store.Message, error) {
	conv, err := s.ownedConversation(ctx, sess, chatID)
	if err != nil {
		return nil, nil, err
	}
	messages, err := s.store.ListMessages(ctx, chatID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get messages for chat: %w", err)
	}
	return conv, messages, nil
}

func (s *ChatService) RenameChat(ctx context.Context, sess *Session, chatID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidInput)
	}
	if _, err := s.ownedConversation(ctx, sess, chatID); err != nil {
		return err
	}
	return s.store.RenameConversation(ctx, chatID, name)
}

// SetChatMode switches the preset later turns use. Stored messages are untouched.
func (s *ChatService) SetChatMode(ctx context.Context, sess *Session, chatID, mode string) error {
	if !s.registry.Has(mode) {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, mode)
	}
	if _, err := s.ownedConversation(ctx, sess, chatID); err != nil {
		return err
	}
	return s.store.SetConversationMode(ctx, chatID, mode)
}

func (s *ChatService) ClearChat(ctx context.Context, sess *Session, chatID string) error {
	if _, err := s.ownedConversation(ctx, sess, chatID); err != nil {
		return err
	}
	return s.store.ClearMessages(ctx, chatID)
}

func (s *ChatService) DeleteChat(ctx context.Context, sess *Session, chatID string) error {
	if _, err := s.ownedConversation(ctx, sess, chatID); err != nil {
		return err
	}
	if err := s.store.DeleteConversation(ctx, chatID); err != nil {
		return err
	}
	s.logger.Info("Conversation deleted", zap.String("chat_id", chatID), zap.Int64("account_id", sess.Account.ID))
	return nil
}

// TurnInput is one user submission. Mode and Profile are optional; a known
// Mode different from the conversation's is persisted as a mode switch.
type TurnInput struct {
	Content string
	Mode    string
	Profile string
}

// PostMessage stores the user turn, generates a reply and stores it. Provider
// failures are stored as flagged assistant turns, never returned as errors.
func (s *ChatService) PostMessage(ctx context.Context, sess *Session, chatID string, in TurnInput) (*store.Message, error) {
	return s.runTurn(ctx, sess, chatID, in, nil)
}

// StreamMessage is PostMessage with fragments relayed to fn as they arrive.
func (s *ChatService) StreamMessage(ctx context.Context, sess *Session, chatID string, in TurnInput, fn llm.FragmentFunc) (*store.Message, error) {
	return s.runTurn(ctx, sess, chatID, in, fn)
}

func (s *ChatService) runTurn(ctx context.Context, sess *Session, chatID string, in TurnInput, fn llm.FragmentFunc) (*store.Message, error) {
	if strings.TrimSpace(in.Content) == "" {
		return nil, fmt.Errorf("%w: message content cannot be empty", ErrInvalidInput)
	}
	conv, err := s.ownedConversation(ctx, sess, chatID)
	if err != nil {
		return nil, err
	}

	mode := conv.Mode
	if in.Mode != "" && in.Mode != conv.Mode {
		mode = in.Mode
		if s.registry.Has(in.Mode) {
			if err := s.store.SetConversationMode(ctx, chatID, in.Mode); err != nil {
				return nil, err
			}
		}
	}

	prior, err := s.store.ListMessages(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	userMsg := &store.Message{ConversationID: chatID, Role: store.RoleUser, Text: in.Content}
	if err := s.store.AppendMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("failed to store user message: %w", err)
	}

	turnCtx := ctx
	if s.requestTimeout > 0 {
		var cancel context.CancelFunc
		turnCtx, cancel = context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()
	}
	turn := dispatch.Turn{Mode: mode, Profile: in.Profile, History: history(prior), Input: in.Content}
	var reply dispatch.Reply
	if fn != nil {
		reply = s.responder.Stream(turnCtx, turn, fn)
	} else {
		reply = s.responder.Generate(turnCtx, turn)
	}

	// The assistant turn is stored even when the caller has gone away mid-stream.
	assistant := &store.Message{ConversationID: chatID, Role: store.RoleAssistant, Text: reply.Text, Failed: reply.Failed}
	if err := s.store.AppendMessage(context.WithoutCancel(ctx), assistant); err != nil {
		return nil, fmt.Errorf("failed to store assistant message: %w", err)
	}
	if reply.Failed {
		s.logger.Warn("Turn answered with provider error",
			zap.String("chat_id", chatID),
			zap.String("mode", reply.Mode),
			zap.String("provider", reply.Provider))
	}
	return assistant, nil
}

// history converts stored turns into provider context. Flagged error turns
// are shown to the user but never sent back to a model.
func history(messages []store.Message) []llm.Message {
	out := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		if m.Failed {
			continue
		}
		role := llm.RoleUser
		if m.Role == store.RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: m.Text})
	}
	return out
}
