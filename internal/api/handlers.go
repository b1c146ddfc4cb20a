package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"primebud.com/primebud-chat/internal/auth"
	"primebud.com/primebud-chat/internal/core"
	"primebud.com/primebud-chat/internal/store"
)

type APIHandler struct {
	chatService *core.ChatService
	tokens      *auth.TokenIssuer
	logger      *zap.Logger
}

func NewAPIHandler(cs *core.ChatService, tokens *auth.TokenIssuer, logger *zap.Logger) *APIHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIHandler{chatService: cs, tokens: tokens, logger: logger}
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		username, err := h.tokens.Validate(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		account, err := h.chatService.AccountByUsername(r.Context(), username)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "User not found", http.StatusUnauthorized)
				return
			}
			h.logger.Error("Failed to resolve session", zap.String("username", username), zap.Error(err))
			http.Error(w, "Failed to process user identity", http.StatusInternalServerError)
			return
		}

		ctx := core.WithSession(r.Context(), &core.Session{Account: account})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func session(r *http.Request) *core.Session {
	s, _ := core.SessionFrom(r.Context())
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// writeError maps service errors to status codes. Anything unrecognised is
// logged and reported as a generic failure to perform action.
func (h *APIHandler) writeError(w http.ResponseWriter, r *http.Request, err error, action string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "Chat not found", http.StatusNotFound)
	case errors.Is(err, core.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, core.ErrInvalidCredentials):
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
	case errors.Is(err, store.ErrDuplicateUsername):
		http.Error(w, "Username already exists", http.StatusConflict)
	case errors.Is(err, core.ErrImagesUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		h.logger.Error("Request failed",
			zap.String("action", action),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		http.Error(w, "Failed to "+action, http.StatusInternalServerError)
	}
}

type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *APIHandler) SignupHandler(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if !decode(w, r, &req) {
		return
	}

	account, err := h.chatService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeError(w, r, err, "create user")
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

type LoginResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	Tier     string `json:"tier"`
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		http.Error(w, "Username and password are required", http.StatusBadRequest)
		return
	}

	account, err := h.chatService.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeError(w, r, err, "log in")
		return
	}

	token, err := h.tokens.Generate(account.Username)
	if err != nil {
		h.logger.Error("Failed to generate token", zap.String("username", account.Username), zap.Error(err))
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{Token: token, Username: account.Username, Tier: account.Tier})
}

func (h *APIHandler) ModesHandler(w http.ResponseWriter, r *http.Request) {
	registry := h.chatService.Registry()
	writeJSON(w, http.StatusOK, map[string]any{
		"default":  registry.DefaultKey(),
		"modes":    registry.Presets(),
		"profiles": registry.Profiles(),
	})
}

func (h *APIHandler) MeHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, session(r).Account)
}

type TierRequest struct {
	Tier string `json:"tier"`
}

func (h *APIHandler) SetTierHandler(w http.ResponseWriter, r *http.Request) {
	var req TierRequest
	if !decode(w, r, &req) {
		return
	}
	account, err := h.chatService.SetTier(r.Context(), session(r), req.Tier)
	if err != nil {
		h.writeError(w, r, err, "update tier")
		return
	}
	writeJSON(w, http.StatusOK, account)
}

type CreateChatRequest struct {
	Name string `json:"name,omitempty"`
	Mode string `json:"mode,omitempty"`
}

func (h *APIHandler) CreateChatHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateChatRequest
	if r.Body != http.NoBody && r.ContentLength != 0 {
		if !decode(w, r, &req) {
			return
		}
	}

	chat, err := h.chatService.CreateChat(r.Context(), session(r), req.Name, req.Mode)
	if err != nil {
		h.writeError(w, r, err, "create chat")
		return
	}
	writeJSON(w, http.StatusCreated, chat)
}

func (h *APIHandler) ListChatsHandler(w http.ResponseWriter, r *http.Request) {
	chats, err := h.chatService.ListChats(r.Context(), session(r))
	if err != nil {
		h.writeError(w, r, err, "list chats")
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

type GetChatDetailsResponse struct {
	*store.Conversation
	Messages []store.Message `json:"messages"`
}

func (h *APIHandler) GetChatDetailsHandler(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	chat, messages, err := h.chatService.GetChat(r.Context(), session(r), chatID)
	if err != nil {
		h.writeError(w, r, err, "get chat details")
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	writeJSON(w, http.StatusOK, GetChatDetailsResponse{Conversation: chat, Messages: messages})
}

type UpdateChatRequest struct {
	Name *string `json:"name,omitempty"`
	Mode *string `json:"mode,omitempty"`
}

func (h *APIHandler) UpdateChatHandler(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	sess := session(r)

	var req UpdateChatRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Name == nil && req.Mode == nil {
		http.Error(w, "Nothing to update", http.StatusBadRequest)
		return
	}
	if req.Name != nil {
		if err := h.chatService.RenameChat(r.Context(), sess, chatID, *req.Name); err != nil {
			h.writeError(w, r, err, "rename chat")
			return
		}
	}
	if req.Mode != nil {
		if err := h.chatService.SetChatMode(r.Context(), sess, chatID, *req.Mode); err != nil {
			h.writeError(w, r, err, "set chat mode")
			return
		}
	}

	chat, _, err := h.chatService.GetChat(r.Context(), sess, chatID)
	if err != nil {
		h.writeError(w, r, err, "get chat details")
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (h *APIHandler) DeleteChatHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.chatService.DeleteChat(r.Context(), session(r), chi.URLParam(r, "chatID")); err != nil {
		h.writeError(w, r, err, "delete chat")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) ClearChatHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.chatService.ClearChat(r.Context(), session(r), chi.URLParam(r, "chatID")); err != nil {
		h.writeError(w, r, err, "clear chat")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type PostMessageRequest struct {
	Content string `json:"content"`
	Mode    string `json:"mode,omitempty"`
	Profile string `json:"profile,omitempty"`
}

func (h *APIHandler) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	var req PostMessageRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		http.Error(w, "Message content cannot be empty", http.StatusBadRequest)
		return
	}
	in := core.TurnInput{Content: req.Content, Mode: req.Mode, Profile: req.Profile}

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		h.streamMessage(w, r, chatID, in)
		return
	}

	modelMessage, err := h.chatService.PostMessage(r.Context(), session(r), chatID, in)
	if err != nil {
		h.writeError(w, r, err, "post message")
		return
	}
	writeJSON(w, http.StatusOK, modelMessage)
}

type ImageRequest struct {
	Prompt string `json:"prompt"`
	Size   string `json:"size,omitempty"`
}

type ImageResponse struct {
	Model string `json:"model"`
	Size  string `json:"size"`

	// B64JSON is the PNG encoded as standard base64.
	B64JSON string `json:"b64_json"`
}

func (h *APIHandler) GenerateImageHandler(w http.ResponseWriter, r *http.Request) {
	var req ImageRequest
	if !decode(w, r, &req) {
		return
	}
	img, err := h.chatService.GenerateImage(r.Context(), session(r), req.Prompt, req.Size)
	if err != nil {
		h.writeError(w, r, err, "generate image")
		return
	}
	writeJSON(w, http.StatusOK, ImageResponse{
		Model:   img.Model,
		Size:    img.Size,
		B64JSON: base64.StdEncoding.EncodeToString(img.Data),
	})
}
