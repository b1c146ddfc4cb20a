package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"primebud.com/primebud-chat/internal/auth"
	"primebud.com/primebud-chat/internal/core"
	"primebud.com/primebud-chat/internal/dispatch"
	"primebud.com/primebud-chat/internal/llm"
	"primebud.com/primebud-chat/internal/modes"
	"primebud.com/primebud-chat/internal/store"
)

type echoProvider struct{ text string }

func (p echoProvider) Name() string         { return "groq" }
func (p echoProvider) DefaultModel() string { return "stub" }

func (p echoProvider) Complete(context.Context, *llm.Request) (string, error) {
	return p.text, nil
}

func (p echoProvider) Stream(_ context.Context, _ *llm.Request, fn llm.FragmentFunc) (string, error) {
	for _, f := range strings.SplitAfter(p.text, " ") {
		fn(f)
	}
	return p.text, nil
}

type testServer struct {
	t      *testing.T
	router http.Handler
}

type pngImages struct{}

func (pngImages) GenerateImage(_ context.Context, req *llm.ImageRequest) (*llm.Image, error) {
	return &llm.Image{Model: llm.DefaultImageModel, Size: req.Size, Data: []byte("png")}, nil
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWithImages(t, nil)
}

func newTestServerWithImages(t *testing.T, images core.ImageGenerator) *testServer {
	t.Helper()
	st, err := store.NewJSONStore(t.TempDir())
	require.NoError(t, err)

	registry, err := modes.New(modes.BuiltinPresets(), modes.BuiltinProfiles(), modes.DefaultKey)
	require.NoError(t, err)
	d, err := dispatch.New(registry, map[string]llm.Provider{"groq": echoProvider{text: "hi there"}},
		dispatch.Options{Pipelines: dispatch.BuiltinPipelines()}, nil)
	require.NoError(t, err)

	svc := core.NewChatService(st, auth.SHA256Hasher{}, d, registry, nil)
	if images != nil {
		svc.SetImageGenerator(images)
	}
	h := NewAPIHandler(svc, auth.NewTokenIssuer("test-secret", time.Hour), nil)
	return &testServer{t: t, router: NewRouter(h)}
}

func (s *testServer) do(method, path, token string, body any, header ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) login(username string) string {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/signup", "", CredentialsRequest{Username: username, Password: "secret123"})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, "/api/login", "", CredentialsRequest{Username: username, Password: "secret123"})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	var resp LoginResponse
	require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(s.t, store.TierFree, resp.Tier)
	return resp.Token
}

func (s *testServer) createChat(token string, req CreateChatRequest) store.Conversation {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/chats", token, req)
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	var conv store.Conversation
	require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &conv))
	return conv
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSignupAndLogin(t *testing.T) {
	s := newTestServer(t)
	s.login("alice")

	rec := s.do(http.MethodPost, "/api/signup", "", CredentialsRequest{Username: "alice", Password: "another1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodPost, "/api/signup", "", CredentialsRequest{Username: "x", Password: "secret123"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/login", "", CredentialsRequest{Username: "alice", Password: "wrong-pass"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodPost, "/api/login", "", CredentialsRequest{Username: "alice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/api/chats", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/api/chats", "garbage", nil).Code)

	token, err := auth.NewTokenIssuer("test-secret", time.Hour).Generate("ghost")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/api/chats", token, nil).Code)
}

func TestMeAndTier(t *testing.T) {
	s := newTestServer(t)
	token := s.login("alice")

	rec := s.do(http.MethodPut, "/api/me/tier", token, TierRequest{Tier: store.TierPro})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/api/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var acc store.Account
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acc))
	assert.Equal(t, "alice", acc.Username)
	assert.Equal(t, store.TierPro, acc.Tier)
	assert.NotContains(t, rec.Body.String(), "password")

	rec = s.do(http.MethodPut, "/api/me/tier", token, TierRequest{Tier: "gold"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestModes(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodGet, "/api/modes", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Default string         `json:"default"`
		Modes   []modes.Preset `json:"modes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, modes.DefaultKey, resp.Default)
	assert.NotEmpty(t, resp.Modes)
	assert.NotContains(t, rec.Body.String(), "system_prompt")
}

func TestChatTurn_JSON(t *testing.T) {
	s := newTestServer(t)
	token := s.login("alice")
	conv := s.createChat(token, CreateChatRequest{Mode: "flash"})
	assert.Equal(t, "Chat 1", conv.Name)

	rec := s.do(http.MethodPost, "/api/chats/"+conv.ID+"/messages", token, PostMessageRequest{Content: "hello"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var msg store.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.Equal(t, store.RoleAssistant, msg.Role)
	assert.Equal(t, "hi there", msg.Text)

	rec = s.do(http.MethodGet, "/api/chats/"+conv.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var details struct {
		Name     string          `json:"name"`
		Messages []store.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &details))
	assert.Equal(t, "Chat 1", details.Name)
	require.Len(t, details.Messages, 2)
	assert.Equal(t, "hello", details.Messages[0].Text)

	rec = s.do(http.MethodPost, "/api/chats/"+conv.ID+"/messages", token, PostMessageRequest{Content: " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatTurn_SSE(t *testing.T) {
	s := newTestServer(t)
	token := s.login("alice")
	conv := s.createChat(token, CreateChatRequest{})

	rec := s.do(http.MethodPost, "/api/chats/"+conv.ID+"/messages", token,
		PostMessageRequest{Content: "hello"}, "Accept", "text/event-stream")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, `data: {"delta":"hi "}`)
	assert.Contains(t, body, `data: {"delta":"there"}`)
	assert.Contains(t, body, "event: done\n")
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
	assert.Less(t, strings.Index(body, `"delta"`), strings.Index(body, "event: done"))
}

func TestChatTurn_SSEUnknownChat(t *testing.T) {
	s := newTestServer(t)
	token := s.login("alice")

	rec := s.do(http.MethodPost, "/api/chats/missing/messages", token,
		PostMessageRequest{Content: "hello"}, "Accept", "text/event-stream")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatLifecycle(t *testing.T) {
	s := newTestServer(t)
	token := s.login("alice")
	first := s.createChat(token, CreateChatRequest{Name: "Trip"})
	second := s.createChat(token, CreateChatRequest{})

	rec := s.do(http.MethodPatch, "/api/chats/"+first.ID, token, map[string]string{"mode": "pro", "name": "Trip plans"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated store.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, "pro", updated.Mode)
	assert.Equal(t, "Trip plans", updated.Name)

	rec = s.do(http.MethodPatch, "/api/chats/"+first.ID, token, map[string]string{"mode": "warp"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/api/chats", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var chats []store.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chats))
	require.Len(t, chats, 2)
	assert.Equal(t, first.ID, chats[0].ID)

	s.do(http.MethodPost, "/api/chats/"+second.ID+"/messages", token, PostMessageRequest{Content: "hello"})
	assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, "/api/chats/"+second.ID+"/messages", token, nil).Code)

	assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, "/api/chats/"+first.ID, token, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/chats/"+first.ID, token, nil).Code)

	other := s.login("mallory")
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/chats/"+second.ID, other, nil).Code)
}

func TestGenerateImage(t *testing.T) {
	s := newTestServerWithImages(t, pngImages{})
	token := s.login("alice")

	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodPost, "/api/images", "", ImageRequest{Prompt: "x"}).Code)

	rec := s.do(http.MethodPost, "/api/images", token, ImageRequest{Prompt: "a smiling stick figure", Size: "512x512"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp ImageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, ImageResponse{Model: llm.DefaultImageModel, Size: "512x512", B64JSON: "cG5n"}, resp)

	rec = s.do(http.MethodPost, "/api/images", token, ImageRequest{Prompt: "x", Size: "640x480"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerateImage_NotConfigured(t *testing.T) {
	s := newTestServer(t)
	token := s.login("alice")

	rec := s.do(http.MethodPost, "/api/images", token, ImageRequest{Prompt: "x"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
