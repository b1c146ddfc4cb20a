package core

import (
	"context"

	"primebud.com/primebud-chat/internal/store"
)

// Session is the per-request identity resolved from a bearer token.
type Session struct {
	Account *store.Account
}

type sessionKey struct{}

func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFrom returns the session stored by WithSession, if any.
func SessionFrom(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok && s != nil && s.Account != nil
}
