package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestTokenIssuer_RoundTrip(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour)
	token, err := issuer.Generate("alice")
	require.NoError(t, err)

	username, err := issuer.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", username)
}

func TestTokenIssuer_RejectsOtherSecret(t *testing.T) {
	token, err := NewTokenIssuer("secret", time.Hour).Generate("alice")
	require.NoError(t, err)

	_, err = NewTokenIssuer("other", time.Hour).Validate(token)
	assert.Error(t, err)
}

func TestTokenIssuer_RejectsExpired(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Minute)
	issuer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := issuer.Generate("alice")
	require.NoError(t, err)

	issuer.now = time.Now
	_, err = issuer.Validate(token)
	assert.Error(t, err)
}

func TestTokenIssuer_RejectsGarbage(t *testing.T) {
	_, err := NewTokenIssuer("secret", 0).Validate("not-a-token")
	assert.Error(t, err)
}

func TestSHA256Hasher_MatchesStoredFormat(t *testing.T) {
	h := SHA256Hasher{}
	hash, err := h.Hash("secret123")
	require.NoError(t, err)
	// sha256("secret123")
	assert.Equal(t, "fcf730b6d95236ecd3c9fc2d92d7b6b2bb061514961aec041d6c7a7192f592e4", hash)
	assert.True(t, h.Verify("secret123", hash))
	assert.False(t, h.Verify("secret124", hash))
}

func TestBcryptHasher(t *testing.T) {
	h := BcryptHasher{Cost: bcrypt.MinCost}
	hash, err := h.Hash("secret123")
	require.NoError(t, err)
	assert.True(t, h.Verify("secret123", hash))
	assert.False(t, h.Verify("wrong", hash))
}

func TestNewPasswordHasher(t *testing.T) {
	h, err := NewPasswordHasher("")
	require.NoError(t, err)
	assert.IsType(t, SHA256Hasher{}, h)

	h, err = NewPasswordHasher("bcrypt")
	require.NoError(t, err)
	assert.IsType(t, BcryptHasher{}, h)

	_, err = NewPasswordHasher("md5")
	assert.Error(t, err)
}
