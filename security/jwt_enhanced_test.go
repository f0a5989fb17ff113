package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateOwnerTokenRoundTrip(t *testing.T) {
	svc := NewJWTService("test-secret")

	tokenString, err := svc.GenerateOwnerToken("02abc-owner-pubkey", []string{"org:alpha", "org:beta"}, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, tokenString)

	tok, err := svc.ValidateToken(tokenString)
	require.NoError(t, err)

	assert.Equal(t, "02abc-owner-pubkey", tok.Subject())

	pk, ok := tok.Get("public_key")
	require.True(t, ok)
	assert.Equal(t, "02abc-owner-pubkey", pk)

	orgs, ok := tok.Get("orgs")
	require.True(t, ok)
	assert.Equal(t, []interface{}{"org:alpha", "org:beta"}, orgs)
}

func TestGenerateOwnerTokenWithoutOrgsOmitsClaim(t *testing.T) {
	svc := NewJWTService("test-secret")

	tokenString, err := svc.GenerateOwnerToken("02abc-owner-pubkey", nil, time.Hour)
	require.NoError(t, err)

	tok, err := svc.ValidateToken(tokenString)
	require.NoError(t, err)

	_, ok := tok.Get("orgs")
	assert.False(t, ok, "orgs claim should be absent when the owner belongs to no organizations")
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	minted, err := NewJWTService("correct-secret").GenerateOwnerToken("owner-1", nil, time.Hour)
	require.NoError(t, err)

	_, err = NewJWTService("wrong-secret").ValidateToken(minted)
	assert.Error(t, err)
}

func TestValidateTokenRejectsExpiredToken(t *testing.T) {
	svc := NewJWTService("test-secret")

	tokenString, err := svc.GenerateOwnerToken("owner-1", nil, time.Millisecond)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	_, err = svc.ValidateToken(tokenString)
	assert.Error(t, err)
}

func TestValidateTokenRejectsMalformedToken(t *testing.T) {
	svc := NewJWTService("test-secret")

	_, err := svc.ValidateToken("not-a-jwt")
	assert.Error(t, err)
}
