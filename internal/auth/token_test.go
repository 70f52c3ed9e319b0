package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestTokens_RoundTrip(t *testing.T) {
	req := require.New(t)
	tokens, err := NewTokens("secret", time.Hour)
	req.NoError(err)

	token, err := tokens.Generate("u-1")
	req.NoError(err)
	claims, err := tokens.Validate(token)
	req.NoError(err)
	req.Equal("u-1", claims.UserID)
	req.Equal("chatline", claims.Issuer)
}

func TestTokens_Rejects(t *testing.T) {
	req := require.New(t)
	tokens, err := NewTokens("secret", time.Hour)
	req.NoError(err)
	other, err := NewTokens("other-secret", time.Hour)
	req.NoError(err)

	forged, err := other.Generate("u-1")
	req.NoError(err)
	_, err = tokens.Validate(forged)
	req.ErrorIs(err, jwt.ErrTokenSignatureInvalid)

	// Given a token issued two hours ago
	issuedAt := time.Now().Add(-2 * time.Hour)
	tokens.now = func() time.Time { return issuedAt }
	expired, err := tokens.Generate("u-1")
	req.NoError(err)
	tokens.now = time.Now
	_, err = tokens.Validate(expired)
	req.ErrorIs(err, jwt.ErrTokenExpired)

	_, err = tokens.Validate("not.a.token")
	req.Error(err)

	_, err = NewTokens("", time.Hour)
	req.Error(err)
}
