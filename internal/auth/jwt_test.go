package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessTokenRoundTrip(t *testing.T) {
	token, err := GenerateAccessToken(42, "alice", true)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, 42, claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.True(t, claims.IsAdmin)
}

func TestValidateAccessTokenRejectsGarbage(t *testing.T) {
	_, err := ValidateAccessToken("not-a-token")
	assert.Error(t, err)
}

func TestGenerateRefreshTokenIsUnique(t *testing.T) {
	first, err := GenerateRefreshToken()
	require.NoError(t, err)
	second, err := GenerateRefreshToken()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}
