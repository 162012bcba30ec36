package tokens

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidate(t *testing.T) {
	m := NewManager("test-signing-key")

	tok, err := m.GenerateAccessToken("operator-1", RoleOperator)
	require.NoError(t, err)

	claims, err := m.ValidateToken(tok)
	require.NoError(t, err)
	require.Equal(t, "operator-1", claims.UserID)
	require.Equal(t, RoleOperator, claims.Role)
	require.Equal(t, Access, claims.TokenType)
	require.NotEmpty(t, claims.ID)
	require.True(t, claims.ExpiresAt.After(time.Now()))
}

func TestValidateRejectsWrongKey(t *testing.T) {
	tok, err := NewManager("key-a").GenerateAccessToken("u", RoleViewer)
	require.NoError(t, err)

	_, err = NewManager("key-b").ValidateToken(tok)
	require.Error(t, err)
}

func TestValidateRejectsGarbage(t *testing.T) {
	_, err := NewManager("k").ValidateToken("not.a.token")
	require.Error(t, err)
}

func TestRefreshTokenType(t *testing.T) {
	m := NewManager("k")
	tok, err := m.GenerateRefreshToken("u", RoleAdmin)
	require.NoError(t, err)

	claims, err := m.ValidateToken(tok)
	require.NoError(t, err)
	require.Equal(t, Refresh, claims.TokenType)
}
