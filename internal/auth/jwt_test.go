package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "access-secret-32-chars-long!!!!!"

func TestJWTManager_IssueAndValidate(t *testing.T) {
	mgr := NewJWTManager(testSecret, 15*time.Minute)

	t.Run("issue and validate", func(t *testing.T) {
		tok, err := mgr.Issue("wallet-123")
		require.NoError(t, err)
		assert.NotEmpty(t, tok.AccessToken)
		assert.Equal(t, "Bearer", tok.TokenType)
		assert.Equal(t, int64(900), tok.ExpiresIn)

		claims, err := mgr.Validate(tok.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, "wallet-123", claims.Wallet)
		assert.Equal(t, "wallet-123", claims.Subject)
	})

	t.Run("invalid token fails validation", func(t *testing.T) {
		_, err := mgr.Validate("invalid-token")
		assert.Error(t, err)
	})

	t.Run("token signed with another secret fails", func(t *testing.T) {
		other := NewJWTManager("another-secret-32-chars-long!!!!", 15*time.Minute)
		tok, err := other.Issue("wallet-123")
		require.NoError(t, err)

		_, err = mgr.Validate(tok.AccessToken)
		assert.Error(t, err)
	})

	t.Run("expired token fails", func(t *testing.T) {
		shortMgr := NewJWTManager(testSecret, -1*time.Second)
		tok, err := shortMgr.Issue("wallet-exp")
		require.NoError(t, err)

		_, err = shortMgr.Validate(tok.AccessToken)
		assert.Error(t, err)
	})
}
