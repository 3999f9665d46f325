package directory

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mvera/fedgate/pkg/common/timeutil"
)

func TestTokenManagerMintsValidToken(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	clock := &timeutil.Mock{CurrentTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tm := newTokenManager("agid-local", priv, 24*time.Hour, 4*time.Hour, clock)

	token, err := tm.Token()
	require.NoError(t, err)

	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return &priv.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithTimeFunc(clock.Now))
	require.NoError(t, err)

	claims := parsed.Claims.(*jwt.RegisteredClaims)
	assert.Equal(t, "agid-local", claims.Issuer)
	assert.Equal(t, clock.CurrentTime.Add(24*time.Hour).Unix(), claims.ExpiresAt.Unix())
}

func TestTokenManagerReusesUntilRefreshWindow(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	clock := &timeutil.Mock{CurrentTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tm := newTokenManager("agid-local", priv, 24*time.Hour, 4*time.Hour, clock)

	first, err := tm.Token()
	require.NoError(t, err)

	clock.Advance(time.Hour)
	again, err := tm.Token()
	require.NoError(t, err)
	assert.Equal(t, first, again, "token within its lifetime must be reused")

	// Step inside the refresh window.
	clock.Advance(20 * time.Hour)
	fresh, err := tm.Token()
	require.NoError(t, err)
	assert.NotEqual(t, first, fresh, "token close to expiry must be reminted")
}
