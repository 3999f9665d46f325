package directory

import (
	"crypto/rsa"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mvera/fedgate/pkg/common/timeutil"
)

// tokenManager mints and caches the RS256 bearer token presented to the
// directory authority. Tokens are reused until they near expiry.
type tokenManager struct {
	agid    string
	privKey *rsa.PrivateKey
	ttl     time.Duration
	refresh time.Duration
	clock   timeutil.Provider

	mu      sync.Mutex
	token   string
	expires time.Time
}

func newTokenManager(agid string, privKey *rsa.PrivateKey, ttl, refresh time.Duration, clock timeutil.Provider) *tokenManager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if refresh <= 0 {
		refresh = 5 * time.Minute
	}
	if refresh >= ttl {
		refresh = ttl / 2
	}
	return &tokenManager{
		agid:    agid,
		privKey: privKey,
		ttl:     ttl,
		refresh: refresh,
		clock:   clock,
	}
}

// Token returns a valid bearer token, minting a fresh one when the cached
// token is within the refresh window of its expiry.
func (m *tokenManager) Token() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if m.token != "" && now.Before(m.expires.Add(-m.refresh)) {
		return m.token, nil
	}

	expires := now.Add(m.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    m.agid,
		Audience:  jwt.ClaimStrings{"NM"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(m.privKey)
	if err != nil {
		return "", fmt.Errorf("signing bearer token: %w", err)
	}

	m.token = signed
	m.expires = expires
	return signed, nil
}
