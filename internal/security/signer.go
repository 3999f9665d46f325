// Package security implements message signing and verification for overlay
// traffic. Outgoing stanzas are signed with the gateway's RSA private key;
// incoming stanzas are verified against the sender's public key fetched from
// the directory authority and cached locally.
package security

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mvera/fedgate/internal/cache"
	"github.com/mvera/fedgate/internal/domain/shared"
	"github.com/mvera/fedgate/pkg/common/logger"
)

const (
	privateKeyFile = "gateway-key.pem"

	pubkeyCachePrefix = "pubkey:"
	agidCachePrefix   = "agid:"

	// cacheTTL bounds how long a resolved public key or agid mapping is
	// trusted without consulting the directory again.
	cacheTTL = 7 * 24 * time.Hour
)

// KeySource resolves identity material from the directory authority.
type KeySource interface {
	// GetPubkey returns the PEM-encoded public key of the gateway
	// identified by agid.
	GetPubkey(ctx context.Context, agid string) (string, error)

	// GetAgidByOid returns the agid of the gateway that owns oid.
	GetAgidByOid(ctx context.Context, oid string) (string, error)
}

// Signer signs outgoing payloads and verifies incoming ones.
type Signer struct {
	agid    string
	privKey *rsa.PrivateKey
	source  KeySource
	store   cache.Store
	logger  *logger.Logger

	// envMarker identifies platform-originated senders by substring
	// match on their object id.
	envMarker string
}

// NewSigner loads the gateway private key from keystorePath and wires the
// directory-backed key cache. A missing or malformed key is fatal; the
// gateway cannot participate in the overlay without it. source may be nil at
// construction and installed later with SetKeySource; the directory client
// itself needs the private key to mint its tokens.
func NewSigner(keystorePath, agid, environment string, source KeySource, store cache.Store, log *logger.Logger) (*Signer, error) {
	keyPath := filepath.Join(keystorePath, privateKeyFile)
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", keyPath, err)
	}

	priv, err := parsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing private key %s: %w", keyPath, err)
	}

	return &Signer{
		agid:      agid,
		privKey:   priv,
		source:    source,
		store:     store,
		logger:    log.With("component", "signer"),
		envMarker: environment,
	}, nil
}

func parsePrivateKey(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return key, nil
}

func parsePublicKey(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return key, nil
}

// PrivateKey exposes the loaded key for token signing.
func (s *Signer) PrivateKey() *rsa.PrivateKey { return s.privKey }

// SetKeySource installs the directory-backed key source. Must be called
// before the first Verify or AgidByOid.
func (s *Signer) SetKeySource(source KeySource) { s.source = source }

// Sign returns the base64-encoded RSA-PSS signature of payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPSS(rand.Reader, s.privKey, crypto.SHA256, digest[:], nil)
	if err != nil {
		return "", fmt.Errorf("signing payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 RSA-PSS signature made by the gateway identified by
// agid. A stale cached key is the common failure mode after a remote gateway
// rotates its keypair, so a failed verification forces one reload from the
// directory and retries exactly once.
func (s *Signer) Verify(ctx context.Context, agid string, payload []byte, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return shared.NewError(shared.StatusUnauthorized, "malformed signature: %v", err)
	}

	pub, err := s.pubkeyFor(ctx, agid, false)
	if err != nil {
		return err
	}

	digest := sha256.Sum256(payload)
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, nil); err == nil {
		return nil
	}

	s.logger.Warn(ctx, "Signature check failed, reloading public key", "agid", agid)
	pub, err = s.pubkeyFor(ctx, agid, true)
	if err != nil {
		return err
	}
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, nil); err != nil {
		return shared.NewError(shared.StatusUnauthorized, "signature verification failed for %s", agid)
	}
	return nil
}

func (s *Signer) pubkeyFor(ctx context.Context, agid string, forceReload bool) (*rsa.PublicKey, error) {
	key := pubkeyCachePrefix + agid
	if forceReload {
		s.store.Delete(ctx, key)
	} else if pemStr, ok := s.store.Get(ctx, key); ok {
		return parsePublicKey(pemStr)
	}

	if s.source == nil {
		return nil, fmt.Errorf("no key source configured")
	}
	pemStr, err := s.source.GetPubkey(ctx, agid)
	if err != nil {
		return nil, fmt.Errorf("fetching public key for %s: %w", agid, err)
	}
	pub, err := parsePublicKey(pemStr)
	if err != nil {
		return nil, fmt.Errorf("parsing public key for %s: %w", agid, err)
	}
	s.store.Set(ctx, key, pemStr, cacheTTL)
	return pub, nil
}

// AgidByOid resolves the owning gateway of an object id, consulting the
// cache before the directory.
func (s *Signer) AgidByOid(ctx context.Context, oid string) (string, error) {
	key := agidCachePrefix + oid
	if agid, ok := s.store.Get(ctx, key); ok {
		return agid, nil
	}
	if s.source == nil {
		return "", fmt.Errorf("no key source configured")
	}
	agid, err := s.source.GetAgidByOid(ctx, oid)
	if err != nil {
		return "", fmt.Errorf("resolving gateway for %s: %w", oid, err)
	}
	s.store.Set(ctx, key, agid, cacheTTL)
	return agid, nil
}

// IsPlatformSender reports whether oid belongs to the platform itself rather
// than a peer gateway. Platform senders carry the environment marker in
// their object id and are exempt from roster checks.
func (s *Signer) IsPlatformSender(oid string) bool {
	return s.envMarker != "" && strings.Contains(oid, s.envMarker)
}
