package security

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// EncryptLocal encrypts plaintext with the gateway's own public key using
// RSA-OAEP. The result can only be opened by this gateway.
func (s *Signer) EncryptLocal(plaintext []byte) (string, error) {
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &s.privKey.PublicKey, plaintext, nil)
	if err != nil {
		return "", fmt.Errorf("encrypting: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// DecryptLocal opens a base64 RSA-OAEP ciphertext produced for this gateway.
func (s *Signer) DecryptLocal(ciphertext string) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	pt, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, s.privKey, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return pt, nil
}

// EncryptForRemote encrypts plaintext for the gateway identified by agid
// using its directory-published public key.
func (s *Signer) EncryptForRemote(ctx context.Context, agid string, plaintext []byte) (string, error) {
	pub, err := s.pubkeyFor(ctx, agid, false)
	if err != nil {
		return "", err
	}
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return "", fmt.Errorf("encrypting for %s: %w", agid, err)
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}
