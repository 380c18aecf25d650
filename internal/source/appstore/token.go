package appstore

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/review-agent/internal/source"
)

const audience = "appstore-connect-v1"

// Credentials is the App Store Connect API key blob stored on an account
type Credentials struct {
	IssuerID   string `json:"issuer_id"`
	KeyID      string `json:"key_id"`
	PrivateKey string `json:"private_key"` // PKCS#8 PEM, EC P-256
}

// ParseCredentials decodes and checks an account credential blob
func ParseCredentials(blob []byte) (*Credentials, error) {
	var creds Credentials
	if err := json.Unmarshal(blob, &creds); err != nil {
		return nil, fmt.Errorf("%w: malformed App Store key: %v", source.ErrInvalidCredentials, err)
	}
	if creds.IssuerID == "" || creds.KeyID == "" || creds.PrivateKey == "" {
		return nil, fmt.Errorf("%w: App Store key needs issuer_id, key_id and private_key", source.ErrInvalidCredentials)
	}
	return &creds, nil
}

// tokenSigner mints short-lived ES256 tokens for one API key
type tokenSigner struct {
	issuerID string
	keyID    string
	key      *ecdsa.PrivateKey
	ttl      time.Duration
	now      func() time.Time
}

func newTokenSigner(creds *Credentials, ttl time.Duration) (*tokenSigner, error) {
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(creds.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", source.ErrInvalidCredentials, err)
	}
	if ttl <= 0 || ttl > 20*time.Minute {
		ttl = 20 * time.Minute
	}
	return &tokenSigner{
		issuerID: creds.IssuerID,
		keyID:    creds.KeyID,
		key:      key,
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

// Sign returns a bearer token valid for the signer's TTL
func (s *tokenSigner) Sign() (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuerID,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = s.keyID

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign App Store token: %w", err)
	}
	return signed, nil
}
