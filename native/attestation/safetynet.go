package attestation

import (
	"crypto/ed25519"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Attestation is the decoded payload of a device attestation token.
type Attestation struct {
	Nonce           string
	TimestampMS     int64
	APKPackageName  string
	CTSProfileMatch bool
	BasicIntegrity  bool
}

// safetynetClaims mirrors the attestation JWS payload. Temporal checks are
// ours; the accessors return nil to keep the JWT library out of them.
type safetynetClaims struct {
	Nonce           string `json:"nonce"`
	TimestampMS     int64  `json:"timestampMs"`
	APKPackageName  string `json:"apkPackageName"`
	CTSProfileMatch bool   `json:"ctsProfileMatch"`
	BasicIntegrity  bool   `json:"basicIntegrity"`
}

func (safetynetClaims) GetExpirationTime() (*jwt.NumericDate, error) { return nil, nil }
func (safetynetClaims) GetIssuedAt() (*jwt.NumericDate, error)       { return nil, nil }
func (safetynetClaims) GetNotBefore() (*jwt.NumericDate, error)      { return nil, nil }
func (safetynetClaims) GetIssuer() (string, error)                   { return "", nil }
func (safetynetClaims) GetSubject() (string, error)                  { return "", nil }
func (safetynetClaims) GetAudience() (jwt.ClaimStrings, error)       { return nil, nil }

// SafetynetVerifier checks attestation token signatures against the
// attestation service's public key.
type SafetynetVerifier struct {
	key ed25519.PublicKey
}

// NewSafetynetVerifier constructs a verifier for the given key.
func NewSafetynetVerifier(key ed25519.PublicKey) (*SafetynetVerifier, error) {
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("attestation: verification key must be %d bytes, got %d", ed25519.PublicKeySize, len(key))
	}
	return &SafetynetVerifier{key: key}, nil
}

// Verify checks the token signature and returns the decoded attestation.
func (v *SafetynetVerifier) Verify(token string) (Attestation, error) {
	var claims safetynetClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}))
	if err != nil || !parsed.Valid {
		return Attestation{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return Attestation{
		Nonce:           claims.Nonce,
		TimestampMS:     claims.TimestampMS,
		APKPackageName:  claims.APKPackageName,
		CTSProfileMatch: claims.CTSProfileMatch,
		BasicIntegrity:  claims.BasicIntegrity,
	}, nil
}

// SafetynetSigner mints attestation tokens for tests and local tooling.
type SafetynetSigner struct {
	key ed25519.PrivateKey
}

// NewSafetynetSigner wraps an Ed25519 signing key.
func NewSafetynetSigner(key ed25519.PrivateKey) (*SafetynetSigner, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("attestation: signing key must be %d bytes, got %d", ed25519.PrivateKeySize, len(key))
	}
	return &SafetynetSigner{key: key}, nil
}

// Sign produces a compact JWS for the attestation.
func (s *SafetynetSigner) Sign(att Attestation) (string, error) {
	claims := safetynetClaims{
		Nonce:           att.Nonce,
		TimestampMS:     att.TimestampMS,
		APKPackageName:  att.APKPackageName,
		CTSProfileMatch: att.CTSProfileMatch,
		BasicIntegrity:  att.BasicIntegrity,
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(s.key)
}
