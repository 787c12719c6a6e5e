package grant

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"math/big"

	"github.com/golang-jwt/jwt/v5"
)

var ErrBadSignature = errors.New("grant: token signature invalid")

// tokenClaims is the wire shape of a signed grant token. The timestamp
// accessors return nil so the JWT library leaves temporal checks to us;
// expired grants must still decode so the claim path can reject them with
// a specific error.
type tokenClaims struct {
	Altcurrency  string `json:"altcurrency"`
	GrantID      string `json:"grantId"`
	Probi        string `json:"probi"`
	PromotionID  string `json:"promotionId"`
	MaturityTime int64  `json:"maturityTime"`
	ExpiryTime   int64  `json:"expiryTime"`
	Type         string `json:"type,omitempty"`
	ProviderID   string `json:"providerId,omitempty"`
}

func (tokenClaims) GetExpirationTime() (*jwt.NumericDate, error) { return nil, nil }
func (tokenClaims) GetIssuedAt() (*jwt.NumericDate, error)       { return nil, nil }
func (tokenClaims) GetNotBefore() (*jwt.NumericDate, error)      { return nil, nil }
func (tokenClaims) GetIssuer() (string, error)                   { return "", nil }
func (tokenClaims) GetSubject() (string, error)                  { return "", nil }
func (tokenClaims) GetAudience() (jwt.ClaimStrings, error)       { return nil, nil }

// Codec verifies signed grant tokens against a fixed issuer public key.
type Codec struct {
	key ed25519.PublicKey
}

// NewCodec constructs a codec for the given Ed25519 verification key.
func NewCodec(key ed25519.PublicKey) (*Codec, error) {
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("grant: verification key must be %d bytes, got %d", ed25519.PublicKeySize, len(key))
	}
	return &Codec{key: key}, nil
}

// Decode verifies the token signature and returns the decoded grant.
// Temporal validity is not checked here.
func (c *Codec) Decode(token string) (Grant, error) {
	var claims tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return c.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}))
	if err != nil || !parsed.Valid {
		return Grant{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	probi, err := ParseProbi(claims.Probi)
	if err != nil {
		return Grant{}, err
	}
	g := Grant{
		GrantID:      claims.GrantID,
		PromotionID:  claims.PromotionID,
		Altcurrency:  claims.Altcurrency,
		Probi:        probi,
		MaturityTime: claims.MaturityTime,
		ExpiryTime:   claims.ExpiryTime,
		Type:         claims.Type,
		ProviderID:   claims.ProviderID,
	}
	if err := g.Validate(); err != nil {
		return Grant{}, err
	}
	return g, nil
}

// Signer mints grant tokens. Production grants are signed offline; this
// exists for the ingest tooling and tests.
type Signer struct {
	key ed25519.PrivateKey
}

// NewSigner wraps an Ed25519 signing key.
func NewSigner(key ed25519.PrivateKey) (*Signer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("grant: signing key must be %d bytes, got %d", ed25519.PrivateKeySize, len(key))
	}
	return &Signer{key: key}, nil
}

// Sign produces a compact JWS for the grant.
func (s *Signer) Sign(g Grant) (string, error) {
	if err := g.Validate(); err != nil {
		return "", err
	}
	claims := tokenClaims{
		Altcurrency:  g.Altcurrency,
		GrantID:      g.GrantID,
		Probi:        new(big.Int).Set(g.Probi).String(),
		PromotionID:  g.PromotionID,
		MaturityTime: g.MaturityTime,
		ExpiryTime:   g.ExpiryTime,
		Type:         g.Type,
		ProviderID:   g.ProviderID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(s.key)
}
