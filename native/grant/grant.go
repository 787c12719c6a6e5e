// Package grant defines the grant value type, probi arithmetic helpers,
// and the signed-token codec used to ingest and verify grants.
package grant

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"grantledger/storage"
)

// Altcurrency is the only unit grants are denominated in. Probi is the
// integer base unit: 1 token = 1e18 probi.
const Altcurrency = "BAT"

var probiPerToken = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

var (
	ErrInvalidProbi    = errors.New("grant: invalid probi amount")
	ErrInvalidGrant    = errors.New("grant: invalid grant")
	ErrGrantExpired    = errors.New("grant: grant expired")
	ErrGrantNotMatured = errors.New("grant: grant not yet matured")
)

// Grant is the decoded form of a signed grant token.
type Grant struct {
	GrantID      string
	PromotionID  string
	Altcurrency  string
	Probi        *big.Int
	MaturityTime int64
	ExpiryTime   int64
	Type         string
	ProviderID   string
}

// ParseProbi parses a decimal probi string into a non-negative integer.
func ParseProbi(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidProbi
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidProbi, s)
	}
	return v, nil
}

// ParseTokenAmount parses a decimal token amount ("15", "15.5") into
// probi. At most 18 fractional digits are accepted.
func ParseTokenAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidProbi
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	w, ok := new(big.Int).SetString(whole, 10)
	if !ok || w.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidProbi, s)
	}
	total := new(big.Int).Mul(w, probiPerToken)
	if frac != "" {
		if len(frac) > 18 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidProbi, s)
		}
		f, ok := new(big.Int).SetString(frac, 10)
		if !ok || f.Sign() < 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidProbi, s)
		}
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(18-len(frac))), nil)
		total.Add(total, f.Mul(f, scale))
	}
	return total, nil
}

// ProbiPerToken returns a copy of the 1e18 scale constant.
func ProbiPerToken() *big.Int {
	return new(big.Int).Set(probiPerToken)
}

// FormatBalance renders a probi amount as a token string with exactly four
// fractional digits, truncating toward zero.
func FormatBalance(probi *big.Int) string {
	if probi == nil || probi.Sign() <= 0 {
		return "0.0000"
	}
	whole, rem := new(big.Int).QuoRem(probi, probiPerToken, new(big.Int))
	// Keep the first four fractional digits: probi % 1e18 / 1e14.
	frac := new(big.Int).Quo(rem, new(big.Int).Exp(big.NewInt(10), big.NewInt(14), nil))
	return fmt.Sprintf("%s.%04s", whole.String(), frac.String())
}

// Validate checks structural invariants of a decoded grant.
func (g Grant) Validate() error {
	if _, err := uuid.Parse(g.GrantID); err != nil {
		return fmt.Errorf("%w: grantId: %v", ErrInvalidGrant, err)
	}
	if _, err := uuid.Parse(g.PromotionID); err != nil {
		return fmt.Errorf("%w: promotionId: %v", ErrInvalidGrant, err)
	}
	if !strings.EqualFold(g.Altcurrency, Altcurrency) {
		return fmt.Errorf("%w: altcurrency %q", ErrInvalidGrant, g.Altcurrency)
	}
	if g.Probi == nil || g.Probi.Sign() <= 0 {
		return fmt.Errorf("%w: probi must be positive", ErrInvalidGrant)
	}
	if g.ExpiryTime <= 0 {
		return fmt.Errorf("%w: missing expiryTime", ErrInvalidGrant)
	}
	if storage.GrantClass(g.Type) == storage.ClassAds && g.ProviderID == "" {
		return fmt.Errorf("%w: ads grant without providerId", ErrInvalidGrant)
	}
	return nil
}

// Expired reports whether the grant's expiry time has passed.
func (g Grant) Expired(now time.Time) bool {
	return g.ExpiryTime > 0 && now.Unix() >= g.ExpiryTime
}

// Matured reports whether the grant's maturity time has been reached.
// Grants without one are matured immediately.
func (g Grant) Matured(now time.Time) bool {
	return g.MaturityTime <= 0 || now.Unix() >= g.MaturityTime
}

// Doc converts the grant to its persisted form, carrying the original
// signed token so it can be replayed to clients.
func (g Grant) Doc(token string) storage.GrantDoc {
	return storage.GrantDoc{
		GrantID:      g.GrantID,
		PromotionID:  g.PromotionID,
		Altcurrency:  strings.ToUpper(g.Altcurrency),
		Probi:        g.Probi.String(),
		MaturityTime: g.MaturityTime,
		ExpiryTime:   g.ExpiryTime,
		Type:         g.Type,
		ProviderID:   g.ProviderID,
		Token:        token,
	}
}

// FromDoc rebuilds a Grant from its persisted form.
func FromDoc(doc storage.GrantDoc) (Grant, error) {
	probi, err := ParseProbi(doc.Probi)
	if err != nil {
		return Grant{}, err
	}
	return Grant{
		GrantID:      doc.GrantID,
		PromotionID:  doc.PromotionID,
		Altcurrency:  doc.Altcurrency,
		Probi:        probi,
		MaturityTime: doc.MaturityTime,
		ExpiryTime:   doc.ExpiryTime,
		Type:         doc.Type,
		ProviderID:   doc.ProviderID,
	}, nil
}
