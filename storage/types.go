package storage

import "time"

// GeoMode selects how a promotion geo rule interprets its country list.
type GeoMode string

const (
	GeoAnywhere GeoMode = "anywhere"
	GeoInclude  GeoMode = "include"
	GeoExclude  GeoMode = "exclude"
)

// GeoRule scopes a promotion to a set of countries. An empty rule is
// equivalent to GeoAnywhere.
type GeoRule struct {
	Mode      GeoMode  `json:"mode"`
	Countries []string `json:"countries,omitempty"`
}

// PromotionDoc is the persisted form of a promotion campaign. All fields
// except Active are immutable once created.
type PromotionDoc struct {
	ID                        string    `json:"id"`
	Type                      string    `json:"type"`
	Platform                  string    `json:"platform"`
	Active                    bool      `json:"active"`
	Priority                  int       `json:"priority"`
	ProtocolVersion           int       `json:"protocolVersion"`
	MinimumReconcileTimestamp int64     `json:"minimumReconcileTimestamp"`
	Geo                       GeoRule   `json:"geo"`
	CreatedAt                 time.Time `json:"createdAt"`
}

// GrantDoc is a minted, signed grant waiting in the pool or attached to a
// wallet. ClaimedBy is empty until the grant is reserved for a wallet.
type GrantDoc struct {
	GrantID      string    `json:"grantId"`
	PromotionID  string    `json:"promotionId"`
	Altcurrency  string    `json:"altcurrency"`
	Probi        string    `json:"probi"`
	MaturityTime int64     `json:"maturityTime"`
	ExpiryTime   int64     `json:"expiryTime"`
	Type         string    `json:"type,omitempty"`
	ProviderID   string    `json:"providerId,omitempty"`
	Token        string    `json:"token"`
	ClaimedBy    string    `json:"claimedBy,omitempty"`
	ClaimedAt    time.Time `json:"claimedAt,omitempty"`
}

// CaptchaState records an outstanding drag-and-drop captcha solution. The
// stored coordinates are compared against the client's answer at claim time.
type CaptchaState struct {
	X        int       `json:"x"`
	Y        int       `json:"y"`
	IssuedAt time.Time `json:"issuedAt"`
}

// ClaimedGrantRef is the wallet-side record of an attached grant, kept in
// claim order. Redeemed flips to true once settlement has absorbed the value.
type ClaimedGrantRef struct {
	GrantID      string    `json:"grantId"`
	PromotionID  string    `json:"promotionId"`
	Type         string    `json:"type"`
	Altcurrency  string    `json:"altcurrency"`
	Probi        string    `json:"probi"`
	MaturityTime int64     `json:"maturityTime"`
	ExpiryTime   int64     `json:"expiryTime"`
	Redeemed     bool      `json:"redeemed,omitempty"`
	ClaimedAt    time.Time `json:"claimedAt"`
}

// BalanceCache is the wallet's cached balance snapshot. A nil cache means a
// refresh is required.
type BalanceCache struct {
	Balance     string            `json:"balance"`
	CardBalance string            `json:"cardBalance"`
	Probi       string            `json:"probi"`
	Grants      []ClaimedGrantRef `json:"grants,omitempty"`
	ComputedAt  time.Time         `json:"computedAt"`
}

// WalletDoc is the per-wallet claim state. It is the unit of mutual
// exclusion: all mutations go through WalletStore.UpdateWallet.
type WalletDoc struct {
	PaymentID     string            `json:"paymentId"`
	ProviderID    string            `json:"providerId,omitempty"`
	Cohort        string            `json:"cohort,omitempty"`
	Nonce         string            `json:"nonce,omitempty"`
	NonceIssuedAt time.Time         `json:"nonceIssuedAt,omitempty"`
	Captcha       *CaptchaState     `json:"captcha,omitempty"`
	ClaimedGrants []ClaimedGrantRef `json:"claimedGrants,omitempty"`
	LastClaimAt   time.Time         `json:"lastClaimAt,omitempty"`
	Balance       *BalanceCache     `json:"balance,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// HasClaimedPromotion reports whether the wallet already holds a grant from
// the given promotion.
func (w *WalletDoc) HasClaimedPromotion(promotionID string) bool {
	for _, ref := range w.ClaimedGrants {
		if ref.PromotionID == promotionID {
			return true
		}
	}
	return false
}

// HasClaimedClass reports whether the wallet already holds a grant of the
// given class ("ads" or "ugp").
func (w *WalletDoc) HasClaimedClass(class string) bool {
	for _, ref := range w.ClaimedGrants {
		if GrantClass(ref.Type) == class {
			return true
		}
	}
	return false
}

// Exclusivity classes. Ads grants are tracked independently from
// user-growth-pool grants; the android type is a platform-scoped ugp
// variant.
const (
	ClassAds = "ads"
	ClassUGP = "ugp"
)

// GrantClass collapses promotion/grant types into their exclusivity class.
func GrantClass(typ string) string {
	if typ == ClassAds {
		return ClassAds
	}
	return ClassUGP
}
