// Package claim implements the claim state machine: after the transport
// layer has verified a challenge, the engine atomically moves one grant
// from the promotion pool onto the claiming wallet.
package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"grantledger/native/grant"
	"grantledger/native/promotion"
	"grantledger/observability/logging"
	"grantledger/storage"
)

var (
	ErrPromotionInactive = errors.New("claim: promotion inactive")
	ErrAdsRegion         = errors.New("claim: ugp claims disabled in ads region")
	ErrGeoBlocked        = errors.New("claim: promotion not available in region")
	ErrAlreadyClaimed    = errors.New("claim: wallet already holds a grant of this kind")
	ErrGrantExpired      = errors.New("claim: grant expired")
	ErrProviderMismatch  = errors.New("claim: grant reserved for a different provider")
)

// Cohorts recorded on the wallet by claim path. A wallet keeps the cohort
// of its first successful claim forever.
const (
	CohortSafetynet = "safetynet"
	CohortCaptcha   = "captcha"
)

// Request describes a challenge-verified claim attempt.
type Request struct {
	PaymentID   string
	PromotionID string
	// ProviderID identifies the wallet's custodial card; ads grants are
	// bound to one and refuse any other.
	ProviderID string
	// Country is the edge-resolved region of the claimant.
	Country string
	// Cohort is the claim path that verified the challenge,
	// CohortSafetynet or CohortCaptcha.
	Cohort string
}

// Engine executes claims against the stores.
type Engine struct {
	promotions storage.PromotionStore
	grants     storage.GrantStore
	wallets    storage.WalletStore
	// adsRegion reports whether the ads program runs in a country, which
	// blocks ugp-class claims there.
	adsRegion func(country string) bool
	log       *slog.Logger
	nowFn     func() time.Time
}

// NewEngine constructs a claim engine. adsRegion may be nil when no ads
// regions are configured.
func NewEngine(promotions storage.PromotionStore, grants storage.GrantStore, wallets storage.WalletStore, adsRegion func(string) bool, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if adsRegion == nil {
		adsRegion = func(string) bool { return false }
	}
	return &Engine{
		promotions: promotions,
		grants:     grants,
		wallets:    wallets,
		adsRegion:  adsRegion,
		log:        log,
		nowFn:      time.Now,
	}
}

// Claim reserves one grant of the promotion for the wallet and records it.
// At most one claim per promotion per wallet ever succeeds, and a wallet
// holds at most one ads-class grant; concurrent attempts race for the
// reservation and the losers see ErrAlreadyClaimed.
func (e *Engine) Claim(ctx context.Context, req Request) (storage.GrantDoc, error) {
	promo, err := e.promotions.GetPromotion(ctx, req.PromotionID)
	if err != nil {
		return storage.GrantDoc{}, err
	}
	if !promo.Active {
		return storage.GrantDoc{}, ErrPromotionInactive
	}
	if !promotion.ReconcileElapsed(promo, e.nowFn().UTC()) {
		return storage.GrantDoc{}, ErrPromotionInactive
	}
	class := storage.GrantClass(promo.Type)
	if class == storage.ClassUGP && e.adsRegion(req.Country) {
		return storage.GrantDoc{}, ErrAdsRegion
	}
	if !promotion.GeoAllows(promo, req.Country) {
		return storage.GrantDoc{}, ErrGeoBlocked
	}

	wallet, err := e.wallets.EnsureWallet(ctx, req.PaymentID)
	if err != nil {
		return storage.GrantDoc{}, err
	}
	if wallet.HasClaimedPromotion(promo.ID) {
		return storage.GrantDoc{}, ErrAlreadyClaimed
	}
	if class == storage.ClassAds && wallet.HasClaimedClass(storage.ClassAds) {
		return storage.GrantDoc{}, ErrAlreadyClaimed
	}

	doc, err := e.grants.ReserveGrant(ctx, promo.ID, req.PaymentID)
	if err != nil {
		return storage.GrantDoc{}, err
	}
	release := func() {
		if rerr := e.grants.ReleaseGrant(ctx, doc.GrantID); rerr != nil {
			e.log.Error("release reserved grant failed",
				"grant_id", doc.GrantID, logging.Wallet(req.PaymentID), "error", rerr)
		}
	}

	g, err := grant.FromDoc(doc)
	if err != nil {
		release()
		return storage.GrantDoc{}, fmt.Errorf("claim: corrupt grant %s: %w", doc.GrantID, err)
	}
	now := e.nowFn().UTC()
	if g.Expired(now) {
		release()
		return storage.GrantDoc{}, ErrGrantExpired
	}
	if class == storage.ClassAds && doc.ProviderID != req.ProviderID {
		release()
		return storage.GrantDoc{}, ErrProviderMismatch
	}

	ref := storage.ClaimedGrantRef{
		GrantID:      doc.GrantID,
		PromotionID:  doc.PromotionID,
		Type:         promo.Type,
		Altcurrency:  doc.Altcurrency,
		Probi:        doc.Probi,
		MaturityTime: doc.MaturityTime,
		ExpiryTime:   doc.ExpiryTime,
		ClaimedAt:    now,
	}
	_, err = e.wallets.UpdateWallet(ctx, req.PaymentID, func(w *storage.WalletDoc) error {
		// Re-check under the wallet's write lock; the earlier read raced
		// with concurrent claims.
		if w.HasClaimedPromotion(promo.ID) {
			return ErrAlreadyClaimed
		}
		if class == storage.ClassAds && w.HasClaimedClass(storage.ClassAds) {
			return ErrAlreadyClaimed
		}
		w.ClaimedGrants = append(w.ClaimedGrants, ref)
		w.LastClaimAt = now
		if w.Cohort == "" && req.Cohort != "" {
			w.Cohort = req.Cohort
		}
		if req.ProviderID != "" && w.ProviderID == "" {
			w.ProviderID = req.ProviderID
		}
		// The cached balance no longer reflects the wallet.
		w.Balance = nil
		return nil
	})
	if err != nil {
		release()
		return storage.GrantDoc{}, err
	}

	e.log.Info("grant claimed",
		logging.Wallet(req.PaymentID),
		"promotion_id", promo.ID,
		"grant_id", doc.GrantID,
		"type", promo.Type,
		"cohort", req.Cohort,
		logging.MaskField("providerId", req.ProviderID))
	doc.ClaimedBy = req.PaymentID
	doc.ClaimedAt = now
	return doc, nil
}
