// Package eligibility decides which promotions a given wallet, platform,
// and region may currently see and claim.
package eligibility

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"grantledger/native/promotion"
	"grantledger/storage"
)

// ErrNoneAvailable is returned when no promotion survives filtering.
var ErrNoneAvailable = errors.New("eligibility: no promotions available")

// Config tunes resolution policy.
type Config struct {
	// AdsCountries lists regions where the ads program runs. UGP-class
	// promotions are withheld there; ads promotions are visible anywhere.
	AdsCountries []string
	// ClaimCooldown is the minimum gap between successive claims by the
	// same wallet. Zero disables the cooldown.
	ClaimCooldown time.Duration
}

// Params scopes a discovery request.
type Params struct {
	// PaymentID is optional; without it resolution is anonymous and
	// wallet history is not consulted.
	PaymentID       string
	Platform        string
	ProtocolVersion int
	// Country is the ISO 3166-1 alpha-2 code from the edge, possibly
	// empty when geolocation failed.
	Country        string
	BypassCooldown bool
	// SkipChallenge suppresses the attestation challenge DiscoverOne
	// normally refreshes on the wallet.
	SkipChallenge bool
}

// ChallengeIssuer refreshes a wallet's attestation challenge. Satisfied by
// attestation.Issuer.
type ChallengeIssuer interface {
	IssueNonce(ctx context.Context, paymentID string) (string, error)
}

// Resolver filters the active promotion set down to what a request may
// actually claim.
type Resolver struct {
	registry   *promotion.Registry
	grants     storage.GrantStore
	wallets    storage.WalletStore
	challenges ChallengeIssuer
	cfg        Config
	log        *slog.Logger
	nowFn      func() time.Time
}

// NewResolver constructs a resolver. challenges may be nil, disabling the
// challenge side effect of DiscoverOne.
func NewResolver(registry *promotion.Registry, grants storage.GrantStore, wallets storage.WalletStore, challenges ChallengeIssuer, cfg Config, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	normalized := make([]string, 0, len(cfg.AdsCountries))
	for _, code := range cfg.AdsCountries {
		normalized = append(normalized, strings.TrimSpace(strings.ToUpper(code)))
	}
	cfg.AdsCountries = normalized
	return &Resolver{
		registry:   registry,
		grants:     grants,
		wallets:    wallets,
		challenges: challenges,
		cfg:        cfg,
		log:        log,
		nowFn:      time.Now,
	}
}

// AdsRegion reports whether the ads program runs in the given country.
func (r *Resolver) AdsRegion(country string) bool {
	country = strings.TrimSpace(strings.ToUpper(country))
	for _, code := range r.cfg.AdsCountries {
		if code == country {
			return true
		}
	}
	return false
}

// Discover returns the promotions the request may claim, ads class first,
// then ascending priority. The empty result is reported as
// ErrNoneAvailable.
func (r *Resolver) Discover(ctx context.Context, params Params) ([]storage.PromotionDoc, error) {
	active, err := r.registry.ListActive(ctx, params.Platform, params.ProtocolVersion)
	if err != nil {
		return nil, err
	}

	var wallet *storage.WalletDoc
	if params.PaymentID != "" {
		w, err := r.wallets.GetWallet(ctx, params.PaymentID)
		switch {
		case err == nil:
			wallet = &w
		case errors.Is(err, storage.ErrWalletNotFound):
			// Unknown wallets have no history to hold against them.
		default:
			return nil, err
		}
	}

	if wallet != nil && !params.BypassCooldown && r.cfg.ClaimCooldown > 0 && !wallet.LastClaimAt.IsZero() {
		if r.nowFn().Sub(wallet.LastClaimAt) < r.cfg.ClaimCooldown {
			return nil, ErrNoneAvailable
		}
	}

	now := r.nowFn().UTC()
	adsRegion := r.AdsRegion(params.Country)
	eligible := make([]storage.PromotionDoc, 0, len(active))
	for _, promo := range active {
		if !promotion.ReconcileElapsed(promo, now) {
			continue
		}
		class := storage.GrantClass(promo.Type)
		if class == storage.ClassUGP && adsRegion {
			continue
		}
		if !promotion.GeoAllows(promo, params.Country) {
			continue
		}
		if wallet != nil {
			if wallet.HasClaimedPromotion(promo.ID) {
				continue
			}
			if class == storage.ClassAds && wallet.HasClaimedClass(storage.ClassAds) {
				continue
			}
		}
		n, err := r.grants.CountAvailable(ctx, promo.ID)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}
		eligible = append(eligible, promo)
	}
	if len(eligible) == 0 {
		return nil, ErrNoneAvailable
	}

	// Ads promotions outrank ugp regardless of configured priority.
	sort.SliceStable(eligible, func(i, j int) bool {
		ci := storage.GrantClass(eligible[i].Type)
		cj := storage.GrantClass(eligible[j].Type)
		if ci != cj {
			return ci == storage.ClassAds
		}
		return false
	})
	return eligible, nil
}

// DiscoverOne returns the single highest-ranked promotion for the
// request. A successful resolution refreshes the wallet's attestation
// nonce so the client can proceed straight to the claim, unless
// params.SkipChallenge is set.
func (r *Resolver) DiscoverOne(ctx context.Context, params Params) (storage.PromotionDoc, error) {
	eligible, err := r.Discover(ctx, params)
	if err != nil {
		return storage.PromotionDoc{}, err
	}
	if r.challenges != nil && params.PaymentID != "" && !params.SkipChallenge {
		if _, err := r.challenges.IssueNonce(ctx, params.PaymentID); err != nil {
			return storage.PromotionDoc{}, err
		}
	}
	return eligible[0], nil
}
