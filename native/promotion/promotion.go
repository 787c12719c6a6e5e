// Package promotion implements the promotion registry: campaign creation,
// deactivation, and the platform/protocol-scoped listing the eligibility
// resolver works from.
package promotion

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"grantledger/storage"
)

// Promotion types. The android type is a ugp-class promotion scoped to the
// android platform; the legacy admin surface accepts type=ugp with
// platform=android and stores it as android.
const (
	TypeUGP     = "ugp"
	TypeAds     = "ads"
	TypeAndroid = "android"
)

// Known client platforms. An empty platform on a promotion means every
// platform may see it.
const (
	PlatformAndroid = "android"
	PlatformDesktop = "desktop"
	PlatformIOS     = "ios"
)

var (
	ErrInvalidType     = errors.New("promotion: invalid type")
	ErrInvalidPlatform = errors.New("promotion: invalid platform")
	ErrInvalidGeoRule  = errors.New("promotion: invalid geo rule")
)

// Registry manages promotion campaigns on top of a PromotionStore.
type Registry struct {
	store storage.PromotionStore
	log   *slog.Logger
	nowFn func() time.Time
}

// NewRegistry constructs a registry.
func NewRegistry(store storage.PromotionStore, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{store: store, log: log, nowFn: time.Now}
}

// CreateParams describes an administratively created promotion.
type CreateParams struct {
	Type                      string
	Platform                  string
	Active                    bool
	Priority                  int
	ProtocolVersion           int
	MinimumReconcileTimestamp int64
	Geo                       storage.GeoRule
}

// Create validates and persists a new promotion. Everything but the active
// flag is immutable afterwards.
func (r *Registry) Create(ctx context.Context, params CreateParams) (storage.PromotionDoc, error) {
	typ := strings.TrimSpace(strings.ToLower(params.Type))
	platform := strings.TrimSpace(strings.ToLower(params.Platform))

	switch typ {
	case TypeUGP, TypeAds, TypeAndroid:
	default:
		return storage.PromotionDoc{}, ErrInvalidType
	}
	switch platform {
	case "", PlatformAndroid, PlatformDesktop, PlatformIOS:
	default:
		return storage.PromotionDoc{}, ErrInvalidPlatform
	}
	// Legacy admin clients post type=ugp with platform=android.
	if typ == TypeUGP && platform == PlatformAndroid {
		typ = TypeAndroid
	}

	geo := params.Geo
	switch geo.Mode {
	case "", storage.GeoAnywhere:
		geo = storage.GeoRule{Mode: storage.GeoAnywhere}
	case storage.GeoInclude, storage.GeoExclude:
		if len(geo.Countries) == 0 {
			return storage.PromotionDoc{}, ErrInvalidGeoRule
		}
		countries := make([]string, 0, len(geo.Countries))
		for _, code := range geo.Countries {
			code = strings.TrimSpace(strings.ToUpper(code))
			if code == "" {
				return storage.PromotionDoc{}, ErrInvalidGeoRule
			}
			countries = append(countries, code)
		}
		geo.Countries = countries
	default:
		return storage.PromotionDoc{}, ErrInvalidGeoRule
	}

	protocol := params.ProtocolVersion
	if protocol <= 0 {
		protocol = 4
	}

	promo := storage.PromotionDoc{
		ID:                        uuid.NewString(),
		Type:                      typ,
		Platform:                  platform,
		Active:                    params.Active,
		Priority:                  params.Priority,
		ProtocolVersion:           protocol,
		MinimumReconcileTimestamp: params.MinimumReconcileTimestamp,
		Geo:                       geo,
		CreatedAt:                 r.nowFn().UTC(),
	}
	created, err := r.store.CreatePromotion(ctx, promo)
	if err != nil {
		return storage.PromotionDoc{}, err
	}
	r.log.Info("promotion created",
		"promotion_id", created.ID,
		"type", created.Type,
		"platform", created.Platform,
		"active", created.Active)
	return created, nil
}

// Register persists an externally minted promotion record verbatim, keeping
// its id. Re-posting a known promotion is a no-op.
func (r *Registry) Register(ctx context.Context, promo storage.PromotionDoc) error {
	if promo.ID == "" {
		return ErrInvalidType
	}
	if promo.CreatedAt.IsZero() {
		promo.CreatedAt = r.nowFn().UTC()
	}
	_, err := r.store.CreatePromotion(ctx, promo)
	if errors.Is(err, storage.ErrPromotionExists) {
		return nil
	}
	return err
}

// Get returns a promotion by id.
func (r *Registry) Get(ctx context.Context, id string) (storage.PromotionDoc, error) {
	return r.store.GetPromotion(ctx, id)
}

// SetActive flips the only mutable field.
func (r *Registry) SetActive(ctx context.Context, id string, active bool) error {
	if err := r.store.SetPromotionActive(ctx, id, active); err != nil {
		return err
	}
	r.log.Info("promotion state changed", "promotion_id", id, "active", active)
	return nil
}

// ListActive returns the active promotions visible to the given platform
// and protocol version, ordered by ascending priority with creation order
// breaking ties.
func (r *Registry) ListActive(ctx context.Context, platform string, protocolVersion int) ([]storage.PromotionDoc, error) {
	all, err := r.store.ListPromotions(ctx)
	if err != nil {
		return nil, err
	}
	platform = strings.TrimSpace(strings.ToLower(platform))

	visible := make([]storage.PromotionDoc, 0, len(all))
	for _, promo := range all {
		if !promo.Active {
			continue
		}
		if !VisibleToPlatform(promo, platform) {
			continue
		}
		if promo.ProtocolVersion > protocolVersion {
			continue
		}
		visible = append(visible, promo)
	}
	sort.SliceStable(visible, func(i, j int) bool {
		if visible[i].Priority != visible[j].Priority {
			return visible[i].Priority < visible[j].Priority
		}
		return visible[i].CreatedAt.Before(visible[j].CreatedAt)
	})
	return visible, nil
}

// VisibleToPlatform reports whether the promotion may be shown to the
// requesting platform. Promotions without a platform are global.
func VisibleToPlatform(promo storage.PromotionDoc, platform string) bool {
	if promo.Platform == "" {
		return true
	}
	return promo.Platform == platform
}

// ReconcileElapsed reports whether the promotion's minimum reconcile
// timestamp has passed; grants are not payable before it.
func ReconcileElapsed(promo storage.PromotionDoc, now time.Time) bool {
	if promo.MinimumReconcileTimestamp <= 0 {
		return true
	}
	return now.UnixMilli() >= promo.MinimumReconcileTimestamp
}

// GeoAllows evaluates the promotion's own geo rule for a country code. An
// unknown country passes anywhere/exclude rules but fails include rules.
func GeoAllows(promo storage.PromotionDoc, country string) bool {
	country = strings.TrimSpace(strings.ToUpper(country))
	switch promo.Geo.Mode {
	case storage.GeoInclude:
		for _, code := range promo.Geo.Countries {
			if code == country {
				return true
			}
		}
		return false
	case storage.GeoExclude:
		for _, code := range promo.Geo.Countries {
			if code == country {
				return false
			}
		}
		return true
	default:
		return true
	}
}
