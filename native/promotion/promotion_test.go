package promotion

import (
	"context"
	"errors"
	"testing"
	"time"

	"grantledger/storage"
	"grantledger/storage/memstore"
)

func newTestRegistry(t *testing.T) (*Registry, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	return NewRegistry(store, nil), store
}

func TestCreateValidation(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Create(ctx, CreateParams{Type: "bonus"}); !errors.Is(err, ErrInvalidType) {
		t.Fatalf("expected ErrInvalidType, got %v", err)
	}
	if _, err := reg.Create(ctx, CreateParams{Type: TypeUGP, Platform: "windows"}); !errors.Is(err, ErrInvalidPlatform) {
		t.Fatalf("expected ErrInvalidPlatform, got %v", err)
	}
	if _, err := reg.Create(ctx, CreateParams{Type: TypeUGP, Geo: storage.GeoRule{Mode: storage.GeoInclude}}); !errors.Is(err, ErrInvalidGeoRule) {
		t.Fatalf("expected ErrInvalidGeoRule for empty include list, got %v", err)
	}

	promo, err := reg.Create(ctx, CreateParams{Type: TypeUGP, Active: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if promo.ID == "" {
		t.Fatal("expected generated promotion id")
	}
	if promo.ProtocolVersion != 4 {
		t.Fatalf("expected default protocol version 4, got %d", promo.ProtocolVersion)
	}
}

func TestCreateAndroidAlias(t *testing.T) {
	reg, _ := newTestRegistry(t)

	promo, err := reg.Create(context.Background(), CreateParams{Type: TypeUGP, Platform: PlatformAndroid, Active: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if promo.Type != TypeAndroid {
		t.Fatalf("expected ugp+android to store as android, got %q", promo.Type)
	}
	if storage.GrantClass(promo.Type) != "ugp" {
		t.Fatalf("android promotions must remain ugp class, got %q", storage.GrantClass(promo.Type))
	}
}

func TestRegisterIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	doc := storage.PromotionDoc{ID: "promo-1", Type: TypeUGP, Active: true, ProtocolVersion: 4}
	if err := reg.Register(ctx, doc); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(ctx, doc); err != nil {
		t.Fatalf("re-register should be a no-op, got %v", err)
	}
	if _, err := reg.Get(ctx, "promo-1"); err != nil {
		t.Fatalf("get: %v", err)
	}
}

func TestSetActive(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	promo, err := reg.Create(ctx, CreateParams{Type: TypeAds, Active: false})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	listed, err := reg.ListActive(ctx, PlatformDesktop, 4)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("inactive promotion should not list, got %d", len(listed))
	}

	if err := reg.SetActive(ctx, promo.ID, true); err != nil {
		t.Fatalf("set active: %v", err)
	}
	listed, err = reg.ListActive(ctx, PlatformDesktop, 4)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected 1 active promotion, got %d", len(listed))
	}

	if err := reg.SetActive(ctx, "missing", true); !errors.Is(err, storage.ErrPromotionNotFound) {
		t.Fatalf("expected ErrPromotionNotFound, got %v", err)
	}
}

func TestListActiveFiltering(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	seq := 0
	reg.nowFn = func() time.Time {
		seq++
		return base.Add(time.Duration(seq) * time.Second)
	}

	global, _ := reg.Create(ctx, CreateParams{Type: TypeUGP, Active: true, Priority: 2})
	android, _ := reg.Create(ctx, CreateParams{Type: TypeUGP, Platform: PlatformAndroid, Active: true, Priority: 1})
	ads, _ := reg.Create(ctx, CreateParams{Type: TypeAds, Active: true, Priority: 1})
	if _, err := reg.Create(ctx, CreateParams{Type: TypeUGP, Active: true, ProtocolVersion: 9}); err != nil {
		t.Fatalf("create: %v", err)
	}

	desktop, err := reg.ListActive(ctx, PlatformDesktop, 4)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(desktop) != 2 {
		t.Fatalf("expected 2 desktop promotions, got %d", len(desktop))
	}
	// Priority 1 before priority 2; the android-scoped one is filtered out.
	if desktop[0].ID != ads.ID || desktop[1].ID != global.ID {
		t.Fatalf("unexpected ordering: %s, %s", desktop[0].ID, desktop[1].ID)
	}

	droid, err := reg.ListActive(ctx, PlatformAndroid, 4)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(droid) != 3 {
		t.Fatalf("expected 3 android promotions, got %d", len(droid))
	}
	if droid[0].ID != android.ID {
		t.Fatalf("expected android-scoped promotion first at equal priority, got %s", droid[0].ID)
	}

	// Protocol gate: a v9 client sees the v9 promotion too.
	wide, err := reg.ListActive(ctx, PlatformDesktop, 9)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(wide) != 3 {
		t.Fatalf("expected 3 promotions for protocol 9, got %d", len(wide))
	}
}

func TestGeoAllows(t *testing.T) {
	include := storage.PromotionDoc{Geo: storage.GeoRule{Mode: storage.GeoInclude, Countries: []string{"US", "CA"}}}
	exclude := storage.PromotionDoc{Geo: storage.GeoRule{Mode: storage.GeoExclude, Countries: []string{"US"}}}
	anywhere := storage.PromotionDoc{}

	if !GeoAllows(include, "us") {
		t.Fatal("include rule should match case-insensitively")
	}
	if GeoAllows(include, "JP") {
		t.Fatal("include rule should reject unlisted country")
	}
	if GeoAllows(include, "") {
		t.Fatal("include rule should reject unknown country")
	}
	if GeoAllows(exclude, "US") {
		t.Fatal("exclude rule should reject listed country")
	}
	if !GeoAllows(exclude, "") {
		t.Fatal("exclude rule should pass unknown country")
	}
	if !GeoAllows(anywhere, "ZZ") {
		t.Fatal("anywhere rule should pass any country")
	}
}

func TestReconcileElapsed(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	pending := storage.PromotionDoc{MinimumReconcileTimestamp: now.Add(time.Hour).UnixMilli()}
	open := storage.PromotionDoc{MinimumReconcileTimestamp: now.Add(-time.Hour).UnixMilli()}

	if ReconcileElapsed(pending, now) {
		t.Fatal("future reconcile timestamp should not have elapsed")
	}
	if !ReconcileElapsed(open, now) {
		t.Fatal("past reconcile timestamp should have elapsed")
	}
	if !ReconcileElapsed(storage.PromotionDoc{}, now) {
		t.Fatal("zero reconcile timestamp should always be elapsed")
	}
}
