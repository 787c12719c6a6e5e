// Package storagetest holds the conformance suite every storage backend
// must pass. Backend test packages call Run with a factory that opens a
// fresh, empty store.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"grantledger/storage"
)

// Factory opens a fresh store for a single test.
type Factory func(t *testing.T) storage.Store

// Run executes the conformance suite against the backend.
func Run(t *testing.T, open Factory) {
	t.Run("PromotionLifecycle", func(t *testing.T) { testPromotionLifecycle(t, open(t)) })
	t.Run("GrantPool", func(t *testing.T) { testGrantPool(t, open(t)) })
	t.Run("GrantReserveRace", func(t *testing.T) { testGrantReserveRace(t, open(t)) })
	t.Run("WalletLifecycle", func(t *testing.T) { testWalletLifecycle(t, open(t)) })
	t.Run("WalletUpdateAtomicity", func(t *testing.T) { testWalletUpdateAtomicity(t, open(t)) })
	t.Run("WalletUpdateRollback", func(t *testing.T) { testWalletUpdateRollback(t, open(t)) })
}

func testPromotionLifecycle(t *testing.T, store storage.Store) {
	ctx := context.Background()

	promo := storage.PromotionDoc{
		ID:              "promo-1",
		Type:            "ugp",
		Active:          true,
		Priority:        1,
		ProtocolVersion: 4,
		Geo:             storage.GeoRule{Mode: storage.GeoAnywhere},
	}
	if _, err := store.CreatePromotion(ctx, promo); err != nil {
		t.Fatalf("create promotion: %v", err)
	}
	if _, err := store.CreatePromotion(ctx, promo); !errors.Is(err, storage.ErrPromotionExists) {
		t.Fatalf("expected ErrPromotionExists, got %v", err)
	}

	got, err := store.GetPromotion(ctx, "promo-1")
	if err != nil {
		t.Fatalf("get promotion: %v", err)
	}
	if got.Type != "ugp" || !got.Active {
		t.Fatalf("unexpected promotion %+v", got)
	}

	if err := store.SetPromotionActive(ctx, "promo-1", false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	got, err = store.GetPromotion(ctx, "promo-1")
	if err != nil {
		t.Fatalf("get promotion: %v", err)
	}
	if got.Active {
		t.Fatal("promotion should be inactive")
	}

	if _, err := store.GetPromotion(ctx, "missing"); !errors.Is(err, storage.ErrPromotionNotFound) {
		t.Fatalf("expected ErrPromotionNotFound, got %v", err)
	}

	if _, err := store.CreatePromotion(ctx, storage.PromotionDoc{ID: "promo-2", Type: "ads", Active: true}); err != nil {
		t.Fatalf("create second promotion: %v", err)
	}
	all, err := store.ListPromotions(ctx)
	if err != nil {
		t.Fatalf("list promotions: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 promotions, got %d", len(all))
	}
}

func testGrantPool(t *testing.T, store storage.Store) {
	ctx := context.Background()

	grants := []storage.GrantDoc{
		{GrantID: "grant-a", PromotionID: "promo-1", Probi: "1000000000000000000"},
		{GrantID: "grant-b", PromotionID: "promo-1", Probi: "1000000000000000000"},
	}
	if err := store.InsertGrants(ctx, grants); err != nil {
		t.Fatalf("insert grants: %v", err)
	}
	// Duplicate inserts are no-ops.
	if err := store.InsertGrants(ctx, grants); err != nil {
		t.Fatalf("reinsert grants: %v", err)
	}
	count, err := store.CountAvailable(ctx, "promo-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 available, got %d", count)
	}

	grant, err := store.ReserveGrant(ctx, "promo-1", "wallet-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if grant.ClaimedBy != "wallet-1" {
		t.Fatalf("grant not marked claimed: %+v", grant)
	}
	count, _ = store.CountAvailable(ctx, "promo-1")
	if count != 1 {
		t.Fatalf("expected 1 available after reserve, got %d", count)
	}

	if err := store.ReleaseGrant(ctx, grant.GrantID); err != nil {
		t.Fatalf("release: %v", err)
	}
	count, _ = store.CountAvailable(ctx, "promo-1")
	if count != 2 {
		t.Fatalf("expected 2 available after release, got %d", count)
	}

	if _, err := store.ReserveGrant(ctx, "promo-empty", "wallet-1"); !errors.Is(err, storage.ErrNoGrantsAvailable) {
		t.Fatalf("expected ErrNoGrantsAvailable, got %v", err)
	}
}

func testGrantReserveRace(t *testing.T, store storage.Store) {
	ctx := context.Background()

	if err := store.InsertGrants(ctx, []storage.GrantDoc{
		{GrantID: "grant-race", PromotionID: "promo-race", Probi: "1"},
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	successes := make(chan storage.GrantDoc, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			grant, err := store.ReserveGrant(ctx, "promo-race", walletName(n))
			if err == nil {
				successes <- grant
			}
		}(i)
	}
	wg.Wait()
	close(successes)

	var winners []storage.GrantDoc
	for grant := range successes {
		winners = append(winners, grant)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one successful reservation, got %d", len(winners))
	}
}

func testWalletLifecycle(t *testing.T, store storage.Store) {
	ctx := context.Background()

	if _, err := store.GetWallet(ctx, "w-1"); !errors.Is(err, storage.ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound, got %v", err)
	}
	wallet, err := store.EnsureWallet(ctx, "w-1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if wallet.PaymentID != "w-1" {
		t.Fatalf("unexpected wallet %+v", wallet)
	}
	// Ensure is idempotent.
	again, err := store.EnsureWallet(ctx, "w-1")
	if err != nil {
		t.Fatalf("re-ensure: %v", err)
	}
	if !again.CreatedAt.Equal(wallet.CreatedAt) {
		t.Fatal("ensure must not reset the wallet")
	}

	updated, err := store.UpdateWallet(ctx, "w-1", func(w *storage.WalletDoc) error {
		w.Nonce = "abc"
		w.NonceIssuedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Nonce != "abc" {
		t.Fatalf("nonce not persisted: %+v", updated)
	}
	got, _ := store.GetWallet(ctx, "w-1")
	if got.Nonce != "abc" {
		t.Fatal("update not visible to readers")
	}
}

func testWalletUpdateAtomicity(t *testing.T, store storage.Store) {
	ctx := context.Background()
	if _, err := store.EnsureWallet(ctx, "w-atomic"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpdateWallet(ctx, "w-atomic", func(w *storage.WalletDoc) error {
				w.ClaimedGrants = append(w.ClaimedGrants, storage.ClaimedGrantRef{
					GrantID: walletName(len(w.ClaimedGrants)),
				})
				return nil
			})
			if err != nil {
				t.Errorf("concurrent update: %v", err)
			}
		}()
	}
	wg.Wait()

	wallet, err := store.GetWallet(ctx, "w-atomic")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(wallet.ClaimedGrants) != workers {
		t.Fatalf("lost updates: expected %d entries, got %d", workers, len(wallet.ClaimedGrants))
	}
}

func testWalletUpdateRollback(t *testing.T, store storage.Store) {
	ctx := context.Background()
	if _, err := store.EnsureWallet(ctx, "w-rollback"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	boom := errors.New("mutate failed")
	if _, err := store.UpdateWallet(ctx, "w-rollback", func(w *storage.WalletDoc) error {
		w.Cohort = "should-not-stick"
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected mutate error, got %v", err)
	}
	wallet, _ := store.GetWallet(ctx, "w-rollback")
	if wallet.Cohort != "" {
		t.Fatal("failed mutate must not persist")
	}
}

func walletName(n int) string {
	return "wallet-" + string(rune('a'+n%26)) + "-worker"
}
