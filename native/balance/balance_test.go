package balance

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"

	"grantledger/native/grant"
	"grantledger/storage"
	"grantledger/storage/memstore"
)

type stubSettlement struct {
	settlement Settlement
	expected   *big.Int
	err        error
	calls      int
}

func (s *stubSettlement) Settle(ctx context.Context, paymentID string, expected *big.Int) (Settlement, error) {
	s.expected = expected
	s.calls++
	return s.settlement, s.err
}

func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), grant.ProbiPerToken())
}

func seedWallet(t *testing.T, store *memstore.Store, paymentID string, refs ...storage.ClaimedGrantRef) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.EnsureWallet(ctx, paymentID); err != nil {
		t.Fatalf("ensure wallet: %v", err)
	}
	if _, err := store.UpdateWallet(ctx, paymentID, func(w *storage.WalletDoc) error {
		w.ClaimedGrants = append(w.ClaimedGrants, refs...)
		return nil
	}); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
}

func ref(probi *big.Int) storage.ClaimedGrantRef {
	return storage.ClaimedGrantRef{
		GrantID:     uuid.NewString(),
		PromotionID: uuid.NewString(),
		Type:        "ugp",
		Altcurrency: "BAT",
		Probi:       probi.String(),
		ExpiryTime:  time.Now().Add(24 * time.Hour).Unix(),
		ClaimedAt:   time.Now(),
	}
}

func TestGetBalanceSumsMaturedGrants(t *testing.T) {
	store := memstore.New()
	ledger := NewLedger(store, nil, 0, nil)
	ctx := context.Background()

	seedWallet(t, store, "wallet-1", ref(tokens(15)))
	snap, err := ledger.GetBalance(ctx, "wallet-1", Options{})
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if snap.Balance != "15.0000" {
		t.Fatalf("balance %q, want 15.0000", snap.Balance)
	}
	if snap.Probi != tokens(15).String() {
		t.Fatalf("probi %q", snap.Probi)
	}
	if len(snap.Grants) != 1 {
		t.Fatalf("expected 1 listed grant, got %d", len(snap.Grants))
	}
	if snap.Cached {
		t.Fatal("first read should not be cached")
	}
}

func TestGetBalanceUnknownWallet(t *testing.T) {
	ledger := NewLedger(memstore.New(), nil, 0, nil)
	if _, err := ledger.GetBalance(context.Background(), "missing", Options{}); !errors.Is(err, storage.ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound, got %v", err)
	}
}

func TestGetBalanceExcludesImmatureAndExpired(t *testing.T) {
	store := memstore.New()
	ledger := NewLedger(store, nil, 0, nil)
	ctx := context.Background()

	matured := ref(tokens(10))
	immature := ref(tokens(5))
	immature.MaturityTime = time.Now().Add(time.Hour).Unix()
	expired := ref(tokens(7))
	expired.ExpiryTime = time.Now().Add(-time.Hour).Unix()
	seedWallet(t, store, "wallet-1", matured, immature, expired)

	snap, err := ledger.GetBalance(ctx, "wallet-1", Options{})
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	// Immature grants list but do not count; expired grants do neither.
	if snap.Balance != "10.0000" {
		t.Fatalf("balance %q, want 10.0000", snap.Balance)
	}
	if len(snap.Grants) != 2 {
		t.Fatalf("expected 2 listed grants, got %d", len(snap.Grants))
	}
}

func TestGetBalanceMergesCardBalance(t *testing.T) {
	store := memstore.New()
	settle := &stubSettlement{settlement: Settlement{CardBalance: tokens(3)}}
	ledger := NewLedger(store, settle, 0, nil)
	ctx := context.Background()

	seedWallet(t, store, "wallet-1", ref(tokens(15)))
	snap, err := ledger.GetBalance(ctx, "wallet-1", Options{})
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if snap.Balance != "18.0000" {
		t.Fatalf("balance %q, want 18.0000", snap.Balance)
	}
	if snap.CardBalance != "3.0000" {
		t.Fatalf("card balance %q, want 3.0000", snap.CardBalance)
	}
}

func TestGetBalanceSettlementPending(t *testing.T) {
	store := memstore.New()
	settle := &stubSettlement{settlement: Settlement{Pending: true, RetryAfter: 30 * time.Second}}
	ledger := NewLedger(store, settle, 0, nil)
	ctx := context.Background()

	seedWallet(t, store, "wallet-1", ref(tokens(15)))
	_, err := ledger.GetBalance(ctx, "wallet-1", Options{})
	var pending *PendingError
	if !errors.As(err, &pending) {
		t.Fatalf("expected PendingError, got %v", err)
	}
	if pending.RetryAfter != 30*time.Second {
		t.Fatalf("retry after %s", pending.RetryAfter)
	}
	// Nothing should have been cached for the failed refresh.
	w, _ := store.GetWallet(ctx, "wallet-1")
	if w.Balance != nil {
		t.Fatal("pending settlement must not populate the cache")
	}
}

func TestGetBalanceMarksRedeemedGrants(t *testing.T) {
	store := memstore.New()
	redeemedRef := ref(tokens(15))
	keptRef := ref(tokens(5))
	settle := &stubSettlement{settlement: Settlement{
		CardBalance:      tokens(15),
		RedeemedGrantIDs: []string{redeemedRef.GrantID},
	}}
	ledger := NewLedger(store, settle, 0, nil)
	ctx := context.Background()

	seedWallet(t, store, "wallet-1", redeemedRef, keptRef)
	snap, err := ledger.GetBalance(ctx, "wallet-1", Options{})
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	// The redeemed grant's value now lives in the card balance and the
	// grant itself disappears from the listing.
	if snap.Balance != "20.0000" {
		t.Fatalf("balance %q, want 20.0000", snap.Balance)
	}
	if len(snap.Grants) != 1 || snap.Grants[0].GrantID != keptRef.GrantID {
		t.Fatal("redeemed grant should not be listed")
	}
	w, _ := store.GetWallet(ctx, "wallet-1")
	if !w.ClaimedGrants[0].Redeemed {
		t.Fatal("redeemed flag should persist on the wallet")
	}
}

func TestGetBalanceCaching(t *testing.T) {
	store := memstore.New()
	settle := &stubSettlement{settlement: Settlement{CardBalance: tokens(1)}}
	ledger := NewLedger(store, settle, time.Hour, nil)
	ctx := context.Background()

	seedWallet(t, store, "wallet-1", ref(tokens(2)))
	if _, err := ledger.GetBalance(ctx, "wallet-1", Options{}); err != nil {
		t.Fatalf("get balance: %v", err)
	}
	snap, err := ledger.GetBalance(ctx, "wallet-1", Options{})
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if !snap.Cached {
		t.Fatal("second read should come from cache")
	}
	if settle.calls != 1 {
		t.Fatalf("settlement should be fetched once, got %d", settle.calls)
	}

	// refresh=true forces recomputation.
	snap, err = ledger.GetBalance(ctx, "wallet-1", Options{Refresh: true})
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if snap.Cached || settle.calls != 2 {
		t.Fatalf("refresh should bypass the cache, calls=%d", settle.calls)
	}

	// Invalidate drops the cache.
	if err := ledger.Invalidate(ctx, "wallet-1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, err := ledger.GetBalance(ctx, "wallet-1", Options{}); err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if settle.calls != 3 {
		t.Fatalf("invalidated cache should recompute, calls=%d", settle.calls)
	}
}

func TestGetBalanceCacheExpiry(t *testing.T) {
	store := memstore.New()
	settle := &stubSettlement{}
	ledger := NewLedger(store, settle, time.Minute, nil)
	ctx := context.Background()

	seedWallet(t, store, "wallet-1", ref(tokens(2)))

	base := time.Now()
	ledger.nowFn = func() time.Time { return base }
	if _, err := ledger.GetBalance(ctx, "wallet-1", Options{}); err != nil {
		t.Fatalf("get balance: %v", err)
	}
	ledger.nowFn = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := ledger.GetBalance(ctx, "wallet-1", Options{}); err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if settle.calls != 2 {
		t.Fatalf("aged cache should recompute, calls=%d", settle.calls)
	}
}

func TestGetBalanceForwardsExpectedProbi(t *testing.T) {
	store := memstore.New()
	settle := &stubSettlement{}
	ledger := NewLedger(store, settle, 0, nil)
	ctx := context.Background()

	seedWallet(t, store, "wallet-1", ref(tokens(15)))
	want := tokens(15)
	if _, err := ledger.GetBalance(ctx, "wallet-1", Options{ExpectedProbi: want}); err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if settle.expected == nil || settle.expected.Cmp(want) != 0 {
		t.Fatalf("expected probi not forwarded, got %v", settle.expected)
	}
}
