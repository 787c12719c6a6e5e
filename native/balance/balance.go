// Package balance computes and caches wallet balances: the upstream card
// balance from the settlement provider merged with the probi of attached,
// matured grants.
package balance

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"grantledger/native/grant"
	"grantledger/storage"
)

// Settlement is the provider's view of a wallet at refresh time.
type Settlement struct {
	// Pending means redeemed value is still moving and the balance cannot
	// be computed yet; RetryAfter tells the client when to poll again.
	Pending    bool
	RetryAfter time.Duration
	// CardBalance is the provider-held probi.
	CardBalance *big.Int
	// RedeemedGrantIDs lists attached grants whose value settlement has
	// absorbed; they stop counting and stop being listed.
	RedeemedGrantIDs []string
}

// SettlementClient fetches settlement state from the upstream provider.
// expected carries the probi total the client is waiting to see, nil when
// the caller has no expectation.
type SettlementClient interface {
	Settle(ctx context.Context, paymentID string, expected *big.Int) (Settlement, error)
}

// PendingError signals that settlement is still in flight.
type PendingError struct {
	RetryAfter time.Duration
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("balance: settlement pending, retry after %s", e.RetryAfter)
}

// Snapshot is a computed wallet balance.
type Snapshot struct {
	// Balance and CardBalance are token amounts with four fractional
	// digits; Probi carries the exact integer total.
	Balance     string
	CardBalance string
	Probi       string
	// Grants lists the attached, unredeemed, unexpired grants.
	Grants     []storage.ClaimedGrantRef
	ComputedAt time.Time
	// Cached reports whether the snapshot was served from cache.
	Cached bool
}

// Ledger serves wallet balances with a per-wallet cache.
type Ledger struct {
	wallets    storage.WalletStore
	settlement SettlementClient
	cacheTTL   time.Duration
	log        *slog.Logger
	nowFn      func() time.Time
}

// NewLedger constructs a ledger. settlement may be nil, in which case the
// card balance is always zero; cacheTTL of zero caches forever until
// invalidated.
func NewLedger(wallets storage.WalletStore, settlement SettlementClient, cacheTTL time.Duration, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{
		wallets:    wallets,
		settlement: settlement,
		cacheTTL:   cacheTTL,
		log:        log,
		nowFn:      time.Now,
	}
}

// Options scopes a balance read.
type Options struct {
	// Refresh bypasses the cache.
	Refresh bool
	// ExpectedProbi is the total the client is polling for, forwarded to
	// the settlement provider. Optional.
	ExpectedProbi *big.Int
}

// GetBalance returns the wallet's balance, recomputing when opts.Refresh
// is set, the cache is missing, or the cache has aged out. A
// *PendingError is returned while settlement is in flight.
func (l *Ledger) GetBalance(ctx context.Context, paymentID string, opts Options) (Snapshot, error) {
	w, err := l.wallets.GetWallet(ctx, paymentID)
	if err != nil {
		return Snapshot{}, err
	}
	now := l.nowFn().UTC()
	if !opts.Refresh && w.Balance != nil {
		if l.cacheTTL <= 0 || now.Sub(w.Balance.ComputedAt) <= l.cacheTTL {
			return snapshotFromCache(w.Balance), nil
		}
	}

	var settled Settlement
	if l.settlement != nil {
		settled, err = l.settlement.Settle(ctx, paymentID, opts.ExpectedProbi)
		if err != nil {
			return Snapshot{}, fmt.Errorf("balance: settlement fetch: %w", err)
		}
		if settled.Pending {
			return Snapshot{}, &PendingError{RetryAfter: settled.RetryAfter}
		}
	}

	redeemed := make(map[string]bool, len(settled.RedeemedGrantIDs))
	for _, id := range settled.RedeemedGrantIDs {
		redeemed[id] = true
	}

	var cache *storage.BalanceCache
	_, err = l.wallets.UpdateWallet(ctx, paymentID, func(w *storage.WalletDoc) error {
		for i := range w.ClaimedGrants {
			if redeemed[w.ClaimedGrants[i].GrantID] {
				w.ClaimedGrants[i].Redeemed = true
			}
		}
		c, err := computeCache(w, settled.CardBalance, now)
		if err != nil {
			return err
		}
		w.Balance = c
		cache = c
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	l.log.Debug("balance refreshed", "payment_id", paymentID, "balance", cache.Balance)
	snap := snapshotFromCache(cache)
	snap.Cached = false
	return snap, nil
}

// Invalidate drops the wallet's cached balance so the next read
// recomputes it.
func (l *Ledger) Invalidate(ctx context.Context, paymentID string) error {
	_, err := l.wallets.UpdateWallet(ctx, paymentID, func(w *storage.WalletDoc) error {
		w.Balance = nil
		return nil
	})
	return err
}

func computeCache(w *storage.WalletDoc, cardBalance *big.Int, now time.Time) (*storage.BalanceCache, error) {
	total := new(big.Int)
	card := new(big.Int)
	if cardBalance != nil {
		card.Set(cardBalance)
		total.Set(cardBalance)
	}

	var listed []storage.ClaimedGrantRef
	for _, ref := range w.ClaimedGrants {
		if ref.Redeemed {
			continue
		}
		if ref.ExpiryTime > 0 && now.Unix() >= ref.ExpiryTime {
			continue
		}
		listed = append(listed, ref)
		if ref.MaturityTime > 0 && now.Unix() < ref.MaturityTime {
			continue
		}
		probi, err := grant.ParseProbi(ref.Probi)
		if err != nil {
			return nil, fmt.Errorf("balance: corrupt grant %s: %w", ref.GrantID, err)
		}
		total.Add(total, probi)
	}

	return &storage.BalanceCache{
		Balance:     grant.FormatBalance(total),
		CardBalance: grant.FormatBalance(card),
		Probi:       total.String(),
		Grants:      listed,
		ComputedAt:  now,
	}, nil
}

func snapshotFromCache(c *storage.BalanceCache) Snapshot {
	return Snapshot{
		Balance:     c.Balance,
		CardBalance: c.CardBalance,
		Probi:       c.Probi,
		Grants:      append([]storage.ClaimedGrantRef(nil), c.Grants...),
		ComputedAt:  c.ComputedAt,
		Cached:      true,
	}
}
