// Package memstore provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended for
// tests and local development.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"grantledger/storage"
)

// Store holds every document under a single lock. Wallet read-modify-writes
// run while the lock is held, which gives the per-wallet atomicity the
// claim engine relies on.
type Store struct {
	mu         sync.RWMutex
	promotions map[string]storage.PromotionDoc
	grants     map[string]storage.GrantDoc
	wallets    map[string]storage.WalletDoc
	nowFn      func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		promotions: make(map[string]storage.PromotionDoc),
		grants:     make(map[string]storage.GrantDoc),
		wallets:    make(map[string]storage.WalletDoc),
		nowFn:      time.Now,
	}
}

// PromotionStore implementation -----------------------------------------------

func (s *Store) CreatePromotion(_ context.Context, promo storage.PromotionDoc) (storage.PromotionDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.promotions[promo.ID]; exists {
		return storage.PromotionDoc{}, storage.ErrPromotionExists
	}
	if promo.CreatedAt.IsZero() {
		promo.CreatedAt = s.nowFn().UTC()
	}
	promo.Geo.Countries = append([]string(nil), promo.Geo.Countries...)
	s.promotions[promo.ID] = promo
	return clonePromotion(promo), nil
}

func (s *Store) GetPromotion(_ context.Context, id string) (storage.PromotionDoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	promo, ok := s.promotions[id]
	if !ok {
		return storage.PromotionDoc{}, storage.ErrPromotionNotFound
	}
	return clonePromotion(promo), nil
}

func (s *Store) SetPromotionActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	promo, ok := s.promotions[id]
	if !ok {
		return storage.ErrPromotionNotFound
	}
	promo.Active = active
	s.promotions[id] = promo
	return nil
}

func (s *Store) ListPromotions(_ context.Context) ([]storage.PromotionDoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]storage.PromotionDoc, 0, len(s.promotions))
	for _, promo := range s.promotions {
		result = append(result, clonePromotion(promo))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// GrantStore implementation ---------------------------------------------------

func (s *Store) InsertGrants(_ context.Context, grants []storage.GrantDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, grant := range grants {
		if _, exists := s.grants[grant.GrantID]; exists {
			continue
		}
		s.grants[grant.GrantID] = grant
	}
	return nil
}

func (s *Store) CountAvailable(_ context.Context, promotionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, grant := range s.grants {
		if grant.PromotionID == promotionID && grant.ClaimedBy == "" {
			count++
		}
	}
	return count, nil
}

func (s *Store) ReserveGrant(_ context.Context, promotionID, paymentID string) (storage.GrantDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Deterministic pick: lowest grant id first.
	var ids []string
	for id, grant := range s.grants {
		if grant.PromotionID == promotionID && grant.ClaimedBy == "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return storage.GrantDoc{}, storage.ErrNoGrantsAvailable
	}
	sort.Strings(ids)
	grant := s.grants[ids[0]]
	grant.ClaimedBy = paymentID
	grant.ClaimedAt = s.nowFn().UTC()
	s.grants[grant.GrantID] = grant
	return grant, nil
}

func (s *Store) ReleaseGrant(_ context.Context, grantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	grant, ok := s.grants[grantID]
	if !ok {
		return storage.ErrGrantNotFound
	}
	grant.ClaimedBy = ""
	grant.ClaimedAt = time.Time{}
	s.grants[grantID] = grant
	return nil
}

// WalletStore implementation --------------------------------------------------

func (s *Store) EnsureWallet(_ context.Context, paymentID string) (storage.WalletDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wallet, ok := s.wallets[paymentID]
	if !ok {
		wallet = storage.WalletDoc{PaymentID: paymentID, CreatedAt: s.nowFn().UTC()}
		s.wallets[paymentID] = wallet
	}
	return cloneWallet(wallet), nil
}

func (s *Store) GetWallet(_ context.Context, paymentID string) (storage.WalletDoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wallet, ok := s.wallets[paymentID]
	if !ok {
		return storage.WalletDoc{}, storage.ErrWalletNotFound
	}
	return cloneWallet(wallet), nil
}

func (s *Store) UpdateWallet(_ context.Context, paymentID string, mutate func(*storage.WalletDoc) error) (storage.WalletDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wallet, ok := s.wallets[paymentID]
	if !ok {
		return storage.WalletDoc{}, storage.ErrWalletNotFound
	}
	working := cloneWallet(wallet)
	if err := mutate(&working); err != nil {
		return storage.WalletDoc{}, err
	}
	working.PaymentID = paymentID
	working.CreatedAt = wallet.CreatedAt
	s.wallets[paymentID] = working
	return cloneWallet(working), nil
}

// Helpers --------------------------------------------------------------------

func clonePromotion(promo storage.PromotionDoc) storage.PromotionDoc {
	promo.Geo.Countries = append([]string(nil), promo.Geo.Countries...)
	return promo
}

func cloneWallet(wallet storage.WalletDoc) storage.WalletDoc {
	wallet.ClaimedGrants = append([]storage.ClaimedGrantRef(nil), wallet.ClaimedGrants...)
	if wallet.Captcha != nil {
		captcha := *wallet.Captcha
		wallet.Captcha = &captcha
	}
	if wallet.Balance != nil {
		cache := *wallet.Balance
		cache.Grants = append([]storage.ClaimedGrantRef(nil), cache.Grants...)
		wallet.Balance = &cache
	}
	return wallet
}
