// Package storage defines the persistence contracts for the grant ledger.
// Stores treat every record as an opaque keyed document; the interfaces are
// deliberately narrow so that the in-memory, bbolt, and gorm backends stay
// interchangeable.
package storage

import (
	"context"
	"errors"
)

var (
	ErrPromotionNotFound = errors.New("storage: promotion not found")
	ErrPromotionExists   = errors.New("storage: promotion already exists")
	ErrWalletNotFound    = errors.New("storage: wallet not found")
	ErrGrantNotFound     = errors.New("storage: grant not found")
	ErrNoGrantsAvailable = errors.New("storage: no grants available for promotion")
	ErrConflict          = errors.New("storage: concurrent update conflict")
)

// PromotionStore persists promotion campaigns.
type PromotionStore interface {
	CreatePromotion(ctx context.Context, promo PromotionDoc) (PromotionDoc, error)
	GetPromotion(ctx context.Context, id string) (PromotionDoc, error)
	SetPromotionActive(ctx context.Context, id string, active bool) error
	ListPromotions(ctx context.Context) ([]PromotionDoc, error)
}

// GrantStore persists the pool of minted grants. ReserveGrant atomically
// hands one unclaimed grant of the promotion to the wallet; a grant id can
// be reserved at most once across all wallets.
type GrantStore interface {
	InsertGrants(ctx context.Context, grants []GrantDoc) error
	CountAvailable(ctx context.Context, promotionID string) (int, error)
	ReserveGrant(ctx context.Context, promotionID, paymentID string) (GrantDoc, error)
	ReleaseGrant(ctx context.Context, grantID string) error
}

// WalletStore persists per-wallet claim state. UpdateWallet applies mutate
// as an atomic read-modify-write: concurrent updates to the same wallet
// serialize, updates to different wallets proceed in parallel. If mutate
// returns an error the wallet is left untouched and the error is returned.
type WalletStore interface {
	EnsureWallet(ctx context.Context, paymentID string) (WalletDoc, error)
	GetWallet(ctx context.Context, paymentID string) (WalletDoc, error)
	UpdateWallet(ctx context.Context, paymentID string, mutate func(*WalletDoc) error) (WalletDoc, error)
}

// Store aggregates the three stores; every backend implements all of them.
type Store interface {
	PromotionStore
	GrantStore
	WalletStore
}
