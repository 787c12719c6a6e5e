// Package gormstore persists ledger documents through gorm. Production
// deployments run on postgres; tests open an in-process sqlite database.
// Wallet documents carry a version column and UpdateWallet retries on
// optimistic-lock conflicts, which keeps the per-wallet read-modify-write
// atomic across concurrent requests and across service replicas.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"grantledger/storage"
)

const walletUpdateRetries = 16

// PromotionRow stores the immutable promotion document plus the mutable
// active flag, which is kept as a column so it can be flipped in place.
type PromotionRow struct {
	ID        string `gorm:"primaryKey;size:64"`
	Active    bool   `gorm:"index"`
	Doc       []byte `gorm:"type:bytes"`
	CreatedAt time.Time
}

// GrantRow stores a minted grant. ClaimedBy is empty while the grant sits
// in the pool; the unique primary key enforces global grant uniqueness.
type GrantRow struct {
	ID          string `gorm:"primaryKey;size:64"`
	PromotionID string `gorm:"index:idx_grants_pool,priority:1;size:64"`
	ClaimedBy   string `gorm:"index:idx_grants_pool,priority:2;size:64"`
	Doc         []byte `gorm:"type:bytes"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// WalletRow stores the wallet document with an optimistic-lock version.
type WalletRow struct {
	PaymentID string `gorm:"primaryKey;size:64"`
	Doc       []byte `gorm:"type:bytes"`
	Version   int64  `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store wraps a gorm database handle.
type Store struct {
	db    *gorm.DB
	nowFn func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New wraps db and migrates the ledger tables.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("gormstore: nil database handle")
	}
	if err := db.AutoMigrate(&PromotionRow{}, &GrantRow{}, &WalletRow{}); err != nil {
		return nil, fmt.Errorf("migrate ledger tables: %w", err)
	}
	return &Store{db: db, nowFn: time.Now}, nil
}

// PromotionStore implementation -----------------------------------------------

func (s *Store) CreatePromotion(ctx context.Context, promo storage.PromotionDoc) (storage.PromotionDoc, error) {
	if promo.CreatedAt.IsZero() {
		promo.CreatedAt = s.nowFn().UTC()
	}
	doc, err := json.Marshal(promo)
	if err != nil {
		return storage.PromotionDoc{}, err
	}
	row := PromotionRow{ID: promo.ID, Active: promo.Active, Doc: doc, CreatedAt: promo.CreatedAt}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		return storage.PromotionDoc{}, result.Error
	}
	if result.RowsAffected == 0 {
		return storage.PromotionDoc{}, storage.ErrPromotionExists
	}
	return promo, nil
}

func (s *Store) GetPromotion(ctx context.Context, id string) (storage.PromotionDoc, error) {
	var row PromotionRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return storage.PromotionDoc{}, storage.ErrPromotionNotFound
		}
		return storage.PromotionDoc{}, err
	}
	return decodePromotion(row)
}

func (s *Store) SetPromotionActive(ctx context.Context, id string, active bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row PromotionRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return storage.ErrPromotionNotFound
			}
			return err
		}
		promo, err := decodePromotion(row)
		if err != nil {
			return err
		}
		promo.Active = active
		doc, err := json.Marshal(promo)
		if err != nil {
			return err
		}
		return tx.Model(&PromotionRow{}).Where("id = ?", id).
			Updates(map[string]interface{}{"active": active, "doc": doc}).Error
	})
}

func (s *Store) ListPromotions(ctx context.Context) ([]storage.PromotionDoc, error) {
	var rows []PromotionRow
	if err := s.db.WithContext(ctx).Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]storage.PromotionDoc, 0, len(rows))
	for _, row := range rows {
		promo, err := decodePromotion(row)
		if err != nil {
			return nil, err
		}
		result = append(result, promo)
	}
	return result, nil
}

// GrantStore implementation ---------------------------------------------------

func (s *Store) InsertGrants(ctx context.Context, grants []storage.GrantDoc) error {
	if len(grants) == 0 {
		return nil
	}
	rows := make([]GrantRow, 0, len(grants))
	for _, grant := range grants {
		doc, err := json.Marshal(grant)
		if err != nil {
			return err
		}
		rows = append(rows, GrantRow{
			ID:          grant.GrantID,
			PromotionID: grant.PromotionID,
			ClaimedBy:   grant.ClaimedBy,
			Doc:         doc,
		})
	}
	// Re-posting a batch with known grant ids is a no-op.
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

func (s *Store) CountAvailable(ctx context.Context, promotionID string) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&GrantRow{}).
		Where("promotion_id = ? AND claimed_by = ''", promotionID).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

func (s *Store) ReserveGrant(ctx context.Context, promotionID, paymentID string) (storage.GrantDoc, error) {
	var reserved storage.GrantDoc
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row GrantRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("promotion_id = ? AND claimed_by = ''", promotionID).
			Order("id asc").
			First(&row).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return storage.ErrNoGrantsAvailable
			}
			return err
		}
		var grant storage.GrantDoc
		if err := json.Unmarshal(row.Doc, &grant); err != nil {
			return err
		}
		grant.ClaimedBy = paymentID
		grant.ClaimedAt = s.nowFn().UTC()
		doc, err := json.Marshal(grant)
		if err != nil {
			return err
		}
		// Guard against a concurrent reservation of the same row.
		result := tx.Model(&GrantRow{}).
			Where("id = ? AND claimed_by = ''", row.ID).
			Updates(map[string]interface{}{"claimed_by": paymentID, "doc": doc})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return storage.ErrConflict
		}
		reserved = grant
		return nil
	})
	if err != nil {
		return storage.GrantDoc{}, err
	}
	return reserved, nil
}

func (s *Store) ReleaseGrant(ctx context.Context, grantID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row GrantRow
		if err := tx.First(&row, "id = ?", grantID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return storage.ErrGrantNotFound
			}
			return err
		}
		var grant storage.GrantDoc
		if err := json.Unmarshal(row.Doc, &grant); err != nil {
			return err
		}
		grant.ClaimedBy = ""
		grant.ClaimedAt = time.Time{}
		doc, err := json.Marshal(grant)
		if err != nil {
			return err
		}
		return tx.Model(&GrantRow{}).Where("id = ?", grantID).
			Updates(map[string]interface{}{"claimed_by": "", "doc": doc}).Error
	})
}

// WalletStore implementation --------------------------------------------------

func (s *Store) EnsureWallet(ctx context.Context, paymentID string) (storage.WalletDoc, error) {
	wallet := storage.WalletDoc{PaymentID: paymentID, CreatedAt: s.nowFn().UTC()}
	doc, err := json.Marshal(wallet)
	if err != nil {
		return storage.WalletDoc{}, err
	}
	row := WalletRow{PaymentID: paymentID, Doc: doc}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		return storage.WalletDoc{}, result.Error
	}
	if result.RowsAffected > 0 {
		return wallet, nil
	}
	return s.GetWallet(ctx, paymentID)
}

func (s *Store) GetWallet(ctx context.Context, paymentID string) (storage.WalletDoc, error) {
	var row WalletRow
	if err := s.db.WithContext(ctx).First(&row, "payment_id = ?", paymentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return storage.WalletDoc{}, storage.ErrWalletNotFound
		}
		return storage.WalletDoc{}, err
	}
	var wallet storage.WalletDoc
	if err := json.Unmarshal(row.Doc, &wallet); err != nil {
		return storage.WalletDoc{}, err
	}
	return wallet, nil
}

func (s *Store) UpdateWallet(ctx context.Context, paymentID string, mutate func(*storage.WalletDoc) error) (storage.WalletDoc, error) {
	for attempt := 0; attempt < walletUpdateRetries; attempt++ {
		var row WalletRow
		if err := s.db.WithContext(ctx).First(&row, "payment_id = ?", paymentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return storage.WalletDoc{}, storage.ErrWalletNotFound
			}
			return storage.WalletDoc{}, err
		}
		var wallet storage.WalletDoc
		if err := json.Unmarshal(row.Doc, &wallet); err != nil {
			return storage.WalletDoc{}, err
		}
		created := wallet.CreatedAt
		if err := mutate(&wallet); err != nil {
			return storage.WalletDoc{}, err
		}
		wallet.PaymentID = paymentID
		wallet.CreatedAt = created
		doc, err := json.Marshal(wallet)
		if err != nil {
			return storage.WalletDoc{}, err
		}
		result := s.db.WithContext(ctx).Model(&WalletRow{}).
			Where("payment_id = ? AND version = ?", paymentID, row.Version).
			Updates(map[string]interface{}{"doc": doc, "version": row.Version + 1})
		if result.Error != nil {
			return storage.WalletDoc{}, result.Error
		}
		if result.RowsAffected == 1 {
			return wallet, nil
		}
		// Lost the version race, re-read and retry.
	}
	return storage.WalletDoc{}, storage.ErrConflict
}

// Helpers --------------------------------------------------------------------

func decodePromotion(row PromotionRow) (storage.PromotionDoc, error) {
	var promo storage.PromotionDoc
	if err := json.Unmarshal(row.Doc, &promo); err != nil {
		return storage.PromotionDoc{}, err
	}
	promo.Active = row.Active
	return promo, nil
}
