// Package boltstore persists ledger documents in an embedded bbolt database.
// Every record is stored as a JSON document keyed by its id; an auxiliary
// bucket indexes unclaimed grants per promotion so reservations stay O(1).
package boltstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"grantledger/storage"
)

var (
	bucketPromotions = []byte("promotions")
	bucketGrants     = []byte("grants")
	bucketAvailable  = []byte("grants_available")
	bucketWallets    = []byte("wallets")
)

// Store wraps a bbolt database. Write transactions are serialized by bbolt,
// which makes every wallet read-modify-write atomic without extra locking.
type Store struct {
	db    *bolt.DB
	nowFn func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Open creates or opens the database at path and ensures all buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketPromotions, bucketGrants, bucketAvailable, bucketWallets} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}
	return &Store{db: db, nowFn: time.Now}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

func availableKey(promotionID, grantID string) []byte {
	return []byte(promotionID + "/" + grantID)
}

// PromotionStore implementation -----------------------------------------------

func (s *Store) CreatePromotion(_ context.Context, promo storage.PromotionDoc) (storage.PromotionDoc, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketPromotions)
		if bucket.Get([]byte(promo.ID)) != nil {
			return storage.ErrPromotionExists
		}
		if promo.CreatedAt.IsZero() {
			promo.CreatedAt = s.nowFn().UTC()
		}
		return putJSON(bucket, promo.ID, promo)
	})
	if err != nil {
		return storage.PromotionDoc{}, err
	}
	return promo, nil
}

func (s *Store) GetPromotion(_ context.Context, id string) (storage.PromotionDoc, error) {
	var promo storage.PromotionDoc
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketPromotions), id, &promo, storage.ErrPromotionNotFound)
	})
	if err != nil {
		return storage.PromotionDoc{}, err
	}
	return promo, nil
}

func (s *Store) SetPromotionActive(_ context.Context, id string, active bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketPromotions)
		var promo storage.PromotionDoc
		if err := getJSON(bucket, id, &promo, storage.ErrPromotionNotFound); err != nil {
			return err
		}
		promo.Active = active
		return putJSON(bucket, id, promo)
	})
}

func (s *Store) ListPromotions(_ context.Context) ([]storage.PromotionDoc, error) {
	var result []storage.PromotionDoc
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPromotions).ForEach(func(_, value []byte) error {
			var promo storage.PromotionDoc
			if err := json.Unmarshal(value, &promo); err != nil {
				return err
			}
			result = append(result, promo)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GrantStore implementation ---------------------------------------------------

func (s *Store) InsertGrants(_ context.Context, grants []storage.GrantDoc) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketGrants)
		available := tx.Bucket(bucketAvailable)
		for _, grant := range grants {
			if bucket.Get([]byte(grant.GrantID)) != nil {
				continue
			}
			if err := putJSON(bucket, grant.GrantID, grant); err != nil {
				return err
			}
			if err := available.Put(availableKey(grant.PromotionID, grant.GrantID), []byte(grant.GrantID)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) CountAvailable(_ context.Context, promotionID string) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketAvailable).Cursor()
		prefix := []byte(promotionID + "/")
		for key, _ := cursor.Seek(prefix); key != nil && bytes.HasPrefix(key, prefix); key, _ = cursor.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) ReserveGrant(_ context.Context, promotionID, paymentID string) (storage.GrantDoc, error) {
	var grant storage.GrantDoc
	err := s.db.Update(func(tx *bolt.Tx) error {
		available := tx.Bucket(bucketAvailable)
		cursor := available.Cursor()
		prefix := []byte(promotionID + "/")
		key, value := cursor.Seek(prefix)
		if key == nil || !bytes.HasPrefix(key, prefix) {
			return storage.ErrNoGrantsAvailable
		}
		grants := tx.Bucket(bucketGrants)
		if err := getJSON(grants, string(value), &grant, storage.ErrGrantNotFound); err != nil {
			return err
		}
		grant.ClaimedBy = paymentID
		grant.ClaimedAt = s.nowFn().UTC()
		if err := putJSON(grants, grant.GrantID, grant); err != nil {
			return err
		}
		return available.Delete(key)
	})
	if err != nil {
		return storage.GrantDoc{}, err
	}
	return grant, nil
}

func (s *Store) ReleaseGrant(_ context.Context, grantID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		grants := tx.Bucket(bucketGrants)
		var grant storage.GrantDoc
		if err := getJSON(grants, grantID, &grant, storage.ErrGrantNotFound); err != nil {
			return err
		}
		grant.ClaimedBy = ""
		grant.ClaimedAt = time.Time{}
		if err := putJSON(grants, grantID, grant); err != nil {
			return err
		}
		return tx.Bucket(bucketAvailable).Put(availableKey(grant.PromotionID, grant.GrantID), []byte(grant.GrantID))
	})
}

// WalletStore implementation --------------------------------------------------

func (s *Store) EnsureWallet(_ context.Context, paymentID string) (storage.WalletDoc, error) {
	var wallet storage.WalletDoc
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketWallets)
		if err := getJSON(bucket, paymentID, &wallet, storage.ErrWalletNotFound); err == nil {
			return nil
		}
		wallet = storage.WalletDoc{PaymentID: paymentID, CreatedAt: s.nowFn().UTC()}
		return putJSON(bucket, paymentID, wallet)
	})
	if err != nil {
		return storage.WalletDoc{}, err
	}
	return wallet, nil
}

func (s *Store) GetWallet(_ context.Context, paymentID string) (storage.WalletDoc, error) {
	var wallet storage.WalletDoc
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketWallets), paymentID, &wallet, storage.ErrWalletNotFound)
	})
	if err != nil {
		return storage.WalletDoc{}, err
	}
	return wallet, nil
}

func (s *Store) UpdateWallet(_ context.Context, paymentID string, mutate func(*storage.WalletDoc) error) (storage.WalletDoc, error) {
	var wallet storage.WalletDoc
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketWallets)
		if err := getJSON(bucket, paymentID, &wallet, storage.ErrWalletNotFound); err != nil {
			return err
		}
		created := wallet.CreatedAt
		if err := mutate(&wallet); err != nil {
			return err
		}
		wallet.PaymentID = paymentID
		wallet.CreatedAt = created
		return putJSON(bucket, paymentID, wallet)
	})
	if err != nil {
		return storage.WalletDoc{}, err
	}
	return wallet, nil
}

// Helpers --------------------------------------------------------------------

func putJSON(bucket *bolt.Bucket, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(key), data)
}

func getJSON(bucket *bolt.Bucket, key string, out interface{}, missing error) error {
	data := bucket.Get([]byte(key))
	if data == nil {
		return missing
	}
	return json.Unmarshal(data, out)
}
