package memstore

import (
	"testing"

	"grantledger/storage"
	"grantledger/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return New()
	})
}
