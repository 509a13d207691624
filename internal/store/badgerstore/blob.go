package badgerstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/jonathan/creator-pipeline/internal/blob"
)

const blobPrefix = "blob/"

// BlobStore keeps overflow blobs in the same Badger database as the state.
type BlobStore struct {
	db *badger.DB
}

var _ blob.Store = (*BlobStore)(nil)

// Blobs returns a blob store sharing this store's database.
func (s *Store) Blobs() *BlobStore {
	return &BlobStore{db: s.db}
}

func blobKey(path string) []byte {
	return []byte(blobPrefix + path)
}

// Put writes the blob, replacing any previous content.
func (b *BlobStore) Put(_ context.Context, path string, data []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blobKey(path), data)
	})
	if err != nil {
		return fmt.Errorf("failed to put blob %s: %w", path, err)
	}
	return nil
}

// Get reads the blob.
func (b *BlobStore) Get(_ context.Context, path string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blobKey(path))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("blob %s: %w", path, blob.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blob %s: %w", path, err)
	}
	return data, nil
}

// Delete removes the blob. Deleting a missing blob is not an error.
func (b *BlobStore) Delete(_ context.Context, path string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(blobKey(path))
	})
	if err != nil {
		return fmt.Errorf("failed to delete blob %s: %w", path, err)
	}
	return nil
}
