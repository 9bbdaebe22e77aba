// Package catalog records successful uploads in BadgerDB so a Reference can
// be described without a round trip to its backend.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"asisaid.cn/unistore/internal/common/errors"
	"asisaid.cn/unistore/internal/common/logger"
)

// Record describes one stored upload.
type Record struct {
	Reference    string    `json:"reference"`
	BackendKey   string    `json:"backend_key"`  // Driver cache key of the owning backend
	BackendKind  string    `json:"backend_kind"` // local, s3, gcs
	OriginalName string    `json:"original_name"`
	ContentType  string    `json:"content_type"` // Effective type after sniffing
	Size         int64     `json:"size"`
	Checksum     string    `json:"checksum,omitempty"` // SHA-256, hex
	UploadedAt   time.Time `json:"uploaded_at"`
}

// Store persists upload records.
type Store interface {
	// Put saves or replaces a record.
	Put(ctx context.Context, rec *Record) error

	// Get retrieves the record of a reference on a backend.
	Get(ctx context.Context, backendKey, reference string) (*Record, error)

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, backendKey, reference string) error

	// List returns records of a backend whose reference starts with prefix,
	// in reference order.
	List(ctx context.Context, backendKey, prefix string, limit int) ([]*Record, error)

	// Close closes the store.
	Close() error
}

// BadgerStore implements Store using BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

var _ Store = (*BadgerStore)(nil)

// files:<backend_key>:<reference> -> record
const prefixFile = "files:"

// NewBadgerStore opens a store at dbPath. An empty path opens an in-memory
// store.
func NewBadgerStore(dbPath string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dbPath)
	if dbPath == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil // Disable badger's default logger

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	logger.WithComponent("Catalog").Info("BadgerDB opened")

	return &BadgerStore{db: db}, nil
}

func fileKey(backendKey, reference string) []byte {
	return []byte(prefixFile + backendKey + ":" + reference)
}

// Put saves or replaces a record.
func (s *BadgerStore) Put(ctx context.Context, rec *Record) error {
	if rec == nil || rec.BackendKey == "" || rec.Reference == "" {
		return errors.E("BadgerStore.Put", errors.ErrInvalidInput, nil, "record requires backend key and reference")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(fileKey(rec.BackendKey, rec.Reference), data)
	})
	if err != nil {
		return errors.Wrap("BadgerStore.Put", err)
	}
	return nil
}

// Get retrieves the record of a reference on a backend.
func (s *BadgerStore) Get(ctx context.Context, backendKey, reference string) (*Record, error) {
	var rec Record

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(fileKey(backendKey, reference))
		if err == badger.ErrKeyNotFound {
			return errors.ErrNotFound
		}
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})

	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.E("BadgerStore.Get", errors.ErrNotFound, nil, "file not found")
		}
		return nil, errors.Wrap("BadgerStore.Get", err)
	}

	return &rec, nil
}

// Delete removes a record.
func (s *BadgerStore) Delete(ctx context.Context, backendKey, reference string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(fileKey(backendKey, reference))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return errors.Wrap("BadgerStore.Delete", err)
	}
	return nil
}

// List returns records of a backend whose reference starts with prefix.
// A non-positive limit returns every match.
func (s *BadgerStore) List(ctx context.Context, backendKey, prefix string, limit int) ([]*Record, error) {
	var result []*Record
	keyPrefix := fileKey(backendKey, prefix)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(keyPrefix); it.ValidForPrefix(keyPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if limit > 0 && len(result) >= limit {
				break
			}

			var rec Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				continue
			}
			result = append(result, &rec)
		}

		return nil
	})

	if err != nil {
		return nil, errors.Wrap("BadgerStore.List", err)
	}

	return result, nil
}

// Close closes the store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
