// Package offline buffers writes made without connectivity in a local
// BadgerDB and replays them against the remote API when it returns.
package offline

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
	"github.com/obrasync/obrasync/internal/models"
)

var ErrRecordNotFound = errors.New("offline record not found")

const (
	recordPrefix   = "offline:"
	snapshotPrefix = "ref:"
)

// Store is the durable local key-indexed store for pending records and
// cached reference snapshots. It survives process restarts.
type Store struct {
	db *badger.DB
}

func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open offline store: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory returns a store that does not touch disk; used in tests.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open offline store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) PutRecord(rec *models.OfflineRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal offline record: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec.Type, rec.LocalID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to store offline record: %w", err)
	}
	return nil
}

func (s *Store) GetRecord(typ models.OfflineRecordType, localID string) (*models.OfflineRecord, error) {
	var rec models.OfflineRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(typ, localID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read offline record: %w", err)
	}
	return &rec, nil
}

// ListRecords returns every stored record of the given type, pending and
// synced alike.
func (s *Store) ListRecords(typ models.OfflineRecordType) ([]*models.OfflineRecord, error) {
	prefix := []byte(recordPrefix + string(typ) + ":")
	var records []*models.OfflineRecord

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec models.OfflineRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			records = append(records, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list offline records: %w", err)
	}
	return records, nil
}

func (s *Store) DeleteRecord(typ models.OfflineRecordType, localID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(typ, localID))
	})
	if err != nil {
		return fmt.Errorf("failed to delete offline record: %w", err)
	}
	return nil
}

// PutSnapshot caches reference data (project/personnel lists) locally so
// the UI has something to show while offline.
func (s *Store) PutSnapshot(table string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(snapshotPrefix+table), data)
	})
	if err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}

func (s *Store) GetSnapshot(table string, out any) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(snapshotPrefix + table))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrRecordNotFound
	}
	return err
}

func recordKey(typ models.OfflineRecordType, localID string) []byte {
	return []byte(recordPrefix + string(typ) + ":" + localID)
}
