package storage

import (
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v3"
	"github.com/eleven-am/conductor/internal/domain"
	"github.com/eleven-am/conductor/internal/ports"
	json "github.com/goccy/go-json"
)

const versionKeyPrefix = "v:"

// AppStorage is a badger-backed ports.StoragePort. Every value key has a
// sibling version key so writers can detect concurrent updates.
type AppStorage struct {
	db     *badger.DB
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

func NewAppStorage(db *badger.DB, logger *slog.Logger) *AppStorage {
	if logger == nil {
		logger = slog.Default()
	}
	return &AppStorage{
		db:     db,
		logger: logger.With("component", "app-storage"),
	}
}

// Open opens a badger database under dir. An empty dir keeps everything in
// memory.
func Open(dir string, logger *slog.Logger) (*AppStorage, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, &domain.StorageError{Type: domain.ErrCorrupted, Key: dir, Message: "open badger: " + err.Error()}
	}
	return NewAppStorage(db, logger), nil
}

func (s *AppStorage) Get(key string) (value []byte, version int64, exists bool, err error) {
	if err := s.checkOpen(); err != nil {
		return nil, 0, false, err
	}
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}

		exists = true
		value, err = item.ValueCopy(nil)
		if err != nil {
			return err
		}
		version, err = readVersion(txn, key)
		return err
	})
	return value, version, exists, err
}

func (s *AppStorage) Put(key string, value []byte, version int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		current, err := readVersion(txn, key)
		if err != nil {
			return err
		}
		next := current + 1
		if version != 0 {
			if version != next {
				return domain.NewVersionMismatchError(key, next, version)
			}
		}

		versionBytes, err := json.Marshal(next)
		if err != nil {
			return err
		}
		if err := txn.Set([]byte(key), value); err != nil {
			return err
		}
		return txn.Set([]byte(versionKeyPrefix+key), versionBytes)
	})
}

func (s *AppStorage) Delete(key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return domain.NewKeyNotFoundError(key)
			}
			return err
		}
		if err := txn.Delete([]byte(key)); err != nil {
			return err
		}
		return txn.Delete([]byte(versionKeyPrefix + key))
	})
}

func (s *AppStorage) ListByPrefix(prefix string) ([]ports.KeyValueVersion, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var results []ports.KeyValueVersion

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			if strings.HasPrefix(key, versionKeyPrefix) {
				continue
			}

			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			version, err := readVersion(txn, key)
			if err != nil {
				return err
			}

			results = append(results, ports.KeyValueVersion{
				Key:     key,
				Value:   value,
				Version: version,
			})
		}
		return nil
	})

	return results, err
}

func (s *AppStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Debug("closing storage")
	return s.db.Close()
}

func (s *AppStorage) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return &domain.StorageError{Type: domain.ErrClosed, Message: "storage is closed"}
	}
	return nil
}

func readVersion(txn *badger.Txn, key string) (int64, error) {
	item, err := txn.Get([]byte(versionKeyPrefix + key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}
	var version int64
	if err := json.Unmarshal(raw, &version); err != nil {
		return 0, &domain.StorageError{Type: domain.ErrCorrupted, Key: key, Message: "corrupt version for key " + key}
	}
	return version, nil
}
