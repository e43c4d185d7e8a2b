package storage

import (
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v3"
	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("store closed")

// Store is the key-value store managed by a node
type Store interface {
	// Get retrieves a value and reports whether the key exists
	Get(key string) (string, bool, error)
	// Put inserts or overwrites a value
	Put(key, value string) error
	// Delete removes a key; deleting a missing key is not an error
	Delete(key string) error
	// Len returns the number of stored keys
	Len() (int, error)
	// All returns a copy of every key-value pair
	All() (map[string]string, error)
	Close() error
}

// MemoryStore is a map-backed Store
type MemoryStore struct {
	data   map[string]string
	closed bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (s *MemoryStore) Get(key string) (string, bool, error) {
	if s.closed {
		return "", false, ErrClosed
	}
	value, ok := s.data[key]
	return value, ok, nil
}

func (s *MemoryStore) Put(key, value string) error {
	if s.closed {
		return ErrClosed
	}
	s.data[key] = value
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	if s.closed {
		return ErrClosed
	}
	delete(s.data, key)
	return nil
}

func (s *MemoryStore) Len() (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	return len(s.data), nil
}

func (s *MemoryStore) All() (map[string]string, error) {
	if s.closed {
		return nil, ErrClosed
	}
	out := make(map[string]string, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.closed = true
	return nil
}

// BadgerOptions contains configuration for the badger store
type BadgerOptions struct {
	// DataDir is the directory where the data will be stored
	DataDir string

	// InMemory keeps everything in memory; DataDir is ignored
	InMemory bool

	// Logger receives badger's own log output; nil disables it
	Logger logrus.FieldLogger
}

// BadgerStore is a Store persisted with badger
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens or creates a badger database
func NewBadgerStore(options BadgerOptions) (*BadgerStore, error) {
	var opts badger.Options
	if options.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if options.DataDir == "" {
			return nil, fmt.Errorf("data directory is required for a persistent store")
		}
		if err := os.MkdirAll(options.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		opts = badger.DefaultOptions(options.DataDir)
	}

	if options.Logger != nil {
		opts = opts.WithLogger(options.Logger)
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Get(key string) (string, bool, error) {
	var (
		value  []byte
		exists bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to read %q: %w", key, err)
	}
	return string(value), exists, nil
}

func (s *BadgerStore) Put(key, value string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("failed to write %q: %w", key, err)
	}
	return nil
}

func (s *BadgerStore) Delete(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

func (s *BadgerStore) Len() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func (s *BadgerStore) All() (map[string]string, error) {
	result := make(map[string]string)

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			if err := item.Value(func(val []byte) error {
				result[key] = string(val)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
