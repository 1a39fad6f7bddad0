// Package kosync implements the server side of KOReader's position sync
// protocol, wire-compatible with the reference sync server. It runs on its
// own port so the surface can be exposed to the internet without dragging
// the admin API along.
package kosync

import (
	"encoding/json/v2"

	"github.com/dgraph-io/badger/v4"

	"github.com/shelfsync/shelfsync-server/internal/errors"
	"github.com/shelfsync/shelfsync-server/internal/logger"
)

// Document is one tracked KoReader document position. All documents are
// stored, mapped to a book or not, so a reader can sync across devices
// before the book is ever bridged.
type Document struct {
	Document   string  `json:"document"`
	Progress   string  `json:"progress"`
	Percentage float64 `json:"percentage"`
	Device     string  `json:"device"`
	DeviceID   string  `json:"device_id"`
	Timestamp  int64   `json:"timestamp"`
}

// User is one registered sync account. KeyHash is the argon2id hash of the
// key KOReader sends, which is itself an md5 digest of the password.
type User struct {
	Username  string `json:"username"`
	KeyHash   string `json:"key_hash"`
	CreatedAt int64  `json:"created_at"`
}

const (
	docPrefix  = "doc:"
	userPrefix = "user:"
)

// Store persists documents and users in a badger database.
type Store struct {
	db  *badger.DB
	log *logger.Logger
}

// OpenStore opens the badger database at path.
func OpenStore(path string, log *logger.Logger) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts.SyncWrites = true // positions must survive a crash
	opts.CompactL0OnClose = true
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindFatal, "open kosync store")
	}
	log.Info("kosync store opened", "path", path)
	return &Store{db: db, log: log}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) get(key string, dest any) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, dest)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return errors.NotFoundf("no record for %s", key)
	}
	return err
}

func (s *Store) set(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

// GetDocument returns a stored document position by its KoReader hash.
func (s *Store) GetDocument(hash string) (*Document, error) {
	var doc Document
	if err := s.get(docPrefix+hash, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// PutDocument stores a document position, replacing any previous one.
func (s *Store) PutDocument(doc *Document) error {
	return s.set(docPrefix+doc.Document, doc)
}

// DeleteDocument removes a document record.
func (s *Store) DeleteDocument(hash string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		key := []byte(docPrefix + hash)
		if _, err := txn.Get(key); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return errors.NotFoundf("no document %s", hash)
	}
	return err
}

// ListDocuments returns every stored document position.
func (s *Store) ListDocuments() ([]*Document, error) {
	var docs []*Document
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(docPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var doc Document
				if err := json.Unmarshal(val, &doc); err != nil {
					return err
				}
				docs = append(docs, &doc)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return docs, err
}

// CreateUser registers a new sync account. Registration is open, matching
// the reference server: any reader may create an account on first sync.
func (s *Store) CreateUser(user *User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		key := []byte(userPrefix + user.Username)
		if _, err := txn.Get(key); err == nil {
			return errors.Conflict("username is already registered")
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
	return err
}

// GetUser returns a registered account by username.
func (s *Store) GetUser(username string) (*User, error) {
	var user User
	if err := s.get(userPrefix+username, &user); err != nil {
		return nil, err
	}
	return &user, nil
}
