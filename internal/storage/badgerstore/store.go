// Package badgerstore persists sessions in an embedded Badger database, one
// JSON value per session under the "session/" prefix.
package badgerstore

import (
	"context"
	"encoding/json"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
)

var keyPrefix = []byte("session/")

// Store is a Badger-backed session backend.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the database at path. An empty path opens an
// in-memory database.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open badger at %q", path)
	}
	log.Debug().Str("component", "badgerstore").Str("path", path).Msg("session database opened")
	return &Store{db: db}, nil
}

func sessionKey(id string) []byte {
	return append(append([]byte(nil), keyPrefix...), id...)
}

// LoadAll iterates every session key.
func (s *Store) LoadAll(_ context.Context) ([]chat.Session, error) {
	var out []chat.Session
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(keyPrefix); it.ValidForPrefix(keyPrefix); it.Next() {
			item := it.Item()
			var session chat.Session
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &session)
			})
			if err != nil {
				return errors.Wrapf(err, "decode %s", item.Key())
			}
			out = append(out, session)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Save upserts the session.
func (s *Store) Save(_ context.Context, session chat.Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return errors.Wrap(err, "encode session")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sessionKey(session.ID), raw)
	})
}

// Delete removes the session key.
func (s *Store) Delete(_ context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(sessionKey(id))
	})
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
