package boltstore

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"connwatch/internal/models"
	"connwatch/internal/storage"
)

var transitionsBucket = []byte("transitions")

// keyLayout sorts lexically in chronological order.
const keyLayout = "2006-01-02T15:04:05.000000000Z"

// BoltStore keeps transitions in a bbolt bucket keyed by timestamp and ID.
type BoltStore struct {
	db *bbolt.DB
}

// Compile-time interface guard.
var _ storage.Store = (*BoltStore)(nil)

// Open opens (or creates) the database at path.
func Open(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "ensure data directory")
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(transitionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create transitions bucket")
	}
	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Append stores one transition.
func (s *BoltStore) Append(_ context.Context, t models.Transition) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return errors.Wrap(err, "encode transition")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(transitionsBucket).Put(transitionKey(t), payload)
	})
}

// History walks the bucket from since onwards.
func (s *BoltStore) History(ctx context.Context, since time.Time, limit int) ([]models.Transition, error) {
	var out []models.Transition
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(transitionsBucket).Cursor()

		var k, v []byte
		if since.IsZero() {
			k, v = c.First()
		} else {
			k, v = c.Seek([]byte(since.UTC().Format(keyLayout)))
		}
		for ; k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var t models.Transition
			if err := json.Unmarshal(v, &t); err != nil {
				return errors.Wrapf(err, "decode transition %s", bytes.TrimSpace(k))
			}
			out = append(out, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return storage.Filter(out, time.Time{}, limit), nil
}

func transitionKey(t models.Transition) []byte {
	return []byte(t.At.UTC().Format(keyLayout) + "/" + t.ID)
}
