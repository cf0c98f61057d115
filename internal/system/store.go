package system

import (
	"go.etcd.io/bbolt"

	"github.com/devrev/ringkv/internal/errors"
	"github.com/devrev/ringkv/internal/ring"
)

var (
	bucketSystem         = []byte("system")
	keyToken             = []byte("token")
	keyBootstrapComplete = []byte("bootstrap_complete")
)

// Store persists the node's durable identity: its ring token and whether a
// past bootstrap ran to completion. A node that already bootstrapped must
// not bootstrap again on restart.
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the system store at path
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.SystemStoreFailed("failed to open system store", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSystem)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.SystemStoreFailed("failed to initialize system store", err)
	}
	return &Store{db: db}, nil
}

// SaveToken records the node's ring position
func (s *Store) SaveToken(t ring.Token) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSystem).Put(keyToken, []byte(t.String()))
	})
	if err != nil {
		return errors.SystemStoreFailed("failed to save token", err)
	}
	return nil
}

// Token returns the persisted ring position, if any
func (s *Store) Token() (ring.Token, bool, error) {
	var raw []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketSystem).Get(keyToken); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return 0, false, errors.SystemStoreFailed("failed to read token", err)
	}
	if raw == nil {
		return 0, false, nil
	}
	token, err := ring.TokenFactory{}.FromBytes(raw)
	if err != nil {
		return 0, false, err
	}
	return token, true, nil
}

// SetBootstrapComplete records that the bootstrap session finished
func (s *Store) SetBootstrapComplete(done bool) error {
	val := []byte{0}
	if done {
		val = []byte{1}
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSystem).Put(keyBootstrapComplete, val)
	})
	if err != nil {
		return errors.SystemStoreFailed("failed to save bootstrap state", err)
	}
	return nil
}

// BootstrapComplete reports whether a past bootstrap finished
func (s *Store) BootstrapComplete() (bool, error) {
	var done bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketSystem).Get(keyBootstrapComplete)
		done = len(v) == 1 && v[0] == 1
		return nil
	})
	if err != nil {
		return false, errors.SystemStoreFailed("failed to read bootstrap state", err)
	}
	return done, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}
