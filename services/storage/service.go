package storage

import (
	"os"
	"path"
	"sync"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

type Service struct {
	dbpath string

	boltdb *bolt.DB
	stores map[string]Interface
	mu     sync.Mutex
}

func NewService(c Config) *Service {
	return &Service{
		dbpath: c.BoltDBPath,
		stores: make(map[string]Interface),
	}
}

func (s *Service) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.MkdirAll(path.Dir(s.dbpath), 0755)
	if err != nil {
		return errors.Wrapf(err, "mkdir dirs %q", s.dbpath)
	}
	db, err := bolt.Open(s.dbpath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return errors.Wrapf(err, "open boltdb @ %q", s.dbpath)
	}
	s.boltdb = db
	return nil
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.boltdb != nil {
		db := s.boltdb
		s.boltdb = nil
		return db.Close()
	}
	return nil
}

// Store returns a store scoped to the given namespace.
// Calling Store with the same namespace returns the same Store.
//
// Stores may be requested before Open, during server wiring. Their
// transactions fail with ErrServiceClosed until the service opens.
func (s *Service) Store(name string) Interface {
	s.mu.Lock()
	defer s.mu.Unlock()
	if store, ok := s.stores[name]; ok {
		return store
	}
	store := &namespacedStore{s: s, bucket: []byte(name)}
	s.stores[name] = store
	return store
}

func (s *Service) db() (*bolt.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.boltdb == nil {
		return nil, ErrServiceClosed
	}
	return s.boltdb, nil
}

// namespacedStore resolves the database on every transaction, so stores
// handed out during wiring become usable once the service opens.
type namespacedStore struct {
	s      *Service
	bucket []byte
}

func (n *namespacedStore) View(f func(ReadOnlyTx) error) error {
	db, err := n.s.db()
	if err != nil {
		return err
	}
	return NewBolt(db, n.bucket).View(f)
}

func (n *namespacedStore) Update(f func(Tx) error) error {
	db, err := n.s.db()
	if err != nil {
		return err
	}
	return NewBolt(db, n.bucket).Update(f)
}
