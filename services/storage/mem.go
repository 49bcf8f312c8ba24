package storage

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// MemStore is an in memory implementation of Interface.
// It keeps no durable state and is meant for tests and library use.
type MemStore struct {
	mu    sync.Mutex
	name  string
	store map[string][]byte
}

func NewMemStore(name string) *MemStore {
	return &MemStore{
		name:  name,
		store: make(map[string][]byte),
	}
}

func (s *MemStore) View(f func(tx ReadOnlyTx) error) error {
	return DoView(s, f)
}

func (s *MemStore) Update(f func(tx Tx) error) error {
	return DoUpdate(s, f)
}

func (s *MemStore) BeginReadOnlyTx() (ReadOnlyTx, error) {
	return s.begin(), nil
}

func (s *MemStore) BeginTx() (Tx, error) {
	return s.begin(), nil
}

// begin locks the store for the life of the transaction and works on a
// copy of the map. Commit swaps the copy in; rollback just drops it.
func (s *MemStore) begin() *memTx {
	s.mu.Lock()
	snapshot := make(map[string][]byte, len(s.store))
	for k, v := range s.store {
		snapshot[k] = v
	}
	return &memTx{
		owner: s,
		store: snapshot,
	}
}

type memTx struct {
	owner *MemStore
	store map[string][]byte
	done  bool
}

func (t *memTx) Get(key string) (*KeyValue, error) {
	v, ok := t.store[key]
	if !ok {
		return nil, ErrNoKeyExists
	}
	return &KeyValue{Key: key, Value: v}, nil
}

func (t *memTx) Exists(key string) (bool, error) {
	_, ok := t.store[key]
	return ok, nil
}

func (t *memTx) List(prefix string) ([]*KeyValue, error) {
	kvs := make([]*KeyValue, 0, len(t.store))
	for k, v := range t.store {
		if strings.HasPrefix(k, prefix) {
			kvs = append(kvs, &KeyValue{Key: k, Value: v})
		}
	}
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })
	return kvs, nil
}

func (t *memTx) Put(key string, value []byte) error {
	t.store[key] = value
	return nil
}

func (t *memTx) Delete(key string) error {
	delete(t.store, key)
	return nil
}

func (t *memTx) Commit() error {
	if t.done {
		return errors.New("transaction already finished")
	}
	t.owner.store = t.store
	t.done = true
	t.owner.mu.Unlock()
	return nil
}

func (t *memTx) Rollback() error {
	if !t.done {
		t.done = true
		t.owner.mu.Unlock()
	}
	return nil
}
