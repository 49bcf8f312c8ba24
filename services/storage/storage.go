package storage

import "errors"

var (
	// ErrNoKeyExists is returned when retrieving a key that does not exist.
	ErrNoKeyExists = errors.New("no key exists")

	// ErrServiceClosed is returned by stores used before the service is
	// opened or after it is closed.
	ErrServiceClosed = errors.New("storage service closed")
)

// KeyValue is a single stored entry.
type KeyValue struct {
	Key   string
	Value []byte
}

// ReadOperator is the read side of a store or transaction.
type ReadOperator interface {
	// Get retrieves the entry for key, or ErrNoKeyExists.
	Get(key string) (*KeyValue, error)
	// Exists reports whether key is present.
	Exists(key string) (bool, error)
	// List returns all entries whose key has the given prefix, sorted by key.
	List(prefix string) ([]*KeyValue, error)
}

// WriteOperator is the write side of a store or transaction.
type WriteOperator interface {
	// Put stores value under key, replacing any previous value.
	Put(key string, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error
}

// ReadOnlyTx is a transaction that only reads.
// Rollback must be called once the transaction is finished with.
type ReadOnlyTx interface {
	ReadOperator

	// Rollback releases the transaction, reverting any uncommitted changes.
	// Rolling back after a commit has no effect.
	Rollback() error
}

// Tx is a read-write transaction. It must end in exactly one Commit, or a
// Rollback.
type Tx interface {
	ReadOnlyTx
	WriteOperator

	// Commit applies the transaction's writes.
	Commit() error
}

// TxOperator creates transactions. An open transaction can block other
// operations on the backend, so a goroutine should hold at most one at a
// time and finish it promptly.
type TxOperator interface {
	BeginReadOnlyTx() (ReadOnlyTx, error)
	BeginTx() (Tx, error)
}

// Interface is what services use to persist their state. Both callbacks
// observe a consistent snapshot, and Update commits only when f returns
// nil.
type Interface interface {
	View(f func(ReadOnlyTx) error) error
	Update(f func(Tx) error) error
}

// DoView implements Interface.View in terms of a TxOperator.
func DoView(o TxOperator, f func(ReadOnlyTx) error) error {
	tx, err := o.BeginReadOnlyTx()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return f(tx)
}

// DoUpdate implements Interface.Update in terms of a TxOperator.
func DoUpdate(o TxOperator, f func(Tx) error) error {
	tx, err := o.BeginTx()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := f(tx); err != nil {
		return err
	}
	return tx.Commit()
}
