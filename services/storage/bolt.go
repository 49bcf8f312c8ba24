package storage

import (
	"bytes"

	bolt "go.etcd.io/bbolt"
)

// Bolt is a BoltDB backed store scoped to one bucket. The bucket is
// created lazily on the first write.
type Bolt struct {
	db     *bolt.DB
	bucket []byte
}

func NewBolt(db *bolt.DB, bucket []byte) *Bolt {
	return &Bolt{
		db:     db,
		bucket: bucket,
	}
}

func (b *Bolt) View(f func(tx ReadOnlyTx) error) error {
	return DoView(b, f)
}

func (b *Bolt) Update(f func(tx Tx) error) error {
	return DoUpdate(b, f)
}

func (b *Bolt) BeginReadOnlyTx() (ReadOnlyTx, error) {
	return b.begin(false)
}

func (b *Bolt) BeginTx() (Tx, error) {
	return b.begin(true)
}

func (b *Bolt) begin(writable bool) (*boltTx, error) {
	tx, err := b.db.Begin(writable)
	if err != nil {
		return nil, err
	}
	return &boltTx{tx: tx, bucket: b.bucket}, nil
}

// boltTx adapts a bolt.Tx to the Tx interface.
type boltTx struct {
	tx     *bolt.Tx
	bucket []byte
}

func (t *boltTx) Get(key string) (*KeyValue, error) {
	bkt := t.tx.Bucket(t.bucket)
	if bkt == nil {
		return nil, ErrNoKeyExists
	}
	v := bkt.Get([]byte(key))
	if v == nil {
		return nil, ErrNoKeyExists
	}
	// Bolt values are only valid for the life of the transaction.
	return &KeyValue{
		Key:   key,
		Value: append([]byte(nil), v...),
	}, nil
}

func (t *boltTx) Exists(key string) (bool, error) {
	bkt := t.tx.Bucket(t.bucket)
	if bkt == nil {
		return false, nil
	}
	return bkt.Get([]byte(key)) != nil, nil
}

func (t *boltTx) List(prefix string) ([]*KeyValue, error) {
	bkt := t.tx.Bucket(t.bucket)
	if bkt == nil {
		return nil, nil
	}
	var kvs []*KeyValue
	c := bkt.Cursor()
	p := []byte(prefix)
	for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
		kvs = append(kvs, &KeyValue{
			Key:   string(k),
			Value: append([]byte(nil), v...),
		})
	}
	return kvs, nil
}

func (t *boltTx) Put(key string, value []byte) error {
	bkt, err := t.tx.CreateBucketIfNotExists(t.bucket)
	if err != nil {
		return err
	}
	return bkt.Put([]byte(key), value)
}

func (t *boltTx) Delete(key string) error {
	bkt := t.tx.Bucket(t.bucket)
	if bkt == nil {
		return nil
	}
	return bkt.Delete([]byte(key))
}

func (t *boltTx) Commit() error {
	return t.tx.Commit()
}

func (t *boltTx) Rollback() error {
	return t.tx.Rollback()
}
