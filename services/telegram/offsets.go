package telegram

import (
	"strconv"

	"github.com/tradewire/tradewire/services/storage"
)

const offsetKey = "update_offset"

// offsetKV persists the poll offset in the key/value store.
type offsetKV struct {
	store storage.Interface
}

func newOffsetKV(store storage.Interface) *offsetKV {
	return &offsetKV{store: store}
}

func (kv *offsetKV) Offset() (int64, bool, error) {
	var o int64
	found := false
	err := kv.store.View(func(tx storage.ReadOnlyTx) error {
		v, err := tx.Get(offsetKey)
		if err == storage.ErrNoKeyExists {
			return nil
		}
		if err != nil {
			return err
		}
		o, err = strconv.ParseInt(string(v.Value), 10, 64)
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return o, found, err
}

func (kv *offsetKV) SetOffset(o int64) error {
	return kv.store.Update(func(tx storage.Tx) error {
		return tx.Put(offsetKey, []byte(strconv.FormatInt(o, 10)))
	})
}

// NewOffsetStore returns an OffsetStore backed by the given storage.
func NewOffsetStore(store storage.Interface) OffsetStore {
	return newOffsetKV(store)
}
