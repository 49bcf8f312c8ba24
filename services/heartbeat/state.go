package heartbeat

import (
	"time"

	"github.com/tradewire/tradewire/services/storage"
)

const lastBeatKey = "last_beat"

// StateStore persists the time of the last beat so interval schedules
// resume across restarts instead of resetting.
type StateStore interface {
	LastBeat() (time.Time, bool, error)
	SetLastBeat(t time.Time) error
}

// stateKV persists the last beat time in the key/value store.
type stateKV struct {
	store storage.Interface
}

// NewStateStore returns a StateStore backed by the given storage.
func NewStateStore(store storage.Interface) StateStore {
	return &stateKV{store: store}
}

func (kv *stateKV) LastBeat() (time.Time, bool, error) {
	var at time.Time
	found := false
	err := kv.store.View(func(tx storage.ReadOnlyTx) error {
		v, err := tx.Get(lastBeatKey)
		if err == storage.ErrNoKeyExists {
			return nil
		}
		if err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339Nano, string(v.Value))
		if err != nil {
			return err
		}
		at = t
		found = true
		return nil
	})
	return at, found, err
}

func (kv *stateKV) SetLastBeat(t time.Time) error {
	return kv.store.Update(func(tx storage.Tx) error {
		return tx.Put(lastBeatKey, []byte(t.UTC().Format(time.RFC3339Nano)))
	})
}
