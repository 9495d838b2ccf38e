// l2_kvdb wraps cometbft-db as the embedded-KV layer (L2): a thin
// Get/Set pair over dbm.DB with durability via SetSync and an
// availability flag for the composite Health check.
package storage

import (
	"sync"

	dbm "github.com/cometbft/cometbft-db"
)

type l2KV struct {
	mu sync.RWMutex
	db dbm.DB
	up bool
}

func newL2KV(dir string) (*l2KV, error) {
	db, err := dbm.NewGoLevelDB("l2", dir)
	if err != nil {
		return nil, err
	}
	return &l2KV{db: db, up: true}, nil
}

func (k *l2KV) get(key []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if !k.up {
		return nil, errLayerDown
	}
	return k.db.Get(key)
}

func (k *l2KV) put(key, value []byte) error {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if !k.up {
		return errLayerDown
	}
	return k.db.SetSync(key, value)
}

func (k *l2KV) setUp(up bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.up = up
}

func (k *l2KV) isUp() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.up
}

func (k *l2KV) close() error {
	return k.db.Close()
}
