package state

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"rlfmarket/storage"
)

// Manager reads and writes RLP-encoded application state on top of a
// key-value database. Keys are hashed with keccak256 before they reach the
// backend.
type Manager struct {
	db storage.Database
	// mu serialises read-modify-write cycles on list and counter keys.
	mu sync.Mutex
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

func (m *Manager) read(hashed []byte) ([]byte, error) {
	if m == nil || m.db == nil {
		return nil, fmt.Errorf("state: manager unavailable")
	}
	data, err := m.db.Get(hashed)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

// KVPut stores the provided value under the supplied key using RLP encoding.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	if m == nil || m.db == nil {
		return fmt.Errorf("state: manager unavailable")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.read(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the key. Deleting a missing key is not an error.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	if m == nil || m.db == nil {
		return fmt.Errorf("state: manager unavailable")
	}
	return m.db.Delete(kvKey(key))
}

// KVAppend appends the provided value to the RLP-encoded byte slice list stored
// under the supplied key. Duplicate values are ignored to keep the index
// deterministic.
func (m *Manager) KVAppend(key []byte, value []byte) error {
	return m.updateList(key, func(list [][]byte) ([][]byte, bool) {
		for _, existing := range list {
			if bytes.Equal(existing, value) {
				return list, false
			}
		}
		return append(list, append([]byte(nil), value...)), true
	})
}

// KVRemove drops value from the list stored under key, preserving the order of
// the remaining entries.
func (m *Manager) KVRemove(key []byte, value []byte) error {
	return m.updateList(key, func(list [][]byte) ([][]byte, bool) {
		for i, existing := range list {
			if bytes.Equal(existing, value) {
				return append(list[:i], list[i+1:]...), true
			}
		}
		return list, false
	})
}

func (m *Manager) updateList(key []byte, fn func([][]byte) ([][]byte, bool)) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	hashed := kvKey(key)
	data, err := m.read(hashed)
	if err != nil {
		return err
	}
	var list [][]byte
	if len(data) > 0 {
		if err := rlp.DecodeBytes(data, &list); err != nil {
			return err
		}
	}
	updated, changed := fn(list)
	if !changed {
		return nil
	}
	if len(updated) == 0 {
		return m.db.Delete(hashed)
	}
	encoded, err := rlp.EncodeToBytes(updated)
	if err != nil {
		return err
	}
	return m.db.Put(hashed, encoded)
}

// KVGetList retrieves an RLP-encoded slice stored under the provided key and
// decodes it into the supplied destination slice pointer. When no value is
// present the destination is initialised with an empty slice to avoid nil
// surprises for callers.
func (m *Manager) KVGetList(key []byte, out interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.read(kvKey(key))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		val := reflect.ValueOf(out)
		if val.Kind() != reflect.Ptr || val.IsNil() {
			return fmt.Errorf("kv: destination must be a non-nil pointer")
		}
		elem := val.Elem()
		if elem.Kind() != reflect.Slice {
			return fmt.Errorf("kv: destination must point to a slice")
		}
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		return nil
	}
	return rlp.DecodeBytes(data, out)
}

// KVIncrement returns the counter stored under key and persists its successor.
// A missing counter starts at zero.
func (m *Manager) KVIncrement(key []byte) (uint64, error) {
	if len(key) == 0 {
		return 0, fmt.Errorf("kv: key must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var current uint64
	if _, err := m.KVGet(key, &current); err != nil {
		return 0, err
	}
	if err := m.KVPut(key, current+1); err != nil {
		return 0, err
	}
	return current, nil
}

// kvBatch accumulates RLP-encoded writes that are committed atomically.
type kvBatch struct {
	batch *storage.Batch
}

func newKVBatch() *kvBatch { return &kvBatch{batch: storage.NewBatch()} }

func (b *kvBatch) put(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	b.batch.Put(kvKey(key), encoded)
	return nil
}

func (b *kvBatch) delete(key []byte) {
	b.batch.Delete(kvKey(key))
}

func (m *Manager) commit(b *kvBatch) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state: manager unavailable")
	}
	return m.db.Write(b.batch)
}
