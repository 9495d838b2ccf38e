// l3_mmap implements the zero-copy KV layer (L3): a flat, append-only
// data file mapped into memory with edsrzf/mmap-go so that reads return
// slices directly over the mapping instead of a freshly-copied buffer.
// This is deliberately a different storage strategy from L2's embedded
// KV and L4's segment log, per Component C's layering contract.
package storage

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
)

const l3InitialSize = 1 << 20 // 1 MiB

type l3Record struct {
	offset int64
	length int64
}

type l3MMapKV struct {
	mu      sync.RWMutex
	file    *os.File
	mapping mmap.MMap
	size    int64 // logical bytes written
	index   map[string]l3Record
	up      bool
}

func newL3MMapKV(path string) (*l3MMapKV, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	k := &l3MMapKV{file: f, index: make(map[string]l3Record), up: true}

	if info.Size() == 0 {
		if err := f.Truncate(l3InitialSize); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		k.size = info.Size()
	}

	if err := k.remapLocked(); err != nil {
		f.Close()
		return nil, err
	}

	if info.Size() > 0 {
		if err := k.rebuildIndexLocked(); err != nil {
			return nil, err
		}
	}

	return k, nil
}

func (k *l3MMapKV) remapLocked() error {
	if k.mapping != nil {
		if err := k.mapping.Unmap(); err != nil {
			return err
		}
	}
	m, err := mmap.Map(k.file, mmap.RDWR, 0)
	if err != nil {
		return err
	}
	k.mapping = m
	return nil
}

func (k *l3MMapKV) rebuildIndexLocked() error {
	var offset int64
	for offset+8 <= k.size {
		keyLen := int64(binary.LittleEndian.Uint32(k.mapping[offset : offset+4]))
		valLen := int64(binary.LittleEndian.Uint32(k.mapping[offset+4 : offset+8]))
		recordStart := offset + 8
		if recordStart+keyLen+valLen > k.size || keyLen == 0 {
			break
		}
		key := string(k.mapping[recordStart : recordStart+keyLen])
		k.index[key] = l3Record{offset: recordStart + keyLen, length: valLen}
		offset = recordStart + keyLen + valLen
	}
	return nil
}

func (k *l3MMapKV) growLocked(minExtra int64) error {
	capNow := int64(len(k.mapping))
	needed := k.size + minExtra
	if needed <= capNow {
		return nil
	}
	newCap := capNow * 2
	for newCap < needed {
		newCap *= 2
	}
	if err := k.mapping.Unmap(); err != nil {
		return err
	}
	k.mapping = nil
	if err := k.file.Truncate(newCap); err != nil {
		return err
	}
	return k.remapLocked()
}

func (k *l3MMapKV) put(key string, value []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.up {
		return errLayerDown
	}

	recordLen := int64(8 + len(key) + len(value))
	if err := k.growLocked(recordLen); err != nil {
		return err
	}

	offset := k.size
	binary.LittleEndian.PutUint32(k.mapping[offset:offset+4], uint32(len(key)))
	binary.LittleEndian.PutUint32(k.mapping[offset+4:offset+8], uint32(len(value)))
	copy(k.mapping[offset+8:offset+8+int64(len(key))], key)
	valueStart := offset + 8 + int64(len(key))
	copy(k.mapping[valueStart:valueStart+int64(len(value))], value)

	k.index[key] = l3Record{offset: valueStart, length: int64(len(value))}
	k.size = valueStart + int64(len(value))
	return nil
}

// get returns a slice directly over the memory mapping (no copy). The
// caller must treat it as read-only.
func (k *l3MMapKV) get(key string) ([]byte, bool, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if !k.up {
		return nil, false, errLayerDown
	}
	rec, ok := k.index[key]
	if !ok {
		return nil, false, nil
	}
	return k.mapping[rec.offset : rec.offset+rec.length], true, nil
}

func (k *l3MMapKV) setUp(up bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.up = up
}

func (k *l3MMapKV) isUp() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.up
}

func (k *l3MMapKV) close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.mapping != nil {
		if err := k.mapping.Unmap(); err != nil {
			return err
		}
	}
	return k.file.Close()
}
