package pxmem

import (
	"fmt"
	"reflect"
	"unsafe"

	"github.com/spaolacci/murmur3"
)

const minMapCap = 8

type mapEntry[K comparable, V any] struct {
	key K
	val V
}

// HashMap is an open-addressing hash map with linear probing whose slots come
// from an Adapter. Deletion shifts entries back instead of leaving tombstones.
type HashMap[K comparable, V any] struct {
	alloc Adapter
	hash  func(K) uint64
	used  []bool
	slots []mapEntry[K, V]
	n     int
}

// NewHashMap returns an empty map drawing memory from a (the default
// allocator when nil). A nil hash selects murmur3 over the key bytes, which
// requires a key type without padding.
func NewHashMap[K comparable, V any](a Allocator, hash func(K) uint64) (*HashMap[K, V], error) {
	if err := checkElem[K](); err != nil {
		return nil, err
	}
	if err := checkElem[V](); err != nil {
		return nil, err
	}
	if hash == nil {
		if t := reflect.TypeFor[K](); hasPadding(t) {
			return nil, fmt.Errorf("%s: %w", t, ErrPaddedKey)
		}
		hash = keyHash[K]
	}
	return &HashMap[K, V]{alloc: NewAdapter(a), hash: hash}, nil
}

func keyHash[K comparable](k K) uint64 {
	b := unsafe.Slice((*byte)(unsafe.Pointer(&k)), unsafe.Sizeof(k))
	return murmur3.Sum64(b)
}

func (m *HashMap[K, V]) Len() int { return m.n }

func (m *HashMap[K, V]) mask() uint64 { return uint64(len(m.slots) - 1) }

// find returns the slot holding k, or the empty slot where k would go.
func (m *HashMap[K, V]) find(k K) (int, bool) {
	mask := m.mask()
	for i := m.hash(k) & mask; ; i = (i + 1) & mask {
		if !m.used[i] {
			return int(i), false
		}
		if m.slots[i].key == k {
			return int(i), true
		}
	}
}

func (m *HashMap[K, V]) resize(newCap int) error {
	used, err := allocSlice[bool](m.alloc, newCap)
	if err != nil {
		return err
	}
	slots, err := allocSlice[mapEntry[K, V]](m.alloc, newCap)
	if err != nil {
		freeSlice(m.alloc, used)
		return err
	}
	clear(used)
	oldUsed, oldSlots := m.used, m.slots
	m.used, m.slots = used, slots
	for i := range oldUsed {
		if oldUsed[i] {
			j, _ := m.find(oldSlots[i].key)
			m.used[j] = true
			m.slots[j] = oldSlots[i]
		}
	}
	freeSlice(m.alloc, oldUsed)
	freeSlice(m.alloc, oldSlots)
	return nil
}

// Put inserts or replaces the value for k.
func (m *HashMap[K, V]) Put(k K, v V) error {
	if (m.n+1)*4 > len(m.slots)*3 {
		newCap := len(m.slots) * 2
		if newCap < minMapCap {
			newCap = minMapCap
		}
		if err := m.resize(newCap); err != nil {
			return err
		}
	}
	i, ok := m.find(k)
	if !ok {
		m.used[i] = true
		m.slots[i].key = k
		m.n++
	}
	m.slots[i].val = v
	return nil
}

func (m *HashMap[K, V]) Get(k K) (v V, ok bool) {
	if m.n == 0 {
		return
	}
	i, ok := m.find(k)
	if !ok {
		return v, false
	}
	return m.slots[i].val, true
}

func (m *HashMap[K, V]) Delete(k K) bool {
	if m.n == 0 {
		return false
	}
	i, ok := m.find(k)
	if !ok {
		return false
	}
	mask := m.mask()
	hole := uint64(i)
	for j := (hole + 1) & mask; m.used[j]; j = (j + 1) & mask {
		home := m.hash(m.slots[j].key) & mask
		// The entry at j may fill the hole unless its home lies in (hole, j].
		if hole <= j {
			if hole < home && home <= j {
				continue
			}
		} else if hole < home || home <= j {
			continue
		}
		m.slots[hole] = m.slots[j]
		hole = j
	}
	m.used[hole] = false
	m.slots[hole] = mapEntry[K, V]{}
	m.n--
	return true
}

// Range calls f for every entry until f returns false. The map must not be
// modified during iteration.
func (m *HashMap[K, V]) Range(f func(K, V) bool) {
	for i := range m.used {
		if m.used[i] && !f(m.slots[i].key, m.slots[i].val) {
			return
		}
	}
}

// Release frees all slots. The map stays usable and empty.
func (m *HashMap[K, V]) Release() {
	freeSlice(m.alloc, m.used)
	freeSlice(m.alloc, m.slots)
	m.used, m.slots, m.n = nil, nil, 0
}
