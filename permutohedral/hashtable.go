package permutohedral

// hashTable maps short lattice coordinate keys to dense vertex indices. Keys
// are stored contiguously in one arena in insertion order, so the dense index
// of a vertex doubles as the offset of its key. Open addressing with linear
// probing; the table doubles once half full.
type hashTable struct {
	keySize  int
	capacity int
	filled   int
	keys     []int16
	entries  []int32
}

func newHashTable(keySize, expected int) *hashTable {
	capacity := 16
	for capacity < 2*expected {
		capacity <<= 1
	}
	h := &hashTable{
		keySize:  keySize,
		capacity: capacity,
		keys:     make([]int16, 0, capacity*keySize),
		entries:  make([]int32, capacity),
	}
	for i := range h.entries {
		h.entries[i] = -1
	}
	return h
}

func (h *hashTable) hash(key []int16) uint64 {
	var k uint64
	for _, v := range key {
		k += uint64(uint16(v))
		k *= 2531011
	}
	return k
}

func (h *hashTable) grow() {
	old := h.entries
	h.capacity *= 2
	h.entries = make([]int32, h.capacity)
	for i := range h.entries {
		h.entries[i] = -1
	}
	for _, e := range old {
		if e < 0 {
			continue
		}
		slot := h.hash(h.key(e)) % uint64(h.capacity)
		for h.entries[slot] >= 0 {
			slot = (slot + 1) % uint64(h.capacity)
		}
		h.entries[slot] = e
	}
}

// find returns the dense index of key, inserting it when create is set.
// Returns -1 when the key is absent and create is false.
func (h *hashTable) find(key []int16, create bool) int32 {
	if create && 2*h.filled >= h.capacity {
		h.grow()
	}
	slot := h.hash(key) % uint64(h.capacity)
	for {
		e := h.entries[slot]
		if e < 0 {
			if !create {
				return -1
			}
			h.keys = append(h.keys, key...)
			idx := int32(h.filled)
			h.entries[slot] = idx
			h.filled++
			return idx
		}
		stored := h.key(e)
		match := true
		for i := range stored {
			if stored[i] != key[i] {
				match = false
				break
			}
		}
		if match {
			return e
		}
		slot = (slot + 1) % uint64(h.capacity)
	}
}

func (h *hashTable) key(i int32) []int16 {
	return h.keys[int(i)*h.keySize : (int(i)+1)*h.keySize]
}

func (h *hashTable) size() int {
	return h.filled
}
