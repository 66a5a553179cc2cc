package lattice

// hashTable maps lattice keys (the first d coordinates of a lattice point) to
// dense vertex ids. Keys live in one arena indexed by vertex id.
type hashTable struct {
	d     int
	keys  []int32
	table []int32 // -1 marks an empty slot
	mask  uint64
	count int
}

func newHashTable(d, capacity int) *hashTable {
	size := 16
	for size < 2*capacity {
		size <<= 1
	}
	h := &hashTable{
		d:     d,
		keys:  make([]int32, 0, capacity*d),
		table: make([]int32, size),
		mask:  uint64(size - 1),
	}
	for i := range h.table {
		h.table[i] = -1
	}
	return h
}

func hashKey(key []int32) uint64 {
	var k uint64
	for _, c := range key {
		k += uint64(uint32(c))
		k *= 2531011
	}
	return k
}

func (h *hashTable) key(id int32) []int32 {
	off := int(id) * h.d
	return h.keys[off : off+h.d]
}

func (h *hashTable) equal(id int32, key []int32) bool {
	stored := h.key(id)
	for i, c := range key {
		if stored[i] != c {
			return false
		}
	}
	return true
}

// find returns the vertex id for key, or -1 when absent and create is false.
// Lookups with create == false never mutate the table and are safe to run
// concurrently once insertion is finished.
func (h *hashTable) find(key []int32, create bool) int32 {
	if create && 2*(h.count+1) > len(h.table) {
		h.grow()
	}
	i := hashKey(key) & h.mask
	for {
		id := h.table[i]
		if id < 0 {
			if !create {
				return -1
			}
			id = int32(h.count)
			h.keys = append(h.keys, key...)
			h.table[i] = id
			h.count++
			return id
		}
		if h.equal(id, key) {
			return id
		}
		i = (i + 1) & h.mask
	}
}

func (h *hashTable) grow() {
	size := len(h.table) * 2
	table := make([]int32, size)
	for i := range table {
		table[i] = -1
	}
	mask := uint64(size - 1)
	for v := range h.count {
		i := hashKey(h.key(int32(v))) & mask
		for table[i] >= 0 {
			i = (i + 1) & mask
		}
		table[i] = int32(v)
	}
	h.table = table
	h.mask = mask
}

func (h *hashTable) size() int     { return h.count }
func (h *hashTable) capacity() int { return len(h.table) }
