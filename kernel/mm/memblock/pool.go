package memblock

// nilIndex terminates the index-linked region lists.
const nilIndex = int32(-1)

// record is a pool slot holding one region and its list links.
type record struct {
	Region
	prev, next int32
}

// regionPool is a fixed-capacity stack allocator for region records. All
// storage is sized once when the tracker is created so that region tracking
// works before any general purpose allocator exists.
type regionPool struct {
	records []record
	free    []int32
	top     int
}

func newRegionPool(capacity int) regionPool {
	p := regionPool{
		records: make([]record, capacity),
		free:    make([]int32, capacity),
		top:     capacity,
	}

	// Hand out low indices first.
	for i := 0; i < capacity; i++ {
		p.free[i] = int32(capacity - 1 - i)
	}
	return p
}

// available returns the number of records that can still be allocated.
func (p *regionPool) available() int {
	return p.top
}

// capacity returns the total number of records managed by the pool.
func (p *regionPool) capacity() int {
	return len(p.records)
}

// get pops a free record. Callers must check available first.
func (p *regionPool) get(r Region) int32 {
	p.top--
	idx := p.free[p.top]
	p.records[idx] = record{Region: r, prev: nilIndex, next: nilIndex}
	return idx
}

// put returns a record to the pool.
func (p *regionPool) put(idx int32) {
	p.records[idx] = record{prev: nilIndex, next: nilIndex}
	p.free[p.top] = idx
	p.top++
}
