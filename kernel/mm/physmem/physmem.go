// Package physmem provides the simulated physical address space that the
// allocators manage. Physical addresses are translated to offsets into a
// single anonymous mapping so that intrusive freelists and object copies
// operate on real memory.
package physmem

import (
	"encoding/binary"

	"github.com/yydcnjjw/my-os/kernel"
	"github.com/yydcnjjw/my-os/kernel/mm"
)

var (
	errInvalidRange = &kernel.Error{Module: "physmem", Message: "physical memory range must be non-empty and page aligned", Kind: kernel.ErrKindInvalidArgument}
	errMapFailed    = &kernel.Error{Module: "physmem", Message: "unable to map physical memory backing", Kind: kernel.ErrKindOutOfMemory}

	// The following functions are mocked by tests.
	mapFn   = mapAnonymous
	unmapFn = unmapAnonymous
)

// Memory is a physical address range [Base, Base+Size) backed by host memory.
type Memory struct {
	base uintptr
	data []byte
}

// New maps size bytes of physical memory starting at base. Both base and
// size must be page aligned. The mapping is zero-filled.
func New(base uintptr, size mm.Size) (*Memory, *kernel.Error) {
	if size == 0 || base&uintptr(mm.PageSize-1) != 0 || size&(mm.PageSize-1) != 0 {
		return nil, errInvalidRange
	}

	data, err := mapFn(int(size))
	if err != nil {
		return nil, errMapFailed
	}

	return &Memory{base: base, data: data}, nil
}

// Close releases the host memory backing m. Any further access panics.
func (m *Memory) Close() error {
	if m.data == nil {
		return nil
	}
	err := unmapFn(m.data)
	m.data = nil
	return err
}

// Base returns the first physical address covered by m.
func (m *Memory) Base() uintptr { return m.base }

// End returns the first physical address past the end of m.
func (m *Memory) End() uintptr { return m.base + uintptr(len(m.data)) }

// Size returns the size of the physical range covered by m.
func (m *Memory) Size() mm.Size { return mm.Size(len(m.data)) }

// Contains returns true if [addr, addr+size) lies inside m.
func (m *Memory) Contains(addr uintptr, size mm.Size) bool {
	return addr >= m.base && uint64(addr-m.base)+uint64(size) <= uint64(len(m.data))
}

// Bytes returns a slice aliasing the physical range [addr, addr+size) or nil
// if the range is not fully covered by m.
func (m *Memory) Bytes(addr uintptr, size mm.Size) []byte {
	if !m.Contains(addr, size) {
		return nil
	}
	off := addr - m.base
	return m.data[off : off+uintptr(size) : off+uintptr(size)]
}

// ReadWord loads the machine word stored at addr.
func (m *Memory) ReadWord(addr uintptr) uintptr {
	off := addr - m.base
	return uintptr(binary.LittleEndian.Uint64(m.data[off : off+uintptr(mm.WordSize)]))
}

// WriteWord stores value as a machine word at addr.
func (m *Memory) WriteWord(addr, value uintptr) {
	off := addr - m.base
	binary.LittleEndian.PutUint64(m.data[off:off+uintptr(mm.WordSize)], uint64(value))
}

// Memset sets size bytes at the given address to the supplied value. Instead
// of a byte loop it issues log2(size) copy calls.
func (m *Memory) Memset(addr uintptr, value byte, size mm.Size) {
	if size == 0 {
		return
	}

	target := m.Bytes(addr, size)
	target[0] = value
	for index := 1; index < len(target); index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Memcopy copies size bytes from src to dst. Overlapping ranges are handled
// like the builtin copy.
func (m *Memory) Memcopy(src, dst uintptr, size mm.Size) {
	if size == 0 {
		return
	}

	copy(m.Bytes(dst, size), m.Bytes(src, size))
}
