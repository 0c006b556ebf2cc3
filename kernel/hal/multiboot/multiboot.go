// Package multiboot decodes the multiboot2 information structure that the
// boot loader hands to the kernel.
package multiboot

import (
	"encoding/binary"

	"github.com/yydcnjjw/my-os/kernel"
	"github.com/yydcnjjw/my-os/kernel/mm"
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
)

const (
	// tagHeaderSize is the size of the (type, size) pair that precedes
	// each tag.
	tagHeaderSize = 8

	// mmapHeaderSize is the size of the (entry size, entry version) pair
	// that precedes the memory map entries.
	mmapHeaderSize = 8

	// mmapEntrySize is the size of a memory map entry as emitted by
	// BuildInfo.
	mmapEntrySize = 24

	// MaxArchPFN is the number of frames addressable with the 46-bit
	// physical address space of x86-64.
	MaxArchPFN = mm.Frame(1<<46) >> mm.PageShift
)

// FramebufferType defines the type of the initialized framebuffer.
type FramebufferType uint8

const (
	// FrameBufferTypeIndexed specifies a 256-color palette.
	FrameBufferTypeIndexed FramebufferType = iota

	// FramebufferTypeRGB specifies direct RGB mode.
	FramebufferTypeRGB

	// FramebufferTypeEGA specifies EGA text mode.
	FramebufferTypeEGA
)

// FramebufferInfo provides information about the initialized framebuffer.
type FramebufferInfo struct {
	// The framebuffer physical address.
	PhysAddr uint64

	// Row pitch in bytes.
	Pitch uint32

	// Width and height in pixels (or characters if Type = FramebufferTypeEGA)
	Width, Height uint32

	// Bits per pixel (non EGA modes only).
	Bpp uint8

	// Framebuffer type.
	Type FramebufferType
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// MemBad indicates a defective memory region.
	MemBad

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemAcpiReclaimable:
		return "ACPI"
	case MemNvs:
		return "NVS"
	case MemBad:
		return "bad"
	default:
		return "reserved"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

var (
	infoData []byte

	errInfoTruncated = &kernel.Error{Module: "multiboot", Message: "multiboot info data is truncated", Kind: kernel.ErrKindInvalidArgument}
)

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// SetInfoData updates the multiboot information that the other functions of
// this package decode. It must be invoked before invoking any other function
// exported by this package.
func SetInfoData(data []byte) *kernel.Error {
	if len(data) < tagHeaderSize {
		return errInfoTruncated
	}

	totalSize := binary.LittleEndian.Uint32(data)
	if totalSize < tagHeaderSize || uint64(totalSize) > uint64(len(data)) {
		return errInfoTruncated
	}

	infoData = data[:totalSize]
	return nil
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func VisitMemRegions(visitor MemRegionVisitor) {
	offset, size := findTagByType(tagMemoryMap)
	if size < mmapHeaderSize {
		return
	}

	entrySize := int(binary.LittleEndian.Uint32(infoData[offset:]))
	if entrySize < mmapEntrySize-4 {
		return
	}

	end := offset + int(size)
	for cur := offset + mmapHeaderSize; cur+entrySize <= end; cur += entrySize {
		entry := MemoryMapEntry{
			PhysAddress: binary.LittleEndian.Uint64(infoData[cur:]),
			Length:      binary.LittleEndian.Uint64(infoData[cur+8:]),
			Type:        MemoryEntryType(binary.LittleEndian.Uint32(infoData[cur+16:])),
		}

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}
	}
}

// MemoryMap returns all memory map entries.
func MemoryMap() []MemoryMapEntry {
	var entries []MemoryMapEntry
	VisitMemRegions(func(entry *MemoryMapEntry) bool {
		entries = append(entries, *entry)
		return true
	})
	return entries
}

// EndOfRAMPFN returns the frame past the end of the highest available memory
// region, capped to MaxArchPFN.
func EndOfRAMPFN() mm.Frame {
	var endPFN mm.Frame
	VisitMemRegions(func(entry *MemoryMapEntry) bool {
		if entry.Type != MemAvailable {
			return true
		}

		if pfn := mm.Frame((entry.PhysAddress + entry.Length) >> mm.PageShift); pfn > endPFN {
			endPFN = pfn
		}
		return true
	})

	if endPFN > MaxArchPFN {
		endPFN = MaxArchPFN
	}
	return endPFN
}

// GetFramebufferInfo returns information about the framebuffer initialized by the
// bootloader. This function returns nil if no framebuffer info is available.
func GetFramebufferInfo() *FramebufferInfo {
	offset, size := findTagByType(tagFramebufferInfo)
	if size < 22 {
		return nil
	}

	data := infoData[offset:]
	return &FramebufferInfo{
		PhysAddr: binary.LittleEndian.Uint64(data),
		Pitch:    binary.LittleEndian.Uint32(data[8:]),
		Width:    binary.LittleEndian.Uint32(data[12:]),
		Height:   binary.LittleEndian.Uint32(data[16:]),
		Bpp:      data[20],
		Type:     FramebufferType(data[21]),
	}
}

// BootLoaderName returns the name reported by the boot loader.
func BootLoaderName() string {
	return stringTag(tagBootLoaderName)
}

// CmdLine returns the kernel command line.
func CmdLine() string {
	return stringTag(tagBootCmdLine)
}

func stringTag(typ tagType) string {
	offset, size := findTagByType(typ)
	data := infoData[offset : offset+int(size)]
	for i, b := range data {
		if b == 0 {
			return string(data[:i])
		}
	}
	return string(data)
}

// findTagByType scans the multiboot info data looking for the start of of the
// specified type. It returns the offset of the tag contents and the content
// length exluding the tag header.
//
// If the tag is not present in the multiboot info, findTagSection will return
// back (0,0).
func findTagByType(wanted tagType) (int, uint32) {
	cur := tagHeaderSize
	for cur+tagHeaderSize <= len(infoData) {
		curType := tagType(binary.LittleEndian.Uint32(infoData[cur:]))
		size := binary.LittleEndian.Uint32(infoData[cur+4:])
		if curType == tagMbSectionEnd || size < tagHeaderSize || cur+int(size) > len(infoData) {
			break
		}

		if curType == wanted {
			return cur + tagHeaderSize, size - tagHeaderSize
		}

		// Tags are aligned at 8-byte aligned addresses
		cur += int((size + 7) &^ 7)
	}

	return 0, 0
}

// BuildInfo encodes a multiboot information structure holding a boot loader
// name tag and a memory map tag for the given entries.
func BuildInfo(bootLoaderName string, entries []MemoryMapEntry) []byte {
	data := make([]byte, tagHeaderSize)

	nameSize := uint32(tagHeaderSize + len(bootLoaderName) + 1)
	data = binary.LittleEndian.AppendUint32(data, uint32(tagBootLoaderName))
	data = binary.LittleEndian.AppendUint32(data, nameSize)
	data = append(data, bootLoaderName...)
	data = append(data, 0)
	data = pad8(data)

	mmapSize := uint32(tagHeaderSize + mmapHeaderSize + mmapEntrySize*len(entries))
	data = binary.LittleEndian.AppendUint32(data, uint32(tagMemoryMap))
	data = binary.LittleEndian.AppendUint32(data, mmapSize)
	data = binary.LittleEndian.AppendUint32(data, mmapEntrySize)
	data = binary.LittleEndian.AppendUint32(data, 0)
	for _, entry := range entries {
		data = binary.LittleEndian.AppendUint64(data, entry.PhysAddress)
		data = binary.LittleEndian.AppendUint64(data, entry.Length)
		data = binary.LittleEndian.AppendUint32(data, uint32(entry.Type))
		data = binary.LittleEndian.AppendUint32(data, 0)
	}

	data = binary.LittleEndian.AppendUint32(data, uint32(tagMbSectionEnd))
	data = binary.LittleEndian.AppendUint32(data, tagHeaderSize)

	binary.LittleEndian.PutUint32(data, uint32(len(data)))
	return data
}

func pad8(data []byte) []byte {
	for len(data)%8 != 0 {
		data = append(data, 0)
	}
	return data
}
