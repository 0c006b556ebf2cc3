package main

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/yydcnjjw/my-os/kernel/hal/multiboot"
	"github.com/yydcnjjw/my-os/kernel/mm/pmm"
)

// Machine describes the memory map reported by the boot loader and the
// physical layout of the loaded kernel image.
type Machine struct {
	Name       string        `yaml:"name"`
	BootLoader string        `yaml:"boot_loader"`
	Memory     []MemoryEntry `yaml:"memory"`
	Kernel     KernelImage   `yaml:"kernel"`
}

// MemoryEntry is a single memory map entry. Type is one of available,
// reserved, acpi, nvs or bad.
type MemoryEntry struct {
	Base   uint64 `yaml:"base"`
	Length uint64 `yaml:"length"`
	Type   string `yaml:"type"`
}

// KernelImage holds the physical section boundaries of the kernel image.
type KernelImage struct {
	CodeStart uint64 `yaml:"code_start"`
	CodeEnd   uint64 `yaml:"code_end"`
	DataStart uint64 `yaml:"data_start"`
	DataEnd   uint64 `yaml:"data_end"`
	BrkBase   uint64 `yaml:"brk_base"`
	BrkEnd    uint64 `yaml:"brk_end"`
}

var memoryTypes = map[string]multiboot.MemoryEntryType{
	"available": multiboot.MemAvailable,
	"reserved":  multiboot.MemReserved,
	"acpi":      multiboot.MemAcpiReclaimable,
	"nvs":       multiboot.MemNvs,
	"bad":       multiboot.MemBad,
}

// defaultMachine returns the memory map that QEMU reports for a machine with
// 128M of RAM.
func defaultMachine() *Machine {
	return &Machine{
		Name:       "qemu-128m",
		BootLoader: "memsim",
		Memory: []MemoryEntry{
			{Base: 0x0, Length: 0x9fc00, Type: "available"},
			{Base: 0x9fc00, Length: 0x400, Type: "reserved"},
			{Base: 0xf0000, Length: 0x10000, Type: "reserved"},
			{Base: 0x100000, Length: 0x7ee0000, Type: "available"},
			{Base: 0x7fe0000, Length: 0x20000, Type: "reserved"},
			{Base: 0xfffc0000, Length: 0x40000, Type: "reserved"},
		},
		Kernel: KernelImage{
			CodeStart: 0x100000,
			CodeEnd:   0x1c2000,
			DataStart: 0x1c2000,
			DataEnd:   0x1f0000,
			BrkBase:   0x1f0000,
			BrkEnd:    0x210000,
		},
	}
}

// loadMachine reads the machine description at path or returns the default
// machine if path is empty.
func loadMachine(path string) (*Machine, error) {
	if path == "" {
		return defaultMachine(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read machine description")
	}

	m, err := parseMachine(data)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	return m, nil
}

func parseMachine(data []byte) (*Machine, error) {
	var m Machine
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "parse machine description")
	}

	if err := m.validate(); err != nil {
		return nil, err
	}

	if m.Name == "" {
		m.Name = "unnamed"
	}
	if m.BootLoader == "" {
		m.BootLoader = "memsim"
	}
	return &m, nil
}

func (m *Machine) validate() error {
	if len(m.Memory) == 0 {
		return errors.New("machine has no memory map entries")
	}

	for i, entry := range m.Memory {
		if _, ok := memoryTypes[strings.ToLower(entry.Type)]; !ok {
			return errors.Errorf("memory entry %d: unknown type %q", i, entry.Type)
		}
		if entry.Length == 0 {
			return errors.Errorf("memory entry %d: zero length", i)
		}
		if entry.Base+entry.Length < entry.Base {
			return errors.Errorf("memory entry %d: range overflows", i)
		}
	}

	k := m.Kernel
	if k.CodeEnd < k.CodeStart || k.DataEnd < k.DataStart || k.BrkEnd < k.BrkBase {
		return errors.New("kernel image sections must not end before they start")
	}
	return nil
}

// Entries returns the memory map in the form reported by the boot loader.
func (m *Machine) Entries() []multiboot.MemoryMapEntry {
	entries := make([]multiboot.MemoryMapEntry, 0, len(m.Memory))
	for _, entry := range m.Memory {
		entries = append(entries, multiboot.MemoryMapEntry{
			PhysAddress: entry.Base,
			Length:      entry.Length,
			Type:        memoryTypes[strings.ToLower(entry.Type)],
		})
	}
	return entries
}

// InfoData encodes the machine as the multiboot information structure that
// a boot loader would pass to the kernel.
func (m *Machine) InfoData() []byte {
	return multiboot.BuildInfo(m.BootLoader, m.Entries())
}

// Layout returns the kernel image layout.
func (m *Machine) Layout() pmm.KernelLayout {
	return pmm.KernelLayout{
		CodeStart: uintptr(m.Kernel.CodeStart),
		CodeEnd:   uintptr(m.Kernel.CodeEnd),
		DataStart: uintptr(m.Kernel.DataStart),
		DataEnd:   uintptr(m.Kernel.DataEnd),
		BrkBase:   uintptr(m.Kernel.BrkBase),
		BrkEnd:    uintptr(m.Kernel.BrkEnd),
	}
}
