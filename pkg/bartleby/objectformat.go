package bartleby

import (
	"debug/elf"
	"debug/macho"
	"encoding/binary"
	"fmt"
)

type Family = int8

const (
	FamilyNone Family = iota
	FamilyElf
	FamilyMachO
)

// ObjectFormat identifies the object flavour a session works on. Every
// object added to one session must have the same ObjectFormat.
type ObjectFormat struct {
	Family    Family
	Is64      bool
	ByteOrder binary.ByteOrder
	// Machine is e_machine for ELF and cputype for Mach-O.
	Machine uint32
}

func (f ObjectFormat) Equal(o ObjectFormat) bool {
	return f.Family == o.Family && f.Is64 == o.Is64 &&
		f.ByteOrder == o.ByteOrder && f.Machine == o.Machine
}

// SymbolUnderscore reports whether C symbols carry a leading underscore.
func (f ObjectFormat) SymbolUnderscore() bool {
	return f.Family == FamilyMachO
}

func (f ObjectFormat) String() string {
	bits := 32
	if f.Is64 {
		bits = 64
	}
	order := "le"
	if f.ByteOrder == binary.BigEndian {
		order = "be"
	}

	switch f.Family {
	case FamilyElf:
		return fmt.Sprintf("elf%d-%s-%s", bits, order, elf.Machine(f.Machine))
	case FamilyMachO:
		return fmt.Sprintf("macho%d-%s-%s", bits, order, macho.Cpu(f.Machine))
	}
	return "none"
}
