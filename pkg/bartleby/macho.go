package bartleby

import (
	"debug/macho"
	"encoding/binary"

	"github.com/ksco/bartleby/pkg/utils"
)

// nlist n_type and n_desc bits.
const (
	N_STAB uint8 = 0xe0
	N_PEXT uint8 = 0x10
	N_TYPE uint8 = 0x0e
	N_EXT  uint8 = 0x01

	N_UNDF uint8 = 0x0
	N_ABS  uint8 = 0x2
	N_INDR uint8 = 0xa
	N_PBUD uint8 = 0xc
	N_SECT uint8 = 0xe

	N_WEAK_REF uint16 = 0x40
	N_WEAK_DEF uint16 = 0x80
)

// Section types whose contents are not stored in the file.
const (
	S_ZEROFILL              = 0x1
	S_GB_ZEROFILL           = 0xc
	S_THREAD_LOCAL_ZEROFILL = 0x12

	SECTION_TYPE               = 0xff
	S_ATTR_PURE_INSTRUCTIONS   = 0x80000000
	S_ATTR_SOME_INSTRUCTIONS   = 0x00000400
	R_SCATTERED                = 0x80000000
	machoRelocationInfoSize    = 8
	machoLoadCommandHeaderSize = 8
)

type MachSection struct {
	Name    string
	Segment string
	Addr    uint64
	Size    uint64
	Offset  uint32
	Align   uint32
	Reloff  uint32
	Nreloc  uint32
	Flags   uint32
}

func (s *MachSection) IsZeroFill() bool {
	switch s.Flags & SECTION_TYPE {
	case S_ZEROFILL, S_GB_ZEROFILL, S_THREAD_LOCAL_ZEROFILL:
		return true
	}
	return false
}

func (s *MachSection) HasInstructions() bool {
	return s.Flags&(S_ATTR_PURE_INSTRUCTIONS|S_ATTR_SOME_INSTRUCTIONS) != 0
}

type Nlist struct {
	Strx  uint32
	Type  uint8
	Sect  uint8
	Desc  uint16
	Value uint64
}

func (n *Nlist) IsStab() bool {
	return n.Type&N_STAB != 0
}

func (n *Nlist) IsExternal() bool {
	return n.Type&N_EXT != 0
}

func (n *Nlist) Kind() uint8 {
	return n.Type & N_TYPE
}

// IsCommon reports a tentative definition: an external undefined symbol
// with a non-zero size in n_value.
func (n *Nlist) IsCommon() bool {
	return !n.IsStab() && n.Kind() == N_UNDF && n.IsExternal() && n.Value != 0
}

type machoLayout struct {
	is64  bool
	order binary.ByteOrder
}

func (l machoLayout) headerSize() uint64 {
	// mach_header_64 adds a reserved word.
	if l.is64 {
		return uint64(binary.Size(macho.FileHeader{})) + 4
	}
	return uint64(binary.Size(macho.FileHeader{}))
}

func (l machoLayout) nlistSize() uint64 {
	if l.is64 {
		return uint64(binary.Size(macho.Nlist64{}))
	}
	return uint64(binary.Size(macho.Nlist32{}))
}

func (l machoLayout) segmentSize() uint64 {
	if l.is64 {
		return uint64(binary.Size(macho.Segment64{}))
	}
	return uint64(binary.Size(macho.Segment32{}))
}

func (l machoLayout) sectionSize() uint64 {
	if l.is64 {
		return uint64(binary.Size(macho.Section64{}))
	}
	return uint64(binary.Size(macho.Section32{}))
}

func (l machoLayout) stringTableAlign() uint64 {
	if l.is64 {
		return 8
	}
	return 4
}

// readSegment returns the number of sections that follow the segment
// command at data.
func (l machoLayout) readSegment(data []byte) (uint32, error) {
	if l.is64 {
		seg, err := utils.Read[macho.Segment64](data, l.order)
		return seg.Nsect, err
	}
	seg, err := utils.Read[macho.Segment32](data, l.order)
	return seg.Nsect, err
}

func (l machoLayout) readSection(data []byte) (MachSection, error) {
	if l.is64 {
		s, err := utils.Read[macho.Section64](data, l.order)
		if err != nil {
			return MachSection{}, err
		}
		return MachSection{
			Name: cstring(s.Name[:]), Segment: cstring(s.Seg[:]),
			Addr: s.Addr, Size: s.Size, Offset: s.Offset, Align: s.Align,
			Reloff: s.Reloff, Nreloc: s.Nreloc, Flags: s.Flags,
		}, nil
	}

	s, err := utils.Read[macho.Section32](data, l.order)
	if err != nil {
		return MachSection{}, err
	}
	return MachSection{
		Name: cstring(s.Name[:]), Segment: cstring(s.Seg[:]),
		Addr: uint64(s.Addr), Size: uint64(s.Size), Offset: s.Offset, Align: s.Align,
		Reloff: s.Reloff, Nreloc: s.Nreloc, Flags: s.Flags,
	}, nil
}

func (l machoLayout) readNlist(data []byte) (Nlist, error) {
	if l.is64 {
		n, err := utils.Read[macho.Nlist64](data, l.order)
		return Nlist{Strx: n.Name, Type: n.Type, Sect: n.Sect, Desc: n.Desc, Value: n.Value}, err
	}
	n, err := utils.Read[macho.Nlist32](data, l.order)
	return Nlist{Strx: n.Name, Type: n.Type, Sect: n.Sect, Desc: n.Desc, Value: uint64(n.Value)}, err
}

// putStrx overwrites n_strx, the first field of both nlist variants.
func (l machoLayout) putStrx(data []byte, strx uint32) {
	l.order.PutUint32(data, strx)
}

// readReloc decodes a relocation_info entry. The bit-field order of
// r_info follows the byte order of the file. Scattered entries report
// Extern false and a zero symbol number.
func (l machoLayout) readReloc(data []byte, section int) Reloc {
	addr := l.order.Uint32(data)
	info := l.order.Uint32(data[4:])

	if !l.is64 && addr&R_SCATTERED != 0 {
		return Reloc{
			Section: section,
			Offset:  uint64(addr & 0x00ffffff),
			Type:    (addr >> 24) & 0xf,
		}
	}

	r := Reloc{Section: section, Offset: uint64(addr)}
	if l.order == binary.BigEndian {
		r.Sym = info >> 8
		r.Extern = (info>>4)&1 != 0
		r.Type = info & 0xf
	} else {
		r.Sym = info & 0x00ffffff
		r.Extern = (info>>27)&1 != 0
		r.Type = info >> 28
	}
	return r
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
