package bartleby

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/ksco/bartleby/pkg/utils"
)

const SHN_LORESERVE uint16 = 0xff00

// Ehdr, Shdr and Sym are class-independent views of the on-disk ELF
// structures. elfLayout converts between them and the 32/64-bit encodings.
type Ehdr struct {
	Ident     [16]uint8
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	PhOff     uint64
	ShOff     uint64
	Flags     uint32
	EhSize    uint16
	PhEntSize uint16
	PhNum     uint16
	ShEntSize uint16
	ShNum     uint16
	ShStrndx  uint16
}

type Shdr struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
}

type Sym struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Val   uint64
	Size  uint64
}

func (s *Sym) IsUndef() bool {
	return s.Shndx == uint16(elf.SHN_UNDEF)
}

func (s *Sym) IsDefined() bool {
	return !s.IsUndef()
}

func (s *Sym) IsCommon() bool {
	return s.Shndx == uint16(elf.SHN_COMMON)
}

func (s *Sym) IsAbs() bool {
	return s.Shndx == uint16(elf.SHN_ABS)
}

// IsReserved reports a section index in the reserved range that is
// neither ABS, COMMON nor an escape to SHT_SYMTAB_SHNDX.
func (s *Sym) IsReserved() bool {
	return s.Shndx >= SHN_LORESERVE &&
		s.Shndx != uint16(elf.SHN_ABS) &&
		s.Shndx != uint16(elf.SHN_COMMON) &&
		s.Shndx != uint16(elf.SHN_XINDEX)
}

func (s *Sym) IsWeak() bool {
	return s.Bind() == uint8(elf.STB_WEAK)
}

func (s *Sym) IsLocal() bool {
	return s.Bind() == uint8(elf.STB_LOCAL)
}

func (s *Sym) Type() uint8 {
	return s.Info & 0xf
}

func (s *Sym) Bind() uint8 {
	return s.Info >> 4
}

type Rela struct {
	Offset uint64
	Type   uint32
	Sym    uint32
	Addend int64
}

// elfLayout knows the encoding of one ELF class and byte order.
type elfLayout struct {
	class elf.Class
	order binary.ByteOrder
	// mips64el stores r_info as a little-endian r_sym followed by type bytes.
	mips64el bool
}

func (l elfLayout) is64() bool {
	return l.class == elf.ELFCLASS64
}

func (l elfLayout) ehdrSize() uint64 {
	if l.is64() {
		return uint64(binary.Size(elf.Header64{}))
	}
	return uint64(binary.Size(elf.Header32{}))
}

func (l elfLayout) shdrSize() uint64 {
	if l.is64() {
		return uint64(binary.Size(elf.Section64{}))
	}
	return uint64(binary.Size(elf.Section32{}))
}

func (l elfLayout) symSize() uint64 {
	if l.is64() {
		return elf.Sym64Size
	}
	return elf.Sym32Size
}

func (l elfLayout) relSize(rela bool) uint64 {
	switch {
	case l.is64() && rela:
		return uint64(binary.Size(elf.Rela64{}))
	case l.is64():
		return uint64(binary.Size(elf.Rel64{}))
	case rela:
		return uint64(binary.Size(elf.Rela32{}))
	}
	return uint64(binary.Size(elf.Rel32{}))
}

func (l elfLayout) readEhdr(data []byte) (Ehdr, error) {
	if l.is64() {
		h, err := utils.Read[elf.Header64](data, l.order)
		if err != nil {
			return Ehdr{}, err
		}
		return Ehdr{
			Ident: h.Ident, Type: h.Type, Machine: h.Machine, Version: h.Version,
			Entry: h.Entry, PhOff: h.Phoff, ShOff: h.Shoff, Flags: h.Flags,
			EhSize: h.Ehsize, PhEntSize: h.Phentsize, PhNum: h.Phnum,
			ShEntSize: h.Shentsize, ShNum: h.Shnum, ShStrndx: h.Shstrndx,
		}, nil
	}

	h, err := utils.Read[elf.Header32](data, l.order)
	if err != nil {
		return Ehdr{}, err
	}
	return Ehdr{
		Ident: h.Ident, Type: h.Type, Machine: h.Machine, Version: h.Version,
		Entry: uint64(h.Entry), PhOff: uint64(h.Phoff), ShOff: uint64(h.Shoff),
		Flags: h.Flags, EhSize: h.Ehsize, PhEntSize: h.Phentsize, PhNum: h.Phnum,
		ShEntSize: h.Shentsize, ShNum: h.Shnum, ShStrndx: h.Shstrndx,
	}, nil
}

func (l elfLayout) readShdr(data []byte) (Shdr, error) {
	if l.is64() {
		s, err := utils.Read[elf.Section64](data, l.order)
		if err != nil {
			return Shdr{}, err
		}
		return Shdr{
			Name: s.Name, Type: s.Type, Flags: s.Flags, Addr: s.Addr,
			Offset: s.Off, Size: s.Size, Link: s.Link, Info: s.Info,
			AddrAlign: s.Addralign, EntSize: s.Entsize,
		}, nil
	}

	s, err := utils.Read[elf.Section32](data, l.order)
	if err != nil {
		return Shdr{}, err
	}
	return Shdr{
		Name: s.Name, Type: s.Type, Flags: uint64(s.Flags), Addr: uint64(s.Addr),
		Offset: uint64(s.Off), Size: uint64(s.Size), Link: s.Link, Info: s.Info,
		AddrAlign: uint64(s.Addralign), EntSize: uint64(s.Entsize),
	}, nil
}

func (l elfLayout) writeShdr(data []byte, s Shdr) error {
	if l.is64() {
		return utils.Write(data, l.order, elf.Section64{
			Name: s.Name, Type: s.Type, Flags: s.Flags, Addr: s.Addr,
			Off: s.Offset, Size: s.Size, Link: s.Link, Info: s.Info,
			Addralign: s.AddrAlign, Entsize: s.EntSize,
		})
	}
	return utils.Write(data, l.order, elf.Section32{
		Name: s.Name, Type: s.Type, Flags: uint32(s.Flags), Addr: uint32(s.Addr),
		Off: uint32(s.Offset), Size: uint32(s.Size), Link: s.Link, Info: s.Info,
		Addralign: uint32(s.AddrAlign), Entsize: uint32(s.EntSize),
	})
}

func (l elfLayout) readSym(data []byte) (Sym, error) {
	if l.is64() {
		s, err := utils.Read[elf.Sym64](data, l.order)
		if err != nil {
			return Sym{}, err
		}
		return Sym{
			Name: s.Name, Info: s.Info, Other: s.Other, Shndx: s.Shndx,
			Val: s.Value, Size: s.Size,
		}, nil
	}

	s, err := utils.Read[elf.Sym32](data, l.order)
	if err != nil {
		return Sym{}, err
	}
	return Sym{
		Name: s.Name, Info: s.Info, Other: s.Other, Shndx: s.Shndx,
		Val: uint64(s.Value), Size: uint64(s.Size),
	}, nil
}

// putSymName overwrites st_name, which sits at offset 0 in both classes.
func (l elfLayout) putSymName(data []byte, name uint32) {
	l.order.PutUint32(data, name)
}

func (l elfLayout) readRel(data []byte, rela bool) (Rela, error) {
	var r Rela
	var info uint64

	switch {
	case l.is64() && rela:
		v, err := utils.Read[elf.Rela64](data, l.order)
		if err != nil {
			return r, err
		}
		r.Offset, info, r.Addend = v.Off, v.Info, v.Addend
	case l.is64():
		v, err := utils.Read[elf.Rel64](data, l.order)
		if err != nil {
			return r, err
		}
		r.Offset, info = v.Off, v.Info
	case rela:
		v, err := utils.Read[elf.Rela32](data, l.order)
		if err != nil {
			return r, err
		}
		r.Offset, r.Addend = uint64(v.Off), int64(v.Addend)
		r.Sym, r.Type = elf.R_SYM32(v.Info), elf.R_TYPE32(v.Info)
		return r, nil
	default:
		v, err := utils.Read[elf.Rel32](data, l.order)
		if err != nil {
			return r, err
		}
		r.Offset = uint64(v.Off)
		r.Sym, r.Type = elf.R_SYM32(v.Info), elf.R_TYPE32(v.Info)
		return r, nil
	}

	if l.mips64el {
		r.Sym = uint32(info)
		r.Type = uint32(info >> 56)
		return r, nil
	}
	r.Sym, r.Type = elf.R_SYM64(info), elf.R_TYPE64(info)
	return r, nil
}

// getName returns the NUL-terminated string at offset. ok is false when
// offset is outside strTab or the string is not terminated.
func getName(strTab []byte, offset uint32) (string, bool) {
	if uint64(offset) >= uint64(len(strTab)) {
		return "", false
	}
	length := bytes.IndexByte(strTab[offset:], 0)
	if length < 0 {
		return "", false
	}
	return string(strTab[offset : offset+uint32(length)]), true
}

func writeString(buf []byte, str string) int64 {
	copy(buf, str)
	buf[len(str)] = 0
	return int64(len(str)) + 1
}
