package bartleby

import (
	"debug/elf"
	"encoding/binary"

	"github.com/ksco/bartleby/pkg/utils"
)

// InputFile holds the header-level view of an ELF file: the file header,
// the section header table and the section name table.
type InputFile struct {
	File         *File
	Layout       elfLayout
	Ehdr         Ehdr
	ElfSections  []Shdr
	ShStrtab     []byte
	FirstGlobal  int64
	SymbolStrtab []byte

	ElfSyms []Sym
}

func NewInputFile(file *File) (*InputFile, error) {
	f := &InputFile{File: file}
	contents := file.Contents
	name := file.DisplayName()

	if len(contents) < elf.EI_NIDENT || !CheckElfMagic(contents) {
		return nil, malformed(name, 0, "e_ident", "not an ELF file")
	}
	order, ok := elfByteOrder(contents)
	if !ok {
		return nil, malformed(name, elf.EI_DATA, "e_ident", "unknown data encoding %d", contents[elf.EI_DATA])
	}
	f.Layout = elfLayout{class: elf.Class(contents[elf.EI_CLASS]), order: order}
	if uint64(len(contents)) < f.Layout.ehdrSize() {
		return nil, malformed(name, 0, "e_ehsize", "file too small")
	}

	ehdr, err := f.Layout.readEhdr(contents)
	if err != nil {
		return nil, malformed(name, 0, "e_ehsize", "%v", err)
	}
	f.Ehdr = ehdr
	f.Layout.mips64el = f.Layout.is64() && order == binary.LittleEndian &&
		elf.Machine(ehdr.Machine) == elf.EM_MIPS

	if ehdr.ShOff == 0 {
		return f, nil
	}

	shdrSize := f.Layout.shdrSize()
	if uint64(ehdr.ShEntSize) != shdrSize {
		return nil, malformed(name, ehdr.ShOff, "e_shentsize", "expected %d, got %d", shdrSize, ehdr.ShEntSize)
	}
	if !utils.InBounds(ehdr.ShOff, shdrSize, len(contents)) {
		return nil, malformed(name, ehdr.ShOff, "e_shoff", "section header table is out of range")
	}

	shdr, err := f.Layout.readShdr(contents[ehdr.ShOff:])
	if err != nil {
		return nil, malformed(name, ehdr.ShOff, "e_shoff", "%v", err)
	}

	numSections := uint64(ehdr.ShNum)
	if numSections == 0 {
		numSections = shdr.Size
	}
	if numSections > (uint64(len(contents))-ehdr.ShOff)/shdrSize {
		return nil, malformed(name, ehdr.ShOff, "e_shnum", "%d section headers do not fit in the file", numSections)
	}

	f.ElfSections = make([]Shdr, 0, numSections)
	f.ElfSections = append(f.ElfSections, shdr)
	for i := uint64(1); i < numSections; i++ {
		off := ehdr.ShOff + i*shdrSize
		s, err := f.Layout.readShdr(contents[off:])
		if err != nil {
			return nil, malformed(name, off, "section header", "%v", err)
		}
		f.ElfSections = append(f.ElfSections, s)
	}

	for i := range f.ElfSections {
		s := &f.ElfSections[i]
		if s.Type == uint32(elf.SHT_NOBITS) || s.Type == uint32(elf.SHT_NULL) {
			continue
		}
		if !utils.InBounds(s.Offset, s.Size, len(contents)) {
			return nil, malformed(name, f.ShdrOffset(int64(i)), "sh_offset",
				"section %d [%#x, +%#x) is out of range", i, s.Offset, s.Size)
		}
	}

	shstrtabIdx := int64(ehdr.ShStrndx)
	if ehdr.ShStrndx == uint16(elf.SHN_XINDEX) {
		shstrtabIdx = int64(shdr.Link)
	}
	if shstrtabIdx != int64(elf.SHN_UNDEF) {
		if shstrtabIdx >= int64(len(f.ElfSections)) {
			return nil, malformed(name, 0, "e_shstrndx", "section %d does not exist", shstrtabIdx)
		}
		f.ShStrtab, err = f.GetBytesFromIdx(shstrtabIdx)
		if err != nil {
			return nil, err
		}
	}

	return f, nil
}

// ShdrOffset is the file offset of the idx-th section header.
func (f *InputFile) ShdrOffset(idx int64) uint64 {
	return f.Ehdr.ShOff + uint64(idx)*f.Layout.shdrSize()
}

func (f *InputFile) GetBytesFromShdr(s *Shdr) ([]byte, error) {
	if s.Type == uint32(elf.SHT_NOBITS) || s.Type == uint32(elf.SHT_NULL) {
		return nil, nil
	}
	if !utils.InBounds(s.Offset, s.Size, len(f.File.Contents)) {
		return nil, malformed(f.File.DisplayName(), s.Offset, "sh_offset", "section is out of range")
	}
	return f.File.Contents[s.Offset : s.Offset+s.Size], nil
}

func (f *InputFile) GetBytesFromIdx(idx int64) ([]byte, error) {
	if idx < 0 || idx >= int64(len(f.ElfSections)) {
		return nil, malformed(f.File.DisplayName(), 0, "section index", "section %d does not exist", idx)
	}
	return f.GetBytesFromShdr(&f.ElfSections[idx])
}

func (f *InputFile) FillUpElfSyms(s *Shdr) error {
	symSize := f.Layout.symSize()
	if s.EntSize != 0 && s.EntSize != symSize {
		return malformed(f.File.DisplayName(), s.Offset, "sh_entsize", "symbol entry size %d, expected %d", s.EntSize, symSize)
	}
	if s.Size%symSize != 0 {
		return malformed(f.File.DisplayName(), s.Offset, "sh_size", "symbol table size %d is not a multiple of %d", s.Size, symSize)
	}

	bs, err := f.GetBytesFromShdr(s)
	if err != nil {
		return err
	}

	nums := uint64(len(bs)) / symSize
	f.ElfSyms = make([]Sym, 0, nums)
	for i := uint64(0); i < nums; i++ {
		sym, err := f.Layout.readSym(bs[i*symSize:])
		if err != nil {
			return malformed(f.File.DisplayName(), s.Offset+i*symSize, "symbol", "%v", err)
		}
		f.ElfSyms = append(f.ElfSyms, sym)
	}
	return nil
}

func (f *InputFile) Format() ObjectFormat {
	return ObjectFormat{
		Family:    FamilyElf,
		Is64:      f.Layout.is64(),
		ByteOrder: f.Layout.order,
		Machine:   uint32(f.Ehdr.Machine),
	}
}
