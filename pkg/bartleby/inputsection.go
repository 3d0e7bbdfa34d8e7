package bartleby

import (
	"debug/elf"
	"math"
)

type InputSection struct {
	File      *ObjectFile
	Contents  []byte
	Shndx     uint32
	RelsecIdx uint32
	Rels      []Rela
	name      string
}

func NewInputSection(file *ObjectFile, name string, shndx int64) (*InputSection, error) {
	s := &InputSection{
		File:      file,
		Shndx:     uint32(shndx),
		RelsecIdx: math.MaxUint32,
		name:      name,
	}

	contents, err := file.GetBytesFromShdr(s.Shdr())
	if err != nil {
		return nil, err
	}
	s.Contents = contents
	return s, nil
}

func (s *InputSection) Shdr() *Shdr {
	return &s.File.ElfSections[s.Shndx]
}

func (s *InputSection) Name() string {
	return s.name
}

func (s *InputSection) IsRelocation() bool {
	t := elf.SectionType(s.Shdr().Type)
	return t == elf.SHT_REL || t == elf.SHT_RELA
}

// readRels decodes the relocation entries of a SHT_REL or SHT_RELA section
// and checks every symbol index against the symbol table.
func (s *InputSection) readRels() ([]Rela, error) {
	shdr := s.Shdr()
	isRela := elf.SectionType(shdr.Type) == elf.SHT_RELA
	entSize := s.File.Layout.relSize(isRela)
	name := s.File.File.DisplayName()

	if shdr.EntSize != 0 && shdr.EntSize != entSize {
		return nil, malformed(name, s.File.ShdrOffset(int64(s.Shndx)), "sh_entsize",
			"relocation entry size %d in %s, expected %d", shdr.EntSize, s.name, entSize)
	}
	if uint64(len(s.Contents))%entSize != 0 {
		return nil, malformed(name, shdr.Offset, "sh_size",
			"relocation section %s size %d is not a multiple of %d", s.name, len(s.Contents), entSize)
	}

	nums := uint64(len(s.Contents)) / entSize
	rels := make([]Rela, 0, nums)
	for i := uint64(0); i < nums; i++ {
		r, err := s.File.Layout.readRel(s.Contents[i*entSize:], isRela)
		if err != nil {
			return nil, malformed(name, shdr.Offset+i*entSize, "relocation", "%v", err)
		}
		if r.Sym != 0 && uint64(r.Sym) >= uint64(len(s.File.ElfSyms)) {
			return nil, malformed(name, shdr.Offset+i*entSize, "r_info",
				"relocation %d in %s references symbol %d, symbol table has %d entries",
				i, s.name, r.Sym, len(s.File.ElfSyms))
		}
		rels = append(rels, r)
	}
	return rels, nil
}
