package bartleby

import (
	"bytes"
	"debug/elf"
	"math"
	"sort"

	"github.com/ksco/bartleby/pkg/utils"
)

const STB_GNU_UNIQUE = 10

// ObjectFile is an ELF relocatable object.
type ObjectFile struct {
	InputFile
	InputSections []*InputSection

	SymtabSec      *Shdr
	SymtabIdx      int64
	SymtabShndxSec []uint32

	symbols []SymbolEntry
	relocs  []Reloc
}

func NewObjectFile(file *File) (*ObjectFile, error) {
	f, err := NewInputFile(file)
	if err != nil {
		return nil, err
	}
	o := &ObjectFile{InputFile: *f, SymtabIdx: -1}
	if err := o.parse(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *ObjectFile) parse() error {
	name := o.File.DisplayName()

	for i := range o.ElfSections {
		if o.ElfSections[i].Type != uint32(elf.SHT_SYMTAB) {
			continue
		}
		if o.SymtabSec != nil {
			return malformed(name, o.ShdrOffset(int64(i)), "sh_type", "more than one symbol table")
		}
		o.SymtabSec = &o.ElfSections[i]
		o.SymtabIdx = int64(i)
	}

	if o.SymtabSec != nil {
		if err := o.FillUpElfSyms(o.SymtabSec); err != nil {
			return err
		}
		o.FirstGlobal = int64(o.SymtabSec.Info)
		if o.FirstGlobal > int64(len(o.ElfSyms)) {
			return malformed(name, o.ShdrOffset(o.SymtabIdx), "sh_info",
				"first global %d exceeds %d symbols", o.FirstGlobal, len(o.ElfSyms))
		}

		link := int64(o.SymtabSec.Link)
		if link == 0 || link >= int64(len(o.ElfSections)) ||
			o.ElfSections[link].Type != uint32(elf.SHT_STRTAB) {
			return malformed(name, o.ShdrOffset(o.SymtabIdx), "sh_link",
				"symbol table does not link to a string table")
		}
		strtab, err := o.GetBytesFromIdx(link)
		if err != nil {
			return err
		}
		o.SymbolStrtab = strtab
	}

	if err := o.initializeSections(); err != nil {
		return err
	}
	if err := o.initializeSymbols(); err != nil {
		return err
	}
	return o.initializeRelocations()
}

func (o *ObjectFile) initializeSections() error {
	name := o.File.DisplayName()
	o.InputSections = make([]*InputSection, len(o.ElfSections))

	for i := 0; i < len(o.ElfSections); i++ {
		shdr := &o.ElfSections[i]
		var secName string
		if o.ShStrtab != nil && i != 0 {
			var ok bool
			secName, ok = getName(o.ShStrtab, shdr.Name)
			if !ok {
				return malformed(name, o.ShdrOffset(int64(i)), "sh_name",
					"section %d name offset %d is outside the section name table", i, shdr.Name)
			}
		}

		isec, err := NewInputSection(o, secName, int64(i))
		if err != nil {
			return err
		}
		o.InputSections[i] = isec

		if elf.SectionType(shdr.Type) == elf.SHT_SYMTAB_SHNDX {
			if err := o.FillUpSymtabShndxSec(int64(i)); err != nil {
				return err
			}
		}
	}

	for i := 0; i < len(o.ElfSections); i++ {
		shdr := &o.ElfSections[i]
		t := elf.SectionType(shdr.Type)
		if t != elf.SHT_REL && t != elf.SHT_RELA {
			continue
		}
		if shdr.Info == 0 || uint64(shdr.Info) >= uint64(len(o.ElfSections)) {
			return malformed(name, o.ShdrOffset(int64(i)), "sh_info",
				"relocation section %d targets missing section %d", i, shdr.Info)
		}
		target := o.InputSections[shdr.Info]
		if target.RelsecIdx == math.MaxUint32 {
			target.RelsecIdx = uint32(i)
		}
	}
	return nil
}

func (o *ObjectFile) FillUpSymtabShndxSec(idx int64) error {
	shdr := &o.ElfSections[idx]
	if int64(shdr.Link) != o.SymtabIdx {
		return malformed(o.File.DisplayName(), o.ShdrOffset(idx), "sh_link",
			"extended section index table does not link to the symbol table")
	}
	bs, err := o.GetBytesFromShdr(shdr)
	if err != nil {
		return err
	}
	if uint64(len(bs)) < uint64(len(o.ElfSyms))*4 {
		return malformed(o.File.DisplayName(), shdr.Offset, "sh_size",
			"extended section index table has %d bytes for %d symbols", len(bs), len(o.ElfSyms))
	}

	o.SymtabShndxSec = make([]uint32, len(o.ElfSyms))
	for i := range o.SymtabShndxSec {
		o.SymtabShndxSec[i] = o.Layout.order.Uint32(bs[i*4:])
	}
	return nil
}

func (o *ObjectFile) GetShndx(esym *Sym, idx int) (int64, bool) {
	if esym.Shndx == uint16(elf.SHN_XINDEX) {
		if o.SymtabShndxSec == nil {
			return 0, false
		}
		return int64(o.SymtabShndxSec[idx]), true
	}
	return int64(esym.Shndx), true
}

func (o *ObjectFile) initializeSymbols() error {
	name := o.File.DisplayName()
	symSize := o.Layout.symSize()
	o.symbols = make([]SymbolEntry, 0, len(o.ElfSyms))

	for i := range o.ElfSyms {
		esym := &o.ElfSyms[i]
		off := o.SymtabSec.Offset + uint64(i)*symSize

		symName, ok := getName(o.SymbolStrtab, esym.Name)
		if !ok {
			return malformed(name, off, "st_name",
				"symbol %d name offset %d is outside the string table", i, esym.Name)
		}

		e := SymbolEntry{
			Index:      i,
			Name:       symName,
			NameOffset: esym.Name,
			Binding:    elfBinding(esym),
			Type:       elfSymbolType(esym),
			Value:      esym.Val,
			Undefined:  esym.IsUndef(),
			Common:     esym.IsCommon(),
			Absolute:   esym.IsAbs(),
			Reserved:   esym.IsReserved(),
		}
		if i >= int(o.FirstGlobal) && esym.IsLocal() {
			return malformed(name, off, "st_info", "local symbol %d after first global %d", i, o.FirstGlobal)
		}

		if esym.IsDefined() && !esym.IsCommon() && !esym.IsAbs() && !esym.IsReserved() {
			shndx, ok := o.GetShndx(esym, i)
			if !ok {
				return malformed(name, off, "st_shndx",
					"symbol %d uses SHN_XINDEX without an extended section index table", i)
			}
			if shndx <= 0 || shndx >= int64(len(o.ElfSections)) {
				return malformed(name, off, "st_shndx", "symbol %d refers to missing section %d", i, shndx)
			}
		}

		o.symbols = append(o.symbols, e)
	}
	return nil
}

func elfBinding(esym *Sym) Binding {
	switch elf.SymBind(esym.Bind()) {
	case elf.STB_GLOBAL, STB_GNU_UNIQUE:
		return BindGlobal
	case elf.STB_WEAK:
		return BindWeak
	}
	return BindLocal
}

func elfSymbolType(esym *Sym) SymbolType {
	switch elf.SymType(esym.Type()) {
	case elf.STT_NOTYPE:
		return SymTypeNone
	case elf.STT_FUNC, elf.SymType(10): // 10 = STT_GNU_IFUNC (not named in debug/elf before Go 1.22)
		return SymTypeFunc
	case elf.STT_OBJECT, elf.STT_COMMON:
		return SymTypeData
	case elf.STT_TLS:
		return SymTypeTLS
	case elf.STT_SECTION:
		return SymTypeSection
	case elf.STT_FILE:
		return SymTypeFile
	}
	return SymTypeOther
}

func (o *ObjectFile) initializeRelocations() error {
	for _, isec := range o.InputSections {
		if !isec.IsRelocation() {
			continue
		}
		if o.SymtabSec == nil && len(isec.Contents) > 0 {
			return malformed(o.File.DisplayName(), isec.Shdr().Offset, "sh_link",
				"relocation section %s without a symbol table", isec.Name())
		}
		rels, err := isec.readRels()
		if err != nil {
			return err
		}

		target := o.InputSections[isec.Shdr().Info]
		target.Rels = append(target.Rels, rels...)
		for _, r := range rels {
			o.relocs = append(o.relocs, Reloc{
				Section: int(isec.Shdr().Info),
				Offset:  r.Offset,
				Type:    r.Type,
				Sym:     r.Sym,
				Extern:  true,
			})
		}
	}
	return nil
}

func (o *ObjectFile) Name() string {
	return o.File.DisplayName()
}

func (o *ObjectFile) Contents() []byte {
	return o.File.Contents
}

func (o *ObjectFile) Sections() []Section {
	secs := make([]Section, 0, len(o.InputSections))
	for _, isec := range o.InputSections {
		shdr := isec.Shdr()
		secs = append(secs, Section{
			Index:    int(isec.Shndx),
			Name:     isec.Name(),
			Type:     shdr.Type,
			Flags:    shdr.Flags,
			Contents: isec.Contents,
		})
	}
	return secs
}

func (o *ObjectFile) Symbols() []SymbolEntry {
	return o.symbols
}

func (o *ObjectFile) Relocations() []Reloc {
	return o.relocs
}

func (o *ObjectFile) SymbolTableSections() []int {
	if o.SymtabSec == nil {
		return nil
	}
	return []int{int(o.SymtabIdx), int(o.SymtabSec.Link)}
}

// Rewrite appends a new string table holding the old one plus every new
// name, then points the renamed symbols and the string table section
// header at it.
func (o *ObjectFile) Rewrite(renames map[int]string) ([]byte, error) {
	if len(renames) == 0 {
		return o.File.Contents, nil
	}
	if o.SymtabSec == nil {
		return nil, internalError("%s: renaming symbols in an object without a symbol table", o.Name())
	}

	strtabIdx := int64(o.SymtabSec.Link)
	strShdr := o.ElfSections[strtabIdx]

	indices := make([]int, 0, len(renames))
	for idx := range renames {
		if idx <= 0 || idx >= len(o.ElfSyms) {
			return nil, internalError("%s: symbol index %d out of range", o.Name(), idx)
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	strtab := bytes.NewBuffer(nil)
	strtab.Write(o.SymbolStrtab)
	nameOffsets := make(map[int]uint32, len(renames))
	added := make(map[string]uint32)
	for _, idx := range indices {
		newName := renames[idx]
		off, ok := added[newName]
		if !ok {
			off = uint32(strtab.Len())
			strtab.WriteString(newName)
			strtab.WriteByte(0)
			added[newName] = off
		}
		nameOffsets[idx] = off
	}

	contents := o.File.Contents
	newOff := utils.AlignTo(uint64(len(contents)), max(strShdr.AddrAlign, 1))
	total := newOff + uint64(strtab.Len())
	if !o.Layout.is64() && total > math.MaxUint32 {
		return nil, internalError("%s: rewritten object exceeds the ELF32 size limit", o.Name())
	}

	out := make([]byte, total)
	copy(out, contents)
	copy(out[newOff:], strtab.Bytes())

	symSize := o.Layout.symSize()
	for _, idx := range indices {
		o.Layout.putSymName(out[o.SymtabSec.Offset+uint64(idx)*symSize:], nameOffsets[idx])
	}

	strShdr.Offset = newOff
	strShdr.Size = uint64(strtab.Len())
	if err := o.Layout.writeShdr(out[o.ShdrOffset(strtabIdx):], strShdr); err != nil {
		return nil, internalError("%s: writing string table header: %v", o.Name(), err)
	}
	return out, nil
}
