package bartleby

import (
	"bytes"
	"debug/macho"
	"math"
	"sort"

	"github.com/ksco/bartleby/pkg/utils"
)

// MachOFile is a Mach-O MH_OBJECT file.
type MachOFile struct {
	File   *File
	Layout machoLayout
	Header macho.FileHeader

	MachSections []MachSection
	// SymtabCmdOff is the file offset of LC_SYMTAB, or 0 when the object
	// has no symbol table.
	SymtabCmdOff uint64
	Symtab       macho.SymtabCmd
	Nlists       []Nlist
	StringTable  []byte

	symbols []SymbolEntry
	relocs  []Reloc
}

func NewMachOFile(file *File) (*MachOFile, error) {
	f := &MachOFile{File: file}
	if err := f.parse(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *MachOFile) parse() error {
	contents := f.File.Contents
	name := f.File.DisplayName()

	if len(contents) < 4 {
		return malformed(name, 0, "magic", "file too small")
	}
	order, is64, ok := machoByteOrder(contents)
	if !ok {
		return malformed(name, 0, "magic", "not a Mach-O file")
	}
	f.Layout = machoLayout{is64: is64, order: order}

	hdrSize := f.Layout.headerSize()
	if uint64(len(contents)) < hdrSize {
		return malformed(name, 0, "mach_header", "file too small")
	}
	hdr, err := utils.Read[macho.FileHeader](contents, order)
	if err != nil {
		return malformed(name, 0, "mach_header", "%v", err)
	}
	f.Header = hdr

	if !utils.InBounds(hdrSize, uint64(hdr.Cmdsz), len(contents)) {
		return malformed(name, 0, "sizeofcmds", "load commands of %d bytes run past the end of the file", hdr.Cmdsz)
	}
	cmdsEnd := hdrSize + uint64(hdr.Cmdsz)

	off := hdrSize
	for i := uint32(0); i < hdr.Ncmd; i++ {
		if !utils.InBounds(off, machoLoadCommandHeaderSize, int(cmdsEnd)) {
			return malformed(name, off, "load command", "command %d is outside sizeofcmds", i)
		}
		cmd := macho.LoadCmd(order.Uint32(contents[off:]))
		cmdSize := uint64(order.Uint32(contents[off+4:]))
		if cmdSize < machoLoadCommandHeaderSize || !utils.InBounds(off, cmdSize, int(cmdsEnd)) {
			return malformed(name, off, "cmdsize", "command %d has size %d", i, cmdSize)
		}
		data := contents[off : off+cmdSize]

		switch cmd {
		case macho.LoadCmdSegment, macho.LoadCmdSegment64:
			if (cmd == macho.LoadCmdSegment64) != is64 {
				return malformed(name, off, "cmd", "segment command does not match the file class")
			}
			if err := f.readSegment(data, off); err != nil {
				return err
			}
		case macho.LoadCmdSymtab:
			if f.SymtabCmdOff != 0 {
				return malformed(name, off, "cmd", "more than one LC_SYMTAB")
			}
			st, err := utils.Read[macho.SymtabCmd](data, order)
			if err != nil {
				return malformed(name, off, "LC_SYMTAB", "%v", err)
			}
			f.SymtabCmdOff = off
			f.Symtab = st
		}
		off += cmdSize
	}

	if f.SymtabCmdOff != 0 {
		if err := f.readSymtab(); err != nil {
			return err
		}
	}
	if err := f.initializeSymbols(); err != nil {
		return err
	}
	return f.readRelocations()
}

func (f *MachOFile) readSegment(data []byte, off uint64) error {
	name := f.File.DisplayName()
	segSize := f.Layout.segmentSize()
	secSize := f.Layout.sectionSize()

	if uint64(len(data)) < segSize {
		return malformed(name, off, "cmdsize", "segment command too small")
	}
	nsect, err := f.Layout.readSegment(data)
	if err != nil {
		return malformed(name, off, "segment", "%v", err)
	}
	if uint64(nsect) > (uint64(len(data))-segSize)/secSize {
		return malformed(name, off, "nsects", "%d sections do not fit in the segment command", nsect)
	}

	for i := uint64(0); i < uint64(nsect); i++ {
		secOff := segSize + i*secSize
		sec, err := f.Layout.readSection(data[secOff:])
		if err != nil {
			return malformed(name, off+secOff, "section", "%v", err)
		}
		if !sec.IsZeroFill() && sec.Offset != 0 &&
			!utils.InBounds(uint64(sec.Offset), sec.Size, len(f.File.Contents)) {
			return malformed(name, off+secOff, "offset",
				"section %s,%s [%#x, +%#x) is out of range", sec.Segment, sec.Name, sec.Offset, sec.Size)
		}
		if sec.Nreloc != 0 &&
			!utils.InBounds(uint64(sec.Reloff), uint64(sec.Nreloc)*machoRelocationInfoSize, len(f.File.Contents)) {
			return malformed(name, off+secOff, "reloff",
				"relocations of section %s,%s are out of range", sec.Segment, sec.Name)
		}
		f.MachSections = append(f.MachSections, sec)
	}

	if len(f.MachSections) > math.MaxUint8 {
		return malformed(name, off, "nsects", "more than %d sections", math.MaxUint8)
	}
	return nil
}

func (f *MachOFile) readSymtab() error {
	name := f.File.DisplayName()
	st := &f.Symtab
	nlistSize := f.Layout.nlistSize()

	if !utils.InBounds(uint64(st.Stroff), uint64(st.Strsize), len(f.File.Contents)) {
		return malformed(name, f.SymtabCmdOff, "stroff", "string table is out of range")
	}
	f.StringTable = f.File.Contents[st.Stroff : st.Stroff+st.Strsize]

	if !utils.InBounds(uint64(st.Symoff), uint64(st.Nsyms)*nlistSize, len(f.File.Contents)) {
		return malformed(name, f.SymtabCmdOff, "symoff", "%d symbols run past the end of the file", st.Nsyms)
	}

	f.Nlists = make([]Nlist, 0, st.Nsyms)
	for i := uint64(0); i < uint64(st.Nsyms); i++ {
		n, err := f.Layout.readNlist(f.File.Contents[uint64(st.Symoff)+i*nlistSize:])
		if err != nil {
			return malformed(name, uint64(st.Symoff)+i*nlistSize, "nlist", "%v", err)
		}
		f.Nlists = append(f.Nlists, n)
	}
	return nil
}

func (f *MachOFile) initializeSymbols() error {
	name := f.File.DisplayName()
	f.symbols = make([]SymbolEntry, 0, len(f.Nlists))

	for i := range f.Nlists {
		n := &f.Nlists[i]
		off := uint64(f.Symtab.Symoff) + uint64(i)*f.Layout.nlistSize()

		var symName string
		if n.Strx != 0 {
			var ok bool
			symName, ok = getName(f.StringTable, n.Strx)
			if !ok {
				return malformed(name, off, "n_strx",
					"symbol %d name offset %d is outside the string table", i, n.Strx)
			}
		}

		e := SymbolEntry{
			Index:      i,
			Name:       symName,
			NameOffset: n.Strx,
			Value:      n.Value,
		}

		if n.IsStab() {
			e.Binding = BindLocal
			e.Type = SymTypeDebug
			f.symbols = append(f.symbols, e)
			continue
		}

		switch n.Kind() {
		case N_UNDF:
			if n.IsCommon() {
				e.Common = true
				e.Type = SymTypeData
			} else {
				e.Undefined = true
			}
		case N_ABS:
			e.Absolute = true
		case N_SECT:
			if n.Sect == 0 || int(n.Sect) > len(f.MachSections) {
				return malformed(name, off, "n_sect", "symbol %d refers to missing section %d", i, n.Sect)
			}
			e.Type = SymTypeData
			if f.MachSections[n.Sect-1].HasInstructions() {
				e.Type = SymTypeFunc
			}
		case N_INDR:
			e.Type = SymTypeIndirect
		case N_PBUD:
			e.Reserved = true
		default:
			return malformed(name, off, "n_type", "symbol %d has unknown type %#x", i, n.Type)
		}

		switch {
		case !n.IsExternal():
			e.Binding = BindLocal
		case e.Undefined && n.Desc&N_WEAK_REF != 0:
			e.Binding = BindWeak
		case !e.Undefined && n.Desc&N_WEAK_DEF != 0:
			e.Binding = BindWeak
		default:
			e.Binding = BindGlobal
		}

		f.symbols = append(f.symbols, e)
	}
	return nil
}

func (f *MachOFile) readRelocations() error {
	name := f.File.DisplayName()
	for i := range f.MachSections {
		sec := &f.MachSections[i]
		for j := uint64(0); j < uint64(sec.Nreloc); j++ {
			off := uint64(sec.Reloff) + j*machoRelocationInfoSize
			r := f.Layout.readReloc(f.File.Contents[off:], i+1)
			if r.Extern && uint64(r.Sym) >= uint64(len(f.Nlists)) {
				return malformed(name, off, "r_symbolnum",
					"relocation %d of %s,%s references symbol %d, symbol table has %d entries",
					j, sec.Segment, sec.Name, r.Sym, len(f.Nlists))
			}
			f.relocs = append(f.relocs, r)
		}
	}
	return nil
}

func (f *MachOFile) Name() string {
	return f.File.DisplayName()
}

func (f *MachOFile) Format() ObjectFormat {
	return ObjectFormat{
		Family:    FamilyMachO,
		Is64:      f.Layout.is64,
		ByteOrder: f.Layout.order,
		Machine:   uint32(f.Header.Cpu),
	}
}

func (f *MachOFile) Contents() []byte {
	return f.File.Contents
}

// Sections numbers sections from 1, the way n_sect does.
func (f *MachOFile) Sections() []Section {
	secs := make([]Section, 0, len(f.MachSections))
	for i := range f.MachSections {
		sec := &f.MachSections[i]
		var contents []byte
		if !sec.IsZeroFill() && sec.Offset != 0 {
			contents = f.File.Contents[sec.Offset : uint64(sec.Offset)+sec.Size]
		}
		secs = append(secs, Section{
			Index:    i + 1,
			Name:     sec.Segment + "," + sec.Name,
			Type:     sec.Flags & SECTION_TYPE,
			Flags:    uint64(sec.Flags),
			Contents: contents,
		})
	}
	return secs
}

func (f *MachOFile) Symbols() []SymbolEntry {
	return f.symbols
}

func (f *MachOFile) Relocations() []Reloc {
	return f.relocs
}

// SymbolTableSections is empty: LC_SYMTAB data lives outside sections.
func (f *MachOFile) SymbolTableSections() []int {
	return nil
}

// Rewrite appends the old string table plus every new name at the end of
// the file and points LC_SYMTAB and the renamed nlist entries at it.
// Symbol order is kept, so r_symbolnum and the LC_DYSYMTAB ranges stay
// valid; after a partial rename the extdef and undef ranges are no longer
// sorted by name.
func (f *MachOFile) Rewrite(renames map[int]string) ([]byte, error) {
	if len(renames) == 0 {
		return f.File.Contents, nil
	}
	if f.SymtabCmdOff == 0 {
		return nil, internalError("%s: renaming symbols in an object without LC_SYMTAB", f.Name())
	}

	indices := make([]int, 0, len(renames))
	for idx := range renames {
		if idx < 0 || idx >= len(f.Nlists) {
			return nil, internalError("%s: symbol index %d out of range", f.Name(), idx)
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	strtab := bytes.NewBuffer(nil)
	strtab.Write(f.StringTable)
	if len(f.StringTable) > 0 && f.StringTable[len(f.StringTable)-1] != 0 {
		strtab.WriteByte(0)
	}
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
	align := f.Layout.stringTableAlign()
	for uint64(strtab.Len())%align != 0 {
		strtab.WriteByte(0)
	}

	contents := f.File.Contents
	newOff := utils.AlignTo(uint64(len(contents)), align)
	total := newOff + uint64(strtab.Len())
	if total > math.MaxUint32 {
		return nil, internalError("%s: rewritten object exceeds the 32-bit string table offset", f.Name())
	}

	out := make([]byte, total)
	copy(out, contents)
	copy(out[newOff:], strtab.Bytes())

	nlistSize := f.Layout.nlistSize()
	for _, idx := range indices {
		f.Layout.putStrx(out[uint64(f.Symtab.Symoff)+uint64(idx)*nlistSize:], nameOffsets[idx])
	}

	st := f.Symtab
	st.Stroff = uint32(newOff)
	st.Strsize = uint32(strtab.Len())
	if err := utils.Write(out[f.SymtabCmdOff:], f.Layout.order, st); err != nil {
		return nil, internalError("%s: writing LC_SYMTAB: %v", f.Name(), err)
	}
	return out, nil
}
