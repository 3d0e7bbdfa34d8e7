package bartleby

import (
	"bytes"
	"encoding/binary"
	"math"
	"strconv"
	"strings"

	"github.com/ksco/bartleby/pkg/utils"
)

type ArchiveFlavor int

const (
	// FlavorGNU is the SysV/GNU layout used for ELF: a "/" symbol index,
	// a "//" long name table and 2-byte member alignment.
	FlavorGNU ArchiveFlavor = iota
	// FlavorDarwin is the BSD layout used for Mach-O: "#1/N" names, a
	// "__.SYMDEF" index and 8-byte member alignment.
	FlavorDarwin
)

const (
	memberMode = "644"
	indexMode  = "0"
)

func ArchiveFlavorFor(format ObjectFormat) ArchiveFlavor {
	if format.Family == FamilyMachO {
		return FlavorDarwin
	}
	return FlavorGNU
}

// WriteArchive packs objs, in order, into a static archive with a symbol
// index. No objects yield just the archive magic.
func WriteArchive(ctx *Context, objs []*RewrittenObject) ([]byte, error) {
	if len(objs) == 0 {
		return []byte(arMagic), nil
	}

	flavor := ArchiveFlavorFor(ctx.Format)
	ctx.Chunks = CreateArchiveChunks(ctx, flavor, objs)

	fileSize, err := LayoutChunks(ctx)
	if err != nil {
		return nil, err
	}

	ctx.Buf = make([]byte, fileSize)
	for _, chunk := range ctx.Chunks {
		if err := chunk.CopyBuf(ctx); err != nil {
			return nil, err
		}
	}
	return ctx.Buf, nil
}

func CreateArchiveChunks(ctx *Context, flavor ArchiveFlavor, objs []*RewrittenObject) []Chunker {
	members := make([]*ArchiveMember, 0, len(objs))
	for _, obj := range objs {
		members = append(members, NewArchiveMember(flavor, obj))
	}

	chunks := []Chunker{NewArMagic()}
	switch flavor {
	case FlavorDarwin:
		chunks = append(chunks, NewSymdef(ctx.Format.ByteOrder, members))
	default:
		if symtab := NewGnuSymtab(members); len(symtab.Entries) > 0 {
			chunks = append(chunks, symtab)
		}
		if names := NewGnuLongNames(members); names.Size > 0 {
			chunks = append(chunks, names)
		}
	}
	for _, m := range members {
		chunks = append(chunks, m)
	}
	return chunks
}

type indexChunk interface {
	Is64() bool
	Set64()
	// Overflows reports whether the 32-bit form cannot record the layout.
	// maxMember is the offset of the last member.
	Overflows(maxMember uint64) bool
}

// LayoutChunks assigns offsets in chunk order. If an offset ends up beyond
// the reach of a 32-bit index, the index switches to its 64-bit variant
// and the layout is redone.
func LayoutChunks(ctx *Context) (uint64, error) {
	for {
		off := uint64(0)
		maxMember := uint64(0)
		for _, chunk := range ctx.Chunks {
			chunk.SetOffset(off)
			if err := chunk.UpdateSize(ctx); err != nil {
				return 0, err
			}
			if chunk.Kind() == ChunkKindMember {
				maxMember = off
			}
			off += chunk.GetSize()
		}

		relayout := false
		for _, chunk := range ctx.Chunks {
			if idx, ok := chunk.(indexChunk); ok && !idx.Is64() && idx.Overflows(maxMember) {
				idx.Set64()
				relayout = true
			}
		}
		if !relayout {
			return off, nil
		}
	}
}

// ArchiveSymbols lists the names the archive index advertises for obj.
func ArchiveSymbols(obj Object) []string {
	syms := utils.RemoveIf(append([]SymbolEntry(nil), obj.Symbols()...), func(e SymbolEntry) bool {
		if e.IsLocal() || e.Name == "" || e.Undefined || e.Reserved {
			return true
		}
		switch e.Type {
		case SymTypeSection, SymTypeFile, SymTypeDebug, SymTypeIndirect:
			return true
		}
		return false
	})

	names := make([]string, 0, len(syms))
	for _, e := range syms {
		names = append(names, e.Name)
	}
	return names
}

type ArchiveMember struct {
	Chunk
	Flavor  ArchiveFlavor
	Data    []byte
	Symbols []string

	// LongNameOffset is the member's offset in the GNU long name table,
	// or -1 when the name fits the header.
	LongNameOffset int
	namePad        uint64
	dataPad        uint64
}

func NewArchiveMember(flavor ArchiveFlavor, obj *RewrittenObject) *ArchiveMember {
	return &ArchiveMember{
		Chunk:          NewChunk(obj.MemberName),
		Flavor:         flavor,
		Data:           obj.Contents(),
		Symbols:        ArchiveSymbols(obj),
		LongNameOffset: -1,
	}
}

func (m *ArchiveMember) UpdateSize(ctx *Context) error {
	size := uint64(len(m.Data))
	if m.Flavor == FlavorDarwin {
		m.namePad = bsdNamePad(m.Offset, m.Name)
		m.dataPad = utils.AlignTo(size, 8) - size
		m.Size = uint64(arHdrSize) + uint64(len(m.Name)) + m.namePad + size + m.dataPad
		return nil
	}
	m.dataPad = size % 2
	m.Size = uint64(arHdrSize) + size + m.dataPad
	return nil
}

func (m *ArchiveMember) CopyBuf(ctx *Context) error {
	buf := ctx.Buf[m.Offset : m.Offset+m.Size]

	if m.Flavor == FlavorDarwin {
		nameLen := len(m.Name) + int(m.namePad)
		hdr, err := NewArHdr("#1/"+strconv.Itoa(nameLen), memberMode, nameLen+len(m.Data)+int(m.dataPad))
		if err != nil {
			return err
		}
		n := copy(buf, hdr.Bytes())
		n += copy(buf[n:], m.Name)
		n += int(m.namePad)
		n += copy(buf[n:], m.Data)
		fillPad(buf[n:], '\n')
		return nil
	}

	name := m.Name + "/"
	if m.LongNameOffset >= 0 {
		name = "/" + strconv.Itoa(m.LongNameOffset)
	}
	hdr, err := NewArHdr(name, memberMode, len(m.Data))
	if err != nil {
		return err
	}
	n := copy(buf, hdr.Bytes())
	n += copy(buf[n:], m.Data)
	fillPad(buf[n:], '\n')
	return nil
}

// bsdNamePad is the number of NULs after a "#1/N" name so that member
// data starts 8-byte aligned.
func bsdNamePad(off uint64, name string) uint64 {
	end := off + uint64(arHdrSize) + uint64(len(name))
	return utils.AlignTo(end, 8) - end
}

func fillPad(buf []byte, c byte) {
	for i := range buf {
		buf[i] = c
	}
}

func needsLongName(name string) bool {
	return len(name)+1 > len(ArHdr{}.Name) || strings.Contains(name, "/")
}

// GnuLongNames is the "//" member holding names too long for a header.
type GnuLongNames struct {
	Chunk
	Table []byte
}

func NewGnuLongNames(members []*ArchiveMember) *GnuLongNames {
	c := &GnuLongNames{Chunk: NewChunk("//")}
	var table bytes.Buffer
	for _, m := range members {
		if !needsLongName(m.Name) {
			continue
		}
		m.LongNameOffset = table.Len()
		table.WriteString(m.Name)
		table.WriteString("/\n")
	}
	if table.Len()%2 == 1 {
		table.WriteByte('\n')
	}
	c.Table = table.Bytes()
	if len(c.Table) > 0 {
		c.Size = uint64(arHdrSize + len(c.Table))
	}
	return c
}

func (c *GnuLongNames) Kind() int {
	return ChunkKindIndex
}

func (c *GnuLongNames) CopyBuf(ctx *Context) error {
	hdr, err := NewArHdr("//", "", len(c.Table))
	if err != nil {
		return err
	}
	n := copy(ctx.Buf[c.Offset:], hdr.Bytes())
	copy(ctx.Buf[c.Offset+uint64(n):], c.Table)
	return nil
}

type IndexEntry struct {
	Name   string
	Member *ArchiveMember
}

// GnuSymtab is the "/" (or "/SYM64/") symbol index: a big-endian count,
// the header offset of the member defining each symbol, then the names.
type GnuSymtab struct {
	Chunk
	Entries []IndexEntry
	is64    bool
	body    uint64
}

func NewGnuSymtab(members []*ArchiveMember) *GnuSymtab {
	s := &GnuSymtab{Chunk: NewChunk("/")}
	for _, m := range members {
		for _, name := range m.Symbols {
			s.Entries = append(s.Entries, IndexEntry{Name: name, Member: m})
		}
	}
	return s
}

func (s *GnuSymtab) Kind() int {
	return ChunkKindIndex
}

func (s *GnuSymtab) Is64() bool { return s.is64 }

func (s *GnuSymtab) Set64() {
	s.is64 = true
	s.Name = "/SYM64/"
}

func (s *GnuSymtab) Overflows(maxMember uint64) bool {
	return maxMember > math.MaxUint32
}

func (s *GnuSymtab) word() uint64 {
	if s.is64 {
		return 8
	}
	return 4
}

func (s *GnuSymtab) UpdateSize(ctx *Context) error {
	size := s.word() * uint64(len(s.Entries)+1)
	for _, e := range s.Entries {
		size += uint64(len(e.Name)) + 1
	}
	s.body = utils.AlignTo(size, 2)
	s.Size = uint64(arHdrSize) + s.body
	return nil
}

func (s *GnuSymtab) CopyBuf(ctx *Context) error {
	hdr, err := NewArHdr(s.Name, indexMode, int(s.body))
	if err != nil {
		return err
	}
	buf := ctx.Buf[s.Offset : s.Offset+s.Size]
	n := uint64(copy(buf, hdr.Bytes()))

	put := func(v uint64) {
		if s.is64 {
			binary.BigEndian.PutUint64(buf[n:], v)
		} else {
			binary.BigEndian.PutUint32(buf[n:], uint32(v))
		}
		n += s.word()
	}

	put(uint64(len(s.Entries)))
	for _, e := range s.Entries {
		put(e.Member.Offset)
	}
	for _, e := range s.Entries {
		n += uint64(writeString(buf[n:], e.Name))
	}
	return nil
}

// Symdef is the Darwin "__.SYMDEF" index: ranlib entries in member
// order followed by their string table, in the objects' byte order.
type Symdef struct {
	Chunk
	Order   binary.ByteOrder
	Entries []IndexEntry
	is64    bool

	strtab  []byte
	strx    []uint64
	namePad uint64
	body    uint64
}

func NewSymdef(order binary.ByteOrder, members []*ArchiveMember) *Symdef {
	s := &Symdef{Chunk: NewChunk("__.SYMDEF"), Order: order}
	var strtab bytes.Buffer
	for _, m := range members {
		for _, name := range m.Symbols {
			s.Entries = append(s.Entries, IndexEntry{Name: name, Member: m})
			s.strx = append(s.strx, uint64(strtab.Len()))
			strtab.WriteString(name)
			strtab.WriteByte(0)
		}
	}
	s.strtab = strtab.Bytes()
	return s
}

func (s *Symdef) Kind() int {
	return ChunkKindIndex
}

func (s *Symdef) Is64() bool { return s.is64 }

func (s *Symdef) Set64() {
	s.is64 = true
	s.Name = "__.SYMDEF_64"
}

func (s *Symdef) Overflows(maxMember uint64) bool {
	return maxMember > math.MaxUint32
}

func (s *Symdef) word() uint64 {
	if s.is64 {
		return 8
	}
	return 4
}

func (s *Symdef) UpdateSize(ctx *Context) error {
	s.namePad = bsdNamePad(s.Offset, s.Name)
	start := s.Offset + uint64(arHdrSize) + uint64(len(s.Name)) + s.namePad
	body := s.word()*uint64(2*len(s.Entries)+2) + uint64(len(s.strtab))
	s.body = utils.AlignTo(start+body, 8) - start
	s.Size = uint64(arHdrSize) + uint64(len(s.Name)) + s.namePad + s.body
	return nil
}

func (s *Symdef) CopyBuf(ctx *Context) error {
	nameLen := len(s.Name) + int(s.namePad)
	hdr, err := NewArHdr("#1/"+strconv.Itoa(nameLen), indexMode, nameLen+int(s.body))
	if err != nil {
		return err
	}
	buf := ctx.Buf[s.Offset : s.Offset+s.Size]
	n := uint64(copy(buf, hdr.Bytes()))
	n += uint64(copy(buf[n:], s.Name)) + s.namePad

	put := func(v uint64) {
		if s.is64 {
			s.Order.PutUint64(buf[n:], v)
		} else {
			s.Order.PutUint32(buf[n:], uint32(v))
		}
		n += s.word()
	}

	put(s.word() * 2 * uint64(len(s.Entries)))
	for i, e := range s.Entries {
		put(s.strx[i])
		put(e.Member.Offset)
	}
	put(uint64(len(s.strtab)))
	copy(buf[n:], s.strtab)
	return nil
}
