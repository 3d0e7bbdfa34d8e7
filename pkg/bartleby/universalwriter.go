package bartleby

import (
	"debug/macho"
	"encoding/binary"
	"math"

	"github.com/ksco/bartleby/pkg/utils"
	"github.com/samber/lo"
)

// WriteUniversal packs the objects of every slice into a Darwin archive
// and wraps the archives in a universal binary, slices in the order the
// session pinned them.
func WriteUniversal(ctx *Context, objs []*RewrittenObject) ([]byte, error) {
	slices := make([]*FatSliceChunk, 0, len(ctx.Slices))
	for _, slice := range ctx.Slices {
		members := lo.Filter(objs, func(obj *RewrittenObject, _ int) bool {
			return obj.Slice == slice
		})

		sliceCtx := NewContext()
		sliceCtx.Format = slice.Format
		buf, err := WriteArchive(sliceCtx, members)
		if err != nil {
			return nil, err
		}
		slices = append(slices, NewFatSliceChunk(slice.Arch, buf))
	}

	ctx.Chunks = []Chunker{NewFatHeader(slices)}
	for _, s := range slices {
		ctx.Chunks = append(ctx.Chunks, s)
	}

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

// FatHeader is the fat_header and fat_arch table, always big-endian. It
// switches to fat_arch_64 once a slice lies beyond 32-bit reach.
type FatHeader struct {
	Chunk
	Slices []*FatSliceChunk
	is64   bool
}

func NewFatHeader(slices []*FatSliceChunk) *FatHeader {
	return &FatHeader{Chunk: NewChunk("fat_header"), Slices: slices}
}

func (h *FatHeader) Kind() int {
	return ChunkKindHeader
}

func (h *FatHeader) Is64() bool { return h.is64 }

func (h *FatHeader) Set64() { h.is64 = true }

func (h *FatHeader) Overflows(uint64) bool {
	return lo.SomeBy(h.Slices, func(s *FatSliceChunk) bool {
		return s.DataOffset() > math.MaxUint32 || uint64(len(s.Data)) > math.MaxUint32
	})
}

func (h *FatHeader) UpdateSize(ctx *Context) error {
	entry := uint64(fatArchSize)
	if h.is64 {
		entry = fatArch64Size
	}
	h.Size = fatHeaderSize + entry*uint64(len(h.Slices))
	return nil
}

func (h *FatHeader) CopyBuf(ctx *Context) error {
	buf := ctx.Buf[h.Offset : h.Offset+h.Size]

	magic := uint32(macho.MagicFat)
	if h.is64 {
		magic = fatMagic64
	}
	if err := utils.Write(buf, binary.BigEndian, fatHeader{Magic: magic, Narch: uint32(len(h.Slices))}); err != nil {
		return internalError("writing fat_header: %v", err)
	}

	off := uint64(fatHeaderSize)
	for _, s := range h.Slices {
		var err error
		if h.is64 {
			err = utils.Write(buf[off:], binary.BigEndian, fatArch64{
				Cpu: s.Arch.Cpu, SubCpu: s.Arch.SubCpu,
				Offset: s.DataOffset(), Size: uint64(len(s.Data)), Align: s.Arch.Align,
			})
			off += fatArch64Size
		} else {
			err = utils.Write(buf[off:], binary.BigEndian, macho.FatArchHeader{
				Cpu: s.Arch.Cpu, SubCpu: s.Arch.SubCpu,
				Offset: uint32(s.DataOffset()), Size: uint32(len(s.Data)), Align: s.Arch.Align,
			})
			off += fatArchSize
		}
		if err != nil {
			return internalError("writing fat_arch for %s: %v", s.Arch, err)
		}
	}
	return nil
}

// FatSliceChunk is one architecture's archive, preceded by the zero
// padding its alignment needs.
type FatSliceChunk struct {
	Chunk
	Arch FatArch
	Data []byte
	pad  uint64
}

func NewFatSliceChunk(arch FatArch, data []byte) *FatSliceChunk {
	return &FatSliceChunk{Chunk: NewChunk(arch.String()), Arch: arch, Data: data}
}

func (s *FatSliceChunk) DataOffset() uint64 {
	return s.Offset + s.pad
}

func (s *FatSliceChunk) UpdateSize(ctx *Context) error {
	s.pad = utils.AlignTo(s.Offset, 1<<s.Arch.Align) - s.Offset
	s.Size = s.pad + uint64(len(s.Data))
	return nil
}

func (s *FatSliceChunk) CopyBuf(ctx *Context) error {
	copy(ctx.Buf[s.DataOffset():], s.Data)
	return nil
}
