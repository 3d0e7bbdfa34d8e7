package bartleby

const (
	ChunkKindHeader = iota
	ChunkKindIndex
	ChunkKindMember
)

// Chunker is one contiguous piece of the output archive. Sizes are
// computed first, then offsets, then every chunk copies itself into
// ctx.Buf.
type Chunker interface {
	Kind() int
	GetName() string
	GetOffset() uint64
	SetOffset(off uint64)
	GetSize() uint64
	UpdateSize(ctx *Context) error
	CopyBuf(ctx *Context) error
}

type Chunk struct {
	Name   string
	Offset uint64
	Size   uint64
}

func NewChunk(name string) Chunk {
	return Chunk{Name: name}
}

func (c *Chunk) Kind() int {
	return ChunkKindMember
}

func (c *Chunk) GetName() string {
	return c.Name
}

func (c *Chunk) GetOffset() uint64 {
	return c.Offset
}

func (c *Chunk) SetOffset(off uint64) {
	c.Offset = off
}

func (c *Chunk) GetSize() uint64 {
	return c.Size
}

func (c *Chunk) UpdateSize(ctx *Context) error { return nil }

func (c *Chunk) CopyBuf(ctx *Context) error { return nil }

// ArMagic is the global archive header.
type ArMagic struct {
	Chunk
}

func NewArMagic() *ArMagic {
	m := &ArMagic{Chunk: NewChunk(arMagic)}
	m.Size = uint64(len(arMagic))
	return m
}

func (m *ArMagic) Kind() int {
	return ChunkKindHeader
}

func (m *ArMagic) CopyBuf(ctx *Context) error {
	copy(ctx.Buf[m.Offset:], arMagic)
	return nil
}
