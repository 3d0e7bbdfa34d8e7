package bartleby

import (
	"github.com/ksco/bartleby/pkg/utils"
	"github.com/samber/lo"
)

type ContextArg struct {
	Prefix       string
	SkipSymbols  utils.MapSet[string]
	SkipPrefixes []string
}

// Context is the state accumulated by one session: the objects added so
// far, the session-wide symbol map and, while building, the output chunks.
type Context struct {
	Arg ContextArg

	Format    ObjectFormat
	SymbolMap map[string]*Symbol

	// Slices pins a session built from universal binaries to their
	// architectures. Such a session has no single Format.
	Slices []*Slice

	FilePriority uint32
	Objs         []*InputObject

	Chunks []Chunker
	Buf    []byte
}

func NewContext() *Context {
	return &Context{
		Arg: ContextArg{
			SkipSymbols: utils.NewMapSet[string](),
		},
		SymbolMap:    make(map[string]*Symbol),
		FilePriority: 1,
	}
}

func (ctx *Context) Policy() *Policy {
	return &Policy{
		Prefix:       ctx.Arg.Prefix,
		Underscore:   ctx.Format.SymbolUnderscore() || ctx.Universal(),
		SkipSymbols:  ctx.Arg.SkipSymbols,
		SkipPrefixes: ctx.Arg.SkipPrefixes,
	}
}

func (ctx *Context) Universal() bool {
	return len(ctx.Slices) > 0
}

// FormatName describes what the session holds, for diagnostics.
func (ctx *Context) FormatName() string {
	if ctx.Universal() {
		return slicesString(ctx.Slices)
	}
	return ctx.Format.String()
}

// ObjectCount is the number of objects added so far, or of those in the
// first slice of a universal session.
func (ctx *Context) ObjectCount() int {
	if !ctx.Universal() {
		return len(ctx.Objs)
	}
	return lo.CountBy(ctx.Objs, func(obj *InputObject) bool {
		return obj.Slice == ctx.Slices[0]
	})
}

// Release drops everything but the arguments.
func (ctx *Context) Release() {
	ctx.SymbolMap = nil
	ctx.Objs = nil
	ctx.Slices = nil
	ctx.Chunks = nil
	ctx.Buf = nil
}
