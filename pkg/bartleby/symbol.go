package bartleby

// Symbol is the session-wide record of one symbol name.
type Symbol struct {
	Name string

	// File and SymIdx locate the strongest definition, or are nil and -1
	// when no object defines the name.
	File   *InputObject
	SymIdx int
	rank   uint64

	Definitions int
	References  int

	IsWeak   bool
	IsCommon bool
}

func NewSymbol(name string) *Symbol {
	return &Symbol{
		Name:   name,
		SymIdx: -1,
		rank:   GetRank(nil, nil),
	}
}

func GetSymbolByName(ctx *Context, name string) *Symbol {
	if sym, ok := ctx.SymbolMap[name]; ok {
		return sym
	}
	ctx.SymbolMap[name] = NewSymbol(name)
	return ctx.SymbolMap[name]
}

func (s *Symbol) IsDefined() bool {
	return s.File != nil
}

func (s *Symbol) Entry() *SymbolEntry {
	if s.File == nil {
		return nil
	}
	return &s.File.Symbols()[s.SymIdx]
}

// addDefinition keeps the definition a linker would pick: the lowest rank
// wins.
func (s *Symbol) addDefinition(file *InputObject, e *SymbolEntry) {
	s.Definitions++
	if rank := GetRank(file, e); rank < s.rank {
		s.File = file
		s.SymIdx = e.Index
		s.rank = rank
		s.IsWeak = e.Binding == BindWeak
		s.IsCommon = e.Common
	}
}

// RegisterSymbols records every non-local symbol of file in the session
// symbol map.
func RegisterSymbols(ctx *Context, file *InputObject) {
	syms := file.Symbols()
	for i := range syms {
		e := &syms[i]
		if e.IsLocal() || e.Name == "" {
			continue
		}
		sym := GetSymbolByName(ctx, e.Name)
		if IsRenameableDefinition(e) {
			sym.addDefinition(file, e)
		} else if e.Undefined {
			sym.References++
		}
	}
}
