package bartleby

// IsRenameableDefinition reports whether e is a definition that can take
// a prefix: a named, non-local symbol defined in a section or as a common
// block. Absolute symbols, section and file symbols, debug entries and
// indirect aliases keep their names.
func IsRenameableDefinition(e *SymbolEntry) bool {
	if e.IsLocal() || e.Name == "" || e.Undefined || e.Absolute || e.Reserved {
		return false
	}
	switch e.Type {
	case SymTypeSection, SymTypeFile, SymTypeDebug, SymTypeIndirect:
		return false
	}
	return true
}

// Classification partitions an object's symbol table by index.
type Classification struct {
	// Renameable holds definitions that take the prefix.
	Renameable []int
	// References holds undefined references to names another object of
	// the session defines and renames.
	References []int
	Untouched  []int
}

// ClassifySymbols partitions the symbols of obj. renamed reports whether a
// name is renamed across the session.
func ClassifySymbols(obj Object, p *Policy, renamed func(name string) bool) *Classification {
	c := &Classification{}
	syms := obj.Symbols()
	for i := range syms {
		e := &syms[i]
		switch {
		case IsRenameableDefinition(e) && !p.Excluded(e.Name) && renamed(e.Name):
			c.Renameable = append(c.Renameable, i)
		case e.Undefined && !e.IsLocal() && e.Name != "" && renamed(e.Name):
			c.References = append(c.References, i)
		default:
			c.Untouched = append(c.Untouched, i)
		}
	}
	return c
}

func (c *Classification) Renamed() []int {
	return append(append([]int(nil), c.Renameable...), c.References...)
}
