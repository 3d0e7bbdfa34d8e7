package bartleby

// GetRank orders competing definitions of one name: strong before weak
// before common, earlier files first.
func GetRank(file *InputObject, e *SymbolEntry) uint64 {
	if file == nil || e == nil {
		return 7 << 24
	}
	if e.Common {
		return (5 << 24) + uint64(file.Priority)
	}
	if e.Binding == BindWeak {
		return (2 << 24) + uint64(file.Priority)
	}
	return (1 << 24) + uint64(file.Priority)
}
