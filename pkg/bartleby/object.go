package bartleby

import (
	"github.com/pkg/errors"
)

type Binding uint8

const (
	BindLocal Binding = iota
	BindGlobal
	BindWeak
)

func (b Binding) String() string {
	switch b {
	case BindGlobal:
		return "global"
	case BindWeak:
		return "weak"
	}
	return "local"
}

type SymbolType uint8

const (
	SymTypeNone SymbolType = iota
	SymTypeFunc
	SymTypeData
	SymTypeTLS
	SymTypeSection
	SymTypeFile
	SymTypeDebug
	SymTypeIndirect
	SymTypeOther
)

// SymbolEntry is one row of an object's symbol table, independent of the
// object format.
type SymbolEntry struct {
	Index int
	Name  string
	// NameOffset is the string table offset the name was read from.
	NameOffset uint32
	Binding    Binding
	Type       SymbolType
	Value      uint64

	Undefined bool
	Common    bool
	Absolute  bool
	// Reserved marks definitions relative to a reserved or
	// processor-specific section index.
	Reserved bool
}

func (e *SymbolEntry) IsDefined() bool {
	return !e.Undefined
}

func (e *SymbolEntry) IsLocal() bool {
	return e.Binding == BindLocal
}

type Section struct {
	Index    int
	Name     string
	Type     uint32
	Flags    uint64
	Contents []byte
}

// Reloc is a relocation entry. For Mach-O relocations that are not
// external, Sym holds a section ordinal and Extern is false.
type Reloc struct {
	Section int
	Offset  uint64
	Type    uint32
	Sym     uint32
	Extern  bool
}

// Object is a parsed relocatable object.
type Object interface {
	Name() string
	Format() ObjectFormat
	Contents() []byte
	Sections() []Section
	Symbols() []SymbolEntry
	Relocations() []Reloc
	// SymbolTableSections lists the indices of sections that hold the
	// symbol table or its names.
	SymbolTableSections() []int

	// Rewrite returns the object's bytes with the symbols at the given
	// symbol table indices renamed. Everything outside the symbol and
	// string tables is left as is.
	Rewrite(renames map[int]string) ([]byte, error)
}

// ParseObject decodes a single relocatable object.
func ParseObject(file *File) (Object, error) {
	switch ft := GetFileType(file.Contents); ft {
	case FileTypeElfObject:
		obj, err := NewObjectFile(file)
		if err != nil {
			return nil, err
		}
		return obj, nil
	case FileTypeMachOObject:
		obj, err := NewMachOFile(file)
		if err != nil {
			return nil, err
		}
		return obj, nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedFormat, "%s: %s", file.DisplayName(), fileTypeName(ft))
	}
}
