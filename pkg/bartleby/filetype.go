package bartleby

import (
	"bytes"
	"debug/elf"
	"debug/macho"
	"encoding/binary"
)

type FileType = int8

const (
	FileTypeUnknown FileType = iota
	FileTypeEmpty
	FileTypeElfObject
	FileTypeElfOther
	FileTypeMachOObject
	FileTypeMachOOther
	FileTypeMachOFat
	FileTypeAr
	FileTypeThinAr
)

const (
	arMagic     = "!<arch>\n"
	thinArMagic = "!<thin>\n"
)

// GetFileType classifies contents by looking at its fixed-size magic and
// header fields only.
func GetFileType(contents []byte) FileType {
	if len(contents) == 0 {
		return FileTypeEmpty
	}

	if CheckElfMagic(contents) {
		if len(contents) < elf.EI_NIDENT+2 {
			return FileTypeUnknown
		}
		order, ok := elfByteOrder(contents)
		if !ok {
			return FileTypeUnknown
		}
		switch elf.Class(contents[elf.EI_CLASS]) {
		case elf.ELFCLASS32, elf.ELFCLASS64:
		default:
			return FileTypeUnknown
		}
		if elf.Type(order.Uint16(contents[elf.EI_NIDENT:])) == elf.ET_REL {
			return FileTypeElfObject
		}
		return FileTypeElfOther
	}

	if bytes.HasPrefix(contents, []byte(arMagic)) {
		return FileTypeAr
	}
	if bytes.HasPrefix(contents, []byte(thinArMagic)) {
		return FileTypeThinAr
	}

	if len(contents) >= 4 {
		switch binary.BigEndian.Uint32(contents) {
		case macho.MagicFat, fatMagic64:
			return FileTypeMachOFat
		}
		if order, _, ok := machoByteOrder(contents); ok {
			if len(contents) < 16 {
				return FileTypeUnknown
			}
			if macho.Type(order.Uint32(contents[12:])) == macho.TypeObj {
				return FileTypeMachOObject
			}
			return FileTypeMachOOther
		}
	}

	return FileTypeUnknown
}

func CheckElfMagic(contents []byte) bool {
	return bytes.HasPrefix(contents, []byte(elf.ELFMAG))
}

func elfByteOrder(contents []byte) (binary.ByteOrder, bool) {
	switch elf.Data(contents[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		return binary.LittleEndian, true
	case elf.ELFDATA2MSB:
		return binary.BigEndian, true
	}
	return nil, false
}

func machoByteOrder(contents []byte) (binary.ByteOrder, bool, bool) {
	le := binary.LittleEndian.Uint32(contents)
	be := binary.BigEndian.Uint32(contents)
	switch {
	case le == macho.Magic64:
		return binary.LittleEndian, true, true
	case le == macho.Magic32:
		return binary.LittleEndian, false, true
	case be == macho.Magic64:
		return binary.BigEndian, true, true
	case be == macho.Magic32:
		return binary.BigEndian, false, true
	}
	return nil, false, false
}

func fileTypeName(ft FileType) string {
	switch ft {
	case FileTypeEmpty:
		return "empty file"
	case FileTypeElfObject:
		return "ELF relocatable object"
	case FileTypeElfOther:
		return "ELF file that is not a relocatable object"
	case FileTypeMachOObject:
		return "Mach-O object"
	case FileTypeMachOOther:
		return "Mach-O file that is not an object"
	case FileTypeMachOFat:
		return "universal binary"
	case FileTypeAr:
		return "archive"
	case FileTypeThinAr:
		return "thin archive"
	}
	return "unknown file"
}
