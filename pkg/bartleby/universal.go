package bartleby

import (
	"debug/macho"
	"encoding/binary"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/ksco/bartleby/pkg/utils"
	"github.com/pkg/errors"
)

const (
	fatMagic64     = 0xcafebabf
	fatHeaderSize  = 8
	fatArchSize    = 20
	fatArch64Size  = 32
	maxSliceAlign  = 15
	cpuSubtypeMask = 0xff000000
)

type fatHeader struct {
	Magic uint32
	Narch uint32
}

type fatArch64 struct {
	Cpu      macho.Cpu
	SubCpu   uint32
	Offset   uint64
	Size     uint64
	Align    uint32
	Reserved uint32
}

// FatArch is one fat_arch entry. Align is a power of two.
type FatArch struct {
	Cpu    macho.Cpu
	SubCpu uint32
	Offset uint64
	Size   uint64
	Align  uint32
}

// Same reports whether a and o describe the same architecture, ignoring
// the capability bits of the subtype.
func (a FatArch) Same(o FatArch) bool {
	return a.Cpu == o.Cpu && a.SubCpu&^cpuSubtypeMask == o.SubCpu&^cpuSubtypeMask
}

func (a FatArch) String() string {
	switch a.Cpu {
	case macho.Cpu386:
		return "i386"
	case macho.CpuAmd64:
		return "x86_64"
	case macho.CpuArm:
		return "arm"
	case macho.CpuArm64:
		return "arm64"
	case macho.CpuPpc:
		return "ppc"
	case macho.CpuPpc64:
		return "ppc64"
	}
	return fmt.Sprintf("%s/%d", a.Cpu, a.SubCpu&^cpuSubtypeMask)
}

type FatSlice struct {
	Arch FatArch
	File *File
}

// ReadUniversalSlices splits a universal binary into one File per
// architecture, in fat_arch order. Slices are named after their
// architecture.
func ReadUniversalSlices(file *File) ([]FatSlice, error) {
	contents := file.Contents
	name := file.DisplayName()

	hdr, err := utils.Read[fatHeader](contents, binary.BigEndian)
	if err != nil {
		return nil, malformed(name, 0, "fat_header", "file too small")
	}

	entrySize := uint64(fatArchSize)
	switch hdr.Magic {
	case macho.MagicFat:
	case fatMagic64:
		entrySize = fatArch64Size
	default:
		return nil, malformed(name, 0, "magic", "not a universal binary")
	}
	if hdr.Narch == 0 {
		return nil, malformed(name, 4, "nfat_arch", "no architectures")
	}
	if !utils.InBounds(fatHeaderSize, uint64(hdr.Narch)*entrySize, len(contents)) {
		return nil, malformed(name, 4, "nfat_arch", "%d architectures run past the end of the file", hdr.Narch)
	}
	tableEnd := fatHeaderSize + uint64(hdr.Narch)*entrySize

	out := make([]FatSlice, 0, hdr.Narch)
	for i := uint64(0); i < uint64(hdr.Narch); i++ {
		off := fatHeaderSize + i*entrySize

		var arch FatArch
		if entrySize == fatArch64Size {
			a, err := utils.Read[fatArch64](contents[off:], binary.BigEndian)
			if err != nil {
				return nil, malformed(name, off, "fat_arch", "%v", err)
			}
			arch = FatArch{Cpu: a.Cpu, SubCpu: a.SubCpu, Offset: a.Offset, Size: a.Size, Align: a.Align}
		} else {
			a, err := utils.Read[macho.FatArchHeader](contents[off:], binary.BigEndian)
			if err != nil {
				return nil, malformed(name, off, "fat_arch", "%v", err)
			}
			arch = FatArch{Cpu: a.Cpu, SubCpu: a.SubCpu, Offset: uint64(a.Offset), Size: uint64(a.Size), Align: a.Align}
		}

		switch {
		case arch.Align > maxSliceAlign:
			return nil, malformed(name, off, "align", "alignment 2^%d of %s is too large", arch.Align, arch)
		case arch.Offset < tableEnd:
			return nil, malformed(name, off, "offset", "%s starts inside the fat header", arch)
		case arch.Offset%(1<<arch.Align) != 0:
			return nil, malformed(name, off, "offset", "%s at %#x is not aligned to 2^%d", arch, arch.Offset, arch.Align)
		case !utils.InBounds(arch.Offset, arch.Size, len(contents)):
			return nil, malformed(name, off, "size", "%s of %d bytes runs past the end of the file", arch, arch.Size)
		}
		for _, prev := range out {
			if prev.Arch.Same(arch) {
				return nil, malformed(name, off, "cputype", "%s appears twice", arch)
			}
		}

		out = append(out, FatSlice{
			Arch: arch,
			File: &File{
				Name:     arch.String(),
				Contents: contents[arch.Offset : arch.Offset+arch.Size],
				Parent:   file,
			},
		})
	}

	byOffset := append([]FatSlice(nil), out...)
	sort.Slice(byOffset, func(i, j int) bool {
		return byOffset[i].Arch.Offset < byOffset[j].Arch.Offset
	})
	for i := 1; i < len(byOffset); i++ {
		prev, cur := byOffset[i-1].Arch, byOffset[i].Arch
		if prev.Offset+prev.Size > cur.Offset {
			return nil, malformed(name, cur.Offset, "offset", "%s overlaps %s", cur, prev)
		}
	}
	return out, nil
}

// Slice is one architecture of a universal session. Format is pinned by
// the first object added to the slice.
type Slice struct {
	Arch   FatArch
	Format ObjectFormat
}

// matchSlices maps the slices of a universal input onto the session's
// slices, creating them for the first universal input.
func matchSlices(pinned []*Slice, fat []FatSlice, name string) ([]*Slice, error) {
	if len(pinned) == 0 {
		mapping := make([]*Slice, 0, len(fat))
		for _, s := range fat {
			mapping = append(mapping, &Slice{Arch: FatArch{Cpu: s.Arch.Cpu, SubCpu: s.Arch.SubCpu, Align: s.Arch.Align}})
		}
		return mapping, nil
	}

	if len(pinned) != len(fat) {
		return nil, errors.Wrapf(ErrFormatMismatch, "%s has %d architectures, session holds %d",
			name, len(fat), len(pinned))
	}
	mapping := make([]*Slice, 0, len(fat))
	for _, s := range fat {
		i := slices.IndexFunc(pinned, func(p *Slice) bool { return p.Arch.Same(s.Arch) })
		if i < 0 {
			return nil, errors.Wrapf(ErrFormatMismatch, "%s: unexpected architecture %s, session holds %s",
				name, s.Arch, slicesString(pinned))
		}
		mapping = append(mapping, pinned[i])
	}
	return mapping, nil
}

// checkSliceCompatibility pins format to the first object of the slice
// and rejects objects built for another architecture.
func checkSliceCompatibility(slice *Slice, format *ObjectFormat, obj *InputObject) error {
	got := obj.Format()
	if got.Family != FamilyMachO || got.Machine != uint32(slice.Arch.Cpu) {
		return errors.Wrapf(ErrFormatMismatch, "%s is %s, slice expects %s", obj.Name(), got, slice.Arch)
	}
	return CheckFileCompatibility(format, obj)
}

func slicesString(pinned []*Slice) string {
	names := make([]string, 0, len(pinned))
	for _, s := range pinned {
		names = append(names, s.Arch.String())
	}
	return "universal(" + strings.Join(names, ",") + ")"
}
