package bartleby

import (
	"path"

	"github.com/pkg/errors"
)

// InputObject is one object of the session: a loose object or an archive
// member. MemberName is the name it gets in the output archive. Slice is
// set in universal sessions.
type InputObject struct {
	Object
	MemberName string
	Priority   uint32
	Slice      *Slice
}

// ReadFile parses file into the objects it contributes. Nothing is added
// to ctx unless every object parses and matches the session's format, or
// for universal binaries, the session's architectures.
func ReadFile(ctx *Context, file *File) ([]*InputObject, error) {
	format := ctx.Format
	pinned := ctx.Slices
	sliceFormats := make(map[*Slice]ObjectFormat)
	priority := ctx.FilePriority
	var objs []*InputObject

	create := func(f *File, memberName string, slice *Slice) error {
		obj, err := CreateObjectFile(f, memberName, priority)
		if err != nil {
			return err
		}
		if slice != nil {
			sf, ok := sliceFormats[slice]
			if !ok {
				sf = slice.Format
			}
			if err := checkSliceCompatibility(slice, &sf, obj); err != nil {
				return err
			}
			sliceFormats[slice] = sf
			obj.Slice = slice
		} else if err := CheckFileCompatibility(&format, obj); err != nil {
			return err
		}
		priority++
		objs = append(objs, obj)
		return nil
	}

	// readObjects adds a loose object or every member of an archive.
	readObjects := func(f *File, memberName string, slice *Slice) error {
		switch ft := GetFileType(f.Contents); ft {
		case FileTypeElfObject, FileTypeMachOObject:
			return create(f, memberName, slice)
		case FileTypeAr:
			members, err := ReadArchiveMembers(f)
			if err != nil {
				return err
			}
			for _, child := range members {
				if err := create(child, path.Base(child.Name), slice); err != nil {
					return err
				}
			}
			return nil
		default:
			return errors.Wrapf(ErrUnsupportedFormat, "%s: %s", f.DisplayName(), fileTypeName(ft))
		}
	}

	switch ft := GetFileType(file.Contents); ft {
	case FileTypeElfObject, FileTypeMachOObject, FileTypeAr:
		if len(pinned) > 0 {
			return nil, errors.Wrapf(ErrFormatMismatch, "%s is not a universal binary, session holds %s",
				file.DisplayName(), slicesString(pinned))
		}
		if err := readObjects(file, path.Base(file.Name), nil); err != nil {
			return nil, err
		}
	case FileTypeMachOFat:
		if format.Family != FamilyNone {
			return nil, errors.Wrapf(ErrFormatMismatch, "%s is a universal binary, session holds %s",
				file.DisplayName(), format)
		}
		fat, err := ReadUniversalSlices(file)
		if err != nil {
			return nil, err
		}
		mapping, err := matchSlices(pinned, fat, file.DisplayName())
		if err != nil {
			return nil, err
		}
		for i, s := range fat {
			if err := readObjects(s.File, path.Base(file.Name), mapping[i]); err != nil {
				return nil, err
			}
		}
		if len(pinned) == 0 {
			pinned = mapping
		}
	default:
		return nil, errors.Wrapf(ErrUnsupportedFormat, "%s: %s", file.DisplayName(), fileTypeName(ft))
	}

	ctx.Format = format
	ctx.Slices = pinned
	for slice, sf := range sliceFormats {
		slice.Format = sf
	}
	ctx.FilePriority = priority
	ctx.Objs = append(ctx.Objs, objs...)
	for _, obj := range objs {
		RegisterSymbols(ctx, obj)
	}
	return objs, nil
}

func CreateObjectFile(file *File, memberName string, priority uint32) (*InputObject, error) {
	obj, err := ParseObject(file)
	if err != nil {
		return nil, err
	}
	return &InputObject{
		Object:     obj,
		MemberName: memberName,
		Priority:   priority,
	}, nil
}

// CheckFileCompatibility pins the session format to the first object and
// rejects objects of any other format.
func CheckFileCompatibility(format *ObjectFormat, obj *InputObject) error {
	got := obj.Format()
	if format.Family == FamilyNone {
		*format = got
		return nil
	}
	if !format.Equal(got) {
		return errors.Wrapf(ErrFormatMismatch, "%s is %s, session holds %s", obj.Name(), got, format)
	}
	return nil
}
