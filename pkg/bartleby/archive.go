package bartleby

import (
	"bytes"
	"encoding/binary"

	"github.com/ksco/bartleby/pkg/utils"
	"github.com/pkg/errors"
)

// ReadFatArchiveMembers splits a regular archive into its members. Symbol
// index and long name table members are consumed, never returned.
func ReadFatArchiveMembers(file *File) ([]*File, error) {
	contents := file.Contents
	name := file.DisplayName()
	data := len(arMagic)
	var strTab []byte
	var files []*File

	for len(contents)-data >= 2 {
		if data%2 == 1 {
			data++
		}
		if len(contents)-data < arHdrSize {
			if utils.AllZeros(bytes.TrimRight(contents[data:], "\n")) {
				break
			}
			return nil, malformed(name, uint64(data), "ar_hdr", "truncated member header")
		}

		hdr, err := utils.Read[ArHdr](contents[data:], binary.LittleEndian)
		if err != nil {
			return nil, malformed(name, uint64(data), "ar_hdr", "%v", err)
		}
		if string(hdr.Fmag[:]) != arFmag {
			return nil, malformed(name, uint64(data), "ar_fmag", "bad header terminator %q", hdr.Fmag[:])
		}
		size, err := hdr.GetSize()
		if err != nil {
			return nil, malformed(name, uint64(data), "ar_size", "%v", err)
		}

		body := data + arHdrSize
		if !utils.InBounds(uint64(body), uint64(size), len(contents)) {
			return nil, malformed(name, uint64(data), "ar_size", "member of %d bytes runs past the end of the archive", size)
		}
		hdrOff := data
		data = body + size

		if hdr.IsStrtab() {
			strTab = contents[body:data]
			continue
		}
		if hdr.IsSymtab() {
			continue
		}

		memberName, skip, err := hdr.ReadName(strTab, contents[body:data])
		if err != nil {
			return nil, malformed(name, uint64(hdrOff), "ar_name", "%v", err)
		}
		if memberName == "__.SYMDEF" || memberName == "__.SYMDEF SORTED" ||
			memberName == "__.SYMDEF_64" || memberName == "__.SYMDEF_64 SORTED" {
			continue
		}

		files = append(files, &File{
			Name:     memberName,
			Contents: contents[body+skip : data],
			Parent:   file,
		})
	}

	return files, nil
}

func ReadArchiveMembers(file *File) ([]*File, error) {
	switch ft := GetFileType(file.Contents); ft {
	case FileTypeAr:
		return ReadFatArchiveMembers(file)
	default:
		return nil, errors.Wrapf(ErrUnsupportedFormat, "%s: %s", file.DisplayName(), fileTypeName(ft))
	}
}
