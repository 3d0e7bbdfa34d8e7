package bartleby

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"unsafe"
)

type ArHdr struct {
	Name [16]byte
	Date [12]byte
	Uid  [6]byte
	Gid  [6]byte
	Mode [8]byte
	Size [10]byte
	Fmag [2]byte
}

const (
	arHdrSize = int(unsafe.Sizeof(ArHdr{}))
	arFmag    = "`\n"
)

func (a *ArHdr) StartsWith(s string) bool {
	return len(s) <= len(a.Name) && string(a.Name[:len(s)]) == s
}

func (a *ArHdr) IsStrtab() bool {
	return a.StartsWith("// ")
}

func (a *ArHdr) IsSymtab() bool {
	return a.StartsWith("/ ") || a.StartsWith("/SYM64/ ")
}

func (a *ArHdr) IsBSDName() bool {
	return a.StartsWith("#1/")
}

// ReadName decodes the member name. For BSD long names the name is
// stored at the start of the member body; the returned skip is the number
// of body bytes it occupies.
func (a *ArHdr) ReadName(strTab []byte, body []byte) (name string, skip int, err error) {
	if a.IsBSDName() {
		nameLen, err := strconv.Atoi(strings.TrimSpace(string(a.Name[3:])))
		if err != nil || nameLen < 0 {
			return "", 0, fmt.Errorf("bad BSD name length %q", a.Name[3:])
		}
		if nameLen > len(body) {
			return "", 0, fmt.Errorf("BSD name length %d exceeds member size %d", nameLen, len(body))
		}
		n := body[:nameLen]
		if end := bytes.IndexByte(n, 0); end != -1 {
			n = n[:end]
		}
		return string(n), nameLen, nil
	}

	if a.StartsWith("/") {
		start, err := strconv.Atoi(strings.TrimSpace(string(a.Name[1:])))
		if err != nil || start < 0 {
			return "", 0, fmt.Errorf("bad long name reference %q", a.Name[:])
		}
		if start >= len(strTab) {
			return "", 0, fmt.Errorf("long name offset %d outside name table of %d bytes", start, len(strTab))
		}
		end := bytes.Index(strTab[start:], []byte("/\n"))
		if end < 0 {
			return "", 0, fmt.Errorf("unterminated long name at offset %d", start)
		}
		return string(strTab[start : start+end]), 0, nil
	}

	if end := bytes.IndexByte(a.Name[:], '/'); end != -1 {
		return string(a.Name[:end]), 0, nil
	}
	return strings.TrimRight(string(a.Name[:]), " "), 0, nil
}

func (a *ArHdr) GetSize() (int, error) {
	sz, err := strconv.Atoi(strings.TrimSpace(string(a.Size[:])))
	if err != nil || sz < 0 {
		return 0, fmt.Errorf("bad member size %q", a.Size[:])
	}
	return sz, nil
}

// NewArHdr builds a member header with zero date, uid and gid. An empty
// mode leaves every field after the name blank, as GNU ar does for the
// long name table.
func NewArHdr(name, mode string, size int) (ArHdr, error) {
	var hdr ArHdr
	sz := strconv.Itoa(size)
	if len(name) > len(hdr.Name) || len(sz) > len(hdr.Size) {
		return hdr, fmt.Errorf("member %q of %d bytes does not fit an archive header", name, size)
	}

	date, id := "0", "0"
	if mode == "" {
		date, id = "", ""
	}
	fill(hdr.Name[:], name)
	fill(hdr.Date[:], date)
	fill(hdr.Uid[:], id)
	fill(hdr.Gid[:], id)
	fill(hdr.Mode[:], mode)
	fill(hdr.Size[:], sz)
	copy(hdr.Fmag[:], arFmag)
	return hdr, nil
}

func (a *ArHdr) Bytes() []byte {
	buf := make([]byte, 0, arHdrSize)
	buf = append(buf, a.Name[:]...)
	buf = append(buf, a.Date[:]...)
	buf = append(buf, a.Uid[:]...)
	buf = append(buf, a.Gid[:]...)
	buf = append(buf, a.Mode[:]...)
	buf = append(buf, a.Size[:]...)
	buf = append(buf, a.Fmag[:]...)
	return buf
}

func fill(field []byte, s string) {
	n := copy(field, s)
	for i := n; i < len(field); i++ {
		field[i] = ' '
	}
}
