package utils

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"io"
	"math"
	"slices"
	"strings"
)

func AlignTo(val, align uint64) uint64 {
	if align == 0 {
		return val
	}
	return (val + align - 1) & ^(align - 1)
}

// InBounds reports whether [off, off+size) lies within a buffer of length n.
func InBounds(off, size uint64, n int) bool {
	if off > math.MaxUint64-size {
		return false
	}
	return off+size <= uint64(n)
}

func AllZeros(bs []byte) bool {
	b := byte(0)
	for _, s := range bs {
		b |= s
	}
	return b == 0
}

func Read[T any](data []byte, order binary.ByteOrder) (val T, err error) {
	reader := bytes.NewReader(data)
	err = binary.Read(reader, order, &val)
	return
}

func Write[T any](data []byte, order binary.ByteOrder, e T) error {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, order, e); err != nil {
		return err
	}
	if len(data) < buf.Len() {
		return io.ErrShortBuffer
	}
	copy(data, buf.Bytes())
	return nil
}

func RemoveIf[T any](elems []T, condition func(T) bool) []T {
	i := 0

	for _, elem := range elems {
		if condition(elem) {
			continue
		}
		elems[i] = elem
		i++
	}
	return elems[:i]
}

func RemovePrefix(s, prefix string) (string, bool) {
	if strings.HasPrefix(s, prefix) {
		s = strings.TrimPrefix(s, prefix)
		return s, true
	}
	return s, false
}

func SortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
