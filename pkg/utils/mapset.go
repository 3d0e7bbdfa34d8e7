package utils

// MapSet is a set of comparable values. The zero value is an empty set
// that can be queried but not added to.
type MapSet[K comparable] struct {
	m map[K]struct{}
}

func NewMapSet[K comparable](vals ...K) MapSet[K] {
	s := MapSet[K]{m: make(map[K]struct{}, len(vals))}
	s.Add(vals...)
	return s
}

func (s MapSet[K]) Add(vals ...K) {
	for _, v := range vals {
		s.m[v] = struct{}{}
	}
}

func (s MapSet[K]) Contains(val K) bool {
	_, ok := s.m[val]
	return ok
}

func (s MapSet[K]) Len() int {
	return len(s.m)
}
