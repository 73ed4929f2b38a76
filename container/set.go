package container

type Set[T comparable] map[T]struct{}

// NewSet builds a set from its arguments.
func NewSet[T comparable](vs ...T) Set[T] {
	set := make(Set[T], len(vs))
	for _, v := range vs {
		set[v] = struct{}{}
	}
	return set
}

func (set Set[T]) Add(v T) {
	set[v] = struct{}{}
}

func (set Set[T]) Delete(v T) {
	delete(set, v)
}

func (set Set[T]) Contains(v T) bool {
	_, ok := set[v]
	return ok
}
