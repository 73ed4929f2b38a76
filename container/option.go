package container

import "fmt"

// Option is a value that may be absent. The zero value is the absent option.
type Option[T any] struct {
	v  T
	ok bool
}

func Some[T any](v T) Option[T] {
	return Option[T]{v: v, ok: true}
}

func None[T any]() Option[T] {
	return Option[T]{}
}

func (opt Option[T]) Get() (T, bool) {
	return opt.v, opt.ok
}

func (opt Option[T]) GetOr(alt T) T {
	if opt.ok {
		return opt.v
	}
	return alt
}

func (opt Option[T]) Set() bool {
	return opt.ok
}

func (opt Option[T]) MustGet() T {
	if !opt.ok {
		panic("called MustGet on unset Option")
	}
	return opt.v
}

func (opt Option[T]) String() string {
	if !opt.ok {
		return "None"
	}
	return fmt.Sprintf("%v", opt.v)
}
