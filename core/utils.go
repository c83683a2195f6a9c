package core

import (
	"reflect"

	"github.com/encodeous/skymesh/state"
)

func Get[T state.SkyModule](s *state.State) T {
	t := reflect.TypeFor[T]()
	return s.Modules[t.String()].(T)
}

func engineOf(s *state.State) *Engine {
	return Get[*Engine](s)
}
