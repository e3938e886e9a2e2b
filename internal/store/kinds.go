package store

import "github.com/kinopio-club/kinopio-sync/pkg/space"

// Concrete stores. Cards, boxes and lists are dragged and resized
// continuously, so their updates are frame-batched.
type (
	CardStore = Store[*space.Card]
	BoxStore  = Store[*space.Box]
	LineStore = Store[*space.Line]
	ListStore = Store[*space.List]
)

// NewCardStore returns the frame-batched card store.
func NewCardStore(deps Deps) *CardStore {
	return New(space.KindCard, func() *space.Card { return &space.Card{} }, deps,
		WithFrameBatching[*space.Card]())
}

// NewBoxStore returns the frame-batched box store.
func NewBoxStore(deps Deps) *BoxStore {
	return New(space.KindBox, func() *space.Box { return &space.Box{} }, deps,
		WithFrameBatching[*space.Box]())
}

// NewLineStore returns the line store.
func NewLineStore(deps Deps) *LineStore {
	return New(space.KindLine, func() *space.Line { return &space.Line{} }, deps)
}

// NewListStore returns the frame-batched list store.
func NewListStore(deps Deps) *ListStore {
	return New(space.KindList, func() *space.List { return &space.List{} }, deps,
		WithFrameBatching[*space.List]())
}
