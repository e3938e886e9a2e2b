package space

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID returns a new entity id. ULIDs are generated client-side and are
// collision-resistant across clients without coordination.
func NewID() string {
	return ulid.Make().String()
}

// NewClientID returns the per-process client identifier used for echo suppression.
func NewClientID() string {
	return uuid.New().String()
}
