package space

import (
	"encoding/json"
	"fmt"
)

// FieldFromBroadcast is the marker older clients attach to entities they apply
// from the wire. It is never stored.
const FieldFromBroadcast = "isFromBroadcast"

// Patch is a partial entity keyed by JSON field name. It must carry "id".
type Patch map[string]any

// ID returns the patch's entity id, or "" when it has none.
func (p Patch) ID() string {
	id, _ := p["id"].(string)
	return id
}

// Clone returns a shallow copy of p.
func (p Patch) Clone() Patch {
	out := make(Patch, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Combine copies every field of next into p. Later values win.
func (p Patch) Combine(next Patch) {
	for k, v := range next {
		p[k] = v
	}
}

// Merge shallow-merges patch into dst, which must be a pointer to an entity.
// Fields absent from the patch keep their current value.
func Merge(dst Entity, patch Patch) error {
	fields := patch
	if _, ok := patch[FieldFromBroadcast]; ok {
		fields = patch.Clone()
		delete(fields, FieldFromBroadcast)
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode patch: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to apply patch %s: %w", patch.ID(), err)
	}
	return nil
}

// PatchOf converts a whole entity into a patch naming every field it serializes.
func PatchOf(e Entity) (Patch, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entity: %w", err)
	}
	var p Patch
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode entity: %w", err)
	}
	return p, nil
}
