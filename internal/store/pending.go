package store

import "github.com/kinopio-club/kinopio-sync/pkg/space"

// pendingBuffer accumulates patches between frames. Patches for the same id
// and origin are combined field by field, later values winning.
type pendingBuffer struct {
	order  []string
	local  map[string]space.Patch
	remote map[string]space.Patch
}

func newPendingBuffer() *pendingBuffer {
	return &pendingBuffer{
		local:  make(map[string]space.Patch),
		remote: make(map[string]space.Patch),
	}
}

func (b *pendingBuffer) add(p space.Patch, origin space.Origin) {
	target := b.local
	if origin == space.OriginBroadcast {
		target = b.remote
	}

	id := p.ID()
	if _, inLocal := b.local[id]; !inLocal {
		if _, inRemote := b.remote[id]; !inRemote {
			b.order = append(b.order, id)
		}
	}

	if existing, ok := target[id]; ok {
		existing.Combine(p)
		return
	}
	target[id] = p.Clone()
}

// drain returns the buffered patches in first-arrival order and clears the buffer.
func (b *pendingBuffer) drain() (remote, local []space.Patch) {
	for _, id := range b.order {
		if p, ok := b.remote[id]; ok {
			remote = append(remote, p)
		}
		if p, ok := b.local[id]; ok {
			local = append(local, p)
		}
	}
	b.clear()
	return remote, local
}

func (b *pendingBuffer) forget(id string) {
	delete(b.local, id)
	delete(b.remote, id)
	for i, existing := range b.order {
		if existing == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

func (b *pendingBuffer) empty() bool {
	return len(b.order) == 0
}

func (b *pendingBuffer) clear() {
	b.order = nil
	b.local = make(map[string]space.Patch)
	b.remote = make(map[string]space.Patch)
}
