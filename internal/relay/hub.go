package relay

import (
	"sort"
	"sync"

	"github.com/kinopio-club/kinopio-sync/pkg/space"
)

// member is the hub's view of one connected client.
type member interface {
	id() string
	user() *space.User
	deliver(frame []byte) bool
}

// hub tracks room membership. It is safe for concurrent use.
type hub struct {
	mu    sync.RWMutex
	rooms map[string]map[member]struct{}
}

func newHub() *hub {
	return &hub{rooms: make(map[string]map[member]struct{})}
}

func (h *hub) join(room string, m member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[member]struct{})
		h.rooms[room] = members
	}
	members[m] = struct{}{}
}

// leave removes m from room and reports whether it was a member.
func (h *hub) leave(room string, m member) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		return false
	}
	if _, ok := members[m]; !ok {
		return false
	}
	delete(members, m)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
	return true
}

// broadcast delivers frame to every member of room except skip and returns
// how many members could not keep up.
func (h *hub) broadcast(room string, frame []byte, skip member) int {
	h.mu.RLock()
	members := make([]member, 0, len(h.rooms[room]))
	for m := range h.rooms[room] {
		if m != skip {
			members = append(members, m)
		}
	}
	h.mu.RUnlock()

	slow := 0
	for _, m := range members {
		if !m.deliver(frame) {
			slow++
		}
	}
	return slow
}

// clients returns the roster of room ordered by client id.
func (h *hub) clients(room string) []roomClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]roomClient, 0, len(h.rooms[room]))
	for m := range h.rooms[room] {
		c := roomClient{ClientID: m.id()}
		if u := m.user(); u != nil {
			c.User = *u
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

func (h *hub) stats() (rooms, clients int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, members := range h.rooms {
		clients += len(members)
	}
	return len(h.rooms), clients
}

type roomClient struct {
	ClientID string     `json:"clientId"`
	User     space.User `json:"user"`
}
