package relay

import (
	"sort"
	"sync"
)

type room struct {
	name    string
	lock    sync.Mutex
	clients map[string]*client // key is participant identity
}

func newRoom(name string) *room {
	return &room{
		name:    name,
		clients: map[string]*client{},
	}
}

// Add a client, replacing any existing client with the same identity.
// 'others' is the sorted list of the other identities in the room.
func (r *room) add(c *client) (replaced *client, others []string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	replaced = r.clients[c.identity]
	for id := range r.clients {
		if id != c.identity {
			others = append(others, id)
		}
	}
	sort.Strings(others)
	r.clients[c.identity] = c
	return
}

// Remove a client, if it is still the holder of its identity
func (r *room) remove(c *client) (removed, empty bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.clients[c.identity] == c {
		delete(r.clients, c.identity)
		removed = true
	}
	return removed, len(r.clients) == 0
}

func (r *room) get(identity string) *client {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.clients[identity]
}

// Return all clients except 'exclude', sorted by identity
func (r *room) list(exclude *client) []*client {
	r.lock.Lock()
	defer r.lock.Unlock()
	all := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		if c != exclude {
			all = append(all, c)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].identity < all[j].identity
	})
	return all
}
