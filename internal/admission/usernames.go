package admission

import "sync"

const usernameCacheSize = 8192

// usernameCache remembers identity -> username between the authentication
// hook and login. It is reset wholesale when full.
type usernameCache struct {
	mu    sync.Mutex
	max   int
	names map[IdentityID]string
}

func newUsernameCache(max int) *usernameCache {
	return &usernameCache{max: max, names: make(map[IdentityID]string)}
}

func (u *usernameCache) get(id IdentityID) (string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	n, ok := u.names[id]
	return n, ok
}

func (u *usernameCache) put(id IdentityID, name string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.names[id]; !ok && len(u.names) >= u.max {
		clear(u.names)
	}
	u.names[id] = name
}
