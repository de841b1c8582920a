package server

import (
	"path"
	"sync"
	"time"

	"tiercache/internal/cache"
)

// store adapts the memory tier to the command vocabulary and adds the set
// support (SADD/SMEMBERS/EXPIRE) that tag indexes need. String values live
// in the bounded cache; sets are checked for expiry lazily on access.
type store struct {
	memory *cache.Memory

	mu        sync.Mutex
	sets      map[string]map[string]struct{}
	setExpiry map[string]time.Time
}

func newStore(memory *cache.Memory) *store {
	return &store{
		memory:    memory,
		sets:      make(map[string]map[string]struct{}),
		setExpiry: make(map[string]time.Time),
	}
}

func (st *store) get(key string) (string, bool) {
	v, ok := st.memory.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (st *store) set(key, value string, ttl time.Duration) {
	st.memory.Set(key, value, cache.Options{TTL: ttl})
}

// del removes a key from both the value store and the set store; the command
// protocol shares one namespace across them.
func (st *store) del(key string) int {
	removed := 0
	if st.memory.Delete(key) {
		removed = 1
	}

	st.mu.Lock()
	if _, ok := st.sets[key]; ok {
		delete(st.sets, key)
		delete(st.setExpiry, key)
		removed = 1
	}
	st.mu.Unlock()

	return removed
}

func (st *store) exists(key string) int {
	if st.memory.Has(key) {
		return 1
	}
	return 0
}

func (st *store) ttl(key string) int64 {
	return st.memory.TTL(key)
}

func (st *store) keys(glob string) []string {
	matches := []string{}
	for _, key := range st.memory.Keys() {
		if ok, _ := path.Match(glob, key); ok {
			matches = append(matches, key)
		}
	}
	return matches
}

func (st *store) sadd(key, member string) int {
	st.mu.Lock()
	defer st.mu.Unlock()

	set, ok := st.liveSet(key)
	if !ok {
		set = make(map[string]struct{})
		st.sets[key] = set
	}
	if _, exists := set[member]; exists {
		return 0
	}
	set[member] = struct{}{}
	return 1
}

func (st *store) smembers(key string) []string {
	st.mu.Lock()
	defer st.mu.Unlock()

	members := []string{}
	if set, ok := st.liveSet(key); ok {
		for m := range set {
			members = append(members, m)
		}
	}
	return members
}

func (st *store) expire(key string, ttl time.Duration) int {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.liveSet(key); !ok {
		return 0
	}
	st.setExpiry[key] = time.Now().Add(ttl)
	return 1
}

// liveSet returns the set for key, dropping it first if expired. Callers
// hold st.mu.
func (st *store) liveSet(key string) (map[string]struct{}, bool) {
	set, ok := st.sets[key]
	if !ok {
		return nil, false
	}
	if exp, hasExp := st.setExpiry[key]; hasExp && time.Now().After(exp) {
		delete(st.sets, key)
		delete(st.setExpiry, key)
		return nil, false
	}
	return set, true
}

func (st *store) Close() {
	st.memory.Close()
}
