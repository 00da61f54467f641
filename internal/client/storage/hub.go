package storage

import (
	"sort"
	"strings"
	"sync"
)

// Hub is an in-memory shared store. Each Instance is one client's view of
// it; a write through one view is delivered asynchronously, without ordering
// guarantees, to subscribers of every other view.
type Hub struct {
	mu    sync.Mutex
	data  map[string]string
	views []*HubStore
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{data: make(map[string]string)}
}

// Instance returns a new view of the hub.
func (h *Hub) Instance() *HubStore {
	h.mu.Lock()
	defer h.mu.Unlock()
	v := &HubStore{hub: h}
	h.views = append(h.views, v)
	return v
}

// HubStore is one instance's view of a Hub. It implements Store and Lister.
type HubStore struct {
	hub *Hub

	mu   sync.Mutex
	subs subscribers
}

// Get implements Store.
func (s *HubStore) Get(key string) (string, bool) {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	v, ok := s.hub.data[key]
	return v, ok
}

// Set implements Store.
func (s *HubStore) Set(key, value string) error {
	s.hub.mu.Lock()
	s.hub.data[key] = value
	others := s.others()
	s.hub.mu.Unlock()

	for _, o := range others {
		o.deliver(Change{Key: key, Value: value})
	}
	return nil
}

// Remove implements Store.
func (s *HubStore) Remove(key string) error {
	s.hub.mu.Lock()
	_, existed := s.hub.data[key]
	delete(s.hub.data, key)
	others := s.others()
	s.hub.mu.Unlock()

	if !existed {
		return nil
	}
	for _, o := range others {
		o.deliver(Change{Key: key, Deleted: true})
	}
	return nil
}

// Keys implements Lister.
func (s *HubStore) Keys(prefix string) []string {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	var keys []string
	for k := range s.hub.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// OnExternalChange implements Store.
func (s *HubStore) OnExternalChange(key string, fn func(Change)) func() {
	s.mu.Lock()
	id := s.subs.add(key, fn)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		s.subs.remove(key, id)
		s.mu.Unlock()
	}
}

// others must be called with the hub lock held.
func (s *HubStore) others() []*HubStore {
	out := make([]*HubStore, 0, len(s.hub.views))
	for _, v := range s.hub.views {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

func (s *HubStore) deliver(c Change) {
	s.mu.Lock()
	fns := s.subs.forKey(c.Key)
	s.mu.Unlock()

	for _, fn := range fns {
		go fn(c)
	}
}
