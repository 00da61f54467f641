// Package storage provides the persistent key-value store shared by every
// client instance on one device/profile, with change notifications delivered
// to the other instances.
package storage

import "strings"

// Change describes a write made by another instance.
type Change struct {
	Key     string
	Value   string
	Deleted bool
}

// Store is the shared persistent store. Reads and writes are fast local
// operations but are not atomic across instances: there is no
// compare-and-swap and no multi-key transaction.
type Store interface {
	// Get returns the value under key and whether it exists.
	Get(key string) (string, bool)
	// Set writes value under key.
	Set(key, value string) error
	// Remove deletes key. Removing a missing key is not an error.
	Remove(key string) error
	// OnExternalChange registers fn for writes to key made by other
	// instances. Writes made through this Store never reach fn.
	OnExternalChange(key string, fn func(Change)) (cancel func())
}

// Lister is implemented by stores that can enumerate keys.
type Lister interface {
	Keys(prefix string) []string
}

// ClearPrefix removes every key starting with prefix. Stores that do not
// implement Lister are left untouched.
func ClearPrefix(s Store, prefix string) error {
	l, ok := s.(Lister)
	if !ok {
		return nil
	}
	for _, k := range l.Keys(prefix) {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if err := s.Remove(k); err != nil {
			return err
		}
	}
	return nil
}

// subscribers is the per-key callback registry shared by the store
// implementations.
type subscribers struct {
	next  int
	byKey map[string]map[int]func(Change)
}

func (s *subscribers) add(key string, fn func(Change)) int {
	if s.byKey == nil {
		s.byKey = make(map[string]map[int]func(Change))
	}
	if s.byKey[key] == nil {
		s.byKey[key] = make(map[int]func(Change))
	}
	s.next++
	s.byKey[key][s.next] = fn
	return s.next
}

func (s *subscribers) remove(key string, id int) {
	delete(s.byKey[key], id)
}

func (s *subscribers) forKey(key string) []func(Change) {
	fns := make([]func(Change), 0, len(s.byKey[key]))
	for _, fn := range s.byKey[key] {
		fns = append(fns, fn)
	}
	return fns
}
