// Package yakvdb is an embedded, single-file, ordered key-value store built
// on a disk-backed B-tree of fixed-size pages. Keys and values are opaque
// byte strings; keys are ordered by lexicographic byte comparison.
package yakvdb

import (
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/hmarui66/yakvdb/internal/btree"
	"github.com/hmarui66/yakvdb/internal/engine"
	"github.com/hmarui66/yakvdb/internal/hexdump"
)

// DefaultCacheCapacity is used by the package-level Make/Open helpers; call
// MakeWithCache/OpenWithCache directly to choose a different capacity.
const DefaultCacheCapacity = 64

// Store is the public handle onto one open key-value file. Per the
// concurrency model (a lookup holds at most one page borrow at a time, so
// concurrent lookups interleave freely; a mutator serializes with other
// mutators while it walks a path), mu is held for reading across a lookup
// and for writing across a mutation.
type Store struct {
	mu   sync.RWMutex
	eng  *engine.Engine
	tree *btree.Tree
}

// Make creates a new store file at path with the given fixed page size. It
// fails if path already exists.
func Make(path string, pageBytes uint32) (*Store, error) {
	return MakeWithCache(path, pageBytes, DefaultCacheCapacity)
}

// MakeWithCache is Make with an explicit page-cache capacity.
func MakeWithCache(path string, pageBytes uint32, cacheCapacity int) (*Store, error) {
	eng, err := engine.Make(path, pageBytes, cacheCapacity)
	if err != nil {
		return nil, err
	}
	return &Store{eng: eng, tree: btree.New(eng)}, nil
}

// Open opens an existing store file.
func Open(path string) (*Store, error) {
	return OpenWithCache(path, DefaultCacheCapacity)
}

// OpenWithCache is Open with an explicit page-cache capacity.
func OpenWithCache(path string, cacheCapacity int) (*Store, error) {
	eng, err := engine.Open(path, cacheCapacity)
	if err != nil {
		return nil, err
	}
	return &Store{eng: eng, tree: btree.New(eng)}, nil
}

// Close flushes any pending writes and releases the file.
func (s *Store) Close() error {
	return s.eng.Close()
}

// Lookup returns the value stored for key, or a nil slice if key is absent.
// Absence is never an error.
func (s *Store) Lookup(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	val, err := s.tree.Lookup(key)
	if err != nil {
		log.Printf("yakvdb: lookup(%q): %v", key, err)
		return nil, err
	}
	return val, nil
}

// Insert upserts (key, value). If key is already present its value is
// replaced.
func (s *Store) Insert(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Insert(key, value)
}

// Remove deletes key if present. Removing an absent key succeeds silently.
func (s *Store) Remove(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Remove(key)
}

// IsEmpty reports whether the store currently holds no entries.
func (s *Store) IsEmpty() (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.IsEmpty()
}

// Min returns the smallest key in the store, or nil if it is empty.
func (s *Store) Min() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Min()
}

// Max returns the largest key in the store, or nil if it is empty.
func (s *Store) Max() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Max()
}

// Above returns the strict successor of key, or nil if key has none.
func (s *Store) Above(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Above(key)
}

// Below returns the strict predecessor of key, or nil if key has none.
func (s *Store) Below(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Below(key)
}

// Dump writes a pre-order listing of the whole tree to w, for diagnostics.
func (s *Store) Dump(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Dump(w)
}

// DumpRaw writes every page's raw on-disk bytes, in page-id order, as a hex
// dump, for diagnostics below the level of Dump's parsed tree listing.
func (s *Store) DumpRaw(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for id := uint32(1); id <= s.eng.PageCount(); id++ {
		p, err := s.eng.CachePage(id)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "page %d:\n", id); err != nil {
			return err
		}
		if err := hexdump.Dump(w, p.Data); err != nil {
			return err
		}
	}
	return nil
}

// Check walks every parent/child pair reachable from the root and verifies
// the separator-equals-child-max invariant, reporting the first violation.
func (s *Store) Check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkSubtree(engine.RootID)
}

func (s *Store) checkSubtree(id uint32) error {
	p, err := s.eng.CachePage(id)
	if err != nil {
		return err
	}
	for _, e := range p.CopyEntries() {
		if e.Child == 0 {
			continue
		}
		if err := s.tree.Check(id, e.Child); err != nil {
			return err
		}
		if err := s.checkSubtree(e.Child); err != nil {
			return err
		}
	}
	return nil
}
