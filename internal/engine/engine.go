// Package engine implements the File Engine: it owns the backing file, the
// page cache, the dirty-id set, and the free-id min-heap, and serializes
// all reads and writes against the file.
package engine

import (
	"bytes"
	"container/heap"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"syscall"

	"github.com/natefinch/atomic"

	"github.com/hmarui66/yakvdb/internal/cache"
	"github.com/hmarui66/yakvdb/internal/kverrors"
	"github.com/hmarui66/yakvdb/internal/page"
)

const (
	// FileHeaderSize is the fixed size, in bytes, of the file header.
	FileHeaderSize = 16
	// RootID is the page id of the root; it never changes.
	RootID = uint32(1)

	magicString = "YAKVDB42"
)

// Engine owns the on-disk file and mediates every page read and write
// through the cache, the dirty set, and the free-id heap.
type Engine struct {
	file      *os.File
	fileMu    sync.Mutex
	pageBytes uint32
	pageCount uint32

	cache *cache.Cache

	dirtyMu sync.RWMutex
	dirty   map[uint32]struct{}

	heapMu sync.Mutex
	free   idHeap
}

// Make creates a new store file at path, failing if it already exists. It
// writes the file header and an empty root page, then opens the file for
// subsequent I/O with the root cached.
func Make(path string, pageBytes uint32, cacheCapacity int) (*Engine, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("make %s: %w", path, os.ErrExist)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	root := page.New(RootID, pageBytes)

	buf := make([]byte, 0, FileHeaderSize+int(pageBytes))
	buf = append(buf, encodeFileHeader(pageBytes, 1)...)
	buf = append(buf, root.Data...)

	if err := atomic.WriteFile(path, bytes.NewReader(buf)); err != nil {
		return nil, fmt.Errorf("creating %s: %w", path, err)
	}

	e, err := openFile(path, pageBytes, cacheCapacity)
	if err != nil {
		return nil, err
	}
	e.pageCount = 1
	e.cache.Put(RootID, root)
	return e, nil
}

// Open opens an existing store file, validating its header, caching the
// root, and scanning the remaining pages to reclaim any that are logically
// empty into the free-id heap.
func Open(path string, cacheCapacity int) (*Engine, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	hdr := make([]byte, FileHeaderSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("reading header of %s: %w", path, err)
	}
	if string(hdr[0:8]) != magicString {
		f.Close()
		return nil, kverrors.NewOtherError("%s is not a yakvdb file (bad magic)", path)
	}
	pageBytes := binary.BigEndian.Uint32(hdr[8:12])

	e := &Engine{
		file:      f,
		pageBytes: pageBytes,
		cache:     cache.New(cacheCapacity),
		dirty:     make(map[uint32]struct{}),
	}

	info, err := e.file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	e.pageCount = uint32((info.Size() - FileHeaderSize) / int64(pageBytes))

	root, err := e.Load(RootID)
	if err != nil {
		return nil, err
	}
	e.cache.Put(RootID, root)

	for id := uint32(2); id <= e.pageCount; id++ {
		p, err := e.Load(id)
		if err != nil {
			return nil, err
		}
		if p.SlotCount() == 0 {
			e.free = append(e.free, id)
		}
	}
	heap.Init(&e.free)

	return e, nil
}

func openFile(path string, pageBytes uint32, cacheCapacity int) (*Engine, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	return &Engine{
		file:      f,
		pageBytes: pageBytes,
		cache:     cache.New(cacheCapacity),
		dirty:     make(map[uint32]struct{}),
	}, nil
}

func encodeFileHeader(pageBytes, pageCount uint32) []byte {
	hdr := make([]byte, FileHeaderSize)
	copy(hdr[0:8], magicString)
	binary.BigEndian.PutUint32(hdr[8:12], pageBytes)
	binary.BigEndian.PutUint32(hdr[12:16], pageCount)
	return hdr
}

// Close flushes dirty pages, releases the file lock, and closes the file.
func (e *Engine) Close() error {
	if err := e.Flush(); err != nil {
		return err
	}
	e.fileMu.Lock()
	defer e.fileMu.Unlock()
	_ = syscall.Flock(int(e.file.Fd()), syscall.LOCK_UN)
	return e.file.Close()
}

func (e *Engine) offset(id uint32) int64 {
	return FileHeaderSize + int64(id-1)*int64(e.pageBytes)
}

// PageBytes is the fixed page size this engine was opened with.
func (e *Engine) PageBytes() uint32 { return e.pageBytes }

// PageCount is the number of pages currently allocated in the file,
// including freed (logically empty) ones.
func (e *Engine) PageCount() uint32 { return e.pageCount }

// Load reads page id from disk into a fresh buffer, bypassing the cache.
func (e *Engine) Load(id uint32) (*page.Page, error) {
	e.fileMu.Lock()
	defer e.fileMu.Unlock()

	buf := make([]byte, e.pageBytes)
	if _, err := e.file.ReadAt(buf, e.offset(id)); err != nil {
		return nil, fmt.Errorf("reading page %d: %w", id, err)
	}
	return page.Load(buf), nil
}

// Save writes p to its slot in the file, bypassing the cache and dirty set.
func (e *Engine) Save(p *page.Page) error {
	e.fileMu.Lock()
	defer e.fileMu.Unlock()

	if _, err := e.file.WriteAt(p.Data, e.offset(p.ID())); err != nil {
		return fmt.Errorf("writing page %d: %w", p.ID(), err)
	}
	return nil
}

// CachePage ensures id is resident in the cache, loading it from disk if
// absent, and returns it. Every read of id should go through this.
func (e *Engine) CachePage(id uint32) (*page.Page, error) {
	if p, ok := e.cache.Get(id); ok {
		return p, nil
	}
	p, err := e.Load(id)
	if err != nil {
		return nil, err
	}
	e.putInCache(id, p)
	return p, nil
}

func (e *Engine) putInCache(id uint32, p *page.Page) {
	evicted, didEvict := e.cache.Put(id, p)
	if !didEvict {
		return
	}
	e.dirtyMu.RLock()
	_, wasDirty := e.dirty[evicted]
	e.dirtyMu.RUnlock()
	if wasDirty {
		// best effort: an evicted dirty page is written back immediately so
		// its content is never lost, since the cache no longer holds it.
		if victim, ok := e.cache.Get(evicted); ok {
			_ = e.Save(victim)
		}
		e.dirtyMu.Lock()
		delete(e.dirty, evicted)
		e.dirtyMu.Unlock()
	}
}

// MarkDirty records that id's in-memory state has diverged from disk.
func (e *Engine) MarkDirty(id uint32) {
	e.dirtyMu.Lock()
	defer e.dirtyMu.Unlock()
	e.dirty[id] = struct{}{}
}

// Flush writes every dirty page to disk and clears the dirty set. A dirty
// id no longer resident in the cache is an Other error (it cannot be
// recovered, since its in-memory state is gone).
func (e *Engine) Flush() error {
	e.dirtyMu.Lock()
	ids := make([]uint32, 0, len(e.dirty))
	for id := range e.dirty {
		ids = append(ids, id)
	}
	e.dirtyMu.Unlock()

	var missing []uint32
	for _, id := range ids {
		p, ok := e.cache.Get(id)
		if !ok {
			missing = append(missing, id)
			continue
		}
		if err := e.Save(p); err != nil {
			return err
		}
		e.dirtyMu.Lock()
		delete(e.dirty, id)
		e.dirtyMu.Unlock()
	}
	if len(missing) > 0 {
		return kverrors.NewOtherError("flush: missing dirty pages %v", missing)
	}
	return nil
}

// Pin protects id from cache eviction.
func (e *Engine) Pin(id uint32) { e.cache.Pin(id) }

// Unpin releases one pin on id.
func (e *Engine) Unpin(id uint32) { e.cache.Unpin(id) }

// NextID allocates a page id: the smallest previously-freed id if the free
// heap is non-empty, otherwise a fresh id extending the file by one page.
// The returned page is a freshly-initialized empty page, already cached.
func (e *Engine) NextID() (*page.Page, error) {
	e.heapMu.Lock()
	if len(e.free) > 0 {
		id := heap.Pop(&e.free).(uint32)
		e.heapMu.Unlock()

		p := page.New(id, e.pageBytes)
		e.putInCache(id, p)
		e.MarkDirty(id)
		return p, nil
	}
	e.heapMu.Unlock()

	e.fileMu.Lock()
	id := e.pageCount + 1
	p := page.New(id, e.pageBytes)
	if _, err := e.file.WriteAt(p.Data, e.offset(id)); err != nil {
		e.fileMu.Unlock()
		return nil, fmt.Errorf("extending file for page %d: %w", id, err)
	}
	e.pageCount = id
	e.fileMu.Unlock()

	e.putInCache(id, p)
	return p, nil
}

// ReleaseID returns id to the free heap for future reuse and marks it dirty.
// It does not clear the page; the caller must have already emptied it.
func (e *Engine) ReleaseID(id uint32) {
	e.heapMu.Lock()
	heap.Push(&e.free, id)
	e.heapMu.Unlock()
	e.MarkDirty(id)
}
