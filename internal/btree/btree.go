// Package btree implements the B-tree algorithms atop the file engine:
// search, ordered boundary queries, insert with split propagation, remove
// with merge, consistency check, and diagnostic dump. No parent pointers
// are stored in pages; the traversal path (a stack of page-id/slot-index
// pairs) is carried in locals for the duration of one operation, per the
// "no parent pointers in pages" design choice.
package btree

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/hmarui66/yakvdb/internal/engine"
	"github.com/hmarui66/yakvdb/internal/kverrors"
	"github.com/hmarui66/yakvdb/internal/page"
)

const (
	// SplitThreshold is the fullness percentage above which a page splits.
	SplitThreshold = 80
	// MergeThreshold is the fullness percentage below which a page is a
	// merge candidate.
	MergeThreshold = 20
)

// Tree runs the B-tree algorithms against an engine.Engine.
type Tree struct {
	eng *engine.Engine
}

// New wraps an engine with the tree algorithms.
func New(eng *engine.Engine) *Tree {
	return &Tree{eng: eng}
}

type pathEntry struct {
	pageID uint32
	idx    uint32
}

// pinSet tracks every page id pinned over the course of one mutating
// operation (the active path, plus any id freshly allocated along the
// way) so none of them can be evicted from the cache mid-operation — an
// eviction of a page whose mutations have not yet been marked dirty would
// silently drop those mutations. release unpins everything pin recorded;
// callers defer it once at the top of the operation.
type pinSet struct {
	eng *engine.Engine
	ids []uint32
}

func newPinSet(eng *engine.Engine) *pinSet {
	return &pinSet{eng: eng}
}

func (ps *pinSet) pin(id uint32) {
	ps.eng.Pin(id)
	ps.ids = append(ps.ids, id)
}

func (ps *pinSet) release() {
	for _, id := range ps.ids {
		ps.eng.Unpin(id)
	}
}

// Lookup descends from the root, returning the value stored for key, or a
// nil slice if it is absent. Cyclic references are detected and reported
// as a structural error.
func (t *Tree) Lookup(key []byte) ([]byte, error) {
	seen := make(map[uint32]struct{}, 8)
	id := engine.RootID
	for {
		if _, ok := seen[id]; ok {
			return nil, kverrors.NewTreeError(id, "cyclic reference detected during descent")
		}
		seen[id] = struct{}{}

		p, err := t.eng.CachePage(id)
		if err != nil {
			return nil, err
		}
		idx, ok := p.Ceil(key)
		if !ok {
			return nil, nil
		}
		s, _ := p.Slot(idx)
		if s.Child == 0 {
			if bytes.Equal(p.Key(idx), key) {
				return append([]byte(nil), p.Value(idx)...), nil
			}
			return nil, nil
		}
		id = s.Child
	}
}

// Min descends the leftmost path to the leftmost leaf and returns its
// minimum key, or nil if the tree is empty.
func (t *Tree) Min() ([]byte, error) {
	id := engine.RootID
	for {
		p, err := t.eng.CachePage(id)
		if err != nil {
			return nil, err
		}
		if p.SlotCount() == 0 {
			return nil, nil
		}
		s, _ := p.Slot(0)
		if s.Child == 0 {
			return append([]byte(nil), p.MinKey()...), nil
		}
		id = s.Child
	}
}

// Max descends the rightmost path to the rightmost leaf and returns its
// maximum key, or nil if the tree is empty.
func (t *Tree) Max() ([]byte, error) {
	id := engine.RootID
	for {
		p, err := t.eng.CachePage(id)
		if err != nil {
			return nil, err
		}
		n := p.SlotCount()
		if n == 0 {
			return nil, nil
		}
		s, _ := p.Slot(n - 1)
		if s.Child == 0 {
			return append([]byte(nil), p.MaxKey()...), nil
		}
		id = s.Child
	}
}

// descendWithPath descends toward key, collecting the (page, slot) path to
// the leaf that would hold it. leafID is 0 if key exceeds the whole tree's
// max key (ceil fails at some ancestor, which can only happen at the root
// given the separator-equals-child-max invariant).
func (t *Tree) descendWithPath(key []byte) ([]pathEntry, uint32, error) {
	var path []pathEntry
	id := engine.RootID
	seen := make(map[uint32]struct{}, 8)
	for {
		if _, ok := seen[id]; ok {
			return nil, 0, kverrors.NewTreeError(id, "cyclic reference detected during descent")
		}
		seen[id] = struct{}{}

		p, err := t.eng.CachePage(id)
		if err != nil {
			return nil, 0, err
		}
		idx, ok := p.Ceil(key)
		if !ok {
			return nil, 0, nil
		}
		s, _ := p.Slot(idx)
		if s.Child == 0 {
			return path, id, nil
		}
		path = append(path, pathEntry{pageID: id, idx: idx})
		id = s.Child
	}
}

// Above returns the strict successor of key, or nil if key has none.
func (t *Tree) Above(key []byte) ([]byte, error) {
	path, leafID, err := t.descendWithPath(key)
	if err != nil {
		return nil, err
	}
	if leafID == 0 {
		return nil, nil
	}

	leaf, err := t.eng.CachePage(leafID)
	if err != nil {
		return nil, err
	}
	if i, ok := leaf.Ceil(key); ok {
		if bytes.Compare(key, leaf.Key(i)) < 0 {
			return append([]byte(nil), leaf.Key(i)...), nil
		}
		if bytes.Equal(key, leaf.Key(i)) && i+1 < leaf.SlotCount() {
			return append([]byte(nil), leaf.Key(i+1)...), nil
		}
	}
	return t.ascendForSuccessor(path)
}

func (t *Tree) ascendForSuccessor(path []pathEntry) ([]byte, error) {
	for i := len(path) - 1; i >= 0; i-- {
		entry := path[i]
		p, err := t.eng.CachePage(entry.pageID)
		if err != nil {
			return nil, err
		}
		if entry.idx+1 >= p.SlotCount() {
			continue
		}
		s, _ := p.Slot(entry.idx + 1)
		return t.descendLeftmost(s.Child)
	}
	return nil, nil
}

func (t *Tree) descendLeftmost(id uint32) ([]byte, error) {
	for {
		p, err := t.eng.CachePage(id)
		if err != nil {
			return nil, err
		}
		s, ok := p.Slot(0)
		if !ok {
			return nil, nil
		}
		if s.Child == 0 {
			return append([]byte(nil), p.MinKey()...), nil
		}
		id = s.Child
	}
}

// Below returns the strict predecessor of key, or nil if key has none.
func (t *Tree) Below(key []byte) ([]byte, error) {
	path, leafID, err := t.descendWithPath(key)
	if err != nil {
		return nil, err
	}
	if leafID == 0 {
		return t.Max()
	}

	leaf, err := t.eng.CachePage(leafID)
	if err != nil {
		return nil, err
	}
	if i, ok := leaf.Ceil(key); ok && i > 0 && bytes.Compare(key, leaf.Key(i-1)) > 0 {
		return append([]byte(nil), leaf.Key(i-1)...), nil
	}
	return t.ascendForPredecessor(path)
}

func (t *Tree) ascendForPredecessor(path []pathEntry) ([]byte, error) {
	for i := len(path) - 1; i >= 0; i-- {
		entry := path[i]
		if entry.idx == 0 {
			continue
		}
		p, err := t.eng.CachePage(entry.pageID)
		if err != nil {
			return nil, err
		}
		s, _ := p.Slot(entry.idx - 1)
		return t.descendRightmost(s.Child)
	}
	return nil, nil
}

func (t *Tree) descendRightmost(id uint32) ([]byte, error) {
	for {
		p, err := t.eng.CachePage(id)
		if err != nil {
			return nil, err
		}
		n := p.SlotCount()
		if n == 0 {
			return nil, nil
		}
		s, _ := p.Slot(n - 1)
		if s.Child == 0 {
			return append([]byte(nil), p.MaxKey()...), nil
		}
		id = s.Child
	}
}

func rewriteChildSeparator(p *page.Page, idx uint32, newKey []byte) (uint32, bool) {
	s, _ := p.Slot(idx)
	p.Remove(idx)
	return p.PutChild(newKey, s.Child)
}

// Insert upserts (key, val). If key is already present, its value is
// overwritten. Insertion may trigger a split of the receiving leaf and any
// ancestor pushed over SplitThreshold by the new child-pointer slot.
func (t *Tree) Insert(key, val []byte) error {
	ps := newPinSet(t.eng)
	defer ps.release()

	var path []pathEntry
	seen := make(map[uint32]struct{}, 8)
	id := engine.RootID
	for {
		if _, ok := seen[id]; ok {
			return kverrors.NewTreeError(id, "cyclic reference detected during descent")
		}
		seen[id] = struct{}{}

		p, err := t.eng.CachePage(id)
		if err != nil {
			return err
		}
		ps.pin(id)

		if p.SlotCount() == 0 {
			if _, ok := p.PutValue(key, val); !ok {
				return kverrors.NewTreeError(id, "entry does not fit an empty page")
			}
			t.eng.MarkDirty(id)
			return t.propagateSplits(id, path, ps)
		}

		idx, ok := p.Ceil(key)
		if !ok {
			idx = p.SlotCount() - 1
		}
		s, _ := p.Slot(idx)

		if s.Child == 0 {
			_, exists := p.Find(key)
			if !exists && !p.Fits(uint32(len(key)+len(val))) {
				return kverrors.NewTreeError(id, "entry does not fit")
			}
			if _, ok := p.PutValue(key, val); !ok {
				return kverrors.NewTreeError(id, "entry does not fit")
			}
			t.eng.MarkDirty(id)
			return t.propagateSplits(id, path, ps)
		}

		if !ok {
			newIdx, fits := rewriteChildSeparator(p, idx, key)
			if !fits {
				return kverrors.NewTreeError(id, "separator rewrite does not fit")
			}
			idx = newIdx
			s, _ = p.Slot(idx)
			t.eng.MarkDirty(id)
		}

		path = append(path, pathEntry{pageID: id, idx: idx})
		id = s.Child
	}
}

func (t *Tree) propagateSplits(id uint32, path []pathEntry, ps *pinSet) error {
	for {
		p, err := t.eng.CachePage(id)
		if err != nil {
			return err
		}
		if p.FullnessPercent() <= SplitThreshold {
			return t.eng.Flush()
		}
		if len(path) == 0 {
			if err := t.splitRoot(id, ps); err != nil {
				return err
			}
			return t.eng.Flush()
		}
		parentEntry := path[len(path)-1]
		path = path[:len(path)-1]
		if err := t.splitPeer(id, parentEntry, ps); err != nil {
			return err
		}
		id = parentEntry.pageID
	}
}

func putEntry(p *page.Page, e page.Entry) (uint32, bool) {
	if e.Child == 0 {
		return p.PutValue(e.Key, e.Value)
	}
	return p.PutChild(e.Key, e.Child)
}

// splitRoot handles the case where the full page being split is the root:
// two fresh children are allocated, the entries divided between them, and
// the root is rewritten to two internal separator entries pointing at them.
func (t *Tree) splitRoot(rootID uint32, ps *pinSet) error {
	root, err := t.eng.CachePage(rootID)
	if err != nil {
		return err
	}
	entries := root.CopyEntries()
	mid := len(entries) / 2

	lo, err := t.eng.NextID()
	if err != nil {
		return err
	}
	ps.pin(lo.ID())
	hi, err := t.eng.NextID()
	if err != nil {
		return err
	}
	ps.pin(hi.ID())

	for _, e := range entries[:mid] {
		if _, ok := putEntry(lo, e); !ok {
			return kverrors.NewTreeError(lo.ID(), "split: lower half does not fit new page")
		}
	}
	for _, e := range entries[mid:] {
		if _, ok := putEntry(hi, e); !ok {
			return kverrors.NewTreeError(hi.ID(), "split: upper half does not fit new page")
		}
	}
	t.eng.MarkDirty(lo.ID())
	t.eng.MarkDirty(hi.ID())

	root.Clear()
	if _, ok := root.PutChild(lo.MaxKey(), lo.ID()); !ok {
		return kverrors.NewTreeError(rootID, "split: root cannot hold left separator")
	}
	if _, ok := root.PutChild(hi.MaxKey(), hi.ID()); !ok {
		return kverrors.NewTreeError(rootID, "split: root cannot hold right separator")
	}
	t.eng.MarkDirty(rootID)
	return nil
}

// splitPeer handles a non-root split: a new peer page takes the upper half
// of pageID's entries, and the parent's separator for pageID is replaced by
// two entries, one per resulting page.
func (t *Tree) splitPeer(pageID uint32, parentEntry pathEntry, ps *pinSet) error {
	p, err := t.eng.CachePage(pageID)
	if err != nil {
		return err
	}
	entries := p.CopyEntries()
	mid := len(entries) / 2
	preSplitMax := append([]byte(nil), p.MaxKey()...)

	peer, err := t.eng.NextID()
	if err != nil {
		return err
	}
	ps.pin(peer.ID())

	p.Clear()
	for _, e := range entries[:mid] {
		if _, ok := putEntry(p, e); !ok {
			return kverrors.NewTreeError(pageID, "split: lower half does not fit")
		}
	}
	for _, e := range entries[mid:] {
		if _, ok := putEntry(peer, e); !ok {
			return kverrors.NewTreeError(peer.ID(), "split: upper half does not fit new peer")
		}
	}
	t.eng.MarkDirty(pageID)
	t.eng.MarkDirty(peer.ID())

	parent, err := t.eng.CachePage(parentEntry.pageID)
	if err != nil {
		return err
	}
	if idx, ok := parent.Find(preSplitMax); ok {
		parent.Remove(idx)
	}
	if _, ok := parent.PutChild(p.MaxKey(), pageID); !ok {
		return kverrors.NewTreeError(parentEntry.pageID, "split: parent cannot hold left separator")
	}
	if _, ok := parent.PutChild(peer.MaxKey(), peer.ID()); !ok {
		return kverrors.NewTreeError(parentEntry.pageID, "split: parent cannot hold right separator")
	}
	t.eng.MarkDirty(parentEntry.pageID)

	if err := t.Check(parentEntry.pageID, pageID); err != nil {
		return err
	}
	return t.Check(parentEntry.pageID, peer.ID())
}

func findSlotByChild(p *page.Page, child uint32) (uint32, bool) {
	n := p.SlotCount()
	for i := uint32(0); i < n; i++ {
		s, _ := p.Slot(i)
		if s.Child == child {
			return i, true
		}
	}
	return 0, false
}

// Remove deletes key if present. Absence is not an error: Remove of a key
// that does not exist succeeds silently, per the store's error contract.
func (t *Tree) Remove(key []byte) error {
	ps := newPinSet(t.eng)
	defer ps.release()

	var path []pathEntry
	seen := make(map[uint32]struct{}, 8)
	id := engine.RootID
	for {
		if _, ok := seen[id]; ok {
			return kverrors.NewTreeError(id, "cyclic reference detected during descent")
		}
		seen[id] = struct{}{}

		p, err := t.eng.CachePage(id)
		if err != nil {
			return err
		}
		ps.pin(id)

		idx, ok := p.Ceil(key)
		if !ok {
			return nil
		}
		s, _ := p.Slot(idx)
		if s.Child == 0 {
			if !bytes.Equal(p.Key(idx), key) {
				return nil
			}
			p.Remove(idx)
			t.eng.MarkDirty(id)
			return t.rebalanceAfterRemove(id, path, ps)
		}
		path = append(path, pathEntry{pageID: id, idx: idx})
		id = s.Child
	}
}

func (t *Tree) rebalanceAfterRemove(id uint32, path []pathEntry, ps *pinSet) error {
	for len(path) > 0 {
		parentEntry := path[len(path)-1]
		path = path[:len(path)-1]

		survivorID := id
		underfull, err := t.eng.CachePage(id)
		if err != nil {
			return err
		}
		if underfull.FullnessPercent() < MergeThreshold {
			merged, dest, err := t.tryMerge(id, parentEntry, ps)
			if err != nil {
				return err
			}
			if merged {
				survivorID = dest
			}
		}

		survivor, err := t.eng.CachePage(survivorID)
		if err != nil {
			return err
		}
		parent, err := t.eng.CachePage(parentEntry.pageID)
		if err != nil {
			return err
		}

		if idx, ok := findSlotByChild(parent, survivorID); ok {
			if survivor.SlotCount() == 0 {
				parent.Remove(idx)
				t.eng.MarkDirty(parentEntry.pageID)
			} else if !bytes.Equal(parent.Key(idx), survivor.MaxKey()) {
				s, _ := parent.Slot(idx)
				parent.Remove(idx)
				parent.PutChild(survivor.MaxKey(), s.Child)
				t.eng.MarkDirty(parentEntry.pageID)
			}
		}

		id = parentEntry.pageID
	}
	return t.eng.Flush()
}

// tryMerge considers id's immediate siblings under parentEntry's page for a
// merge, per the remove algorithm's step 1: among non-empty siblings below
// MergeThreshold, the least-full is chosen as the merge destination.
func (t *Tree) tryMerge(id uint32, parentEntry pathEntry, ps *pinSet) (merged bool, destID uint32, err error) {
	parent, err := t.eng.CachePage(parentEntry.pageID)
	if err != nil {
		return false, id, err
	}
	idx, ok := findSlotByChild(parent, id)
	if !ok {
		return false, id, nil
	}

	var siblingIDs []uint32
	if idx > 0 {
		s, _ := parent.Slot(idx - 1)
		siblingIDs = append(siblingIDs, s.Child)
	}
	if idx+1 < parent.SlotCount() {
		s, _ := parent.Slot(idx + 1)
		siblingIDs = append(siblingIDs, s.Child)
	}

	type candidate struct {
		id       uint32
		fullness uint32
	}
	var candidates []candidate
	for _, sibID := range siblingIDs {
		sib, err := t.eng.CachePage(sibID)
		if err != nil {
			return false, id, err
		}
		ps.pin(sibID)
		if sib.SlotCount() == 0 {
			continue
		}
		if sib.FullnessPercent() < MergeThreshold {
			candidates = append(candidates, candidate{sibID, sib.FullnessPercent()})
		}
	}
	if len(candidates) == 0 {
		return false, id, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].fullness < candidates[j].fullness })
	sibID := candidates[0].id

	src, err := t.eng.CachePage(id)
	if err != nil {
		return false, id, err
	}
	dest, err := t.eng.CachePage(sibID)
	if err != nil {
		return false, id, err
	}

	for _, e := range src.CopyEntries() {
		if _, ok := putEntry(dest, e); !ok {
			return false, id, kverrors.NewTreeError(sibID, "merge: destination cannot hold source entries")
		}
	}
	srcID := id
	src.Clear()
	t.eng.MarkDirty(srcID)
	t.eng.MarkDirty(sibID)
	t.eng.ReleaseID(srcID)

	if srcIdx, ok := findSlotByChild(parent, srcID); ok {
		parent.Remove(srcIdx)
	}
	if destIdx, ok := findSlotByChild(parent, sibID); ok {
		parent.Remove(destIdx)
	}
	if dest.SlotCount() > 0 {
		parent.PutChild(dest.MaxKey(), sibID)
	}
	t.eng.MarkDirty(parentEntry.pageID)

	return true, sibID, nil
}

// Check verifies the separator-equals-child-max invariant between a parent
// page and one of its children.
func (t *Tree) Check(parentID, childID uint32) error {
	parent, err := t.eng.CachePage(parentID)
	if err != nil {
		return err
	}
	child, err := t.eng.CachePage(childID)
	if err != nil {
		return err
	}
	if child.SlotCount() == 0 {
		return nil
	}
	childMax := child.MaxKey()
	idx, ok := parent.Find(childMax)
	if !ok {
		return kverrors.NewTreeError(parentID, fmt.Sprintf("no separator for child %d's max key", childID))
	}
	s, _ := parent.Slot(idx)
	if s.Child != childID {
		return kverrors.NewTreeError(parentID, fmt.Sprintf("separator points to child %d, want %d", s.Child, childID))
	}
	return nil
}

// Dump emits a pre-order listing of every page reachable from the root:
// id, parent id (as carried by the traversal, not stored in the page),
// fullness, and every entry. It never mutates state.
func (t *Tree) Dump(w io.Writer) error {
	return t.dumpPage(w, engine.RootID, 0, 0)
}

func (t *Tree) dumpPage(w io.Writer, id, parentID uint32, depth int) error {
	p, err := t.eng.CachePage(id)
	if err != nil {
		return err
	}
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(w, "%spage=%d parent=%d fullness=%d%%\n", indent, id, parentID, p.FullnessPercent())

	entries := p.CopyEntries()
	for _, e := range entries {
		if e.Child == 0 {
			fmt.Fprintf(w, "%s  key=%q value=%q\n", indent, e.Key, e.Value)
		} else {
			fmt.Fprintf(w, "%s  key=%q -> child=%d\n", indent, e.Key, e.Child)
		}
	}
	for _, e := range entries {
		if e.Child != 0 {
			if err := t.dumpPage(w, e.Child, id, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// IsEmpty reports whether the tree currently holds no entries.
func (t *Tree) IsEmpty() (bool, error) {
	root, err := t.eng.CachePage(engine.RootID)
	if err != nil {
		return false, err
	}
	return root.SlotCount() == 0, nil
}
