package btree

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hmarui66/yakvdb/internal/engine"
)

func newTestTree(t *testing.T, pageBytes uint32) *Tree {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tree.yakvdb")
	e, err := engine.Make(path, pageBytes, 16)
	if err != nil {
		t.Fatalf("engine.Make(): %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return New(e)
}

func TestTree_LookupAbsentReturnsNilNoError(t *testing.T) {
	tr := newTestTree(t, 256)

	got, err := tr.Lookup([]byte("missing"))
	if err != nil {
		t.Fatalf("Lookup(): %v", err)
	}
	if got != nil {
		t.Errorf("Lookup(missing) = %q, want nil", got)
	}
}

func TestTree_InsertLookupRemove(t *testing.T) {
	tr := newTestTree(t, 256)

	if err := tr.Insert([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Insert(): %v", err)
	}
	if err := tr.Insert([]byte("k2"), []byte("v2")); err != nil {
		t.Fatalf("Insert(): %v", err)
	}

	got, err := tr.Lookup([]byte("k1"))
	if err != nil {
		t.Fatalf("Lookup(): %v", err)
	}
	if !bytes.Equal(got, []byte("v1")) {
		t.Errorf("Lookup(k1) = %q, want %q", got, "v1")
	}

	if err := tr.Remove([]byte("k1")); err != nil {
		t.Fatalf("Remove(): %v", err)
	}
	got, err = tr.Lookup([]byte("k1"))
	if err != nil {
		t.Fatalf("Lookup() after remove: %v", err)
	}
	if got != nil {
		t.Errorf("Lookup(k1) after remove = %q, want nil", got)
	}
}

func TestTree_SplitKeepsEverythingReachable(t *testing.T) {
	tr := newTestTree(t, 256)

	for i := 0; i < 40; i++ {
		key := []byte{byte(i)}
		val := bytes.Repeat([]byte{byte(i)}, 8)
		if err := tr.Insert(key, val); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	for i := 0; i < 40; i++ {
		key := []byte{byte(i)}
		got, err := tr.Lookup(key)
		if err != nil {
			t.Fatalf("Lookup(%d): %v", i, err)
		}
		if !bytes.Equal(got, bytes.Repeat([]byte{byte(i)}, 8)) {
			t.Errorf("Lookup(%d) = %q, want 8x%d", i, got, i)
		}
	}

	empty, err := tr.IsEmpty()
	if err != nil {
		t.Fatalf("IsEmpty(): %v", err)
	}
	if empty {
		t.Error("IsEmpty() = true after inserts, want false")
	}

	root, err := tr.eng.CachePage(engine.RootID)
	if err != nil {
		t.Fatalf("CachePage(root): %v", err)
	}
	if root.SlotCount() == 0 {
		t.Fatal("root has no slots after enough inserts to force a split")
	}

	for _, e := range root.CopyEntries() {
		if e.Child == 0 {
			t.Fatalf("root still holds a leaf entry (key=%q) after splits should have pushed it down", e.Key)
		}
		if err := tr.Check(engine.RootID, e.Child); err != nil {
			t.Errorf("Check(root, %d): %v", e.Child, err)
		}
	}
}

func TestTree_DumpListsEveryEntry(t *testing.T) {
	tr := newTestTree(t, 256)
	keys := []string{"aa", "bb", "cc", "dd", "ee"}
	for _, k := range keys {
		if err := tr.Insert([]byte(k), []byte("v-"+k)); err != nil {
			t.Fatalf("Insert(%s): %v", k, err)
		}
	}

	var buf strings.Builder
	if err := tr.Dump(&buf); err != nil {
		t.Fatalf("Dump(): %v", err)
	}
	out := buf.String()
	for _, k := range keys {
		if !strings.Contains(out, k) {
			t.Errorf("Dump() output missing key %q:\n%s", k, out)
		}
	}
}

func TestTree_MinMaxAboveBelowOnEmptyTree(t *testing.T) {
	tr := newTestTree(t, 256)

	if got, err := tr.Min(); err != nil || got != nil {
		t.Errorf("Min() on empty tree = (%q, %v), want (nil, nil)", got, err)
	}
	if got, err := tr.Max(); err != nil || got != nil {
		t.Errorf("Max() on empty tree = (%q, %v), want (nil, nil)", got, err)
	}
	if got, err := tr.Above([]byte("x")); err != nil || got != nil {
		t.Errorf("Above() on empty tree = (%q, %v), want (nil, nil)", got, err)
	}
	if got, err := tr.Below([]byte("x")); err != nil || got != nil {
		t.Errorf("Below() on empty tree = (%q, %v), want (nil, nil)", got, err)
	}
}

func TestTree_FreeSpaceMonotonicity(t *testing.T) {
	tr := newTestTree(t, 256)
	root, err := tr.eng.CachePage(engine.RootID)
	if err != nil {
		t.Fatalf("CachePage(root): %v", err)
	}

	before := root.FreeBytes()
	idx, ok := root.PutValue([]byte("key"), []byte("value"))
	if !ok {
		t.Fatal("PutValue() did not fit")
	}
	root.Remove(idx)
	after := root.FreeBytes()
	if before != after {
		t.Errorf("FreeBytes() after put+remove = %d, want %d", after, before)
	}
}
