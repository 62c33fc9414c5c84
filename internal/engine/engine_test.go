package engine

import (
	"path/filepath"
	"testing"
)

func TestMake_FailsIfPathExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.yakvdb")

	e, err := Make(path, 256, 8)
	if err != nil {
		t.Fatalf("Make() first call: %v", err)
	}
	e.Close()

	if _, err := Make(path, 256, 8); err == nil {
		t.Fatal("Make() on an existing path should fail")
	}
}

func TestMake_RootIsCachedAndEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.yakvdb")

	e, err := Make(path, 256, 8)
	if err != nil {
		t.Fatalf("Make(): %v", err)
	}
	defer e.Close()

	root, err := e.CachePage(RootID)
	if err != nil {
		t.Fatalf("CachePage(root): %v", err)
	}
	if root.SlotCount() != 0 {
		t.Errorf("fresh root SlotCount() = %d, want 0", root.SlotCount())
	}
	if root.ID() != RootID {
		t.Errorf("root ID() = %d, want %d", root.ID(), RootID)
	}
}

func TestNextIDExtendsThenReusesReleased(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.yakvdb")

	e, err := Make(path, 256, 8)
	if err != nil {
		t.Fatalf("Make(): %v", err)
	}
	defer e.Close()

	p2, err := e.NextID()
	if err != nil {
		t.Fatalf("NextID(): %v", err)
	}
	if p2.ID() != 2 {
		t.Fatalf("first NextID() = %d, want 2", p2.ID())
	}

	p3, err := e.NextID()
	if err != nil {
		t.Fatalf("NextID(): %v", err)
	}
	if p3.ID() != 3 {
		t.Fatalf("second NextID() = %d, want 3", p3.ID())
	}

	e.ReleaseID(2)
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush(): %v", err)
	}

	reused, err := e.NextID()
	if err != nil {
		t.Fatalf("NextID() after release: %v", err)
	}
	if reused.ID() != 2 {
		t.Fatalf("NextID() after release = %d, want reused id 2", reused.ID())
	}
}

func TestFlushPersistsDirtyPages(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.yakvdb")

	e, err := Make(path, 256, 8)
	if err != nil {
		t.Fatalf("Make(): %v", err)
	}

	root, _ := e.CachePage(RootID)
	root.PutValue([]byte("key"), []byte("value"))
	e.MarkDirty(RootID)
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush(): %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close(): %v", err)
	}

	reopened, err := Open(path, 8)
	if err != nil {
		t.Fatalf("Open(): %v", err)
	}
	defer reopened.Close()

	root2, err := reopened.CachePage(RootID)
	if err != nil {
		t.Fatalf("CachePage(root) after reopen: %v", err)
	}
	idx, ok := root2.Find([]byte("key"))
	if !ok {
		t.Fatal("Find(key) failed after reopen")
	}
	if string(root2.Value(idx)) != "value" {
		t.Errorf("Value after reopen = %q, want %q", root2.Value(idx), "value")
	}
}

func TestOpen_ReclaimsEmptyPagesIntoFreeHeap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.yakvdb")

	e, err := Make(path, 256, 8)
	if err != nil {
		t.Fatalf("Make(): %v", err)
	}

	p2, err := e.NextID()
	if err != nil {
		t.Fatalf("NextID(): %v", err)
	}
	p2.PutValue([]byte("k"), []byte("v"))
	e.MarkDirty(p2.ID())

	p3, err := e.NextID()
	if err != nil {
		t.Fatalf("NextID(): %v", err)
	}
	// leave p3 empty to be reclaimed on reopen

	if err := e.Flush(); err != nil {
		t.Fatalf("Flush(): %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close(): %v", err)
	}

	reopened, err := Open(path, 8)
	if err != nil {
		t.Fatalf("Open(): %v", err)
	}
	defer reopened.Close()

	next, err := reopened.NextID()
	if err != nil {
		t.Fatalf("NextID() after reopen: %v", err)
	}
	if next.ID() != p3.ID() {
		t.Errorf("NextID() after reopen = %d, want reclaimed empty id %d", next.ID(), p3.ID())
	}
}
