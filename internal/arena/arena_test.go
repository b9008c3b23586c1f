package arena_test

import (
	"testing"

	"github.com/MrWong99/retrosync/internal/arena"
)

func TestArena_AllocAndResolve(t *testing.T) {
	t.Parallel()
	a := arena.New()

	h1 := a.Alloc("/srv/system")
	h2 := a.Alloc("")
	if h1 == 0 || h2 == 0 || h1 == h2 {
		t.Fatalf("unexpected handles %d, %d", h1, h2)
	}

	b, ok := a.Bytes(h1)
	if !ok {
		t.Fatal("Bytes(h1) not ok")
	}
	if string(b) != "/srv/system\x00" {
		t.Errorf("Bytes(h1) = %q, want NUL-terminated path", b)
	}
	if s, _ := a.String(h1); s != "/srv/system" {
		t.Errorf("String(h1) = %q", s)
	}
	if s, ok := a.String(h2); !ok || s != "" {
		t.Errorf("String(h2) = %q, %v; want empty, true", s, ok)
	}
	if a.Len() != 2 {
		t.Errorf("Len() = %d, want 2", a.Len())
	}
	if a.Size() != len("/srv/system")+1+1 {
		t.Errorf("Size() = %d", a.Size())
	}
}

func TestArena_ZeroHandle(t *testing.T) {
	t.Parallel()
	a := arena.New()
	a.Alloc("x")
	if _, ok := a.Bytes(0); ok {
		t.Error("zero handle resolved")
	}
}

func TestArena_ReleaseAllInvalidatesHandles(t *testing.T) {
	t.Parallel()
	a := arena.New()
	h := a.Alloc("save")
	a.Alloc("system")

	if n := a.ReleaseAll(); n != 2 {
		t.Fatalf("ReleaseAll() = %d, want 2", n)
	}
	if _, ok := a.String(h); ok {
		t.Error("handle still resolves after ReleaseAll")
	}
	if a.Len() != 0 || a.Size() != 0 {
		t.Errorf("Len/Size after release = %d/%d, want 0/0", a.Len(), a.Size())
	}

	// A new allocation reusing slot 1 must not make the stale handle valid.
	h2 := a.Alloc("again")
	if h2 == h {
		t.Fatal("new handle equals stale handle")
	}
	if _, ok := a.String(h); ok {
		t.Error("stale handle resolved after slot reuse")
	}
}

func TestArena_ReleaseAllTwice(t *testing.T) {
	t.Parallel()
	a := arena.New()
	a.Alloc("one")
	if n := a.ReleaseAll(); n != 1 {
		t.Fatalf("first ReleaseAll() = %d, want 1", n)
	}
	if n := a.ReleaseAll(); n != 0 {
		t.Errorf("second ReleaseAll() = %d, want 0", n)
	}
}
