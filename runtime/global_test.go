package runtime

import (
	"context"
	goerrors "errors"
	"testing"

	"github.com/timstableford/wasmoon/engine/enginetest"
	"github.com/timstableford/wasmoon/errors"
)

func TestCloseIsIdempotent(t *testing.T) {
	g := newTestGlobal(t, enginetest.New(), Config{})
	ctx := context.Background()

	if err := g.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if err := g.Close(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestUseAfterClose(t *testing.T) {
	g := newTestGlobal(t, enginetest.New(), Config{})
	ctx := context.Background()

	if err := g.Close(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := g.DoString(ctx, "return 1"); !goerrors.Is(err, errors.ErrClosed) {
		t.Fatalf("DoString err = %v, want closed", err)
	}
	if _, err := g.Get(ctx, "x"); !goerrors.Is(err, errors.ErrClosed) {
		t.Fatalf("Get err = %v, want closed", err)
	}
	if err := g.Set(ctx, "x", 1); !goerrors.Is(err, errors.ErrClosed) {
		t.Fatalf("Set err = %v, want closed", err)
	}
	if _, err := g.Call(ctx, "f"); !goerrors.Is(err, errors.ErrClosed) {
		t.Fatalf("Call err = %v, want closed", err)
	}
	if _, err := g.Spawn(ctx); !goerrors.Is(err, errors.ErrClosed) {
		t.Fatalf("Spawn err = %v, want closed", err)
	}
}

func TestMemoryCeilingEnforced(t *testing.T) {
	vm := enginetest.New()
	const src = "make tables"
	vm.Script(src, func(_ context.Context, f *enginetest.Frame) (int, error) {
		for range 100 {
			f.NewTable()
		}
		return 0, nil
	})
	// Enough headroom for setup and one spawned thread, not for the chunk's
	// allocations.
	g := newTestGlobal(t, vm, Config{MemoryMax: 2048})

	_, err := g.DoString(context.Background(), src)
	var bridgeErr *errors.Error
	if !goerrors.As(err, &bridgeErr) || bridgeErr.Kind != errors.KindAllocation {
		t.Fatalf("err = %v, want allocation failure", err)
	}
}

func TestMemoryAccessors(t *testing.T) {
	g := newTestGlobal(t, enginetest.New(), Config{MemoryMax: 1 << 20})

	if g.MemoryMax() != 1<<20 {
		t.Fatalf("MemoryMax = %d", g.MemoryMax())
	}
	if g.MemoryUsed() == 0 {
		t.Fatal("MemoryUsed = 0 after setup")
	}
	g.SetMemoryMax(2 << 20)
	if g.MemoryMax() != 2<<20 {
		t.Fatalf("MemoryMax = %d after SetMemoryMax", g.MemoryMax())
	}
}

func TestGuestCollectionReleasesOpaqueRef(t *testing.T) {
	vm := enginetest.New()
	g := newTestGlobal(t, vm, Config{})
	ctx := context.Background()

	type secret struct{ s string }
	if err := g.PushWith(ctx, &secret{s: "x"}, PushOptions{Opaque: true}); err != nil {
		t.Fatal(err)
	}
	if g.refs.Len() != 1 {
		t.Fatalf("refs = %d, want 1", g.refs.Len())
	}

	// Reachable from the stack: survives a collection cycle.
	vm.Collect(ctx, g.id)
	if g.refs.Len() != 1 {
		t.Fatal("reachable opaque reference was dropped")
	}

	g.Pop(1)
	vm.Collect(ctx, g.id)
	if g.refs.Len() != 0 {
		t.Fatalf("refs = %d after collection, want 0", g.refs.Len())
	}
}

func TestGuestCollectionReleasesPromiseRef(t *testing.T) {
	vm := enginetest.New()
	g := newTestGlobal(t, vm, Config{})
	ctx := context.Background()

	if err := g.Push(ctx, Resolved(1)); err != nil {
		t.Fatal(err)
	}
	if g.refs.Len() != 1 {
		t.Fatalf("refs = %d, want 1", g.refs.Len())
	}
	g.Pop(1)
	vm.Collect(ctx, g.id)
	if g.refs.Len() != 0 {
		t.Fatalf("refs = %d after collection, want 0", g.refs.Len())
	}
}

func TestCloseDropsPinnedReferences(t *testing.T) {
	vm := enginetest.New()
	g := newTestGlobal(t, vm, Config{})
	ctx := context.Background()

	if err := g.SetWith(ctx, "o", "pinned", PushOptions{Opaque: true}); err != nil {
		t.Fatal(err)
	}
	if err := g.Set(ctx, "p", Resolved(1)); err != nil {
		t.Fatal(err)
	}
	if g.refs.Len() != 2 {
		t.Fatalf("refs = %d, want 2", g.refs.Len())
	}
	if err := g.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if g.refs.Len() != 0 {
		t.Fatalf("refs = %d after close, want 0", g.refs.Len())
	}
}

func TestStaleHostWrapperReleasesRegistrySlot(t *testing.T) {
	vm := enginetest.New()
	src := defineAdd(vm)
	g := newTestGlobal(t, vm, Config{})
	ctx := context.Background()

	if _, err := g.DoString(ctx, src); err != nil {
		t.Fatal(err)
	}
	v, err := g.Get(ctx, "add")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := v.(Func); !ok {
		t.Fatalf("got %T", v)
	}

	// Simulate the wrapper's finalizer having queued its slot, then hit a
	// safe point.
	g.releaseRefLater(1)
	g.drainStale()
	g.vm.PushRef(g.id, 1)
	defer g.Pop(1)
	if typ := g.vm.TypeOf(g.id, -1); typ.String() != "nil" {
		t.Fatalf("registry slot still holds a %s", typ)
	}
}
