package runtime

import (
	"context"
	goerrors "errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/timstableford/wasmoon/engine"
	"github.com/timstableford/wasmoon/engine/enginetest"
	"github.com/timstableford/wasmoon/errors"
)

// scriptCallGlobal registers a chunk that calls a single global with no
// arguments and returns its results.
func scriptCallGlobal(vm *enginetest.FakeVM, src, global string) {
	vm.Script(src, func(_ context.Context, f *enginetest.Frame) (int, error) {
		f.GetGlobal(global)
		return f.Call(0)
	})
}

func TestAwaitSuspendsAndResumes(t *testing.T) {
	vm := enginetest.New()
	scriptCallGlobal(vm, "return fetch()", "fetch")
	g := newTestGlobal(t, vm, Config{})
	ctx := context.Background()

	var mu sync.Mutex
	var events []string

	fetch := Func(func(context.Context, ...any) ([]any, error) {
		mu.Lock()
		events = append(events, "called")
		mu.Unlock()
		p := NewPromise()
		time.AfterFunc(10*time.Millisecond, func() {
			mu.Lock()
			events = append(events, "resolved")
			mu.Unlock()
			p.Resolve("X")
		})
		return []any{p}, nil
	})
	if err := g.SetWith(ctx, "fetch", fetch, PushOptions{Await: true}); err != nil {
		t.Fatal(err)
	}

	out, err := g.DoString(ctx, "return fetch()")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out, []any{"X"}) {
		t.Fatalf("got %#v, want the settled value", out)
	}

	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(events, []string{"called", "resolved"}) {
		t.Fatalf("event order = %v", events)
	}
}

func TestAwaitWithoutMarkerHandsOverThePromise(t *testing.T) {
	vm := enginetest.New()
	scriptCallGlobal(vm, "return fetch()", "fetch")
	g := newTestGlobal(t, vm, Config{})
	ctx := context.Background()

	p := Resolved("X")
	fetch := Func(func(context.Context, ...any) ([]any, error) {
		return []any{p}, nil
	})
	// No Await option: the promise crosses as a plain value.
	if err := g.Set(ctx, "fetch", fetch); err != nil {
		t.Fatal(err)
	}

	out, err := g.DoString(ctx, "return fetch()")
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0] != p {
		t.Fatalf("got %#v, want the promise itself", out)
	}
}

func TestRejectionResumesWithError(t *testing.T) {
	vm := enginetest.New()
	scriptCallGlobal(vm, "return fetch()", "fetch")
	g := newTestGlobal(t, vm, Config{})
	ctx := context.Background()

	fetch := Func(func(context.Context, ...any) ([]any, error) {
		p := NewPromise()
		time.AfterFunc(5*time.Millisecond, func() {
			p.Reject(goerrors.New("boom"))
		})
		return []any{p}, nil
	})
	if err := g.SetWith(ctx, "fetch", fetch, PushOptions{Await: true}); err != nil {
		t.Fatal(err)
	}

	// The guest stack is resumed and settles with an error rather than
	// staying suspended.
	_, err := g.DoString(ctx, "return fetch()")
	if !goerrors.Is(err, errors.ErrRuntime) {
		t.Fatalf("err = %v, want runtime error", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("rejection payload missing from %q", err.Error())
	}
}

func TestSequentialAwaitsInOneCall(t *testing.T) {
	vm := enginetest.New()
	vm.Script("return step() + step()", func(_ context.Context, f *enginetest.Frame) (int, error) {
		f.GetGlobal("step")
		n1, err := f.Call(0)
		if err != nil || n1 != 1 {
			return 0, err
		}
		a, _ := f.ToInteger(-1)
		f.Pop(1)
		f.GetGlobal("step")
		if _, err := f.Call(0); err != nil {
			return 0, err
		}
		b, _ := f.ToInteger(-1)
		f.Pop(1)
		f.PushInteger(a + b)
		return 1, nil
	})
	g := newTestGlobal(t, vm, Config{})
	ctx := context.Background()

	n := int64(0)
	step := Func(func(context.Context, ...any) ([]any, error) {
		n++
		v := n
		p := NewPromise()
		time.AfterFunc(time.Millisecond, func() { p.Resolve(v) })
		return []any{p}, nil
	})
	if err := g.SetWith(ctx, "step", step, PushOptions{Await: true}); err != nil {
		t.Fatal(err)
	}

	out, err := g.DoString(ctx, "return step() + step()")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out, []any{int64(3)}) {
		t.Fatalf("got %#v", out)
	}
}

func TestPromiseAwaitMethod(t *testing.T) {
	vm := enginetest.New()
	vm.Script("return p:await()", func(_ context.Context, f *enginetest.Frame) (int, error) {
		f.GetGlobal("p")
		f.GetField(-1, "await")
		f.PushCopy(-2)
		return f.Call(1)
	})
	g := newTestGlobal(t, vm, Config{})
	ctx := context.Background()

	p := NewPromise()
	time.AfterFunc(5*time.Millisecond, func() { p.Resolve("later") })
	if err := g.Set(ctx, "p", p); err != nil {
		t.Fatal(err)
	}

	out, err := g.DoString(ctx, "return p:await()")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out, []any{"later"}) {
		t.Fatalf("got %#v", out)
	}
}

func TestPromiseAwaitMethodSettledFastPath(t *testing.T) {
	vm := enginetest.New()
	vm.Script("return p:await()", func(_ context.Context, f *enginetest.Frame) (int, error) {
		f.GetGlobal("p")
		f.GetField(-1, "await")
		f.PushCopy(-2)
		return f.Call(1)
	})
	g := newTestGlobal(t, vm, Config{})
	ctx := context.Background()

	if err := g.Set(ctx, "p", Resolved(int64(7))); err != nil {
		t.Fatal(err)
	}
	out, err := g.DoString(ctx, "return p:await()")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out, []any{int64(7)}) {
		t.Fatalf("got %#v", out)
	}
}

func TestPromiseNextFromGuest(t *testing.T) {
	vm := enginetest.New()
	vm.Script("return p:next(double):await()", func(_ context.Context, f *enginetest.Frame) (int, error) {
		f.GetGlobal("p")
		f.GetField(-1, "next")
		f.PushCopy(-2) // self
		f.GetGlobal("double")
		if _, err := f.Call(2); err != nil {
			return 0, err
		}
		// Chained promise on top; await it.
		f.GetField(-1, "await")
		f.PushCopy(-2)
		return f.Call(1)
	})
	g := newTestGlobal(t, vm, Config{})
	ctx := context.Background()

	vm.Script("function double(v) return v * 2 end", func(_ context.Context, f *enginetest.Frame) (int, error) {
		f.PushFunction(func(_ context.Context, f *enginetest.Frame) (int, error) {
			v, _ := f.ToInteger(1)
			f.PushInteger(v * 2)
			return 1, nil
		})
		f.SetGlobal("double")
		return 0, nil
	})
	if _, err := g.DoString(ctx, "function double(v) return v * 2 end"); err != nil {
		t.Fatal(err)
	}
	p := NewPromise()
	time.AfterFunc(5*time.Millisecond, func() { p.Resolve(int64(21)) })
	if err := g.Set(ctx, "p", p); err != nil {
		t.Fatal(err)
	}

	out, err := g.DoString(ctx, "return p:next(double):await()")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out, []any{int64(42)}) {
		t.Fatalf("got %#v", out)
	}
}

func TestAbandonedSuspensionReleasedOnClose(t *testing.T) {
	vm := enginetest.New()
	scriptCallGlobal(vm, "return fetch()", "fetch")
	g := newTestGlobal(t, vm, Config{})
	ctx := context.Background()

	never := NewPromise()
	fetch := Func(func(context.Context, ...any) ([]any, error) {
		return []any{never}, nil
	})
	if err := g.SetWith(ctx, "fetch", fetch, PushOptions{Await: true}); err != nil {
		t.Fatal(err)
	}

	// Drive by hand so the never-settling promise does not block the test.
	child, err := g.Spawn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := child.LoadString(ctx, "return fetch()", "chunk"); err != nil {
		t.Fatal(err)
	}
	status, _, err := child.Resume(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if status != engine.StatusYield {
		t.Fatalf("status = %v, want yield", status)
	}
	if child.pendingCont == 0 {
		t.Fatal("no continuation recorded for the suspension")
	}

	// Close with the continuation outstanding; nothing to resume, nothing
	// to double-free.
	if err := g.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if err := g.Close(ctx); err != nil {
		t.Fatal(err)
	}
}
