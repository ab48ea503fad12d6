package runtime

import (
	"context"
	goerrors "errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/timstableford/wasmoon/engine/enginetest"
	"github.com/timstableford/wasmoon/errors"
)

func TestDoStringReturnsResults(t *testing.T) {
	vm := enginetest.New()
	vm.Script("return 1, 'two'", func(_ context.Context, f *enginetest.Frame) (int, error) {
		f.PushInteger(1)
		f.PushString("two")
		return 2, nil
	})
	g := newTestGlobal(t, vm, Config{})

	out, err := g.DoString(context.Background(), "return 1, 'two'")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out, []any{int64(1), "two"}) {
		t.Fatalf("got %#v", out)
	}
	if g.GetTop() != 0 {
		t.Fatalf("root stack not balanced: %d", g.GetTop())
	}
}

func TestCompileErrorCarriesDiagnostic(t *testing.T) {
	g := newTestGlobal(t, enginetest.New(), Config{})

	_, err := g.DoString(context.Background(), "local x = = 1")
	if !goerrors.Is(err, errors.ErrCompile) {
		t.Fatalf("err = %v, want compile error", err)
	}
	if !strings.Contains(err.Error(), "unexpected symbol") {
		t.Fatalf("diagnostic missing from %q", err.Error())
	}
}

func TestRuntimeErrorCarriesGuestMessage(t *testing.T) {
	vm := enginetest.New()
	vm.Script("error('kaboom')", func(_ context.Context, f *enginetest.Frame) (int, error) {
		return 0, goerrors.New("kaboom")
	})
	g := newTestGlobal(t, vm, Config{})

	_, err := g.DoString(context.Background(), "error('kaboom')")
	if !goerrors.Is(err, errors.ErrRuntime) {
		t.Fatalf("err = %v, want runtime error", err)
	}
	if !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("guest message missing from %q", err.Error())
	}
}

func TestSetAndGetGlobals(t *testing.T) {
	vm := enginetest.New()
	vm.Script("return x", func(_ context.Context, f *enginetest.Frame) (int, error) {
		f.GetGlobal("x")
		return 1, nil
	})
	g := newTestGlobal(t, vm, Config{})
	ctx := context.Background()

	if err := g.Set(ctx, "x", 42); err != nil {
		t.Fatal(err)
	}
	v, err := g.Get(ctx, "x")
	if err != nil || v != int64(42) {
		t.Fatalf("Get = (%v, %v)", v, err)
	}
	out, err := g.DoString(ctx, "return x")
	if err != nil || !reflect.DeepEqual(out, []any{int64(42)}) {
		t.Fatalf("DoString = (%#v, %v)", out, err)
	}

	v, err = g.Get(ctx, "missing")
	if err != nil || v != nil {
		t.Fatalf("Get(missing) = (%v, %v), want (nil, nil)", v, err)
	}
}

// defineAdd registers a chunk that binds a two-argument add function as a
// guest global.
func defineAdd(vm *enginetest.FakeVM) string {
	const src = "function add(a, b) return a + b end"
	vm.Script(src, func(_ context.Context, f *enginetest.Frame) (int, error) {
		f.PushFunction(func(_ context.Context, f *enginetest.Frame) (int, error) {
			a, _ := f.ToInteger(1)
			b, _ := f.ToInteger(2)
			f.PushInteger(a + b)
			return 1, nil
		})
		f.SetGlobal("add")
		return 0, nil
	})
	return src
}

func TestCallGuestFunction(t *testing.T) {
	vm := enginetest.New()
	src := defineAdd(vm)
	g := newTestGlobal(t, vm, Config{})
	ctx := context.Background()

	if _, err := g.DoString(ctx, src); err != nil {
		t.Fatal(err)
	}
	out, err := g.Call(ctx, "add", 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out, []any{int64(5)}) {
		t.Fatalf("got %#v", out)
	}
	if g.GetTop() != 0 {
		t.Fatalf("child thread left on parent stack: top = %d", g.GetTop())
	}
}

func TestCallMissingGlobal(t *testing.T) {
	g := newTestGlobal(t, enginetest.New(), Config{})

	_, err := g.Call(context.Background(), "nope")
	var bridgeErr *errors.Error
	if !goerrors.As(err, &bridgeErr) || bridgeErr.Kind != errors.KindNotFound {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestCallNonCallableGlobal(t *testing.T) {
	g := newTestGlobal(t, enginetest.New(), Config{})
	ctx := context.Background()

	if err := g.Set(ctx, "x", 1); err != nil {
		t.Fatal(err)
	}
	_, err := g.Call(ctx, "x")
	var bridgeErr *errors.Error
	if !goerrors.As(err, &bridgeErr) || bridgeErr.Kind != errors.KindNotCallable {
		t.Fatalf("err = %v, want not callable", err)
	}
}

func TestCallHostFunctionGlobal(t *testing.T) {
	g := newTestGlobal(t, enginetest.New(), Config{})
	ctx := context.Background()

	double := Func(func(_ context.Context, args ...any) ([]any, error) {
		return []any{args[0].(int64) * 2}, nil
	})
	if err := g.Set(ctx, "double", double); err != nil {
		t.Fatal(err)
	}
	out, err := g.Call(ctx, "double", 21)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out, []any{int64(42)}) {
		t.Fatalf("got %#v", out)
	}
}

func TestHostFunctionCallableFromGuest(t *testing.T) {
	vm := enginetest.New()
	vm.Script("return add(2, 3)", func(_ context.Context, f *enginetest.Frame) (int, error) {
		f.GetGlobal("add")
		f.PushInteger(2)
		f.PushInteger(3)
		return f.Call(2)
	})
	g := newTestGlobal(t, vm, Config{})
	ctx := context.Background()

	add := Func(func(_ context.Context, args ...any) ([]any, error) {
		return []any{args[0].(int64) + args[1].(int64)}, nil
	})
	if err := g.Set(ctx, "add", add); err != nil {
		t.Fatal(err)
	}
	out, err := g.DoString(ctx, "return add(2, 3)")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out, []any{int64(5)}) {
		t.Fatalf("got %#v", out)
	}
}

func TestHostFunctionErrorBecomesGuestError(t *testing.T) {
	vm := enginetest.New()
	vm.Script("return fail()", func(_ context.Context, f *enginetest.Frame) (int, error) {
		f.GetGlobal("fail")
		return f.Call(0)
	})
	g := newTestGlobal(t, vm, Config{})
	ctx := context.Background()

	fail := Func(func(context.Context, ...any) ([]any, error) {
		return nil, goerrors.New("host exploded")
	})
	if err := g.Set(ctx, "fail", fail); err != nil {
		t.Fatal(err)
	}
	_, err := g.DoString(ctx, "return fail()")
	if !goerrors.Is(err, errors.ErrRuntime) || !strings.Contains(err.Error(), "host exploded") {
		t.Fatalf("err = %v", err)
	}
}

func TestGuestFunctionWrapper(t *testing.T) {
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
	fn, ok := v.(Func)
	if !ok {
		t.Fatalf("global decoded to %T, want Func", v)
	}
	out, err := fn(ctx, 4, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out, []any{int64(9)}) {
		t.Fatalf("got %#v", out)
	}
}

func TestGuestFunctionWrapperAfterClose(t *testing.T) {
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
	fn := v.(Func)

	if err := g.Close(ctx); err != nil {
		t.Fatal(err)
	}
	// Empty result set, not a crash on a freed handle.
	out, err := fn(ctx, 1, 2)
	if err != nil || out != nil {
		t.Fatalf("wrapper after close = (%#v, %v), want (nil, nil)", out, err)
	}
}

func TestFunctionAliasesHaveIndependentSlots(t *testing.T) {
	vm := enginetest.New()
	vm.Script("return f()", func(_ context.Context, f *enginetest.Frame) (int, error) {
		f.GetGlobal("f")
		return f.Call(0)
	})
	g := newTestGlobal(t, vm, Config{})
	ctx := context.Background()

	hits := 0
	fn := Func(func(context.Context, ...any) ([]any, error) {
		hits++
		return []any{int64(hits)}, nil
	})

	// First alias: pushed, dropped, collected. Its finalizer releases only
	// its own callable slot.
	if err := g.Push(ctx, fn); err != nil {
		t.Fatal(err)
	}
	g.Pop(1)
	vm.Collect(ctx, g.id)

	// Second alias of the same host function still dispatches.
	if err := g.Set(ctx, "f", fn); err != nil {
		t.Fatal(err)
	}
	out, err := g.DoString(ctx, "return f()")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out, []any{int64(1)}) {
		t.Fatalf("got %#v", out)
	}
}

func TestDoFile(t *testing.T) {
	vm := enginetest.New()
	const src = "return 'from file'"
	vm.Script(src, func(_ context.Context, f *enginetest.Frame) (int, error) {
		f.PushString("from file")
		return 1, nil
	})
	g := newTestGlobal(t, vm, Config{})

	path := filepath.Join(t.TempDir(), "chunk.lua")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := g.DoFile(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out, []any{"from file"}) {
		t.Fatalf("got %#v", out)
	}

	if _, err := g.DoFile(context.Background(), filepath.Join(t.TempDir(), "missing.lua")); err == nil {
		t.Fatal("missing file did not error")
	}
}

func TestLoadFileCompilesChunk(t *testing.T) {
	vm := enginetest.New()
	const src = "return 7"
	vm.Script(src, func(_ context.Context, f *enginetest.Frame) (int, error) {
		f.PushInteger(7)
		return 1, nil
	})
	g := newTestGlobal(t, vm, Config{})
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "chunk.lua")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}

	child, err := g.Spawn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		g.Pop(1)
		g.release(child)
	}()

	if err := child.LoadFile(ctx, path); err != nil {
		t.Fatal(err)
	}
	if child.GetTop() != 1 {
		t.Fatalf("compiled chunk not on stack: top = %d", child.GetTop())
	}
	nres, err := child.Run(ctx, 0)
	if err != nil || nres != 1 {
		t.Fatalf("Run = (%d, %v)", nres, err)
	}
	vals, err := child.GetStackValues(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(vals, []any{int64(7)}) {
		t.Fatalf("got %#v", vals)
	}
	child.Pop(nres)
}

func TestStackIntrospection(t *testing.T) {
	g := newTestGlobal(t, enginetest.New(), Config{})
	ctx := context.Background()

	if err := g.Push(ctx, int64(1)); err != nil {
		t.Fatal(err)
	}
	if err := g.Push(ctx, "two"); err != nil {
		t.Fatal(err)
	}
	defer g.Pop(2)

	vals, err := g.GetStackValues(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(vals, []any{int64(1), "two"}) {
		t.Fatalf("got %#v", vals)
	}

	dump := g.DumpStack(ctx)
	if len(dump) != 2 {
		t.Fatalf("dump = %v", dump)
	}
	if !strings.Contains(dump[0], "number") || !strings.Contains(dump[1], "two") {
		t.Fatalf("dump = %v", dump)
	}
}

func TestNonDeferredYieldIsRuntimeError(t *testing.T) {
	vm := enginetest.New()
	vm.Script("coroutine.yield(42)", func(_ context.Context, f *enginetest.Frame) (int, error) {
		f.PushInteger(42)
		if err := f.Yield(1); err != nil {
			return 0, err
		}
		return 0, nil
	})
	g := newTestGlobal(t, vm, Config{})

	_, err := g.DoString(context.Background(), "coroutine.yield(42)")
	var bridgeErr *errors.Error
	if !goerrors.As(err, &bridgeErr) || bridgeErr.Kind != errors.KindRuntime {
		t.Fatalf("err = %v, want runtime error", err)
	}
	if !strings.Contains(err.Error(), "non-deferred") {
		t.Fatalf("err = %v", err)
	}
}
