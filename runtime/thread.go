package runtime

import (
	"context"
	"fmt"
	"os"

	"github.com/timstableford/wasmoon/engine"
	"github.com/timstableford/wasmoon/errors"
)

// Thread wraps one guest call/coroutine stack. It is the unit of suspension:
// Run drives the stack through yield/resume cycles until it settles.
//
// Threads are spawned from a parent and share the parent's root, reference
// registry and allocator. Closing the root closes every thread under it.
type Thread struct {
	vm          engine.VM
	id          engine.StateID
	global      *Global
	parent      *Thread
	pendingCont engine.CallableID
	closed      bool
}

// ID returns the native state handle.
func (t *Thread) ID() engine.StateID { return t.id }

func (t *Thread) ensureOpen(phase errors.Phase) error {
	if t.closed || t.global.closed {
		return errors.Closed(phase, "execution context")
	}
	return nil
}

// Spawn creates a coroutine stack attached to the same root. The new
// thread's guest value is left on t's stack; callers that spawn for a scoped
// call remove it when done.
func (t *Thread) Spawn(ctx context.Context) (*Thread, error) {
	if err := t.ensureOpen(errors.PhaseCall); err != nil {
		return nil, err
	}
	id, err := t.vm.NewThread(ctx, t.id)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseCall, errors.KindInvalidInput, err, "spawning thread")
	}
	child := &Thread{vm: t.vm, id: id, global: t.global, parent: t}
	t.global.threads[id] = child
	return child, nil
}

// popMessage pops the guest's top-of-stack error string.
func (t *Thread) popMessage() string {
	msg, ok := t.vm.ToString(t.id, -1)
	if !ok {
		msg = t.vm.TypeOf(t.id, -1).String()
	}
	t.vm.Pop(t.id, 1)
	return msg
}

// LoadString compiles source onto the thread's stack. chunkName labels the
// chunk in guest diagnostics.
func (t *Thread) LoadString(ctx context.Context, source, chunkName string) error {
	if err := t.ensureOpen(errors.PhaseCompile); err != nil {
		return err
	}
	status, err := t.vm.LoadString(ctx, t.id, source, chunkName)
	if err != nil {
		return errors.Wrap(errors.PhaseCompile, errors.KindCompile, err, "loading chunk")
	}
	switch status {
	case engine.StatusOK:
		return nil
	case engine.StatusErrSyntax:
		return errors.Compile(t.popMessage())
	case engine.StatusErrMem:
		return errors.New(errors.PhaseCompile, errors.KindAllocation).
			Detail(t.popMessage()).Build()
	default:
		return errors.Runtime(t.popMessage())
	}
}

// LoadFile compiles a guest source file onto the thread's stack.
func (t *Thread) LoadFile(ctx context.Context, path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(errors.PhaseLoad, errors.KindNotFound, err, "reading source file")
	}
	return t.LoadString(ctx, string(src), "@"+path)
}

// Resume drives the stack one step, transferring nargs from its top.
// Statuses other than Ok and Yielded are surfaced as errors carrying the
// popped guest error string; the status is still returned for callers that
// branch on it.
func (t *Thread) Resume(ctx context.Context, nargs int) (engine.Status, int, error) {
	if err := t.ensureOpen(errors.PhaseCall); err != nil {
		return engine.StatusErrRun, 0, err
	}
	from := t.id
	if t.parent != nil {
		from = t.parent.id
	}
	status, nres, err := t.vm.Resume(ctx, t.id, from, nargs)
	if err != nil {
		return status, 0, errors.Wrap(errors.PhaseCall, errors.KindRuntime, err, "resuming")
	}
	switch status {
	case engine.StatusOK, engine.StatusYield:
		return status, nres, nil
	case engine.StatusErrMem:
		return status, 0, errors.New(errors.PhaseCall, errors.KindAllocation).
			Detail(t.popMessage()).Build()
	default:
		return status, 0, errors.Runtime(t.popMessage())
	}
}

// Run resumes the thread until it settles, awaiting each yielded deferred
// between resumptions. The yielded value must be a promise; a plain
// coroutine yield with no awaitable behind it is a runtime error, since
// nothing would ever resume the stack.
//
// A rejected promise still resumes the guest: the registered continuation
// re-raises the rejection inside the VM so the error surfaces through the
// normal resume path rather than leaving the stack suspended.
func (t *Thread) Run(ctx context.Context, nargs int) (int, error) {
	t.global.drainStale()
	status, nres, err := t.Resume(ctx, nargs)
	for err == nil && status == engine.StatusYield {
		v, gerr := t.getValue(ctx, -1, GetOptions{}, nil)
		if gerr != nil {
			return 0, gerr
		}
		p, ok := v.(*Promise)
		t.vm.Pop(t.id, nres)
		if !ok {
			return 0, errors.New(errors.PhaseCall, errors.KindRuntime).
				Detail("guest yielded a non-deferred value").
				GoType(typeName(v)).Build()
		}

		// Settle before resuming; rejections are re-raised by the
		// continuation on the resume below.
		_, _ = p.Await(ctx)

		if err := t.ensureOpen(errors.PhaseCall); err != nil {
			return 0, err
		}
		t.global.drainStale()
		status, nres, err = t.Resume(ctx, 0)
	}
	if err != nil {
		return 0, err
	}
	return nres, nil
}

// callableAt reports whether the value at index can be called: a guest
// function, or a function-reference userdata with a __call dispatcher.
func (t *Thread) callableAt(index int) bool {
	switch t.vm.TypeOf(t.id, index) {
	case engine.TypeFunction:
		return true
	case engine.TypeUserdata:
		_, ok := t.vm.TestUserdata(t.id, index, metaFunction)
		return ok
	default:
		return false
	}
}

// Call looks up a global function and invokes it on a scoped child thread:
// arguments are marshaled in, the child is driven to completion, results are
// moved back and decoded, and the child is removed from this thread's stack
// whether the call succeeds or fails.
func (t *Thread) Call(ctx context.Context, name string, args ...any) ([]any, error) {
	if err := t.ensureOpen(errors.PhaseCall); err != nil {
		return nil, err
	}
	child, err := t.Spawn(ctx)
	if err != nil {
		return nil, err
	}
	childPos := t.vm.GetTop(t.id)
	defer func() {
		t.vm.Remove(t.id, childPos)
		t.global.release(child)
	}()

	typ, err := t.vm.GetGlobal(ctx, child.id, name)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseCall, errors.KindRuntime, err, "global lookup")
	}
	if typ == engine.TypeNil {
		child.vm.Pop(child.id, 1)
		return nil, errors.NotFound(errors.PhaseCall, "global", name)
	}
	if !child.callableAt(-1) {
		child.vm.Pop(child.id, 1)
		return nil, errors.NotCallable(name, typ.String())
	}

	for _, arg := range args {
		if err := child.pushValue(ctx, arg, PushOptions{}, nil); err != nil {
			return nil, err
		}
	}
	nres, err := child.Run(ctx, len(args))
	if err != nil {
		return nil, err
	}
	return t.collect(ctx, child, nres)
}

// collect moves the child's top nres values onto t's stack and decodes them.
func (t *Thread) collect(ctx context.Context, child *Thread, nres int) ([]any, error) {
	t.vm.XMove(child.id, t.id, nres)
	out := make([]any, nres)
	for i := range nres {
		v, err := t.getValue(ctx, -nres+i, GetOptions{}, nil)
		if err != nil {
			t.vm.Pop(t.id, nres)
			return nil, err
		}
		out[i] = v
	}
	t.vm.Pop(t.id, nres)
	return out, nil
}

// DoString compiles and runs source on a scoped child thread, returning the
// chunk's decoded results.
func (t *Thread) DoString(ctx context.Context, source string) ([]any, error) {
	return t.doChunk(ctx, source, "chunk")
}

// DoFile loads and runs a guest source file.
func (t *Thread) DoFile(ctx context.Context, path string) ([]any, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindNotFound, err, "reading source file")
	}
	return t.doChunk(ctx, string(src), "@"+path)
}

func (t *Thread) doChunk(ctx context.Context, source, chunkName string) ([]any, error) {
	if err := t.ensureOpen(errors.PhaseCall); err != nil {
		return nil, err
	}
	child, err := t.Spawn(ctx)
	if err != nil {
		return nil, err
	}
	childPos := t.vm.GetTop(t.id)
	defer func() {
		t.vm.Remove(t.id, childPos)
		t.global.release(child)
	}()

	if err := child.LoadString(ctx, source, chunkName); err != nil {
		return nil, err
	}
	nres, err := child.Run(ctx, 0)
	if err != nil {
		return nil, err
	}
	return t.collect(ctx, child, nres)
}

// Get decodes the global bound to name.
func (t *Thread) Get(ctx context.Context, name string) (any, error) {
	if err := t.ensureOpen(errors.PhaseConvert); err != nil {
		return nil, err
	}
	if _, err := t.vm.GetGlobal(ctx, t.id, name); err != nil {
		return nil, errors.Wrap(errors.PhaseConvert, errors.KindRuntime, err, "global lookup")
	}
	v, err := t.getValue(ctx, -1, GetOptions{}, nil)
	t.vm.Pop(t.id, 1)
	return v, err
}

// Set binds a host value to a global name.
func (t *Thread) Set(ctx context.Context, name string, value any) error {
	return t.SetWith(ctx, name, value, PushOptions{})
}

// SetWith binds a global with explicit push options, e.g. marking a host
// function awaitable or pinning a value as opaque.
func (t *Thread) SetWith(ctx context.Context, name string, value any, opts PushOptions) error {
	if err := t.ensureOpen(errors.PhaseConvert); err != nil {
		return err
	}
	if err := t.pushValue(ctx, value, opts, nil); err != nil {
		return err
	}
	if err := t.vm.SetGlobal(ctx, t.id, name); err != nil {
		return errors.Wrap(errors.PhaseConvert, errors.KindRuntime, err, "global bind")
	}
	return nil
}

// Push converts a host value onto the thread's stack.
func (t *Thread) Push(ctx context.Context, value any) error {
	return t.pushValue(ctx, value, PushOptions{}, nil)
}

// PushWith converts with explicit options.
func (t *Thread) PushWith(ctx context.Context, value any, opts PushOptions) error {
	return t.pushValue(ctx, value, opts, nil)
}

// GetValue decodes the guest value at a stack index.
func (t *Thread) GetValue(ctx context.Context, index int) (any, error) {
	return t.getValue(ctx, index, GetOptions{}, nil)
}

// GetValueWith decodes with explicit options.
func (t *Thread) GetValueWith(ctx context.Context, index int, opts GetOptions) (any, error) {
	return t.getValue(ctx, index, opts, nil)
}

// GetStackValues decodes every value on the thread's stack, bottom to top.
func (t *Thread) GetStackValues(ctx context.Context) ([]any, error) {
	if err := t.ensureOpen(errors.PhaseConvert); err != nil {
		return nil, err
	}
	top := t.vm.GetTop(t.id)
	out := make([]any, top)
	for i := 1; i <= top; i++ {
		v, err := t.getValue(ctx, i, GetOptions{}, nil)
		if err != nil {
			return nil, err
		}
		out[i-1] = v
	}
	return out, nil
}

// DumpStack renders each stack slot for diagnostics, bottom to top. Nothing
// is materialized or pinned; values are rendered by the guest itself.
func (t *Thread) DumpStack(ctx context.Context) []string {
	top := t.vm.GetTop(t.id)
	out := make([]string, 0, top)
	for i := 1; i <= top; i++ {
		out = append(out, fmt.Sprintf("%d: %s %s",
			i, t.vm.TypeOf(t.id, i), t.vm.ToDebugString(ctx, t.id, i)))
	}
	return out
}

// GetTop returns the thread's stack height.
func (t *Thread) GetTop() int { return t.vm.GetTop(t.id) }

// Pop drops the top n stack values.
func (t *Thread) Pop(n int) { t.vm.Pop(t.id, n) }

// Remove deletes the value at index, shifting the values above it down.
func (t *Thread) Remove(index int) { t.vm.Remove(t.id, index) }
