package runtime

import (
	"context"
	goruntime "runtime"
	"strconv"

	"github.com/timstableford/wasmoon/engine"
	"github.com/timstableford/wasmoon/errors"
)

// absIndex turns a relative index into an absolute one, so pushes during
// iteration do not shift it.
func (t *Thread) absIndex(index int) int {
	if index < 0 {
		return t.vm.GetTop(t.id) + index + 1
	}
	return index
}

func (t *Thread) rawPointer(ctx context.Context, index int) RawPointer {
	return RawPointer{
		Pointer: t.vm.ToPointer(t.id, index),
		String:  t.vm.ToDebugString(ctx, t.id, index),
	}
}

// getValue decodes the guest value at index. done maps guest table identity
// to the host container already built for it within this top-level decode,
// making shared and cyclic guest tables converge to one host value.
func (t *Thread) getValue(ctx context.Context, index int, opts GetOptions, done map[uintptr]any) (any, error) {
	if err := t.ensureOpen(errors.PhaseConvert); err != nil {
		return nil, err
	}
	if done == nil {
		done = make(map[uintptr]any)
	}

	switch t.vm.TypeOf(t.id, index) {
	case engine.TypeNone, engine.TypeNil:
		return nil, nil
	case engine.TypeBoolean:
		return t.vm.ToBoolean(t.id, index), nil
	case engine.TypeNumber:
		if n, ok := t.vm.ToInteger(t.id, index); ok {
			return n, nil
		}
		f, _ := t.vm.ToNumber(t.id, index)
		return f, nil
	case engine.TypeString:
		s, _ := t.vm.ToString(t.id, index)
		return s, nil
	case engine.TypeTable:
		if opts.Raw {
			return t.rawPointer(ctx, index), nil
		}
		return t.getTable(ctx, index, opts, done)
	case engine.TypeFunction:
		if opts.Raw {
			return t.rawPointer(ctx, index), nil
		}
		return t.getFunction(ctx, index)
	case engine.TypeThread:
		if opts.Raw {
			return t.rawPointer(ctx, index), nil
		}
		return t.getThread(index)
	case engine.TypeUserdata:
		return t.getUserdata(ctx, index)
	default:
		// Light userdata and anything the VM grows later.
		return t.rawPointer(ctx, index), nil
	}
}

// getThread resolves a guest thread value back to its wrapper, reusing self
// and parent instead of allocating duplicates.
func (t *Thread) getThread(index int) (any, error) {
	id, ok := t.vm.ToThread(t.id, index)
	if !ok {
		return nil, errors.InvalidInput(errors.PhaseConvert, "thread value unreadable")
	}
	if id == t.id {
		return t, nil
	}
	if t.parent != nil && id == t.parent.id {
		return t.parent, nil
	}
	return t.global.threadFor(id), nil
}

// getUserdata dispatches on the registered metatable kinds. Unmatched
// userdata decodes to an opaque pointer with the guest's own rendering as a
// diagnostic.
func (t *Thread) getUserdata(ctx context.Context, index int) (any, error) {
	if h, ok := t.vm.TestUserdata(t.id, index, metaOpaque); ok {
		v, live := t.global.refs.GetTyped(h, kindOpaque)
		if !live {
			return nil, errors.Closed(errors.PhaseConvert, "opaque reference")
		}
		return v, nil
	}
	if h, ok := t.vm.TestUserdata(t.id, index, metaPromise); ok {
		v, live := t.global.refs.GetTyped(h, kindPromise)
		if !live {
			return nil, errors.Closed(errors.PhaseConvert, "promise reference")
		}
		return v.(*Promise), nil
	}
	return t.rawPointer(ctx, index), nil
}

// renderKey flattens a decoded guest key into a host map key.
func renderKey(k any) string {
	switch x := k.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case RawPointer:
		return x.String
	default:
		return typeName(k)
	}
}

// getTable materializes a guest table. Keys are read first to pick the host
// shape: exactly the integers 1..n decodes to a slice, anything else to a
// string-keyed map. The container is registered in the cycle guard before
// values are decoded.
func (t *Thread) getTable(ctx context.Context, index int, opts GetOptions, done map[uintptr]any) (any, error) {
	ptr := t.vm.ToPointer(t.id, index)
	if v, ok := done[ptr]; ok {
		return v, nil
	}
	abs := t.absIndex(index)

	var keys []any
	t.vm.PushNil(t.id)
	for {
		more, err := t.vm.Next(ctx, t.id, abs)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseConvert, errors.KindRuntime, err, "table keys")
		}
		if !more {
			break
		}
		k, err := t.getValue(ctx, -2, GetOptions{Raw: true}, done)
		if err != nil {
			t.vm.Pop(t.id, 2)
			return nil, err
		}
		keys = append(keys, k)
		t.vm.Pop(t.id, 1)
	}

	if sequentialKeys(keys) {
		arr := make([]any, len(keys))
		done[ptr] = arr
		for i := int64(1); i <= int64(len(keys)); i++ {
			t.vm.PushInteger(t.id, i)
			if _, err := t.vm.GetTable(ctx, t.id, abs); err != nil {
				return nil, errors.Wrap(errors.PhaseConvert, errors.KindRuntime, err, "table read")
			}
			v, err := t.getValue(ctx, -1, opts, done)
			t.vm.Pop(t.id, 1)
			if err != nil {
				return nil, err
			}
			arr[i-1] = v
		}
		return arr, nil
	}

	m := make(map[string]any, len(keys))
	done[ptr] = m
	t.vm.PushNil(t.id)
	for {
		more, err := t.vm.Next(ctx, t.id, abs)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseConvert, errors.KindRuntime, err, "table pairs")
		}
		if !more {
			break
		}
		k, err := t.getValue(ctx, -2, GetOptions{Raw: true}, done)
		if err != nil {
			t.vm.Pop(t.id, 2)
			return nil, err
		}
		v, err := t.getValue(ctx, -1, opts, done)
		if err != nil {
			t.vm.Pop(t.id, 2)
			return nil, err
		}
		m[renderKey(k)] = v
		t.vm.Pop(t.id, 1)
	}
	return m, nil
}

// sequentialKeys reports whether keys are exactly the integers 1..n.
func sequentialKeys(keys []any) bool {
	if len(keys) == 0 {
		return false
	}
	seen := make(map[int64]bool, len(keys))
	for _, k := range keys {
		n, ok := k.(int64)
		if !ok || n < 1 || n > int64(len(keys)) || seen[n] {
			return false
		}
		seen[n] = true
	}
	return true
}

// guestFunc is the host-side wrapper for a referenced guest function. The
// box exists so a finalizer can queue the registry slot for release if the
// host drops the wrapper before the guest side ever collects.
type guestFunc struct {
	root *Thread
	ref  int
}

// getFunction pins the guest function in the VM registry and returns a host
// wrapper that drives it on a scoped child thread.
func (t *Thread) getFunction(ctx context.Context, index int) (any, error) {
	t.vm.PushCopy(t.id, index)
	ref, err := t.vm.Ref(ctx, t.id)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConvert, errors.KindRuntime, err, "pinning function")
	}
	f := &guestFunc{root: &t.global.Thread, ref: ref}
	goruntime.SetFinalizer(f, func(f *guestFunc) {
		f.root.global.releaseRefLater(f.ref)
	})
	return Func(f.call), nil
}

// call mirrors Thread.Call for a pinned function value: spawn a child,
// re-push the referenced function, marshal arguments, drive the run loop and
// always remove the child on exit. A wrapper outliving its root resolves to
// an empty result set instead of touching a freed handle.
func (f *guestFunc) call(ctx context.Context, args ...any) ([]any, error) {
	root := f.root
	if root.closed || root.global.closed {
		return nil, nil
	}
	child, err := root.Spawn(ctx)
	if err != nil {
		return nil, err
	}
	childPos := root.vm.GetTop(root.id)
	defer func() {
		root.vm.Remove(root.id, childPos)
		root.global.release(child)
	}()

	root.vm.PushRef(child.id, f.ref)
	if child.vm.TypeOf(child.id, -1) != engine.TypeFunction {
		child.vm.Pop(child.id, 1)
		return nil, errors.InvalidInput(errors.PhaseCall, "referenced guest function is gone")
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
	return root.collect(ctx, child, nres)
}
