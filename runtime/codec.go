package runtime

import (
	"context"
	"fmt"
	"math"
	"reflect"

	"github.com/timstableford/wasmoon/engine"
	"github.com/timstableford/wasmoon/errors"
)

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}

// pushValue converts a host value onto the thread's stack. done maps host
// container identity to the stack index of the guest table already built for
// it within this top-level conversion, so cyclic and shared structures
// converge to one table instead of diverging.
func (t *Thread) pushValue(ctx context.Context, v any, opts PushOptions, done map[uintptr]int) error {
	if err := t.ensureOpen(errors.PhaseConvert); err != nil {
		return err
	}
	if done == nil {
		done = make(map[uintptr]int)
	}

	// Opaque overrides conversion entirely: the value is pinned whether or
	// not a structural representation exists.
	if opts.Opaque {
		return t.pushOpaque(ctx, v)
	}

	switch x := v.(type) {
	case nil:
		t.vm.PushNil(t.id)
		return nil
	case bool:
		t.vm.PushBoolean(t.id, x)
		return nil
	case string:
		t.vm.PushString(t.id, x)
		return nil
	case int:
		t.vm.PushInteger(t.id, int64(x))
		return nil
	case int8:
		t.vm.PushInteger(t.id, int64(x))
		return nil
	case int16:
		t.vm.PushInteger(t.id, int64(x))
		return nil
	case int32:
		t.vm.PushInteger(t.id, int64(x))
		return nil
	case int64:
		t.vm.PushInteger(t.id, x)
		return nil
	case uint:
		t.vm.PushInteger(t.id, int64(x))
		return nil
	case uint8:
		t.vm.PushInteger(t.id, int64(x))
		return nil
	case uint16:
		t.vm.PushInteger(t.id, int64(x))
		return nil
	case uint32:
		t.vm.PushInteger(t.id, int64(x))
		return nil
	case uint64:
		if x > math.MaxInt64 {
			t.vm.PushNumber(t.id, float64(x))
		} else {
			t.vm.PushInteger(t.id, int64(x))
		}
		return nil
	case float32:
		return t.pushFloat(float64(x))
	case float64:
		return t.pushFloat(x)
	case *Thread:
		return t.pushThread(x)
	case *Promise:
		return t.pushPromise(ctx, x)
	case Func:
		return t.pushFunc(ctx, x, opts)
	case func(context.Context, ...any) ([]any, error):
		return t.pushFunc(ctx, Func(x), opts)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return t.pushSequence(ctx, rv, opts, done)
	case reflect.Map:
		return t.pushMap(ctx, rv, opts, done)
	case reflect.Pointer:
		if rv.IsNil() {
			t.vm.PushNil(t.id)
			return nil
		}
		return t.pushValue(ctx, rv.Elem().Interface(), opts, done)
	}
	return errors.Unsupported(errors.PhaseConvert, typeName(v), nil)
}

// pushFloat pushes integral floats as guest integers, matching the guest's
// own number subtyping.
func (t *Thread) pushFloat(x float64) error {
	if x == math.Trunc(x) && !math.IsInf(x, 0) &&
		x >= math.MinInt64 && x <= math.MaxInt64 {
		t.vm.PushInteger(t.id, int64(x))
	} else {
		t.vm.PushNumber(t.id, x)
	}
	return nil
}

// pushThread pushes another context's thread value onto this stack.
func (t *Thread) pushThread(other *Thread) error {
	if other.closed || other.global != t.global {
		return errors.Closed(errors.PhaseConvert, "thread value")
	}
	t.vm.PushThread(other.id)
	if other.id != t.id {
		t.vm.XMove(other.id, t.id, 1)
	}
	return nil
}

// pushPromise pins the deferred in the registry and wraps the handle in a
// promise userdata.
func (t *Thread) pushPromise(ctx context.Context, p *Promise) error {
	h := t.global.refs.Insert(kindPromise, p)
	if h == 0 {
		return errors.Closed(errors.PhaseConvert, "reference registry")
	}
	if err := t.vm.NewUserdata(ctx, t.id, h); err != nil {
		t.global.refs.Drop(h)
		return errors.Wrap(errors.PhaseConvert, errors.KindAllocation, err, "promise userdata")
	}
	if err := t.vm.SetMetatableNamed(ctx, t.id, metaPromise); err != nil {
		return errors.MissingMetatable(metaPromise)
	}
	return nil
}

// pushOpaque pins a host value and pushes its handle userdata. The guest
// can pass it around and hand it back; only __gc and the decode path touch
// the handle.
func (t *Thread) pushOpaque(ctx context.Context, v any) error {
	h := t.global.refs.Insert(kindOpaque, v)
	if h == 0 {
		return errors.Closed(errors.PhaseConvert, "reference registry")
	}
	if err := t.vm.NewUserdata(ctx, t.id, h); err != nil {
		t.global.refs.Drop(h)
		return errors.Wrap(errors.PhaseConvert, errors.KindAllocation, err, "opaque userdata")
	}
	if err := t.vm.SetMetatableNamed(ctx, t.id, metaOpaque); err != nil {
		return errors.MissingMetatable(metaOpaque)
	}
	return nil
}

// pushFunc wraps a host function as a native callable behind a
// function-reference userdata. Every push mints an independent callable
// slot, with no deduplication: each userdata's finalizer releases exactly
// its own slot, so collecting one alias never invalidates another.
func (t *Thread) pushFunc(ctx context.Context, fn Func, opts PushOptions) error {
	g := t.global

	slot := t.vm.RegisterCallable(func(ctx context.Context, l engine.StateID) (int, error) {
		th := g.threadFor(l)
		n := g.vm.GetTop(l)
		args := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			v, err := th.getValue(ctx, i, GetOptions{}, nil)
			if err != nil {
				return 0, err
			}
			args = append(args, v)
		}

		res, err := fn(ctx, args...)
		if err != nil {
			return 0, err
		}

		if opts.Await && len(res) == 1 {
			if p, ok := res[0].(*Promise); ok {
				if err := th.pushPromise(ctx, p); err != nil {
					return 0, err
				}
				return g.suspend(ctx, l, p)
			}
		}

		for _, r := range res {
			if err := th.pushValue(ctx, r, PushOptions{}, nil); err != nil {
				return 0, err
			}
		}
		return len(res), nil
	})

	if err := t.vm.NewUserdata(ctx, t.id, uint32(slot)); err != nil {
		t.vm.ReleaseCallable(slot)
		return errors.Wrap(errors.PhaseConvert, errors.KindAllocation, err, "function userdata")
	}
	if err := t.vm.SetMetatableNamed(ctx, t.id, metaFunction); err != nil {
		return errors.MissingMetatable(metaFunction)
	}
	return nil
}

// pushSequence converts a slice or array to a 1-indexed guest table.
func (t *Thread) pushSequence(ctx context.Context, rv reflect.Value, opts PushOptions, done map[uintptr]int) error {
	if rv.Kind() == reflect.Slice {
		if rv.IsNil() {
			t.vm.PushNil(t.id)
			return nil
		}
		if pos, ok := done[rv.Pointer()]; ok {
			t.vm.PushCopy(t.id, pos)
			return nil
		}
	}

	if err := t.vm.NewTable(ctx, t.id); err != nil {
		return errors.Wrap(errors.PhaseConvert, errors.KindAllocation, err, "table")
	}
	pos := t.vm.GetTop(t.id)
	if rv.Kind() == reflect.Slice {
		// Registered before recursing so self references converge.
		done[rv.Pointer()] = pos
	}

	elemOpts := opts
	elemOpts.Metatable = nil
	for i := 0; i < rv.Len(); i++ {
		if err := t.pushValue(ctx, rv.Index(i).Interface(), elemOpts, done); err != nil {
			return err
		}
		if err := t.vm.SetIndex(ctx, t.id, pos, int64(i+1)); err != nil {
			return errors.Wrap(errors.PhaseConvert, errors.KindRuntime, err, "table fill")
		}
	}
	return t.decorate(ctx, opts.Metatable)
}

// pushMap converts a map to a guest table.
func (t *Thread) pushMap(ctx context.Context, rv reflect.Value, opts PushOptions, done map[uintptr]int) error {
	if rv.IsNil() {
		t.vm.PushNil(t.id)
		return nil
	}
	if pos, ok := done[rv.Pointer()]; ok {
		t.vm.PushCopy(t.id, pos)
		return nil
	}

	if err := t.vm.NewTable(ctx, t.id); err != nil {
		return errors.Wrap(errors.PhaseConvert, errors.KindAllocation, err, "table")
	}
	pos := t.vm.GetTop(t.id)
	done[rv.Pointer()] = pos

	elemOpts := opts
	elemOpts.Metatable = nil
	iter := rv.MapRange()
	for iter.Next() {
		if err := t.pushValue(ctx, iter.Key().Interface(), elemOpts, done); err != nil {
			return err
		}
		if err := t.pushValue(ctx, iter.Value().Interface(), elemOpts, done); err != nil {
			// Drop the orphaned key.
			t.vm.Pop(t.id, 1)
			return err
		}
		if err := t.vm.SetTable(ctx, t.id, pos); err != nil {
			return errors.Wrap(errors.PhaseConvert, errors.KindRuntime, err, "table fill")
		}
	}
	return t.decorate(ctx, opts.Metatable)
}

// decorate converts meta and attaches it to the table on top of the stack.
func (t *Thread) decorate(ctx context.Context, meta map[string]any) error {
	if meta == nil {
		return nil
	}
	if err := t.pushMap(ctx, reflect.ValueOf(meta), PushOptions{}, make(map[uintptr]int)); err != nil {
		return err
	}
	t.vm.SetMetatable(t.id, -2)
	return nil
}
