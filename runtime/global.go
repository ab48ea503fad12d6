package runtime

import (
	"context"

	"go.uber.org/zap"

	"github.com/timstableford/wasmoon/engine"
	"github.com/timstableford/wasmoon/errors"
	"github.com/timstableford/wasmoon/resource"
)

// Config configures a root context.
type Config struct {
	// MemoryMax caps cumulative guest allocation in bytes. 0 means no cap.
	MemoryMax uint64
}

// Global is the root execution context. It owns the root VM state, the
// reference registry shared by every thread spawned from it, and the three
// built-in metatables the bridge depends on: function references, opaque
// host references and the guest-visible promise type.
//
// A Global and everything spawned from it must be driven from a single
// goroutine; suspension points hand control to that same goroutine's event
// loop, never to another thread.
type Global struct {
	Thread

	refs      *resource.Registry
	threads   map[engine.StateID]*Thread
	installed []engine.CallableID
	stale     chan int
	log       *zap.Logger
	closed    bool
}

// NewGlobal creates a root context on vm and installs the bridge metatables.
func NewGlobal(ctx context.Context, vm engine.VM, cfg Config) (*Global, error) {
	root, err := vm.NewState(ctx, engine.StateConfig{MemoryMax: cfg.MemoryMax})
	if err != nil {
		return nil, errors.Wrap(errors.PhaseSetup, errors.KindInvalidInput, err, "creating root state")
	}

	g := &Global{
		refs:    resource.NewRegistry(),
		threads: make(map[engine.StateID]*Thread),
		stale:   make(chan int, 128),
		log:     engine.Logger(),
	}
	g.Thread = Thread{vm: vm, id: root, global: g}
	g.threads[root] = &g.Thread

	if err := g.installMetatables(ctx); err != nil {
		vm.CloseState(ctx, root)
		return nil, err
	}
	g.log.Debug("root context created",
		zap.Uint32("state", uint32(root)),
		zap.Uint64("memory_max", cfg.MemoryMax))
	return g, nil
}

// register installs a callable the root owns; Close releases it.
func (g *Global) register(fn engine.Callable) engine.CallableID {
	slot := g.vm.RegisterCallable(fn)
	g.installed = append(g.installed, slot)
	return slot
}

func (g *Global) installMetatables(ctx context.Context) error {
	if err := g.installFunctionMeta(ctx); err != nil {
		return err
	}
	if err := g.installOpaqueMeta(ctx); err != nil {
		return err
	}
	return g.installPromiseMeta(ctx)
}

// setMetaField pops nothing; the metatable must be on top of the stack.
func (g *Global) setMetaField(ctx context.Context, name string, fn engine.CallableID) error {
	g.vm.PushString(g.id, name)
	g.vm.PushCallable(g.id, fn)
	return g.vm.SetTable(ctx, g.id, -3)
}

// installFunctionMeta sets up the function-reference kind. The userdata's
// handle carries the native callable slot directly; __call dispatches it and
// __gc releases the slot, so each pushed host function is a single-use alias
// with no registry entry behind it.
func (g *Global) installFunctionMeta(ctx context.Context) error {
	dispatch := g.register(func(ctx context.Context, l engine.StateID) (int, error) {
		slot, ok := g.vm.UserdataHandle(l, 1)
		if !ok {
			return 0, errors.InvalidInput(errors.PhaseCall, "function reference lost its callable slot")
		}
		g.vm.Remove(l, 1)
		return g.vm.Invoke(ctx, engine.CallableID(slot), l)
	})
	release := g.register(func(_ context.Context, l engine.StateID) (int, error) {
		if slot, ok := g.vm.UserdataHandle(l, 1); ok {
			g.vm.ReleaseCallable(engine.CallableID(slot))
		}
		return 0, nil
	})

	fresh, err := g.vm.NewMetatable(ctx, g.id, metaFunction)
	if err != nil {
		return err
	}
	if !fresh {
		g.vm.Pop(g.id, 1)
		return nil
	}
	if err := g.setMetaField(ctx, "__call", dispatch); err != nil {
		return err
	}
	if err := g.setMetaField(ctx, "__gc", release); err != nil {
		return err
	}
	g.vm.Pop(g.id, 1)
	return nil
}

// dropRef is the shared __gc for registry-backed userdata kinds.
func (g *Global) dropRef(_ context.Context, l engine.StateID) (int, error) {
	if h, ok := g.vm.UserdataHandle(l, 1); ok {
		g.refs.Drop(h)
	}
	return 0, nil
}

func (g *Global) installOpaqueMeta(ctx context.Context) error {
	drop := g.register(g.dropRef)

	fresh, err := g.vm.NewMetatable(ctx, g.id, metaOpaque)
	if err != nil {
		return err
	}
	if !fresh {
		g.vm.Pop(g.id, 1)
		return nil
	}
	if err := g.setMetaField(ctx, "__gc", drop); err != nil {
		return err
	}
	g.vm.Pop(g.id, 1)
	return nil
}

func (g *Global) installPromiseMeta(ctx context.Context) error {
	drop := g.register(g.dropRef)

	methods := map[string]engine.CallableID{
		"await":   g.register(g.promiseAwait),
		"next":    g.register(g.promiseNext),
		"catch":   g.register(g.promiseCatch),
		"finally": g.register(g.promiseFinally),
	}

	fresh, err := g.vm.NewMetatable(ctx, g.id, metaPromise)
	if err != nil {
		return err
	}
	if !fresh {
		g.vm.Pop(g.id, 1)
		return nil
	}
	if err := g.setMetaField(ctx, "__gc", drop); err != nil {
		return err
	}

	g.vm.PushString(g.id, "__index")
	if err := g.vm.NewTable(ctx, g.id); err != nil {
		return err
	}
	for name, fn := range methods {
		g.vm.PushString(g.id, name)
		g.vm.PushCallable(g.id, fn)
		if err := g.vm.SetTable(ctx, g.id, -3); err != nil {
			return err
		}
	}
	if err := g.vm.SetTable(ctx, g.id, -3); err != nil {
		return err
	}
	g.vm.Pop(g.id, 1)
	return nil
}

// promiseAt resolves the promise userdata at a call's self position.
func (g *Global) promiseAt(l engine.StateID, index int) (*Promise, error) {
	h, ok := g.vm.TestUserdata(l, index, metaPromise)
	if !ok {
		return nil, errors.InvalidInput(errors.PhaseCall, "method receiver is not a promise")
	}
	v, ok := g.refs.GetTyped(h, kindPromise)
	if !ok {
		return nil, errors.Closed(errors.PhaseCall, "promise reference")
	}
	return v.(*Promise), nil
}

// promiseAwait suspends the calling guest stack until the promise settles.
// An already-settled promise returns its value without suspending.
func (g *Global) promiseAwait(ctx context.Context, l engine.StateID) (int, error) {
	p, err := g.promiseAt(l, 1)
	if err != nil {
		return 0, err
	}
	th := g.threadFor(l)
	if p.Settled() {
		v, perr := p.Await(ctx)
		if perr != nil {
			return 0, perr
		}
		if err := th.pushValue(ctx, v, PushOptions{}, nil); err != nil {
			return 0, err
		}
		return 1, nil
	}
	// The promise userdata itself is the yield payload the run loop awaits.
	g.vm.PushCopy(l, 1)
	return g.suspend(ctx, l, p)
}

// chainArg decodes the guest callback argument of next/catch/finally.
func (g *Global) chainArg(ctx context.Context, l engine.StateID) (Func, error) {
	th := g.threadFor(l)
	v, err := th.getValue(ctx, 2, GetOptions{}, nil)
	if err != nil {
		return nil, err
	}
	fn, ok := v.(Func)
	if !ok {
		return nil, errors.InvalidInput(errors.PhaseCall, "promise callback must be a function")
	}
	return fn, nil
}

func firstOf(res []any) any {
	if len(res) == 0 {
		return nil
	}
	return res[0]
}

func (g *Global) promiseNext(ctx context.Context, l engine.StateID) (int, error) {
	p, err := g.promiseAt(l, 1)
	if err != nil {
		return 0, err
	}
	fn, err := g.chainArg(ctx, l)
	if err != nil {
		return 0, err
	}
	child := p.Next(func(ctx context.Context, v any) (any, error) {
		res, err := fn(ctx, v)
		if err != nil {
			return nil, err
		}
		return firstOf(res), nil
	})
	th := g.threadFor(l)
	if err := th.pushPromise(ctx, child); err != nil {
		return 0, err
	}
	return 1, nil
}

func (g *Global) promiseCatch(ctx context.Context, l engine.StateID) (int, error) {
	p, err := g.promiseAt(l, 1)
	if err != nil {
		return 0, err
	}
	fn, err := g.chainArg(ctx, l)
	if err != nil {
		return 0, err
	}
	child := p.Catch(func(ctx context.Context, perr error) (any, error) {
		res, err := fn(ctx, perr.Error())
		if err != nil {
			return nil, err
		}
		return firstOf(res), nil
	})
	th := g.threadFor(l)
	if err := th.pushPromise(ctx, child); err != nil {
		return 0, err
	}
	return 1, nil
}

func (g *Global) promiseFinally(ctx context.Context, l engine.StateID) (int, error) {
	p, err := g.promiseAt(l, 1)
	if err != nil {
		return 0, err
	}
	fn, err := g.chainArg(ctx, l)
	if err != nil {
		return 0, err
	}
	child := p.Finally(func(ctx context.Context) {
		_, _ = fn(ctx)
	})
	th := g.threadFor(l)
	if err := th.pushPromise(ctx, child); err != nil {
		return 0, err
	}
	return 1, nil
}

// suspend issues the native yield for an awaited promise. The yield payload
// must already be on top of l's stack. The registered continuation is
// one-shot: it runs on the resuming state, pushes the settled value and
// releases its own slot. At most one continuation is live per thread; an
// unconsumed prior one is released before the new one is installed.
func (g *Global) suspend(ctx context.Context, l engine.StateID, p *Promise) (int, error) {
	th := g.threadFor(l)

	var slot engine.CallableID
	slot = g.vm.RegisterCallable(func(ctx context.Context, rl engine.StateID) (int, error) {
		defer g.vm.ReleaseCallable(slot)
		if th.pendingCont == slot {
			th.pendingCont = 0
		}
		rt := g.threadFor(rl)
		if rt.pendingCont == slot {
			rt.pendingCont = 0
		}
		if g.closed {
			return 0, nil
		}
		v, err := p.Await(ctx)
		if err != nil {
			// Rejection resumes through the VM's error path so the guest
			// stack settles instead of staying suspended.
			return 0, err
		}
		if err := rt.pushValue(ctx, v, PushOptions{}, nil); err != nil {
			return 0, err
		}
		return 1, nil
	})

	if th.pendingCont != 0 {
		g.log.Debug("releasing stale continuation",
			zap.Uint32("slot", uint32(th.pendingCont)),
			zap.Uint32("state", uint32(l)))
		g.vm.ReleaseCallable(th.pendingCont)
	}
	th.pendingCont = slot
	return 0, engine.Yield(1, slot)
}

// threadFor resolves a native state handle back to its wrapper, reusing
// known wrappers instead of allocating duplicates.
func (g *Global) threadFor(id engine.StateID) *Thread {
	if t, ok := g.threads[id]; ok {
		return t
	}
	t := &Thread{vm: g.vm, id: id, global: g, parent: &g.Thread}
	g.threads[id] = t
	return t
}

// release retires a spawned thread wrapper and any continuation it still
// holds. The guest-side thread value is the caller's to remove.
func (g *Global) release(child *Thread) {
	if child.pendingCont != 0 {
		g.vm.ReleaseCallable(child.pendingCont)
		child.pendingCont = 0
	}
	child.closed = true
	delete(g.threads, child.id)
}

// releaseRefLater queues a registry slot release from a finalizer goroutine.
// Queued slots are freed at the next safe point on the driving goroutine; if
// the queue is full the slot leaks until close, which is acceptable for a
// backstop.
func (g *Global) releaseRefLater(ref int) {
	select {
	case g.stale <- ref:
	default:
	}
}

// drainStale frees queued registry slots. Called at run-loop safe points.
func (g *Global) drainStale() {
	for {
		select {
		case ref := <-g.stale:
			if !g.closed {
				g.vm.Unref(g.id, ref)
			}
		default:
			return
		}
	}
}

// MemoryUsed reports the root allocator's cumulative live bytes.
func (g *Global) MemoryUsed() uint64 { return g.vm.MemoryUsed(g.id) }

// MemoryMax reports the allocation ceiling. 0 means no cap.
func (g *Global) MemoryMax() uint64 { return g.vm.MemoryMax(g.id) }

// SetMemoryMax adjusts the ceiling. Lowering it below current usage does not
// fail existing allocations, only future growth.
func (g *Global) SetMemoryMax(max uint64) { g.vm.SetMemoryMax(g.id, max) }

// Close tears down the root state, releases every callable the root
// installed and drops all pinned references. Idempotent and never raises;
// pending continuations are abandoned.
func (g *Global) Close(ctx context.Context) error {
	if g.closed {
		return nil
	}
	g.closed = true
	g.drainStale()

	for _, t := range g.threads {
		if t.pendingCont != 0 {
			g.vm.ReleaseCallable(t.pendingCont)
			t.pendingCont = 0
		}
		t.closed = true
	}

	// Closing the state runs guest finalizers, which still need the
	// installed __gc callables and the registry. Release those after.
	g.vm.CloseState(ctx, g.id)

	for _, slot := range g.installed {
		g.vm.ReleaseCallable(slot)
	}
	g.installed = nil
	_ = g.refs.Close()

	g.log.Debug("root context closed", zap.Uint32("state", uint32(g.id)))
	return nil
}
