package runtime

import (
	"context"
	"sync"
)

// Promise is a host deferred result. It settles exactly once, through
// Resolve or Reject, or lazily through a compute function on first Await.
//
// Guest code sees promises as userdata with next, catch, finally and await
// methods; await is the bridge's suspension point.
type Promise struct {
	mu      sync.Mutex
	done    chan struct{}
	settled bool
	value   any
	err     error

	// compute, when set, derives the settlement on first Await. Derived
	// promises built by next/catch/finally run their transforms on the
	// awaiting goroutine, which for guest-driven chains is the goroutine
	// driving the root.
	compute func(ctx context.Context) (any, error)
	once    sync.Once
}

// NewPromise returns an unsettled promise.
func NewPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

// Async runs fn on its own goroutine and returns the promise of its result.
func Async(fn func() (any, error)) *Promise {
	p := NewPromise()
	go func() {
		v, err := fn()
		if err != nil {
			p.Reject(err)
			return
		}
		p.Resolve(v)
	}()
	return p
}

// Resolved returns a promise already settled with v.
func Resolved(v any) *Promise {
	p := NewPromise()
	p.Resolve(v)
	return p
}

// Rejected returns a promise already settled with err.
func Rejected(err error) *Promise {
	p := NewPromise()
	p.Reject(err)
	return p
}

func derived(compute func(ctx context.Context) (any, error)) *Promise {
	return &Promise{done: make(chan struct{}), compute: compute}
}

// Resolve settles the promise with a value. Later settle calls are ignored.
func (p *Promise) Resolve(v any) {
	p.settle(v, nil)
}

// Reject settles the promise with an error. Later settle calls are ignored.
func (p *Promise) Reject(err error) {
	p.settle(nil, err)
}

func (p *Promise) settle(v any, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return
	}
	p.settled = true
	p.value = v
	p.err = err
	close(p.done)
}

// Await blocks until the promise settles and returns its payload. A derived
// promise computes its settlement here, once; concurrent awaiters observe
// the same outcome.
func (p *Promise) Await(ctx context.Context) (any, error) {
	if p.compute != nil {
		p.once.Do(func() {
			p.settle(p.compute(ctx))
		})
	}
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.value, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Settled reports whether the promise has settled, without blocking.
func (p *Promise) Settled() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Next chains a transform over the resolved value. Rejections pass through
// untouched.
func (p *Promise) Next(fn func(ctx context.Context, v any) (any, error)) *Promise {
	return derived(func(ctx context.Context) (any, error) {
		v, err := p.Await(ctx)
		if err != nil {
			return nil, err
		}
		return fn(ctx, v)
	})
}

// Catch chains a rejection handler. Resolved values pass through untouched;
// the handler's return value becomes the chained promise's resolution.
func (p *Promise) Catch(fn func(ctx context.Context, err error) (any, error)) *Promise {
	return derived(func(ctx context.Context) (any, error) {
		v, err := p.Await(ctx)
		if err != nil {
			return fn(ctx, err)
		}
		return v, nil
	})
}

// Finally runs fn once the promise settles either way, then propagates the
// original outcome.
func (p *Promise) Finally(fn func(ctx context.Context)) *Promise {
	return derived(func(ctx context.Context) (any, error) {
		v, err := p.Await(ctx)
		fn(ctx)
		return v, err
	})
}
