// Package runtime is the value bridge between host Go code and the embedded
// guest VM: bidirectional conversion of values, lifecycle management of
// cross-runtime references, and the suspend/resume machinery that lets a
// guest call await a host deferred result.
//
// A Global wraps the root VM state and installs the three userdata kinds the
// bridge depends on: function references (host functions callable from guest
// code), opaque references (host values pinned in the reference registry)
// and promises (host deferred results with a guest-visible method table).
// Threads spawned from the Global wrap individual coroutine stacks; Call and
// DoString drive scoped child threads through the run loop.
//
// Asynchrony is cooperative. A host function bound with PushOptions.Await
// that returns a *Promise suspends the calling guest stack; the run loop
// awaits the promise on the driving goroutine and resumes the stack with the
// settled value. Nothing in the bridge is safe for concurrent use from
// multiple goroutines.
package runtime
