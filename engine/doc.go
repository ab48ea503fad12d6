// Package engine integrates the guest VM as a black-box stack machine.
//
// The VM interface is the fixed primitive set the bridge consumes: stack
// manipulation, table and userdata access, registry references, native
// callables and coroutine resume/yield. WazeroVM binds those primitives to
// the exports of a Lua 5.4 build compiled to WebAssembly, hosted by wazero;
// enginetest.FakeVM provides an in-process double for bridge tests.
//
// # Yielding from host code
//
// A native Callable suspends the running guest stack by returning the error
// built with Yield:
//
//	func hostFn(ctx context.Context, l engine.StateID) (int, error) {
//	    // push yielded values, then:
//	    return 0, engine.Yield(1, contSlot)
//	}
//
// The VM's dispatcher translates the sentinel into the native
// yield-with-continuation primitive; once the host resumes the coroutine the
// registered continuation callable runs on the resuming state and its return
// count completes the original call.
//
// # Memory ceiling
//
// Each root state owns a Meter. The guest's allocator consults the meter
// through the mem_grow host import before growing; rejected growth surfaces
// inside the VM as an ordinary out-of-memory error, independent of how much
// host memory is available.
package engine
