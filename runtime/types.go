package runtime

import "context"

// Func is the shape of a host function exposed to guest code. Arguments are
// decoded guest values; returned values are pushed back as the call's
// results. A returned error aborts the guest call through the VM's error
// path.
type Func func(ctx context.Context, args ...any) ([]any, error)

// Metatable names for the three built-in userdata kinds.
const (
	metaFunction = "wasmoon.function"
	metaOpaque   = "wasmoon.opaque"
	metaPromise  = "wasmoon.promise"
)

// Registry type tags.
const (
	kindOpaque uint32 = iota + 1
	kindPromise
)

// PushOptions adjusts host to guest conversion.
type PushOptions struct {
	// Opaque pins the value in the reference registry and pushes a handle
	// userdata instead of converting structurally. Required for host values
	// with no guest representation.
	Opaque bool

	// Await marks pushed functions as awaitable: when the guest calls one
	// and it returns a single *Promise, the bridge suspends the guest stack
	// until the promise settles instead of handing the promise over as a
	// value.
	Await bool

	// Metatable, when set, is converted to a guest table and attached to
	// the pushed table after population. It decorates the top-level table
	// of the conversion only; nested containers are left plain.
	Metatable map[string]any
}

// GetOptions adjusts guest to host conversion.
type GetOptions struct {
	// Raw returns a RawPointer for tables, functions and threads instead of
	// materializing them. Used for stack introspection without touching the
	// cycle guard or the reference registry.
	Raw bool
}

// RawPointer is the opaque result of converting a guest value that has no
// host materialization (raw mode, or userdata with no registered metatable).
type RawPointer struct {
	Pointer uintptr
	// String is the guest's own rendering of the value.
	String string
}
