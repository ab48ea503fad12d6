package engine

import (
	"context"
	"fmt"
)

// StateID identifies one guest execution stack inside the VM.
// The zero value is never a valid state.
type StateID uint32

// CallableID identifies a registered native callable slot.
// The zero value is never a valid callable.
type CallableID uint32

// Status mirrors the guest VM's thread status codes.
type Status int

const (
	StatusOK Status = iota
	StatusYield
	StatusErrRun
	StatusErrSyntax
	StatusErrMem
	StatusErrErr
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusYield:
		return "yield"
	case StatusErrRun:
		return "runtime error"
	case StatusErrSyntax:
		return "syntax error"
	case StatusErrMem:
		return "out of memory"
	case StatusErrErr:
		return "error in error handling"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Type mirrors the guest VM's value type tags.
type Type int

const (
	TypeNone Type = iota - 1
	TypeNil
	TypeBoolean
	TypeLightUserdata
	TypeNumber
	TypeString
	TypeTable
	TypeFunction
	TypeUserdata
	TypeThread
)

func (t Type) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeNil:
		return "nil"
	case TypeBoolean:
		return "boolean"
	case TypeLightUserdata:
		return "lightuserdata"
	case TypeNumber:
		return "number"
	case TypeString:
		return "string"
	case TypeTable:
		return "table"
	case TypeFunction:
		return "function"
	case TypeUserdata:
		return "userdata"
	case TypeThread:
		return "thread"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// Callable is a host function exposed to the guest VM. It receives the state
// it was invoked on with its arguments on the stack, pushes its results, and
// returns the result count. Returning the error produced by Yield suspends
// the running guest stack instead of returning normally.
type Callable func(ctx context.Context, l StateID) (int, error)

// yieldSignal is returned from a Callable to request suspension. The VM's
// dispatcher translates it into the native yield-with-continuation primitive;
// it never escapes to bridge callers.
type yieldSignal struct {
	nresults int
	cont     CallableID
}

func (y *yieldSignal) Error() string {
	return fmt.Sprintf("yield %d values (continuation %d)", y.nresults, y.cont)
}

// Yield builds the sentinel error a Callable returns to suspend the guest
// stack. The top nresults stack values become the yielded values; cont is
// invoked on the resuming state once the host resumes the coroutine.
func Yield(nresults int, cont CallableID) error {
	return &yieldSignal{nresults: nresults, cont: cont}
}

// YieldSignal unpacks an error produced by Yield. VM implementations call
// this from their callable dispatcher.
func YieldSignal(err error) (nresults int, cont CallableID, ok bool) {
	y, ok := err.(*yieldSignal)
	if !ok {
		return 0, 0, false
	}
	return y.nresults, y.cont, true
}

// StateConfig configures a root state.
type StateConfig struct {
	// MemoryMax caps cumulative guest allocation in bytes. 0 means no cap.
	// Growth beyond the cap is rejected at the allocator, which the VM
	// surfaces as its own out-of-memory error.
	MemoryMax uint64
}

// VM is the black-box stack machine the bridge drives. Implementations:
// WazeroVM binds a Lua build compiled to WebAssembly; enginetest.FakeVM is an
// in-process double for bridge tests.
//
// Operations that can execute guest code (loading, resuming, table access
// that may hit metamethods, registry writes) take a context; pure stack
// shuffling does not.
//
// All methods must be called from the single goroutine driving the root
// state. Index 0 is never a valid stack index.
type VM interface {
	// NewState creates a root state with its own allocator.
	NewState(ctx context.Context, cfg StateConfig) (StateID, error)
	// CloseState tears down a root state and every thread spawned from it.
	// Idempotent; unknown ids are ignored.
	CloseState(ctx context.Context, id StateID)
	// NewThread spawns a coroutine stack attached to parent's root and
	// pushes its thread value onto parent's stack.
	NewThread(ctx context.Context, parent StateID) (StateID, error)
	// ResetThread clears a finished or errored thread for reuse.
	ResetThread(ctx context.Context, id StateID) error

	// LoadString compiles source into a function pushed on id's stack.
	// On a non-OK status the compiler diagnostic is pushed instead.
	LoadString(ctx context.Context, id StateID, source, chunkName string) (Status, error)
	// Resume drives id forward, transferring nargs from its stack.
	// Returns the settle status and the number of result/yield values left
	// on id's stack.
	Resume(ctx context.Context, id, from StateID, nargs int) (Status, int, error)
	// XMove moves the top n values from one stack to another within the
	// same root.
	XMove(from, to StateID, n int)

	GetTop(id StateID) int
	SetTop(id StateID, top int)
	Pop(id StateID, n int)
	Remove(id StateID, index int)
	// PushCopy pushes a copy of the value at index.
	PushCopy(id StateID, index int)
	TypeOf(id StateID, index int) Type

	PushNil(id StateID)
	PushBoolean(id StateID, v bool)
	PushInteger(id StateID, v int64)
	PushNumber(id StateID, v float64)
	PushString(id StateID, v string)
	// PushThread pushes id's own thread value onto its own stack.
	PushThread(id StateID)
	// PushCallable pushes the registered native callable as a guest
	// function value.
	PushCallable(id StateID, fn CallableID)

	ToBoolean(id StateID, index int) bool
	ToInteger(id StateID, index int) (int64, bool)
	ToNumber(id StateID, index int) (float64, bool)
	ToString(id StateID, index int) (string, bool)
	ToThread(id StateID, index int) (StateID, bool)
	// ToPointer returns a stable identity for tables, functions, threads
	// and userdata; 0 for other values.
	ToPointer(id StateID, index int) uintptr
	// ToDebugString stringifies the value at index the way the guest's
	// tostring would, including metamethods. The temporary string the VM
	// pushes is popped before returning.
	ToDebugString(ctx context.Context, id StateID, index int) string

	NewTable(ctx context.Context, id StateID) error
	// GetTable pops a key and pushes t[key] for the table at index.
	GetTable(ctx context.Context, id StateID, index int) (Type, error)
	// SetTable pops a value then a key and performs t[key] = value.
	SetTable(ctx context.Context, id StateID, index int) error
	// SetIndex pops a value and performs t[n] = value.
	SetIndex(ctx context.Context, id StateID, index int, n int64) error
	// Next pops a key and pushes the next key/value pair of the table at
	// index, returning false when iteration is exhausted.
	Next(ctx context.Context, id StateID, index int) (bool, error)
	GetGlobal(ctx context.Context, id StateID, name string) (Type, error)
	// SetGlobal pops the top value and binds it to name.
	SetGlobal(ctx context.Context, id StateID, name string) error

	// NewUserdata pushes a fresh userdata whose raw memory carries handle.
	NewUserdata(ctx context.Context, id StateID, handle uint32) error
	// UserdataHandle reads the handle stored in the userdata at index.
	UserdataHandle(id StateID, index int) (uint32, bool)
	// NewMetatable creates (or fetches) the named metatable in the VM
	// registry and pushes it. Returns true when freshly created.
	NewMetatable(ctx context.Context, id StateID, name string) (bool, error)
	// SetMetatableNamed attaches the named registry metatable to the value
	// on top of the stack.
	SetMetatableNamed(ctx context.Context, id StateID, name string) error
	// SetMetatable pops a table and sets it as metatable of the value at
	// index.
	SetMetatable(id StateID, index int)
	// TestUserdata returns the stored handle when the userdata at index
	// carries the named metatable.
	TestUserdata(id StateID, index int, name string) (uint32, bool)

	// Ref pops the top value into the VM registry and returns its slot.
	Ref(ctx context.Context, id StateID) (int, error)
	Unref(id StateID, ref int)
	PushRef(id StateID, ref int)

	// RegisterCallable installs fn into the native callable table.
	// Every registration mints an independent slot.
	RegisterCallable(fn Callable) CallableID
	// ReleaseCallable frees a slot. Unknown or already-released slots are
	// ignored.
	ReleaseCallable(fn CallableID)
	// Invoke dispatches a registered callable on l. Used by metamethod
	// trampolines; yields propagate as with direct guest calls.
	Invoke(ctx context.Context, fn CallableID, l StateID) (int, error)

	// MemoryUsed reports cumulative live allocation of root's allocator.
	MemoryUsed(root StateID) uint64
	MemoryMax(root StateID) uint64
	SetMemoryMax(root StateID, max uint64)

	// Close tears down the whole VM. Idempotent.
	Close(ctx context.Context) error
}
