package wasmoon

import (
	"context"

	"github.com/timstableford/wasmoon/engine"
	"github.com/timstableford/wasmoon/errors"
	"github.com/timstableford/wasmoon/runtime"
)

// Aliases so common call sites need only this package.
type (
	Func    = runtime.Func
	Promise = runtime.Promise
)

// Async runs fn on its own goroutine and returns the promise of its result.
func Async(fn func() (any, error)) *Promise {
	return runtime.Async(fn)
}

// Config configures the hosting of the VM wasm binary.
type Config struct {
	// MemoryLimitPages caps the wasm linear memory, in 64 KiB pages.
	// 0 uses the runtime default. This bounds the whole instance; per-root
	// allocation ceilings are configured on runtime.Config instead.
	MemoryLimitPages uint32
}

// Factory creates VM instances from one wasm binary.
type Factory struct {
	wasm []byte
	cfg  Config
}

// NewFactory wraps a Lua VM binary compiled to WebAssembly.
func NewFactory(wasmBinary []byte, cfg Config) *Factory {
	return &Factory{wasm: wasmBinary, cfg: cfg}
}

// Instance is a hosted VM with one root context. Closing it tears down the
// root and the wasm instance behind it.
type Instance struct {
	*runtime.Global
	vm *engine.WazeroVM
}

// NewInstance instantiates the binary and creates a root context on it.
func (f *Factory) NewInstance(ctx context.Context, cfg runtime.Config) (*Instance, error) {
	if len(f.wasm) == 0 {
		return nil, errors.InvalidInput(errors.PhaseLoad, "empty wasm binary")
	}
	vm, err := engine.NewWazeroVM(ctx, f.wasm, engine.Config{
		MemoryLimitPages: f.cfg.MemoryLimitPages,
	})
	if err != nil {
		return nil, err
	}
	g, err := runtime.NewGlobal(ctx, vm, cfg)
	if err != nil {
		_ = vm.Close(ctx)
		return nil, err
	}
	return &Instance{Global: g, vm: vm}, nil
}

// Close releases the root context and the wasm instance. Idempotent.
func (i *Instance) Close(ctx context.Context) error {
	err := i.Global.Close(ctx)
	if cerr := i.vm.Close(ctx); err == nil {
		err = cerr
	}
	return err
}
