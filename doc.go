// Package wasmoon embeds a Lua 5.4 VM compiled to WebAssembly and bridges
// values, functions and asynchronous results between Go and guest code.
//
// A Factory wraps the VM binary; each Instance hosts one wasm module with a
// root execution context on it:
//
//	factory := wasmoon.NewFactory(luaWasm, wasmoon.Config{})
//	lua, err := factory.NewInstance(ctx, runtime.Config{MemoryMax: 64 << 20})
//	if err != nil {
//	    return err
//	}
//	defer lua.Close(ctx)
//
//	err = lua.SetWith(ctx, "fetch", wasmoon.Func(fetch), runtime.PushOptions{Await: true})
//	results, err := lua.DoString(ctx, `return fetch("https://example.com"):await()`)
//
// Host functions bound with Await that return a *runtime.Promise suspend the
// calling guest coroutine until the promise settles; everything else crosses
// the bridge as plain values. See package runtime for conversion rules and
// the concurrency model.
package wasmoon
