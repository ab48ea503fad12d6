package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/timstableford/wasmoon"
	"github.com/timstableford/wasmoon/runtime"
)

func main() {
	var (
		wasmFile    = flag.String("wasm", "", "Path to the Lua VM wasm binary")
		scriptFile  = flag.String("script", "", "Lua source file to run")
		expr        = flag.String("e", "", "Lua source to run inline")
		memLimit    = flag.Uint64("mem", 0, "Guest allocation ceiling in bytes (0 = unlimited)")
		interactive = flag.Bool("i", false, "Interactive REPL with TUI")
	)
	flag.Parse()

	if *wasmFile == "" {
		fmt.Fprintln(os.Stderr, "Usage: run -wasm <lua.wasm> -script <file.lua>")
		fmt.Fprintln(os.Stderr, "       run -wasm <lua.wasm> -e 'return 1 + 1'")
		fmt.Fprintln(os.Stderr, "       run -wasm <lua.wasm> -i  (interactive REPL)")
		os.Exit(1)
	}

	if *interactive {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			fmt.Fprintln(os.Stderr, "Error: -i requires a terminal")
			os.Exit(1)
		}
		if err := runInteractive(*wasmFile, *memLimit); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*wasmFile, *scriptFile, *expr, *memLimit); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(wasmFile, scriptFile, expr string, memLimit uint64) error {
	ctx := context.Background()

	wasmBytes, err := os.ReadFile(wasmFile)
	if err != nil {
		return fmt.Errorf("read wasm: %w", err)
	}

	factory := wasmoon.NewFactory(wasmBytes, wasmoon.Config{})
	lua, err := factory.NewInstance(ctx, runtime.Config{MemoryMax: memLimit})
	if err != nil {
		return fmt.Errorf("instantiate: %w", err)
	}
	defer lua.Close(ctx)

	var results []any
	switch {
	case scriptFile != "":
		results, err = lua.DoFile(ctx, scriptFile)
	case expr != "":
		results, err = lua.DoString(ctx, expr)
	default:
		return fmt.Errorf("nothing to run: pass -script, -e or -i")
	}
	if err != nil {
		return err
	}

	for _, r := range results {
		fmt.Println(formatValue(r))
	}
	if memLimit > 0 {
		fmt.Printf("memory: %d / %d bytes\n", lua.MemoryUsed(), lua.MemoryMax())
	}
	return nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "nil"
	case string:
		return x
	case runtime.RawPointer:
		return x.String
	default:
		return fmt.Sprintf("%v", x)
	}
}
