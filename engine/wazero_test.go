package engine

import "testing"

// newBareVM builds a WazeroVM with only its bookkeeping maps, enough to
// exercise state tracking without a wasm instance behind it.
func newBareVM() *WazeroVM {
	return &WazeroVM{
		callables:   make(map[CallableID]Callable),
		meters:      make(map[StateID]*Meter),
		tokens:      make(map[uint32]*Meter),
		roots:       make(map[StateID]StateID),
		conts:       make(map[StateID]CallableID),
		stateTokens: make(map[StateID]uint32),
		nextToken:   1,
	}
}

func TestForgetStateRetiresAllocatorToken(t *testing.T) {
	v := newBareVM()

	// Two create/close cycles the way NewState tracks them.
	for cycle := range 2 {
		token := v.nextToken
		v.nextToken++
		meter := NewMeter(1024)
		id := StateID(cycle + 1)

		v.tokens[token] = meter
		v.meters[id] = meter
		v.stateTokens[id] = token
		v.roots[id] = id
		// A spawned thread under the root, with a pending continuation.
		thread := StateID(100 + cycle)
		v.roots[thread] = id
		v.conts[thread] = CallableID(7)

		v.forgetState(id)

		if len(v.tokens) != 0 {
			t.Fatalf("cycle %d: %d allocator tokens survive close", cycle, len(v.tokens))
		}
		if len(v.meters) != 0 || len(v.stateTokens) != 0 {
			t.Fatalf("cycle %d: meter bookkeeping survives close", cycle)
		}
		if len(v.roots) != 0 || len(v.conts) != 0 {
			t.Fatalf("cycle %d: thread bookkeeping survives close", cycle)
		}
	}
}

func TestForgetStateLeavesOtherRootsAlone(t *testing.T) {
	v := newBareVM()

	a, b := StateID(1), StateID(2)
	v.meters[a] = NewMeter(0)
	v.meters[b] = NewMeter(0)
	v.tokens[1] = v.meters[a]
	v.tokens[2] = v.meters[b]
	v.stateTokens[a] = 1
	v.stateTokens[b] = 2
	v.roots[a] = a
	v.roots[b] = b

	v.forgetState(a)

	if _, ok := v.tokens[2]; !ok {
		t.Fatal("closing one root dropped the other root's allocator token")
	}
	if _, ok := v.meters[b]; !ok {
		t.Fatal("closing one root dropped the other root's meter")
	}
}
