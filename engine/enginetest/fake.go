// Package enginetest provides an in-process implementation of engine.VM for
// bridge tests. Guest programs are scripted as Go functions registered
// against their source text; coroutines are modeled with a goroutine and a
// channel pair.
//
// The fake enforces the same contracts the real binding does: per-call stack
// frames, registry references, named metatables with __index/__call/__gc
// dispatch, one pending continuation per state, and allocation accounting
// against a Meter.
package enginetest

import (
	"context"
	"fmt"
	"reflect"
	"strconv"

	"github.com/timstableford/wasmoon/engine"
)

// ChunkFunc is a scripted guest chunk. On entry the state's current frame
// holds the call arguments; the chunk leaves its results on top and returns
// the result count.
type ChunkFunc func(ctx context.Context, f *Frame) (int, error)

type fakeTable struct {
	entries map[any]any
	keys    []any
	meta    *fakeTable
}

func newFakeTable() *fakeTable {
	return &fakeTable{entries: make(map[any]any)}
}

func (t *fakeTable) get(k any) any {
	return t.entries[k]
}

func (t *fakeTable) set(k, v any) {
	_, existed := t.entries[k]
	if v == nil {
		if existed {
			delete(t.entries, k)
		}
		return
	}
	if !existed {
		t.keys = append(t.keys, k)
	}
	t.entries[k] = v
}

type fakeFunction struct {
	chunk    ChunkFunc
	source   string
	callable engine.CallableID
}

type fakeUserdata struct {
	handle    uint32
	meta      *fakeTable
	finalized bool
}

type fakeThread struct {
	id engine.StateID
}

type phase int

const (
	phaseCreated phase = iota
	phaseParked
	phaseDead
)

type yieldPoint struct {
	status   engine.Status
	nresults int
	err      error
}

type coroutine struct {
	resumeCh chan int
	doneCh   chan yieldPoint
	quitCh   chan struct{}
}

type fakeState struct {
	id     engine.StateID
	root   engine.StateID
	stack  []any
	frames []int
	co     *coroutine
	phase  phase
}

func (s *fakeState) base() int {
	if len(s.frames) == 0 {
		return 0
	}
	return s.frames[len(s.frames)-1]
}

// abs translates a (possibly negative) stack index into a slice offset,
// relative to the current frame. Returns -1 when out of range.
func (s *fakeState) abs(index int) int {
	if index == 0 {
		return -1
	}
	var off int
	if index > 0 {
		off = s.base() + index - 1
	} else {
		off = len(s.stack) + index
	}
	if off < s.base() || off >= len(s.stack) {
		return -1
	}
	return off
}

func (s *fakeState) at(index int) any {
	off := s.abs(index)
	if off < 0 {
		return nil
	}
	return s.stack[off]
}

type rootData struct {
	globals  *fakeTable
	registry map[int]any
	nextRef  int
	named    map[string]*fakeTable
	meter    *engine.Meter
	userdata []*fakeUserdata
	closed   bool
}

// FakeVM implements engine.VM in-process. Like the real VM it is driven from
// a single cooperative goroutine; the coroutine channel handoff provides the
// only cross-goroutine synchronization it needs.
type FakeVM struct {
	states       map[engine.StateID]*fakeState
	roots        map[engine.StateID]*rootData
	callables    map[engine.CallableID]engine.Callable
	conts        map[engine.StateID]engine.CallableID
	chunks       map[string]ChunkFunc
	nextState    engine.StateID
	nextCallable engine.CallableID
	closed       bool
}

func New() *FakeVM {
	return &FakeVM{
		states:       make(map[engine.StateID]*fakeState),
		roots:        make(map[engine.StateID]*rootData),
		callables:    make(map[engine.CallableID]engine.Callable),
		conts:        make(map[engine.StateID]engine.CallableID),
		chunks:       make(map[string]ChunkFunc),
		nextState:    1,
		nextCallable: 1,
	}
}

// Script registers a guest chunk under its source text. LoadString of that
// exact text compiles to the chunk; any other text is a syntax error.
func (v *FakeVM) Script(source string, fn ChunkFunc) {
	v.chunks[source] = fn
}

// Approximate per-object allocation charges, in bytes.
const (
	costTable    = 64
	costUserdata = 32
	costThread   = 1024
)

type memPanic struct{}

func (v *FakeVM) rootOf(id engine.StateID) *rootData {
	s, ok := v.states[id]
	if !ok {
		return nil
	}
	return v.roots[s.root]
}

func (v *FakeVM) charge(id engine.StateID, n uint64) error {
	r := v.rootOf(id)
	if r == nil {
		return nil
	}
	if !r.meter.Reserve(0, n) {
		return engineAllocError(n, r.meter)
	}
	return nil
}

func engineAllocError(n uint64, m *engine.Meter) error {
	return fmt.Errorf("not enough memory (allocation of %d bytes, %d of %d in use)", n, m.Used(), m.Max())
}

// --- lifecycle ---

func (v *FakeVM) NewState(_ context.Context, cfg engine.StateConfig) (engine.StateID, error) {
	id := v.nextState
	v.nextState++
	s := &fakeState{id: id, root: id}
	v.states[id] = s
	v.roots[id] = &rootData{
		globals:  newFakeTable(),
		registry: make(map[int]any),
		nextRef:  1,
		named:    make(map[string]*fakeTable),
		meter:    engine.NewMeter(cfg.MemoryMax),
	}
	return id, nil
}

func (v *FakeVM) CloseState(ctx context.Context, id engine.StateID) {
	r, ok := v.roots[id]
	if !ok || r.closed {
		return
	}
	r.closed = true

	// Run pending finalizers the way the guest collector would on close.
	for _, ud := range r.userdata {
		v.finalize(ctx, id, ud)
	}
	r.userdata = nil

	for sid, s := range v.states {
		if s.root != id {
			continue
		}
		if s.co != nil && s.phase == phaseParked {
			close(s.co.quitCh)
		}
		delete(v.states, sid)
		delete(v.conts, sid)
	}
	delete(v.roots, id)
}

func (v *FakeVM) NewThread(_ context.Context, parent engine.StateID) (engine.StateID, error) {
	p, ok := v.states[parent]
	if !ok {
		return 0, fmt.Errorf("enginetest: unknown parent state %d", parent)
	}
	if err := v.charge(parent, costThread); err != nil {
		return 0, err
	}
	id := v.nextState
	v.nextState++
	v.states[id] = &fakeState{id: id, root: p.root}
	p.stack = append(p.stack, fakeThread{id: id})
	return id, nil
}

func (v *FakeVM) ResetThread(_ context.Context, id engine.StateID) error {
	s, ok := v.states[id]
	if !ok {
		return fmt.Errorf("enginetest: unknown state %d", id)
	}
	if s.co != nil && s.phase == phaseParked {
		close(s.co.quitCh)
	}
	s.co = nil
	s.stack = nil
	s.frames = nil
	s.phase = phaseCreated
	delete(v.conts, id)
	return nil
}

// --- loading and execution ---

func (v *FakeVM) LoadString(_ context.Context, id engine.StateID, source, chunkName string) (engine.Status, error) {
	s, ok := v.states[id]
	if !ok {
		return engine.StatusErrRun, fmt.Errorf("enginetest: unknown state %d", id)
	}
	if err := v.charge(id, uint64(len(source))); err != nil {
		s.stack = append(s.stack, "not enough memory")
		return engine.StatusErrMem, nil
	}
	fn, ok := v.chunks[source]
	if !ok {
		head := source
		if len(head) > 12 {
			head = head[:12]
		}
		s.stack = append(s.stack, fmt.Sprintf("[string %q]:1: unexpected symbol near %q", chunkName, head))
		return engine.StatusErrSyntax, nil
	}
	s.stack = append(s.stack, &fakeFunction{chunk: fn, source: source})
	return engine.StatusOK, nil
}

func (v *FakeVM) Resume(ctx context.Context, id, _ engine.StateID, nargs int) (engine.Status, int, error) {
	s, ok := v.states[id]
	if !ok {
		return engine.StatusErrRun, 0, fmt.Errorf("enginetest: unknown state %d", id)
	}

	switch s.phase {
	case phaseDead:
		s.stack = append(s.stack, "cannot resume dead coroutine")
		return engine.StatusErrRun, 1, nil

	case phaseCreated:
		if len(s.stack) < nargs+1 {
			s.stack = append(s.stack, "cannot resume: no function loaded")
			return engine.StatusErrRun, 1, nil
		}
		fnOff := len(s.stack) - nargs - 1
		base := fnOff
		var fn *fakeFunction
		switch target := s.stack[fnOff].(type) {
		case *fakeFunction:
			fn = target
			s.stack = append(s.stack[:fnOff], s.stack[fnOff+1:]...)
		case *fakeUserdata:
			// __call dispatch: the userdata stays in place as the first
			// argument.
			if target.meta != nil {
				fn, _ = target.meta.get("__call").(*fakeFunction)
			}
			if fn == nil {
				s.stack = append(s.stack, "attempt to call a userdata value")
				return engine.StatusErrRun, 1, nil
			}
		default:
			s.stack = append(s.stack, "attempt to call a non-function value")
			return engine.StatusErrRun, 1, nil
		}

		s.co = &coroutine{
			resumeCh: make(chan int),
			doneCh:   make(chan yieldPoint),
			quitCh:   make(chan struct{}),
		}
		go v.runCoroutine(ctx, s, fn, base)

	case phaseParked:
		select {
		case s.co.resumeCh <- nargs:
		case <-ctx.Done():
			return engine.StatusErrRun, 0, ctx.Err()
		}
	}

	select {
	case yp := <-s.co.doneCh:
		if yp.status == engine.StatusYield {
			s.phase = phaseParked
		} else {
			s.phase = phaseDead
		}
		return yp.status, yp.nresults, nil
	case <-ctx.Done():
		return engine.StatusErrRun, 0, ctx.Err()
	}
}

func (v *FakeVM) runCoroutine(ctx context.Context, s *fakeState, fn *fakeFunction, base int) {
	var yp yieldPoint
	func() {
		defer func() {
			if r := recover(); r != nil {
				if _, ok := r.(memPanic); ok {
					s.stack = append(s.stack[:base], "not enough memory")
					yp = yieldPoint{status: engine.StatusErrMem, nresults: 1}
					return
				}
				s.stack = append(s.stack[:base], fmt.Sprint(r))
				yp = yieldPoint{status: engine.StatusErrRun, nresults: 1}
			}
		}()

		s.frames = append(s.frames, base)
		f := &Frame{vm: v, state: s, ctx: ctx}
		var n int
		var err error
		if fn.chunk != nil {
			n, err = fn.chunk(ctx, f)
		} else {
			n, err = v.Invoke(ctx, fn.callable, s.id)
			if err != nil {
				if nres, cont, isYield := engine.YieldSignal(err); isYield {
					if cont != 0 {
						v.conts[s.id] = cont
					}
					n, err = f.suspend(nres, cont)
				}
			}
		}
		s.frames = s.frames[:len(s.frames)-1]

		if err != nil {
			s.stack = append(s.stack[:base], err.Error())
			yp = yieldPoint{status: engine.StatusErrRun, nresults: 1}
			return
		}
		// Keep only the top n values as results.
		results := make([]any, n)
		copy(results, s.stack[len(s.stack)-n:])
		s.stack = append(s.stack[:base], results...)
		yp = yieldPoint{status: engine.StatusOK, nresults: n}
	}()

	select {
	case s.co.doneCh <- yp:
	case <-s.co.quitCh:
	}
}

func (v *FakeVM) XMove(from, to engine.StateID, n int) {
	f, ok1 := v.states[from]
	t, ok2 := v.states[to]
	if !ok1 || !ok2 || n <= 0 || n > len(f.stack)-f.base() {
		return
	}
	moved := f.stack[len(f.stack)-n:]
	t.stack = append(t.stack, moved...)
	f.stack = f.stack[:len(f.stack)-n]
}

// --- stack primitives ---

func (v *FakeVM) GetTop(id engine.StateID) int {
	s, ok := v.states[id]
	if !ok {
		return 0
	}
	return len(s.stack) - s.base()
}

func (v *FakeVM) SetTop(id engine.StateID, top int) {
	s, ok := v.states[id]
	if !ok {
		return
	}
	var target int
	if top >= 0 {
		target = s.base() + top
	} else {
		target = len(s.stack) + top + 1
	}
	if target < s.base() {
		target = s.base()
	}
	for len(s.stack) < target {
		s.stack = append(s.stack, nil)
	}
	s.stack = s.stack[:target]
}

func (v *FakeVM) Pop(id engine.StateID, n int) {
	v.SetTop(id, -n-1)
}

func (v *FakeVM) Remove(id engine.StateID, index int) {
	s, ok := v.states[id]
	if !ok {
		return
	}
	off := s.abs(index)
	if off < 0 {
		return
	}
	s.stack = append(s.stack[:off], s.stack[off+1:]...)
}

func (v *FakeVM) PushCopy(id engine.StateID, index int) {
	s, ok := v.states[id]
	if !ok {
		return
	}
	s.stack = append(s.stack, s.at(index))
}

func (v *FakeVM) TypeOf(id engine.StateID, index int) engine.Type {
	s, ok := v.states[id]
	if !ok {
		return engine.TypeNone
	}
	if s.abs(index) < 0 {
		return engine.TypeNone
	}
	return typeOf(s.at(index))
}

func typeOf(val any) engine.Type {
	switch val.(type) {
	case nil:
		return engine.TypeNil
	case bool:
		return engine.TypeBoolean
	case int64, float64:
		return engine.TypeNumber
	case string:
		return engine.TypeString
	case *fakeTable:
		return engine.TypeTable
	case *fakeFunction:
		return engine.TypeFunction
	case *fakeUserdata:
		return engine.TypeUserdata
	case fakeThread:
		return engine.TypeThread
	default:
		return engine.TypeNone
	}
}

func (v *FakeVM) push(id engine.StateID, val any) {
	if s, ok := v.states[id]; ok {
		s.stack = append(s.stack, val)
	}
}

func (v *FakeVM) PushNil(id engine.StateID) { v.push(id, nil) }

func (v *FakeVM) PushBoolean(id engine.StateID, b bool) { v.push(id, b) }

func (v *FakeVM) PushInteger(id engine.StateID, n int64) { v.push(id, n) }

func (v *FakeVM) PushNumber(id engine.StateID, f float64) { v.push(id, f) }

func (v *FakeVM) PushString(id engine.StateID, str string) { v.push(id, str) }

func (v *FakeVM) PushThread(id engine.StateID) { v.push(id, fakeThread{id: id}) }

func (v *FakeVM) PushCallable(id engine.StateID, fn engine.CallableID) {
	v.push(id, &fakeFunction{callable: fn})
}

func (v *FakeVM) ToBoolean(id engine.StateID, index int) bool {
	s, ok := v.states[id]
	if !ok {
		return false
	}
	switch val := s.at(index).(type) {
	case nil:
		return false
	case bool:
		return val
	default:
		return true
	}
}

func (v *FakeVM) ToInteger(id engine.StateID, index int) (int64, bool) {
	s, ok := v.states[id]
	if !ok {
		return 0, false
	}
	n, ok := s.at(index).(int64)
	return n, ok
}

func (v *FakeVM) ToNumber(id engine.StateID, index int) (float64, bool) {
	s, ok := v.states[id]
	if !ok {
		return 0, false
	}
	switch val := s.at(index).(type) {
	case int64:
		return float64(val), true
	case float64:
		return val, true
	default:
		return 0, false
	}
}

func (v *FakeVM) ToString(id engine.StateID, index int) (string, bool) {
	s, ok := v.states[id]
	if !ok {
		return "", false
	}
	str, ok := s.at(index).(string)
	return str, ok
}

func (v *FakeVM) ToThread(id engine.StateID, index int) (engine.StateID, bool) {
	s, ok := v.states[id]
	if !ok {
		return 0, false
	}
	t, ok := s.at(index).(fakeThread)
	if !ok {
		return 0, false
	}
	return t.id, true
}

func (v *FakeVM) ToPointer(id engine.StateID, index int) uintptr {
	s, ok := v.states[id]
	if !ok {
		return 0
	}
	switch val := s.at(index).(type) {
	case *fakeTable, *fakeFunction, *fakeUserdata:
		return reflect.ValueOf(val).Pointer()
	case fakeThread:
		if ts, ok := v.states[val.id]; ok {
			return reflect.ValueOf(ts).Pointer()
		}
	}
	return 0
}

func (v *FakeVM) ToDebugString(_ context.Context, id engine.StateID, index int) string {
	s, ok := v.states[id]
	if !ok {
		return ""
	}
	switch val := s.at(index).(type) {
	case nil:
		return "nil"
	case bool:
		return strconv.FormatBool(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case string:
		return val
	default:
		return fmt.Sprintf("%s: 0x%08x", typeOf(val), v.ToPointer(id, index))
	}
}

// --- tables ---

func (v *FakeVM) NewTable(_ context.Context, id engine.StateID) error {
	if err := v.charge(id, costTable); err != nil {
		return err
	}
	v.push(id, newFakeTable())
	return nil
}

// rawGet resolves container[key], following __index chains for tables and
// userdata the way the guest VM would.
func rawGet(container, key any) any {
	for range 16 { // cap metatable chains
		switch c := container.(type) {
		case *fakeTable:
			if val := c.get(key); val != nil {
				return val
			}
			if c.meta == nil {
				return nil
			}
			next := c.meta.get("__index")
			if next == nil {
				return nil
			}
			container = next
		case *fakeUserdata:
			if c.meta == nil {
				return nil
			}
			next := c.meta.get("__index")
			if next == nil {
				return nil
			}
			container = next
		default:
			return nil
		}
	}
	return nil
}

func (v *FakeVM) GetTable(_ context.Context, id engine.StateID, index int) (engine.Type, error) {
	s, ok := v.states[id]
	if !ok {
		return engine.TypeNone, fmt.Errorf("enginetest: unknown state %d", id)
	}
	container := s.at(index)
	key := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]

	val := rawGet(container, normalizeKey(key))
	s.stack = append(s.stack, val)
	return typeOf(val), nil
}

// normalizeKey folds float keys with integral values into int64, matching
// the guest's key normalization.
func normalizeKey(key any) any {
	if f, ok := key.(float64); ok && f == float64(int64(f)) {
		return int64(f)
	}
	return key
}

func (v *FakeVM) SetTable(_ context.Context, id engine.StateID, index int) error {
	s, ok := v.states[id]
	if !ok {
		return fmt.Errorf("enginetest: unknown state %d", id)
	}
	t, isTable := s.at(index).(*fakeTable)
	val := s.stack[len(s.stack)-1]
	key := s.stack[len(s.stack)-2]
	s.stack = s.stack[:len(s.stack)-2]
	if !isTable {
		return fmt.Errorf("enginetest: set on non-table value")
	}
	t.set(normalizeKey(key), val)
	return nil
}

func (v *FakeVM) SetIndex(_ context.Context, id engine.StateID, index int, n int64) error {
	s, ok := v.states[id]
	if !ok {
		return fmt.Errorf("enginetest: unknown state %d", id)
	}
	t, isTable := s.at(index).(*fakeTable)
	val := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	if !isTable {
		return fmt.Errorf("enginetest: set on non-table value")
	}
	t.set(n, val)
	return nil
}

func (v *FakeVM) Next(_ context.Context, id engine.StateID, index int) (bool, error) {
	s, ok := v.states[id]
	if !ok {
		return false, fmt.Errorf("enginetest: unknown state %d", id)
	}
	t, isTable := s.at(index).(*fakeTable)
	key := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	if !isTable {
		return false, fmt.Errorf("enginetest: iteration over non-table value")
	}

	start := 0
	if key != nil {
		for i, k := range t.keys {
			if k == normalizeKey(key) {
				start = i + 1
				break
			}
		}
	}
	for _, k := range t.keys[start:] {
		if val, live := t.entries[k]; live {
			s.stack = append(s.stack, k, val)
			return true, nil
		}
		start++
	}
	return false, nil
}

func (v *FakeVM) GetGlobal(_ context.Context, id engine.StateID, name string) (engine.Type, error) {
	r := v.rootOf(id)
	if r == nil {
		return engine.TypeNone, fmt.Errorf("enginetest: unknown state %d", id)
	}
	val := r.globals.get(name)
	v.push(id, val)
	return typeOf(val), nil
}

func (v *FakeVM) SetGlobal(_ context.Context, id engine.StateID, name string) error {
	s, ok := v.states[id]
	r := v.rootOf(id)
	if !ok || r == nil {
		return fmt.Errorf("enginetest: unknown state %d", id)
	}
	val := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	r.globals.set(name, val)
	return nil
}

// --- userdata and metatables ---

func (v *FakeVM) NewUserdata(_ context.Context, id engine.StateID, handle uint32) error {
	if err := v.charge(id, costUserdata); err != nil {
		return err
	}
	ud := &fakeUserdata{handle: handle}
	if r := v.rootOf(id); r != nil {
		r.userdata = append(r.userdata, ud)
	}
	v.push(id, ud)
	return nil
}

func (v *FakeVM) UserdataHandle(id engine.StateID, index int) (uint32, bool) {
	s, ok := v.states[id]
	if !ok {
		return 0, false
	}
	ud, ok := s.at(index).(*fakeUserdata)
	if !ok {
		return 0, false
	}
	return ud.handle, true
}

func (v *FakeVM) NewMetatable(_ context.Context, id engine.StateID, name string) (bool, error) {
	r := v.rootOf(id)
	if r == nil {
		return false, fmt.Errorf("enginetest: unknown state %d", id)
	}
	if mt, ok := r.named[name]; ok {
		v.push(id, mt)
		return false, nil
	}
	mt := newFakeTable()
	r.named[name] = mt
	v.push(id, mt)
	return true, nil
}

func (v *FakeVM) SetMetatableNamed(_ context.Context, id engine.StateID, name string) error {
	s, ok := v.states[id]
	r := v.rootOf(id)
	if !ok || r == nil {
		return fmt.Errorf("enginetest: unknown state %d", id)
	}
	mt, ok := r.named[name]
	if !ok {
		return fmt.Errorf("enginetest: metatable %q not registered", name)
	}
	switch val := s.stack[len(s.stack)-1].(type) {
	case *fakeTable:
		val.meta = mt
	case *fakeUserdata:
		val.meta = mt
	default:
		return fmt.Errorf("enginetest: cannot set metatable on %s", typeOf(val))
	}
	return nil
}

func (v *FakeVM) SetMetatable(id engine.StateID, index int) {
	s, ok := v.states[id]
	if !ok {
		return
	}
	// The index is interpreted before the metatable is popped.
	target := s.at(index)
	mt, _ := s.stack[len(s.stack)-1].(*fakeTable)
	s.stack = s.stack[:len(s.stack)-1]
	switch val := target.(type) {
	case *fakeTable:
		val.meta = mt
	case *fakeUserdata:
		val.meta = mt
	}
}

func (v *FakeVM) TestUserdata(id engine.StateID, index int, name string) (uint32, bool) {
	s, ok := v.states[id]
	r := v.rootOf(id)
	if !ok || r == nil {
		return 0, false
	}
	ud, ok := s.at(index).(*fakeUserdata)
	if !ok {
		return 0, false
	}
	mt, ok := r.named[name]
	if !ok || ud.meta != mt {
		return 0, false
	}
	return ud.handle, true
}

// --- registry references ---

func (v *FakeVM) Ref(_ context.Context, id engine.StateID) (int, error) {
	s, ok := v.states[id]
	r := v.rootOf(id)
	if !ok || r == nil {
		return 0, fmt.Errorf("enginetest: unknown state %d", id)
	}
	val := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	ref := r.nextRef
	r.nextRef++
	r.registry[ref] = val
	return ref, nil
}

func (v *FakeVM) Unref(id engine.StateID, ref int) {
	if r := v.rootOf(id); r != nil {
		delete(r.registry, ref)
	}
}

func (v *FakeVM) PushRef(id engine.StateID, ref int) {
	r := v.rootOf(id)
	if r == nil {
		return
	}
	v.push(id, r.registry[ref])
}

// --- native callables ---

func (v *FakeVM) RegisterCallable(fn engine.Callable) engine.CallableID {
	id := v.nextCallable
	v.nextCallable++
	v.callables[id] = fn
	return id
}

func (v *FakeVM) ReleaseCallable(fn engine.CallableID) {
	delete(v.callables, fn)
}

func (v *FakeVM) Invoke(ctx context.Context, fn engine.CallableID, l engine.StateID) (int, error) {
	cb, ok := v.callables[fn]
	if !ok {
		return 0, fmt.Errorf("enginetest: native callable %d released", fn)
	}
	return cb(ctx, l)
}

// --- memory accounting ---

func (v *FakeVM) MemoryUsed(root engine.StateID) uint64 {
	if r, ok := v.roots[root]; ok {
		return r.meter.Used()
	}
	return 0
}

func (v *FakeVM) MemoryMax(root engine.StateID) uint64 {
	if r, ok := v.roots[root]; ok {
		return r.meter.Max()
	}
	return 0
}

func (v *FakeVM) SetMemoryMax(root engine.StateID, max uint64) {
	if r, ok := v.roots[root]; ok {
		r.meter.SetMax(max)
	}
}

func (v *FakeVM) Close(_ context.Context) error {
	v.closed = true
	return nil
}

// --- garbage collection simulation ---

// finalize runs a userdata's __gc callable once, on the root state.
func (v *FakeVM) finalize(ctx context.Context, root engine.StateID, ud *fakeUserdata) {
	if ud.finalized {
		return
	}
	ud.finalized = true
	if ud.meta == nil {
		return
	}
	gc, ok := ud.meta.get("__gc").(*fakeFunction)
	if !ok || gc.callable == 0 {
		return
	}
	s, live := v.states[root]
	if !live {
		return
	}
	// Finalizers see the userdata as their only argument.
	s.frames = append(s.frames, len(s.stack))
	s.stack = append(s.stack, ud)
	if _, err := v.Invoke(ctx, gc.callable, root); err != nil {
		// Guest collectors swallow finalizer errors.
		_ = err
	}
	base := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]
	s.stack = s.stack[:base]
}

// Collect simulates a full garbage-collection cycle on root: userdata not
// reachable from any stack, global, or registry slot of the root have their
// __gc callable invoked and are dropped.
func (v *FakeVM) Collect(ctx context.Context, root engine.StateID) {
	r, ok := v.roots[root]
	if !ok {
		return
	}

	marked := make(map[*fakeUserdata]bool)
	seen := make(map[any]bool)

	var mark func(val any)
	mark = func(val any) {
		switch c := val.(type) {
		case *fakeTable:
			if seen[c] {
				return
			}
			seen[c] = true
			for k, e := range c.entries {
				mark(k)
				mark(e)
			}
			if c.meta != nil {
				mark(c.meta)
			}
		case *fakeUserdata:
			marked[c] = true
		case fakeThread:
			if ts, live := v.states[c.id]; live && !seen[ts] {
				seen[ts] = true
				for _, sv := range ts.stack {
					mark(sv)
				}
			}
		}
	}

	for _, s := range v.states {
		if s.root != root {
			continue
		}
		for _, sv := range s.stack {
			mark(sv)
		}
	}
	mark(r.globals)
	for _, val := range r.registry {
		mark(val)
	}

	var live []*fakeUserdata
	for _, ud := range r.userdata {
		if marked[ud] {
			live = append(live, ud)
			continue
		}
		v.finalize(ctx, root, ud)
	}
	r.userdata = live
}

// LiveUserdata reports the userdata not yet collected under root.
func (v *FakeVM) LiveUserdata(root engine.StateID) int {
	if r, ok := v.roots[root]; ok {
		return len(r.userdata)
	}
	return 0
}

// --- scripted chunk support ---

// Frame is the view a scripted chunk has of its state: the ordinary stack
// primitives plus call and yield, mirroring what compiled guest code can do.
type Frame struct {
	vm    *FakeVM
	state *fakeState
	ctx   context.Context
}

func (f *Frame) ID() engine.StateID { return f.state.id }

func (f *Frame) Top() int { return f.vm.GetTop(f.state.id) }

func (f *Frame) PushNil() { f.vm.PushNil(f.state.id) }

func (f *Frame) PushBoolean(b bool) { f.vm.PushBoolean(f.state.id, b) }

func (f *Frame) PushInteger(n int64) { f.vm.PushInteger(f.state.id, n) }

func (f *Frame) PushNumber(x float64) { f.vm.PushNumber(f.state.id, x) }

func (f *Frame) PushString(s string) { f.vm.PushString(f.state.id, s) }

func (f *Frame) PushCopy(index int) { f.vm.PushCopy(f.state.id, index) }

func (f *Frame) Pop(n int) { f.vm.Pop(f.state.id, n) }

func (f *Frame) TypeOf(index int) engine.Type { return f.vm.TypeOf(f.state.id, index) }

func (f *Frame) ToString(index int) (string, bool) { return f.vm.ToString(f.state.id, index) }

func (f *Frame) ToInteger(index int) (int64, bool) { return f.vm.ToInteger(f.state.id, index) }

func (f *Frame) ToNumber(index int) (float64, bool) { return f.vm.ToNumber(f.state.id, index) }

// NewTable pushes a fresh table, converting ceiling rejections into the
// guest's out-of-memory unwinding.
func (f *Frame) NewTable() {
	if err := f.vm.NewTable(f.ctx, f.state.id); err != nil {
		panic(memPanic{})
	}
}

func (f *Frame) GetGlobal(name string) engine.Type {
	t, _ := f.vm.GetGlobal(f.ctx, f.state.id, name)
	return t
}

func (f *Frame) SetGlobal(name string) {
	_ = f.vm.SetGlobal(f.ctx, f.state.id, name)
}

// GetField pushes container[key] for the container at index.
func (f *Frame) GetField(index int, key string) engine.Type {
	off := f.state.abs(index)
	f.vm.PushString(f.state.id, key)
	t, _ := f.vm.GetTable(f.ctx, f.state.id, off-f.state.base()+1)
	return t
}

// Call invokes the function at stack position top-nargs with the top nargs
// values as arguments, leaving its results on top. Userdata with a __call
// metamethod dispatch like functions, with the userdata prepended as the
// first argument.
func (f *Frame) Call(nargs int) (int, error) {
	s := f.state
	fnOff := len(s.stack) - nargs - 1
	target := s.stack[fnOff]

	if ud, ok := target.(*fakeUserdata); ok {
		if ud.meta == nil {
			return 0, fmt.Errorf("attempt to call a userdata value")
		}
		call, ok := ud.meta.get("__call").(*fakeFunction)
		if !ok {
			return 0, fmt.Errorf("attempt to call a userdata value")
		}
		// __call(self, args...): self is already in position below args.
		s.stack[fnOff] = call
		args := append([]any{ud}, s.stack[fnOff+1:]...)
		s.stack = append(s.stack[:fnOff+1], args...)
		return f.Call(nargs + 1)
	}

	fn, ok := target.(*fakeFunction)
	if !ok {
		return 0, fmt.Errorf("attempt to call a %s value", typeOf(target))
	}
	s.stack = append(s.stack[:fnOff], s.stack[fnOff+1:]...)
	base := len(s.stack) - nargs
	s.frames = append(s.frames, base)

	var n int
	var err error
	if fn.chunk != nil {
		sub := &Frame{vm: f.vm, state: s, ctx: f.ctx}
		n, err = fn.chunk(f.ctx, sub)
	} else {
		n, err = f.vm.Invoke(f.ctx, fn.callable, s.id)
	}

	if err != nil {
		if nres, cont, isYield := engine.YieldSignal(err); isYield {
			if cont != 0 {
				f.vm.conts[s.id] = cont
			}
			n, err = f.suspend(nres, cont)
		}
	}

	s.frames = s.frames[:len(s.frames)-1]
	if err != nil {
		return 0, err
	}
	results := make([]any, n)
	copy(results, s.stack[len(s.stack)-n:])
	s.stack = append(s.stack[:base], results...)
	return n, nil
}

// suspend parks the coroutine goroutine at a yield point and, once resumed,
// drives the registered continuation. Its return count completes the
// original native call.
func (f *Frame) suspend(nresults int, cont engine.CallableID) (int, error) {
	s := f.state
	select {
	case s.co.doneCh <- yieldPoint{status: engine.StatusYield, nresults: nresults}:
	case <-s.co.quitCh:
		return 0, fmt.Errorf("coroutine abandoned")
	}
	select {
	case <-s.co.resumeCh:
	case <-s.co.quitCh:
		return 0, fmt.Errorf("coroutine abandoned")
	}

	if cont == 0 {
		// Plain yield: resume arguments (none in this bridge) become the
		// call's results.
		return 0, nil
	}
	if pending, ok := f.vm.conts[s.id]; ok && pending == cont {
		delete(f.vm.conts, s.id)
	}
	return f.vm.Invoke(f.ctx, cont, s.id)
}

// Yield suspends the chunk itself with the top nresults values as the yield
// payload, resuming with no values. Models a plain coroutine.yield.
func (f *Frame) Yield(nresults int) error {
	_, err := f.suspend(nresults, 0)
	return err
}

// PushFunction pushes a guest function value backed by a Go chunk. Models a
// function defined by guest code.
func (f *Frame) PushFunction(fn ChunkFunc) {
	f.state.stack = append(f.state.stack, &fakeFunction{chunk: fn})
}
