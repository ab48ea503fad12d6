package engine

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/timstableford/wasmoon/errors"
)

// hostModule is the import namespace the Lua wasm build expects.
const hostModule = "wasmoon"

// Result kinds returned from the invoke/continuation imports. The C shim
// translates kind 1 into lua_error and kind 2 into lua_yieldk.
const (
	invokeReturn = 0
	invokeError  = 1
	invokeYield  = 2
)

// Config holds configuration for VM creation.
type Config struct {
	// MemoryLimitPages caps the wasm linear memory in 64KiB pages.
	// 0 means the wazero default. This bounds the whole VM; per-root
	// ceilings are enforced separately by the allocation gate.
	MemoryLimitPages uint32
}

// WazeroVM implements VM over a Lua 5.4 build compiled to WebAssembly.
//
// The build is expected to carry a thin C shim that flattens the parts of
// the C API that traffic in pointers (strings, userdata payloads, paired
// out-parameters) and routes native callables through the "wasmoon" host
// imports: invoke, continuation, continuation-slot and mem-grow.
type WazeroVM struct {
	runtime wazero.Runtime
	module  api.Module
	mem     api.Memory

	// bg backs the stack primitives that take no context. They only
	// shuffle values and cannot block.
	bg context.Context

	exports wazeroExports

	callables    map[CallableID]Callable
	nextCallable CallableID

	meters map[StateID]*Meter     // root state -> allocation meter
	tokens map[uint32]*Meter      // allocator token -> meter (gate lookup)
	roots  map[StateID]StateID    // any state -> owning root
	conts  map[StateID]CallableID // pending continuation per state

	// stateTokens maps a root state to its allocator token so CloseState
	// can retire the gate entry with the meter.
	stateTokens map[StateID]uint32

	nextToken uint32
	closed    bool
}

type wazeroExports struct {
	alloc, free api.Function

	newState, closeState     api.Function
	newThread, resetThread   api.Function
	loadString, resume       api.Function
	xmove                    api.Function
	getTop, setTop           api.Function
	remove, pushValue, typ   api.Function
	pushNil, pushBoolean     api.Function
	pushInteger, pushNumber  api.Function
	pushString, pushThread   api.Function
	pushCallable             api.Function
	toBoolean, isInteger     api.Function
	toInteger, toNumber      api.Function
	toLString, toThread      api.Function
	toPointer, toStringMeta  api.Function
	newTable, getTable       api.Function
	setTable, setIndex, next api.Function
	getGlobal, setGlobal     api.Function
	newUserdata, udHandle    api.Function
	newMetatable             api.Function
	setMetatableNamed        api.Function
	setMetatable, testUD     api.Function
	ref, unref, pushRef      api.Function
}

// slots maps the binary's export names to the fields they bind to.
func (e *wazeroExports) slots() map[string]*api.Function {
	m := make(map[string]*api.Function, 45)
	m["shim_alloc"] = &e.alloc
	m["shim_free"] = &e.free
	m["shim_newstate"] = &e.newState
	m["shim_close"] = &e.closeState
	m["lua_newthread"] = &e.newThread
	m["lua_resetthread"] = &e.resetThread
	m["shim_loadstring"] = &e.loadString
	m["shim_resume"] = &e.resume
	m["lua_xmove"] = &e.xmove
	m["lua_gettop"] = &e.getTop
	m["lua_settop"] = &e.setTop
	m["shim_remove"] = &e.remove
	m["lua_pushvalue"] = &e.pushValue
	m["lua_type"] = &e.typ
	m["lua_pushnil"] = &e.pushNil
	m["lua_pushboolean"] = &e.pushBoolean
	m["lua_pushinteger"] = &e.pushInteger
	m["lua_pushnumber"] = &e.pushNumber
	m["shim_pushlstring"] = &e.pushString
	m["lua_pushthread"] = &e.pushThread
	m["shim_pushcallable"] = &e.pushCallable
	m["lua_toboolean"] = &e.toBoolean
	m["lua_isinteger"] = &e.isInteger
	m["shim_tointeger"] = &e.toInteger
	m["shim_tonumber"] = &e.toNumber
	m["shim_tolstring"] = &e.toLString
	m["lua_tothread"] = &e.toThread
	m["lua_topointer"] = &e.toPointer
	m["shim_tostring_meta"] = &e.toStringMeta
	m["shim_newtable"] = &e.newTable
	m["lua_gettable"] = &e.getTable
	m["lua_settable"] = &e.setTable
	m["lua_seti"] = &e.setIndex
	m["lua_next"] = &e.next
	m["shim_getglobal"] = &e.getGlobal
	m["shim_setglobal"] = &e.setGlobal
	m["shim_newuserdata"] = &e.newUserdata
	m["shim_userdata_handle"] = &e.udHandle
	m["shim_newmetatable"] = &e.newMetatable
	m["shim_setmetatable"] = &e.setMetatableNamed
	m["lua_setmetatable"] = &e.setMetatable
	m["shim_testudata"] = &e.testUD
	m["shim_ref"] = &e.ref
	m["shim_unref"] = &e.unref
	m["shim_pushref"] = &e.pushRef
	return m
}

// NewWazeroVM compiles and instantiates a Lua VM wasm binary.
func NewWazeroVM(ctx context.Context, wasmBytes []byte, cfg Config) (*WazeroVM, error) {
	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	v := &WazeroVM{
		runtime:      rt,
		bg:           context.Background(),
		callables:    make(map[CallableID]Callable),
		nextCallable: 1,
		meters:       make(map[StateID]*Meter),
		tokens:       make(map[uint32]*Meter),
		roots:        make(map[StateID]StateID),
		conts:        make(map[StateID]CallableID),
		stateTokens:  make(map[StateID]uint32),
		nextToken:    1,
	}

	if err := v.instantiateHost(ctx); err != nil {
		rt.Close(ctx)
		return nil, err
	}

	mod, err := rt.Instantiate(ctx, wasmBytes)
	if err != nil {
		rt.Close(ctx)
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidInput, err, "instantiate VM binary")
	}
	v.module = mod
	v.mem = mod.Memory()
	if v.mem == nil {
		rt.Close(ctx)
		return nil, errors.InvalidInput(errors.PhaseLoad, "VM binary exports no memory")
	}

	for name, slot := range v.exports.slots() {
		fn := mod.ExportedFunction(name)
		if fn == nil {
			rt.Close(ctx)
			return nil, errors.NotFound(errors.PhaseLoad, "VM export", name)
		}
		*slot = fn
	}

	return v, nil
}

// instantiateHost builds the "wasmoon" import module: callable dispatch,
// continuation dispatch and the allocation gate.
func (v *WazeroVM) instantiateHost(ctx context.Context) error {
	builder := v.runtime.NewHostModuleBuilder(hostModule)

	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(v.hostInvoke),
			[]api.ValueType{api.ValueTypeI32, api.ValueTypeI32},
			[]api.ValueType{api.ValueTypeI64}).
		Export("invoke")

	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(v.hostContinuation),
			[]api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32},
			[]api.ValueType{api.ValueTypeI64}).
		Export("continuation")

	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(v.hostContinuationSlot),
			[]api.ValueType{api.ValueTypeI32},
			[]api.ValueType{api.ValueTypeI32}).
		Export("continuation_slot")

	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(v.hostMemGrow),
			[]api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32},
			[]api.ValueType{api.ValueTypeI32}).
		Export("mem_grow")

	if _, err := builder.Instantiate(ctx); err != nil {
		return errors.Wrap(errors.PhaseLoad, errors.KindInvalidInput, err, "instantiate host module")
	}
	return nil
}

// hostInvoke dispatches a guest call of a native callable. stack: [slot, L];
// result: kind<<32|value.
func (v *WazeroVM) hostInvoke(ctx context.Context, _ api.Module, stack []uint64) {
	slot := CallableID(uint32(stack[0]))
	l := StateID(uint32(stack[1]))
	stack[0] = v.dispatch(ctx, slot, l, StatusOK, false)
}

// hostContinuation resumes a suspended native call. stack: [slot, L, status].
func (v *WazeroVM) hostContinuation(ctx context.Context, _ api.Module, stack []uint64) {
	slot := CallableID(uint32(stack[0]))
	l := StateID(uint32(stack[1]))
	status := Status(int32(uint32(stack[2])))
	stack[0] = v.dispatch(ctx, slot, l, status, true)
}

// hostContinuationSlot reports the continuation slot recorded by the last
// yield on L, consumed by the shim before calling lua_yieldk.
func (v *WazeroVM) hostContinuationSlot(_ context.Context, _ api.Module, stack []uint64) {
	l := StateID(uint32(stack[0]))
	stack[0] = uint64(uint32(v.conts[l]))
}

// hostMemGrow is the allocation gate: [token, osize, nsize] -> accept flag.
func (v *WazeroVM) hostMemGrow(_ context.Context, _ api.Module, stack []uint64) {
	token := uint32(stack[0])
	osize := uint64(uint32(stack[1]))
	nsize := uint64(uint32(stack[2]))

	m, ok := v.tokens[token]
	if !ok {
		stack[0] = 1
		return
	}
	if m.Reserve(osize, nsize) {
		stack[0] = 1
		return
	}
	Logger().Debug("allocation rejected by ceiling",
		zap.Uint64("requested", nsize-osize),
		zap.Uint64("used", m.Used()),
		zap.Uint64("max", m.Max()))
	stack[0] = 0
}

func (v *WazeroVM) dispatch(ctx context.Context, slot CallableID, l StateID, status Status, isCont bool) uint64 {
	fn, ok := v.callables[slot]
	if !ok {
		v.pushStringRaw(ctx, l, fmt.Sprintf("native callable %d released", slot))
		return invokeError << 32
	}

	var (
		n   int
		err error
	)
	if isCont {
		// A continuation consumes the pending slot exactly once.
		if v.conts[l] == slot {
			delete(v.conts, l)
		}
		n, err = fn(ctx, l)
		_ = status
	} else {
		n, err = fn(ctx, l)
	}

	if err != nil {
		if nres, cont, ok := YieldSignal(err); ok {
			v.conts[l] = cont
			return invokeYield<<32 | uint64(uint32(nres))
		}
		v.pushStringRaw(ctx, l, err.Error())
		return invokeError << 32
	}
	return invokeReturn<<32 | uint64(uint32(n))
}

// --- guest memory helpers ---

func (v *WazeroVM) writeString(ctx context.Context, s string) (ptr, length uint32, err error) {
	if len(s) == 0 {
		return 0, 0, nil
	}
	res, err := v.exports.alloc.Call(ctx, uint64(len(s)))
	if err != nil {
		return 0, 0, errors.Wrap(errors.PhaseConvert, errors.KindAllocation, err, "guest alloc")
	}
	ptr = uint32(res[0])
	if ptr == 0 || !v.mem.Write(ptr, []byte(s)) {
		return 0, 0, errors.Allocation(uint64(len(s)), 0, 0)
	}
	return ptr, uint32(len(s)), nil
}

func (v *WazeroVM) freeString(ctx context.Context, ptr uint32) {
	if ptr == 0 {
		return
	}
	if _, err := v.exports.free.Call(ctx, uint64(ptr)); err != nil {
		Logger().Warn("guest free failed", zap.Error(err))
	}
}

func (v *WazeroVM) readString(ptr, length uint32) string {
	if ptr == 0 || length == 0 {
		return ""
	}
	b, ok := v.mem.Read(ptr, length)
	if !ok {
		return ""
	}
	return string(b)
}

// call invokes an export, logging traps on the no-context paths.
func (v *WazeroVM) call(ctx context.Context, fn api.Function, args ...uint64) []uint64 {
	res, err := fn.Call(ctx, args...)
	if err != nil {
		Logger().Warn("VM export trapped",
			zap.String("export", fn.Definition().Name()),
			zap.Error(err))
		return nil
	}
	return res
}

func first(res []uint64) uint64 {
	if len(res) == 0 {
		return 0
	}
	return res[0]
}

// --- VM implementation ---

func (v *WazeroVM) NewState(ctx context.Context, cfg StateConfig) (StateID, error) {
	token := v.nextToken
	v.nextToken++
	meter := NewMeter(cfg.MemoryMax)
	v.tokens[token] = meter

	res, err := v.exports.newState.Call(ctx, uint64(token))
	if err != nil {
		delete(v.tokens, token)
		return 0, errors.Wrap(errors.PhaseSetup, errors.KindAllocation, err, "create state")
	}
	id := StateID(uint32(first(res)))
	if id == 0 {
		delete(v.tokens, token)
		return 0, errors.Allocation(0, 0, cfg.MemoryMax)
	}
	v.meters[id] = meter
	v.stateTokens[id] = token
	v.roots[id] = id
	return id, nil
}

func (v *WazeroVM) CloseState(ctx context.Context, id StateID) {
	if _, ok := v.meters[id]; !ok {
		return
	}
	if _, err := v.exports.closeState.Call(ctx, uint64(id)); err != nil {
		Logger().Warn("close state trapped", zap.Error(err))
	}
	v.forgetState(id)
}

// forgetState retires the allocator and continuation bookkeeping of a root
// and every thread spawned under it. The allocator token entry goes with the
// meter so the gate stops honoring requests from a dead state.
func (v *WazeroVM) forgetState(id StateID) {
	delete(v.meters, id)
	if token, ok := v.stateTokens[id]; ok {
		delete(v.tokens, token)
		delete(v.stateTokens, id)
	}
	for s, root := range v.roots {
		if root == id {
			delete(v.roots, s)
			delete(v.conts, s)
		}
	}
}

func (v *WazeroVM) NewThread(ctx context.Context, parent StateID) (StateID, error) {
	res, err := v.exports.newThread.Call(ctx, uint64(parent))
	if err != nil {
		return 0, errors.Wrap(errors.PhaseCall, errors.KindAllocation, err, "spawn thread")
	}
	id := StateID(uint32(first(res)))
	if id == 0 {
		return 0, errors.Allocation(0, 0, 0)
	}
	v.roots[id] = v.roots[parent]
	return id, nil
}

func (v *WazeroVM) ResetThread(ctx context.Context, id StateID) error {
	res, err := v.exports.resetThread.Call(ctx, uint64(id))
	if err != nil {
		return errors.Wrap(errors.PhaseCall, errors.KindRuntime, err, "reset thread")
	}
	if s := Status(int32(uint32(first(res)))); s != StatusOK {
		return errors.Runtime(s.String())
	}
	return nil
}

func (v *WazeroVM) LoadString(ctx context.Context, id StateID, source, chunkName string) (Status, error) {
	srcPtr, srcLen, err := v.writeString(ctx, source)
	if err != nil {
		return StatusErrMem, err
	}
	defer v.freeString(ctx, srcPtr)
	namePtr, nameLen, err := v.writeString(ctx, chunkName)
	if err != nil {
		return StatusErrMem, err
	}
	defer v.freeString(ctx, namePtr)

	res, err := v.exports.loadString.Call(ctx,
		uint64(id), uint64(srcPtr), uint64(srcLen), uint64(namePtr), uint64(nameLen))
	if err != nil {
		return StatusErrRun, errors.Wrap(errors.PhaseCompile, errors.KindRuntime, err, "load chunk")
	}
	return Status(int32(uint32(first(res)))), nil
}

func (v *WazeroVM) Resume(ctx context.Context, id, from StateID, nargs int) (Status, int, error) {
	res, err := v.exports.resume.Call(ctx, uint64(id), uint64(from), uint64(uint32(nargs)))
	if err != nil {
		return StatusErrRun, 0, errors.Wrap(errors.PhaseCall, errors.KindRuntime, err, "resume")
	}
	packed := first(res)
	return Status(int32(uint32(packed >> 32))), int(int32(uint32(packed))), nil
}

func (v *WazeroVM) XMove(from, to StateID, n int) {
	v.call(v.bg, v.exports.xmove, uint64(from), uint64(to), uint64(uint32(n)))
}

func (v *WazeroVM) GetTop(id StateID) int {
	return int(int32(uint32(first(v.call(v.bg, v.exports.getTop, uint64(id))))))
}

func (v *WazeroVM) SetTop(id StateID, top int) {
	v.call(v.bg, v.exports.setTop, uint64(id), uint64(uint32(int32(top))))
}

func (v *WazeroVM) Pop(id StateID, n int) {
	v.SetTop(id, -n-1)
}

func (v *WazeroVM) Remove(id StateID, index int) {
	v.call(v.bg, v.exports.remove, uint64(id), uint64(uint32(int32(index))))
}

func (v *WazeroVM) PushCopy(id StateID, index int) {
	v.call(v.bg, v.exports.pushValue, uint64(id), uint64(uint32(int32(index))))
}

func (v *WazeroVM) TypeOf(id StateID, index int) Type {
	return Type(int32(uint32(first(v.call(v.bg, v.exports.typ, uint64(id), uint64(uint32(int32(index))))))))
}

func (v *WazeroVM) PushNil(id StateID) {
	v.call(v.bg, v.exports.pushNil, uint64(id))
}

func (v *WazeroVM) PushBoolean(id StateID, b bool) {
	var n uint64
	if b {
		n = 1
	}
	v.call(v.bg, v.exports.pushBoolean, uint64(id), n)
}

func (v *WazeroVM) PushInteger(id StateID, n int64) {
	v.call(v.bg, v.exports.pushInteger, uint64(id), uint64(n))
}

func (v *WazeroVM) PushNumber(id StateID, f float64) {
	v.call(v.bg, v.exports.pushNumber, uint64(id), api.EncodeF64(f))
}

func (v *WazeroVM) PushString(id StateID, s string) {
	ptr, length, err := v.writeString(v.bg, s)
	if err != nil {
		Logger().Warn("push string failed", zap.Error(err))
		v.call(v.bg, v.exports.pushNil, uint64(id))
		return
	}
	defer v.freeString(v.bg, ptr)
	v.call(v.bg, v.exports.pushString, uint64(id), uint64(ptr), uint64(length))
}

func (v *WazeroVM) PushThread(id StateID) {
	v.call(v.bg, v.exports.pushThread, uint64(id))
}

func (v *WazeroVM) PushCallable(id StateID, fn CallableID) {
	v.call(v.bg, v.exports.pushCallable, uint64(id), uint64(uint32(fn)))
}

func (v *WazeroVM) ToBoolean(id StateID, index int) bool {
	return uint32(first(v.call(v.bg, v.exports.toBoolean, uint64(id), uint64(uint32(int32(index)))))) != 0
}

func (v *WazeroVM) ToInteger(id StateID, index int) (int64, bool) {
	idx := uint64(uint32(int32(index)))
	if uint32(first(v.call(v.bg, v.exports.isInteger, uint64(id), idx))) == 0 {
		return 0, false
	}
	return int64(first(v.call(v.bg, v.exports.toInteger, uint64(id), idx))), true
}

func (v *WazeroVM) ToNumber(id StateID, index int) (float64, bool) {
	if v.TypeOf(id, index) != TypeNumber {
		return 0, false
	}
	raw := first(v.call(v.bg, v.exports.toNumber, uint64(id), uint64(uint32(int32(index)))))
	return api.DecodeF64(raw), true
}

func (v *WazeroVM) ToString(id StateID, index int) (string, bool) {
	if v.TypeOf(id, index) != TypeString {
		return "", false
	}
	packed := first(v.call(v.bg, v.exports.toLString, uint64(id), uint64(uint32(int32(index)))))
	ptr := uint32(packed >> 32)
	length := uint32(packed)
	return v.readString(ptr, length), true
}

func (v *WazeroVM) ToThread(id StateID, index int) (StateID, bool) {
	t := StateID(uint32(first(v.call(v.bg, v.exports.toThread, uint64(id), uint64(uint32(int32(index)))))))
	return t, t != 0
}

func (v *WazeroVM) ToPointer(id StateID, index int) uintptr {
	return uintptr(uint32(first(v.call(v.bg, v.exports.toPointer, uint64(id), uint64(uint32(int32(index)))))))
}

func (v *WazeroVM) ToDebugString(ctx context.Context, id StateID, index int) string {
	// shim_tostring_meta runs luaL_tolstring, leaving the rendered string
	// pushed; pop it after copying out.
	packed := first(v.call(ctx, v.exports.toStringMeta, uint64(id), uint64(uint32(int32(index)))))
	s := v.readString(uint32(packed>>32), uint32(packed))
	v.Pop(id, 1)
	return s
}

func (v *WazeroVM) NewTable(ctx context.Context, id StateID) error {
	if _, err := v.exports.newTable.Call(ctx, uint64(id)); err != nil {
		return errors.Wrap(errors.PhaseConvert, errors.KindAllocation, err, "new table")
	}
	return nil
}

func (v *WazeroVM) GetTable(ctx context.Context, id StateID, index int) (Type, error) {
	res, err := v.exports.getTable.Call(ctx, uint64(id), uint64(uint32(int32(index))))
	if err != nil {
		return TypeNone, errors.Wrap(errors.PhaseConvert, errors.KindRuntime, err, "get table")
	}
	return Type(int32(uint32(first(res)))), nil
}

func (v *WazeroVM) SetTable(ctx context.Context, id StateID, index int) error {
	if _, err := v.exports.setTable.Call(ctx, uint64(id), uint64(uint32(int32(index)))); err != nil {
		return errors.Wrap(errors.PhaseConvert, errors.KindRuntime, err, "set table")
	}
	return nil
}

func (v *WazeroVM) SetIndex(ctx context.Context, id StateID, index int, n int64) error {
	if _, err := v.exports.setIndex.Call(ctx, uint64(id), uint64(uint32(int32(index))), uint64(n)); err != nil {
		return errors.Wrap(errors.PhaseConvert, errors.KindRuntime, err, "set index")
	}
	return nil
}

func (v *WazeroVM) Next(ctx context.Context, id StateID, index int) (bool, error) {
	res, err := v.exports.next.Call(ctx, uint64(id), uint64(uint32(int32(index))))
	if err != nil {
		return false, errors.Wrap(errors.PhaseConvert, errors.KindRuntime, err, "table iteration")
	}
	return uint32(first(res)) != 0, nil
}

func (v *WazeroVM) GetGlobal(ctx context.Context, id StateID, name string) (Type, error) {
	ptr, length, err := v.writeString(ctx, name)
	if err != nil {
		return TypeNone, err
	}
	defer v.freeString(ctx, ptr)
	res, err := v.exports.getGlobal.Call(ctx, uint64(id), uint64(ptr), uint64(length))
	if err != nil {
		return TypeNone, errors.Wrap(errors.PhaseConvert, errors.KindRuntime, err, "get global")
	}
	return Type(int32(uint32(first(res)))), nil
}

func (v *WazeroVM) SetGlobal(ctx context.Context, id StateID, name string) error {
	ptr, length, err := v.writeString(ctx, name)
	if err != nil {
		return err
	}
	defer v.freeString(ctx, ptr)
	if _, err := v.exports.setGlobal.Call(ctx, uint64(id), uint64(ptr), uint64(length)); err != nil {
		return errors.Wrap(errors.PhaseConvert, errors.KindRuntime, err, "set global")
	}
	return nil
}

func (v *WazeroVM) NewUserdata(ctx context.Context, id StateID, handle uint32) error {
	if _, err := v.exports.newUserdata.Call(ctx, uint64(id), uint64(handle)); err != nil {
		return errors.Wrap(errors.PhaseConvert, errors.KindAllocation, err, "new userdata")
	}
	return nil
}

func (v *WazeroVM) UserdataHandle(id StateID, index int) (uint32, bool) {
	packed := first(v.call(v.bg, v.exports.udHandle, uint64(id), uint64(uint32(int32(index)))))
	if packed>>32 == 0 {
		return 0, false
	}
	return uint32(packed), true
}

func (v *WazeroVM) NewMetatable(ctx context.Context, id StateID, name string) (bool, error) {
	ptr, length, err := v.writeString(ctx, name)
	if err != nil {
		return false, err
	}
	defer v.freeString(ctx, ptr)
	res, err := v.exports.newMetatable.Call(ctx, uint64(id), uint64(ptr), uint64(length))
	if err != nil {
		return false, errors.Wrap(errors.PhaseSetup, errors.KindRuntime, err, "new metatable")
	}
	return uint32(first(res)) != 0, nil
}

func (v *WazeroVM) SetMetatableNamed(ctx context.Context, id StateID, name string) error {
	ptr, length, err := v.writeString(ctx, name)
	if err != nil {
		return err
	}
	defer v.freeString(ctx, ptr)
	if _, err := v.exports.setMetatableNamed.Call(ctx, uint64(id), uint64(ptr), uint64(length)); err != nil {
		return errors.Wrap(errors.PhaseConvert, errors.KindRuntime, err, "set named metatable")
	}
	return nil
}

func (v *WazeroVM) SetMetatable(id StateID, index int) {
	v.call(v.bg, v.exports.setMetatable, uint64(id), uint64(uint32(int32(index))))
}

func (v *WazeroVM) TestUserdata(id StateID, index int, name string) (uint32, bool) {
	ptr, length, err := v.writeString(v.bg, name)
	if err != nil {
		return 0, false
	}
	defer v.freeString(v.bg, ptr)
	packed := first(v.call(v.bg, v.exports.testUD, uint64(id), uint64(uint32(int32(index))), uint64(ptr), uint64(length)))
	if packed>>32 == 0 {
		return 0, false
	}
	return uint32(packed), true
}

func (v *WazeroVM) Ref(ctx context.Context, id StateID) (int, error) {
	res, err := v.exports.ref.Call(ctx, uint64(id))
	if err != nil {
		return 0, errors.Wrap(errors.PhaseConvert, errors.KindRuntime, err, "registry ref")
	}
	return int(int32(uint32(first(res)))), nil
}

func (v *WazeroVM) Unref(id StateID, ref int) {
	v.call(v.bg, v.exports.unref, uint64(id), uint64(uint32(int32(ref))))
}

func (v *WazeroVM) PushRef(id StateID, ref int) {
	v.call(v.bg, v.exports.pushRef, uint64(id), uint64(uint32(int32(ref))))
}

func (v *WazeroVM) RegisterCallable(fn Callable) CallableID {
	id := v.nextCallable
	v.nextCallable++
	v.callables[id] = fn
	return id
}

func (v *WazeroVM) ReleaseCallable(fn CallableID) {
	delete(v.callables, fn)
}

func (v *WazeroVM) Invoke(ctx context.Context, fn CallableID, l StateID) (int, error) {
	cb, ok := v.callables[fn]
	if !ok {
		return 0, errors.NotFound(errors.PhaseCall, "native callable", fmt.Sprintf("%d", fn))
	}
	return cb(ctx, l)
}

func (v *WazeroVM) MemoryUsed(root StateID) uint64 {
	if m, ok := v.meters[root]; ok {
		return m.Used()
	}
	return 0
}

func (v *WazeroVM) MemoryMax(root StateID) uint64 {
	if m, ok := v.meters[root]; ok {
		return m.Max()
	}
	return 0
}

func (v *WazeroVM) SetMemoryMax(root StateID, max uint64) {
	if m, ok := v.meters[root]; ok {
		m.SetMax(max)
	}
}

// pushStringRaw pushes an error message from inside a host import, where the
// usual error plumbing is unavailable.
func (v *WazeroVM) pushStringRaw(ctx context.Context, id StateID, s string) {
	ptr, length, err := v.writeString(ctx, s)
	if err != nil {
		v.call(ctx, v.exports.pushNil, uint64(id))
		return
	}
	defer v.freeString(ctx, ptr)
	v.call(ctx, v.exports.pushString, uint64(id), uint64(ptr), uint64(length))
}

func (v *WazeroVM) Close(ctx context.Context) error {
	if v.closed {
		return nil
	}
	v.closed = true
	return v.runtime.Close(ctx)
}
