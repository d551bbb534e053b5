package svm

import "testing"

// (call/cc (lambda (k) (+ 1 (k 10)))) => 10
func TestCallCCEscapes(t *testing.T) {
	fc := NewCodeBuilder(Intern("escaper"), 1, false)
	fc.Emit(OpConstiPush, 1, 0)
	fc.EmitJump(OpPreCall, 1, "resume")
	fc.Emit(OpConstiPush, 10, 0)
	fc.Emit(OpLref, 0, 0)
	fc.Emit(OpCall, 1, 0)
	fc.Label("resume")
	fc.Emit(OpNumAdd2, 0, 0)
	escaper := buildCode(t, fc)

	cb := mainBuilder()
	cb.EmitJump(OpPreCall, 1, "done")
	cb.EmitConst(OpClosure, 0, escaper)
	cb.Emit(OpPush, 0, 0)
	cb.EmitConst(OpGref, 0, ident("call/cc"))
	cb.Emit(OpCall, 1, 0)
	cb.Label("done")

	vm := newTestVM()
	r := vm.EvalRec(buildCode(t, cb))
	assert(t, r == Value(10), "call/cc escape = %v, want 10", r)
}

// Capturing and immediately invoking a continuation with value V
// yields V with unchanged dynamic context.
func TestCallCCRoundTrip(t *testing.T) {
	vm := newTestVM()
	callcc := BaseModule().FindBinding(Intern("call/cc")).Value
	invoke := MakeSubr(func(vm *VM, args []Value, data any) Value {
		return vm.VMApply1(args[0], Intern("v"))
	}, nil, 1, false, "invoke")

	handlersBefore := vm.handlers
	r := vm.ApplyRec1(callcc, invoke)
	assert(t, r == Value(Intern("v")), "round trip = %v, want v", r)
	assert(t, EqP(vm.handlers, handlersBefore), "dynamic context changed across round trip")
}

func TestDynamicWindOrder(t *testing.T) {
	vm := newTestVM()
	dw := BaseModule().FindBinding(Intern("dynamic-wind")).Value

	var trace []string
	rec := func(tag string) Value {
		return MakeSubr(func(vm *VM, args []Value, data any) Value {
			trace = append(trace, tag)
			return Undefined
		}, nil, 0, false, tag)
	}
	body := MakeSubr(func(vm *VM, args []Value, data any) Value {
		trace = append(trace, "body")
		return Intern("body")
	}, nil, 0, false, "body")

	r := vm.ApplyRec3(dw, rec("b"), body, rec("a"))
	assert(t, r == Value(Intern("body")), "dynamic-wind result = %v, want body", r)
	assert(t, len(trace) == 3 && trace[0] == "b" && trace[1] == "body" && trace[2] == "a",
		"dynamic-wind order = %v", trace)
}

// The body's multiple values survive the after thunk.
func TestDynamicWindPreservesValues(t *testing.T) {
	vm := newTestVM()
	dw := BaseModule().FindBinding(Intern("dynamic-wind")).Value

	null := MakeSubr(func(vm *VM, args []Value, data any) Value {
		return Undefined
	}, nil, 0, false, "null")
	body := MakeSubr(func(vm *VM, args []Value, data any) Value {
		return vm.Values3(1, 2, 3)
	}, nil, 0, false, "producer")

	r := vm.ApplyRec3(dw, null, body, null)
	assert(t, r == Value(1), "primary = %v, want 1", r)
	assert(t, vm.NumResults() == 3, "numVals = %d, want 3", vm.NumResults())
	rs := vm.Results()
	assert(t, rs[1] == Value(2) && rs[2] == Value(3), "values = %v", rs)
}

// Escaping out of a dynamic-wind body via a continuation still runs
// the after thunk exactly once.
func TestDynamicWindAbnormalExit(t *testing.T) {
	vm := newTestVM()
	dw := BaseModule().FindBinding(Intern("dynamic-wind")).Value
	callcc := BaseModule().FindBinding(Intern("call/cc")).Value

	afterCount := 0
	before := MakeSubr(func(vm *VM, args []Value, data any) Value {
		return Undefined
	}, nil, 0, false, "before")
	after := MakeSubr(func(vm *VM, args []Value, data any) Value {
		afterCount++
		return Undefined
	}, nil, 0, false, "after")

	// (call/cc (lambda (k) (dynamic-wind before (lambda () (k 'out)) after)))
	escape := MakeSubr(func(vm *VM, args []Value, data any) Value {
		k := args[0]
		body := MakeSubr(func(vm *VM, args []Value, data any) Value {
			return vm.VMApply1(k, Intern("out"))
		}, nil, 0, false, "jumper")
		return vm.VMApply3(dw, before, body, after)
	}, nil, 1, false, "escape")

	r := vm.ApplyRec1(callcc, escape)
	assert(t, r == Value(Intern("out")), "escape result = %v, want out", r)
	assert(t, afterCount == 1, "after thunk ran %d times, want 1", afterCount)
}

// A partial continuation can be captured, applied in place, and
// applied again later under a different host-stack state.
func TestPartialContinuation(t *testing.T) {
	vm := newTestVM()

	var k Value
	grab := MakeSubr(func(vm *VM, args []Value, data any) Value {
		k = args[0]
		return 0
	}, nil, 1, false, "grab")

	// (+ 10 (call/pc grab))
	oc := NewCodeBuilder(Intern("outer"), 0, false)
	oc.Emit(OpConstiPush, 10, 0)
	oc.EmitJump(OpPreCall, 1, "resume")
	oc.EmitConst(OpConstPush, 0, grab)
	oc.EmitConst(OpGref, 0, ident("call/pc"))
	oc.Emit(OpCall, 1, 0)
	oc.Label("resume")
	oc.Emit(OpNumAdd2, 0, 0)
	outer := &Closure{Code: buildCode(t, oc)}

	r := vm.ApplyRec0(outer)
	assert(t, r == Value(10), "baseline = %v, want 10", r)
	assert(t, k != nil, "partial continuation not captured")

	// applying the partial continuation composes it with the current
	// continuation instead of abandoning it
	r = vm.ApplyRec1(k, 7)
	assert(t, r == Value(17), "spliced result = %v, want 17", r)
	r = vm.ApplyRec1(k, 32)
	assert(t, r == Value(42), "spliced result = %v, want 42", r)
}

// A continuation whose host-stack record is gone may still run, as
// long as control leaves it through a live continuation instead of
// returning to the departed host frame.
func TestGhostContinuationRuns(t *testing.T) {
	vm := newTestVM()
	callcc := BaseModule().FindBinding(Intern("call/cc")).Value

	var ghost, liveK Value
	grabGhost := MakeSubr(func(vm *VM, args []Value, data any) Value {
		ghost = args[0]
		return 0
	}, nil, 1, false, "grab-ghost")
	jumpOut := MakeSubr(func(vm *VM, args []Value, data any) Value {
		if liveK == nil {
			return args[0]
		}
		return vm.VMApply1(liveK, args[0])
	}, nil, 1, false, "jump-out")

	// boundary A: (jump-out (call/cc grab-ghost)); its host record is
	// gone once ApplyRec returns
	inner := MakeSubr(func(vm *VM, args []Value, data any) Value {
		vm.PushCC(func(vm *VM, result Value, data []Value) Value {
			return vm.VMApply1(jumpOut, result)
		}, nil)
		return vm.VMApply1(callcc, grabGhost)
	}, nil, 0, false, "inner")
	r := vm.ApplyRec0(inner)
	assert(t, r == Value(0), "first pass = %v, want 0", r)
	assert(t, ghost != nil, "ghost continuation not captured")

	// boundary B: reinstate the ghost; it resumes grab-ghost's capture
	// point with 42 and leaves through liveK rather than returning
	reenter := MakeSubr(func(vm *VM, args []Value, data any) Value {
		liveK = args[0]
		return vm.VMApply1(ghost, 42)
	}, nil, 1, false, "reenter")
	r = vm.ApplyRec1(callcc, reenter)
	assert(t, r == Value(42), "ghost run = %v, want 42", r)
}

// Returning from a ghost continuation to the departed host frame is an
// error. The error fires outside every user dynamic context, so the
// only way to observe it without the process exiting is a raw
// exception handler that leaves through a live continuation.
func TestGhostContinuationReturn(t *testing.T) {
	vm := newTestVM()
	callcc := BaseModule().FindBinding(Intern("call/cc")).Value

	var ghost, liveK, caught Value
	grab := MakeSubr(func(vm *VM, args []Value, data any) Value {
		ghost = args[0]
		return Intern("captured")
	}, nil, 1, false, "grab")
	r := vm.ApplyRec1(callcc, grab)
	assert(t, r == Value(Intern("captured")), "capture result = %v", r)

	rescue := MakeSubr(func(vm *VM, args []Value, data any) Value {
		caught = args[0]
		return vm.VMApply1(liveK, Intern("rescued"))
	}, nil, 1, false, "rescue")
	vm.exceptionHandler = rescue
	defer func() { vm.exceptionHandler = defaultExceptionHandlerObj }()

	reenter := MakeSubr(func(vm *VM, args []Value, data any) Value {
		liveK = args[0]
		return vm.VMApply1(ghost, 1)
	}, nil, 1, false, "reenter")
	r = vm.ApplyRec1(callcc, reenter)
	assert(t, r == Value(Intern("rescued")), "rescue result = %v", r)
	msg := ConditionMessage(caught)
	assert(t, contains(msg, "ghost continuation"), "unexpected message: %s", msg)
}
