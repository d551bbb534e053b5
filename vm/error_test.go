package svm

import "testing"

func binding(t *testing.T, name string) Value {
	t.Helper()
	g := BaseModule().FindBinding(Intern(name))
	assert(t, g != nil, "no binding for %s", name)
	return g.Value
}

func recorder(tag string, trace *[]string) Value {
	return MakeSubr(func(vm *VM, args []Value, data any) Value {
		*trace = append(*trace, tag)
		return Undefined
	}, nil, 0, false, tag)
}

// (guard (e (#t (list 'caught e))) (raise 'x)) => (caught x)
func TestGuardCatches(t *testing.T) {
	vm := newTestVM()
	wgh := binding(t, "with-guard-handler")

	handler := MakeSubr(func(vm *VM, args []Value, data any) Value {
		return List(Intern("caught"), args[0])
	}, nil, 1, false, "clause")
	thunk := MakeSubr(func(vm *VM, args []Value, data any) Value {
		return vm.Raise(Intern("x"))
	}, nil, 0, false, "raiser")

	r := vm.ApplyRec2(wgh, handler, thunk)
	assert(t, WriteString(r, false) == "(caught x)", "guard result = %s", WriteString(r, false))
}

// Dynamic handlers outside the guard don't run when the guard catches.
func TestGuardKeepsOuterHandlers(t *testing.T) {
	vm := newTestVM()
	dw := binding(t, "dynamic-wind")
	wgh := binding(t, "with-guard-handler")

	var trace []string
	handler := MakeSubr(func(vm *VM, args []Value, data any) Value {
		return Intern("caught")
	}, nil, 1, false, "clause")
	body := MakeSubr(func(vm *VM, args []Value, data any) Value {
		raiser := MakeSubr(func(vm *VM, args []Value, data any) Value {
			return vm.Raise(Intern("boom"))
		}, nil, 0, false, "raiser")
		return vm.VMApply2(wgh, handler, raiser)
	}, nil, 0, false, "body")

	r := vm.ApplyRec3(dw, recorder("b", &trace), body, recorder("a", &trace))
	assert(t, r == Value(Intern("caught")), "result = %v", r)
	// before once on the way in, after once on the normal way out;
	// the guard must not have unwound the outer pair
	assert(t, len(trace) == 2 && trace[0] == "b" && trace[1] == "a",
		"outer handlers ran %v, want [b a]", trace)
}

// The handler's values become the values of the whole form.
func TestWithErrorHandlerResult(t *testing.T) {
	vm := newTestVM()
	weh := binding(t, "with-error-handler")

	handler := MakeSubr(func(vm *VM, args []Value, data any) Value {
		return 99
	}, nil, 1, false, "handler")
	thunk := MakeSubr(func(vm *VM, args []Value, data any) Value {
		vm.Errorf("deliberate failure")
		return Undefined
	}, nil, 0, false, "failing")

	r := vm.ApplyRec2(weh, handler, thunk)
	assert(t, r == Value(99), "handler result = %v, want 99", r)
}

// No error, no handler: the thunk's value flows through.
func TestWithErrorHandlerNormalPath(t *testing.T) {
	vm := newTestVM()
	weh := binding(t, "with-error-handler")

	handlerRan := false
	handler := MakeSubr(func(vm *VM, args []Value, data any) Value {
		handlerRan = true
		return Undefined
	}, nil, 1, false, "handler")
	thunk := MakeSubr(func(vm *VM, args []Value, data any) Value {
		return Intern("fine")
	}, nil, 0, false, "ok")

	r := vm.ApplyRec2(weh, handler, thunk)
	assert(t, r == Value(Intern("fine")), "result = %v", r)
	assert(t, !handlerRan, "handler ran without an error")
}

// An error raised inside an error handler lands on the next outer
// escape point (the floating-point mechanism).
func TestNestedHandlerError(t *testing.T) {
	vm := newTestVM()
	weh := binding(t, "with-error-handler")

	outerGot := Value(nil)
	outerHandler := MakeSubr(func(vm *VM, args []Value, data any) Value {
		outerGot = args[0]
		return Intern("outer-caught")
	}, nil, 1, false, "outer-handler")

	innerHandler := MakeSubr(func(vm *VM, args []Value, data any) Value {
		vm.Errorf("handler exploded")
		return Undefined
	}, nil, 1, false, "inner-handler")
	failing := MakeSubr(func(vm *VM, args []Value, data any) Value {
		vm.Errorf("original failure")
		return Undefined
	}, nil, 0, false, "failing")

	outerThunk := MakeSubr(func(vm *VM, args []Value, data any) Value {
		return vm.VMApply2(weh, innerHandler, failing)
	}, nil, 0, false, "outer-thunk")

	r := vm.ApplyRec2(weh, outerHandler, outerThunk)
	assert(t, r == Value(Intern("outer-caught")), "result = %v", r)
	assert(t, contains(ConditionMessage(outerGot), "handler exploded"),
		"outer caught %s", ConditionMessage(outerGot))
}

// with-exception-handler on a continuable condition: the handler's
// value is what raise returns.
func TestContinuableException(t *testing.T) {
	vm := newTestVM()
	wxh := binding(t, "with-exception-handler")

	handler := MakeSubr(func(vm *VM, args []Value, data any) Value {
		return 42
	}, nil, 1, false, "handler")
	thunk := MakeSubr(func(vm *VM, args []Value, data any) Value {
		r := vm.Raise(Intern("note"))
		return List(Intern("resumed"), r)
	}, nil, 0, false, "thunk")

	r := vm.ApplyRec2(wxh, handler, thunk)
	assert(t, WriteString(r, false) == "(resumed 42)", "result = %s", WriteString(r, false))
}

// A user exception handler returning on a serious condition is itself
// an error, caught by the surrounding error handler.
func TestNonContinuableHandlerReturn(t *testing.T) {
	vm := newTestVM()
	weh := binding(t, "with-error-handler")
	wxh := binding(t, "with-exception-handler")

	outerGot := Value(nil)
	outerHandler := MakeSubr(func(vm *VM, args []Value, data any) Value {
		outerGot = args[0]
		return Intern("caught")
	}, nil, 1, false, "outer")

	returning := MakeSubr(func(vm *VM, args []Value, data any) Value {
		return Intern("ignored")
	}, nil, 1, false, "returning-handler")
	failing := MakeSubr(func(vm *VM, args []Value, data any) Value {
		vm.Errorf("serious problem")
		return Undefined
	}, nil, 0, false, "failing")
	thunk := MakeSubr(func(vm *VM, args []Value, data any) Value {
		return vm.VMApply2(wxh, returning, failing)
	}, nil, 0, false, "thunk")

	r := vm.ApplyRec2(weh, outerHandler, thunk)
	assert(t, r == Value(Intern("caught")), "result = %v", r)
	msg := ConditionMessage(outerGot)
	assert(t, contains(msg, "returned on non-continuable"), "unexpected message: %s", msg)
}

// The error subr attaches irritants to the message.
func TestErrorSubr(t *testing.T) {
	vm := newTestVM()
	errSubr := binding(t, "error")

	pak, n := vm.Apply(errSubr, []Value{"things went wrong:", Intern("badly")})
	assert(t, n < 0, "error subr did not raise")
	msg := ConditionMessage(pak.Exception)
	assert(t, contains(msg, "things went wrong"), "unexpected message: %s", msg)
	assert(t, contains(msg, "badly"), "irritant missing from message: %s", msg)
}
