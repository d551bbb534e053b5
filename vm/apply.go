package svm

import "os"

/*
 * Host <-> interpreter boundary, and function application from host
 * code.
 *
 * When host code wants Scheme code to return to it, the continuation
 * crosses the border between the Go stack and the Scheme stack. The
 * border is kept as a chain of host-stack records (cstackRec); each
 * record corresponds to one nested entry into the interpreter. Escapes
 * (invoking a captured continuation, or raising through the default
 * error handler) travel across host frames as panics carrying a
 * vmEscape, unwound one record at a time until they reach the record
 * that owns the target escape point.
 */

// EX_SOFTWARE; what the process exits with when an error reaches the
// outermost level with nobody to catch it.
const softwareErrorExit = 70

type escapeReason int

const (
	escapeNone escapeReason = iota
	escapeCont
	escapeError
)

type vmEscape struct {
	reason escapeReason
	ep     *EscapePoint
	val    Value // args list (escapeCont) or the condition (escapeError)
}

// userEvalInner is the border gate: all host->Scheme calls go through
// here. It pushes a boundary continuation frame marking the point the
// interpreter must hand control back, installs a fresh host-stack
// record, and drives the loop until it either completes or escapes.
func (vm *VM) userEvalInner(program *CompiledCode, codevec []Word) Value {
	// Save the resume position; the boundary continuation uses its pc
	// slot for the boundary mark.
	prevCode, prevPC := vm.code, vm.pc

	vm.checkStack(contFrameSize)
	vm.pushCont(boundaryMark)
	vm.base = program
	if codevec != nil {
		vm.code, vm.pc = codevec, 0
	} else {
		vm.code, vm.pc = program.Code, 0
		vm.checkStack(program.MaxStack)
	}
	if vm.prof != nil {
		vm.prof.countCall(program)
	}

	cs := &cstackRec{prev: vm.cstack, cont: vm.cont}
	vm.cstack = cs

	// restart carries the escape-installation work back into the
	// protected region, so an error raised by a handler thunk while
	// unwinding is caught at this level again.
	var restart func()
	for {
		esc := vm.tryRun(cs, prevCode, prevPC, restart)
		restart = nil
		if esc == nil {
			break
		}
		switch esc.reason {
		case escapeCont:
			ep, args := esc.ep, esc.val
			if ep.cstack == cs {
				restart = func() {
					handlers := vm.throwContCalculateHandlers(ep)
					// force popping the continuation when restarted
					vm.pcToReturn()
					vm.val0 = vm.throwContBody(handlers, ep, args)
				}
				continue
			}
			// Not ours: pop this record and unwind to the outer one.
			vm.cont = cs.cont
			vm.popCont()
			vm.cstack = cs.prev
			panic(esc)
		case escapeError:
			ep := esc.ep
			if ep != nil && ep.cstack == cs {
				vm.cont = ep.cont
				vm.pcToReturn()
				continue
			}
			if cs.prev == nil {
				// This is the outermost level and nobody will capture
				// the error. The dynamic stack is already rewound, so
				// exiting here is safe.
				os.Exit(softwareErrorExit)
			}
			vm.cont = cs.cont
			vm.popCont()
			vm.cstack = cs.prev
			panic(esc)
		default:
			panic("svm: invalid escape reason")
		}
	}
	vm.cstack = cs.prev
	return vm.val0
}

// tryRun enters the loop and, on normal completion, pops the boundary
// frame. Escape panics raised anywhere below (including the ghost
// continuation check) surface as the return value; anything else is a
// genuine bug and keeps unwinding.
func (vm *VM) tryRun(cs *cstackRec, prevCode []Word, prevPC int, restart func()) (esc *vmEscape) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if e, ok := r.(*vmEscape); ok {
			esc = e
			return
		}
		panic(r)
	}()

	if restart != nil {
		restart()
	}
	vm.runLoop()

	if vm.cont == cs.cont {
		vm.popCont()
		vm.code, vm.pc = prevCode, prevPC
	} else if vm.cont.null() {
		// we're finished with executing a partial continuation
		vm.cont = cs.cont
		vm.popCont()
		vm.code, vm.pc = prevCode, prevPC
	} else {
		// The host world this continuation should return to no longer
		// exists.
		vm.Errorf("attempt to return from a ghost continuation")
	}
	return nil
}

// EvalRec runs a compiled program to completion on this VM, entering
// through the boundary mechanism. Exceptions are not captured; use Eval
// for that. Returns the primary result; the rest are available through
// Results.
func (vm *VM) EvalRec(program *CompiledCode) Value {
	return vm.userEvalInner(program, nil)
}

// applyRec re-enters the interpreter with proc in the accumulator and
// the arguments staged in the vals registers, through a two-word
// values-apply fragment. The fragment lives only for this call.
func (vm *VM) applyRec(proc Value, nargs int) Value {
	code := valuesApplyFragment(nargs)
	vm.val0 = proc
	program := vm.base
	if program == nil {
		program = internalApplyCode
	}
	return vm.userEvalInner(program, code)
}

// ApplyRec applies proc to args recursively. Arguments beyond the
// register file are folded into a list in the last register.
func (vm *VM) ApplyRec(proc Value, args []Value) Value {
	nargs := len(args)
	if nargs >= maxValues-1 {
		for i := 0; i < maxValues-2; i++ {
			vm.vals[i] = args[i]
		}
		vm.vals[maxValues-2] = List(args[maxValues-2:]...)
		return vm.applyRec(proc, maxValues-1)
	}
	copy(vm.vals[:], args)
	return vm.applyRec(proc, nargs)
}

// ApplyRec0 through ApplyRec5 avoid the slice for common arities.
func (vm *VM) ApplyRec0(proc Value) Value { return vm.applyRec(proc, 0) }

func (vm *VM) ApplyRec1(proc, a0 Value) Value {
	vm.vals[0] = a0
	return vm.applyRec(proc, 1)
}

func (vm *VM) ApplyRec2(proc, a0, a1 Value) Value {
	vm.vals[0], vm.vals[1] = a0, a1
	return vm.applyRec(proc, 2)
}

func (vm *VM) ApplyRec3(proc, a0, a1, a2 Value) Value {
	vm.vals[0], vm.vals[1], vm.vals[2] = a0, a1, a2
	return vm.applyRec(proc, 3)
}

func (vm *VM) ApplyRec4(proc, a0, a1, a2, a3 Value) Value {
	vm.vals[0], vm.vals[1], vm.vals[2], vm.vals[3] = a0, a1, a2, a3
	return vm.applyRec(proc, 4)
}

func (vm *VM) ApplyRec5(proc, a0, a1, a2, a3, a4 Value) Value {
	vm.vals[0], vm.vals[1], vm.vals[2], vm.vals[3], vm.vals[4] = a0, a1, a2, a3, a4
	return vm.applyRec(proc, 5)
}

/*
 * The VMApply family is meant to be called inside a subr. It doesn't
 * apply the procedure right away; it arranges the VM state so the call
 * happens immediately after the subr returns, as the subr's tail. The
 * return value is the procedure, which the subr must return as its own
 * result.
 */

// VMApply applies proc to a list of arguments as the calling subr's
// tail.
func (vm *VM) VMApply(proc Value, args Value) Value {
	numargs := ListLength(args)
	if numargs < 0 {
		vm.Errorf("improper list not allowed: %s", WriteString(args, false))
	}
	vm.checkStack(numargs + 1)
	for p, ok := args.(*Pair); ok; p, ok = args.(*Pair) {
		vm.pushArg(p.Car)
		args = p.Cdr
	}
	vm.code, vm.pc = applyCallFragment(numargs), 0
	return proc
}

// VMApply0 through VMApply4: shortcuts for common cases.
func (vm *VM) VMApply0(proc Value) Value {
	vm.code, vm.pc = applyCalls[0], 0
	return proc
}

func (vm *VM) VMApply1(proc, arg Value) Value {
	vm.checkStack(1)
	vm.pushArg(arg)
	vm.code, vm.pc = applyCalls[1], 0
	return proc
}

func (vm *VM) VMApply2(proc, arg1, arg2 Value) Value {
	vm.checkStack(2)
	vm.pushArg(arg1)
	vm.pushArg(arg2)
	vm.code, vm.pc = applyCalls[2], 0
	return proc
}

func (vm *VM) VMApply3(proc, arg1, arg2, arg3 Value) Value {
	vm.checkStack(3)
	vm.pushArg(arg1)
	vm.pushArg(arg2)
	vm.pushArg(arg3)
	vm.code, vm.pc = applyCalls[3], 0
	return proc
}

func (vm *VM) VMApply4(proc, arg1, arg2, arg3, arg4 Value) Value {
	vm.checkStack(4)
	vm.pushArg(arg1)
	vm.pushArg(arg2)
	vm.pushArg(arg3)
	vm.pushArg(arg4)
	vm.code, vm.pc = applyCalls[4], 0
	return proc
}

// PushCC arranges the host callback after to be invoked once the next
// Scheme return delivers a value. The data words ride along in the
// frame and come back to the callback untouched.
func (vm *VM) PushCC(after ccProc, data []Value) {
	vm.checkStack(contFrameSize + len(data))
	h := vm.sp
	vm.stack[h+cfPrev] = vm.cont
	vm.stack[h+cfEnv] = vm.env
	vm.stack[h+cfArgp] = -1
	vm.stack[h+cfSize] = len(data)
	vm.stack[h+cfPC] = after
	vm.stack[h+cfBase] = vm.base
	copy(vm.stack[h+contFrameSize:h+contFrameSize+len(data)], data)
	vm.cont = contRef{off: h}
	vm.sp = h + contFrameSize + len(data)
	vm.argp = vm.sp
}

/*
 * Safe user-level eval and apply: exceptions are caught and reported in
 * an EvalPacket instead of escaping.
 */

// EvalPacket carries the outcome of a safe evaluation: either the
// produced values, or the captured condition.
type EvalPacket struct {
	Results   []Value
	Exception Value // nil on normal termination
}

type safePacket struct {
	kind      int
	program   *CompiledCode
	proc      Value
	args      Value
	exception Value // Unbound until a condition is captured
}

const (
	safeEval = iota
	safeApply
)

func safeEvalHandler(vm *VM, args []Value, data any) Value {
	data.(*safePacket).exception = args[0]
	return Undefined
}

func safeEvalThunk(vm *VM, args []Value, data any) Value {
	pak := data.(*safePacket)
	switch pak.kind {
	case safeEval:
		vm.numVals = 1
		vm.checkStack(pak.program.MaxStack)
		vm.base = pak.program
		vm.code, vm.pc = pak.program.Code, 0
		return Undefined
	case safeApply:
		return vm.VMApply(pak.proc, pak.args)
	default:
		panic("svm: bad safe-eval kind")
	}
}

func safeEvalInt(vm *VM, args []Value, data any) Value {
	thunk := MakeSubr(safeEvalThunk, data, 0, false, "%safe-eval-thunk")
	handler := MakeSubr(safeEvalHandler, data, 1, false, "%safe-eval-handler")
	return vm.WithErrorHandler(handler, thunk)
}

func (vm *VM) safeEvalWrap(pak *safePacket) (*EvalPacket, int) {
	pak.exception = Unbound
	proc := MakeSubr(safeEvalInt, pak, 0, false, "%safe-eval")
	r := vm.ApplyRec(proc, nil)

	result := &EvalPacket{}
	if s, ok := pak.exception.(special); ok && s == Unbound {
		// normal termination
		result.Results = make([]Value, vm.numVals)
		if vm.numVals > 0 {
			result.Results[0] = r
			for i := 1; i < vm.numVals; i++ {
				result.Results[i] = vm.vals[i-1]
			}
		}
		return result, vm.numVals
	}
	result.Exception = pak.exception
	return result, -1
}

// Eval runs program, capturing any raised condition. The int result is
// the number of values, or -1 when a condition was captured.
func (vm *VM) Eval(program *CompiledCode) (*EvalPacket, int) {
	return vm.safeEvalWrap(&safePacket{kind: safeEval, program: program})
}

// Apply applies proc to args, capturing any raised condition.
func (vm *VM) Apply(proc Value, args []Value) (*EvalPacket, int) {
	return vm.safeEvalWrap(&safePacket{kind: safeApply, proc: proc, args: List(args...)})
}
