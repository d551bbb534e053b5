package svm

import "fmt"

/*
 * Main loop of the VM.
 *
 * This is considered a tight loop. It's ok to move certain things to
 * functions if the functions are very simple (meaning Go's inlining
 * rules take over), but otherwise it's best to try and embed the logic
 * directly into the switch statement.
 */

// runLoop interprets bytecode until the current continuation is null or
// a boundary frame. It must only be entered through userEvalInner,
// which establishes the boundary frame and the host-stack record.
func (vm *VM) runLoop() {
	for {
		if vm.attentionRequest.Load() {
			vm.checkStack(contFrameSize)
			vm.pushCont(vm.currentPC())
			vm.processQueuedRequests()
			vm.popCont()
			continue
		}

		w := vm.code[vm.pc]
		vm.pc++

		switch w.op() {
		case OpNop:

		case OpConsti:
			vm.val0 = w.param0()
			vm.numVals = 1
		case OpConstu:
			vm.val0 = Undefined
			vm.numVals = 1
		case OpConst:
			vm.val0 = vm.base.Consts[int(vm.code[vm.pc])]
			vm.pc++
			vm.numVals = 1
		case OpPush:
			vm.pushArg(vm.val0)
		case OpConstiPush:
			vm.pushArg(w.param0())
		case OpConstPush:
			vm.pushArg(vm.base.Consts[int(vm.code[vm.pc])])
			vm.pc++

		case OpLref:
			vm.val0 = vm.lref(w.param0(), w.param1())
			vm.numVals = 1
		case OpLrefPush:
			vm.pushArg(vm.lref(w.param0(), w.param1()))
		case OpLset:
			e := vm.env
			for d := w.param0(); d > 0; d-- {
				e = vm.envUp(e)
			}
			vm.envSetData(e, w.param1(), vm.ensureMem(vm.val0))
			vm.val0 = Undefined
			vm.numVals = 1

		case OpGref:
			vm.val0 = vm.globalRef(int(vm.code[vm.pc]))
			vm.pc++
			vm.numVals = 1
		case OpGset:
			gloc := vm.globalLoc(int(vm.code[vm.pc]))
			vm.pc++
			gloc.Value = vm.ensureMem(vm.val0)
			vm.val0 = Undefined
			vm.numVals = 1
		case OpDefine:
			cidx := int(vm.code[vm.pc])
			vm.pc++
			id := vm.identifierAt(cidx)
			id.Module.Define(id.Name, vm.ensureMem(vm.val0))
			vm.val0 = id.Name
			vm.numVals = 1

		case OpLocalEnv:
			vm.finishEnv(false, vm.env)
		case OpPopLocalEnv:
			vm.env = vm.envUp(vm.env)

		case OpPreCall:
			ret := int(vm.code[vm.pc])
			vm.pc++
			vm.checkStack(contFrameSize)
			vm.pushCont(pcPair{code: vm.code, off: ret})
		case OpCall:
			vm.doCall(vm.val0, w.param0())
		case OpTailCall:
			vm.discardEnv()
			vm.doCall(vm.val0, w.param0())
		case OpValuesApply:
			vm.valuesApply(vm.val0, w.param0())
		case OpRet:
			if vm.cont.null() || vm.boundaryFrameP(vm.cont) {
				return // no more continuations
			}
			vm.popCont()

		case OpJump:
			vm.pc = int(vm.code[vm.pc])
		case OpBranchFalse:
			if FalseP(vm.val0) {
				vm.pc = int(vm.code[vm.pc])
			} else {
				vm.pc++
			}

		case OpClosure:
			code := vm.base.Consts[int(vm.code[vm.pc])].(*CompiledCode)
			vm.pc++
			vm.val0 = &Closure{Code: code, Env: vm.getEnv()}
			vm.numVals = 1

		case OpNumAdd2:
			vm.val0 = vm.numAdd(vm.popArg(), vm.val0)
			vm.numVals = 1
		case OpNumSub2:
			vm.val0 = vm.numSub(vm.popArg(), vm.val0)
			vm.numVals = 1
		case OpNumMul2:
			vm.val0 = vm.numMul(vm.popArg(), vm.val0)
			vm.numVals = 1
		case OpNumDiv2:
			vm.val0 = vm.numDiv(vm.popArg(), vm.val0)
			vm.numVals = 1
		case OpNumEq2:
			vm.val0 = vm.numCmp(vm.popArg(), vm.val0) == 0
			vm.numVals = 1
		case OpNumLt2:
			vm.val0 = vm.numCmp(vm.popArg(), vm.val0) < 0
			vm.numVals = 1
		case OpNumLe2:
			vm.val0 = vm.numCmp(vm.popArg(), vm.val0) <= 0
			vm.numVals = 1
		case OpNumGt2:
			vm.val0 = vm.numCmp(vm.popArg(), vm.val0) > 0
			vm.numVals = 1
		case OpNumGe2:
			vm.val0 = vm.numCmp(vm.popArg(), vm.val0) >= 0
			vm.numVals = 1

		case OpCons:
			x := vm.popArg()
			vm.val0 = Cons(vm.ensureMem(x), vm.ensureMem(vm.val0))
			vm.numVals = 1
		case OpCar:
			p, ok := vm.val0.(*Pair)
			if !ok {
				vm.Errorf("pair required, but got %s", WriteString(vm.val0, false))
			}
			vm.val0 = p.Car
			vm.numVals = 1
		case OpCdr:
			p, ok := vm.val0.(*Pair)
			if !ok {
				vm.Errorf("pair required, but got %s", WriteString(vm.val0, false))
			}
			vm.val0 = p.Cdr
			vm.numVals = 1
		case OpList:
			n := w.param0()
			result := Value(Nil)
			if n > 0 {
				result = Cons(vm.ensureMem(vm.val0), result)
				for i := 1; i < n; i++ {
					result = Cons(vm.ensureMem(vm.popArg()), result)
				}
			}
			vm.val0 = result
			vm.numVals = 1
		case OpEq:
			vm.val0 = EqP(vm.popArg(), vm.val0)
			vm.numVals = 1
		case OpNullP:
			vm.val0 = NullP(vm.val0)
			vm.numVals = 1
		case OpPairP:
			vm.val0 = PairP(vm.val0)
			vm.numVals = 1
		case OpNot:
			vm.val0 = FalseP(vm.val0)
			vm.numVals = 1

		default:
			// Fatal: the code producer emitted a word we don't know.
			panic(fmt.Sprintf("svm: illegal vm instruction: %#08x", uint32(w)))
		}
	}
}

// lref resolves a local reference depth frames up, index slots in.
func (vm *VM) lref(depth, index int) Value {
	e := vm.env
	for ; depth > 0; depth-- {
		e = vm.envUp(e)
	}
	return vm.envData(e, index)
}

// identifierAt reads an identifier operand from the constant pool.
func (vm *VM) identifierAt(cidx int) *Identifier {
	switch x := vm.base.Consts[cidx].(type) {
	case *Identifier:
		return x
	case *GLOC:
		return &Identifier{Name: x.Name, Module: x.Module}
	case *Symbol:
		return &Identifier{Name: x, Module: vm.module}
	default:
		panic(fmt.Sprintf("svm: identifier operand expected, got %v", x))
	}
}

// globalLoc resolves a global-reference operand to its gloc, memoizing
// the result in the constant pool so later executions are one load.
// An undefined name is an error.
func (vm *VM) globalLoc(cidx int) *GLOC {
	consts := vm.base.Consts
	if g, ok := consts[cidx].(*GLOC); ok {
		return g
	}
	id := vm.identifierAt(cidx)
	gloc := id.Module.FindBinding(id.Name)
	if gloc == nil {
		vm.Errorf("unbound variable: %s", id.Name.Name)
	}
	// memoize gloc
	consts[cidx] = gloc
	return gloc
}

// globalRef performs the load half of a global reference, triggering
// autoloads and rejecting unbound cells.
func (vm *VM) globalRef(cidx int) Value {
	gloc := vm.globalLoc(cidx)
	v := gloc.Value
	if a, ok := v.(*Autoload); ok {
		v = resolveAutoload(vm, gloc, a)
	}
	if s, ok := v.(special); ok && s == Unbound {
		vm.Errorf("unbound variable: %s", gloc.Name.Name)
	}
	return v
}

// wna reports a "wrong number of arguments" error. Arity mismatch is
// always an error; there is no implicit currying.
func (vm *VM) wna(proc Value, required, ngiven int) {
	vm.Errorf("wrong number of arguments for %s (required %d, got %d)",
		WriteString(proc, false), required, ngiven)
}

// adjustArgumentFrame checks the arity of a call and folds surplus
// arguments into the rest list when the procedure accepts one. Returns
// the number of slots the finished frame holds.
func (vm *VM) adjustArgumentFrame(proc Value, required int, optional bool, ngiven int) int {
	if !optional {
		if ngiven != required {
			vm.wna(proc, required, ngiven)
		}
		return ngiven
	}
	if ngiven < required {
		vm.wna(proc, required, ngiven)
	}
	rest := Value(Nil)
	for vm.sp > vm.argp+required {
		rest = Cons(vm.ensureMem(vm.popArg()), rest)
	}
	vm.checkStack(1)
	vm.pushArg(rest)
	return required + 1
}

// doCall applies proc to the nargs arguments sitting between argp and
// sp. Continuation discipline (non-tail: a frame pushed by pre-call;
// tail: the caller's local frame already discarded) is the caller's
// business.
func (vm *VM) doCall(proc Value, nargs int) {
	switch p := proc.(type) {
	case *Closure:
		code := p.Code
		vm.adjustArgumentFrame(proc, code.Required, code.Optional, nargs)
		vm.checkStack(code.MaxStack + envHeaderSize + contFrameSize)
		vm.finishEnv(proc, heapEnvRef(p.Env))
		vm.base = code
		vm.code = code.Code
		vm.pc = 0
		if vm.prof != nil {
			vm.prof.countCall(code)
		}
	case *Subr:
		n := vm.adjustArgumentFrame(proc, p.Required, p.Optional, nargs)
		args := make([]Value, n)
		copy(args, vm.stack[vm.argp:vm.argp+n])
		vm.sp = vm.argp
		// The subr runs with the pc parked on the return stub, so
		// whatever it arranges (a tail application, a pushed host
		// continuation) happens on return; with no arrangement the
		// stub pops the continuation.
		vm.pcToReturn()
		vm.numVals = 1
		if vm.prof != nil {
			vm.prof.countSubr(p)
		}
		vm.val0 = p.Fn(vm, args, p.Data)
	default:
		vm.Errorf("invalid application: %s is not a procedure",
			WriteString(proc, false))
	}
}

// valuesApply applies the procedure in the accumulator to nargs values
// staged in the vals registers; when nargs is at the register limit the
// last register holds a list carrying the remainder. This is the
// instruction recursive host application enters through.
func (vm *VM) valuesApply(proc Value, nargs int) {
	vm.discardEnv()
	vm.checkStack(nargs + 1 + envHeaderSize)
	count := 0
	for i := 0; i < nargs; i++ {
		if i == maxValues-2 && nargs == maxValues-1 {
			tail, ok := ListToSlice(vm.vals[i])
			if !ok {
				vm.Errorf("improper list not allowed: %s", WriteString(vm.vals[i], false))
			}
			for _, v := range tail {
				vm.pushArg(v)
				count++
			}
			break
		}
		vm.pushArg(vm.vals[i])
		count++
	}
	vm.doCall(proc, count)
}

/*
 * Numeric primitives inlined by the loop. Integers stay exact as long
 * as they can; any flonum operand makes the result inexact.
 */

func (vm *VM) realValue(v Value) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case *Flonum:
		return float64(*x), true
	}
	return 0, false
}

func (vm *VM) numAdd(x, y Value) Value {
	if a, ok := x.(int); ok {
		if b, ok := y.(int); ok {
			return a + b
		}
	}
	return vm.flonumOp(x, y, "+", func(a, b float64) float64 { return a + b })
}

func (vm *VM) numSub(x, y Value) Value {
	if a, ok := x.(int); ok {
		if b, ok := y.(int); ok {
			return a - b
		}
	}
	return vm.flonumOp(x, y, "-", func(a, b float64) float64 { return a - b })
}

func (vm *VM) numMul(x, y Value) Value {
	if a, ok := x.(int); ok {
		if b, ok := y.(int); ok {
			return a * b
		}
	}
	return vm.flonumOp(x, y, "*", func(a, b float64) float64 { return a * b })
}

func (vm *VM) numDiv(x, y Value) Value {
	if a, ok := x.(int); ok {
		if b, ok := y.(int); ok {
			if b == 0 {
				vm.Errorf("attempt to calculate a division by zero")
			}
			if a%b == 0 {
				return a / b
			}
			return vm.MakeFlonum(float64(a) / float64(b))
		}
	}
	return vm.flonumOp(x, y, "/", func(a, b float64) float64 { return a / b })
}

func (vm *VM) flonumOp(x, y Value, name string, op func(a, b float64) float64) Value {
	a, ok := vm.realValue(x)
	if !ok {
		vm.Errorf("operation %s is not defined on object %s", name, WriteString(x, false))
	}
	b, ok := vm.realValue(y)
	if !ok {
		vm.Errorf("operation %s is not defined on object %s", name, WriteString(y, false))
	}
	return vm.MakeFlonum(op(a, b))
}

// numCmp returns negative, zero or positive as x is less than, equal
// to, or greater than y.
func (vm *VM) numCmp(x, y Value) int {
	if a, ok := x.(int); ok {
		if b, ok := y.(int); ok {
			switch {
			case a < b:
				return -1
			case a > b:
				return 1
			default:
				return 0
			}
		}
	}
	a, ok := vm.realValue(x)
	if !ok {
		vm.Errorf("real number required, but got %s", WriteString(x, false))
	}
	b, ok := vm.realValue(y)
	if !ok {
		vm.Errorf("real number required, but got %s", WriteString(y, false))
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
