package svm

import (
	"strings"
	"sync"
)

/*
 * Builtin procedures and the base module.
 *
 * Only the primitives the execution core itself needs live here; the
 * surrounding runtime (reader, macro expander, library system) defines
 * the rest of the language on top.
 */

var (
	baseModuleOnce sync.Once
	baseModule     *Module
)

// BaseModule returns the module new VMs resolve globals in.
func BaseModule() *Module {
	baseModuleOnce.Do(func() {
		baseModule = NewModule(Intern("base"))
		defineBuiltins(baseModule)
	})
	return baseModule
}

/*
 * Multiple values.
 */

// Values produces a multiple-value return from a subr.
func (vm *VM) Values(args []Value) Value {
	if len(args) == 0 {
		vm.numVals = 0
		return Undefined
	}
	if len(args) > maxValues {
		vm.Errorf("too many values: %s", WriteString(List(args...), false))
	}
	for i := 1; i < len(args); i++ {
		vm.vals[i-1] = args[i]
	}
	vm.numVals = len(args)
	return args[0]
}

// Values2 through Values5: fixed-arity shortcuts.
func (vm *VM) Values2(v0, v1 Value) Value {
	vm.numVals = 2
	vm.vals[0] = v1
	return v0
}

func (vm *VM) Values3(v0, v1, v2 Value) Value {
	vm.numVals = 3
	vm.vals[0] = v1
	vm.vals[1] = v2
	return v0
}

func (vm *VM) Values4(v0, v1, v2, v3 Value) Value {
	vm.numVals = 4
	vm.vals[0] = v1
	vm.vals[1] = v2
	vm.vals[2] = v3
	return v0
}

func (vm *VM) Values5(v0, v1, v2, v3, v4 Value) Value {
	vm.numVals = 5
	vm.vals[0] = v1
	vm.vals[1] = v2
	vm.vals[2] = v3
	vm.vals[3] = v4
	return v0
}

func callWithValuesCC(vm *VM, result Value, data []Value) Value {
	consumer := data[0]
	produced := vm.Results()
	vm.numVals = 1
	return vm.VMApply(consumer, List(produced...))
}

/*
 * Helpers shared by the subr bodies.
 */

func restList(vm *VM, v Value) []Value {
	out, ok := ListToSlice(v)
	if !ok {
		vm.Errorf("improper list not allowed: %s", WriteString(v, false))
	}
	return out
}

// optPort picks the port argument out of a rest list, or the fallback.
func optPort(vm *VM, rest Value, fallback *Port) *Port {
	if p, ok := rest.(*Pair); ok {
		port, ok := p.Car.(*Port)
		if !ok {
			vm.Errorf("port required, but got %s", WriteString(p.Car, false))
		}
		return port
	}
	return fallback
}

func (vm *VM) portError(err error) {
	vm.Errorf("port error: %s", err.Error())
}

func defineBuiltins(m *Module) {
	/*
	 * Pairs and lists.
	 */
	m.DefineSubr("cons", 2, false, func(vm *VM, args []Value, data any) Value {
		return Cons(vm.ensureMem(args[0]), vm.ensureMem(args[1]))
	})
	m.DefineSubr("car", 1, false, func(vm *VM, args []Value, data any) Value {
		p, ok := args[0].(*Pair)
		if !ok {
			vm.Errorf("pair required, but got %s", WriteString(args[0], false))
		}
		return p.Car
	})
	m.DefineSubr("cdr", 1, false, func(vm *VM, args []Value, data any) Value {
		p, ok := args[0].(*Pair)
		if !ok {
			vm.Errorf("pair required, but got %s", WriteString(args[0], false))
		}
		return p.Cdr
	})
	m.DefineSubr("set-car!", 2, false, func(vm *VM, args []Value, data any) Value {
		p, ok := args[0].(*Pair)
		if !ok {
			vm.Errorf("pair required, but got %s", WriteString(args[0], false))
		}
		p.Car = vm.ensureMem(args[1])
		return Undefined
	})
	m.DefineSubr("set-cdr!", 2, false, func(vm *VM, args []Value, data any) Value {
		p, ok := args[0].(*Pair)
		if !ok {
			vm.Errorf("pair required, but got %s", WriteString(args[0], false))
		}
		p.Cdr = vm.ensureMem(args[1])
		return Undefined
	})
	m.DefineSubr("list", 0, true, func(vm *VM, args []Value, data any) Value {
		return args[0]
	})
	m.DefineSubr("length", 1, false, func(vm *VM, args []Value, data any) Value {
		n := ListLength(args[0])
		if n < 0 {
			vm.Errorf("proper list required, but got %s", WriteString(args[0], false))
		}
		return n
	})
	m.DefineSubr("null?", 1, false, func(vm *VM, args []Value, data any) Value {
		return NullP(args[0])
	})
	m.DefineSubr("pair?", 1, false, func(vm *VM, args []Value, data any) Value {
		return PairP(args[0])
	})
	m.DefineSubr("not", 1, false, func(vm *VM, args []Value, data any) Value {
		return FalseP(args[0])
	})
	m.DefineSubr("eq?", 2, false, func(vm *VM, args []Value, data any) Value {
		return EqP(args[0], args[1])
	})
	m.DefineSubr("eqv?", 2, false, func(vm *VM, args []Value, data any) Value {
		return EqvP(args[0], args[1])
	})
	m.DefineSubr("memq", 2, false, func(vm *VM, args []Value, data any) Value {
		return Memq(args[0], args[1])
	})
	m.DefineSubr("reverse", 1, false, func(vm *VM, args []Value, data any) Value {
		return Reverse(args[0])
	})

	/*
	 * Numbers.
	 */
	m.DefineSubr("+", 0, true, func(vm *VM, args []Value, data any) Value {
		acc := Value(0)
		for _, v := range restList(vm, args[0]) {
			acc = vm.numAdd(acc, v)
		}
		return acc
	})
	m.DefineSubr("*", 0, true, func(vm *VM, args []Value, data any) Value {
		acc := Value(1)
		for _, v := range restList(vm, args[0]) {
			acc = vm.numMul(acc, v)
		}
		return acc
	})
	m.DefineSubr("-", 1, true, func(vm *VM, args []Value, data any) Value {
		rest := restList(vm, args[1])
		if len(rest) == 0 {
			return vm.numSub(0, args[0])
		}
		acc := args[0]
		for _, v := range rest {
			acc = vm.numSub(acc, v)
		}
		return acc
	})
	m.DefineSubr("/", 1, true, func(vm *VM, args []Value, data any) Value {
		rest := restList(vm, args[1])
		if len(rest) == 0 {
			return vm.numDiv(1, args[0])
		}
		acc := args[0]
		for _, v := range rest {
			acc = vm.numDiv(acc, v)
		}
		return acc
	})
	cmpSubr := func(name string, ok func(c int) bool) {
		m.DefineSubr(name, 2, true, func(vm *VM, args []Value, data any) Value {
			prev := args[0]
			next := args[1]
			for {
				if !ok(vm.numCmp(prev, next)) {
					return false
				}
				rest, isPair := args[2].(*Pair)
				if !isPair {
					return true
				}
				prev, next = next, rest.Car
				args[2] = rest.Cdr
			}
		})
	}
	cmpSubr("=", func(c int) bool { return c == 0 })
	cmpSubr("<", func(c int) bool { return c < 0 })
	cmpSubr("<=", func(c int) bool { return c <= 0 })
	cmpSubr(">", func(c int) bool { return c > 0 })
	cmpSubr(">=", func(c int) bool { return c >= 0 })

	/*
	 * Application and control.
	 */
	m.DefineSubr("apply", 1, true, func(vm *VM, args []Value, data any) Value {
		rest := restList(vm, args[1])
		if len(rest) == 0 {
			vm.Errorf("wrong number of arguments for apply (required 2, got 1)")
		}
		last := rest[len(rest)-1]
		if ListLength(last) < 0 {
			vm.Errorf("proper list required, but got %s", WriteString(last, false))
		}
		all := last
		for i := len(rest) - 2; i >= 0; i-- {
			all = Cons(rest[i], all)
		}
		return vm.VMApply(args[0], all)
	})
	m.DefineSubr("values", 0, true, func(vm *VM, args []Value, data any) Value {
		return vm.Values(restList(vm, args[0]))
	})
	m.DefineSubr("call-with-values", 2, false, func(vm *VM, args []Value, data any) Value {
		vm.PushCC(callWithValuesCC, []Value{args[1]})
		return vm.VMApply0(args[0])
	})

	callcc := func(vm *VM, args []Value, data any) Value {
		return vm.CallCC(args[0])
	}
	m.DefineSubr("call/cc", 1, false, callcc)
	m.DefineSubr("call-with-current-continuation", 1, false, callcc)
	m.DefineSubr("call/pc", 1, false, func(vm *VM, args []Value, data any) Value {
		return vm.CallPC(args[0])
	})
	m.DefineSubr("dynamic-wind", 3, false, func(vm *VM, args []Value, data any) Value {
		return vm.DynamicWind(args[0], args[1], args[2])
	})

	/*
	 * Exceptions.
	 */
	m.DefineSubr("raise", 1, false, func(vm *VM, args []Value, data any) Value {
		return vm.Raise(args[0])
	})
	m.DefineSubr("error", 1, true, func(vm *VM, args []Value, data any) Value {
		var b strings.Builder
		if s, ok := args[0].(string); ok {
			b.WriteString(s)
		} else {
			b.WriteString(WriteString(args[0], true))
		}
		irritants := restList(vm, args[1])
		for _, v := range irritants {
			b.WriteByte(' ')
			b.WriteString(WriteString(v, false))
		}
		vm.ThrowException(&ErrorCondition{Msg: b.String(), Irritants: irritants, Serious: true})
		return Undefined // not reached
	})
	m.DefineSubr("with-error-handler", 2, false, func(vm *VM, args []Value, data any) Value {
		return vm.WithErrorHandler(args[0], args[1])
	})
	m.DefineSubr("with-guard-handler", 2, false, func(vm *VM, args []Value, data any) Value {
		return vm.WithGuardHandler(args[0], args[1])
	})
	m.DefineSubr("with-exception-handler", 2, false, func(vm *VM, args []Value, data any) Value {
		return vm.WithExceptionHandler(args[0], args[1])
	})
	m.DefineSubr("condition-message", 1, false, func(vm *VM, args []Value, data any) Value {
		return ConditionMessage(args[0])
	})

	/*
	 * Ports and I/O.
	 */
	m.DefineSubr("current-input-port", 0, false, func(vm *VM, args []Value, data any) Value {
		return vm.curin
	})
	m.DefineSubr("current-output-port", 0, false, func(vm *VM, args []Value, data any) Value {
		return vm.curout
	})
	m.DefineSubr("current-error-port", 0, false, func(vm *VM, args []Value, data any) Value {
		return vm.curerr
	})
	m.DefineSubr("display", 1, true, func(vm *VM, args []Value, data any) Value {
		port := optPort(vm, args[1], vm.curout)
		if err := port.Puts(vm, WriteString(args[0], true)); err != nil {
			vm.portError(err)
		}
		return Undefined
	})
	m.DefineSubr("write", 1, true, func(vm *VM, args []Value, data any) Value {
		port := optPort(vm, args[1], vm.curout)
		if err := port.Puts(vm, WriteString(args[0], false)); err != nil {
			vm.portError(err)
		}
		return Undefined
	})
	m.DefineSubr("newline", 0, true, func(vm *VM, args []Value, data any) Value {
		port := optPort(vm, args[0], vm.curout)
		if err := port.Putc(vm, '\n'); err != nil {
			vm.portError(err)
		}
		return Undefined
	})
	m.DefineSubr("write-char", 1, true, func(vm *VM, args []Value, data any) Value {
		c, ok := args[0].(Char)
		if !ok {
			vm.Errorf("character required, but got %s", WriteString(args[0], false))
		}
		port := optPort(vm, args[1], vm.curout)
		if err := port.Putc(vm, rune(c)); err != nil {
			vm.portError(err)
		}
		return Undefined
	})
	m.DefineSubr("flush", 0, true, func(vm *VM, args []Value, data any) Value {
		port := optPort(vm, args[0], vm.curout)
		if err := port.Flush(vm); err != nil {
			vm.portError(err)
		}
		return Undefined
	})
	m.DefineSubr("read-char", 0, true, func(vm *VM, args []Value, data any) Value {
		port := optPort(vm, args[0], vm.curin)
		c, err := port.Getc(vm)
		if err != nil {
			vm.portError(err)
		}
		if c < 0 {
			return EOFObject
		}
		return Char(c)
	})
	m.DefineSubr("peek-char", 0, true, func(vm *VM, args []Value, data any) Value {
		port := optPort(vm, args[0], vm.curin)
		c, err := port.Peekc(vm)
		if err != nil {
			vm.portError(err)
		}
		if c < 0 {
			return EOFObject
		}
		return Char(c)
	})
	m.DefineSubr("char-ready?", 0, true, func(vm *VM, args []Value, data any) Value {
		port := optPort(vm, args[0], vm.curin)
		return port.Ready(vm)
	})
	m.DefineSubr("eof-object?", 1, false, func(vm *VM, args []Value, data any) Value {
		s, ok := args[0].(special)
		return ok && s == EOFObject
	})
	m.DefineSubr("open-input-string", 1, false, func(vm *VM, args []Value, data any) Value {
		s, ok := args[0].(string)
		if !ok {
			vm.Errorf("string required, but got %s", WriteString(args[0], false))
		}
		return NewInputStringPort("(input string port)", s)
	})
	m.DefineSubr("open-output-string", 0, false, func(vm *VM, args []Value, data any) Value {
		return NewOutputStringPort("(output string port)")
	})
	m.DefineSubr("get-output-string", 1, false, func(vm *VM, args []Value, data any) Value {
		p, ok := args[0].(*Port)
		if !ok {
			vm.Errorf("port required, but got %s", WriteString(args[0], false))
		}
		return p.OutputString()
	})
	m.DefineSubr("close-port", 1, false, func(vm *VM, args []Value, data any) Value {
		p, ok := args[0].(*Port)
		if !ok {
			vm.Errorf("port required, but got %s", WriteString(args[0], false))
		}
		if err := p.Close(vm); err != nil {
			vm.portError(err)
		}
		return Undefined
	})
}
