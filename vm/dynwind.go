package svm

/*
 * Dynamic handlers.
 *
 * dynamic-wind is expressed entirely with host continuation frames:
 * one resumes into the body after before returns, one into after once
 * the body finishes, and one restores the body's (possibly multiple)
 * values when after is done.
 */

// DynamicWind calls before, then thunk, then after, keeping the
// (before . after) pair on the dynamic-handler list while thunk runs.
// The values of thunk are the values of the whole form. Must be called
// in subr tail position.
func (vm *VM) DynamicWind(before, body, after Value) Value {
	vm.PushCC(dynwindBeforeCC, []Value{before, body, after})
	return vm.VMApply0(before)
}

func dynwindBeforeCC(vm *VM, result Value, data []Value) Value {
	before := data[0]
	body := data[1]
	after := data[2]

	prev := vm.handlers
	vm.handlers = Cons(Cons(before, after), prev)
	vm.PushCC(dynwindBodyCC, []Value{after, prev})
	return vm.VMApply0(body)
}

func dynwindBodyCC(vm *VM, result Value, data []Value) Value {
	after := data[0]
	prev := data[1]

	vm.handlers = prev
	d := []Value{result, vm.numVals, nil}
	if vm.numVals > 1 {
		saved := make([]Value, vm.numVals-1)
		copy(saved, vm.vals[:vm.numVals-1])
		d[2] = saved
	}
	vm.PushCC(dynwindAfterCC, d)
	return vm.VMApply0(after)
}

func dynwindAfterCC(vm *VM, result Value, data []Value) Value {
	val0 := data[0]
	nvals := data[1].(int)

	vm.numVals = nvals
	if nvals > 1 {
		copy(vm.vals[:nvals-1], data[2].([]Value))
	}
	return val0
}

// DynamicWindC is the host-friendly wrapper: any of the hooks may be
// nil.
func (vm *VM) DynamicWindC(before, body, after SubrFn, data any) Value {
	nullProc := func(vm *VM, args []Value, d any) Value { return Undefined }
	mk := func(fn SubrFn, name string) Value {
		if fn == nil {
			return MakeSubr(nullProc, nil, 0, false, name)
		}
		return MakeSubr(fn, data, 0, false, name)
	}
	return vm.DynamicWind(mk(before, "%dynwind-before"), mk(body, "%dynwind-body"),
		mk(after, "%dynwind-after"))
}
