package svm

/*
 * Stack trace.
 *
 * The lite version returns a list of the source information attached
 * to the continuation frames. Debug info is a table of (offset,
 * source) entries kept sorted by offset; the entry in force at a pc is
 * the last one at or before it.
 */

// getDebugInfo finds the source entry covering the instruction just
// before pc in base; the bool is false when there is none.
func getDebugInfo(base *CompiledCode, pc int) (DebugEntry, bool) {
	if base == nil || len(base.Info) == 0 {
		return DebugEntry{}, false
	}
	// pc has already been incremented past the instruction
	off := pc - 1
	if off < 0 {
		return DebugEntry{}, false
	}
	best := -1
	for i, e := range base.Info {
		if e.Off > off {
			break
		}
		best = i
	}
	if best < 0 {
		return DebugEntry{}, false
	}
	return base.Info[best], true
}

// GetSourceInfo returns the source information of the instruction just
// before pc (pc is taken as already advanced past it), or false.
func GetSourceInfo(base *CompiledCode, pc int) Value {
	if e, ok := getDebugInfo(base, pc); ok {
		return e.Source
	}
	return false
}

// GetStackLite returns a list of source information gathered from the
// current position and the continuation chain, innermost first.
func (vm *VM) GetStackLite() Value {
	var head, tail *Pair
	add := func(info Value) {
		if FalseP(info) {
			return
		}
		cell := Cons(info, Nil)
		if tail == nil {
			head = cell
		} else {
			tail.Cdr = cell
		}
		tail = cell
	}

	if vm.code != nil && vm.base != nil {
		add(GetSourceInfo(vm.base, vm.pc))
	}
	for c := vm.cont; !c.null(); c = vm.contPrev(c) {
		pcv := vm.contPC(c)
		if pp, ok := pcv.(pcPair); ok {
			var base *CompiledCode
			if c.heap != nil {
				base = c.heap.base
			} else {
				base = vm.stack[c.off+cfBase].(*CompiledCode)
			}
			add(GetSourceInfo(base, pp.off))
		}
	}
	if head == nil {
		return Nil
	}
	return head
}
