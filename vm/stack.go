package svm

import "time"

/*
 * Stack management.
 *
 * Environment and continuation frames being moved to the heap leave a
 * forwarding marker behind: the size slot becomes forwardedMark and the
 * first header slot (up for env frames, prev for cont frames) holds the
 * heap copy. Forwarding markers are resolved within these routines and
 * never leak out; they only ever appear in the stack.
 */

// checkStack makes sure the stack has room for at least size more
// slots, migrating live frames to the heap when it does not.
func (vm *VM) checkStack(size int) {
	if vm.sp >= len(vm.stack)-size {
		vm.saveStack()
	}
}

// saveEnv moves the chain of env frames starting at envBegin from the
// stack to the heap, leaving forwarded markers behind. It only moves
// the env frames themselves; pointers into the moved frames (found in
// the in-stack continuation frames chained from the cont register) are
// the caller's responsibility.
func (vm *VM) saveEnv(envBegin envRef) envRef {
	e := envBegin
	if !e.inStack() {
		return e
	}
	var prev, head *EnvFrame
	for e.inStack() {
		size := vm.stack[e.off+efSize].(int)
		if size == forwardedMark {
			fwd := vm.envForwarded(e)
			if prev != nil {
				prev.up = fwd
			} else {
				head = fwd
			}
			return heapEnvRef(head)
		}

		vals := make([]Value, size)
		for i := 0; i < size; i++ {
			vals[i] = vm.ensureMem(vm.stack[e.off-size+i])
		}
		saved := &EnvFrame{info: vm.stack[e.off+efInfo], vals: vals}

		next := vm.stack[e.off+efUp].(envRef)
		if next.heap != nil {
			saved.up = next.heap
		}
		if prev != nil {
			prev.up = saved
		}
		if head == nil {
			head = saved
		}

		// forwarding marker
		vm.stack[e.off+efUp] = envRef{heap: saved}
		vm.stack[e.off+efSize] = forwardedMark
		vm.stack[e.off+efInfo] = false

		prev = saved
		e = next
	}
	return heapEnvRef(head)
}

// saveCont copies the continuation frames to the heap in two passes:
// the first replaces in-stack frames with forwarded markers, the second
// updates every external pointer to them (the cont register, each
// host-stack record, and each escape point on both the main and the
// floating chain).
//
// After saveCont the only thing possibly left in the stack is the
// argument block between argp and sp.
func (vm *VM) saveCont() {
	// Save the environment chain first.
	vm.env = vm.saveEnv(vm.env)

	c := vm.cont
	if !c.inStack() {
		return
	}

	// First pass.
	var prev *ContFrame
	for c.inStack() {
		size := vm.stack[c.off+cfSize].(int)
		if size == forwardedMark {
			if prev != nil {
				prev.prev = vm.contForwarded(c)
			}
			break
		}

		// promote this frame's env chain if still in the stack
		cenv := vm.stack[c.off+cfEnv].(envRef)
		if vm.envForwardedP(cenv) {
			cenv = heapEnvRef(vm.envForwarded(cenv))
		} else if cenv.inStack() {
			cenv = vm.saveEnv(cenv)
		}
		vm.stack[c.off+cfEnv] = cenv

		argp := vm.stack[c.off+cfArgp].(int)
		csave := &ContFrame{
			env:  cenv.heap,
			size: size,
			pc:   vm.stack[c.off+cfPC],
			base: vm.stack[c.off+cfBase].(*CompiledCode),
		}
		if argp >= 0 {
			if size > 0 {
				csave.data = make([]Value, size)
				for i := 0; i < size; i++ {
					csave.data[i] = vm.ensureMem(vm.stack[argp+i])
				}
			}
		} else {
			// host frame: the data words are opaque and must not be
			// inspected for flonum promotion
			csave.host = true
			if size > 0 {
				csave.data = make([]Value, size)
				copy(csave.data, vm.stack[c.off+contFrameSize:c.off+contFrameSize+size])
			}
		}

		next := vm.stack[c.off+cfPrev].(contRef)
		if next.heap != nil {
			csave.prev = next.heap
		}
		if prev != nil {
			prev.prev = csave
		}
		prev = csave

		// forwarding marker
		vm.stack[c.off+cfPrev] = contRef{heap: csave}
		vm.stack[c.off+cfSize] = forwardedMark

		c = next
	}

	// Second pass.
	if vm.contForwardedP(vm.cont) {
		vm.cont = heapContRef(vm.contForwarded(vm.cont))
	}
	for cs := vm.cstack; cs != nil; cs = cs.prev {
		if vm.contForwardedP(cs.cont) {
			cs.cont = heapContRef(vm.contForwarded(cs.cont))
		}
	}
	for ep := vm.escapePoint; ep != nil; ep = ep.prev {
		if vm.contForwardedP(ep.cont) {
			ep.cont = heapContRef(vm.contForwarded(ep.cont))
		}
	}
	for ep := vm.floatingEP; ep != nil; ep = ep.floating {
		if vm.contForwardedP(ep.cont) {
			ep.cont = heapContRef(vm.contForwarded(ep.cont))
		}
	}
}

// saveStack promotes every live frame to the heap and compacts the
// stack down to the argument block under construction. The vacated
// cells are cleared so stale values do not keep garbage alive.
func (vm *VM) saveStack() {
	start := time.Now()

	vm.saveCont()
	n := vm.sp - vm.argp
	if n > 0 && vm.argp != 0 {
		copy(vm.stack[0:n], vm.stack[vm.argp:vm.sp])
	}
	vm.sp = n
	vm.argp = 0
	for i := vm.sp; i < len(vm.stack); i++ {
		vm.stack[i] = nil
	}

	vm.SaveStackCount++
	vm.SaveStackTime += time.Since(start)
}

// getEnv returns the current environment chain as heap frames,
// promoting it if needed. Pointers to the moved frames held by in-stack
// continuation frames are redirected here.
func (vm *VM) getEnv() *EnvFrame {
	e := vm.saveEnv(vm.env)
	if e != vm.env {
		vm.env = e
		for c := vm.cont; c.inStack(); c = vm.contPrev(c) {
			ce := vm.stack[c.off+cfEnv].(envRef)
			if vm.envForwardedP(ce) {
				vm.stack[c.off+cfEnv] = heapEnvRef(vm.envForwarded(ce))
			}
		}
	}
	return e.heap
}
