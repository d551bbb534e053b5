package svm

import "unsafe"

/*
 * Flonum side stack.
 *
 * When enabled, flonum temporaries are carved out of a per-VM array
 * instead of being allocated individually. A side-stack flonum must be
 * promoted to its own heap cell (ensureMem) before it can escape into
 * heap-reachable structure: saved frames, globals, pairs, closures.
 * flushFPStack promotes everything still reachable and resets the
 * array.
 */

// MakeFlonum boxes f, preferring the side stack when it is enabled.
func (vm *VM) MakeFlonum(f float64) *Flonum {
	if vm.fpstack == nil {
		p := new(Flonum)
		*p = Flonum(f)
		return p
	}
	if vm.fpsp >= len(vm.fpstack) {
		vm.flushFPStack()
	}
	p := &vm.fpstack[vm.fpsp]
	vm.fpsp++
	*p = Flonum(f)
	return p
}

// inFPStack reports whether p points into the side stack.
func (vm *VM) inFPStack(p *Flonum) bool {
	if len(vm.fpstack) == 0 {
		return false
	}
	base := uintptr(unsafe.Pointer(&vm.fpstack[0]))
	x := uintptr(unsafe.Pointer(p))
	return x >= base && x < base+uintptr(len(vm.fpstack))*unsafe.Sizeof(Flonum(0))
}

// ensureMem promotes a side-stack flonum to the heap. Values of any
// other type pass through untouched.
func (vm *VM) ensureMem(v Value) Value {
	if f, ok := v.(*Flonum); ok && vm.inFPStack(f) {
		p := new(Flonum)
		*p = *f
		return p
	}
	return v
}

func (vm *VM) ensureMemSlot(i int) {
	vm.stack[i] = vm.ensureMem(vm.stack[i])
}

// fpEnvCacheSize bounds the visited-frame cache used while flushing.
// With more frames than this, linear cache search costs more than the
// duplicate scan it avoids.
const fpEnvCacheSize = 32

// flushFPStack promotes every reachable side-stack flonum and resets
// the side stack: value registers, the argument block, the main env
// chain, and the env chains and argument blocks grabbed by the cont
// chain.
func (vm *VM) flushFPStack() {
	if vm.fpstack == nil {
		return
	}

	var visited [fpEnvCacheSize]envRef
	visitedIndex := 0

	seen := func(e envRef) bool {
		for i := 0; i < visitedIndex; i++ {
			if visited[i] == e {
				return true
			}
		}
		if visitedIndex < fpEnvCacheSize {
			visited[visitedIndex] = e
			visitedIndex++
		}
		return false
	}

	flushEnvChain := func(e envRef) {
		for e.inStack() {
			if !seen(e) {
				size := vm.envSize(e)
				for i := 0; i < size; i++ {
					vm.ensureMemSlot(e.off - size + i)
				}
			}
			e = vm.envUp(e)
		}
	}

	// value registers and the incomplete argument frame
	vm.val0 = vm.ensureMem(vm.val0)
	for i := range vm.vals {
		vm.vals[i] = vm.ensureMem(vm.vals[i])
	}
	for p := vm.argp; p < vm.sp; p++ {
		vm.ensureMemSlot(p)
	}

	// the main environment chain
	flushEnvChain(vm.env)

	// env chains and argument blocks grabbed by the cont chain
	for c := vm.cont; c.inStack(); c = vm.contPrev(c) {
		flushEnvChain(vm.stack[c.off+cfEnv].(envRef))
		argp := vm.stack[c.off+cfArgp].(int)
		size := vm.stack[c.off+cfSize].(int)
		if argp >= 0 && size > 0 {
			for i := 0; i < size; i++ {
				vm.ensureMemSlot(argp + i)
			}
		}
	}

	vm.fpsp = 0
}
