package svm

/*
 * Queued handler processing.
 *
 * Signal handlers, finalizers and stop requests are queued on the
 * instance when requested (possibly from another thread) and processed
 * between two VM instructions, when the machine is in a consistent
 * state. Conceptually the processor inserts handler invocations before
 * the current continuation: the accumulator and the multi-value
 * registers are parked in a host continuation frame and restored when
 * processing finishes, so any Scheme code the handlers invoke sees a
 * perfectly ordinary continuation.
 */

// RequestSignal asks the instance to run its signal collaborator at the
// next inter-instruction check. Callable from any thread.
func (vm *VM) RequestSignal() {
	vm.signalPending.Store(true)
	vm.attentionRequest.Store(true)
}

// RequestFinalizers asks the instance to run queued finalizers.
// Callable from any thread.
func (vm *VM) RequestFinalizers() {
	vm.finalizerPending.Store(true)
	vm.attentionRequest.Store(true)
}

// RequestStop asks the instance to pause cooperatively. The caller can
// wait for the state to become VMStopped and later resume it with
// ResumeStopped. Callable from any thread.
func (vm *VM) RequestStop() {
	vm.stopRequest.Store(true)
	vm.attentionRequest.Store(true)
}

// CancelStop withdraws a stop request that has not been honored yet.
func (vm *VM) CancelStop() {
	vm.stopRequest.Store(false)
}

// WaitStopped blocks until the instance parks in VMStopped. Must not be
// called from the instance's own thread.
func (vm *VM) WaitStopped() {
	vm.vmlock.Lock()
	for VMState(vm.state.Load()) != VMStopped {
		vm.cond.Wait()
	}
	vm.vmlock.Unlock()
}

// ResumeStopped releases an instance parked by a stop request.
func (vm *VM) ResumeStopped() {
	vm.vmlock.Lock()
	if VMState(vm.state.Load()) == VMStopped {
		vm.state.Store(int32(VMRunnable))
		vm.cond.Broadcast()
	}
	vm.vmlock.Unlock()
}

func processQueuedRequestsCC(vm *VM, result Value, data []Value) Value {
	// restore the saved continuation of normal execution flow
	vm.numVals = data[0].(int)
	vm.val0 = data[1]
	if vm.numVals > 1 {
		cp := data[2]
		for i := 0; i < vm.numVals-1; i++ {
			p := cp.(*Pair)
			vm.vals[i] = p.Car
			cp = p.Cdr
		}
	}
	return vm.val0
}

func (vm *VM) processQueuedRequests() {
	// preserve the current continuation
	data := []Value{vm.numVals, vm.val0, nil}
	if vm.numVals > 1 {
		var h, t *Pair
		for i := 0; i < vm.numVals-1; i++ {
			cell := Cons(vm.vals[i], Nil)
			if t == nil {
				h = cell
			} else {
				t.Cdr = cell
			}
			t = cell
		}
		data[2] = h
	}
	vm.PushCC(processQueuedRequestsCC, data)

	// Safe to clear here: a request raised after this point is picked
	// up at the next check; a request raised before the collaborators
	// below run is handled by them directly. The worst case is one
	// spin through here with nothing to do.
	vm.attentionRequest.Store(false)

	if vm.signalPending.Swap(false) {
		if vm.sigCheck != nil {
			vm.sigCheck(vm)
		}
	}
	if vm.finalizerPending.Swap(false) {
		if vm.finalizerRun != nil {
			vm.finalizerRun(vm)
		}
	}

	// A stop is requested by another thread (usually for inspection).
	// Park on the condition variable until the controller resumes us.
	if vm.stopRequest.Load() {
		vm.vmlock.Lock()
		// double check; the request can be canceled in between
		if vm.stopRequest.Swap(false) {
			vm.state.Store(int32(VMStopped))
			vm.cond.Broadcast()
			for VMState(vm.state.Load()) == VMStopped {
				vm.cond.Wait()
			}
		}
		vm.vmlock.Unlock()
	}
}
