package svm

/*
 * Call with current continuation.
 */

// throwContCalculateHandlers figures out which before and after thunks
// must run to move from the current dynamic context to the target's.
// Returns a list of (thunk . handler-chain) pairs; each thunk runs with
// the handler list set to its chain.
func (vm *VM) throwContCalculateHandlers(ep *EscapePoint) Value {
	target := Reverse(ep.handlers)
	current := vm.handlers

	var head, tail *Pair
	push := func(v Value) {
		cell := Cons(v, Nil)
		if tail == nil {
			head = cell
		} else {
			tail.Cdr = cell
		}
		tail = cell
	}

	for p, ok := current.(*Pair); ok; p, ok = current.(*Pair) {
		if !FalseP(Memq(p.Car, target)) {
			break
		}
		// leaving the source context: schedule the after thunk
		push(Cons(p.Car.(*Pair).Cdr, p.Cdr))
		current = p.Cdr
	}
	for p, ok := target.(*Pair); ok; p, ok = target.(*Pair) {
		if FalseP(Memq(p.Car, vm.handlers)) {
			// entering the target context: schedule the before thunk
			chain := Memq(p.Car, ep.handlers)
			push(Cons(p.Car.(*Pair).Car, chain.(*Pair).Cdr))
		}
		target = p.Cdr
	}
	if head == nil {
		return Nil
	}
	return head
}

// throwContBody runs the pending handler thunks one by one, each
// through a host continuation so it sees the right dynamic context,
// then installs the target continuation and delivers the arguments.
func (vm *VM) throwContBody(handlers Value, ep *EscapePoint, args Value) Value {
	// first, check to see if we need to evaluate dynamic handlers
	if hp, ok := handlers.(*Pair); ok {
		entry := hp.Car.(*Pair)
		handler := entry.Car
		chain := entry.Cdr

		vm.PushCC(throwContCC, []Value{hp.Cdr, ep, args})
		vm.handlers = chain
		return vm.VMApply0(handler)
	}

	// If the target is a full continuation we can abandon the current
	// one. A partial continuation must return to the current
	// continuation when it finishes, so the current chain has to
	// survive its execution.
	if ep.cstack == nil {
		vm.saveCont()
	}

	// now, install the target continuation
	vm.pcToReturn()
	vm.cont = ep.cont
	vm.handlers = ep.handlers

	nargs := ListLength(args)
	switch {
	case nargs == 1:
		vm.numVals = 1
		return args.(*Pair).Car
	case nargs < 1:
		vm.numVals = 0
		return Undefined
	case nargs >= maxValues:
		vm.Errorf("too many values passed to the continuation")
	}

	i := 0
	for ap := args.(*Pair).Cdr; ; {
		p, ok := ap.(*Pair)
		if !ok {
			break
		}
		vm.vals[i] = p.Car
		i++
		ap = p.Cdr
	}
	vm.numVals = nargs
	return args.(*Pair).Car
}

func throwContCC(vm *VM, result Value, data []Value) Value {
	handlers := data[0]
	ep := data[1].(*EscapePoint)
	args := data[2]
	return vm.throwContBody(handlers, ep, args)
}

// throwContinuation is the body of a continuation procedure.
func throwContinuation(vm *VM, args []Value, data any) Value {
	ep := data.(*EscapePoint)
	argList := args[0] // rest list

	if ep.cstack != nil && vm.cstack != ep.cstack {
		found := false
		for cs := vm.cstack; cs != nil; cs = cs.prev {
			if cs == ep.cstack {
				found = true
				break
			}
		}
		// If the continuation was captured below the current host
		// frame, rewind to the captured record first. If the record is
		// gone the continuation is a ghost: its Scheme part runs on
		// the current host stack, and trying to return to the departed
		// host world is caught at the boundary.
		if found {
			panic(&vmEscape{reason: escapeCont, ep: ep, val: argList})
		}
	}

	handlersToCall := vm.throwContCalculateHandlers(ep)
	return vm.throwContBody(handlersToCall, ep, argList)
}

// CallCC captures the full continuation and applies proc to it. Must
// be called in subr tail position.
func (vm *VM) CallCC(proc Value) Value {
	vm.saveCont()
	ep := &EscapePoint{
		cont:     vm.cont,
		handlers: vm.handlers,
		cstack:   vm.cstack,
		ehandler: false,
	}
	contproc := MakeSubr(throwContinuation, ep, 0, true, "continuation")
	return vm.VMApply1(proc, contproc)
}

// CallPC captures a partial continuation delimited by the nearest
// boundary frame and applies proc to it. When the resulting procedure
// is invoked, the captured chain is spliced in front of whatever the
// continuation is at that point.
func (vm *VM) CallPC(proc Value) Value {
	// Save the whole continuation. Only the portion above the latest
	// boundary frame is strictly needed, but saving everything keeps
	// this simple.
	vm.saveCont()

	// find the latest boundary frame
	var c, cp *ContFrame
	for c = vm.cont.heap; c != nil; c = c.prev {
		if _, ok := c.pc.(boundaryMarker); ok {
			break
		}
		cp = c
	}
	if cp != nil {
		cp.prev = nil // cut the chain at the boundary
	}

	ep := &EscapePoint{
		cont:     vm.cont,
		handlers: vm.handlers,
		ehandler: false,
		// a nil host record lets the partial continuation run under
		// any host-stack state
		cstack: nil,
	}
	contproc := MakeSubr(throwContinuation, ep, 0, true, "partial continuation")

	// Continue from the boundary frame; c can be nil if we've been
	// executing a partial continuation, in which case the boundary's
	// own record restores the continuation.
	vm.cont = heapContRef(c)
	return vm.VMApply1(proc, contproc)
}
