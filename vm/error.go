package svm

import (
	"fmt"
	"os"
)

/*
 * Exception handling.
 *
 * Two layers cooperate here. with-exception-handler swaps the current
 * exception handler for the dynamic extent of a thunk; raising applies
 * that handler directly. with-error-handler (and its guard variant)
 * additionally creates an escape point: a lightweight one-shot
 * continuation the default handler unwinds to, running the dynamic
 * handlers in between.
 *
 * While an error handler runs, its escape point moves from the main
 * chain to the floating chain, so that (a) an error raised inside the
 * handler is caught by the next outer point, and (b) stack promotion
 * while the handler runs still updates the point's saved continuation.
 */

// defaultExceptionHandlerObj is the system default handler. Installing
// anything else makes raise call that instead.
//
// Assigned in init() rather than a var initializer: the closure body
// transitively calls back into code that references this same
// variable, which the compiler's initializer-dependency analysis
// flags as a cycle even though nothing actually runs until the VM is
// in use. init() runs after all package vars are initialized, which
// sidesteps that static check without changing behavior.
var defaultExceptionHandlerObj *Subr

func init() {
	defaultExceptionHandlerObj = MakeSubr(
		func(vm *VM, args []Value, data any) Value {
			vm.defaultExceptionHandler(args[0])
			return Undefined // not reached
		},
		nil, 1, false, "default-exception-handler")
}

// Errorf raises a serious error condition built from a format string.
// It does not return.
func (vm *VM) Errorf(format string, args ...any) {
	cond := &ErrorCondition{Msg: fmt.Sprintf(format, args...), Serious: true}
	vm.ThrowException(cond)
	panic("svm: serious condition handler returned")
}

// Raise throws cond through the exception protocol. For continuable
// conditions the handler's value comes back as the result.
func (vm *VM) Raise(cond Value) Value {
	return vm.ThrowException(cond)
}

// ThrowException is the entry point of raising. It may be called from
// the raise subr or from host code with raw Go frames below, so the
// user handler is applied recursively rather than by tail arrangement.
// Note that this function may return (continuable conditions).
func (vm *VM) ThrowException(cond Value) Value {
	vm.errorBeingHandled = false

	if vm.exceptionHandler != Value(defaultExceptionHandlerObj) {
		vm.val0 = vm.ApplyRec1(vm.exceptionHandler, cond)
		if seriousConditionP(cond) {
			// The user-installed handler returned while it must not.
			// Reset it to keep the error from looping.
			vm.exceptionHandler = defaultExceptionHandlerObj
			vm.Errorf("user-defined exception handler returned on non-continuable exception %s",
				WriteString(cond, false))
		}
		return vm.val0
	}
	if !seriousConditionP(cond) {
		// The default handler doesn't care about continuable
		// conditions; see if a user handler sits in the chain.
		for ep := vm.escapePoint; ep != nil; ep = ep.prev {
			if ep.xhandler != Value(defaultExceptionHandlerObj) {
				return vm.ApplyRec1(ep.xhandler, cond)
			}
		}
	}
	vm.defaultExceptionHandler(cond)
	panic("svm: default exception handler returned")
}

// runHandlersUntil pops dynamic handlers until the list equals target,
// calling each after-thunk with the list already truncated.
func (vm *VM) runHandlersUntil(target Value) {
	for hp := vm.handlers; ; {
		p, ok := hp.(*Pair)
		if !ok || EqP(hp, target) {
			break
		}
		proc := p.Car.(*Pair).Cdr
		vm.handlers = p.Cdr
		vm.ApplyRec0(proc)
		hp = p.Cdr
	}
}

// defaultExceptionHandler unwinds to the innermost escape point (or
// reports and bails when there is none) and escapes across the host
// boundary. It does not return.
func (vm *VM) defaultExceptionHandler(e Value) {
	ep := vm.escapePoint

	if ep != nil {
		var result Value = false
		var rvals [maxValues - 1]Value
		numVals := 0

		// A guard runs its clauses in the dynamic environment of the
		// guard form itself, so the handlers rewind before the handler
		// body; with-error-handler rewinds after.
		if ep.rewindBefore {
			vm.runHandlersUntil(ep.handlers)
		}

		// Pop the escape point before calling the handler so an error
		// inside it lands on the outer point; keep it floating so
		// stack promotion still updates ep.cont.
		vm.escapePoint = ep.prev
		vm.floatingEP = ep

		func() {
			defer func() {
				if r := recover(); r != nil {
					// error during the handler: restore the floating
					// chain and let the next handler take it
					vm.floatingEP = ep.floating
					panic(r)
				}
			}()
			result = vm.ApplyRec1(ep.ehandler, e)
			numVals = vm.numVals
			if numVals > 1 {
				copy(rvals[:], vm.vals[:numVals-1])
			}
			if !ep.rewindBefore {
				vm.runHandlersUntil(ep.handlers)
			}
		}()

		// Install the continuation.
		if numVals > 1 {
			copy(vm.vals[:], rvals[:numVals-1])
		}
		vm.numVals = numVals
		vm.val0 = result
		vm.cont = ep.cont
		vm.floatingEP = ep.floating
		if ep.errorReporting {
			vm.errorBeingReported = true
		}
	} else {
		// No active error handler: report, rewind every dynamic
		// handler, and leave through the host boundary.
		vm.ReportError(e)
		for {
			p, ok := vm.handlers.(*Pair)
			if !ok {
				break
			}
			proc := p.Car.(*Pair).Cdr
			vm.handlers = p.Cdr
			vm.ApplyRec0(proc)
		}
	}

	if vm.cstack != nil {
		panic(&vmEscape{reason: escapeError, ep: ep, val: e})
	}
	os.Exit(softwareErrorExit)
}

// ConditionMessage extracts a printable message from a condition.
func ConditionMessage(e Value) string {
	if c, ok := e.(*ErrorCondition); ok {
		return c.Msg
	}
	return WriteString(e, true)
}

// ReportError prints the condition and a stack trace to the current
// error port.
func (vm *VM) ReportError(e Value) {
	if vm.errorBeingReported {
		// An error occurred during reporting the original error.
		// Giving up on pretty-printing beats looping.
		fmt.Fprintf(os.Stderr, "svm: error while reporting error: %s\n", ConditionMessage(e))
		return
	}
	vm.errorBeingReported = true
	defer func() { vm.errorBeingReported = false }()

	port := vm.curerr
	port.Lock(vm)
	defer port.Unlock()
	port.PutsLocked("*** ERROR: " + ConditionMessage(e) + "\n")
	trace := vm.GetStackLite()
	if !NullP(trace) {
		port.PutsLocked("Stack Trace:\n")
		i := 0
		for p, ok := trace.(*Pair); ok; p, ok = trace.(*Pair) {
			port.PutsLocked(fmt.Sprintf("%3d  %s\n", i, WriteString(p.Car, true)))
			trace = p.Cdr
			i++
		}
	}
	port.FlushLocked()
}

/*
 * with-error-handler / with-guard-handler
 */

func installEhandler(vm *VM, args []Value, data any) Value {
	ep := data.(*EscapePoint)
	vm.exceptionHandler = defaultExceptionHandlerObj
	vm.escapePoint = ep
	vm.errorBeingReported = false
	return Undefined
}

func discardEhandler(vm *VM, args []Value, data any) Value {
	ep := data.(*EscapePoint)
	vm.escapePoint = ep.prev
	vm.exceptionHandler = ep.xhandler
	if ep.errorReporting {
		vm.errorBeingReported = true
	}
	return Undefined
}

func (vm *VM) withErrorHandler(handler, thunk Value, rewindBefore bool) Value {
	// The saved continuation may point into the stack; that's fine,
	// since the point is reachable through the escape-point chain and
	// promotion redirects cont while it is.
	ep := &EscapePoint{
		prev:           vm.escapePoint,
		floating:       vm.floatingEP,
		ehandler:       handler,
		handlers:       vm.handlers,
		cstack:         vm.cstack,
		xhandler:       vm.exceptionHandler,
		cont:           vm.cont,
		errorReporting: vm.errorBeingReported,
		rewindBefore:   rewindBefore,
	}

	// install_ehandler does this too, but ep must be visible to stack
	// promotion before the dynamic-wind machinery runs.
	vm.escapePoint = ep
	before := MakeSubr(installEhandler, ep, 0, false, "%install-error-handler")
	after := MakeSubr(discardEhandler, ep, 0, false, "%discard-error-handler")
	return vm.DynamicWind(before, thunk, after)
}

// WithErrorHandler installs handler for errors raised while thunk runs.
// The handler runs in the dynamic context of the raise; its values
// become the values of the whole form.
func (vm *VM) WithErrorHandler(handler, thunk Value) Value {
	return vm.withErrorHandler(handler, thunk, false)
}

// WithGuardHandler is the guard-form variant: dynamic handlers rewind
// before the handler body runs.
func (vm *VM) WithGuardHandler(handler, thunk Value) Value {
	return vm.withErrorHandler(handler, thunk, true)
}

/*
 * with-exception-handler: the whole responsibility of dealing with the
 * raised condition goes to the programmer.
 */

func installXhandler(vm *VM, args []Value, data any) Value {
	vm.exceptionHandler = data
	return Undefined
}

// WithExceptionHandler runs thunk with handler as the current exception
// handler.
func (vm *VM) WithExceptionHandler(handler, thunk Value) Value {
	current := vm.exceptionHandler
	before := MakeSubr(installXhandler, handler, 0, false, "%install-exception-handler")
	after := MakeSubr(installXhandler, current, 0, false, "%restore-exception-handler")
	return vm.DynamicWind(before, thunk, after)
}
