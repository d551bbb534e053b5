package svm

import (
	"sync/atomic"
	"testing"
	"time"
)

// A request raised before execution must be observed between the very
// first instructions, with the in-flight value registers preserved.
func TestSignalObserved(t *testing.T) {
	vm := newTestVM()
	ran := false
	vm.SetSignalCheck(func(vm *VM) { ran = true })

	defineSpin(t, "test-spin-signal", 1000)
	clo := BaseModule().FindBinding(Intern("test-spin-signal")).Value

	vm.RequestSignal()
	r := vm.ApplyRec1(clo, 0)
	assert(t, ran, "signal collaborator did not run")
	assert(t, r == Value(Intern("done")), "result = %v, want done", r)
}

func TestFinalizerObserved(t *testing.T) {
	vm := newTestVM()
	ran := false
	vm.SetFinalizerRun(func(vm *VM) { ran = true })

	defineSpin(t, "test-spin-final", 1000)
	clo := BaseModule().FindBinding(Intern("test-spin-final")).Value

	vm.RequestFinalizers()
	r := vm.ApplyRec1(clo, 0)
	assert(t, ran, "finalizer collaborator did not run")
	assert(t, r == Value(Intern("done")), "result = %v, want done", r)
}

// The attention handler may itself run Scheme code; the interrupted
// computation's value registers must come back intact.
func TestAttentionPreservesValues(t *testing.T) {
	vm := newTestVM()
	vm.SetSignalCheck(func(vm *VM) {
		// clobber the registers from inside the handler
		vm.ApplyRec3(BaseModule().FindBinding(Intern("values")).Value, 7, 8, 9)
	})

	defineSpin(t, "test-spin-preserve", 100)
	clo := BaseModule().FindBinding(Intern("test-spin-preserve")).Value

	vm.RequestSignal()
	r := vm.ApplyRec1(clo, 0)
	assert(t, r == Value(Intern("done")), "result = %v, want done", r)
	assert(t, vm.NumResults() == 1, "numVals = %d, want 1", vm.NumResults())
}

// Another thread can park the instance with a stop request, inspect
// it, and resume it.
func TestStopResume(t *testing.T) {
	vm := newTestVM()

	var release atomic.Bool
	done := MakeSubr(func(vm *VM, args []Value, data any) Value {
		return release.Load()
	}, nil, 0, false, "release?")

	// (define (wait-loop) (if (release?) 'finished (wait-loop)))
	fc := NewCodeBuilder(Intern("wait-loop"), 0, false)
	fc.EmitJump(OpPreCall, 0, "check")
	fc.EmitConst(OpConst, 0, done)
	fc.Emit(OpCall, 0, 0)
	fc.Label("check")
	fc.EmitJump(OpBranchFalse, 0, "again")
	fc.EmitConst(OpConst, 0, Intern("finished"))
	fc.Emit(OpRet, 0, 0)
	fc.Label("again")
	fc.EmitConst(OpGref, 0, ident("test-wait-loop"))
	fc.Emit(OpTailCall, 0, 0)
	clo := &Closure{Code: buildCode(t, fc)}
	BaseModule().Define(Intern("test-wait-loop"), clo)

	result := make(chan Value, 1)
	go func() {
		result <- vm.ApplyRec0(clo)
	}()

	vm.RequestStop()
	vm.WaitStopped()
	assert(t, vm.State() == VMStopped, "state = %v, want stopped", vm.State())

	// while stopped the loop makes no progress
	release.Store(true)
	select {
	case r := <-result:
		t.Fatalf("instance kept running while stopped: %v", r)
	case <-time.After(50 * time.Millisecond):
	}

	vm.ResumeStopped()
	select {
	case r := <-result:
		assert(t, r == Value(Intern("finished")), "result = %v, want finished", r)
	case <-time.After(5 * time.Second):
		t.Fatal("instance did not resume")
	}
}

// A canceled stop request is never honored.
func TestCancelStop(t *testing.T) {
	vm := newTestVM()
	vm.RequestStop()
	vm.CancelStop()

	defineSpin(t, "test-spin-cancel", 100)
	clo := BaseModule().FindBinding(Intern("test-spin-cancel")).Value
	r := vm.ApplyRec1(clo, 0)
	assert(t, r == Value(Intern("done")), "result = %v, want done", r)
	assert(t, vm.State() == VMRunnable, "state = %v, want runnable", vm.State())
}
