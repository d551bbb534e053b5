package svm

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

/*
	Each VM instance owns:
			- one contiguous value stack shared by argument blocks,
			  environment frames and continuation frames
			- the register set (pc, sp, argp, env, cont, base, val0,
			  vals[], numVals)
			- the chain of host-stack records for nested host->VM entries
			- the escape-point chain for error handlers
			- the dynamic-handler list maintained by dynamic-wind
			- the attention/queued-request flags

	One instance is bound to one OS thread (goroutine); only that thread
	may touch the stack and registers. Other threads communicate through
	the atomic attention flags and the instance condition variable.

	Environment frames and continuation frames are built in place on the
	value stack. A frame is addressed either by its header offset in the
	stack or, once promoted, by a heap pointer; the envRef/contRef unions
	below carry that distinction. An in-stack frame whose size slot holds
	forwardedMark has been migrated and its first header slot points at
	the heap copy.

	Stack layout of an environment frame (header at offset h):

			h-size .. h-1   bindings
			h+0             up    (envRef)
			h+1             info  (Value)
			h+2             size  (int)

	Stack layout of a continuation frame (header at offset h; for Scheme
	frames the saved arguments are the block [argp, h) just below it, for
	host frames the opaque data words follow the header):

			h+0             prev  (contRef)
			h+1             env   (envRef)
			h+2             argp  (int; -1 marks a host frame)
			h+3             size  (int)
			h+4             pc    (pcPair, ccProc or boundaryMarker)
			h+5             base  (*CompiledCode)
*/

const (
	defaultStackSize = 10000
	envHeaderSize    = 3
	contFrameSize    = 6
	forwardedMark    = -1

	// maxValues bounds a multiple-value return.
	maxValues = 20
)

// Header slot indices.
const (
	efUp = iota
	efInfo
	efSize
)

const (
	cfPrev = iota
	cfEnv
	cfArgp
	cfSize
	cfPC
	cfBase
)

// VMState is the lifecycle state of an instance.
type VMState int32

const (
	VMNew VMState = iota
	VMRunnable
	VMStopped
	VMTerminated
)

// EnvFrame is a heap-promoted environment frame. Bindings are stored in
// the order they were pushed; up always refers to another heap frame
// (promotion migrates whole chains).
type EnvFrame struct {
	up   *EnvFrame
	info Value
	vals []Value
}

// Up returns the enclosing frame.
func (e *EnvFrame) Up() *EnvFrame { return e.up }

// Size returns the number of bindings.
func (e *EnvFrame) Size() int { return len(e.vals) }

// Data returns binding i, where 0 names the most recently pushed slot.
func (e *EnvFrame) Data(i int) Value { return e.vals[len(e.vals)-1-i] }

// ContFrame is a heap-promoted continuation frame. For Scheme frames
// data holds the saved argument block; for host frames it holds opaque
// words delivered to the callback in the pc slot.
type ContFrame struct {
	prev *ContFrame
	env  *EnvFrame
	host bool
	size int
	pc   Value
	base *CompiledCode
	data []Value
}

// envRef addresses an environment frame: a heap pointer, or a header
// offset into the value stack when heap is nil. off < 0 with a nil heap
// pointer is the null reference.
type envRef struct {
	heap *EnvFrame
	off  int
}

// contRef is the continuation-frame analogue of envRef.
type contRef struct {
	heap *ContFrame
	off  int
}

var (
	nullEnvRef  = envRef{off: -1}
	nullContRef = contRef{off: -1}
)

func (e envRef) null() bool    { return e.heap == nil && e.off < 0 }
func (e envRef) inStack() bool { return e.heap == nil && e.off >= 0 }

func (c contRef) null() bool    { return c.heap == nil && c.off < 0 }
func (c contRef) inStack() bool { return c.heap == nil && c.off >= 0 }

func heapEnvRef(e *EnvFrame) envRef {
	if e == nil {
		return nullEnvRef
	}
	return envRef{heap: e, off: 0}
}

func heapContRef(c *ContFrame) contRef {
	if c == nil {
		return nullContRef
	}
	return contRef{heap: c, off: 0}
}

// cstackRec mirrors one nested host->interpreter entry. Escapes unwind
// records one at a time until they reach the level that owns the target
// escape point.
type cstackRec struct {
	prev *cstackRec
	cont contRef
}

// EscapePoint records an error-handler installation plus the dynamic
// context needed to unwind to it. While its handler runs the point is
// moved from the main chain to the floating chain so that errors inside
// the handler reach the outer point, yet stack promotion still updates
// cont.
type EscapePoint struct {
	prev           *EscapePoint
	floating       *EscapePoint
	ehandler       Value
	xhandler       Value
	handlers       Value
	cont           contRef
	cstack         *cstackRec
	errorReporting bool
	rewindBefore   bool
}

// VM is one interpreter instance.
type VM struct {
	name Value

	state  atomic.Int32
	vmlock sync.Mutex
	cond   *sync.Cond

	// value stack
	stack []Value
	sp    int
	argp  int

	// registers
	code    []Word
	pc      int
	base    *CompiledCode
	env     envRef
	cont    contRef
	val0    Value
	vals    [maxValues - 1]Value
	numVals int

	// dynamic state
	handlers         Value // list of (before . after) pairs, innermost first
	exceptionHandler Value
	escapePoint      *EscapePoint
	floatingEP       *EscapePoint
	cstack           *cstackRec

	errorBeingReported bool
	errorBeingHandled  bool

	// flonum side stack (enabled by EnableFPStack)
	fpstack []Flonum
	fpsp    int

	module *Module
	curin  *Port
	curout *Port
	curerr *Port

	// attention flags; written by other threads, polled between
	// instructions
	attentionRequest atomic.Bool
	signalPending    atomic.Bool
	finalizerPending atomic.Bool
	stopRequest      atomic.Bool

	// collaborators
	sigCheck     func(*VM)
	finalizerRun func(*VM)

	prof *Profiler

	// stats
	SaveStackCount int
	SaveStackTime  time.Duration
}

// NewVM creates an instance. proto, when non-nil, donates the module,
// current ports and collaborators, the way a parent thread seeds a
// child.
func NewVM(proto *VM, name Value) *VM {
	vm := &VM{
		name:  name,
		stack: make([]Value, defaultStackSize),
	}
	vm.cond = sync.NewCond(&vm.vmlock)
	vm.state.Store(int32(VMNew))

	if proto != nil {
		vm.module = proto.module
		vm.curin = proto.curin
		vm.curout = proto.curout
		vm.curerr = proto.curerr
		vm.sigCheck = proto.sigCheck
		vm.finalizerRun = proto.finalizerRun
		vm.cstack = proto.cstack
	} else {
		vm.module = BaseModule()
		vm.curin = StdinPort()
		vm.curout = StdoutPort()
		vm.curerr = StderrPort()
	}

	vm.env = nullEnvRef
	vm.cont = nullContRef
	vm.code = returnCode
	vm.pc = 0
	vm.val0 = Undefined
	for i := range vm.vals {
		vm.vals[i] = Undefined
	}
	vm.numVals = 1
	vm.handlers = Nil
	vm.exceptionHandler = defaultExceptionHandlerObj
	return vm
}

// SetStackSize replaces the value stack. Only legal before the first
// entry into the interpreter.
func (vm *VM) SetStackSize(n int) {
	if n < 2*contFrameSize {
		n = 2 * contFrameSize
	}
	vm.stack = make([]Value, n)
}

// EnableFPStack turns on the unboxed-flonum side stack.
func (vm *VM) EnableFPStack() {
	vm.fpstack = make([]Flonum, len(vm.stack))
	vm.fpsp = 0
}

// AttachVM marks the instance as bound to the calling thread. Returns
// false if the instance was already attached.
func (vm *VM) AttachVM() bool {
	if VMState(vm.state.Load()) != VMNew {
		return false
	}
	vm.state.Store(int32(VMRunnable))
	return true
}

// State returns the lifecycle state; readable from any thread.
func (vm *VM) State() VMState { return VMState(vm.state.Load()) }

// Name returns the instance name given at creation.
func (vm *VM) Name() Value { return vm.name }

// Module returns the module global references resolve in by default.
func (vm *VM) Module() *Module { return vm.module }

// CurrentOutputPort returns the current output port.
func (vm *VM) CurrentOutputPort() *Port { return vm.curout }

// CurrentInputPort returns the current input port.
func (vm *VM) CurrentInputPort() *Port { return vm.curin }

// CurrentErrorPort returns the current error port.
func (vm *VM) CurrentErrorPort() *Port { return vm.curerr }

// SetCurrentOutputPort replaces the current output port.
func (vm *VM) SetCurrentOutputPort(p *Port) { vm.curout = p }

// SetCurrentInputPort replaces the current input port.
func (vm *VM) SetCurrentInputPort(p *Port) { vm.curin = p }

// SetSignalCheck installs the signal collaborator invoked by the
// queued-request processor.
func (vm *VM) SetSignalCheck(fn func(*VM)) { vm.sigCheck = fn }

// SetFinalizerRun installs the finalizer collaborator.
func (vm *VM) SetFinalizerRun(fn func(*VM)) { vm.finalizerRun = fn }

// NumResults reports how many values the last evaluation produced.
func (vm *VM) NumResults() int { return vm.numVals }

// Results returns the values of the last evaluation as a slice.
func (vm *VM) Results() []Value {
	if vm.numVals == 0 {
		return nil
	}
	out := make([]Value, vm.numVals)
	out[0] = vm.val0
	for i := 1; i < vm.numVals; i++ {
		out[i] = vm.vals[i-1]
	}
	return out
}

// SetResult replaces the result registers with a single value.
func (vm *VM) SetResult(v Value) {
	vm.val0 = v
	vm.numVals = 1
}

/*
 * Micro-operations over the stack and frames.
 */

// pushArg pushes v onto the argument block under construction.
func (vm *VM) pushArg(v Value) {
	vm.stack[vm.sp] = v
	vm.sp++
}

// popArg pops the top of the argument block.
func (vm *VM) popArg() Value {
	vm.sp--
	return vm.stack[vm.sp]
}

func (vm *VM) envUp(e envRef) envRef {
	if e.heap != nil {
		return heapEnvRef(e.heap.up)
	}
	return vm.stack[e.off+efUp].(envRef)
}

func (vm *VM) envSize(e envRef) int {
	if e.heap != nil {
		return len(e.heap.vals)
	}
	return vm.stack[e.off+efSize].(int)
}

func (vm *VM) envInfo(e envRef) Value {
	if e.heap != nil {
		return e.heap.info
	}
	return vm.stack[e.off+efInfo]
}

// envData reads binding i of frame e; index 0 names the most recently
// pushed slot, matching the compiler's numbering.
func (vm *VM) envData(e envRef, i int) Value {
	if e.heap != nil {
		return e.heap.Data(i)
	}
	return vm.stack[e.off-1-i]
}

func (vm *VM) envSetData(e envRef, i int, v Value) {
	if e.heap != nil {
		e.heap.vals[len(e.heap.vals)-1-i] = v
		return
	}
	vm.stack[e.off-1-i] = v
}

func (vm *VM) envForwardedP(e envRef) bool {
	return e.inStack() && vm.stack[e.off+efSize].(int) == forwardedMark
}

func (vm *VM) envForwarded(e envRef) *EnvFrame {
	return vm.stack[e.off+efUp].(envRef).heap
}

func (vm *VM) contPrev(c contRef) contRef {
	if c.heap != nil {
		return heapContRef(c.heap.prev)
	}
	return vm.stack[c.off+cfPrev].(contRef)
}

func (vm *VM) contEnv(c contRef) envRef {
	if c.heap != nil {
		return heapEnvRef(c.heap.env)
	}
	return vm.stack[c.off+cfEnv].(envRef)
}

func (vm *VM) contSize(c contRef) int {
	if c.heap != nil {
		return c.heap.size
	}
	return vm.stack[c.off+cfSize].(int)
}

func (vm *VM) contPC(c contRef) Value {
	if c.heap != nil {
		return c.heap.pc
	}
	return vm.stack[c.off+cfPC]
}

func (vm *VM) contHostP(c contRef) bool {
	if c.heap != nil {
		return c.heap.host
	}
	return vm.stack[c.off+cfArgp].(int) < 0
}

func (vm *VM) contForwardedP(c contRef) bool {
	return c.inStack() && vm.stack[c.off+cfSize].(int) == forwardedMark
}

func (vm *VM) contForwarded(c contRef) *ContFrame {
	return vm.stack[c.off+cfPrev].(contRef).heap
}

// contFrameEnd finds the stack bottom next to an in-stack continuation
// frame: the shift target for tail calls.
func (vm *VM) contFrameEnd(c contRef) int {
	if vm.contHostP(c) {
		return c.off + contFrameSize + vm.contSize(c)
	}
	return c.off + contFrameSize
}

// boundaryFrameP reports whether c marks a host entry.
func (vm *VM) boundaryFrameP(c contRef) bool {
	if c.null() {
		return false
	}
	_, ok := vm.contPC(c).(boundaryMarker)
	return ok
}

// pushCont pushes a continuation frame resuming at pcv. The argument
// block [argp, sp) becomes the frame's saved data.
func (vm *VM) pushCont(pcv Value) {
	h := vm.sp
	vm.stack[h+cfPrev] = vm.cont
	vm.stack[h+cfEnv] = vm.env
	vm.stack[h+cfArgp] = vm.argp
	vm.stack[h+cfSize] = vm.sp - vm.argp
	vm.stack[h+cfPC] = pcv
	vm.stack[h+cfBase] = vm.base
	vm.cont = contRef{off: h}
	vm.sp = h + contFrameSize
	vm.argp = vm.sp
}

// currentPC captures the resumable position for pushCont.
func (vm *VM) currentPC() Value {
	return pcPair{code: vm.code, off: vm.pc}
}

// pcToReturn points the pc at the static return stub.
func (vm *VM) pcToReturn() {
	vm.code = returnCode
	vm.pc = 0
}

// setPC installs a saved bytecode position.
func (vm *VM) setPC(p Value) {
	switch x := p.(type) {
	case pcPair:
		vm.code = x.code
		vm.pc = x.off
	case boundaryMarker:
		// a boundary frame never resumes; the host entry that pushed
		// it restores its own pc
		vm.pcToReturn()
	default:
		panic(fmt.Sprintf("svm: invalid pc slot %v", p))
	}
}

// popCont pops the current continuation frame, restoring registers. For
// host frames the callback is invoked with the accumulator and the
// frame's opaque words.
func (vm *VM) popCont() {
	c := vm.cont
	if vm.contHostP(c) {
		var data []Value
		var after ccProc
		if c.heap != nil {
			data = c.heap.data
			after = c.heap.pc.(ccProc)
			vm.env = heapEnvRef(c.heap.env)
			vm.base = c.heap.base
			vm.cont = heapContRef(c.heap.prev)
		} else {
			size := vm.contSize(c)
			data = make([]Value, size)
			copy(data, vm.stack[c.off+contFrameSize:c.off+contFrameSize+size])
			after = vm.stack[c.off+cfPC].(ccProc)
			vm.env = vm.stack[c.off+cfEnv].(envRef)
			vm.base = vm.stack[c.off+cfBase].(*CompiledCode)
			vm.cont = vm.stack[c.off+cfPrev].(contRef)
			vm.sp = c.off
		}
		vm.argp = vm.sp
		vm.pcToReturn()
		v := vm.ensureMem(vm.val0)
		vm.val0 = after(vm, v, data)
		return
	}
	if c.heap != nil {
		f := c.heap
		vm.argp = 0
		vm.sp = 0
		vm.env = heapEnvRef(f.env)
		vm.setPC(f.pc)
		vm.base = f.base
		if f.size > 0 {
			copy(vm.stack[0:], f.data)
			vm.sp = f.size
		}
		vm.cont = heapContRef(f.prev)
		return
	}
	argp := vm.stack[c.off+cfArgp].(int)
	vm.sp = argp + vm.contSize(c)
	vm.env = vm.stack[c.off+cfEnv].(envRef)
	vm.argp = argp
	vm.setPC(vm.stack[c.off+cfPC])
	vm.base = vm.stack[c.off+cfBase].(*CompiledCode)
	vm.cont = vm.stack[c.off+cfPrev].(contRef)
}

// finishEnv pushes an environment header on top of the argument block,
// turning it into the current environment frame.
func (vm *VM) finishEnv(info Value, up envRef) {
	h := vm.sp
	vm.stack[h+efUp] = up
	vm.stack[h+efInfo] = info
	vm.stack[h+efSize] = vm.sp - vm.argp
	vm.sp = h + envHeaderSize
	vm.argp = vm.sp
	vm.env = envRef{off: h}
}

// pushLocalEnv extends the environment by size unspecified slots.
func (vm *VM) pushLocalEnv(size int, info Value) {
	for i := 0; i < size; i++ {
		vm.pushArg(Undefined)
	}
	vm.finishEnv(info, vm.env)
}

/*
  Discard the current procedure's local frame before performing a tail
  call. Just before the tail call the typical stack layout is

	 sp  >|      |
	      | argN |
	      |   :  |
	 argp>| arg0 |
	      | env  |
	 env >| env  |
	      |local |
	      |   :  |
	 cont>| cont |

  arg0..argN are the arguments for the call and the locals below belong
  to the procedure being exited. The arguments shift down to just above
  the innermost in-stack continuation frame, or to the stack base when
  every continuation already lives on the heap. This shift is what keeps
  self-tail-calls in constant space.
*/
func (vm *VM) discardEnv() {
	argc := vm.sp - vm.argp
	to := 0
	if vm.cont.inStack() {
		to = vm.contFrameEnd(vm.cont)
	}
	if argc > 0 && to != vm.argp {
		copy(vm.stack[to:to+argc], vm.stack[vm.argp:vm.sp])
	}
	vm.argp = to
	vm.sp = to + argc
	vm.env = nullEnvRef
}

// Dump writes the internal state to w; a diagnostic of last resort.
func (vm *VM) Dump(w io.Writer) {
	fmt.Fprintf(w, "VM %p ----------------------------------------\n", vm)
	fmt.Fprintf(w, "   pc: %d (%d words in vector)\n", vm.pc, len(vm.code))
	fmt.Fprintf(w, "   sp: %d  argp: %d  stack: %d\n", vm.sp, vm.argp, len(vm.stack))
	fmt.Fprintf(w, " val0: %s  numVals: %d\n", WriteString(vm.val0, false), vm.numVals)

	fmt.Fprintf(w, " envs:\n")
	for e := vm.env; !e.null(); e = vm.envUp(e) {
		if vm.envForwardedP(e) {
			fmt.Fprintf(w, "   [forwarded]\n")
			break
		}
		fmt.Fprintf(w, "   size=%d info=%s heap=%v\n",
			vm.envSize(e), WriteString(vm.envInfo(e), true), e.heap != nil)
	}
	fmt.Fprintf(w, " conts:\n")
	for c := vm.cont; !c.null(); c = vm.contPrev(c) {
		if vm.contForwardedP(c) {
			fmt.Fprintf(w, "   [forwarded]\n")
			break
		}
		kind := "scheme"
		if vm.boundaryFrameP(c) {
			kind = "boundary"
		} else if vm.contHostP(c) {
			kind = "host"
		}
		fmt.Fprintf(w, "   %s size=%d heap=%v\n", kind, vm.contSize(c), c.heap != nil)
	}
	fmt.Fprintf(w, " cstacks:\n")
	for cs := vm.cstack; cs != nil; cs = cs.prev {
		fmt.Fprintf(w, "   %p prev=%p\n", cs, cs.prev)
	}
	fmt.Fprintf(w, " escape points:\n")
	for ep := vm.escapePoint; ep != nil; ep = ep.prev {
		fmt.Fprintf(w, "   %p handler=%s\n", ep, WriteString(ep.ehandler, false))
	}
	fmt.Fprintf(w, " handlers: %s\n", WriteString(vm.handlers, false))
}

// Warn prints a diagnostic to the process stderr; used where raising
// would lose the original failure.
func Warn(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "svm warning: "+format+"\n", args...)
}
