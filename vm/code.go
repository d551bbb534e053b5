package svm

import (
	"fmt"
	"strings"
)

// DebugEntry associates an instruction offset with source information.
// Entries are kept sorted by ascending offset.
type DebugEntry struct {
	Off    int
	Source Value
}

// CompiledCode is an immutable unit of executable bytecode.
type CompiledCode struct {
	Code     []Word
	Consts   []Value
	MaxStack int
	Required int
	Optional bool
	Name     Value
	Info     []DebugEntry
}

// defaultMaxStack is used when a producer did not compute a tighter
// bound. It must cover the deepest push run between stack checks.
const defaultMaxStack = 64

func (c *CompiledCode) String() string {
	return fmt.Sprintf("#<compiled-code %s>", WriteString(c.Name, true))
}

// Disassemble renders the code vector one instruction per line.
func (c *CompiledCode) Disassemble() string {
	var b strings.Builder
	for pc := 0; pc < len(c.Code); {
		w := c.Code[pc]
		op := w.op()
		fmt.Fprintf(&b, "%4d  %s", pc, op)
		switch op.NumPackedParams() {
		case 1:
			fmt.Fprintf(&b, " %d", w.param0())
		case 2:
			fmt.Fprintf(&b, " %d %d", w.param0(), w.param1())
		}
		pc++
		if op.NumOperandWords() > 0 {
			operand := int(c.Code[pc])
			if op.OperandIsConstIndex() && operand < len(c.Consts) {
				fmt.Fprintf(&b, " %s", WriteString(c.Consts[operand], false))
			} else {
				fmt.Fprintf(&b, " -> %d", operand)
			}
			pc++
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// pcPair is a resumable bytecode position saved in a continuation
// frame: the code vector (which may be a static fragment distinct from
// the frame's base) plus an offset into it.
type pcPair struct {
	code []Word
	off  int
}

// ccProc is a host callback stored in the pc slot of a host
// continuation frame. It receives the accumulator value and the frame's
// opaque data words.
type ccProc func(vm *VM, result Value, data []Value) Value

// boundaryMarker occupies the pc slot of a boundary continuation frame:
// the point where host code most recently entered the interpreter. The
// return instruction hands control back to the host when it sees one.
type boundaryMarker struct{}

var boundaryMark = boundaryMarker{}

// returnCode is a stub code vector that makes the VM return
// immediately. Setting the pc here forces the next fetch to pop the
// current continuation.
var returnCode = []Word{makeInsn(OpRet, 0, 0)}

// applyCalls[n] is a static fragment performing a tail call of arity n
// followed by a return. VMApply points the pc at one of these so the
// call happens as the calling subr's tail.
var applyCalls = [5][]Word{
	{makeInsn(OpTailCall, 0, 0), makeInsn(OpRet, 0, 0)},
	{makeInsn(OpTailCall, 1, 0), makeInsn(OpRet, 0, 0)},
	{makeInsn(OpTailCall, 2, 0), makeInsn(OpRet, 0, 0)},
	{makeInsn(OpTailCall, 3, 0), makeInsn(OpRet, 0, 0)},
	{makeInsn(OpTailCall, 4, 0), makeInsn(OpRet, 0, 0)},
}

func applyCallFragment(nargs int) []Word {
	if nargs < len(applyCalls) {
		return applyCalls[nargs]
	}
	return []Word{makeInsn(OpTailCall, nargs, 0), makeInsn(OpRet, 0, 0)}
}

func valuesApplyFragment(nargs int) []Word {
	return []Word{makeInsn(OpValuesApply, nargs, 0), makeInsn(OpRet, 0, 0)}
}

// internalApplyCode is a fill-in base for recursive application when no
// compiled code is currently running.
var internalApplyCode = &CompiledCode{
	Code:     returnCode,
	MaxStack: defaultMaxStack,
	Name:     Intern("%internal-apply"),
}
