package svm

import (
	"errors"
	"fmt"
)

/*
 * CodeBuilder assembles a compiled-code object one instruction at a
 * time. It underlies both the text assembler and the test programs.
 * Jump targets are symbolic labels resolved at Build time; constants
 * are interned into the pool.
 */

type labelRef struct {
	pos   int // operand word index to patch
	label string
}

type CodeBuilder struct {
	name     Value
	required int
	optional bool
	maxStack int

	words  []Word
	consts []Value
	labels map[string]int
	refs   []labelRef
	info   []DebugEntry

	// running estimate of push depth for the default maxstack
	pushes int
}

func NewCodeBuilder(name Value, required int, optional bool) *CodeBuilder {
	return &CodeBuilder{
		name:     name,
		required: required,
		optional: optional,
		labels:   map[string]int{},
	}
}

// SetMaxStack overrides the computed stack requirement.
func (cb *CodeBuilder) SetMaxStack(n int) { cb.maxStack = n }

// AddSource attaches source info to the next instruction emitted.
func (cb *CodeBuilder) AddSource(src Value) {
	cb.info = append(cb.info, DebugEntry{Off: len(cb.words), Source: src})
}

// Const interns v into the constant pool and returns its index.
func (cb *CodeBuilder) Const(v Value) int {
	for i, c := range cb.consts {
		if EqP(c, v) {
			return i
		}
	}
	cb.consts = append(cb.consts, v)
	return len(cb.consts) - 1
}

func (cb *CodeBuilder) track(op Opcode) {
	switch op {
	case OpPush, OpConstiPush, OpConstPush, OpLrefPush:
		cb.pushes++
	case OpLocalEnv:
		cb.pushes += envHeaderSize
	case OpPreCall:
		cb.pushes += contFrameSize
	}
}

// Emit appends an instruction with packed params only.
func (cb *CodeBuilder) Emit(op Opcode, p0, p1 int) {
	cb.track(op)
	cb.words = append(cb.words, makeInsn(op, p0, p1))
}

// EmitConst appends an instruction whose operand word indexes the
// constant pool.
func (cb *CodeBuilder) EmitConst(op Opcode, p0 int, operand Value) {
	cb.Emit(op, p0, 0)
	cb.words = append(cb.words, Word(cb.Const(operand)))
}

// EmitJump appends an instruction whose operand word is a label,
// patched at Build time.
func (cb *CodeBuilder) EmitJump(op Opcode, p0 int, label string) {
	cb.Emit(op, p0, 0)
	cb.refs = append(cb.refs, labelRef{pos: len(cb.words), label: label})
	cb.words = append(cb.words, 0)
}

// Label defines label at the current offset.
func (cb *CodeBuilder) Label(label string) error {
	if _, ok := cb.labels[label]; ok {
		return fmt.Errorf("duplicate label: %s", label)
	}
	cb.labels[label] = len(cb.words)
	return nil
}

// Build patches the label references and returns the finished code
// object.
func (cb *CodeBuilder) Build() (*CompiledCode, error) {
	code := &CompiledCode{}
	if err := cb.BuildInto(code); err != nil {
		return nil, err
	}
	return code, nil
}

// BuildInto fills a preallocated code object; the assembler uses this
// so blocks can reference each other (even cyclically) through the
// constant pool.
func (cb *CodeBuilder) BuildInto(code *CompiledCode) error {
	if len(cb.words) == 0 {
		return errors.New("no instructions emitted")
	}
	for _, ref := range cb.refs {
		target, ok := cb.labels[ref.label]
		if !ok {
			return fmt.Errorf("undefined label: %s", ref.label)
		}
		cb.words[ref.pos] = Word(target)
	}
	maxStack := cb.maxStack
	if maxStack == 0 {
		maxStack = cb.pushes + envHeaderSize + contFrameSize + 8
		if maxStack < 16 {
			maxStack = 16
		}
	}
	code.Code = cb.words
	code.Consts = cb.consts
	code.MaxStack = maxStack
	code.Required = cb.required
	code.Optional = cb.optional
	code.Name = cb.name
	code.Info = cb.info
	return nil
}
