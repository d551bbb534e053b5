package svm

import (
	"strings"
	"testing"
)

func compileAndCheckSource(t *testing.T, source string) *CompiledCode {
	t.Helper()
	code, err := CompileSourceFromBuffer(nil, true, strings.Split(source, "\n"))
	assert(t, err == nil, "failed to assemble: %v", err)
	return code
}

var fibSource = `
; naive doubly-recursive fibonacci
code asm-fib 1
    lref-push 0 0
    consti 2
    numlt2
    branch-false rec
    lref 0 0
    ret
rec:
    pre-call 1 first
    lref-push 0 0
    consti 1
    numsub2
    push
    gref asm-fib
    call 1
first:
    push                ; keep fib(n-1) across the second call
    pre-call 1 second
    lref-push 0 0
    consti 2
    numsub2
    push
    gref asm-fib
    call 1
second:
    numadd2
    ret
end

    closure asm-fib
    define asm-fib

    pre-call 1 done
    consti-push 10
    gref asm-fib
    call 1
done:
`

func TestAssembleFib(t *testing.T) {
	vm := newTestVM()
	r := vm.EvalRec(compileAndCheckSource(t, fibSource))
	assert(t, r == Value(55), "(fib 10) = %v, want 55", r)
}

// Re-entering a dynamic-wind extent through a captured continuation
// runs the before thunk again, and leaving it again runs the after
// thunk again.
var rewindSource = `
code rw-before 0
    const-push b
    gref rw-trace
    cons
    gset rw-trace
end

code rw-after 0
    const-push a
    gref rw-trace
    cons
    gset rw-trace
end

code rw-grab 1
    lref 0 0
    gset rw-k
    consti 0
end

code rw-body 0
    pre-call 1 got
    closure rw-grab
    push
    gref call/cc
    call 1
got:
end

    const #f
    define rw-k
    consti 0
    define rw-n
    const ()
    define rw-trace

    pre-call 3 afterdw
    closure rw-before
    push
    closure rw-body
    push
    closure rw-after
    push
    gref dynamic-wind
    call 3
afterdw:
    gref rw-n
    push
    consti 1
    numadd2
    gset rw-n
    gref rw-n
    push
    consti 2
    numlt2
    branch-false fin
    pre-call 1 ignored
    consti-push 0
    gref rw-k
    call 1
ignored:
fin:
    gref rw-trace
`

func TestContinuationRewindsDynamicWind(t *testing.T) {
	vm := newTestVM()
	r := vm.EvalRec(compileAndCheckSource(t, rewindSource))
	// in, out, re-entry in, out again
	assert(t, WriteString(r, false) == "(a b a b)",
		"trace = %s, want (a b a b)", WriteString(r, false))
}

var multiValueSource = `
    pre-call 3 got
    consti-push 1
    consti-push 2
    consti-push 3
    gref values
    call 3
got:
`

func TestAssembleValues(t *testing.T) {
	vm := newTestVM()
	r := vm.EvalRec(compileAndCheckSource(t, multiValueSource))
	assert(t, r == Value(1), "primary = %v, want 1", r)
	assert(t, vm.NumResults() == 3, "numVals = %d, want 3", vm.NumResults())
}

func TestAssembleLocalEnv(t *testing.T) {
	// (let ((x 3) (y 4)) (* x y))
	src := `
    consti-push 3
    consti-push 4
    local-env 2
    lref-push 0 1       ; x, first pushed
    lref 0 0            ; y, last pushed
    nummul2
    pop-local-env
`
	vm := newTestVM()
	r := vm.EvalRec(compileAndCheckSource(t, src))
	assert(t, r == Value(12), "(* 3 4) = %v, want 12", r)
}

func TestAssemblerLiterals(t *testing.T) {
	src := `
    const-push "str"
    const 3.5
    list 2
`
	vm := newTestVM()
	r := vm.EvalRec(compileAndCheckSource(t, src))
	assert(t, WriteString(r, false) == `("str" 3.5)`,
		"literal list = %s", WriteString(r, false))
}

func TestAssemblerErrors(t *testing.T) {
	bad := []string{
		"frobnicate",               // unknown mnemonic
		"code broken 1",            // unterminated block
		"jump nowhere",             // undefined label
		"lref 1",                   // missing param
		"consti",                   // missing param
		"code main 0\nnop\nend",    // reserved block name
		"loop:\nloop:\njump loop",  // duplicate label
	}
	for _, src := range bad {
		_, err := CompileSourceFromBuffer(nil, false, strings.Split(src, "\n"))
		assert(t, err != nil, "assembling %q should have failed", src)
	}
}

func TestDisassemble(t *testing.T) {
	code := compileAndCheckSource(t, fibSource)
	text := code.Disassemble()
	assert(t, strings.Contains(text, "pre-call"), "disassembly missing pre-call: %s", text)
	assert(t, strings.Contains(text, "ret"), "disassembly missing ret: %s", text)
}

func TestDebugSymbols(t *testing.T) {
	code := compileAndCheckSource(t, fibSource)
	assert(t, len(code.Info) > 0, "debug build produced no debug info")
	info := GetSourceInfo(code, 1)
	assert(t, !FalseP(info), "no source info at pc 1")
}
