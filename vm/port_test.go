package svm

import (
	"strings"
	"testing"

	"golang.org/x/sync/errgroup"
)

// A recursive port lock by the owning instance always succeeds without
// contention.
func TestPortRecursiveLock(t *testing.T) {
	vm := newTestVM()
	p := NewOutputStringPort("(test)")

	p.Lock(vm)
	p.Lock(vm) // recursive; must not deadlock
	assert(t, p.LockedP(vm), "port not owned after lock")

	// operations while holding the lock re-acquire it recursively
	err := p.Puts(vm, "inside")
	assert(t, err == nil, "write failed: %v", err)

	p.Unlock()
	assert(t, p.LockedP(vm), "lock released one level too early")
	p.Unlock()
	assert(t, !p.LockedP(vm), "lock not released")
	assert(t, p.OutputString() == "inside", "wrote %q", p.OutputString())
}

// Several instances hammering the same port: every write lands, each
// one atomically under the lock.
func TestPortContention(t *testing.T) {
	p := NewOutputStringPort("(shared)")
	const writers = 4
	const rounds = 200
	const chunk = "abcde"

	var g errgroup.Group
	for i := 0; i < writers; i++ {
		g.Go(func() error {
			vm := newTestVM()
			for j := 0; j < rounds; j++ {
				if err := p.Puts(vm, chunk); err != nil {
					return err
				}
			}
			return nil
		})
	}
	assert(t, g.Wait() == nil, "concurrent writes failed")

	out := p.OutputString()
	assert(t, len(out) == writers*rounds*len(chunk),
		"lost writes: got %d bytes, want %d", len(out), writers*rounds*len(chunk))
	assert(t, strings.Count(out, "a") == writers*rounds, "chunks interleaved")
}

// WithPortLocking releases the lock even when the body escapes.
func TestWithPortLockingReleasesOnEscape(t *testing.T) {
	vm := newTestVM()
	p := NewOutputStringPort("(escape)")

	func() {
		defer func() { recover() }()
		WithPortLocking(vm, p, func() Value {
			panic("boom")
		})
	}()
	assert(t, !p.LockedP(vm), "lock held after an escaping body")
}

// A private port bypasses the locking protocol entirely.
func TestPrivatePort(t *testing.T) {
	vm := newTestVM()
	p := NewOutputStringPort("(private)")
	p.SetPrivate(vm)

	p.Lock(vm)
	p.Unlock()
	p.Unlock() // extra unlocks must not disturb a private port
	assert(t, p.LockedP(vm), "private port lost its owner")
}

func TestStringPortReadAndPushback(t *testing.T) {
	vm := newTestVM()
	p := NewInputStringPort("(in)", "ab\nc")

	c, err := p.Getc(vm)
	assert(t, err == nil && c == 'a', "getc = %q, %v", c, err)

	c, err = p.Peekc(vm)
	assert(t, err == nil && c == 'b', "peekc = %q, %v", c, err)
	c, err = p.Getc(vm)
	assert(t, err == nil && c == 'b', "getc after peek = %q, %v", c, err)

	assert(t, p.Ungetc(vm, 'b') == nil, "ungetc failed")
	assert(t, p.Ungetc(vm, 'x') != nil, "double ungetc must fail")
	c, err = p.Getc(vm)
	assert(t, err == nil && c == 'b', "getc after ungetc = %q, %v", c, err)

	c, _ = p.Getc(vm)
	assert(t, c == '\n', "getc = %q, want newline", c)
	assert(t, p.Line() == 1, "line counter = %d, want 1", p.Line())

	c, _ = p.Getc(vm)
	assert(t, c == 'c', "getc = %q, want c", c)
	c, err = p.Getc(vm)
	assert(t, err == nil && c == -1, "getc at eof = %q, %v", c, err)
}

func TestMultibyteCharacters(t *testing.T) {
	vm := newTestVM()
	p := NewInputStringPort("(utf8)", "λx")

	c, err := p.Getc(vm)
	assert(t, err == nil && c == 'λ', "getc = %q, %v", c, err)
	assert(t, p.Ungetc(vm, c) == nil, "ungetc failed")
	c, _ = p.Getc(vm)
	assert(t, c == 'λ', "re-read = %q", c)
	c, _ = p.Getc(vm)
	assert(t, c == 'x', "getc = %q", c)
}

func TestPortDirection(t *testing.T) {
	vm := newTestVM()
	out := NewOutputStringPort("(out)")
	_, err := out.Getb(vm)
	assert(t, err != nil, "reading an output port must fail")

	in := NewInputStringPort("(in)", "x")
	err = in.Putb(vm, 'y')
	assert(t, err != nil, "writing an input port must fail")
}

func TestPortClose(t *testing.T) {
	vm := newTestVM()
	p := NewInputStringPort("(in)", "x")
	assert(t, p.Close(vm) == nil, "close failed")
	assert(t, p.ClosedP(), "port not closed")
	_, err := p.Getc(vm)
	assert(t, err != nil, "reading a closed port must fail")
	assert(t, p.Close(vm) == nil, "double close must be harmless")
}

// The I/O subrs route through the current ports.
func TestDisplaySubr(t *testing.T) {
	vm := newTestVM()
	out := NewOutputStringPort("(sink)")
	vm.SetCurrentOutputPort(out)

	display := binding(t, "display")
	newline := binding(t, "newline")
	vm.ApplyRec1(display, "value: ")
	vm.ApplyRec1(display, 42)
	vm.ApplyRec0(newline)
	assert(t, out.OutputString() == "value: 42\n", "wrote %q", out.OutputString())
}

func TestReadCharSubr(t *testing.T) {
	vm := newTestVM()
	vm.SetCurrentInputPort(NewInputStringPort("(src)", "hi"))

	readChar := binding(t, "read-char")
	r := vm.ApplyRec0(readChar)
	assert(t, r == Value(Char('h')), "read-char = %v", r)
	r = vm.ApplyRec0(readChar)
	assert(t, r == Value(Char('i')), "read-char = %v", r)
	r = vm.ApplyRec0(readChar)
	assert(t, r == Value(EOFObject), "read-char at eof = %v", r)
}

func TestOutputStringSubrs(t *testing.T) {
	vm := newTestVM()
	open := binding(t, "open-output-string")
	get := binding(t, "get-output-string")
	write := binding(t, "write")

	port := vm.ApplyRec0(open)
	vm.ApplyRec2(write, "quoted", port)
	r := vm.ApplyRec1(get, port)
	assert(t, r == Value(`"quoted"`), "get-output-string = %v", r)
}
