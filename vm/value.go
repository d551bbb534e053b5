package svm

import (
	"fmt"
	"strings"
	"sync"
)

// Value is any datum the interpreter manipulates. Immediate integers are
// plain Go ints, flonums are *Flonum (possibly allocated on the per-VM
// side stack), booleans are Go bools, and everything else is one of the
// heap types below. Internal bookkeeping words (frame links, sizes,
// resume addresses) share the value stack with user data, so Value stays
// fully polymorphic.
type Value = any

// Flonum is an inexact real. Flonums are handled by pointer so that
// temporaries can live on the VM's flonum side stack until they escape
// into heap-reachable structure (see fpstack.go).
type Flonum float64

// Char is a Scheme character.
type Char rune

// Distinguished immediates with no payload.
type special uint8

const (
	// Nil is the empty list.
	Nil special = iota
	// Undefined is the unspecified value.
	Undefined
	// Unbound marks a gloc cell with no value.
	Unbound
	// EOFObject is returned by input operations at end of stream.
	EOFObject
)

func (s special) String() string {
	switch s {
	case Nil:
		return "()"
	case Undefined:
		return "#<undef>"
	case Unbound:
		return "#<unbound>"
	case EOFObject:
		return "#<eof>"
	default:
		return "#<special?>"
	}
}

// Pair is a mutable cons cell.
type Pair struct {
	Car Value
	Cdr Value
}

func Cons(car, cdr Value) *Pair {
	return &Pair{Car: car, Cdr: cdr}
}

// Symbol is an interned name.
type Symbol struct {
	Name string
}

var (
	symtab   = map[string]*Symbol{}
	symtabMu sync.Mutex
)

// Intern returns the canonical symbol for name.
func Intern(name string) *Symbol {
	symtabMu.Lock()
	defer symtabMu.Unlock()
	if s, ok := symtab[name]; ok {
		return s
	}
	s := &Symbol{Name: name}
	symtab[name] = s
	return s
}

func (s *Symbol) String() string { return s.Name }

// Closure pairs compiled code with its captured environment. The
// environment is always heap-resident by the time a closure is made
// (closure creation promotes the current chain).
type Closure struct {
	Code *CompiledCode
	Env  *EnvFrame
}

// SubrFn is the signature of a primitive procedure. The args slice is
// owned by the callee for the duration of the call only.
type SubrFn func(vm *VM, args []Value, data any) Value

// Subr is a primitive procedure. Optional means the last formals slot
// collects remaining arguments as a list.
type Subr struct {
	Name     string
	Required int
	Optional bool
	Fn       SubrFn
	Data     any
}

func MakeSubr(fn SubrFn, data any, required int, optional bool, name string) *Subr {
	return &Subr{Name: name, Required: required, Optional: optional, Fn: fn, Data: data}
}

func (s *Subr) String() string { return fmt.Sprintf("#<subr %s>", s.Name) }

// ErrorCondition is the condition type raised by the VM itself and by
// the error subr. Serious conditions must not be resumed by a returning
// exception handler.
type ErrorCondition struct {
	Msg       string
	Irritants []Value
	Serious   bool
}

func (e *ErrorCondition) Error() string { return e.Msg }

func (e *ErrorCondition) String() string { return fmt.Sprintf("#<error %q>", e.Msg) }

// seriousConditionP reports whether raising cond must not return. Only
// an *ErrorCondition with Serious set counts; any other raised value is
// continuable.
func seriousConditionP(cond Value) bool {
	if e, ok := cond.(*ErrorCondition); ok {
		return e.Serious
	}
	return false
}

// Type predicates used throughout the interpreter.

func IntP(v Value) bool    { _, ok := v.(int); return ok }
func FlonumP(v Value) bool { _, ok := v.(*Flonum); return ok }
func PairP(v Value) bool   { _, ok := v.(*Pair); return ok }
func NullP(v Value) bool   { s, ok := v.(special); return ok && s == Nil }
func SymbolP(v Value) bool { _, ok := v.(*Symbol); return ok }
func StringP(v Value) bool { _, ok := v.(string); return ok }

// FalseP implements Scheme truthiness: only #f is false.
func FalseP(v Value) bool {
	b, ok := v.(bool)
	return ok && !b
}

// ProcedureP covers everything the call instruction accepts.
func ProcedureP(v Value) bool {
	switch v.(type) {
	case *Closure, *Subr:
		return true
	}
	return false
}

// EqP is pointer/immediate identity.
func EqP(x, y Value) bool {
	switch a := x.(type) {
	case int:
		b, ok := y.(int)
		return ok && a == b
	case bool:
		b, ok := y.(bool)
		return ok && a == b
	case special:
		b, ok := y.(special)
		return ok && a == b
	case Char:
		b, ok := y.(Char)
		return ok && a == b
	case string:
		// strings are compared by content; the reader interns literals
		b, ok := y.(string)
		return ok && a == b
	}
	return x == y
}

// EqvP additionally compares flonums by value.
func EqvP(x, y Value) bool {
	if a, ok := x.(*Flonum); ok {
		b, ok := y.(*Flonum)
		return ok && *a == *b
	}
	return EqP(x, y)
}

// List builds a proper list from vals.
func List(vals ...Value) Value {
	result := Value(Nil)
	for i := len(vals) - 1; i >= 0; i-- {
		result = Cons(vals[i], result)
	}
	return result
}

// ListLength returns the length of a proper list, or -1 if v is not one.
func ListLength(v Value) int {
	n := 0
	for {
		if NullP(v) {
			return n
		}
		p, ok := v.(*Pair)
		if !ok {
			return -1
		}
		v = p.Cdr
		n++
	}
}

// ListToSlice flattens a proper list. Returns nil, false on an improper
// list.
func ListToSlice(v Value) ([]Value, bool) {
	var out []Value
	for !NullP(v) {
		p, ok := v.(*Pair)
		if !ok {
			return nil, false
		}
		out = append(out, p.Car)
		v = p.Cdr
	}
	return out, true
}

// Memq returns the first tail of list whose car is eq to v, or false.
func Memq(v, list Value) Value {
	for p, ok := list.(*Pair); ok; p, ok = list.(*Pair) {
		if EqP(p.Car, v) {
			return p
		}
		list = p.Cdr
	}
	return false
}

// Reverse returns a fresh reversed copy of a proper list.
func Reverse(list Value) Value {
	result := Value(Nil)
	for p, ok := list.(*Pair); ok; p, ok = list.(*Pair) {
		result = Cons(p.Car, result)
		list = p.Cdr
	}
	return result
}

// WriteString renders v the way the writer would, with strings quoted
// when display is false.
func WriteString(v Value, display bool) string {
	var b strings.Builder
	writeValue(&b, v, display, 0)
	return b.String()
}

const writeMaxDepth = 32

func writeValue(b *strings.Builder, v Value, display bool, depth int) {
	if depth > writeMaxDepth {
		b.WriteString("...")
		return
	}
	switch x := v.(type) {
	case nil:
		b.WriteString("#<null>")
	case int:
		fmt.Fprintf(b, "%d", x)
	case *Flonum:
		fmt.Fprintf(b, "%g", float64(*x))
	case bool:
		if x {
			b.WriteString("#t")
		} else {
			b.WriteString("#f")
		}
	case special:
		b.WriteString(x.String())
	case Char:
		if display {
			b.WriteRune(rune(x))
		} else {
			switch x {
			case ' ':
				b.WriteString("#\\space")
			case '\n':
				b.WriteString("#\\newline")
			default:
				b.WriteString("#\\")
				b.WriteRune(rune(x))
			}
		}
	case string:
		if display {
			b.WriteString(x)
		} else {
			fmt.Fprintf(b, "%q", x)
		}
	case *Symbol:
		b.WriteString(x.Name)
	case *Pair:
		b.WriteByte('(')
		writeValue(b, x.Car, display, depth+1)
		rest := x.Cdr
		for {
			if p, ok := rest.(*Pair); ok {
				b.WriteByte(' ')
				writeValue(b, p.Car, display, depth+1)
				rest = p.Cdr
				continue
			}
			break
		}
		if !NullP(rest) {
			b.WriteString(" . ")
			writeValue(b, rest, display, depth+1)
		}
		b.WriteByte(')')
	case *Closure:
		fmt.Fprintf(b, "#<closure %s>", WriteString(x.Code.Name, true))
	case *Subr:
		b.WriteString(x.String())
	case *CompiledCode:
		fmt.Fprintf(b, "#<compiled-code %s>", WriteString(x.Name, true))
	case *ErrorCondition:
		b.WriteString(x.String())
	case *Port:
		b.WriteString(x.String())
	case *Identifier:
		fmt.Fprintf(b, "#<identifier %s>", x.Name.Name)
	case *GLOC:
		fmt.Fprintf(b, "#<gloc %s>", x.Name.Name)
	default:
		fmt.Fprintf(b, "#<%v>", x)
	}
}
