package svm

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

/*
	Text assembler for .svm sources.

	A source file is a sequence of instructions for the toplevel,
	interleaved with named code blocks:

			code fact 2
			    ...instructions...
			end

			closure fact
			define fact
			...

	`code name required` opens a block compiled to its own code object
	(append ` rest` for a rest-argument procedure); `end` closes it.
	Blocks may reference each other and themselves through the closure
	instruction. Labels are words ending with a colon on their own
	line. Comments run from `;` or `//` to the end of the line.

	Literal operands (for const/const-push) are integers (0x prefix for
	hex), floats, "strings", #t, #f, (), #\x characters, 'quoted
	symbols, and bare symbols.
*/

var (
	// TODO: fix ; and // inside of a string literal
	asmComments = regexp.MustCompile(`(;|//).*`)
)

type asmLine struct {
	mnemonic string
	args     string
	src      string
	lineNo   int
}

type asmBlock struct {
	name     string
	required int
	optional bool
	lines    []asmLine
}

// splitBlocks separates the toplevel instructions from the named code
// blocks.
func splitBlocks(lines []string) (map[string]*asmBlock, *asmBlock, error) {
	blocks := map[string]*asmBlock{}
	top := &asmBlock{name: "main"}
	var current *asmBlock

	for i, raw := range lines {
		line := asmComments.ReplaceAllString(raw, "")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "code":
			if current != nil {
				return nil, nil, fmt.Errorf("line %d: nested code block", i+1)
			}
			if len(fields) < 3 {
				return nil, nil, fmt.Errorf("line %d: code wants a name and an arity", i+1)
			}
			name := fields[1]
			if strings.ContainsFunc(name, unicode.IsSpace) || name == "main" {
				return nil, nil, fmt.Errorf("line %d: invalid block name: %s", i+1, name)
			}
			required, err := strconv.Atoi(fields[2])
			if err != nil {
				return nil, nil, fmt.Errorf("line %d: bad arity: %s", i+1, fields[2])
			}
			optional := len(fields) > 3 && fields[3] == "rest"
			if _, ok := blocks[name]; ok {
				return nil, nil, fmt.Errorf("line %d: duplicate code block: %s", i+1, name)
			}
			current = &asmBlock{name: name, required: required, optional: optional}
			blocks[name] = current
		case "end":
			if current == nil {
				return nil, nil, fmt.Errorf("line %d: end outside a code block", i+1)
			}
			current = nil
		default:
			dst := top
			if current != nil {
				dst = current
			}
			mnemonic := fields[0]
			args := strings.TrimSpace(strings.TrimPrefix(line, mnemonic))
			dst.lines = append(dst.lines, asmLine{
				mnemonic: mnemonic,
				args:     args,
				src:      line,
				lineNo:   i + 1,
			})
		}
	}
	if current != nil {
		return nil, nil, fmt.Errorf("unterminated code block: %s", current.name)
	}
	return blocks, top, nil
}

// parseLiteral converts one literal operand into a value.
func parseLiteral(s string) (Value, error) {
	switch {
	case s == "":
		return nil, errors.New("empty literal")
	case s == "#t":
		return true, nil
	case s == "#f":
		return false, nil
	case s == "()":
		return Nil, nil
	case s == "#\\space":
		return Char(' '), nil
	case s == "#\\newline":
		return Char('\n'), nil
	case strings.HasPrefix(s, "#\\"):
		runes := []rune(s[2:])
		if len(runes) != 1 {
			return nil, fmt.Errorf("bad character literal: %s", s)
		}
		return Char(runes[0]), nil
	case strings.HasPrefix(s, "\""):
		str, err := strconv.Unquote(s)
		if err != nil {
			return nil, fmt.Errorf("bad string literal: %s", s)
		}
		return str, nil
	case strings.HasPrefix(s, "'"):
		return Intern(s[1:]), nil
	case strings.Contains(s, "."):
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number: %s", s)
		}
		fl := new(Flonum)
		*fl = Flonum(f)
		return fl, nil
	default:
		base := 10
		digits := s
		neg := false
		if strings.HasPrefix(digits, "-") {
			neg = true
			digits = digits[1:]
		}
		if strings.HasPrefix(digits, "0x") {
			base = 16
			digits = digits[2:]
		}
		n, err := strconv.ParseInt(digits, base, 64)
		if err != nil {
			// not a number: treat it as a symbol
			return Intern(s), nil
		}
		if neg {
			n = -n
		}
		return int(n), nil
	}
}

func parseInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("number expected, got %q", s)
	}
	return n, nil
}

// assembleLine emits one instruction into the builder.
func assembleLine(cb *CodeBuilder, ln asmLine, codes map[string]*CompiledCode, module *Module) error {
	op, ok := strToOpMap[ln.mnemonic]
	if !ok {
		return fmt.Errorf("line %d: unknown mnemonic: %s", ln.lineNo, ln.mnemonic)
	}
	fields := strings.Fields(ln.args)

	switch op {
	case OpConst, OpConstPush:
		lit, err := parseLiteral(ln.args)
		if err != nil {
			return fmt.Errorf("line %d: %w", ln.lineNo, err)
		}
		cb.EmitConst(op, 0, lit)
	case OpConsti, OpConstiPush:
		if len(fields) != 1 {
			return fmt.Errorf("line %d: %s wants one number", ln.lineNo, op)
		}
		n, err := parseInt(fields[0])
		if err != nil {
			return fmt.Errorf("line %d: %w", ln.lineNo, err)
		}
		cb.Emit(op, n, 0)
	case OpGref, OpGset, OpDefine:
		if len(fields) != 1 {
			return fmt.Errorf("line %d: %s wants a name", ln.lineNo, op)
		}
		id := &Identifier{Name: Intern(fields[0]), Module: module}
		cb.EmitConst(op, 0, id)
	case OpClosure:
		if len(fields) != 1 {
			return fmt.Errorf("line %d: closure wants a block name", ln.lineNo)
		}
		code, ok := codes[fields[0]]
		if !ok {
			return fmt.Errorf("line %d: unknown code block: %s", ln.lineNo, fields[0])
		}
		cb.EmitConst(op, 0, code)
	case OpJump, OpBranchFalse:
		if len(fields) != 1 {
			return fmt.Errorf("line %d: %s wants a label", ln.lineNo, op)
		}
		cb.EmitJump(op, 0, fields[0])
	case OpPreCall:
		if len(fields) != 2 {
			return fmt.Errorf("line %d: pre-call wants an arity and a label", ln.lineNo)
		}
		n, err := parseInt(fields[0])
		if err != nil {
			return fmt.Errorf("line %d: %w", ln.lineNo, err)
		}
		cb.EmitJump(op, n, fields[1])
	case OpLref, OpLrefPush, OpLset:
		if len(fields) != 2 {
			return fmt.Errorf("line %d: %s wants a depth and an index", ln.lineNo, op)
		}
		d, err := parseInt(fields[0])
		if err != nil {
			return fmt.Errorf("line %d: %w", ln.lineNo, err)
		}
		x, err := parseInt(fields[1])
		if err != nil {
			return fmt.Errorf("line %d: %w", ln.lineNo, err)
		}
		cb.Emit(op, d, x)
	case OpCall, OpTailCall, OpValuesApply, OpLocalEnv, OpList:
		if len(fields) != 1 {
			return fmt.Errorf("line %d: %s wants a count", ln.lineNo, op)
		}
		n, err := parseInt(fields[0])
		if err != nil {
			return fmt.Errorf("line %d: %w", ln.lineNo, err)
		}
		cb.Emit(op, n, 0)
	default:
		if len(fields) != 0 {
			return fmt.Errorf("line %d: %s takes no arguments", ln.lineNo, op)
		}
		cb.Emit(op, 0, 0)
	}
	return nil
}

func assembleBlock(b *asmBlock, into *CompiledCode, codes map[string]*CompiledCode, module *Module, debug bool) error {
	cb := NewCodeBuilder(Intern(b.name), b.required, b.optional)
	for _, ln := range b.lines {
		if strings.HasSuffix(ln.mnemonic, ":") && ln.args == "" {
			if err := cb.Label(strings.TrimSuffix(ln.mnemonic, ":")); err != nil {
				return fmt.Errorf("line %d: %w", ln.lineNo, err)
			}
			continue
		}
		if debug {
			cb.AddSource(fmt.Sprintf("%s:%d %s", b.name, ln.lineNo, ln.src))
		}
		if err := assembleLine(cb, ln, codes, module); err != nil {
			return err
		}
	}
	// every code object must return
	cb.Emit(OpRet, 0, 0)
	return cb.BuildInto(into)
}

// CompileSourceFromBuffer assembles source lines into the toplevel
// code object. Code blocks become nested compiled-code objects wired
// in through the constant pool.
func CompileSourceFromBuffer(module *Module, debug bool, lines []string) (*CompiledCode, error) {
	if len(lines) == 0 {
		return nil, errors.New("no source lines given")
	}
	if module == nil {
		module = BaseModule()
	}

	blocks, top, err := splitBlocks(lines)
	if err != nil {
		return nil, err
	}

	// Preallocate every code object first so blocks can reference one
	// another (or themselves) while being assembled.
	codes := map[string]*CompiledCode{}
	for name := range blocks {
		codes[name] = &CompiledCode{}
	}
	for name, b := range blocks {
		if err := assembleBlock(b, codes[name], codes, module, debug); err != nil {
			return nil, err
		}
	}

	main := &CompiledCode{}
	if err := assembleBlock(top, main, codes, module, debug); err != nil {
		return nil, err
	}
	return main, nil
}

// CompileSource reads and assembles a series of files. The files are
// read sequentially, so the first instruction of the first file is
// what starts executing first.
func CompileSource(module *Module, debug bool, files ...string) (*CompiledCode, error) {
	lines := make([]string, 0)
	for _, filename := range files {
		file, err := os.Open(filename)
		if err != nil {
			fmt.Println("Could not read", filename)
			return nil, err
		}

		reader := bufio.NewReader(file)
		for {
			line, _, err := reader.ReadLine()
			if err != nil {
				break
			}
			lines = append(lines, string(line))
		}
		file.Close()
	}

	return CompileSourceFromBuffer(module, debug, lines)
}
