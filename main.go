package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	svm "svm/vm"
)

type program struct {
	files      []string
	debug      bool
	dumpState  bool
	cpuProfile string
	stackSize  int
	fpStack    bool
}

func main() {
	prog := program{}
	pflag.BoolVar(&prog.debug, "debug", false, "assemble with debug symbols")
	pflag.BoolVar(&prog.dumpState, "dump", false, "dump the VM state after the program finishes")
	pflag.StringVar(&prog.cpuProfile, "cpuprofile", "", "write a pprof call profile to `file`")
	pflag.IntVar(&prog.stackSize, "stack-size", 0, "value stack size in slots")
	pflag.BoolVar(&prog.fpStack, "fpstack", false, "enable the unboxed flonum side stack")
	pflag.Parse()

	prog.files = pflag.Args()
	if len(prog.files) == 0 {
		fmt.Fprintln(os.Stderr, "usage: svm [flags] file.svm...")
		pflag.PrintDefaults()
		os.Exit(2)
	}

	if err := prog.run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func (prog *program) run() error {
	code, err := svm.CompileSource(nil, prog.debug, prog.files...)
	if err != nil {
		return fmt.Errorf("assembling: %w", err)
	}

	vm := svm.NewVM(nil, svm.Intern("main"))
	vm.AttachVM()
	if prog.stackSize > 0 {
		vm.SetStackSize(prog.stackSize)
	}
	if prog.fpStack {
		vm.EnableFPStack()
	}
	if prog.cpuProfile != "" {
		vm.StartProfiler()
	}

	packet, n := vm.Eval(code)
	vm.CurrentOutputPort().Flush(vm)

	if prog.cpuProfile != "" {
		if err := prog.writeProfile(vm); err != nil {
			return err
		}
	}
	if prog.dumpState {
		vm.Dump(os.Stderr)
	}

	if n < 0 {
		return fmt.Errorf("unhandled condition: %s", svm.ConditionMessage(packet.Exception))
	}
	for _, v := range packet.Results {
		fmt.Println(svm.WriteString(v, false))
	}
	return nil
}

func (prog *program) writeProfile(vm *svm.VM) error {
	p := vm.StopProfiler()
	if p == nil {
		return nil
	}
	f, err := os.Create(prog.cpuProfile)
	if err != nil {
		return fmt.Errorf("creating profile: %w", err)
	}
	defer f.Close()
	if err := p.WriteTo(f); err != nil {
		return fmt.Errorf("writing profile: %w", err)
	}
	return nil
}
