// MiniVM CLI - interprets Eeyore/Tigger-style IR in its Gopher text form.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/pku-minic/minivm/conf"
	"github.com/pku-minic/minivm/debugger"
	"github.com/pku-minic/minivm/gopher"
	"github.com/pku-minic/minivm/pkg/bytecode"
	"github.com/pku-minic/minivm/pkg/mem"
	"github.com/pku-minic/minivm/pkg/symbol"
	"github.com/pku-minic/minivm/vm"
)

const (
	appName    = "MiniVM"
	appVersion = "0.1.0"
)

func main() {
	os.Exit(run())
}

func printVersion() {
	fmt.Printf("%s version %s\n\n", appName, appVersion)
	fmt.Println("MiniVM is a virtual machine for interpreting Eeyore/Tigger IR,")
	fmt.Println("which is designed for PKU compiler course.")
}

func run() int {
	var (
		version      bool
		tigger       bool
		debug        bool
		output       string
		dumpGopher   bool
		dumpBytecode bool
		compile      bool
		verbose      bool
	)
	boolOpt := func(p *bool, short, long, usage string) {
		flag.BoolVar(p, short, false, usage)
		flag.BoolVar(p, long, false, usage)
	}
	boolOpt(&version, "v", "version", "show version info")
	boolOpt(&tigger, "t", "tigger", "run in Tigger (register IR) mode")
	boolOpt(&debug, "d", "debug", "enable debugger")
	flag.StringVar(&output, "o", "", "output file, default to stdout")
	flag.StringVar(&output, "output", "", "output file, default to stdout")
	boolOpt(&dumpGopher, "dg", "dump-gopher", "dump Gopher assembly to output")
	boolOpt(&dumpBytecode, "db", "dump-bytecode", "dump bytecode image to output")
	boolOpt(&compile, "c", "compile", "compile input file to C code (not included in this build)")
	flag.BoolVar(&verbose, "verbose", false, "verbose logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] input-file\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if version {
		printVersion()
		return 0
	}
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "invalid input, run '%s -h' for help\n", os.Args[0])
		return 1
	}

	verbosity := 0
	if verbose {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)

	cfg, err := conf.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	tiggerMode := tigger || cfg.VM.Mode == "tigger"

	input := flag.Arg(0)
	syms := symbol.NewPool()
	cont := bytecode.NewContainer(syms, input)
	if err := gopher.ParseFile(input, cont); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", input, err)
		return int(vm.ErrVMIrrelevant)
	}
	if err := cont.Seal(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return int(vm.ErrVMIrrelevant)
	}

	out := os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		defer f.Close()
		out = f
	}

	switch {
	case dumpGopher:
		fmt.Fprint(out, cont.Disassemble())
		return 0
	case dumpBytecode:
		if err := cont.DumpBytecode(out); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	case compile:
		// The C transpiler consumes a sealed container but ships separately.
		fmt.Fprintln(os.Stderr, "the C backend is not included in this build")
		return int(vm.ErrVMIrrelevant)
	}

	v := vm.NewVM(syms, cont)
	if tiggerMode {
		vm.InitTigger(v)
	} else {
		vm.InitEeyore(v)
	}
	switch cfg.VM.Memory {
	case "sparse":
		v.SetMemoryPool(mem.NewSparsePool())
		v.Reset()
	case "dense":
		v.SetMemoryPool(mem.NewDensePool())
		v.Reset()
	}
	defer vm.PrintTimerTotal()

	if debug {
		d := debugger.New(v)
		d.SetPrompt(cfg.Debugger.Prompt)
		d.SetLayout(cfg.Debugger.Layout)
		d.SetHistoryFile(cfg.HistoryPath())
		defer d.Detach()

		printVersion()
		ret, err := v.Run()
		if err != nil {
			fmt.Printf("VM instance ended with error code %d\n", int(v.ErrorCode()))
			return int(v.ErrorCode())
		}
		fmt.Printf("VM instance exited with code %d\n", ret)
		return int(ret)
	}

	ret, err := v.Run()
	if err != nil {
		return int(v.ErrorCode())
	}
	return int(ret)
}
