package vm

import (
	"bytes"
	"strings"
	"testing"

	"github.com/pku-minic/minivm/pkg/bytecode"
	"github.com/pku-minic/minivm/pkg/symbol"
)

// buildTigger seals a container and wraps it in a register-mode VM.
func buildTigger(t *testing.T, emit func(c *bytecode.Container)) *VM {
	t.Helper()
	syms := symbol.NewPool()
	c := bytecode.NewContainer(syms, "test.tigger")
	c.EnterFunction(0)
	c.EmitLabel(bytecode.MainLabel)
	emit(c)
	c.EmitOp(bytecode.OpRet)
	c.ExitFunction()
	if err := c.Seal(); err != nil {
		t.Fatalf("Seal() failed: %v", err)
	}
	v := NewVM(syms, c)
	InitTigger(v)
	return v
}

func withLibraryIO(t *testing.T, input string) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	SetLibraryIO(strings.NewReader(input), out, errOut)
	t.Cleanup(func() { SetLibraryIO(strings.NewReader(""), out, errOut) })
	return out, errOut
}

func TestEeyoreGetInt(t *testing.T) {
	withLibraryIO(t, "  42\n")
	v := buildMain(t, func(c *bytecode.Container) {
		c.EmitCall("f_getint")
	})
	InitEeyore(v)
	if got := mustRun(t, v); got != 42 {
		t.Errorf("f_getint returned %d, want 42", got)
	}
}

func TestEeyorePutInt(t *testing.T) {
	out, _ := withLibraryIO(t, "")
	v := buildMain(t, func(c *bytecode.Container) {
		c.EmitLoadImm(-7)
		c.EmitCall("f_putint")
		c.EmitOp(bytecode.OpClear)
		c.EmitLoadImm(0)
	})
	InitEeyore(v)
	if got := mustRun(t, v); got != 0 {
		t.Errorf("Run() = %d, want 0", got)
	}
	if out.String() != "-7" {
		t.Errorf("f_putint wrote %q, want -7", out.String())
	}
}

func TestEeyorePutCh(t *testing.T) {
	out, _ := withLibraryIO(t, "")
	v := buildMain(t, func(c *bytecode.Container) {
		c.EmitLoadImm(10)
		c.EmitCall("f_putch")
		c.EmitOp(bytecode.OpClear)
		c.EmitLoadImm(0)
	})
	InitEeyore(v)
	mustRun(t, v)
	if out.String() != "\n" {
		t.Errorf("f_putch wrote %q, want newline", out.String())
	}
}

func TestEeyoreGetCh(t *testing.T) {
	withLibraryIO(t, "A")
	v := buildMain(t, func(c *bytecode.Container) {
		c.EmitCall("f_getch")
	})
	InitEeyore(v)
	if got := mustRun(t, v); got != 'A' {
		t.Errorf("f_getch returned %d, want %d", got, 'A')
	}
}

func TestEeyoreArrays(t *testing.T) {
	out, _ := withLibraryIO(t, "3 10 20 30\n")
	v := buildMain(t, func(c *bytecode.Container) {
		c.EmitVar("n")
		c.EmitLoadImm(16)
		c.EmitArr("a")
		// n = getarray(a)
		c.EmitLoadVar("a")
		c.EmitCall("f_getarray")
		c.EmitStoreVar("n")
		// putarray(n, a)
		c.EmitLoadVar("n")
		c.EmitLoadVar("a")
		c.EmitCall("f_putarray")
		c.EmitOp(bytecode.OpClear)
		c.EmitLoadVar("n")
	})
	InitEeyore(v)
	if got := mustRun(t, v); got != 3 {
		t.Errorf("getarray length = %d, want 3", got)
	}
	if out.String() != "3: 10 20 30\n" {
		t.Errorf("putarray wrote %q", out.String())
	}
}

func TestEeyoreGetIntFailure(t *testing.T) {
	withLibraryIO(t, "not a number")
	v := buildMain(t, func(c *bytecode.Container) {
		c.EmitCall("f_getint")
	})
	InitEeyore(v)
	runError(t, v, ErrExtFuncError)
}

func TestTiggerPutIntAndPoison(t *testing.T) {
	out, _ := withLibraryIO(t, "")
	v := buildTigger(t, func(c *bytecode.Container) {
		c.EmitLoadImm(9)
		c.EmitStoreReg(RegA0)
		c.EmitCall("f_putint")
		c.EmitLoadImm(0)
		c.EmitStoreReg(RegA0)
	})
	if got := mustRun(t, v); got != 0 {
		t.Errorf("Run() = %d, want 0", got)
	}
	if out.String() != "9" {
		t.Errorf("f_putint wrote %q, want 9", out.String())
	}
	// Caller-saved registers are poisoned around the external call.
	poison := regPoison
	if t0, _ := v.Reg(RegT0); t0 != poison {
		t.Errorf("t0 = %#x, want poison %#x", uint32(t0), uint32(poison))
	}
}

func TestTiggerGetInt(t *testing.T) {
	withLibraryIO(t, "33")
	v := buildTigger(t, func(c *bytecode.Container) {
		c.EmitCall("f_getint")
	})
	if got := mustRun(t, v); got != 33 {
		t.Errorf("register-mode f_getint = %d, want 33", got)
	}
}

func TestTimers(t *testing.T) {
	_, errOut := withLibraryIO(t, "")
	timerID = 0
	timerTotal = 0

	v := buildMain(t, func(c *bytecode.Container) {
		c.EmitLoadImm(1)
		c.EmitCall("f__sysy_starttime")
		c.EmitOp(bytecode.OpClear)
		c.EmitLoadImm(2)
		c.EmitCall("f__sysy_stoptime")
		c.EmitOp(bytecode.OpClear)
		c.EmitLoadImm(0)
	})
	InitEeyore(v)
	mustRun(t, v)

	report := errOut.String()
	if !strings.HasPrefix(report, "Timer#000@0001-0002: ") {
		t.Errorf("timer report = %q", report)
	}

	PrintTimerTotal()
	if !strings.Contains(errOut.String(), "TOTAL: ") {
		t.Error("PrintTimerTotal wrote no TOTAL line")
	}
}

func TestRegisterNames(t *testing.T) {
	if name, ok := RegisterName(RegA0); !ok || name != "a0" {
		t.Errorf("RegisterName(a0) = %q, %v", name, ok)
	}
	if _, ok := RegisterName(RegCount); ok {
		t.Error("RegisterName accepted an out-of-range register")
	}
	if reg, ok := RegisterByName("s11"); !ok || reg != RegS11 {
		t.Errorf("RegisterByName(s11) = %d, %v", reg, ok)
	}
	if _, ok := RegisterByName("q7"); ok {
		t.Error("RegisterByName accepted an unknown name")
	}
}
