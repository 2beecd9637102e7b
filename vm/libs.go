package vm

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pku-minic/minivm/pkg/bytecode"
	"github.com/pku-minic/minivm/pkg/mem"
)

// Library I/O defaults to the process streams; tests swap them out.
var (
	libIn  io.Reader = os.Stdin
	libOut io.Writer = os.Stdout
	libErr io.Writer = os.Stderr

	libScan *bufio.Reader
)

// SetLibraryIO redirects the library externals' input and output streams.
func SetLibraryIO(in io.Reader, out, errOut io.Writer) {
	libIn = in
	libOut = out
	libErr = errOut
	libScan = nil
}

func libReader() *bufio.Reader {
	if libScan == nil {
		libScan = bufio.NewReader(libIn)
	}
	return libScan
}

func scanInt() (bytecode.VMOpr, bool) {
	var val bytecode.VMOpr
	if _, err := fmt.Fscan(libReader(), &val); err != nil {
		return 0, false
	}
	return val, true
}

// ---------------------------------------------------------------------------
// Timers
// ---------------------------------------------------------------------------

// Timer state shared by the starttime/stoptime externals. Single-threaded by
// the VM's execution model.
var (
	timerID       int
	timerLastLine bytecode.VMOpr
	timerLast     time.Time
	timerTotal    time.Duration
)

func timerStart(line bytecode.VMOpr) bool {
	timerLastLine = line
	timerLast = time.Now()
	return true
}

func timerStop(line bytecode.VMOpr) bool {
	elapsed := time.Since(timerLast)
	timerTotal += elapsed
	fmt.Fprintf(libErr, "Timer#%03d@%04d-%04d: ", timerID, timerLastLine, line)
	printElapsed(libErr, elapsed)
	fmt.Fprintln(libErr)
	timerID++
	return true
}

func printElapsed(w io.Writer, d time.Duration) {
	us := d.Microseconds()
	const (
		second = 1000 * 1000
		minute = 60 * second
		hour   = 60 * minute
	)
	fmt.Fprintf(w, "%dH-%dM-%dS-%dus", us/hour, us%hour/minute, us%minute/second, us%second)
}

// PrintTimerTotal reports the total elapsed time of all timers to stderr if
// any timer ran. The driver calls it at process exit.
func PrintTimerTotal() {
	if timerID == 0 {
		return
	}
	fmt.Fprint(libErr, "TOTAL: ")
	printElapsed(libErr, timerTotal)
	fmt.Fprintln(libErr)
}

// ---------------------------------------------------------------------------
// Shared library cores
// ---------------------------------------------------------------------------

func libGetArray(v *VM, arr bytecode.VMOpr) (bytecode.VMOpr, bool) {
	length, ok := scanInt()
	if !ok {
		return 0, false
	}
	for i := bytecode.VMOpr(0); i < length; i++ {
		val, ok := scanInt()
		if !ok {
			return 0, false
		}
		if !v.WriteWord(arr+i*4, val) {
			return 0, false
		}
	}
	return length, true
}

func libPutArray(v *VM, length, arr bytecode.VMOpr) bool {
	fmt.Fprintf(libOut, "%d:", length)
	for i := bytecode.VMOpr(0); i < length; i++ {
		val, ok := v.ReadWord(arr + i*4)
		if !ok {
			return false
		}
		fmt.Fprintf(libOut, " %d", val)
	}
	fmt.Fprintln(libOut)
	return true
}

// ---------------------------------------------------------------------------
// Stack-mode (Eeyore) wrappers: parameters come from p0, p1, … and results
// are pushed on the operand stack.
// ---------------------------------------------------------------------------

func eeyoreLibrary() map[string]ExtFunc {
	param := func(v *VM, i int) (bytecode.VMOpr, bool) {
		return v.GetParam(i)
	}
	return map[string]ExtFunc{
		"f_getint": func(v *VM) bool {
			val, ok := scanInt()
			if !ok {
				return false
			}
			v.PushOpr(val)
			return true
		},
		"f_getch": func(v *VM) bool {
			b, err := libReader().ReadByte()
			if err != nil {
				v.PushOpr(-1)
				return true
			}
			v.PushOpr(bytecode.VMOpr(b))
			return true
		},
		"f_getarray": func(v *VM) bool {
			arr, ok := param(v, 0)
			if !ok {
				return false
			}
			length, ok := libGetArray(v, arr)
			if !ok {
				return false
			}
			v.PushOpr(length)
			return true
		},
		"f_putint": func(v *VM) bool {
			val, ok := param(v, 0)
			if !ok {
				return false
			}
			fmt.Fprintf(libOut, "%d", val)
			return true
		},
		"f_putch": func(v *VM) bool {
			val, ok := param(v, 0)
			if !ok {
				return false
			}
			fmt.Fprintf(libOut, "%c", rune(val))
			return true
		},
		"f_putarray": func(v *VM) bool {
			length, ok := param(v, 0)
			if !ok {
				return false
			}
			arr, ok := param(v, 1)
			if !ok {
				return false
			}
			return libPutArray(v, length, arr)
		},
		"f__sysy_starttime": func(v *VM) bool {
			line, ok := param(v, 0)
			if !ok {
				return false
			}
			return timerStart(line)
		},
		"f__sysy_stoptime": func(v *VM) bool {
			line, ok := param(v, 0)
			if !ok {
				return false
			}
			return timerStop(line)
		},
	}
}

// ---------------------------------------------------------------------------
// Register-mode (Tigger) wrappers: parameters come from the argument
// registers, results go to the return register, and caller-saved registers
// are poisoned to surface ABI violations early.
// ---------------------------------------------------------------------------

// regPoison is the value written into caller-saved registers around an
// external call.
const regPoison = bytecode.VMOpr(-559038242) // 0xdeadc0de

func poisonCallerSaved(v *VM) {
	for reg := RegT0; reg <= RegA7; reg++ {
		v.SetReg(reg, regPoison)
	}
}

func tiggerLibrary() map[string]ExtFunc {
	param := func(v *VM, i int) bytecode.VMOpr {
		val, _ := v.Reg(RegA0 + bytecode.RegID(i))
		return val
	}
	setRet := func(v *VM, val bytecode.VMOpr) {
		v.SetReg(RegA0, val)
	}
	return map[string]ExtFunc{
		"f_getint": func(v *VM) bool {
			poisonCallerSaved(v)
			val, ok := scanInt()
			if !ok {
				return false
			}
			setRet(v, val)
			return true
		},
		"f_getch": func(v *VM) bool {
			poisonCallerSaved(v)
			b, err := libReader().ReadByte()
			if err != nil {
				setRet(v, -1)
				return true
			}
			setRet(v, bytecode.VMOpr(b))
			return true
		},
		"f_getarray": func(v *VM) bool {
			arr := param(v, 0)
			poisonCallerSaved(v)
			length, ok := libGetArray(v, arr)
			if !ok {
				return false
			}
			setRet(v, length)
			return true
		},
		"f_putint": func(v *VM) bool {
			fmt.Fprintf(libOut, "%d", param(v, 0))
			poisonCallerSaved(v)
			return true
		},
		"f_putch": func(v *VM) bool {
			fmt.Fprintf(libOut, "%c", rune(param(v, 0)))
			poisonCallerSaved(v)
			return true
		},
		"f_putarray": func(v *VM) bool {
			length, arr := param(v, 0), param(v, 1)
			poisonCallerSaved(v)
			return libPutArray(v, length, arr)
		},
		"f__sysy_starttime": func(v *VM) bool {
			line := param(v, 0)
			poisonCallerSaved(v)
			return timerStart(line)
		},
		"f__sysy_stoptime": func(v *VM) bool {
			line := param(v, 0)
			poisonCallerSaved(v)
			return timerStop(line)
		},
	}
}

func registerLibrary(v *VM, lib map[string]ExtFunc) {
	for name, fn := range lib {
		v.RegisterFunction(name, fn)
	}
}

// ---------------------------------------------------------------------------
// Mode initialization
// ---------------------------------------------------------------------------

// InitEeyore configures a VM for the high-level IR: sparse memory pool (the
// library retains array addresses across allocations), no static registers,
// stack-mode library externals.
func InitEeyore(v *VM) {
	v.SetMemoryPool(mem.NewSparsePool())
	registerLibrary(v, eeyoreLibrary())
	v.Reset()
}

// InitTigger configures a VM for the register IR: dense memory pool, the
// 28-register file with a0 as the return register, register-mode library
// externals, and x0 pinned to zero.
func InitTigger(v *VM) {
	v.SetMemoryPool(mem.NewDensePool())
	v.SetStaticRegCount(uint32(RegCount))
	v.SetRetReg(RegA0)
	registerLibrary(v, tiggerLibrary())
	v.Reset()
	v.SetReg(RegX0, 0)
}
