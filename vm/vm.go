// Package vm implements the MiniVM interpreter: a stack-based virtual
// machine executing the packed instructions of a sealed container.
//
// A VM owns an operand stack, a call stack of environments, a linear memory
// pool with scoped lifetimes, an optional bank of static registers and a
// registry of host-provided external functions. Dispatch is a tight
// fetch/switch loop over Container.Fetch, which is where the debugger
// interposes.
package vm

import (
	"encoding/binary"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/pku-minic/minivm/pkg/bytecode"
	"github.com/pku-minic/minivm/pkg/mem"
	"github.com/pku-minic/minivm/pkg/symbol"
)

var log = commonlog.GetLogger("minivm.vm")

// ExtFunc is a host-provided external function. It receives the VM, reads
// its parameters through the ABI of the active mode and reports success.
type ExtFunc func(*VM) bool

// Environment maps symbol IDs to values for one activation, including the
// conventional parameter names p0, p1, ….
type Environment map[symbol.ID]bytecode.VMOpr

// activation is one call-stack record: an environment paired with the PC to
// return to.
type activation struct {
	env   Environment
	retPC bytecode.VMAddr
}

// VM is a MiniVM instance over a sealed instruction container.
type VM struct {
	syms *symbol.Pool
	cont *bytecode.Container

	pc   bytecode.VMAddr
	oprs []bytecode.VMOpr
	envs []activation
	regs []bytecode.VMOpr
	pool mem.Pool

	retReg    bytecode.RegID
	ext       map[symbol.ID]ExtFunc
	errCode   ErrorCode
	paramSyms []symbol.ID // cache of interned p0, p1, …
}

// NewVM creates a VM over a sealed container. The memory pool back-end
// defaults to the dense pool; register mode is off until SetStaticRegCount.
func NewVM(syms *symbol.Pool, cont *bytecode.Container) *VM {
	return &VM{
		syms: syms,
		cont: cont,
		pool: mem.NewDensePool(),
		ext:  make(map[symbol.ID]ExtFunc),
	}
}

// SetMemoryPool selects the memory pool back-end. Must be called before
// Reset.
func (v *VM) SetMemoryPool(pool mem.Pool) {
	v.pool = pool
}

// SetStaticRegCount enables register mode with the given number of static
// registers. Zero disables register mode.
func (v *VM) SetStaticRegCount(count uint32) {
	v.regs = make([]bytecode.VMOpr, count)
}

// SetRetReg selects the register holding function return values in register
// mode.
func (v *VM) SetRetReg(reg bytecode.RegID) {
	v.retReg = reg
}

// RegisterFunction binds an external function to a symbol name. It reports
// false when the name is already bound.
func (v *VM) RegisterFunction(name string, fn ExtFunc) bool {
	id := v.syms.Intern(name)
	if _, ok := v.ext[id]; ok {
		return false
	}
	v.ext[id] = fn
	return true
}

// Reset prepares the VM for a fresh run: PC zero, empty stacks, a new global
// environment, a memory checkpoint for the global scope, zeroed registers.
func (v *VM) Reset() {
	v.pc = 0
	v.oprs = v.oprs[:0]
	v.envs = v.envs[:0]
	v.envs = append(v.envs, activation{env: make(Environment)})
	v.pool.SaveState()
	for i := range v.regs {
		v.regs[i] = 0
	}
	v.errCode = ErrNone
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

// Run executes the program until the root environment returns, the debugger
// callback requests termination, or a fatal runtime error occurs.
//
// On success it returns the program's result: the top of the operand stack,
// or the return register in register mode. On error it logs once with PC and
// nearest line, stores the error code and returns a *Error.
func (v *VM) Run() (bytecode.VMOpr, error) {
	if len(v.envs) == 0 {
		v.Reset()
	}
	for {
		if int(v.pc) >= v.cont.Len() {
			return 0, v.fail(ErrInvalidPCAddr)
		}
		inst := v.cont.Fetch(v.pc)
		switch inst.Op() {
		case bytecode.OpVar:
			env := v.curEnv()
			id := symbol.ID(inst.Opr())
			if _, ok := env[id]; ok {
				return 0, v.fail(ErrSymbolRedef)
			}
			env[id] = 0
			v.pc++

		case bytecode.OpArr:
			env := v.curEnv()
			id := symbol.ID(inst.Opr())
			if _, ok := env[id]; ok {
				return 0, v.fail(ErrSymbolRedef)
			}
			size, err := v.popValue()
			if err != nil {
				return 0, err
			}
			env[id] = bytecode.VMOpr(v.pool.Allocate(uint32(size), true))
			v.pc++

		case bytecode.OpLd:
			addr, err := v.popValue()
			if err != nil {
				return 0, err
			}
			val, ok := v.ReadWord(addr)
			if !ok {
				return 0, v.fail(ErrInvalidMemPoolAddr)
			}
			v.oprs = append(v.oprs, val)
			v.pc++

		case bytecode.OpLdVar:
			env, ok := v.lookupSym(symbol.ID(inst.Opr()))
			if !ok {
				return 0, v.fail(ErrSymbolNotFound)
			}
			v.oprs = append(v.oprs, env[symbol.ID(inst.Opr())])
			v.pc++

		case bytecode.OpLdReg:
			reg := inst.Opr()
			if int(reg) >= len(v.regs) {
				return 0, v.fail(ErrInvalidRegNum)
			}
			v.oprs = append(v.oprs, v.regs[reg])
			v.pc++

		case bytecode.OpSt:
			addr, err := v.popValue()
			if err != nil {
				return 0, err
			}
			val, err := v.popValue()
			if err != nil {
				return 0, err
			}
			if !v.WriteWord(addr, val) {
				return 0, v.fail(ErrInvalidMemPoolAddr)
			}
			v.pc++

		case bytecode.OpStVar:
			env, ok := v.lookupSym(symbol.ID(inst.Opr()))
			if !ok {
				return 0, v.fail(ErrSymbolNotFound)
			}
			val, err := v.popValue()
			if err != nil {
				return 0, err
			}
			env[symbol.ID(inst.Opr())] = val
			v.pc++

		case bytecode.OpStVarP:
			env, ok := v.lookupSym(symbol.ID(inst.Opr()))
			if !ok {
				return 0, v.fail(ErrSymbolNotFound)
			}
			top, err := v.top()
			if err != nil {
				return 0, err
			}
			env[symbol.ID(inst.Opr())] = *top
			v.pc++

		case bytecode.OpStReg:
			reg := inst.Opr()
			if int(reg) >= len(v.regs) {
				return 0, v.fail(ErrInvalidRegNum)
			}
			val, err := v.popValue()
			if err != nil {
				return 0, err
			}
			v.regs[reg] = val
			v.pc++

		case bytecode.OpStRegP:
			reg := inst.Opr()
			if int(reg) >= len(v.regs) {
				return 0, v.fail(ErrInvalidRegNum)
			}
			top, err := v.top()
			if err != nil {
				return 0, err
			}
			v.regs[reg] = *top
			v.pc++

		case bytecode.OpImm:
			v.oprs = append(v.oprs, inst.Imm())
			v.pc++

		case bytecode.OpImmHi:
			top, err := v.top()
			if err != nil {
				return 0, err
			}
			lo := uint32(*top) & bytecode.OprMask
			*top = bytecode.VMOpr(lo | inst.Opr()<<bytecode.OprLen)
			v.pc++

		case bytecode.OpBnz:
			cond, err := v.popValue()
			if err != nil {
				return 0, err
			}
			if cond != 0 {
				v.pc = inst.Opr()
			} else {
				v.pc++
			}

		case bytecode.OpJmp:
			v.pc = inst.Opr()

		case bytecode.OpCall:
			v.initFuncCall()
			v.pc = inst.Opr()

		case bytecode.OpCallExt:
			fn, ok := v.ext[symbol.ID(inst.Opr())]
			if !ok {
				return 0, v.fail(ErrInvalidExtFunc)
			}
			v.initFuncCall()
			if !fn(v) {
				return 0, v.fail(ErrExtFuncError)
			}
			// An external call returns immediately: fall into Ret.
			done, result, err := v.doRet()
			if err != nil {
				return 0, err
			}
			if done {
				return result, nil
			}

		case bytecode.OpRet:
			done, result, err := v.doRet()
			if err != nil {
				return 0, err
			}
			if done {
				return result, nil
			}

		case bytecode.OpBreak:
			if id, ok := v.syms.Lookup(bytecode.DebuggerSymbol); ok {
				if fn, ok := v.ext[id]; ok {
					if !fn(v) {
						return 0, nil
					}
					// Re-fetch the same PC: the debugger cleared trap mode,
					// so the underlying instruction executes next.
					continue
				}
			}
			// No debugger attached; a bare Break is a no-op.
			v.pc++

		case bytecode.OpLNot:
			top, err := v.top()
			if err != nil {
				return 0, err
			}
			*top = b2i(*top == 0)
			v.pc++

		case bytecode.OpLAnd:
			rhs, top, err := v.popAndTop()
			if err != nil {
				return 0, err
			}
			*top = b2i(*top != 0 && rhs != 0)
			v.pc++

		case bytecode.OpLOr:
			rhs, top, err := v.popAndTop()
			if err != nil {
				return 0, err
			}
			*top = b2i(*top != 0 || rhs != 0)
			v.pc++

		case bytecode.OpEq:
			rhs, top, err := v.popAndTop()
			if err != nil {
				return 0, err
			}
			*top = b2i(*top == rhs)
			v.pc++

		case bytecode.OpNe:
			rhs, top, err := v.popAndTop()
			if err != nil {
				return 0, err
			}
			*top = b2i(*top != rhs)
			v.pc++

		case bytecode.OpGt:
			rhs, top, err := v.popAndTop()
			if err != nil {
				return 0, err
			}
			*top = b2i(*top > rhs)
			v.pc++

		case bytecode.OpLt:
			rhs, top, err := v.popAndTop()
			if err != nil {
				return 0, err
			}
			*top = b2i(*top < rhs)
			v.pc++

		case bytecode.OpGe:
			rhs, top, err := v.popAndTop()
			if err != nil {
				return 0, err
			}
			*top = b2i(*top >= rhs)
			v.pc++

		case bytecode.OpLe:
			rhs, top, err := v.popAndTop()
			if err != nil {
				return 0, err
			}
			*top = b2i(*top <= rhs)
			v.pc++

		case bytecode.OpNeg:
			top, err := v.top()
			if err != nil {
				return 0, err
			}
			*top = -*top
			v.pc++

		case bytecode.OpAdd:
			rhs, top, err := v.popAndTop()
			if err != nil {
				return 0, err
			}
			*top += rhs
			v.pc++

		case bytecode.OpSub:
			rhs, top, err := v.popAndTop()
			if err != nil {
				return 0, err
			}
			*top -= rhs
			v.pc++

		case bytecode.OpMul:
			rhs, top, err := v.popAndTop()
			if err != nil {
				return 0, err
			}
			*top *= rhs
			v.pc++

		case bytecode.OpDiv:
			rhs, top, err := v.popAndTop()
			if err != nil {
				return 0, err
			}
			if rhs == 0 {
				*top = 0
			} else {
				*top /= rhs
			}
			v.pc++

		case bytecode.OpMod:
			rhs, top, err := v.popAndTop()
			if err != nil {
				return 0, err
			}
			if rhs == 0 {
				*top = 0
			} else {
				*top %= rhs
			}
			v.pc++

		case bytecode.OpClear:
			v.oprs = v.oprs[:0]
			v.pc++

		default:
			return 0, v.fail(ErrInvalidPCAddr)
		}
	}
}

// initFuncCall saves the caller's state for a Call or CallExt: it pushes a
// memory checkpoint and a new environment with the return PC, then drains
// the remaining operand stack into parameter slots p0, p1, … (the value
// pushed first becomes p0).
func (v *VM) initFuncCall() {
	v.pool.SaveState()
	env := make(Environment)
	for len(v.oprs) > 0 {
		sym := v.paramSym(len(v.oprs) - 1)
		env[sym] = v.oprs[len(v.oprs)-1]
		v.oprs = v.oprs[:len(v.oprs)-1]
	}
	v.envs = append(v.envs, activation{env: env, retPC: v.pc + 1})
}

// doRet restores the caller's state. done is true when the root environment
// returned, with the program result attached.
func (v *VM) doRet() (done bool, result bytecode.VMOpr, err error) {
	v.pool.RestoreState()
	retPC := v.envs[len(v.envs)-1].retPC
	v.envs = v.envs[:len(v.envs)-1]
	if len(v.envs) == 0 {
		if len(v.regs) == 0 {
			result, err = v.popValue()
			return true, result, err
		}
		return true, v.regs[v.retReg], nil
	}
	v.pc = retPC
	return false, 0, nil
}

// fail records a fatal runtime condition, logs it once with PC and nearest
// line, and returns the error Run propagates.
func (v *VM) fail(code ErrorCode) error {
	v.errCode = code
	line, _ := v.cont.FindLine(v.pc)
	e := &Error{Code: code, PC: v.pc, Line: line}
	if line != 0 {
		log.Errorf("error (line %d, pc %d): %s", line, v.pc, code)
	} else {
		log.Errorf("error (pc %d): %s", v.pc, code)
	}
	return e
}

// ---------------------------------------------------------------------------
// Operand stack and environments
// ---------------------------------------------------------------------------

func (v *VM) popValue() (bytecode.VMOpr, error) {
	if len(v.oprs) == 0 {
		return 0, v.fail(ErrEmptyOprStack)
	}
	val := v.oprs[len(v.oprs)-1]
	v.oprs = v.oprs[:len(v.oprs)-1]
	return val, nil
}

func (v *VM) top() (*bytecode.VMOpr, error) {
	if len(v.oprs) == 0 {
		return nil, v.fail(ErrEmptyOprStack)
	}
	return &v.oprs[len(v.oprs)-1], nil
}

// popAndTop pops the right-hand operand of a binary operation and returns a
// reference to the left-hand operand left on the stack.
func (v *VM) popAndTop() (bytecode.VMOpr, *bytecode.VMOpr, error) {
	rhs, err := v.popValue()
	if err != nil {
		return 0, nil, err
	}
	top, err := v.top()
	return rhs, top, err
}

func (v *VM) curEnv() Environment {
	return v.envs[len(v.envs)-1].env
}

// lookupSym resolves a symbol first in the current environment, then in the
// global one.
func (v *VM) lookupSym(id symbol.ID) (Environment, bool) {
	cur := v.curEnv()
	if _, ok := cur[id]; ok {
		return cur, true
	}
	global := v.envs[0].env
	if _, ok := global[id]; ok {
		return global, true
	}
	return nil, false
}

// paramSym returns the interned symbol ID of parameter pi.
func (v *VM) paramSym(i int) symbol.ID {
	for len(v.paramSyms) <= i {
		v.paramSyms = append(v.paramSyms, v.syms.Intern(fmt.Sprintf("p%d", len(v.paramSyms))))
	}
	return v.paramSyms[i]
}

func b2i(b bool) bytecode.VMOpr {
	if b {
		return 1
	}
	return 0
}

// ---------------------------------------------------------------------------
// Host surface (external functions, debugger)
// ---------------------------------------------------------------------------

// PC returns the current program counter.
func (v *VM) PC() bytecode.VMAddr {
	return v.pc
}

// Cont returns the instruction container the VM executes from.
func (v *VM) Cont() *bytecode.Container {
	return v.cont
}

// Syms returns the symbol pool shared with the container.
func (v *VM) Syms() *symbol.Pool {
	return v.syms
}

// MemPool returns the active memory pool.
func (v *VM) MemPool() mem.Pool {
	return v.pool
}

// ErrorCode returns the sticky error code of the last fatal condition.
func (v *VM) ErrorCode() ErrorCode {
	return v.errCode
}

// PushOpr pushes a value on the operand stack. External functions use this
// to return values in stack mode.
func (v *VM) PushOpr(val bytecode.VMOpr) {
	v.oprs = append(v.oprs, val)
}

// PopOpr pops a value from the operand stack.
func (v *VM) PopOpr() (bytecode.VMOpr, bool) {
	if len(v.oprs) == 0 {
		return 0, false
	}
	val := v.oprs[len(v.oprs)-1]
	v.oprs = v.oprs[:len(v.oprs)-1]
	return val, true
}

// Oprs returns a top-first snapshot of the operand stack.
func (v *VM) Oprs() []bytecode.VMOpr {
	out := make([]bytecode.VMOpr, len(v.oprs))
	for i, val := range v.oprs {
		out[len(v.oprs)-1-i] = val
	}
	return out
}

// EnvDepth returns the number of activation records, the global scope
// included.
func (v *VM) EnvDepth() int {
	return len(v.envs)
}

// EnvAt returns the environment and return PC of the activation at the given
// depth; 0 is the global scope.
func (v *VM) EnvAt(i int) (Environment, bytecode.VMAddr) {
	return v.envs[i].env, v.envs[i].retPC
}

// CurEnv returns the innermost environment.
func (v *VM) CurEnv() Environment {
	return v.curEnv()
}

// GlobalEnv returns the bottom (global) environment.
func (v *VM) GlobalEnv() Environment {
	return v.envs[0].env
}

// GetParam reads parameter pi from the current environment (the stack-mode
// external-function ABI).
func (v *VM) GetParam(i int) (bytecode.VMOpr, bool) {
	val, ok := v.curEnv()[v.paramSym(i)]
	return val, ok
}

// StaticRegCount returns the number of static registers, zero when register
// mode is off.
func (v *VM) StaticRegCount() int {
	return len(v.regs)
}

// Reg reads a static register.
func (v *VM) Reg(reg bytecode.RegID) (bytecode.VMOpr, bool) {
	if int(reg) >= len(v.regs) {
		return 0, false
	}
	return v.regs[reg], true
}

// SetReg writes a static register.
func (v *VM) SetReg(reg bytecode.RegID, val bytecode.VMOpr) bool {
	if int(reg) >= len(v.regs) {
		return false
	}
	v.regs[reg] = val
	return true
}

// ReadWord reads the 32-bit word at a memory pool address.
func (v *VM) ReadWord(addr bytecode.VMOpr) (bytecode.VMOpr, bool) {
	w := v.pool.Address(uint32(addr))
	if len(w) < 4 {
		return 0, false
	}
	return bytecode.VMOpr(binary.LittleEndian.Uint32(w)), true
}

// WriteWord writes the 32-bit word at a memory pool address.
func (v *VM) WriteWord(addr, val bytecode.VMOpr) bool {
	w := v.pool.Address(uint32(addr))
	if len(w) < 4 {
		return false
	}
	binary.LittleEndian.PutUint32(w, uint32(val))
	return true
}
