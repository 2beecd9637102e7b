package bytecode

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/pku-minic/minivm/pkg/symbol"
)

var log = commonlog.GetLogger("minivm.bytecode")

// breakInst is the virtual instruction served in trap mode and when a step
// counter without a callback expires.
const breakInst = Inst(uint32(OpBreak) << OprLen)

// StepCallback is invoked when a step counter with a callback expires.
type StepCallback func(*Container)

// stepCounter is one entry of the step-counter queue: after n more fetches,
// either run the callback or serve a virtual Break.
type stepCounter struct {
	n  int
	fn StepCallback
}

// backfillInfo tracks one label: its definition point and every instruction
// that references it and is waiting for the resolved PC.
type backfillInfo struct {
	defined bool
	pc      VMAddr
	refs    []VMAddr
}

// pcLine is one entry of the PC-to-line debug map.
type pcLine struct {
	pc   VMAddr
	line uint32
}

// Container stores emitted VM instructions and serves them to the VM.
//
// It plays three roles in sequence: front-ends drive the emission API, Seal
// resolves labels and freezes the code, and the VM then fetches instructions
// through Fetch — the debugger's sole interposition point (breakpoints, trap
// mode and step counters all act there).
type Container struct {
	syms    *symbol.Pool
	srcFile string

	hasError bool
	sealed   bool
	curLine  uint32

	// Scope tracking for emission: symbols defined in the global scope and in
	// the currently open function.
	globalEnv map[symbol.ID]struct{}
	localEnv  map[symbol.ID]struct{}
	inGlobal  bool

	// Debug metadata: line -> first PC, and PC -> line in ascending PC order.
	lineDefs map[uint32]VMAddr
	pcDefs   []pcLine

	// Label definitions and pending references.
	labelDefs map[string]*backfillInfo
	lastLabel string

	insts       []Inst
	globalInsts []Inst
	entryPC     VMAddr

	// Runtime service state.
	breakpoints  map[VMAddr]Opcode
	trapMode     atomic.Bool
	stepCounters []stepCounter
}

// NewContainer creates an instruction container over the given symbol pool.
// srcFile is recorded for debugger display only.
func NewContainer(syms *symbol.Pool, srcFile string) *Container {
	c := &Container{syms: syms}
	c.Reset(srcFile)
	return c
}

// Reset restores the container to its pristine state and re-inserts the
// mandatory `Jmp $entry` at instruction index 0.
func (c *Container) Reset(srcFile string) {
	c.syms.Reset()
	c.srcFile = srcFile
	c.hasError = false
	c.sealed = false
	c.curLine = 0
	c.globalEnv = make(map[symbol.ID]struct{})
	c.localEnv = make(map[symbol.ID]struct{})
	c.lineDefs = make(map[uint32]VMAddr)
	c.pcDefs = nil
	c.labelDefs = make(map[string]*backfillInfo)
	c.lastLabel = ""
	c.insts = nil
	c.globalInsts = nil
	c.entryPC = 0
	c.breakpoints = make(map[VMAddr]Opcode)
	c.trapMode.Store(false)
	c.stepCounters = nil

	// Instruction 0 is always a jump to the entry point, resolved at seal.
	c.inGlobal = false
	c.logLabelRef(EntryLabel)
	c.pushInst(OpJmp, 0)
	c.inGlobal = true
}

// ---------------------------------------------------------------------------
// Emission
// ---------------------------------------------------------------------------

// curInsts returns the buffer emissions currently go to: per-function code,
// or the global-scope buffer concatenated after $entry at seal time.
func (c *Container) curInsts() *[]Inst {
	if c.inGlobal {
		return &c.globalInsts
	}
	return &c.insts
}

func (c *Container) pushInst(op Opcode, opr uint32) {
	buf := c.curInsts()
	*buf = append(*buf, MakeInst(op, opr))
}

// lastInst returns the last emitted instruction for peephole rewriting, or
// nil when there is none or a label definition coincides with the current
// PC. Labels are barriers: a jump may land between the store and the reload,
// so the pair must not be fused across one.
func (c *Container) lastInst() *Inst {
	buf := *c.curInsts()
	if info, ok := c.labelDefs[c.lastLabel]; ok {
		if info.defined && int(info.pc) == len(buf) {
			return nil
		}
	}
	if len(buf) == 0 {
		return nil
	}
	return &buf[len(buf)-1]
}

// defSymbol interns sym and binds it in the current scope, reporting a
// duplicate-symbol error if it is already bound there. A local binding may
// shadow a global one of the same name.
func (c *Container) defSymbol(sym string) symbol.ID {
	id := c.syms.Intern(sym)
	env := c.localEnv
	if c.inGlobal {
		env = c.globalEnv
	}
	if _, ok := env[id]; ok {
		c.errorSym("symbol has already been defined", sym)
		return id
	}
	env[id] = struct{}{}
	return id
}

// getSymbol resolves sym against the current and global scopes, reporting an
// undefined-symbol error when it is bound in neither.
func (c *Container) getSymbol(sym string) symbol.ID {
	id, ok := c.syms.Lookup(sym)
	if ok {
		if _, local := c.localEnv[id]; local && !c.inGlobal {
			return id
		}
		if _, global := c.globalEnv[id]; global {
			return id
		}
	}
	c.errorSym("using undefined symbol", sym)
	return 0
}

// logLabelRef records that the next emitted instruction references label and
// needs its PC backfilled at seal time.
func (c *Container) logLabelRef(label string) {
	if c.inGlobal {
		c.errorAt("using label reference in global environment")
		return
	}
	info := c.labelDefs[label]
	if info == nil {
		info = &backfillInfo{}
		c.labelDefs[label] = info
	}
	info.refs = append(info.refs, VMAddr(len(c.insts)))
}

// EmitVar emits a scalar variable declaration.
func (c *Container) EmitVar(sym string) {
	c.pushInst(OpVar, uint32(c.defSymbol(sym)))
}

// EmitArr emits an array declaration; the size is taken from the stack.
func (c *Container) EmitArr(sym string) {
	c.pushInst(OpArr, uint32(c.defSymbol(sym)))
}

// EmitLabel defines a label at the current PC.
func (c *Container) EmitLabel(name string) {
	info := c.labelDefs[name]
	if info == nil {
		info = &backfillInfo{}
		c.labelDefs[name] = info
	}
	if info.defined {
		c.errorSym("label has already been defined", name)
		return
	}
	info.defined = true
	info.pc = VMAddr(len(c.insts))
	c.lastLabel = name
}

// EmitLoad emits a load-through-address instruction.
func (c *Container) EmitLoad() {
	c.pushInst(OpLd, 0)
}

// EmitLoadVar emits a variable load.
//
// A store to the same name immediately before is rewritten to its preserving
// form instead: `StVar x; LdVar x` becomes `StVarP x`. An already-rewritten
// StVarP is left alone — a statement like `t0 = t0 + t0` loads the name
// twice after one store.
func (c *Container) EmitLoadVar(sym string) {
	id := c.getSymbol(sym)
	if last := c.lastInst(); last != nil && last.Op() == OpStVar && symbol.ID(last.Opr()) == id {
		*last = last.withOp(OpStVarP)
		return
	}
	c.pushInst(OpLdVar, uint32(id))
}

// EmitLoadImm emits an immediate load, splitting values that do not fit the
// sign-extended 24-bit operand into an `Imm` / `ImmHi` pair.
func (c *Container) EmitLoadImm(imm VMOpr) {
	const (
		lower     = -(1 << (OprLen - 1))
		upper     = 1<<(OprLen-1) - 1
		upperMask = 1<<(InstLen-OprLen) - 1
	)
	if imm >= lower && imm <= upper {
		c.pushInst(OpImm, uint32(imm)&OprMask)
	} else {
		c.pushInst(OpImm, uint32(imm)&OprMask)
		c.pushInst(OpImmHi, uint32(imm)>>OprLen&upperMask)
	}
}

// EmitLoadReg emits a static register load, with the same peephole rewrite
// as EmitLoadVar (`StReg n; LdReg n` becomes `StRegP n`).
func (c *Container) EmitLoadReg(reg RegID) {
	if last := c.lastInst(); last != nil && last.Op() == OpStReg && last.Opr() == reg {
		*last = last.withOp(OpStRegP)
		return
	}
	c.pushInst(OpLdReg, reg)
}

// EmitLoadFrame emits a load of the frame slot at the given word offset.
func (c *Container) EmitLoadFrame(offset VMOpr) {
	c.EmitLoadFrameAddr(offset)
	c.EmitLoad()
}

// EmitLoadFrameAddr emits the address of the frame slot at the given word
// offset.
func (c *Container) EmitLoadFrameAddr(offset VMOpr) {
	c.EmitLoadImm(offset * 4)
	c.EmitLoadVar(FrameSymbol)
	c.EmitOp(OpAdd)
}

// EmitStore emits a store-through-address instruction.
func (c *Container) EmitStore() {
	c.pushInst(OpSt, 0)
}

// EmitStoreVar emits a variable store.
func (c *Container) EmitStoreVar(sym string) {
	c.pushInst(OpStVar, uint32(c.getSymbol(sym)))
}

// EmitStoreReg emits a static register store.
func (c *Container) EmitStoreReg(reg RegID) {
	c.pushInst(OpStReg, reg)
}

// EmitStoreFrame emits a store to the frame slot at the given word offset.
func (c *Container) EmitStoreFrame(offset VMOpr) {
	c.EmitLoadFrameAddr(offset)
	c.EmitStore()
}

// EmitBnz emits a conditional branch to label.
func (c *Container) EmitBnz(label string) {
	c.logLabelRef(label)
	c.pushInst(OpBnz, 0)
}

// EmitJump emits an unconditional jump to label.
func (c *Container) EmitJump(label string) {
	c.logLabelRef(label)
	c.pushInst(OpJmp, 0)
}

// EmitCall emits a function call to label. Calls to labels that are still
// undefined at seal time become external-function calls by name.
func (c *Container) EmitCall(label string) {
	c.logLabelRef(label)
	c.pushInst(OpCall, 0)
}

// EmitOp emits an instruction without an operand (ALU operations, Ld, St,
// Ret, Break, Clear).
func (c *Container) EmitOp(op Opcode) {
	c.pushInst(op, 0)
}

// SetLine records the source line for the instructions emitted next. It must
// be called before the insertion of the instructions it describes.
func (c *Container) SetLine(line uint32) {
	c.curLine = line
	// Only function code carries debug lines.
	if c.inGlobal {
		return
	}
	pc := VMAddr(len(c.insts))
	if _, ok := c.lineDefs[line]; !ok {
		c.lineDefs[line] = pc
	}
	if n := len(c.pcDefs); n > 0 && c.pcDefs[n-1].pc == pc {
		c.pcDefs[n-1].line = line
	} else {
		c.pcDefs = append(c.pcDefs, pcLine{pc: pc, line: line})
	}
}

// EnterFunction opens a function scope and declares its parameters
// `p0, p1, …`.
func (c *Container) EnterFunction(paramCount uint32) {
	if !c.inGlobal {
		c.errorAt("nested function is unsupported")
		return
	}
	c.inGlobal = false
	for i := uint32(0); i < paramCount; i++ {
		c.defSymbol(fmt.Sprintf("p%d", i))
	}
}

// EnterFunctionFrame opens a function scope with a frame area of slotCount
// words, for front-ends that address locals by frame offset.
func (c *Container) EnterFunctionFrame(paramCount, slotCount uint32) {
	c.EnterFunction(paramCount)
	c.EmitLoadImm(VMOpr(slotCount) * 4)
	c.EmitArr(FrameSymbol)
}

// ExitFunction closes the current function scope.
func (c *Container) ExitFunction() {
	c.localEnv = make(map[symbol.ID]struct{})
	c.inGlobal = true
}

// ---------------------------------------------------------------------------
// Sealing
// ---------------------------------------------------------------------------

// Seal resolves all labels and freezes the container.
//
// It defines `$entry`, appends the buffered global-scope instructions and a
// final `Call f_main; Ret`, backfills every defined label into its
// referencing instructions and rewrites calls to undefined labels into
// external calls by name. Any emission or seal error makes Seal fail; the
// caller is expected to treat that as fatal.
func (c *Container) Seal() error {
	if c.sealed {
		return errors.New("container is already sealed")
	}
	c.EmitLabel(EntryLabel)
	c.entryPC = VMAddr(len(c.insts))
	c.insts = append(c.insts, c.globalInsts...)
	c.globalInsts = nil
	// The entry stub calls main and returns cleanly.
	c.inGlobal = false
	c.EmitCall(MainLabel)
	c.EmitOp(OpRet)

	for label, info := range c.labelDefs {
		if info.defined {
			for _, pc := range info.refs {
				c.insts[pc] = MakeInst(c.insts[pc].Op(), info.pc)
			}
			info.refs = nil
			continue
		}
		// Undefined label: calls bind to external functions at runtime,
		// anything else is an error.
		for _, pc := range info.refs {
			if c.insts[pc].Op() == OpCall {
				id := c.syms.Intern(label)
				c.insts[pc] = MakeInst(OpCallExt, uint32(id))
			} else {
				line, _ := c.findLineUnsealed(pc)
				c.errorSymLine("using undefined label", label, line)
			}
		}
		delete(c.labelDefs, label)
	}

	if c.hasError {
		return fmt.Errorf("%s: instruction container has errors", c.srcFile)
	}
	c.globalEnv = make(map[symbol.ID]struct{})
	c.localEnv = make(map[symbol.ID]struct{})
	c.sealed = true
	return nil
}

// Sealed reports whether the container has been sealed.
func (c *Container) Sealed() bool {
	return c.sealed
}

// ---------------------------------------------------------------------------
// Runtime service
// ---------------------------------------------------------------------------

// Fetch returns the instruction to execute at pc.
//
// Four behaviors compose, in order: expired step counters fire (callbacks
// run, plain counters yield a virtual Break), breakpoints are visible as the
// Break opcodes written into the code, trap mode forces a virtual Break, and
// otherwise the stored instruction is returned. This is the hot path and the
// debugger's only interposition point.
func (c *Container) Fetch(pc VMAddr) Inst {
	breakFlag := false
	if n := len(c.stepCounters); n > 0 {
		// One pass over the queue as it was at fetch entry; callbacks may
		// re-enqueue themselves and are not reprocessed this fetch.
		for ; n > 0; n-- {
			sc := c.stepCounters[0]
			c.stepCounters = c.stepCounters[1:]
			if sc.n == 0 {
				if sc.fn != nil {
					sc.fn(c)
				} else {
					breakFlag = true
				}
				continue
			}
			sc.n--
			c.stepCounters = append(c.stepCounters, sc)
		}
	}
	if c.trapMode.Load() || breakFlag {
		return breakInst
	}
	return c.insts[pc]
}

// AddStepCounter queues a step counter. After n more fetches the callback
// runs; with a nil callback a virtual Break is served instead. Callbacks may
// re-enqueue themselves to implement multi-step semantics.
func (c *Container) AddStepCounter(n int, fn StepCallback) {
	c.stepCounters = append(c.stepCounters, stepCounter{n: n, fn: fn})
}

// ToggleBreakpoint enables or disables a breakpoint at pc by overwriting the
// stored opcode with Break and remembering the original. Toggling is
// transparent: InstAt and the disassembler always see the original opcode.
func (c *Container) ToggleBreakpoint(pc VMAddr, enable bool) {
	if int(pc) >= len(c.insts) {
		return
	}
	if enable {
		if _, ok := c.breakpoints[pc]; ok {
			return
		}
		c.breakpoints[pc] = c.insts[pc].Op()
		c.insts[pc] = c.insts[pc].withOp(OpBreak)
	} else if op, ok := c.breakpoints[pc]; ok {
		c.insts[pc] = c.insts[pc].withOp(op)
		delete(c.breakpoints, pc)
	}
}

// SetTrapMode enables or disables trap mode. While set, every Fetch yields a
// virtual Break without touching the stored instructions. Safe to call from
// the interrupt-signal goroutine.
func (c *Container) SetTrapMode(enable bool) {
	c.trapMode.Store(enable)
}

// TrapMode reports whether trap mode is enabled.
func (c *Container) TrapMode() bool {
	return c.trapMode.Load()
}

// ---------------------------------------------------------------------------
// Debug queries
// ---------------------------------------------------------------------------

// InstAt returns the stored instruction at pc with any breakpoint overlay
// removed, or false when pc is out of range.
func (c *Container) InstAt(pc VMAddr) (Inst, bool) {
	if int(pc) >= len(c.insts) {
		return 0, false
	}
	inst := c.insts[pc]
	if op, ok := c.breakpoints[pc]; ok {
		inst = inst.withOp(op)
	}
	return inst, true
}

// Len returns the number of stored instructions.
func (c *Container) Len() int {
	return len(c.insts)
}

// EntryPC returns the PC of the `$entry` label. Only meaningful once sealed.
func (c *Container) EntryPC() VMAddr {
	return c.entryPC
}

// SourceFile returns the path of the source file this container was built
// from.
func (c *Container) SourceFile() string {
	return c.srcFile
}

// FindPCByLine returns the first PC emitted for the given source line.
func (c *Container) FindPCByLine(line uint32) (VMAddr, bool) {
	pc, ok := c.lineDefs[line]
	return pc, ok
}

// FindPCByLabel returns the PC of a defined label (function names included).
func (c *Container) FindPCByLabel(label string) (VMAddr, bool) {
	info, ok := c.labelDefs[label]
	if !ok || !info.defined {
		return 0, false
	}
	return info.pc, true
}

// FindLine returns the source line of the nearest line definition at or
// before pc. PCs at or beyond `$entry` carry no line information.
func (c *Container) FindLine(pc VMAddr) (uint32, bool) {
	if c.sealed && pc >= c.entryPC {
		return 0, false
	}
	return c.findLineUnsealed(pc)
}

func (c *Container) findLineUnsealed(pc VMAddr) (uint32, bool) {
	i := sort.Search(len(c.pcDefs), func(i int) bool {
		return c.pcDefs[i].pc > pc
	})
	if i == 0 {
		return 0, false
	}
	return c.pcDefs[i-1].line, true
}

// ---------------------------------------------------------------------------
// Error reporting
// ---------------------------------------------------------------------------

func (c *Container) errorAt(message string) {
	log.Errorf("error (line %d): %s", c.curLine, message)
	c.hasError = true
}

func (c *Container) errorSym(message, sym string) {
	c.errorSymLine(message, sym, c.curLine)
}

func (c *Container) errorSymLine(message, sym string, line uint32) {
	log.Errorf("error (line %d, sym %q): %s", line, sym, message)
	c.hasError = true
}
