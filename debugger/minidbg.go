package debugger

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/pku-minic/minivm/pkg/bytecode"
	"github.com/pku-minic/minivm/vm"
)

// layoutType selects what the debugger shows when execution stops.
type layoutType int

const (
	layoutSource layoutType = iota
	layoutAsm
)

// breakInfo is one user-visible breakpoint.
type breakInfo struct {
	addr     bytecode.VMAddr
	hitCount uint32
}

// watchInfo is one user-visible watchpoint.
type watchInfo struct {
	recordID uint32 // expression record in the evaluator
	lastVal  bytecode.VMOpr
	hitCount uint32
}

// MiniDebugger is the interactive debugger for a VM instance.
//
// Construction registers the `$debugger` external, installs the process
// interrupt handler and enables trap mode, so the first fetched instruction
// already lands in the debugger.
type MiniDebugger struct {
	*CLI
	vm   *vm.VM
	eval *ExprEvaluator
	src  *sourceReader

	nextID  uint32
	breaks  map[uint32]*breakInfo
	pcBP    map[bytecode.VMAddr]*breakInfo
	watches map[uint32]*watchInfo

	layout      layoutType
	watchActive bool
}

// New attaches a debugger to a VM. Must be called before Run.
func New(v *vm.VM) *MiniDebugger {
	d := &MiniDebugger{
		CLI:     NewCLI("minidbg> "),
		vm:      v,
		breaks:  make(map[uint32]*breakInfo),
		pcBP:    make(map[bytecode.VMAddr]*breakInfo),
		watches: make(map[uint32]*watchInfo),
		src:     newSourceReader(v.Cont().SourceFile()),
	}
	d.eval = NewExprEvaluator(vmValueSource{vm: v})
	d.initCommands()
	v.RegisterFunction(bytecode.DebuggerSymbol, func(*vm.VM) bool {
		return d.callback()
	})
	registerInterrupt(d)
	v.Cont().SetTrapMode(true)
	return d
}

// Detach removes the debugger from the interrupt registry and releases the
// terminal.
func (d *MiniDebugger) Detach() {
	unregisterInterrupt(d)
	d.Close()
}

// SetLayout selects the automatic display layout: "src" or "asm".
func (d *MiniDebugger) SetLayout(layout string) {
	if layout == "asm" {
		d.layout = layoutAsm
	} else {
		d.layout = layoutSource
	}
}

// SetOutput redirects debugger and evaluator output.
func (d *MiniDebugger) SetOutput(w io.Writer) {
	d.CLI.SetOutput(w)
	d.eval.SetOutput(w)
}

func (d *MiniDebugger) initCommands() {
	d.RegisterCommand("quit", "q", d.cmdQuit, "",
		"quit debugger and terminate program",
		"Terminate the program being debugged and quit.")
	d.RegisterCommand("break", "b", d.cmdBreak, "[POS]",
		"set breakpoint at POS",
		"Set a breakpoint at specific address (PC), POS defaults to current PC.")
	d.RegisterCommand("watch", "w", d.cmdWatch, "EXPR",
		"set watchpoint at EXPR",
		"Set a watchpoint for a specific expression, pause when EXPR changes.\n"+
			"  Setting watchpoints may cause MiniVM to run slowly.")
	d.RegisterCommand("delete", "d", d.cmdDelete, "[N]",
		"delete breakpoint/watchpoint",
		"Delete breakpoint/watchpoint N, delete all breakpoints and watchpoints by default.")
	d.RegisterCommand("continue", "c", d.cmdContinue, "",
		"continue running",
		"Continue running current program.")
	d.RegisterCommand("next", "n", d.cmdNext, "",
		"stepping over calls (source level)",
		"Source level single step, stepping over calls.")
	d.RegisterCommand("nexti", "ni", d.cmdNextI, "[N]",
		"stepping over calls (instruction level)",
		"Perform N instruction level single steps, stepping over calls. N defaults to 1.")
	d.RegisterCommand("step", "s", d.cmdStep, "",
		"stepping into calls (source level)",
		"Source level single step, stepping into calls.")
	d.RegisterCommand("stepi", "si", d.cmdStepI, "[N]",
		"stepping into calls (instruction level)",
		"Perform N instruction level single steps, stepping into calls. N defaults to 1.")
	d.RegisterCommand("print", "p", d.cmdPrint, "[EXPR]",
		"show value of EXPR",
		"Show value of EXPR, or just show the last value.")
	d.RegisterCommand("x", "", d.cmdExamine, "N EXPR",
		"examine memory at EXPR",
		"Examine N units memory at address EXPR, 4 bytes per unit.")
	d.RegisterCommand("info", "", d.cmdInfo, "ITEM",
		"show information of ITEM",
		"Show information of ITEM.\n\n"+
			"ITEM:\n"+
			"  stack/s  --- operand stack\n"+
			"  env/e    --- environment stack\n"+
			"  reg/r    --- static registers\n"+
			"  break/b  --- breakpoints\n"+
			"  watch/w  --- watchpoints")
	d.RegisterCommand("layout", "", d.cmdLayout, "TYPE",
		"set layout of automatic disassemble",
		"Set layout of automatic disassemble, TYPE can be 'src' or 'asm'.")
	d.RegisterCommand("disasm", "da", d.cmdDisasm, "[N POS]",
		"disassemble memory at POS",
		"Disassemble N units memory at POS, disassemble 10 loc near current PC by default.")
}

func (d *MiniDebugger) logError(message string) {
	fmt.Fprintf(d.out, "%s %s\n", red("ERROR (debugger):"), message)
}

// ---------------------------------------------------------------------------
// Debugger callback (entered from the VM's Break handler)
// ---------------------------------------------------------------------------

// callback runs when the VM executes a Break. Returning false terminates the
// run.
func (d *MiniDebugger) callback() bool {
	cont := d.vm.Cont()
	pc := d.vm.PC()

	// Outside the source region (the entry stub, the initial jump): step on
	// until line information is available instead of dropping into the CLI.
	if _, ok := cont.FindLine(pc); !ok {
		d.stepUntilSourceLine()
		cont.SetTrapMode(false)
		return true
	}

	// At a user breakpoint: disable it and re-arm after exactly one fetch,
	// so the original instruction executes exactly once.
	if info := d.pcBP[pc]; info != nil {
		info.hitCount++
		fmt.Fprintf(d.out, "\n%s hit breakpoint at pc %d\n", bold("minidbg:"), pc)
		bpPC := pc
		cont.ToggleBreakpoint(bpPC, false)
		cont.AddStepCounter(1, func(c *bytecode.Container) {
			c.ToggleBreakpoint(bpPC, true)
		})
	}

	d.showStopLocation()
	d.EnterCLI()
	cont.SetTrapMode(false)
	return !d.QuitRequested()
}

// stepUntilSourceLine installs a step counter that re-raises the trap as
// soon as execution reaches a PC with line information.
func (d *MiniDebugger) stepUntilSourceLine() {
	var cb bytecode.StepCallback
	cb = func(c *bytecode.Container) {
		if _, ok := c.FindLine(d.vm.PC()); ok {
			c.SetTrapMode(true)
			return
		}
		c.AddStepCounter(0, cb)
	}
	d.vm.Cont().AddStepCounter(0, cb)
}

// ---------------------------------------------------------------------------
// Step modes
// ---------------------------------------------------------------------------

// installStepLine stops when execution reaches a PC whose source line
// differs from the current one.
func (d *MiniDebugger) installStepLine() {
	cont := d.vm.Cont()
	startLine, _ := cont.FindLine(d.vm.PC())
	var cb bytecode.StepCallback
	cb = func(c *bytecode.Container) {
		if line, ok := c.FindLine(d.vm.PC()); ok && line != startLine {
			c.SetTrapMode(true)
			return
		}
		c.AddStepCounter(0, cb)
	}
	cont.AddStepCounter(0, cb)
}

// installNextLine behaves like installStepLine but steps over calls: the
// callback tracks call depth and only stops once the depth is back at its
// starting level and the line changed.
func (d *MiniDebugger) installNextLine() {
	cont := d.vm.Cont()
	pc := d.vm.PC()
	inst, ok := cont.InstAt(pc)
	if !ok || inst.Op() != bytecode.OpCall {
		d.installStepLine()
		return
	}
	startLine, _ := cont.FindLine(pc)
	depth := 0
	var cb bytecode.StepCallback
	cb = func(c *bytecode.Container) {
		cur := d.vm.PC()
		if depth <= 0 {
			if line, ok := c.FindLine(cur); ok && line != startLine {
				c.SetTrapMode(true)
				return
			}
		}
		if in, ok := c.InstAt(cur); ok {
			switch in.Op() {
			case bytecode.OpCall:
				depth++
			case bytecode.OpRet:
				depth--
			}
		}
		c.AddStepCounter(0, cb)
	}
	cont.AddStepCounter(0, cb)
}

// installNextInsts performs n instruction-level steps, treating each Call
// and everything up to its matching return PC as a single step.
func (d *MiniDebugger) installNextInsts(n int) {
	cont := d.vm.Cont()
	cont.AddStepCounter(0, func(c *bytecode.Container) {
		d.nextiTick(c, n)
	})
}

func (d *MiniDebugger) nextiTick(c *bytecode.Container, n int) {
	if n <= 0 {
		c.SetTrapMode(true)
		return
	}
	pc := d.vm.PC()
	if in, ok := c.InstAt(pc); ok && in.Op() == bytecode.OpCall {
		// Resume counting at the Call's return PC.
		target := pc + 1
		var wait bytecode.StepCallback
		wait = func(c *bytecode.Container) {
			if d.vm.PC() == target {
				d.nextiTick(c, n-1)
				return
			}
			c.AddStepCounter(0, wait)
		}
		c.AddStepCounter(0, wait)
		return
	}
	c.AddStepCounter(0, func(c *bytecode.Container) {
		d.nextiTick(c, n-1)
	})
}

// ---------------------------------------------------------------------------
// Watchpoints
// ---------------------------------------------------------------------------

// ensureWatchTicker keeps a self-reinstalling zero-count step counter alive
// while any watchpoint exists. Each tick re-evaluates every watched
// expression; a change raises the trap.
func (d *MiniDebugger) ensureWatchTicker() {
	if d.watchActive {
		return
	}
	d.watchActive = true
	var tick bytecode.StepCallback
	tick = func(c *bytecode.Container) {
		if len(d.watches) == 0 {
			d.watchActive = false
			return
		}
		ids := make([]uint32, 0, len(d.watches))
		for id := range d.watches {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			w := d.watches[id]
			val, ok := d.eval.EvalRecord(w.recordID)
			if !ok || val == w.lastVal {
				continue
			}
			w.hitCount++
			text, _ := d.eval.RecordText(w.recordID)
			fmt.Fprintf(d.out, "\n%s watchpoint %d: %s\n", bold("minidbg:"), id, text)
			fmt.Fprintf(d.out, "  old value = %d\n", w.lastVal)
			fmt.Fprintf(d.out, "  new value = %d\n", val)
			w.lastVal = val
			c.SetTrapMode(true)
		}
		c.AddStepCounter(0, tick)
	}
	d.vm.Cont().AddStepCounter(0, tick)
}

// ---------------------------------------------------------------------------
// Command helpers
// ---------------------------------------------------------------------------

// readPosition parses the POS argument syntax: `:LINE`, a decimal PC, or a
// label/function name.
func (d *MiniDebugger) readPosition(pos string) (bytecode.VMAddr, bool) {
	cont := d.vm.Cont()
	switch {
	case strings.HasPrefix(pos, ":"):
		line, err := strconv.ParseUint(pos[1:], 10, 32)
		if err != nil {
			d.logError("invalid line number")
			return 0, false
		}
		addr, ok := cont.FindPCByLine(uint32(line))
		if !ok {
			d.logError("line number out of range")
			return 0, false
		}
		return addr, true
	case len(pos) > 0 && pos[0] >= '0' && pos[0] <= '9':
		addr, err := strconv.ParseUint(pos, 10, 32)
		if err != nil {
			d.logError("invalid PC address")
			return 0, false
		}
		return bytecode.VMAddr(addr), true
	default:
		addr, ok := cont.FindPCByLabel(pos)
		if !ok {
			d.logError("function/label not found")
			return 0, false
		}
		return addr, true
	}
}

func (d *MiniDebugger) deleteBreak(id uint32) bool {
	info, ok := d.breaks[id]
	if !ok {
		return false
	}
	d.vm.Cont().ToggleBreakpoint(info.addr, false)
	delete(d.pcBP, info.addr)
	delete(d.breaks, id)
	return true
}

func (d *MiniDebugger) deleteWatch(id uint32) bool {
	info, ok := d.watches[id]
	if !ok {
		return false
	}
	d.eval.RemoveRecord(info.recordID)
	delete(d.watches, id)
	return true
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func (d *MiniDebugger) cmdQuit(string) bool {
	d.RequestQuit()
	return true
}

func (d *MiniDebugger) cmdBreak(args string) bool {
	addr := d.vm.PC()
	if args != "" {
		var ok bool
		if addr, ok = d.readPosition(args); !ok {
			return false
		}
	}
	if _, ok := d.pcBP[addr]; ok {
		d.logError("there is already a breakpoint at the specific POS")
		return false
	}
	d.vm.Cont().ToggleBreakpoint(addr, true)
	info := &breakInfo{addr: addr}
	d.breaks[d.nextID] = info
	d.pcBP[addr] = info
	fmt.Fprintf(d.out, "breakpoint %d at pc %d", d.nextID, addr)
	if line, ok := d.vm.Cont().FindLine(addr); ok {
		fmt.Fprintf(d.out, " (line %d)", line)
	}
	fmt.Fprintln(d.out)
	d.nextID++
	return false
}

func (d *MiniDebugger) cmdWatch(args string) bool {
	if args == "" {
		d.logError("invalid 'EXPR'")
		return false
	}
	recordID := d.eval.NextID()
	val, ok := d.eval.Eval(args)
	if !ok {
		return false
	}
	d.watches[d.nextID] = &watchInfo{recordID: recordID, lastVal: val}
	text, _ := d.eval.RecordText(recordID)
	fmt.Fprintf(d.out, "watchpoint %d: %s\n", d.nextID, text)
	d.nextID++
	d.ensureWatchTicker()
	return false
}

func (d *MiniDebugger) cmdDelete(args string) bool {
	if args == "" {
		answer, ok := d.ReadLine("are you sure to delete all breakpoints & watchpoints? [y/n] ")
		if !ok || len(answer) != 1 || (answer[0] != 'y' && answer[0] != 'Y') {
			return false
		}
		for id := range d.breaks {
			d.deleteBreak(id)
		}
		for id := range d.watches {
			d.deleteWatch(id)
		}
		return false
	}
	id, err := strconv.ParseUint(args, 10, 32)
	if err != nil {
		d.logError("invalid breakpoint/watchpoint id")
		return false
	}
	if !d.deleteBreak(uint32(id)) && !d.deleteWatch(uint32(id)) {
		d.logError("breakpoint/watchpoint not found")
	}
	return false
}

func (d *MiniDebugger) cmdContinue(string) bool {
	return true
}

func (d *MiniDebugger) cmdNext(string) bool {
	d.installNextLine()
	return true
}

func (d *MiniDebugger) cmdNextI(args string) bool {
	n, ok := parseCount(args)
	if !ok {
		d.logError("invalid step count")
		return false
	}
	d.installNextInsts(n)
	return true
}

func (d *MiniDebugger) cmdStep(string) bool {
	d.installStepLine()
	return true
}

func (d *MiniDebugger) cmdStepI(args string) bool {
	n, ok := parseCount(args)
	if !ok {
		d.logError("invalid step count")
		return false
	}
	d.vm.Cont().AddStepCounter(n, nil)
	return true
}

func parseCount(args string) (int, bool) {
	if args == "" {
		return 1, true
	}
	n, err := strconv.Atoi(args)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func (d *MiniDebugger) cmdPrint(args string) bool {
	if args == "" {
		// Re-show the most recent record that still evaluates.
		id := d.eval.NextID()
		for {
			if id == 0 {
				d.logError("there is no last value available")
				return false
			}
			id--
			if val, ok := d.eval.EvalRecord(id); ok {
				fmt.Fprintf(d.out, "$%d = %d\n", id, val)
				return false
			}
		}
	}
	id := d.eval.NextID()
	val, ok := d.eval.Eval(args)
	if !ok {
		return false
	}
	fmt.Fprintf(d.out, "$%d = %d\n", id, val)
	return false
}

func (d *MiniDebugger) cmdExamine(args string) bool {
	countStr, expr := splitCommand(args)
	n, err := strconv.Atoi(countStr)
	if err != nil || n < 1 || expr == "" {
		d.logError("invalid 'N' or 'EXPR'")
		return false
	}
	addr, ok := d.eval.Eval(expr)
	if !ok {
		return false
	}
	for i := 0; i < n; i++ {
		if i%4 == 0 {
			if i > 0 {
				fmt.Fprintln(d.out)
			}
			fmt.Fprintf(d.out, "0x%08x:", uint32(addr)+uint32(i)*4)
		}
		val, ok := d.vm.ReadWord(addr + bytecode.VMOpr(i)*4)
		if !ok {
			fmt.Fprintf(d.out, " <invalid>")
			break
		}
		fmt.Fprintf(d.out, " %d", val)
	}
	fmt.Fprintln(d.out)
	return false
}

func (d *MiniDebugger) cmdInfo(args string) bool {
	item, _ := splitCommand(args)
	switch item {
	case "stack", "s":
		d.showStack()
	case "env", "e":
		d.showEnvs()
	case "reg", "r":
		d.showRegs()
	case "break", "b":
		d.showBreaks()
	case "watch", "w":
		d.showWatches()
	default:
		d.logError("invalid 'ITEM', run 'help info' for details")
	}
	return false
}

func (d *MiniDebugger) cmdLayout(args string) bool {
	switch args {
	case "src":
		d.layout = layoutSource
	case "asm":
		d.layout = layoutAsm
	default:
		d.logError("TYPE must be 'src' or 'asm'")
	}
	return false
}

func (d *MiniDebugger) cmdDisasm(args string) bool {
	n := 10
	addr := d.vm.PC()
	if args != "" {
		countStr, pos := splitCommand(args)
		var err error
		if n, err = strconv.Atoi(countStr); err != nil || n < 1 || pos == "" {
			d.logError("invalid 'N' or 'POS'")
			return false
		}
		var ok bool
		if addr, ok = d.readPosition(pos); !ok {
			return false
		}
	}
	d.showDisasm(addr, n)
	return false
}

// ---------------------------------------------------------------------------
// State display
// ---------------------------------------------------------------------------

// showStopLocation prints where execution stopped, in the configured layout.
func (d *MiniDebugger) showStopLocation() {
	pc := d.vm.PC()
	if d.layout == layoutSource {
		if line, ok := d.vm.Cont().FindLine(pc); ok {
			if text, ok := d.src.Line(line); ok {
				fmt.Fprintf(d.out, "%s:%d: %s\n", d.vm.Cont().SourceFile(), line, cyan(text))
				return
			}
			fmt.Fprintf(d.out, "%s:%d: <source unavailable>\n", d.vm.Cont().SourceFile(), line)
			return
		}
	}
	start := bytecode.VMAddr(0)
	if pc > 4 {
		start = pc - 4
	}
	d.showDisasm(start, 10)
}

// showDisasm prints n instructions starting at addr, marking the current PC
// and breakpoints, with line annotations where they change.
func (d *MiniDebugger) showDisasm(addr bytecode.VMAddr, n int) {
	cont := d.vm.Cont()
	lastLine := uint32(0)
	for i := 0; i < n; i++ {
		pc := addr + bytecode.VMAddr(i)
		text, ok := cont.DisassembleInstruction(pc)
		if !ok {
			break
		}
		marker := "  "
		if pc == d.vm.PC() {
			marker = green("=>")
		} else if _, ok := d.pcBP[pc]; ok {
			marker = red(" *")
		}
		if line, ok := cont.FindLine(pc); ok && line != lastLine {
			fmt.Fprintf(d.out, "%s:%d:\n", cont.SourceFile(), line)
			lastLine = line
		}
		fmt.Fprintf(d.out, "%s %4d:\t%s\n", marker, pc, text)
	}
}

func (d *MiniDebugger) showStack() {
	oprs := d.vm.Oprs()
	fmt.Fprintf(d.out, "operand stack (%d values, top first):\n", len(oprs))
	for i, val := range oprs {
		fmt.Fprintf(d.out, "  #%d: %d\n", i, val)
	}
}

func (d *MiniDebugger) showEnvs() {
	depth := d.vm.EnvDepth()
	fmt.Fprintf(d.out, "environment stack (%d frames, innermost first):\n", depth)
	for i := depth - 1; i >= 0; i-- {
		env, retPC := d.vm.EnvAt(i)
		name := fmt.Sprintf("frame #%d", depth-1-i)
		if i == 0 {
			name = "global"
		}
		fmt.Fprintf(d.out, "  %s (return pc %d):\n", name, retPC)
		names := make([]string, 0, len(env))
		vals := make(map[string]bytecode.VMOpr, len(env))
		for id, val := range env {
			if symName, ok := d.vm.Syms().Name(id); ok {
				names = append(names, symName)
				vals[symName] = val
			}
		}
		sort.Strings(names)
		for _, symName := range names {
			fmt.Fprintf(d.out, "    %s = %d\n", symName, vals[symName])
		}
	}
}

func (d *MiniDebugger) showRegs() {
	count := d.vm.StaticRegCount()
	if count == 0 {
		fmt.Fprintln(d.out, "static registers are disabled")
		return
	}
	for i := 0; i < count; i++ {
		name, _ := vm.RegisterName(bytecode.RegID(i))
		val, _ := d.vm.Reg(bytecode.RegID(i))
		fmt.Fprintf(d.out, "%4s = %-12d", name, val)
		if i%4 == 3 {
			fmt.Fprintln(d.out)
		}
	}
	if count%4 != 0 {
		fmt.Fprintln(d.out)
	}
	fmt.Fprintf(d.out, "  pc = %d\n", d.vm.PC())
}

func (d *MiniDebugger) showBreaks() {
	if len(d.breaks) == 0 {
		fmt.Fprintln(d.out, "no breakpoints")
		return
	}
	ids := make([]uint32, 0, len(d.breaks))
	for id := range d.breaks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fmt.Fprintln(d.out, "Num\tPC\tHits")
	for _, id := range ids {
		info := d.breaks[id]
		fmt.Fprintf(d.out, "%d\t%d\t%d\n", id, info.addr, info.hitCount)
	}
}

func (d *MiniDebugger) showWatches() {
	if len(d.watches) == 0 {
		fmt.Fprintln(d.out, "no watchpoints")
		return
	}
	ids := make([]uint32, 0, len(d.watches))
	for id := range d.watches {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fmt.Fprintln(d.out, "Num\tValue\tHits\tExpr")
	for _, id := range ids {
		info := d.watches[id]
		text, _ := d.eval.RecordText(info.recordID)
		fmt.Fprintf(d.out, "%d\t%d\t%d\t%s\n", id, info.lastVal, info.hitCount, text)
	}
}
