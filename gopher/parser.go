// Package gopher parses the textual "Gopher" form of VM programs — the same
// assembly the container's disassembler produces — and drives the
// instruction container's emission API with it.
//
// The grammar is line oriented. `#` starts a comment. A line is one of:
//
//	label:            define a label (function names are labels)
//	.line N           override the debug line for following instructions
//	.enter N [M]      open a function scope with N parameters and an
//	                  optional M-slot frame area
//	.exit             close the function scope
//	Op [operand]      an instruction by mnemonic; operands are symbol
//	                  names, register names or indices, labels, or
//	                  integer immediates (decimal or 0x hex)
//
// An optional leading `PC:` token is skipped, so disassembler listings can
// be pasted back in (control transfers still need label operands — backfill
// targets are resolved at seal time, not parse time). Unless a `.line`
// directive is used, each instruction is tagged with its physical line in
// the input file, which is what the debugger's source layout then shows.
package gopher

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pku-minic/minivm/pkg/bytecode"
	"github.com/pku-minic/minivm/vm"
)

// ParseFile parses the Gopher file at path into the container.
func ParseFile(path string, cont *bytecode.Container) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return Parse(f, cont)
}

// Parse parses Gopher source from r into the container. The container is
// left unsealed; the caller seals it.
func Parse(r io.Reader, cont *bytecode.Container) error {
	p := &parser{cont: cont}
	scan := bufio.NewScanner(r)
	for scan.Scan() {
		p.lineNum++
		if err := p.parseLine(scan.Text()); err != nil {
			return fmt.Errorf("line %d: %w", p.lineNum, err)
		}
	}
	if err := scan.Err(); err != nil {
		return err
	}
	if p.inFunc {
		return fmt.Errorf("line %d: missing .exit at end of input", p.lineNum)
	}
	return nil
}

type parser struct {
	cont         *bytecode.Container
	lineNum      uint32
	inFunc       bool
	explicitLine bool // a .line directive controls debug lines
}

func (p *parser) parseLine(text string) error {
	if i := strings.IndexByte(text, '#'); i >= 0 {
		text = text[:i]
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil
	}
	// Disassembler output carries a leading "PC:" token; skip it.
	if first := fields[0]; strings.HasSuffix(first, ":") && isNumber(first[:len(first)-1]) {
		fields = fields[1:]
		if len(fields) == 0 {
			return nil
		}
	}

	switch head := fields[0]; {
	case head == ".line":
		if len(fields) != 2 {
			return fmt.Errorf(".line expects one argument")
		}
		n, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid line number %q", fields[1])
		}
		p.explicitLine = true
		p.cont.SetLine(uint32(n))
		return nil

	case head == ".enter":
		if p.inFunc {
			return fmt.Errorf("nested .enter")
		}
		if len(fields) < 2 || len(fields) > 3 {
			return fmt.Errorf(".enter expects one or two arguments")
		}
		params, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid parameter count %q", fields[1])
		}
		p.inFunc = true
		p.setLine()
		if len(fields) == 3 {
			slots, err := strconv.ParseUint(fields[2], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid slot count %q", fields[2])
			}
			p.cont.EnterFunctionFrame(uint32(params), uint32(slots))
		} else {
			p.cont.EnterFunction(uint32(params))
		}
		return nil

	case head == ".exit":
		if !p.inFunc {
			return fmt.Errorf(".exit outside function")
		}
		p.inFunc = false
		p.cont.ExitFunction()
		return nil

	case strings.HasSuffix(head, ":"):
		if len(fields) != 1 {
			return fmt.Errorf("unexpected input after label")
		}
		p.cont.EmitLabel(head[:len(head)-1])
		return nil

	default:
		return p.parseInst(fields)
	}
}

// setLine tags the next emission with the current physical line unless the
// program controls lines explicitly.
func (p *parser) setLine() {
	if !p.explicitLine {
		p.cont.SetLine(p.lineNum)
	}
}

func (p *parser) parseInst(fields []string) error {
	op, ok := bytecode.OpcodeByName(fields[0])
	if !ok {
		return fmt.Errorf("unknown instruction %q", fields[0])
	}
	info := bytecode.GetOpcodeInfo(op)
	wantOperand := info.Operand != bytecode.OperandNone
	if (wantOperand && len(fields) != 2) || (!wantOperand && len(fields) != 1) {
		return fmt.Errorf("wrong operand count for %s", info.Name)
	}
	p.setLine()

	switch op {
	case bytecode.OpVar:
		p.cont.EmitVar(fields[1])
	case bytecode.OpArr:
		p.cont.EmitArr(fields[1])
	case bytecode.OpLd:
		p.cont.EmitLoad()
	case bytecode.OpLdVar:
		p.cont.EmitLoadVar(fields[1])
	case bytecode.OpLdReg:
		reg, err := parseRegister(fields[1])
		if err != nil {
			return err
		}
		p.cont.EmitLoadReg(reg)
	case bytecode.OpSt:
		p.cont.EmitStore()
	case bytecode.OpStVar, bytecode.OpStVarP:
		// The preserving form is a peephole product; accept it as a plain
		// store followed by a reload, which re-fuses.
		p.cont.EmitStoreVar(fields[1])
		if op == bytecode.OpStVarP {
			p.cont.EmitLoadVar(fields[1])
		}
	case bytecode.OpStReg, bytecode.OpStRegP:
		reg, err := parseRegister(fields[1])
		if err != nil {
			return err
		}
		p.cont.EmitStoreReg(reg)
		if op == bytecode.OpStRegP {
			p.cont.EmitLoadReg(reg)
		}
	case bytecode.OpImm:
		imm, err := parseImm(fields[1])
		if err != nil {
			return err
		}
		p.cont.EmitLoadImm(imm)
	case bytecode.OpImmHi:
		// EmitLoadImm splits wide immediates itself; a standalone ImmHi only
		// appears in disassembly right after its Imm, where it is redundant.
		return fmt.Errorf("ImmHi cannot be emitted directly, use a wide Imm")
	case bytecode.OpBnz:
		p.cont.EmitBnz(fields[1])
	case bytecode.OpJmp:
		p.cont.EmitJump(fields[1])
	case bytecode.OpCall, bytecode.OpCallExt:
		p.cont.EmitCall(fields[1])
	default:
		p.cont.EmitOp(op)
	}
	return nil
}

// parseRegister accepts a register name (`a0`) or a bare index.
func parseRegister(s string) (bytecode.RegID, error) {
	if reg, ok := vm.RegisterByName(s); ok {
		return reg, nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid register %q", s)
	}
	return bytecode.RegID(n), nil
}

func parseImm(s string) (bytecode.VMOpr, error) {
	n, err := strconv.ParseInt(s, 0, 64)
	if err != nil || n > 0xFFFFFFFF || n < -0x80000000 {
		return 0, fmt.Errorf("invalid immediate %q", s)
	}
	return bytecode.VMOpr(int32(n)), nil
}

func isNumber(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
