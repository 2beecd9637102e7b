package bytecode

import (
	"fmt"
	"strings"

	"github.com/pku-minic/minivm/pkg/symbol"
)

// DisassembleInstruction returns the textual form of the instruction at pc,
// or false when pc is out of range. Breakpoint overlays are removed, so the
// listing always shows the original opcode.
func (c *Container) DisassembleInstruction(pc VMAddr) (string, bool) {
	inst, ok := c.InstAt(pc)
	if !ok {
		return "", false
	}
	info := GetOpcodeInfo(inst.Op())
	switch info.Operand {
	case OperandSym:
		name, ok := c.syms.Name(symbol.ID(inst.Opr()))
		if !ok {
			name = fmt.Sprintf("<sym:%d>", inst.Opr())
		}
		return fmt.Sprintf("%s\t%s", info.Name, name), true
	case OperandImm:
		return fmt.Sprintf("%s\t%d", info.Name, inst.Imm()), true
	case OperandReg, OperandPC:
		return fmt.Sprintf("%s\t%d", info.Name, inst.Opr()), true
	default:
		return info.Name, true
	}
}

// Disassemble returns the full listing of the container, one instruction per
// line, prefixed with its PC.
func (c *Container) Disassemble() string {
	var sb strings.Builder
	for pc := VMAddr(0); int(pc) < len(c.insts); pc++ {
		text, _ := c.DisassembleInstruction(pc)
		fmt.Fprintf(&sb, "%d:\t%s\n", pc, text)
	}
	return sb.String()
}
