package debugger

import (
	"strings"

	"github.com/pku-minic/minivm/pkg/bytecode"
	"github.com/pku-minic/minivm/vm"
)

// vmValueSource resolves expression symbols and addresses against a live VM.
//
// Plain identifiers resolve first in the current environment, then in the
// global one. Identifiers starting with '$' name static registers; `$pc` is
// a synthetic register holding the program counter.
type vmValueSource struct {
	vm *vm.VM
}

func (s vmValueSource) ValueOfSym(sym string) (bytecode.VMOpr, bool) {
	if strings.HasPrefix(sym, "$") {
		return s.regValue(sym[1:])
	}
	id, ok := s.vm.Syms().Lookup(sym)
	if !ok {
		return 0, false
	}
	if val, ok := s.vm.CurEnv()[id]; ok {
		return val, true
	}
	if val, ok := s.vm.GlobalEnv()[id]; ok {
		return val, true
	}
	return 0, false
}

func (s vmValueSource) regValue(name string) (bytecode.VMOpr, bool) {
	if name == "pc" {
		return bytecode.VMOpr(s.vm.PC()), true
	}
	reg, ok := vm.RegisterByName(name)
	if !ok {
		return 0, false
	}
	return s.vm.Reg(reg)
}

func (s vmValueSource) ValueOfAddr(addr bytecode.VMOpr) (bytecode.VMOpr, bool) {
	return s.vm.ReadWord(addr)
}
