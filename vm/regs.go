package vm

import "github.com/pku-minic/minivm/pkg/bytecode"

// Static register indices for the register IR. The layout follows the
// RISC-V-flavoured convention of the Tigger front-end: the zero register,
// callee-saved s-registers, caller-saved t-registers and argument registers.
const (
	RegX0 bytecode.RegID = iota
	RegS0
	RegS1
	RegS2
	RegS3
	RegS4
	RegS5
	RegS6
	RegS7
	RegS8
	RegS9
	RegS10
	RegS11
	RegT0
	RegT1
	RegT2
	RegT3
	RegT4
	RegT5
	RegT6
	RegA0
	RegA1
	RegA2
	RegA3
	RegA4
	RegA5
	RegA6
	RegA7

	// RegCount is the number of static registers in register-IR mode.
	RegCount
)

// regNames lists register display names in index order.
var regNames = [RegCount]string{
	"x0", "s0", "s1", "s2", "s3", "s4", "s5", "s6", "s7", "s8", "s9",
	"s10", "s11", "t0", "t1", "t2", "t3", "t4", "t5", "t6",
	"a0", "a1", "a2", "a3", "a4", "a5", "a6", "a7",
}

// RegisterName returns the display name of a static register.
func RegisterName(reg bytecode.RegID) (string, bool) {
	if reg >= RegCount {
		return "", false
	}
	return regNames[reg], true
}

// RegisterByName returns the index of a named static register.
func RegisterByName(name string) (bytecode.RegID, bool) {
	for i, n := range regNames {
		if n == name {
			return bytecode.RegID(i), true
		}
	}
	return 0, false
}
