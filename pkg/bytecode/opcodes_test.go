package bytecode

import "testing"

func TestAllOpcodesHaveMetadata(t *testing.T) {
	for op := Opcode(0); op < opcodeCount; op++ {
		info := GetOpcodeInfo(op)
		if info.Name == "" {
			t.Errorf("opcode %d has no name", op)
		}
	}
}

func TestOpcodeByNameRoundTrip(t *testing.T) {
	for op := Opcode(0); op < opcodeCount; op++ {
		got, ok := OpcodeByName(op.String())
		if !ok || got != op {
			t.Errorf("OpcodeByName(%q) = %v, %v; want %v", op.String(), got, ok, op)
		}
	}
	if _, ok := OpcodeByName("Bogus"); ok {
		t.Error("OpcodeByName accepted an unknown mnemonic")
	}
}

func TestUnknownOpcodeName(t *testing.T) {
	if got := Opcode(200).String(); got != "UNKNOWN(0xC8)" {
		t.Errorf("Opcode(200).String() = %q", got)
	}
}

func TestInstPacking(t *testing.T) {
	inst := MakeInst(OpLdVar, 0x123456)
	if inst.Op() != OpLdVar {
		t.Errorf("Op() = %v", inst.Op())
	}
	if inst.Opr() != 0x123456 {
		t.Errorf("Opr() = %#x", inst.Opr())
	}

	// Operands wider than 24 bits are masked.
	inst = MakeInst(OpImm, 0xFFFFFFFF)
	if inst.Opr() != OprMask {
		t.Errorf("masked Opr() = %#x", inst.Opr())
	}
}

func TestInstImmSignExtension(t *testing.T) {
	cases := []struct {
		opr  uint32
		want VMOpr
	}{
		{0, 0},
		{42, 42},
		{0x7FFFFF, 0x7FFFFF},
		{0x800000, -0x800000},
		{0xFFFFFF, -1},
	}
	for _, tc := range cases {
		inst := MakeInst(OpImm, tc.opr)
		if got := inst.Imm(); got != tc.want {
			t.Errorf("Imm() of operand %#x = %d, want %d", tc.opr, got, tc.want)
		}
	}
}
