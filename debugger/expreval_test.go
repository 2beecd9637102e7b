package debugger

import (
	"io"
	"testing"

	"github.com/pku-minic/minivm/pkg/bytecode"
)

// mockSource serves symbols, registers and memory words from maps.
type mockSource struct {
	syms map[string]bytecode.VMOpr
	mem  map[bytecode.VMOpr]bytecode.VMOpr
}

func (m mockSource) ValueOfSym(sym string) (bytecode.VMOpr, bool) {
	val, ok := m.syms[sym]
	return val, ok
}

func (m mockSource) ValueOfAddr(addr bytecode.VMOpr) (bytecode.VMOpr, bool) {
	val, ok := m.mem[addr]
	return val, ok
}

func newTestEval() *ExprEvaluator {
	e := NewExprEvaluator(mockSource{
		syms: map[string]bytecode.VMOpr{
			"x":   10,
			"y":   3,
			"$t0": 7,
			"$pc": 100,
		},
		mem: map[bytecode.VMOpr]bytecode.VMOpr{
			8: 1234,
		},
	})
	e.SetOutput(io.Discard)
	return e
}

func TestEvalArithmetic(t *testing.T) {
	cases := []struct {
		expr string
		want bytecode.VMOpr
	}{
		{"42", 42},
		{"0", 0},
		{"0x10 + 1", 17},
		{"1 + 2 * 3", 7},
		{"(1 + 2) * 3", 9},
		{"10 - 2 - 3", 5},
		{"7 / 2", 3},
		{"7 % 3", 1},
		{"7 / 0", 0},
		{"1 << 4", 16},
		{"256 >> 4", 16},
		{"12 & 10", 8},
		{"12 | 3", 15},
		{"12 ^ 10", 6},
		{"1 < 2 && 3 == 3", 1},
		{"1 > 2 || 0 != 0", 0},
		{"1 <= 1", 1},
		{"2 >= 3", 0},
		// Comparison binds tighter than bit-and (gdb-style table).
		{"1 & 2 == 2", 1},
	}
	for _, tc := range cases {
		e := newTestEval()
		got, ok := e.EvalNoRecord(tc.expr)
		if !ok {
			t.Errorf("Eval(%q) failed", tc.expr)
			continue
		}
		if got != tc.want {
			t.Errorf("Eval(%q) = %d, want %d", tc.expr, got, tc.want)
		}
	}
}

func TestEvalUnary(t *testing.T) {
	cases := []struct {
		expr string
		want bytecode.VMOpr
	}{
		{"-5 + 3", -2},
		{"+5", 5},
		{"!0", 1},
		{"!7", 0},
		{"~0", -1},
		{"-(1 + 2)", -3},
		{"*8", 1234},
		{"*(x - 2)", 1234},
	}
	for _, tc := range cases {
		e := newTestEval()
		got, ok := e.EvalNoRecord(tc.expr)
		if !ok {
			t.Errorf("Eval(%q) failed", tc.expr)
			continue
		}
		if got != tc.want {
			t.Errorf("Eval(%q) = %d, want %d", tc.expr, got, tc.want)
		}
	}
}

func TestEvalSymbolsAndRegisters(t *testing.T) {
	e := newTestEval()
	if got, ok := e.EvalNoRecord("x + y"); !ok || got != 13 {
		t.Errorf("x + y = %d, %v", got, ok)
	}
	if got, ok := e.EvalNoRecord("$t0 * 2"); !ok || got != 14 {
		t.Errorf("$t0 * 2 = %d, %v", got, ok)
	}
	if got, ok := e.EvalNoRecord("$pc"); !ok || got != 100 {
		t.Errorf("$pc = %d, %v", got, ok)
	}
	if _, ok := e.EvalNoRecord("ghost"); ok {
		t.Error("unknown symbol evaluated successfully")
	}
}

func TestEvalErrors(t *testing.T) {
	for _, expr := range []string{"", "1 +", "(1", "((1)", "@", "~", "* 0x7777", "$"} {
		e := newTestEval()
		if _, ok := e.EvalNoRecord(expr); ok {
			t.Errorf("Eval(%q) succeeded", expr)
		}
	}
}

func TestRecordsAndRecall(t *testing.T) {
	e := newTestEval()

	if e.NextID() != 0 {
		t.Fatalf("NextID() = %d before any record", e.NextID())
	}
	if _, ok := e.Eval("1 + 1"); !ok {
		t.Fatal("Eval(1 + 1) failed")
	}
	if e.NextID() != 1 {
		t.Errorf("NextID() = %d after one record", e.NextID())
	}

	// $0 recalls the recorded expression.
	got, ok := e.Eval("$0 + 40")
	if !ok || got != 42 {
		t.Fatalf("$0 + 40 = %d, %v", got, ok)
	}

	// Recursive recall: $1 references $0 internally.
	if got, ok := e.Eval("$1 * 2"); !ok || got != 84 {
		t.Errorf("$1 * 2 = %d, %v", got, ok)
	}

	// Records store trimmed text.
	if text, ok := e.RecordText(0); !ok || text != "1 + 1" {
		t.Errorf("RecordText(0) = %q, %v", text, ok)
	}

	// Failed evaluations are not recorded.
	before := e.NextID()
	if _, ok := e.Eval("1 +"); ok {
		t.Error("Eval(1 +) succeeded")
	}
	if e.NextID() != before {
		t.Error("failed evaluation consumed a record ID")
	}
}

func TestEvalRecordByID(t *testing.T) {
	e := newTestEval()
	e.Eval("x")
	if got, ok := e.EvalRecord(0); !ok || got != 10 {
		t.Errorf("EvalRecord(0) = %d, %v", got, ok)
	}
	if _, ok := e.EvalRecord(99); ok {
		t.Error("EvalRecord(99) succeeded")
	}

	e.RemoveRecord(0)
	if _, ok := e.EvalRecord(0); ok {
		t.Error("EvalRecord(0) succeeded after removal")
	}
	// Dangling $0 is a lexer error now.
	if _, ok := e.EvalNoRecord("$0"); ok {
		t.Error("$0 evaluated after its record was removed")
	}
}

func TestRecordedValueTracksState(t *testing.T) {
	src := mockSource{syms: map[string]bytecode.VMOpr{"x": 1}, mem: nil}
	e := NewExprEvaluator(src)
	e.SetOutput(io.Discard)

	e.Eval("x + 1")
	src.syms["x"] = 5
	if got, ok := e.EvalRecord(0); !ok || got != 6 {
		t.Errorf("EvalRecord(0) after state change = %d, %v; want 6", got, ok)
	}
}
