package vm

import "fmt"

// ErrorCode identifies a fatal runtime condition. Codes start at 150 so they
// never collide with program return values passed to the shell.
type ErrorCode int

const (
	// ErrNone means no error occurred.
	ErrNone ErrorCode = 0

	// ErrEmptyOprStack: a value was popped from an empty operand stack.
	ErrEmptyOprStack ErrorCode = 150
	// ErrInvalidMemPoolAddr: a memory ID did not resolve in the current
	// checkpoint window.
	ErrInvalidMemPoolAddr ErrorCode = 151
	// ErrSymbolNotFound: a symbol was bound in neither the current nor the
	// global environment.
	ErrSymbolNotFound ErrorCode = 152
	// ErrSymbolRedef: a symbol was declared twice in the same environment.
	ErrSymbolRedef ErrorCode = 153
	// ErrInvalidRegNum: a static register index was out of bounds.
	ErrInvalidRegNum ErrorCode = 154
	// ErrInvalidExtFunc: a CallExt target was not registered.
	ErrInvalidExtFunc ErrorCode = 155
	// ErrExtFuncError: an external function reported failure.
	ErrExtFuncError ErrorCode = 156
	// ErrInvalidPCAddr: the program counter left the instruction container.
	ErrInvalidPCAddr ErrorCode = 157

	// ErrVMIrrelevant is the sentinel for "the VM never ran".
	ErrVMIrrelevant ErrorCode = 255
)

// String returns a human-readable description of the error code.
func (e ErrorCode) String() string {
	switch e {
	case ErrNone:
		return "no error"
	case ErrEmptyOprStack:
		return "accessing empty operand stack"
	case ErrInvalidMemPoolAddr:
		return "invalid memory pool address"
	case ErrSymbolNotFound:
		return "symbol not found"
	case ErrSymbolRedef:
		return "redefining symbol"
	case ErrInvalidRegNum:
		return "invalid register number"
	case ErrInvalidExtFunc:
		return "invalid external function"
	case ErrExtFuncError:
		return "error occurred during external function call"
	case ErrInvalidPCAddr:
		return "invalid PC address"
	case ErrVMIrrelevant:
		return "VM irrelevant error"
	default:
		return fmt.Sprintf("error code %d", int(e))
	}
}

// Error is the error value returned by Run on any fatal runtime condition.
type Error struct {
	Code ErrorCode
	PC   uint32
	Line uint32 // 0 when no line information was available
}

func (e *Error) Error() string {
	if e.Line != 0 {
		return fmt.Sprintf("%s (line %d, pc %d)", e.Code, e.Line, e.PC)
	}
	return fmt.Sprintf("%s (pc %d)", e.Code, e.PC)
}
