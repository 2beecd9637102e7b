// Package symbol interns byte-string identifiers to dense integer IDs.
//
// Symbols are immutable, unique strings used for variable names, labels and
// external-function names. IDs are assigned in insertion order and never
// reused; the half-open ID space is [0, Len()).
package symbol

// ID identifies an interned symbol.
type ID uint32

// Pool interns symbol strings to unique IDs.
//
// The pool owns its strings; names returned by Name stay valid until Reset,
// even across later insertions.
type Pool struct {
	byName map[string]ID // name -> ID
	byID   []string      // ID -> name
}

// NewPool creates a new empty symbol pool.
func NewPool() *Pool {
	p := &Pool{}
	p.Reset()
	return p
}

// Reset discards all interned symbols.
func (p *Pool) Reset() {
	p.byName = make(map[string]ID)
	p.byID = p.byID[:0]
}

// Intern returns the ID for a symbol, creating a new one if needed.
// Interning is idempotent: the same name always maps to the same ID.
func (p *Pool) Intern(name string) ID {
	if id, ok := p.byName[name]; ok {
		return id
	}
	id := ID(len(p.byID))
	p.byName[name] = id
	p.byID = append(p.byID, name)
	return id
}

// Lookup returns the ID for a symbol, or false if it was never interned.
func (p *Pool) Lookup(name string) (ID, bool) {
	id, ok := p.byName[name]
	return id, ok
}

// Name returns the symbol name for an ID, or false if the ID is invalid.
func (p *Pool) Name(id ID) (string, bool) {
	if int(id) >= len(p.byID) {
		return "", false
	}
	return p.byID[id], true
}

// Len returns the number of interned symbols.
func (p *Pool) Len() int {
	return len(p.byID)
}

// All returns all symbol names in ID order.
func (p *Pool) All() []string {
	result := make([]string, len(p.byID))
	copy(result, p.byID)
	return result
}
