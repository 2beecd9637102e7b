// Package mem provides the byte-addressed linear memory pools used by the
// virtual machine. Allocations live in scopes: SaveState pushes a checkpoint
// and RestoreState drops everything allocated after the matching save.
package mem

// Pool is the interface shared by all memory pool back-ends.
//
// Allocate returns a 32-bit memory ID equal to the byte offset of the new
// area at allocation time. IDs increase between checkpoint boundaries; a
// RestoreState lowers the high-water mark, so later allocations reuse the
// dropped offsets. Address resolves
// an ID to the bytes starting at that offset, or nil when the ID is outside
// the current checkpoint window.
//
// SaveState/RestoreState nest LIFO. After a restore the pool logically
// contains exactly what it had at the matching save; byte windows obtained
// between the save and the restore are invalidated.
type Pool interface {
	// Allocate extends the pool by size bytes and returns the pre-extension
	// offset as the area's ID. The bytes are zeroed iff zero is set.
	Allocate(size uint32, zero bool) uint32

	// Address returns the bytes starting at the given ID, at least up to the
	// end of the containing area (DensePool returns everything up to the end
	// of the pool), or nil when the ID is out of range.
	Address(id uint32) []byte

	// Size returns the current logical size of the pool in bytes.
	Size() uint32

	// SaveState pushes the current high-water mark.
	SaveState()

	// RestoreState pops the last mark and drops all allocations beyond it.
	RestoreState()
}
