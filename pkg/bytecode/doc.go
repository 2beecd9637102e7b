// Package bytecode implements the linear instruction container at the heart
// of the virtual machine.
//
// Instructions are packed 32-bit records of {opcode:8, operand:24}; the
// 24-bit operand alternately holds a sign-extended immediate, a symbol ID, a
// register index or an absolute PC target. The narrow immediate forces wide
// constants to be built by an Imm/ImmHi pair.
//
// A Container passes through three phases:
//
//   - Emission: a front-end drives the Emit* builder API. Per-function code
//     and global-scope code are buffered separately, stores immediately
//     undone by a reload of the same name are fused into their preserving
//     forms, and label references are recorded for backfilling.
//
//   - Sealing: Seal defines $entry, concatenates the global code, appends
//     the `Call f_main; Ret` epilogue, writes every resolved label PC into
//     its referencing instructions and rewrites calls to undefined labels
//     into CallExt by symbol name. Emission is over after a successful Seal.
//
//   - Runtime service: the VM fetches each instruction through Fetch, which
//     is also the debugger's sole interposition point — step counters,
//     breakpoint opcode overlays and trap mode all compose there.
//
// Sealed containers can be serialized to a canonical CBOR image ("MVBC") for
// the bytecode dump and reloaded with LoadImage.
package bytecode
