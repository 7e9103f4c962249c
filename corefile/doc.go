// Package corefile reads Linux ELF core dumps and the executables that
// produced them.
//
// A Process exposes the threads recorded in a core, unwinds each thread's
// stack by following saved frame pointers, and resolves frames to native
// functions using the ELF symbol tables of the executable and of any shared
// libraries listed in the core's NT_FILE note. When DWARF is present, frames
// also carry their compile unit.
//
// Memory the core did not capture, such as read-only text, is filled in from
// the executable's loadable segments, so disassembly works on any frame.
//
// Backend adapts the package to session.Backend.
package corefile
