package corefile

import "errors"

var (
	// ErrNotCore is returned when a snapshot is not an ELF core file.
	ErrNotCore = errors.New("not an ELF core file")

	// ErrNotExecutable is returned when an executable is neither ET_EXEC nor ET_DYN.
	ErrNotExecutable = errors.New("not an ELF executable")

	// ErrArchMismatch is returned when a core and its executable were
	// built for different machines.
	ErrArchMismatch = errors.New("mismatched machine types")

	// ErrWrongTarget is returned when a snapshot is opened against a target
	// that this package did not load.
	ErrWrongTarget = errors.New("target was not loaded by corefile")
)
