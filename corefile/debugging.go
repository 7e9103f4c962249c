package corefile

import "log"

// sanityChecks turns on sortedness assertions over segment and module
// tables. Tests enable it.
var sanityChecks = false

// DebugLogf receives tracing from the ELF, note and unwinding code. Level 1
// reports what was loaded and what was skipped; level 2 traces individual
// program headers, notes and merges. Tracing is off while DebugLogf is nil.
var DebugLogf func(verbosityLevel int, format string, args ...interface{})

// printf reports problems with a core that do not stop it from loading,
// such as a shared library that cannot be opened. Without DebugLogf it goes
// to the standard logger.
func printf(format string, args ...interface{}) {
	if DebugLogf == nil {
		log.Printf(format, args...)
		return
	}
	DebugLogf(1, format, args...)
}

func logf(format string, args ...interface{}) {
	if DebugLogf != nil {
		DebugLogf(1, format, args...)
	}
}

func verbosef(format string, args ...interface{}) {
	if DebugLogf != nil {
		DebugLogf(2, format, args...)
	}
}
