package heapdump

// DebugLogf is used to log verbose debugging messages. verbosityLevel is a number
// greater than zero, with higher numbers meaning the message is increasingly verbose.
// If this is nil (the default), then verbose logging is disabled.
var DebugLogf func(verbosityLevel int, format string, args ...interface{})

func logf(format string, args ...interface{}) {
	if DebugLogf != nil {
		DebugLogf(1, format, args...)
	}
}

// verbosef logs one message per record. Dumps have millions of records, so
// this is only useful on small dumps.
func verbosef(format string, args ...interface{}) {
	if DebugLogf != nil {
		DebugLogf(3, format, args...)
	}
}
