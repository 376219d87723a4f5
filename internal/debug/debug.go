// Package debug holds the compile-time switch for protocol assertions.
//
// Assertions are compiled in with the gcdebug build tag:
//
//	go test -tags gcdebug ./...
//
// Production builds pay nothing for them: Enabled is a constant, so guarded
// blocks are removed by the compiler.
package debug

import "fmt"

// Assert panics with the formatted message when cond is false and assertions
// are compiled in.
func Assert(cond bool, format string, args ...any) {
	if Enabled && !cond {
		panic(fmt.Sprintf(format, args...))
	}
}

// Fatal reports a protocol violation unconditionally.
func Fatal(format string, args ...any) {
	panic(fmt.Sprintf(format, args...))
}
