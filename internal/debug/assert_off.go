//go:build !gcdebug

package debug

// Enabled reports whether protocol assertions are compiled in.
const Enabled = false
