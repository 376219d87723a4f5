//go:build linux

package park

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	futexWait        = 0
	futexWake        = 1
	futexPrivateFlag = 128

	futexWaitPrivate = futexWait | futexPrivateFlag
	futexWakePrivate = futexWake | futexPrivateFlag
)

// Futex parks on the word itself with futex(2). Process-private.
type Futex struct{}

// Wait implements Parker. EAGAIN (value changed) and EINTR are both treated
// as a wakeup.
func (Futex) Wait(addr *uint32, expected uint32) {
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)),
		futexWaitPrivate, uintptr(expected), 0, 0, 0)
}

// Wake implements Parker.
func (Futex) Wake(addr *uint32, n int) {
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)),
		futexWakePrivate, uintptr(n), 0, 0, 0)
}

func native() Parker { return Futex{} }
