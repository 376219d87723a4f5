package mmheap

import "unsafe"

func addrOf(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	return int(uintptr(unsafe.Pointer(&b[0])))
}

func alignUp(v, align int) int {
	return (v + align - 1) &^ (align - 1)
}
