package ffi

import "unsafe"

// CString allocates a NUL-terminated byte slice from a Go string. The
// caller must keep the slice alive (runtime.KeepAlive) until the native
// call returns.
func CString(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	b[len(s)] = 0
	return b
}

// GoString copies a NUL-terminated C string into a Go string. Returns ""
// for a nil pointer.
func GoString(p unsafe.Pointer) string {
	if p == nil {
		return ""
	}
	n := 0
	for *(*byte)(unsafe.Add(p, n)) != 0 {
		n++
	}
	if n == 0 {
		return ""
	}
	return string(unsafe.Slice((*byte)(p), n))
}

// ByteSlicePtr returns a uintptr to the first element, 0 for an empty
// slice.
func ByteSlicePtr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// Int16SlicePtr returns a uintptr to the first element, 0 for an empty
// slice.
func Int16SlicePtr(s []int16) uintptr {
	if len(s) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&s[0]))
}
