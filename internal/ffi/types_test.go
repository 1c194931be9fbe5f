package ffi

import (
	"runtime"
	"testing"
	"unsafe"
)

func TestCStringRoundTrip(t *testing.T) {
	cases := []string{"", "a", "wss://rooms.example.com/v1", "data-reliable"}
	for _, s := range cases {
		c := CString(s)
		if len(c) != len(s)+1 || c[len(s)] != 0 {
			t.Fatalf("CString(%q) = % x, missing terminator", s, c)
		}
		if got := GoString(unsafe.Pointer(&c[0])); got != s {
			t.Fatalf("GoString(CString(%q)) = %q", s, got)
		}
		runtime.KeepAlive(c)
	}

	if got := GoString(nil); got != "" {
		t.Fatalf("GoString(nil) = %q, want empty", got)
	}
}

func TestSlicePtrs(t *testing.T) {
	if ByteSlicePtr(nil) != 0 || ByteSlicePtr([]byte{}) != 0 {
		t.Fatal("ByteSlicePtr of empty slice must be 0")
	}
	if Int16SlicePtr(nil) != 0 {
		t.Fatal("Int16SlicePtr(nil) must be 0")
	}

	b := []byte{1, 2, 3}
	if ByteSlicePtr(b) != uintptr(unsafe.Pointer(&b[0])) {
		t.Fatal("ByteSlicePtr must point at the first element")
	}
	s := []int16{4, 5}
	if Int16SlicePtr(s) != uintptr(unsafe.Pointer(&s[0])) {
		t.Fatal("Int16SlicePtr must point at the first element")
	}
	runtime.KeepAlive(b)
	runtime.KeepAlive(s)
}
