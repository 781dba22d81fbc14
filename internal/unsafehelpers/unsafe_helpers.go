// Package unsafehelpers centralises **all** unavoidable usage of the
// `unsafe` standard-library package so the rest of cachegrand-go stays clean
// and easier to audit. Every helper is documented with clear pre-/post-
// conditions.
//
// ⚠️  DISCLAIMER   These helpers deliberately break the Go memory-safety
// model for the sake of zero-allocation conversions. Use ONLY inside this
// repository; they are not part of the public API and may change without
// notice. Misuse will lead to subtle data races or garbage-collector
// corruption.
//
// All functions are go:linkname-free, cgo-free and pure Go.
//
// © 2025 cachegrand-go authors. MIT License.
package unsafehelpers

import "unsafe"

/* -------------------------------------------------------------------------
   1. Zero-copy string/[]byte conversions
   ------------------------------------------------------------------------- */

// BytesToString converts a mutable byte slice to an immutable string without
// allocating. The caller must guarantee that b will never be modified for
// the lifetime of the resulting string; otherwise the program exhibits
// undefined behaviour.
//
// DO NOT expose the returned string outside controlled scopes.
func BytesToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}

// StringToBytes re-interprets string data as a byte slice using unsafe.Pointer.
// The slice MUST remain read-only; writing to it will mutate immutable string
// storage and crash in future versions of Go.
//
// Used by pkg/dispatcher to hand RESP bulk-string command arguments to
// pkg/storage without copying: every storage write path (setLocked,
// chunkValue) copies key/value bytes before retaining them, so the aliased
// slice never outlives the call that receives it.
func StringToBytes(s string) []byte {
	if len(s) == 0 {
		return nil
	}
	strHdr := (*[2]uintptr)(unsafe.Pointer(&s))
	return unsafe.Slice((*byte)(unsafe.Pointer(strHdr[0])), strHdr[1])
}
