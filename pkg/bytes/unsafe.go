// Package bytes provides zero-copy byte/string conversion helpers for the
// command hot path.
package bytes

import "unsafe"

// StringToBytes converts a string to []byte without allocating.
// The returned slice MUST NOT be modified.
func StringToBytes(s string) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

// BytesToString converts a []byte to string without allocating.
// The source slice MUST NOT be modified afterwards.
func BytesToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(unsafe.SliceData(b), len(b))
}
