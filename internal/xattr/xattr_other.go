//go:build !linux

package xattr

// Write is a no-op on platforms without user xattr support.
func Write(fname, originURL, refererURL, mimeType, charset string) {}
