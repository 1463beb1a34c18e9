//go:build linux

// Package xattr tags retrieved files with their origin metadata using
// extended file attributes, the same keys curl and friends write.
package xattr

import (
	"golang.org/x/sys/unix"

	"github.com/Buffer0x7cd/wget2/internal/logging"
)

// Write sets the xdg origin attributes on fname. Failures are logged and
// swallowed; not every filesystem supports user xattrs.
func Write(fname, originURL, refererURL, mimeType, charset string) {
	set := func(key, val string) {
		if val == "" {
			return
		}
		if err := unix.Setxattr(fname, key, []byte(val), 0); err != nil {
			logging.Debugf("setxattr %s on %s: %v", key, fname, err)
		}
	}
	set("user.xdg.origin.url", originURL)
	set("user.xdg.referrer.url", refererURL)
	set("user.mime_type", mimeType)
	set("user.charset", charset)
}
