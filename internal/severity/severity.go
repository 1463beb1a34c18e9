// Package severity maps error kinds onto process exit codes and keeps the
// most severe code reported so far. Workers never exit the process
// themselves; they report a kind here and the main goroutine reads the
// final status once everything has drained.
package severity

import "sync/atomic"

// Kind classifies a failure for exit-status purposes.
type Kind int

const (
	OK        Kind = 0 // no error
	Generic   Kind = 1 // fatal startup error
	ParseInit Kind = 2 // option/config parse or init failure
	Io        Kind = 3 // file I/O error
	Network   Kind = 4 // network failure
	Tls       Kind = 5 // TLS verification failure
	Auth      Kind = 6 // authentication failure
	Protocol  Kind = 7 // protocol error
	Remote    Kind = 8 // server returned an error response
)

// Status is a shared exit-status cell. Lower non-zero codes are more
// severe and never get clobbered by later, higher ones.
type Status struct {
	code atomic.Int32
}

// Set reports a failure kind. The cell keeps the numerically smallest
// non-zero code it has ever seen.
func (s *Status) Set(k Kind) {
	if k == OK {
		return
	}
	for {
		cur := s.code.Load()
		if cur != 0 && cur <= int32(k) {
			return
		}
		if s.code.CompareAndSwap(cur, int32(k)) {
			return
		}
	}
}

// Code returns the exit code to use, 0 if nothing was reported.
func (s *Status) Code() int { return int(s.code.Load()) }
