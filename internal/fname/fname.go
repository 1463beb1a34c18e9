// Package fname derives local filenames from URLs and owns the save
// policy: directory creation, clash handling, unique suffixes and backup
// rotation.
package fname

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Buffer0x7cd/wget2/internal/iri"
	"github.com/Buffer0x7cd/wget2/internal/logging"
)

// Restrict modes for --restrict-file-names.
const (
	RestrictUnix      = "unix"
	RestrictWindows   = "windows"
	RestrictNoControl = "nocontrol"
	RestrictASCII     = "ascii"
	RestrictLower     = "lowercase"
	RestrictUpper     = "uppercase"
)

// Config mirrors the output-layout options.
type Config struct {
	Prefix      string // -P
	HostDir     bool   // off with -nH
	ProtocolDir bool   // --protocol-directories
	NoDirs      bool   // -nd
	ForceDirs   bool   // -x
	CutDirs     int    // --cut-dirs
	CutGetVars  bool   // --cut-file-get-vars
	Restrict    []string
	DefaultPage string // index.html unless --default-page
}

// Derive maps a URL onto a relative local path per the layout options.
func Derive(u *iri.IRI, cfg Config) string {
	defaultPage := cfg.DefaultPage
	if defaultPage == "" {
		defaultPage = "index.html"
	}

	file := u.File()
	if file == "" {
		file = defaultPage
	}
	if u.Query != "" && !cfg.CutGetVars {
		file += "?" + u.Query
	}
	file = restrict(file, cfg.Restrict)

	var parts []string
	if !cfg.NoDirs {
		if cfg.ProtocolDir {
			parts = append(parts, u.Scheme)
		}
		if cfg.HostDir {
			host := u.Host
			if u.Port != iri.DefaultPort(u.Scheme) {
				host += ":" + u.Port
			}
			parts = append(parts, restrict(host, cfg.Restrict))
		}
		dirs := strings.Split(strings.Trim(u.Dir(), "/"), "/")
		if dirs[0] != "" {
			if cfg.CutDirs > 0 {
				if cfg.CutDirs >= len(dirs) {
					dirs = nil
				} else {
					dirs = dirs[cfg.CutDirs:]
				}
			}
			for _, d := range dirs {
				parts = append(parts, restrict(d, cfg.Restrict))
			}
		}
	}
	parts = append(parts, file)

	p := filepath.Join(parts...)
	if cfg.Prefix != "" {
		p = filepath.Join(cfg.Prefix, p)
	}
	return p
}

func restrict(s string, modes []string) string {
	for _, m := range modes {
		switch m {
		case RestrictWindows:
			s = strings.Map(func(r rune) rune {
				switch r {
				case '\\', '|', '/', ':', '?', '"', '*', '<', '>':
					return '_'
				}
				if r < 32 {
					return '_'
				}
				return r
			}, s)
		case RestrictUnix:
			s = strings.Map(func(r rune) rune {
				if r < 32 || r == 127 {
					return '_'
				}
				return r
			}, s)
		case RestrictNoControl:
			// keep control chars
		case RestrictASCII:
			var sb strings.Builder
			for _, b := range []byte(s) {
				if b > 127 {
					fmt.Fprintf(&sb, "%%%02X", b)
				} else {
					sb.WriteByte(b)
				}
			}
			s = sb.String()
		case RestrictLower:
			s = strings.ToLower(s)
		case RestrictUpper:
			s = strings.ToUpper(s)
		}
	}
	return s
}

// Unique returns fname if it is free, else the first of fname.1 ..
// fname.999 that does not exist yet.
func Unique(fname string) (string, error) {
	if _, err := os.Lstat(fname); os.IsNotExist(err) {
		return fname, nil
	}
	for n := 1; n <= 999; n++ {
		alt := fmt.Sprintf("%s.%d", fname, n)
		if _, err := os.Lstat(alt); os.IsNotExist(err) {
			return alt, nil
		}
	}
	return "", fmt.Errorf("no free unique name for %s", fname)
}

// MkdirPath creates every directory on the way to fname. A regular file
// sitting where a directory is needed gets moved aside with a numeric
// suffix first, matching the clash rule for downloads.
func MkdirPath(fname string) error {
	dir := filepath.Dir(fname)
	if dir == "." || dir == "/" {
		return nil
	}
	if st, err := os.Stat(dir); err == nil && st.IsDir() {
		return nil
	}

	// walk down component by component so we can detect file-in-the-way
	sep := string(filepath.Separator)
	parts := strings.Split(dir, sep)
	cur := ""
	for _, p := range parts {
		if p == "" {
			cur = sep
			continue
		}
		cur = filepath.Join(cur, p)
		st, err := os.Lstat(cur)
		if err == nil && !st.IsDir() {
			moved := false
			for n := 1; n <= 999; n++ {
				dst := fmt.Sprintf("%s.%d", cur, n)
				if _, err := os.Lstat(dst); os.IsNotExist(err) {
					if err := os.Rename(cur, dst); err == nil {
						logging.Debugf("moved %s -> %s", cur, dst)
						moved = true
					}
					break
				}
			}
			if !moved {
				return fmt.Errorf("failed to move %s out of the way", cur)
			}
		}
		if err := os.Mkdir(cur, 0o755); err != nil && !os.IsExist(err) {
			return err
		}
	}
	return nil
}

// Rotate shifts file, file.1 .. file.N-1 up by one slot before a new
// write, dropping the oldest.
func Rotate(fname string, n int) {
	if n <= 0 {
		return
	}
	os.Remove(fmt.Sprintf("%s.%d", fname, n))
	for i := n - 1; i >= 1; i-- {
		os.Rename(fmt.Sprintf("%s.%d", fname, i), fmt.Sprintf("%s.%d", fname, i+1))
	}
	os.Rename(fname, fname+".1")
}

// OpenFlags for Create.
type OpenFlags struct {
	Truncate  bool // timestamping re-downloads in place
	Exclusive bool // no-clobber
	Continue  bool // -c keeps existing bytes
	Backups   int
}

// Create opens the destination honoring the save policy. With Exclusive
// (no-clobber) an existing file is an error and nothing is opened. When the
// exact name fails for another reason (a directory in the way, say) the
// first free unique suffix is tried. It returns the file and the name
// actually used.
func Create(fname string, fl OpenFlags) (*os.File, string, error) {
	if err := MkdirPath(fname); err != nil {
		return nil, "", err
	}
	if fl.Backups > 0 {
		Rotate(fname, fl.Backups)
	}

	flags := os.O_WRONLY | os.O_CREATE
	switch {
	case fl.Exclusive:
		flags |= os.O_EXCL
	case fl.Continue:
		flags |= os.O_APPEND
	default:
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(fname, flags, 0o644)
	if err == nil {
		return f, fname, nil
	}
	if fl.Exclusive && os.IsExist(err) {
		return nil, "", err // no-clobber refuses, caller skips
	}

	// a directory with this name, or a race: fall back to unique names
	alt, uerr := Unique(fname)
	if uerr != nil {
		return nil, "", err
	}
	f, err = os.OpenFile(alt, flags, 0o644)
	if err != nil {
		return nil, "", err
	}
	return f, alt, nil
}
