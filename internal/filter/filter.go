// Package filter implements the accept/reject policy surface: filename
// pattern lists, URL regexes and host/domain lists.
//
// A pattern containing any of *?[ is matched as a shell glob against the
// URL's filename; anything else is a tail match (".jpg" accepts
// "photo.jpg"). This mirrors the mixed fnmatch-or-suffix behaviour of the
// original tooling and is relied on by existing command lines.
package filter

import (
	"path"
	"regexp"
	"strings"
)

// Patterns is an accept or reject list.
type Patterns struct {
	pats       []string
	ignoreCase bool
}

func NewPatterns(pats []string, ignoreCase bool) *Patterns {
	p := &Patterns{ignoreCase: ignoreCase}
	for _, s := range pats {
		if s = strings.TrimSpace(s); s != "" {
			if ignoreCase {
				s = strings.ToLower(s)
			}
			p.pats = append(p.pats, s)
		}
	}
	return p
}

func (p *Patterns) Empty() bool { return p == nil || len(p.pats) == 0 }

// Match short-circuits on the first matching pattern.
func (p *Patterns) Match(fname string) bool {
	if p == nil {
		return false
	}
	if p.ignoreCase {
		fname = strings.ToLower(fname)
	}
	for _, pat := range p.pats {
		if isGlob(pat) {
			if ok, err := path.Match(pat, fname); err == nil && ok {
				return true
			}
		} else if strings.HasSuffix(fname, pat) {
			return true
		}
	}
	return false
}

func isGlob(s string) bool { return strings.ContainsAny(s, "*?[") }

// Regexes is a compiled accept-regex/reject-regex list. The engine choice
// (posix|pcre) picks between regexp.CompilePOSIX and regexp.Compile; Go's
// RE2 syntax stands in for PCRE here.
type Regexes struct {
	res []*regexp.Regexp
}

func NewRegexes(exprs []string, posix bool) (*Regexes, error) {
	r := &Regexes{}
	for _, e := range exprs {
		if e == "" {
			continue
		}
		var re *regexp.Regexp
		var err error
		if posix {
			re, err = regexp.CompilePOSIX(e)
		} else {
			re, err = regexp.Compile(e)
		}
		if err != nil {
			return nil, err
		}
		r.res = append(r.res, re)
	}
	return r, nil
}

func (r *Regexes) Empty() bool { return r == nil || len(r.res) == 0 }

func (r *Regexes) Match(u string) bool {
	if r == nil {
		return false
	}
	for _, re := range r.res {
		if re.MatchString(u) {
			return true
		}
	}
	return false
}

// Hosts matches hostnames against a domain list. Each entry is either a
// glob or a domain suffix: "example.com" covers both the apex and any
// subdomain.
type Hosts struct {
	entries []string
}

func NewHosts(entries []string) *Hosts {
	h := &Hosts{}
	for _, e := range entries {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			h.entries = append(h.entries, e)
		}
	}
	return h
}

func (h *Hosts) Empty() bool { return h == nil || len(h.entries) == 0 }

func (h *Hosts) Match(host string) bool {
	if h == nil {
		return false
	}
	host = strings.ToLower(host)
	for _, e := range h.entries {
		if isGlob(e) {
			if ok, err := path.Match(e, host); err == nil && ok {
				return true
			}
			continue
		}
		if host == e || strings.HasSuffix(host, "."+e) {
			return true
		}
	}
	return false
}

// Policy bundles the accept/reject filters applied to filenames and URLs.
// Host scope rules live with the admission pipeline, which also tracks
// the seeded domain set.
type Policy struct {
	Accept      *Patterns
	Reject      *Patterns
	AcceptRegex *Regexes
	RejectRegex *Regexes
}

// AllowFile decides whether a URL with the given filename and full string
// form survives the accept/reject lists. Accept lists, when present, are
// exclusive: a miss rejects.
func (p *Policy) AllowFile(fname, full string) bool {
	if p == nil {
		return true
	}
	if p.Reject.Match(fname) || p.RejectRegex.Match(full) {
		return false
	}
	if !p.Accept.Empty() && !p.Accept.Match(fname) {
		return false
	}
	if !p.AcceptRegex.Empty() && !p.AcceptRegex.Match(full) {
		return false
	}
	return true
}
