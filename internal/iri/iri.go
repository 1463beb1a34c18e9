// Package iri holds the parsed URL form used throughout the engine.
// Hosts are lowercased and IDN-normalized to ASCII, schemes are restricted
// to http/https, and the string form is cached since it doubles as the
// de-duplication key.
package iri

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path"
	"strings"

	"golang.org/x/net/idna"
)

// schemes we refuse to follow
var badScheme = map[string]struct{}{
	"mailto":     {},
	"javascript": {},
	"tel":        {},
	"data":       {},
}

var ErrUnsupportedScheme = errors.New("unsupported scheme")

// IRI is an absolute http(s) URL in canonical form.
type IRI struct {
	Scheme string // "http" or "https"
	Host   string // lowercase, punycoded
	Port   string // always explicit ("80", "443", ...)
	Path   string // cleaned, begins with "/"
	Query  string // raw query, without "?"

	str string // cached canonical form
}

// Parse turns a raw reference into an absolute IRI, resolving against base
// when the reference is relative. It returns ErrUnsupportedScheme for
// schemes outside http/https so callers can drop those links silently.
func Parse(base *IRI, raw string) (*IRI, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return nil, fmt.Errorf("empty reference")
	}

	ref, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve URI %q: %w", raw, err)
	}

	if ref.Scheme != "" {
		s := strings.ToLower(ref.Scheme)
		if _, bad := badScheme[s]; bad {
			return nil, ErrUnsupportedScheme
		}
		if s != "http" && s != "https" {
			return nil, ErrUnsupportedScheme
		}
	}

	var abs *url.URL
	if base != nil {
		abs = base.url().ResolveReference(ref)
	} else {
		abs = ref
	}
	if !abs.IsAbs() || abs.Host == "" {
		return nil, fmt.Errorf("cannot resolve URI %q: not absolute", raw)
	}

	abs.Fragment = ""
	return fromURL(abs)
}

func fromURL(u *url.URL) (*IRI, error) {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, ErrUnsupportedScheme
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, fmt.Errorf("missing host")
	}
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		host = ascii
	}

	port := u.Port()
	if port == "" {
		port = DefaultPort(scheme)
	}

	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	// Clean ".." and "." but keep a trailing slash, it is significant for
	// the parent-directory rule.
	trailing := strings.HasSuffix(p, "/") && p != "/"
	p = path.Clean(p)
	if trailing {
		p += "/"
	}

	i := &IRI{
		Scheme: scheme,
		Host:   host,
		Port:   port,
		Path:   p,
		Query:  u.RawQuery,
	}
	i.str = i.build()
	return i, nil
}

// DefaultPort returns the well-known port for a scheme.
func DefaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}

func (i *IRI) build() string {
	var sb strings.Builder
	sb.WriteString(i.Scheme)
	sb.WriteString("://")
	sb.WriteString(i.Host)
	if i.Port != DefaultPort(i.Scheme) {
		sb.WriteString(":")
		sb.WriteString(i.Port)
	}
	sb.WriteString(i.Path)
	if i.Query != "" {
		sb.WriteString("?")
		sb.WriteString(i.Query)
	}
	return sb.String()
}

func (i *IRI) url() *url.URL {
	return &url.URL{
		Scheme:   i.Scheme,
		Host:     i.hostPort(),
		Path:     i.Path,
		RawQuery: i.Query,
	}
}

func (i *IRI) hostPort() string {
	if i.Port == DefaultPort(i.Scheme) {
		return i.Host
	}
	return net.JoinHostPort(i.Host, i.Port)
}

// String returns the cached canonical form.
func (i *IRI) String() string { return i.str }

// URL materializes a net/url form for the HTTP client.
func (i *IRI) URL() *url.URL { return i.url() }

// HostKey identifies the scheduling unit: one (scheme, host, port).
func (i *IRI) HostKey() string { return i.Scheme + "//" + i.Host + ":" + i.Port }

// Dir returns the directory prefix of the path, with trailing slash.
// "/a/b/c" -> "/a/b/", "/a/b/" -> "/a/b/".
func (i *IRI) Dir() string {
	p := i.Path
	if idx := strings.LastIndex(p, "/"); idx >= 0 {
		return p[:idx+1]
	}
	return "/"
}

// File returns the final path segment, "" for directory URLs.
func (i *IRI) File() string {
	p := i.Path
	if idx := strings.LastIndex(p, "/"); idx >= 0 {
		return p[idx+1:]
	}
	return p
}

// WithScheme returns a copy of i moved to another scheme. Default ports
// follow the scheme (used for HSTS upgrades).
func (i *IRI) WithScheme(scheme string) *IRI {
	n := *i
	n.Scheme = scheme
	if i.Port == DefaultPort(i.Scheme) {
		n.Port = DefaultPort(scheme)
	}
	n.str = n.build()
	return &n
}

// WithPath returns a copy of i pointing at another absolute path.
func (i *IRI) WithPath(p string) *IRI {
	n := *i
	n.Path = p
	n.Query = ""
	n.str = n.build()
	return &n
}

// IsIP reports whether the host is a literal IP address. HSTS and HPKP
// never apply to those.
func (i *IRI) IsIP() bool { return net.ParseIP(strings.Trim(i.Host, "[]")) != nil }
