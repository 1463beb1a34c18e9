// Package protostate holds the protocol-state caches every worker shares:
// HSTS and HPKP stores, the ETag cache, the cookie jar and the TLS session
// cache, plus load/save of their sidecar files.
package protostate

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

type hstsEntry struct {
	Port              string
	IncludeSubdomains bool
	Expires           time.Time
}

// HSTS is the Strict-Transport-Security store. Entries are keyed by host;
// Match upgrades http URLs before any socket is opened.
type HSTS struct {
	mu      sync.RWMutex
	hosts   map[string]hstsEntry
	changed bool
}

func NewHSTS() *HSTS {
	return &HSTS{hosts: make(map[string]hstsEntry)}
}

// Add records a Strict-Transport-Security response header. maxAge 0
// removes the entry per RFC 6797.
func (h *HSTS) Add(host, port string, maxAge time.Duration, includeSubdomains bool) {
	host = strings.ToLower(host)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.changed = true
	if maxAge <= 0 {
		delete(h.hosts, host)
		return
	}
	h.hosts[host] = hstsEntry{
		Port:              port,
		IncludeSubdomains: includeSubdomains,
		Expires:           time.Now().Add(maxAge),
	}
}

// Match reports whether requests to host must be upgraded to https.
func (h *HSTS) Match(host string) bool {
	host = strings.ToLower(host)
	now := time.Now()

	h.mu.RLock()
	defer h.mu.RUnlock()

	if e, ok := h.hosts[host]; ok && e.Expires.After(now) {
		return true
	}
	// walk parent domains for includeSubdomains entries
	for idx := strings.IndexByte(host, '.'); idx > 0; idx = strings.IndexByte(host, '.') {
		host = host[idx+1:]
		if e, ok := h.hosts[host]; ok && e.IncludeSubdomains && e.Expires.After(now) {
			return true
		}
	}
	return false
}

func (h *HSTS) Changed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.changed
}

// Load reads the sidecar file; a missing file is not an error.
func (h *HSTS) Load(fname string) error {
	f, err := os.Open(fname)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	h.mu.Lock()
	defer h.mu.Unlock()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// host port include_subdomains expires_unix
		fields := strings.Fields(line)
		if len(fields) != 4 {
			continue
		}
		exp, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			continue
		}
		h.hosts[fields[0]] = hstsEntry{
			Port:              fields[1],
			IncludeSubdomains: fields[2] == "1",
			Expires:           time.Unix(exp, 0),
		}
	}
	return sc.Err()
}

// Save writes the store back if anything changed.
func (h *HSTS) Save(fname string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.changed {
		return nil
	}

	f, err := os.Create(fname)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Fprintln(f, "# HSTS 1.0 file -- edits will be lost")
	now := time.Now()
	for host, e := range h.hosts {
		if e.Expires.Before(now) {
			continue
		}
		incl := "0"
		if e.IncludeSubdomains {
			incl = "1"
		}
		fmt.Fprintf(f, "%s %s %s %d\n", host, e.Port, incl, e.Expires.Unix())
	}
	return nil
}
