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

type hpkpEntry struct {
	Pins              []string // base64 SPKI SHA-256 fingerprints
	IncludeSubdomains bool
	Expires           time.Time
}

// HPKP is the public-key-pin store fed by Public-Key-Pins headers.
type HPKP struct {
	mu      sync.RWMutex
	hosts   map[string]hpkpEntry
	changed bool
}

func NewHPKP() *HPKP {
	return &HPKP{hosts: make(map[string]hpkpEntry)}
}

func (h *HPKP) Add(host string, pins []string, maxAge time.Duration, includeSubdomains bool) {
	host = strings.ToLower(host)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.changed = true
	if maxAge <= 0 || len(pins) == 0 {
		delete(h.hosts, host)
		return
	}
	h.hosts[host] = hpkpEntry{
		Pins:              pins,
		IncludeSubdomains: includeSubdomains,
		Expires:           time.Now().Add(maxAge),
	}
}

// Pins returns the pin set in effect for host, nil when unpinned.
func (h *HPKP) Pins(host string) []string {
	host = strings.ToLower(host)
	now := time.Now()

	h.mu.RLock()
	defer h.mu.RUnlock()
	if e, ok := h.hosts[host]; ok && e.Expires.After(now) {
		return e.Pins
	}
	for idx := strings.IndexByte(host, '.'); idx > 0; idx = strings.IndexByte(host, '.') {
		host = host[idx+1:]
		if e, ok := h.hosts[host]; ok && e.IncludeSubdomains && e.Expires.After(now) {
			return e.Pins
		}
	}
	return nil
}

func (h *HPKP) Changed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.changed
}

func (h *HPKP) Load(fname string) error {
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
		// host include_subdomains expires_unix pin[,pin...]
		fields := strings.Fields(line)
		if len(fields) != 4 {
			continue
		}
		exp, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			continue
		}
		h.hosts[fields[0]] = hpkpEntry{
			IncludeSubdomains: fields[1] == "1",
			Expires:           time.Unix(exp, 0),
			Pins:              strings.Split(fields[3], ","),
		}
	}
	return sc.Err()
}

func (h *HPKP) Save(fname string) error {
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

	fmt.Fprintln(f, "# HPKP 1.0 file -- edits will be lost")
	now := time.Now()
	for host, e := range h.hosts {
		if e.Expires.Before(now) {
			continue
		}
		incl := "0"
		if e.IncludeSubdomains {
			incl = "1"
		}
		fmt.Fprintf(f, "%s %s %d %s\n", host, incl, e.Expires.Unix(), strings.Join(e.Pins, ","))
	}
	return nil
}
