// Package convert remembers parsed documents during the crawl and, once
// every retrieval has finished, rewrites their embedded links: references
// to files that were saved locally become relative paths, everything else
// becomes an absolute URL. The rewrite pass runs single-threaded after
// the worker pool has drained.
package convert

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"github.com/Buffer0x7cd/wget2/internal/iri"
	"github.com/Buffer0x7cd/wget2/internal/logging"
	"github.com/Buffer0x7cd/wget2/internal/parser"
)

// DocKind selects the rewrite strategy.
type DocKind int

const (
	DocHTML DocKind = iota
	DocCSS
)

// Entry is one parsed document awaiting conversion.
type Entry struct {
	Filename string
	Base     *iri.IRI
	Encoding string
	Kind     DocKind
}

// Recorder accumulates entries from the response pipeline.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Add(e Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Resolver maps a URL onto the local path it was saved under, if any.
type Resolver func(*iri.IRI) (string, bool)

// Convert rewrites every recorded document. backupOrig keeps the
// pre-rewrite file under NAME.orig.
func (r *Recorder) Convert(resolve Resolver, backupOrig bool) {
	r.mu.Lock()
	entries := r.entries
	r.entries = nil
	r.mu.Unlock()

	for _, e := range entries {
		if err := convertFile(e, resolve, backupOrig); err != nil {
			logging.Errorf("convert %s: %v", e.Filename, err)
		}
	}
}

func convertFile(e Entry, resolve Resolver, backupOrig bool) error {
	data, err := os.ReadFile(e.Filename)
	if err != nil {
		return err
	}

	var out string
	switch e.Kind {
	case DocCSS:
		out = convertCSS(string(data), e, resolve)
	default:
		out, err = convertHTML(data, e, resolve)
		if err != nil {
			return err
		}
	}

	if out == string(data) {
		return nil
	}
	if backupOrig {
		if err := os.Rename(e.Filename, e.Filename+".orig"); err != nil {
			return err
		}
	}
	return os.WriteFile(e.Filename, []byte(out), 0o644)
}

// rewrite computes the replacement for one reference.
func rewrite(raw string, e Entry, resolve Resolver) (string, bool) {
	target, err := iri.Parse(e.Base, raw)
	if err != nil {
		return "", false
	}
	if local, ok := resolve(target); ok {
		if _, err := os.Stat(local); err == nil {
			rel, err := filepath.Rel(filepath.Dir(e.Filename), local)
			if err == nil {
				return filepath.ToSlash(rel), true
			}
		}
	}
	abs := target.String()
	if abs == raw {
		return "", false
	}
	return abs, true
}

func convertHTML(data []byte, e Entry, resolve Resolver) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(data)))
	if err != nil {
		return "", err
	}

	for _, sel := range []struct{ css, attr string }{
		{"a[href]", "href"}, {"area[href]", "href"}, {"link[href]", "href"},
		{"img[src]", "src"}, {"script[src]", "src"}, {"iframe[src]", "src"},
		{"frame[src]", "src"}, {"embed[src]", "src"}, {"source[src]", "src"},
		{"audio[src]", "src"}, {"video[src]", "src"}, {"input[src]", "src"},
		{"object[data]", "data"}, {"form[action]", "action"},
	} {
		attr := sel.attr
		doc.Find(sel.css).Each(func(_ int, s *goquery.Selection) {
			raw, _ := s.Attr(attr)
			raw = strings.TrimSpace(raw)
			if raw == "" || strings.HasPrefix(raw, "#") {
				return
			}
			if repl, ok := rewrite(raw, e, resolve); ok {
				s.SetAttr(attr, repl)
			}
		})
	}

	return doc.Html()
}

func convertCSS(data string, e Entry, resolve Resolver) string {
	res := parser.ParseCSS([]byte(data))
	for _, u := range res.URLs {
		if repl, ok := rewrite(u, e, resolve); ok {
			data = strings.ReplaceAll(data, fmt.Sprintf("url(%s)", u), fmt.Sprintf("url(%s)", repl))
			data = strings.ReplaceAll(data, fmt.Sprintf("url(%q)", u), fmt.Sprintf("url(%q)", repl))
			data = strings.ReplaceAll(data, fmt.Sprintf("url('%s')", u), fmt.Sprintf("url('%s')", repl))
		}
	}
	return data
}
