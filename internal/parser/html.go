package parser

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"
)

// Ref is one URL reference found in a document, with enough context to
// rewrite it later.
type Ref struct {
	URL  string
	Tag  string
	Attr string
}

// HTMLResult carries the extracted references and the effective base URL
// if the document rewrote it with <base href>.
type HTMLResult struct {
	Base string
	Refs []Ref
}

// attributes that carry URLs per element
var urlAttrs = map[string][]string{
	"a":      {"href"},
	"area":   {"href"},
	"link":   {"href"},
	"img":    {"src"},
	"script": {"src"},
	"iframe": {"src"},
	"frame":  {"src"},
	"embed":  {"src"},
	"source": {"src"},
	"audio":  {"src"},
	"video":  {"src", "poster"},
	"input":  {"src"},
	"object": {"data"},
	"form":   {"action"},
}

// ParseHTML extracts URL references from an HTML or XHTML body. encoding
// is the transport charset hint; the body is decoded before tokenizing.
func ParseHTML(body []byte, encoding string) (HTMLResult, error) {
	var res HTMLResult

	r, err := charset.NewReaderLabel(orDefault(encoding), bytes.NewReader(body))
	if err != nil {
		r = bytes.NewReader(body)
	}
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return res, err
	}

	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		res.Base = strings.TrimSpace(href)
	}

	for tag, attrs := range urlAttrs {
		for _, attr := range attrs {
			doc.Find(tag + "[" + attr + "]").Each(func(_ int, s *goquery.Selection) {
				v, _ := s.Attr(attr)
				v = strings.TrimSpace(v)
				if v == "" || strings.HasPrefix(v, "#") {
					return
				}
				res.Refs = append(res.Refs, Ref{URL: v, Tag: tag, Attr: attr})
			})
		}
	}

	// srcset lists comma-separated "url [descriptor]" candidates
	doc.Find("img[srcset], source[srcset]").Each(func(_ int, s *goquery.Selection) {
		v, _ := s.Attr("srcset")
		for _, cand := range strings.Split(v, ",") {
			fields := strings.Fields(strings.TrimSpace(cand))
			if len(fields) > 0 && fields[0] != "" {
				res.Refs = append(res.Refs, Ref{URL: fields[0], Tag: "srcset", Attr: "srcset"})
			}
		}
	})

	return res, nil
}

func orDefault(encoding string) string {
	if encoding == "" {
		return "utf-8"
	}
	return encoding
}

// PageRequisite reports whether a reference is something a page needs to
// render (-p fetches these even one level past the depth limit).
func (r Ref) PageRequisite() bool {
	switch r.Tag {
	case "img", "script", "link", "source", "audio", "video", "embed", "input", "srcset":
		return true
	}
	return false
}
