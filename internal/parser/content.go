// Package parser turns downloaded bodies into URLs: HTML and CSS
// documents, XML sitemaps, Atom/RSS feeds, Metalink descriptions and
// robots.txt.
package parser

import (
	"mime"
	"strings"
)

// Kind is the closed set of parseable content types.
type Kind int

const (
	KindNone Kind = iota
	KindHTML
	KindCSS
	KindAtom
	KindRSS
	KindSitemapXML
	KindSitemapGz
	KindSitemapText
	KindMetalink
)

// Classify normalizes a Content-Type header once and maps it onto a
// parser. Sitemap jobs accept the looser types the sitemap protocol
// allows (plain XML, gzipped XML, text).
func Classify(contentType string, sitemapJob bool) Kind {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch mt {
	case "text/html", "application/xhtml+xml":
		return KindHTML
	case "text/css":
		return KindCSS
	case "application/atom+xml":
		return KindAtom
	case "application/rss+xml":
		return KindRSS
	case "application/metalink4+xml", "application/metalink+xml":
		return KindMetalink
	}
	if sitemapJob {
		switch mt {
		case "application/xml", "text/xml":
			return KindSitemapXML
		case "application/x-gzip", "application/gzip":
			return KindSitemapGz
		case "text/plain":
			return KindSitemapText
		}
	}
	return KindNone
}

// Parseable reports whether a HEAD response's content type warrants a
// body GET for recursion purposes.
func Parseable(contentType string, sitemapJob bool) bool {
	return Classify(contentType, sitemapJob) != KindNone
}
