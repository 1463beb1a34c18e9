package parser

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// ParseSitemapXML extracts <loc> entries from urlset and sitemapindex
// documents. Nested sitemap references and page URLs come back in one
// list; the admission layer re-tags sub-sitemaps by content type.
func ParseSitemapXML(r io.Reader) ([]string, error) {
	var urls []string
	dec := xml.NewDecoder(r)
	inLoc := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return urls, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			inLoc = t.Name.Local == "loc"
		case xml.CharData:
			if inLoc {
				if u := strings.TrimSpace(string(t)); u != "" {
					urls = append(urls, u)
				}
			}
		case xml.EndElement:
			inLoc = false
		}
	}
	return urls, nil
}

// ParseSitemapGz unwraps a gzipped sitemap.
func ParseSitemapGz(body []byte) ([]string, error) {
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return ParseSitemapXML(zr)
}

// ParseSitemapText reads the line-oriented plain text form.
func ParseSitemapText(body []byte) []string {
	var urls []string
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		if u := strings.TrimSpace(sc.Text()); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}
