package parser

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"
)

// ParseAtom extracts <link href="..."> targets from an Atom feed.
func ParseAtom(body []byte) ([]string, error) {
	var urls []string
	dec := xml.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return urls, err
		}
		if t, ok := tok.(xml.StartElement); ok && t.Name.Local == "link" {
			for _, a := range t.Attr {
				if a.Name.Local == "href" {
					if u := strings.TrimSpace(a.Value); u != "" {
						urls = append(urls, u)
					}
				}
			}
		}
	}
	return urls, nil
}

// ParseRSS extracts <link> values and enclosure URLs from an RSS feed.
func ParseRSS(body []byte) ([]string, error) {
	var urls []string
	dec := xml.NewDecoder(bytes.NewReader(body))
	inLink := false
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
			switch t.Name.Local {
			case "link":
				inLink = true
			case "enclosure":
				for _, a := range t.Attr {
					if a.Name.Local == "url" {
						if u := strings.TrimSpace(a.Value); u != "" {
							urls = append(urls, u)
						}
					}
				}
			}
		case xml.CharData:
			if inLink {
				if u := strings.TrimSpace(string(t)); u != "" {
					urls = append(urls, u)
				}
			}
		case xml.EndElement:
			inLink = false
		}
	}
	return urls, nil
}
