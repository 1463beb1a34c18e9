package parser

import (
	"encoding/xml"
	"sort"
	"strings"

	"github.com/Buffer0x7cd/wget2/internal/iri"
	"github.com/Buffer0x7cd/wget2/internal/job"
)

// metalink4 wire format, RFC 5854 (v4) with enough v3 compatibility for
// the fields we consume.
type mlFile struct {
	Name   string   `xml:"name,attr"`
	Size   int64    `xml:"size"`
	Hashes []mlHash `xml:"hash"`
	Pieces *mlPiece `xml:"pieces"`
	URLs   []mlURL  `xml:"url"`
}

type mlHash struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

type mlPiece struct {
	Length int64    `xml:"length,attr"`
	Type   string   `xml:"type,attr"`
	Hashes []string `xml:"hash"`
}

type mlURL struct {
	Priority int    `xml:"priority,attr"`
	Location string `xml:"location,attr"`
	Value    string `xml:",chardata"`
}

type mlRoot struct {
	Files []mlFile `xml:"file"`
}

// ParseMetalink decodes a metalink(4)+xml body into the first file's
// descriptor. Mirrors come back sorted by priority, pieces in file order.
func ParseMetalink(body []byte) (*job.Metalink, error) {
	var root mlRoot
	if err := xml.Unmarshal(body, &root); err != nil {
		return nil, err
	}
	if len(root.Files) == 0 {
		return nil, xml.UnmarshalError("metalink: no file element")
	}
	f := root.Files[0]

	m := &job.Metalink{Name: f.Name, Size: f.Size}

	for _, h := range f.Hashes {
		if strings.EqualFold(h.Type, "sha-256") || strings.EqualFold(h.Type, "sha256") {
			m.SHA256 = strings.ToLower(strings.TrimSpace(h.Value))
		}
	}

	if p := f.Pieces; p != nil && p.Length > 0 && (strings.EqualFold(p.Type, "sha-256") || strings.EqualFold(p.Type, "sha256")) {
		var pos int64
		for _, h := range p.Hashes {
			length := p.Length
			if f.Size > 0 && pos+length > f.Size {
				length = f.Size - pos
			}
			m.Pieces = append(m.Pieces, job.Piece{
				Position: pos,
				Length:   length,
				SHA256:   strings.ToLower(strings.TrimSpace(h)),
			})
			pos += length
		}
	}

	for _, u := range f.URLs {
		target, err := iri.Parse(nil, strings.TrimSpace(u.Value))
		if err != nil {
			continue // non-http mirrors (ftp etc.) are skipped
		}
		prio := u.Priority
		if prio == 0 {
			prio = 999999
		}
		m.Mirrors = append(m.Mirrors, job.Mirror{IRI: target, Priority: prio, Location: u.Location})
	}
	sort.SliceStable(m.Mirrors, func(i, j int) bool { return m.Mirrors[i].Priority < m.Mirrors[j].Priority })

	return m, nil
}
