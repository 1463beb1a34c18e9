// Package job defines the unit of retrieval work: one Job per resource,
// split into Parts when the resource is fetched as byte ranges from one or
// more mirrors.
package job

import (
	"github.com/google/uuid"

	"github.com/Buffer0x7cd/wget2/internal/iri"
)

// Filename sentinels.
const (
	ToStdout = "-"       // -O - writes the body to stdout
	Discard  = ""        // robots.txt jobs, body is not saved
)

// Mirror is one download source for a Metalink resource.
type Mirror struct {
	IRI      *iri.IRI
	Priority int
	Location string // optional ISO country code
}

// Piece is a checksummed span of the target file.
type Piece struct {
	Position int64
	Length   int64
	SHA256   string // lowercase hex
}

// Metalink describes a file as mirrors plus checksummed pieces. For
// --chunk-size downloads a synthetic descriptor with a single mirror and
// no piece hashes is built from the Content-Length.
type Metalink struct {
	Name    string
	Size    int64
	Pieces  []Piece
	Mirrors []Mirror // sorted by ascending Priority
	SHA256  string   // whole-file hash, "" if unknown
}

// Part is the byte range a worker fetches in one request.
type Part struct {
	ID       int
	Position int64
	Length   int64
	Done     bool
	Inuse    bool // a worker currently owns it
}

// Job is one pending retrieval.
type Job struct {
	ID uuid.UUID

	IRI         *iri.IRI
	OriginalURL *iri.IRI // pre-redirect URL; set to IRI when a non-redirect job is first sent
	Referer     *iri.IRI

	LocalFilename string

	Level            int // recursion depth
	RedirectionLevel int

	HeadFirst      bool // issue HEAD before deciding on GET
	Sitemap        bool
	Robots         bool
	IgnorePatterns bool

	ServerChallenge string // WWW-Authenticate kept for the retry
	ProxyChallenge  string

	Metalink *Metalink
	Parts    []*Part
	Part     *Part // the part this in-flight request covers, nil otherwise

	Inuse bool // dequeue on completion

	HostKey string // owning host, resolved through the registry
}

// New builds a Job for the target URL.
func New(target *iri.IRI) *Job {
	return &Job{
		ID:      uuid.New(),
		IRI:     target,
		HostKey: target.HostKey(),
	}
}

// MakeParts slices the Metalink descriptor into Parts. Piece boundaries
// are respected so each part can be checksummed independently; without
// piece hashes one part per chunk of chunkSize is produced.
func (j *Job) MakeParts(chunkSize int64) {
	m := j.Metalink
	if m == nil {
		return
	}
	j.Parts = j.Parts[:0]
	if len(m.Pieces) > 0 {
		for i, p := range m.Pieces {
			j.Parts = append(j.Parts, &Part{ID: i, Position: p.Position, Length: p.Length})
		}
		return
	}
	if chunkSize <= 0 {
		chunkSize = 1 << 20
	}
	var pos int64
	for i := 0; pos < m.Size; i++ {
		n := chunkSize
		if pos+n > m.Size {
			n = m.Size - pos
		}
		j.Parts = append(j.Parts, &Part{ID: i, Position: pos, Length: n})
		pos += n
	}
}

// TakePart hands out the next part that is neither done nor owned.
func (j *Job) TakePart() *Part {
	for _, p := range j.Parts {
		if !p.Done && !p.Inuse {
			p.Inuse = true
			return p
		}
	}
	return nil
}

// PartsDone reports whether every part finished.
func (j *Job) PartsDone() bool {
	for _, p := range j.Parts {
		if !p.Done {
			return false
		}
	}
	return len(j.Parts) > 0
}
