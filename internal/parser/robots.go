package parser

import (
	"github.com/temoto/robotstxt"
)

// Robots is the per-host policy distilled from robots.txt: a tester for
// path prefixes plus the advertised sitemaps.
type Robots struct {
	data     *robotstxt.RobotsData
	Sitemaps []string
}

// ParseRobots parses a robots.txt body. A parse failure means no policy,
// mirroring the lenient handling crawlers apply to broken robots files.
func ParseRobots(body []byte) (*Robots, error) {
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil, err
	}
	return &Robots{data: data, Sitemaps: data.Sitemaps}, nil
}

// Allowed tests a URL path against the deny rules for our user agent
// group.
func (r *Robots) Allowed(userAgent, path string) bool {
	if r == nil || r.data == nil {
		return true
	}
	return r.data.FindGroup(userAgent).Test(path)
}
