package downloader

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"mime"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Buffer0x7cd/wget2/internal/convert"
	"github.com/Buffer0x7cd/wget2/internal/iri"
	"github.com/Buffer0x7cd/wget2/internal/job"
	"github.com/Buffer0x7cd/wget2/internal/logging"
	"github.com/Buffer0x7cd/wget2/internal/parser"
	"github.com/Buffer0x7cd/wget2/internal/severity"
	"github.com/Buffer0x7cd/wget2/internal/xattr"
)

// process runs the response pipeline for one completed exchange.
func (w *worker) process(r *webResponse) {
	e := w.e
	j := r.job

	e.Counters.AddResponse(r.status, j.Part != nil)

	// protocol-state headers, HTTPS and non-IP hosts only
	if j.IRI.Scheme == "https" && !j.IRI.IsIP() {
		if e.cfg.HSTS {
			if v := r.header.Get("Strict-Transport-Security"); v != "" {
				maxAge, incl := parseSTS(v)
				e.state.HSTS.Add(j.IRI.Host, j.IRI.Port, maxAge, incl)
			}
		}
		if e.cfg.HPKP {
			if v := r.header.Get("Public-Key-Pins"); v != "" {
				pins, maxAge, incl := parsePKP(v)
				e.state.HPKP.Add(j.IRI.Host, pins, maxAge, incl)
			}
		}
	}

	switch {
	case r.status == http.StatusUnauthorized:
		w.handleAuth(j, r, r.header.Values("Www-Authenticate"), false)
	case r.status == http.StatusProxyAuthRequired:
		w.handleAuth(j, r, r.header.Values("Proxy-Authenticate"), true)
	case r.status >= 300 && r.status < 400 && r.header.Get("Location") != "":
		e.AddURL(j.IRI, r.header.Get("Location"), urlFlags{redirect: true, from: j})
		e.registry.RemoveJob(w.host, j)
	case j.HeadFirst:
		w.headResponse(j, r)
	case j.Part != nil:
		w.partResponse(j, r)
	default:
		w.fullResponse(j, r)
	}
}

// handleAuth caches a server challenge on the job for one retry; a second
// 401 means the credentials are wrong.
func (w *worker) handleAuth(j *job.Job, r *webResponse, challenges []string, proxy bool) {
	e := w.e

	cached := j.ServerChallenge
	if proxy {
		cached = j.ProxyChallenge
	}
	challenge := pickStrongest(challenges)

	if cached == "" && challenge != "" && e.cfg.HTTPUser != "" {
		if proxy {
			j.ProxyChallenge = challenge
		} else {
			j.ServerChallenge = challenge
		}
		e.registry.Requeue(w.host, j)
		return
	}

	logging.Errorf("Authentication failed for %s", j.IRI)
	e.Status.Set(severity.Auth)
	e.registry.RemoveJob(w.host, j)
}

// headResponse evaluates a HEAD probe: skip, split into parts, or follow
// up with a GET.
func (w *worker) headResponse(j *job.Job, r *webResponse) {
	e := w.e

	if r.status != http.StatusOK {
		if e.cfg.Spider {
			logging.Errorf("Broken link: %s (%d)", j.IRI, r.status)
		}
		if r.status >= 400 {
			e.Status.Set(severity.Remote)
		}
		e.registry.RemoveJob(w.host, j)
		return
	}

	// identical resource already fetched under another URL
	if et := r.header.Get("Etag"); et != "" {
		if prev, seen := e.state.ETags.Get(et); seen {
			logging.Debugf("%s already fetched as %s (ETag match)", j.IRI, prev)
			e.registry.RemoveJob(w.host, j)
			return
		}
		e.state.ETags.Add(et, j.IRI.String())
	}

	ct := r.header.Get("Content-Type")
	length, _ := strconv.ParseInt(r.header.Get("Content-Length"), 10, 64)

	// large enough bodies become synthetic multi-part downloads
	if e.cfg.ChunkSize > 0 && length > e.cfg.ChunkSize && !parser.Parseable(ct, j.Sitemap) {
		j.Metalink = &job.Metalink{
			Name:    j.LocalFilename,
			Size:    length,
			Mirrors: []job.Mirror{{IRI: j.IRI, Priority: 1}},
		}
		j.MakeParts(e.cfg.ChunkSize)
		j.HeadFirst = false
		e.registry.Requeue(w.host, j)
		return
	}

	if e.cfg.Spider {
		logging.Infof("URL exists: %s (%s)", j.IRI, ct)
		if e.cfg.Recursive && parser.Parseable(ct, j.Sitemap) {
			j.HeadFirst = false
			e.registry.Requeue(w.host, j)
			return
		}
		e.registry.RemoveJob(w.host, j)
		return
	}

	if e.cfg.Recursive && !parser.Parseable(ct, j.Sitemap) && !j.IgnorePatterns &&
		!e.policy.AllowFile(j.IRI.File(), j.IRI.String()) {
		// probe says the patterns were right to reject it
		logging.Debugf("not downloading '%s' (pattern rejected after probe)", j.IRI)
		e.registry.RemoveJob(w.host, j)
		return
	}

	j.HeadFirst = false
	e.registry.Requeue(w.host, j)
}

// partResponse books one finished byte range; the last one triggers
// whole-file validation.
func (w *worker) partResponse(j *job.Job, r *webResponse) {
	e := w.e

	ok := r.status == http.StatusOK || r.status == http.StatusPartialContent
	if !ok {
		logging.Errorf("part %d of %s: unexpected status %d", j.Part.ID, j.Metalink.Name, r.status)
		e.Status.Set(severity.Remote)
		// repeated bad statuses must not spin forever; the host failure
		// counter bounds the retries
		e.registry.IncreaseFailure(w.host)
	}

	if !e.registry.PartDone(w.host, j, ok) {
		return
	}

	// all parts done: whole-file checksum, then the file is final
	m := j.Metalink
	if m.SHA256 != "" {
		sum, err := fileSHA256(m.Name)
		if err != nil {
			e.reportIoError(err)
			return
		}
		if sum != m.SHA256 {
			logging.Errorf("Checksum mismatch for %s, discarding", m.Name)
			os.Remove(m.Name)
			e.Status.Set(severity.Protocol)
			return
		}
	}
	logging.Infof("Saved %s (%d parts)", m.Name, len(j.Parts))
	e.recordSaved(j.OriginalURL, m.Name)
	e.recordSaved(j.IRI, m.Name)
	if e.cfg.Xattr {
		xattr.Write(m.Name, j.IRI.String(), refererString(j), "", "")
	}
}

// fullResponse stores, parses and fans out a complete body.
func (w *worker) fullResponse(j *job.Job, r *webResponse) {
	e := w.e
	defer e.registry.RemoveJob(w.host, j)

	switch {
	case r.status == http.StatusOK || r.status == http.StatusPartialContent:
		// fallthrough below

	case r.status == http.StatusNotModified:
		logging.Infof("File '%s' not modified on server", j.LocalFilename)
		if e.cfg.Recursive {
			w.reparseLocal(j)
		}
		return

	case r.status == http.StatusRequestedRangeNotSatisfiable:
		// -c with a complete file: nothing to do
		logging.Debugf("%s: already fully retrieved", j.LocalFilename)
		return

	default:
		logging.Errorf("HTTP error %d for %s", r.status, j.IRI)
		if r.status >= 400 {
			e.Status.Set(severity.Remote)
		}
		if j.Robots {
			// a failed robots fetch leaves the host without a policy:
			// every path is allowed
			e.registry.SetRobots(w.host, nil)
		}
		return
	}

	ct := r.header.Get("Content-Type")
	mt, ctParams, _ := mime.ParseMediaType(ct)
	encoding := ctParams["charset"]

	if r.savedPath != "" && r.savedPath != job.ToStdout {
		e.recordSaved(j.IRI, r.savedPath)
		e.recordSaved(j.OriginalURL, r.savedPath)
		if e.cfg.Xattr {
			xattr.Write(r.savedPath, j.IRI.String(), refererString(j), mt, encoding)
		}
	}

	if j.Robots {
		w.robotsResponse(j, r)
		return
	}

	// Metalink discovery: description documents and Link headers
	if e.cfg.Metalink {
		if mt == "application/metalink4+xml" || mt == "application/metalink+xml" {
			if m, err := parser.ParseMetalink(r.body); err == nil && len(m.Mirrors) > 0 {
				e.addMetalinkJob(m)
			} else {
				logging.Errorf("cannot parse metalink %s: %v", j.IRI, err)
			}
			return
		}
		if link := metalinkLink(r.header); link != "" {
			e.AddURL(j.IRI, link, urlFlags{from: j})
		}
	}

	if !e.cfg.Recursive && !j.Sitemap {
		return
	}
	if r.truncated {
		logging.Errorf("parse buffer for %s truncated at %d bytes, links may be missed (use --max-memory)", j.IRI, len(r.body))
	}
	w.parseBody(j, parser.Classify(ct, j.Sitemap), r.body, encoding, r.savedPath)
}

// robotsResponse installs the host policy and chases advertised sitemaps.
func (w *worker) robotsResponse(j *job.Job, r *webResponse) {
	e := w.e
	robots, err := parser.ParseRobots(r.body)
	if err != nil {
		logging.Debugf("cannot parse robots.txt from %s: %v", j.IRI, err)
		e.registry.SetRobots(w.host, nil)
		return
	}
	e.registry.SetRobots(w.host, robots)
	if e.cfg.Recursive {
		for _, sm := range robots.Sitemaps {
			e.AddURL(j.IRI, sm, urlFlags{sitemap: true, from: j})
		}
	}
}

// parseBody fans a body out to the matching parser and feeds discovered
// URLs back into admission.
func (w *worker) parseBody(j *job.Job, kind parser.Kind, body []byte, encoding, savedPath string) {
	e := w.e

	// depth gate: children sit one level deeper; page requisites get
	// one extra level
	admitChild := func(base *iri.IRI, raw string, requisite bool, fl urlFlags) {
		if e.cfg.Level > 0 {
			childLevel := j.Level + 1
			limit := e.cfg.Level
			if e.cfg.PageRequisites && requisite {
				limit++
			}
			if childLevel > limit {
				return
			}
		}
		fl.from = j
		e.AddURL(base, raw, fl)
	}

	switch kind {
	case parser.KindHTML:
		res, err := parser.ParseHTML(body, encoding)
		if err != nil {
			logging.Debugf("cannot parse %s as HTML: %v", j.IRI, err)
			return
		}
		base := j.IRI
		if res.Base != "" {
			if b, err := iri.Parse(j.IRI, res.Base); err == nil {
				base = b
			}
		}
		for _, ref := range res.Refs {
			admitChild(base, ref.URL, ref.PageRequisite(), urlFlags{})
		}
		if e.cfg.ConvertLinks && savedPath != "" && savedPath != job.ToStdout {
			e.recorder.Add(convert.Entry{
				Filename: savedPath,
				Base:     base,
				Encoding: encoding,
				Kind:     convert.DocHTML,
			})
		}

	case parser.KindCSS:
		res := parser.ParseCSS(body)
		for _, u := range res.URLs {
			admitChild(j.IRI, u, true, urlFlags{})
		}
		if e.cfg.ConvertLinks && savedPath != "" && savedPath != job.ToStdout {
			e.recorder.Add(convert.Entry{
				Filename: savedPath,
				Base:     j.IRI,
				Encoding: res.Charset,
				Kind:     convert.DocCSS,
			})
		}

	case parser.KindSitemapXML:
		urls, err := parser.ParseSitemapXML(strings.NewReader(string(body)))
		if err != nil {
			logging.Debugf("cannot parse sitemap %s: %v", j.IRI, err)
		}
		for _, u := range urls {
			admitChild(j.IRI, u, false, urlFlags{sitemap: true})
		}

	case parser.KindSitemapGz:
		urls, err := parser.ParseSitemapGz(body)
		if err != nil {
			logging.Debugf("cannot parse gzipped sitemap %s: %v", j.IRI, err)
		}
		for _, u := range urls {
			admitChild(j.IRI, u, false, urlFlags{sitemap: true})
		}

	case parser.KindSitemapText:
		for _, u := range parser.ParseSitemapText(body) {
			admitChild(j.IRI, u, false, urlFlags{sitemap: true})
		}

	case parser.KindAtom:
		urls, _ := parser.ParseAtom(body)
		for _, u := range urls {
			admitChild(j.IRI, u, false, urlFlags{})
		}

	case parser.KindRSS:
		urls, _ := parser.ParseRSS(body)
		for _, u := range urls {
			admitChild(j.IRI, u, false, urlFlags{})
		}
	}
}

// reparseLocal re-reads an unmodified local file so recursion still sees
// its links (timestamping re-runs).
func (w *worker) reparseLocal(j *job.Job) {
	data, err := os.ReadFile(j.LocalFilename)
	if err != nil {
		return
	}
	kind := parser.KindNone
	switch {
	case strings.HasSuffix(j.LocalFilename, ".css"):
		kind = parser.KindCSS
	default:
		kind = parser.KindHTML
	}
	w.parseBody(j, kind, data, "", j.LocalFilename)
}

func refererString(j *job.Job) string {
	if j.Referer == nil {
		return ""
	}
	return j.Referer.String()
}

// metalinkLink scans Link headers: a describedby metalink wins, else the
// best rel=duplicate entry.
func metalinkLink(h http.Header) string {
	type linkEnt struct {
		url string
		pri int
	}
	var dups []linkEnt

	for _, raw := range h.Values("Link") {
		for _, l := range splitAuthParams(raw) {
			url, rel, typ, pri := parseLinkValue(l)
			if url == "" {
				continue
			}
			if rel == "describedby" &&
				(typ == "application/metalink4+xml" || typ == "application/metalink+xml") {
				return url
			}
			if rel == "duplicate" {
				dups = append(dups, linkEnt{url, pri})
			}
		}
	}

	best := ""
	bestPri := int(^uint(0) >> 1)
	for _, d := range dups {
		if d.pri == 0 {
			d.pri = 999999
		}
		if d.pri < bestPri {
			best, bestPri = d.url, d.pri
		}
	}
	return best
}

// parseLinkValue parses one `<url>; rel=...; type=...; pri=...` element.
func parseLinkValue(s string) (url, rel, typ string, pri int) {
	parts := strings.Split(s, ";")
	if len(parts) == 0 {
		return
	}
	u := strings.TrimSpace(parts[0])
	if !strings.HasPrefix(u, "<") || !strings.HasSuffix(u, ">") {
		return
	}
	url = strings.Trim(u, "<>")
	for _, p := range parts[1:] {
		if k, v, ok := strings.Cut(strings.TrimSpace(p), "="); ok {
			v = strings.Trim(v, `"`)
			switch strings.ToLower(k) {
			case "rel":
				rel = v
			case "type":
				typ = v
			case "pri":
				pri, _ = strconv.Atoi(v)
			}
		}
	}
	return
}

// parseSTS reads a Strict-Transport-Security value.
func parseSTS(v string) (time.Duration, bool) {
	var maxAge time.Duration
	var incl bool
	for _, part := range strings.Split(v, ";") {
		part = strings.TrimSpace(part)
		if s, ok := strings.CutPrefix(strings.ToLower(part), "max-age="); ok {
			if secs, err := strconv.ParseInt(strings.Trim(s, `"`), 10, 64); err == nil {
				maxAge = time.Duration(secs) * time.Second
			}
		} else if strings.EqualFold(part, "includeSubDomains") {
			incl = true
		}
	}
	return maxAge, incl
}

// parsePKP reads a Public-Key-Pins value.
func parsePKP(v string) ([]string, time.Duration, bool) {
	var pins []string
	var maxAge time.Duration
	var incl bool
	for _, part := range splitAuthParams(v) {
		for _, p := range strings.Split(part, ";") {
			p = strings.TrimSpace(p)
			switch {
			case strings.HasPrefix(p, "pin-sha256="):
				pins = append(pins, strings.Trim(p[len("pin-sha256="):], `"`))
			case strings.HasPrefix(strings.ToLower(p), "max-age="):
				if secs, err := strconv.ParseInt(strings.Trim(p[len("max-age="):], `"`), 10, 64); err == nil {
					maxAge = time.Duration(secs) * time.Second
				}
			case strings.EqualFold(p, "includeSubDomains"):
				incl = true
			}
		}
	}
	return pins, maxAge, incl
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
