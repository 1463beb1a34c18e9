package downloader

import (
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Buffer0x7cd/wget2/internal/fname"
	"github.com/Buffer0x7cd/wget2/internal/job"
	"github.com/Buffer0x7cd/wget2/internal/logging"
	"github.com/Buffer0x7cd/wget2/internal/severity"
)

// shouldSave decides whether this response body goes to disk. Bodies we
// only need for parsing (spider probes, robots, pattern-rejected files)
// stay in memory.
func (w *worker) shouldSave(j *job.Job, resp *http.Response, res *webResponse) bool {
	e := w.e

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return false
	}
	if e.cfg.Spider || j.Robots || j.LocalFilename == job.Discard {
		return false
	}

	// the Metalink path downloads this resource from its mirrors instead
	if e.cfg.Metalink {
		if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt == "application/metalink4+xml" || mt == "application/metalink+xml" {
			return false
		}
		if metalinkLink(resp.Header) != "" {
			return false
		}
	}

	// --content-disposition overrides the derived name
	if e.cfg.ContentDisposition {
		if cd := resp.Header.Get("Content-Disposition"); cd != "" {
			if name := dispositionFilename(cd); name != "" {
				j.LocalFilename = filepath.Join(filepath.Dir(j.LocalFilename), name)
			}
		}
	}

	// patterns deferred from admission run right before saving; the
	// body may still be parsed for recursion
	if !e.cfg.FilterURLs && !j.IgnorePatterns {
		if !e.policy.AllowFile(filepath.Base(j.LocalFilename), j.IRI.String()) {
			logging.Debugf("not saving '%s' (pattern rejected)", j.IRI)
			return false
		}
	}
	return true
}

func dispositionFilename(cd string) string {
	for _, part := range strings.Split(cd, ";") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, "filename="); ok {
			v = strings.Trim(v, `"`)
			// only the basename; a server must not place files for us
			return filepath.Base(v)
		}
	}
	return ""
}

func saveFlags(e *Engine) fname.OpenFlags {
	return fname.OpenFlags{
		Truncate:  e.cfg.Timestamping,
		Exclusive: e.cfg.NoClobber,
		Continue:  e.cfg.Continue,
		Backups:   e.cfg.Backups,
	}
}

func openSave(fnameStr string, fl fname.OpenFlags) (*os.File, string, error) {
	return fname.Create(fnameStr, fl)
}

func mkdirFor(fnameStr string) error {
	return fname.MkdirPath(fnameStr)
}

// finishFile applies the server timestamp after the final chunk.
func finishFile(e *Engine, path string, resp *http.Response) {
	if !e.cfg.UseServerTimestamps {
		return
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			if err := os.Chtimes(path, time.Now(), t); err != nil {
				logging.Debugf("chtimes %s: %v", path, err)
			}
		}
	}
}

func (e *Engine) reportIoError(err error) {
	logging.Errorf("I/O error: %v", err)
	e.Status.Set(severity.Io)
}
