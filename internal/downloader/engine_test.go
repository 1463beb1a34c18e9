package downloader

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Buffer0x7cd/wget2/internal/config"
	"github.com/Buffer0x7cd/wget2/internal/protostate"
)

// testEngine builds an engine with test-friendly timings and a tempdir
// output prefix.
func testEngine(t *testing.T, mutate func(*config.Options)) (*Engine, string) {
	t.Helper()
	cfg := config.Defaults()
	cfg.DirectoryPrefix = t.TempDir()
	cfg.Robots = false
	cfg.HSTS = false
	cfg.HPKP = false
	cfg.Tries = 2
	cfg.WaitRetry = 10 * time.Millisecond
	cfg.MaxThreads = 3
	if mutate != nil {
		mutate(cfg)
	}
	state, err := protostate.New(protostate.Files{})
	require.NoError(t, err)
	e, err := New(cfg, state)
	require.NoError(t, err)
	return e, cfg.DirectoryPrefix
}

// requestLog records requests hitting a test server.
type requestLog struct {
	mu   sync.Mutex
	reqs []string // "METHOD path"
}

func (l *requestLog) add(r *http.Request) {
	l.mu.Lock()
	l.reqs = append(l.reqs, r.Method+" "+r.URL.Path)
	l.mu.Unlock()
}

func (l *requestLog) count(prefix string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.reqs {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

func (l *requestLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.reqs...)
}

func hostDir(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u.Host
}

// Scenario: recursive depth-1 crawl saves the page and both links.
func TestRecursiveCrawl(t *testing.T) {
	var log requestLog
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.add(r)
		switch r.URL.Path {
		case "/":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, `<html><body><a href="/x">x</a><a href="/y">y</a></body></html>`)
		case "/x", "/y":
			fmt.Fprint(w, "content of ", r.URL.Path)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	e, prefix := testEngine(t, func(c *config.Options) {
		c.Recursive = true
		c.Level = 1
	})
	require.NoError(t, e.Run([]string{srv.URL + "/"}))

	require.Equal(t, int64(3), e.Counters.Downloads.Load())
	require.Equal(t, int64(0), e.Counters.Errors.Load())

	hd := filepath.Join(prefix, hostDir(t, srv))
	require.FileExists(t, filepath.Join(hd, "index.html"))
	require.FileExists(t, filepath.Join(hd, "x"))
	require.FileExists(t, filepath.Join(hd, "y"))
}

// Scenario: spider mode probes with HEAD and saves nothing.
func TestSpider(t *testing.T) {
	var log requestLog
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.add(r)
		switch r.URL.Path {
		case "/":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, `<html><body><img src="/img.png"></body></html>`)
		case "/img.png":
			w.Header().Set("Content-Type", "image/png")
			fmt.Fprint(w, "notapng")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	e, prefix := testEngine(t, func(c *config.Options) {
		c.Spider = true
		c.Recursive = true
		c.Level = 1
	})
	require.NoError(t, e.Run([]string{srv.URL + "/"}))

	require.Equal(t, 2, log.count("HEAD"))
	require.Equal(t, 0, e.Status.Code())

	// nothing on disk
	entries, err := os.ReadDir(prefix)
	require.NoError(t, err)
	require.Empty(t, entries)
}

// Scenario: --chunk-size splits a 3000-byte file into three ranged parts.
func TestChunkedDownload(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789"), 300) // 3000 bytes
	var log requestLog
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.add(r)
		http.ServeContent(w, r, "f", time.Now(), bytes.NewReader(content))
	}))
	defer srv.Close()

	e, prefix := testEngine(t, func(c *config.Options) {
		c.ChunkSize = 1024
	})
	require.NoError(t, e.Run([]string{srv.URL + "/f"}))

	require.Equal(t, int64(3), e.Counters.Chunks.Load())

	got, err := os.ReadFile(filepath.Join(prefix, "f"))
	require.NoError(t, err)
	require.Equal(t, content, got)
}

// Scenario: a preloaded HSTS entry upgrades http URLs at admission,
// before any socket is involved.
func TestHSTSUpgrade(t *testing.T) {
	e, _ := testEngine(t, func(c *config.Options) {
		c.HSTS = true
		c.MaxThreads = 0 // inspect the queue directly, no workers
	})
	e.state.HSTS.Add("a.example", "443", time.Hour, false)

	e.AddURL(nil, "http://a.example/x", urlFlags{})

	j, _, _ := e.registry.NextJob(nil, "ua")
	require.NotNil(t, j)
	require.Equal(t, "https", j.IRI.Scheme)
	require.Equal(t, "https://a.example/x", j.IRI.String())
}

// Scenario: a redirect to a foreign host is dropped without --span-hosts.
func TestRedirectToForeignHostDropped(t *testing.T) {
	var log requestLog
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.add(r)
		http.Redirect(w, r, "http://b.invalid/", http.StatusMovedPermanently)
	}))
	defer srv.Close()

	e, _ := testEngine(t, func(c *config.Options) {
		c.Recursive = true
	})
	require.NoError(t, e.Run([]string{srv.URL + "/"}))

	require.Equal(t, int64(1), e.Counters.Redirects.Load())
	require.Equal(t, int64(0), e.Counters.Downloads.Load())
	require.NotEqual(t, 0, e.Status.Code())
}

// Scenario: Link: rel=describedby dispatches a Metalink download across
// two mirrors with SHA-256 validation.
func TestMetalinkViaLinkHeader(t *testing.T) {
	content := bytes.Repeat([]byte("abcdefgh"), 192) // 1536 bytes
	piece := func(from, to int) string {
		sum := sha256.Sum256(content[from:to])
		return hex.EncodeToString(sum[:])
	}
	whole := sha256.Sum256(content)

	var log requestLog
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.add(r)
		switch r.URL.Path {
		case "/big":
			w.Header().Set("Link", "<"+srvURL+"/big.meta4>; rel=describedby; type=\"application/metalink4+xml\"")
			w.Write(content)
		case "/big.meta4":
			w.Header().Set("Content-Type", "application/metalink4+xml")
			fmt.Fprintf(w, `<?xml version="1.0"?>
<metalink xmlns="urn:ietf:params:xml:ns:metalink">
 <file name="big">
  <size>%d</size>
  <hash type="sha-256">%s</hash>
  <pieces length="1024" type="sha-256"><hash>%s</hash><hash>%s</hash></pieces>
  <url priority="1">%s/m1/big</url>
  <url priority="2">%s/m2/big</url>
 </file>
</metalink>`, len(content), hex.EncodeToString(whole[:]), piece(0, 1024), piece(1024, 1536), srvURL, srvURL)
		case "/m1/big", "/m2/big":
			http.ServeContent(w, r, "big", time.Now(), bytes.NewReader(content))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	srvURL = srv.URL

	e, prefix := testEngine(t, nil)
	require.NoError(t, e.Run([]string{srv.URL + "/big"}))

	require.Equal(t, int64(2), e.Counters.Chunks.Load())

	got, err := os.ReadFile(filepath.Join(prefix, "big"))
	require.NoError(t, err)
	require.Equal(t, content, got)

	// the direct body must not shadow the metalink transfer
	require.NoFileExists(t, filepath.Join(prefix, "big.1"))
}

// Admission is idempotent: the same URL only ever yields one job.
func TestAdmissionIdempotent(t *testing.T) {
	e, _ := testEngine(t, func(c *config.Options) {
		c.MaxThreads = 0
	})
	for i := 0; i < 5; i++ {
		e.AddURL(nil, "http://a.example/same", urlFlags{})
	}
	require.Equal(t, 1, e.registry.QueuedJobs())
}

// --no-parent keeps the crawl below the seed directory.
func TestNoParent(t *testing.T) {
	var log requestLog
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.add(r)
		switch r.URL.Path {
		case "/a/b/index.html":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, `<html><body><a href="/a/c.html">up</a><a href="/a/b/d.html">down</a></body></html>`)
		default:
			fmt.Fprint(w, "x")
		}
	}))
	defer srv.Close()

	e, _ := testEngine(t, func(c *config.Options) {
		c.Recursive = true
		c.NoParent = true
	})
	require.NoError(t, e.Run([]string{srv.URL + "/a/b/index.html"}))

	require.Equal(t, 0, log.count("GET /a/c.html"))
	require.Equal(t, 1, log.count("GET /a/b/d.html"))
}

// The redirect chain stops at max-redirect.
func TestRedirectBound(t *testing.T) {
	var log requestLog
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.add(r)
		var n int
		fmt.Sscanf(r.URL.Path, "/r%d", &n)
		http.Redirect(w, r, fmt.Sprintf("/r%d", n+1), http.StatusFound)
	}))
	defer srv.Close()

	e, _ := testEngine(t, func(c *config.Options) {
		c.MaxRedirect = 3
	})
	require.NoError(t, e.Run([]string{srv.URL + "/r1"}))

	require.Equal(t, 1, log.count("GET /r4"))
	require.Equal(t, 0, log.count("GET /r5"))
}

// The quota stops new downloads once crossed; the crossing response may
// finish.
func TestQuota(t *testing.T) {
	body := bytes.Repeat([]byte("q"), 1000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	e, _ := testEngine(t, func(c *config.Options) {
		c.Quota = 1500
		c.MaxThreads = 1
	})
	require.NoError(t, e.Run([]string{srv.URL + "/1", srv.URL + "/2", srv.URL + "/3"}))

	require.LessOrEqual(t, e.Counters.BodyBytes.Load(), int64(1500+1000))
}

// robots.txt is fetched and processed before any other request on the
// host, and its rules drop disallowed URLs.
func TestRobotsOrdering(t *testing.T) {
	var log requestLog
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.add(r)
		switch r.URL.Path {
		case "/robots.txt":
			w.Header().Set("Content-Type", "text/plain")
			fmt.Fprint(w, "User-agent: *\nDisallow: /private/\n")
		case "/":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, `<html><body><a href="/private/x">p</a><a href="/pub">ok</a></body></html>`)
		default:
			fmt.Fprint(w, "x")
		}
	}))
	defer srv.Close()

	e, _ := testEngine(t, func(c *config.Options) {
		c.Recursive = true
		c.Robots = true
	})
	require.NoError(t, e.Run([]string{srv.URL + "/"}))

	reqs := log.all()
	require.NotEmpty(t, reqs)
	require.Equal(t, "GET /robots.txt", reqs[0])
	require.Equal(t, 0, log.count("GET /private/x"))
	require.Equal(t, 1, log.count("GET /pub"))
}

// --convert-links rewrites saved references relative, missing ones
// absolute.
func TestConvertLinks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, `<html><body><a href="/x.html">x</a><a href="/gone.html">gone</a></body></html>`)
		case "/x.html":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, `<html><body>leaf</body></html>`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	e, prefix := testEngine(t, func(c *config.Options) {
		c.Recursive = true
		c.Level = 1
		c.ConvertLinks = true
	})
	require.NoError(t, e.Run([]string{srv.URL + "/"}))

	out, err := os.ReadFile(filepath.Join(prefix, hostDir(t, srv), "index.html"))
	require.NoError(t, err)
	require.Contains(t, string(out), `href="x.html"`)
	require.Contains(t, string(out), `href="`+srv.URL+`/gone.html"`)
}

// Timestamping: a 304 reply re-parses the local copy to keep recursion
// alive.
func TestTimestamping304Reparse(t *testing.T) {
	var log requestLog
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.add(r)
		switch r.URL.Path {
		case "/index.html":
			if r.Header.Get("If-Modified-Since") != "" {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, "fresh")
		case "/x.html":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, "<html><body>leaf</body></html>")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	e, prefix := testEngine(t, func(c *config.Options) {
		c.Recursive = true
		c.Level = 1
		c.Timestamping = true
	})

	// pre-existing local copy with a link the 304 path must discover
	hd := filepath.Join(prefix, hostDir(t, srv))
	require.NoError(t, os.MkdirAll(hd, 0o755))
	local := filepath.Join(hd, "index.html")
	require.NoError(t, os.WriteFile(local, []byte(`<html><body><a href="/x.html">x</a></body></html>`), 0o644))

	require.NoError(t, e.Run([]string{srv.URL + "/index.html"}))

	require.Equal(t, int64(1), e.Counters.NotModified.Load())
	require.Equal(t, 1, log.count("GET /x.html"))
}

// A 401 with a Basic challenge is answered once with credentials.
func TestBasicAuthRetry(t *testing.T) {
	var log requestLog
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.add(r)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "u" || pass != "p" {
			w.Header().Set("WWW-Authenticate", `Basic realm="test"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, "secret")
	}))
	defer srv.Close()

	e, prefix := testEngine(t, func(c *config.Options) {
		c.HTTPUser = "u"
		c.HTTPPassword = "p"
	})
	require.NoError(t, e.Run([]string{srv.URL + "/file"}))

	require.Equal(t, int64(1), e.Counters.Downloads.Load())
	got, err := os.ReadFile(filepath.Join(prefix, "file"))
	require.NoError(t, err)
	require.Equal(t, "secret", string(got))
}

// Wrong credentials fail after one retry with an auth exit status.
func TestAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", `Basic realm="test"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	e, _ := testEngine(t, func(c *config.Options) {
		c.HTTPUser = "u"
		c.HTTPPassword = "wrong"
	})
	require.NoError(t, e.Run([]string{srv.URL + "/file"}))
	require.Equal(t, 6, e.Status.Code())
}

// Pattern rejection without --filter-urls still downloads for parsing
// but does not save.
func TestDeferredPatternFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, `<html><body><a href="/pic.gif">g</a><a href="/page.html">h</a></body></html>`)
		case "/pic.gif":
			fmt.Fprint(w, "gifdata")
		case "/page.html":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, "<html></html>")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	e, prefix := testEngine(t, func(c *config.Options) {
		c.Recursive = true
		c.Level = 1
		c.Reject = []string{".gif"}
	})
	require.NoError(t, e.Run([]string{srv.URL + "/"}))

	hd := filepath.Join(prefix, hostDir(t, srv))
	require.FileExists(t, filepath.Join(hd, "page.html"))
	require.NoFileExists(t, filepath.Join(hd, "pic.gif"))
}

// A host that keeps failing is abandoned after tries attempts.
func TestHostFinalFailure(t *testing.T) {
	// a closed server: connections are refused
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	u := srv.URL
	srv.Close()

	e, _ := testEngine(t, func(c *config.Options) {
		c.Tries = 2
		c.WaitRetry = 5 * time.Millisecond
	})
	done := make(chan error, 1)
	go func() { done <- e.Run([]string{u + "/x"}) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("engine did not terminate after repeated connection failures")
	}
	require.Equal(t, 4, e.Status.Code())
}
