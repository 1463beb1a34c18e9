// Package downloader is the concurrent retrieval engine: URL admission,
// the host-bound worker pool, the response pipeline and the multi-source
// chunk engine.
package downloader

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Buffer0x7cd/wget2/internal/blacklist"
	"github.com/Buffer0x7cd/wget2/internal/config"
	"github.com/Buffer0x7cd/wget2/internal/convert"
	"github.com/Buffer0x7cd/wget2/internal/filter"
	"github.com/Buffer0x7cd/wget2/internal/fname"
	"github.com/Buffer0x7cd/wget2/internal/iri"
	"github.com/Buffer0x7cd/wget2/internal/job"
	"github.com/Buffer0x7cd/wget2/internal/logging"
	"github.com/Buffer0x7cd/wget2/internal/parser"
	"github.com/Buffer0x7cd/wget2/internal/protostate"
	"github.com/Buffer0x7cd/wget2/internal/queue"
	"github.com/Buffer0x7cd/wget2/internal/severity"
	"github.com/Buffer0x7cd/wget2/internal/stats"
)

// PluginHook lets an embedding application intercept admission: it may
// reject a URL, substitute another one, or force-accept it past the
// pattern filters.
type PluginHook func(u *iri.IRI) (alt *iri.IRI, reject, accept bool)

// Engine ties every subsystem together. One value per run.
type Engine struct {
	cfg      *config.Options
	policy   *filter.Policy
	registry *queue.Registry
	bl       *blacklist.Set
	state    *protostate.State
	Counters *stats.Counters
	recorder *convert.Recorder
	Status   *severity.Status
	Plugin   PluginHook

	fnameCfg fname.Config

	terminate atomic.Bool
	quotaUsed atomic.Int64
	ctx       context.Context
	cancel    context.CancelFunc

	inputActive atomic.Bool

	// parent rule: seed directory prefixes per hostname
	parentMu sync.Mutex
	parents  map[string][]string

	// seeded domain set for span-hosts filtering
	domains        *filter.Hosts
	excludeDomains *filter.Hosts
	seedMu         sync.Mutex
	seedHosts      []string

	// saved URL -> local path, feeds link conversion
	savedMu sync.Mutex
	saved   map[string]string

	workerWG    sync.WaitGroup
	workerCount atomic.Int32

	// -O: single output sink shared by all jobs
	outMu   sync.Mutex
	outFile *os.File
}

// New builds an Engine from parsed options.
func New(cfg *config.Options, state *protostate.State) (*Engine, error) {
	acceptRe, err := filter.NewRegexes(cfg.AcceptRegex, cfg.RegexType == "posix")
	if err != nil {
		return nil, fmt.Errorf("accept-regex: %w", err)
	}
	rejectRe, err := filter.NewRegexes(cfg.RejectRegex, cfg.RegexType == "posix")
	if err != nil {
		return nil, fmt.Errorf("reject-regex: %w", err)
	}

	e := &Engine{
		cfg: cfg,
		policy: &filter.Policy{
			Accept:      filter.NewPatterns(cfg.Accept, cfg.IgnoreCase),
			Reject:      filter.NewPatterns(cfg.Reject, cfg.IgnoreCase),
			AcceptRegex: acceptRe,
			RejectRegex: rejectRe,
		},
		registry: queue.NewRegistry(queue.Config{
			Tries:     cfg.Tries,
			WaitRetry: cfg.WaitRetry,
			Wait:      cfg.Wait,
		}),
		bl:             blacklist.New(),
		state:          state,
		Counters:       &stats.Counters{},
		recorder:       convert.NewRecorder(),
		Status:         &severity.Status{},
		parents:        make(map[string][]string),
		saved:          make(map[string]string),
		domains:        filter.NewHosts(cfg.Domains),
		excludeDomains: filter.NewHosts(cfg.ExcludeDomains),
		fnameCfg: fname.Config{
			Prefix:      cfg.DirectoryPrefix,
			HostDir:     !cfg.NoHostDirectories,
			ProtocolDir: cfg.ProtocolDirs,
			NoDirs:      cfg.NoDirectories,
			ForceDirs:   cfg.ForceDirectories,
			CutDirs:     cfg.CutDirs,
			CutGetVars:  cfg.CutFileGetVars,
			Restrict:    cfg.RestrictFileNames,
			DefaultPage: cfg.DefaultPage,
		},
	}
	if !cfg.Recursive && !cfg.ForceDirectories {
		// plain single-file fetches land in the working directory
		e.fnameCfg.NoDirs = true
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// Terminate requests a clean stop: workers finish their current response
// and exit.
func (e *Engine) Terminate() {
	if e.terminate.CompareAndSwap(false, true) {
		e.registry.WakeAll()
	}
}

// Abort additionally cancels in-flight requests (second interrupt).
func (e *Engine) Abort() {
	e.Terminate()
	e.cancel()
}

func (e *Engine) terminated() bool { return e.terminate.Load() }

// urlFlags carries admission context from referring jobs.
type urlFlags struct {
	redirect bool
	sitemap  bool
	from     *job.Job // referring job, nil for seeds
}

// AddURL runs the full admission pipeline for one candidate URL.
func (e *Engine) AddURL(base *iri.IRI, raw string, fl urlFlags) {
	u, err := iri.Parse(base, raw)
	if err != nil {
		if err != iri.ErrUnsupportedScheme {
			logging.Errorf("Cannot resolve URI '%s'", raw)
		} else {
			logging.Debugf("URL '%s' not followed (unsupported scheme)", raw)
		}
		return
	}

	ignorePatterns := false
	if e.Plugin != nil {
		alt, reject, accept := e.Plugin(u)
		if reject {
			return
		}
		if alt != nil {
			u = alt
		}
		ignorePatterns = accept
	}

	if e.cfg.HTTPSOnly && u.Scheme != "https" {
		logging.Infof("URL '%s' not followed (https-only requested)", u)
		return
	}

	// redirect bound
	if fl.redirect && fl.from != nil && e.cfg.MaxRedirect > 0 &&
		fl.from.RedirectionLevel >= e.cfg.MaxRedirect {
		logging.Infof("URL '%s' not followed (max redirections reached)", u)
		e.Status.Set(severity.Remote)
		return
	}

	// HSTS upgrade happens before the URL is deduplicated so that the
	// http and https forms collapse onto one fingerprint
	if e.cfg.HSTS && u.Scheme == "http" && !u.IsIP() && e.state.HSTS.Match(u.Host) {
		logging.Infof("HSTS in effect for %s:%s", u.Host, u.Port)
		u = u.WithScheme("https")
	}

	if !e.bl.Add(u.String()) {
		return // already seen
	}

	if !e.admitHostFilters(u, fl) {
		return
	}

	host, created := e.registry.GetOrCreate(u)
	if created && e.cfg.Recursive && e.cfg.Robots {
		robotsIRI := u.WithPath("/robots.txt")
		if e.bl.Add(robotsIRI.String()) {
			rj := job.New(robotsIRI)
			rj.Robots = true
			rj.LocalFilename = job.Discard
			e.registry.AddJob(host, rj)
		}
	}

	// admission-time pattern filtering only with --filter-urls; the
	// default defers patterns to the pre-save step
	if e.cfg.Recursive && e.cfg.FilterURLs && !ignorePatterns {
		if !e.policy.AllowFile(u.File(), u.String()) {
			logging.Debugf("not requesting '%s' (pattern filtered)", u)
			return
		}
	}

	j := job.New(u)
	j.IgnorePatterns = ignorePatterns
	j.Sitemap = fl.sitemap

	if e.cfg.OutputDocument == "" {
		j.LocalFilename = fname.Derive(u, e.fnameCfg)
	} else {
		j.LocalFilename = e.cfg.OutputDocument
	}

	if from := fl.from; from != nil {
		if fl.redirect {
			j.RedirectionLevel = from.RedirectionLevel + 1
			j.Referer = from.Referer
			j.OriginalURL = from.OriginalURL
			if j.OriginalURL == nil {
				j.OriginalURL = from.IRI
			}
			if e.cfg.OutputDocument == "" {
				j.LocalFilename = from.LocalFilename
			}
		} else {
			j.Level = from.Level + 1
			j.Referer = from.IRI
		}
	}

	// HEAD first when the content type must be probed before policy can
	// decide, and in spider / chunked modes
	if e.cfg.Spider || e.cfg.ChunkSize > 0 {
		j.HeadFirst = true
	} else if e.cfg.Recursive && !ignorePatterns && !e.policy.Accept.Empty() &&
		!e.policy.Accept.Match(u.File()) {
		j.HeadFirst = true
	}

	e.registry.AddJob(host, j)
	e.maybeSpawnWorker()
}

// admitHostFilters applies the recursive-mode host scope rules.
func (e *Engine) admitHostFilters(u *iri.IRI, fl urlFlags) bool {
	if !e.cfg.Recursive || fl.from == nil {
		// seeds always pass and widen the seeded domain set
		e.seedMu.Lock()
		e.seedHosts = append(e.seedHosts, u.Host)
		e.seedMu.Unlock()
		if e.cfg.Recursive && e.cfg.NoParent {
			e.parentMu.Lock()
			e.parents[u.Host] = append(e.parents[u.Host], u.Dir())
			e.parentMu.Unlock()
		}
		return true
	}

	if !e.cfg.SpanHosts {
		if !e.domains.Match(u.Host) && !e.isSeedHost(u.Host) {
			logging.Infof("URL '%s' not followed (no host-spanning requested)", u)
			if fl.redirect {
				e.Status.Set(severity.Remote)
			}
			return false
		}
	} else if e.excludeDomains.Match(u.Host) {
		logging.Infof("URL '%s' not followed (domain explicitly excluded)", u)
		if fl.redirect {
			e.Status.Set(severity.Remote)
		}
		return false
	}

	if e.cfg.NoParent {
		e.parentMu.Lock()
		prefixes := e.parents[u.Host]
		e.parentMu.Unlock()
		ok := false
		for _, p := range prefixes {
			if strings.HasPrefix(u.Path, p) {
				ok = true
				break
			}
		}
		if !ok {
			logging.Infof("URL '%s' not followed (parent ascending not allowed)", u)
			return false
		}
	}
	return true
}

func (e *Engine) isSeedHost(host string) bool {
	e.seedMu.Lock()
	defer e.seedMu.Unlock()
	for _, h := range e.seedHosts {
		if h == host {
			return true
		}
	}
	return false
}

// recordSaved maps a URL onto its local file for the conversion pass.
func (e *Engine) recordSaved(u *iri.IRI, local string) {
	e.savedMu.Lock()
	e.saved[u.String()] = local
	e.savedMu.Unlock()
}

func (e *Engine) resolveSaved(u *iri.IRI) (string, bool) {
	e.savedMu.Lock()
	defer e.savedMu.Unlock()
	p, ok := e.saved[u.String()]
	return p, ok
}

// addQuota reserves n body bytes against the quota, then tests it. The
// crossing response finishes; nothing new starts.
func (e *Engine) addQuota(n int64) {
	if e.cfg.Quota <= 0 {
		return
	}
	if e.quotaUsed.Add(n) >= e.cfg.Quota && !e.terminated() {
		logging.Infof("Quota of %d bytes reached - stopping", e.cfg.Quota)
		e.Terminate()
	}
}

// maybeSpawnWorker grows the pool lazily up to max-threads.
func (e *Engine) maybeSpawnWorker() {
	for {
		n := e.workerCount.Load()
		if int(n) >= e.cfg.MaxThreads || e.terminated() {
			return
		}
		if e.workerCount.CompareAndSwap(n, n+1) {
			e.workerWG.Add(1)
			id := int(n)
			go func() {
				defer e.workerWG.Done()
				newWorker(e, id).run()
			}()
			return
		}
	}
}

// Run drives the whole retrieval: seeds in, workers up, wait for
// quiescence, then the terminal phases (link conversion, state save).
func (e *Engine) Run(seeds []string) error {
	defer e.cancel()
	if e.cfg.MetricsAddress != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(e.cfg.MetricsAddress, mux); err != nil {
				logging.Errorf("metrics server: %v", err)
			}
		}()
	}

	var base *iri.IRI
	if e.cfg.Base != "" {
		b, err := iri.Parse(nil, e.cfg.Base)
		if err != nil {
			e.Status.Set(severity.ParseInit)
			return fmt.Errorf("cannot parse base URI %q: %w", e.cfg.Base, err)
		}
		base = b
	}

	if e.cfg.OutputDocument != "" && e.cfg.OutputDocument != job.ToStdout {
		f, err := os.Create(e.cfg.OutputDocument)
		if err != nil {
			e.Status.Set(severity.Io)
			return err
		}
		e.outFile = f
		defer f.Close()
	}

	for _, s := range seeds {
		e.AddURL(base, s, urlFlags{})
	}

	if e.cfg.InputFile != "" {
		e.inputActive.Store(true)
		go e.readInput(base)
	}

	// quiescence: all hosts idle and no input source remains
	for !e.terminated() {
		if e.registry.Idle() && !e.inputActive.Load() {
			e.Terminate()
			break
		}
		e.registry.WaitMain(250 * time.Millisecond)
	}

	e.registry.WakeAll()
	e.workerWG.Wait()

	if e.cfg.ConvertLinks {
		e.recorder.Convert(e.resolveSaved, e.cfg.BackupConverted)
	}

	if err := e.state.Save(); err != nil {
		logging.Errorf("saving state: %v", err)
		e.Status.Set(severity.Io)
	}

	if e.cfg.StatsFormat != "" || e.cfg.StatsFile != "" {
		if err := e.Counters.Dump(e.cfg.StatsFormat, e.cfg.StatsFile); err != nil {
			logging.Errorf("writing stats: %v", err)
			e.Status.Set(severity.Io)
		}
	}
	return nil
}

// readInput feeds URLs from -i FILE or stdin, honoring the forced
// content mode.
func (e *Engine) readInput(base *iri.IRI) {
	defer e.inputActive.Store(false)

	var r io.Reader
	if e.cfg.InputFile == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(e.cfg.InputFile)
		if err != nil {
			logging.Errorf("cannot open input file %s: %v", e.cfg.InputFile, err)
			e.Status.Set(severity.Io)
			return
		}
		defer f.Close()
		r = f
	}

	if e.cfg.Force != config.ForceNone {
		data, err := io.ReadAll(r)
		if err != nil {
			e.Status.Set(severity.Io)
			return
		}
		e.parseForced(data, base)
		return
	}

	sc := bufio.NewScanner(r)
	for sc.Scan() && !e.terminated() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			e.AddURL(base, line, urlFlags{})
		}
	}
}

// parseForced treats an input buffer as a document of the forced kind
// and admits everything it references.
func (e *Engine) parseForced(data []byte, base *iri.IRI) {
	switch e.cfg.Force {
	case config.ForceHTML:
		res, err := parser.ParseHTML(data, e.cfg.InputEncoding)
		if err != nil {
			logging.Errorf("cannot parse input as HTML: %v", err)
			return
		}
		b := base
		if res.Base != "" {
			if nb, err := iri.Parse(base, res.Base); err == nil {
				b = nb
			}
		}
		for _, ref := range res.Refs {
			e.AddURL(b, ref.URL, urlFlags{})
		}
	case config.ForceCSS:
		for _, u := range parser.ParseCSS(data).URLs {
			e.AddURL(base, u, urlFlags{})
		}
	case config.ForceSitemap:
		urls, err := parser.ParseSitemapXML(strings.NewReader(string(data)))
		if err != nil {
			logging.Errorf("cannot parse input as sitemap: %v", err)
		}
		for _, u := range urls {
			e.AddURL(base, u, urlFlags{sitemap: true})
		}
	case config.ForceAtom:
		urls, _ := parser.ParseAtom(data)
		for _, u := range urls {
			e.AddURL(base, u, urlFlags{})
		}
	case config.ForceRSS:
		urls, _ := parser.ParseRSS(data)
		for _, u := range urls {
			e.AddURL(base, u, urlFlags{})
		}
	case config.ForceMetalink:
		m, err := parser.ParseMetalink(data)
		if err != nil || len(m.Mirrors) == 0 {
			logging.Errorf("cannot parse input as metalink: %v", err)
			return
		}
		e.addMetalinkJob(m)
	}
}

// addMetalinkJob admits a parsed Metalink descriptor as a multi-part job
// on its first mirror's host.
func (e *Engine) addMetalinkJob(m *job.Metalink) {
	if len(m.Mirrors) == 0 {
		return
	}
	u := m.Mirrors[0].IRI
	if !e.bl.Add("metalink:" + u.String()) {
		return
	}
	host, _ := e.registry.GetOrCreate(u)

	j := job.New(u)
	j.Metalink = m
	name := m.Name
	if name == "" {
		name = path.Base(u.Path)
	}
	j.LocalFilename = fname.Derive(u.WithPath("/"+name), e.fnameCfg)
	j.Metalink.Name = j.LocalFilename
	j.MakeParts(e.cfg.ChunkSize)
	e.registry.AddJob(host, j)
	e.maybeSpawnWorker()
}
