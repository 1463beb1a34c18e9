package downloader

import (
	"bytes"
	"compress/flate"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/Buffer0x7cd/wget2/internal/job"
	"github.com/Buffer0x7cd/wget2/internal/logging"
)

// webResponse is what a request goroutine delivers back to its worker:
// response metadata plus the already-streamed body.
type webResponse struct {
	job    *job.Job
	status int
	header http.Header
	proto2 bool

	body      []byte // in-memory copy, capped at max-memory
	bodyLen   int64  // full decoded length
	savedPath string // local file the body went to, "" if none
	truncated bool   // body exceeded the in-memory cap

	err error
}

// send builds and performs one request, streaming the body per the sink
// rules, and posts the result to the worker's response channel.
func (w *worker) send(j *job.Job) {
	r := w.doSend(j)
	w.respCh <- r
}

func (w *worker) doSend(j *job.Job) *webResponse {
	res := &webResponse{job: j}
	e := w.e

	target := j.IRI
	if j.Part != nil && j.Metalink != nil && len(j.Metalink.Mirrors) > 0 {
		// rotate mirrors so parts interleave across sources
		m := j.Metalink.Mirrors[(w.id+j.Part.ID)%len(j.Metalink.Mirrors)]
		target = m.IRI
	}

	method := http.MethodGet
	var body io.Reader
	if j.HeadFirst {
		method = http.MethodHead
	} else if j.Level == 0 && j.RedirectionLevel == 0 && (e.cfg.PostData != "" || e.cfg.PostFile != "") {
		method = http.MethodPost
		if e.cfg.PostFile != "" {
			data, err := os.ReadFile(e.cfg.PostFile)
			if err != nil {
				res.err = err
				return res
			}
			body = bytes.NewReader(data)
		} else {
			body = strings.NewReader(e.cfg.PostData)
		}
	}

	req, err := http.NewRequestWithContext(e.ctx, method, target.String(), body)
	if err != nil {
		res.err = err
		return res
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	w.setHeaders(req, j)

	resp, err := w.client.Do(req)
	if err != nil {
		res.err = err
		return res
	}
	defer resp.Body.Close()

	res.status = resp.StatusCode
	res.header = resp.Header
	res.proto2 = resp.ProtoMajor == 2

	if method == http.MethodHead {
		return res
	}

	if err := w.readBody(j, resp, res); err != nil {
		res.err = err
	}
	return res
}

// setHeaders attaches the standard request headers.
func (w *worker) setHeaders(req *http.Request, j *job.Job) {
	e := w.e
	req.Header.Set("User-Agent", e.cfg.UserAgent)
	if j.Referer != nil {
		req.Header.Set("Referer", j.Referer.String())
	}

	if e.cfg.Compression && !j.HeadFirst && j.Part == nil {
		req.Header.Set("Accept-Encoding", "gzip, deflate, br, zstd, identity")
	} else {
		req.Header.Set("Accept-Encoding", "identity")
	}
	req.Header.Set("Accept", "*/*")

	for _, h := range e.cfg.Headers {
		if name, value, ok := strings.Cut(h, ":"); ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}
	}

	if p := j.Part; p != nil {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", p.Position, p.Position+p.Length-1))
	} else if e.cfg.Continue && j.LocalFilename != "" && j.LocalFilename != job.ToStdout {
		if st, err := os.Stat(j.LocalFilename); err == nil && st.Size() > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", st.Size()))
		}
	}

	if e.cfg.Timestamping && j.LocalFilename != "" && j.LocalFilename != job.ToStdout {
		if st, err := os.Stat(j.LocalFilename); err == nil {
			req.Header.Set("If-Modified-Since", st.ModTime().UTC().Format(http.TimeFormat))
		}
	}

	if auth := w.authorization(req, j); auth != "" {
		req.Header.Set("Authorization", auth)
	}
	if j.ProxyChallenge != "" {
		if auth := buildAuth(j.ProxyChallenge, e.cfg.HTTPUser, e.cfg.HTTPPassword, req.Method, req.URL.RequestURI()); auth != "" {
			req.Header.Set("Proxy-Authorization", auth)
		}
	}
}

// authorization answers a cached challenge, preferring Digest over Basic.
func (w *worker) authorization(req *http.Request, j *job.Job) string {
	e := w.e
	if e.cfg.HTTPUser == "" {
		return ""
	}
	if j.ServerChallenge != "" {
		return buildAuth(j.ServerChallenge, e.cfg.HTTPUser, e.cfg.HTTPPassword, req.Method, req.URL.RequestURI())
	}
	return ""
}

// buildAuth constructs an Authorization value from a WWW-Authenticate
// challenge line.
func buildAuth(challenge, user, password, method, uri string) string {
	scheme, params, _ := strings.Cut(challenge, " ")
	switch strings.ToLower(scheme) {
	case "basic":
		cred := base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
		return "Basic " + cred
	case "digest":
		return digestAuth(params, user, password, method, uri)
	}
	return ""
}

// digestAuth implements RFC 7616 MD5 digest responses with qop=auth.
func digestAuth(params, user, password, method, uri string) string {
	vals := parseAuthParams(params)
	realm, nonce := vals["realm"], vals["nonce"]
	if nonce == "" {
		return ""
	}

	h := func(s string) string {
		sum := md5.Sum([]byte(s))
		return hex.EncodeToString(sum[:])
	}

	ha1 := h(user + ":" + realm + ":" + password)
	ha2 := h(method + ":" + uri)

	var response string
	nc := "00000001"
	cnonce := newCnonce()
	qop := vals["qop"]
	if strings.Contains(qop, "auth") {
		qop = "auth"
		response = h(ha1 + ":" + nonce + ":" + nc + ":" + cnonce + ":" + qop + ":" + ha2)
	} else {
		qop = ""
		response = h(ha1 + ":" + nonce + ":" + ha2)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `Digest username=%q, realm=%q, nonce=%q, uri=%q, response=%q`,
		user, realm, nonce, uri, response)
	if opaque := vals["opaque"]; opaque != "" {
		fmt.Fprintf(&sb, `, opaque=%q`, opaque)
	}
	if qop != "" {
		fmt.Fprintf(&sb, `, qop=%s, nc=%s, cnonce=%q`, qop, nc, cnonce)
	}
	return sb.String()
}

func newCnonce() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "deadbeef"
	}
	return hex.EncodeToString(b[:])
}

// parseAuthParams splits `k1="v1", k2=v2` challenge parameters.
func parseAuthParams(s string) map[string]string {
	out := make(map[string]string)
	for _, kv := range splitAuthParams(s) {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[strings.ToLower(strings.TrimSpace(k))] = strings.Trim(strings.TrimSpace(v), `"`)
		}
	}
	return out
}

// splitAuthParams splits on commas outside quoted strings.
func splitAuthParams(s string) []string {
	var parts []string
	var cur strings.Builder
	inQuote := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
			cur.WriteRune(r)
		case r == ',' && !inQuote:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

// pickStrongest chooses the strongest of possibly several challenges.
func pickStrongest(challenges []string) string {
	best := ""
	for _, c := range challenges {
		if strings.HasPrefix(strings.ToLower(c), "digest") {
			return c
		}
		if best == "" && strings.HasPrefix(strings.ToLower(c), "basic") {
			best = c
		}
	}
	return best
}

// decodeBody wraps the raw body reader per Content-Encoding.
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "", "identity":
		return resp.Body, nil
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		return zr, nil
	case "deflate":
		return flate.NewReader(resp.Body), nil
	case "br":
		return io.NopCloser(brotli.NewReader(resp.Body)), nil
	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(zr.IOReadCloser()), nil
	default:
		return resp.Body, nil
	}
}

// readBody streams the response body into its destinations: the final
// offset for parts, a local file plus the capped parse buffer otherwise.
func (w *worker) readBody(j *job.Job, resp *http.Response, res *webResponse) error {
	e := w.e

	if j.Part != nil {
		return w.readPartBody(j, resp, res)
	}

	body, err := decodeBody(resp)
	if err != nil {
		return err
	}
	defer body.Close()

	save := w.shouldSave(j, resp, res)

	var out io.Writer
	var f *os.File
	switch {
	case !save:
	case e.cfg.OutputDocument == job.ToStdout:
		e.outMu.Lock()
		defer e.outMu.Unlock()
		out = os.Stdout
		res.savedPath = job.ToStdout
	case e.outFile != nil:
		e.outMu.Lock()
		defer e.outMu.Unlock()
		out = e.outFile
		res.savedPath = e.cfg.OutputDocument
	default:
		fl := saveFlags(e)
		var used string
		f, used, err = openSave(j.LocalFilename, fl)
		if err != nil {
			if os.IsExist(err) {
				logging.Infof("File '%s' already there; not retrieving", j.LocalFilename)
				res.savedPath = j.LocalFilename
				return nil
			}
			e.reportIoError(err)
			return err
		}
		defer f.Close()
		out = f
		res.savedPath = used
	}

	memCap := e.cfg.MaxMemory
	buf := make([]byte, 64<<10)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			res.bodyLen += int64(n)
			if int64(len(res.body)) < memCap {
				room := memCap - int64(len(res.body))
				chunk := buf[:n]
				if int64(len(chunk)) > room {
					chunk = chunk[:room]
					res.truncated = true
				}
				res.body = append(res.body, chunk...)
			} else if memCap > 0 {
				res.truncated = true
			}
			if out != nil {
				if _, werr := out.Write(buf[:n]); werr != nil {
					e.reportIoError(werr)
					return werr
				}
			}
			e.Counters.AddBody(int64(n))
			e.addQuota(int64(n))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}

	if f != nil {
		finishFile(e, f.Name(), resp)
	}
	return nil
}

// readPartBody writes a byte-range response directly at its final offset.
func (w *worker) readPartBody(j *job.Job, resp *http.Response, res *webResponse) error {
	e := w.e
	p := j.Part

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		// drain so the connection stays reusable
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		return nil
	}

	if err := mkdirFor(j.Metalink.Name); err != nil {
		e.reportIoError(err)
		return err
	}
	f, err := os.OpenFile(j.Metalink.Name, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		e.reportIoError(err)
		return err
	}
	defer f.Close()

	var pieceHash hash.Hash
	var pieceSum string
	if idx := p.ID; idx < len(j.Metalink.Pieces) {
		pieceSum = j.Metalink.Pieces[idx].SHA256
	}
	if pieceSum != "" {
		pieceHash = sha256.New()
	}

	written := int64(0)
	buf := make([]byte, 64<<10)
	for written < p.Length {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if written+int64(n) > p.Length {
				n = int(p.Length - written)
			}
			if _, werr := f.WriteAt(buf[:n], p.Position+written); werr != nil {
				e.reportIoError(werr)
				return werr
			}
			if pieceHash != nil {
				pieceHash.Write(buf[:n])
			}
			written += int64(n)
			e.Counters.AddBody(int64(n))
			e.addQuota(int64(n))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	res.bodyLen = written

	if written != p.Length {
		return fmt.Errorf("part %d: got %d bytes, want %d", p.ID, written, p.Length)
	}
	if pieceHash != nil && hex.EncodeToString(pieceHash.Sum(nil)) != pieceSum {
		return fmt.Errorf("part %d: checksum mismatch", p.ID)
	}
	return nil
}

// spkiPin computes the base64 SHA-256 of a certificate's SPKI, the form
// Public-Key-Pins uses.
func spkiPin(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return base64.StdEncoding.EncodeToString(sum[:])
}
