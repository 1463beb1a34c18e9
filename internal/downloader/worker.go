package downloader

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/Buffer0x7cd/wget2/internal/logging"
	"github.com/Buffer0x7cd/wget2/internal/queue"
	"github.com/Buffer0x7cd/wget2/internal/severity"
)

type workerState int

const (
	stateGetJob workerState = iota
	stateGetResponse
	stateError
)

// worker owns one HTTP client whose connection pool it binds to a single
// host at a time, mirroring the one-connection-per-downloader design.
type worker struct {
	id int
	e  *Engine

	client    *http.Client
	transport *http.Transport

	host       *queue.Host
	pending    int
	maxPending int
	proto2     bool

	respCh chan *webResponse
}

func newWorker(e *Engine, id int) *worker {
	w := &worker{
		id:         id,
		e:          e,
		maxPending: 1,
		respCh:     make(chan *webResponse, e.cfg.HTTP2RequestWindow+1),
	}
	w.transport = newTransport(e, w)
	w.client = &http.Client{
		Transport: w.transport,
		// redirects go through admission, not through the client
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	if e.cfg.Cookies {
		w.client.Jar = e.state.Cookies
	}
	return w
}

func (w *worker) run() {
	state := stateGetJob

	for !w.e.terminated() {
		switch state {
		case stateGetJob:
			j, host, pause := w.e.registry.NextJob(w.host, w.e.cfg.UserAgent)
			if j == nil {
				if w.pending > 0 {
					state = stateGetResponse
					break
				}
				if w.host != nil {
					// queue drained: unbind and rescan every host
					w.closeIdle()
					w.host = nil
					break
				}
				if pause <= 0 || pause > time.Second {
					pause = time.Second
				}
				w.e.registry.WaitWork(pause)
				break
			}

			if w.pending == 0 {
				w.host = host
				w.maxPending = 1
			}

			// pacing between two requests to the same host
			if w.e.cfg.Wait > 0 && w.e.cfg.RandomWait {
				extra := time.Duration(rand.Int63n(int64(w.e.cfg.Wait)))
				time.Sleep(w.e.cfg.Wait/2 + extra)
				if w.e.terminated() {
					break
				}
			}

			if j.OriginalURL == nil {
				j.OriginalURL = j.IRI
			}

			w.pending++
			go w.send(j)

			if w.proto2 && w.e.cfg.Wait == 0 && j.Metalink == nil {
				w.maxPending = w.e.cfg.HTTP2RequestWindow
			}
			if w.pending >= w.maxPending {
				state = stateGetResponse
			}

		case stateGetResponse:
			r := <-w.respCh
			w.pending--

			if r.err != nil {
				w.failResponse(r)
				state = stateError
				break
			}

			w.proto2 = r.proto2
			w.e.registry.ResetFailure(w.host)
			w.process(r)
			state = stateGetJob

		case stateError:
			// drain whatever is still in flight on this connection
			for w.pending > 0 {
				r := <-w.respCh
				w.pending--
				if r.err != nil {
					w.failResponse(r)
				} else {
					w.process(r)
				}
			}
			w.closeIdle()
			w.e.registry.ReleaseJobs(w.host)
			w.host = nil
			state = stateGetJob
		}
	}

	w.closeIdle()
	// pass the termination wake-up along
	w.e.registry.WakeAll()
}

// failResponse books a transport-level failure on the host and the job.
func (w *worker) failResponse(r *webResponse) {
	j := r.job
	logging.Debugf("[%d] request for %s failed: %v", w.id, j.IRI, r.err)

	if j.Part != nil {
		w.e.registry.PartDone(w.host, j, false)
	}

	if isTLSError(r.err) {
		w.e.Status.Set(severity.Tls)
		w.e.registry.FinalFailure(w.host)
		return
	}
	w.e.Status.Set(severity.Network)

	// non-part jobs stay queued; ReleaseJobs in the error state makes
	// them eligible again and IncreaseFailure paces the retry
	w.e.registry.IncreaseFailure(w.host)
}

func (w *worker) closeIdle() {
	if w.transport != nil {
		w.transport.CloseIdleConnections()
	}
	w.proto2 = false
}

// errPinMismatch marks an HPKP validation failure; it is fatal for the
// host like any other certificate problem.
var errPinMismatch = errors.New("public key pin validation failed")

func isTLSError(err error) bool {
	if errors.Is(err, errPinMismatch) {
		return true
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var unknownAuth x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var invalidCert x509.CertificateInvalidError
	if errors.As(err, &unknownAuth) || errors.As(err, &hostnameErr) || errors.As(err, &invalidCert) {
		return true
	}
	var recordErr tls.RecordHeaderError
	return errors.As(err, &recordErr)
}

// newTransport builds the per-worker transport: timeouts from config,
// TLS setup including the pin store and the shared session cache.
func newTransport(e *Engine, w *worker) *http.Transport {
	cfg := e.cfg

	tlsCfg := &tls.Config{
		InsecureSkipVerify: !cfg.CheckCertificate,
		ClientSessionCache: e.state.Sessions,
	}
	switch cfg.SecureProtocol {
	case "TLSv1_1":
		tlsCfg.MinVersion = tls.VersionTLS11
	case "TLSv1_2":
		tlsCfg.MinVersion = tls.VersionTLS12
	case "TLSv1_3":
		tlsCfg.MinVersion = tls.VersionTLS13
	}
	if cfg.CAFile != "" {
		if pool, err := loadCertPool(cfg.CAFile); err == nil {
			tlsCfg.RootCAs = pool
		} else {
			logging.Errorf("cannot load CA certificate %s: %v", cfg.CAFile, err)
		}
	}
	if cfg.Certificate != "" && cfg.PrivateKey != "" {
		if cert, err := tls.LoadX509KeyPair(cfg.Certificate, cfg.PrivateKey); err == nil {
			tlsCfg.Certificates = []tls.Certificate{cert}
		} else {
			logging.Errorf("cannot load client certificate: %v", err)
		}
	}
	if cfg.HPKP {
		tlsCfg.VerifyPeerCertificate = e.verifyPins(w)
	}

	dialTimeout := 30 * time.Second
	if cfg.ConnectTimeout > 0 {
		dialTimeout = cfg.ConnectTimeout
	}
	headerTimeout := time.Duration(0)
	if cfg.ReadTimeout > 0 {
		headerTimeout = cfg.ReadTimeout
	}

	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: dialTimeout}).DialContext,
		TLSClientConfig:       tlsCfg,
		ForceAttemptHTTP2:     cfg.HTTP2,
		MaxIdleConnsPerHost:   cfg.HTTP2RequestWindow,
		ResponseHeaderTimeout: headerTimeout,
		DisableKeepAlives:     !cfg.KeepAlive,
		DisableCompression:    true, // decoding is the sink's job
	}
	return tr
}

func loadCertPool(fname string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	pem, err := os.ReadFile(fname)
	if err != nil {
		return nil, err
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("no certificates found")
	}
	return pool, nil
}

// verifyPins checks the served chain against the HPKP pin store.
func (e *Engine) verifyPins(w *worker) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		host := ""
		if w.host != nil {
			host = w.host.Name
		}
		pins := e.state.HPKP.Pins(host)
		if len(pins) == 0 {
			return nil
		}
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				continue
			}
			fp := spkiPin(cert)
			for _, pin := range pins {
				if fp == pin {
					return nil
				}
			}
		}
		return &url.Error{Op: "pin", URL: host, Err: errPinMismatch}
	}
}
