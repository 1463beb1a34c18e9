package stats

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	PagesFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wget2_downloads_total",
		Help: "Total number of 200/206 responses for whole files",
	})
	ChunksFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wget2_chunks_total",
		Help: "Total number of 200/206 responses for byte-range parts",
	})
	BytesFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wget2_body_bytes_total",
		Help: "Total uncompressed body bytes downloaded",
	})
)

func init() {
	prometheus.MustRegister(PagesFetched, ChunksFetched, BytesFetched)
}

// Counters is the per-run statistics record. Everything is updated with
// atomic adds from the worker pool.
type Counters struct {
	Downloads   atomic.Int64 // 200/206 responses, whole files
	Chunks      atomic.Int64 // 200/206 responses, parts
	Redirects   atomic.Int64 // 301/302/303/307/308
	NotModified atomic.Int64 // 304
	Errors      atomic.Int64
	BodyBytes   atomic.Int64 // uncompressed body bytes
}

func (c *Counters) AddResponse(code int, part bool) {
	switch {
	case (code == 200 || code == 206) && part:
		c.Chunks.Add(1)
		ChunksFetched.Inc()
	case code == 200 || code == 206:
		c.Downloads.Add(1)
		PagesFetched.Inc()
	case code == 301 || code == 302 || code == 303 || code == 307 || code == 308:
		c.Redirects.Add(1)
	case code == 304:
		c.NotModified.Add(1)
	default:
		c.Errors.Add(1)
	}
}

func (c *Counters) AddBody(n int64) {
	c.BodyBytes.Add(n)
	BytesFetched.Add(float64(n))
}

type snapshot struct {
	Downloads   int64 `json:"downloads"`
	Chunks      int64 `json:"chunks"`
	Redirects   int64 `json:"redirects"`
	NotModified int64 `json:"not_modified"`
	Errors      int64 `json:"errors"`
	BodyBytes   int64 `json:"body_bytes"`
}

func (c *Counters) snap() snapshot {
	return snapshot{
		Downloads:   c.Downloads.Load(),
		Chunks:      c.Chunks.Load(),
		Redirects:   c.Redirects.Load(),
		NotModified: c.NotModified.Load(),
		Errors:      c.Errors.Load(),
		BodyBytes:   c.BodyBytes.Load(),
	}
}

// Dump writes the counters to dest in the given format. dest "-" or ""
// means stdout. Formats: human (default), csv, json.
func (c *Counters) Dump(format, dest string) error {
	var w io.Writer = os.Stdout
	if dest != "" && dest != "-" {
		f, err := os.Create(dest)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return c.Write(w, format)
}

func (c *Counters) Write(w io.Writer, format string) error {
	s := c.snap()
	switch strings.ToLower(format) {
	case "", "human":
		fmt.Fprintf(w, "Downloaded: %d files, %d redirects, %d not modified, %d errors (%d chunks, %d bytes)\n",
			s.Downloads, s.Redirects, s.NotModified, s.Errors, s.Chunks, s.BodyBytes)
	case "csv":
		fmt.Fprintln(w, "downloads,chunks,redirects,not_modified,errors,body_bytes")
		fmt.Fprintf(w, "%d,%d,%d,%d,%d,%d\n", s.Downloads, s.Chunks, s.Redirects, s.NotModified, s.Errors, s.BodyBytes)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	default:
		return fmt.Errorf("unknown stats format %q", format)
	}
	return nil
}
