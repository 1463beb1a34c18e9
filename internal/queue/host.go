// Package queue is the host registry: one entry per (scheme, host, port)
// holding the FIFO of pending jobs, the robots policy, failure counters
// and back-off state. All queue manipulation serializes on the registry
// mutex; network and disk I/O happen strictly outside it.
package queue

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Buffer0x7cd/wget2/internal/iri"
	"github.com/Buffer0x7cd/wget2/internal/job"
	"github.com/Buffer0x7cd/wget2/internal/logging"
	"github.com/Buffer0x7cd/wget2/internal/parser"
)

// Host is the canonical scheduling unit.
type Host struct {
	Key    string
	Scheme string
	Name   string
	Port   string

	jobs []*job.Job

	// robots.txt must complete before anything else on this host
	RobotJob *job.Job
	Robots   *parser.Robots

	failures     int
	nextEligible time.Time
	finalFailure bool

	limiter *rate.Limiter // --wait pacing, nil when unset
}

// Config tunes retry and pacing behaviour.
type Config struct {
	Tries     int           // consecutive failures before giving up on a host
	WaitRetry time.Duration // back-off unit between retries
	Wait      time.Duration // pause between two requests to the same host
}

// Registry maps host keys to Hosts and carries the two scheduler
// conditions: workers wait for jobs, the coordinator waits for
// completions.
type Registry struct {
	mu    sync.Mutex
	hosts map[string]*Host
	cfg   Config

	workerCond *sync.Cond
	mainCond   *sync.Cond

	queued   int // jobs sitting in some host queue
	inFlight int // jobs handed to a worker, not yet completed
	dropped  int // jobs discarded by final failure or robots deny
}

func NewRegistry(cfg Config) *Registry {
	if cfg.Tries <= 0 {
		cfg.Tries = 20
	}
	if cfg.WaitRetry <= 0 {
		cfg.WaitRetry = time.Second
	}
	r := &Registry{
		hosts: make(map[string]*Host),
		cfg:   cfg,
	}
	r.workerCond = sync.NewCond(&r.mu)
	r.mainCond = sync.NewCond(&r.mu)
	return r
}

// GetOrCreate returns the canonical Host for u, creating it on first
// sight. The created flag tells the admission layer to enqueue a robots
// job before anything else.
func (r *Registry) GetOrCreate(u *iri.IRI) (*Host, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := u.HostKey()
	if h, ok := r.hosts[key]; ok {
		return h, false
	}
	h := &Host{
		Key:    key,
		Scheme: u.Scheme,
		Name:   u.Host,
		Port:   u.Port,
	}
	if r.cfg.Wait > 0 {
		h.limiter = rate.NewLimiter(rate.Every(r.cfg.Wait), 1)
	}
	r.hosts[key] = h
	return h, true
}

// AddJob appends to the host queue and wakes a worker. Robots jobs jump
// the queue and park in the RobotJob slot.
func (r *Registry) AddJob(h *Host, j *job.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h.finalFailure {
		r.dropped++
		return
	}
	if j.Robots {
		h.RobotJob = j
	}
	h.jobs = append(h.jobs, j)
	r.queued++
	r.workerCond.Signal()
}

// allowed applies the robots deny list once the policy is known.
func (r *Registry) allowed(h *Host, j *job.Job, userAgent string) bool {
	if j.Robots || h.Robots == nil {
		return true
	}
	return h.Robots.Allowed(userAgent, j.IRI.Path)
}

// NextJob picks the next ready job. With a bound host only that host's
// queue is considered; unbound workers scan every host. The returned
// pause is non-zero when jobs exist but pacing or back-off defers them.
func (r *Registry) NextJob(h *Host, userAgent string) (*job.Job, *Host, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h != nil {
		j, pause := r.nextLocked(h, userAgent)
		if j != nil {
			return j, h, 0
		}
		return nil, h, pause
	}

	var minPause time.Duration
	for _, cand := range r.hosts {
		j, pause := r.nextLocked(cand, userAgent)
		if j != nil {
			return j, cand, 0
		}
		if pause > 0 && (minPause == 0 || pause < minPause) {
			minPause = pause
		}
	}
	return nil, nil, minPause
}

func (r *Registry) nextLocked(h *Host, userAgent string) (*job.Job, time.Duration) {
	if h.finalFailure || len(h.jobs) == 0 {
		return nil, 0
	}
	now := time.Now()
	if h.nextEligible.After(now) {
		return nil, h.nextEligible.Sub(now)
	}

	// a pending robots job gates everything else on this host
	if h.RobotJob != nil {
		if h.RobotJob.Inuse {
			return nil, 0
		}
		h.RobotJob.Inuse = true
		r.queued--
		r.inFlight++
		return h.RobotJob, 0
	}

	for i := 0; i < len(h.jobs); i++ {
		j := h.jobs[i]
		if j.Inuse {
			continue
		}
		if !r.allowed(h, j, userAgent) {
			logging.Debugf("URL %s disallowed by robots.txt", j.IRI)
			h.jobs = append(h.jobs[:i], h.jobs[i+1:]...)
			r.queued--
			r.dropped++
			i--
			continue
		}
		// multi-part jobs stay queued and hand out parts
		if len(j.Parts) > 0 {
			if p := j.TakePart(); p != nil {
				part := *j
				part.Part = p
				r.inFlight++
				return &part, 0
			}
			continue
		}
		if h.limiter != nil {
			res := h.limiter.Reserve()
			if d := res.Delay(); d > 0 {
				res.Cancel()
				return nil, d
			}
		}
		j.Inuse = true
		r.queued--
		r.inFlight++
		return j, 0
	}
	return nil, 0
}

// RemoveJob drops a completed job from its host queue and signals the
// coordinator.
func (r *Registry) RemoveJob(h *Host, j *job.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if j.Robots && h.RobotJob != nil && h.RobotJob.ID == j.ID {
		h.RobotJob = nil
	}
	for i, q := range h.jobs {
		if q.ID == j.ID {
			h.jobs = append(h.jobs[:i], h.jobs[i+1:]...)
			if !q.Inuse {
				// multi-part base jobs sit in the queue while their
				// parts are in flight; they still count as queued
				r.queued--
			}
			break
		}
	}
	if j.Inuse {
		r.inFlight--
	}
	r.mainCond.Signal()
	r.workerCond.Signal()
}

// Requeue lifts a job back into the queue for a follow-up request: a GET
// after a HEAD probe, an auth retry, or part dispatch after a HEAD turned
// the job into a multi-part download.
func (r *Registry) Requeue(h *Host, j *job.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j.Inuse = false
	r.queued++
	r.inFlight--
	r.workerCond.Broadcast()
}

// PartDone returns a finished or failed part-request. On failure the part
// goes back into rotation; once every part is done the base job leaves
// the queue and the caller runs whole-file validation.
func (r *Registry) PartDone(h *Host, j *job.Job, ok bool) (complete bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p := j.Part; p != nil {
		p.Inuse = false
		p.Done = ok
	}
	r.inFlight--

	if ok && j.PartsDone() {
		for i, q := range h.jobs {
			if q.ID == j.ID {
				h.jobs = append(h.jobs[:i], h.jobs[i+1:]...)
				r.queued--
				break
			}
		}
		complete = true
	}
	r.mainCond.Signal()
	r.workerCond.Signal()
	return complete
}

// ReleaseJobs returns a worker's in-flight jobs to the queue head after a
// connection-level abort. On a final-failed host they are dropped instead.
func (r *Registry) ReleaseJobs(h *Host) {
	if h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if h.finalFailure {
		for _, j := range h.jobs {
			if j.Inuse {
				r.inFlight--
				r.dropped++
			}
		}
		h.jobs = nil
		h.RobotJob = nil
		r.mainCond.Signal()
		return
	}

	if h.RobotJob != nil && h.RobotJob.Inuse {
		h.RobotJob.Inuse = false
		r.queued++
		r.inFlight--
	}
	for _, j := range h.jobs {
		if j.Inuse && !j.Robots {
			j.Inuse = false
			r.queued++
			r.inFlight--
		}
	}
	r.mainCond.Signal()
}

// IncreaseFailure bumps the failure counter and defers the host. After
// cfg.Tries consecutive failures the host is abandoned and its queue
// dropped.
func (r *Registry) IncreaseFailure(h *Host) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h.failures++
	n := h.failures
	if n > 10 {
		n = 10
	}
	h.nextEligible = time.Now().Add(time.Duration(n) * r.cfg.WaitRetry)

	if h.failures >= r.cfg.Tries {
		r.finalFailureLocked(h)
	}
	r.mainCond.Signal()
}

// FinalFailure abandons the host immediately (TLS handshake or
// certificate errors).
func (r *Registry) FinalFailure(h *Host) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalFailureLocked(h)
	r.mainCond.Signal()
}

func (r *Registry) finalFailureLocked(h *Host) {
	if h.finalFailure {
		return
	}
	h.finalFailure = true

	// drop everything still queued; in-flight jobs stay booked until
	// their worker releases or removes them
	kept := h.jobs[:0]
	dropped := 0
	for _, j := range h.jobs {
		if j.Inuse {
			kept = append(kept, j)
			continue
		}
		r.queued--
		r.dropped++
		dropped++
	}
	h.jobs = kept
	if h.RobotJob != nil && !h.RobotJob.Inuse {
		h.RobotJob = nil
	}
	logging.Errorf("Failed to connect to %s:%s, giving up (%d queued jobs dropped)", h.Name, h.Port, dropped)
}

// ResetFailure clears the back-off after any success.
func (r *Registry) ResetFailure(h *Host) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h.failures = 0
	h.nextEligible = time.Time{}
}

// SetRobots installs the parsed policy (nil allows every path) and wakes
// waiting workers. The robots gate itself opens when RemoveJob takes the
// robots job off the host.
func (r *Registry) SetRobots(h *Host, robots *parser.Robots) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h.Robots = robots
	r.workerCond.Broadcast()
}

// Idle reports whether no job is queued or in flight anywhere.
func (r *Registry) Idle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queued == 0 && r.inFlight == 0
}

// Dropped counts jobs discarded by robots rules or dead hosts.
func (r *Registry) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// QueuedJobs counts jobs waiting in some host queue.
func (r *Registry) QueuedJobs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queued
}

// WaitWork blocks a worker until signaled or the timeout passes. A zero
// timeout waits indefinitely.
func (r *Registry) WaitWork(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d > 0 {
		t := time.AfterFunc(d, func() { r.workerCond.Broadcast() })
		defer t.Stop()
	}
	r.workerCond.Wait()
}

// WaitMain blocks the coordinator until some worker completes a job.
func (r *Registry) WaitMain(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d > 0 {
		t := time.AfterFunc(d, func() { r.mainCond.Broadcast() })
		defer t.Stop()
	}
	r.mainCond.Wait()
}

// WakeAll releases every waiter, used at termination.
func (r *Registry) WakeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workerCond.Broadcast()
	r.mainCond.Broadcast()
}
