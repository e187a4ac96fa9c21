package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// ErrLaneFull is returned when a conversation already has too many runs waiting.
var ErrLaneFull = errors.New("too many pending runs for this conversation")

const (
	defaultMaxConcurrent = 4
	defaultMaxPending    = 32
)

// RunFunc executes one run. *Loop.Run satisfies it.
type RunFunc func(ctx context.Context, req RunRequest) (*RunResult, error)

// RunOutcome is delivered once per scheduled run.
type RunOutcome struct {
	Result *RunResult
	Err    error
}

// Scheduler runs requests for the same conversation one at a time, in
// arrival order, while different conversations proceed in parallel up to
// a global limit.
type Scheduler struct {
	run        RunFunc
	slots      chan struct{}
	maxPending int

	mu    sync.Mutex
	lanes map[string]*lane
	wg    sync.WaitGroup
}

type lane struct {
	pending []job
	running bool
}

type job struct {
	ctx context.Context
	req RunRequest
	out chan RunOutcome
}

// SchedulerOption customises a Scheduler.
type SchedulerOption func(*Scheduler)

// WithMaxConcurrent caps runs in flight across all conversations.
func WithMaxConcurrent(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.slots = make(chan struct{}, n)
		}
	}
}

// WithMaxPending caps queued runs per conversation.
func WithMaxPending(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxPending = n
		}
	}
}

func NewScheduler(run RunFunc, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		run:        run,
		slots:      make(chan struct{}, defaultMaxConcurrent),
		maxPending: defaultMaxPending,
		lanes:      make(map[string]*lane),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule queues req behind earlier runs for the same conversation. The
// returned channel receives exactly one outcome.
func (s *Scheduler) Schedule(ctx context.Context, req RunRequest) <-chan RunOutcome {
	out := make(chan RunOutcome, 1)
	key := req.Identity.Key()

	s.mu.Lock()
	ln, ok := s.lanes[key]
	if !ok {
		ln = &lane{}
		s.lanes[key] = ln
	}
	if len(ln.pending) >= s.maxPending {
		s.mu.Unlock()
		out <- RunOutcome{Err: ErrLaneFull}
		return out
	}
	ln.pending = append(ln.pending, job{ctx: ctx, req: req, out: out})
	start := !ln.running
	ln.running = true
	if start {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	if start {
		go s.drain(key, ln)
	}
	return out
}

// Pending reports how many runs wait behind the active one for key.
func (s *Scheduler) Pending(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ln, ok := s.lanes[key]; ok {
		return len(ln.pending)
	}
	return 0
}

// Wait blocks until every scheduled run has finished.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) drain(key string, ln *lane) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(ln.pending) == 0 {
			ln.running = false
			delete(s.lanes, key)
			s.mu.Unlock()
			return
		}
		j := ln.pending[0]
		ln.pending = ln.pending[1:]
		s.mu.Unlock()

		j.out <- s.execute(j)
	}
}

func (s *Scheduler) execute(j job) (outcome RunOutcome) {
	select {
	case s.slots <- struct{}{}:
	case <-j.ctx.Done():
		return RunOutcome{Err: j.ctx.Err()}
	}
	defer func() { <-s.slots }()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("agent run panicked", "session", j.req.Identity.Key(), "panic", r, "stack", string(debug.Stack()))
			outcome = RunOutcome{Err: fmt.Errorf("agent run panicked: %v", r)}
		}
	}()
	res, err := s.run(j.ctx, j.req)
	return RunOutcome{Result: res, Err: err}
}
