// Package scheduler runs chunk work units on a bounded worker pool with
// classified retries and exponential backoff.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/withObsrvr/obsrvr-volume-copier/internal/grid"
)

// ErrAborted wraps the error that stopped a run.
var ErrAborted = errors.New("run aborted")

// Decision is the classifier verdict for an executor error.
type Decision int

const (
	// Fail marks the unit failed; the run continues.
	Fail Decision = iota
	// Retry re-runs the unit after a backoff until MaxAttempts is reached.
	Retry
	// Abort fails the unit and stops dispatching new units.
	Abort
)

func (d Decision) String() string {
	switch d {
	case Retry:
		return "retry"
	case Abort:
		return "abort"
	default:
		return "fail"
	}
}

// Classifier maps executor errors onto decisions.
type Classifier func(err error) Decision

// Executor processes one unit. The context it receives is never cancelled
// by the run; it ends when the executor returns.
type Executor func(ctx context.Context, addr grid.ChunkAddress) error

// Observer is called after each transition into Retrying, Succeeded or
// Failed, and when a unit waiting in backoff returns to Pending. Calls
// come from worker goroutines.
type Observer func(u WorkUnit)

// Config holds the worker pool and retry policy.
type Config struct {
	Concurrency int           `yaml:"concurrency"`
	MaxAttempts int           `yaml:"max_retries"` // total attempts per unit, including the first
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
	Jitter      float64       `yaml:"jitter"` // randomization factor in [0,1)
}

// DefaultConfig returns the defaults used when fields are zero.
func DefaultConfig() Config {
	return Config{
		Concurrency: 4,
		MaxAttempts: 3,
		BackoffBase: 500 * time.Millisecond,
		BackoffCap:  30 * time.Second,
		Jitter:      0.2,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Concurrency < 1 {
		c.Concurrency = def.Concurrency
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffCap < c.BackoffBase {
		c.BackoffCap = c.BackoffBase
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = def.Jitter
	}
	return c
}

// Scheduler dispatches work units.
type Scheduler struct {
	cfg      Config
	classify Classifier
	observe  Observer
	logger   *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithObserver installs a transition hook.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observe = o }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a scheduler. A nil classifier fails every error.
func New(cfg Config, classify Classifier, opts ...Option) *Scheduler {
	if classify == nil {
		classify = func(error) Decision { return Fail }
	}
	s := &Scheduler{
		cfg:      cfg.withDefaults(),
		classify: classify,
		observe:  func(WorkUnit) {},
		logger:   slog.With("component", "scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// Result describes a finished run.
type Result struct {
	Table     *Table
	Aborted   bool
	Cancelled bool
	Elapsed   time.Duration
}

// Run executes exec for every address in sorted order with at most
// Concurrency units in flight and returns once every dispatched unit has
// settled. After ctx is done nothing new is dispatched, in-flight units
// finish, and units waiting in backoff return to Pending. An Abort
// decision does the same and Run returns the aborting error wrapped in
// ErrAborted.
func (s *Scheduler) Run(ctx context.Context, addrs []grid.ChunkAddress, exec Executor) (*Result, error) {
	start := time.Now()
	table := NewTable(addrs)

	stopCtx, stop := context.WithCancel(ctx)
	defer stop()
	execCtx := context.WithoutCancel(ctx)

	var (
		abortOnce sync.Once
		abortErr  error
	)
	abort := func(err error) {
		abortOnce.Do(func() {
			abortErr = err
			stop()
		})
	}

	sem := make(chan struct{}, s.cfg.Concurrency)
	var wg sync.WaitGroup

dispatch:
	for _, addr := range table.Addresses() {
		select {
		case sem <- struct{}{}:
		case <-stopCtx.Done():
			break dispatch
		}
		if stopCtx.Err() != nil {
			<-sem
			break dispatch
		}
		wg.Add(1)
		go func(addr grid.ChunkAddress) {
			defer wg.Done()
			defer func() { <-sem }()
			s.runUnit(stopCtx, execCtx, table, addr, exec, abort)
		}(addr)
	}
	wg.Wait()

	res := &Result{
		Table:     table,
		Aborted:   abortErr != nil,
		Cancelled: ctx.Err() != nil,
		Elapsed:   time.Since(start),
	}
	if abortErr != nil {
		return res, fmt.Errorf("%w: %w", ErrAborted, abortErr)
	}
	return res, nil
}

func (s *Scheduler) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.BackoffBase
	b.MaxInterval = s.cfg.BackoffCap
	b.RandomizationFactor = s.cfg.Jitter
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// runUnit drives one address until it settles or the run stops while it
// waits in backoff. The worker keeps its slot during backoff.
func (s *Scheduler) runUnit(stopCtx, execCtx context.Context, table *Table, addr grid.ChunkAddress, exec Executor, abort func(error)) {
	logger := s.logger.With("chunk", addr.String())
	bo := s.newBackOff()

	for {
		u, err := table.Acquire(addr)
		if err != nil {
			logger.Error("acquire work unit", "error", err)
			return
		}

		err = exec(execCtx, addr)
		if err == nil {
			s.observe(table.transition(addr, Succeeded, ""))
			return
		}

		switch s.classify(err) {
		case Abort:
			logger.Error("aborting run", "attempt", u.Attempts, "error", err)
			s.observe(table.transition(addr, Failed, err.Error()))
			abort(err)
			return
		case Fail:
			logger.Warn("chunk failed", "attempt", u.Attempts, "error", err)
			s.observe(table.transition(addr, Failed, err.Error()))
			return
		}

		if u.Attempts >= s.cfg.MaxAttempts {
			logger.Warn("chunk failed after retries", "attempts", u.Attempts, "error", err)
			s.observe(table.transition(addr, Failed, err.Error()))
			return
		}

		wait := bo.NextBackOff()
		logger.Debug("retrying chunk", "attempt", u.Attempts, "backoff", wait, "error", err)
		s.observe(table.transition(addr, Retrying, err.Error()))

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-stopCtx.Done():
			timer.Stop()
			s.observe(table.transition(addr, Pending, err.Error()))
			return
		}
	}
}
