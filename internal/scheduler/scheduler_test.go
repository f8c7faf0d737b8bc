package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/withObsrvr/obsrvr-volume-copier/internal/grid"
)

var (
	errFlaky  = errors.New("flaky")
	errFatal  = errors.New("fatal")
	errSystem = errors.New("systemic")
)

func classify(err error) Decision {
	switch {
	case errors.Is(err, errFlaky):
		return Retry
	case errors.Is(err, errSystem):
		return Abort
	default:
		return Fail
	}
}

func addresses(n int) []grid.ChunkAddress {
	out := make([]grid.ChunkAddress, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, grid.ChunkAddress{X: int64(i % 10), Y: int64(i / 10 % 10), Z: int64(i / 100)})
	}
	return out
}

func fastConfig(concurrency, attempts int) Config {
	return Config{
		Concurrency: concurrency,
		MaxAttempts: attempts,
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
		Jitter:      0.1,
	}
}

func TestTableAcquire(t *testing.T) {
	a := grid.ChunkAddress{X: 1}
	table := NewTable([]grid.ChunkAddress{a, a})
	if table.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", table.Len())
	}
	if _, err := table.Acquire(a); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := table.Acquire(a); !errors.Is(err, ErrAlreadyInFlight) {
		t.Errorf("second Acquire() error = %v, want ErrAlreadyInFlight", err)
	}
	table.transition(a, Succeeded, "")
	if _, err := table.Acquire(a); !errors.Is(err, ErrTerminal) {
		t.Errorf("Acquire() after success error = %v, want ErrTerminal", err)
	}
	if _, err := table.Acquire(grid.ChunkAddress{X: 2}); !errors.Is(err, ErrUnknownUnit) {
		t.Errorf("Acquire(unknown) error = %v, want ErrUnknownUnit", err)
	}
}

// TestRunStress runs 1000 flaky units with 8 workers and checks that no
// address is ever executed twice at once and that the pool bound holds.
func TestRunStress(t *testing.T) {
	const n, workers, attempts = 1000, 8, 4
	var (
		mu       sync.Mutex
		active   = make(map[grid.ChunkAddress]int)
		calls    = make(map[grid.ChunkAddress]int)
		inFlight int32
		peak     int32
		overlap  int32
	)
	exec := func(ctx context.Context, addr grid.ChunkAddress) error {
		cur := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			p := atomic.LoadInt32(&peak)
			if cur <= p || atomic.CompareAndSwapInt32(&peak, p, cur) {
				break
			}
		}

		mu.Lock()
		active[addr]++
		if active[addr] > 1 {
			atomic.AddInt32(&overlap, 1)
		}
		calls[addr]++
		call := calls[addr]
		mu.Unlock()

		time.Sleep(50 * time.Microsecond)

		mu.Lock()
		active[addr]--
		mu.Unlock()

		h := addr.X + 3*addr.Y + 7*addr.Z
		switch {
		case h%11 == 0:
			return errFlaky // never recovers
		case h%5 == 0 && call < 3:
			return errFlaky
		case h%13 == 0:
			return errFatal
		}
		return nil
	}

	var observed int32
	s := New(fastConfig(workers, attempts), classify, WithObserver(func(u WorkUnit) {
		if u.State.Terminal() {
			atomic.AddInt32(&observed, 1)
		}
	}))
	res, err := s.Run(context.Background(), addresses(n), exec)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if overlap != 0 {
		t.Errorf("%d overlapping executions of the same address", overlap)
	}
	if peak > workers {
		t.Errorf("peak concurrency %d exceeds %d", peak, workers)
	}
	counts := res.Table.Counts()
	if counts[Succeeded]+counts[Failed] != n {
		t.Errorf("settled = %d, want %d (counts %v)", counts[Succeeded]+counts[Failed], n, counts)
	}
	if int(observed) != n {
		t.Errorf("observer saw %d terminal transitions, want %d", observed, n)
	}
	for _, u := range res.Table.Snapshot() {
		if u.Attempts > attempts {
			t.Errorf("%s ran %d attempts, cap %d", u.Address, u.Attempts, attempts)
		}
		if calls[u.Address] != u.Attempts {
			t.Errorf("%s executed %d times, table says %d", u.Address, calls[u.Address], u.Attempts)
		}
	}
}

func TestRetryBound(t *testing.T) {
	var calls int32
	s := New(fastConfig(2, 3), classify)
	res, err := s.Run(context.Background(), addresses(4), func(context.Context, grid.ChunkAddress) error {
		atomic.AddInt32(&calls, 1)
		return errFlaky
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if calls != 12 {
		t.Errorf("executor called %d times, want 12", calls)
	}
	for _, u := range res.Table.Snapshot() {
		if u.State != Failed || u.Attempts != 3 {
			t.Errorf("%s: state %s attempts %d, want failed after 3", u.Address, u.State, u.Attempts)
		}
	}
}

func TestRetryThenSucceed(t *testing.T) {
	var calls int32
	s := New(fastConfig(1, 5), classify)
	res, err := s.Run(context.Background(), addresses(1), func(context.Context, grid.ChunkAddress) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errFlaky
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	u := res.Table.Snapshot()[0]
	if u.State != Succeeded || u.Attempts != 3 {
		t.Errorf("unit = %+v, want succeeded on attempt 3", u)
	}
}

func TestFailIsImmediate(t *testing.T) {
	s := New(fastConfig(1, 5), classify)
	res, err := s.Run(context.Background(), addresses(1), func(context.Context, grid.ChunkAddress) error {
		return errFatal
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if u := res.Table.Snapshot()[0]; u.State != Failed || u.Attempts != 1 || u.Reason != "fatal" {
		t.Errorf("unit = %+v", u)
	}
}

func TestAbortStopsDispatch(t *testing.T) {
	var calls []grid.ChunkAddress
	addrs := addresses(10)
	s := New(fastConfig(1, 3), classify)
	res, err := s.Run(context.Background(), addrs, func(_ context.Context, addr grid.ChunkAddress) error {
		calls = append(calls, addr)
		if len(calls) == 3 {
			return fmt.Errorf("write: %w", errSystem)
		}
		return nil
	})
	if !errors.Is(err, ErrAborted) || !errors.Is(err, errSystem) {
		t.Fatalf("Run() error = %v, want ErrAborted wrapping the cause", err)
	}
	if !res.Aborted {
		t.Error("Result.Aborted = false")
	}
	if len(calls) != 3 {
		t.Errorf("executor called %d times after abort, want 3", len(calls))
	}
	counts := res.Table.Counts()
	if counts[Succeeded] != 2 || counts[Failed] != 1 || counts[Pending] != 7 {
		t.Errorf("counts = %v", counts)
	}
}

func TestCancelLetsInFlightFinish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	var execErrs []error
	var mu sync.Mutex

	s := New(fastConfig(2, 3), classify)
	done := make(chan *Result)
	go func() {
		res, _ := s.Run(ctx, addresses(10), func(ectx context.Context, addr grid.ChunkAddress) error {
			started <- struct{}{}
			<-release
			mu.Lock()
			execErrs = append(execErrs, ectx.Err())
			mu.Unlock()
			return nil
		})
		done <- res
	}()

	<-started
	<-started
	cancel()
	close(release)
	res := <-done

	if !res.Cancelled {
		t.Error("Result.Cancelled = false")
	}
	for _, e := range execErrs {
		if e != nil {
			t.Errorf("executor context error = %v, want nil", e)
		}
	}
	counts := res.Table.Counts()
	if counts[Succeeded] != 2 || counts[Pending] != 8 {
		t.Errorf("counts = %v, want 2 succeeded and 8 pending", counts)
	}
}

func TestCancelDuringBackoffReturnsToPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{Concurrency: 1, MaxAttempts: 5, BackoffBase: time.Hour, BackoffCap: time.Hour}
	retrying := make(chan struct{})
	s := New(cfg, classify, WithObserver(func(u WorkUnit) {
		if u.State == Retrying {
			close(retrying)
		}
	}))

	done := make(chan *Result)
	go func() {
		res, _ := s.Run(ctx, addresses(1), func(context.Context, grid.ChunkAddress) error { return errFlaky })
		done <- res
	}()
	<-retrying
	cancel()

	select {
	case res := <-done:
		u := res.Table.Snapshot()[0]
		if u.State != Pending || u.Attempts != 1 {
			t.Errorf("unit = %+v, want pending after 1 attempt", u)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestRunIsDeterministicWithOneWorker(t *testing.T) {
	addrs := addresses(30)
	// Reverse so Run has to sort.
	for i, j := 0, len(addrs)-1; i < j; i, j = i+1, j-1 {
		addrs[i], addrs[j] = addrs[j], addrs[i]
	}
	var order []grid.ChunkAddress
	s := New(fastConfig(1, 1), classify)
	if _, err := s.Run(context.Background(), addrs, func(_ context.Context, a grid.ChunkAddress) error {
		order = append(order, a)
		return nil
	}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for i := 1; i < len(order); i++ {
		if !order[i-1].Less(order[i]) {
			t.Fatalf("dispatch order not sorted at %d: %s then %s", i, order[i-1], order[i])
		}
	}
}
