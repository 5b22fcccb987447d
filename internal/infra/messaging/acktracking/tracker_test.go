package acktracking_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/binlog-relay/internal/infra/messaging/acktracking"
	"github.com/ahrav/binlog-relay/pkg/common/logger"
	"github.com/ahrav/binlog-relay/pkg/common/timeutil"
)

type recordingTerminator struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordingTerminator) Terminate(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingTerminator) calls() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func newTracker(t *testing.T, cfg acktracking.Config, opts ...acktracking.Option) (*acktracking.Tracker[int], *recordingTerminator) {
	t.Helper()

	term := new(recordingTerminator)
	opts = append([]acktracking.Option{acktracking.WithLogger(logger.Noop())}, opts...)
	tr, err := acktracking.NewTracker[int](cfg, term, opts...)
	require.NoError(t, err)
	return tr, term
}

func submitAll(t *testing.T, tr *acktracking.Tracker[int], positions ...int) {
	t.Helper()
	for _, p := range positions {
		_, err := tr.Submit(context.Background(), p)
		require.NoError(t, err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     acktracking.Config
		wantErr bool
	}{
		{name: "defaults", cfg: acktracking.DefaultConfig()},
		{name: "zero capacity", cfg: acktracking.Config{Capacity: 0, CompletionThreshold: 0.5}, wantErr: true},
		{name: "threshold above one", cfg: acktracking.Config{Capacity: 1, CompletionThreshold: 1.1}, wantErr: true},
		{name: "negative threshold", cfg: acktracking.Config{Capacity: 1, CompletionThreshold: -0.1}, wantErr: true},
		{name: "negative timeout", cfg: acktracking.Config{Capacity: 1, InflightTimeout: -time.Second}, wantErr: true},
		{name: "threshold bounds inclusive", cfg: acktracking.Config{Capacity: 1, CompletionThreshold: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := acktracking.DefaultConfig()
	assert.Equal(t, 1000, cfg.Capacity)
	assert.Equal(t, 0.9, cfg.CompletionThreshold)
	assert.Zero(t, cfg.InflightTimeout)
}

func TestNewTrackerRequiresTerminatorWithTimeout(t *testing.T) {
	_, err := acktracking.NewTracker[int](acktracking.Config{Capacity: 1, InflightTimeout: time.Second}, nil)
	assert.Error(t, err)

	_, err = acktracking.NewTracker[int](acktracking.Config{Capacity: 1}, nil)
	assert.NoError(t, err)
}

func TestSubmitReturnsSubmissionTime(t *testing.T) {
	clock := timeutil.NewMock(time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC))
	tr, _ := newTracker(t, acktracking.Config{Capacity: 4}, acktracking.WithTimeProvider(clock))

	sentAt, err := tr.Submit(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), sentAt)

	head, ok := tr.Head()
	require.True(t, ok)
	assert.Equal(t, 1, head)
}

func TestSubmitRejectsDuplicatePosition(t *testing.T) {
	tr, _ := newTracker(t, acktracking.Config{Capacity: 4})
	submitAll(t, tr, 1)

	_, err := tr.Submit(context.Background(), 1)
	assert.ErrorIs(t, err, acktracking.ErrDuplicatePosition)
	assert.Equal(t, 1, tr.Size())
}

func TestCompleteInOrderAdvancesEveryTime(t *testing.T) {
	tr, _ := newTracker(t, acktracking.Config{Capacity: 10})
	submitAll(t, tr, 1, 2, 3)

	for _, p := range []int{1, 2, 3} {
		cursor, advanced, err := tr.Complete(p)
		require.NoError(t, err)
		assert.True(t, advanced)
		assert.Equal(t, p, cursor)
	}

	assert.Zero(t, tr.Size())
	_, ok := tr.Head()
	assert.False(t, ok, "head must be undefined once the tracker is empty")
}

func TestNonHeadCompletionDefersCursor(t *testing.T) {
	tr, _ := newTracker(t, acktracking.Config{Capacity: 10})
	submitAll(t, tr, 1, 2, 3)

	for _, p := range []int{2, 3} {
		_, advanced, err := tr.Complete(p)
		require.NoError(t, err)
		assert.False(t, advanced, "completing %d must not advance while 1 is pending", p)
	}
	assert.Equal(t, 3, tr.Size())

	head, ok := tr.Head()
	require.True(t, ok)
	assert.Equal(t, 1, head)

	cursor, advanced, err := tr.Complete(1)
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, 3, cursor)
	assert.Zero(t, tr.Size())
}

func TestSweepStopsAtFirstPendingEntry(t *testing.T) {
	tr, _ := newTracker(t, acktracking.Config{Capacity: 10})
	submitAll(t, tr, 10, 20, 30, 40, 50)

	for _, p := range []int{20, 40, 50} {
		_, _, err := tr.Complete(p)
		require.NoError(t, err)
	}

	cursor, advanced, err := tr.Complete(10)
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, 20, cursor)

	head, ok := tr.Head()
	require.True(t, ok)
	assert.Equal(t, 30, head)
	assert.Equal(t, 3, tr.Size())
	assert.InDelta(t, 2.0/3.0, tr.CompletionPercentage(), 1e-9)

	cursor, advanced, err = tr.Complete(30)
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, 50, cursor)
}

func TestCompleteUnknownPositionIsContractViolation(t *testing.T) {
	tr, _ := newTracker(t, acktracking.Config{Capacity: 10})
	submitAll(t, tr, 1, 2)

	_, _, err := tr.Complete(99)
	assert.ErrorIs(t, err, acktracking.ErrUnknownPosition)

	_, advanced, err := tr.Complete(1)
	require.NoError(t, err)
	require.True(t, advanced)

	// 1 has been retired; acknowledging it again is a broken pairing.
	_, advanced, err = tr.Complete(1)
	assert.ErrorIs(t, err, acktracking.ErrUnknownPosition)
	assert.False(t, advanced)
	assert.Equal(t, 1, tr.Size())
}

func TestRepeatCompletionOfPendingEntryIsIdempotent(t *testing.T) {
	tr, _ := newTracker(t, acktracking.Config{Capacity: 10})
	submitAll(t, tr, 1, 2)

	for range 2 {
		_, advanced, err := tr.Complete(2)
		require.NoError(t, err)
		assert.False(t, advanced)
	}
	assert.Equal(t, 0.5, tr.CompletionPercentage())
}

func TestCompletionPercentageEmpty(t *testing.T) {
	tr, _ := newTracker(t, acktracking.Config{Capacity: 10})
	assert.Zero(t, tr.CompletionPercentage())
}

// TestCursorOrderingUnderRandomCompletion checks that for any completion order
// every returned cursor was submitted, everything up to it has been completed,
// and successive cursors strictly increase.
func TestCursorOrderingUnderRandomCompletion(t *testing.T) {
	const n = 200

	for seed := uint64(1); seed <= 20; seed++ {
		rng := rand.New(rand.NewPCG(seed, seed*31))

		tr, _ := newTracker(t, acktracking.Config{Capacity: n})
		positions := make([]int, n)
		for i := range positions {
			positions[i] = (i + 1) * 3
		}
		submitAll(t, tr, positions...)

		order := append([]int(nil), positions...)
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		completed := make(map[int]bool, n)
		last := 0
		for _, p := range order {
			cursor, advanced, err := tr.Complete(p)
			require.NoError(t, err)
			completed[p] = true

			if !advanced {
				continue
			}
			require.Greater(t, cursor, last, "seed %d: cursor must strictly increase", seed)
			require.Zero(t, cursor%3, "seed %d: cursor %d was never submitted", seed, cursor)
			for _, q := range positions {
				if q > cursor {
					break
				}
				require.True(t, completed[q], "seed %d: cursor %d passed pending position %d", seed, cursor, q)
			}
			last = cursor
		}

		assert.Equal(t, positions[n-1], last)
		assert.Zero(t, tr.Size())
	}
}

func TestConcurrentCompletions(t *testing.T) {
	const n = 1000
	tr, term := newTracker(t, acktracking.Config{Capacity: n, CompletionThreshold: 0.9, InflightTimeout: time.Hour})

	positions := make([]int, n)
	for i := range positions {
		positions[i] = i + 1
	}
	submitAll(t, tr, positions...)

	var (
		mu      sync.Mutex
		cursors []int
		wg      sync.WaitGroup
	)
	for _, p := range positions {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			cursor, advanced, err := tr.Complete(p)
			assert.NoError(t, err)
			if advanced {
				mu.Lock()
				cursors = append(cursors, cursor)
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	require.NotEmpty(t, cursors)
	maxCursor := 0
	for _, c := range cursors {
		maxCursor = max(maxCursor, c)
	}
	assert.Equal(t, n, maxCursor)
	assert.Zero(t, tr.Size())
	assert.Empty(t, term.calls())
}

func TestSubmitBlocksWhileFull(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr, _ := newTracker(t, acktracking.Config{Capacity: 2})
		submitAll(t, tr, 1, 2)
		require.True(t, tr.IsFull())

		var done atomic.Bool
		go func() {
			_, err := tr.Submit(context.Background(), 3)
			assert.NoError(t, err)
			done.Store(true)
		}()

		synctest.Wait()
		assert.False(t, done.Load(), "submit must block while the tracker is full")

		// A non-head completion frees nothing.
		_, _, err := tr.Complete(2)
		require.NoError(t, err)
		synctest.Wait()
		assert.False(t, done.Load())

		cursor, advanced, err := tr.Complete(1)
		require.NoError(t, err)
		require.True(t, advanced)
		assert.Equal(t, 2, cursor)

		synctest.Wait()
		assert.True(t, done.Load())
		assert.Equal(t, 1, tr.Size())
	})
}

func TestFreedCapacityAdmitsOnlyAsManyWaitersAsFit(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr, _ := newTracker(t, acktracking.Config{Capacity: 2})
		submitAll(t, tr, 1, 2)

		var admitted atomic.Int32
		for _, p := range []int{3, 4} {
			go func(p int) {
				if _, err := tr.Submit(context.Background(), p); err == nil {
					admitted.Add(1)
				}
			}(p)
		}
		synctest.Wait()
		require.Zero(t, admitted.Load())

		_, _, err := tr.Complete(1)
		require.NoError(t, err)
		synctest.Wait()

		assert.Equal(t, int32(1), admitted.Load(), "one slot freed, one waiter admitted")
		assert.Equal(t, 2, tr.Size())
		assert.True(t, tr.IsFull())

		// Release the remaining waiter so the bubble can exit.
		tr.Close()
		synctest.Wait()
	})
}

func TestFreedCapacityWakesAllWaiters(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr, _ := newTracker(t, acktracking.Config{Capacity: 3})
		submitAll(t, tr, 1, 2, 3)

		var admitted atomic.Int32
		for _, p := range []int{4, 5, 6} {
			go func(p int) {
				if _, err := tr.Submit(context.Background(), p); err == nil {
					admitted.Add(1)
				}
			}(p)
		}
		synctest.Wait()

		for _, p := range []int{3, 2, 1} {
			_, _, err := tr.Complete(p)
			require.NoError(t, err)
		}
		synctest.Wait()

		assert.Equal(t, int32(3), admitted.Load())
		assert.Equal(t, 3, tr.Size())
	})
}

func TestSubmitHonoursContextCancellation(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr, _ := newTracker(t, acktracking.Config{Capacity: 1})
		submitAll(t, tr, 1)

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() {
			_, err := tr.Submit(ctx, 2)
			errCh <- err
		}()

		synctest.Wait()
		cancel()
		assert.ErrorIs(t, <-errCh, context.Canceled)
		assert.Equal(t, 1, tr.Size())
	})
}

func TestCloseReleasesBlockedSubmitters(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr, _ := newTracker(t, acktracking.Config{Capacity: 1})
		submitAll(t, tr, 1)

		errCh := make(chan error, 1)
		go func() {
			_, err := tr.Submit(context.Background(), 2)
			errCh <- err
		}()

		synctest.Wait()
		tr.Close()
		assert.ErrorIs(t, <-errCh, acktracking.ErrClosed)

		// In-flight sends can still drain after close.
		_, advanced, err := tr.Complete(1)
		require.NoError(t, err)
		assert.True(t, advanced)
	})
}

func TestStuckHeadTriggersTermination(t *testing.T) {
	clock := timeutil.NewMock(time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC))
	tr, term := newTracker(t,
		acktracking.Config{Capacity: 3, CompletionThreshold: 0.6, InflightTimeout: 50 * time.Millisecond},
		acktracking.WithTimeProvider(clock),
	)
	submitAll(t, tr, 1, 2, 3)

	for _, p := range []int{2, 3} {
		_, _, err := tr.Complete(p)
		require.NoError(t, err)
	}
	require.Empty(t, term.calls(), "head is not stale yet")

	clock.Advance(51 * time.Millisecond)

	_, advanced, err := tr.Complete(2)
	require.NoError(t, err, "complete must finish cleanly even when terminating")
	assert.False(t, advanced)

	calls := term.calls()
	require.Len(t, calls, 1)

	var stuck *acktracking.StuckHeadError
	require.True(t, errors.As(calls[0], &stuck))
	assert.Equal(t, 1, stuck.Position)
	assert.Equal(t, 50*time.Millisecond, stuck.Timeout)
	assert.Equal(t, 51*time.Millisecond, stuck.Staleness)
	assert.Contains(t, stuck.Error(), "50ms")

	// The same stuck head is reported once.
	_, _, err = tr.Complete(3)
	require.NoError(t, err)
	assert.Len(t, term.calls(), 1)
}

func TestStuckHeadWithWallClock(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr, term := newTracker(t, acktracking.Config{
			Capacity:            3,
			CompletionThreshold: 0.6,
			InflightTimeout:     50 * time.Millisecond,
		})
		submitAll(t, tr, 1, 2, 3)
		for _, p := range []int{2, 3} {
			_, _, err := tr.Complete(p)
			require.NoError(t, err)
		}

		time.Sleep(60 * time.Millisecond)

		_, _, err := tr.Complete(3)
		require.NoError(t, err)
		require.Len(t, term.calls(), 1)
		assert.Contains(t, term.calls()[0].Error(), "position 1")
	})
}

func TestStuckHeadGuards(t *testing.T) {
	tests := []struct {
		name      string
		cfg       acktracking.Config
		submit    []int
		complete  []int
		advance   time.Duration
		wantCalls int
	}{
		{
			name:     "timeout disabled",
			cfg:      acktracking.Config{Capacity: 3, CompletionThreshold: 0.6, InflightTimeout: 0},
			submit:   []int{1, 2, 3},
			complete: []int{2, 3},
			advance:  time.Hour,
		},
		{
			name:     "completion ratio below threshold",
			cfg:      acktracking.Config{Capacity: 3, CompletionThreshold: 0.9, InflightTimeout: 50 * time.Millisecond},
			submit:   []int{1, 2, 3},
			complete: []int{2, 3},
			advance:  time.Second,
		},
		{
			name:     "tracker not full",
			cfg:      acktracking.Config{Capacity: 4, CompletionThreshold: 0.6, InflightTimeout: 50 * time.Millisecond},
			submit:   []int{1, 2, 3},
			complete: []int{2, 3},
			advance:  time.Second,
		},
		{
			name:     "head not stale",
			cfg:      acktracking.Config{Capacity: 3, CompletionThreshold: 0.6, InflightTimeout: 50 * time.Millisecond},
			submit:   []int{1, 2, 3},
			complete: []int{2, 3},
			advance:  50 * time.Millisecond,
		},
		{
			name:      "ratio exactly at threshold",
			cfg:       acktracking.Config{Capacity: 4, CompletionThreshold: 0.75, InflightTimeout: 50 * time.Millisecond},
			submit:    []int{1, 2, 3, 4},
			complete:  []int{2, 3, 4},
			advance:   time.Second,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := timeutil.NewMock(time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC))
			tr, term := newTracker(t, tt.cfg, acktracking.WithTimeProvider(clock))
			submitAll(t, tr, tt.submit...)
			for _, p := range tt.complete {
				_, _, err := tr.Complete(p)
				require.NoError(t, err)
			}

			clock.Advance(tt.advance)
			_, _, err := tr.Complete(tt.complete[0])
			require.NoError(t, err)

			assert.Len(t, term.calls(), tt.wantCalls)
		})
	}
}

func TestHeadCompletionBeforeTimeoutDoesNotTerminate(t *testing.T) {
	clock := timeutil.NewMock(time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC))
	tr, term := newTracker(t,
		acktracking.Config{Capacity: 2, CompletionThreshold: 0.5, InflightTimeout: 10 * time.Millisecond},
		acktracking.WithTimeProvider(clock),
	)
	submitAll(t, tr, 1, 2)

	clock.Advance(5 * time.Millisecond)
	cursor, advanced, err := tr.Complete(1)
	require.NoError(t, err)
	require.True(t, advanced)
	assert.Equal(t, 1, cursor)
	assert.False(t, tr.IsFull())
	assert.Empty(t, term.calls())
}

type countingMetrics struct {
	acktracking.NoopMetrics
	mu       sync.Mutex
	inflight int
	advanced int
	stuck    int
}

func (m *countingMetrics) SetInflight(_ context.Context, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflight = n
}

func (m *countingMetrics) ObserveCursorAdvance(_ context.Context, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advanced += n
}

func (m *countingMetrics) IncStuckHead(context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stuck++
}

func TestTrackerReportsMetrics(t *testing.T) {
	m := new(countingMetrics)
	tr, _ := newTracker(t, acktracking.Config{Capacity: 5}, acktracking.WithMetrics(m))
	submitAll(t, tr, 1, 2, 3)

	assert.Equal(t, 3, m.inflight)

	_, _, err := tr.Complete(2)
	require.NoError(t, err)
	_, _, err = tr.Complete(1)
	require.NoError(t, err)

	assert.Equal(t, 1, m.inflight)
	assert.Equal(t, 2, m.advanced)
	assert.Zero(t, m.stuck)
}
