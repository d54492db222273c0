package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent analysis, partial failure, timeout, graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/roadguard/internal/analysis"
	"github.com/ChuLiYu/roadguard/pkg/types"
)

// ============================================================================
// Test Doubles
// ============================================================================

type fakeOracle struct {
	severity int
	err      error
	delay    time.Duration
	calls    atomic.Int32
}

func (f *fakeOracle) Analyze(ctx context.Context, _ []types.Media) (int, error) {
	f.calls.Add(1)
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return f.severity, f.err
}

type fakeMatcher struct {
	ids   []int
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (f *fakeMatcher) MatchLanes(ctx context.Context, _ types.AccidentPolygon, _ []types.Lane) ([]int, error) {
	f.calls.Add(1)
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return f.ids, f.err
}

func testNode() types.Node {
	return types.Node{
		ID: "node-1",
		Lanes: []types.Lane{
			{ID: 10, LaneNumber: 1},
			{ID: 20, LaneNumber: 2},
			{ID: 30, LaneNumber: 3},
			{ID: 40, LaneNumber: 4},
		},
		BaseSpeedLimit: 80,
	}
}

func testPolygon() *types.AccidentPolygon {
	return &types.AccidentPolygon{
		Points:    []types.Point{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 5, Y: 5}},
		BaseWidth: 100,
	}
}

func newTask(id string) Task {
	return Task{
		IncidentID: types.IncidentID(id),
		Node:       testNode(),
		Polygon:    testPolygon(),
		Timeout:    time.Second,
	}
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewPool tests creating Worker Pool
func TestNewPool(t *testing.T) {
	pool := NewPool(10, nil, nil)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

// TestPoolStart tests starting Worker Pool
func TestPoolStart(t *testing.T) {
	pool := NewPool(10, nil, nil)

	err := pool.Start(8)
	require.NoError(t, err)
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	// Try to start again
	err = pool.Start(4)
	assert.Error(t, err)

	pool.Stop()
}

func TestPoolStartRejectsZeroWorkers(t *testing.T) {
	pool := NewPool(10, nil, nil)
	assert.Error(t, pool.Start(0))
	assert.False(t, pool.IsStarted())
}

// TestWorkerAnalysis tests a full analysis round trip
func TestWorkerAnalysis(t *testing.T) {
	oracle := &fakeOracle{severity: 3}
	matcher := &fakeMatcher{ids: []int{30, 20}}
	pool := NewPool(10, oracle, matcher)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(newTask("inc-1")))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)

	assert.Equal(t, types.IncidentID("inc-1"), result.IncidentID)
	require.NotNil(t, result.Severity)
	assert.Equal(t, 3, *result.Severity)
	assert.NoError(t, result.SeverityErr)
	assert.NoError(t, result.MatchErr)
	// node order, not matcher order
	assert.Equal(t, []int{20, 30}, laneIDs(result.BlockedLanes))
}

func laneIDs(lanes []types.Lane) []int {
	ids := make([]int, len(lanes))
	for i, l := range lanes {
		ids[i] = l.ID
	}
	return ids
}

// ============================================================================
// Partial Failure Tests
// ============================================================================

func TestAnalyzePartialFailure(t *testing.T) {
	tests := []struct {
		name        string
		oracle      *fakeOracle
		matcher     *fakeMatcher
		wantSev     bool
		wantLanes   []int
		sevErrIs    error
		matchErrIs  error
		polygonless bool
		hint        int
	}{
		{
			name:      "Oracle fails, matcher succeeds",
			oracle:    &fakeOracle{err: errors.New("boom")},
			matcher:   &fakeMatcher{ids: []int{10}},
			wantLanes: []int{10},
			sevErrIs:  analysis.ErrOracleUnavailable,
		},
		{
			name:       "Matcher fails, oracle succeeds",
			oracle:     &fakeOracle{severity: 2},
			matcher:    &fakeMatcher{err: errors.New("boom")},
			wantSev:    true,
			matchErrIs: analysis.ErrMatcherUnavailable,
		},
		{
			name:      "Severity out of range",
			oracle:    &fakeOracle{severity: 7},
			matcher:   &fakeMatcher{ids: []int{}},
			wantLanes: []int{},
			sevErrIs:  analysis.ErrOracleUnavailable,
		},
		{
			name:      "Unknown lane ids dropped",
			oracle:    &fakeOracle{severity: 1},
			matcher:   &fakeMatcher{ids: []int{99, 40}},
			wantSev:   true,
			wantLanes: []int{40},
		},
		{
			name:        "Lane hint without polygon",
			oracle:      &fakeOracle{severity: 1},
			matcher:     &fakeMatcher{err: errors.New("must not be called")},
			wantSev:     true,
			wantLanes:   []int{30},
			polygonless: true,
			hint:        3,
		},
		{
			name:        "No polygon and unusable hint",
			oracle:      &fakeOracle{severity: 1},
			matcher:     &fakeMatcher{},
			wantSev:     true,
			matchErrIs:  analysis.ErrMatcherUnavailable,
			polygonless: true,
			hint:        9,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newWorker(0, nil, nil, nil, tt.oracle, tt.matcher)
			task := newTask("inc")
			if tt.polygonless {
				task.Polygon = nil
				task.ReportedLane = tt.hint
			}

			result := w.analyze(task)

			if tt.wantSev {
				assert.NotNil(t, result.Severity)
				assert.NoError(t, result.SeverityErr)
			} else {
				assert.Nil(t, result.Severity)
				assert.ErrorIs(t, result.SeverityErr, tt.sevErrIs)
			}
			if tt.matchErrIs != nil {
				assert.Nil(t, result.BlockedLanes)
				assert.ErrorIs(t, result.MatchErr, tt.matchErrIs)
			} else {
				assert.NoError(t, result.MatchErr)
				assert.Equal(t, tt.wantLanes, laneIDs(result.BlockedLanes))
			}
			if tt.polygonless {
				assert.Zero(t, tt.matcher.calls.Load())
			}
		})
	}
}

// TestAnalyzeRunsConcurrently checks oracle and matcher overlap in time.
func TestAnalyzeRunsConcurrently(t *testing.T) {
	oracle := &fakeOracle{severity: 2, delay: 150 * time.Millisecond}
	matcher := &fakeMatcher{ids: []int{10}, delay: 150 * time.Millisecond}
	w := newWorker(0, nil, nil, nil, oracle, matcher)

	start := time.Now()
	result := w.analyze(newTask("inc"))

	assert.Less(t, time.Since(start), 280*time.Millisecond)
	assert.NotNil(t, result.Severity)
	assert.Len(t, result.BlockedLanes, 1)
}

// TestTimeout tests the analysis timeout
func TestTimeout(t *testing.T) {
	oracle := &fakeOracle{severity: 2, delay: time.Second}
	matcher := &fakeMatcher{ids: []int{10}, delay: time.Second}
	pool := NewPool(10, oracle, matcher)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	task := newTask("timeout-task")
	task.Timeout = 20 * time.Millisecond
	require.NoError(t, pool.Submit(task))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)

	assert.ErrorIs(t, result.SeverityErr, analysis.ErrOracleUnavailable)
	assert.ErrorIs(t, result.MatchErr, analysis.ErrMatcherUnavailable)
	assert.Contains(t, result.SeverityErr.Error(), "deadline exceeded")
	assert.Less(t, result.Duration, 500*time.Millisecond)
}

func TestNilAdaptersAreUnavailable(t *testing.T) {
	pool := NewPool(1, nil, nil)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(newTask("inc")))
	result, err := pool.ReceiveResult()
	require.NoError(t, err)

	assert.ErrorIs(t, result.SeverityErr, analysis.ErrOracleUnavailable)
	assert.ErrorIs(t, result.MatchErr, analysis.ErrMatcherUnavailable)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

// TestConcurrentSubmit tests concurrent task submission
func TestConcurrentSubmit(t *testing.T) {
	pool := NewPool(100, &fakeOracle{severity: 1}, &fakeMatcher{ids: []int{10}})
	require.NoError(t, pool.Start(4))
	defer pool.Stop()

	taskCount := 50
	var wg sync.WaitGroup
	wg.Add(taskCount)

	for i := 0; i < taskCount; i++ {
		go func(index int) {
			defer wg.Done()
			assert.NoError(t, pool.Submit(newTask(fmt.Sprintf("inc-%d", index))))
		}(i)
	}
	wg.Wait()

	seen := make(map[types.IncidentID]bool)
	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		seen[result.IncidentID] = true
	}
	assert.Len(t, seen, taskCount)
}

// ============================================================================
// Graceful Shutdown Tests
// ============================================================================

// TestGracefulShutdown tests graceful shutdown while tasks are pending
func TestGracefulShutdown(t *testing.T) {
	pool := NewPool(50, &fakeOracle{severity: 1, delay: 10 * time.Millisecond}, &fakeMatcher{})
	require.NoError(t, pool.Start(4))

	for i := 0; i < 50; i++ {
		require.NoError(t, pool.Submit(newTask(fmt.Sprintf("inc-%d", i))))
	}
	for i := 0; i < 5; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}

	goroutinesBefore := runtime.NumGoroutine()

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, runtime.NumGoroutine(), goroutinesBefore)
}

// TestStopBeforeStart tests stopping before starting
func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(10, nil, nil)
	assert.NotPanics(t, func() {
		pool.Stop()
	})
}

// TestSubmitAfterStop tests submitting after shutdown
func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(10, nil, nil)
	require.NoError(t, pool.Start(2))
	pool.Stop()

	err := pool.Submit(newTask("after-stop"))
	assert.Equal(t, ErrPoolClosed, err)
}

// TestSubmitBeforeStart tests submitting before starting
func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(10, nil, nil)
	err := pool.Submit(newTask("before-start"))
	assert.Equal(t, ErrPoolNotStarted, err)
}

// TestReceiveResultAfterStop tests receiving results after shutdown
func TestReceiveResultAfterStop(t *testing.T) {
	pool := NewPool(10, nil, nil)
	require.NoError(t, pool.Start(2))
	pool.Stop()

	_, err := pool.ReceiveResult()
	assert.Equal(t, ErrPoolClosed, err)
}

// TestSubmitUnblocksOnStop checks a Submit blocked on a full buffer returns
// once the pool stops.
func TestSubmitUnblocksOnStop(t *testing.T) {
	block := &fakeOracle{severity: 1, delay: time.Second}
	pool := NewPool(1, block, &fakeMatcher{})
	require.NoError(t, pool.Start(1))

	// 1 in the worker, 1 in the buffer
	require.NoError(t, pool.Submit(newTask("a")))
	require.NoError(t, pool.Submit(newTask("b")))

	errCh := make(chan error, 1)
	go func() { errCh <- pool.Submit(newTask("c")) }()

	time.Sleep(50 * time.Millisecond)
	go pool.Stop()

	select {
	case err := <-errCh:
		assert.Equal(t, ErrPoolClosed, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Submit stayed blocked after Stop")
	}
}

// ============================================================================
// Benchmark Tests
// ============================================================================

func BenchmarkAnalyze(b *testing.B) {
	w := newWorker(0, nil, nil, nil, &fakeOracle{severity: 2}, &fakeMatcher{ids: []int{10, 20}})
	task := newTask("bench")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w.analyze(task)
	}
}
