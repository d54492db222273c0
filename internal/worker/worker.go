// ============================================================================
// RoadGuard Worker - 事故分析執行單元
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that analyses one incident at a time, each Worker runs
//           in an independent goroutine
//
// How it works:
//   1. Receive task from taskCh (blocking wait, or exit on stopCh)
//   2. Ask the severity oracle and the lane matcher concurrently
//   3. Join both answers and send the result to resultCh
//   4. Repeat until stopCh is closed
//
// Execution Model:
//   ┌──────────────────────────────────────────┐
//   │  Worker Goroutine                        │
//   │  ┌───────────────────────────────────┐   │
//   │  │ for { select taskCh / stopCh }    │   │
//   │  │   ├─ Context with timeout         │   │
//   │  │   ├─ errgroup: oracle ∥ matcher   │   │
//   │  │   └─ send result to resultCh      │   │
//   │  └───────────────────────────────────┘   │
//   └──────────────────────────────────────────┘
//
// Partial failure:
//   A failure on one side never cancels the other. The failed side comes
//   back as a nil field plus an error wrapping ErrOracleUnavailable or
//   ErrMatcherUnavailable.
//
// Lane hint:
//   Without a usable polygon the node's reported lane number, if it names a
//   lane of the node, becomes the single blocked lane.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/roadguard/internal/analysis"
	"github.com/ChuLiYu/roadguard/pkg/types"
)

var log = slog.Default()

// Worker represents a work execution unit
type Worker struct {
	id       int           // Worker unique identifier, used for logging
	taskCh   <-chan Task   // Task channel (read-only)
	resultCh chan<- Result // Result channel (write-only)
	stopCh   <-chan struct{}
	oracle   analysis.SeverityOracle
	matcher  analysis.LaneMatcher
}

// newWorker creates a new Worker instance
func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}, oracle analysis.SeverityOracle, matcher analysis.LaneMatcher) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
		oracle:   oracle,
		matcher:  matcher,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for {
		// 停止訊號優先於緩衝區內的任務
		select {
		case <-w.stopCh:
			return
		default:
		}

		var task Task
		select {
		case task = <-w.taskCh:
		case <-w.stopCh:
			return
		}

		result := w.analyze(task)

		select {
		case w.resultCh <- result:
		case <-w.stopCh:
			// Pool 關閉中，沒有人會再讀取結果
			log.Warn("Dropping analysis result during shutdown",
				"worker", w.id, "incidentID", task.IncidentID)
			return
		}
	}
}

// analyze runs oracle and matcher concurrently and joins both answers.
func (w *Worker) analyze(task Task) Result {
	start := time.Now()

	ctx, cancel := context.Background(), context.CancelFunc(func() {})
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
	}
	defer cancel()

	result := Result{IncidentID: task.IncidentID}

	// 使用 errgroup.Group 而非 WithContext：一側失敗不可取消另一側
	var g errgroup.Group
	g.Go(func() error {
		result.Severity, result.SeverityErr = w.severity(ctx, task)
		return nil
	})
	g.Go(func() error {
		result.BlockedLanes, result.MatchErr = w.match(ctx, task)
		return nil
	})
	_ = g.Wait()

	result.Duration = time.Since(start)
	return result
}

func (w *Worker) severity(ctx context.Context, task Task) (*int, error) {
	s, err := w.oracle.Analyze(ctx, task.Media)
	if err != nil {
		if !errors.Is(err, analysis.ErrOracleUnavailable) {
			err = fmt.Errorf("%w: %v", analysis.ErrOracleUnavailable, err)
		}
		return nil, err
	}
	if s < 1 || s > 5 {
		return nil, fmt.Errorf("%w: severity %d outside 1..5", analysis.ErrOracleUnavailable, s)
	}
	return &s, nil
}

func (w *Worker) match(ctx context.Context, task Task) ([]types.Lane, error) {
	if task.Polygon == nil || task.Polygon.IsEmpty() {
		if lane, ok := laneByNumber(task.Node.Lanes, task.ReportedLane); ok {
			return []types.Lane{lane}, nil
		}
		return nil, fmt.Errorf("%w: no polygon and no usable lane hint", analysis.ErrMatcherUnavailable)
	}

	ids, err := w.matcher.MatchLanes(ctx, *task.Polygon, task.Node.Lanes)
	if err != nil {
		if !errors.Is(err, analysis.ErrMatcherUnavailable) {
			err = fmt.Errorf("%w: %v", analysis.ErrMatcherUnavailable, err)
		}
		return nil, err
	}
	return resolveLanes(task.IncidentID, ids, task.Node.Lanes), nil
}

// resolveLanes keeps the node lanes named by ids, in node order. Ids the node
// does not have are dropped.
func resolveLanes(id types.IncidentID, ids []int, lanes []types.Lane) []types.Lane {
	blocked := make([]types.Lane, 0, len(ids))
	known := make(map[int]bool, len(lanes))
	for _, l := range lanes {
		known[l.ID] = true
		if slices.Contains(ids, l.ID) {
			blocked = append(blocked, l)
		}
	}
	for _, laneID := range ids {
		if !known[laneID] {
			log.Warn("Lane matcher returned unknown lane", "incidentID", id, "laneID", laneID)
		}
	}
	return blocked
}

func laneByNumber(lanes []types.Lane, number int) (types.Lane, bool) {
	if number <= 0 {
		return types.Lane{}, false
	}
	for _, l := range lanes {
		if l.LaneNumber == number {
			return l, true
		}
	}
	return types.Lane{}, false
}
