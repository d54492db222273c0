// ============================================================================
// RoadGuard Analysis - 外部分析服務介面
// ============================================================================
//
// Package: internal/analysis
// File: analysis.go
// Purpose: Interfaces for the two external collaborators consulted after a
//          report arrives: the severity oracle (media -> 1..5) and the lane
//          matcher (accident polygon + node lanes -> blocked lane ids).
//
// Adapters:
//   - Client      gRPC client (grpc.go)
//   - StubServer  deterministic local implementation (stub.go)
//   - Unavailable always fails; used when no analysis address is configured
//
// ============================================================================

package analysis

import (
	"context"
	"errors"

	"github.com/ChuLiYu/roadguard/pkg/types"
)

var (
	// ErrOracleUnavailable 嚴重度服務無法回應（連線失敗、逾時或回傳值無效）
	ErrOracleUnavailable = errors.New("severity oracle unavailable")
	// ErrMatcherUnavailable 車道比對服務無法回應
	ErrMatcherUnavailable = errors.New("lane matcher unavailable")
)

// SeverityOracle scores the media attached to a report.
type SeverityOracle interface {
	Analyze(ctx context.Context, media []types.Media) (int, error)
}

// LaneMatcher maps an accident polygon onto the lanes of a node and returns
// the ids of the lanes it covers.
type LaneMatcher interface {
	MatchLanes(ctx context.Context, polygon types.AccidentPolygon, lanes []types.Lane) ([]int, error)
}

// Analyzer is implemented by services that provide both operations.
type Analyzer interface {
	SeverityOracle
	LaneMatcher
}

// Unavailable fails every call. Incidents still reach review, with both
// analysis fields absent.
type Unavailable struct{}

func (Unavailable) Analyze(context.Context, []types.Media) (int, error) {
	return 0, ErrOracleUnavailable
}

func (Unavailable) MatchLanes(context.Context, types.AccidentPolygon, []types.Lane) ([]int, error) {
	return nil, ErrMatcherUnavailable
}
