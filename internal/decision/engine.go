// ============================================================================
// RoadGuard Decision Engine - 車道配置與速限計算
// ============================================================================
//
// Package: internal/decision
// File: engine.go
// Purpose: Turn a set of blocked lanes into a per-lane state vector, an
//          adjusted speed limit and a recommended action.
//
// Properties:
//   - Pure: no I/O, no mutable state, safe for concurrent use.
//   - Never panics on malformed numeric input. Every degraded result comes
//     back with a Fallback reason; the caller decides how to log it.
//
// Lane order:
//   Lanes are sorted by id. The 1-based index in that order is the lane
//   position, and adjacency is decided on positions only. Lane ids and lane
//   numbers are never used for neighbour arithmetic.
//
// ============================================================================

package decision

import (
	"fmt"
	"math"

	"github.com/ChuLiYu/roadguard/pkg/types"
)

// Policy holds the tunable constants of the engine.
type Policy struct {
	MinSpeed        int     `json:"minSpeed" yaml:"min_speed" mapstructure:"min_speed"`
	MaxSpeed        int     `json:"maxSpeed" yaml:"max_speed" mapstructure:"max_speed"`
	ReductionFactor float64 `json:"reductionFactor" yaml:"reduction_factor" mapstructure:"reduction_factor"`
}

// 預設值
const (
	DefaultMinSpeed        = 40
	DefaultMaxSpeed        = 200
	DefaultReductionFactor = 0.5
)

// DefaultPolicy returns the documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		MinSpeed:        DefaultMinSpeed,
		MaxSpeed:        DefaultMaxSpeed,
		ReductionFactor: DefaultReductionFactor,
	}
}

// Validate rejects policies that cannot produce a sensible speed.
func (p Policy) Validate() error {
	if p.MinSpeed <= 0 {
		return fmt.Errorf("policy.min_speed must be positive, got %d", p.MinSpeed)
	}
	if p.MaxSpeed < p.MinSpeed {
		return fmt.Errorf("policy.max_speed (%d) must be >= min_speed (%d)", p.MaxSpeed, p.MinSpeed)
	}
	if math.IsNaN(p.ReductionFactor) || p.ReductionFactor < 0 || p.ReductionFactor > 1 {
		return fmt.Errorf("policy.reduction_factor must be within [0, 1], got %v", p.ReductionFactor)
	}
	return nil
}

// Fallback names the reason a result was degraded. The zero value means the
// input was well formed.
type Fallback string

const (
	FallbackNone                Fallback = ""
	FallbackNoLanes             Fallback = "no-lanes"
	FallbackUnknownBlockedLane  Fallback = "unknown-blocked-lane"
	FallbackNonPositiveLimit    Fallback = "non-positive-limit"
	FallbackNonPositiveTotal    Fallback = "non-positive-total"
	FallbackNegativeBlocked     Fallback = "negative-blocked-count"
	FallbackBlockedExceedsTotal Fallback = "blocked-exceeds-total"
	FallbackSeverityOutOfRange  Fallback = "severity-out-of-range"
)

// Engine computes decisions under a fixed Policy.
type Engine struct {
	policy Policy
}

// New returns an engine for p. Invalid policies are replaced by DefaultPolicy.
func New(p Policy) *Engine {
	if p.Validate() != nil {
		p = DefaultPolicy()
	}
	return &Engine{policy: p}
}

// Policy returns the policy in effect.
func (e *Engine) Policy() Policy {
	return e.policy
}

// LaneConfiguration returns one LaneState per lane in allLanes, in id order.
//
// A lane is blocked iff its position is in the blocked set. Traffic displaced
// by a blocked run moves right, onto the first open lane after the run. It
// moves left only when the run extends to the rightmost lane. A lane with
// blocked neighbours on both sides stays open, and a lane never merges into a
// lane that is itself merging towards it.
//
// Blocked lanes are located by id, falling back to lane number when the id is
// unknown. An empty allLanes yields an empty configuration and FallbackNoLanes.
func (e *Engine) LaneConfiguration(blockedLanes, allLanes []types.Lane) ([]types.LaneState, Fallback) {
	sorted := types.SortLanes(allLanes)
	n := len(sorted)
	states := make([]types.LaneState, n)
	for i := range states {
		states[i] = types.LaneOpen
	}
	if n == 0 {
		return states, FallbackNoLanes
	}

	position := make(map[int]int, n)
	for i, l := range sorted {
		position[l.ID] = i
	}

	fallback := FallbackNone
	blocked := make([]bool, n)
	for _, b := range blockedLanes {
		pos, ok := position[b.ID]
		if !ok && b.LaneNumber >= 1 && b.LaneNumber <= n {
			pos, ok = b.LaneNumber-1, true
		}
		if !ok {
			fallback = FallbackUnknownBlockedLane
			continue
		}
		blocked[pos] = true
		states[pos] = types.LaneBlocked
	}

	// 右側車道：左鄰封閉、右鄰暢通
	for i := 0; i < n; i++ {
		if blocked[i] {
			continue
		}
		leftBlocked := i > 0 && blocked[i-1]
		rightBlocked := i < n-1 && blocked[i+1]
		if leftBlocked && !rightBlocked {
			states[i] = types.LaneRight
		}
	}

	// 左側車道：右鄰封閉且封閉區段延伸至最右車道
	for i := 0; i < n-1; i++ {
		if blocked[i] || !blocked[i+1] {
			continue
		}
		if i > 0 && blocked[i-1] {
			continue
		}
		if !runReachesRightEdge(blocked, i+1) {
			continue
		}
		if i > 0 && states[i-1] == types.LaneRight {
			continue
		}
		states[i] = types.LaneLeft
	}

	return states, fallback
}

func runReachesRightEdge(blocked []bool, start int) bool {
	for j := start; j < len(blocked); j++ {
		if !blocked[j] {
			return false
		}
	}
	return true
}

// SpeedLimit reduces currentLimit in proportion to the blocked ratio and
// clamps the result to the policy bounds.
//
//	adjusted = round(current × (1 − blocked/total × ReductionFactor))
//
// currentLimit ≤ 0 yields MinSpeed. No blocked lanes, or totalLanes ≤ 0,
// return currentLimit unchanged.
func (e *Engine) SpeedLimit(currentLimit, blockedCount, totalLanes int) (int, Fallback) {
	if currentLimit <= 0 {
		return e.policy.MinSpeed, FallbackNonPositiveLimit
	}
	if blockedCount == 0 {
		return currentLimit, FallbackNone
	}
	if blockedCount < 0 {
		return currentLimit, FallbackNegativeBlocked
	}
	if totalLanes <= 0 {
		return currentLimit, FallbackNonPositiveTotal
	}

	fallback := FallbackNone
	if blockedCount > totalLanes {
		blockedCount = totalLanes
		fallback = FallbackBlockedExceedsTotal
	}

	ratio := float64(blockedCount) / float64(totalLanes)
	reduction := ratio * e.policy.ReductionFactor
	adjusted := int(math.Round(float64(currentLimit) * (1 - reduction)))

	return e.clamp(adjusted), fallback
}

func (e *Engine) clamp(speed int) int {
	return min(max(speed, e.policy.MinSpeed), e.policy.MaxSpeed)
}

// RecommendAction picks the operational response. Severity and full
// blockage dominate; any blockage at all still forces a speed reduction.
// severity 0 means "unknown".
func RecommendAction(severity, blockedCount, totalLanes int) (types.Action, Fallback) {
	fallback := FallbackNone
	if severity < 0 || severity > 5 {
		severity = min(max(severity, 0), 5)
		fallback = FallbackSeverityOutOfRange
	}
	if blockedCount < 0 {
		blockedCount = 0
		fallback = FallbackNegativeBlocked
	}

	allBlocked := totalLanes > 0 && blockedCount >= totalLanes
	if severity >= 4 || allBlocked {
		return types.ActionEmergencyStop, fallback
	}

	var ratio float64
	if totalLanes > 0 {
		ratio = float64(blockedCount) / float64(totalLanes)
	}
	if severity >= 3 || ratio >= 0.5 || blockedCount > 0 {
		return types.ActionReduceSpeed, fallback
	}
	return types.ActionNormalOperation, fallback
}

// Suggestion is the engine's default decision for one incident.
type Suggestion struct {
	Decision       types.Decision
	Recommendation types.Action
	Fallbacks      []Fallback
}

// Suggest builds the default decision for node given the matched blocked
// lanes and the (possibly unknown) severity.
func (e *Engine) Suggest(node types.Node, blockedLanes []types.Lane, severity *int) Suggestion {
	var s Suggestion
	note := func(f Fallback) {
		if f != FallbackNone {
			s.Fallbacks = append(s.Fallbacks, f)
		}
	}

	config, f := e.LaneConfiguration(blockedLanes, node.Lanes)
	note(f)

	blockedCount := 0
	for _, st := range config {
		if st == types.LaneBlocked {
			blockedCount++
		}
	}

	speed, f := e.SpeedLimit(node.BaseSpeedLimit, blockedCount, len(node.Lanes))
	note(f)

	sev := 0
	if severity != nil {
		sev = *severity
	}
	action, f := RecommendAction(sev, blockedCount, len(node.Lanes))
	note(f)

	s.Recommendation = action
	s.Decision = types.Decision{
		SpeedLimit:        speed,
		LaneConfiguration: config,
		Actions:           []string{string(action)},
		Source:            types.SourceEngine,
	}
	return s
}
