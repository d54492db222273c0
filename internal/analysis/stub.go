package analysis

import (
	"context"
	"math"

	"github.com/ChuLiYu/roadguard/pkg/types"
)

// StubServer answers deterministically, for local runs and the node
// simulator. Severity grows with the number of media items; lanes are found
// by splitting the frame width evenly across the node's lanes in id order and
// keeping every lane whose column overlaps the polygon's bounding box.
type StubServer struct{}

var _ Analyzer = StubServer{}

func (StubServer) Analyze(ctx context.Context, media []types.Media) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return min(1+len(media), 5), nil
}

func (StubServer) MatchLanes(ctx context.Context, polygon types.AccidentPolygon, lanes []types.Lane) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if polygon.IsEmpty() || len(lanes) == 0 {
		return nil, nil
	}

	minX, maxX := math.Inf(1), math.Inf(-1)
	for _, p := range polygon.Points {
		minX = math.Min(minX, p.X)
		maxX = math.Max(maxX, p.X)
	}

	width := float64(polygon.BaseWidth)
	if width <= 0 {
		width = maxX
	}
	if width <= 0 {
		return nil, nil
	}

	sorted := types.SortLanes(lanes)
	column := width / float64(len(sorted))
	var ids []int
	for i, l := range sorted {
		left, right := float64(i)*column, float64(i+1)*column
		if maxX >= left && minX < right {
			ids = append(ids, l.ID)
		}
	}
	return ids, nil
}
