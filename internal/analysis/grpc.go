package analysis

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/roadguard/pkg/types"
)

// ServiceName is the fully qualified gRPC service served by analysis backends.
// Both methods exchange google.protobuf.Struct messages:
//
//	Severity   {media: [{uri, contentType, data(base64)}]}   -> {severity: n}
//	MatchLanes {polygon: {points, baseWidth, baseHeight},
//	            lanes: [{id, name, laneNumber}]}             -> {laneIds: [id...]}
const ServiceName = "roadguard.analysis.v1.Analysis"

const (
	severityMethod   = "/" + ServiceName + "/Severity"
	matchLanesMethod = "/" + ServiceName + "/MatchLanes"
)

// ============================================================================
// Client
// ============================================================================

// Client calls a remote analysis service. It implements both SeverityOracle
// and LaneMatcher; every transport failure is reported as the matching
// unavailable error.
type Client struct {
	conn    grpc.ClientConnInterface
	owned   *grpc.ClientConn
	timeout time.Duration
}

// NewClient wraps an existing connection. timeout bounds each call; zero
// leaves the caller's context in charge.
func NewClient(conn grpc.ClientConnInterface, timeout time.Duration) *Client {
	return &Client{conn: conn, timeout: timeout}
}

// Dial opens a plaintext connection to addr. The returned client owns the
// connection and must be closed.
func Dial(addr string, timeout time.Duration, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial analysis service %s: %w", addr, err)
	}
	c := NewClient(cc, timeout)
	c.owned = cc
	return c, nil
}

// Close releases the connection opened by Dial.
func (c *Client) Close() error {
	if c.owned == nil {
		return nil
	}
	return c.owned.Close()
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Analyze implements SeverityOracle.
func (c *Client) Analyze(ctx context.Context, media []types.Media) (int, error) {
	req, err := structpb.NewStruct(map[string]any{"media": encodeMedia(media)})
	if err != nil {
		return 0, fmt.Errorf("%w: encode request: %v", ErrOracleUnavailable, err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, severityMethod, req, resp); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}

	v, ok := resp.GetFields()["severity"]
	if !ok {
		return 0, fmt.Errorf("%w: response carries no severity", ErrOracleUnavailable)
	}
	return int(math.Round(v.GetNumberValue())), nil
}

// MatchLanes implements LaneMatcher.
func (c *Client) MatchLanes(ctx context.Context, polygon types.AccidentPolygon, lanes []types.Lane) ([]int, error) {
	req, err := structpb.NewStruct(map[string]any{
		"polygon": encodePolygon(polygon),
		"lanes":   encodeLanes(lanes),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrMatcherUnavailable, err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, matchLanesMethod, req, resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMatcherUnavailable, err)
	}

	ids := resp.GetFields()["laneIds"].GetListValue().GetValues()
	out := make([]int, 0, len(ids))
	for _, v := range ids {
		out = append(out, int(v.GetNumberValue()))
	}
	return out, nil
}

// ============================================================================
// Server
// ============================================================================

// RegisterAnalysisServer exposes impl on s under ServiceName.
func RegisterAnalysisServer(s grpc.ServiceRegistrar, impl Analyzer) {
	s.RegisterService(&serviceDesc, impl)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Analyzer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Severity", Handler: severityHandler},
		{MethodName: "MatchLanes", Handler: matchLanesHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "roadguard/analysis/v1/analysis.proto",
}

func severityHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		media := decodeMedia(req.(*structpb.Struct).GetFields()["media"].GetListValue())
		severity, err := srv.(Analyzer).Analyze(ctx, media)
		if err != nil {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		return structpb.NewStruct(map[string]any{"severity": severity})
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: severityMethod}
	return interceptor(ctx, in, info, handler)
}

func matchLanesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		fields := req.(*structpb.Struct).GetFields()
		polygon := decodePolygon(fields["polygon"].GetStructValue())
		lanes := decodeLanes(fields["lanes"].GetListValue())

		ids, err := srv.(Analyzer).MatchLanes(ctx, polygon, lanes)
		if err != nil {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		list := make([]any, len(ids))
		for i, id := range ids {
			list[i] = id
		}
		return structpb.NewStruct(map[string]any{"laneIds": list})
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: matchLanesMethod}
	return interceptor(ctx, in, info, handler)
}

// ============================================================================
// Struct 編解碼
// ============================================================================

func encodeMedia(media []types.Media) []any {
	out := make([]any, len(media))
	for i, m := range media {
		out[i] = map[string]any{
			"uri":         m.URI,
			"contentType": m.ContentType,
			"data":        base64.StdEncoding.EncodeToString(m.Data),
		}
	}
	return out
}

func decodeMedia(list *structpb.ListValue) []types.Media {
	out := make([]types.Media, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		f := v.GetStructValue().GetFields()
		m := types.Media{
			URI:         f["uri"].GetStringValue(),
			ContentType: f["contentType"].GetStringValue(),
		}
		if raw := f["data"].GetStringValue(); raw != "" {
			if data, err := base64.StdEncoding.DecodeString(raw); err == nil {
				m.Data = data
			}
		}
		out = append(out, m)
	}
	return out
}

func encodePolygon(p types.AccidentPolygon) map[string]any {
	points := make([]any, len(p.Points))
	for i, pt := range p.Points {
		points[i] = map[string]any{"x": pt.X, "y": pt.Y}
	}
	return map[string]any{
		"points":     points,
		"baseWidth":  p.BaseWidth,
		"baseHeight": p.BaseHeight,
	}
}

func decodePolygon(s *structpb.Struct) types.AccidentPolygon {
	f := s.GetFields()
	p := types.AccidentPolygon{
		BaseWidth:  int(f["baseWidth"].GetNumberValue()),
		BaseHeight: int(f["baseHeight"].GetNumberValue()),
	}
	for _, v := range f["points"].GetListValue().GetValues() {
		pf := v.GetStructValue().GetFields()
		p.Points = append(p.Points, types.Point{X: pf["x"].GetNumberValue(), Y: pf["y"].GetNumberValue()})
	}
	return p
}

func encodeLanes(lanes []types.Lane) []any {
	out := make([]any, len(lanes))
	for i, l := range lanes {
		out[i] = map[string]any{"id": l.ID, "name": l.Name, "laneNumber": l.LaneNumber}
	}
	return out
}

func decodeLanes(list *structpb.ListValue) []types.Lane {
	out := make([]types.Lane, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		f := v.GetStructValue().GetFields()
		out = append(out, types.Lane{
			ID:         int(f["id"].GetNumberValue()),
			Name:       f["name"].GetStringValue(),
			LaneNumber: int(f["laneNumber"].GetNumberValue()),
		})
	}
	return out
}
