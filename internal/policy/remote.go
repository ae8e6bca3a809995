package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/normanking/cortex-reflex/internal/reflex"
	"github.com/normanking/cortex-reflex/internal/router"
	"github.com/normanking/cortex-reflex/internal/spatial"
)

// Wire names of the policy service. Payloads are google.protobuf.Struct
// messages so no generated code is needed on either side:
//
//	request:  {"state": [s0 .. s7]}
//	response: {"distribution": [{"name": n, "params": [..], "weight": w}, ..],
//	           "metadata": {"k": "v"}}
const (
	ServiceName   = "reflex.policy.v1.Policy"
	computeMethod = "/" + ServiceName + "/Compute"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ═══════════════════════════════════════════════════════════════════════════════

// Remote is a router.Policy served over gRPC.
type Remote struct {
	conn *grpc.ClientConn
}

// Dial connects to a policy server at addr. Extra dial options are appended to
// the defaults (insecure transport).
func Dial(addr string, opts ...grpc.DialOption) (*Remote, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Remote{conn: conn}, nil
}

// Compute implements router.Policy.
func (r *Remote) Compute(ctx context.Context, state spatial.StateVector) (router.Proposal, error) {
	req, err := encodeState(state)
	if err != nil {
		return router.Proposal{}, err
	}
	resp := new(structpb.Struct)
	if err := r.conn.Invoke(ctx, computeMethod, req, resp); err != nil {
		if s, ok := status.FromError(err); ok && s.Code() == codes.DeadlineExceeded {
			return router.Proposal{}, fmt.Errorf("compute rpc: %w", context.DeadlineExceeded)
		}
		return router.Proposal{}, fmt.Errorf("compute rpc: %w", err)
	}
	return decodeProposal(resp)
}

// Close shuts down the connection.
func (r *Remote) Close() error {
	return r.conn.Close()
}

// ═══════════════════════════════════════════════════════════════════════════════
// SERVER
// ═══════════════════════════════════════════════════════════════════════════════

// ComputeServer is the server side of the policy service.
type ComputeServer interface {
	Compute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// Server exposes a router.Policy over gRPC.
type Server struct {
	policy router.Policy
	log    zerolog.Logger
}

// NewServer wraps policy.
func NewServer(policy router.Policy, log zerolog.Logger) *Server {
	return &Server{policy: policy, log: log}
}

// Register adds the service to s.
func (srv *Server) Register(s grpc.ServiceRegistrar) {
	s.RegisterService(&serviceDesc, srv)
}

// Compute implements ComputeServer.
func (srv *Server) Compute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	start := time.Now()
	state, err := decodeState(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	p, err := srv.policy.Compute(ctx, state)
	if err != nil {
		srv.log.Debug().Err(err).Dur("elapsed", time.Since(start)).Msg("policy compute failed")
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, status.Error(codes.DeadlineExceeded, err.Error())
		case errors.Is(err, context.Canceled):
			return nil, status.Error(codes.Canceled, err.Error())
		case errors.Is(err, ErrNoEntry):
			return nil, status.Error(codes.NotFound, err.Error())
		default:
			return nil, status.Error(codes.Internal, err.Error())
		}
	}
	resp, err := encodeProposal(p)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return resp, nil
}

func computeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ComputeServer).Compute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: computeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ComputeServer).Compute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ComputeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Compute", Handler: computeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "reflex/policy/v1/policy.proto",
}

// ═══════════════════════════════════════════════════════════════════════════════
// CODEC
// ═══════════════════════════════════════════════════════════════════════════════

func floats(v []float64) []any {
	out := make([]any, len(v))
	for i, x := range v {
		out[i] = x
	}
	return out
}

func toFloats(v any, field string) ([]float64, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%s: want list, got %T", field, v)
	}
	out := make([]float64, len(list))
	for i, x := range list {
		f, ok := x.(float64)
		if !ok {
			return nil, fmt.Errorf("%s[%d]: want number, got %T", field, i, x)
		}
		out[i] = f
	}
	return out, nil
}

func encodeState(s spatial.StateVector) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"state": floats(s[:])})
}

func decodeState(req *structpb.Struct) (spatial.StateVector, error) {
	var s spatial.StateVector
	v, err := toFloats(req.AsMap()["state"], "state")
	if err != nil {
		return s, err
	}
	if len(v) > spatial.Dim {
		return s, fmt.Errorf("state has %d components, max %d", len(v), spatial.Dim)
	}
	copy(s[:], v)
	return s, nil
}

func encodeProposal(p router.Proposal) (*structpb.Struct, error) {
	dist := make([]any, len(p.Distribution))
	for i, c := range p.Distribution {
		dist[i] = map[string]any{
			"name":   c.Action.Name,
			"params": floats(c.Action.Params),
			"weight": c.Weight,
		}
	}
	meta := make(map[string]any, len(p.Metadata))
	for k, v := range p.Metadata {
		meta[k] = v
	}
	return structpb.NewStruct(map[string]any{"distribution": dist, "metadata": meta})
}

func decodeProposal(resp *structpb.Struct) (router.Proposal, error) {
	var p router.Proposal
	m := resp.AsMap()
	list, ok := m["distribution"].([]any)
	if !ok {
		return p, fmt.Errorf("distribution: want list, got %T", m["distribution"])
	}
	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return p, fmt.Errorf("distribution[%d]: want object, got %T", i, item)
		}
		name, _ := obj["name"].(string)
		weight, _ := obj["weight"].(float64)
		params, err := toFloats(obj["params"], fmt.Sprintf("distribution[%d].params", i))
		if err != nil {
			return p, err
		}
		if len(params) == 0 {
			params = nil
		}
		p.Distribution = append(p.Distribution, router.Choice{
			Action: reflex.Action{Name: name, Params: params},
			Weight: weight,
		})
	}
	if meta, ok := m["metadata"].(map[string]any); ok && len(meta) > 0 {
		p.Metadata = make(map[string]string, len(meta))
		for k, v := range meta {
			p.Metadata[k] = fmt.Sprint(v)
		}
	}
	return p, nil
}
