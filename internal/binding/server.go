// Package binding exposes the simulation engine over gRPC. The service is
// gridmind.v1.Engine; requests and replies are google.protobuf.Struct
// messages so no generated code is needed on either side.
package binding

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/gridmind/internal/causal"
	"github.com/danielpatrickdp/gridmind/internal/grid"
	"github.com/danielpatrickdp/gridmind/internal/improve"
	"github.com/danielpatrickdp/gridmind/internal/logging"
	"github.com/danielpatrickdp/gridmind/internal/sim"
)

// #region service-desc

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "gridmind.v1.Engine"

const (
	methodResetEpisode   = "/" + ServiceName + "/ResetEpisode"
	methodStep           = "/" + ServiceName + "/Step"
	methodGetDiagnostics = "/" + ServiceName + "/GetDiagnostics"
)

// EngineServer is the server API of gridmind.v1.Engine.
type EngineServer interface {
	ResetEpisode(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Step(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetDiagnostics(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// ServiceDesc describes gridmind.v1.Engine for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EngineServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ResetEpisode", Handler: resetEpisodeHandler},
		{MethodName: "Step", Handler: stepHandler},
		{MethodName: "GetDiagnostics", Handler: getDiagnosticsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gridmind/v1/engine.proto",
}

// RegisterEngineServer registers srv on s.
func RegisterEngineServer(s grpc.ServiceRegistrar, srv EngineServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func resetEpisodeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EngineServer).ResetEpisode(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodResetEpisode}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EngineServer).ResetEpisode(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func stepHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EngineServer).Step(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodStep}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EngineServer).Step(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getDiagnosticsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EngineServer).GetDiagnostics(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetDiagnostics}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EngineServer).GetDiagnostics(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// #endregion service-desc

// #region server

// Engine is the part of sim.Engine the server drives.
type Engine interface {
	ResetEpisode() grid.Observation
	Step(ctx context.Context, a grid.Action) (sim.StepResult, error)
	Act(ctx context.Context) (sim.StepResult, error)
	Diagnostics() sim.Diagnostics
}

// Server implements EngineServer on top of an Engine.
type Server struct {
	engine Engine
	logger *slog.Logger
}

// NewServer wraps engine. A nil logger discards.
func NewServer(engine Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{engine: engine, logger: logging.WithComponent(logger, "binding")}
}

// ResetEpisode starts a new episode and returns its first observation.
func (s *Server) ResetEpisode(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	out, err := encodeObservation(s.engine.ResetEpisode())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode observation: %v", err)
	}
	return out, nil
}

// Step applies req["action"], or lets the engine choose when it is absent
// or "auto".
func (s *Server) Step(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a, auto, err := parseAction(req)
	if err != nil {
		return nil, toStatus(err)
	}
	var res sim.StepResult
	if auto {
		res, err = s.engine.Act(ctx)
	} else {
		res, err = s.engine.Step(ctx, a)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := encodeStep(res)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode step: %v", err)
	}
	return out, nil
}

// GetDiagnostics returns belief entropy, causal confidence, the improvement
// level and the last collapse warning.
func (s *Server) GetDiagnostics(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	out, err := encodeDiagnostics(s.engine.Diagnostics())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode diagnostics: %v", err)
	}
	return out, nil
}

// toStatus maps engine errors onto gRPC codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, grid.ErrInvalidAction):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, causal.ErrInsufficientData):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, improve.ErrEscalationExhausted):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// #endregion server

// #region grpc-server

// LoggingInterceptor logs every unary call with its duration and code.
func LoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		level := slog.LevelDebug
		if err != nil {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "rpc", "method", info.FullMethod,
			"code", status.Code(err).String(), "duration", time.Since(start))
		return resp, err
	}
}

// NewGRPCServer builds a grpc.Server serving engine.
func NewGRPCServer(engine Engine, logger *slog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	srv := NewServer(engine, logger)
	opts = append(opts, grpc.ChainUnaryInterceptor(LoggingInterceptor(srv.logger)))
	gs := grpc.NewServer(opts...)
	RegisterEngineServer(gs, srv)
	return gs
}

// #endregion grpc-server
