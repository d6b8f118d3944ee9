package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gymbook/internal/domain"
	"gymbook/internal/service"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	adminServiceName           = "gymbook.admin.v1.Admin"
	adminMethodGetBookingStats = "/" + adminServiceName + "/GetBookingStats"
	adminMethodExpireStale     = "/" + adminServiceName + "/ExpireStale"
	adminMethodGetBreakdown    = "/" + adminServiceName + "/GetBreakdown"
)

// AdminServer is the gRPC admin surface. Messages are protobuf well-known types so no
// generated code is needed.
type AdminServer interface {
	GetBookingStats(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
	ExpireStale(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
	GetBreakdown(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: adminServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetBookingStats",
			Handler: unaryHandler(adminMethodGetBookingStats, func() *emptypb.Empty { return new(emptypb.Empty) },
				AdminServer.GetBookingStats),
		},
		{
			MethodName: "ExpireStale",
			Handler: unaryHandler(adminMethodExpireStale, func() *emptypb.Empty { return new(emptypb.Empty) },
				AdminServer.ExpireStale),
		},
		{
			MethodName: "GetBreakdown",
			Handler: unaryHandler(adminMethodGetBreakdown, func() *structpb.Struct { return new(structpb.Struct) },
				AdminServer.GetBreakdown),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gymbook/admin/v1/admin.proto",
}

// RegisterAdminServer attaches srv to s under gymbook.admin.v1.Admin.
func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&adminServiceDesc, srv)
}

func unaryHandler[Req any](
	fullMethod string,
	newReq func() Req,
	call func(AdminServer, context.Context, Req) (*structpb.Struct, error),
) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AdminServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(AdminServer), ctx, req.(Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// AdminService serves the admin RPCs from the stats layer and the ledger.
type AdminService struct {
	stats  *service.StatsService
	ledger *service.BookingService
}

func NewAdminService(stats *service.StatsService, ledger *service.BookingService) *AdminService {
	return &AdminService{stats: stats, ledger: ledger}
}

func (s *AdminService) GetBookingStats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	stats, err := s.stats.BookingStats(ctx)
	return reply(stats, err)
}

func (s *AdminService) ExpireStale(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if demoCaller(ctx) {
		return reply(nil, domain.ErrDemoRestriction)
	}
	report, err := s.ledger.ExpireStalePending(ctx)
	return reply(report, err)
}

func (s *AdminService) GetBreakdown(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	window := in.GetFields()["window"].GetStringValue()
	breakdown, err := s.stats.Breakdown(ctx, window)
	return reply(breakdown, err)
}

// reply encodes v or maps err. A demo restriction is a simulated success, not a failure.
func reply(v any, err error) (*structpb.Struct, error) {
	if errors.Is(err, domain.ErrDemoRestriction) {
		return toStruct(demoResponse)
	}
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(v)
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func grpcError(err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrSchedulingConflict), errors.Is(err, domain.ErrInvalidState):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrDuplicateBooking):
		return status.Error(codes.AlreadyExists, err.Error())
	}
	return status.Error(codes.Internal, fmt.Sprintf("internal error: %v", err))
}
