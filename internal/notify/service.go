package notify

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName  = "attending.v1.EscalationService"
	notifyMethod = "/" + ServiceName + "/Notify"
)

// #region handler
// Handler receives escalations on the server side.
type Handler interface {
	HandleEscalation(ctx context.Context, e Escalation) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, e Escalation) error

// HandleEscalation calls f.
func (f HandlerFunc) HandleEscalation(ctx context.Context, e Escalation) error {
	return f(ctx, e)
}

// #endregion handler

// #region service-desc
var escalationServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Notify", Handler: notifyHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "attending/v1/escalation.proto",
}

// RegisterEscalationService exposes h as EscalationService on s.
func RegisterEscalationService(s grpc.ServiceRegistrar, h Handler) {
	s.RegisterService(&escalationServiceDesc, h)
}

func notifyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		if err := srv.(Handler).HandleEscalation(ctx, escalationFromStruct(req.(*structpb.Struct))); err != nil {
			return nil, err
		}
		return &emptypb.Empty{}, nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: notifyMethod}
	return interceptor(ctx, in, info, call)
}

// #endregion service-desc
