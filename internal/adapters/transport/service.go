package transport

import (
	"context"
	"fmt"

	"github.com/eleven-am/conductor/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName = "conductor.v1.Conductor"

	methodContinueNodeClean  = "ContinueNodeClean"
	methodContinueNodeDeploy = "ContinueNodeDeploy"
)

// Handler serves requests from peer conductors.
type Handler interface {
	ContinueNodeClean(ctx context.Context, nodeUUID string) error
	ContinueNodeDeploy(ctx context.Context, nodeUUID string) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: methodContinueNodeClean,
			Handler: unaryHandler(methodContinueNodeClean, func(h Handler) func(context.Context, string) error {
				return h.ContinueNodeClean
			}),
		},
		{
			MethodName: methodContinueNodeDeploy,
			Handler: unaryHandler(methodContinueNodeDeploy, func(h Handler) func(context.Context, string) error {
				return h.ContinueNodeDeploy
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "conductor/v1/conductor.proto",
}

func fullMethod(method string) string {
	return "/" + serviceName + "/" + method
}

func unaryHandler(method string, pick func(Handler) func(context.Context, string) error) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		call := func(ctx context.Context, req any) (any, error) {
			nodeUUID, err := nodeUUIDFrom(req.(*structpb.Struct))
			if err != nil {
				return nil, toStatus(err)
			}
			if err := pick(srv.(Handler))(ctx, nodeUUID); err != nil {
				return nil, toStatus(err)
			}
			return &emptypb.Empty{}, nil
		}
		if interceptor == nil {
			return call(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		return interceptor(ctx, in, info, call)
	}
}

func newRequest(nodeUUID, topic string) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"node_uuid": nodeUUID,
		"topic":     topic,
	})
}

func nodeUUIDFrom(req *structpb.Struct) (string, error) {
	field, ok := req.GetFields()["node_uuid"]
	if !ok || field.GetStringValue() == "" {
		return "", domain.NewInvalidParameterError("request is missing node_uuid")
	}
	return field.GetStringValue(), nil
}

func describe(method, nodeUUID, topic string) string {
	return fmt.Sprintf("%s(%s) on %s", method, nodeUUID, topic)
}
