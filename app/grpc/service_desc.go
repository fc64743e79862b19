package grpc

import (
	"context"

	gogrpc "google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "notifications.v1.MailerService"

// MailerServiceServer is the server API for notifications.v1.MailerService.
// Requests and responses are JSON-shaped google.protobuf.Struct values.
type MailerServiceServer interface {
	SendEmail(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReportProviderStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterMailerServiceServer registers srv on s.
func RegisterMailerServiceServer(s gogrpc.ServiceRegistrar, srv MailerServiceServer) {
	s.RegisterService(&MailerServiceDesc, srv)
}

// FullMethod returns the invocation path of a MailerService method.
func FullMethod(method string) string {
	return "/" + serviceName + "/" + method
}

var MailerServiceDesc = gogrpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*MailerServiceServer)(nil),
	Methods: []gogrpc.MethodDesc{
		{MethodName: "SendEmail", Handler: unaryHandler("SendEmail", MailerServiceServer.SendEmail)},
		{MethodName: "GetMessage", Handler: unaryHandler("GetMessage", MailerServiceServer.GetMessage)},
		{MethodName: "CancelMessage", Handler: unaryHandler("CancelMessage", MailerServiceServer.CancelMessage)},
		{MethodName: "ReportProviderStatus", Handler: unaryHandler("ReportProviderStatus", MailerServiceServer.ReportProviderStatus)},
	},
	Streams:  []gogrpc.StreamDesc{},
	Metadata: "notifications/v1/mailer.proto",
}

type unaryMethod func(MailerServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryMethod) gogrpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor gogrpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(MailerServiceServer), ctx, in)
		}
		info := &gogrpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: FullMethod(method),
		}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(MailerServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}
