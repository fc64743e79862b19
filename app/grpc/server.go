package grpc

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vibast-solutions/ms-go-mailer/app/dto"
	"github.com/vibast-solutions/ms-go-mailer/app/entity"
	"github.com/vibast-solutions/ms-go-mailer/app/service"
)

// MessagePublisher hands a stored message to the delivery queue.
type MessagePublisher interface {
	Publish(ctx context.Context, messageID string) error
}

type Server struct {
	messageService *service.MessageService
	publisher      MessagePublisher
	logger         logrus.FieldLogger
}

// NewServer constructs a gRPC server handler.
func NewServer(messageService *service.MessageService, publisher MessagePublisher, logger logrus.FieldLogger) *Server {
	return &Server{messageService: messageService, publisher: publisher, logger: logger}
}

// SendEmail validates the request, stores the message, and enqueues it for delivery.
func (s *Server) SendEmail(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := dto.SendEmailFromStruct(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	ctx = withRequestID(ctx)
	msg, err := s.messageService.CreateMessage(ctx, req.ToInput())
	if err != nil {
		if errors.Is(err, service.ErrDuplicateMessageID) {
			return nil, status.Error(codes.AlreadyExists, "duplicate message id")
		}
		s.logger.WithError(err).Error("create message failed")
		return nil, status.Error(codes.Internal, "failed to create message")
	}

	if err := s.publisher.Publish(ctx, msg.ID); err != nil {
		s.logger.WithError(err).WithField("message_id", msg.ID).Error("enqueue message failed")
		_ = s.messageService.DeleteMessage(ctx, msg.ID)
		return nil, status.Error(codes.Internal, "failed to queue message")
	}

	return render(dto.NewMessageResponse(msg))
}

// GetMessage returns one message by its "id" field.
func (s *Server) GetMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := in.GetFields()["id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	msg, err := s.messageService.GetMessage(withRequestID(ctx), id)
	if err != nil {
		return nil, s.statusError(err)
	}
	return render(dto.NewMessageResponse(msg))
}

// CancelMessage cancels a message that has not been sent yet.
func (s *Server) CancelMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := in.GetFields()["id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	msg, err := s.messageService.CancelMessage(withRequestID(ctx), id)
	if err != nil {
		return nil, s.statusError(err)
	}
	return render(dto.NewMessageResponse(msg))
}

// ReportProviderStatus applies an asynchronous provider status signal.
func (s *Server) ReportProviderStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := dto.ProviderStatusFromStruct(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid request")
	}
	signal, err := req.Validate()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	msg, err := s.messageService.ApplyProviderSignal(withRequestID(ctx), req.Ref(), signal, req.ErrorCode)
	if err != nil {
		return nil, s.statusError(err)
	}
	return render(dto.NewMessageResponse(msg))
}

func (s *Server) statusError(err error) error {
	switch {
	case errors.Is(err, service.ErrMessageNotFound):
		return status.Error(codes.NotFound, "message not found")
	case errors.Is(err, service.ErrInvalidTransition):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, entity.ErrUnknownStatus):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		s.logger.WithError(err).Error("request failed")
		return status.Error(codes.Internal, "internal error")
	}
}

func withRequestID(ctx context.Context) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx
	}
	if values := md.Get("x-request-id"); len(values) > 0 && values[0] != "" {
		return service.WithRequestID(ctx, values[0])
	}
	return ctx
}

func render(resp dto.MessageResponse) (*structpb.Struct, error) {
	out, err := dto.ToStruct(resp)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to render message")
	}
	return out, nil
}
