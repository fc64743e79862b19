package service

import (
	"context"

	"github.com/sirupsen/logrus"
)

type requestIDKey struct{}

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	requestID, ok := ctx.Value(requestIDKey{}).(string)
	return requestID, ok && requestID != ""
}

// loggerFor tags the logger with the request ID carried by ctx, if any.
func loggerFor(ctx context.Context, logger logrus.FieldLogger) logrus.FieldLogger {
	if requestID, ok := RequestIDFromContext(ctx); ok {
		return logger.WithField("request_id", requestID)
	}
	return logger
}
