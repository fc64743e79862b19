package controller

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/vibast-solutions/ms-go-mailer/app/dto"
	"github.com/vibast-solutions/ms-go-mailer/app/entity"
	"github.com/vibast-solutions/ms-go-mailer/app/service"
)

// MessagePublisher hands a stored message to the delivery queue.
type MessagePublisher interface {
	Publish(ctx context.Context, messageID string) error
}

type MessageController struct {
	messageService *service.MessageService
	publisher      MessagePublisher
	logger         logrus.FieldLogger
}

// NewMessageController constructs the HTTP message controller.
func NewMessageController(messageService *service.MessageService, publisher MessagePublisher, logger logrus.FieldLogger) *MessageController {
	return &MessageController{messageService: messageService, publisher: publisher, logger: logger}
}

// Send validates, stores, and enqueues an email.
func (c *MessageController) Send(ctx echo.Context) error {
	req, err := dto.SendEmailFromEchoContext(ctx)
	if err != nil {
		return ctx.JSON(http.StatusBadRequest, errorBody("invalid request body"))
	}
	if err := req.Validate(); err != nil {
		return ctx.JSON(http.StatusBadRequest, errorBody(err.Error()))
	}

	reqCtx := requestContext(ctx)
	msg, err := c.messageService.CreateMessage(reqCtx, req.ToInput())
	if err != nil {
		if errors.Is(err, service.ErrDuplicateMessageID) {
			return ctx.JSON(http.StatusConflict, errorBody("duplicate message id"))
		}
		c.logger.WithError(err).Error("create message failed")
		return ctx.JSON(http.StatusInternalServerError, errorBody("failed to create message"))
	}

	if err := c.publisher.Publish(reqCtx, msg.ID); err != nil {
		c.logger.WithError(err).WithField("message_id", msg.ID).Error("enqueue message failed")
		_ = c.messageService.DeleteMessage(reqCtx, msg.ID)
		return ctx.JSON(http.StatusInternalServerError, errorBody("failed to queue message"))
	}

	return ctx.JSON(http.StatusAccepted, dto.NewMessageResponse(msg))
}

// Get renders one message.
func (c *MessageController) Get(ctx echo.Context) error {
	msg, err := c.messageService.GetMessage(requestContext(ctx), ctx.Param("id"))
	if err != nil {
		return c.renderError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, dto.NewMessageResponse(msg))
}

// List renders a page of messages, newest first.
func (c *MessageController) List(ctx echo.Context) error {
	var query service.ListQuery

	if value := ctx.QueryParam("status"); value != "" {
		status, err := entity.ParseStatus(value)
		if err != nil {
			return ctx.JSON(http.StatusBadRequest, errorBody("invalid status"))
		}
		query.Status = &status
	}

	cursor, err := dto.ParseCursor(ctx.QueryParam("cursor"))
	if err != nil {
		return ctx.JSON(http.StatusBadRequest, errorBody("invalid cursor"))
	}
	query.Cursor = cursor

	if value := ctx.QueryParam("limit"); value != "" {
		limit, err := strconv.Atoi(value)
		if err != nil || limit < 1 {
			return ctx.JSON(http.StatusBadRequest, errorBody("invalid limit"))
		}
		query.Limit = limit
	}

	page, err := c.messageService.ListMessages(requestContext(ctx), query)
	if err != nil {
		return c.renderError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, dto.NewMessageListResponse(page))
}

// Cancel moves a message that has not been sent yet to CANCELLED.
func (c *MessageController) Cancel(ctx echo.Context) error {
	msg, err := c.messageService.CancelMessage(requestContext(ctx), ctx.Param("id"))
	if err != nil {
		return c.renderError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, dto.NewMessageResponse(msg))
}

// ProviderStatus applies an asynchronous provider callback.
func (c *MessageController) ProviderStatus(ctx echo.Context) error {
	req, err := dto.ProviderStatusFromEchoContext(ctx)
	if err != nil {
		return ctx.JSON(http.StatusBadRequest, errorBody("invalid request body"))
	}
	signal, err := req.Validate()
	if err != nil {
		return ctx.JSON(http.StatusBadRequest, errorBody(err.Error()))
	}

	msg, err := c.messageService.ApplyProviderSignal(requestContext(ctx), req.Ref(), signal, req.ErrorCode)
	if err != nil {
		return c.renderError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, dto.NewMessageResponse(msg))
}

func (c *MessageController) renderError(ctx echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrMessageNotFound):
		return ctx.JSON(http.StatusNotFound, errorBody("message not found"))
	case errors.Is(err, service.ErrInvalidTransition):
		return ctx.JSON(http.StatusConflict, errorBody(err.Error()))
	default:
		c.logger.WithError(err).Error("request failed")
		return ctx.JSON(http.StatusInternalServerError, errorBody("internal error"))
	}
}

func requestContext(ctx echo.Context) context.Context {
	reqCtx := ctx.Request().Context()
	if requestID := ctx.Response().Header().Get(echo.HeaderXRequestID); requestID != "" {
		return service.WithRequestID(reqCtx, requestID)
	}
	if requestID := ctx.Request().Header.Get(echo.HeaderXRequestID); requestID != "" {
		return service.WithRequestID(reqCtx, requestID)
	}
	return reqCtx
}

func errorBody(message string) map[string]string {
	return map[string]string{"error": message}
}
