package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	authclient "github.com/vibast-solutions/lib-go-auth/client"
	authmiddleware "github.com/vibast-solutions/lib-go-auth/middleware"
	authservice "github.com/vibast-solutions/lib-go-auth/service"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/vibast-solutions/ms-go-mailer/app/controller"
	grpcserver "github.com/vibast-solutions/ms-go-mailer/app/grpc"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and gRPC servers",
	Long:  "Start both HTTP (Echo) and gRPC servers for the mailer service.",
	Run:   runServe,
}

// init registers the serve command.
func init() {
	rootCmd.AddCommand(serveCmd)
}

// runServe wires dependencies and starts HTTP and gRPC servers.
func runServe(_ *cobra.Command, _ []string) {
	app, err := bootstrap(context.Background())
	if err != nil {
		logrus.WithError(err).Fatal("failed to start")
	}
	defer app.Close()

	logger := app.logger
	authClient, err := authclient.NewGRPCClientFromAddr(context.Background(), app.cfg.Auth.GRPCAddr)
	if err != nil {
		logger.WithError(err).Fatal("failed to create auth client")
	}
	defer authClient.Close()
	internalAuth := authservice.NewInternalAuthService(authClient)
	serviceName := app.cfg.ServiceName

	messageController := controller.NewMessageController(app.messages, app.producer, logger)
	grpcMailerServer := grpcserver.NewServer(app.messages, app.producer, logger)

	e := setupHTTPServer(messageController, authmiddleware.NewEchoInternalAuthMiddleware(internalAuth), serviceName, logger)
	grpcServer := setupGRPCServer(grpcMailerServer, authmiddleware.NewGRPCInternalAuthMiddleware(internalAuth), serviceName, logger)

	grpcAddr := net.JoinHostPort(app.cfg.GRPC.Host, app.cfg.GRPC.Port)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		logger.WithError(err).Fatal("failed to listen on gRPC port")
	}

	go func() {
		httpAddr := net.JoinHostPort(app.cfg.HTTP.Host, app.cfg.HTTP.Port)
		logger.WithField("addr", httpAddr).Info("starting HTTP server")
		if err := e.Start(httpAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("HTTP server error")
		}
	}()

	go func() {
		logger.WithField("addr", lis.Addr().String()).Info("starting gRPC server")
		if err := grpcServer.Serve(lis); err != nil {
			logger.WithError(err).Fatal("gRPC server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown error")
	}
	grpcServer.GracefulStop()

	logger.Info("server stopped")
}

// setupHTTPServer configures the Echo HTTP server and routes. The /email
// routes require an internal API key granted access to serviceName.
func setupHTTPServer(
	messageController *controller.MessageController,
	internalAuthMW *authmiddleware.EchoInternalAuthMiddleware,
	serviceName string,
	logger logrus.FieldLogger,
) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomiddleware.RequestID())
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.RequestLoggerWithConfig(echomiddleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(_ echo.Context, v echomiddleware.RequestLoggerValues) error {
			logger.WithFields(logrus.Fields{
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency":    v.Latency.String(),
				"request_id": v.RequestID,
			}).Info("http request")
			return nil
		},
	}))

	email := e.Group("/email")
	internalAuthMW.ProtectAllWithAccess(email, serviceName)
	email.POST("/messages", messageController.Send)
	email.GET("/messages", messageController.List)
	email.GET("/messages/:id", messageController.Get)
	email.POST("/messages/:id/cancel", messageController.Cancel)
	email.POST("/provider/status", messageController.ProviderStatus)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	return e
}

// setupGRPCServer builds the gRPC server with the mailer service registered.
func setupGRPCServer(
	mailerServer *grpcserver.Server,
	internalAuthMW *authmiddleware.GRPCInternalAuthMiddleware,
	serviceName string,
	logger logrus.FieldLogger,
) *grpc.Server {
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		unaryLoggingInterceptor(logger),
		internalAuthMW.UnaryRequireInternalAccess(serviceName),
	))
	grpcserver.RegisterMailerServiceServer(grpcServer, mailerServer)
	return grpcServer
}

func unaryLoggingInterceptor(logger logrus.FieldLogger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.WithFields(logrus.Fields{
			"method":  info.FullMethod,
			"code":    status.Code(err).String(),
			"latency": time.Since(start).String(),
		}).Info("grpc request")
		return resp, err
	}
}
