package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vibast-solutions/ms-go-mailer/app/queue"
)

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Consume queued messages",
	Long:  "Consume queued messages from Redis streams.",
}

// init registers consume subcommands.
func init() {
	consumeCmd.AddCommand(consumeEmailsCmd)
	rootCmd.AddCommand(consumeCmd)
}

var consumeEmailsCmd = &cobra.Command{
	Use:   "emails [consumer_name]",
	Short: "Start the email queue consumer",
	Long:  "Start a worker that reads email messages from the Redis stream, sends them through the configured provider, and promotes due retries.",
	Args:  cobra.ExactArgs(1),
	Run:   runConsumeEmails,
}

// runConsumeEmails starts the email queue consumer and the retry promoter.
func runConsumeEmails(_ *cobra.Command, args []string) {
	consumerName := args[0]

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap(ctx)
	if err != nil {
		logrus.WithError(err).Fatal("failed to start")
	}
	defer app.Close()

	logger := app.logger
	consumer := queue.NewEmailConsumer(app.redis, app.messages, queue.ConsumerConfig{
		Name:            consumerName,
		DeliverTimeout:  app.cfg.Consumer.DeliverTimeout,
		ReclaimIdle:     app.cfg.Consumer.ReclaimIdle,
		ReclaimInterval: app.cfg.Consumer.ReclaimInterval,
		FailureBackoff:  app.cfg.Consumer.FailureBackoff,
	}, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		logger.Info("received shutdown signal, stopping consumer")
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return app.scheduler.Run(gctx, app.cfg.Retry.PromoteInterval) })

	if err := g.Wait(); err != nil {
		logger.WithError(err).Fatal("consumer error")
	}

	logger.Info("consumer stopped")
}
