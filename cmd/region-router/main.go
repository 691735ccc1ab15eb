// Command region-router copies the GDELT events of one country from the input
// topic to the output topic with exactly once semantics.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	streams "github.com/damoon/kafka-region-router"
	"github.com/damoon/kafka-region-router/internal/config"
	"github.com/damoon/kafka-region-router/internal/logging"
	"github.com/damoon/kafka-region-router/region"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	cfg := config.Defaults(time.Now())

	cmd := &cobra.Command{
		Use:           "region-router",
		Short:         "Route the events of one country to their own topic",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			complete, err := cfg.Complete()
			if err != nil {
				cmd.PrintErrln(err)
				return err
			}

			logger, err := logging.New(cmd.ErrOrStderr(), complete.LogLevel)
			if err != nil {
				cmd.PrintErrln(err)
				return err
			}

			err = run(cmd.Context(), logger, complete)
			if err != nil {
				logger.Error("streaming exactly once", "error", err)
			}
			return err
		},
	}

	cfg.RegisterFlags(cmd.Flags())
	cfg.RegisterRouteFlags(cmd.Flags())
	cfg.RegisterRunFlags(cmd.Flags())
	cfg.RegisterInputFlags(cmd.Flags())

	return cmd
}

func run(ctx context.Context, logger *slog.Logger, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if d := cfg.RunDuration(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	logger.Info("configuration", cfg.Attrs()...)

	app := build(logger, cfg)

	return app.Run(ctx)
}

// build wires input topic -> region filter -> rekey -> output topic.
func build(logger *slog.Logger, cfg config.Config) *streams.StreamingApplication {
	router := region.Router{
		Target: cfg.Target,
		Key:    cfg.Key,
	}

	app := streams.NewStreamingApplication(cfg.ApplicationName, cfg.Instance, cfg.KafkaServer,
		streams.WithLogger(logger),
	)

	return router.
		Apply(app.StreamStringTopic(cfg.InputTopic)).
		WriteTo(cfg.OutputTopic, streams.EncodeString, streams.EncodeString)
}
