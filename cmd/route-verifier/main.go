// Command route-verifier reads the committed content of the output topic and
// checks that every record belongs to the configured country and carries the
// configured key.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/damoon/kafka-region-router/internal/config"
	"github.com/damoon/kafka-region-router/internal/logging"
)

const pollTimeMs = 100

var errViolations = errors.New("output topic holds misrouted records")

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	cfg := config.Defaults(time.Now())

	cmd := &cobra.Command{
		Use:           "route-verifier",
		Short:         "Verify the routed records of the output topic",
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

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err = run(ctx, logger, complete)
			if err != nil {
				logger.Error("verify output topic", "error", err)
			}
			return err
		},
	}

	cfg.RegisterFlags(cmd.Flags())
	cfg.RegisterRouteFlags(cmd.Flags())

	return cmd
}

func run(ctx context.Context, logger *slog.Logger, cfg config.Config) error {
	instanceID := "verify-" + uuid.NewString()

	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		// General
		"bootstrap.servers": cfg.KafkaServer,
		"client.id":         instanceID,

		// Consumer
		"group.id":                        instanceID,
		"go.application.rebalance.enable": true,
		"enable.partition.eof":            true,
		"auto.offset.reset":               "earliest",
		"enable.auto.commit":              false,
		"isolation.level":                 "read_committed",
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}
	defer c.Close()

	err = c.Subscribe(cfg.OutputTopic, nil)
	if err != nil {
		return fmt.Errorf("subscribe to topic %s: %w", cfg.OutputTopic, err)
	}

	v := newVerifier(logger, cfg.Target, cfg.Key)

	err = v.consume(ctx, c)
	if err != nil {
		return err
	}

	r := v.report()
	logger.Info("verification finished",
		"records", r.Records,
		"violations", r.Violations,
		"duplicates", r.Duplicates,
		"partitions", len(r.PerPartition),
	)

	if r.Violations > 0 {
		return fmt.Errorf("%w: %d of %d", errViolations, r.Violations, r.Records)
	}
	return nil
}
