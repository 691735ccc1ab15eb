// Command topic-init creates the input and output topics of the router and
// checks their partition layout.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"

	"github.com/damoon/kafka-region-router/internal/config"
	"github.com/damoon/kafka-region-router/internal/logging"
)

const dialTimeout = 10 * time.Second

type options struct {
	partitions  int
	replication int
}

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	cfg := config.Defaults(time.Now())
	opts := options{
		partitions:  3,
		replication: 1,
	}

	cmd := &cobra.Command{
		Use:           "topic-init",
		Short:         "Create the topics of the router",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			complete, err := cfg.Complete()
			if err == nil {
				err = opts.validate()
			}
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

			err = ensureTopics(ctx, logger, complete, opts)
			if err != nil {
				logger.Error("topic init failed", "error", err)
			}
			return err
		},
	}

	cfg.RegisterFlags(cmd.Flags())
	cmd.Flags().IntVar(&opts.partitions, "partitions", opts.partitions, "partition count of both topics")
	cmd.Flags().IntVar(&opts.replication, "replication", opts.replication, "replication factor of both topics")

	return cmd
}

func (o options) validate() error {
	var errs []error
	if o.partitions < 1 {
		errs = append(errs, fmt.Errorf("partitions must be at least 1, got %d", o.partitions))
	}
	if o.replication < 1 {
		errs = append(errs, fmt.Errorf("replication must be at least 1, got %d", o.replication))
	}
	return errors.Join(errs...)
}

func topicConfigs(cfg config.Config, opts options) []kafka.TopicConfig {
	configs := []kafka.TopicConfig{}
	for _, topic := range []string{cfg.InputTopic, cfg.OutputTopic} {
		configs = append(configs, kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     opts.partitions,
			ReplicationFactor: opts.replication,
		})
	}
	return configs
}

func ensureTopics(ctx context.Context, logger *slog.Logger, cfg config.Config, opts options) error {
	broker := firstBroker(cfg.KafkaServer)

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := kafka.DialContext(dialCtx, "tcp", broker)
	if err != nil {
		return fmt.Errorf("dial broker %s: %w", broker, err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Warn("close broker connection", "error", err)
		}
	}()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("fetch controller metadata: %w", err)
	}
	ctrlAddr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))

	ctrlCtx, ctrlCancel := context.WithTimeout(ctx, dialTimeout)
	defer ctrlCancel()
	admin, err := kafka.DialContext(ctrlCtx, "tcp", ctrlAddr)
	if err != nil {
		return fmt.Errorf("dial controller %s: %w", ctrlAddr, err)
	}
	defer func() {
		if err := admin.Close(); err != nil {
			logger.Warn("close controller connection", "error", err)
		}
	}()
	if err := admin.SetDeadline(time.Now().Add(dialTimeout)); err != nil {
		logger.Warn("set controller deadline", "error", err)
	}

	configs := topicConfigs(cfg, opts)
	err = admin.CreateTopics(configs...)
	switch {
	case err == nil:
		logger.Info("topics created", "count", len(configs), "partitions", opts.partitions, "replication", opts.replication)
	case isAlreadyExists(err):
		logger.Info("topics exist", "error", err)
	default:
		return fmt.Errorf("create topics: %w", err)
	}

	for _, tc := range configs {
		partitions, err := admin.ReadPartitions(tc.Topic)
		if err != nil {
			return fmt.Errorf("read partitions for %s: %w", tc.Topic, err)
		}

		count := partitionCount(partitions, tc.Topic)
		if count != tc.NumPartitions {
			logger.Warn("topic has unexpected partition count", "topic", tc.Topic, "partitions", count, "expected", tc.NumPartitions)
			continue
		}
		logger.Info("topic ready", "topic", tc.Topic, "partitions", count)
	}

	return nil
}

func firstBroker(servers string) string {
	for _, s := range strings.Split(servers, ",") {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return servers
}

func partitionCount(partitions []kafka.Partition, topic string) int {
	seen := map[int]struct{}{}
	for _, p := range partitions {
		if p.Topic != topic {
			continue
		}
		seen[p.ID] = struct{}{}
	}
	return len(seen)
}

func isAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, kafka.TopicAlreadyExists) {
		return true
	}
	return strings.Contains(err.Error(), "already exists")
}
