// Command gdelt-producer publishes every event of a GDELT daily export to the
// input topic of the router.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/spf13/cobra"

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
	targetMps := -1

	cmd := &cobra.Command{
		Use:           "gdelt-producer",
		Short:         "Publish a GDELT daily export to Kafka",
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

			err = produce(ctx, logger, complete, targetMps)
			if err != nil {
				logger.Error("produce export", "error", err)
			}
			return err
		},
	}

	cfg.RegisterFlags(cmd.Flags())
	cfg.RegisterInputFlags(cmd.Flags())
	cmd.Flags().IntVar(&targetMps, "target-mps", targetMps, "messages per second to aim for, -1 for no limit")

	return cmd
}

func produce(ctx context.Context, logger *slog.Logger, cfg config.Config, targetMps int) error {
	logger.Info("loading export", "input", cfg.Input)

	export, err := loadExport(ctx, http.DefaultClient, cfg.Input)
	if err != nil {
		return err
	}

	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("look up hostname: %w", err)
	}

	p, err := kafka.NewProducer(&kafka.ConfigMap{
		// General
		"bootstrap.servers": cfg.KafkaServer,
		"client.id":         "gdelt-producer-" + hostname,

		// Producer
		"enable.idempotence": true,
		"compression.codec":  "zstd",
	})
	if err != nil {
		return fmt.Errorf("create producer: %w", err)
	}

	termCh, doneCh := logEvents(logger, p.Events())

	pub := &publisher{
		logger:    logger,
		producer:  p,
		topic:     cfg.InputTopic,
		targetMps: targetMps,
		delay:     time.Millisecond,
	}

	err = eachLine(export, func(line string) error {
		return pub.publish(ctx, line)
	})

	logger.Info("flushing producer", "messages", pub.msgCount)
	left := flush(logger, p, flushLimit)

	close(termCh)
	<-doneCh

	fatalErr := p.GetFatalError()
	p.Close()

	if err != nil {
		return err
	}
	if fatalErr != nil {
		return fmt.Errorf("producer: %w", fatalErr)
	}
	if left > 0 {
		return fmt.Errorf("%d messages not delivered", left)
	}

	logger.Info("export published", "messages", pub.msgCount, "topic", cfg.InputTopic)
	return nil
}

const (
	minDelay   = time.Microsecond
	flushLimit = 30 * time.Second
)

type flusher interface {
	Flush(timeoutMs int) int
}

// flush waits for outstanding deliveries until none are left or limit has
// passed, and returns the number of messages still queued.
func flush(logger *slog.Logger, p flusher, limit time.Duration) int {
	deadline := time.Now().Add(limit)

	n := p.Flush(1000)
	for n > 0 && time.Now().Before(deadline) {
		logger.Info("flushing producer", "messages_left", n)
		n = p.Flush(1000)
	}
	return n
}

type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
}

type publisher struct {
	logger    *slog.Logger
	producer  producer
	topic     string
	targetMps int

	msgCount     int
	msgCountPrev int
	lastLog      time.Time
	delay        time.Duration
}

// publish sends one event keyed by its event id. Lines without an id are skipped.
func (p *publisher) publish(ctx context.Context, line string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	id := region.ID(line)
	if id == "" {
		return nil
	}

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &p.topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(id),
		Value: []byte(line),
	}

	for {
		err := p.producer.Produce(msg, nil)
		if err == nil {
			break
		}

		var kerr kafka.Error
		if errors.As(err, &kerr) && kerr.IsFatal() {
			return fmt.Errorf("produce message: %w", err)
		}

		p.logger.Warn("produce message", "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}

	p.msgCount++
	p.throttle()

	return nil
}

// throttle logs the rate once per second and, with a target rate, adapts the
// delay between messages to reach it.
func (p *publisher) throttle() {
	now := time.Now()
	if p.lastLog.IsZero() {
		p.lastLog = now
	}

	if elapsed := now.Sub(p.lastLog); elapsed >= time.Second {
		count := p.msgCount - p.msgCountPrev
		p.msgCountPrev = p.msgCount
		p.lastLog = now

		if p.targetMps <= 0 {
			p.logger.Info("throughput", "messages_per_second", count)
		} else {
			p.delay = time.Duration(float64(count) / float64(p.targetMps) * float64(p.delay))
			if p.delay < minDelay {
				p.delay = minDelay
			}
			p.logger.Info("throughput", "messages_per_second", count, "delay", p.delay)
		}
	}

	if p.targetMps > 0 {
		time.Sleep(p.delay)
	}
}

func logEvents(logger *slog.Logger, events <-chan kafka.Event) (chan<- struct{}, <-chan struct{}) {
	termCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		defer close(doneCh)
		for {
			select {
			case <-termCh:
				return

			case e := <-events:
				switch ev := e.(type) {
				case *kafka.Message:
					if ev.TopicPartition.Error != nil {
						logger.Warn("delivery failed", "error", ev.TopicPartition.Error)
					}

				case kafka.Error:
					if ev.IsFatal() {
						logger.Error("fatal producer error", "error", ev)
						continue
					}
					logger.Warn("producer error", "error", ev)

				default:
					logger.Debug("ignored producer event", "event", e)
				}
			}
		}
	}()

	return termCh, doneCh
}
