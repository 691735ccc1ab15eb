package streams

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
)

const (
	pollTimeMs   = 100
	retryBackoff = 10 * time.Millisecond
)

// consumer mirrors the subset of *kafka.Consumer the application drives.
type consumer interface {
	Poll(timeoutMs int) kafka.Event
	Assign(partitions []kafka.TopicPartition) error
	Unassign() error
	Assignment() ([]kafka.TopicPartition, error)
	Position(partitions []kafka.TopicPartition) ([]kafka.TopicPartition, error)
	Committed(partitions []kafka.TopicPartition, timeoutMs int) ([]kafka.TopicPartition, error)
	Seek(partition kafka.TopicPartition, timeoutMs int) error
	GetConsumerGroupMetadata() (*kafka.ConsumerGroupMetadata, error)
}

// producer mirrors the subset of *kafka.Producer the application drives.
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	InitTransactions(ctx context.Context) error
	BeginTransaction() error
	SendOffsetsToTransaction(ctx context.Context, offsets []kafka.TopicPartition, consumerMetadata *kafka.ConsumerGroupMetadata) error
	CommitTransaction(ctx context.Context) error
	AbortTransaction(ctx context.Context) error
}

func consumerConfig(brokers, groupID, instanceID string) *kafka.ConfigMap {
	return &kafka.ConfigMap{
		// General
		"bootstrap.servers": brokers,
		"client.id":         instanceID,

		// Consumer
		"group.id":                        groupID,
		"group.instance.id":               instanceID,
		"go.application.rebalance.enable": true,
		"enable.partition.eof":            true,
		"auto.offset.reset":               "earliest",
		"enable.auto.commit":              false,
		"isolation.level":                 "read_committed",
	}
}

func producerConfig(brokers, instanceID string) *kafka.ConfigMap {
	return &kafka.ConfigMap{
		// General
		"bootstrap.servers": brokers,
		"client.id":         instanceID,

		// Producer
		"enable.idempotence":     true,
		"transaction.timeout.ms": int(transactionTimeout / time.Millisecond),
		"transactional.id":       instanceID,
		"compression.codec":      "zstd",
	}
}

func kafkaError(err error) (kafka.Error, bool) {
	var kerr kafka.Error
	ok := errors.As(err, &kerr)
	return kerr, ok
}

func isRetriable(err error) bool {
	kerr, ok := kafkaError(err)
	return ok && kerr.IsRetriable()
}

func isFatal(err error) bool {
	kerr, ok := kafkaError(err)
	return ok && kerr.IsFatal()
}

func requiresAbort(err error) bool {
	kerr, ok := kafkaError(err)
	return ok && kerr.TxnRequiresAbort()
}

// retry calls op until it succeeds, fails permanently or ctx ends.
func retry(ctx context.Context, op func() error) error {
	for {
		err := op()
		if err == nil || !isRetriable(err) {
			return err
		}

		select {
		case <-ctx.Done():
			return err
		case <-time.After(retryBackoff):
		}
	}
}

func initTransaction(ctx context.Context, p producer) error {
	ctx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()

	return retry(ctx, func() error {
		return p.InitTransactions(ctx)
	})
}

// commitOffsets adds the current consumer positions to the open transaction.
func commitOffsets(ctx context.Context, c consumer, p producer) error {
	consumerMetadata, err := c.GetConsumerGroupMetadata()
	if err != nil {
		return fmt.Errorf("look up group metadata: %w", err)
	}

	partitions, err := c.Assignment()
	if err != nil {
		return fmt.Errorf("look up assigned partitions: %w", err)
	}

	offsets, err := c.Position(partitions)
	if err != nil {
		return fmt.Errorf("look up positions: %w", err)
	}

	return p.SendOffsetsToTransaction(ctx, offsets, consumerMetadata)
}

// rewindOffsets moves the consumer back to the last committed offsets.
func rewindOffsets(ctx context.Context, c consumer) error {
	partitions, err := c.Assignment()
	if err != nil {
		return fmt.Errorf("look up assigned partitions: %w", err)
	}

	timeout, err := ctxTimeout(ctx)
	if err != nil {
		return err
	}

	positions, err := c.Committed(partitions, timeout)
	if err != nil {
		return fmt.Errorf("fetch commited offsets: %w", err)
	}

	for _, position := range positions {
		if position.Offset < 0 {
			position.Offset = kafka.OffsetBeginning
		}

		timeout, err := ctxTimeout(ctx)
		if err != nil {
			return err
		}

		err = c.Seek(position, timeout)
		if err != nil {
			return fmt.Errorf("rewind offset: %w", err)
		}
	}

	return nil
}

func ctxTimeout(ctx context.Context) (int, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0, fmt.Errorf("context has no deadline specified")
	}

	milliseconds := int(time.Until(deadline) / time.Millisecond)
	if milliseconds <= 0 {
		return 0, fmt.Errorf("context has timed out")
	}

	return milliseconds, nil
}
