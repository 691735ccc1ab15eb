package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"github.com/damoon/kafka-region-router/region"
)

type consumer interface {
	Poll(timeoutMs int) kafka.Event
	Assign(partitions []kafka.TopicPartition) error
	Unassign() error
}

// report summarises what the verifier has seen so far.
type report struct {
	Records      int
	Violations   int
	Duplicates   int
	PerPartition map[int32]int
}

type verifier struct {
	logger *slog.Logger
	router region.Router

	records    int
	violations int
	duplicates int
	partitions map[int32]int
	seen       map[string]int

	assigned int
	atEnd    map[int32]bool
}

func newVerifier(logger *slog.Logger, target, key string) *verifier {
	return &verifier{
		logger:     logger,
		router:     region.Router{Target: target, Key: key},
		partitions: map[int32]int{},
		seen:       map[string]int{},
		atEnd:      map[int32]bool{},
	}
}

// check validates one routed record. Duplicated event ids are counted but
// accepted, the export may have been published more than once.
func (v *verifier) check(partition int32, key, value string) error {
	v.records++
	v.partitions[partition]++

	if id := region.ID(value); id != "" {
		v.seen[id]++
		if v.seen[id] == 2 {
			v.duplicates++
		}
	}

	routed, ok := v.router.Route(value)
	if !ok {
		v.violations++
		return fmt.Errorf("record has region %q, want %q", region.Code(value), v.router.Target)
	}

	if key != routed.Key {
		v.violations++
		return fmt.Errorf("record has key %q, want %q", key, routed.Key)
	}

	return nil
}

func (v *verifier) report() report {
	perPartition := make(map[int32]int, len(v.partitions))
	for p, n := range v.partitions {
		perPartition[p] = n
	}

	return report{
		Records:      v.records,
		Violations:   v.violations,
		Duplicates:   v.duplicates,
		PerPartition: perPartition,
	}
}

// consume reads until every assigned partition is at its end at the same time,
// the context ends, or the consumer fails fatally. A partition that receives a
// message after its end is no longer at its end.
func (v *verifier) consume(ctx context.Context, c consumer) error {
	for {
		select {
		case <-ctx.Done():
			v.logger.Info("verification interrupted", "records", v.records)
			return ctx.Err()

		default:
			ev := c.Poll(pollTimeMs)
			if ev == nil {
				continue
			}

			switch e := ev.(type) {
			case *kafka.Message:
				delete(v.atEnd, e.TopicPartition.Partition)
				err := v.check(e.TopicPartition.Partition, string(e.Key), string(e.Value))
				if err != nil {
					v.logger.Warn("misrouted record",
						"partition", e.TopicPartition.Partition,
						"offset", e.TopicPartition.Offset,
						"error", err,
					)
				}

			case kafka.AssignedPartitions:
				v.logger.Info("partitions assigned", "partitions", e.Partitions)
				err := c.Assign(e.Partitions)
				if err != nil {
					return fmt.Errorf("assign partitions: %w", err)
				}
				v.assigned = len(e.Partitions)
				v.atEnd = map[int32]bool{}

			case kafka.RevokedPartitions:
				v.logger.Info("partitions revoked", "partitions", e.Partitions)
				err := c.Unassign()
				if err != nil {
					return fmt.Errorf("unassign partitions: %w", err)
				}
				v.assigned = 0
				v.atEnd = map[int32]bool{}

			case kafka.PartitionEOF:
				v.logger.Debug("partition end", "partition", e.Partition, "offset", e.Offset)
				v.atEnd[e.Partition] = true
				if len(v.atEnd) == v.assigned {
					return nil
				}

			case kafka.Error:
				if e.IsFatal() {
					return fmt.Errorf("consume: %w", e)
				}
				v.logger.Warn("consumer error", "error", e)

			default:
				v.logger.Debug("ignored consumer event", "event", e)
			}
		}
	}
}
