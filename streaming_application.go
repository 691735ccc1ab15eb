package streams

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"golang.org/x/sync/errgroup"

	"github.com/damoon/kafka-region-router/internal/logging"
)

const (
	setupTimeout       = 60 * time.Second
	transactionTimeout = 10 * time.Second
	flushTimeoutMs     = 1000
	shutdownTimeout    = 10 * time.Second

	defaultCommitInterval = 100 * time.Millisecond
	defaultStatsInterval  = time.Second
	defaultChannelCap     = 100
)

var (
	errNoSource = errors.New("no input topic to stream from")
	errNoSink   = errors.New("no output topic to write to")
)

// ByteArray names raw keys and values.
type ByteArray = []byte

// StreamingApplication streams messages from one Kafka topic to another using
// exactly once semantics. Build the topology with StreamTopic and WriteTo, then
// call Run once.
type StreamingApplication struct {
	applicationName, instance, brokers string

	logger         *slog.Logger
	commitInterval time.Duration
	statsInterval  time.Duration
	channelCap     int

	source *source
	sink   *sink
}

// Option configures a StreamingApplication.
type Option func(*StreamingApplication)

// WithLogger sets the logger. Without it the application logs nothing.
func WithLogger(logger *slog.Logger) Option {
	return func(s *StreamingApplication) {
		s.logger = logger
	}
}

// WithCommitInterval sets how long a transaction stays open.
func WithCommitInterval(d time.Duration) Option {
	return func(s *StreamingApplication) {
		s.commitInterval = d
	}
}

// WithStatsInterval sets how often throughput is logged.
func WithStatsInterval(d time.Duration) Option {
	return func(s *StreamingApplication) {
		s.statsInterval = d
	}
}

// WithChannelCap sets the buffer size between pipeline stages.
func WithChannelCap(n int) Option {
	return func(s *StreamingApplication) {
		s.channelCap = n
	}
}

// NewStreamingApplication initilizes a new streaming application.
// The consumer group is named after the application, the transactional id
// after the application and the instance.
func NewStreamingApplication(applicationName, instance, brokers string, opts ...Option) *StreamingApplication {
	s := &StreamingApplication{
		applicationName: applicationName,
		instance:        instance,
		brokers:         brokers,

		commitInterval: defaultCommitInterval,
		statsInterval:  defaultStatsInterval,
		channelCap:     defaultChannelCap,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.logger = logging.Default(s.logger).With("component", "streaming-application", "application", applicationName)

	return s
}

type source struct {
	topic    string
	ch       chan Msg[ByteArray, ByteArray]
	commitCh chan struct{}
}

func (s *source) close() {
	close(s.ch)
	close(s.commitCh)
}

type sink struct {
	topic  string
	stream Stream[ByteArray, ByteArray]
	routed atomic.Int64
}

// StreamTopic subscribes app to a topic and streams its decoded messages.
func StreamTopic[K, V any](app *StreamingApplication, topicName string, keyDecoder func([]byte) K, valueDecoder func([]byte) V) Stream[K, V] {
	src := &source{
		topic:    topicName,
		ch:       make(chan Msg[ByteArray, ByteArray], app.channelCap),
		commitCh: make(chan struct{}, 1),
	}
	app.source = src

	raw := Stream[ByteArray, ByteArray]{
		app:      app,
		ch:       src.ch,
		commitCh: src.commitCh,
	}

	return MapTo(raw, func(m Msg[ByteArray, ByteArray]) Msg[K, V] {
		return Msg[K, V]{
			Key:   keyDecoder(m.Key),
			Value: valueDecoder(m.Value),
		}
	})
}

// StreamStringTopic subscribes to a topic with UTF-8 keys and values.
func (s *StreamingApplication) StreamStringTopic(topicName string) Stream[string, string] {
	return StreamTopic(s, topicName, DecodeString, DecodeString)
}

// WriteTo persists messages to a topic. The stream must originate from StreamTopic.
func (s Stream[K, V]) WriteTo(topicName string, keyEncoder func(K) []byte, valueEncoder func(V) []byte) *StreamingApplication {
	encoded := MapTo(s, func(m Msg[K, V]) Msg[ByteArray, ByteArray] {
		return Msg[ByteArray, ByteArray]{
			Key:   keyEncoder(m.Key),
			Value: valueEncoder(m.Value),
		}
	})

	s.app.sink = &sink{
		topic:  topicName,
		stream: encoded,
	}

	return s.app
}

// Run streams messages from Kafka to Kafka until ctx is done.
// The open transaction is committed before Run returns.
func (s *StreamingApplication) Run(ctx context.Context) error {
	if s.source == nil {
		return errNoSource
	}
	if s.sink == nil {
		return errNoSink
	}

	groupID := s.applicationName
	instanceID := groupID + "-" + s.instance

	p, err := kafka.NewProducer(producerConfig(s.brokers, instanceID))
	if err != nil {
		return fmt.Errorf("create producer: %w", err)
	}
	defer p.Close()

	termCh, doneCh := s.logDeliveries(p.Events())
	defer func() {
		close(termCh)
		<-doneCh
	}()

	err = initTransaction(ctx, p)
	if err != nil {
		return fmt.Errorf("init transactional producer: %w", err)
	}

	c, err := kafka.NewConsumer(consumerConfig(s.brokers, groupID, instanceID))
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}
	defer func() {
		err := c.Close()
		if err != nil {
			s.logger.Error("close consumer", "error", err)
		}
	}()

	err = c.SubscribeTopics([]string{s.source.topic}, nil)
	if err != nil {
		return fmt.Errorf("subscribe topics: %w", err)
	}

	s.logger.Info("streaming",
		"input_topic", s.source.topic,
		"output_topic", s.sink.topic,
		"instance", instanceID,
	)

	err = s.stream(ctx, c, p)

	flush(s.logger, p, shutdownTimeout)

	return err
}

// stream drives the consume loop and the sink until ctx is done or either fails.
func (s *StreamingApplication) stream(ctx context.Context, c consumer, p producer) error {
	acks := make(chan struct{})
	g, gctx := errgroup.WithContext(context.Background())

	g.Go(func() error {
		return s.sink.run(gctx, s.logger, p, acks)
	})

	g.Go(func() error {
		defer s.source.close()
		return s.consume(ctx, gctx, c, p, acks)
	})

	return g.Wait()
}

func (s *StreamingApplication) consume(ctx, gctx context.Context, c consumer, p producer, acks <-chan struct{}) error {
	var flush <-chan time.Time
	inTransaction := false

	msgCount := 0
	msgCountPrev := 0
	routedPrev := int64(0)
	showLog := time.NewTicker(s.statsInterval)
	defer showLog.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stopping", "reason", ctx.Err())
			if !inTransaction {
				return nil
			}
			return s.commit(gctx, c, p, acks)

		case <-gctx.Done():
			// The sink failed and reports its own error.
			return nil

		case <-showLog.C:
			routed := s.sink.routed.Load()
			s.logger.Info("throughput",
				"consumed", msgCount-msgCountPrev,
				"routed", routed-routedPrev,
				"interval", s.statsInterval,
			)
			msgCountPrev = msgCount
			routedPrev = routed

		case <-flush:
			err := s.commit(gctx, c, p, acks)
			if err != nil {
				return fmt.Errorf("flush time limit reached: %w", err)
			}
			inTransaction = false
			flush = nil

		default:
			ev := c.Poll(pollTimeMs)
			if ev == nil {
				continue
			}

			switch e := ev.(type) {
			case *kafka.Message:
				if !inTransaction {
					err := p.BeginTransaction()
					if err != nil {
						return fmt.Errorf("begin transaction: %w", err)
					}
					inTransaction = true
					flush = time.After(s.commitInterval)
				}

				select {
				case s.source.ch <- Msg[ByteArray, ByteArray]{Key: e.Key, Value: e.Value}:
				case <-gctx.Done():
					return nil
				}
				msgCount++

			case kafka.AssignedPartitions:
				s.logger.Info("partitions assigned", "partitions", e.Partitions)
				if inTransaction {
					err := s.drainAndAbort(gctx, c, p, acks)
					if err != nil {
						return err
					}
					inTransaction = false
					flush = nil
				}
				err := c.Assign(e.Partitions)
				if err != nil {
					return fmt.Errorf("assign partitions: %w", err)
				}

			case kafka.RevokedPartitions:
				s.logger.Info("partitions revoked", "partitions", e.Partitions)
				if inTransaction {
					err := s.drainAndAbort(gctx, c, p, acks)
					if err != nil {
						return err
					}
					inTransaction = false
					flush = nil
				}
				err := c.Unassign()
				if err != nil {
					return fmt.Errorf("unassign partitions: %w", err)
				}

			case kafka.PartitionEOF:
				s.logger.Debug("reached end of partition", "partition", e)

			case kafka.Error:
				if e.IsFatal() {
					return fmt.Errorf("consumer: %w", e)
				}
				s.logger.Warn("consumer error", "error", e)

			default:
				s.logger.Debug("ignored consumer event", "event", e)
			}
		}
	}
}

// barrier sends a commit token through the pipeline and waits until the sink
// has produced every message consumed before it.
func (s *StreamingApplication) barrier(ctx context.Context, acks <-chan struct{}) error {
	select {
	case s.source.commitCh <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-acks:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// commit drains the pipeline and commits the open transaction together with
// the consumed offsets. A transaction the broker refuses is aborted instead.
func (s *StreamingApplication) commit(gctx context.Context, c consumer, p producer, acks <-chan struct{}) error {
	err := s.barrier(gctx, acks)
	if err != nil {
		return fmt.Errorf("drain pipeline: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), transactionTimeout)
	defer cancel()

	err = retry(ctx, func() error {
		return commitOffsets(ctx, c, p)
	})
	if err != nil {
		if requiresAbort(err) {
			s.logger.Warn("transaction aborted", "error", err)
			return s.abort(ctx, c, p)
		}
		return fmt.Errorf("commit offsets: %w", err)
	}

	err = retry(ctx, func() error {
		return p.CommitTransaction(ctx)
	})
	if err != nil {
		if requiresAbort(err) {
			s.logger.Warn("transaction aborted", "error", err)
			return s.abort(ctx, c, p)
		}
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

func (s *StreamingApplication) drainAndAbort(gctx context.Context, c consumer, p producer, acks <-chan struct{}) error {
	err := s.barrier(gctx, acks)
	if err != nil {
		return fmt.Errorf("drain pipeline: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), transactionTimeout)
	defer cancel()

	return s.abort(ctx, c, p)
}

// abort discards the open transaction and rewinds the consumer so the
// discarded messages get processed again.
func (s *StreamingApplication) abort(ctx context.Context, c consumer, p producer) error {
	err := retry(ctx, func() error {
		return p.AbortTransaction(ctx)
	})
	if err != nil {
		return fmt.Errorf("abort transaction: %w", err)
	}

	err = rewindOffsets(ctx, c)
	if err != nil {
		return fmt.Errorf("rewind offsets: %w", err)
	}

	return nil
}

// run produces every message of the sink stream and acknowledges every commit
// token once the messages before it are handed to the producer.
func (k *sink) run(ctx context.Context, logger *slog.Logger, p producer, acks chan<- struct{}) error {
	in := k.stream.ch
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			err := k.produce(ctx, logger, p, msg)
			if err != nil {
				k.stream.discard()
				return err
			}

		case _, ok := <-k.stream.commitCh:
			for len(in) > 0 {
				err := k.produce(ctx, logger, p, <-in)
				if err != nil {
					k.stream.discard()
					return err
				}
			}

			if !ok {
				return nil
			}

			select {
			case acks <- struct{}{}:
			case <-ctx.Done():
				k.stream.discard()
				return nil
			}
		}
	}
}

func (k *sink) produce(ctx context.Context, logger *slog.Logger, p producer, m Msg[ByteArray, ByteArray]) error {
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &k.topic,
			Partition: kafka.PartitionAny,
		},
		Key:   m.Key,
		Value: m.Value,
	}

	for {
		err := p.Produce(msg, nil)
		if err == nil {
			k.routed.Add(1)
			return nil
		}

		if _, ok := kafkaError(err); !ok || isFatal(err) {
			return fmt.Errorf("produce message: %w", err)
		}

		logger.Warn("produce message", "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff):
		}
	}
}

type flusher interface {
	Flush(timeoutMs int) int
}

// flush waits for outstanding deliveries until none are left or limit has
// passed, and returns the number of messages still queued.
func flush(logger *slog.Logger, p flusher, limit time.Duration) int {
	deadline := time.Now().Add(limit)

	n := p.Flush(flushTimeoutMs)
	for n > 0 && time.Now().Before(deadline) {
		logger.Info("flushing producer", "messages_left", n)
		n = p.Flush(flushTimeoutMs)
	}

	if n > 0 {
		logger.Warn("giving up flushing producer", "messages_left", n)
	}
	return n
}

// discard drains the stream in the background.
func (s Stream[K, V]) discard() {
	go func() {
		in := s.ch
		for {
			select {
			case _, ok := <-in:
				if !ok {
					in = nil
				}
			case _, ok := <-s.commitCh:
				if !ok {
					return
				}
			}
		}
	}()
}

// logDeliveries logs failed deliveries and producer errors until termCh is closed.
func (s *StreamingApplication) logDeliveries(events <-chan kafka.Event) (chan<- struct{}, <-chan struct{}) {
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
					if ev.TopicPartition.Error == nil {
						continue
					}
					if kerr, ok := kafkaError(ev.TopicPartition.Error); ok && kerr.Code() == kafka.ErrPurgeQueue {
						continue
					}
					s.logger.Warn("message failed", "error", ev.TopicPartition.Error)

				case kafka.Error:
					if ev.IsFatal() {
						s.logger.Error("fatal producer error", "error", ev)
						continue
					}
					s.logger.Warn("producer error", "error", ev)

				default:
					s.logger.Debug("unhandled producer event", "event", e)
				}
			}
		}
	}()

	return termCh, doneCh
}

func DecodeByteArray(k []byte) ByteArray {
	return k
}

func DecodeString(k []byte) string {
	return string(k)
}

func EncodeByteArray(k ByteArray) []byte {
	return k
}

func EncodeString(s string) []byte {
	return []byte(s)
}
