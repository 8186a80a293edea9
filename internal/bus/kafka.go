package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"order_relay/internal/domain"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Producer is the subset of sarama.SyncProducer the bus needs.
type Producer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

// Reader is the subset of *kafka.Reader the bus needs.
type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaConfig holds the broker settings of a KafkaBus.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// KafkaBus writes updates to a Kafka topic keyed by bus topic and delivers
// what it reads back to local subscribers. Keying by topic keeps each topic
// inside one partition, and sequence numbers are assigned by the consuming
// side in partition order. Every instance therefore numbers the updates of a
// topic contiguously, whichever instance published them, and a failed send
// consumes no number.
type KafkaBus struct {
	hub      *Hub
	seq      domain.TopicSequencer
	producer Producer
	reader   Reader
	topic    string
	logger   *slog.Logger
	closed   atomic.Bool
	done     chan struct{}

	// DeliveryWait bounds how long Publish waits for its own record to be
	// read back and numbered.
	DeliveryWait time.Duration

	mu      sync.Mutex
	pending map[string]chan domain.Envelope
}

var _ Bus = (*KafkaBus)(nil)

// record is the Kafka message value. It carries no sequence number.
type record struct {
	ID     string                  `json:"id"`
	Topic  string                  `json:"topic"`
	Update domain.OrderStateUpdate `json:"update"`
}

// NewKafkaBus connects a sarama SyncProducer and a kafka-go reader.
// Every instance joins its own consumer group so it sees every envelope.
// seq numbers what this instance reads; it must not be shared with other
// instances.
func NewKafkaBus(cfg KafkaConfig, seq domain.TopicSequencer, logger *slog.Logger) (*KafkaBus, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka bus requires brokers and topic")
	}

	pcfg := sarama.NewConfig()
	pcfg.Producer.Return.Successes = true
	pcfg.Producer.RequiredAcks = sarama.WaitForAll
	pcfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(cfg.Brokers, pcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	groupID := cfg.GroupID
	if groupID == "" {
		groupID = "order-relay"
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     groupID + "-" + uuid.NewString(),
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     250 * time.Millisecond,
	})

	return NewKafkaBusWith(producer, reader, cfg.Topic, seq, logger), nil
}

// NewKafkaBusWith builds a bus over existing clients.
func NewKafkaBusWith(producer Producer, reader Reader, topic string, seq domain.TopicSequencer, logger *slog.Logger) *KafkaBus {
	if seq == nil {
		seq = NewMemorySequencer()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaBus{
		hub:          NewHub(seedFrom(seq)),
		seq:          seq,
		producer:     producer,
		reader:       reader,
		topic:        topic,
		logger:       logger.With("component", "kafka_bus"),
		done:         make(chan struct{}),
		DeliveryWait: 5 * time.Second,
		pending:      make(map[string]chan domain.Envelope),
	}
}

// Publish returns once the broker acknowledged the record. The envelope
// carries the sequence number this instance assigned to it, or 0 if the
// record was not read back within DeliveryWait.
func (b *KafkaBus) Publish(ctx context.Context, topic string, update domain.OrderStateUpdate) (domain.Envelope, error) {
	if b.closed.Load() {
		return domain.Envelope{}, domain.ErrBusClosed
	}
	if err := domain.ValidateTopic(topic); err != nil {
		return domain.Envelope{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.Envelope{}, err
	}

	id := uuid.NewString()
	payload, err := json.Marshal(record{ID: id, Topic: topic, Update: update})
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("failed to marshal record: %w", err)
	}

	delivered := b.expect(id)
	defer b.forget(id)

	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(topic),
		Value: sarama.ByteEncoder(payload),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return domain.Envelope{}, asBusError("send", err)
	}

	unnumbered := domain.Envelope{Topic: topic, Update: update}
	timer := time.NewTimer(b.DeliveryWait)
	defer timer.Stop()
	select {
	case env := <-delivered:
		return env, nil
	case <-timer.C:
		b.logger.Debug("Record not read back in time", slog.String("topic", topic), slog.String("id", id))
		return unnumbered, nil
	case <-ctx.Done():
		return unnumbered, nil
	case <-b.done:
		return unnumbered, nil
	}
}

func (b *KafkaBus) expect(id string) <-chan domain.Envelope {
	ch := make(chan domain.Envelope, 1)
	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()
	return ch
}

func (b *KafkaBus) forget(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

func (b *KafkaBus) notify(id string, env domain.Envelope) {
	b.mu.Lock()
	ch, ok := b.pending[id]
	b.mu.Unlock()
	if ok {
		select {
		case ch <- env:
		default:
		}
	}
}

// Run consumes records, numbers them and delivers them until ctx is done.
// It is the only writer of the hub.
func (b *KafkaBus) Run(ctx context.Context) error {
	for {
		msg, err := b.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			if b.closed.Load() {
				return nil
			}
			b.logger.Warn("Kafka read failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		var rec record
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			b.logger.Warn("Dropping malformed record", slog.Int64("offset", msg.Offset), slog.Any("error", err))
			continue
		}
		if err := domain.ValidateTopic(rec.Topic); err != nil {
			b.logger.Warn("Dropping record", slog.Int64("offset", msg.Offset), slog.Any("error", err))
			continue
		}
		if err := b.deliver(ctx, rec); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("number record at offset %d: %w", msg.Offset, err)
		}
	}
}

func (b *KafkaBus) deliver(ctx context.Context, rec record) error {
	// seed the hub before the sequencer moves past its current value
	b.hub.topic(rec.Topic)
	n, err := b.seq.Next(ctx, rec.Topic)
	if err != nil {
		return err
	}
	rec.Update.SequenceNumber = n
	env := domain.Envelope{Topic: rec.Topic, Sequence: n, Update: rec.Update}
	b.hub.Deliver(env)
	b.notify(rec.ID, env)
	return nil
}

func (b *KafkaBus) Subscribe(topic string, capacity int) (*Subscription, uint64, error) {
	if b.closed.Load() {
		return nil, 0, domain.ErrBusClosed
	}
	if err := domain.ValidateTopic(topic); err != nil {
		return nil, 0, err
	}
	sub, last := b.hub.Subscribe(topic, capacity)
	return sub, last, nil
}

func (b *KafkaBus) Unsubscribe(sub *Subscription) { b.hub.Unsubscribe(sub) }

func (b *KafkaBus) Current(topic string) uint64 { return b.hub.Current(topic) }

func (b *KafkaBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	close(b.done)
	b.hub.Close(domain.ErrBusClosed)
	return errors.Join(b.producer.Close(), b.reader.Close())
}
