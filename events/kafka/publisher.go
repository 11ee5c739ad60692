// Package kafka publishes payment lifecycle events to a Kafka topic.
package kafka

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/IBM/sarama"
	paygate "github.com/nacorid/x402-paygate"
)

// Message is the JSON value written for each event.
type Message struct {
	paygate.PaymentEvent

	// Error is the failure message, set on failure events.
	Error string `json:"error,omitempty"`
}

// DefaultQueueSize is how many events Callback buffers before dropping.
const DefaultQueueSize = 1024

// Publisher writes payment events to a topic. Messages are keyed by nonce
// so events for one authorization land on the same partition.
//
// Publish blocks until the broker acknowledges. Callback only enqueues: a
// single goroutine drains the queue, and events are dropped when it is full.
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan paygate.PaymentEvent
	done    chan struct{}
	dropped atomic.Int64
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithQueueSize sets the Callback buffer size. Values below 1 are ignored.
func WithQueueSize(n int) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.queue = make(chan paygate.PaymentEvent, n)
		}
	}
}

// NewPublisher creates a Publisher over producer and starts its queue
// drainer. Close stops it.
func NewPublisher(producer sarama.SyncProducer, topic string, logger *slog.Logger, opts ...PublisherOption) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		producer: producer,
		topic:    topic,
		logger:   logger,
		queue:    make(chan paygate.PaymentEvent, DefaultQueueSize),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.drain()
	return p
}

// NewProducer connects a synchronous producer to brokers that waits for all
// in-sync replicas.
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// Publish sends event and waits for the broker acknowledgement.
func (p *Publisher) Publish(event paygate.PaymentEvent) error {
	msg := Message{PaymentEvent: event}
	if event.Error != nil {
		msg.Error = event.Error.Error()
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal payment event: %w", err)
	}

	pm := &sarama.ProducerMessage{
		Topic: p.topic,
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event-type"), Value: []byte(event.Type)},
		},
	}
	if event.Nonce != "" {
		pm.Key = sarama.StringEncoder(event.Nonce)
	}

	partition, offset, err := p.producer.SendMessage(pm)
	if err != nil {
		return fmt.Errorf("publish payment event: %w", err)
	}
	p.logger.Debug("payment event published",
		"type", event.Type,
		"topic", p.topic,
		"partition", partition,
		"offset", offset)
	return nil
}

// Callback adapts the publisher to a paygate.PaymentCallback. It never
// blocks: the event is queued, or dropped and counted if the queue is full
// or the publisher is closed. Publish errors are logged.
func (p *Publisher) Callback() paygate.PaymentCallback {
	return func(event paygate.PaymentEvent) {
		p.mu.RLock()
		defer p.mu.RUnlock()

		if p.closed {
			p.drop(event, "publisher closed")
			return
		}
		select {
		case p.queue <- event:
		default:
			p.drop(event, "queue full")
		}
	}
}

func (p *Publisher) drop(event paygate.PaymentEvent, why string) {
	n := p.dropped.Add(1)
	p.logger.Warn("payment event dropped", "type", event.Type, "nonce", event.Nonce, "cause", why, "dropped_total", n)
}

// Dropped returns how many events Callback discarded.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

func (p *Publisher) drain() {
	defer close(p.done)
	for event := range p.queue {
		if err := p.Publish(event); err != nil {
			p.logger.Warn("failed to publish payment event", "type", event.Type, "error", err)
		}
	}
}

// Close stops accepting events, publishes the ones already queued and
// closes the underlying producer.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	return p.producer.Close()
}
