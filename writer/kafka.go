// Package writer republishes normalized adapter events to external sinks.
package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	kafka "github.com/segmentio/kafka-go"

	"tradeflow/bus"
	appconfig "tradeflow/config"
	"tradeflow/logger"
	"tradeflow/models"
)

// KafkaWriter forwards bus events to a Kafka topic. Events are buffered on
// an internal channel so the bus callback never blocks on the broker.
type KafkaWriter struct {
	config  *appconfig.Config
	writer  *kafka.Writer
	events  chan envelope
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

type envelope struct {
	Topic   string      `json:"topic"`
	Payload interface{} `json:"payload"`
}

// NewKafkaWriter creates a writer for the configured brokers and topic.
func NewKafkaWriter(cfg *appconfig.Config) (*KafkaWriter, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	kw := &KafkaWriter{
		config: cfg,
		writer: &kafka.Writer{
			Addr:     kafka.TCP(cfg.Kafka.Brokers...),
			Topic:    cfg.Kafka.Topic,
			Balancer: &kafka.LeastBytes{},
		},
		events: make(chan envelope, 1024),
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
	}
	kw.log.WithComponent("kafka_writer").WithFields(logger.Fields{
		"brokers": cfg.Kafka.Brokers,
		"topic":   cfg.Kafka.Topic,
	}).Debug("kafka writer initialized")
	return kw, nil
}

// Callback returns a bus callback that enqueues events for publishing. Full
// buffers drop the event rather than stall the adapter.
func (kw *KafkaWriter) Callback() bus.Callback {
	return func(topic bus.Topic, data interface{}) {
		select {
		case kw.events <- envelope{Topic: string(topic), Payload: data}:
		default:
			kw.log.WithComponent("kafka_writer").WithFields(logger.Fields{
				"topic": topic,
			}).Warn("event buffer full, dropping event")
		}
	}
}

// Start launches the publishing worker.
func (kw *KafkaWriter) Start(ctx context.Context) error {
	kw.mu.Lock()
	if kw.running {
		kw.mu.Unlock()
		return fmt.Errorf("kafka writer already running")
	}
	kw.running = true
	kw.ctx = ctx
	kw.mu.Unlock()

	kw.log.WithComponent("kafka_writer").Debug("starting kafka writer")

	kw.wg.Add(1)
	go kw.run()

	return nil
}

func (kw *KafkaWriter) run() {
	defer kw.wg.Done()

	for {
		select {
		case <-kw.ctx.Done():
			return
		case evt := <-kw.events:
			data, err := json.Marshal(evt)
			if err != nil {
				kw.log.WithComponent("kafka_writer").WithError(err).Warn("failed to marshal event")
				continue
			}
			msg := kafka.Message{
				Key:   []byte(messageKey(evt)),
				Value: data,
			}
			if err := kw.writer.WriteMessages(kw.ctx, msg); err != nil {
				kw.log.WithComponent("kafka_writer").WithError(err).Warn("failed to write message")
			} else {
				kw.log.WithComponent("kafka_writer").WithFields(logger.Fields{
					"topic": evt.Topic,
				}).Debug("event written to kafka")
			}
		}
	}
}

// messageKey picks a partition key that keeps per-market and per-order
// ordering inside one partition.
func messageKey(evt envelope) string {
	switch p := evt.Payload.(type) {
	case models.BookSnapshot:
		return p.Exchange + ":" + p.Base + p.Quote
	case models.LifecycleEvent:
		return p.Exchange + ":" + p.InternalOrderID
	case bus.AccountEvent:
		return p.Exchange
	default:
		return evt.Topic
	}
}

// Stop closes the producer and waits for the worker to exit.
func (kw *KafkaWriter) Stop() {
	kw.mu.Lock()
	kw.running = false
	kw.mu.Unlock()

	kw.log.WithComponent("kafka_writer").Debug("stopping kafka writer")
	kw.writer.Close()
	kw.wg.Wait()
	kw.log.WithComponent("kafka_writer").Debug("kafka writer stopped")
}
