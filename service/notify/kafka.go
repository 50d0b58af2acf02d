package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Shopify/sarama"
	"github.com/google/uuid"

	"relaychat/logger"
)

// KafkaDispatcher publishes notification records to a topic consumed by the
// delivery workers. Records are hash-partitioned by recipient so one
// recipient's notifications stay ordered on a single partition.
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	// Producer-side dedup window; the broker keeps the durable copy, this
	// only suppresses re-enqueues within the process lifetime.
	mu   sync.Mutex
	seen map[string]struct{}
}

func buildKafkaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg
}

func NewKafkaDispatcher(brokers []string, topic string) (*KafkaDispatcher, error) {
	p, err := sarama.NewSyncProducer(brokers, buildKafkaConfig())
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return &KafkaDispatcher{
		producer: p,
		topic:    topic,
		seen:     make(map[string]struct{}),
	}, nil
}

func (d *KafkaDispatcher) Enqueue(_ context.Context, recipient, conversationID string, seq int64) error {
	key := fmt.Sprintf("%s|%s|%d", recipient, conversationID, seq)

	d.mu.Lock()
	if _, dup := d.seen[key]; dup {
		d.mu.Unlock()
		return nil
	}
	d.seen[key] = struct{}{}
	d.mu.Unlock()

	rec := Record{
		ID:             uuid.NewString(),
		Recipient:      recipient,
		ConversationID: conversationID,
		Seq:            seq,
		EnqueuedAtMS:   time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	partition, offset, err := d.producer.SendMessage(&sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(recipient),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		// let a later send retry the tuple
		d.mu.Lock()
		delete(d.seen, key)
		d.mu.Unlock()
		return fmt.Errorf("kafka enqueue: %w", err)
	}
	logger.Debugf("notify enqueued recipient=%s conv=%s seq=%d partition=%d offset=%d",
		recipient, conversationID, seq, partition, offset)
	return nil
}

func (d *KafkaDispatcher) Close() error { return d.producer.Close() }
