package deadletter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/austindbirch/hookline/internal/config"
	"github.com/austindbirch/hookline/internal/delivery"
)

var errClosed = errors.New("kafka dead letter sink closed")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	ClientID     string
	WriteTimeout time.Duration
}

// Kafka publishes dead letters keyed by endpoint id, so one endpoint's
// failures land on one partition in order.
type Kafka struct {
	mu        sync.Mutex
	w         messageWriter
	cfg       KafkaConfig
	newWriter func(KafkaConfig) messageWriter
	lastReset time.Time
}

func NewKafka(cfg KafkaConfig) *Kafka {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	k := &Kafka{cfg: cfg, newWriter: newKafkaWriter}
	k.w = k.newWriter(cfg)
	return k
}

func newKafkaWriter(cfg KafkaConfig) messageWriter {
	// kafka-go caches broker metadata; keep the TTL low so a moved broker is
	// picked up without a restart.
	tr := &kafka.Transport{
		ClientID:    cfg.ClientID,
		MetadataTTL: 10 * time.Second,
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		Transport:    tr,
	}
}

func (k *Kafka) Publish(ctx context.Context, dl delivery.DeadLetter) error {
	value, err := encode(dl)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(dl.Key()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(dl.Type)},
			{Key: "tenant_id", Value: []byte(dl.TenantID)},
		},
	}

	write := func() error {
		k.mu.Lock()
		w := k.w
		k.mu.Unlock()
		if w == nil {
			return errClosed
		}
		cctx, cancel := context.WithTimeout(ctx, k.cfg.WriteTimeout)
		defer cancel()
		return w.WriteMessages(cctx, msg)
	}

	if err := write(); err != nil {
		if shouldReset(err) {
			k.reset()
			return write()
		}
		return err
	}
	return nil
}

func (k *Kafka) Backend() string { return config.DeadLetterKafka }

func (k *Kafka) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.w == nil {
		return nil
	}
	err := k.w.Close()
	k.w = nil
	return err
}

// shouldReset matches network and stale-metadata failures.
func shouldReset(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	for _, sub := range []string{
		"dial tcp",
		"connection refused",
		"i/o timeout",
		"eof",
		"broken pipe",
		"not leader",
		"unknown broker",
		"failed to dial",
	} {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// reset recreates the writer, at most once every two seconds.
func (k *Kafka) reset() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.w == nil || time.Since(k.lastReset) < 2*time.Second {
		return
	}
	_ = k.w.Close()
	k.w = k.newWriter(k.cfg)
	k.lastReset = time.Now()
}
