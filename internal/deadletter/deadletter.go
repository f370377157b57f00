// Package deadletter publishes terminally failed deliveries to an external
// queue so operators can inspect or replay them outside hookline.
package deadletter

import (
	"encoding/json"
	"fmt"

	"github.com/austindbirch/hookline/internal/config"
	"github.com/austindbirch/hookline/internal/delivery"
)

// Sink is a dead letter publisher that owns a connection.
type Sink interface {
	delivery.DeadLetterPublisher
	Close() error
}

// New builds the sink selected by cfg.Backend. It returns nil for "none".
func New(cfg config.DeadLetter) (Sink, error) {
	switch cfg.Backend {
	case "", config.DeadLetterNone:
		return nil, nil
	case config.DeadLetterNSQ:
		n, err := NewNSQ(cfg.NsqdTCPAddr, cfg.NSQTopic)
		if err != nil {
			return nil, err
		}
		return n, nil
	case config.DeadLetterKafka:
		return NewKafka(KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, ClientID: "hookline"}), nil
	default:
		return nil, fmt.Errorf("unknown dead letter backend %q", cfg.Backend)
	}
}

func encode(dl delivery.DeadLetter) ([]byte, error) {
	b, err := json.Marshal(dl)
	if err != nil {
		return nil, fmt.Errorf("encode dead letter %s: %w", dl.DeliveryID, err)
	}
	return b, nil
}
