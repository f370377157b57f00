package deadletter

import (
	"context"
	"fmt"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/hookline/internal/config"
	"github.com/austindbirch/hookline/internal/delivery"
)

type nsqProducer interface {
	Publish(topic string, body []byte) error
	Stop()
}

// NSQ publishes dead letters as JSON messages on one nsqd topic.
type NSQ struct {
	producer nsqProducer
	topic    string
}

func NewNSQ(addr, topic string) (*NSQ, error) {
	p, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer for DLQ: %w", err)
	}
	return &NSQ{producer: p, topic: topic}, nil
}

func (n *NSQ) Publish(ctx context.Context, dl delivery.DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := encode(dl)
	if err != nil {
		return err
	}
	if err := n.producer.Publish(n.topic, b); err != nil {
		return fmt.Errorf("nsq publish %s: %w", n.topic, err)
	}
	return nil
}

func (n *NSQ) Backend() string { return config.DeadLetterNSQ }

func (n *NSQ) Close() error {
	n.producer.Stop()
	return nil
}
