package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"

	"github.com/austindbirch/hookline/internal/config"
	"github.com/austindbirch/hookline/internal/delivery"
	"github.com/austindbirch/hookline/internal/tracker"
)

func sampleLetter() delivery.DeadLetter {
	return delivery.NewDeadLetter(delivery.Task{
		Delivery: tracker.Delivery{ID: "d1", MessageID: "m1", TenantID: "acme", EndpointID: "e1"},
		Message:  &tracker.Message{ID: "m1", EventType: "order.created", Payload: json.RawMessage(`{"id":1}`)},
	}, 3, 503, "MaxAttemptsExceeded: ServerError: status 503", delivery.ReasonMaxAttemptsExceeded)
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.DeadLetter
		want    string
		wantErr bool
	}{
		{name: "none", cfg: config.DeadLetter{Backend: config.DeadLetterNone}},
		{name: "empty", cfg: config.DeadLetter{}},
		{name: "nsq", cfg: config.DeadLetter{Backend: config.DeadLetterNSQ, NsqdTCPAddr: "127.0.0.1:4150", NSQTopic: "dlq"}, want: "nsq"},
		{name: "kafka", cfg: config.DeadLetter{Backend: config.DeadLetterKafka, KafkaBrokers: []string{"127.0.0.1:9092"}, KafkaTopic: "dlq"}, want: "kafka"},
		{name: "unknown", cfg: config.DeadLetter{Backend: "sqs"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.want == "" {
				if sink != nil {
					t.Errorf("New() = %v, want nil sink", sink)
				}
				return
			}
			defer sink.Close()
			if sink.Backend() != tt.want {
				t.Errorf("Backend() = %q, want %q", sink.Backend(), tt.want)
			}
		})
	}
}

type fakeProducer struct {
	topic   string
	body    []byte
	err     error
	stopped bool
}

func (f *fakeProducer) Publish(topic string, body []byte) error {
	f.topic, f.body = topic, body
	return f.err
}

func (f *fakeProducer) Stop() { f.stopped = true }

func TestNSQPublish(t *testing.T) {
	fp := &fakeProducer{}
	n := &NSQ{producer: fp, topic: "deliveries_dlq"}

	if err := n.Publish(context.Background(), sampleLetter()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if fp.topic != "deliveries_dlq" {
		t.Errorf("topic = %q", fp.topic)
	}
	var got delivery.DeadLetter
	if err := json.Unmarshal(fp.body, &got); err != nil {
		t.Fatalf("body is not a dead letter: %v", err)
	}
	if got.Type != delivery.DLQType || got.DeliveryID != "d1" || got.ResponseCode != 503 {
		t.Errorf("decoded = %+v", got)
	}

	fp.err = errors.New("nsqd down")
	if err := n.Publish(context.Background(), sampleLetter()); err == nil {
		t.Error("Publish() error = nil, want producer error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := n.Publish(ctx, sampleLetter()); !errors.Is(err, context.Canceled) {
		t.Errorf("Publish() with cancelled ctx error = %v", err)
	}

	_ = n.Close()
	if !fp.stopped {
		t.Error("Close() did not stop the producer")
	}
}

type fakeWriter struct {
	msgs   []kafka.Message
	errs   []error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaPublish(t *testing.T) {
	first := &fakeWriter{errs: []error{errors.New("dial tcp 10.0.0.1:9092: connection refused")}}
	second := &fakeWriter{}
	k := &Kafka{w: first, cfg: KafkaConfig{Topic: "dlq", WriteTimeout: 1e9}}
	k.newWriter = func(KafkaConfig) messageWriter { return second }

	if err := k.Publish(context.Background(), sampleLetter()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if !first.closed {
		t.Error("stale writer was not closed on reset")
	}
	if len(second.msgs) != 1 {
		t.Fatalf("fresh writer got %d messages, want 1", len(second.msgs))
	}
	msg := second.msgs[0]
	if string(msg.Key) != "e1" {
		t.Errorf("key = %q, want endpoint id", msg.Key)
	}
	if len(msg.Headers) != 2 || string(msg.Headers[0].Value) != delivery.DLQType {
		t.Errorf("headers = %+v", msg.Headers)
	}

	second.errs = []error{errors.New("message too large")}
	if err := k.Publish(context.Background(), sampleLetter()); err == nil {
		t.Error("Publish() error = nil for non-network failure")
	}

	if err := k.Close(); err != nil {
		t.Fatal(err)
	}
	if err := k.Publish(context.Background(), sampleLetter()); !errors.Is(err, errClosed) {
		t.Errorf("Publish() after Close error = %v, want errClosed", err)
	}
}

func TestShouldReset(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("unexpected EOF"), true},
		{errors.New("[6] Not Leader For Partition"), true},
		{errors.New("message too large"), false},
	}
	for _, tt := range tests {
		if got := shouldReset(tt.err); got != tt.want {
			t.Errorf("shouldReset(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
