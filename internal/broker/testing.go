package broker

import amqp "github.com/rabbitmq/amqp091-go"

// fakeAcknowledger lets tests exercise Message.Ack/Retry/Drop without a
// live RabbitMQ connection.
type fakeAcknowledger struct {
	acked   []uint64
	nacked  []uint64
	rejects []uint64
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	f.nacked = append(f.nacked, tag)
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	f.rejects = append(f.rejects, tag)
	return nil
}

// NewTestMessage builds a Message backed by an in-memory acknowledger, for
// tests of stages that call Ack/Retry/Drop without a live broker
// connection. Retry still requires b to be non-nil if the test exercises
// it (it republishes through the real Broker.publish path).
func NewTestMessage(b *Broker, body []byte, redeliveryCount int) *Message {
	return &Message{
		Body:            body,
		RedeliveryCount: redeliveryCount,
		delivery: amqp.Delivery{
			Acknowledger: &fakeAcknowledger{},
			Body:         body,
		},
		broker: b,
	}
}
