// Package bus defines the durable message-bus contract an Instance
// consumes jobs from and publishes reports to. The message bus itself is
// an external collaborator; this package only fixes the shape of a
// delivery and the two operations a consumer performs on it.
package bus

import "context"

// Delivery is one inbound message, handed to an Instance for
// processing. Ack and Nack invoke the consumer's callbacks on every
// call; a Delivery does not itself guard against repeated or mixed calls.
type Delivery struct {
	// ID identifies this delivery within its stream, for diagnostics and
	// for Ack/Nack addressing.
	ID string
	// Payload is the raw, undecoded message body.
	Payload []byte
	// Redelivered is true if the bus has attempted to deliver this
	// message before (derived from the consumer group's delivery
	// counter), independent of anything the application does.
	Redelivered bool

	ack  func(ctx context.Context) error
	nack func(ctx context.Context) error
}

// NewDelivery constructs a Delivery with the given ack/nack callbacks.
// Concrete Consumer implementations use this rather than constructing
// Delivery{} literals directly, so the zero value stays unusable.
func NewDelivery(id string, payload []byte, redelivered bool, ack, nack func(ctx context.Context) error) Delivery {
	return Delivery{ID: id, Payload: payload, Redelivered: redelivered, ack: ack, nack: nack}
}

// Ack acknowledges successful processing, removing the delivery from the
// consumer group's pending list permanently.
func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Nack leaves the delivery unacknowledged so the bus's own redelivery
// policy can hand it to another consumer. The worker never calls this
// itself — application-level "requeue" is a reporter event, not a bus
// redelivery — but a concrete Consumer may use it internally (e.g. to
// release a delivery claimed by a consumer that is shutting down).
func (d Delivery) Nack(ctx context.Context) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(ctx)
}

// Consumer yields deliveries from the inbound queue.
type Consumer interface {
	// Subscribe starts consuming and returns a channel of deliveries.
	// The channel closes when ctx is cancelled or the subscription is
	// permanently lost.
	Subscribe(ctx context.Context) (<-chan Delivery, error)
	// Close releases the consumer's resources without waiting for
	// in-flight deliveries.
	Close() error
}

// Publisher appends messages to an outbound queue. Implementations used
// for the "logs" queue must never block the "builds" queue and vice
// versa — callers get this by constructing one Publisher per queue over
// independent connections.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
	Close() error
}
