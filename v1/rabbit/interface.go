package rabbit

import (
	"context"
)

// Verifier checks that a broker target is reachable and usable.
//
// This interface is implemented by the concrete *Diagnoser type.
type Verifier interface {
	// Verify attempts a full opening handshake against the configured
	// broker and classifies any failure.
	Verify(ctx context.Context, cfg Config) error

	// VerifyURI verifies a broker given as a connection string, skipping
	// non-AMQP transports.
	VerifyURI(ctx context.Context, uri string, opts Options) error
}

// Message represents a consumed message.
// It provides methods for acknowledging, rejecting, and accessing message data.
type Message interface {
	// Ack acknowledges the message, removing it from the queue.
	Ack() error

	// Nack negatively acknowledges the message.
	// If requeue is true, the message is requeued; otherwise it is discarded
	// or dead-lettered.
	Nack(requeue bool) error

	// Body returns the message payload as a byte slice.
	Body() []byte

	// Headers returns the message headers.
	Headers() map[string]interface{}
}
