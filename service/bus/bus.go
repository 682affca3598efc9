// Package bus abstracts the single pub/sub channel every producer
// publishes chat events to. The gateway is the sole consumer; there is
// no channel back to producers.
package bus

import "context"

// Consumer delivers raw payloads from the event channel, in the order
// the backend hands them over, on a single goroutine.
type Consumer interface {
	// Start begins consuming and calls handle for every payload until
	// ctx is done or Close is called. It returns after the
	// subscription is established; delivery happens in the background.
	Start(ctx context.Context, handle func(raw []byte)) error

	Close() error
}

// Publisher is the producer side of the contract. The gateway never
// publishes; this serves tooling and integration tests standing in for
// the HTTP producers.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}
