// Package bus fans updates out across server instances so that sessions
// held by sibling processes stay in sync. Delivery is at-least-once; the
// CRDT layer absorbs duplicates.
package bus

import "context"

// Handler receives a payload published for a document by a sibling
// instance. It is never invoked for this instance's own publications.
type Handler func(docID string, payload []byte)

type Bus interface {
	// Publish sends a payload to every sibling instance subscribed to the
	// document.
	Publish(ctx context.Context, docID string, payload []byte) error

	// Subscribe registers a handler for a document's payloads. The
	// returned cancel function stops delivery.
	Subscribe(docID string, h Handler) (cancel func(), err error)

	Close() error
}

// Noop is the single-instance fallback used when no bus is reachable.
// Sync still works for clients sharing this process.
type Noop struct{}

func (Noop) Publish(context.Context, string, []byte) error { return nil }

func (Noop) Subscribe(string, Handler) (func(), error) { return func() {}, nil }

func (Noop) Close() error { return nil }
