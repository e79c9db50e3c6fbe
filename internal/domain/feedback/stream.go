package feedback

import "context"

// Message pairs a stream-assigned id with its decoded event.
type Message struct {
	// ID is the stream message id used for acknowledgement.
	ID string
	// Event is the decoded payload.
	Event *Event
}

// Publisher appends events to the feedback stream. The stream is bounded
// by an approximate max length; the oldest entries are discarded on
// overflow.
type Publisher interface {
	// Publish appends the event and returns the stream message id.
	Publish(ctx context.Context, event *Event) (string, error)
}

// Consumer reads the stream through a consumer group with at-least-once
// delivery. One active consumer per consumer name.
type Consumer interface {
	// Consume blocks up to blockMs for new messages assigned to this
	// consumer and returns at most batch of them.
	Consume(ctx context.Context, batch int, blockMs int64) ([]Message, error)
	// PendingCount reports messages delivered to the group but not yet
	// acknowledged.
	PendingCount(ctx context.Context) (int64, error)
	// ClaimPending re-reads up to count un-acknowledged messages idle for
	// at least minIdleMs, reassigning them to this consumer.
	ClaimPending(ctx context.Context, count int, minIdleMs int64) ([]Message, error)
	// Ack acknowledges the ids and deletes them from the stream to bound
	// storage.
	Ack(ctx context.Context, ids ...string) error
}
