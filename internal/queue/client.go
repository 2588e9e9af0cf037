package queue

import "context"

// MessageVersion is the current payload schema version.
const MessageVersion = 1

// Client sends messages to a queue backend.
type Client interface {
	Send(ctx context.Context, msg Message) error
}
