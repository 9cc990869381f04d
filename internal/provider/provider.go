// Package provider defines the transport contract the workers dispatch
// through. A provider performs the actual network send for one channel and
// reports the outcome as data; send failures are recorded on the message,
// never propagated past the worker.
package provider

import (
	"context"

	"github.com/example/message-dispatch/internal/message"
)

// Result is the normalized outcome of a send attempt. ProviderMessageID is
// the remote identifier when the provider assigns one.
type Result struct {
	Success           bool
	ProviderMessageID string
	Error             string
}

// Sender delivers a message over its channel. Implementations receive the
// full message but must only read the payload matching their channel.
type Sender interface {
	Send(ctx context.Context, m *message.Message) (*Result, error)
}
