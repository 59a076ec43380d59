// Package transport sends outbound messages to a tenant's configured chat
// channel. Implementations carry no ordering guarantees; conversation order
// comes from the session pool serializing per user.
package transport

import (
	"context"
	"fmt"
)

// Transport is one concrete messaging channel.
type Transport interface {
	// Send delivers text to a channel handle and returns the transport's
	// message id.
	Send(ctx context.Context, channelHandle, text string) (string, error)

	// ResolveRecipient maps a platform-neutral user handle to the channel
	// handle this transport delivers to.
	ResolveRecipient(ctx context.Context, tenantID, userHandle string) (string, error)

	// Name identifies the channel, matching Tenant.MessagingChannel.
	Name() string
}

// Error wraps a send or resolve failure. Callers treat it as non-retryable
// at this layer; the scheduler and trigger paths apply their own retry
// policy.
type Error struct {
	Channel string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %s: %v", e.Channel, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err as a transport error.
func NewError(channel, op string, err error) *Error {
	return &Error{Channel: channel, Op: op, Err: err}
}
