// Package chat defines the reply-delivery boundary. The execution runtime
// and the interact engine construct message payloads; delivering them over
// the chat platform's wire protocol is the embedding application's job.
package chat

import "context"

// Button is one interactive control attached to a message. Value is opaque
// to the platform and round-tripped back on click.
type Button struct {
	Label string
	Value string
}

// Target addresses where a message goes. When MessageID is set the message
// updates (or replies to) an existing message; otherwise it is posted to
// the channel, threaded under ThreadID when present.
type Target struct {
	MessageID string
	ChannelID string
	ThreadID  string
}

// Messenger delivers replies and interactive messages.
type Messenger interface {
	// Send delivers text with optional buttons and returns the platform
	// message ID of the resulting message, when the platform reports one.
	Send(ctx context.Context, target Target, text string, buttons []Button) (messageID string, err error)

	// Expire marks a previously sent interactive message as no longer
	// active, so stale clicks are visibly dead.
	Expire(ctx context.Context, messageID string) error
}
