package chat

import (
	"context"
	"log/slog"

	"github.com/oklog/ulid/v2"
)

// LogMessenger is a Messenger that only logs. It stands in for a real
// platform client in the standalone binary and in development.
type LogMessenger struct {
	logger *slog.Logger
}

// NewLogMessenger creates a logging messenger.
func NewLogMessenger(logger *slog.Logger) *LogMessenger {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMessenger{logger: logger}
}

// Send logs the message and mints a fresh message ID.
func (m *LogMessenger) Send(_ context.Context, target Target, text string, buttons []Button) (string, error) {
	id := ulid.Make().String()
	m.logger.Info("send message",
		"message_id", id,
		"channel", target.ChannelID,
		"thread", target.ThreadID,
		"in_reply_to", target.MessageID,
		"text", text,
		"buttons", len(buttons))
	return id, nil
}

// Expire logs the expiry notice.
func (m *LogMessenger) Expire(_ context.Context, messageID string) error {
	m.logger.Info("expire message", "message_id", messageID)
	return nil
}
