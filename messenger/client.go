// Package messenger connects uptime-server to its subscribers: it delivers
// text and voice broadcasts and polls for inbound subscriber commands.
package messenger

import (
	"context"
)

// Update is one inbound message from a subscriber chat.
type Update struct {
	// ID is the monotonically increasing update identifier assigned by the
	// messaging backend.
	ID int64 `json:"update_id"`
	// ChatID identifies the chat the message came from.
	ChatID int64 `json:"chat_id"`
	// Text is the message text.
	Text string `json:"text"`
}

// Client is the messaging transport. Implementations are thin wrappers around
// the backend API, all engine logic lives in the command service.
type Client interface {
	// Updates retrieves all pending updates with an id of at least the given
	// offset.
	Updates(ctx context.Context, offset int64) ([]Update, error)
	// SendText sends the given plain text message to the chat.
	SendText(ctx context.Context, chatID int64, text string) error
	// SendVoice sends the pre-recorded audio asset at the given path to the
	// chat. If the asset does not exist on disk, nothing happens.
	SendVoice(ctx context.Context, chatID int64, assetPath string) error
}
