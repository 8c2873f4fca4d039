package transport

import "context"

type ChatTarget struct {
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Notification is one outbound announcement.
//
// When PhotoURL is set the adapter sends a photo with Text as its caption,
// falling back to plain text if the photo is rejected.
type Notification struct {
	Channel  string // logical source, e.g. the stream channel that went live
	Target   ChatTarget
	Text     string
	PhotoURL string
	Options  *SendOptions
}

// Adapter is the outbound side of a messaging platform.
type Adapter interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendPhoto(ctx context.Context, to ChatTarget, photoURL, caption string, opt *SendOptions) (MessageRef, error)
	SendDocument(ctx context.Context, to ChatTarget, path, caption string) (MessageRef, error)
	Stop(ctx context.Context) error
}
