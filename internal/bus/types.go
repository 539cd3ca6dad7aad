package bus

// MessageKind distinguishes messages the bot can read from everything else.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindOther MessageKind = "other" // stickers, images, location, ...
)

// InboundMessage is one message event received from a channel (LINE, etc.)
type InboundMessage struct {
	Channel     string      `json:"channel"`
	EventID     string      `json:"event_id,omitempty"`   // platform event id, used for dedup
	UserID      string      `json:"user_id,omitempty"`    // empty when the source has no user
	Kind        MessageKind `json:"kind"`
	MessageType string      `json:"message_type"`         // raw platform type ("text", "sticker", ...)
	Text        string      `json:"text,omitempty"`
	ReplyToken  string      `json:"reply_token,omitempty"`
	Redelivery  bool        `json:"redelivery,omitempty"` // platform retried this event
	Timestamp   int64       `json:"timestamp,omitempty"`  // unix ms
}

// OutboundMessage is one text bubble to deliver to a user.
type OutboundMessage struct {
	Text         string   `json:"text"`
	QuickReplies []string `json:"quick_replies,omitempty"` // labels sent back as text when tapped
}

// Text builds a single-message batch.
func Text(text string, quick ...string) []OutboundMessage {
	return []OutboundMessage{{Text: text, QuickReplies: quick}}
}
