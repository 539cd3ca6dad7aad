package line

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"

	"github.com/nextlevelbuilder/kaibot/internal/bus"
	"github.com/nextlevelbuilder/kaibot/internal/channels"
)

// Platform limits.
const (
	maxMessagesPerCall = 5
	maxTextRunes       = 5000
	maxQuickReplies    = 13
	maxLabelRunes      = 20
)

// APIError wraps a failed Messaging API call.
type APIError struct {
	Op     string // "reply", "push", "profile"
	Status int    // 0 when no response was received
	Err    error
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("line %s: HTTP %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("line %s: %v", e.Op, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

func apiError(op string, res *http.Response, err error) error {
	ae := &APIError{Op: op, Err: err}
	if res != nil {
		ae.Status = res.StatusCode
	}
	return ae
}

// Reply answers an inbound event with its reply token.
func (c *Channel) Reply(ctx context.Context, replyToken string, msgs []bus.OutboundMessage) error {
	if replyToken == "" {
		return &APIError{Op: "reply", Err: errors.New("empty reply token")}
	}
	req := &messaging_api.ReplyMessageRequest{
		ReplyToken: replyToken,
		Messages:   toMessages(msgs),
	}
	res, _, err := c.api.WithContext(ctx).ReplyMessageWithHttpInfo(req)
	if err != nil {
		return apiError("reply", res, err)
	}
	return nil
}

// Push sends messages to a user outside of any inbound event. A fresh retry
// key makes the platform drop accidental duplicates of this exact call.
func (c *Channel) Push(ctx context.Context, userID string, msgs []bus.OutboundMessage) error {
	if userID == "" {
		return &APIError{Op: "push", Err: errors.New("empty user id")}
	}
	req := &messaging_api.PushMessageRequest{
		To:       userID,
		Messages: toMessages(msgs),
	}
	res, _, err := c.api.WithContext(ctx).PushMessageWithHttpInfo(req, uuid.NewString())
	if err != nil {
		return apiError("push", res, err)
	}
	return nil
}

func toMessages(msgs []bus.OutboundMessage) []messaging_api.MessageInterface {
	if len(msgs) > maxMessagesPerCall {
		slog.Warn("line: too many messages in one call, extra dropped", "count", len(msgs))
		msgs = msgs[:maxMessagesPerCall]
	}

	out := make([]messaging_api.MessageInterface, 0, len(msgs))
	for _, m := range msgs {
		tm := &messaging_api.TextMessage{Text: truncateRunes(m.Text, maxTextRunes)}
		if len(m.QuickReplies) > 0 {
			tm.QuickReply = quickReply(m.QuickReplies)
		}
		out = append(out, tm)
	}
	return out
}

// quickReply builds message-action buttons whose tap sends the label back.
func quickReply(labels []string) *messaging_api.QuickReply {
	if len(labels) > maxQuickReplies {
		labels = labels[:maxQuickReplies]
	}
	items := make([]messaging_api.QuickReplyItem, 0, len(labels))
	for _, l := range labels {
		items = append(items, messaging_api.QuickReplyItem{
			Type: "action",
			Action: &messaging_api.MessageAction{
				Label: truncateRunes(l, maxLabelRunes),
				Text:  l,
			},
		})
	}
	return &messaging_api.QuickReply{Items: items}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

var _ channels.Channel = (*Channel)(nil)
