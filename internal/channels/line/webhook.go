package line

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"

	"github.com/nextlevelbuilder/kaibot/internal/bus"
	"github.com/nextlevelbuilder/kaibot/internal/channels"
)

// maxBodyBytes bounds a webhook body; LINE batches are far smaller.
const maxBodyBytes = 1 << 20

func (c *Channel) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyBytes {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	if !VerifySignature(c.cfg.ChannelSecret, body, r.Header.Get("X-Line-Signature")) {
		slog.Warn("line webhook signature rejected", "remote", channels.ClientIP(r))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	h := c.batchHandler()
	if h == nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}

	// Acknowledge before processing; LINE retries deliveries that are not
	// answered within a couple of seconds.
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))

	c.running.Add(1)
	go func() {
		defer c.running.Done()

		msgs, err := ParseEvents(body)
		if err != nil {
			slog.Error("line webhook malformed payload", "error", err, "bytes", len(body))
			return
		}

		allowed := msgs[:0]
		for _, m := range msgs {
			if m.UserID != "" && !c.IsAllowed(m.UserID) {
				slog.Debug("line message from user not in allowlist", "user_id", channels.Truncate(m.UserID, 12))
				continue
			}
			allowed = append(allowed, m)
		}
		if len(allowed) == 0 {
			return
		}
		h.HandleBatch(c.ctx, allowed)
	}()
}

// ParseEvents decodes a webhook body into inbound messages, in delivery
// order. Events other than messages (follow, postback, ...) are skipped.
func ParseEvents(body []byte) ([]bus.InboundMessage, error) {
	var cb webhook.CallbackRequest
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}

	msgs := make([]bus.InboundMessage, 0, len(cb.Events))
	for _, ev := range cb.Events {
		var me webhook.MessageEvent
		switch e := ev.(type) {
		case webhook.MessageEvent:
			me = e
		case *webhook.MessageEvent:
			me = *e
		default:
			continue
		}
		msgs = append(msgs, toInbound(me))
	}
	return msgs, nil
}

func toInbound(e webhook.MessageEvent) bus.InboundMessage {
	m := bus.InboundMessage{
		Channel:    channelName,
		EventID:    e.WebhookEventId,
		UserID:     sourceUserID(e.Source),
		Kind:       bus.KindOther,
		ReplyToken: e.ReplyToken,
		Timestamp:  e.Timestamp,
	}
	if e.DeliveryContext != nil {
		m.Redelivery = e.DeliveryContext.IsRedelivery
	}
	if e.Message == nil {
		return m
	}

	m.MessageType = e.Message.GetType()
	switch tm := e.Message.(type) {
	case webhook.TextMessageContent:
		m.Kind = bus.KindText
		m.Text = tm.Text
	case *webhook.TextMessageContent:
		m.Kind = bus.KindText
		m.Text = tm.Text
	}
	return m
}

func sourceUserID(src webhook.SourceInterface) string {
	switch s := src.(type) {
	case webhook.UserSource:
		return s.UserId
	case *webhook.UserSource:
		return s.UserId
	case webhook.GroupSource:
		return s.UserId
	case *webhook.GroupSource:
		return s.UserId
	case webhook.RoomSource:
		return s.UserId
	case *webhook.RoomSource:
		return s.UserId
	}
	return ""
}
