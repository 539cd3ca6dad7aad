package agent

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/kaibot/internal/bus"
	"github.com/nextlevelbuilder/kaibot/internal/channels"
	"github.com/nextlevelbuilder/kaibot/internal/dedup"
	"github.com/nextlevelbuilder/kaibot/internal/persona"
	"github.com/nextlevelbuilder/kaibot/internal/scheduler"
	"github.com/nextlevelbuilder/kaibot/internal/sessions"
)

// DefaultDeliverTimeout bounds one Reply or Push call.
const DefaultDeliverTimeout = 10 * time.Second

// DispatcherConfig configures a new Dispatcher.
type DispatcherConfig struct {
	Deliverer channels.Deliverer
	Sessions  *sessions.Manager
	Dedup     *dedup.Set
	Selector  *Selector
	Generator *Generator
	DelayMode *DelayMode

	// Delayed reply bounds; zero values use the scheduler defaults.
	MinDelay time.Duration
	MaxDelay time.Duration

	DeliverTimeout time.Duration
}

// Dispatcher turns inbound messages into replies: dedup, classification,
// per-user state, reply selection and, in delay mode, debounced delivery.
type Dispatcher struct {
	out            channels.Deliverer
	sessions       *sessions.Manager
	dedup          *dedup.Set
	selector       *Selector
	gen            *Generator
	delay          *DelayMode
	sched          *scheduler.Scheduler
	deliverTimeout time.Duration

	handled atomic.Int64
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = DefaultDeliverTimeout
	}
	if cfg.Dedup == nil {
		cfg.Dedup = dedup.New(0)
	}
	if cfg.DelayMode == nil {
		cfg.DelayMode = NewDelayMode(false)
	}
	d := &Dispatcher{
		out:            cfg.Deliverer,
		sessions:       cfg.Sessions,
		dedup:          cfg.Dedup,
		selector:       cfg.Selector,
		gen:            cfg.Generator,
		delay:          cfg.DelayMode,
		deliverTimeout: cfg.DeliverTimeout,
	}
	d.sched = scheduler.New(cfg.MinDelay, cfg.MaxDelay, d.onDelayExpired)
	return d
}

// HandleBatch processes the messages of one webhook delivery in order, each
// one finished before the next starts. A failing message never affects the
// others.
func (d *Dispatcher) HandleBatch(ctx context.Context, msgs []bus.InboundMessage) {
	for _, m := range msgs {
		d.handleSafe(ctx, m)
	}
}

func (d *Dispatcher) handleSafe(ctx context.Context, m bus.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic while handling event",
				"event_id", m.EventID, "user_id", channels.Truncate(m.UserID, 12),
				"panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	d.handleEvent(ctx, m)
}

func (d *Dispatcher) handleEvent(ctx context.Context, m bus.InboundMessage) {
	if !d.dedup.ShouldProcess(m.EventID) {
		slog.Debug("duplicate event dropped", "event_id", m.EventID)
		return
	}
	d.handled.Add(1)
	if m.Redelivery {
		slog.Info("processing redelivered event", "event_id", m.EventID)
	}

	var st *sessions.UserState
	if m.UserID == "" {
		st = d.sessions.Transient()
	} else {
		var release func()
		st, release = d.sessions.Acquire(ctx, m.UserID)
		defer release()
	}

	if m.Kind != bus.KindText {
		a := d.selector.Select(persona.IntentFallback, st, m)
		slog.Debug("non-text message", "user_id", channels.Truncate(m.UserID, 12), "type", m.MessageType)
		d.reply(ctx, m, bus.Text(a.Text))
		return
	}

	m.Text = persona.Normalize(m.Text)
	intent := persona.Classify(m.Text)
	a := d.selector.Select(intent, st, m)
	slog.Debug("message classified",
		"user_id", channels.Truncate(m.UserID, 12), "intent", intent, "action", a.Kind.String())

	if a.Kind == ActionToggleDelay {
		if d.delay.Set(a.On) {
			slog.Info("delay mode changed", "enabled", a.On, "user_id", channels.Truncate(m.UserID, 12))
		}
		if !a.On {
			d.sched.Cancel(m.UserID)
		}
		d.reply(ctx, m, bus.Text(a.Text))
		return
	}

	st.AppendTurn("user", m.Text)

	// A push needs a user to address, so anonymous sources are always
	// answered right away. Naming and help answers confirm something the
	// user just asked for and are never delayed either.
	if d.delay.Enabled() && m.UserID != "" && !answersNow(intent) {
		d.reply(ctx, m, bus.Text(d.selector.Filler(st, m.Text)))
		if wait, ok := d.sched.Schedule(m.UserID, m.Text); ok {
			slog.Debug("reply delayed", "user_id", channels.Truncate(m.UserID, 12), "after", wait.Round(time.Second))
		}
		return
	}

	text := a.Text
	if a.Kind == ActionGenerative {
		text, _ = d.gen.Reply(ctx, m.UserID, a.Prompt)
	}
	d.reply(ctx, m, bus.Text(text, d.selector.QuickReplies(a)...))
	st.AppendTurn("assistant", text)
}

func answersNow(intent persona.Intent) bool {
	return intent.IsNaming() || intent == persona.IntentHelpMenu
}

// onDelayExpired answers the latest message of a user whose delay ran out.
func (d *Dispatcher) onDelayExpired(ctx context.Context, userID, text string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in delayed reply", "user_id", channels.Truncate(userID, 12),
				"panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()

	st, release := d.sessions.Acquire(ctx, userID)
	defer release()

	a := Action{Kind: ActionGenerative, Quick: true, Prompt: d.selector.PromptFor(st, text)}
	quick := d.selector.QuickReplies(a)

	out, generated := d.gen.Reply(ctx, userID, a.Prompt)
	if err := d.push(ctx, userID, bus.Text(out, quick...)); err != nil {
		if !generated {
			slog.Error("delayed reply push failed", "user_id", channels.Truncate(userID, 12), "error", err)
			return
		}
		slog.Warn("delayed reply push failed, sending template", "user_id", channels.Truncate(userID, 12), "error", err)
		out = d.gen.Fallback(a.Prompt)
		if err := d.push(ctx, userID, bus.Text(out, quick...)); err != nil {
			slog.Error("delayed fallback push failed", "user_id", channels.Truncate(userID, 12), "error", err)
			return
		}
	}
	st.AppendTurn("assistant", out)
}

func (d *Dispatcher) reply(ctx context.Context, m bus.InboundMessage, msgs []bus.OutboundMessage) {
	if m.ReplyToken == "" {
		slog.Warn("event has no reply token, reply dropped", "event_id", m.EventID)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, d.deliverTimeout)
	defer cancel()
	if err := d.out.Reply(ctx, m.ReplyToken, msgs); err != nil {
		slog.Error("reply failed", "event_id", m.EventID, "user_id", channels.Truncate(m.UserID, 12), "error", err)
	}
}

func (d *Dispatcher) push(ctx context.Context, userID string, msgs []bus.OutboundMessage) error {
	ctx, cancel := context.WithTimeout(ctx, d.deliverTimeout)
	defer cancel()
	return d.out.Push(ctx, userID, msgs)
}

// Status is a point-in-time view of the dispatcher.
type Status struct {
	DelayMode  bool  `json:"delay_mode"`
	Pending    int   `json:"pending_replies"`
	Users      int   `json:"users"`
	Handled    int64 `json:"events_handled"`
	Generative bool  `json:"generative"`
}

func (d *Dispatcher) Status() Status {
	return Status{
		DelayMode:  d.delay.Enabled(),
		Pending:    d.sched.Pending(),
		Users:      d.sessions.Len(),
		Handled:    d.handled.Load(),
		Generative: d.gen.Enabled(),
	}
}

// SetDelayMode switches delay mode and reports whether it changed.
func (d *Dispatcher) SetDelayMode(on bool) bool {
	changed := d.delay.Set(on)
	if changed {
		slog.Info("delay mode changed", "enabled", on, "source", "admin")
	}
	return changed
}

// Snapshot returns the state of one user.
func (d *Dispatcher) Snapshot(userID string) (sessions.Snapshot, bool) {
	return d.sessions.Snapshot(userID)
}

// Pending returns the number of delayed replies waiting to fire.
func (d *Dispatcher) Pending() int { return d.sched.Pending() }

// Stop cancels every delayed reply and waits for running ones to finish.
func (d *Dispatcher) Stop() { d.sched.Stop() }

var _ channels.BatchHandler = (*Dispatcher)(nil)
