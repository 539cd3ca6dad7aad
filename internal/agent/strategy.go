package agent

import (
	"math/rand/v2"

	"github.com/nextlevelbuilder/kaibot/internal/bus"
	"github.com/nextlevelbuilder/kaibot/internal/persona"
	"github.com/nextlevelbuilder/kaibot/internal/providers"
	"github.com/nextlevelbuilder/kaibot/internal/sessions"
)

// ActionKind says how an inbound message is answered.
type ActionKind int

const (
	ActionStatic         ActionKind = iota // fixed or bucket text, sent as is
	ActionGenerative                       // ask the model, fall back to templates
	ActionDeclineNonText                   // stickers, images, ...
	ActionToggleDelay                      // switch delay mode, then confirm
)

func (k ActionKind) String() string {
	switch k {
	case ActionStatic:
		return "static"
	case ActionGenerative:
		return "generative"
	case ActionDeclineNonText:
		return "decline_non_text"
	case ActionToggleDelay:
		return "toggle_delay"
	}
	return "unknown"
}

// Action is the selector's decision for one message.
type Action struct {
	Kind   ActionKind
	Text   string // reply text; for ActionToggleDelay the confirmation
	Quick  bool   // attach the quick-reply options
	On     bool   // ActionToggleDelay target
	Prompt Prompt // ActionGenerative input
}

// Prompt is what the generative path needs to answer one message.
type Prompt struct {
	Name    string // display name in the current naming mode
	Base    string // bare display name
	Text    string
	History []providers.Message
}

func (p Prompt) vars() persona.Vars {
	return persona.Vars{Name: p.Name, Base: p.Base, Text: p.Text}
}

// Selector maps an intent and user state to a reply action.
type Selector struct {
	bank         *persona.Bank
	historyTurns int
	intn         func(n int) int
}

func NewSelector(bank *persona.Bank, historyTurns int) *Selector {
	return &Selector{bank: bank, historyTurns: historyTurns, intn: rand.IntN}
}

// Select decides how to answer msg. Naming intents update st before the
// reply is rendered, so the confirmation already uses the new mode. Caller
// holds st.
func (s *Selector) Select(intent persona.Intent, st *sessions.UserState, msg bus.InboundMessage) Action {
	if msg.Kind != bus.KindText {
		return Action{Kind: ActionDeclineNonText, Text: s.bank.Lines.NonText}
	}

	switch intent {
	case persona.IntentNamingInquiry:
		return s.static(s.bank.Lines.NamingInquiry, st, msg.Text, false)
	case persona.IntentNamingDecline:
		st.SetNamingMode(sessions.NamingFormal)
		return s.static(s.bank.Lines.NamingDecline, st, msg.Text, false)
	case persona.IntentNamingAccept:
		st.SetNamingMode(sessions.NamingPlain)
		return s.static(s.bank.Lines.NamingAccept, st, msg.Text, false)
	case persona.IntentDelayOn:
		return Action{Kind: ActionToggleDelay, On: true, Text: s.bank.Lines.DelayOn}
	case persona.IntentDelayOff:
		return Action{Kind: ActionToggleDelay, On: false, Text: s.bank.Lines.DelayOff}
	case persona.IntentHelpMenu:
		return s.static(s.bank.Lines.Help, st, msg.Text, true)
	}

	if bucket, ok := intentBuckets[intent]; ok {
		if text, ok := s.bank.Pick(bucket, s.intn, varsFor(st, msg.Text)); ok {
			return Action{Kind: ActionStatic, Text: text, Quick: true}
		}
	}
	return Action{Kind: ActionGenerative, Quick: true, Prompt: s.PromptFor(st, msg.Text)}
}

var intentBuckets = map[persona.Intent]string{
	persona.IntentGreeting:      persona.BucketMorning,
	persona.IntentHowWasYourDay: persona.BucketHowWas,
	persona.IntentFatigue:       persona.BucketFatigue,
	persona.IntentFarewell:      persona.BucketFarewell,
	persona.IntentHangover:      persona.BucketHangover,
}

// PromptFor captures the state needed to generate a reply to text. The
// history is copied, so the prompt stays valid after st is released.
func (s *Selector) PromptFor(st *sessions.UserState, text string) Prompt {
	return Prompt{
		Name:    st.ResolveDisplayName(),
		Base:    st.DisplayName,
		Text:    text,
		History: st.Recent(s.historyTurns),
	}
}

// Filler picks the immediate acknowledgement sent while a delayed reply is
// pending.
func (s *Selector) Filler(st *sessions.UserState, text string) string {
	if t, ok := s.bank.Pick(persona.BucketFiller, s.intn, varsFor(st, text)); ok {
		return t
	}
	return "…"
}

// QuickReplies returns the quick-reply labels to attach to a, if any.
func (s *Selector) QuickReplies(a Action) []string {
	if !a.Quick {
		return nil
	}
	return s.bank.QuickReplies
}

func (s *Selector) static(tmpl string, st *sessions.UserState, text string, quick bool) Action {
	return Action{
		Kind:  ActionStatic,
		Text:  persona.Render(tmpl, varsFor(st, text)),
		Quick: quick,
	}
}

func varsFor(st *sessions.UserState, text string) persona.Vars {
	return persona.Vars{Name: st.ResolveDisplayName(), Base: st.DisplayName, Text: text}
}
