// Package persona holds the bot's character: how inbound text is classified
// into intents, and the phrase bank the replies are drawn from.
package persona

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Intent is the classification of one inbound text message.
type Intent string

const (
	IntentNamingInquiry Intent = "naming_inquiry"
	IntentNamingDecline Intent = "naming_decline"
	IntentNamingAccept  Intent = "naming_accept"
	IntentDelayOn       Intent = "delay_on"
	IntentDelayOff      Intent = "delay_off"
	IntentGreeting      Intent = "greeting"
	IntentHowWasYourDay Intent = "how_was_your_day"
	IntentFatigue       Intent = "fatigue"
	IntentFarewell      Intent = "farewell"
	IntentHangover      Intent = "hangover"
	IntentHelpMenu      Intent = "help"
	IntentFallback      Intent = "fallback"
)

// Rule maps a pattern to the intent it selects.
type Rule struct {
	Intent  Intent
	Pattern *regexp.Regexp
}

// rules is evaluated top to bottom; the first match wins. Naming negotiation
// sits above everything else so "いいよ、おやすみ" settles the name first.
var rules = []Rule{
	{IntentNamingInquiry, regexp.MustCompile(`(?i)呼び方|どう呼ぶ|呼び捨て`)},
	{IntentNamingDecline, regexp.MustCompile(`(?i)だめ|ダメ|いや|嫌|やだ|無理|やめて`)},
	{IntentNamingAccept, regexp.MustCompile(`(?i)いいよ|うん|ok|オーケー|どうぞ|お願い|もちろん|いいね`)},
	{IntentDelayOn, regexp.MustCompile(`(?i)遅延オン|ゆっくり返信|^/delay on$`)},
	{IntentDelayOff, regexp.MustCompile(`(?i)遅延オフ|すぐ返信|^/delay off$`)},
	{IntentGreeting, regexp.MustCompile(`(?i)おはよう|おはよー|おはよ〜|起きてる`)},
	{IntentHowWasYourDay, regexp.MustCompile(`(?i)今日どうだった|どうだった|一日どう`)},
	{IntentFatigue, regexp.MustCompile(`(?i)おつかれ|お疲れ|つかれた`)},
	{IntentFarewell, regexp.MustCompile(`(?i)おやすみ|寝る|ねる`)},
	{IntentHangover, regexp.MustCompile(`(?i)昨日.*飲みすぎ|二日酔い|酔っ|酒`)},
	{IntentHelpMenu, regexp.MustCompile(`(?i)^help$|ヘルプ|メニュー`)},
}

// Rules returns a copy of the classification table in priority order.
func Rules() []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}

// Normalize collapses whitespace runs into a single space and trims the ends.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Classify returns the first intent whose pattern matches text, or
// IntentFallback. Width variants (full-width latin, half-width kana) are
// folded before matching.
func Classify(text string) Intent {
	t := norm.NFKC.String(Normalize(text))
	if t == "" {
		return IntentFallback
	}
	for _, r := range rules {
		if r.Pattern.MatchString(t) {
			return r.Intent
		}
	}
	return IntentFallback
}

// IsNaming reports whether the intent belongs to name negotiation.
func (i Intent) IsNaming() bool {
	switch i {
	case IntentNamingInquiry, IntentNamingDecline, IntentNamingAccept:
		return true
	}
	return false
}
