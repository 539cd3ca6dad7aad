package sessions

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// maxNameRunes caps how much of a profile name is used as a display name.
const maxNameRunes = 20

// NormalizeName turns a platform profile name into something the persona can
// say: width-folded, katakana read as hiragana, decorations (emoji, symbols,
// punctuation) removed, first word only. Returns placeholder when nothing
// usable is left.
func NormalizeName(raw, placeholder string) string {
	var b strings.Builder
	prevKept := false
	for _, r := range norm.NFKC.String(raw) {
		switch {
		case unicode.IsLetter(r), unicode.IsNumber(r):
			b.WriteRune(toHiragana(r))
			prevKept = true
		case unicode.IsMark(r) && prevKept:
			// combining marks only count when attached to a kept rune;
			// a variation selector after an emoji is dropped with it
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
			prevKept = false
		}
	}

	fields := strings.Fields(b.String())
	if len(fields) == 0 {
		return placeholder
	}
	name := fields[0]
	if r := []rune(name); len(r) > maxNameRunes {
		name = string(r[:maxNameRunes])
	}
	return name
}

// toHiragana maps katakana ァ..ヶ onto the matching hiragana.
func toHiragana(r rune) rune {
	if r >= 'ァ' && r <= 'ヶ' {
		return r - 0x60
	}
	return r
}
