package persona

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		text string
		want Intent
	}{
		{"呼び方どうする？", IntentNamingInquiry},
		{"いや", IntentNamingDecline},
		{"それはダメ", IntentNamingDecline},
		{"いいよ", IntentNamingAccept},
		{"OK", IntentNamingAccept},
		{"Ｏｋ", IntentNamingAccept},
		{"遅延オン", IntentDelayOn},
		{"/delay off", IntentDelayOff},
		{"おはよう", IntentGreeting},
		{"  おはよ〜  ", IntentGreeting},
		{"今日どうだった？", IntentHowWasYourDay},
		{"お疲れさま", IntentFatigue},
		{"おやすみ", IntentFarewell},
		{"昨日ちょっと飲みすぎた", IntentHangover},
		{"HELP", IntentHelpMenu},
		{"please help", IntentFallback},
		{"メニュー見せて", IntentHelpMenu},
		{"banana", IntentFallback},
		{"", IntentFallback},
		{"   ", IntentFallback},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.text))
		})
	}
}

func TestClassifyPriority(t *testing.T) {
	// Matches both the naming-accept and the farewell pattern.
	assert.Equal(t, IntentNamingAccept, Classify("いいよ、おやすみ"))
	// Matches decline and greeting; decline ranks higher.
	assert.Equal(t, IntentNamingDecline, Classify("おはよう、でも無理"))
	// Inquiry beats everything.
	assert.Equal(t, IntentNamingInquiry, Classify("呼び捨てはだめ？"))
}

func TestRulesOrder(t *testing.T) {
	r := Rules()
	require.NotEmpty(t, r)
	assert.Equal(t, IntentNamingInquiry, r[0].Intent)
	assert.Equal(t, IntentNamingDecline, r[1].Intent)
	assert.Equal(t, IntentNamingAccept, r[2].Intent)

	r[0] = Rule{Intent: IntentFallback}
	assert.Equal(t, IntentNamingInquiry, Rules()[0].Intent, "Rules must return a copy")
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "a b c", Normalize("  a \t b\n\nc "))
	assert.Equal(t, "", Normalize(" \n "))
}

func TestDefaultBank(t *testing.T) {
	b := DefaultBank()
	for _, bucket := range []string{BucketMorning, BucketNoon, BucketNight, BucketHowWas,
		BucketFatigue, BucketFarewell, BucketHangover, BucketDefault, BucketFiller} {
		assert.NotEmpty(t, b.Candidates(bucket), bucket)
	}
	assert.Equal(t, "ちゃん", b.Suffix)
	assert.Len(t, b.QuickReplies, 3)
	assert.NotEmpty(t, b.Lines.NonText)
}

func TestPickFallbackSubstitution(t *testing.T) {
	b := DefaultBank()
	for i := range b.Candidates(BucketDefault) {
		got, ok := b.Pick(BucketDefault, func(int) int { return i }, Vars{Text: "banana"})
		require.True(t, ok)
		assert.Contains(t, got, "banana")
	}
}

func TestPickEmptyBucket(t *testing.T) {
	b := DefaultBank()
	_, ok := b.Pick("nope", func(int) int { return 0 }, Vars{})
	assert.False(t, ok)
}

func TestRenderSinglePass(t *testing.T) {
	got := Render("「{{text}}」って、{{name}}", Vars{Name: "Emikoちゃん", Text: "{{name}}"})
	assert.Equal(t, "「{{name}}」って、Emikoちゃん", got)
}

func TestIsNaming(t *testing.T) {
	for _, i := range []Intent{IntentNamingInquiry, IntentNamingDecline, IntentNamingAccept} {
		assert.True(t, i.IsNaming(), i)
	}
	for _, i := range []Intent{IntentDelayOn, IntentGreeting, IntentHelpMenu, IntentFallback} {
		assert.False(t, i.IsNaming(), i)
	}
}

func TestSystemPrompt(t *testing.T) {
	p := DefaultBank().SystemPrompt(Vars{Name: "えみこちゃん", Base: "えみこ"})
	assert.Contains(t, p, "えみこちゃん")
	assert.NotContains(t, p, "{{")
}

func TestParseBankOverride(t *testing.T) {
	b, err := ParseBank([]byte("buckets:\n  morning:\n    - おはよう{{name}}\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"おはよう{{name}}"}, b.Candidates(BucketMorning))
	assert.NotEmpty(t, b.Candidates(BucketNight), "untouched buckets keep defaults")
}

func TestParseBankRejectsBadDefault(t *testing.T) {
	_, err := ParseBank([]byte("buckets:\n  default:\n    - no placeholder\n"))
	assert.Error(t, err)

	_, err = ParseBank([]byte("buckets:\n  default: []\n"))
	assert.Error(t, err)
}

func TestLoadBank(t *testing.T) {
	b, err := LoadBank("")
	require.NoError(t, err)
	assert.NotEmpty(t, b.Directive)

	path := filepath.Join(t.TempDir(), "bank.yaml")
	require.NoError(t, os.WriteFile(path, []byte("lines:\n  help: メニューだよ\n"), 0o644))
	b, err = LoadBank(path)
	require.NoError(t, err)
	assert.Equal(t, "メニューだよ", b.Lines.Help)
	assert.True(t, strings.HasPrefix(b.Lines.NonText, "今は"))

	_, err = LoadBank(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestTimeBucket(t *testing.T) {
	utc := func(h int) time.Time { return time.Date(2026, 1, 1, h, 30, 0, 0, time.UTC) }
	tests := []struct {
		utcHour int
		want    string
	}{
		{20, BucketMorning}, // 05:30 JST
		{1, BucketMorning},  // 10:30 JST
		{2, BucketNoon},     // 11:30 JST
		{7, BucketNoon},     // 16:30 JST
		{8, BucketNight},    // 17:30 JST
		{19, BucketNight},   // 04:30 JST
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TimeBucket(utc(tt.utcHour), nil), "utc hour %d", tt.utcHour)
	}
	assert.Equal(t, BucketMorning, TimeBucket(utc(6), time.UTC))
}
