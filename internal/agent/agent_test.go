package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nextlevelbuilder/kaibot/internal/bus"
	"github.com/nextlevelbuilder/kaibot/internal/persona"
	"github.com/nextlevelbuilder/kaibot/internal/providers"
	"github.com/nextlevelbuilder/kaibot/internal/sessions"
)

func TestMain(m *testing.M) {
	// genai's auth transport links opencensus, whose view worker starts in init.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

var morning = time.Date(2025, 1, 6, 8, 0, 0, 0, persona.DefaultZone)

type sent struct {
	to   string
	msgs []bus.OutboundMessage
	err  error
}

type fakeDeliverer struct {
	mu       sync.Mutex
	replies  []sent
	pushes   []sent
	pushErrs []error // consumed one per Push call
}

func (f *fakeDeliverer) Reply(ctx context.Context, token string, msgs []bus.OutboundMessage) error {
	if token == "panic" {
		panic("deliverer exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, sent{to: token, msgs: msgs})
	return nil
}

func (f *fakeDeliverer) Push(ctx context.Context, userID string, msgs []bus.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if len(f.pushErrs) > 0 {
		err, f.pushErrs = f.pushErrs[0], f.pushErrs[1:]
	}
	f.pushes = append(f.pushes, sent{to: userID, msgs: msgs, err: err})
	return err
}

func (f *fakeDeliverer) Replies() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.replies...)
}

func (f *fakeDeliverer) Pushes() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.pushes...)
}

type fakeProvider struct {
	chat  func(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error)
	calls atomic.Int32
	last  atomic.Pointer[providers.ChatRequest]
}

func (f *fakeProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	f.calls.Add(1)
	f.last.Store(&req)
	return f.chat(ctx, req)
}

func (f *fakeProvider) DefaultModel() string { return "fake-model" }
func (f *fakeProvider) Name() string         { return "fake" }

// echoProvider answers "re:<last user message>".
func echoProvider() *fakeProvider {
	return &fakeProvider{chat: func(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
		last := req.Messages[len(req.Messages)-1]
		return &providers.ChatResponse{Content: "re:" + last.Content}, nil
	}}
}

func blockingProvider() *fakeProvider {
	return &fakeProvider{chat: func(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
}

type harness struct {
	d    *Dispatcher
	out  *fakeDeliverer
	bank *persona.Bank
}

func newHarness(t *testing.T, p providers.Provider, delay bool) *harness {
	t.Helper()
	bank := persona.DefaultBank()
	out := &fakeDeliverer{}

	sel := NewSelector(bank, 10)
	sel.intn = func(n int) int { return n - 1 }

	cfg := GeneratorConfig{Bank: bank, Timeout: 50 * time.Millisecond}
	if p != nil {
		cfg.Provider = p
	}
	gen := NewGenerator(cfg)
	gen.now = func() time.Time { return morning }
	gen.intn = func(n int) int { return 0 }

	d := NewDispatcher(DispatcherConfig{
		Deliverer: out,
		Sessions: sessions.NewManager(sessions.Options{
			Suffix: bank.Suffix, Placeholder: bank.Placeholder, FixedName: "Emiko",
		}),
		Selector:  sel,
		Generator: gen,
		DelayMode: NewDelayMode(delay),
		MinDelay:  80 * time.Millisecond,
		MaxDelay:  80 * time.Millisecond,
	})
	t.Cleanup(d.Stop)
	return &harness{d: d, out: out, bank: bank}
}

var eventSeq atomic.Int64

func textEvent(user, text string) bus.InboundMessage {
	n := eventSeq.Add(1)
	return bus.InboundMessage{
		Channel:     "line",
		EventID:     fmt.Sprintf("ev-%d", n),
		UserID:      user,
		Kind:        bus.KindText,
		MessageType: "text",
		Text:        text,
		ReplyToken:  fmt.Sprintf("tok-%d", n),
	}
}

func renderAll(bank *persona.Bank, bucket string, v persona.Vars) []string {
	var out []string
	for _, tmpl := range bank.Candidates(bucket) {
		out = append(out, persona.Render(tmpl, v))
	}
	return out
}

func TestGreetingUsesMorningBucket(t *testing.T) {
	h := newHarness(t, nil, false)
	h.d.HandleBatch(context.Background(), []bus.InboundMessage{textEvent("U1", "おはよう")})

	replies := h.out.Replies()
	require.Len(t, replies, 1)
	msg := replies[0].msgs[0]
	set := renderAll(h.bank, persona.BucketMorning, persona.Vars{Name: "Emikoちゃん", Base: "Emiko"})
	assert.Contains(t, set, msg.Text)
	assert.Contains(t, msg.Text, "Emikoちゃん")
	assert.Equal(t, h.bank.QuickReplies, msg.QuickReplies)
}

func TestNamingAcceptThenDecline(t *testing.T) {
	h := newHarness(t, nil, false)
	ctx := context.Background()

	h.d.HandleBatch(ctx, []bus.InboundMessage{textEvent("U1", "いいよ")})
	snap, ok := h.d.Snapshot("U1")
	require.True(t, ok)
	assert.Equal(t, sessions.NamingPlain, snap.NamingMode)

	h.d.HandleBatch(ctx, []bus.InboundMessage{textEvent("U1", "いや")})
	snap, _ = h.d.Snapshot("U1")
	assert.Equal(t, sessions.NamingFormal, snap.NamingMode)

	replies := h.out.Replies()
	require.Len(t, replies, 2)
	assert.Equal(t, "ありがとう。じゃあ、これからは「Emiko」って呼ぶ。", replies[0].msgs[0].Text)
	assert.Equal(t, "分かった。気をつける。…でもつい言いたくなるんだ、Emiko。", replies[1].msgs[0].Text)
	assert.Empty(t, replies[1].msgs[0].QuickReplies)
}

func TestGenerativeReplyRecordsHistory(t *testing.T) {
	p := echoProvider()
	h := newHarness(t, p, false)
	h.d.HandleBatch(context.Background(), []bus.InboundMessage{textEvent("U1", "  今日は  雨だね ")})

	replies := h.out.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, "re:今日は 雨だね", replies[0].msgs[0].Text)
	assert.Equal(t, h.bank.QuickReplies, replies[0].msgs[0].QuickReplies)

	req := p.last.Load()
	require.NotNil(t, req)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, "Emikoちゃん")

	snap, _ := h.d.Snapshot("U1")
	require.Len(t, snap.History, 2)
	assert.Equal(t, providers.Message{Role: "user", Content: "今日は 雨だね"}, snap.History[0])
	assert.Equal(t, providers.Message{Role: "assistant", Content: "re:今日は 雨だね"}, snap.History[1])
}

func TestGenerativeTimeoutFallsBack(t *testing.T) {
	h := newHarness(t, blockingProvider(), false)

	start := time.Now()
	h.d.HandleBatch(context.Background(), []bus.InboundMessage{textEvent("U1", "banana")})
	assert.Less(t, time.Since(start), 2*time.Second)

	replies := h.out.Replies()
	require.Len(t, replies, 1)
	set := renderAll(h.bank, persona.BucketMorning, persona.Vars{Name: "Emikoちゃん", Base: "Emiko", Text: "banana"})
	assert.Contains(t, set, replies[0].msgs[0].Text)
}

func TestFallbackDefaultBucketSubstitutesText(t *testing.T) {
	bank := &persona.Bank{
		Suffix:      "ちゃん",
		Placeholder: "きみ",
		Buckets:     map[string][]string{persona.BucketDefault: {"「{{text}}」か。なるほど。"}},
	}
	gen := NewGenerator(GeneratorConfig{Bank: bank})
	gen.now = func() time.Time { return morning }

	text, generated := gen.Reply(context.Background(), "U1", Prompt{Name: "きみちゃん", Base: "きみ", Text: "banana"})
	assert.False(t, generated)
	assert.Equal(t, "「banana」か。なるほど。", text)
}

func TestDelayModeDebounces(t *testing.T) {
	p := echoProvider()
	h := newHarness(t, p, true)
	ctx := context.Background()

	for _, text := range []string{"first", "second", "third"} {
		h.d.HandleBatch(ctx, []bus.InboundMessage{textEvent("U1", text)})
	}
	assert.Len(t, h.out.Replies(), 3, "each message gets a filler")
	assert.Equal(t, 1, h.d.Pending())

	require.Eventually(t, func() bool { return len(h.out.Pushes()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	pushes := h.out.Pushes()
	require.Len(t, pushes, 1)
	assert.Equal(t, "U1", pushes[0].to)
	assert.Equal(t, "re:third", pushes[0].msgs[0].Text)
	assert.Equal(t, int32(1), p.calls.Load())
	assert.Equal(t, 0, h.d.Pending())

	snap, _ := h.d.Snapshot("U1")
	require.Len(t, snap.History, 4)
	assert.Equal(t, "re:third", snap.History[3].Content)
}

func TestDelayedPushFailureSendsTemplate(t *testing.T) {
	h := newHarness(t, echoProvider(), true)
	h.out.pushErrs = []error{errors.New("push rejected")}

	h.d.HandleBatch(context.Background(), []bus.InboundMessage{textEvent("U1", "hello")})
	require.Eventually(t, func() bool { return len(h.out.Pushes()) == 2 }, 2*time.Second, 10*time.Millisecond)

	pushes := h.out.Pushes()
	assert.Error(t, pushes[0].err)
	assert.Equal(t, "re:hello", pushes[0].msgs[0].Text)
	set := renderAll(h.bank, persona.BucketMorning, persona.Vars{Name: "Emikoちゃん", Base: "Emiko", Text: "hello"})
	assert.Contains(t, set, pushes[1].msgs[0].Text)

	snap, _ := h.d.Snapshot("U1")
	require.Len(t, snap.History, 2)
	assert.Equal(t, pushes[1].msgs[0].Text, snap.History[1].Content)
}

func TestDelayToggleBypassesDelay(t *testing.T) {
	h := newHarness(t, nil, false)
	ctx := context.Background()

	h.d.HandleBatch(ctx, []bus.InboundMessage{textEvent("U1", "/delay on")})
	assert.True(t, h.d.Status().DelayMode)
	h.d.HandleBatch(ctx, []bus.InboundMessage{textEvent("U1", "遅延オフ")})
	assert.False(t, h.d.Status().DelayMode)

	replies := h.out.Replies()
	require.Len(t, replies, 2)
	assert.Equal(t, h.bank.Lines.DelayOn, replies[0].msgs[0].Text)
	assert.Equal(t, h.bank.Lines.DelayOff, replies[1].msgs[0].Text)
	assert.Equal(t, 0, h.d.Pending())
}

func TestDelayModeAnswersNamingAndHelpNow(t *testing.T) {
	h := newHarness(t, echoProvider(), true)
	ctx := context.Background()

	h.d.HandleBatch(ctx, []bus.InboundMessage{textEvent("U1", "いいよ")})
	h.d.HandleBatch(ctx, []bus.InboundMessage{textEvent("U1", "help")})

	replies := h.out.Replies()
	require.Len(t, replies, 2)
	assert.Equal(t, "ありがとう。じゃあ、これからは「Emiko」って呼ぶ。", replies[0].msgs[0].Text)
	assert.Equal(t, persona.Render(h.bank.Lines.Help, persona.Vars{Name: "Emiko", Base: "Emiko", Text: "help"}), replies[1].msgs[0].Text)
	assert.Equal(t, h.bank.QuickReplies, replies[1].msgs[0].QuickReplies)
	assert.Equal(t, 0, h.d.Pending())

	snap, _ := h.d.Snapshot("U1")
	assert.Equal(t, sessions.NamingPlain, snap.NamingMode)
	require.Len(t, snap.History, 4)
	assert.Equal(t, replies[1].msgs[0].Text, snap.History[3].Content)
}

func TestNonTextDeclined(t *testing.T) {
	h := newHarness(t, echoProvider(), true)
	m := textEvent("U1", "")
	m.Kind, m.MessageType = bus.KindOther, "sticker"

	h.d.HandleBatch(context.Background(), []bus.InboundMessage{m})
	replies := h.out.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, "今はテキストだけ返せるよ。", replies[0].msgs[0].Text)
	assert.Equal(t, 0, h.d.Pending())

	snap, _ := h.d.Snapshot("U1")
	assert.Empty(t, snap.History)
}

func TestDuplicateEventsDropped(t *testing.T) {
	h := newHarness(t, nil, false)
	m := textEvent("U1", "おやすみ")
	h.d.HandleBatch(context.Background(), []bus.InboundMessage{m, m})
	h.d.HandleBatch(context.Background(), []bus.InboundMessage{m})

	assert.Len(t, h.out.Replies(), 1)
	assert.Equal(t, int64(1), h.d.Status().Handled)
}

func TestBatchIsolatesPanics(t *testing.T) {
	h := newHarness(t, nil, false)
	bad := textEvent("U1", "おはよう")
	bad.ReplyToken = "panic"
	good := textEvent("U2", "おつかれ")

	h.d.HandleBatch(context.Background(), []bus.InboundMessage{bad, good})

	replies := h.out.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, good.ReplyToken, replies[0].to)

	// the panicking event released its user lock
	_, ok := h.d.Snapshot("U1")
	assert.True(t, ok)
}

func TestAnonymousSourceAnsweredImmediately(t *testing.T) {
	h := newHarness(t, echoProvider(), true)
	h.d.HandleBatch(context.Background(), []bus.InboundMessage{textEvent("", "hello")})

	replies := h.out.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, "re:hello", replies[0].msgs[0].Text)
	assert.Equal(t, 0, h.d.Pending())
	assert.Equal(t, 0, h.d.Status().Users)
}

func TestGeneratorRateLimit(t *testing.T) {
	p := echoProvider()
	gen := NewGenerator(GeneratorConfig{Provider: p, RatePerMinute: 1, Burst: 1})

	_, err := gen.Generate(context.Background(), "U1", Prompt{Text: "a"})
	require.NoError(t, err)
	_, err = gen.Generate(context.Background(), "U1", Prompt{Text: "b"})
	assert.ErrorIs(t, err, ErrRateLimited)
	_, err = gen.Generate(context.Background(), "U2", Prompt{Text: "c"})
	assert.NoError(t, err, "limits are per user")
}

func TestGeneratorEmptyAndNoProvider(t *testing.T) {
	gen := NewGenerator(GeneratorConfig{})
	_, err := gen.Generate(context.Background(), "U1", Prompt{Text: "a"})
	assert.ErrorIs(t, err, ErrNoProvider)

	empty := &fakeProvider{chat: func(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{Content: "<think>hmm</think>  "}, nil
	}}
	gen = NewGenerator(GeneratorConfig{Provider: empty})
	_, err = gen.Generate(context.Background(), "U1", Prompt{Text: "a"})
	assert.ErrorIs(t, err, providers.ErrEmptyResponse)
}

func TestGeneratorMessages(t *testing.T) {
	gen := NewGenerator(GeneratorConfig{MaxTokens: 120, Temperature: 0.8})
	hist := []providers.Message{
		{Role: "user", Content: "one"},
		{Role: "assistant", Content: "two"},
		{Role: "user", Content: "three"},
	}

	msgs := gen.messages(Prompt{Name: "Emikoちゃん", Base: "Emiko", Text: "three", History: hist})
	require.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "three", msgs[3].Content)

	msgs = gen.messages(Prompt{Text: "four", History: hist})
	require.Len(t, msgs, 5)
	assert.Equal(t, providers.Message{Role: "user", Content: "four"}, msgs[4])
}

func TestSelectorActions(t *testing.T) {
	bank := persona.DefaultBank()
	sel := NewSelector(bank, 10)
	m := sessions.NewManager(sessions.Options{Suffix: bank.Suffix, Placeholder: bank.Placeholder})
	st, release := m.Acquire(context.Background(), "U1")
	defer release()

	help := sel.Select(persona.IntentHelpMenu, st, textEvent("U1", "help"))
	assert.Equal(t, ActionStatic, help.Kind)
	assert.Equal(t, "選んでね。", help.Text)
	assert.Equal(t, bank.QuickReplies, sel.QuickReplies(help))

	inquiry := sel.Select(persona.IntentNamingInquiry, st, textEvent("U1", "呼び方"))
	assert.Equal(t, "なあ…「ちゃん」じゃなくて呼び捨てでもいい？", inquiry.Text)
	assert.Nil(t, sel.QuickReplies(inquiry))

	gen := sel.Select(persona.IntentFallback, st, textEvent("U1", "banana"))
	assert.Equal(t, ActionGenerative, gen.Kind)
	assert.Equal(t, "きみちゃん", gen.Prompt.Name)
	assert.Equal(t, "banana", gen.Prompt.Text)

	toggle := sel.Select(persona.IntentDelayOn, st, textEvent("U1", "遅延オン"))
	assert.Equal(t, ActionToggleDelay, toggle.Kind)
	assert.True(t, toggle.On)
}

func TestDelayModeSet(t *testing.T) {
	d := NewDelayMode(false)
	assert.True(t, d.Set(true))
	assert.False(t, d.Set(true))
	assert.True(t, d.Enabled())
	assert.True(t, d.Set(false))
}

func TestSanitizeReply(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"plain", "おはよ！", "おはよ！"},
		{"thinking", "<think>plan</think>\nおはよ！", "おはよ！"},
		{"speaker", "Kai: おはよ！", "おはよ！"},
		{"quoted", "「おはよ！」", "おはよ！"},
		{"two quotes", "「a」と「b」", "「a」と「b」"},
		{"duplicate blocks", "やあ\n\nやあ\n\nまたね", "やあ\n\nまたね"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeReply(tt.in))
		})
	}
}
