package persona

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Bucket names used by the reply selector.
const (
	BucketMorning  = "morning"
	BucketNoon     = "noon"
	BucketNight    = "night"
	BucketHowWas   = "how_was"
	BucketFatigue  = "otsukare"
	BucketFarewell = "oyasumi"
	BucketHangover = "casual"
	BucketDefault  = "default"
	BucketFiller   = "filler"
)

//go:embed default_bank.yaml
var defaultBankYAML []byte

// Lines are the single fixed replies that are not drawn at random.
type Lines struct {
	NamingInquiry string `yaml:"naming_inquiry"`
	NamingDecline string `yaml:"naming_decline"`
	NamingAccept  string `yaml:"naming_accept"`
	Help          string `yaml:"help"`
	NonText       string `yaml:"non_text"`
	DelayOn       string `yaml:"delay_on"`
	DelayOff      string `yaml:"delay_off"`
}

// Bank is the read-only phrase bank. Load it once at startup and share it.
type Bank struct {
	Suffix       string              `yaml:"suffix"`
	Placeholder  string              `yaml:"placeholder_name"`
	QuickReplies []string            `yaml:"quick_replies"`
	Lines        Lines               `yaml:"lines"`
	Buckets      map[string][]string `yaml:"buckets"`
	Directive    string              `yaml:"directive"`
}

// Vars are the values substituted into a template.
type Vars struct {
	Name string // display name rendered for the current naming mode
	Base string // bare display name
	Text string // the user's message
}

// DefaultBank returns the built-in phrase bank.
func DefaultBank() *Bank {
	b, err := ParseBank(nil)
	if err != nil {
		panic(fmt.Sprintf("persona: embedded bank: %v", err))
	}
	return b
}

// ParseBank decodes override on top of the built-in bank. Keys absent from
// override keep their built-in value; buckets are replaced per key.
func ParseBank(override []byte) (*Bank, error) {
	b := &Bank{}
	if err := yaml.Unmarshal(defaultBankYAML, b); err != nil {
		return nil, fmt.Errorf("decode default bank: %w", err)
	}
	if len(override) > 0 {
		if err := yaml.Unmarshal(override, b); err != nil {
			return nil, fmt.Errorf("decode bank: %w", err)
		}
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// LoadBank reads a phrase bank override file. An empty path yields the
// built-in bank.
func LoadBank(path string) (*Bank, error) {
	if path == "" {
		return ParseBank(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read phrase bank: %w", err)
	}
	return ParseBank(data)
}

func (b *Bank) validate() error {
	if len(b.Buckets[BucketDefault]) == 0 {
		return fmt.Errorf("phrase bank: bucket %q must not be empty", BucketDefault)
	}
	for _, tmpl := range b.Buckets[BucketDefault] {
		if !strings.Contains(tmpl, "{{text}}") {
			return fmt.Errorf("phrase bank: %q template %q lacks {{text}}", BucketDefault, tmpl)
		}
	}
	if b.Placeholder == "" {
		return fmt.Errorf("phrase bank: placeholder_name is required")
	}
	return nil
}

// Candidates returns the templates of a bucket. The slice must not be modified.
func (b *Bank) Candidates(bucket string) []string {
	return b.Buckets[bucket]
}

// Pick renders a uniformly random template from bucket. intn must return a
// value in [0, n). ok is false when the bucket has no candidates.
func (b *Bank) Pick(bucket string, intn func(n int) int, v Vars) (string, bool) {
	c := b.Buckets[bucket]
	if len(c) == 0 {
		return "", false
	}
	return Render(c[intn(len(c))], v), true
}

// SystemPrompt renders the persona directive for a user.
func (b *Bank) SystemPrompt(v Vars) string {
	return strings.TrimSpace(Render(b.Directive, v))
}

// Render substitutes placeholders in one pass, so user text containing
// "{{name}}" is left as typed.
func Render(tmpl string, v Vars) string {
	return strings.NewReplacer(
		"{{name}}", v.Name,
		"{{base}}", v.Base,
		"{{text}}", v.Text,
	).Replace(tmpl)
}
