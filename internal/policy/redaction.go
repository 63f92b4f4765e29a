// Package policy masks personal data before it reaches the logs.
package policy

import (
	"regexp"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ent0n29/lumen/internal/memory"
)

// Kind names a class of personal data.
type Kind string

const (
	KindEmail Kind = "email"
	KindCard  Kind = "card"
	KindPhone Kind = "phone"
)

type rule struct {
	kind    Kind
	pattern *regexp.Regexp
	mask    string
}

// Cards run before phones so a card number is never reported as a phone.
var rules = []rule{
	{KindEmail, regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[email]"},
	{KindCard, regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[card]"},
	{KindPhone, regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[phone]"},
}

// Redaction counts the replacements made per kind.
type Redaction map[Kind]int

func (r Redaction) Changed() bool { return len(r) > 0 }

// RedactPII masks emails, card numbers and phone numbers in input.
func RedactPII(input string) (string, Redaction) {
	out := input
	var found Redaction
	for _, r := range rules {
		n := len(r.pattern.FindAllStringIndex(out, -1))
		if n == 0 {
			continue
		}
		if found == nil {
			found = Redaction{}
		}
		found[r.kind] += n
		out = r.pattern.ReplaceAllString(out, r.mask)
	}
	return out, found
}

// RedactFacts returns a copy of m that is safe to log. The user's name keeps
// only its first letter; other string facts go through RedactPII.
func RedactFacts(m memory.LongTermMemory) memory.LongTermMemory {
	out := make(memory.LongTermMemory, len(m))
	for k, v := range m {
		s, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		if k == memory.FactName {
			out[k] = initial(s)
			continue
		}
		out[k], _ = RedactPII(s)
	}
	return out
}

// Text is a zap field carrying redacted free text.
func Text(key, text string) zap.Field {
	redacted, _ := RedactPII(text)
	return zap.String(key, redacted)
}

func initial(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	if size == 0 {
		return ""
	}
	return string(r) + "***"
}
