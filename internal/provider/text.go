package provider

import (
	"regexp"
	"strings"
)

var (
	spokenAllowedRe = regexp.MustCompile(`[^A-Za-z0-9\s\.,!?;:'"()\-\n]`)
	thinkBlockRe    = regexp.MustCompile(`(?is)<think>.*?</think>`)
	markdownLinkRe  = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	whitespaceRe    = regexp.MustCompile(`\s+`)
)

var unicodeReplacer = strings.NewReplacer(
	"‘", "'",
	"’", "'",
	"“", `"`,
	"”", `"`,
	"—", "-",
	"–", "-",
	"…", "...",
)

// SafeText normalizes text coming from transcription or model output:
// control characters removed, smart punctuation flattened, whitespace
// collapsed.
func SafeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r >= ' ' || r == '\n' || r == '\t' {
			b.WriteRune(r)
		}
	}
	text = unicodeReplacer.Replace(b.String())
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))
}

// TrimForSpeech strips markup a speech synthesizer cannot voice: reasoning
// blocks, markdown links and decorations, and any character outside the
// spoken-safe set.
func TrimForSpeech(text string) string {
	cleaned := SafeText(thinkBlockRe.ReplaceAllString(text, " "))
	cleaned = markdownLinkRe.ReplaceAllString(cleaned, "$1")
	cleaned = strings.NewReplacer("*", " ", "`", " ", "_", " ", "#", " ").Replace(cleaned)
	cleaned = spokenAllowedRe.ReplaceAllString(cleaned, "")
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(cleaned, " "))
}
