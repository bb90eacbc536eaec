package embeddings

import (
	"regexp"
	"strings"
)

var (
	punctPattern = regexp.MustCompile(`([?.!,¿])`)
	spacePattern = regexp.MustCompile(`[" ]+`)
	strayPattern = regexp.MustCompile(`[^a-zA-Z?.!,¿]+`)
)

// NormalizeText prepares a free-text query for tokenization: lowercase,
// punctuation split into its own tokens, everything outside ASCII letters
// and ?.!,¿ turned into single spaces, trimmed.
//
//	NormalizeText("Hello, World!!") == "hello , world ! !"
func NormalizeText(text string) string {
	text = strings.ToLower(text)
	text = punctPattern.ReplaceAllString(text, " $1 ")
	text = spacePattern.ReplaceAllString(text, " ")
	text = strayPattern.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
