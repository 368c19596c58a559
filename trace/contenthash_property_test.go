package trace

import (
	"testing"
	"unicode"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestContentHashStableAcrossWhitespaceProperty verifies the Quantified
// Invariant (spec.md §8): for any pair of messages with identical (role,
// normalized content), their content_hash values are equal. Two contents
// that normalize to the same whitespace-collapsed string must hash
// identically regardless of incidental formatting differences.
func TestContentHashStableAcrossWhitespaceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("padding a message with extra whitespace never changes its content hash", prop.ForAll(
		func(role string, words []string, pad string) bool {
			if len(words) == 0 {
				return true
			}
			content := join(words, " ")
			padded := join(words, pad)
			return ContentHash(role, content) == ContentHash(role, padded)
		},
		gen.OneConstOf("user", "assistant", "system"),
		gen.SliceOf(gen.AlphaString()),
		gen.OneConstOf(" ", "  ", "\t", "\n", "   \t "),
	))

	properties.Property("content hash is a 16-character lowercase hex string", prop.ForAll(
		func(role, content string) bool {
			h := ContentHash(role, content)
			if len(h) != 16 {
				return false
			}
			for _, r := range h {
				if !unicode.IsDigit(r) && (r < 'a' || r > 'f') {
					return false
				}
			}
			return true
		},
		gen.OneConstOf("user", "assistant", "system"),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func join(words []string, sep string) string {
	out := words[0]
	for _, w := range words[1:] {
		out += sep + w
	}
	return out
}
