package litellm

import (
	"strings"
	"unicode"
)

// maxUntrusted bounds user-supplied text embedded in a prompt.
const maxUntrusted = 10000

// roleMarkers are line prefixes that chat templates treat as turn
// boundaries.
var roleMarkers = []string{
	"system:", "assistant:", "user:", "[system]", "[assistant]",
	"<|system|>", "<|assistant|>", "<|im_start|>", "<|im_end|>",
	"### system", "### assistant", "### instruction",
}

// untrusted prepares goal text, step output and hook payloads for
// embedding in a prompt: control characters other than whitespace are
// dropped, lines opening with a role marker are defanged and the result is
// cut to maxUntrusted bytes.
func untrusted(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || r == '\r' || !unicode.IsControl(r) {
			return r
		}
		return -1
	}, s)

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lower := strings.ToLower(strings.TrimSpace(line))
		for _, m := range roleMarkers {
			if strings.HasPrefix(lower, m) {
				lines[i] = "[quoted] " + line
				break
			}
		}
	}
	return truncate(strings.Join(lines, "\n"), maxUntrusted)
}
