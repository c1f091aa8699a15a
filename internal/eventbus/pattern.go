package eventbus

import "strings"

// splitTopic tokenizes a topic into dotted segments. Per spec §4.3,
// topics are split on both "." and "_" when matched against patterns,
// so the pattern "demo.*" matches the topic "demo_ping".
func splitTopic(topic string) []string {
	return strings.FieldsFunc(topic, func(r rune) bool {
		return r == '.' || r == '_'
	})
}

// splitPattern tokenizes a pattern the same way a topic is tokenized,
// except "**" is kept as its own single token rather than being split.
func splitPattern(pattern string) []string {
	parts := strings.Split(pattern, ".")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "**" {
			out = append(out, p)
			continue
		}
		out = append(out, strings.FieldsFunc(p, func(r rune) bool { return r == '_' })...)
	}
	return out
}

// matchPattern reports whether topic matches pattern under the
// dotted-wildcard grammar of spec §4.3:
//   - "*"  matches exactly one segment.
//   - "**" matches zero or more trailing segments (the open-question
//     resolution in spec §9: implementers must pick (a) alias of "*"
//     or (b) multi-segment wildcard; this implementation picks (b),
//     and only honors "**" as a trailing token).
//   - a literal word matches itself, case-sensitively.
func matchPattern(pattern, topic string) bool {
	pTokens := splitPattern(pattern)
	tTokens := splitTopic(topic)

	for i, pt := range pTokens {
		if pt == "**" {
			// "**" must be the last pattern token to mean "zero or
			// more trailing segments"; matches regardless of what
			// remains in tTokens.
			return i == len(pTokens)-1
		}
		if i >= len(tTokens) {
			return false
		}
		if pt == "*" {
			continue
		}
		if pt != tTokens[i] {
			return false
		}
	}
	return len(tTokens) == len(pTokens)
}
