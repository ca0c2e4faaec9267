package bus

import "strings"

// matchTopic reports whether topic satisfies pattern under the grammar in
// spec §4.1: segments separated by ':'; '*' matches exactly one segment;
// '**' matches the remainder of the topic (one or more segments) and, if
// present, must be the final pattern segment. Exact topics always match
// themselves.
func matchTopic(topic, pattern string) bool {
	if topic == pattern {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}

	topicSegs := strings.Split(topic, ":")
	patternSegs := strings.Split(pattern, ":")

	ti := 0
	for pi := 0; pi < len(patternSegs); pi++ {
		seg := patternSegs[pi]

		if seg == "**" {
			// '**' consumes everything remaining; must have at least one
			// segment left and must be the last pattern segment.
			if pi != len(patternSegs)-1 {
				return false
			}
			return ti < len(topicSegs)
		}

		if ti >= len(topicSegs) {
			return false
		}

		if seg == "*" {
			ti++
			continue
		}

		if seg != topicSegs[ti] {
			return false
		}
		ti++
	}

	return ti == len(topicSegs)
}

// ValidTopic reports whether topic uses only the character set allowed for
// topics/patterns per §4.2: letters, digits, ':', '*', '_', '-'. Callers
// outside this package (the router's SubscriptionManager) use this to reject
// bad topics before they ever reach a bus implementation.
func ValidTopic(topic string) bool {
	return isValidTopic(topic)
}

// isValidTopic validates the character set allowed for topics/patterns:
// letters, digits, ':', '*', '_', '-'.
func isValidTopic(topic string) bool {
	if topic == "" {
		return false
	}
	for _, r := range topic {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == ':' || r == '*' || r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}
