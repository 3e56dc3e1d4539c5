package topic

import "strings"

// Match reports whether routing matches binding under AMQP topic exchange
// rules: "*" matches exactly one word and "#" matches zero or more words.
func Match(binding, routing string) bool {
	return matchWords(strings.Split(binding, separator), strings.Split(routing, separator))
}

func matchWords(pattern, words []string) bool {
	for len(pattern) > 0 {
		switch p := pattern[0]; p {
		case MultiWildcard:
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(words); i++ {
				if matchWords(rest, words[i:]) {
					return true
				}
			}
			return false
		default:
			if len(words) == 0 {
				return false
			}
			if p != Wildcard && p != words[0] {
				return false
			}
			pattern, words = pattern[1:], words[1:]
		}
	}
	return len(words) == 0
}
