package host

import (
	"regexp"
	"strings"
)

// compileLike translates a WQL LIKE pattern into an anchored, case-insensitive
// regular expression. An empty pattern matches everything.
func compileLike(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return regexp.MustCompile(".*"), nil
	}

	var b strings.Builder
	b.WriteString("(?is)^")
	inSet := false
	for i, r := range pattern {
		switch {
		case inSet:
			switch r {
			case ']':
				inSet = false
				b.WriteRune(']')
			case '^':
				if pattern[i-1] == '[' {
					b.WriteRune('^')
				} else {
					b.WriteString(`\^`)
				}
			case '\\':
				b.WriteString(`\\`)
			default:
				b.WriteRune(r)
			}
		case r == '%':
			b.WriteString(".*")
		case r == '_':
			b.WriteRune('.')
		case r == '[':
			inSet = true
			b.WriteRune('[')
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteRune('$')

	return regexp.Compile(b.String())
}
