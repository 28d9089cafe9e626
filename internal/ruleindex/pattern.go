package ruleindex

import (
	"regexp"
	"strings"

	"github.com/stamatisl/privaxy/internal/rules"
)

// compiledNetworkRule pairs a rules.NetworkRule with its precompiled
// matcher and index token.
type compiledNetworkRule struct {
	rule  rules.NetworkRule
	token string         // "" if the pattern has no indexable token (goes to fallback)
	re    *regexp.Regexp // non-nil for PatternRegexp and PatternWildcarded rules
}

// minTokenLen is the shortest index token worth keying on; patterns that
// can't produce one land in the fallback list (§4.C point 3).
const minTokenLen = 4

// separatorClass mirrors Adblock Plus' '^' separator: anything that is not
// a letter, digit, or one of "_-.%", or the end of the string.
const separatorClass = `(?:[^a-zA-Z0-9_.%-]|$)`

func compileNetworkRule(nr rules.NetworkRule) compiledNetworkRule {
	c := compiledNetworkRule{rule: nr}

	switch nr.Kind {
	case rules.PatternRegexp:
		re, err := regexp.Compile("(?i)" + nr.Pattern)
		if err == nil {
			c.re = re
		}
		// Regexp source has no literal token to key on (its metacharacters
		// would end up in the token), so these rules go to the fallback list.
		c.token = ""

	case rules.PatternWildcarded:
		c.re = regexp.MustCompile("(?i)" + wildcardToRegexp(nr))
		c.token = extractToken(nr.Pattern)

	default: // PatternLiteral
		c.token = strings.ToLower(nr.Pattern)
		if len(c.token) < minTokenLen {
			c.token = ""
		}
	}

	return c
}

// extractToken picks the longest contiguous run of non-separator,
// non-wildcard characters in pattern, lowercased, to use as the index key
// (§4.C point 2). Returns "" if no run reaches minTokenLen.
func extractToken(pattern string) string {
	best := ""
	cur := strings.Builder{}
	flush := func() {
		if cur.Len() > len(best) {
			best = cur.String()
		}
		cur.Reset()
	}
	for _, r := range pattern {
		switch r {
		case '*', '^', '|':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	best = strings.ToLower(best)
	if len(best) < minTokenLen {
		return ""
	}
	return best
}

// wildcardToRegexp converts a '*'/'^'-wildcarded Adblock pattern plus its
// anchor flags into an equivalent regular expression.
func wildcardToRegexp(nr rules.NetworkRule) string {
	var b strings.Builder
	if nr.AnchorStart {
		b.WriteString("^")
	} else if nr.AnchorHost {
		// || anchors the pattern to the start of a hostname label: either
		// the very start of the URL, right after "scheme://", or right
		// after a '.' inside the host.
		b.WriteString(`^[a-zA-Z][a-zA-Z0-9+.-]*://([a-zA-Z0-9-]+\.)*`)
	}

	for _, r := range nr.Pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '^':
			b.WriteString(separatorClass)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}

	if nr.AnchorEnd {
		b.WriteString("$")
	}
	return b.String()
}

// matches tests the compiled rule's pattern (not its Options) against a
// candidate URL, case-insensitively as required by Numeric semantics (§4.C).
func (c compiledNetworkRule) matches(url string) bool {
	switch c.rule.Kind {
	case rules.PatternLiteral:
		return strings.Contains(strings.ToLower(url), strings.ToLower(c.rule.Pattern))
	default:
		if c.re == nil {
			return false
		}
		return c.re.MatchString(url)
	}
}

// tokenize splits s into overlapping lowercase 8-byte runs, the lookup-side
// counterpart of extractToken's index keys (§3: "8-byte runs, case-folded").
func tokenize(s string) []string {
	s = strings.ToLower(s)
	const n = 8
	if len(s) < n {
		return []string{s}
	}
	runs := make([]string, 0, len(s)-n+1)
	for i := 0; i+n <= len(s); i++ {
		runs = append(runs, s[i:i+n])
	}
	return runs
}
