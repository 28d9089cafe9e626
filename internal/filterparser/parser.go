// Package filterparser turns Adblock-Plus-syntax filter-list text into the
// typed rules of package rules (§4.B). A line that cannot be parsed is
// recorded as a rules.ParseError and skipped; parsing itself never fails.
package filterparser

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/stamatisl/privaxy/framework/dns"
	"github.com/stamatisl/privaxy/internal/rules"
)

// Result is the outcome of parsing one bundle body.
type Result struct {
	Network   []rules.NetworkRule
	Cosmetic  []rules.CosmeticRule
	Errors    []rules.ParseError
}

// cosmeticSeparators lists the separators recognized between a (possibly
// empty) domain-scope prefix and the rest of a cosmetic rule, longest first
// so that "#@$#" isn't misdetected as "#$#" or "##".
var cosmeticSeparators = []struct {
	sep string
	op  rules.CosmeticOp
	exc bool
	css bool // true if the right-hand side is a CSS selector, false if a style/scriptlet body
}{
	{"#@$#", rules.OpInjectStyle, true, false},
	{"#$#", rules.OpInjectStyle, false, false},
	{"#@#", rules.OpHideElement, true, true},
	// "##?" marks a procedural-cosmetic rule. This implementation doesn't
	// evaluate procedural operators (:has, :matches-css, ...) against the
	// DOM, so it degrades to hiding the outer selector the same as a plain
	// "##" rule rather than treating the leading "?" as part of the
	// selector text.
	{"##?", rules.OpHideElement, false, true},
	{"##", rules.OpHideElement, false, true},
}

// Parse reads one rule per line from r, accumulating into bundleID's share
// of the Result (bundle/sequence numbers are stamped so the rule index can
// break resolution ties by insertion order, §4.C point 3).
func Parse(r io.Reader, bundleID string) Result {
	var res Result
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	seq := 0
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "!") || strings.HasPrefix(line, "[") {
			continue // comment / metadata line
		}

		if sepIdx, sep := findCosmeticSeparator(line); sepIdx >= 0 {
			cr, err := parseCosmetic(line, sepIdx, sep)
			if err != "" {
				res.Errors = append(res.Errors, rules.ParseError{Line: lineNo, Text: line, Reason: err})
				continue
			}
			cr.Raw = line
			cr.BundleID = bundleID
			cr.Seq = seq
			seq++
			res.Cosmetic = append(res.Cosmetic, cr)
			continue
		}

		nr, err := parseNetwork(line)
		if err != "" {
			res.Errors = append(res.Errors, rules.ParseError{Line: lineNo, Text: line, Reason: err})
			continue
		}
		nr.Raw = line
		nr.BundleID = bundleID
		nr.Seq = seq
		seq++
		res.Network = append(res.Network, nr)
	}
	return res
}

// findCosmeticSeparator finds the earliest occurrence of any recognized
// cosmetic separator. "##" is a prefix of "##?", so two separators can match
// at the same index; such a tie keeps the one listed first in
// cosmeticSeparators, which is the longer one.
func findCosmeticSeparator(line string) (int, int) {
	best, bestSel := -1, -1
	for i, s := range cosmeticSeparators {
		idx := strings.Index(line, s.sep)
		if idx >= 0 && (best == -1 || idx < best) {
			best, bestSel = idx, i
		}
	}
	return best, bestSel
}

func parseCosmetic(line string, sepIdx, sepSel int) (rules.CosmeticRule, string) {
	sep := cosmeticSeparators[sepSel]
	scopePart := line[:sepIdx]
	rest := line[sepIdx+len(sep.sep):]

	var cr rules.CosmeticRule
	cr.Exception = sep.exc
	cr.Op = sep.op

	if scopePart != "" {
		for _, d := range strings.Split(scopePart, ",") {
			d = strings.TrimSpace(d)
			if d == "" {
				continue
			}
			if strings.HasPrefix(d, "~") {
				cr.Excluded = append(cr.Excluded, dns.ForIndex(strings.TrimPrefix(d, "~")))
			} else {
				cr.Domains = append(cr.Domains, dns.ForIndex(d))
			}
		}
	}

	if rest == "" {
		return cr, "empty cosmetic rule body"
	}

	switch {
	case !sep.css:
		// #$#/#@$# style-injection body: "selector { declarations }"
		cr.Op = rules.OpInjectStyle
		idx := strings.Index(rest, "{")
		if idx < 0 || !strings.HasSuffix(rest, "}") {
			return cr, "malformed style-injection body, expected 'selector { decls }'"
		}
		cr.Selector = strings.TrimSpace(rest[:idx])
		cr.Style = strings.TrimSpace(rest[idx+1 : len(rest)-1])
		return cr, ""

	case strings.HasPrefix(rest, "^"):
		cr.Op = rules.OpHTMLFilter
		cr.Selector = strings.TrimPrefix(rest, "^")
		return cr, ""

	case strings.HasPrefix(rest, "+js("):
		if !strings.HasSuffix(rest, ")") {
			return cr, "malformed scriptlet call, missing closing ')'"
		}
		cr.Op = rules.OpScriptlet
		args := strings.Split(rest[len("+js(") :len(rest)-1], ",")
		for i, a := range args {
			args[i] = strings.TrimSpace(a)
		}
		if len(args) == 0 || args[0] == "" {
			return cr, "scriptlet call names no scriptlet"
		}
		cr.Name = args[0]
		cr.Args = args[1:]
		return cr, ""

	default:
		cr.Op = rules.OpHideElement
		cr.Selector = rest
		return cr, ""
	}
}

func parseNetwork(line string) (rules.NetworkRule, string) {
	var nr rules.NetworkRule
	nr.Action = rules.ActionBlock

	if strings.HasPrefix(line, "@@") {
		nr.Action = rules.ActionAllowException
		line = line[2:]
	}
	if line == "" {
		return nr, "empty network rule"
	}

	pattern := line
	var optStr string
	if idx := strings.LastIndex(line, "$"); idx >= 0 && idx != len(line)-1 {
		pattern = line[:idx]
		optStr = line[idx+1:]
	}
	if pattern == "" {
		return nr, "empty pattern"
	}

	switch {
	case strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") && len(pattern) > 1:
		nr.Kind = rules.PatternRegexp
		nr.Pattern = pattern[1 : len(pattern)-1]

	case strings.HasPrefix(pattern, "||"):
		nr.Kind = rules.PatternWildcarded
		nr.AnchorHost = true
		pattern = strings.TrimPrefix(pattern, "||")
		pattern = strings.TrimSuffix(pattern, "^")
		nr.Pattern = pattern

	case strings.HasPrefix(pattern, "|") && strings.HasSuffix(pattern, "|") && len(pattern) > 1:
		nr.Kind = rules.PatternWildcarded
		nr.AnchorStart = true
		nr.AnchorEnd = true
		nr.Pattern = pattern[1 : len(pattern)-1]

	case strings.HasPrefix(pattern, "|"):
		nr.Kind = rules.PatternWildcarded
		nr.AnchorStart = true
		nr.Pattern = pattern[1:]

	case strings.Contains(pattern, "*") || strings.Contains(pattern, "^"):
		nr.Kind = rules.PatternWildcarded
		nr.Pattern = pattern

	default:
		nr.Kind = rules.PatternLiteral
		nr.Pattern = pattern
	}

	if optStr != "" {
		opts, action, err := parseOptions(optStr)
		if err != "" {
			return nr, err
		}
		nr.Options = opts
		if nr.Action == rules.ActionBlock && action != rules.ActionBlock {
			nr.Action = action
		}
	}

	return nr, ""
}

func parseOptions(s string) (rules.Options, rules.Action, string) {
	var opts rules.Options
	action := rules.ActionBlock

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		neg := strings.HasPrefix(part, "~")
		if neg {
			part = part[1:]
		}

		key := part
		val := ""
		if idx := strings.Index(part, "="); idx >= 0 {
			key = part[:idx]
			val = part[idx+1:]
		}

		switch key {
		case "important":
			opts.Important = true
		case "first-party", "1p":
			if neg {
				opts.Party = rules.PartyThird
			} else {
				opts.Party = rules.PartyFirst
			}
		case "third-party", "3p":
			if neg {
				opts.Party = rules.PartyFirst
			} else {
				opts.Party = rules.PartyThird
			}
		case "domain":
			for _, d := range strings.Split(val, "|") {
				if strings.HasPrefix(d, "~") {
					opts.DomainExclude = append(opts.DomainExclude, dns.ForIndex(strings.TrimPrefix(d, "~")))
				} else if d != "" {
					opts.DomainInclude = append(opts.DomainInclude, dns.ForIndex(d))
				}
			}
		case "redirect", "redirect-rule":
			opts.Redirect = val
			action = rules.ActionRedirect
		case "csp":
			opts.CSP = val
			action = rules.ActionAddCSP
		case "removeparam":
			opts.RemoveParam = val
			action = rules.ActionModifyHeader
		default:
			if t, ok := rules.ResourceTypeByName(key); ok {
				if neg {
					if opts.ExcludedTypes == nil {
						opts.ExcludedTypes = make(map[rules.ResourceType]bool)
					}
					opts.ExcludedTypes[t] = true
				} else {
					if opts.Types == nil {
						opts.Types = make(map[rules.ResourceType]bool)
					}
					opts.Types[t] = true
				}
				continue
			}
			// Unknown options are tolerated (forward compatibility with
			// option names this implementation doesn't special-case) and
			// simply carry no additional constraint, matching the "robust,
			// never fatal" requirement for the parser as a whole.
		}
	}

	return opts, action, ""
}

// FormatLineNo is a small helper for diagnostics/log fields.
func FormatLineNo(n int) string {
	return strconv.Itoa(n)
}
