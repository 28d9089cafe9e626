package filterparser

import (
	"strings"
	"testing"

	"github.com/stamatisl/privaxy/internal/rules"
)

func TestParseNetworkAndCosmeticRules(t *testing.T) {
	input := strings.Join([]string{
		"||ads.example.com^",
		"@@||ads.example.com/allowed.js",
		"example.com##.banner-ad",
		"! a comment, skipped",
		"",
	}, "\n")

	res := Parse(strings.NewReader(input), "test-bundle")
	if len(res.Errors) != 0 {
		t.Fatalf("expected no parse errors, got %v", res.Errors)
	}
	if len(res.Network) != 2 {
		t.Fatalf("expected 2 network rules, got %d", len(res.Network))
	}
	if len(res.Cosmetic) != 1 {
		t.Fatalf("expected 1 cosmetic rule, got %d", len(res.Cosmetic))
	}
	if res.Network[0].Action != rules.ActionBlock {
		t.Fatalf("expected first rule to be a block, got %v", res.Network[0].Action)
	}
	if res.Network[1].Action != rules.ActionAllowException {
		t.Fatalf("expected second rule to be an exception, got %v", res.Network[1].Action)
	}
}

// Parsing is idempotent: parsing the same bundle body twice produces
// identical rule sets (modulo the Seq stamped by insertion order, which is
// deterministic given the same input and the same bundleID).
func TestParseIsIdempotent(t *testing.T) {
	input := "||ads.example.com^\nexample.com##.banner-ad\n"

	r1 := Parse(strings.NewReader(input), "b")
	r2 := Parse(strings.NewReader(input), "b")

	if len(r1.Network) != len(r2.Network) || len(r1.Cosmetic) != len(r2.Cosmetic) {
		t.Fatalf("expected identical rule counts across parses")
	}
	for i := range r1.Network {
		if r1.Network[i].Raw != r2.Network[i].Raw || r1.Network[i].Seq != r2.Network[i].Seq {
			t.Fatalf("expected identical network rules at index %d", i)
		}
	}
}

func TestParseMalformedLineRecordsError(t *testing.T) {
	// "example.com##" has an empty cosmetic body, which the parser rejects;
	// the error carries its line number and the next line still parses.
	res := Parse(strings.NewReader("example.com##\n||x.example.com^\n"), "b")
	if len(res.Errors) != 1 || res.Errors[0].Line != 1 {
		t.Fatalf("expected one parse error on line 1, got %v", res.Errors)
	}
	if len(res.Network) != 1 {
		t.Fatalf("expected the line after the malformed one to parse, got %d network rules", len(res.Network))
	}
}

func TestParseSkipsCommentsAndBlankLines(t *testing.T) {
	input := "! comment\n\n   \n||x.example.com^\n"
	res := Parse(strings.NewReader(input), "b")
	if len(res.Network) != 1 {
		t.Fatalf("expected comments/blank lines to be skipped, got %d network rules", len(res.Network))
	}
}

// "1p"/"3p" are shorthand aliases for "first-party"/"third-party".
func TestParseOptionsAcceptsPartyAliases(t *testing.T) {
	res := Parse(strings.NewReader("||ads.example.com^$1p\n||track.example.com^$3p\n"), "b")
	if len(res.Errors) != 0 {
		t.Fatalf("expected no parse errors, got %v", res.Errors)
	}
	if len(res.Network) != 2 {
		t.Fatalf("expected 2 network rules, got %d", len(res.Network))
	}
	if res.Network[0].Options.Party != rules.PartyFirst {
		t.Fatalf("expected $1p to set PartyFirst, got %v", res.Network[0].Options.Party)
	}
	if res.Network[1].Options.Party != rules.PartyThird {
		t.Fatalf("expected $3p to set PartyThird, got %v", res.Network[1].Options.Party)
	}
}

// A "##?" procedural-cosmetic rule degrades to hiding the outer selector,
// same as a plain "##" rule, rather than leaving a literal "?" at the start
// of the selector text.
func TestParseCosmeticProceduralSeparatorHidesOuterSelector(t *testing.T) {
	res := Parse(strings.NewReader("example.com##?.ad:has(.inner)\n"), "b")
	if len(res.Errors) != 0 {
		t.Fatalf("expected no parse errors, got %v", res.Errors)
	}
	if len(res.Cosmetic) != 1 {
		t.Fatalf("expected 1 cosmetic rule, got %d", len(res.Cosmetic))
	}
	cr := res.Cosmetic[0]
	if cr.Op != rules.OpHideElement {
		t.Fatalf("expected a hide-element rule, got %v", cr.Op)
	}
	if cr.Selector != ".ad:has(.inner)" {
		t.Fatalf("expected the selector to start right after \"##?\" with no leading '?', got %q", cr.Selector)
	}
}
