package ruleindex

import (
	"testing"

	"github.com/stamatisl/privaxy/internal/rules"
)

func block(raw, pattern string, seq int) rules.NetworkRule {
	return rules.NetworkRule{
		Raw:     raw,
		Kind:    rules.PatternLiteral,
		Pattern: pattern,
		Action:  rules.ActionBlock,
		Seq:     seq,
	}
}

// An empty index must match nothing (§8 boundary behavior), including on a
// nil *Snapshot.
func TestEmptySnapshotMatchesNothing(t *testing.T) {
	s := NewBuilder().Build()
	d := s.Lookup("http://ads.example.com/banner.js", "", rules.TypeScript)
	if d.Matched {
		t.Fatalf("expected an empty index to match nothing")
	}

	var nilSnap *Snapshot
	if d := nilSnap.Lookup("http://ads.example.com/banner.js", "", rules.TypeScript); d.Matched {
		t.Fatalf("expected a nil snapshot to match nothing")
	}
}

// Every rule added to a Builder must be reachable through Lookup after
// Build (§8: "every rule is reachable").
func TestEveryRuleIsReachable(t *testing.T) {
	b := NewBuilder()
	b.AddNetwork(block("||ads.example.com^", "ads.example.com", 0))
	b.AddNetwork(block("||tracker.example.net^", "tracker.example.net", 1))
	s := b.Build()

	if s.RuleCount() != 2 {
		t.Fatalf("expected 2 compiled rules, got %d", s.RuleCount())
	}

	if d := s.Lookup("http://ads.example.com/x.js", "", rules.TypeScript); !d.Matched {
		t.Fatalf("expected ads.example.com rule to be reachable")
	}
	if d := s.Lookup("http://tracker.example.net/x.js", "", rules.TypeScript); !d.Matched {
		t.Fatalf("expected tracker.example.net rule to be reachable")
	}
}

// Resolution order is independent of insertion order once priority ties are
// broken by Seq: an exception always beats a same-priority block regardless
// of which was added to the Builder first.
func TestDecisionOrderIndependence(t *testing.T) {
	build := func(addExceptionFirst bool) *Snapshot {
		b := NewBuilder()
		blk := block("||ads.example.com^", "ads.example.com", 0)
		exc := rules.NetworkRule{
			Raw:     "@@||ads.example.com/allowed.js",
			Kind:    rules.PatternLiteral,
			Pattern: "ads.example.com/allowed.js",
			Action:  rules.ActionAllowException,
			Seq:     1,
		}
		if addExceptionFirst {
			b.AddNetwork(exc)
			b.AddNetwork(blk)
		} else {
			b.AddNetwork(blk)
			b.AddNetwork(exc)
		}
		return b.Build()
	}

	s1 := build(true)
	s2 := build(false)

	d1 := s1.Lookup("http://ads.example.com/allowed.js", "", rules.TypeScript)
	d2 := s2.Lookup("http://ads.example.com/allowed.js", "", rules.TypeScript)

	if d1.Action != rules.ActionAllowException || d2.Action != rules.ActionAllowException {
		t.Fatalf("expected the exception to win regardless of insertion order, got %v / %v", d1.Action, d2.Action)
	}
}

func TestCosmeticLookupUnionsAndSubtractsExceptions(t *testing.T) {
	b := NewBuilder()
	b.AddCosmetic(rules.CosmeticRule{
		Raw:      "example.com##.ad",
		Domains:  []string{"example.com"},
		Op:       rules.OpHideElement,
		Selector: ".ad",
	})
	b.AddCosmetic(rules.CosmeticRule{
		Raw:       "sub.example.com#@#.ad",
		Domains:   []string{"sub.example.com"},
		Op:        rules.OpHideElement,
		Selector:  ".ad",
		Exception: true,
	})
	s := b.Build()

	set := s.CosmeticLookup("www.example.com")
	if len(set.Hide) != 1 || set.Hide[0] != ".ad" {
		t.Fatalf("expected .ad to apply on www.example.com, got %v", set.Hide)
	}

	excepted := s.CosmeticLookup("sub.example.com")
	if len(excepted.Hide) != 0 {
		t.Fatalf("expected the exception to suppress .ad on sub.example.com, got %v", excepted.Hide)
	}
}

func TestBuilderDedupesVerbatimRules(t *testing.T) {
	b := NewBuilder()
	b.AddNetwork(block("||ads.example.com^", "ads.example.com", 0))
	b.AddNetwork(block("||ads.example.com^", "ads.example.com", 1))
	s := b.Build()

	if s.RuleCount() != 1 {
		t.Fatalf("expected duplicate rule to be deduped, got %d rules", s.RuleCount())
	}
}
