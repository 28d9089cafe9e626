// Package ruleindex compiles parsed rules (package rules) into the matcher
// structures of §4.C: a token-keyed inverted index for network rules plus a
// fallback list, per-action priority buckets, and domain/entity radix
// buckets for cosmetic rules. A Snapshot is immutable once built; the Store
// publishes new generations by atomic pointer swap so in-flight requests
// keep using the snapshot they started with (§5 snapshot isolation).
package ruleindex

import (
	"net/url"
	"strings"
	"sync/atomic"

	radix "github.com/armon/go-radix"

	"github.com/stamatisl/privaxy/framework/dns"
	"github.com/stamatisl/privaxy/internal/rules"
)

// Decision is the outcome of a network-rule Lookup.
type Decision struct {
	Action  rules.Action
	Rule    *rules.NetworkRule // the winning rule, for diagnostics/events; nil if Action is the zero value and nothing matched
	Matched bool
}

// Snapshot is one compiled generation of the Rule Index. Zero value is a
// valid empty index that matches nothing (§8 boundary behavior).
type Snapshot struct {
	rulesByIdx []compiledNetworkRule

	longIdx map[string][]int // 8-byte token run -> rule indices
	short   []int            // tokens 4..7 bytes, checked by substring scan
	fallback []int           // no usable token at all

	// Per-action buckets, each holding indices into rulesByIdx, so
	// resolution can consult them in priority order without re-scanning
	// candidates (§4.C point 4).
	importantExceptions []int
	importantBlocks     []int
	exceptions          []int
	blocks              []int
	modifiers           []int

	cosmetic       *radix.Tree // reversed-label domain -> []rules.CosmeticRule
	cosmeticExcept *radix.Tree // reversed-label domain -> []rules.CosmeticRule (exceptions)
	cosmeticGlobal []rules.CosmeticRule

	ruleCount int
}

// Builder accumulates parsed rules from one or more bundles before Build
// compiles them into a Snapshot.
type Builder struct {
	network  []rules.NetworkRule
	cosmetic []rules.CosmeticRule
	seen     map[string]bool // verbatim dedup (§4.C point 1)
}

func NewBuilder() *Builder {
	return &Builder{seen: make(map[string]bool)}
}

func (b *Builder) AddNetwork(nr rules.NetworkRule) {
	key := nr.BundleID + "\x00" + nr.Raw
	if b.seen[key] {
		return
	}
	b.seen[key] = true
	b.network = append(b.network, nr)
}

func (b *Builder) AddCosmetic(cr rules.CosmeticRule) {
	key := cr.BundleID + "\x00" + cr.Raw
	if b.seen[key] {
		return
	}
	b.seen[key] = true
	b.cosmetic = append(b.cosmetic, cr)
}

// Build compiles the accumulated rules into an immutable Snapshot.
func (b *Builder) Build() *Snapshot {
	s := &Snapshot{
		longIdx:        make(map[string][]int),
		cosmetic:       radix.New(),
		cosmeticExcept: radix.New(),
	}

	s.rulesByIdx = make([]compiledNetworkRule, len(b.network))
	for i, nr := range b.network {
		c := compileNetworkRule(nr)
		s.rulesByIdx[i] = c

		switch {
		case len(c.token) >= 8:
			for _, run := range tokenize(c.token) {
				s.longIdx[run] = append(s.longIdx[run], i)
			}
		case len(c.token) >= minTokenLen:
			s.short = append(s.short, i)
		default:
			s.fallback = append(s.fallback, i)
		}

		switch {
		case nr.Action == rules.ActionAllowException && nr.Options.Important:
			s.importantExceptions = append(s.importantExceptions, i)
		case nr.Action == rules.ActionBlock && nr.Options.Important:
			s.importantBlocks = append(s.importantBlocks, i)
		case nr.Action == rules.ActionAllowException:
			s.exceptions = append(s.exceptions, i)
		case nr.Action == rules.ActionBlock:
			s.blocks = append(s.blocks, i)
		default:
			s.modifiers = append(s.modifiers, i)
		}
	}
	s.ruleCount = len(b.network) + len(b.cosmetic)

	for _, cr := range b.cosmetic {
		if cr.Exception {
			indexCosmetic(s.cosmeticExcept, cr)
			continue
		}
		if len(cr.Domains) == 0 {
			s.cosmeticGlobal = append(s.cosmeticGlobal, cr)
			continue
		}
		indexCosmetic(s.cosmetic, cr)
	}

	return s
}

// reverseLabels turns "a.b.c" into "c.b.a" so that radix's prefix matching
// (which operates left-to-right) can be used to walk host label suffixes
// and entity forms; see cosmeticKeys.
func reverseLabels(host string) string {
	labels := strings.Split(host, ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return strings.Join(labels, ".")
}

func indexCosmetic(t *radix.Tree, cr rules.CosmeticRule) {
	for _, d := range cr.Domains {
		key := reverseLabels(d)
		existing, _ := t.Get(key)
		list, _ := existing.([]rules.CosmeticRule)
		list = append(list, cr)
		t.Insert(key, list)
	}
}

// RuleCount returns the total number of distinct rules compiled into this
// snapshot, for diagnostics and the §8 "every rule is reachable" property.
func (s *Snapshot) RuleCount() int { return s.ruleCount }

// Lookup resolves a network-rule decision for one request, following the
// priority order of §4.C point 3: important-exception > important-block >
// exception > block > modifier.
func (s *Snapshot) Lookup(rawURL, sourceOrigin string, rt rules.ResourceType) Decision {
	if s == nil {
		return Decision{}
	}

	candidates := s.candidates(rawURL)

	firstParty := sourceOrigin == "" || sameSite(rawURL, sourceOrigin)

	test := func(idxs []int) (*rules.NetworkRule, bool) {
		var best *rules.NetworkRule
		bestIdx := -1
		for _, i := range idxs {
			if !candidates[i] {
				continue
			}
			c := &s.rulesByIdx[i]
			if !c.matches(rawURL) {
				continue
			}
			if !optionsAllow(c.rule.Options, rt, firstParty) {
				continue
			}
			if best == nil || lessPriority(i, bestIdx) {
				best = &c.rule
				bestIdx = i
			}
		}
		return best, best != nil
	}

	if r, ok := test(s.importantExceptions); ok {
		return Decision{Action: rules.ActionAllowException, Rule: r, Matched: true}
	}
	if r, ok := test(s.importantBlocks); ok {
		return Decision{Action: rules.ActionBlock, Rule: r, Matched: true}
	}
	if r, ok := test(s.exceptions); ok {
		return Decision{Action: rules.ActionAllowException, Rule: r, Matched: true}
	}
	if r, ok := test(s.blocks); ok {
		return Decision{Action: rules.ActionBlock, Rule: r, Matched: true}
	}
	if r, ok := test(s.modifiers); ok {
		return Decision{Action: r.Action, Rule: r, Matched: true}
	}
	return Decision{}
}

// lessPriority breaks ties by insertion order into the Builder (§4.C point
// 3): the rule added first wins. Seq restarts at 0 in every bundle, so the
// Builder index is compared instead; it runs across bundles in the order
// they were added, then in each bundle's line order.
func lessPriority(candidateIdx, currentBestIdx int) bool {
	return candidateIdx < currentBestIdx
}

// candidates returns the set of rule indices whose index token could
// plausibly appear in rawURL: the union of the long-token index hits for
// every 8-byte window, the short-token list (checked directly), and the
// fallback list (always consulted).
func (s *Snapshot) candidates(rawURL string) map[int]bool {
	out := make(map[int]bool)
	for _, i := range s.fallback {
		out[i] = true
	}
	lower := strings.ToLower(rawURL)
	for _, i := range s.short {
		if strings.Contains(lower, s.rulesByIdx[i].token) {
			out[i] = true
		}
	}
	for _, run := range tokenize(rawURL) {
		for _, i := range s.longIdx[run] {
			out[i] = true
		}
	}
	return out
}

func sameSite(rawURL, sourceOrigin string) bool {
	u1, err1 := url.Parse(rawURL)
	u2, err2 := url.Parse(sourceOrigin)
	if err1 != nil || err2 != nil {
		return true
	}
	return dns.ForIndex(u1.Hostname()) == dns.ForIndex(u2.Hostname())
}

func optionsAllow(o rules.Options, rt rules.ResourceType, firstParty bool) bool {
	if len(o.Types) > 0 && !o.Types[rt] {
		return false
	}
	if o.ExcludedTypes[rt] {
		return false
	}
	switch o.Party {
	case rules.PartyFirst:
		if !firstParty {
			return false
		}
	case rules.PartyThird:
		if firstParty {
			return false
		}
	}
	return true
}

// CosmeticSet is the union of cosmetic rules applicable to a page, with
// exceptions already subtracted (§4.C cosmetic lookup).
type CosmeticSet struct {
	Hide       []string              // CSS selectors to hide
	Styles     []rules.CosmeticRule  // OpInjectStyle rules
	Scriptlets []rules.CosmeticRule  // OpScriptlet rules
	HTMLFilter []rules.CosmeticRule  // OpHTMLFilter rules
}

// CosmeticLookup walks host's label suffixes and entity forms, unions the
// matching cosmetic rules, then subtracts any cosmetic-exception rule with
// a matching selector and any rule whose ~domain exclusions cover host
// (§4.C cosmetic lookup).
func (s *Snapshot) CosmeticLookup(host string) CosmeticSet {
	var set CosmeticSet
	if s == nil {
		return set
	}
	host = dns.ForIndex(host)

	excluded := make(map[string]bool)
	for _, cr := range s.walkCosmetic(s.cosmeticExcept, host) {
		excluded[cr.Selector] = true
	}

	add := func(cr rules.CosmeticRule) {
		if excluded[cr.Selector] {
			return
		}
		for _, d := range cr.Excluded {
			if host == d || strings.HasSuffix(host, "."+d) {
				return
			}
		}
		switch cr.Op {
		case rules.OpHideElement:
			set.Hide = append(set.Hide, cr.Selector)
		case rules.OpInjectStyle:
			set.Styles = append(set.Styles, cr)
		case rules.OpScriptlet, rules.OpAbortOnPropertyRead, rules.OpAbortOnPropertyWrite, rules.OpSetConstant:
			set.Scriptlets = append(set.Scriptlets, cr)
		case rules.OpHTMLFilter:
			set.HTMLFilter = append(set.HTMLFilter, cr)
		}
	}

	for _, cr := range s.cosmeticGlobal {
		add(cr)
	}
	for _, cr := range s.walkCosmetic(s.cosmetic, host) {
		add(cr)
	}
	return set
}

// walkCosmetic collects every CosmeticRule bucket keyed by a suffix of
// host's reversed labels (exact host, parent domains, and entity forms
// like "example.*" stored under the reversed key "*.example").
func (s *Snapshot) walkCosmetic(t *radix.Tree, host string) []rules.CosmeticRule {
	var out []rules.CosmeticRule
	labels := strings.Split(host, ".")
	for i := range labels {
		suffix := strings.Join(labels[i:], ".")
		if v, ok := t.Get(reverseLabels(suffix)); ok {
			out = append(out, v.([]rules.CosmeticRule)...)
		}
		entity := strings.Join(labels[i:len(labels)-1], ".") + ".*"
		if i < len(labels)-1 {
			if v, ok := t.Get(reverseLabels(entity)); ok {
				out = append(out, v.([]rules.CosmeticRule)...)
			}
		}
	}
	return out
}

// Store holds the currently-published Snapshot for hot-swap without
// dropping in-flight connections: each request loads the pointer once at
// the start of processing and keeps using that snapshot for its lifetime;
// Go's garbage collector reclaims a superseded snapshot once the last
// reader holding it returns, which is the refcounting behavior §5 asks for
// without needing an explicit counter.
type Store struct {
	p atomic.Pointer[Snapshot]
}

func NewStore(initial *Snapshot) *Store {
	st := &Store{}
	if initial == nil {
		initial = NewBuilder().Build()
	}
	st.p.Store(initial)
	return st
}

// Load returns the current snapshot. Callers should call this once per
// request and reuse the result for that request's lifetime.
func (st *Store) Load() *Snapshot {
	return st.p.Load()
}

// Swap atomically publishes a new snapshot, returning the previous one
// (mostly useful for tests verifying scenario 6's "handle identity
// unchanged on 304" property).
func (st *Store) Swap(next *Snapshot) *Snapshot {
	return st.p.Swap(next)
}
