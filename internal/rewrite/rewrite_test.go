package rewrite

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stamatisl/privaxy/internal/ruleindex"
	"github.com/stamatisl/privaxy/internal/rules"
)

func TestInjectBeforeHeadCloseSplicesBeforeHead(t *testing.T) {
	body := []byte("<!DOCTYPE html><html><head><title>hi</title></head><body>hello</body></html>")
	out, injected := injectBeforeHeadClose(body, "<style>x</style>")
	if !injected {
		t.Fatalf("expected injection to succeed")
	}
	want := "<!DOCTYPE html><html><head><title>hi</title><style>x</style></head><body>hello</body></html>"
	if string(out) != want {
		t.Fatalf("got %q, want %q", out, want)
	}
}

func TestInjectBeforeHeadCloseFallsBackToBody(t *testing.T) {
	body := []byte("<html><body>no head here</body></html>")
	out, injected := injectBeforeHeadClose(body, "<script>y()</script>")
	if !injected {
		t.Fatalf("expected injection to succeed via the body fallback")
	}
	if !strings.HasPrefix(string(out), "<html><body><script>y()</script>") {
		t.Fatalf("expected injection right after <body>, got %q", out)
	}
}

func TestInjectBeforeHeadCloseNoAnchor(t *testing.T) {
	body := []byte("plain text, not even a document")
	out, injected := injectBeforeHeadClose(body, "<style>x</style>")
	if injected {
		t.Fatalf("expected no injection point to be found")
	}
	if string(out) != string(body) {
		t.Fatalf("body must be returned unchanged when nothing is injected")
	}
}

// Byte-for-byte round trip modulo the injected tags: everything outside the
// injection point must survive untouched, including attributes and nested
// markup the tokenizer re-emits via Raw().
func TestInjectBeforeHeadClosePreservesSurroundingMarkup(t *testing.T) {
	body := []byte(`<html lang="en"><head><meta charset="utf-8"><link rel="stylesheet" href="/a.css"></head><body class="x"><p>keep me</p></body></html>`)
	out, injected := injectBeforeHeadClose(body, "<style>z</style>")
	if !injected {
		t.Fatalf("expected injection to succeed")
	}
	s := string(out)
	for _, want := range []string{`<html lang="en">`, `<meta charset="utf-8">`, `<link rel="stylesheet" href="/a.css">`, `<body class="x">`, `<p>keep me</p>`} {
		if !strings.Contains(s, want) {
			t.Fatalf("expected surrounding markup %q to survive untouched, got %q", want, s)
		}
	}
}

func TestSynthesizeResponseSetsContentLength(t *testing.T) {
	resp := SynthesizeResponse(http.StatusOK, "text/plain", []byte("hello"))
	if resp.Header.Get("Content-Length") != "5" {
		t.Fatalf("expected Content-Length 5, got %q", resp.Header.Get("Content-Length"))
	}
	if resp.ContentLength != 5 {
		t.Fatalf("expected ContentLength 5, got %d", resp.ContentLength)
	}
}

func TestResourceTypeOfPrefersSecFetchDest(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.Header.Set("Sec-Fetch-Dest", "document")
	if rt := resourceTypeOf(req); rt != rules.TypeDocument {
		t.Fatalf("expected document resource type, got %v", rt)
	}
}

func TestResourceTypeOfFallsBackToAccept(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com/style.css", nil)
	req.Header.Set("Accept", "text/css,*/*;q=0.1")
	if rt := resourceTypeOf(req); rt != rules.TypeStylesheet {
		t.Fatalf("expected stylesheet resource type, got %v", rt)
	}
}

// A CONNECT target matched by a block rule must be reported as blocked even
// though a CONNECT carries no path or resource-type hints of its own
// (§8: "a block decision on a CONNECT target results in connection
// refusal, not silent tunnel").
func TestDecideConnectReportsBlockedHost(t *testing.T) {
	b := ruleindex.NewBuilder()
	b.AddNetwork(rules.NetworkRule{
		Raw:     "||ads.example.com^",
		Kind:    rules.PatternLiteral,
		Pattern: "ads.example.com",
		Action:  rules.ActionBlock,
	})
	p := &Pipeline{Index: ruleindex.NewStore(b.Build())}

	if !p.DecideConnect("ads.example.com") {
		t.Fatalf("expected ads.example.com to be reported as blocked")
	}
	if p.DecideConnect("unrelated.example.com") {
		t.Fatalf("expected an unmatched host to not be reported as blocked")
	}
}

func TestDecideConnectIgnoresExceptionsAndRedirects(t *testing.T) {
	b := ruleindex.NewBuilder()
	b.AddNetwork(rules.NetworkRule{
		Raw:     "@@||example.com^",
		Kind:    rules.PatternLiteral,
		Pattern: "example.com",
		Action:  rules.ActionAllowException,
	})
	p := &Pipeline{Index: ruleindex.NewStore(b.Build())}

	if p.DecideConnect("example.com") {
		t.Fatalf("expected an exception decision to never block a CONNECT target")
	}

	rb := ruleindex.NewBuilder()
	rb.AddNetwork(rules.NetworkRule{
		Raw:     "||cdn.example.com^$redirect=noopjs",
		Kind:    rules.PatternLiteral,
		Pattern: "cdn.example.com",
		Action:  rules.ActionRedirect,
		Options: rules.Options{Redirect: "noopjs"},
	})
	rp := &Pipeline{Index: ruleindex.NewStore(rb.Build())}

	if rp.DecideConnect("cdn.example.com") {
		t.Fatalf("expected a redirect decision to never block a CONNECT target")
	}
}
