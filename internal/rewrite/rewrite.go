// Package rewrite is the Rewrite Pipeline of §4.G: it turns a Rule Index
// decision into a concrete action on the request (block, redirect, header
// modification) and, for passthrough HTML responses, injects cosmetic
// hide-rules, styles and scriptlets into the document head.
package rewrite

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/stamatisl/privaxy/framework/buffer"
	"github.com/stamatisl/privaxy/framework/dns"
	"github.com/stamatisl/privaxy/internal/eventbus"
	"github.com/stamatisl/privaxy/internal/rules"
	"github.com/stamatisl/privaxy/internal/ruleindex"
	"github.com/stamatisl/privaxy/internal/scriptlet"
)

// headSniffLimit bounds how much of a response body the pipeline buffers
// looking for </head> before giving up and streaming the rest untouched
// (§4.G: "buffer until </head> or a size cap").
const headSniffLimit = 256 << 10

// RequestDecision is the outcome of DecideRequest.
type RequestDecision struct {
	// ShortCircuit, if non-nil, is the response to send instead of
	// forwarding the request upstream (a block or a $redirect resource).
	ShortCircuit *http.Response
	// RemoveParams lists the query parameters a $removeparam modifier
	// strips from the URL before the request is forwarded.
	RemoveParams []string
}

// Pipeline ties the compiled Rule Index and scriptlet catalog together to
// drive request- and response-phase rewriting.
type Pipeline struct {
	Index      *ruleindex.Store
	Scriptlets *scriptlet.Registry
	Bus        *eventbus.Bus
}

func NewPipeline(index *ruleindex.Store, reg *scriptlet.Registry, bus *eventbus.Bus) *Pipeline {
	return &Pipeline{Index: index, Scriptlets: reg, Bus: bus}
}

// DecideRequest applies the request-phase half of §4.G: look up the URL in
// the Rule Index and turn a block/redirect/modifier decision into either a
// synthesized response or a set of query parameters to strip from the
// forwarded request.
func (p *Pipeline) DecideRequest(req *http.Request) RequestDecision {
	snap := p.Index.Load()
	rt := resourceTypeOf(req)
	source := req.Header.Get("Origin")
	if source == "" {
		source = req.Header.Get("Referer")
	}

	decision := snap.Lookup(req.URL.String(), source, rt)
	if !decision.Matched {
		return RequestDecision{}
	}

	switch decision.Action {
	case rules.ActionBlock:
		return RequestDecision{ShortCircuit: blockedResponse(rt)}

	case rules.ActionAllowException:
		return RequestDecision{}

	case rules.ActionRedirect:
		name := decision.Rule.Options.Redirect
		if res, ok := p.Scriptlets.Redirect(name); ok {
			return RequestDecision{ShortCircuit: SynthesizeResponse(http.StatusOK, res.MimeType, res.Body)}
		}
		return RequestDecision{ShortCircuit: blockedResponse(rt)}

	case rules.ActionModifyHeader:
		if decision.Rule.Options.RemoveParam != "" {
			return RequestDecision{RemoveParams: []string{decision.Rule.Options.RemoveParam}}
		}
		return RequestDecision{}

	default:
		return RequestDecision{}
	}
}

// DecideConnect reports whether a CONNECT target is blocked by the Rule
// Index (§8: "a block decision on a CONNECT target results in connection
// refusal, not silent tunnel"). It is checked against a synthesized
// "https://<host>/" URL since a CONNECT request carries no path or
// resource-type hints of its own; exception/redirect/modifier decisions
// never apply at CONNECT time and are treated as not blocked.
func (p *Pipeline) DecideConnect(host string) bool {
	snap := p.Index.Load()
	decision := snap.Lookup("https://"+host+"/", "", rules.TypeOther)
	return decision.Matched && decision.Action == rules.ActionBlock
}

// blockedResponse synthesizes §4.G's "block" response: 204 for sub-resource
// loads, a minimal empty HTML document for top-level/subdocument navigation
// so the browser doesn't render its own error page over the blocked frame.
func blockedResponse(rt rules.ResourceType) *http.Response {
	if rt == rules.TypeDocument || rt == rules.TypeSubdocument {
		return SynthesizeResponse(http.StatusOK, "text/html", []byte("<!DOCTYPE html><html><head></head><body></body></html>"))
	}
	return SynthesizeResponse(http.StatusNoContent, "", nil)
}

// SynthesizeResponse builds a standalone *http.Response for short-circuit
// paths (block/redirect/error) that never had a real upstream round trip.
func SynthesizeResponse(status int, contentType string, body []byte) *http.Response {
	header := make(http.Header)
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		StatusCode:    status,
		Status:        http.StatusText(status),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

// RewriteResponse applies the response-phase half of §4.G: for HTML
// documents, inject cosmetic hide-rules/styles/scriptlets before </head>;
// everything else passes through unmodified.
func (p *Pipeline) RewriteResponse(req *http.Request, resp *http.Response) *http.Response {
	if !isRewritableHTML(resp) {
		return resp
	}

	snap := p.Index.Load()
	host := dns.ForIndex(req.URL.Hostname())
	set := snap.CosmeticLookup(host)
	if len(set.Hide) == 0 && len(set.Styles) == 0 && len(set.Scriptlets) == 0 {
		return resp
	}

	injection := renderInjection(set, p.Scriptlets)
	if injection == "" {
		return resp
	}

	body, encoding, err := decodeBody(resp)
	if err != nil {
		return resp
	}

	rewritten, injected := injectBeforeHeadClose(body, injection)
	if !injected {
		resp.Body = io.NopCloser(bytes.NewReader(body))
		return resp
	}

	final := rewritten
	if encoding == "gzip" {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		gw.Write(rewritten)
		gw.Close()
		final = buf.Bytes()
	} else if encoding != "" {
		// Unknown/unsupported Content-Encoding (e.g. brotli): strip it
		// rather than re-encode, since net/http has no brotli writer.
		resp.Header.Del("Content-Encoding")
	}

	resp.Body = io.NopCloser(bytes.NewReader(final))
	resp.ContentLength = int64(len(final))
	resp.Header.Set("Content-Length", strconv.Itoa(len(final)))
	resp.TransferEncoding = nil
	return resp
}

func isRewritableHTML(resp *http.Response) bool {
	if resp.Body == nil {
		return false
	}
	ct := resp.Header.Get("Content-Type")
	return strings.Contains(strings.ToLower(ct), "text/html")
}

// decodeBody reads and (if gzipped) decompresses resp.Body into a
// framework/buffer.Buffer, capped at 32MiB, so the rest of the pipeline
// handles the decoded document the same way the mail pipeline this code was
// adapted from handles message bodies: through the Buffer interface rather
// than a bare slice.
func decodeBody(resp *http.Response) (body []byte, encoding string, err error) {
	encoding = strings.ToLower(resp.Header.Get("Content-Encoding"))
	defer resp.Body.Close()

	var r io.Reader = resp.Body
	if encoding == "gzip" {
		gr, gerr := gzip.NewReader(resp.Body)
		if gerr != nil {
			return nil, encoding, gerr
		}
		defer gr.Close()
		r = gr
	}

	buf, err := buffer.BufferInMemory(io.LimitReader(r, 32<<20))
	if err != nil {
		return nil, encoding, err
	}
	defer buf.Remove()

	rc, err := buf.Open()
	if err != nil {
		return nil, encoding, err
	}
	defer rc.Close()

	body, err = io.ReadAll(rc)
	return body, encoding, err
}

// injectBeforeHeadClose tokenizes up to headSniffLimit bytes of body,
// re-emitting every token verbatim, and splices injection in immediately
// before the first "</head>" end tag (falling back to right after the first
// "<body...>" start tag). If neither is found within the sniff cap, injected
// is false and body is returned unchanged.
func injectBeforeHeadClose(body []byte, injection string) ([]byte, bool) {
	sniff := body
	rest := []byte(nil)
	if len(sniff) > headSniffLimit {
		rest = body[headSniffLimit:]
		sniff = body[:headSniffLimit]
	}

	z := html.NewTokenizer(bytes.NewReader(sniff))
	var out bytes.Buffer
	bodyStartEnd := -1
	injected := false

tokenLoop:
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			break tokenLoop
		case html.EndTagToken:
			name, _ := z.TagName()
			if string(name) == "head" {
				out.WriteString(injection)
				injected = true
			}
			out.Write(z.Raw())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			out.Write(z.Raw())
			if string(name) == "body" && bodyStartEnd < 0 {
				bodyStartEnd = out.Len()
			}
		default:
			out.Write(z.Raw())
		}
	}

	if injected {
		out.Write(rest)
		return out.Bytes(), true
	}
	if bodyStartEnd >= 0 {
		final := append(append([]byte(nil), out.Bytes()[:bodyStartEnd]...), injection...)
		final = append(final, out.Bytes()[bodyStartEnd:]...)
		final = append(final, rest...)
		return final, true
	}
	return body, false
}

// renderInjection builds the combined <style>+<script> block for one page's
// cosmetic decision set.
func renderInjection(set ruleindex.CosmeticSet, reg *scriptlet.Registry) string {
	var b strings.Builder

	if len(set.Hide) > 0 {
		b.WriteString("<style>")
		b.WriteString(strings.Join(set.Hide, ", "))
		b.WriteString("{display:none !important;}</style>")
	}
	for _, cr := range set.Styles {
		b.WriteString("<style>")
		b.WriteString(cr.Selector)
		b.WriteString("{")
		b.WriteString(cr.Style)
		b.WriteString("}</style>")
	}
	if len(set.Scriptlets) > 0 {
		rendered := reg.RenderAll(set.Scriptlets)
		if rendered != "" {
			b.WriteString("<script>")
			b.WriteString(rendered)
			b.WriteString("</script>")
		}
	}
	return b.String()
}

// ResourceTypeOf classifies a request the same way DecideRequest does, for
// callers (e.g. the proxy engine's event-bus publisher) that need the
// resource type outside of a lookup.
func ResourceTypeOf(req *http.Request) rules.ResourceType {
	return resourceTypeOf(req)
}

func resourceTypeOf(req *http.Request) rules.ResourceType {
	dest := req.Header.Get("Sec-Fetch-Dest")
	if t, ok := rules.ResourceTypeByName(dest); ok {
		return t
	}
	accept := req.Header.Get("Accept")
	switch {
	case strings.Contains(accept, "text/html"):
		return rules.TypeDocument
	case strings.Contains(accept, "text/css"):
		return rules.TypeStylesheet
	case strings.Contains(accept, "image/"):
		return rules.TypeImage
	}
	if req.Header.Get("Upgrade") == "websocket" {
		return rules.TypeWebsocket
	}
	return rules.TypeOther
}
