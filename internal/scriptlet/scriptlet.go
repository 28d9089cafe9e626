// Package scriptlet is the Scriptlet Registry of §4.D: a fixed catalog of
// scriptlet templates and redirect resource bodies, plus the renderer that
// substitutes rule arguments into a template and wraps the result in an
// isolating scope.
package scriptlet

import (
	"fmt"
	"strings"
	"sync"

	handlebars "github.com/aymerick/raymond"

	"github.com/stamatisl/privaxy/internal/rules"
)

// Registry holds the scriptlet and redirect-resource catalogs. The zero
// value is usable; call LoadDefaults to populate the built-in catalog.
type Registry struct {
	mu         sync.RWMutex
	scriptlets map[string]rules.ScriptletResource
	redirects  map[string]rules.RedirectResource
}

func NewRegistry() *Registry {
	return &Registry{
		scriptlets: make(map[string]rules.ScriptletResource),
		redirects:  make(map[string]rules.RedirectResource),
	}
}

func (r *Registry) AddScriptlet(s rules.ScriptletResource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scriptlets[s.Name] = s
}

func (r *Registry) AddRedirect(res rules.RedirectResource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.redirects[res.Name] = res
}

func (r *Registry) Redirect(name string) (rules.RedirectResource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.redirects[name]
	return res, ok
}

// Render substitutes args into the named scriptlet's template and wraps it
// in an isolating IIFE (§9 "scriptlet isolation": the wrapper captures
// references to built-ins before page scripts can tamper with them).
func (r *Registry) Render(name string, args []string) (string, error) {
	r.mu.RLock()
	tmpl, ok := r.scriptlets[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("scriptlet: unknown scriptlet %q", name)
	}

	ctx := make(map[string]interface{}, len(args))
	for i, a := range args {
		ctx[fmt.Sprintf("arg%d", i)] = a
	}

	body, err := handlebars.Render(tmpl.Template, ctx)
	if err != nil {
		return "", fmt.Errorf("scriptlet: render %q: %w", name, err)
	}

	return wrap(body), nil
}

// RenderAll renders every cosmetic scriptlet rule applicable to a page into
// one combined, isolated <script> body.
func (r *Registry) RenderAll(crs []rules.CosmeticRule) string {
	var b strings.Builder
	for _, cr := range crs {
		name := cr.Name
		args := cr.Args
		if cr.Op == rules.OpAbortOnPropertyWrite || cr.Op == rules.OpAbortOnPropertyRead {
			name = map[rules.CosmeticOp]string{
				rules.OpAbortOnPropertyWrite: "abort-on-property-write",
				rules.OpAbortOnPropertyRead:  "abort-on-property-read",
			}[cr.Op]
			args = append([]string{cr.Name}, cr.Args...)
		} else if cr.Op == rules.OpSetConstant {
			name = "set-constant"
			args = append([]string{cr.Name}, cr.Args...)
		}

		out, err := r.Render(name, args)
		if err != nil {
			continue
		}
		b.WriteString(out)
		b.WriteString("\n")
	}
	return b.String()
}

// wrap emits the literal isolating IIFE around one rendered scriptlet body.
// No sandboxing is attempted from the proxy side beyond this; the wrapper
// captures safe references to built-ins before the page's own scripts run.
func wrap(body string) string {
	return "(function(){\n" +
		"const safe = { propGet: Object.getOwnPropertyDescriptor, defProp: Object.defineProperty, call: Function.prototype.call };\n" +
		body +
		"\n})();"
}

// LoadDefaults populates the built-in scriptlet and redirect catalog named
// in §4.D's examples.
func (r *Registry) LoadDefaults() {
	r.AddScriptlet(rules.ScriptletResource{Name: "noop", Template: ";"})

	r.AddScriptlet(rules.ScriptletResource{
		Name: "abort-on-property-write",
		Template: `(function(){
  var prop = "{{arg0}}";
  var own = window;
  var chain = prop.split(".");
  var leaf = chain.pop();
  for (var i = 0; i < chain.length; i++) { own = own[chain[i]]; if (!own) return; }
  safe.defProp(own, leaf, { set: function() { throw new ReferenceError(prop); }, get: function() { return undefined; }, configurable: true });
})();`,
	})

	r.AddScriptlet(rules.ScriptletResource{
		Name: "abort-on-property-read",
		Template: `(function(){
  var prop = "{{arg0}}";
  var own = window;
  var chain = prop.split(".");
  var leaf = chain.pop();
  for (var i = 0; i < chain.length; i++) { own = own[chain[i]]; if (!own) return; }
  safe.defProp(own, leaf, { get: function() { throw new ReferenceError(prop); }, configurable: true });
})();`,
	})

	r.AddScriptlet(rules.ScriptletResource{
		Name: "set-constant",
		Template: `(function(){
  var prop = "{{arg0}}";
  var val = {{arg1}};
  var own = window;
  var chain = prop.split(".");
  var leaf = chain.pop();
  for (var i = 0; i < chain.length; i++) { own = own[chain[i]]; if (!own) return; }
  safe.defProp(own, leaf, { value: val, configurable: true });
})();`,
	})

	r.AddRedirect(rules.RedirectResource{Name: "noopjs", MimeType: "application/javascript", Body: []byte(";")})
	r.AddRedirect(rules.RedirectResource{Name: "noopcss", MimeType: "text/css", Body: []byte("")})
	r.AddRedirect(rules.RedirectResource{Name: "1x1.gif", MimeType: "image/gif", Body: transparentGIF()})
	r.AddRedirect(rules.RedirectResource{Name: "2x2.png", MimeType: "image/png", Body: transparentPNG()})
	r.AddRedirect(rules.RedirectResource{Name: "noopjson", MimeType: "application/json", Body: []byte("{}")})
	r.AddRedirect(rules.RedirectResource{Name: "noopframe", MimeType: "text/html", Body: []byte("<!DOCTYPE html><html><head></head><body></body></html>")})
}

// transparentGIF returns the canonical 1x1 transparent GIF used as a
// redirect resource for blocked image requests.
func transparentGIF() []byte {
	return []byte{
		0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
		0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21, 0xf9, 0x04, 0x01, 0x00,
		0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
		0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
	}
}

func transparentPNG() []byte {
	return []byte{
		0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
		0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00, 0x02,
		0x08, 0x06, 0x00, 0x00, 0x00, 0xf4, 0x78, 0xd4, 0xfa, 0x00, 0x00, 0x00,
		0x0a, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
		0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
		0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
	}
}
