package proxy

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stamatisl/privaxy/internal/rewrite"
	"github.com/stamatisl/privaxy/internal/ruleindex"
	"github.com/stamatisl/privaxy/internal/rules"
)

func TestHostOnlyStripsPort(t *testing.T) {
	if got := hostOnly("example.com:443"); got != "example.com" {
		t.Fatalf("expected example.com, got %q", got)
	}
	if got := hostOnly("example.com"); got != "example.com" {
		t.Fatalf("expected a bare host to pass through unchanged, got %q", got)
	}
}

func TestUpstreamKeyFillsDefaultPort(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com/path", nil)
	if got := upstreamKey(req); got != "http|example.com:80" {
		t.Fatalf("expected http|example.com:80, got %q", got)
	}

	reqTLS, _ := http.NewRequest(http.MethodGet, "https://example.com/path", nil)
	if got := upstreamKey(reqTLS); got != "https|example.com:443" {
		t.Fatalf("expected https|example.com:443, got %q", got)
	}
}

func TestStripQueryParamsRemovesNamedKeysOnly(t *testing.T) {
	u, _ := url.Parse("http://example.com/x?utm_source=a&keep=b&utm_medium=c")
	stripQueryParams(u, []string{"utm_source", "utm_medium"})

	q := u.Query()
	if q.Get("utm_source") != "" || q.Get("utm_medium") != "" {
		t.Fatalf("expected the named params to be removed, got %q", u.RawQuery)
	}
	if q.Get("keep") != "b" {
		t.Fatalf("expected the untouched param to survive, got %q", u.RawQuery)
	}
}

// A CONNECT target matching the mitm-exclusions matcher must be tunneled
// raw rather than decrypted: bytes written by the client pass straight to
// the upstream unmodified (§9's "mitm-exclusions host never decrypted").
func TestHandleConnectExcludedHostBypassesMITM(t *testing.T) {
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	defer upstreamLn.Close()

	const payload = "hello upstream\n"
	upstreamDone := make(chan string, 1)
	go func() {
		c, err := upstreamLn.Accept()
		if err != nil {
			upstreamDone <- ""
			return
		}
		defer c.Close()
		buf := make([]byte, len(payload))
		io.ReadFull(c, buf)
		upstreamDone <- string(buf)
	}()

	clientConn, engineConn := net.Pipe()
	defer clientConn.Close()

	e := &Engine{
		Excluded: func(host string) bool { return true },
	}

	connectReq, err := http.NewRequest(http.MethodConnect, "http://excluded.example.com:0", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	connectReq.URL.Host = upstreamLn.Addr().String()
	connectReq.Host = connectReq.URL.Host

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.handleConnect(nil, engineConn, bufio.NewReader(engineConn), connectReq)
	}()

	br := bufio.NewReader(clientConn)
	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read CONNECT response: %v", err)
	}
	if status != "HTTP/1.1 200 Connection Established\r\n" {
		t.Fatalf("unexpected CONNECT response line: %q", status)
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil || line == "\r\n" {
			break
		}
	}

	if _, err := clientConn.Write([]byte(payload)); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	select {
	case got := <-upstreamDone:
		if got != payload {
			t.Fatalf("expected the upstream to see the raw, undecrypted payload %q, got %q", payload, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upstream to receive the tunneled payload")
	}

	clientConn.Close()
	<-done
}

// A CONNECT target matched by a block rule must be refused outright (403)
// without ever reaching the tunnel/MITM paths, even when nothing excludes
// it from interception (§8: "a block decision on a CONNECT target results
// in connection refusal, not silent tunnel").
func TestHandleConnectBlockedHostReturns403(t *testing.T) {
	b := ruleindex.NewBuilder()
	b.AddNetwork(rules.NetworkRule{
		Raw:     "||127.0.0.1^",
		Kind:    rules.PatternLiteral,
		Pattern: "127.0.0.1",
		Action:  rules.ActionBlock,
	})
	pipeline := &rewrite.Pipeline{Index: ruleindex.NewStore(b.Build())}

	clientConn, engineConn := net.Pipe()
	defer clientConn.Close()

	e := &Engine{Rewriter: pipeline}

	connectReq, err := http.NewRequest(http.MethodConnect, "http://127.0.0.1:1/", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	connectReq.URL.Host = "127.0.0.1:1"
	connectReq.Host = connectReq.URL.Host

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.handleConnect(nil, engineConn, bufio.NewReader(engineConn), connectReq)
	}()

	br := bufio.NewReader(clientConn)
	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read CONNECT response: %v", err)
	}
	if status != "HTTP/1.1 403 Forbidden\r\n" {
		t.Fatalf("expected a 403 refusal, got %q", status)
	}

	clientConn.Close()
	<-done
}
