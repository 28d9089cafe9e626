// Package proxy implements the Proxy Engine of §4.F: the per-connection
// state machine that accepts client connections, tunnels or MITMs CONNECT
// requests, and drives the HTTP request/response pipeline through the
// rewrite pipeline.
package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	proxyprotocol "github.com/c0va23/go-proxyprotocol"
	"golang.org/x/sync/errgroup"

	"github.com/stamatisl/privaxy/atomicbool"
	"github.com/stamatisl/privaxy/framework/dns"
	"github.com/stamatisl/privaxy/framework/log"
	"github.com/stamatisl/privaxy/internal/ca"
	"github.com/stamatisl/privaxy/internal/eventbus"
	"github.com/stamatisl/privaxy/internal/perror"
	"github.com/stamatisl/privaxy/internal/rewrite"
	"github.com/stamatisl/privaxy/internal/rules"
)

// Timeouts per §5.
const (
	connectTimeout      = 10 * time.Second
	tlsHandshakeTimeout = 15 * time.Second
	idleTimeout         = 60 * time.Second
)

// Phase names the Connection state machine's current state (§3).
type Phase int

const (
	PhaseReadRequest Phase = iota
	PhaseTunnelDecision
	PhaseRawTunnel
	PhaseMITMHandshake
	PhaseForwardHTTP
	PhaseStreamingResponse
	PhaseClosed
)

// ExclusionMatcher decides whether a CONNECT target bypasses TLS
// interception (the mitm-exclusions configuration option, §3).
type ExclusionMatcher func(host string) bool

// Engine accepts client connections and drives them through the state
// machine of §4.F.
type Engine struct {
	Root       *ca.Root
	Rewriter   *rewrite.Pipeline
	Excluded   ExclusionMatcher
	Log        log.Logger
	ProxyProto bool // unwrap the PROXY protocol header on accept

	pool *upstreamPool

	draining atomicbool.AtomicBool
	wg       sync.WaitGroup
}

func NewEngine(root *ca.Root, rewriter *rewrite.Pipeline, excluded ExclusionMatcher, logger log.Logger) *Engine {
	return &Engine{
		Root:     root,
		Rewriter: rewriter,
		Excluded: excluded,
		Log:      logger,
		pool:     newUpstreamPool(),
	}
}

// Serve accepts connections from l until ctx is cancelled, running each in
// its own goroutine (§5: "each accepted connection runs as a task").
func (e *Engine) Serve(ctx context.Context, l net.Listener) error {
	if e.ProxyProto {
		l = proxyprotocol.NewDefaultListener(l)
	}

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			e.Log.Error("proxy: accept failed", err)
			continue
		}

		if e.draining.IsSet() {
			conn.Close()
			continue
		}

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.handleConn(ctx, conn)
		}()
	}
}

// Shutdown stops accepting (the caller closes the listener via ctx) and
// drains in-flight connections up to deadline before returning (§5).
func (e *Engine) Shutdown(deadline time.Duration) {
	e.draining.Set(true)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		e.Log.Println("proxy: graceful shutdown deadline exceeded, aborting remaining connections")
	}
}

func (e *Engine) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)

	for {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		req, err := http.ReadRequest(br)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.Log.Error("proxy: read request failed", perror.New(perror.ClientProtocol, err), "remote", conn.RemoteAddr().String())
			}
			return
		}
		conn.SetReadDeadline(time.Time{})

		if req.Method == http.MethodConnect {
			e.handleConnect(ctx, conn, br, req)
			return // CONNECT always terminates this net.Conn's plain-HTTP loop
		}

		if !e.handleHTTP(ctx, conn, req) {
			return
		}
		if req.Close || req.ProtoAtLeast(1, 1) == false {
			return
		}
	}
}

// handleConnect implements tunnel-decision, raw-tunnel and mitm-handshake
// (§4.F's table).
func (e *Engine) handleConnect(ctx context.Context, conn net.Conn, br *bufio.Reader, req *http.Request) {
	host := req.URL.Host
	hostname := hostOnly(host)

	if e.Rewriter != nil && e.Rewriter.DecideConnect(dns.ForIndex(hostname)) {
		conn.Write([]byte("HTTP/1.1 403 Forbidden\r\n\r\n"))
		return
	}

	if e.Excluded != nil && e.Excluded(dns.ForIndex(hostname)) {
		e.rawTunnel(ctx, conn, host)
		return
	}

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	tlsConn := tls.Server(conn, &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			name := hello.ServerName
			if name == "" {
				name = hostname
			}
			return e.Root.LeafFor(name)
		},
		MinVersion: tls.VersionTLS12,
	})
	hsCtx, cancel := context.WithTimeout(ctx, tlsHandshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		// §9 Open Question: client-side trust failures aren't detectable
		// here beyond the handshake error; log with SNI for diagnosis and
		// otherwise treat as non-fatal connection teardown.
		e.Log.Error("proxy: TLS handshake failed", perror.New(perror.TLSHandshake, err), "sni", hostname)
		return
	}

	e.handleConn(ctx, tlsConn)
}

func (e *Engine) rawTunnel(ctx context.Context, conn net.Conn, hostport string) {
	upConn, err := net.DialTimeout("tcp", hostport, connectTimeout)
	if err != nil {
		conn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return
	}
	defer upConn.Close()

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	pipe(conn, upConn)
}

// handleHTTP implements forward-http and streaming-response. Returns false
// if the connection should be closed (matching "closed" in §4.F's table).
func (e *Engine) handleHTTP(ctx context.Context, clientConn net.Conn, req *http.Request) bool {
	start := time.Now()
	rt := rewrite.ResourceTypeOf(req)
	bytesIn := req.ContentLength
	if bytesIn < 0 {
		bytesIn = 0
	}

	decision := e.Rewriter.DecideRequest(req)
	if decision.ShortCircuit != nil {
		writeResponse(clientConn, decision.ShortCircuit)
		e.publishEvent(req, rt, "blocked", decision.ShortCircuit.StatusCode, bytesIn, decision.ShortCircuit.ContentLength, start)
		return !req.Close
	}
	decisionLabel := "allowed"
	if len(decision.RemoveParams) > 0 {
		stripQueryParams(req.URL, decision.RemoveParams)
		decisionLabel = "modified"
	}

	upConn, pooled, err := e.pool.Get(ctx, upstreamKey(req))
	if err != nil {
		resp := errorResponse(502, "upstream unreachable")
		writeResponse(clientConn, resp)
		e.Log.Error("proxy: upstream connect failed", perror.New(perror.UpstreamUnreachable, err), "host", req.Host)
		e.publishEvent(req, rt, decisionLabel, 502, bytesIn, resp.ContentLength, start)
		return false
	}

	if err := req.Write(upConn); err != nil {
		upConn.Close()
		return false
	}

	upBR := bufio.NewReader(upConn)
	resp, err := http.ReadResponse(upBR, req)
	if err != nil {
		upConn.Close()
		e.Log.Error("proxy: upstream response read failed", perror.New(perror.UpstreamTimeout, err), "host", req.Host)
		errResp := errorResponse(504, "upstream timeout")
		writeResponse(clientConn, errResp)
		e.publishEvent(req, rt, decisionLabel, 504, bytesIn, errResp.ContentLength, start)
		return false
	}

	if resp.StatusCode == http.StatusSwitchingProtocols {
		writeResponseHeader(clientConn, resp)
		pipe(clientConn, upConn)
		e.publishEvent(req, rt, decisionLabel, resp.StatusCode, bytesIn, 0, start)
		return false
	}

	rewritten := e.Rewriter.RewriteResponse(req, resp)
	writeResponse(clientConn, rewritten)
	e.publishEvent(req, rt, decisionLabel, rewritten.StatusCode, bytesIn, rewritten.ContentLength, start)

	if resp.Close || !pooled {
		upConn.Close()
	} else {
		e.pool.Put(upstreamKey(req), upConn)
	}
	return resp.Close == false
}

// publishEvent emits one completed-request event to the Event Bus (§4.H).
// It is a no-op when no bus is wired (e.g. in unit tests constructing an
// Engine/Pipeline directly).
func (e *Engine) publishEvent(req *http.Request, rt rules.ResourceType, decision string, upstreamStatus int, bytesIn, bytesOut int64, start time.Time) {
	if e.Rewriter == nil || e.Rewriter.Bus == nil {
		return
	}
	if bytesOut < 0 {
		bytesOut = 0
	}

	ev := eventbus.NewEvent(start)
	ev.Client = req.RemoteAddr
	ev.Method = req.Method
	ev.URL = req.URL.String()
	ev.ResourceType = eventbus.ResourceTypeName(rt)
	ev.Decision = decision
	ev.UpstreamStatus = upstreamStatus
	ev.BytesIn = bytesIn
	ev.BytesOut = bytesOut
	ev.DurationMS = time.Since(start).Milliseconds()

	e.Rewriter.Bus.Publish(ev)
}

func hostOnly(hostport string) string {
	h, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return h
}

func upstreamKey(req *http.Request) string {
	host := req.URL.Host
	if host == "" {
		host = req.Host
	}
	if !strings.Contains(host, ":") {
		if req.URL.Scheme == "https" {
			host += ":443"
		} else {
			host += ":80"
		}
	}
	return req.URL.Scheme + "|" + host
}

// stripQueryParams applies a $removeparam decision (§4.G) in place.
func stripQueryParams(u *url.URL, names []string) {
	q := u.Query()
	for _, n := range names {
		q.Del(n)
	}
	u.RawQuery = q.Encode()
}

func pipe(a, b net.Conn) {
	var g errgroup.Group
	g.Go(func() error { _, err := io.Copy(a, b); return err })
	g.Go(func() error { _, err := io.Copy(b, a); return err })
	g.Wait()
}

func writeResponse(w io.Writer, resp *http.Response) {
	resp.Write(w)
}

func writeResponseHeader(w io.Writer, resp *http.Response) {
	resp.Write(w)
}

func errorResponse(status int, msg string) *http.Response {
	return rewrite.SynthesizeResponse(status, "text/plain", []byte(msg))
}
