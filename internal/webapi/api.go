// Package webapi is the Management HTTP API of §6: filter-bundle CRUD,
// configuration read/replace, CA-certificate validation, and a
// server-sent-events stream of the Event Bus — everything the GUI and CLI
// tooling drive the running process through.
package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	tlscfg "github.com/stamatisl/privaxy/framework/config"
	"github.com/stamatisl/privaxy/framework/log"
	"github.com/stamatisl/privaxy/internal/ca"
	"github.com/stamatisl/privaxy/internal/eventbus"
	"github.com/stamatisl/privaxy/internal/filterlist"
	"github.com/stamatisl/privaxy/internal/pconfig"
)

// Endpoint serves the management API described by §6, grounded on the
// teacher's bare net/http.ServeMux endpoint pattern.
type Endpoint struct {
	Filters *filterlist.Manager
	Config  *pconfig.Store
	Root    *ca.Root
	Bus     *eventbus.Bus
	Log     log.Logger

	listenersWg sync.WaitGroup
	serv        http.Server
	mux         *http.ServeMux
}

func New(filters *filterlist.Manager, cfg *pconfig.Store, root *ca.Root, bus *eventbus.Bus, logger log.Logger) *Endpoint {
	e := &Endpoint{Filters: filters, Config: cfg, Root: root, Bus: bus, Log: logger}
	e.mux = http.NewServeMux()
	e.mux.HandleFunc("/api/filters", e.handleFilters)
	e.mux.HandleFunc("/api/filters/", e.handleFilterByID)
	e.mux.HandleFunc("/api/settings", e.handleSettings)
	e.mux.HandleFunc("/api/settings/ca-certificate/validate", e.handleValidateCA)
	e.mux.HandleFunc("/api/requests/stream", e.handleStream)
	e.mux.Handle("/metrics", promhttp.Handler())
	e.serv.Handler = e.mux
	return e
}

// Serve runs the management API on l until ctx is cancelled, optionally
// under TLS per the WebBindTLS configuration (self-signed, file-based, or
// certmagic-managed ACME for a publicly exposed API). l is opened by the
// caller (run.go's listenBind), the same bind-then-serve split
// internal/proxy.Engine.Serve uses.
func (e *Endpoint) Serve(ctx context.Context, l net.Listener, tls pconfig.WebBindTLS) error {
	if !tls.Off {
		tlsConfig, err := e.buildTLSConfig(tls)
		if err != nil {
			l.Close()
			return err
		}
		l = wrapTLS(l, tlsConfig)
	}

	addr := l.Addr().String()
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	e.listenersWg.Add(1)
	go func() {
		defer e.listenersWg.Done()
		e.Log.Println("webapi: listening on", addr)
		if err := e.serv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			e.Log.Error("webapi: serve failed", err)
		}
	}()
	return nil
}

func (e *Endpoint) buildTLSConfig(spec pconfig.WebBindTLS) (*tlsConfigProvider, error) {
	if spec.ACME {
		cfg, err := newACMEConfig(spec)
		if err != nil {
			return nil, fmt.Errorf("webapi: acme: %w", err)
		}
		return &tlsConfigProvider{cfg: cfg}, nil
	}

	serverTLS, err := tlscfg.NewServerTLS(tlscfg.ServerTLS{
		SelfSigned: spec.SelfSigned,
		CertFile:   spec.CertFile,
		KeyFile:    spec.KeyFile,
		MinVersion: spec.MinVersion,
		MaxVersion: spec.MaxVersion,
		Ciphers:    spec.Ciphers,
		Curves:     spec.Curves,
	})
	if err != nil {
		return nil, err
	}
	return &tlsConfigProvider{cfg: serverTLS}, nil
}

// Shutdown drains the web API's listeners.
func (e *Endpoint) Shutdown(ctx context.Context) error {
	if err := e.serv.Shutdown(ctx); err != nil {
		return err
	}
	e.listenersWg.Wait()
	return nil
}

// --- /api/filters ---

type filterDescriptor struct {
	ID      string `json:"id"`
	URL     string `json:"url,omitempty"`
	Path    string `json:"path,omitempty"`
	Enabled bool   `json:"enabled"`
}

func (e *Endpoint) handleFilters(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, e.listFilters())
	case http.MethodPost:
		var desc filterDescriptor
		if err := json.NewDecoder(r.Body).Decode(&desc); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if desc.ID == "" {
			writeError(w, http.StatusBadRequest, errors.New("id is required"))
			return
		}
		if err := e.Filters.AddSource(filterlist.Source{ID: desc.ID, URL: desc.URL, Path: desc.Path, Enabled: true}); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		e.Filters.Rebuild()
		writeJSON(w, http.StatusCreated, desc)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (e *Endpoint) handleFilterByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/filters/")
	id, action, hasAction := strings.Cut(id, "/")

	switch {
	case r.Method == http.MethodDelete && !hasAction:
		e.Filters.RemoveSource(id)
		e.Filters.Rebuild()
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodPost && hasAction && action == "refresh":
		e.Filters.Rebuild()
		w.WriteHeader(http.StatusAccepted)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (e *Endpoint) listFilters() []filterDescriptor {
	sources := e.Filters.List()
	out := make([]filterDescriptor, len(sources))
	for i, s := range sources {
		out[i] = filterDescriptor{ID: s.ID, URL: s.URL, Path: s.Path, Enabled: s.Enabled}
	}
	return out
}

// --- /api/settings ---

func (e *Endpoint) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, e.Config.Get())
	case http.MethodPut:
		var next pconfig.Config
		if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := e.Config.Swap(next); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := pconfig.Save(next.ConfigDir, next); err != nil {
			e.Log.Error("webapi: failed to persist settings", err)
		}
		writeJSON(w, http.StatusOK, e.Config.Get())
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// --- /api/settings/ca-certificate/validate ---

type caValidateRequest struct {
	CACertificate string `json:"ca_certificate"`
	CAPrivateKey  string `json:"ca_private_key"`
}

type caValidateResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

func (e *Endpoint) handleValidateCA(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req caValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if _, _, err := ca.ValidateCertKey([]byte(req.CACertificate), []byte(req.CAPrivateKey), e.Root.MinLeafBits()); err != nil {
		writeJSON(w, http.StatusOK, caValidateResponse{Valid: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, caValidateResponse{Valid: true})
}

// --- /api/requests/stream ---

func (e *Endpoint) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsubscribe := e.Bus.Subscribe()
	defer unsubscribe()

	ctx := r.Context()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
