package webapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stamatisl/privaxy/framework/log"
	"github.com/stamatisl/privaxy/internal/ca"
	"github.com/stamatisl/privaxy/internal/eventbus"
	"github.com/stamatisl/privaxy/internal/filterlist"
	"github.com/stamatisl/privaxy/internal/pconfig"
)

func testEndpoint(t *testing.T) *Endpoint {
	t.Helper()
	dir := t.TempDir()

	mgr, err := filterlist.NewManager(filepath.Join(dir, "filters"), time.Hour, log.Logger{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	root, err := ca.Load(ca.Config{
		CertPath:    filepath.Join(dir, "ca.pem"),
		KeyPath:     filepath.Join(dir, "ca.key"),
		MinLeafBits: 256,
	})
	if err != nil {
		t.Fatalf("ca.Load: %v", err)
	}

	store := pconfig.NewStore(pconfig.Defaults())
	bus := eventbus.NewBus()

	return New(mgr, store, root, bus, log.Logger{})
}

func TestHandleFiltersPostRequiresID(t *testing.T) {
	e := testEndpoint(t)

	req := httptest.NewRequest(http.MethodPost, "/api/filters", bytes.NewBufferString(`{"url":"https://example.com/list.txt"}`))
	rec := httptest.NewRecorder()
	e.handleFilters(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a missing id, got %d", rec.Code)
	}
}

func TestHandleFiltersPostThenGetThenDelete(t *testing.T) {
	e := testEndpoint(t)

	body, _ := json.Marshal(filterDescriptor{ID: "easylist", URL: "https://example.com/easylist.txt"})
	req := httptest.NewRequest(http.MethodPost, "/api/filters", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()
	e.handleFilters(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/filters", nil)
	getRec := httptest.NewRecorder()
	e.handleFilters(getRec, getReq)

	var got []filterDescriptor
	if err := json.Unmarshal(getRec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode filter list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "easylist" {
		t.Fatalf("expected the added source to be listed, got %+v", got)
	}

	delReq := httptest.NewRequest(http.MethodDelete, "/api/filters/easylist", nil)
	delRec := httptest.NewRecorder()
	e.handleFilterByID(delRec, delReq)
	if delRec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on delete, got %d", delRec.Code)
	}
}

func TestHandleFilterByIDRefreshAction(t *testing.T) {
	e := testEndpoint(t)

	req := httptest.NewRequest(http.MethodPost, "/api/filters/easylist/refresh", nil)
	rec := httptest.NewRecorder()
	e.handleFilterByID(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for a refresh action, got %d", rec.Code)
	}
}

func TestHandleFilterByIDUnknownActionNotFound(t *testing.T) {
	e := testEndpoint(t)

	req := httptest.NewRequest(http.MethodPost, "/api/filters/easylist/bogus", nil)
	rec := httptest.NewRecorder()
	e.handleFilterByID(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unrecognized action, got %d", rec.Code)
	}
}

func TestHandleSettingsGetPut(t *testing.T) {
	e := testEndpoint(t)

	getReq := httptest.NewRequest(http.MethodGet, "/api/settings", nil)
	getRec := httptest.NewRecorder()
	e.handleSettings(getRec, getReq)

	var cfg pconfig.Config
	if err := json.Unmarshal(getRec.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	cfg.ProxyBind = "127.0.0.1:9500"
	cfg.ConfigDir = t.TempDir()

	body, _ := json.Marshal(cfg)
	putReq := httptest.NewRequest(http.MethodPut, "/api/settings", bytes.NewBuffer(body))
	putRec := httptest.NewRecorder()
	e.handleSettings(putRec, putReq)
	if putRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on a valid settings PUT, got %d: %s", putRec.Code, putRec.Body.String())
	}
	if e.Config.Get().ProxyBind != "127.0.0.1:9500" {
		t.Fatalf("expected the new proxy_bind to be live, got %q", e.Config.Get().ProxyBind)
	}
}

func TestHandleSettingsPutRejectsInvalidConfig(t *testing.T) {
	e := testEndpoint(t)
	previous := e.Config.Get()

	bad := previous
	bad.ProxyBind = ""
	body, _ := json.Marshal(bad)
	req := httptest.NewRequest(http.MethodPut, "/api/settings", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()
	e.handleSettings(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an invalid settings PUT, got %d", rec.Code)
	}
	if e.Config.Get().ProxyBind != previous.ProxyBind {
		t.Fatalf("expected the previous config to remain live after a rejected PUT")
	}
}

func TestHandleValidateCARejectsGarbage(t *testing.T) {
	e := testEndpoint(t)

	body, _ := json.Marshal(caValidateRequest{CACertificate: "not a cert", CAPrivateKey: "not a key"})
	req := httptest.NewRequest(http.MethodPost, "/api/settings/ca-certificate/validate", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()
	e.handleValidateCA(rec, req)

	var resp caValidateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Valid {
		t.Fatalf("expected garbage PEM input to be rejected")
	}
}

func TestHandleValidateCAAcceptsExportedRoot(t *testing.T) {
	e := testEndpoint(t)

	certPEM, keyPEM, err := e.Root.ExportPEM()
	if err != nil {
		t.Fatalf("ExportPEM: %v", err)
	}

	body, _ := json.Marshal(caValidateRequest{CACertificate: string(certPEM), CAPrivateKey: string(keyPEM)})
	req := httptest.NewRequest(http.MethodPost, "/api/settings/ca-certificate/validate", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()
	e.handleValidateCA(rec, req)

	var resp caValidateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Valid {
		t.Fatalf("expected the live root's own exported material to validate, got error %q", resp.Error)
	}
}
