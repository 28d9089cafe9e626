package pconfig

import (
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ProxyBind != Defaults().ProxyBind {
		t.Fatalf("expected default ProxyBind, got %q", cfg.ProxyBind)
	}
}

// Save/Load must round-trip every field, including the custom Duration
// TOML codec and the map-valued filter-source fields.
func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Defaults()
	cfg.ConfigDir = dir
	cfg.ProxyBind = "0.0.0.0:9100"
	cfg.MitmExclusions = []string{"bank.example.com", "*.internal.example.com"}
	cfg.FilterListRefreshInterval = Duration(6 * time.Hour)
	cfg.RemoteFilterSources = map[string]string{"easylist": "https://example.com/easylist.txt"}
	cfg.EnabledFilters = []string{"easylist"}

	if err := Save(dir, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ProxyBind != cfg.ProxyBind {
		t.Fatalf("ProxyBind mismatch: got %q want %q", loaded.ProxyBind, cfg.ProxyBind)
	}
	if time.Duration(loaded.FilterListRefreshInterval) != 6*time.Hour {
		t.Fatalf("FilterListRefreshInterval mismatch: got %v", time.Duration(loaded.FilterListRefreshInterval))
	}
	if len(loaded.MitmExclusions) != 2 || loaded.MitmExclusions[1] != "*.internal.example.com" {
		t.Fatalf("MitmExclusions mismatch: got %v", loaded.MitmExclusions)
	}
	if loaded.RemoteFilterSources["easylist"] != cfg.RemoteFilterSources["easylist"] {
		t.Fatalf("RemoteFilterSources mismatch: got %v", loaded.RemoteFilterSources)
	}
}

func TestValidateRejectsEmptyProxyBind(t *testing.T) {
	cfg := Defaults()
	cfg.ProxyBind = ""
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected Validate to reject an empty proxy_bind")
	}
}

func TestValidateRejectsWeakLeafBits(t *testing.T) {
	cfg := Defaults()
	cfg.TLSMinLeafBits = 512
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected Validate to reject tls_min_leaf_bits below 1024")
	}
}

// Store.Swap must reject an invalid config and leave the previous one live
// (§7's "runtime reload never leaves the process without a usable
// configuration").
func TestStoreSwapRejectsInvalidConfig(t *testing.T) {
	store := NewStore(Defaults())
	bad := Defaults()
	bad.ProxyBind = ""

	if err := store.Swap(bad); err == nil {
		t.Fatalf("expected Swap to reject an invalid config")
	}
	if store.Get().ProxyBind == "" {
		t.Fatalf("Swap must leave the previous config in place on rejection")
	}
}

func TestStoreSwapInstallsValidConfig(t *testing.T) {
	store := NewStore(Defaults())
	next := Defaults()
	next.ProxyBind = "127.0.0.1:9999"

	if err := store.Swap(next); err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if store.Get().ProxyBind != "127.0.0.1:9999" {
		t.Fatalf("expected the swapped config to be live, got %q", store.Get().ProxyBind)
	}
}
