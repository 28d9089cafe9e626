// Package pconfig is the process-wide Configuration of §3/§6: a TOML
// document under config-dir/config.toml, replaceable atomically at runtime
// through the management API's PUT /api/settings.
package pconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/stamatisl/privaxy/internal/perror"
)

// WebBindTLS mirrors framework/config.ServerTLS's shape for the TOML
// surface (kept distinct so the wire format doesn't leak internal types).
type WebBindTLS struct {
	Off        bool     `toml:"off"`
	SelfSigned bool     `toml:"self_signed"`
	CertFile   string   `toml:"cert_file"`
	KeyFile    string   `toml:"key_file"`
	MinVersion string   `toml:"min_version"`
	MaxVersion string   `toml:"max_version"`
	Ciphers    []string `toml:"ciphers"`
	Curves     []string `toml:"curves"`
	// ACME enables certmagic-managed certificates instead of SelfSigned /
	// CertFile+KeyFile, for operators who expose the management API
	// publicly behind a real hostname.
	ACME       bool     `toml:"acme"`
	ACMEDomain string   `toml:"acme_domain"`
	ACMEEmail  string   `toml:"acme_email"`
}

// Config is the full set of recognized options from §3's table.
type Config struct {
	ProxyBind  string `toml:"proxy_bind"`
	WebBind    string `toml:"web_bind"`
	WebBindTLS WebBindTLS `toml:"web_bind_tls"`

	CAPath    string `toml:"ca_path"`
	ConfigDir string `toml:"-"` // not persisted; comes from the -config-dir flag/env

	FilterListRefreshInterval Duration `toml:"filter_list_refresh_interval"`
	MitmExclusions            []string `toml:"mitm_exclusions"`
	TLSMinLeafBits            int      `toml:"tls_min_leaf_bits"`
	LeafValidity              Duration `toml:"leaf_validity"`
	EnabledFilters            []string `toml:"enabled_filters"`

	RemoteFilterSources map[string]string `toml:"remote_filter_sources"` // id -> URL
	LocalFilterSources  map[string]string `toml:"local_filter_sources"`  // id -> path

	ProxyProtocol bool `toml:"proxy_protocol"` // unwrap the PROXY protocol header on proxy-bind
}

// Duration is a time.Duration that (un)marshals from TOML as a Go duration
// string ("24h", "90s") rather than an opaque integer of nanoseconds.
type Duration time.Duration

func (d Duration) MarshalTOML() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

func (d *Duration) UnmarshalTOML(v interface{}) error {
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("config: duration must be a string, got %T", v)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Defaults returns the configuration §3/§4.E specify as defaults.
func Defaults() Config {
	return Config{
		ProxyBind:                 "127.0.0.1:8100",
		WebBind:                   "127.0.0.1:8200",
		WebBindTLS:                WebBindTLS{SelfSigned: true},
		CAPath:                    "ca",
		FilterListRefreshInterval: Duration(24 * time.Hour),
		TLSMinLeafBits:            2048,
		LeafValidity:              Duration(10 * 365 * 24 * time.Hour),
	}
}

// Load reads config.toml from dir, filling in any option the file omits
// from Defaults().
func Load(dir string) (Config, error) {
	cfg := Defaults()
	cfg.ConfigDir = dir

	data, err := os.ReadFile(filepath.Join(dir, "config.toml"))
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, perror.New(perror.ConfigInvalid, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, perror.New(perror.ConfigInvalid, fmt.Errorf("config: parse config.toml: %w", err))
	}
	cfg.ConfigDir = dir
	return cfg, nil
}

// Save atomically writes cfg to config.toml under dir (write to a temp file
// then rename, so a crash mid-write never leaves a truncated config).
func Save(dir string, cfg Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return perror.New(perror.ConfigInvalid, err)
	}
	tmp := filepath.Join(dir, "config.toml.tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, "config.toml"))
}

// Store holds the live, atomically-replaceable configuration handle (§5:
// "shared-immutable handle, atomic swap on reload").
type Store struct {
	p atomic.Pointer[Config]
}

func NewStore(initial Config) *Store {
	s := &Store{}
	s.p.Store(&initial)
	return s
}

func (s *Store) Get() Config {
	return *s.p.Load()
}

// Swap validates and installs next, rejecting it (keeping the previous
// config live) if it fails basic sanity checks — runtime reload never
// leaves the process without a usable configuration (§7 ConfigInvalid).
func (s *Store) Swap(next Config) error {
	if err := Validate(next); err != nil {
		return perror.New(perror.ConfigInvalid, err)
	}
	s.p.Store(&next)
	return nil
}

// Validate applies the minimal sanity checks §7 requires before accepting
// a configuration at startup or over PUT /api/settings.
func Validate(cfg Config) error {
	if cfg.ProxyBind == "" {
		return fmt.Errorf("config: proxy_bind must not be empty")
	}
	if cfg.TLSMinLeafBits < 1024 {
		return fmt.Errorf("config: tls_min_leaf_bits too small: %d", cfg.TLSMinLeafBits)
	}
	if time.Duration(cfg.LeafValidity) <= 0 {
		return fmt.Errorf("config: leaf_validity must be positive")
	}
	return nil
}
