package webapi

import (
	"context"
	"crypto/tls"

	"github.com/caddyserver/certmagic"

	"github.com/stamatisl/privaxy/internal/pconfig"
)

// newACMEConfig builds a certmagic-managed *tls.Config for the management
// API's optional public bind. ACME challenges are left to certmagic's default
// solvers; the management API's own mux registers no challenge handler.
func newACMEConfig(spec pconfig.WebBindTLS) (*tls.Config, error) {
	var cfg *certmagic.Config

	store := &certmagic.FileStorage{Path: "ca/acme"}
	cache := certmagic.NewCache(certmagic.CacheOptions{
		GetConfigForCert: func(c certmagic.Certificate) (*certmagic.Config, error) {
			return cfg, nil
		},
	})

	cfg = certmagic.New(cache, certmagic.Config{
		Storage:           store,
		DefaultServerName: spec.ACMEDomain,
	})
	issuer := certmagic.NewACMEIssuer(cfg, certmagic.ACMEIssuer{
		CA:     certmagic.LetsEncryptProductionCA,
		Email:  spec.ACMEEmail,
		Agreed: true,
	})
	cfg.Issuers = []certmagic.Issuer{issuer}

	manageCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := cfg.ManageSync(manageCtx, []string{spec.ACMEDomain}); err != nil {
		return nil, err
	}

	tlsConfig := cfg.TLSConfig()
	tlsConfig.NextProtos = append([]string{"h2", "http/1.1"}, tlsConfig.NextProtos...)
	return tlsConfig, nil
}
