package webapi

import (
	"crypto/tls"
	"net"
)

// tlsConfigProvider is a thin wrapper so buildTLSConfig can return either a
// framework/config-managed *tls.Config or a certmagic-managed one through
// the same type.
type tlsConfigProvider struct {
	cfg *tls.Config
}

func wrapTLS(l net.Listener, p *tlsConfigProvider) net.Listener {
	return tls.NewListener(l, p.cfg)
}
