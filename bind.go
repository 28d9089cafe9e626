package privaxy

import (
	"fmt"
	"net"
	"strings"

	"github.com/stamatisl/privaxy/framework/config"
	"github.com/stamatisl/privaxy/framework/resource/netresource"
)

// listenBind opens the listener for a proxy-bind/web-bind configuration
// value. Besides plain "host:port" and the tcp://, tls://, unix:// endpoint
// syntax (framework/config.ParseEndpoint), it accepts fd://<n> and
// fdname://<name> to adopt a systemd-activated socket (LISTEN_FDS /
// LISTEN_FDNAMES) instead of binding a fresh port — the counterpart to
// systemd.go's sd_notify readiness signal. Listeners go through
// netresource's tracked singleton so a config reload that reuses the same
// bind address doesn't drop the listening socket.
func listenBind(bind string) (net.Listener, error) {
	scheme, rest, hasScheme := strings.Cut(bind, "://")
	if hasScheme && (scheme == "fd" || scheme == "fdname") {
		return netresource.Listen(scheme, rest)
	}
	if !hasScheme {
		return netresource.Listen("tcp", bind)
	}

	ep, err := config.ParseEndpoint(bind)
	if err != nil {
		return nil, fmt.Errorf("bind %q: %w", bind, err)
	}
	return netresource.Listen(ep.Network(), ep.Address())
}
