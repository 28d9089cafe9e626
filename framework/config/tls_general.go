package config

import (
	"crypto/tls"
	"fmt"

	"github.com/stamatisl/privaxy/framework/log"
)

var strVersionsMap = map[string]uint16{
	"tls1.0": tls.VersionTLS10,
	"tls1.1": tls.VersionTLS11,
	"tls1.2": tls.VersionTLS12,
	"tls1.3": tls.VersionTLS13,
	"":       0, // use crypto/tls defaults if value is not specified
}

var strCiphersMap = map[string]uint16{
	// TLS 1.0 - 1.2 cipher suites.
	"RSA-WITH-RC4128-SHA":                tls.TLS_RSA_WITH_RC4_128_SHA,
	"RSA-WITH-3DES-EDE-CBC-SHA":           tls.TLS_RSA_WITH_3DES_EDE_CBC_SHA,
	"RSA-WITH-AES128-CBC-SHA":             tls.TLS_RSA_WITH_AES_128_CBC_SHA,
	"RSA-WITH-AES256-CBC-SHA":             tls.TLS_RSA_WITH_AES_256_CBC_SHA,
	"RSA-WITH-AES128-CBC-SHA256":          tls.TLS_RSA_WITH_AES_128_CBC_SHA256,
	"RSA-WITH-AES128-GCM-SHA256":          tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
	"RSA-WITH-AES256-GCM-SHA384":          tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
	"ECDHE-ECDSA-WITH-RC4128-SHA":         tls.TLS_ECDHE_ECDSA_WITH_RC4_128_SHA,
	"ECDHE-ECDSA-WITH-AES128-CBC-SHA":     tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
	"ECDHE-ECDSA-WITH-AES256-CBC-SHA":     tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
	"ECDHE-RSA-WITH-RC4128-SHA":           tls.TLS_ECDHE_RSA_WITH_RC4_128_SHA,
	"ECDHE-RSA-WITH-3DES-EDE-CBC-SHA":     tls.TLS_ECDHE_RSA_WITH_3DES_EDE_CBC_SHA,
	"ECDHE-RSA-WITH-AES128-CBC-SHA":       tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
	"ECDHE-RSA-WITH-AES256-CBC-SHA":       tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
	"ECDHE-ECDSA-WITH-AES128-CBC-SHA256":  tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256,
	"ECDHE-RSA-WITH-AES128-CBC-SHA256":    tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256,
	"ECDHE-RSA-WITH-AES128-GCM-SHA256":    tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	"ECDHE-ECDSA-WITH-AES128-GCM-SHA256":  tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	"ECDHE-RSA-WITH-AES256-GCM-SHA384":    tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	"ECDHE-ECDSA-WITH-AES256-GCM-SHA384":  tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	"ECDHE-RSA-WITH-CHACHA20-POLY1305":    tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	"ECDHE-ECDSA-WITH-CHACHA20-POLY1305":  tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
}

var strCurvesMap = map[string]tls.CurveID{
	"p256":   tls.CurveP256,
	"p384":   tls.CurveP384,
	"p521":   tls.CurveP521,
	"X25519": tls.X25519,
}

// ParseTLSVersions turns the "tls1.2"/"tls1.3" style strings accepted by
// config.toml's [web_bind.tls] table into the [2]uint16{min, max} pair
// expected by tls.Config. An empty string on either side means "use the
// crypto/tls default".
func ParseTLSVersions(min, max string) ([2]uint16, error) {
	minV, ok := strVersionsMap[min]
	if !ok {
		return [2]uint16{}, fmt.Errorf("config: invalid TLS version value: %s", min)
	}
	maxV, ok := strVersionsMap[max]
	if !ok {
		return [2]uint16{}, fmt.Errorf("config: invalid TLS version value: %s", max)
	}
	return [2]uint16{minV, maxV}, nil
}

// ParseTLSCiphers resolves a list of named cipher suites.
func ParseTLSCiphers(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return nil, nil
	}
	res := make([]uint16, 0, len(names))
	for _, arg := range names {
		id, ok := strCiphersMap[arg]
		if !ok {
			return nil, fmt.Errorf("config: unknown cipher: %s", arg)
		}
		res = append(res, id)
	}
	log.Debugln("tls: using non-default cipherset:", names)
	return res, nil
}

// ParseTLSCurves resolves a list of named elliptic curves.
func ParseTLSCurves(names []string) ([]tls.CurveID, error) {
	if len(names) == 0 {
		return nil, nil
	}
	res := make([]tls.CurveID, 0, len(names))
	for _, arg := range names {
		id, ok := strCurvesMap[arg]
		if !ok {
			return nil, fmt.Errorf("config: unknown curve: %s", arg)
		}
		res = append(res, id)
	}
	log.Debugln("tls: using non-default curve preferences:", names)
	return res, nil
}
