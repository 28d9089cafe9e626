package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"os"
	"sync"
	"time"

	"github.com/stamatisl/privaxy/framework/hooks"
	"github.com/stamatisl/privaxy/framework/log"
)

// ServerTLS describes how to obtain a listener certificate for the
// management web API's bind. It mirrors the shape of the [web_bind.tls]
// table in config.toml.
type ServerTLS struct {
	// Off disables TLS entirely; the bind is plaintext.
	Off bool
	// SelfSigned requests an ephemeral self-signed certificate instead of
	// loading CertFile/KeyFile from disk.
	SelfSigned bool
	ServerName string

	CertFile, KeyFile string
	MinVersion        string
	MaxVersion        string
	Ciphers           []string
	Curves            []string
}

// TLSConfig wraps a *tls.Config that can be hot-reloaded from disk without
// disturbing already-accepted connections: Get() returns a clone taken under
// lock, readers never observe a config mid-reload.
type TLSConfig struct {
	spec ServerTLS

	l   sync.Mutex
	cfg *tls.Config
}

func (c *TLSConfig) Get() *tls.Config {
	c.l.Lock()
	defer c.l.Unlock()
	if c.cfg == nil {
		return nil
	}
	return c.cfg.Clone()
}

func (c *TLSConfig) reload() error {
	c.l.Lock()
	defer c.l.Unlock()

	if c.spec.Off {
		c.cfg = nil
		return nil
	}

	if c.spec.SelfSigned {
		tlsCfg := &tls.Config{
			MinVersion: tls.VersionTLS12,
			MaxVersion: tls.VersionTLS13,
			ServerName: c.spec.ServerName,
		}
		if err := makeSelfSignedCert(tlsCfg); err != nil {
			return err
		}
		log.Println("tls: using self-signed certificate for the management API, install the CA certificate from /api/settings to trust it")
		c.cfg = tlsCfg
		return nil
	}

	cfg, err := loadServerTLS(c.spec)
	if err != nil {
		return err
	}
	c.cfg = cfg
	return nil
}

// NewServerTLS builds a *tls.Config wrapper for the management web API,
// reread on every hooks.EventReload (SIGUSR2) and once a minute so that a
// rotated certificate on disk is picked up without a restart.
//
// Returns (nil, nil) if spec requests TLS to stay off.
func NewServerTLS(spec ServerTLS) (*tls.Config, error) {
	c := &TLSConfig{spec: spec}
	if err := c.reload(); err != nil {
		return nil, err
	}

	hooks.AddHook(hooks.EventReload, func() {
		log.Debugln("tls: reloading management API certificate")
		if err := c.reload(); err != nil {
			log.DefaultLogger.Error("tls: failed to load new certs", err)
		}
	})
	go func() {
		t := time.NewTicker(1 * time.Minute)
		for range t.C {
			if err := c.reload(); err != nil {
				log.DefaultLogger.Error("tls: failed to load new certs", err)
			}
		}
	}()

	if c.Get() == nil {
		return nil, nil
	}

	return &tls.Config{
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			return c.Get(), nil
		},
	}, nil
}

func loadServerTLS(spec ServerTLS) (*tls.Config, error) {
	cfg := tls.Config{}

	versions, err := ParseTLSVersions(spec.MinVersion, spec.MaxVersion)
	if err != nil {
		return nil, err
	}
	cfg.MinVersion, cfg.MaxVersion = versions[0], versions[1]

	if cfg.CipherSuites, err = ParseTLSCiphers(spec.Ciphers); err != nil {
		return nil, err
	}
	if cfg.CurvePreferences, err = ParseTLSCurves(spec.Curves); err != nil {
		return nil, err
	}

	cert, err := tls.LoadX509KeyPair(spec.CertFile, spec.KeyFile)
	if err != nil {
		return nil, err
	}
	log.Debugf("tls: using %s : %s", spec.CertFile, spec.KeyFile)
	cfg.Certificates = append(cfg.Certificates, cert)

	return &cfg, nil
}

func makeSelfSignedCert(config *tls.Config) error {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}

	notBefore := time.Now()
	notAfter := notBefore.Add(24 * time.Hour * 7)
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return err
	}
	cert := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{Organization: []string{"Privaxy Self-Signed"}},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(config.ServerName); ip != nil {
		cert.IPAddresses = append(cert.IPAddresses, ip)
	} else if config.ServerName != "" {
		cert.DNSNames = append(cert.DNSNames, config.ServerName)
	} else {
		cert.DNSNames = append(cert.DNSNames, "localhost")
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, cert, cert, &privKey.PublicKey, privKey)
	if err != nil {
		return err
	}

	config.Certificates = append(config.Certificates, tls.Certificate{
		Certificate: [][]byte{derBytes},
		PrivateKey:  privKey,
		Leaf:        cert,
	})
	return nil
}

func init() {
	os.Setenv("GODEBUG", os.Getenv("GODEBUG")+",tls13=1")
}
