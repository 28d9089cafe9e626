// Package ca implements the root Certificate Authority and per-host leaf
// cert minting of §4.A: it holds the root CA material, mints SAN-exact leaf
// certificates on demand, caches them in a bounded LRU, and collapses
// concurrent first-requests for the same host into a single mint via
// singleflight.
package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	"github.com/stamatisl/privaxy/framework/dns"
	"github.com/stamatisl/privaxy/framework/hooks"
	"github.com/stamatisl/privaxy/framework/log"
	"github.com/stamatisl/privaxy/internal/perror"
)

// defaultLeafCacheSize bounds the minted-leaf LRU (§4.A: "≈ 1024 entries").
const defaultLeafCacheSize = 1024

// leafSkew backdates minted leaves so clients with a slightly fast clock
// still see a valid certificate.
const leafSkew = 60 * time.Second

// Root holds root CA material: an ownership-unique private key and
// self-signed certificate, loaded from disk or generated at first startup.
type Root struct {
	Cert *x509.Certificate
	Key  crypto.Signer

	leafValidity time.Duration
	minLeafBits  int

	cache *lru.Cache // host -> *tls.Certificate
	sf    singleflight.Group
	log   log.Logger
}

// Config controls how a Root is loaded or generated.
type Config struct {
	CertPath     string
	KeyPath      string
	LeafValidity time.Duration // default 10 years, bounded by the root's own NotAfter
	MinLeafBits  int           // tls-min-leaf-bits; default 2048 (RSA) / 256 (ECDSA P-256 curve bits)
	CacheSize    int           // default defaultLeafCacheSize
	Logger       log.Logger
}

// Load reads the root CA from disk, generating and persisting a fresh
// ECDSA P-256 root (the teacher's makeSelfSignedCert default) if the files
// don't exist yet.
func Load(cfg Config) (*Root, error) {
	if cfg.LeafValidity == 0 {
		cfg.LeafValidity = 10 * 365 * 24 * time.Hour
	}
	if cfg.MinLeafBits == 0 {
		cfg.MinLeafBits = 2048
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = defaultLeafCacheSize
	}

	cert, key, err := loadFromDisk(cfg.CertPath, cfg.KeyPath)
	if os.IsNotExist(err) {
		cert, key, err = generate(cfg.CertPath, cfg.KeyPath)
	}
	if err != nil {
		return nil, perror.New(perror.CaUnavailable, err)
	}

	cache, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, perror.New(perror.CaUnavailable, err)
	}

	return &Root{
		Cert:         cert,
		Key:          key,
		leafValidity: cfg.LeafValidity,
		minLeafBits:  cfg.MinLeafBits,
		cache:        cache,
		log:          cfg.Logger,
	}, nil
}

func loadFromDisk(certPath, keyPath string) (*x509.Certificate, crypto.Signer, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, err
	}
	return decodeCertKey(certPEM, keyPEM)
}

func decodeCertKey(certPEM, keyPEM []byte) (*x509.Certificate, crypto.Signer, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, fmt.Errorf("ca: no PEM block in certificate file")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("ca: parse certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("ca: no PEM block in key file")
	}
	key, err := parsePrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("ca: parse private key: %w", err)
	}

	return cert, key, nil
}

func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if k, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return k, nil
	}
	if k, err := x509.ParseECPrivateKey(der); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	signer, ok := k.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key type %T is not a signer", k)
	}
	return signer, nil
}

func generate(certPath, keyPath string) (*x509.Certificate, crypto.Signer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("ca: generate root key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("ca: generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "Privaxy Root CA",
			Organization: []string{"Privaxy"},
		},
		NotBefore:             time.Now().Add(-leafSkew),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, nil, fmt.Errorf("ca: self-sign root: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}

	if err := persist(certPath, keyPath, der, key); err != nil {
		return nil, nil, err
	}

	return cert, key, nil
}

func persist(certPath, keyPath string, certDER []byte, key *ecdsa.PrivateKey) error {
	if err := os.MkdirAll(filepath.Dir(certPath), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return err
	}

	certOut, err := os.OpenFile(certPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: certDER}); err != nil {
		return err
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer keyOut.Close()
	return pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
}

// ExportPEM returns the root certificate and key in PEM form, for the
// management API's CA-export operation and for the install_ca round-trip
// testable property (§8).
func (r *Root) ExportPEM() (certPEM, keyPEM []byte, err error) {
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: r.Cert.Raw})

	switch k := r.Key.(type) {
	case *ecdsa.PrivateKey:
		der, err := x509.MarshalECPrivateKey(k)
		if err != nil {
			return nil, nil, err
		}
		keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	case *rsa.PrivateKey:
		keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(k)})
	default:
		return nil, nil, fmt.Errorf("ca: unsupported key type %T", k)
	}
	return certPEM, keyPEM, nil
}

// InstallCA validates and replaces the in-memory root CA (4.A's
// install_ca): the key must sign data verifiable by the cert's public key,
// the key size must be >= minLeafBits, and the cert must be CA:TRUE.
func (r *Root) InstallCA(certPEM, keyPEM []byte) error {
	cert, key, err := ValidateCertKey(certPEM, keyPEM, r.minLeafBits)
	if err != nil {
		return err
	}

	r.Cert = cert
	r.Key = key
	r.cache.Purge()
	return nil
}

// ValidateCertKey checks that certPEM/keyPEM form a usable CA without
// mutating any Root — used both by InstallCA and by the management API's
// ca-certificate/validate probe, which must never disturb the live CA on a
// rejected candidate.
func ValidateCertKey(certPEM, keyPEM []byte, minBits int) (*x509.Certificate, crypto.Signer, error) {
	cert, key, err := decodeCertKey(certPEM, keyPEM)
	if err != nil {
		return nil, nil, perror.New(perror.ConfigInvalid, fmt.Errorf("install_ca: %w", err))
	}
	if !cert.IsCA {
		return nil, nil, perror.Newf(perror.ConfigInvalid, "install_ca: certificate is not CA:TRUE")
	}
	if bits := keyBits(key); bits < minBits {
		return nil, nil, perror.Newf(perror.ConfigInvalid, "install_ca: key size %d below minimum %d", bits, minBits)
	}
	if !key.Public().(interface{ Equal(interface{}) bool }).Equal(cert.PublicKey) {
		return nil, nil, perror.Newf(perror.ConfigInvalid, "install_ca: key does not match certificate public key")
	}
	return cert, key, nil
}

func keyBits(key crypto.Signer) int {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k.N.BitLen()
	case *ecdsa.PrivateKey:
		return k.Curve.Params().BitSize
	default:
		return 0
	}
}

// LeafFor mints (or returns a cached) leaf certificate for host, per the
// idempotent-per-generation contract of §4.A and the stability property of
// §8: repeated calls within one cache generation return the identical
// certificate.
func (r *Root) LeafFor(host string) (*tls.Certificate, error) {
	host = dns.ForIndex(host)

	if v, ok := r.cache.Get(host); ok {
		return v.(*tls.Certificate), nil
	}

	v, err, _ := r.sf.Do(host, func() (interface{}, error) {
		if v, ok := r.cache.Get(host); ok {
			return v.(*tls.Certificate), nil
		}
		leaf, err := r.mint(host)
		if err != nil {
			return nil, err
		}
		r.cache.Add(host, leaf)
		return leaf, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

func (r *Root) mint(host string) (*tls.Certificate, error) {
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, perror.New(perror.CaUnavailable, err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, perror.New(perror.CaUnavailable, err)
	}

	notBefore := time.Now().Add(-leafSkew)
	notAfter := notBefore.Add(r.leafValidity)
	if notAfter.After(r.Cert.NotAfter) {
		notAfter = r.Cert.NotAfter
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		DNSNames:     []string{host},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, r.Cert, leafKey.Public(), r.Key)
	if err != nil {
		return nil, perror.New(perror.CaUnavailable, fmt.Errorf("mint leaf for %s: %w", host, err))
	}

	leaf := &tls.Certificate{
		Certificate: [][]byte{der, r.Cert.Raw},
		PrivateKey:  leafKey,
	}
	leaf.Leaf, _ = x509.ParseCertificate(der)

	r.log.DebugMsg("leaf cert minted", "host", host, "not_after", leaf.Leaf.NotAfter)
	return leaf, nil
}

// MinLeafBits returns the configured minimum key size a replacement root CA
// must meet (§4.A's tls-min-leaf-bits option).
func (r *Root) MinLeafBits() int { return r.minLeafBits }

// TLSConfig returns a *tls.Config whose GetCertificate callback mints leaf
// certs on demand keyed by the ClientHello's SNI.
func (r *Root) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			host := hello.ServerName
			if host == "" {
				return nil, fmt.Errorf("ca: no SNI presented")
			}
			return r.LeafFor(host)
		},
		NextProtos: []string{"http/1.1"},
	}
}

// WatchDisk reloads the root CA from disk on hooks.EventReload, so an
// operator-replaced CA file takes effect without a restart.
func (r *Root) WatchDisk(certPath, keyPath string) {
	var reload sync.Mutex
	hooks.AddHook(hooks.EventReload, func() {
		reload.Lock()
		defer reload.Unlock()
		cert, key, err := loadFromDisk(certPath, keyPath)
		if err != nil {
			r.log.Error("ca: reload failed, keeping previous root", err)
			return
		}
		r.Cert = cert
		r.Key = key
		r.cache.Purge()
		r.log.Println("ca: root reloaded from disk")
	})
}
