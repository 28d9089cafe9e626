package ca

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stamatisl/privaxy/framework/log"
)

func testRoot(t *testing.T) *Root {
	t.Helper()
	dir := t.TempDir()
	root, err := Load(Config{
		CertPath:     filepath.Join(dir, "root.crt"),
		KeyPath:      filepath.Join(dir, "root.key"),
		LeafValidity: 24 * time.Hour,
		MinLeafBits:  256,
		Logger:       log.Logger{Name: "ca-test"},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return root
}

// LeafFor must be idempotent within a cache generation: two calls for the
// same host return the identical certificate (§8's stability property).
func TestLeafForStable(t *testing.T) {
	root := testRoot(t)

	l1, err := root.LeafFor("example.com")
	if err != nil {
		t.Fatalf("LeafFor: %v", err)
	}
	l2, err := root.LeafFor("example.com")
	if err != nil {
		t.Fatalf("LeafFor: %v", err)
	}
	if l1.Leaf.SerialNumber.Cmp(l2.Leaf.SerialNumber) != 0 {
		t.Fatalf("expected the same leaf cert across calls, got different serials")
	}
}

func TestLeafForDistinctHosts(t *testing.T) {
	root := testRoot(t)

	a, err := root.LeafFor("a.example.com")
	if err != nil {
		t.Fatalf("LeafFor: %v", err)
	}
	b, err := root.LeafFor("b.example.com")
	if err != nil {
		t.Fatalf("LeafFor: %v", err)
	}
	if a.Leaf.SerialNumber.Cmp(b.Leaf.SerialNumber) == 0 {
		t.Fatalf("expected distinct hosts to mint distinct leaves")
	}
}

// LeafFor normalizes hostnames (IDNA A-label) before keying the cache, so an
// upper/mixed-case or punycode-equivalent host hits the same cache entry.
func TestLeafForCaseNormalized(t *testing.T) {
	root := testRoot(t)

	l1, err := root.LeafFor("Example.COM")
	if err != nil {
		t.Fatalf("LeafFor: %v", err)
	}
	l2, err := root.LeafFor("example.com")
	if err != nil {
		t.Fatalf("LeafFor: %v", err)
	}
	if l1.Leaf.SerialNumber.Cmp(l2.Leaf.SerialNumber) != 0 {
		t.Fatalf("expected normalized hostnames to share a cache entry")
	}
}

// ExportPEM/ValidateCertKey must round-trip: a root's own exported
// certificate and key form a valid install_ca candidate against itself.
func TestExportValidateRoundTrip(t *testing.T) {
	root := testRoot(t)

	certPEM, keyPEM, err := root.ExportPEM()
	if err != nil {
		t.Fatalf("ExportPEM: %v", err)
	}

	if _, _, err := ValidateCertKey(certPEM, keyPEM, root.MinLeafBits()); err != nil {
		t.Fatalf("ValidateCertKey: %v", err)
	}
}

func TestValidateCertKeyRejectsUndersizedKey(t *testing.T) {
	root := testRoot(t)
	certPEM, keyPEM, err := root.ExportPEM()
	if err != nil {
		t.Fatalf("ExportPEM: %v", err)
	}

	if _, _, err := ValidateCertKey(certPEM, keyPEM, 1<<20); err == nil {
		t.Fatalf("expected ValidateCertKey to reject a key below the minimum size")
	}
}

// ValidateCertKey must never mutate the live Root: a rejected (or merely
// probed) candidate must leave the cache untouched.
func TestValidateCertKeyNoSideEffects(t *testing.T) {
	root := testRoot(t)
	if _, err := root.LeafFor("example.com"); err != nil {
		t.Fatalf("LeafFor: %v", err)
	}

	certPEM, keyPEM, err := root.ExportPEM()
	if err != nil {
		t.Fatalf("ExportPEM: %v", err)
	}
	if _, _, err := ValidateCertKey(certPEM, keyPEM, root.MinLeafBits()); err != nil {
		t.Fatalf("ValidateCertKey: %v", err)
	}

	if _, ok := root.cache.Get("example.com"); !ok {
		t.Fatalf("ValidateCertKey must not purge the live leaf cache")
	}
}
