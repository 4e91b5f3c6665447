package ca

import (
	"os"
	"testing"
)

func TestLoadOrInitGeneratesRootCA(t *testing.T) {
	dir := t.TempDir()

	c, err := LoadOrInit(dir)
	if err != nil {
		t.Fatalf("LoadOrInit: %v", err)
	}

	if c.rootCert.Subject.CommonName != "Roo Sniffer CA" {
		t.Errorf("CommonName = %q, want %q", c.rootCert.Subject.CommonName, "Roo Sniffer CA")
	}
	if !c.rootCert.IsCA {
		t.Error("root cert IsCA = false, want true")
	}

	if _, err := os.Stat(c.CACertPath()); err != nil {
		t.Errorf("root cert not persisted: %v", err)
	}
}

func TestLoadOrInitReusesExistingCA(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrInit(dir)
	if err != nil {
		t.Fatalf("LoadOrInit (first): %v", err)
	}
	wantBytes, err := os.ReadFile(first.CACertPath())
	if err != nil {
		t.Fatalf("read cert: %v", err)
	}

	second, err := LoadOrInit(dir)
	if err != nil {
		t.Fatalf("LoadOrInit (second): %v", err)
	}
	gotBytes, err := os.ReadFile(second.CACertPath())
	if err != nil {
		t.Fatalf("read cert: %v", err)
	}

	if string(gotBytes) != string(wantBytes) {
		t.Error("restarting with an existing cert_dir produced a different root CA")
	}
}

func TestLeafForReturnsVerifiableCert(t *testing.T) {
	dir := t.TempDir()
	c, err := LoadOrInit(dir)
	if err != nil {
		t.Fatalf("LoadOrInit: %v", err)
	}

	leaf, err := c.LeafFor("api.example.test")
	if err != nil {
		t.Fatalf("LeafFor: %v", err)
	}

	if leaf.Leaf.Subject.CommonName != "api.example.test" {
		t.Errorf("CommonName = %q, want %q", leaf.Leaf.Subject.CommonName, "api.example.test")
	}
	found := false
	for _, san := range leaf.Leaf.DNSNames {
		if san == "api.example.test" {
			found = true
		}
	}
	if !found {
		t.Errorf("DNSNames = %v, want to contain %q", leaf.Leaf.DNSNames, "api.example.test")
	}

	if err := leaf.Leaf.CheckSignatureFrom(c.rootCert); err != nil {
		t.Errorf("leaf signature does not verify against root: %v", err)
	}
}

func TestLeafForCachesByHostname(t *testing.T) {
	dir := t.TempDir()
	c, err := LoadOrInit(dir)
	if err != nil {
		t.Fatalf("LoadOrInit: %v", err)
	}

	first, err := c.LeafFor("cached.example.test")
	if err != nil {
		t.Fatalf("LeafFor: %v", err)
	}
	second, err := c.LeafFor("cached.example.test")
	if err != nil {
		t.Fatalf("LeafFor: %v", err)
	}

	if first.Leaf.SerialNumber.Cmp(second.Leaf.SerialNumber) != 0 {
		t.Error("LeafFor returned different certs for the same hostname")
	}
	if c.LeafCount() != 1 {
		t.Errorf("LeafCount() = %d, want 1", c.LeafCount())
	}
}
