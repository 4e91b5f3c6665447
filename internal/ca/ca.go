// Package ca implements the certificate authority (C5): a long-lived root
// CA loaded or created at startup, and on-demand per-host leaf
// certificates minted and cached for the process's lifetime.
package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

const (
	rootCertFilename = "roo-sniffer-ca.pem"
	rootKeyFilename  = "roo-sniffer-ca-key.pem"

	rootKeyBits = 2048
	leafKeyBits = 2048

	rootValidity = 10 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour
)

// CA owns the root key-pair/certificate and a mapping of hostname to
// minted leaf certificate. Leaves are cached in memory only: they are not
// persisted to disk and are regenerated on every process restart.
type CA struct {
	certDir string

	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey

	leaves sync.Map // map[string]*tls.Certificate

	serial atomic.Int64
}

// LoadOrInit implements load_or_init(): read the CA cert+key from certDir
// if both files parse cleanly; otherwise generate a fresh root CA and
// persist it. certDir is created if missing.
func LoadOrInit(certDir string) (*CA, error) {
	certDir = expandPath(certDir)

	if err := os.MkdirAll(certDir, 0755); err != nil {
		return nil, fmt.Errorf("ca: create cert dir: %w", err)
	}

	ca := &CA{certDir: certDir}
	ca.serial.Store(time.Now().UnixNano())

	certPath := filepath.Join(certDir, rootCertFilename)
	keyPath := filepath.Join(certDir, rootKeyFilename)

	if err := ca.load(certPath, keyPath); err == nil {
		return ca, nil
	}

	if err := ca.generateRoot(); err != nil {
		return nil, fmt.Errorf("ca: generate root: %w", err)
	}
	if err := ca.persist(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("ca: persist root: %w", err)
	}

	return ca, nil
}

func (ca *CA) load(certPath, keyPath string) error {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return err
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return fmt.Errorf("ca: decode cert pem")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("ca: parse cert: %w", err)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return err
	}
	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return fmt.Errorf("ca: decode key pem")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("ca: parse key: %w", err)
	}

	ca.rootCert = cert
	ca.rootKey = key
	return nil
}

func (ca *CA) generateRoot() error {
	key, err := rsa.GenerateKey(rand.Reader, rootKeyBits)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(ca.nextSerial()),
		Subject: pkix.Name{
			CommonName:   "Roo Sniffer CA",
			Organization: []string{"Roo Sniffer"},
			Country:      []string{"US"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("parse certificate: %w", err)
	}

	ca.rootCert = cert
	ca.rootKey = key
	return nil
}

func (ca *CA) persist(certPath, keyPath string) error {
	certFile, err := os.OpenFile(certPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer certFile.Close()
	if err := pem.Encode(certFile, &pem.Block{Type: "CERTIFICATE", Bytes: ca.rootCert.Raw}); err != nil {
		return err
	}

	keyFile, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer keyFile.Close()
	return pem.Encode(keyFile, &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(ca.rootKey),
	})
}

// LeafFor implements leaf_for(hostname): returns the cached leaf
// certificate for hostname, generating and caching one on first use.
// Safe to call concurrently; a concurrent first call for the same
// hostname may generate twice, with the last write winning — acceptable
// because leaves are semantically equivalent.
func (ca *CA) LeafFor(hostname string) (*tls.Certificate, error) {
	if v, ok := ca.leaves.Load(hostname); ok {
		return v.(*tls.Certificate), nil
	}

	cert, err := ca.mintLeaf(hostname)
	if err != nil {
		return nil, err
	}
	ca.leaves.Store(hostname, cert)
	return cert, nil
}

func (ca *CA) mintLeaf(hostname string) (*tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(ca.nextSerial()),
		Subject: pkix.Name{
			CommonName: hostname,
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(leafValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
		DNSNames:              []string{hostname},
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}

	if ip := net.ParseIP(hostname); ip != nil {
		template.IPAddresses = []net.IP{ip}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, &key.PublicKey, ca.rootKey)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER, ca.rootCert.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// nextSerial returns a monotonically increasing serial derived from
// wall-clock nanoseconds at startup.
func (ca *CA) nextSerial() int64 {
	return ca.serial.Add(1)
}

// CACertPath implements ca_cert_path(): the on-disk PEM path of the root
// certificate, for the operator to install as a trust root.
func (ca *CA) CACertPath() string {
	return filepath.Join(ca.certDir, rootCertFilename)
}

// LeafCount returns the number of leaves minted so far this process.
func (ca *CA) LeafCount() int {
	count := 0
	ca.leaves.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
