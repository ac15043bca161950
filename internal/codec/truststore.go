package codec

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// MemoryTrustStore is a TrustStore backed by an in-memory certificate
// set. The zero value trusts nothing.
type MemoryTrustStore struct {
	byThumbprint map[string]*x509.Certificate
	roots        *x509.CertPool
}

// NewTrustStore builds a trust store over the given certificates. Every
// certificate is both directly trusted by thumbprint and a chain root
// for embedded certificates.
func NewTrustStore(certs ...*x509.Certificate) *MemoryTrustStore {
	store := &MemoryTrustStore{
		byThumbprint: make(map[string]*x509.Certificate, len(certs)),
		roots:        x509.NewCertPool(),
	}
	for _, cert := range certs {
		store.Add(cert)
	}
	return store
}

// Add trusts an additional certificate.
func (s *MemoryTrustStore) Add(cert *x509.Certificate) {
	if s.byThumbprint == nil {
		s.byThumbprint = make(map[string]*x509.Certificate)
	}
	if s.roots == nil {
		s.roots = x509.NewCertPool()
	}
	s.byThumbprint[Thumbprint(cert)] = cert
	s.roots.AddCert(cert)
}

// ByThumbprint implements TrustStore.
func (s *MemoryTrustStore) ByThumbprint(thumbprint string) (*x509.Certificate, bool) {
	cert, ok := s.byThumbprint[thumbprint]
	return cert, ok
}

// Roots implements TrustStore.
func (s *MemoryTrustStore) Roots() *x509.CertPool {
	return s.roots
}

// LoadTrustDir builds a trust store from the PEM and DER certificate
// files in dir. A missing dir yields an empty store.
func LoadTrustDir(dir string) (*MemoryTrustStore, error) {
	store := NewTrustStore()
	if dir == "" {
		return store, nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return store, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read trust dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read certificate %s: %w", entry.Name(), err)
		}
		if block, _ := pem.Decode(data); block != nil {
			data = block.Bytes
		}
		cert, err := x509.ParseCertificate(data)
		if err != nil {
			return nil, fmt.Errorf("parse certificate %s: %w", entry.Name(), err)
		}
		store.Add(cert)
	}
	return store, nil
}
