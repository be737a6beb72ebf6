package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	caCertFile = "ca.crt"
	caKeyFile  = "ca.key"
	caKeyBits  = 4096
)

// CAManager manages the ANS root Certificate Authority lifecycle.
// It creates and persists a root CA to disk on first run, then reloads it on
// subsequent starts. All agent identity certificates are signed by this CA.
type CAManager struct {
	dir  string
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

// NewCAManager returns a CAManager that stores the CA files in dir.
func NewCAManager(dir string) *CAManager {
	return &CAManager{dir: dir}
}

// LoadOrCreate loads the CA from disk if it exists; creates a new one otherwise.
func (m *CAManager) LoadOrCreate() error {
	if err := m.Load(); err == nil {
		return nil
	}
	return m.Create()
}

// Load reads an existing CA cert and key from the configured directory.
func (m *CAManager) Load() error {
	certPEM, err := os.ReadFile(filepath.Join(m.dir, caCertFile))
	if err != nil {
		return fmt.Errorf("read CA cert: %w", err)
	}
	keyPEM, err := os.ReadFile(filepath.Join(m.dir, caKeyFile))
	if err != nil {
		return fmt.Errorf("read CA key: %w", err)
	}
	cert, key, err := decodeCertAndKey(certPEM, keyPEM)
	if err != nil {
		return err
	}
	m.cert = cert
	m.key = key
	return nil
}

// Create generates a new 4096-bit RSA CA, saves it to disk, and activates it.
func (m *CAManager) Create() error {
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return fmt.Errorf("create cert dir %q: %w", m.dir, err)
	}

	key, err := rsa.GenerateKey(rand.Reader, caKeyBits)
	if err != nil {
		return fmt.Errorf("generate CA key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "Agent Name Service Root CA",
			Organization: []string{"Agent Name Service"},
		},
		NotBefore:             time.Now().UTC().Add(-time.Minute),
		NotAfter:              time.Now().UTC().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("parse CA certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	if err := os.WriteFile(filepath.Join(m.dir, caCertFile), certPEM, 0o644); err != nil {
		return fmt.Errorf("write CA cert: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.dir, caKeyFile), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write CA key: %w", err)
	}

	m.cert = cert
	m.key = key
	return nil
}

// Cert returns the loaded CA certificate.
func (m *CAManager) Cert() *x509.Certificate { return m.cert }

// Key returns the loaded CA private key.
func (m *CAManager) Key() *rsa.PrivateKey { return m.key }

// CertPEM returns the CA certificate encoded as PEM.
func (m *CAManager) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: m.cert.Raw})
}

// CertPool returns an x509.CertPool containing only this CA certificate.
func (m *CAManager) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(m.cert)
	return pool
}

// SubjectDN returns the CA's distinguished name as recorded in issued
// Certificate records' Issuer field.
func (m *CAManager) SubjectDN() string {
	if m.cert == nil {
		return ""
	}
	return m.cert.Subject.String()
}

// decodeCertAndKey parses PEM-encoded certificate and RSA private key bytes.
func decodeCertAndKey(certPEM, keyPEM []byte) (*x509.Certificate, *rsa.PrivateKey, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse certificate: %w", err)
	}

	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("failed to decode private key PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse private key: %w", err)
	}
	return cert, key, nil
}

// randomSerial generates a cryptographically random 128-bit certificate serial.
func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}
	return serial, nil
}
