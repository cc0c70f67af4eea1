// Package testcert generates throwaway TLS material for tests.
package testcert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

// Pair is a self-signed certificate valid for localhost, 127.0.0.1 and ::1,
// with a pool that trusts it.
type Pair struct {
	Certificate tls.Certificate
	Roots       *x509.CertPool
}

func New() (*Pair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("testcert: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, fmt.Errorf("testcert: serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "kvwire test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("testcert: create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("testcert: parse certificate: %w", err)
	}

	roots := x509.NewCertPool()
	roots.AddCert(cert)

	return &Pair{
		Certificate: tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: cert},
		Roots:       roots,
	}, nil
}

// ServerConfig returns a server side config presenting the certificate.
func (p *Pair) ServerConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{p.Certificate},
		MinVersion:   tls.VersionTLS12,
	}
}

// ClientConfig returns a client side config trusting the certificate.
func (p *Pair) ClientConfig() *tls.Config {
	return &tls.Config{
		RootCAs:    p.Roots,
		MinVersion: tls.VersionTLS12,
	}
}
