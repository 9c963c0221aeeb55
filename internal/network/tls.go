package network

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

const (
	ALPN = "nearlink-quic"

	// EnvDevTLSCAPath points clients at a PEM file holding the dev CA.
	EnvDevTLSCAPath = "NEARLINK_DEVTLS_CA_PATH"
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

// devTLSCert is a deterministic self-signed certificate shared by every
// dev node, so peers on a LAN can verify each other without provisioning.
// Authentication of the peer happens in the signed handshake, not here.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("nearlink-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		NotBefore:             time.Unix(0, 0),
		NotAfter:              time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// clientTLSConfig trusts the dev CA. caPath, or the env override, replaces
// the built-in certificate. insecure skips verification entirely.
func clientTLSConfig(insecure bool, caPath string) (*tls.Config, error) {
	conf := &tls.Config{NextProtos: []string{ALPN}, MinVersion: tls.VersionTLS13}
	if insecure {
		conf.InsecureSkipVerify = true
		return conf, nil
	}
	if env := os.Getenv(EnvDevTLSCAPath); env != "" {
		caPath = env
	}
	pool := x509.NewCertPool()
	if caPath != "" {
		pemBytes, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("dev tls ca: %w", err)
		}
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, errors.New("dev tls ca: no certificates in " + caPath)
		}
	} else {
		_, der, err := devTLSCert()
		if err != nil {
			return nil, err
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, err
		}
		pool.AddCert(cert)
	}
	conf.RootCAs = pool
	conf.ServerName = "localhost"
	return conf, nil
}

// WriteDevCA writes the dev CA certificate as PEM.
func WriteDevCA(path string) error {
	_, der, err := devTLSCert()
	if err != nil {
		return err
	}
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600)
}
