package ttls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrNoKeyPair = errors.New("empty cert/key")

// LoadTLSConfig builds the API server TLS config. cert and key are either
// file paths or inline PEM blocks.
func LoadTLSConfig(cert, key string) (*tls.Config, error) {
	cert, key = strings.TrimSpace(cert), strings.TrimSpace(key)
	if cert == "" || key == "" {
		return nil, ErrNoKeyPair
	}
	certPEM, err := readPEMOrFile(cert)
	if err != nil {
		return nil, fmt.Errorf("read cert: %w", err)
	}
	keyPEM, err := readPEMOrFile(key)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse keypair: %w", err)
	}
	if pair.Leaf == nil && len(pair.Certificate) > 0 {
		if leaf, e := x509.ParseCertificate(pair.Certificate[0]); e == nil {
			pair.Leaf = leaf
		}
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{pair},
	}, nil
}

func readPEMOrFile(s string) ([]byte, error) {
	if strings.Contains(s, "-----BEGIN ") {
		return []byte(s), nil
	}
	return os.ReadFile(filepath.Clean(s))
}
