package ttls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func selfSigned(t *testing.T) (certPEM, keyPEM string) {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "stats.local"},
		DNSNames:     []string{"stats.local"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &k.PublicKey, k)
	require.NoError(t, err)
	kb, err := x509.MarshalECPrivateKey(k)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: kb}))
}

func TestLoadInlineAndFiles(t *testing.T) {
	certPEM, keyPEM := selfSigned(t)

	cfg, err := LoadTLSConfig(certPEM, keyPEM)
	require.NoError(t, err)
	require.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	require.Len(t, cfg.Certificates, 1)
	require.Equal(t, "stats.local", cfg.Certificates[0].Leaf.Subject.CommonName)

	dir := t.TempDir()
	cp, kp := filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(cp, []byte(certPEM), 0o600))
	require.NoError(t, os.WriteFile(kp, []byte(keyPEM), 0o600))
	_, err = LoadTLSConfig(cp, kp)
	require.NoError(t, err)
}

func TestLoadErrors(t *testing.T) {
	_, err := LoadTLSConfig("", "")
	require.ErrorIs(t, err, ErrNoKeyPair)

	_, err = LoadTLSConfig(filepath.Join(t.TempDir(), "missing.pem"), "key")
	require.Error(t, err)
}
