package security

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateNodeCert(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, GenerateNodeCert(dir, "server", []string{"127.0.0.1", "edge.local"}))

	pair, err := LoadPair(dir, "server")
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(pair.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, "server", cert.Subject.CommonName)
	assert.Contains(t, cert.DNSNames, "edge.local")
	require.Len(t, cert.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", cert.IPAddresses[0].String())
}

func TestGenerateClientCertBuildsBundle(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, GenerateNodeCert(dir, "server", nil))
	require.NoError(t, GenerateClientCert(dir, "alice"))
	require.NoError(t, GenerateClientCert(dir, "bob"))

	bundle, err := os.ReadFile(filepath.Join(dir, BundleFile))
	require.NoError(t, err)

	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(bundle))

	// Both clients and nothing else.
	names := make(map[string]bool)
	rest := bundle
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		require.NoError(t, err)
		names[cert.Subject.CommonName] = true
	}
	assert.Equal(t, map[string]bool{"alice": true, "bob": true}, names)
}

func TestGenerateClientCertRejectsReservedNames(t *testing.T) {
	dir := t.TempDir()

	assert.Error(t, GenerateClientCert(dir, "server"))
	assert.Error(t, GenerateClientCert(dir, "client"))
}

func TestClientCertVerifiesAgainstItself(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, GenerateClientCert(dir, "alice"))

	pemBytes, err := os.ReadFile(filepath.Join(dir, "alice.crt"))
	require.NoError(t, err)
	block, _ := pem.Decode(pemBytes)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(cert)
	_, err = cert.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	assert.NoError(t, err)
}
