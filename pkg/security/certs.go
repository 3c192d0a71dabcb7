package security

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
	"strings"
	"time"
)

const (
	keyBits      = 2048
	certValidity = 365 * 24 * time.Hour
)

// BundleFile is the concatenation of every client certificate; the
// request handler trusts exactly this set.
const BundleFile = "client.crt"

// GenerateNodeCert writes the node's self-signed pair as
// server.crt/server.key under certsDir. hosts are the DNS names and IP
// addresses clients will dial; the certificate's common name is name.
func GenerateNodeCert(certsDir, name string, hosts []string) error {
	template := certTemplate(name)
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	template.ExtKeyUsage = append(template.ExtKeyUsage, x509.ExtKeyUsageServerAuth)

	return writePair(certsDir, "server", template)
}

// GenerateClientCert writes a self-signed pair for one client as
// <name>.crt/<name>.key under certsDir and refreshes the trusted
// bundle. The common name is the client's identity on every channel.
func GenerateClientCert(certsDir, name string) error {
	if name == "server" || name == "client" {
		return fmt.Errorf("client name %q collides with the node's certificate files", name)
	}

	template := certTemplate(name)
	template.ExtKeyUsage = append(template.ExtKeyUsage, x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth)

	if err := writePair(certsDir, name, template); err != nil {
		return err
	}
	return RebuildBundle(certsDir)
}

// RebuildBundle regenerates client.crt from every client certificate
// in certsDir.
func RebuildBundle(certsDir string) error {
	entries, err := os.ReadDir(certsDir)
	if err != nil {
		return fmt.Errorf("failed to read certs dir: %w", err)
	}

	var bundle []byte
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".crt") {
			continue
		}
		if e.Name() == "server.crt" || e.Name() == BundleFile {
			continue
		}
		pemBytes, err := os.ReadFile(filepath.Join(certsDir, e.Name()))
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", e.Name(), err)
		}
		bundle = append(bundle, pemBytes...)
	}

	if err := os.WriteFile(filepath.Join(certsDir, BundleFile), bundle, 0644); err != nil {
		return fmt.Errorf("failed to write client bundle: %w", err)
	}
	return nil
}

// LoadPair loads a generated certificate pair by base name.
func LoadPair(certsDir, name string) (tls.Certificate, error) {
	return tls.LoadX509KeyPair(
		filepath.Join(certsDir, name+".crt"),
		filepath.Join(certsDir, name+".key"),
	)
}

func certTemplate(commonName string) *x509.Certificate {
	serial, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	return &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		// Peers trust each other's leaf certificates directly, so
		// every certificate must be able to anchor its own chain.
		IsCA: true,
	}
}

func writePair(certsDir, base string, template *x509.Certificate) error {
	if err := os.MkdirAll(certsDir, 0700); err != nil {
		return fmt.Errorf("failed to create certs dir: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	certPath := filepath.Join(certsDir, base+".crt")
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", certPath, err)
	}
	keyPath := filepath.Join(certsDir, base+".key")
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", keyPath, err)
	}
	return nil
}
