package pcp

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateTestCert(t *testing.T, serial int64) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: "broker.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

func writeCRL(t *testing.T, issuer *x509.Certificate, key *ecdsa.PrivateKey, revokedSerials []int64) string {
	t.Helper()
	var entries []pkix.RevokedCertificate
	for _, s := range revokedSerials {
		entries = append(entries, pkix.RevokedCertificate{
			SerialNumber:   big.NewInt(s),
			RevocationTime: time.Now(),
		})
	}
	der, err := x509.CreateCRL(rand.Reader, issuer, key, entries, time.Now(), time.Now().Add(time.Hour))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "crl.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der})
	require.NoError(t, os.WriteFile(path, pemBytes, 0640))
	return path
}

func TestLoadCRLAndVerifyNotRevoked(t *testing.T) {
	issuerCert, issuerKey := generateTestCert(t, 1)
	path := writeCRL(t, issuerCert, issuerKey, []int64{42, 99})

	revoked, err := loadCRL(path)
	require.NoError(t, err)
	assert.Contains(t, revoked, "42")
	assert.Contains(t, revoked, "99")

	verify := verifyNotRevoked(revoked)

	okCert, _ := generateTestCert(t, 7)
	assert.NoError(t, verify([][]byte{okCert.Raw}, nil))

	badCert, _ := generateTestCert(t, 42)
	assert.Error(t, verify([][]byte{badCert.Raw}, nil))
}

func TestLoadCRLMissingFile(t *testing.T) {
	_, err := loadCRL(filepath.Join(t.TempDir(), "missing.crl"))
	assert.Error(t, err)
}

func TestVerifyNotRevokedIgnoresUnparseableCert(t *testing.T) {
	verify := verifyNotRevoked(map[string]struct{}{"1": {}})
	assert.NoError(t, verify([][]byte{[]byte("not a cert")}, nil))
}
