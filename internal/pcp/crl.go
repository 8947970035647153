package pcp

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
)

// loadCRL reads a PEM or DER-encoded certificate revocation list and
// returns the set of revoked serial numbers.
func loadCRL(path string) (map[string]struct{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}

	list, err := x509.ParseCRL(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CRL: %w", err)
	}

	revoked := make(map[string]struct{}, len(list.TBSCertList.RevokedCertificates))
	for _, rc := range list.TBSCertList.RevokedCertificates {
		revoked[serialKey(rc.SerialNumber)] = struct{}{}
	}
	return revoked, nil
}

func serialKey(n *big.Int) string {
	return n.String()
}

// verifyNotRevoked returns a tls.Config.VerifyPeerCertificate callback that
// refuses the handshake if the broker's leaf certificate serial number
// appears in revoked. Unlike the certificate-expiration checks this is
// modeled on (which only log a warning), a revoked broker certificate must
// abort the connection outright.
func verifyNotRevoked(revoked map[string]struct{}) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				continue
			}
			if _, isRevoked := revoked[serialKey(cert.SerialNumber)]; isRevoked {
				return fmt.Errorf("pcp: broker certificate %s is revoked", cert.Subject.CommonName)
			}
		}
		return nil
	}
}
