package transport

import (
	"bytes"
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
)

// Fingerprint is the SHA-1 hash of a DER encoded certificate.
type Fingerprint [sha1.Size]byte

// ParseFingerprint reads a hex fingerprint. Colons and spaces between bytes are allowed.
func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	clean := strings.NewReplacer(":", "", " ", "").Replace(s)
	b, err := hex.DecodeString(clean)
	if err != nil {
		return f, errors.Wrapf(err, "invalid fingerprint %q", s)
	}
	if len(b) != len(f) {
		return f, errors.Errorf("invalid fingerprint %q: want %d bytes, got %d", s, len(f), len(b))
	}
	copy(f[:], b)
	return f, nil
}

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// CertificateFingerprint returns the fingerprint of cert.
func CertificateFingerprint(cert *x509.Certificate) Fingerprint {
	return sha1.Sum(cert.Raw)
}

// MatchFingerprint reports whether the server's leaf certificate is one of allowed.
func MatchFingerprint(certs []*x509.Certificate, allowed []Fingerprint) bool {
	if len(certs) == 0 {
		return false
	}
	leaf := CertificateFingerprint(certs[0])
	for i := range allowed {
		if bytes.Equal(leaf[:], allowed[i][:]) {
			return true
		}
	}
	return false
}
