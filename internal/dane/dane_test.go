package dane

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/arrieromail/arriero/internal/resolver"
)

func selfSignedCert(t *testing.T) *x509.Certificate {
	t.Helper()
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "mx.example.com"},
		DNSNames:              []string{"mx.example.com"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.CreateCertificate(
		rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert
}

func eeRecord(cert *x509.Certificate, selector, match uint8) resolver.TLSARecord {
	var data []byte
	switch selector {
	case SelectorCert:
		data = cert.Raw
	case SelectorSPKI:
		data = cert.RawSubjectPublicKeyInfo
	}
	if match == MatchSHA256 {
		h := sha256.Sum256(data)
		data = h[:]
	}
	return resolver.TLSARecord{
		Usage:        UsageDANEEE,
		Selector:     selector,
		MatchingType: match,
		Certificate:  data,
	}
}

func connState(certs ...*x509.Certificate) tls.ConnectionState {
	return tls.ConnectionState{PeerCertificates: certs}
}

func TestDANEEE(t *testing.T) {
	cert := selfSignedCert(t)

	// SPKI-SHA256 (the most common deployment, "3 1 1").
	rec := eeRecord(cert, SelectorSPKI, MatchSHA256)
	if err := VerifyConnection([]resolver.TLSARecord{rec}, connState(cert)); err != nil {
		t.Errorf("3 1 1 record should match: %v", err)
	}

	// Full cert match ("3 0 0").
	rec = eeRecord(cert, SelectorCert, MatchFull)
	if err := VerifyConnection([]resolver.TLSARecord{rec}, connState(cert)); err != nil {
		t.Errorf("3 0 0 record should match: %v", err)
	}

	// A record for a different certificate must not match.
	other := selfSignedCert(t)
	rec = eeRecord(other, SelectorSPKI, MatchSHA256)
	err := VerifyConnection([]resolver.TLSARecord{rec}, connState(cert))
	if !errors.Is(err, ErrCertificateMismatch) {
		t.Errorf("expected mismatch, got %v", err)
	}
}

func TestUnusableRecords(t *testing.T) {
	cert := selfSignedCert(t)

	// PKIX usages (0 and 1) are unusable for SMTP, as are unknown selectors
	// and matching types.
	records := []resolver.TLSARecord{
		{Usage: 0, Selector: 0, MatchingType: 1, Certificate: []byte{1}},
		{Usage: 1, Selector: 0, MatchingType: 1, Certificate: []byte{1}},
		{Usage: 3, Selector: 9, MatchingType: 1, Certificate: []byte{1}},
		{Usage: 3, Selector: 0, MatchingType: 9, Certificate: []byte{1}},
	}

	err := VerifyConnection(records, connState(cert))
	if !errors.Is(err, ErrNoUsableRecords) {
		t.Errorf("expected ErrNoUsableRecords, got %v", err)
	}
}

func TestMixedRecords(t *testing.T) {
	cert := selfSignedCert(t)

	// One unusable record plus one matching one: accepted.
	records := []resolver.TLSARecord{
		{Usage: 0, Selector: 0, MatchingType: 1, Certificate: []byte{1}},
		eeRecord(cert, SelectorSPKI, MatchSHA256),
	}
	if err := VerifyConnection(records, connState(cert)); err != nil {
		t.Errorf("expected match, got %v", err)
	}

	// One unusable plus one usable-but-mismatching: mismatch, not
	// "no usable records".
	other := selfSignedCert(t)
	records = []resolver.TLSARecord{
		{Usage: 0, Selector: 0, MatchingType: 1, Certificate: []byte{1}},
		eeRecord(other, SelectorSPKI, MatchSHA256),
	}
	err := VerifyConnection(records, connState(cert))
	if !errors.Is(err, ErrCertificateMismatch) {
		t.Errorf("expected mismatch, got %v", err)
	}
}

func TestNoPeerCertificates(t *testing.T) {
	rec := resolver.TLSARecord{
		Usage: 3, Selector: 1, MatchingType: 1, Certificate: []byte{1}}
	err := VerifyConnection([]resolver.TLSARecord{rec}, connState())
	if err == nil {
		t.Errorf("expected an error with no peer certificates")
	}
}

func TestDANETASelfSigned(t *testing.T) {
	// A self-signed certificate matched by a DANE-TA record acts as its own
	// trust anchor.
	cert := selfSignedCert(t)
	rec := resolver.TLSARecord{
		Usage:        UsageDANETA,
		Selector:     SelectorCert,
		MatchingType: MatchFull,
		Certificate:  cert.Raw,
	}
	if err := VerifyConnection([]resolver.TLSARecord{rec}, connState(cert)); err != nil {
		t.Errorf("DANE-TA self-anchor should verify: %v", err)
	}
}
