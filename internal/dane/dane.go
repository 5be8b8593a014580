// Package dane implements TLSA-based certificate verification for outgoing
// connections (DANE), per RFC 6698 and RFC 7671/7672.
//
// Only the DANE-TA (usage 2) and DANE-EE (usage 3) certificate usages apply
// to SMTP; PKIX usages (0 and 1) are unusable per RFC 7672 and are skipped.
package dane

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/arrieromail/arriero/internal/resolver"
)

// TLSA certificate usages.
const (
	UsageDANETA = 2
	UsageDANEEE = 3
)

// TLSA selectors.
const (
	SelectorCert = 0
	SelectorSPKI = 1
)

// TLSA matching types.
const (
	MatchFull   = 0
	MatchSHA256 = 1
	MatchSHA512 = 2
)

// Verification errors.
var (
	// ErrNoUsableRecords is returned when TLSA records exist but none is
	// usable. Per RFC 7672, delivery must NOT fall back to unauthenticated
	// TLS or cleartext in this case.
	ErrNoUsableRecords = errors.New("TLSA records present, none usable")

	// ErrCertificateMismatch is returned when the presented certificate
	// chain does not match any usable TLSA record.
	ErrCertificateMismatch = errors.New("certificate does not match TLSA records")

	errNoPeerCertificates = errors.New("no peer certificates presented")
)

// usable checks whether we can process the record at all.
// https://tools.ietf.org/html/rfc7671#section-4.1
func usable(r resolver.TLSARecord) bool {
	switch r.Usage {
	case UsageDANETA, UsageDANEEE:
	default:
		return false
	}
	switch r.Selector {
	case SelectorCert, SelectorSPKI:
	default:
		return false
	}
	switch r.MatchingType {
	case MatchFull, MatchSHA256, MatchSHA512:
	default:
		return false
	}
	return true
}

// matchCert checks if the certificate matches the association data of the
// record, applying its selector and matching type.
func matchCert(r resolver.TLSARecord, cert *x509.Certificate) bool {
	var data []byte
	switch r.Selector {
	case SelectorCert:
		data = cert.Raw
	case SelectorSPKI:
		data = cert.RawSubjectPublicKeyInfo
	}

	switch r.MatchingType {
	case MatchFull:
		return bytes.Equal(r.Certificate, data)
	case MatchSHA256:
		h := sha256.Sum256(data)
		return bytes.Equal(r.Certificate, h[:])
	case MatchSHA512:
		h := sha512.Sum512(data)
		return bytes.Equal(r.Certificate, h[:])
	}
	return false
}

// VerifyConnection checks the TLS connection state against the given TLSA
// records. Returns nil if the connection is authenticated by at least one
// usable record.
//
// For DANE-EE, only the end-entity certificate matters: names and expiry
// are NOT checked, per RFC 7671 section 5.1.
// For DANE-TA, a certificate in the presented chain must match the record,
// and the end-entity certificate must chain to it.
func VerifyConnection(records []resolver.TLSARecord, cs tls.ConnectionState) error {
	if len(cs.PeerCertificates) == 0 {
		return errNoPeerCertificates
	}

	usableCount := 0
	for _, r := range records {
		if !usable(r) {
			continue
		}
		usableCount++

		switch r.Usage {
		case UsageDANEEE:
			if matchCert(r, cs.PeerCertificates[0]) {
				return nil
			}
		case UsageDANETA:
			if err := verifyTA(r, cs.PeerCertificates); err == nil {
				return nil
			}
		}
	}

	if usableCount == 0 {
		return ErrNoUsableRecords
	}
	return fmt.Errorf("%w (%d usable records)",
		ErrCertificateMismatch, usableCount)
}

// verifyTA checks a DANE-TA record: some certificate in the chain matches
// the record, and the leaf verifies with it as the trust anchor.
func verifyTA(r resolver.TLSARecord, chain []*x509.Certificate) error {
	roots := x509.NewCertPool()
	intermediates := x509.NewCertPool()
	found := false

	for i, cert := range chain {
		if matchCert(r, cert) {
			roots.AddCert(cert)
			found = true
			continue
		}
		if i > 0 {
			intermediates.AddCert(cert)
		}
	}

	if !found {
		return ErrCertificateMismatch
	}

	// Name checks against the TLSA base domain are the caller's
	// responsibility; here we only establish the chain of trust.
	_, err := chain[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
	})
	return err
}
