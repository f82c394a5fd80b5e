package transport

import (
	"crypto/x509"
	"fmt"
	"strings"
)

// makeVerifier builds the certificate verification callback described in
// specification §4.1:
//  1. run standard trust-chain verification; a chain failure is never
//     fatal by itself (it is kept only for the error returned in step 4),
//     and verification continues to the hostname check;
//  2. require at least one peer certificate;
//  3. accept on x509.Certificate.VerifyHostname, falling back to an exact
//     (trailing-dot-tolerant) match of the leaf's Subject.CommonName — the
//     closest Go equivalent of "iterate the subject CN RDNs", since
//     crypto/x509 exposes a single CommonName rather than the full RDN
//     sequence (see DESIGN.md);
//  4. fail with a certificate error otherwise.
//
// Go's TLS stack refuses to complete a handshake against RSA-MD5/RSA-MD2
// signed certificates at all (the algorithms are rejected before a
// certificate even reaches Go code), so AllowRSAMD5/AllowRSAMD2 are
// accepted for command-line compatibility but cannot relax that: the
// handshake still fails upstream of this callback for such chains. See
// DESIGN.md's Open Question resolution.
func makeVerifier(host string, policy TLSPolicy) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("tls: no peer certificates presented")
		}

		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("tls: %w", err)
			}
			certs = append(certs, cert)
		}
		leaf := certs[0]

		intermediates := x509.NewCertPool()
		for _, cert := range certs[1:] {
			intermediates.AddCert(cert)
		}

		var chainErr error
		if _, err := leaf.Verify(x509.VerifyOptions{
			DNSName:       host,
			Roots:         policy.RootCAs,
			Intermediates: intermediates,
		}); err != nil {
			// Not fatal here: the hostname check below may still accept
			// the peer; the chain error is only included in the error
			// returned when that check fails too.
			chainErr = err
		}

		if err := leaf.VerifyHostname(host); err == nil {
			return nil
		}

		if matchesCommonName(leaf, host) {
			return nil
		}

		if chainErr != nil {
			return fmt.Errorf("tls: certificate verification failed for %s: %w", host, chainErr)
		}
		return fmt.Errorf("tls: certificate hostname mismatch for %s", host)
	}
}

// matchesCommonName compares host against the leaf's Subject.CommonName,
// tolerating a single trailing dot on either side.
func matchesCommonName(leaf *x509.Certificate, host string) bool {
	cn := strings.TrimSuffix(leaf.Subject.CommonName, ".")
	want := strings.TrimSuffix(host, ".")
	return cn != "" && strings.EqualFold(cn, want)
}
