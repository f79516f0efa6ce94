package pki

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// VerifyServerCert verifies chainPEM (leaf, optionally with
// intermediates) against trustPEM (a tenant CA), requiring the leaf to
// be valid for TLS server authentication. Returns the leaf's metadata.
func VerifyServerCert(chainPEM, trustPEM []byte) (CertMetadata, error) {
	return verifyChain(chainPEM, trustPEM, x509.ExtKeyUsageServerAuth)
}

// VerifyClientCert is VerifyServerCert's counterpart for mTLS client
// authentication.
func VerifyClientCert(chainPEM, trustPEM []byte) (CertMetadata, error) {
	return verifyChain(chainPEM, trustPEM, x509.ExtKeyUsageClientAuth)
}

func verifyChain(chainPEM, trustPEM []byte, usage x509.ExtKeyUsage) (CertMetadata, error) {
	leaf, intermediates, err := parseChain(chainPEM)
	if err != nil {
		return CertMetadata{}, err
	}

	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(trustPEM) {
		return CertMetadata{}, fmt.Errorf("pki: trust anchor PEM contains no usable certificate")
	}

	intermediatePool := x509.NewCertPool()
	for _, c := range intermediates {
		intermediatePool.AddCert(c)
	}

	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediatePool,
		KeyUsages:     []x509.ExtKeyUsage{usage},
	}); err != nil {
		return CertMetadata{}, fmt.Errorf("pki: chain verification failed: %w", err)
	}

	return metadataFromCert(leaf), nil
}

func parseChain(chainPEM []byte) (leaf *x509.Certificate, intermediates []*x509.Certificate, err error) {
	rest := chainPEM
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, parseErr := x509.ParseCertificate(block.Bytes)
		if parseErr != nil {
			return nil, nil, fmt.Errorf("pki: parse chain certificate: %w", parseErr)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, nil, fmt.Errorf("pki: chain PEM contains no certificates")
	}
	return certs[0], certs[1:], nil
}
