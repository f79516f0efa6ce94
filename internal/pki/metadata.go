package pki

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
)

// CertMetadata is what MetadataFromPEM extracts from a leaf:
// enough to authorize a request without re-parsing the certificate
// downstream.
type CertMetadata struct {
	CommonName  string
	Fingerprint string // lowercase hex, SHA-256 over DER
	Serial      string
	TenantID    string
	DeviceID    string
	HardwareID  string
}

// MetadataFromPEM parses the first certificate block in pemBytes and
// extracts its subject, fingerprint and the three custom extensions.
func MetadataFromPEM(pemBytes []byte) (CertMetadata, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return CertMetadata{}, fmt.Errorf("pki: no PEM block found")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return CertMetadata{}, fmt.Errorf("pki: parse certificate: %w", err)
	}
	return metadataFromCert(cert), nil
}

func metadataFromCert(cert *x509.Certificate) CertMetadata {
	sum := sha256.Sum256(cert.Raw)
	meta := CertMetadata{
		CommonName:  cert.Subject.CommonName,
		Fingerprint: hex.EncodeToString(sum[:]),
		Serial:      cert.SerialNumber.String(),
	}
	for _, ext := range cert.Extensions {
		switch {
		case ext.Id.Equal(OIDTenantID):
			meta.TenantID = string(ext.Value)
		case ext.Id.Equal(OIDDeviceID):
			meta.DeviceID = string(ext.Value)
		case ext.Id.Equal(OIDHardwareID):
			meta.HardwareID = string(ext.Value)
		}
	}
	return meta
}
