// Package pki implements the three-tier certificate authority used to
// bind edge hardware to a tenant: a self-signed root, a per-tenant
// intermediate signed by the root, and short-lived leaf certificates
// signed by the tenant CA. There is no suitable third-party library in
// the example corpus for certificate issuance or chain verification —
// crypto/x509 is the standard, idiomatic tool for this in Go.
package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"
)

// Kind selects which tier of the hierarchy IssueCert produces.
type Kind string

const (
	KindRoot   Kind = "root"
	KindTenant Kind = "tenant"
	KindLeaf   Kind = "leaf"
)

// Role governs a leaf certificate's extended key usage.
type Role string

const (
	RoleServer       Role = "server"
	RoleClient       Role = "client"
	RoleServerClient Role = "server_client"
)

// Fixed enterprise OIDs embedding hardware-binding identity in a leaf
// certificate's extensions.
var (
	OIDTenantID   = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 99999, 1}
	OIDDeviceID   = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 99999, 2}
	OIDHardwareID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 99999, 4}
)

const (
	rootValidity   = 20 * 365 * 24 * time.Hour
	tenantValidity = 5 * 365 * 24 * time.Hour
	leafValidity   = 365 * 24 * time.Hour
)

// Profile describes the certificate IssueCert should produce.
type Profile struct {
	Kind         Kind
	CommonName   string
	ValidityDays int // 0 means use the kind's default

	// Leaf-only fields.
	Role       Role
	TenantID   string
	DeviceID   string
	HardwareID string
}

// Signer is the issuing authority's certificate and private key. Nil
// for a root profile, since a root is self-signed.
type Signer struct {
	Cert *x509.Certificate
	Key  *ecdsa.PrivateKey
}

// IssueCert issues a certificate per profile, signed by signer (or
// self-signed when profile.Kind is KindRoot), and returns the PEM-
// encoded certificate and private key.
func IssueCert(profile Profile, signer *Signer) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("pki: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("pki: generate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: profile.CommonName},
		NotBefore:    now.Add(-5 * time.Minute),
	}

	switch profile.Kind {
	case KindRoot:
		template.NotAfter = now.Add(validityOrDefault(profile.ValidityDays, rootValidity))
		template.IsCA = true
		template.BasicConstraintsValid = true
		template.MaxPathLen = 1
		template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	case KindTenant:
		if signer == nil {
			return nil, nil, fmt.Errorf("pki: tenant cert requires a root signer")
		}
		template.NotAfter = now.Add(validityOrDefault(profile.ValidityDays, tenantValidity))
		template.IsCA = true
		template.BasicConstraintsValid = true
		template.MaxPathLen = 0
		template.MaxPathLenZero = true
		template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	case KindLeaf:
		if signer == nil {
			return nil, nil, fmt.Errorf("pki: leaf cert requires a tenant signer")
		}
		template.NotAfter = now.Add(validityOrDefault(profile.ValidityDays, leafValidity))
		template.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
		template.ExtKeyUsage = extKeyUsageFor(profile.Role)
		template.ExtraExtensions = leafExtensions(profile)
	default:
		return nil, nil, fmt.Errorf("pki: unknown profile kind %q", profile.Kind)
	}

	parent := template
	signingKey := key
	if signer != nil {
		parent = signer.Cert
		signingKey = signer.Key
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parent, &key.PublicKey, signingKey)
	if err != nil {
		return nil, nil, fmt.Errorf("pki: create certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("pki: marshal key: %w", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

func validityOrDefault(days int, def time.Duration) time.Duration {
	if days <= 0 {
		return def
	}
	return time.Duration(days) * 24 * time.Hour
}

func extKeyUsageFor(role Role) []x509.ExtKeyUsage {
	switch role {
	case RoleServer:
		return []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	case RoleClient:
		return []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	default:
		return []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	}
}

func leafExtensions(profile Profile) []pkix.Extension {
	return []pkix.Extension{
		{Id: OIDTenantID, Critical: false, Value: []byte(profile.TenantID)},
		{Id: OIDDeviceID, Critical: false, Value: []byte(profile.DeviceID)},
		{Id: OIDHardwareID, Critical: false, Value: []byte(profile.HardwareID)},
	}
}
