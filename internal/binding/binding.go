// Package binding implements SignedBinding: a tenant-CA-signed
// assertion of edge identity that rides alongside mTLS so the cloud
// can authorize a request without a session lookup, and can revoke an
// entire tenant's access by retiring its CA key.
package binding

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"
)

// EntityType classifies who a SignedBinding speaks for.
type EntityType string

const (
	EntityEdgeServer EntityType = "EdgeServer"
	EntityConsole    EntityType = "Console"
)

// SignedBinding is the parsed, verified form of the X-Signed-Binding
// header. Field order in canonical serialization matches the struct
// field order below exactly, with no inserted whitespace.
type SignedBinding struct {
	EntityID              string     `json:"entity_id"`
	TenantID               string     `json:"tenant_id"`
	DeviceID               string     `json:"device_id"`
	CertFingerprintSHA256  string     `json:"cert_fingerprint_sha256"`
	EntityType             EntityType `json:"entity_type"`
	IssuedAt               int64      `json:"issued_at"`
	ExpiresAt              int64      `json:"expires_at"`
	Signature              string     `json:"signature"`
}

// canonicalize renders the binding's signed fields as deterministic
// JSON: fixed field order, no whitespace, signature excluded.
func canonicalize(b SignedBinding) []byte {
	return []byte(fmt.Sprintf(
		`{"entity_id":%q,"tenant_id":%q,"device_id":%q,"cert_fingerprint_sha256":%q,"entity_type":%q,"issued_at":%d,"expires_at":%d}`,
		b.EntityID, b.TenantID, b.DeviceID, b.CertFingerprintSHA256, b.EntityType, b.IssuedAt, b.ExpiresAt,
	))
}

// Sign produces a SignedBinding's detached signature using the tenant
// CA's private key (ECDSA P-256).
func Sign(b SignedBinding, key *ecdsa.PrivateKey) (SignedBinding, error) {
	digest := sha256.Sum256(canonicalize(b))
	r, s, err := ecdsaSign(key, digest[:])
	if err != nil {
		return SignedBinding{}, err
	}
	sig, err := asn1.Marshal(struct{ R, S *big.Int }{r, s})
	if err != nil {
		return SignedBinding{}, err
	}
	b.Signature = base64.StdEncoding.EncodeToString(sig)
	return b, nil
}

func ecdsaSign(key *ecdsa.PrivateKey, digest []byte) (r, s *big.Int, err error) {
	return ecdsa.Sign(rand.Reader, key, digest)
}

// Verify checks b's signature against the tenant CA's public key
// (extracted from tenantCACertPEM), that it has not expired, and that
// its cert_fingerprint_sha256 matches the TLS peer leaf fingerprint
// observed at handshake time.
func Verify(b SignedBinding, tenantCACertPEM []byte, peerLeafFingerprint string, now time.Time) error {
	if b.ExpiresAt < now.Unix() {
		return fmt.Errorf("binding: expired at %d (now %d)", b.ExpiresAt, now.Unix())
	}
	if b.CertFingerprintSHA256 != peerLeafFingerprint {
		return fmt.Errorf("binding: fingerprint mismatch")
	}

	pub, err := tenantCAPublicKey(tenantCACertPEM)
	if err != nil {
		return err
	}

	raw, err := base64.StdEncoding.DecodeString(b.Signature)
	if err != nil {
		return fmt.Errorf("binding: invalid signature encoding: %w", err)
	}
	var sig struct{ R, S *big.Int }
	if _, err := asn1.Unmarshal(raw, &sig); err != nil {
		return fmt.Errorf("binding: invalid signature structure: %w", err)
	}

	unsigned := b
	unsigned.Signature = ""
	digest := sha256.Sum256(canonicalize(unsigned))
	if !ecdsa.Verify(pub, digest[:], sig.R, sig.S) {
		return fmt.Errorf("binding: signature invalid")
	}
	return nil
}

func tenantCAPublicKey(certPEM []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("binding: tenant CA PEM contains no block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("binding: parse tenant CA: %w", err)
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("binding: tenant CA key is not ECDSA")
	}
	return pub, nil
}
