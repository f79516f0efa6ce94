package binding

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crabpos/crab/internal/apperrors"
)

const headerName = "X-Signed-Binding"

// TenantCAResolver looks up a tenant's CA certificate (PEM) by tenant
// id, used both to verify a binding's signature and as the mTLS trust
// anchor for that tenant's edges.
type TenantCAResolver func(tenantID string) ([]byte, error)

// QuotaChecker enforces the tenant's active-edge/client quota; it
// returns apperrors.ErrQuotaExceeded when the tenant is over its limit.
type QuotaChecker func(tenantID string, entityType EntityType) error

// Middleware runs the cloud mTLS gateway's authorization chain: peer
// cert extraction is assumed already done by the TLS layer; this
// handles binding parsing, signature verification, fingerprint match,
// entity-type check and quota enforcement, in that order.
func Middleware(resolveCA TenantCAResolver, checkQuota QuotaChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.TLS == nil || len(c.Request.TLS.PeerCertificates) == 0 {
			abort(c, apperrors.Unauthorized("mTLS client certificate required", nil))
			return
		}
		peerLeaf := c.Request.TLS.PeerCertificates[0]
		peerSum := sha256.Sum256(peerLeaf.Raw)
		peerFingerprint := hex.EncodeToString(peerSum[:])

		raw := c.GetHeader(headerName)
		if raw == "" {
			abort(c, apperrors.Unauthorized("missing "+headerName, nil))
			return
		}
		decoded, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(raw)
		if err != nil {
			decoded, err = base64.URLEncoding.DecodeString(raw)
		}
		if err != nil {
			abort(c, apperrors.Unauthorized("malformed "+headerName, err))
			return
		}
		var b SignedBinding
		if err := json.Unmarshal(decoded, &b); err != nil {
			abort(c, apperrors.Unauthorized("malformed binding payload", err))
			return
		}

		tenantCAPEM, err := resolveCA(b.TenantID)
		if err != nil {
			abort(c, apperrors.Unauthorized("unknown tenant", err))
			return
		}

		if err := Verify(b, tenantCAPEM, peerFingerprint, time.Now()); err != nil {
			abort(c, apperrors.Unauthorized("binding verification failed", err))
			return
		}

		if b.EntityType != EntityEdgeServer {
			abort(c, apperrors.Forbidden("unexpected entity type", apperrors.ErrWrongEntityType))
			return
		}

		if checkQuota != nil {
			if err := checkQuota(b.TenantID, b.EntityType); err != nil {
				abort(c, apperrors.Forbidden("tenant quota exceeded", err))
				return
			}
		}

		c.Set("signed_binding", b)
		c.Next()
	}
}

// FromContext retrieves the verified SignedBinding a handler is
// running behind Middleware.
func FromContext(c *gin.Context) (SignedBinding, bool) {
	v, ok := c.Get("signed_binding")
	if !ok {
		return SignedBinding{}, false
	}
	b, ok := v.(SignedBinding)
	return b, ok
}

func abort(c *gin.Context, cerr *apperrors.CloudError) {
	status := cerr.HTTPStatus
	if status == 0 {
		status = http.StatusUnauthorized
	}
	c.AbortWithStatusJSON(status, gin.H{"code": cerr.Code, "message": cerr.Message})
}
