package stub

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	paidaction "github.com/satsflow/paidaction"
	pahttp "github.com/satsflow/paidaction/http"
)

const (
	actorKey = "paidaction.actor"
	proofKey = "paidaction.proof"
)

// IdentifyMiddleware reads the caller identity and payment proof headers
// into the gin context. A proof must carry both hash and hmac.
func IdentifyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(actorKey, strings.TrimSpace(c.GetHeader(pahttp.HeaderActor)))

		hash := c.GetHeader(pahttp.HeaderInvoiceHash)
		hmac := c.GetHeader(pahttp.HeaderInvoiceHmac)
		switch {
		case hash == "" && hmac == "":
		case hash == "" || hmac == "":
			abortWithError(c, paidaction.NewPaymentError(paidaction.ErrCodeInvalidRequest,
				"payment proof needs both "+pahttp.HeaderInvoiceHash+" and "+pahttp.HeaderInvoiceHmac, nil))
			return
		default:
			c.Set(proofKey, &paidaction.PaymentProof{Hash: hash, Hmac: hmac})
		}
		c.Next()
	}
}

// AuthMiddleware rejects requests without the bearer token. An empty
// token disables the check.
func AuthMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" || c.GetHeader("Authorization") == "Bearer "+token {
			c.Next()
			return
		}
		abortWithError(c, paidaction.NewPaymentError(paidaction.ErrCodeInvalidCredentials, "invalid api key", nil))
	}
}

// LoggerMiddleware logs every request at debug level
func LoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.String("call_id", c.GetHeader(pahttp.HeaderCallID)),
			zap.Duration("latency", time.Since(start)))
	}
}

func actorFrom(c *gin.Context) string {
	return c.GetString(actorKey)
}

func proofFrom(c *gin.Context) *paidaction.PaymentProof {
	if v, ok := c.Get(proofKey); ok {
		if proof, ok := v.(*paidaction.PaymentProof); ok {
			return proof
		}
	}
	return nil
}

func abortWithError(c *gin.Context, err error) {
	status, body := errorResponse(err)
	c.AbortWithStatusJSON(status, body)
}

func errorResponse(err error) (int, pahttp.ErrorResponse) {
	pe, ok := err.(*paidaction.PaymentError)
	if !ok {
		return http.StatusInternalServerError, pahttp.ErrorResponse{Code: "internal", Message: err.Error()}
	}

	status := http.StatusBadRequest
	switch pe.Code {
	case paidaction.ErrCodeInvoiceNotFound, paidaction.ErrCodeUnknownAction:
		status = http.StatusNotFound
	case paidaction.ErrCodeInvalidCredentials:
		status = http.StatusForbidden
	case paidaction.ErrCodeInvoiceNotPaid:
		status = http.StatusPaymentRequired
	case paidaction.ErrCodeInvoiceTerminal:
		status = http.StatusConflict
	case paidaction.ErrCodeRateLimited:
		status = http.StatusTooManyRequests
	}
	return status, pahttp.ErrorResponse{Code: pe.Code, Message: pe.Message, Details: pe.Details}
}
