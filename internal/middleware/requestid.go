package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/robotpdf/devkeys/internal/logging"
)

// Request and correlation id headers.
const (
	HeaderRequestID     = "X-Request-ID"
	HeaderCorrelationID = "X-Correlation-ID"
)

const maxIDLength = 128

// RequestID propagates X-Request-ID and X-Correlation-ID into the request context
// and echoes them on the response. Missing or unusable ids are replaced with UUIDs.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := getOrGenerateID(c.GetHeader(HeaderRequestID))
		correlationID := getOrGenerateID(c.GetHeader(HeaderCorrelationID))

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithCorrelationID(ctx, correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Header(HeaderRequestID, requestID)
		c.Header(HeaderCorrelationID, correlationID)
		c.Next()
	}
}

// getOrGenerateID returns existingID when it is short printable ASCII, otherwise a new UUID.
func getOrGenerateID(existingID string) string {
	existingID = strings.TrimSpace(existingID)
	if existingID == "" || len(existingID) > maxIDLength {
		return uuid.New().String()
	}
	for i := 0; i < len(existingID); i++ {
		if ch := existingID[i]; ch < 0x21 || ch > 0x7e {
			return uuid.New().String()
		}
	}
	return existingID
}
