package middleware

import (
	"regexp"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/homecare-billing/pkg/logger"
)

const (
	HeaderXRequestID = "X-Request-ID"
	ContextRequestID = "request_id"
)

// Ids from schedulers and load balancers, never free text.
var validRequestID = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// RequestID tags each request with an id, taken from X-Request-ID when the
// caller sent a usable one. The id is echoed on the response and the request
// context carries a logger with a request_id field, so a manual job run or a
// webhook dispatch logs under the id of the call that caused it.
func RequestID(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(HeaderXRequestID)
		if !validRequestID.MatchString(rid) {
			rid = uuid.NewString()
		}

		c.Set(ContextRequestID, rid)
		c.Header(HeaderXRequestID, rid)

		scoped := log.WithFields(map[string]interface{}{ContextRequestID: rid})
		c.Request = c.Request.WithContext(logger.NewContext(c.Request.Context(), scoped))
		c.Next()
	}
}
