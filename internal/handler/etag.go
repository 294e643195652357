package handler

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// ETag renders a version token as a weak entity tag.
func ETag(token string) string {
	if token == "" {
		return ""
	}
	return `W/"` + token + `"`
}

// SetETag writes the ETag header unless token is empty.
func SetETag(c *gin.Context, token string) {
	if tag := ETag(token); tag != "" {
		c.Header("ETag", tag)
	}
}

// IfMatch returns the version token carried by the If-Match header. A missing
// header or "*" yields "". Only the first tag of a list is used.
func IfMatch(c *gin.Context) string {
	value := strings.TrimSpace(c.GetHeader("If-Match"))
	if value == "" || value == "*" {
		return ""
	}
	if i := strings.IndexByte(value, ','); i >= 0 {
		value = strings.TrimSpace(value[:i])
	}
	value = strings.TrimPrefix(value, "W/")
	return strings.Trim(value, `"`)
}
