package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	apperrors "github.com/jwalitptl/clinical-api/pkg/errors"
	pkgvalidator "github.com/jwalitptl/clinical-api/pkg/validator"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errAuthorizationFormat  = errors.New("invalid authorization format")
)

// ErrorResponse is the error form of the response envelope.
type ErrorResponse struct {
	Status   string                    `json:"status"`
	Code     int                       `json:"code"`
	Message  string                    `json:"message"`
	Conflict apperrors.ConflictReason  `json:"conflict,omitempty"`
	Errors   []pkgvalidator.FieldError `json:"errors,omitempty"`
	TraceID  string                    `json:"trace_id,omitempty"`
}

// ErrorHandler renders the last error a handler attached with c.Error.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only handle errors if they exist
		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		traceID := c.GetString(ContextRequestID)
		for _, e := range c.Errors {
			event := log.Warn()
			if status(e.Err) >= http.StatusInternalServerError {
				event = log.Error()
			}
			event.
				Err(e.Err).
				Str("request_id", traceID).
				Str("path", c.Request.URL.Path).
				Str("method", c.Request.Method).
				Str("client_ip", c.ClientIP()).
				Msg("Request error")
		}

		err := c.Errors.Last().Err
		c.JSON(status(err), newErrorResponse(err, traceID))
	}
}

func abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(status(err), newErrorResponse(err, c.GetString(ContextRequestID)))
}

func status(err error) int {
	var sc interface{ StatusCode() int }
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return http.StatusInternalServerError
}

func newErrorResponse(err error, traceID string) ErrorResponse {
	resp := ErrorResponse{
		Status:  "error",
		Code:    status(err),
		Message: "internal server error",
		TraceID: traceID,
	}
	if appErr, ok := apperrors.As(err); ok {
		resp.Message = appErr.Message
		resp.Conflict = appErr.Conflict
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		resp.Errors = pkgvalidator.Describe(verrs)
	}
	return resp
}
