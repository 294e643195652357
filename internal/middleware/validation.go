package middleware

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	apperrors "github.com/jwalitptl/clinical-api/pkg/errors"
	pkgvalidator "github.com/jwalitptl/clinical-api/pkg/validator"
)

// RegisterValidators installs the dental tags on gin's binding validator.
func RegisterValidators() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return errors.New("gin binding validator is not go-playground/validator")
	}
	return pkgvalidator.Register(v)
}

// Validation turns raw binding errors attached by handlers into validation
// AppErrors, so ErrorHandler answers them with 400 and the field list.
func Validation() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		for _, e := range c.Errors {
			if _, ok := apperrors.As(e.Err); ok {
				continue
			}
			var verrs validator.ValidationErrors
			if errors.As(e.Err, &verrs) {
				e.Err = apperrors.Validation("request validation failed", verrs)
			}
		}
	}
}
