package handler

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	apperrors "github.com/jwalitptl/clinical-api/pkg/errors"
)

// ParamUUID parses the named path parameter.
func ParamUUID(c *gin.Context, name, resource string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, apperrors.Validation(fmt.Sprintf("invalid %s ID", resource), err)
	}
	return id, nil
}

func ParamInt(c *gin.Context, name string) (int, error) {
	n, err := strconv.Atoi(c.Param(name))
	if err != nil {
		return 0, apperrors.Validation(fmt.Sprintf("invalid %s", name), err)
	}
	return n, nil
}

// QueryBool treats a missing parameter as false.
func QueryBool(c *gin.Context, name string) (bool, error) {
	raw := c.Query(name)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, apperrors.Validation(fmt.Sprintf("invalid %s", name), err)
	}
	return b, nil
}

// BindJSON binds and validates the body. Binding failures become validation
// errors carrying the field list.
func BindJSON(c *gin.Context, obj interface{}) error {
	if err := c.ShouldBindJSON(obj); err != nil {
		return bindError(err)
	}
	return nil
}

// BindOptionalJSON is BindJSON for endpoints whose body may be empty.
func BindOptionalJSON(c *gin.Context, obj interface{}) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	return BindJSON(c, obj)
}

func BindQuery(c *gin.Context, obj interface{}) error {
	if err := c.ShouldBindQuery(obj); err != nil {
		return bindError(err)
	}
	return nil
}

func bindError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return apperrors.Validation("request validation failed", err)
	}
	return apperrors.Validation("malformed request", err)
}

// Fail attaches err for middleware.ErrorHandler to render.
func Fail(c *gin.Context, err error) {
	_ = c.Error(err)
}
