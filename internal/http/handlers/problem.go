package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v5"
	"github.com/moogar0880/problems"

	"github.com/open-sspm/open-connect/internal/connection"
	"github.com/open-sspm/open-connect/internal/connectors/schema"
)

// Problem types. Clients branch on these, so they never change.
const (
	TypeNotFound       = "not_found"
	TypeNotImplemented = "not_implemented"
	TypeValidation     = "validation_error"
	TypeConflict       = "conflict"
	TypeInternal       = "internal_error"

	problemContentType = "application/problem+json"
)

// statusCoder matches echo.HTTPError and other errors that carry a status.
type statusCoder interface {
	StatusCode() int
}

// Classify maps an error to an HTTP status, a problem type and a detail that
// is safe to show to the caller.
func Classify(err error) (int, string, string) {
	var (
		reqErr *requestError
		verrs  validator.ValidationErrors
		sverr  *schema.ValidationError
		sc     statusCoder
	)
	switch {
	case errors.As(err, &reqErr):
		return reqErr.status, TypeValidation, reqErr.detail
	case errors.As(err, &verrs):
		return http.StatusBadRequest, TypeValidation, describeFieldErrors(verrs)
	case errors.Is(err, connection.ErrNotFound):
		return http.StatusNotFound, TypeNotFound, err.Error()
	case errors.Is(err, connection.ErrNotImplemented):
		return http.StatusNotImplemented, TypeNotImplemented, err.Error()
	case errors.Is(err, connection.ErrConflict):
		return http.StatusConflict, TypeConflict, err.Error()
	case errors.As(err, &sverr):
		return http.StatusBadRequest, TypeValidation, sverr.Error()
	case errors.Is(err, connection.ErrValidation), errors.Is(err, connection.ErrConnectorMismatch):
		return http.StatusBadRequest, TypeValidation, err.Error()
	case errors.As(err, &sc):
		status := sc.StatusCode()
		return status, typeForStatus(status), http.StatusText(status)
	default:
		return http.StatusInternalServerError, TypeInternal, "Internal server error."
	}
}

func typeForStatus(status int) string {
	switch {
	case status == http.StatusNotFound:
		return TypeNotFound
	case status == http.StatusNotImplemented:
		return TypeNotImplemented
	case status == http.StatusConflict:
		return TypeConflict
	case status >= 400 && status < 500:
		return TypeValidation
	default:
		return TypeInternal
	}
}

// WriteProblem renders err as an RFC 7807 document. Internal errors are
// logged and replaced with a generic detail carrying the request id.
func WriteProblem(c *echo.Context, err error) error {
	status, typ, detail := Classify(err)
	requestID, _ := c.Get(ContextKeyRequestID).(string)
	path := ""
	if req := c.Request(); req != nil && req.URL != nil {
		path = req.URL.Path
	}

	if status >= http.StatusInternalServerError && typ == TypeInternal {
		c.Logger().Error("http error",
			"request_id", requestID,
			"method", c.Request().Method,
			"path", path,
			"ip", c.RealIP(),
			"error", err,
		)
		if requestID != "" {
			detail = fmt.Sprintf("%s Reference: %s.", strings.TrimSuffix(detail, "."), requestID)
		}
	}

	problem := problems.NewStatusProblem(status).
		WithInstance(path).
		WithType(typ).
		WithDetail(detail)
	body, err := json.Marshal(problem)
	if err != nil {
		return err
	}
	return c.Blob(status, problemContentType, body)
}

func describeFieldErrors(errs validator.ValidationErrors) string {
	parts := make([]string, 0, len(errs))
	for _, fe := range errs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fe.Field()+" is required")
		default:
			parts = append(parts, fmt.Sprintf("%s fails %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
