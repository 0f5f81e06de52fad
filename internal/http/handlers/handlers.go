// Package handlers contains the connector API handlers.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/a-h/templ"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v5"

	"github.com/open-sspm/open-connect/internal/connection"
	"github.com/open-sspm/open-connect/internal/connectors/registry"
	"github.com/open-sspm/open-connect/internal/connectors/schema"
)

const (
	// ContextKeyRequestID stores the request id (X-Request-ID) for logging and client error references.
	ContextKeyRequestID = "request_id"

	HeaderOrgID      = "X-Org-Id"
	HeaderCustomerID = "X-Customer-Id"

	defaultMaxBodyBytes = 1 << 20
)

// Controller is the slice of the connection controller the API drives.
type Controller interface {
	PreConnect(ctx context.Context, configID string, cc schema.ConnectContext, req connection.PreConnectRequest) (connection.PreConnectResponse, error)
	PostConnect(ctx context.Context, configID string, cc schema.ConnectContext, req connection.PostConnectRequest) (schema.Connection, error)
	CheckConnection(ctx context.Context, connectionID string, opts connection.CheckOptions) (connection.CheckResult, error)
	RevokeConnection(ctx context.Context, connectionID string) (schema.Connection, error)
	ListIntegrations(ctx context.Context, configID, connectionID, cursor string) (registry.IntegrationPage, error)
	HandleWebhook(ctx context.Context, connectorName, configID string, input schema.WebhookInput) (schema.WebhookResult, error)
}

// Handlers groups the HTTP handlers and their dependencies.
type Handlers struct {
	Controller Controller
	Validate   *validator.Validate
	// CallbackURL is sent to connectors as the OAuth redirect URL. Its origin
	// is the only one the callback page posts results to.
	CallbackURL         string
	CheckTimeout        time.Duration
	WebhookMaxBodyBytes int64
}

// NewValidator returns a validator that reports json field names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (h *Handlers) validator() *validator.Validate {
	if h.Validate == nil {
		h.Validate = NewValidator()
	}
	return h.Validate
}

// HandleHealthz returns a simple health check response.
func (h *Handlers) HandleHealthz(c *echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// bindJSON decodes a JSON body of at most limit bytes into dst and runs
// struct validation on it. An empty body decodes as {}.
func (h *Handlers) bindJSON(c *echo.Context, limit int64, dst any) error {
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	req := c.Request()
	body := http.MaxBytesReader(c.Response(), req.Body, limit)
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return &requestError{status: http.StatusRequestEntityTooLarge, detail: fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit)}
		}
		return &requestError{status: http.StatusBadRequest, detail: "request body is not valid JSON"}
	}
	if err := h.validator().Struct(dst); err != nil {
		return err
	}
	return nil
}

// connectContext reads the caller headers. Caller identity is verified
// upstream.
func (h *Handlers) connectContext(c *echo.Context) schema.ConnectContext {
	req := c.Request()
	return schema.ConnectContext{
		OrgID:                strings.TrimSpace(req.Header.Get(HeaderOrgID)),
		CustomerID:           strings.TrimSpace(req.Header.Get(HeaderCustomerID)),
		ConnectionExternalID: strings.TrimSpace(c.QueryParam("connection_external_id")),
		RedirectURL:          h.CallbackURL,
	}
}

// RenderComponent renders a templ component as the response.
func (h *Handlers) RenderComponent(c *echo.Context, status int, component templ.Component) error {
	c.Response().Header().Set(echo.HeaderContentType, "text/html; charset=utf-8")
	c.Response().WriteHeader(status)
	return component.Render(c.Request().Context(), c.Response())
}

// requestError is a client mistake caught before the controller runs.
type requestError struct {
	status int
	detail string
}

func (e *requestError) Error() string { return e.detail }
