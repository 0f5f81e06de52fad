package handlers

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v5"

	"github.com/open-sspm/open-connect/internal/connectors/schema"
)

// HandleWebhook serves POST /webhook/:connectorName. The body is the
// {headers, query, body} envelope; ?connector_config_id= lets updates create
// connections under that config.
func (h *Handlers) HandleWebhook(c *echo.Context) error {
	name := strings.TrimSpace(c.Param("connectorName"))
	if name == "" {
		return WriteProblem(c, &requestError{status: http.StatusBadRequest, detail: "connector name is required"})
	}
	var input schema.WebhookInput
	if err := h.bindJSON(c, h.WebhookMaxBodyBytes, &input); err != nil {
		return WriteProblem(c, err)
	}
	res, err := h.Controller.HandleWebhook(c.Request().Context(), name, strings.TrimSpace(c.QueryParam("connector_config_id")), input)
	if err != nil {
		return WriteProblem(c, err)
	}
	if res.ConnectionUpdates == nil {
		res.ConnectionUpdates = []schema.ConnectionUpdate{}
	}
	return c.JSON(http.StatusOK, res)
}
