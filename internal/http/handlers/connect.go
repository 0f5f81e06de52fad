package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/labstack/echo/v5"

	"github.com/open-sspm/open-connect/internal/connection"
)

type preConnectBody struct {
	ConnectorName   string          `json:"connector_name" validate:"required"`
	PreConnectInput json.RawMessage `json:"pre_connect_input"`
}

type postConnectBody struct {
	ConnectorName string          `json:"connector_name" validate:"required"`
	ConnectOutput json.RawMessage `json:"connect_output"`
}

func configID(c *echo.Context) (string, error) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return "", &requestError{status: http.StatusBadRequest, detail: "connector config id is required"}
	}
	return id, nil
}

// HandlePreConnect serves POST /connector-configs/:id/pre-connect.
func (h *Handlers) HandlePreConnect(c *echo.Context) error {
	id, err := configID(c)
	if err != nil {
		return WriteProblem(c, err)
	}
	var body preConnectBody
	if err := h.bindJSON(c, defaultMaxBodyBytes, &body); err != nil {
		return WriteProblem(c, err)
	}
	out, err := h.Controller.PreConnect(c.Request().Context(), id, h.connectContext(c), connection.PreConnectRequest{
		ConnectorName: body.ConnectorName,
		Input:         body.PreConnectInput,
	})
	if err != nil {
		return WriteProblem(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

// HandlePostConnect serves POST /connector-configs/:id/post-connect.
func (h *Handlers) HandlePostConnect(c *echo.Context) error {
	id, err := configID(c)
	if err != nil {
		return WriteProblem(c, err)
	}
	var body postConnectBody
	if err := h.bindJSON(c, defaultMaxBodyBytes, &body); err != nil {
		return WriteProblem(c, err)
	}
	conn, err := h.Controller.PostConnect(c.Request().Context(), id, h.connectContext(c), connection.PostConnectRequest{
		ConnectorName: body.ConnectorName,
		ConnectOutput: body.ConnectOutput,
	})
	if err != nil {
		return WriteProblem(c, err)
	}
	return c.JSON(http.StatusOK, conn)
}

// HandleListIntegrations serves GET /connector-configs/:id/integrations.
func (h *Handlers) HandleListIntegrations(c *echo.Context) error {
	id, err := configID(c)
	if err != nil {
		return WriteProblem(c, err)
	}
	page, err := h.Controller.ListIntegrations(c.Request().Context(), id, c.QueryParam("connection_id"), c.QueryParam("cursor"))
	if err != nil {
		return WriteProblem(c, err)
	}
	return c.JSON(http.StatusOK, page)
}
