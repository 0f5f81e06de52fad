package handlers

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v5"

	"github.com/open-sspm/open-connect/internal/connection"
)

func connectionID(c *echo.Context) (string, error) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return "", &requestError{status: http.StatusBadRequest, detail: "connection id is required"}
	}
	return id, nil
}

// HandleCheckConnection serves POST /connections/:id/check. Connector
// failures come back as status "error", not as a problem.
func (h *Handlers) HandleCheckConnection(c *echo.Context) error {
	id, err := connectionID(c)
	if err != nil {
		return WriteProblem(c, err)
	}
	res, err := h.Controller.CheckConnection(c.Request().Context(), id, connection.CheckOptions{Timeout: h.CheckTimeout})
	if err != nil {
		return WriteProblem(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// HandleRevokeConnection serves POST /connections/:id/revoke.
func (h *Handlers) HandleRevokeConnection(c *echo.Context) error {
	id, err := connectionID(c)
	if err != nil {
		return WriteProblem(c, err)
	}
	conn, err := h.Controller.RevokeConnection(c.Request().Context(), id)
	if err != nil {
		return WriteProblem(c, err)
	}
	return c.JSON(http.StatusOK, conn)
}
