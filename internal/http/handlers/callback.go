package handlers

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v5"

	"github.com/open-sspm/open-connect/internal/handshake"
	"github.com/open-sspm/open-connect/internal/http/views"
)

// HandleConnectCallback serves GET /connect/callback, the page providers
// redirect to. Browsers get a page that hands {code, state} or {error} to
// the opener. Clients asking for JSON get the message itself once the state
// has been checked.
func (h *Handlers) HandleConnectCallback(c *echo.Context) error {
	q := c.Request().URL.Query()
	msg := handshake.Message{
		Code:             strings.TrimSpace(q.Get("code")),
		State:            strings.TrimSpace(q.Get("state")),
		Error:            strings.TrimSpace(q.Get("error")),
		ErrorDescription: strings.TrimSpace(q.Get("error_description")),
	}

	if wantsJSON(c.Request()) {
		if msg.Error == "" {
			if msg.Code == "" {
				return WriteProblem(c, &requestError{status: http.StatusBadRequest, detail: "callback has no code"})
			}
			if err := handshake.ValidateState(msg.State, ""); err != nil {
				return WriteProblem(c, &requestError{status: http.StatusBadRequest, detail: err.Error()})
			}
		}
		return c.JSON(http.StatusOK, msg)
	}
	return h.RenderComponent(c, http.StatusOK, views.CallbackPage(msg, originOf(h.CallbackURL)))
}

func wantsJSON(r *http.Request) bool {
	accept := r.Header.Get(echo.HeaderAccept)
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/html")
}

// originOf returns scheme://host of raw. Anything unparsable falls back to
// "/", the callback page's own origin.
func originOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "/"
	}
	return u.Scheme + "://" + u.Host
}
