package httpapp

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/open-sspm/open-connect/internal/config"
	"github.com/open-sspm/open-connect/internal/http/handlers"
)

const maxRequestIDLength = 128

// EchoServer is the HTTP server wrapper.
type EchoServer struct {
	h *handlers.Handlers
	e *echo.Echo
}

// NewEchoServer wires the connector API onto a fresh echo instance.
func NewEchoServer(cfg config.Config, controller handlers.Controller, logger *slog.Logger) *EchoServer {
	h := &handlers.Handlers{
		Controller:          controller,
		Validate:            handlers.NewValidator(),
		CallbackURL:         cfg.CallbackURL(),
		CheckTimeout:        cfg.CheckTimeout,
		WebhookMaxBodyBytes: cfg.WebhookMaxBodyBytes,
	}
	e := echo.New()
	if logger != nil {
		e.Logger = logger
	}
	es := &EchoServer{h: h, e: e}
	e.HTTPErrorHandler = es.httpErrorHandler
	e.Use(middleware.Recover())
	e.Use(requestID)
	es.registerRoutes()
	return es
}

func (es *EchoServer) registerRoutes() {
	es.e.GET("/healthz", es.h.HandleHealthz)
	es.e.GET(config.CallbackPath, es.h.HandleConnectCallback)

	configs := es.e.Group("/connector-configs/:id")
	configs.POST("/pre-connect", es.h.HandlePreConnect)
	configs.POST("/post-connect", es.h.HandlePostConnect)
	configs.GET("/integrations", es.h.HandleListIntegrations)

	conns := es.e.Group("/connections/:id")
	conns.POST("/check", es.h.HandleCheckConnection)
	conns.POST("/revoke", es.h.HandleRevokeConnection)

	es.e.POST("/webhook/:connectorName", es.h.HandleWebhook)
}

// ServeHTTP makes the server usable as an http.Handler.
func (es *EchoServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	es.e.ServeHTTP(w, r)
}

// NewHTTPServer returns an http.Server serving es on addr.
func (es *EchoServer) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           es,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// httpErrorHandler renders errors that escape handlers, such as unknown
// routes or recovered panics, as problem documents.
func (es *EchoServer) httpErrorHandler(c *echo.Context, err error) {
	if err == nil {
		return
	}
	if werr := handlers.WriteProblem(c, err); werr != nil {
		es.e.Logger.Error("write error response", "error", werr)
	}
}

// requestID propagates a caller supplied X-Request-ID or mints one.
func requestID(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		id := strings.TrimSpace(c.Request().Header.Get(echo.HeaderXRequestID))
		if id == "" || len(id) > maxRequestIDLength {
			id = uuid.NewString()
		}
		c.Set(handlers.ContextKeyRequestID, id)
		c.Response().Header().Set(echo.HeaderXRequestID, id)
		return next(c)
	}
}
