// Package connection drives the lifecycle of a single connection: connect,
// check, refresh, revoke and webhook-driven updates.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/open-sspm/open-connect/internal/connectors/registry"
	"github.com/open-sspm/open-connect/internal/connectors/schema"
	"github.com/open-sspm/open-connect/internal/db"
	"github.com/open-sspm/open-connect/internal/events"
	"github.com/open-sspm/open-connect/internal/ids"
	"github.com/open-sspm/open-connect/internal/metrics"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrNotImplemented    = errors.New("not implemented")
	ErrValidation        = errors.New("validation failed")
	ErrConflict          = errors.New("conflict")
	ErrConnectorMismatch = errors.New("connector name does not match connector config")
)

const (
	checkFailedMessage   = "Connection check failed"
	refreshFailedMessage = "Credential refresh failed"
	defaultCheckTimeout  = 30 * time.Second
)

// Store is the storage the controller reads and writes through.
type Store interface {
	GetConnectorConfig(ctx context.Context, id string) (schema.ConnectorConfig, error)
	GetConnection(ctx context.Context, id string) (schema.Connection, error)
	SaveConnection(ctx context.Context, arg db.SaveConnectionParams) (schema.Connection, error)
	UpdateConnection(ctx context.Context, arg db.UpdateConnectionParams) (schema.Connection, error)
	UpsertIntegration(ctx context.Context, arg db.UpsertIntegrationParams) (string, error)
}

type Options struct {
	Logger       *slog.Logger
	CheckTimeout time.Duration
	Now          func() time.Time
}

type Controller struct {
	registry     *registry.ConnectorRegistry
	store        Store
	logger       *slog.Logger
	checkTimeout time.Duration
	now          func() time.Time
}

func NewController(reg *registry.ConnectorRegistry, store Store, opts Options) *Controller {
	c := &Controller{
		registry:     reg,
		store:        store,
		logger:       opts.Logger,
		checkTimeout: opts.CheckTimeout,
		now:          opts.Now,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.checkTimeout <= 0 {
		c.checkTimeout = defaultCheckTimeout
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

type PreConnectRequest struct {
	ConnectorName string          `json:"connector_name" validate:"required"`
	Input         json.RawMessage `json:"pre_connect_input"`
}

type PreConnectResponse struct {
	ConnectorName string          `json:"connector_name"`
	ConnectInput  json.RawMessage `json:"connect_input"`
}

type PostConnectRequest struct {
	ConnectorName string          `json:"connector_name" validate:"required"`
	ConnectOutput json.RawMessage `json:"connect_output"`
}

type CheckOptions struct {
	// Timeout bounds the connector call. Zero uses the controller default.
	Timeout time.Duration
}

type CheckResult struct {
	ID            string        `json:"id"`
	Status        schema.Status `json:"status"`
	StatusMessage string        `json:"status_message"`
}

// PreConnect prepares the input for the connect step. Nothing is persisted.
func (c *Controller) PreConnect(ctx context.Context, configID string, cc schema.ConnectContext, req PreConnectRequest) (PreConnectResponse, error) {
	cfg, bundle, err := c.loadConfig(ctx, configID, req.ConnectorName)
	if err != nil {
		return PreConnectResponse{}, err
	}
	name := bundle.Name()
	fl := c.newFlow(name, PhaseUninitialized)
	if err := fl.advance(PhasePreparing); err != nil {
		return PreConnectResponse{}, err
	}

	if err := schema.Validate("pre_connect_input", bundle.Definition.Schemas.PreConnectInput, req.Input); err != nil {
		return PreConnectResponse{}, fl.fail(fmt.Errorf("%w: %w", ErrValidation, err))
	}
	inst, err := bundle.Instance(ctx, registry.InstanceInput{Config: cfg.Config, Context: cc})
	if err != nil {
		return PreConnectResponse{}, fl.fail(fmt.Errorf("%s: new instance: %w", name, err))
	}

	out := json.RawMessage(`{}`)
	if bundle.PreConnect != nil {
		out, err = bundle.PreConnect(ctx, registry.PreConnectInput{
			Config:   cfg.Config,
			Context:  cc,
			Input:    schema.ObjectOrEmpty(req.Input),
			Instance: inst,
		})
		if err != nil {
			return PreConnectResponse{}, fl.fail(fmt.Errorf("%s: pre-connect: %w", name, err))
		}
	}
	if err := fl.advance(PhaseAwaitingExternalAction); err != nil {
		return PreConnectResponse{}, err
	}
	return PreConnectResponse{ConnectorName: name, ConnectInput: schema.ObjectOrEmpty(out)}, nil
}

// PostConnect turns a connect output into a stored connection. The row and
// its connection.established event are written in one transaction, and a
// repeated call with the same external id updates the same row.
func (c *Controller) PostConnect(ctx context.Context, configID string, cc schema.ConnectContext, req PostConnectRequest) (schema.Connection, error) {
	cfg, bundle, err := c.loadConfig(ctx, configID, req.ConnectorName)
	if err != nil {
		return schema.Connection{}, err
	}
	name := bundle.Name()
	fl := c.newFlow(name, PhaseAwaitingExternalAction)
	if err := fl.advance(PhaseExchanging); err != nil {
		return schema.Connection{}, err
	}

	if err := schema.Validate("connect_output", bundle.Definition.Schemas.ConnectOutput, req.ConnectOutput); err != nil {
		return schema.Connection{}, fl.fail(fmt.Errorf("%w: %w", ErrValidation, err))
	}
	inst, err := bundle.Instance(ctx, registry.InstanceInput{Config: cfg.Config, Context: cc})
	if err != nil {
		return schema.Connection{}, fl.fail(fmt.Errorf("%s: new instance: %w", name, err))
	}

	update := schema.ConnectionUpdate{Settings: req.ConnectOutput}
	if bundle.PostConnect != nil {
		update, err = bundle.PostConnect(ctx, registry.PostConnectInput{
			Config:   cfg.Config,
			Context:  cc,
			Output:   schema.ObjectOrEmpty(req.ConnectOutput),
			Instance: inst,
		})
		if err != nil {
			return schema.Connection{}, fl.fail(fmt.Errorf("%s: post-connect: %w", name, err))
		}
	}

	settings := schema.ObjectOrEmpty(update.Settings)
	if err := schema.Validate("connection_settings", bundle.Definition.Schemas.ConnectionSettings, settings); err != nil {
		return schema.Connection{}, fl.fail(fmt.Errorf("%w: %w", ErrValidation, err))
	}

	connID := ids.Make(ids.PrefixConnection, name, externalID(name, update.ExternalID, cc.ConnectionExternalID))
	fl.connectionID = connID
	status := update.Status
	if status == "" {
		status = schema.StatusHealthy
	}
	if !status.Valid() {
		return schema.Connection{}, fl.fail(fmt.Errorf("%w: unknown status %q", ErrValidation, status))
	}
	settled := PhaseForStatus(status)
	if !fl.phase.CanTransition(settled) {
		return schema.Connection{}, fl.fail(fmt.Errorf("invalid connect phase transition %s -> %s", fl.phase, settled))
	}

	event, err := events.NewOutboxEvent(events.TopicConnectionEstablished, name, events.ConnectionEstablished{
		ConnectionID:      connID,
		ConnectorConfigID: cfg.ID,
		ConnectorName:     name,
		OrgID:             cfg.OrgID,
		CustomerID:        firstNonEmpty(update.CustomerID, cc.CustomerID),
		Status:            status,
		EstablishedAt:     c.now().UTC(),
	})
	if err != nil {
		return schema.Connection{}, fl.fail(err)
	}

	conn, err := c.store.SaveConnection(ctx, db.SaveConnectionParams{
		Integration: integrationParams(name, update.Integration),
		Connection: db.UpsertConnectionParams{
			ID:                connID,
			ConnectorConfigID: cfg.ID,
			ConnectorName:     name,
			CustomerID:        firstNonEmpty(update.CustomerID, cc.CustomerID),
			DisplayName:       update.DisplayName,
			Settings:          settings,
			Metadata:          update.Metadata,
			Status:            status,
			StatusMessage:     derefString(update.StatusMessage),
		},
		Event: &event,
	})
	if err != nil {
		return schema.Connection{}, fl.fail(storeErr(err))
	}
	// Checked above, before anything was written.
	_ = fl.advance(settled)

	c.logger.Info("connection established",
		"connector", name,
		"connection_id", conn.ID,
		"connector_config_id", cfg.ID,
		"status", conn.Status,
	)
	return conn, nil
}

// CheckConnection asks the connector whether the connection still works.
// Connector failures become status error and are not returned; a
// disconnected connection is reported as-is without calling the connector.
func (c *Controller) CheckConnection(ctx context.Context, connectionID string, opts CheckOptions) (CheckResult, error) {
	conn, cfg, bundle, err := c.loadConnection(ctx, connectionID)
	if err != nil {
		return CheckResult{}, err
	}
	name := bundle.Name()
	if conn.Status == schema.StatusDisconnected {
		metrics.ChecksTotal.WithLabelValues(name, string(conn.Status)).Inc()
		return checkResult(conn), nil
	}
	if bundle.CheckConnection == nil {
		return CheckResult{}, fmt.Errorf("%w: connector %s has no %s", ErrNotImplemented, name, registry.CapCheckConnection)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.checkTimeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	update, err := c.callCheck(checkCtx, bundle, cfg, conn)
	if err != nil {
		c.logger.Warn("connection check failed",
			"connector", name,
			"connection_id", conn.ID,
			"err", err,
		)
		msg := checkFailedMessage
		update = schema.ConnectionUpdate{Status: schema.StatusError, StatusMessage: &msg}
	}
	if update.Status == "" {
		update.Status = schema.StatusHealthy
	}
	if !update.Status.Valid() {
		msg := checkFailedMessage
		update = schema.ConnectionUpdate{Status: schema.StatusError, StatusMessage: &msg}
	}
	if len(update.Settings) > 0 {
		if err := schema.Validate("connection_settings", bundle.Definition.Schemas.ConnectionSettings, update.Settings); err != nil {
			c.logger.Warn("check returned invalid settings", "connector", name, "connection_id", conn.ID, "err", err)
			update.Settings = nil
		}
	}

	fl := c.newFlow(name, PhaseForStatus(conn.Status))
	fl.connectionID = conn.ID
	saved, err := c.writeConnection(ctx, conn, func(next *schema.Connection) {
		applyPatch(next, update)
	})
	if err != nil {
		return CheckResult{}, err
	}
	_ = fl.advance(PhaseForStatus(saved.Status))
	metrics.ChecksTotal.WithLabelValues(name, string(saved.Status)).Inc()
	return checkResult(saved), nil
}

func (c *Controller) callCheck(ctx context.Context, bundle registry.Bundle, cfg schema.ConnectorConfig, conn schema.Connection) (schema.ConnectionUpdate, error) {
	inst, err := bundle.Instance(ctx, registry.InstanceInput{Config: cfg.Config, Settings: conn.Settings})
	if err != nil {
		return schema.ConnectionUpdate{}, fmt.Errorf("new instance: %w", err)
	}
	return bundle.CheckConnection(ctx, registry.ConnectionInput{Config: cfg.Config, Connection: conn, Instance: inst})
}

// RefreshConnection renews the connection's credentials. refreshed is false
// when the connector cannot refresh. A connector failure marks the
// connection as errored and is returned to the caller.
func (c *Controller) RefreshConnection(ctx context.Context, conn schema.Connection) (bool, error) {
	bundle, ok := c.registry.Get(conn.ConnectorName)
	if !ok {
		return false, fmt.Errorf("%w: connector %q", ErrNotFound, conn.ConnectorName)
	}
	if bundle.RefreshConnection == nil {
		return false, nil
	}
	cfg, err := c.store.GetConnectorConfig(ctx, conn.ConnectorConfigID)
	if err != nil {
		return false, storeErr(err)
	}
	name := bundle.Name()

	settings, err := c.callRefresh(ctx, bundle, cfg, conn)
	if err == nil {
		settings, err = c.stampFetched(settings)
	}
	if err == nil {
		if verr := schema.Validate("connection_settings", bundle.Definition.Schemas.ConnectionSettings, settings); verr != nil {
			err = fmt.Errorf("%w: %w", ErrValidation, verr)
		}
	}
	if err != nil {
		msg := refreshFailedMessage
		if _, werr := c.writeConnection(ctx, conn, func(next *schema.Connection) {
			applyPatch(next, schema.ConnectionUpdate{Status: schema.StatusError, StatusMessage: &msg})
		}); werr != nil {
			err = errors.Join(err, werr)
		}
		return false, fmt.Errorf("%s: refresh %s: %w", name, conn.ID, err)
	}

	if _, err := c.writeConnection(ctx, conn, func(next *schema.Connection) {
		next.Settings = settings
	}); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Controller) callRefresh(ctx context.Context, bundle registry.Bundle, cfg schema.ConnectorConfig, conn schema.Connection) (json.RawMessage, error) {
	inst, err := bundle.Instance(ctx, registry.InstanceInput{Config: cfg.Config, Settings: conn.Settings})
	if err != nil {
		return nil, fmt.Errorf("new instance: %w", err)
	}
	return bundle.RefreshConnection(ctx, registry.ConnectionInput{Config: cfg.Config, Connection: conn, Instance: inst})
}

func (c *Controller) stampFetched(settings json.RawMessage) (json.RawMessage, error) {
	oauth, ok := schema.ParseOAuthSettings(settings)
	if !ok {
		return schema.ObjectOrEmpty(settings), nil
	}
	now := c.now().UTC()
	oauth.LastFetchedAt = &now
	return schema.WithOAuthSettings(settings, oauth)
}

// RevokeConnection revokes remotely first. Only a successful remote revoke
// flips the stored connection to disconnected.
func (c *Controller) RevokeConnection(ctx context.Context, connectionID string) (schema.Connection, error) {
	conn, cfg, bundle, err := c.loadConnection(ctx, connectionID)
	if err != nil {
		return schema.Connection{}, err
	}
	name := bundle.Name()
	if bundle.RevokeConnection == nil {
		return schema.Connection{}, fmt.Errorf("%w: connector %s has no %s", ErrNotImplemented, name, registry.CapRevokeConnection)
	}

	inst, err := bundle.Instance(ctx, registry.InstanceInput{Config: cfg.Config, Settings: conn.Settings})
	if err != nil {
		return schema.Connection{}, fmt.Errorf("%s: new instance: %w", name, err)
	}
	if err := bundle.RevokeConnection(ctx, registry.ConnectionInput{Config: cfg.Config, Connection: conn, Instance: inst}); err != nil {
		c.logger.Warn("remote revoke failed", "connector", name, "connection_id", conn.ID, "err", err)
		return schema.Connection{}, fmt.Errorf("%s: revoke %s: %w", name, conn.ID, err)
	}

	msg := "Revoked by user at " + c.now().UTC().Format(time.RFC3339)
	fl := c.newFlow(name, PhaseForStatus(conn.Status))
	fl.connectionID = conn.ID
	saved, err := c.writeConnection(ctx, conn, func(next *schema.Connection) {
		next.Status = schema.StatusDisconnected
		next.StatusMessage = msg
	})
	if err != nil {
		return schema.Connection{}, err
	}
	_ = fl.advance(PhaseDisconnected)
	c.logger.Info("connection revoked", "connector", name, "connection_id", saved.ID)
	return saved, nil
}

// ListIntegrations lists integrations the connector can see under configID.
// connectionID is optional; when set the connection must belong to the
// config.
func (c *Controller) ListIntegrations(ctx context.Context, configID, connectionID, cursor string) (registry.IntegrationPage, error) {
	cfg, bundle, err := c.loadConfig(ctx, configID, "")
	if err != nil {
		return registry.IntegrationPage{}, err
	}
	name := bundle.Name()
	if bundle.ListIntegrations == nil {
		return registry.IntegrationPage{}, fmt.Errorf("%w: connector %s has no %s", ErrNotImplemented, name, registry.CapListIntegrations)
	}
	in := registry.ListIntegrationsInput{Config: cfg.Config, Cursor: strings.TrimSpace(cursor)}
	if connectionID = strings.TrimSpace(connectionID); connectionID != "" {
		conn, err := c.store.GetConnection(ctx, connectionID)
		if err != nil {
			return registry.IntegrationPage{}, storeErr(err)
		}
		if conn.ConnectorConfigID != cfg.ID {
			return registry.IntegrationPage{}, fmt.Errorf("%w: connection %s does not belong to %s", ErrValidation, conn.ID, cfg.ID)
		}
		in.Connection = &conn
	}
	page, err := bundle.ListIntegrations(ctx, in)
	if err != nil {
		return registry.IntegrationPage{}, fmt.Errorf("%s: list integrations: %w", name, err)
	}
	if page.Items == nil {
		page.Items = []schema.Integration{}
	}
	return page, nil
}

// HandleWebhook passes a delivery to the connector and applies the updates
// it returns. configID may be empty; updates then only reach connections
// that already exist. Updates that cannot be applied are logged and left out
// of the result, so the connector's response still reaches the sender.
func (c *Controller) HandleWebhook(ctx context.Context, connectorName, configID string, input schema.WebhookInput) (schema.WebhookResult, error) {
	bundle, ok := c.registry.Get(connectorName)
	if !ok {
		return schema.WebhookResult{}, fmt.Errorf("%w: connector %q", ErrNotFound, connectorName)
	}
	name := bundle.Name()
	if bundle.HandleWebhook == nil {
		return schema.WebhookResult{}, fmt.Errorf("%w: connector %s has no %s", ErrNotImplemented, name, registry.CapHandleWebhook)
	}

	if doc := bundle.Definition.Schemas.WebhookInput; len(doc) > 0 {
		raw, err := json.Marshal(input)
		if err != nil {
			return schema.WebhookResult{}, err
		}
		if err := schema.Validate("webhook_input", doc, raw); err != nil {
			return schema.WebhookResult{}, fmt.Errorf("%w: %w", ErrValidation, err)
		}
	}

	var cfgRaw json.RawMessage
	if configID = strings.TrimSpace(configID); configID != "" {
		cfg, _, err := c.loadConfig(ctx, configID, name)
		if err != nil {
			return schema.WebhookResult{}, err
		}
		cfgRaw = cfg.Config
	}

	res, err := bundle.HandleWebhook(ctx, registry.WebhookRequest{Config: cfgRaw, Input: input})
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues(name, "error").Inc()
		return schema.WebhookResult{}, fmt.Errorf("%s: webhook: %w", name, err)
	}

	applied := make([]schema.ConnectionUpdate, 0, len(res.ConnectionUpdates))
	status := "ok"
	for _, u := range res.ConnectionUpdates {
		if err := c.applyWebhookUpdate(ctx, name, configID, u); err != nil {
			status = "partial"
			c.logger.Warn("webhook update not applied",
				"connector", name,
				"connector_config_id", configID,
				"external_id", u.ExternalID,
				"err", err,
			)
			continue
		}
		applied = append(applied, u)
	}
	res.ConnectionUpdates = applied
	metrics.WebhooksTotal.WithLabelValues(name, status).Inc()
	return res, nil
}

func (c *Controller) applyWebhookUpdate(ctx context.Context, connectorName, configID string, u schema.ConnectionUpdate) error {
	if configID == "" {
		if strings.TrimSpace(u.ExternalID) == "" {
			c.logger.Warn("webhook update without external id skipped", "connector", connectorName)
			return nil
		}
		existing, err := c.store.GetConnection(ctx, ids.Make(ids.PrefixConnection, connectorName, u.ExternalID))
		if errors.Is(err, db.ErrNotFound) {
			c.logger.Warn("webhook update for unknown connection skipped",
				"connector", connectorName,
				"external_id", u.ExternalID,
			)
			return nil
		}
		if err != nil {
			return storeErr(err)
		}
		configID = existing.ConnectorConfigID
	}
	_, err := c.ApplyUpdate(ctx, configID, u)
	return err
}

// ApplyUpdate writes a connection update under configID. Existing rows are
// patched with compare-and-swap. An unknown external id creates a new row,
// unless the update disconnects it, which yields ErrNotFound.
func (c *Controller) ApplyUpdate(ctx context.Context, configID string, u schema.ConnectionUpdate) (schema.Connection, error) {
	cfg, bundle, err := c.loadConfig(ctx, configID, "")
	if err != nil {
		return schema.Connection{}, err
	}
	name := bundle.Name()
	if strings.TrimSpace(u.ExternalID) == "" {
		return schema.Connection{}, fmt.Errorf("%w: connection update has no external id", ErrValidation)
	}
	if len(u.Settings) > 0 {
		if err := schema.Validate("connection_settings", bundle.Definition.Schemas.ConnectionSettings, u.Settings); err != nil {
			return schema.Connection{}, fmt.Errorf("%w: %w", ErrValidation, err)
		}
	}
	connID := ids.Make(ids.PrefixConnection, name, u.ExternalID)

	existing, err := c.store.GetConnection(ctx, connID)
	switch {
	case err == nil:
		if existing.ConnectorConfigID != cfg.ID {
			return schema.Connection{}, fmt.Errorf("%w: connection %s belongs to %s", ErrConnectorMismatch, connID, existing.ConnectorConfigID)
		}
		integrationID := ""
		if p := integrationParams(name, u.Integration); p != nil {
			if integrationID, err = c.store.UpsertIntegration(ctx, *p); err != nil {
				return schema.Connection{}, storeErr(err)
			}
		}
		return c.writeConnection(ctx, existing, func(next *schema.Connection) {
			applyPatch(next, u)
			if integrationID != "" {
				next.IntegrationID = integrationID
			}
		})
	case errors.Is(err, db.ErrNotFound):
		status := u.Status
		if status == "" {
			status = schema.StatusUnknown
		}
		if status == schema.StatusDisconnected {
			return schema.Connection{}, fmt.Errorf("%w: connection %s, disconnect not applied", ErrNotFound, connID)
		}
		if !status.Valid() {
			return schema.Connection{}, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
		}
		settings := schema.ObjectOrEmpty(u.Settings)
		if err := schema.Validate("connection_settings", bundle.Definition.Schemas.ConnectionSettings, settings); err != nil {
			return schema.Connection{}, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		event, err := events.NewOutboxEvent(events.TopicConnectionEstablished, name, events.ConnectionEstablished{
			ConnectionID:      connID,
			ConnectorConfigID: cfg.ID,
			ConnectorName:     name,
			OrgID:             cfg.OrgID,
			CustomerID:        u.CustomerID,
			Status:            status,
			EstablishedAt:     c.now().UTC(),
		})
		if err != nil {
			return schema.Connection{}, err
		}
		conn, err := c.store.SaveConnection(ctx, db.SaveConnectionParams{
			Integration: integrationParams(name, u.Integration),
			Connection: db.UpsertConnectionParams{
				ID:                connID,
				ConnectorConfigID: cfg.ID,
				ConnectorName:     name,
				CustomerID:        u.CustomerID,
				DisplayName:       u.DisplayName,
				Settings:          settings,
				Metadata:          u.Metadata,
				Status:            status,
				StatusMessage:     derefString(u.StatusMessage),
			},
			Event: &event,
		})
		return conn, storeErr(err)
	default:
		return schema.Connection{}, storeErr(err)
	}
}

// writeConnection applies mutate to conn and stores the result with
// compare-and-swap on updated_at. After a conflict the row is re-read once:
// a row that became disconnected meanwhile is returned unchanged, anything
// else gets mutate applied again and one more write.
func (c *Controller) writeConnection(ctx context.Context, conn schema.Connection, mutate func(*schema.Connection)) (schema.Connection, error) {
	for attempt := 0; ; attempt++ {
		next := conn
		mutate(&next)
		saved, err := c.store.UpdateConnection(ctx, db.UpdateConnectionParams{
			ID:                next.ID,
			ExpectedUpdatedAt: conn.UpdatedAt,
			CustomerID:        next.CustomerID,
			IntegrationID:     next.IntegrationID,
			DisplayName:       next.DisplayName,
			Settings:          next.Settings,
			Metadata:          next.Metadata,
			Status:            next.Status,
			StatusMessage:     next.StatusMessage,
		})
		if err == nil {
			return saved, nil
		}
		if !errors.Is(err, db.ErrConflict) || attempt > 0 {
			return schema.Connection{}, storeErr(err)
		}

		fresh, err := c.store.GetConnection(ctx, conn.ID)
		if err != nil {
			return schema.Connection{}, storeErr(err)
		}
		c.logger.Debug("connection write conflict, retrying", "connection_id", conn.ID)
		if fresh.Status == schema.StatusDisconnected && conn.Status != schema.StatusDisconnected {
			return fresh, nil
		}
		conn = fresh
	}
}

func (c *Controller) loadConfig(ctx context.Context, configID, connectorName string) (schema.ConnectorConfig, registry.Bundle, error) {
	configID = strings.TrimSpace(configID)
	if configID == "" {
		return schema.ConnectorConfig{}, registry.Bundle{}, fmt.Errorf("%w: connector config id is required", ErrValidation)
	}
	cfg, err := c.store.GetConnectorConfig(ctx, configID)
	if err != nil {
		return schema.ConnectorConfig{}, registry.Bundle{}, storeErr(err)
	}
	if cfg.Disabled {
		return schema.ConnectorConfig{}, registry.Bundle{}, fmt.Errorf("%w: connector config %s is disabled", ErrValidation, cfg.ID)
	}
	want := registry.NormalizeName(cfg.ConnectorName)
	if connectorName != "" && registry.NormalizeName(connectorName) != want {
		return schema.ConnectorConfig{}, registry.Bundle{}, fmt.Errorf("%w: %q is not %q", ErrConnectorMismatch, connectorName, want)
	}
	bundle, ok := c.registry.Get(want)
	if !ok {
		return schema.ConnectorConfig{}, registry.Bundle{}, fmt.Errorf("%w: connector %q", ErrNotFound, want)
	}
	return cfg, bundle, nil
}

func (c *Controller) loadConnection(ctx context.Context, connectionID string) (schema.Connection, schema.ConnectorConfig, registry.Bundle, error) {
	conn, err := c.store.GetConnection(ctx, strings.TrimSpace(connectionID))
	if err != nil {
		return schema.Connection{}, schema.ConnectorConfig{}, registry.Bundle{}, storeErr(err)
	}
	cfg, err := c.store.GetConnectorConfig(ctx, conn.ConnectorConfigID)
	if err != nil {
		return schema.Connection{}, schema.ConnectorConfig{}, registry.Bundle{}, storeErr(err)
	}
	if registry.NormalizeName(cfg.ConnectorName) != registry.NormalizeName(conn.ConnectorName) {
		return schema.Connection{}, schema.ConnectorConfig{}, registry.Bundle{}, fmt.Errorf("%w: connection %s is %q, config is %q",
			ErrConnectorMismatch, conn.ID, conn.ConnectorName, cfg.ConnectorName)
	}
	bundle, ok := c.registry.Get(conn.ConnectorName)
	if !ok {
		return schema.Connection{}, schema.ConnectorConfig{}, registry.Bundle{}, fmt.Errorf("%w: connector %q", ErrNotFound, conn.ConnectorName)
	}
	return conn, cfg, bundle, nil
}

// applyPatch copies the set fields of u onto conn. A disconnected connection
// keeps its status until it is reconnected.
func applyPatch(conn *schema.Connection, u schema.ConnectionUpdate) {
	if u.CustomerID != "" {
		conn.CustomerID = u.CustomerID
	}
	if u.DisplayName != "" {
		conn.DisplayName = u.DisplayName
	}
	if len(u.Settings) > 0 {
		conn.Settings = u.Settings
	}
	if len(u.Metadata) > 0 {
		conn.Metadata = u.Metadata
	}
	if conn.Status == schema.StatusDisconnected {
		return
	}
	if u.Status != "" {
		conn.Status = u.Status
		conn.StatusMessage = ""
	}
	if u.StatusMessage != nil {
		conn.StatusMessage = *u.StatusMessage
	}
}

func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, db.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, db.ErrConflict):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	default:
		return err
	}
}

// externalID picks the connector-supplied id, then the reconnect id, then a
// fresh one. The reconnect id may be a bare fragment or a full connection id.
func externalID(connectorName, fromConnector, reconnect string) string {
	if v := strings.TrimSpace(fromConnector); v != "" {
		return v
	}
	if v := strings.TrimSpace(reconnect); v != "" {
		if id, err := ids.ParseWithPrefix(v, ids.PrefixConnection); err == nil && id.ConnectorName == connectorName {
			return id.External
		}
		return v
	}
	id, _ := ids.Parse(ids.New(ids.PrefixConnection, connectorName))
	return id.External
}

func integrationParams(connectorName string, in *schema.Integration) *db.UpsertIntegrationParams {
	if in == nil || strings.TrimSpace(in.ExternalID) == "" {
		return nil
	}
	return &db.UpsertIntegrationParams{
		ID:            ids.Make(ids.PrefixIntegration, connectorName, in.ExternalID),
		ConnectorName: connectorName,
		ExternalID:    in.ExternalID,
		Name:          in.Name,
		Raw:           in.Raw,
	}
}

func checkResult(conn schema.Connection) CheckResult {
	return CheckResult{ID: conn.ID, Status: conn.Status, StatusMessage: conn.StatusMessage}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
