package github

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/open-sspm/open-connect/internal/connectors/configstore"
	"github.com/open-sspm/open-connect/internal/connectors/registry"
	"github.com/open-sspm/open-connect/internal/connectors/schema"
)

const (
	signatureHeader = "X-Hub-Signature-256"
	eventHeader     = "X-GitHub-Event"
)

var (
	ErrMissingSignature = errors.New("github webhook: missing " + signatureHeader)
	ErrBadSignature     = errors.New("github webhook: signature mismatch")
	ErrNoWebhookSecret  = errors.New("github webhook: connector config has no webhook secret")
)

// VerifySignature checks a "sha256=<hex>" signature over body.
func VerifySignature(secret string, body []byte, signature string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return ErrMissingSignature
	}
	got, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return ErrBadSignature
	}
	sum, err := hex.DecodeString(got)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(sum, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// Sign returns the signature GitHub would send for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type authorizationEvent struct {
	Action string `json:"action"`
	Sender struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
	} `json:"sender"`
}

// handleWebhook verifies the delivery and turns a revoked app authorization
// into a disconnect of that user's connection. Other events are acknowledged
// without updates.
func (c Connector) handleWebhook(_ context.Context, req registry.WebhookRequest) (schema.WebhookResult, error) {
	cfg, err := configstore.DecodeGitHubConfig(req.Config)
	if err != nil {
		return schema.WebhookResult{}, err
	}
	if cfg.WebhookSecret == "" {
		return schema.WebhookResult{}, ErrNoWebhookSecret
	}
	if err := VerifySignature(cfg.WebhookSecret, req.Input.Body, req.Input.Headers.Get(signatureHeader)); err != nil {
		return schema.WebhookResult{}, err
	}

	ack, _ := json.Marshal(map[string]bool{"ok": true})
	res := schema.WebhookResult{ConnectionUpdates: []schema.ConnectionUpdate{}, Response: ack}
	if req.Input.Headers.Get(eventHeader) != "github_app_authorization" {
		return res, nil
	}
	var ev authorizationEvent
	if err := json.Unmarshal(req.Input.Body, &ev); err != nil {
		return schema.WebhookResult{}, err
	}
	if ev.Action != "revoked" || ev.Sender.ID == 0 {
		return res, nil
	}
	msg := "Authorization revoked on GitHub by " + ev.Sender.Login
	res.ConnectionUpdates = append(res.ConnectionUpdates, schema.ConnectionUpdate{
		ExternalID:    strconv.FormatInt(ev.Sender.ID, 10),
		Status:        schema.StatusDisconnected,
		StatusMessage: &msg,
	})
	return res, nil
}
