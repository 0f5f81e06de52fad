package vault

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
	"github.com/open-sspm/open-connect/internal/connectors/configstore"
)

const defaultTimeout = 60 * time.Second

// ErrPermissionDenied is returned when Vault answers 403 to the current token.
var ErrPermissionDenied = errors.New("vault permission denied")

// Token describes the client token a connection holds.
type Token struct {
	ID          string
	Accessor    string
	EntityID    string
	DisplayName string
	Policies    []string
	TTL         time.Duration
	Renewable   bool
}

type Entity struct {
	ID       string
	Name     string
	Disabled bool
	Policies []string
	Metadata map[string]string
	RawJSON  []byte
}

type Client struct {
	client      *vaultapi.Client
	settings    configstore.VaultSettings
	namespace   string
	addressHost string
}

// New builds a client for cfg. It does not contact Vault; callers with
// AppRole settings and no token call Login first.
func New(cfg configstore.VaultConfig, settings configstore.VaultSettings, httpClient *http.Client) (*Client, error) {
	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	settings = settings.Normalized()
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	apiCfg := vaultapi.DefaultConfig()
	apiCfg.Address = cfg.Address
	apiCfg.HttpClient = httpClient
	if apiCfg.HttpClient == nil {
		apiCfg.HttpClient = &http.Client{
			Timeout:   defaultTimeout,
			Transport: buildHTTPTransport(cfg.TLSSkipVerify, cfg.TLSCACertPEM),
		}
	}
	apiCfg.MaxRetries = 2
	client, err := vaultapi.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("vault client setup: %w", err)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}
	client.ClearToken()
	if settings.Token != "" {
		client.SetToken(settings.Token)
	}

	addressHost := ""
	if parsed, err := neturl.Parse(cfg.Address); err == nil {
		addressHost = strings.ToLower(strings.TrimSpace(parsed.Hostname()))
	}
	return &Client{client: client, settings: settings, namespace: cfg.Namespace, addressHost: addressHost}, nil
}

// Login exchanges the AppRole credentials for a fresh client token and
// switches the client to it.
func (c *Client) Login(ctx context.Context) (Token, error) {
	if c.settings.AuthType != configstore.VaultAuthTypeAppRole {
		return Token{}, errors.New("vault login needs approle credentials")
	}
	loginPath := "auth/" + c.settings.AppRoleMountPath + "/login"
	secret, err := c.client.Logical().WriteWithContext(ctx, loginPath, map[string]any{
		"role_id":   c.settings.AppRoleRoleID,
		"secret_id": c.settings.AppRoleSecretID,
	})
	if err != nil {
		return Token{}, fmt.Errorf("vault approle login at %s: %w", loginPath, c.classify(err))
	}
	if secret == nil || secret.Auth == nil || strings.TrimSpace(secret.Auth.ClientToken) == "" {
		return Token{}, errors.New("vault approle login succeeded without client token")
	}
	c.client.SetToken(secret.Auth.ClientToken)
	return Token{
		ID:        secret.Auth.ClientToken,
		Accessor:  secret.Auth.Accessor,
		EntityID:  secret.Auth.EntityID,
		Policies:  dedupeNonEmpty(secret.Auth.Policies),
		TTL:       time.Duration(secret.Auth.LeaseDuration) * time.Second,
		Renewable: secret.Auth.Renewable,
	}, nil
}

// LookupSelf reads the current token.
func (c *Client) LookupSelf(ctx context.Context) (Token, error) {
	secret, err := c.client.Auth().Token().LookupSelfWithContext(ctx)
	if err != nil {
		return Token{}, fmt.Errorf("vault token lookup: %w", c.classify(err))
	}
	return tokenFromSecret(secret, c.client.Token())
}

// RenewSelf extends the current token by its default increment.
func (c *Client) RenewSelf(ctx context.Context) (Token, error) {
	secret, err := c.client.Auth().Token().RenewSelfWithContext(ctx, 0)
	if err != nil {
		return Token{}, fmt.Errorf("vault token renew: %w", c.classify(err))
	}
	if secret == nil || secret.Auth == nil {
		return Token{}, errors.New("vault token renew returned no auth")
	}
	return Token{
		ID:        c.client.Token(),
		Accessor:  secret.Auth.Accessor,
		EntityID:  secret.Auth.EntityID,
		Policies:  dedupeNonEmpty(secret.Auth.Policies),
		TTL:       time.Duration(secret.Auth.LeaseDuration) * time.Second,
		Renewable: secret.Auth.Renewable,
	}, nil
}

func (c *Client) RevokeSelf(ctx context.Context) error {
	if err := c.client.Auth().Token().RevokeSelfWithContext(ctx, ""); err != nil {
		return fmt.Errorf("vault token revoke: %w", c.classify(err))
	}
	return nil
}

func (c *Client) ListEntities(ctx context.Context) ([]Entity, error) {
	ids, err := c.listKeys(ctx, "identity/entity/id")
	if err != nil {
		return nil, err
	}
	out := make([]Entity, 0, len(ids))
	for _, id := range ids {
		data, err := c.read(ctx, "identity/entity/id/"+neturl.PathEscape(id))
		if err != nil {
			return nil, err
		}
		out = append(out, Entity{
			ID:       firstNonEmpty(mapString(data, "id"), id),
			Name:     mapString(data, "name"),
			Disabled: mapBool(data, "disabled"),
			Policies: dedupeNonEmpty(stringSlice(data["policies"])),
			Metadata: stringMap(data["metadata"]),
			RawJSON:  marshalJSON(data),
		})
	}
	return out, nil
}

func (c *Client) listKeys(ctx context.Context, path string) ([]string, error) {
	secret, err := c.client.Logical().ListWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("vault list %s: %w", path, c.classify(err))
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}
	return dedupeNonEmpty(stringSlice(secret.Data["keys"])), nil
}

func (c *Client) read(ctx context.Context, path string) (map[string]any, error) {
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("vault read %s: %w", path, c.classify(err))
	}
	if secret == nil || secret.Data == nil {
		return map[string]any{}, nil
	}
	return secret.Data, nil
}

func tokenFromSecret(secret *vaultapi.Secret, id string) (Token, error) {
	if secret == nil || secret.Data == nil {
		return Token{}, errors.New("vault token lookup returned no data")
	}
	ttl, err := secret.TokenTTL()
	if err != nil {
		return Token{}, err
	}
	renewable, err := secret.TokenIsRenewable()
	if err != nil {
		return Token{}, err
	}
	accessor, err := secret.TokenAccessor()
	if err != nil {
		return Token{}, err
	}
	policies, err := secret.TokenPolicies()
	if err != nil {
		return Token{}, err
	}
	return Token{
		ID:          id,
		Accessor:    accessor,
		EntityID:    mapString(secret.Data, "entity_id"),
		DisplayName: mapString(secret.Data, "display_name"),
		Policies:    dedupeNonEmpty(policies),
		TTL:         ttl,
		Renewable:   renewable,
	}, nil
}

// classify tags 403 answers with ErrPermissionDenied and adds the HCP
// namespace hint where it applies.
func (c *Client) classify(err error) error {
	var respErr *vaultapi.ResponseError
	if !errors.As(err, &respErr) || respErr.StatusCode != http.StatusForbidden {
		return err
	}
	err = fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	if c.namespace == "" && strings.HasSuffix(c.addressHost, ".hashicorp.cloud") {
		return fmt.Errorf("%w (tip: set namespace to \"admin\" for HCP Vault Dedicated)", err)
	}
	return err
}

func stringSlice(raw any) []string {
	switch v := raw.(type) {
	case nil:
		return nil
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if item == nil {
				continue
			}
			out = append(out, strings.TrimSpace(fmt.Sprint(item)))
		}
		return out
	default:
		value := strings.TrimSpace(fmt.Sprint(v))
		if value == "" {
			return nil
		}
		return []string{value}
	}
}

func stringMap(raw any) map[string]string {
	value, ok := raw.(map[string]any)
	if !ok {
		return map[string]string{}
	}
	out := make(map[string]string, len(value))
	for key, item := range value {
		if trimmed := strings.TrimSpace(fmt.Sprint(item)); trimmed != "" {
			out[strings.TrimSpace(key)] = trimmed
		}
	}
	return out
}

func mapString(data map[string]any, key string) string {
	raw, ok := data[key]
	if !ok || raw == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(raw))
}

func mapBool(data map[string]any, key string) bool {
	switch value := data[key].(type) {
	case bool:
		return value
	case nil:
		return false
	default:
		return strings.EqualFold(strings.TrimSpace(fmt.Sprint(value)), "true")
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func dedupeNonEmpty(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

func marshalJSON(value any) []byte {
	encoded, err := json.Marshal(value)
	if err != nil {
		return []byte("{}")
	}
	return encoded
}

func buildHTTPTransport(skipVerify bool, caCertPEM string) http.RoundTripper {
	base, _ := http.DefaultTransport.(*http.Transport)
	if base == nil {
		return http.DefaultTransport
	}
	transport := base.Clone()
	if transport.TLSClientConfig == nil {
		transport.TLSClientConfig = &tls.Config{}
	} else {
		transport.TLSClientConfig = transport.TLSClientConfig.Clone()
	}
	transport.TLSClientConfig.MinVersion = tls.VersionTLS12
	transport.TLSClientConfig.InsecureSkipVerify = skipVerify
	if strings.TrimSpace(caCertPEM) != "" {
		pool := x509.NewCertPool()
		if pool.AppendCertsFromPEM([]byte(caCertPEM)) {
			transport.TLSClientConfig.RootCAs = pool
		}
	}
	return transport
}
