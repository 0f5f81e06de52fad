// Package configstore decodes, normalizes and validates the JSON documents
// connectors keep in connector_configs.config (app level) and
// connections.settings (per connection).
package configstore

import (
	"crypto/x509"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strings"
)

const (
	KindGitHub  = "github"
	KindGoogle  = "google"
	KindDatadog = "datadog"
	KindVault   = "vault"
	KindAWS     = "aws"
	KindOkta    = "okta"
)

const (
	defaultGitHubAPIBase = "https://api.github.com"
	defaultDatadogSite   = "datadoghq.com"
)

const (
	AWSAuthTypeDefaultChain = "default_chain"
	AWSAuthTypeAccessKey    = "access_key"
	VaultAuthTypeToken      = "token"
	VaultAuthTypeAppRole    = "approle"
)

// OAuthAppConfig is the client registration an OAuth connector config holds.
// AuthURL and TokenURL override the provider's endpoint when set.
type OAuthAppConfig struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Scopes       []string `json:"scopes,omitempty"`
	AuthURL      string   `json:"auth_url,omitempty"`
	TokenURL     string   `json:"token_url,omitempty"`
	RedirectURL  string   `json:"redirect_url,omitempty"`
}

func (c OAuthAppConfig) Normalized() OAuthAppConfig {
	out := c
	out.ClientID = strings.TrimSpace(out.ClientID)
	out.ClientSecret = strings.TrimSpace(out.ClientSecret)
	out.AuthURL = strings.TrimSpace(out.AuthURL)
	out.TokenURL = strings.TrimSpace(out.TokenURL)
	out.RedirectURL = strings.TrimSpace(out.RedirectURL)
	scopes := make([]string, 0, len(out.Scopes))
	for _, s := range out.Scopes {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}
	out.Scopes = scopes
	return out
}

func (c OAuthAppConfig) Validate() error {
	c = c.Normalized()
	if c.ClientID == "" {
		return errors.New("OAuth client ID is required")
	}
	if c.ClientSecret == "" {
		return errors.New("OAuth client secret is required")
	}
	for _, raw := range []string{c.AuthURL, c.TokenURL, c.RedirectURL} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Host == "" {
			return errors.New("OAuth URL " + raw + " is invalid")
		}
	}
	return nil
}

func (c OAuthAppConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("client_id", c.ClientID),
		slog.String("client_secret", MaskSecret(c.ClientSecret)),
		slog.Any("scopes", c.Scopes),
	)
}

type GitHubConfig struct {
	OAuthAppConfig
	APIBase       string `json:"api_base"`
	WebhookSecret string `json:"webhook_secret"`
}

func (c GitHubConfig) Normalized() GitHubConfig {
	out := c
	out.OAuthAppConfig = out.OAuthAppConfig.Normalized()
	out.APIBase = strings.TrimSpace(out.APIBase)
	out.WebhookSecret = strings.TrimSpace(out.WebhookSecret)
	if out.APIBase == "" {
		out.APIBase = defaultGitHubAPIBase
	}
	out.APIBase = strings.TrimRight(out.APIBase, "/")
	return out
}

func (c GitHubConfig) Validate() error {
	c = c.Normalized()
	if err := c.OAuthAppConfig.Validate(); err != nil {
		return err
	}
	if c.APIBase == "" {
		return errors.New("GitHub API base is required")
	}
	return nil
}

type GoogleConfig struct {
	OAuthAppConfig
	RevokeURL   string `json:"revoke_url,omitempty"`
	UserInfoURL string `json:"userinfo_url,omitempty"`
}

func (c GoogleConfig) Normalized() GoogleConfig {
	out := c
	out.OAuthAppConfig = out.OAuthAppConfig.Normalized()
	out.RevokeURL = strings.TrimSpace(out.RevokeURL)
	out.UserInfoURL = strings.TrimSpace(out.UserInfoURL)
	if out.RevokeURL == "" {
		out.RevokeURL = "https://oauth2.googleapis.com/revoke"
	}
	if out.UserInfoURL == "" {
		out.UserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
	}
	return out
}

func (c GoogleConfig) Validate() error {
	return c.Normalized().OAuthAppConfig.Validate()
}

// DatadogConfig selects the Datadog site; the keys live on the connection.
// APIBase, when set, wins over Site.
type DatadogConfig struct {
	Site    string `json:"site"`
	APIBase string `json:"api_base,omitempty"`
}

func (c DatadogConfig) Normalized() DatadogConfig {
	out := c
	out.Site = normalizeDatadogSite(out.Site)
	if out.Site == "" {
		out.Site = defaultDatadogSite
	}
	out.APIBase = strings.TrimRight(strings.TrimSpace(out.APIBase), "/")
	return out
}

func (c DatadogConfig) APIBaseURL() string {
	if base := strings.TrimRight(strings.TrimSpace(c.APIBase), "/"); base != "" {
		return base
	}
	site := normalizeDatadogSite(c.Site)
	if site == "" {
		site = defaultDatadogSite
	}
	return "https://api." + site
}

type DatadogSettings struct {
	APIKey string `json:"api_key"`
	AppKey string `json:"app_key"`
}

func (s DatadogSettings) Normalized() DatadogSettings {
	return DatadogSettings{APIKey: strings.TrimSpace(s.APIKey), AppKey: strings.TrimSpace(s.AppKey)}
}

func (s DatadogSettings) Validate() error {
	s = s.Normalized()
	if s.APIKey == "" {
		return errors.New("Datadog API key is required")
	}
	if s.AppKey == "" {
		return errors.New("Datadog app key is required")
	}
	return nil
}

func (s DatadogSettings) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("api_key", MaskSecret(s.APIKey)),
		slog.String("app_key", MaskSecret(s.AppKey)),
	)
}

type AWSConfig struct {
	Region      string `json:"region"`
	InstanceARN string `json:"instance_arn,omitempty"`
	// Endpoint overrides the SSO Admin endpoint, for private links and tests.
	Endpoint string `json:"endpoint,omitempty"`
}

func (c AWSConfig) Normalized() AWSConfig {
	return AWSConfig{
		Region:      strings.TrimSpace(c.Region),
		InstanceARN: strings.TrimSpace(c.InstanceARN),
		Endpoint:    strings.TrimRight(strings.TrimSpace(c.Endpoint), "/"),
	}
}

func (c AWSConfig) Validate() error {
	if c.Normalized().Region == "" {
		return errors.New("AWS region is required")
	}
	return nil
}

type AWSSettings struct {
	AuthType        string `json:"auth_type"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
	SessionToken    string `json:"session_token,omitempty"`
}

func (s AWSSettings) Normalized() AWSSettings {
	out := s
	out.AuthType = strings.ToLower(strings.TrimSpace(out.AuthType))
	if out.AuthType == "" {
		out.AuthType = AWSAuthTypeDefaultChain
	}
	out.AccessKeyID = strings.TrimSpace(out.AccessKeyID)
	out.SecretAccessKey = strings.TrimSpace(out.SecretAccessKey)
	out.SessionToken = strings.TrimSpace(out.SessionToken)
	if out.AuthType == AWSAuthTypeDefaultChain {
		out.AccessKeyID, out.SecretAccessKey, out.SessionToken = "", "", ""
	}
	return out
}

func (s AWSSettings) Validate() error {
	s = s.Normalized()
	switch s.AuthType {
	case AWSAuthTypeDefaultChain:
		return nil
	case AWSAuthTypeAccessKey:
		if s.AccessKeyID == "" {
			return errors.New("AWS access key ID is required")
		}
		if s.SecretAccessKey == "" {
			return errors.New("AWS secret access key is required")
		}
		return nil
	default:
		return errors.New("AWS credentials type is invalid")
	}
}

func (s AWSSettings) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("auth_type", s.AuthType),
		slog.String("access_key_id", MaskSecret(s.AccessKeyID)),
	)
}

// VaultConfig points at one Vault cluster.
type VaultConfig struct {
	Address       string `json:"address"`
	Namespace     string `json:"namespace"`
	TLSSkipVerify bool   `json:"tls_skip_verify"`
	TLSCACertPEM  string `json:"tls_ca_cert_pem"`
}

func (c VaultConfig) Normalized() VaultConfig {
	out := c
	out.Address = normalizeVaultAddress(out.Address)
	out.Namespace = strings.TrimSpace(out.Namespace)
	out.TLSCACertPEM = strings.TrimSpace(out.TLSCACertPEM)
	return out
}

func (c VaultConfig) Validate() error {
	c = c.Normalized()
	if c.Address == "" {
		return errors.New("Vault address is required")
	}
	parsed, err := url.Parse(c.Address)
	if err != nil {
		return errors.New("Vault address is invalid")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.New("Vault address must use http or https")
	}
	if strings.TrimSpace(parsed.Hostname()) == "" {
		return errors.New("Vault address host is required")
	}
	if c.TLSCACertPEM != "" {
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM([]byte(c.TLSCACertPEM)); !ok {
			return errors.New("Vault CA certificate PEM is invalid")
		}
	}
	return nil
}

// SourceName is the host the connection is labeled with.
func (c VaultConfig) SourceName() string {
	c = c.Normalized()
	if c.Address == "" {
		return ""
	}
	u, err := url.Parse(c.Address)
	if err != nil {
		return ""
	}
	if host := strings.TrimSpace(u.Hostname()); host != "" {
		return host
	}
	return strings.TrimSpace(u.Host)
}

// VaultSettings are the credentials of one Vault connection. With AppRole,
// Token is the current client token and is re-issued on refresh.
type VaultSettings struct {
	AuthType         string `json:"auth_type"`
	Token            string `json:"token,omitempty"`
	TokenAccessor    string `json:"token_accessor,omitempty"`
	AppRoleMountPath string `json:"approle_mount_path,omitempty"`
	AppRoleRoleID    string `json:"approle_role_id,omitempty"`
	AppRoleSecretID  string `json:"approle_secret_id,omitempty"`
}

func (s VaultSettings) Normalized() VaultSettings {
	out := s
	out.AuthType = strings.ToLower(strings.TrimSpace(out.AuthType))
	if out.AuthType == "" {
		out.AuthType = VaultAuthTypeToken
	}
	out.Token = strings.TrimSpace(out.Token)
	out.AppRoleMountPath = normalizeVaultMountPath(out.AppRoleMountPath)
	if out.AuthType == VaultAuthTypeAppRole && out.AppRoleMountPath == "" {
		out.AppRoleMountPath = "approle"
	}
	out.AppRoleRoleID = strings.TrimSpace(out.AppRoleRoleID)
	out.AppRoleSecretID = strings.TrimSpace(out.AppRoleSecretID)
	return out
}

func (s VaultSettings) Validate() error {
	s = s.Normalized()
	switch s.AuthType {
	case VaultAuthTypeToken:
		if s.Token == "" {
			return errors.New("Vault token is required")
		}
	case VaultAuthTypeAppRole:
		if s.AppRoleRoleID == "" {
			return errors.New("Vault AppRole role ID is required")
		}
		if s.AppRoleSecretID == "" {
			return errors.New("Vault AppRole secret ID is required")
		}
	default:
		return errors.New("Vault auth type is invalid")
	}
	return nil
}

func (s VaultSettings) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("auth_type", s.AuthType),
		slog.String("token", MaskSecret(s.Token)),
		slog.String("approle_role_id", s.AppRoleRoleID),
	)
}

type OktaConfig struct {
	Domain string `json:"domain"`
}

func (c OktaConfig) Normalized() OktaConfig {
	return OktaConfig{Domain: strings.TrimSpace(c.Domain)}
}

func (c OktaConfig) BaseURL() string {
	base := strings.TrimSpace(c.Domain)
	if base == "" {
		return ""
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return strings.TrimRight(base, "/")
}

func (c OktaConfig) Validate() error {
	if c.Normalized().Domain == "" {
		return errors.New("Okta domain is required")
	}
	return nil
}

type OktaSettings struct {
	Token string `json:"token"`
}

func (s OktaSettings) Validate() error {
	if strings.TrimSpace(s.Token) == "" {
		return errors.New("Okta token is required")
	}
	return nil
}

func (s OktaSettings) LogValue() slog.Value {
	return slog.StringValue(MaskSecret(s.Token))
}

// Decode reads raw into a T. Empty input and JSON null decode to the zero
// value.
func Decode[T any](raw []byte) (T, error) {
	var out T
	return out, decodeJSON(raw, &out)
}

func DecodeGitHubConfig(raw []byte) (GitHubConfig, error) {
	cfg, err := Decode[GitHubConfig](raw)
	return cfg.Normalized(), err
}

func DecodeGoogleConfig(raw []byte) (GoogleConfig, error) {
	cfg, err := Decode[GoogleConfig](raw)
	return cfg.Normalized(), err
}

func DecodeDatadogConfig(raw []byte) (DatadogConfig, error) {
	cfg, err := Decode[DatadogConfig](raw)
	return cfg.Normalized(), err
}

func DecodeAWSConfig(raw []byte) (AWSConfig, error) {
	cfg, err := Decode[AWSConfig](raw)
	return cfg.Normalized(), err
}

func DecodeVaultConfig(raw []byte) (VaultConfig, error) {
	cfg, err := Decode[VaultConfig](raw)
	return cfg.Normalized(), err
}

func DecodeVaultSettings(raw []byte) (VaultSettings, error) {
	s := VaultSettings{AuthType: VaultAuthTypeToken}
	if err := decodeJSON(raw, &s); err != nil {
		return VaultSettings{}, err
	}
	return s.Normalized(), nil
}

func DecodeOktaConfig(raw []byte) (OktaConfig, error) {
	cfg, err := Decode[OktaConfig](raw)
	return cfg.Normalized(), err
}

func EncodeConfig(v any) ([]byte, error) {
	return json.Marshal(v)
}

func MaskSecret(secret string) string {
	s := strings.TrimSpace(secret)
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	tail := s[len(s)-4:]
	prefix := ""
	if idx := strings.Index(s, "_"); idx > 0 && idx <= 6 {
		prefix = s[:idx+1]
	}
	return prefix + "****" + tail
}

func decodeJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func normalizeDatadogSite(raw string) string {
	site := strings.TrimSpace(raw)
	if site == "" {
		return ""
	}
	if strings.Contains(site, "://") {
		if u, err := url.Parse(site); err == nil && u.Host != "" {
			site = u.Host
		}
	}
	site = strings.Trim(site, "/")
	site = strings.TrimPrefix(site, "api.")
	return site
}

func normalizeVaultAddress(raw string) string {
	addr := strings.TrimSpace(raw)
	if addr == "" {
		return ""
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "https://" + addr
	}
	parsed, err := url.Parse(addr)
	if err != nil {
		return strings.TrimRight(addr, "/")
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return strings.TrimSpace(parsed.String())
}

func normalizeVaultMountPath(raw string) string {
	return strings.Trim(strings.TrimSpace(raw), "/")
}
