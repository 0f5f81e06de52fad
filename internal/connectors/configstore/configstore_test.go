package configstore

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestVaultSettingsValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		settings VaultSettings
		wantErr  bool
	}{
		{name: "token auth valid", settings: VaultSettings{Token: "s.test"}},
		{name: "token auth missing token", settings: VaultSettings{AuthType: VaultAuthTypeToken}, wantErr: true},
		{
			name:     "approle auth valid",
			settings: VaultSettings{AuthType: VaultAuthTypeAppRole, AppRoleRoleID: "role-id", AppRoleSecretID: "secret-id"},
		},
		{
			name:     "approle auth missing secret id",
			settings: VaultSettings{AuthType: VaultAuthTypeAppRole, AppRoleRoleID: "role-id"},
			wantErr:  true,
		},
		{name: "unknown auth type", settings: VaultSettings{AuthType: "ldap"}, wantErr: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			err := test.settings.Validate()
			if test.wantErr && err == nil {
				t.Fatalf("Validate() error = nil, want error")
			}
			if !test.wantErr && err != nil {
				t.Fatalf("Validate() error = %v, want nil", err)
			}
		})
	}
}

func TestVaultConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  VaultConfig
		wantErr bool
	}{
		{name: "valid", config: VaultConfig{Address: "https://vault.example.com"}},
		{name: "bare host gets https", config: VaultConfig{Address: "vault.internal:8200"}},
		{name: "missing address", config: VaultConfig{}, wantErr: true},
		{name: "invalid CA cert", config: VaultConfig{Address: "https://vault.example.com", TLSCACertPEM: "not-pem"}, wantErr: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			err := test.config.Validate()
			if (err != nil) != test.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, test.wantErr)
			}
		})
	}
}

func TestDecodeVaultSettingsDefaults(t *testing.T) {
	t.Parallel()

	s, err := DecodeVaultSettings(nil)
	if err != nil {
		t.Fatalf("DecodeVaultSettings(nil) error = %v", err)
	}
	if s.AuthType != VaultAuthTypeToken {
		t.Fatalf("auth type = %q, want token", s.AuthType)
	}

	s, err = DecodeVaultSettings([]byte(`{"auth_type":"AppRole","approle_mount_path":"/platform/approle/"}`))
	if err != nil {
		t.Fatalf("DecodeVaultSettings() error = %v", err)
	}
	if s.AuthType != VaultAuthTypeAppRole || s.AppRoleMountPath != "platform/approle" {
		t.Fatalf("DecodeVaultSettings() = %+v", s)
	}
}

func TestGitHubConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := DecodeGitHubConfig([]byte(`{"client_id":" id ","client_secret":"s","scopes":["repo"," ",""],"api_base":"https://ghe.example.com/api/v3/"}`))
	if err != nil {
		t.Fatalf("DecodeGitHubConfig() error = %v", err)
	}
	if cfg.ClientID != "id" || cfg.APIBase != "https://ghe.example.com/api/v3" || len(cfg.Scopes) != 1 {
		t.Fatalf("DecodeGitHubConfig() = %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	empty, _ := DecodeGitHubConfig(nil)
	if empty.APIBase != defaultGitHubAPIBase {
		t.Fatalf("APIBase = %q, want default", empty.APIBase)
	}
	if err := empty.Validate(); err == nil {
		t.Fatal("Validate() error = nil, want missing client id")
	}
}

func TestDatadogAPIBaseURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cfg  DatadogConfig
		want string
	}{
		{cfg: DatadogConfig{}, want: "https://api.datadoghq.com"},
		{cfg: DatadogConfig{Site: "https://api.datadoghq.eu/"}, want: "https://api.datadoghq.eu"},
		{cfg: DatadogConfig{Site: "us5.datadoghq.com", APIBase: "http://127.0.0.1:9/"}, want: "http://127.0.0.1:9"},
	}
	for _, tt := range tests {
		if got := tt.cfg.APIBaseURL(); got != tt.want {
			t.Fatalf("APIBaseURL(%+v) = %q, want %q", tt.cfg, got, tt.want)
		}
	}
}

func TestAWSSettingsDefaultChainDropsKeys(t *testing.T) {
	t.Parallel()

	s := AWSSettings{AccessKeyID: "AKIA", SecretAccessKey: "x"}.Normalized()
	if s.AuthType != AWSAuthTypeDefaultChain || s.AccessKeyID != "" {
		t.Fatalf("Normalized() = %+v", s)
	}
	if err := (AWSSettings{AuthType: AWSAuthTypeAccessKey, AccessKeyID: "AKIA"}).Validate(); err == nil {
		t.Fatal("Validate() error = nil, want missing secret")
	}
}

func TestSecretsAreMaskedInLogs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("settings",
		"datadog", DatadogSettings{APIKey: "dd_apikey123456", AppKey: "appkey987654"},
		"okta", OktaSettings{Token: "00abcdef1234"},
		"vault", VaultSettings{AuthType: VaultAuthTypeToken, Token: "hvs.secretvalue"},
	)
	out := buf.String()
	for _, secret := range []string{"apikey123456", "appkey987654", "00abcdef1234", "hvs.secretvalue"} {
		if strings.Contains(out, secret) {
			t.Fatalf("log leaked %q: %s", secret, out)
		}
	}
	if !strings.Contains(out, "dd_****3456") {
		t.Fatalf("log = %s, want masked api key", out)
	}
}

func TestMaskSecret(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":              "",
		"abc":           "****",
		"ghp_123456789": "ghp_****6789",
		"plainsecret":   "****cret",
	}
	for in, want := range tests {
		if got := MaskSecret(in); got != want {
			t.Fatalf("MaskSecret(%q) = %q, want %q", in, got, want)
		}
	}
}
