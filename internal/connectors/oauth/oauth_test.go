package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/open-sspm/open-connect/internal/connectors/configstore"
	"github.com/open-sspm/open-connect/internal/connectors/registry"
	"github.com/open-sspm/open-connect/internal/connectors/schema"
	"github.com/open-sspm/open-connect/internal/ids"
	"golang.org/x/oauth2"
)

type tokenServer struct {
	*httptest.Server
	mu    sync.Mutex
	forms []url.Values
	body  string
	code  int
}

func newTokenServer(t *testing.T, body string) *tokenServer {
	t.Helper()
	ts := &tokenServer{body: body, code: http.StatusOK}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ts.mu.Lock()
		ts.forms = append(ts.forms, r.PostForm)
		code, body := ts.code, ts.body
		ts.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) lastForm() url.Values {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.forms) == 0 {
		return nil
	}
	return ts.forms[len(ts.forms)-1]
}

func testProvider(ts *tokenServer) (Provider, configstore.OAuthAppConfig) {
	p := Provider{
		Connector: "github",
		Endpoint:  oauth2.Endpoint{AuthURL: "https://idp.example.com/authorize", TokenURL: "https://idp.example.com/token"},
	}
	app := configstore.OAuthAppConfig{ClientID: "client", ClientSecret: "secret", Scopes: []string{"read:org"}}
	if ts != nil {
		p.HTTPClient = ts.Client()
		app.TokenURL = ts.URL + "/token"
	}
	return p, app
}

func TestPreConnectBuildsAuthorizationURL(t *testing.T) {
	t.Parallel()

	p, app := testProvider(nil)
	in, err := p.PreConnect(app, schema.ConnectContext{RedirectURL: "https://app.example.com/connect/callback"}, json.RawMessage(`{"scopes":["repo","read:org"]}`))
	if err != nil {
		t.Fatalf("PreConnect() err = %v", err)
	}
	id, err := ids.ParseWithPrefix(in.ConnectionID, ids.PrefixConnection)
	if err != nil || id.ConnectorName != "github" {
		t.Fatalf("ConnectionID = %q (err %v)", in.ConnectionID, err)
	}
	if decoded, _ := ids.DecodeState(in.State); decoded != in.ConnectionID {
		t.Fatalf("state decodes to %q, want %q", decoded, in.ConnectionID)
	}

	u, err := url.Parse(in.AuthorizationURL)
	if err != nil {
		t.Fatalf("url.Parse() err = %v", err)
	}
	q := u.Query()
	if u.Host != "idp.example.com" || q.Get("client_id") != "client" || q.Get("state") != in.State {
		t.Fatalf("AuthorizationURL = %s", in.AuthorizationURL)
	}
	if q.Get("redirect_uri") != "https://app.example.com/connect/callback" {
		t.Fatalf("redirect_uri = %q", q.Get("redirect_uri"))
	}
	if q.Get("scope") != "read:org repo" {
		t.Fatalf("scope = %q, want merged scopes", q.Get("scope"))
	}
}

func TestPreConnectReconnectKeepsConnectionID(t *testing.T) {
	t.Parallel()

	p, app := testProvider(nil)
	tests := []struct {
		external string
		want     string
	}{
		{external: "abc", want: "conn_github_abc"},
		{external: "conn_github_xyz", want: "conn_github_xyz"},
	}
	for _, tt := range tests {
		in, err := p.PreConnect(app, schema.ConnectContext{ConnectionExternalID: tt.external}, nil)
		if err != nil {
			t.Fatalf("PreConnect() err = %v", err)
		}
		if in.ConnectionID != tt.want {
			t.Fatalf("PreConnect(%q) connection = %q, want %q", tt.external, in.ConnectionID, tt.want)
		}
	}

	if _, err := p.PreConnect(configstore.OAuthAppConfig{}, schema.ConnectContext{}, nil); err == nil {
		t.Fatal("PreConnect() err = nil, want missing client id")
	}
}

func TestExchange(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t, `{"access_token":"at-1","token_type":"bearer","refresh_token":"rt-1","expires_in":3600,"scope":"repo"}`)
	p, app := testProvider(ts)
	state := ids.EncodeState("conn_github_abc")
	output, _ := json.Marshal(ConnectOutput{Code: "c0de", State: state})

	u, tok, err := p.Exchange(context.Background(), app, schema.ConnectContext{CustomerID: "cust-1"}, output)
	if err != nil {
		t.Fatalf("Exchange() err = %v", err)
	}
	if tok.AccessToken != "at-1" || u.ExternalID != "abc" || u.CustomerID != "cust-1" {
		t.Fatalf("Exchange() = %+v, token %+v", u, tok)
	}
	if form := ts.lastForm(); form.Get("code") != "c0de" || form.Get("grant_type") != "authorization_code" {
		t.Fatalf("token request form = %v", form)
	}
	settings, ok := schema.ParseOAuthSettings(u.Settings)
	if !ok {
		t.Fatalf("settings %s have no oauth section", u.Settings)
	}
	if !settings.Credentials.Refreshable() || settings.Credentials.Scope != "repo" {
		t.Fatalf("credentials = %+v", settings.Credentials)
	}
}

func TestExchangeRejectsBadState(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t, `{"access_token":"at"}`)
	p, app := testProvider(ts)
	tests := []struct {
		name  string
		state string
	}{
		{name: "garbage", state: "***"},
		{name: "config id", state: ids.EncodeState("ccfg_github_abc")},
		{name: "other connector", state: ids.EncodeState("conn_google_abc")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			output, _ := json.Marshal(ConnectOutput{Code: "c", State: tt.state})
			if _, _, err := p.Exchange(context.Background(), app, schema.ConnectContext{}, output); err == nil {
				t.Fatal("Exchange() err = nil, want error")
			}
		})
	}
}

func TestExchangeTokenEndpointError(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t, `{"error":"invalid_grant"}`)
	ts.code = http.StatusBadRequest
	p, app := testProvider(ts)
	output, _ := json.Marshal(ConnectOutput{Code: "c", State: ids.EncodeState("conn_github_abc")})
	if _, _, err := p.Exchange(context.Background(), app, schema.ConnectContext{}, output); err == nil {
		t.Fatal("Exchange() err = nil, want token error")
	}
}

func TestRefresh(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t, `{"access_token":"at-2","token_type":"bearer","expires_in":3600}`)
	p, app := testProvider(ts)
	settings, err := schema.WithOAuthSettings(json.RawMessage(`{"login":"octocat"}`), schema.OAuthSettings{
		Credentials: schema.OAuthCredentials{AccessToken: "at-1", RefreshToken: "rt-1", Scope: "repo"},
	})
	if err != nil {
		t.Fatalf("WithOAuthSettings() err = %v", err)
	}

	next, err := p.Refresh(context.Background(), app, settings)
	if err != nil {
		t.Fatalf("Refresh() err = %v", err)
	}
	if form := ts.lastForm(); form.Get("grant_type") != "refresh_token" || form.Get("refresh_token") != "rt-1" {
		t.Fatalf("token request form = %v", form)
	}
	got, _ := schema.ParseOAuthSettings(next)
	if got.Credentials.AccessToken != "at-2" || got.Credentials.RefreshToken != "rt-1" || got.Credentials.Scope != "repo" {
		t.Fatalf("credentials = %+v", got.Credentials)
	}
	if !strings.Contains(string(next), `"login":"octocat"`) {
		t.Fatalf("settings lost other keys: %s", next)
	}

	if _, err := p.Refresh(context.Background(), app, json.RawMessage(`{}`)); !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("Refresh() err = %v, want ErrNoRefreshToken", err)
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()

	p, _ := testProvider(nil)
	b := p.Capabilities(registry.Bundle{}, func(json.RawMessage) (configstore.OAuthAppConfig, error) {
		return configstore.OAuthAppConfig{}, nil
	})
	for _, c := range []registry.Capability{registry.CapPreConnect, registry.CapPostConnect, registry.CapRefreshConnection} {
		if !b.Has(c) {
			t.Fatalf("bundle missing %s", c)
		}
	}
	if b.Definition.Metadata.AuthType != schema.AuthTypeOAuth2 || len(b.Definition.Schemas.ConnectOutput) == 0 {
		t.Fatalf("definition = %+v", b.Definition)
	}
}
