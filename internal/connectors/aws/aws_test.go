package aws

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/identitystore"
	identitystoretypes "github.com/aws/aws-sdk-go-v2/service/identitystore/types"
	"github.com/aws/aws-sdk-go-v2/service/ssoadmin"
	ssoadmintypes "github.com/aws/aws-sdk-go-v2/service/ssoadmin/types"
	"github.com/aws/smithy-go"
	"github.com/open-sspm/open-connect/internal/connectors/configstore"
	"github.com/open-sspm/open-connect/internal/connectors/registry"
	"github.com/open-sspm/open-connect/internal/connectors/schema"
	"github.com/open-sspm/open-connect/internal/pipeline"
)

type fakeSSOAdmin struct {
	instances []ssoadmintypes.InstanceMetadata
	err       error
}

func (f *fakeSSOAdmin) ListInstances(context.Context, *ssoadmin.ListInstancesInput, ...func(*ssoadmin.Options)) (*ssoadmin.ListInstancesOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &ssoadmin.ListInstancesOutput{Instances: f.instances}, nil
}

type fakeIdentityStore struct {
	pages    map[string][]identitystoretypes.User
	next     map[string]string
	storeIDs []string
}

func (f *fakeIdentityStore) ListUsers(_ context.Context, in *identitystore.ListUsersInput, _ ...func(*identitystore.Options)) (*identitystore.ListUsersOutput, error) {
	f.storeIDs = append(f.storeIDs, aws.ToString(in.IdentityStoreId))
	token := aws.ToString(in.NextToken)
	out := &identitystore.ListUsersOutput{Users: f.pages[token]}
	if n := f.next[token]; n != "" {
		out.NextToken = aws.String(n)
	}
	return out, nil
}

func instance(arn, store, name string) ssoadmintypes.InstanceMetadata {
	return ssoadmintypes.InstanceMetadata{InstanceArn: aws.String(arn), IdentityStoreId: aws.String(store), Name: aws.String(name)}
}

func user(id, userName, email string) identitystoretypes.User {
	u := identitystoretypes.User{UserId: aws.String(id), UserName: aws.String(userName)}
	if email != "" {
		u.Emails = []identitystoretypes.Email{{Value: aws.String(email)}}
	}
	return u
}

func connectorWith(sso *fakeSSOAdmin, ids *fakeIdentityStore) Connector {
	return Connector{NewClient: func(_ context.Context, cfg configstore.AWSConfig, _ configstore.AWSSettings) (*Client, error) {
		return NewWithClients(cfg, sso, ids)
	}}
}

var testConfig = json.RawMessage(`{"region":"eu-west-1"}`)

func TestPostConnectKeysByIdentityStore(t *testing.T) {
	t.Parallel()

	c := connectorWith(&fakeSSOAdmin{instances: []ssoadmintypes.InstanceMetadata{instance("arn:aws:sso:::instance/ssoins-1", "d-123", "corp")}}, &fakeIdentityStore{})
	u, err := c.Bundle().PostConnect(context.Background(), registry.PostConnectInput{
		Config: testConfig,
		Output: json.RawMessage(`{"auth_type":"access_key","access_key_id":"AKIA","secret_access_key":"s3cr3t"}`),
	})
	if err != nil {
		t.Fatalf("PostConnect() err = %v", err)
	}
	if u.ExternalID != "d-123" || u.DisplayName != "corp" || u.Status != schema.StatusHealthy {
		t.Fatalf("PostConnect() = %+v", u)
	}
	if _, err := c.Bundle().PostConnect(context.Background(), registry.PostConnectInput{
		Config: testConfig,
		Output: json.RawMessage(`{"auth_type":"access_key"}`),
	}); err == nil {
		t.Fatal("PostConnect(missing keys) err = nil")
	}
}

func TestResolveInstance(t *testing.T) {
	t.Parallel()

	two := []ssoadmintypes.InstanceMetadata{instance("arn:1", "d-1", "one"), instance("arn:2", "d-2", "two")}
	tests := []struct {
		name      string
		arn       string
		instances []ssoadmintypes.InstanceMetadata
		wantStore string
		wantErr   bool
	}{
		{name: "single", instances: two[:1], wantStore: "d-1"},
		{name: "configured", arn: "arn:2", instances: two, wantStore: "d-2"},
		{name: "ambiguous", instances: two, wantErr: true},
		{name: "missing", arn: "arn:9", instances: two, wantErr: true},
		{name: "none", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			client, err := NewWithClients(configstore.AWSConfig{Region: "us-east-1", InstanceARN: tt.arn}, &fakeSSOAdmin{instances: tt.instances}, nil)
			if err != nil {
				t.Fatalf("NewWithClients() err = %v", err)
			}
			inst, err := client.ResolveInstance(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("ResolveInstance() err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && inst.IdentityStoreID != tt.wantStore {
				t.Fatalf("ResolveInstance() = %+v, want %s", inst, tt.wantStore)
			}
		})
	}
}

func TestCheckMapsAccessDenied(t *testing.T) {
	t.Parallel()

	denied := &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "no"}
	tests := []struct {
		name    string
		sso     *fakeSSOAdmin
		want    schema.Status
		wantErr bool
	}{
		{name: "healthy", sso: &fakeSSOAdmin{instances: []ssoadmintypes.InstanceMetadata{instance("arn:1", "d-1", "one")}}, want: schema.StatusHealthy},
		{name: "denied", sso: &fakeSSOAdmin{err: denied}, want: schema.StatusError},
		{name: "throttled", sso: &fakeSSOAdmin{err: &smithy.GenericAPIError{Code: "ThrottlingException"}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := connectorWith(tt.sso, &fakeIdentityStore{})
			inst, err := c.Bundle().Instance(context.Background(), registry.InstanceInput{Config: testConfig})
			if err != nil {
				t.Fatalf("Instance() err = %v", err)
			}
			u, err := c.Bundle().CheckConnection(context.Background(), registry.ConnectionInput{Config: testConfig, Instance: inst})
			if (err != nil) != tt.wantErr {
				t.Fatalf("CheckConnection() err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && u.Status != tt.want {
				t.Fatalf("CheckConnection() = %q, want %q", u.Status, tt.want)
			}
		})
	}
	if !errors.Is(classify(denied), ErrAccessDenied) {
		t.Fatal("classify(AccessDeniedException) is not ErrAccessDenied")
	}
}

func TestSourceSyncFollowsNextToken(t *testing.T) {
	t.Parallel()

	ids := &fakeIdentityStore{
		pages: map[string][]identitystoretypes.User{
			"":   {user("u1", "ada", "ada@example.com")},
			"p2": {user("u2", "grace", "")},
		},
		next: map[string]string{"": "p2"},
	}
	c := connectorWith(&fakeSSOAdmin{instances: []ssoadmintypes.InstanceMetadata{instance("arn:1", "d-1", "one")}}, ids)
	inst, err := c.Bundle().Instance(context.Background(), registry.InstanceInput{Config: testConfig})
	if err != nil {
		t.Fatalf("Instance() err = %v", err)
	}
	ops, err := pipeline.Collect(c.Bundle().SourceSync(context.Background(), registry.SourceSyncInput{
		ConnectionInput: registry.ConnectionInput{Instance: inst},
	}))
	if err != nil {
		t.Fatalf("SourceSync() err = %v", err)
	}
	var states []string
	var users []string
	for _, op := range ops {
		switch op.Type {
		case pipeline.OpData:
			users = append(users, op.Data.ID)
		case pipeline.OpStateUpdate:
			states = append(states, string(op.State))
		}
	}
	if len(users) != 2 || users[0] != "u1" || users[1] != "u2" {
		t.Fatalf("users = %v", users)
	}
	if len(states) != 2 || states[0] != `{"next_token":"p2"}` || states[1] != `{}` {
		t.Fatalf("states = %v", states)
	}
	for _, id := range ids.storeIDs {
		if id != "d-1" {
			t.Fatalf("ListUsers identity store = %q, want d-1", id)
		}
	}
}

func TestListIntegrations(t *testing.T) {
	t.Parallel()

	c := connectorWith(&fakeSSOAdmin{instances: []ssoadmintypes.InstanceMetadata{instance("arn:1", "d-1", ""), instance("arn:2", "d-2", "two")}}, nil)
	page, err := c.Bundle().ListIntegrations(context.Background(), registry.ListIntegrationsInput{Config: testConfig})
	if err != nil {
		t.Fatalf("ListIntegrations() err = %v", err)
	}
	if len(page.Items) != 2 || page.Items[0].Name != "arn:1" || page.Items[1].ExternalID != "d-2" {
		t.Fatalf("ListIntegrations() = %+v", page)
	}
}
