package okta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/open-sspm/open-connect/internal/connectors/registry"
	"github.com/open-sspm/open-connect/internal/connectors/schema"
	"github.com/open-sspm/open-connect/internal/cursor"
	"github.com/open-sspm/open-connect/internal/pipeline"
)

var t0 = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

type fakeDirectory struct {
	token string
	users []User
	since []time.Time
}

func (f *fakeDirectory) Ping(context.Context) error {
	if f.token != "good" {
		return fmt.Errorf("%w: 401 Unauthorized", ErrUnauthorized)
	}
	return nil
}

// ListUsersUpdatedSince serves pages of two.
func (f *fakeDirectory) ListUsersUpdatedSince(_ context.Context, since time.Time, fn func([]User) error) error {
	f.since = append(f.since, since)
	var match []User
	for _, u := range f.users {
		if since.IsZero() || u.LastUpdated.After(since) {
			match = append(match, u)
		}
	}
	for len(match) > 0 {
		n := min(2, len(match))
		if err := fn(match[:n]); err != nil {
			return err
		}
		match = match[n:]
	}
	return nil
}

func userAt(id string, at time.Time) User {
	return User{ID: id, LastUpdated: &at, RawJSON: json.RawMessage(fmt.Sprintf(`{"id":%q}`, id))}
}

func newConnector(dir *fakeDirectory) Connector {
	return Connector{NewDirectory: func(baseURL, token string) (Directory, error) {
		if baseURL != "https://acme.okta.com" {
			return nil, fmt.Errorf("baseURL = %s", baseURL)
		}
		dir.token = token
		return dir, nil
	}}
}

var testConfig = json.RawMessage(`{"domain":"acme.okta.com"}`)

func TestPostConnect(t *testing.T) {
	t.Parallel()

	b := newConnector(&fakeDirectory{}).Bundle()
	u, err := b.PostConnect(context.Background(), registry.PostConnectInput{Config: testConfig, Output: json.RawMessage(`{"token":"good"}`)})
	if err != nil {
		t.Fatalf("PostConnect() err = %v", err)
	}
	if u.ExternalID != "acme.okta.com" || string(u.Settings) != `{"token":"good"}` {
		t.Fatalf("PostConnect() = %+v", u)
	}
	_, err = b.PostConnect(context.Background(), registry.PostConnectInput{Config: testConfig, Output: json.RawMessage(`{"token":"bad"}`)})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("PostConnect(bad) err = %v, want ErrUnauthorized", err)
	}
	if _, err := b.PostConnect(context.Background(), registry.PostConnectInput{Config: json.RawMessage(`{}`), Output: json.RawMessage(`{"token":"good"}`)}); err == nil {
		t.Fatal("PostConnect(no domain) err = nil")
	}
}

func TestCheck(t *testing.T) {
	t.Parallel()

	for token, want := range map[string]schema.Status{"good": schema.StatusHealthy, "revoked": schema.StatusError} {
		c := newConnector(&fakeDirectory{})
		inst, err := c.Bundle().Instance(context.Background(), registry.InstanceInput{
			Config:   testConfig,
			Settings: json.RawMessage(fmt.Sprintf(`{"token":%q}`, token)),
		})
		if err != nil {
			t.Fatalf("Instance() err = %v", err)
		}
		u, err := c.Bundle().CheckConnection(context.Background(), registry.ConnectionInput{Instance: inst})
		if err != nil {
			t.Fatalf("CheckConnection(%s) err = %v", token, err)
		}
		if u.Status != want {
			t.Fatalf("CheckConnection(%s) = %q, want %q", token, u.Status, want)
		}
	}
}

func TestSourceSyncIsIncremental(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{users: []User{userAt("u1", t0), userAt("u2", t0.Add(time.Hour)), userAt("u3", t0.Add(2*time.Hour))}}
	c := newConnector(dir)
	inst, err := c.Bundle().Instance(context.Background(), registry.InstanceInput{Config: testConfig, Settings: json.RawMessage(`{"token":"good"}`)})
	if err != nil {
		t.Fatalf("Instance() err = %v", err)
	}

	ops, err := pipeline.Collect(c.Bundle().SourceSync(context.Background(), registry.SourceSyncInput{ConnectionInput: registry.ConnectionInput{Instance: inst}}))
	if err != nil {
		t.Fatalf("SourceSync() err = %v", err)
	}
	var last json.RawMessage
	data := 0
	for _, op := range ops {
		switch op.Type {
		case pipeline.OpData:
			data++
		case pipeline.OpStateUpdate:
			last = op.State
		}
	}
	if data != 3 || ops[len(ops)-1].Type != pipeline.OpReady {
		t.Fatalf("data = %d, last op = %s", data, ops[len(ops)-1].Type)
	}
	var st syncState
	if err := json.Unmarshal(last, &st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	mark, ok := cursor.Decode[cursor.UpdatedAt](st.Cursor)
	if !ok || !mark.LastUpdatedAt.Equal(t0.Add(2*time.Hour)) || mark.LastID != "u3" {
		t.Fatalf("cursor = %+v", mark)
	}

	dir.users = append(dir.users, userAt("u4", t0.Add(3*time.Hour)))
	ops, err = pipeline.Collect(c.Bundle().SourceSync(context.Background(), registry.SourceSyncInput{
		ConnectionInput: registry.ConnectionInput{Instance: inst},
		State:           last,
	}))
	if err != nil {
		t.Fatalf("SourceSync(resume) err = %v", err)
	}
	if ops[0].Type != pipeline.OpData || ops[0].Data.ID != "u4" {
		t.Fatalf("resumed ops = %+v", ops)
	}
	if got := dir.since[len(dir.since)-1]; !got.Equal(t0.Add(2 * time.Hour)) {
		t.Fatalf("since = %v", got)
	}
}

func TestSourceSyncStopsWhenConsumerStops(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{users: []User{userAt("u1", t0), userAt("u2", t0), userAt("u3", t0)}}
	c := newConnector(dir)
	inst, _ := c.Bundle().Instance(context.Background(), registry.InstanceInput{Config: testConfig, Settings: json.RawMessage(`{"token":"good"}`)})

	seen := 0
	for op, err := range c.Bundle().SourceSync(context.Background(), registry.SourceSyncInput{ConnectionInput: registry.ConnectionInput{Instance: inst}}) {
		if err != nil {
			t.Fatalf("SourceSync() err = %v", err)
		}
		seen++
		if op.Type == pipeline.OpData {
			break
		}
	}
	if seen != 1 {
		t.Fatalf("seen = %d, want 1", seen)
	}
}
