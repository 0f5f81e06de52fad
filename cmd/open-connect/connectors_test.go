package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"slices"
	"strings"
	"testing"

	"github.com/open-sspm/open-connect/internal/connectors/registry"
)

func TestBuildConnectorRegistry(t *testing.T) {
	t.Parallel()

	reg, err := buildConnectorRegistry()
	if err != nil {
		t.Fatalf("buildConnectorRegistry() err = %v", err)
	}
	want := []string{"github", "google", "okta", "datadog", "aws", "vault"}
	if got := reg.Names(); !slices.Equal(got, want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	if err := reg.Register(registry.Bundle{Definition: reg.All()[0].Definition}); err == nil {
		t.Fatal("Register() after seal err = nil")
	}
	for _, b := range reg.All() {
		if !b.Has(registry.CapPostConnect) || !b.Has(registry.CapCheckConnection) {
			t.Fatalf("%s lacks postConnect or checkConnection: %v", b.Name(), b.Capabilities())
		}
	}
}

func TestWriteConnectorMatrix(t *testing.T) {
	t.Parallel()

	reg, err := buildConnectorRegistry()
	if err != nil {
		t.Fatalf("buildConnectorRegistry() err = %v", err)
	}
	var out bytes.Buffer
	if err := writeConnectorMatrix(&out, reg); err != nil {
		t.Fatalf("writeConnectorMatrix() err = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != len(reg.Names())+1 {
		t.Fatalf("lines = %d, want %d\n%s", len(lines), len(reg.Names())+1, out.String())
	}
	if !strings.HasPrefix(lines[0], "CONNECTOR") || !strings.Contains(lines[0], "listIntegrations") {
		t.Fatalf("header = %q", lines[0])
	}
}

func TestWriteConnectorsJSON(t *testing.T) {
	t.Parallel()

	reg, err := buildConnectorRegistry()
	if err != nil {
		t.Fatalf("buildConnectorRegistry() err = %v", err)
	}
	var out bytes.Buffer
	if err := writeConnectorsJSON(&out, reg); err != nil {
		t.Fatalf("writeConnectorsJSON() err = %v", err)
	}
	sc := bufio.NewScanner(&out)
	seen := map[string]connectorSummary{}
	for sc.Scan() {
		var s connectorSummary
		if err := json.Unmarshal(sc.Bytes(), &s); err != nil {
			t.Fatalf("json.Unmarshal() err = %v", err)
		}
		seen[s.Name] = s
	}
	gh, ok := seen["github"]
	if !ok || gh.AuthType != "oauth2" || !slices.Contains(gh.Capabilities, registry.CapRefreshConnection) {
		t.Fatalf("github summary = %+v", gh)
	}
	if _, ok := seen["vault"]; !ok {
		t.Fatalf("vault missing from %v", seen)
	}
}
