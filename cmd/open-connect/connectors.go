package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/open-sspm/open-connect/internal/connectors/aws"
	"github.com/open-sspm/open-connect/internal/connectors/datadog"
	"github.com/open-sspm/open-connect/internal/connectors/github"
	"github.com/open-sspm/open-connect/internal/connectors/google"
	"github.com/open-sspm/open-connect/internal/connectors/okta"
	"github.com/open-sspm/open-connect/internal/connectors/registry"
	"github.com/open-sspm/open-connect/internal/connectors/vault"
)

const connectorHTTPTimeout = 30 * time.Second

// buildConnectorRegistry registers every built-in connector and seals the
// registry.
func buildConnectorRegistry() (*registry.ConnectorRegistry, error) {
	httpClient := &http.Client{Timeout: connectorHTTPTimeout}
	reg := registry.NewRegistry()
	for _, b := range []registry.Bundle{
		github.Connector{HTTPClient: httpClient}.Bundle(),
		google.Connector{HTTPClient: httpClient}.Bundle(),
		okta.Connector{}.Bundle(),
		datadog.Connector{HTTPClient: httpClient}.Bundle(),
		aws.Connector{HTTPClient: httpClient}.Bundle(),
		vault.Connector{HTTPClient: httpClient}.Bundle(),
	} {
		if err := reg.Register(b); err != nil {
			return nil, err
		}
	}
	return reg.Seal(), nil
}

var connectorsJSON bool

var connectorsCmd = &cobra.Command{
	Use:   "connectors",
	Short: "List built-in connectors and the capabilities they implement.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := buildConnectorRegistry()
		if err != nil {
			return err
		}
		if connectorsJSON {
			return writeConnectorsJSON(cmd.OutOrStdout(), reg)
		}
		return writeConnectorMatrix(cmd.OutOrStdout(), reg)
	},
}

func init() {
	connectorsCmd.Flags().BoolVar(&connectorsJSON, "json", false, "print one JSON object per connector")
}

type connectorSummary struct {
	Name         string                `json:"name"`
	DisplayName  string                `json:"display_name"`
	AuthType     string                `json:"auth_type"`
	Capabilities []registry.Capability `json:"capabilities"`
}

func writeConnectorsJSON(w io.Writer, reg *registry.ConnectorRegistry) error {
	enc := json.NewEncoder(w)
	for _, b := range reg.All() {
		if err := enc.Encode(connectorSummary{
			Name:         b.Name(),
			DisplayName:  b.Definition.Metadata.DisplayName,
			AuthType:     string(b.Definition.Metadata.AuthType),
			Capabilities: b.Capabilities(),
		}); err != nil {
			return err
		}
	}
	return nil
}

// writeConnectorMatrix prints one row per connector and one column per
// capability.
func writeConnectorMatrix(w io.Writer, reg *registry.ConnectorRegistry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	header := []string{"CONNECTOR", "AUTH"}
	for _, c := range registry.AllCapabilities {
		header = append(header, string(c))
	}
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, b := range reg.All() {
		row := []string{b.Name(), string(b.Definition.Metadata.AuthType)}
		for _, c := range registry.AllCapabilities {
			mark := "-"
			if b.Has(c) {
				mark = "yes"
			}
			row = append(row, mark)
		}
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}
