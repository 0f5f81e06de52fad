// Package ids builds and parses the prefixed entity identifiers shared by
// connector configs, connections and outbox events.
//
// An id has the form "<prefix>_<connector>_<external>". The connector segment
// never contains an underscore, so the first two underscores are always the
// separators; the external fragment may contain anything.
package ids

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type Prefix string

const (
	PrefixConnectorConfig Prefix = "ccfg"
	PrefixConnection      Prefix = "conn"
	PrefixIntegration     Prefix = "int"
	PrefixEvent           Prefix = "evt"
)

var ErrInvalidID = errors.New("invalid id")

// ID is a parsed identifier.
type ID struct {
	Prefix        Prefix
	ConnectorName string
	External      string
}

func (id ID) String() string {
	return Make(id.Prefix, id.ConnectorName, id.External)
}

// Make joins the segments without validation.
func Make(prefix Prefix, connectorName, external string) string {
	return string(prefix) + "_" + connectorName + "_" + external
}

// New generates an id with a random external fragment.
func New(prefix Prefix, connectorName string) string {
	ext, err := uuid.NewV7()
	if err != nil {
		ext = uuid.New()
	}
	return Make(prefix, connectorName, strings.ReplaceAll(ext.String(), "-", ""))
}

func Parse(raw string) (ID, error) {
	raw = strings.TrimSpace(raw)
	prefix, rest, ok := strings.Cut(raw, "_")
	if !ok || prefix == "" {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, raw)
	}
	connector, external, ok := strings.Cut(rest, "_")
	if !ok || connector == "" || external == "" {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, raw)
	}
	return ID{Prefix: Prefix(prefix), ConnectorName: connector, External: external}, nil
}

// ParseWithPrefix parses raw and requires the given prefix.
func ParseWithPrefix(raw string, prefix Prefix) (ID, error) {
	id, err := Parse(raw)
	if err != nil {
		return ID{}, err
	}
	if id.Prefix != prefix {
		return ID{}, fmt.Errorf("%w: %q does not start with %s_", ErrInvalidID, raw, prefix)
	}
	return id, nil
}

// ConnectorName extracts the connector segment, or "" if raw is malformed.
func ConnectorName(raw string) string {
	id, err := Parse(raw)
	if err != nil {
		return ""
	}
	return id.ConnectorName
}

// EncodeState encodes a connection id as an OAuth state parameter.
func EncodeState(connectionID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(connectionID))
}

// DecodeState reverses EncodeState. Padded input is accepted.
func DecodeState(state string) (string, error) {
	state = strings.TrimRight(strings.TrimSpace(state), "=")
	if state == "" {
		return "", fmt.Errorf("%w: empty state", ErrInvalidID)
	}
	raw, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		return "", fmt.Errorf("%w: state is not base64url: %v", ErrInvalidID, err)
	}
	return string(raw), nil
}
