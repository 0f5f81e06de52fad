package ids

import (
	"errors"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    ID
		wantErr bool
	}{
		{name: "connection", raw: "conn_github_abc", want: ID{Prefix: PrefixConnection, ConnectorName: "github", External: "abc"}},
		{name: "external keeps underscores", raw: "ccfg_google_a_b_c", want: ID{Prefix: PrefixConnectorConfig, ConnectorName: "google", External: "a_b_c"}},
		{name: "hyphenated connector", raw: "conn_google-drive_1", want: ID{Prefix: PrefixConnection, ConnectorName: "google-drive", External: "1"}},
		{name: "missing external", raw: "conn_github_", wantErr: true},
		{name: "missing connector", raw: "conn__x", wantErr: true},
		{name: "no separators", raw: "conn", wantErr: true},
		{name: "empty", raw: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidID) {
					t.Fatalf("Parse(%q) err = %v, want ErrInvalidID", tt.raw, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) err = %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("Parse(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
			if got.String() != tt.raw {
				t.Fatalf("String() = %q, want %q", got.String(), tt.raw)
			}
		})
	}
}

func TestParseWithPrefix_RejectsOtherPrefix(t *testing.T) {
	t.Parallel()

	if _, err := ParseWithPrefix("ccfg_github_1", PrefixConnection); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("ParseWithPrefix() err = %v, want ErrInvalidID", err)
	}
}

func TestNew_GeneratesDistinctIDs(t *testing.T) {
	t.Parallel()

	a := New(PrefixConnection, "github")
	b := New(PrefixConnection, "github")
	if a == b {
		t.Fatalf("New() returned duplicate id %q", a)
	}
	if !strings.HasPrefix(a, "conn_github_") {
		t.Fatalf("New() = %q, want conn_github_ prefix", a)
	}
	if ConnectorName(a) != "github" {
		t.Fatalf("ConnectorName(%q) = %q", a, ConnectorName(a))
	}
}

func TestStateRoundTrip(t *testing.T) {
	t.Parallel()

	id := "conn_github_01h2"
	state := EncodeState(id)
	if strings.ContainsAny(state, "+/=") {
		t.Fatalf("EncodeState() = %q, want url-safe unpadded", state)
	}
	got, err := DecodeState(state + "==")
	if err != nil {
		t.Fatalf("DecodeState() err = %v", err)
	}
	if got != id {
		t.Fatalf("DecodeState() = %q, want %q", got, id)
	}
	if _, err := DecodeState("not base64!"); err == nil {
		t.Fatal("DecodeState() expected error for invalid input")
	}
}
